package resultstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// NamespaceOutcomes is the reserved namespace backing the fixed-schema
// test_outcomes table. InvalidateNamespace recognizes it.
const NamespaceOutcomes = "test-results"

// Entry is one generic cached payload.
type Entry struct {
	Namespace   string
	Key         string
	ContentHash string
	Payload     []byte
	RecordedAt  time.Time
}

// Put upserts an entry by (namespace, key, content_hash),
// last-write-wins. Distinct hashes for the same key coexist.
func (s *Store) Put(ctx context.Context, e Entry) error {
	if e.Namespace == "" || e.Key == "" || e.ContentHash == "" {
		return fmt.Errorf("resultstore: entry requires namespace, key and content hash")
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}

	_, err := s.execContext(ctx, "put entry", `
		INSERT INTO cache_entries (namespace, key, content_hash, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		e.Namespace, e.Key, e.ContentHash, e.Payload, e.RecordedAt.UnixMilli(),
	)
	return err
}

// Get returns the entry for an exact (namespace, key, contentHash)
// match, or ErrNotFound.
func (s *Store) Get(ctx context.Context, namespace, key, contentHash string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT namespace, key, content_hash, payload, recorded_at
		FROM cache_entries
		WHERE namespace = ? AND key = ? AND content_hash = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`, namespace, key, contentHash)

	var (
		e          Entry
		recordedAt int64
	)
	err := row.Scan(&e.Namespace, &e.Key, &e.ContentHash, &e.Payload, &recordedAt)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, &UnavailableError{Op: "get entry", Err: err}
	}
	e.RecordedAt = time.UnixMilli(recordedAt)
	return e, nil
}

// InvalidateNamespace drops cached data for one namespace.
// The reserved NamespaceOutcomes clears the test_outcomes table; an
// empty namespace clears everything.
func (s *Store) InvalidateNamespace(ctx context.Context, namespace string) error {
	switch namespace {
	case "":
		if _, err := s.execContext(ctx, "invalidate", `DELETE FROM cache_entries`); err != nil {
			return err
		}
		_, err := s.execContext(ctx, "invalidate", `DELETE FROM test_outcomes`)
		return err
	case NamespaceOutcomes:
		_, err := s.execContext(ctx, "invalidate", `DELETE FROM test_outcomes`)
		return err
	default:
		_, err := s.execContext(ctx, "invalidate", `DELETE FROM cache_entries WHERE namespace = ?`, namespace)
		return err
	}
}

// PruneOlderThan deletes rows older than age from both tables and
// compacts the database. Returns the number of rows removed.
func (s *Store) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()

	var removed int64
	res, err := s.execContext(ctx, "prune", `DELETE FROM test_outcomes WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	res, err = s.execContext(ctx, "prune", `DELETE FROM cache_entries WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return removed, err
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	// VACUUM reclaims the freed pages; it cannot run inside a
	// transaction, which is fine for a single-writer store.
	if _, err := s.execContext(ctx, "prune", `VACUUM`); err != nil {
		return removed, err
	}
	return removed, nil
}
