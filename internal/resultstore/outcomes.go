package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// MaxErrorMessageLen bounds stored error text so one noisy failure
// cannot balloon the database or the reports built from it.
const MaxErrorMessageLen = 300

// TestOutcome is one cached test result. Immutable once written; a
// re-run of the same (test_path, content_hash) appends a new row.
type TestOutcome struct {
	TestPath     string
	ContentHash  string
	Passed       bool
	Duration     time.Duration
	DeviceID     string
	ErrorMessage string
	Artifacts    []string
	RecordedAt   time.Time
}

// PutOutcome appends an outcome row. The error message is truncated to
// MaxErrorMessageLen before storage.
func (s *Store) PutOutcome(ctx context.Context, o TestOutcome) error {
	if o.TestPath == "" || o.ContentHash == "" {
		return fmt.Errorf("resultstore: outcome requires test path and content hash")
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now()
	}

	artifacts := o.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("resultstore: marshal artifacts: %w", err)
	}

	_, err = s.execContext(ctx, "put outcome", `
		INSERT INTO test_outcomes
		(test_path, content_hash, passed, duration_ms, device_id, error_message, artifacts, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.TestPath,
		o.ContentHash,
		boolToInt(o.Passed),
		o.Duration.Milliseconds(),
		o.DeviceID,
		Truncate(o.ErrorMessage, MaxErrorMessageLen),
		string(artifactsJSON),
		o.RecordedAt.UnixMilli(),
	)
	return err
}

// GetOutcome returns the most recent outcome for an exact
// (testPath, contentHash) match, or ErrNotFound. A changed content
// hash never matches prior rows: edits always invalidate.
func (s *Store) GetOutcome(ctx context.Context, testPath, contentHash string) (TestOutcome, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT test_path, content_hash, passed, duration_ms, device_id, error_message, artifacts, recorded_at
		FROM test_outcomes
		WHERE test_path = ? AND content_hash = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`, testPath, contentHash)

	var (
		o          TestOutcome
		passed     int
		durationMS int64
		artifacts  string
		recordedAt int64
	)
	err := row.Scan(&o.TestPath, &o.ContentHash, &passed, &durationMS, &o.DeviceID, &o.ErrorMessage, &artifacts, &recordedAt)
	if err == sql.ErrNoRows {
		return TestOutcome{}, ErrNotFound
	}
	if err != nil {
		return TestOutcome{}, &UnavailableError{Op: "get outcome", Err: err}
	}

	o.Passed = passed != 0
	o.Duration = time.Duration(durationMS) * time.Millisecond
	o.RecordedAt = time.UnixMilli(recordedAt)
	if err := json.Unmarshal([]byte(artifacts), &o.Artifacts); err != nil {
		return TestOutcome{}, &UnavailableError{Op: "get outcome", Err: fmt.Errorf("decode artifacts: %w", err)}
	}
	return o, nil
}

// Truncate bounds s to max bytes, appending an ellipsis marker when
// anything was cut.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
