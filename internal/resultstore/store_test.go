package resultstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesFileAndIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestOutcome_PutThenGetExactHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	out := TestOutcome{
		TestPath:    "flows/login_test.yaml",
		ContentHash: "abc123",
		Passed:      true,
		Duration:    1500 * time.Millisecond,
		DeviceID:    "emulator-5554",
		Artifacts:   []string{"screenshots/login_final.png"},
	}
	require.NoError(t, s.PutOutcome(ctx, out))

	got, err := s.GetOutcome(ctx, "flows/login_test.yaml", "abc123")
	require.NoError(t, err)
	assert.True(t, got.Passed)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.Equal(t, "emulator-5554", got.DeviceID)
	assert.Equal(t, []string{"screenshots/login_final.png"}, got.Artifacts)
	assert.False(t, got.RecordedAt.IsZero())
}

func TestOutcome_DifferentHashIsNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutOutcome(ctx, TestOutcome{
		TestPath:    "flows/login_test.yaml",
		ContentHash: "abc123",
		Passed:      true,
	}))

	// Any content change produces a new hash; the prior result must
	// not be served for it.
	_, err := s.GetOutcome(ctx, "flows/login_test.yaml", "def456")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOutcome_MostRecentRowWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour)
	require.NoError(t, s.PutOutcome(ctx, TestOutcome{
		TestPath:    "flows/cart_test.yaml",
		ContentHash: "h1",
		Passed:      false,
		RecordedAt:  older,
	}))
	require.NoError(t, s.PutOutcome(ctx, TestOutcome{
		TestPath:    "flows/cart_test.yaml",
		ContentHash: "h1",
		Passed:      true,
		RecordedAt:  time.Now(),
	}))

	got, err := s.GetOutcome(ctx, "flows/cart_test.yaml", "h1")
	require.NoError(t, err)
	assert.True(t, got.Passed, "lookup must return the most recent row for the hash")
}

func TestOutcome_ErrorMessageTruncated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, s.PutOutcome(ctx, TestOutcome{
		TestPath:     "flows/huge_error_test.yaml",
		ContentHash:  "h1",
		ErrorMessage: string(long),
	}))

	got, err := s.GetOutcome(ctx, "flows/huge_error_test.yaml", "h1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got.ErrorMessage), MaxErrorMessageLen)
	assert.Contains(t, got.ErrorMessage, "...")
}

func TestEntry_PutGetRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Entry{
		Namespace:   "visual-baselines",
		Key:         "login-screen",
		ContentHash: "h1",
		Payload:     []byte(`{"width":1080}`),
	}))

	got, err := s.Get(ctx, "visual-baselines", "login-screen", "h1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"width":1080}`), got.Payload)

	_, err = s.Get(ctx, "visual-baselines", "login-screen", "h2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEntry_UpsertLastWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := Entry{Namespace: "ns", Key: "k", ContentHash: "h1", Payload: []byte("old")}
	require.NoError(t, s.Put(ctx, e))
	e.Payload = []byte("new")
	require.NoError(t, s.Put(ctx, e))

	got, err := s.Get(ctx, "ns", "k", "h1")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got.Payload)
}

func TestEntry_MultipleHashesCoexist(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Entry{Namespace: "ns", Key: "k", ContentHash: "h1", Payload: []byte("v1")}))
	require.NoError(t, s.Put(ctx, Entry{Namespace: "ns", Key: "k", ContentHash: "h2", Payload: []byte("v2")}))

	got1, err := s.Get(ctx, "ns", "k", "h1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got1.Payload)

	got2, err := s.Get(ctx, "ns", "k", "h2")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got2.Payload)
}

func TestInvalidateNamespace_Scoped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Entry{Namespace: "a", Key: "k", ContentHash: "h", Payload: []byte("x")}))
	require.NoError(t, s.Put(ctx, Entry{Namespace: "b", Key: "k", ContentHash: "h", Payload: []byte("y")}))

	require.NoError(t, s.InvalidateNamespace(ctx, "a"))

	_, err := s.Get(ctx, "a", "k", "h")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "b", "k", "h")
	assert.NoError(t, err)
}

func TestInvalidateNamespace_OutcomesAndAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutOutcome(ctx, TestOutcome{TestPath: "t", ContentHash: "h", Passed: true}))
	require.NoError(t, s.Put(ctx, Entry{Namespace: "ns", Key: "k", ContentHash: "h", Payload: []byte("x")}))

	require.NoError(t, s.InvalidateNamespace(ctx, NamespaceOutcomes))
	_, err := s.GetOutcome(ctx, "t", "h")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "ns", "k", "h")
	assert.NoError(t, err, "outcome invalidation must not touch generic entries")

	require.NoError(t, s.InvalidateNamespace(ctx, ""))
	_, err = s.Get(ctx, "ns", "k", "h")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneOlderThan_RemovesOnlyOldRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.PutOutcome(ctx, TestOutcome{TestPath: "old", ContentHash: "h", RecordedAt: old}))
	require.NoError(t, s.PutOutcome(ctx, TestOutcome{TestPath: "new", ContentHash: "h"}))
	require.NoError(t, s.Put(ctx, Entry{Namespace: "ns", Key: "old", ContentHash: "h", Payload: []byte("x"), RecordedAt: old}))

	removed, err := s.PruneOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = s.GetOutcome(ctx, "old", "h")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetOutcome(ctx, "new", "h")
	assert.NoError(t, err)
}

func TestClosedStore_ReportsUnavailable(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	err := s.PutOutcome(context.Background(), TestOutcome{TestPath: "t", ContentHash: "h"})
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))

	_, err = s.GetOutcome(context.Background(), "t", "h")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exactly-10", Truncate("exactly-10", 10))
	assert.Equal(t, "toolong...", Truncate("toolong-and-more", 10))
	assert.Len(t, Truncate("abcdef", 2), 2)
}
