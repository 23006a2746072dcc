// Package testutil provides deterministic time doubles for tests.
package testutil

import (
	"context"
	"sync"
	"time"
)

// RecordingSleeper satisfies the retry engine's Sleep hook: it returns
// immediately and records every requested delay, so backoff schedules
// can be asserted without waiting them out.
//
// Thread-safe for use from concurrent retries.
type RecordingSleeper struct {
	// Err, if set, is returned by every Sleep call, simulating a
	// context that ends during backoff.
	Err error

	mu     sync.Mutex
	delays []time.Duration
}

// Sleep records the delay and returns Err (nil by default).
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return s.Err
}

// Delays returns a copy of the recorded delays in call order.
func (s *RecordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}
