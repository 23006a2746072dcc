package testutil

import (
	"sync"
	"time"
)

// ManualClock is a time source advanced explicitly by tests. It stands
// in for time.Now wherever a component accepts a clock override, so
// elapsed-time fields come out exact instead of flaky.
//
// Thread-safe: all methods lock.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current frozen time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
