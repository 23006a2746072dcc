// Package pump serializes frame-clock access to a device's UI driver.
//
// Two activities drive the same UI surface during a test: the scripted
// test executor and the interruption automaton. The coordinator's
// lease guarantees exactly one of them advances frames or mutates the
// UI at any instant. Acquisition is non-blocking: the loser is told
// immediately and decides for itself whether to back off or skip.
package pump

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned by Acquire when another holder owns the lease.
// Callers back off and retry, or skip the cycle entirely (the
// automaton skips its tick rather than queue behind the executor).
var ErrBusy = errors.New("pump: lease busy")

// LeaseConflictError reports that bounded acquisition retries were
// exhausted while another holder kept the lease.
type LeaseConflictError struct {
	Requester string // who wanted the lease
	Holder    string // who kept it
	Attempts  int
}

func (e *LeaseConflictError) Error() string {
	return fmt.Sprintf("pump: %s could not acquire lease after %d attempts (held by %s)",
		e.Requester, e.Attempts, e.Holder)
}

// IsLeaseConflict reports whether err is a LeaseConflictError.
// Uses errors.As to handle wrapped errors.
func IsLeaseConflict(err error) bool {
	var le *LeaseConflictError
	return errors.As(err, &le)
}

// Lease is the exclusive token granting frame-clock access.
// Only the holder of a live lease may touch the UI driver.
type Lease struct {
	Token      string
	Holder     string
	AcquiredAt time.Time
}

// Coordinator hands out at most one live lease at a time.
// Safe for concurrent use by any number of requesters.
type Coordinator struct {
	mu  sync.Mutex
	cur *Lease
}

// NewCoordinator creates a coordinator with no lease outstanding.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Acquire grants the lease to holder, or returns ErrBusy immediately
// if another holder owns it. Never blocks.
func (c *Coordinator) Acquire(holder string) (Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur != nil {
		return Lease{}, ErrBusy
	}
	l := Lease{
		Token:      uuid.NewString(),
		Holder:     holder,
		AcquiredAt: time.Now(),
	}
	c.cur = &l
	return l, nil
}

// Release returns the lease. Releasing a stale or foreign lease is a
// no-op: the token must match the live lease exactly.
func (c *Coordinator) Release(l Lease) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur != nil && c.cur.Token == l.Token {
		c.cur = nil
	}
}

// Holder returns the current holder name, or "" when the lease is free.
func (c *Coordinator) Holder() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur == nil {
		return ""
	}
	return c.cur.Holder
}

// WithLease runs fn while holding the lease, releasing it on every
// exit path including panics. Returns ErrBusy without running fn if
// the lease is taken.
func (c *Coordinator) WithLease(holder string, fn func(Lease) error) error {
	l, err := c.Acquire(holder)
	if err != nil {
		return err
	}
	defer c.Release(l)
	return fn(l)
}

// AcquireWithRetry attempts Acquire up to attempts times, sleeping
// delay between tries. After exhaustion it returns a
// LeaseConflictError rather than blocking forever.
func (c *Coordinator) AcquireWithRetry(ctx context.Context, holder string, attempts int, delay time.Duration) (Lease, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		l, err := c.Acquire(holder)
		if err == nil {
			return l, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return Lease{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return Lease{}, &LeaseConflictError{
		Requester: holder,
		Holder:    c.Holder(),
		Attempts:  attempts,
	}
}
