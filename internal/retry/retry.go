// Package retry wraps a single test execution with bounded retries and
// exponential backoff.
//
// The engine is deliberately ignorant of devices and scheduling: it
// sees one identity, one attempt function, and a policy. Flaky-failure
// classification happens through the retry predicate, which inspects
// error text for transient signals; everything else fails fast.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Options controls retry behavior for one RunWithRetry call.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	// Total attempts = 1 + MaxRetries.
	MaxRetries int

	// InitialDelay is the sleep before the first retry.
	InitialDelay time.Duration

	// Multiplier scales the delay after each retry.
	Multiplier float64

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Predicate decides whether a failure is worth retrying.
	// Nil means DefaultPredicate.
	Predicate func(error) bool

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(identity string, nextAttempt int, delay time.Duration, err error)
}

// DefaultOptions returns the policy used when callers pass a zero
// Options value for a field.
func DefaultOptions() Options {
	return Options{
		MaxRetries:   3,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// transientSignals are error-text fragments that usually indicate a
// flaky environment rather than a real application bug.
var transientSignals = []string{
	"timeout",
	"timed out",
	"network",
	"connection",
	"unavailable",
	"element not found",
}

// DefaultPredicate reports whether err looks transient.
// Matching is case-insensitive substring search over the error text.
func DefaultPredicate(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignals {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Outcome is the final result of a retried execution.
// RunWithRetry always returns an Outcome, never an error: exhaustion
// and non-retryable failures are folded into a failed Outcome.
type Outcome struct {
	Identity     string
	Passed       bool
	Attempts     int
	Duration     time.Duration
	ErrorMessage string   // last failure, empty on pass
	Reasons      []string // one entry per failed attempt, in order
}

// Stats accumulates per-identity retry counters, independent of any
// result store. Process-local, append-only.
type Stats struct {
	Attempts  int
	Retries   int
	Successes int
	Failures  int
	LastError string
}

// AttemptFunc executes one attempt. A nil return is a pass.
type AttemptFunc func(ctx context.Context, attempt int) error

// Engine runs attempt functions under a retry policy and accumulates
// per-identity statistics. Safe for concurrent use.
type Engine struct {
	logger *slog.Logger

	// Sleep allows overriding backoff sleeps (for testing).
	// If nil, defaults to a context-aware time.After wait.
	Sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	stats map[string]*Stats
}

// NewEngine creates an engine logging through logger.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger: logger,
		stats:  make(map[string]*Stats),
	}
}

// RunWithRetry executes attempt under the given policy.
//
// Attempt 1 runs immediately. On failure the predicate decides whether
// to retry; non-retryable errors and exhausted budgets return a failed
// Outcome at once. Delays are non-decreasing and capped at MaxDelay.
// Panics inside the attempt are recovered and treated as failures.
func (e *Engine) RunWithRetry(ctx context.Context, identity string, attempt AttemptFunc, opts Options) Outcome {
	def := DefaultOptions()
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = def.InitialDelay
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = def.Multiplier
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	pred := opts.Predicate
	if pred == nil {
		pred = DefaultPredicate
	}

	start := time.Now()
	out := Outcome{Identity: identity}
	delay := opts.InitialDelay
	maxAttempts := 1 + opts.MaxRetries

	for n := 1; n <= maxAttempts; n++ {
		out.Attempts = n
		err := e.runOnce(ctx, attempt, n)
		e.record(identity, err)

		if err == nil {
			out.Passed = true
			out.Duration = time.Since(start)
			return out
		}

		out.Reasons = append(out.Reasons, fmt.Sprintf("attempt %d: %v", n, err))
		out.ErrorMessage = err.Error()

		if n == maxAttempts || !pred(err) {
			break
		}

		if opts.OnRetry != nil {
			opts.OnRetry(identity, n+1, delay, err)
		}
		e.logger.Debug("retrying after transient failure",
			"identity", identity,
			"attempt", n,
			"delay", delay,
			"error", err,
		)
		e.bumpRetry(identity)

		if err := e.sleep(ctx, delay); err != nil {
			// Context ended during backoff: surface as the final reason.
			out.Reasons = append(out.Reasons, fmt.Sprintf("backoff interrupted: %v", err))
			out.ErrorMessage = err.Error()
			break
		}

		delay = time.Duration(float64(delay) * opts.Multiplier)
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}

	out.Duration = time.Since(start)
	return out
}

// runOnce executes one attempt, converting panics into errors.
func (e *Engine) runOnce(ctx context.Context, attempt AttemptFunc, n int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("attempt panicked: %v", r)
		}
	}()
	return attempt(ctx, n)
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (e *Engine) record(identity string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.statsLocked(identity)
	s.Attempts++
	if err == nil {
		s.Successes++
	} else {
		s.Failures++
		s.LastError = err.Error()
	}
}

func (e *Engine) bumpRetry(identity string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statsLocked(identity).Retries++
}

func (e *Engine) statsLocked(identity string) *Stats {
	s, ok := e.stats[identity]
	if !ok {
		s = &Stats{}
		e.stats[identity] = s
	}
	return s
}

// StatsFor returns a copy of the accumulated stats for identity.
func (e *Engine) StatsFor(identity string) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stats[identity]; ok {
		return *s
	}
	return Stats{}
}
