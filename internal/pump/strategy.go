package pump

import (
	"context"
	"time"

	"github.com/fieldtest/fieldtest/internal/driver"
)

// DefaultFrameWait bounds how long a single frame advance may take.
// Roughly three frame periods at 60fps plus scheduling slack.
const DefaultFrameWait = 50 * time.Millisecond

// Result reports what one pump call did.
type Result struct {
	Frames   int           // frames actually advanced
	Elapsed  time.Duration // wall time spent pumping
	Settled  bool          // UI reached visual quiescence (settle/adaptive only)
	Conflict bool          // lease was busy; nothing was pumped
}

// Strategy advances the frame clock according to one policy.
//
// Strategies assume the caller already holds the pump lease; they
// never touch the coordinator themselves.
type Strategy interface {
	// Name identifies the strategy in logs and results.
	Name() string
	// Pump drives the frame clock. Partial progress before an error is
	// reported in the Result alongside the error.
	Pump(ctx context.Context, drv driver.Driver) (Result, error)
}

// Pump acquires the lease for holder, runs the strategy, and releases.
// A busy lease yields Result{Conflict: true} and ErrBusy without
// touching the driver.
func (c *Coordinator) Pump(ctx context.Context, holder string, s Strategy, drv driver.Driver) (Result, error) {
	var res Result
	err := c.WithLease(holder, func(Lease) error {
		var perr error
		res, perr = s.Pump(ctx, drv)
		return perr
	})
	if err == ErrBusy {
		return Result{Conflict: true}, err
	}
	return res, err
}

type singleFrame struct{}

// Single advances exactly one frame.
func Single() Strategy { return singleFrame{} }

func (singleFrame) Name() string { return "single" }

func (singleFrame) Pump(ctx context.Context, drv driver.Driver) (Result, error) {
	start := time.Now()
	if err := drv.AdvanceFrame(ctx, DefaultFrameWait); err != nil {
		return Result{Elapsed: time.Since(start)}, err
	}
	return Result{Frames: 1, Elapsed: time.Since(start)}, nil
}

type boundedFrames struct {
	n int
}

// Bounded advances up to n frames unconditionally.
func Bounded(n int) Strategy { return boundedFrames{n: n} }

func (boundedFrames) Name() string { return "bounded" }

func (s boundedFrames) Pump(ctx context.Context, drv driver.Driver) (Result, error) {
	start := time.Now()
	res := Result{}
	for i := 0; i < s.n; i++ {
		if err := ctx.Err(); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}
		if err := drv.AdvanceFrame(ctx, DefaultFrameWait); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}
		res.Frames++
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

type settleFrames struct {
	timeout time.Duration
}

// Settle advances frames until two consecutive snapshots share a
// digest (visual quiescence) or the timeout expires. The timeout makes
// this safe under continuous animation, where an unconditional settle
// would never return.
func Settle(timeout time.Duration) Strategy { return settleFrames{timeout: timeout} }

func (settleFrames) Name() string { return "settle" }

func (s settleFrames) Pump(ctx context.Context, drv driver.Driver) (Result, error) {
	start := time.Now()
	deadline := start.Add(s.timeout)
	res := Result{}

	prev, err := drv.Snapshot(ctx)
	if err != nil {
		res.Elapsed = time.Since(start)
		return res, err
	}

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}
		if err := drv.AdvanceFrame(ctx, DefaultFrameWait); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}
		res.Frames++

		cur, err := drv.Snapshot(ctx)
		if err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}
		if cur.Digest == prev.Digest {
			res.Settled = true
			res.Elapsed = time.Since(start)
			return res, nil
		}
		prev = cur
	}

	// Timed out without settling. Not an error: the caller decides
	// whether unsettled UI matters.
	res.Elapsed = time.Since(start)
	return res, nil
}

type navTransition struct {
	steady   int
	trailing int
}

// NavTransition pumps a navigation push/pop: one frame to start the
// transition, steady frames to play it, trailing frames to let the
// destination stabilize.
func NavTransition(steady, trailing int) Strategy {
	return navTransition{steady: steady, trailing: trailing}
}

func (navTransition) Name() string { return "nav-transition" }

func (s navTransition) Pump(ctx context.Context, drv driver.Driver) (Result, error) {
	start := time.Now()
	res := Result{}
	total := 1 + s.steady + s.trailing
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}
		if err := drv.AdvanceFrame(ctx, DefaultFrameWait); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}
		res.Frames++
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

type adaptive struct {
	probe    time.Duration
	fallback int
}

// Adaptive probes with a short settle; if the UI is still animating
// when the probe expires, it falls back to a bounded advance instead
// of waiting out an animation that may never end.
func Adaptive(probe time.Duration, fallbackFrames int) Strategy {
	return adaptive{probe: probe, fallback: fallbackFrames}
}

func (adaptive) Name() string { return "adaptive" }

func (s adaptive) Pump(ctx context.Context, drv driver.Driver) (Result, error) {
	probeRes, err := Settle(s.probe).Pump(ctx, drv)
	if err != nil || probeRes.Settled {
		return probeRes, err
	}

	// Continuous animation detected: bounded fallback.
	fbRes, err := Bounded(s.fallback).Pump(ctx, drv)
	return Result{
		Frames:  probeRes.Frames + fbRes.Frames,
		Elapsed: probeRes.Elapsed + fbRes.Elapsed,
		Settled: false,
	}, err
}
