// Package orch orchestrates one acceptance-test run end to end: test
// identity hashing, result-cache lookup, device provisioning, parallel
// scheduling, retried execution under the interruption automaton, and
// report assembly.
//
// The orchestrator owns no global state. Every device gets its own
// driver, pump coordinator, and automaton for the duration of the run,
// so two concurrent runs (or two devices within one run) never share a
// frame clock.
package orch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/fieldtest/fieldtest/internal/driver"
	"github.com/fieldtest/fieldtest/internal/interrupt"
	"github.com/fieldtest/fieldtest/internal/pump"
	"github.com/fieldtest/fieldtest/internal/resultstore"
	"github.com/fieldtest/fieldtest/internal/retry"
	"github.com/fieldtest/fieldtest/internal/sched"
)

// Options configures a Runner.
type Options struct {
	// Store caches test outcomes by content hash. Nil disables caching;
	// a failing store degrades to cache misses, never to run failures.
	Store *resultstore.Store

	// Devices provisions and tears down device-side processes. Required.
	Devices driver.DeviceControl

	// NewDriver connects a UI driver to one device. Required.
	NewDriver func(ctx context.Context, d driver.Device) (driver.Driver, error)

	// Executor runs one attempt of one test. Nil means SmokeExecutor().
	Executor Executor

	// Rules overrides the interruption rule table. Nil means defaults.
	Rules []interrupt.Rule

	// TickPeriod is the automaton poll interval. Zero means the
	// automaton default.
	TickPeriod time.Duration

	// Retry is the per-test retry policy. Zero fields take defaults.
	Retry retry.Options

	// MaxConcurrency bounds simultaneous test executions across all
	// devices. Values below 1 are treated as 1.
	MaxConcurrency int

	// MaxDevices caps how many pool devices are used. Zero means the
	// suggested count for the suite size.
	MaxDevices int

	// Suite names the run in reports. Optional.
	Suite string

	// AppID and Capabilities pre-grant runtime capabilities to the app
	// under test before any test starts, so fewer permission dialogs
	// reach the automaton.
	AppID        string
	Capabilities []string

	// Logger receives run diagnostics. Nil means slog.Default().
	Logger *slog.Logger

	// ReadFile loads test source bytes. Nil means os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// Runner executes suites against a device pool.
type Runner struct {
	opts     Options
	executor Executor
	engine   *retry.Engine
	logger   *slog.Logger
	readFile func(string) ([]byte, error)

	// now is overridable for deterministic report timing in tests.
	now func() time.Time
}

// NewRunner validates options and builds a runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Devices == nil {
		return nil, fmt.Errorf("orch: device control is required")
	}
	if opts.NewDriver == nil {
		return nil, fmt.Errorf("orch: driver factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	executor := opts.Executor
	if executor == nil {
		executor = SmokeExecutor()
	}
	readFile := opts.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	return &Runner{
		opts:     opts,
		executor: executor,
		engine:   retry.NewEngine(opts.Logger),
		logger:   opts.Logger,
		readFile: readFile,
		now:      time.Now,
	}, nil
}

// Engine exposes the retry engine for per-test statistics queries.
func (r *Runner) Engine() *retry.Engine { return r.engine }

// deviceBundle is the per-device execution context. The scheduler runs
// each device's queue sequentially, so a bundle is never used by two
// tests at once.
type deviceBundle struct {
	device    driver.Device
	handle    driver.WatcherHandle
	drv       driver.Driver
	coord     *pump.Coordinator
	automaton *interrupt.Automaton
}

// Run executes the given tests and returns a report.
//
// Per test: the source is read and hashed, the result store is
// consulted (a hit for the exact content hash short-circuits the
// test), and remaining tests are fanned out over provisioned devices
// with retries. Cache and store failures degrade to misses. The only
// hard errors are an empty test list, an unlistable pool, or a pool
// where no device could be provisioned.
func (r *Runner) Run(ctx context.Context, tests []string) (*Report, error) {
	if len(tests) == 0 {
		return nil, fmt.Errorf("orch: no tests to run")
	}

	start := r.now()
	report := &Report{
		RunID:     uuid.NewString(),
		Suite:     r.opts.Suite,
		StartedAt: start,
	}
	r.logger.Info("run starting", "run", report.RunID, "tests", len(tests))

	contents := make(map[string][]byte)
	hashes := make(map[string]string)
	var pending []string
	seen := make(map[string]bool)

	for _, test := range tests {
		if seen[test] {
			continue
		}
		seen[test] = true

		data, err := r.readFile(test)
		if err != nil {
			report.Rows = append(report.Rows, Row{
				Test:  test,
				Error: resultstore.Truncate(fmt.Sprintf("read test source: %v", err), resultstore.MaxErrorMessageLen),
			})
			continue
		}
		contents[test] = data
		hashes[test] = HashContent(data)

		if row, ok := r.cachedRow(ctx, test, hashes[test]); ok {
			report.Rows = append(report.Rows, row)
			continue
		}
		pending = append(pending, test)
	}

	if len(pending) == 0 {
		report.Elapsed = r.now().Sub(start)
		return report, nil
	}

	bundles, cleanup, err := r.provision(ctx, len(pending))
	if err != nil {
		return nil, err
	}
	defer cleanup()

	byID := make(map[string]*deviceBundle, len(bundles))
	pool := make([]driver.Device, 0, len(bundles))
	for _, b := range bundles {
		byID[b.device.ID] = b
		pool = append(pool, b.device)
	}

	rows, runErr := sched.RunParallel(ctx, pending, pool, r.opts.MaxConcurrency,
		func(ctx context.Context, item sched.WorkItem) Row {
			return r.runOne(ctx, byID[item.Device.ID], item.Test, contents[item.Test], hashes[item.Test])
		})
	report.Rows = append(report.Rows, rows...)

	report.Elapsed = r.now().Sub(start)
	passed, failed, cached := report.Counts()
	r.logger.Info("run finished",
		"run", report.RunID,
		"passed", passed,
		"failed", failed,
		"cached", cached,
		"elapsed", report.Elapsed,
	)
	return report, runErr
}

// cachedRow consults the result store. Any store trouble reads as a
// miss: a broken cache must slow a run down, not fail it.
func (r *Runner) cachedRow(ctx context.Context, test, hash string) (Row, bool) {
	if r.opts.Store == nil {
		return Row{}, false
	}
	o, err := r.opts.Store.GetOutcome(ctx, test, hash)
	if errors.Is(err, resultstore.ErrNotFound) {
		return Row{}, false
	}
	if err != nil {
		r.logger.Warn("result store lookup failed, treating as miss", "test", test, "error", err)
		return Row{}, false
	}
	return Row{
		Test:     test,
		Passed:   o.Passed,
		CacheHit: true,
		Duration: o.Duration,
		DeviceID: o.DeviceID,
		Error:    o.ErrorMessage,
	}, true
}

// provision selects devices from the pool, grants capabilities, starts
// watchers, and builds per-device execution contexts. Devices that
// fail to provision are skipped; only an empty result is fatal.
func (r *Runner) provision(ctx context.Context, testCount int) ([]*deviceBundle, func(), error) {
	devices, err := r.opts.Devices.ListDevices(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("orch: list devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, nil, &sched.DeviceUnavailableError{Reason: "no connected devices"}
	}

	want := r.opts.MaxDevices
	if want <= 0 {
		want = sched.OptimalDeviceCount(testCount, 0)
	}
	if want > len(devices) {
		want = len(devices)
	}

	var bundles []*deviceBundle
	for _, d := range devices[:want] {
		b, err := r.provisionOne(ctx, d)
		if err != nil {
			r.logger.Warn("device skipped", "device", d.ID, "error", err)
			continue
		}
		bundles = append(bundles, b)
	}
	if len(bundles) == 0 {
		return nil, nil, &sched.DeviceUnavailableError{
			Reason: fmt.Sprintf("none of %d devices could be provisioned", want),
		}
	}

	cleanup := func() {
		for _, b := range bundles {
			if err := r.opts.Devices.StopWatcher(context.Background(), b.handle); err != nil {
				r.logger.Warn("watcher stop failed", "device", b.device.ID, "error", err)
			}
		}
	}
	return bundles, cleanup, nil
}

func (r *Runner) provisionOne(ctx context.Context, d driver.Device) (*deviceBundle, error) {
	for _, capability := range r.opts.Capabilities {
		if err := r.opts.Devices.GrantCapability(ctx, d.ID, r.opts.AppID, capability); err != nil {
			// The automaton will dismiss the resulting dialog instead.
			r.logger.Warn("capability grant failed", "device", d.ID, "capability", capability, "error", err)
		}
	}

	handle, err := r.opts.Devices.StartWatcher(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("start watcher: %w", err)
	}

	drv, err := r.opts.NewDriver(ctx, d)
	if err != nil {
		if serr := r.opts.Devices.StopWatcher(ctx, handle); serr != nil {
			r.logger.Warn("watcher stop failed", "device", d.ID, "error", serr)
		}
		return nil, fmt.Errorf("connect driver: %w", err)
	}

	coord := pump.NewCoordinator()
	return &deviceBundle{
		device: d,
		handle: handle,
		drv:    drv,
		coord:  coord,
		automaton: interrupt.New(drv, coord, interrupt.Options{
			Period: r.opts.TickPeriod,
			Rules:  r.opts.Rules,
			Logger: r.logger.With("device", d.ID),
		}),
	}, nil
}

// runOne executes one test on one device, with retries, and records
// the outcome.
func (r *Runner) runOne(ctx context.Context, b *deviceBundle, test string, content []byte, hash string) Row {
	var interruptions int
	attempt := func(ctx context.Context, n int) error {
		if err := b.automaton.Start(ctx); err != nil {
			return fmt.Errorf("start automaton: %w", err)
		}
		defer func() {
			interruptions += len(b.automaton.Records())
			b.automaton.Stop()
		}()

		return r.executor.Execute(ctx, Execution{
			Test:    test,
			Content: content,
			Device:  b.device,
			Driver:  b.drv,
			Pump:    b.coord,
			Attempt: n,
		})
	}

	out := r.engine.RunWithRetry(ctx, test, attempt, r.opts.Retry)

	row := Row{
		Test:          test,
		Passed:        out.Passed,
		Attempts:      out.Attempts,
		Duration:      out.Duration,
		DeviceID:      b.device.ID,
		Error:         resultstore.Truncate(out.ErrorMessage, resultstore.MaxErrorMessageLen),
		Interruptions: interruptions,
	}

	if r.opts.Store != nil {
		err := r.opts.Store.PutOutcome(ctx, resultstore.TestOutcome{
			TestPath:     test,
			ContentHash:  hash,
			Passed:       out.Passed,
			Duration:     out.Duration,
			DeviceID:     b.device.ID,
			ErrorMessage: out.ErrorMessage,
		})
		if err != nil {
			r.logger.Warn("outcome not cached", "test", test, "error", err)
		}
	}
	return row
}
