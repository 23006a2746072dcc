// Package interrupt detects and dismisses transient OS-level UI
// interruptions (permission prompts, system dialogs, ANR warnings)
// that would otherwise stall a scripted test.
//
// The automaton is a polling loop over a prioritized, data-driven rule
// table compiled from CUE. Classification is heuristic: interrupting
// surfaces originate outside the application, so false negatives just
// let the hosted test time out naturally, and false positives are
// mitigated by scoping label searches to descendants of a detected
// container before falling back to the whole screen.
//
// Every UI access runs under the pump lease. When the test executor
// holds the lease, the tick is skipped rather than queued; the next
// tick fires on schedule.
package interrupt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/time/rate"

	"github.com/fieldtest/fieldtest/internal/driver"
	"github.com/fieldtest/fieldtest/internal/pump"
)

// DefaultPeriod is the tick interval when none is configured.
const DefaultPeriod = 300 * time.Millisecond

// leaseHolder names the automaton in pump lease diagnostics.
const leaseHolder = "interruption-automaton"

// State is the automaton lifecycle state.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Options configures an Automaton.
type Options struct {
	// Period between ticks. Zero means DefaultPeriod.
	Period time.Duration
	// Rules is the prioritized rule table. Nil means DefaultRules().
	Rules []Rule
	// Logger receives rate-limited diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Automaton is the background interruption handler for one device.
// One automaton per device; never shared.
type Automaton struct {
	drv    driver.Driver
	coord  *pump.Coordinator
	rules  []Rule
	period time.Duration
	logger *slog.Logger

	// limiter gates diagnostic logging so a permanently-stuck dialog
	// cannot flood the log at tick frequency.
	limiter *rate.Limiter

	mu       sync.Mutex
	state    State
	tick     int64
	records  []Record
	handled  map[string]bool
	presence map[string]*instanceState
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an automaton for one device's driver and coordinator.
func New(drv driver.Driver, coord *pump.Coordinator, opts Options) *Automaton {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Automaton{
		drv:      drv,
		coord:    coord,
		rules:    opts.Rules,
		period:   opts.Period,
		logger:   opts.Logger,
		limiter:  rate.NewLimiter(rate.Every(2*time.Second), 5),
		handled:  make(map[string]bool),
		presence: make(map[string]*instanceState),
	}
}

// Start launches the tick loop. Per-run state (records, handled
// instances, tick counter) resets on every start. Returns an error if
// the automaton is already running.
func (a *Automaton) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateStopped {
		return fmt.Errorf("interrupt: automaton already %s", a.state)
	}

	a.state = StateRunning
	a.tick = 0
	a.records = nil
	a.handled = make(map[string]bool)
	a.presence = make(map[string]*instanceState)

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.loop(loopCtx, a.done)
	return nil
}

// Stop terminates the tick loop and waits for it to exit.
// Stopping a stopped automaton is a no-op.
func (a *Automaton) Stop() {
	a.mu.Lock()
	if a.state == StateStopped {
		a.mu.Unlock()
		return
	}
	a.state = StateStopped
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()

	cancel()
	<-done
}

// Pause suspends UI access. Paused ticks do nothing; the loop keeps
// running so Resume is cheap.
func (a *Automaton) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateRunning {
		a.state = StatePaused
	}
}

// Resume re-enables ticking after Pause.
func (a *Automaton) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StatePaused {
		a.state = StateRunning
	}
}

// State returns the current lifecycle state.
func (a *Automaton) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Records returns a copy of the interruptions handled this run.
func (a *Automaton) Records() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, len(a.records))
	copy(out, a.records)
	return out
}

func (a *Automaton) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle. Exported so tests and callers with their
// own scheduling can drive the automaton deterministically.
//
// A tick never propagates failure to the hosted test: panics and
// errors are swallowed and logged under the rate limit.
func (a *Automaton) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil && a.limiter.Allow() {
			a.logger.Error("automaton tick panicked", "panic", r)
		}
	}()

	a.mu.Lock()
	if a.state != StateRunning {
		a.mu.Unlock()
		return
	}
	a.tick++
	n := a.tick
	a.mu.Unlock()

	err := a.coord.WithLease(leaseHolder, func(pump.Lease) error {
		return a.inspect(ctx, n)
	})
	if err == pump.ErrBusy {
		// Executor owns the UI right now; try again next tick.
		return
	}
	if err != nil && a.limiter.Allow() {
		a.logger.Warn("automaton tick failed", "tick", n, "error", err)
	}
}

// inspect snapshots the UI and handles at most one interruption.
// Caller holds the pump lease.
func (a *Automaton) inspect(ctx context.Context, tick int64) error {
	state, err := a.drv.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	m := a.classify(state, tick)
	if m == nil {
		return nil
	}

	strategy, err := dismiss(ctx, a.drv, m.rule.Strategies, m.target)
	if err != nil {
		// Gave up on this instance: remember the signature so the
		// cascade is not replayed every tick, surface nothing to the
		// hosted test.
		a.mu.Lock()
		a.handled[m.signature] = true
		a.mu.Unlock()
		if a.limiter.Allow() {
			a.logger.Warn("interruption unhandled",
				"rule", m.rule.ID,
				"label", m.label,
				"error", err,
			)
		}
		return nil
	}

	a.mu.Lock()
	a.handled[m.signature] = true
	a.records = append(a.records, Record{
		RuleID:    m.rule.ID,
		Signature: m.signature,
		Label:     m.label,
		Strategy:  strategy,
		HandledAt: time.Now(),
	})
	a.mu.Unlock()

	a.logger.Debug("interruption dismissed",
		"rule", m.rule.ID,
		"label", m.label,
		"strategy", strategy,
		"tick", tick,
	)

	// One settling frame lets the dismissal commit before the
	// executor's next snapshot.
	if _, err := pump.Single().Pump(ctx, a.drv); err != nil {
		return fmt.Errorf("post-dismiss frame: %w", err)
	}
	return nil
}

// match is one classified interruption instance.
type match struct {
	rule      Rule
	target    driver.ElementRef
	label     string
	signature string
}

// classify evaluates rules in priority order and returns the first
// matching instance whose signature has not been handled this run.
//
// Presence is swept for every rule against the snapshot before the
// priority scan: epochs track what is on screen each tick, not which
// rule the scan happened to reach, so an instance vanishing and
// reappearing while a higher-priority rule occupies the ticks still
// registers as a new instance.
func (a *Automaton) classify(state driver.UiState, tick int64) *match {
	a.mu.Lock()
	defer a.mu.Unlock()

	type hit struct {
		target driver.ElementRef
		sig    string
	}
	hits := make(map[string]hit, len(a.rules))

	for _, r := range a.rules {
		target, ok := matchRule(state, r)
		if !ok {
			// Mark every tracked label of this rule absent so the next
			// appearance counts as a new instance.
			for k, st := range a.presence {
				if strings.HasPrefix(k, r.ID+"\x00") {
					st.present = false
				}
			}
			continue
		}

		key := r.ID + "\x00" + fold(target.Label)
		st := a.presence[key]
		if st == nil {
			st = &instanceState{}
			a.presence[key] = st
		}
		if !st.present {
			st.present = true
			st.epoch++
		}
		hits[r.ID] = hit{target: target, sig: Signature(r.ID, fold(target.Label), st.epoch)}
	}

	for _, r := range a.rules {
		if r.Every > 1 && tick%int64(r.Every) != 0 {
			continue
		}
		h, ok := hits[r.ID]
		if !ok || a.handled[h.sig] {
			continue
		}
		return &match{
			rule:      r,
			target:    h.target,
			label:     h.target.Label,
			signature: h.sig,
		}
	}
	return nil
}

// matchRule reports whether rule r matches the snapshot, returning the
// dismissal target.
//
// Container kinds require their hosting role to be on screen; the
// label search is scoped to the container's descendants first and only
// then widened to the whole screen. Overlay kinds (picker, sheet) fall
// back to the container itself when no labeled control is found, since
// tapping the scrim is often how such surfaces dismiss.
func matchRule(state driver.UiState, r Rule) (driver.ElementRef, bool) {
	role := r.Kind.ContainerRole()
	if role == "" {
		// Icon cues: bare image elements matched anywhere on screen.
		if t, ok := findLabeled(state.Elements, r.Labels, driver.RoleImage); ok {
			return t, true
		}
		return driver.ElementRef{}, false
	}

	var container *driver.ElementRef
	for i := range state.Elements {
		if state.Elements[i].Role == role {
			container = &state.Elements[i]
			break
		}
	}
	if container == nil {
		return driver.ElementRef{}, false
	}

	if t, ok := findLabeled(state.Descendants(*container), r.Labels, ""); ok {
		return t, true
	}
	if t, ok := findLabeled(state.Elements, r.Labels, ""); ok {
		return t, true
	}

	switch r.Kind {
	case KindModalPicker, KindBottomSheet:
		return *container, true
	default:
		// Dialog-shaped kinds need a recognized label; a bare alert is
		// as likely to be application UI.
		return driver.ElementRef{}, false
	}
}

// findLabeled returns the first element whose label matches any of the
// given labels, case-folded. Exact matches are preferred over
// substring matches. An empty role matches any role.
func findLabeled(elems []driver.ElementRef, labels []string, role driver.Role) (driver.ElementRef, bool) {
	folded := make([]string, len(labels))
	for i, l := range labels {
		folded[i] = fold(l)
	}

	for _, e := range elems {
		if role != "" && e.Role != role {
			continue
		}
		el := fold(e.Label)
		for _, l := range folded {
			if el == l {
				return e, true
			}
		}
	}
	for _, e := range elems {
		if role != "" && e.Role != role {
			continue
		}
		el := fold(e.Label)
		if el == "" {
			continue
		}
		for _, l := range folded {
			if strings.Contains(el, l) {
				return e, true
			}
		}
	}
	return driver.ElementRef{}, false
}

// fold normalizes a label for matching (Unicode case folding).
func fold(s string) string {
	return cases.Fold().String(s)
}
