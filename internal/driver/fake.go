package driver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// InteractionLog records one Interact call against the fake.
type InteractionLog struct {
	TargetID string
	Kind     InteractionKind
	At       Point
}

// Fake is an in-memory Driver for tests.
//
// It holds a mutable scene of elements, records every interaction, and
// supports injecting interruption surfaces mid-run. Digest changes are
// driven by an animation counter so pump settle strategies can be
// exercised deterministically: the digest keeps changing while
// animationFrames > 0 and stabilizes once it reaches zero.
//
// Fake is safe for concurrent use; tests mutate the scene from the
// test goroutine while the automaton ticks from another.
type Fake struct {
	mu sync.Mutex

	elems           []ElementRef
	frame           int
	animationFrames int // -1 animates forever
	interactions    []InteractionLog

	interactErr map[string]error // "<id>/<kind>" -> error
	dismissals  map[string]string
	snapshotErr error

	// OnInteract, if set, runs after each recorded interaction, outside
	// the scene lock, so it may mutate the scene through the helpers
	// above.
	OnInteract func(f *Fake, target ElementRef, in Interaction)
}

// NewFake creates an empty fake driver.
func NewFake() *Fake {
	return &Fake{
		interactErr: make(map[string]error),
		dismissals:  make(map[string]string),
	}
}

// Show appends elements to the scene.
func (f *Fake) Show(elems ...ElementRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elems = append(f.elems, elems...)
}

// Remove deletes an element and all its descendants from the scene.
func (f *Fake) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(id)
}

func (f *Fake) removeLocked(id string) {
	doomed := map[string]bool{id: true}
	kept := f.elems[:0]
	for _, e := range f.elems {
		if doomed[e.ID] || doomed[e.ParentID] {
			doomed[e.ID] = true
			continue
		}
		kept = append(kept, e)
	}
	f.elems = kept
}

// DismissOnTap arranges for any tap-family interaction on buttonID to
// remove containerID (and its subtree) from the scene, mimicking a
// dialog that closes when its button is pressed.
func (f *Fake) DismissOnTap(buttonID, containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissals[buttonID] = containerID
}

// FailInteraction makes the given interaction kind against the given
// element return err. Used to exercise strategy cascades.
func (f *Fake) FailInteraction(id string, kind InteractionKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interactErr[id+"/"+string(kind)] = err
}

// FailSnapshot makes subsequent Snapshot calls return err.
func (f *Fake) FailSnapshot(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotErr = err
}

// AnimateFor makes the next n frame advances each produce a distinct
// digest. Pass -1 to animate forever (continuous animation).
func (f *Fake) AnimateFor(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.animationFrames = n
}

// Interactions returns a copy of all recorded interactions.
func (f *Fake) Interactions() []InteractionLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]InteractionLog, len(f.interactions))
	copy(out, f.interactions)
	return out
}

// Frame returns the number of frames advanced so far.
func (f *Fake) Frame() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame
}

// Snapshot implements Driver.
func (f *Fake) Snapshot(ctx context.Context) (UiState, error) {
	if err := ctx.Err(); err != nil {
		return UiState{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshotErr != nil {
		return UiState{}, f.snapshotErr
	}
	elems := make([]ElementRef, len(f.elems))
	copy(elems, f.elems)
	return UiState{Elements: elems, Digest: f.digestLocked()}, nil
}

func (f *Fake) digestLocked() string {
	h := sha256.New()
	for _, e := range f.elems {
		fmt.Fprintf(h, "%s|%s|%s|%s|%v\n", e.ID, e.ParentID, e.Role, e.Label, e.Bounds)
	}
	if f.animationFrames != 0 {
		// Still animating: fold the frame counter in so every frame
		// renders differently.
		fmt.Fprintf(h, "frame=%d", f.frame)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Find implements Driver.
func (f *Fake) Find(ctx context.Context, sel Selector) ([]ElementRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ElementRef
	for _, e := range f.elems {
		if sel.Role != "" && e.Role != sel.Role {
			continue
		}
		if sel.Label != "" && !strings.EqualFold(e.Label, sel.Label) {
			continue
		}
		if sel.Region != nil {
			c := e.Bounds.Center()
			r := *sel.Region
			if c.X < r.Left || c.X >= r.Right || c.Y < r.Top || c.Y >= r.Bottom {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// Interact implements Driver.
func (f *Fake) Interact(ctx context.Context, target ElementRef, in Interaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.interactions = append(f.interactions, InteractionLog{
		TargetID: target.ID,
		Kind:     in.Kind,
		At:       in.At,
	})

	if err, ok := f.interactErr[target.ID+"/"+string(in.Kind)]; ok {
		f.mu.Unlock()
		return err
	}

	if container, ok := f.dismissals[target.ID]; ok {
		f.removeLocked(container)
	}
	hook := f.OnInteract
	f.mu.Unlock()

	if hook != nil {
		hook(f, target, in)
	}
	return nil
}

// AdvanceFrame implements Driver.
func (f *Fake) AdvanceFrame(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame++
	if f.animationFrames > 0 {
		f.animationFrames--
	}
	return nil
}
