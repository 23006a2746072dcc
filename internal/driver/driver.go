package driver

import (
	"context"
	"time"
)

// Role classifies an element in a UI snapshot.
//
// Roles are intentionally coarse: the orchestrator only needs enough
// structure to tell interactive surfaces apart from decoration, and to
// recognize the containers that host OS-level interruptions.
type Role string

const (
	RoleButton     Role = "button"
	RoleText       Role = "text"
	RoleImage      Role = "image"
	RoleDialog     Role = "dialog"
	RoleSheet      Role = "sheet"
	RolePicker     Role = "picker"
	RoleAlert      Role = "alert"
	RoleNativeView Role = "native-view"
)

// Point is a screen coordinate in device pixels.
type Point struct {
	X int
	Y int
}

// Rect is an element's bounding box in device pixels.
type Rect struct {
	Left   int
	Top    int
	Right  int
	Bottom int
}

// Center returns the geometric center of the rect.
func (r Rect) Center() Point {
	return Point{X: (r.Left + r.Right) / 2, Y: (r.Top + r.Bottom) / 2}
}

// Width returns the rect width in pixels.
func (r Rect) Width() int { return r.Right - r.Left }

// Height returns the rect height in pixels.
func (r Rect) Height() int { return r.Bottom - r.Top }

// ElementRef identifies one element within a snapshot.
//
// Refs are only valid against the snapshot they came from; after any
// interaction or frame advance a fresh snapshot must be taken.
type ElementRef struct {
	ID       string
	ParentID string // empty for root elements
	Role     Role
	Label    string
	Bounds   Rect
}

// UiState is a point-in-time snapshot of the visible element tree,
// flattened parent-first.
//
// Digest is a stable fingerprint of the visible tree. Two snapshots
// with equal digests render identically; pump settle strategies rely
// on this to detect visual quiescence.
type UiState struct {
	Elements []ElementRef
	Digest   string
}

// Descendants returns all elements transitively contained in root,
// excluding root itself.
func (s UiState) Descendants(root ElementRef) []ElementRef {
	in := map[string]bool{root.ID: true}
	var out []ElementRef
	for _, e := range s.Elements {
		if e.ID == root.ID {
			continue
		}
		if in[e.ParentID] {
			in[e.ID] = true
			out = append(out, e)
		}
	}
	return out
}

// Selector describes an element query. Exactly one field group applies:
// Role, Label, or Region. Combining Role and Label narrows the match.
type Selector struct {
	Role   Role
	Label  string
	Region *Rect
}

// InteractionKind distinguishes gesture types.
type InteractionKind string

const (
	// InteractTap taps the element at a driver-chosen hit point.
	InteractTap InteractionKind = "tap"
	// InteractTapAt taps at an explicit coordinate.
	InteractTapAt InteractionKind = "tap-at"
	// InteractLongPress holds the element for Hold duration.
	InteractLongPress InteractionKind = "long-press"
	// InteractDoubleTap taps the element twice in quick succession.
	InteractDoubleTap InteractionKind = "double-tap"
	// InteractTypeText enters Text into the focused element.
	InteractTypeText InteractionKind = "type-text"
)

// Interaction is one gesture request against an element.
type Interaction struct {
	Kind InteractionKind
	At   Point         // used by InteractTapAt
	Hold time.Duration // used by InteractLongPress
	Text string        // used by InteractTypeText
}

// Driver is the on-device UI automation capability.
//
// Implementations live outside this module (UiAutomator, XCUITest,
// emulator bridges). The orchestrator only assumes the four operations
// below, all blocking and context-aware.
//
// A Driver instance is owned by exactly one device run and must not be
// shared across devices. Within a device, access is serialized by the
// pump coordinator's lease; implementations need not be thread-safe.
type Driver interface {
	// Snapshot captures the currently visible element tree.
	Snapshot(ctx context.Context) (UiState, error)

	// Find returns elements matching the selector, in document order.
	// A selector that matches nothing returns an empty slice, not an error.
	Find(ctx context.Context, sel Selector) ([]ElementRef, error)

	// Interact performs one gesture against the target element.
	Interact(ctx context.Context, target ElementRef, in Interaction) error

	// AdvanceFrame drives the application's render clock forward by
	// roughly one frame, waiting at most d for the frame to present.
	AdvanceFrame(ctx context.Context, d time.Duration) error
}

// Device describes one connected device available for test execution.
type Device struct {
	ID       string
	Name     string
	Platform string // "android" | "ios"
	APILevel int
}

// WatcherHandle identifies a started on-device watcher process.
type WatcherHandle struct {
	DeviceID string
	PID      int
}

// DeviceControl is the device/process management capability.
//
// Like Driver, concrete implementations (adb, simctl, device farm
// APIs) live outside this module.
type DeviceControl interface {
	// ListDevices enumerates currently connected devices.
	ListDevices(ctx context.Context) ([]Device, error)

	// GrantCapability pre-grants a runtime capability (camera,
	// location, notifications) to the app under test, reducing the
	// number of permission dialogs the automaton has to dismiss.
	GrantCapability(ctx context.Context, deviceID, appID, capabilityID string) error

	// StartWatcher launches the on-device watcher process that feeds
	// the UI driver. StopWatcher must be called with the returned
	// handle when the device run ends.
	StartWatcher(ctx context.Context, deviceID string) (WatcherHandle, error)

	// StopWatcher terminates a watcher started by StartWatcher.
	StopWatcher(ctx context.Context, h WatcherHandle) error
}
