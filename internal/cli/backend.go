package cli

import (
	"context"

	"github.com/fieldtest/fieldtest/internal/driver"
)

// Backend bundles the device-side capabilities a run needs. Concrete
// implementations (adb, simctl, device-farm bridges) are linked in by
// the binary's main package; tests inject in-memory fakes.
type Backend struct {
	// Control manages devices and watcher processes.
	Control driver.DeviceControl

	// NewDriver connects a UI driver to one provisioned device.
	NewDriver func(ctx context.Context, d driver.Device) (driver.Driver, error)
}

// valid reports whether the backend can serve a run.
func (b *Backend) valid() bool {
	return b != nil && b.Control != nil && b.NewDriver != nil
}
