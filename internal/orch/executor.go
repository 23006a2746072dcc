package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldtest/fieldtest/internal/driver"
	"github.com/fieldtest/fieldtest/internal/pump"
)

// executorHolder names the test executor in pump lease diagnostics.
const executorHolder = "test-executor"

// Execution is the environment handed to one attempt of one test.
// The driver and coordinator are exclusive to the device for the
// duration of the attempt; the interruption automaton shares the same
// coordinator and competes for the lease between executor steps.
type Execution struct {
	Test    string
	Content []byte
	Device  driver.Device
	Driver  driver.Driver
	Pump    *pump.Coordinator
	Attempt int
}

// Executor runs one attempt of one test. A nil return is a pass.
//
// Implementations must take the pump lease before touching the driver
// and release it between logical steps, or the interruption automaton
// never gets a turn.
type Executor interface {
	Execute(ctx context.Context, ex Execution) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, ex Execution) error

func (f ExecutorFunc) Execute(ctx context.Context, ex Execution) error {
	return f(ctx, ex)
}

// SmokeExecutor returns the built-in executor used when no script
// engine is bound: it launches nothing, but verifies the device
// presents a stable, non-empty UI tree. Useful for pool validation and
// as the default for `fieldtest run` until a real executor is wired.
func SmokeExecutor() Executor {
	return ExecutorFunc(func(ctx context.Context, ex Execution) error {
		lease, err := ex.Pump.AcquireWithRetry(ctx, executorHolder, 20, 50*time.Millisecond)
		if err != nil {
			return fmt.Errorf("smoke %s: %w", ex.Test, err)
		}
		defer ex.Pump.Release(lease)

		if _, err := pump.Adaptive(2*time.Second, 5).Pump(ctx, ex.Driver); err != nil {
			return fmt.Errorf("smoke %s: settle: %w", ex.Test, err)
		}
		state, err := ex.Driver.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("smoke %s: snapshot: %w", ex.Test, err)
		}
		if len(state.Elements) == 0 {
			return fmt.Errorf("smoke %s: device %s presents an empty UI tree", ex.Test, ex.Device.ID)
		}
		return nil
	})
}
