package interrupt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldtest/fieldtest/internal/driver"
)

// Dismiss strategy names, tried in rule order; the first one that
// returns without error wins and no further strategies run.
const (
	StrategyTap       = "tap"        // direct interaction with the target
	StrategyTapCenter = "tap-center" // interaction at the computed geometric center
	StrategyLongPress = "long-press" // extended press
	StrategyDoubleTap = "double-tap" // repeated double-interaction
)

// longPressHold is how long the extended-press strategy holds.
const longPressHold = 800 * time.Millisecond

// DefaultStrategyOrder returns the standard cascade.
func DefaultStrategyOrder() []string {
	return []string{StrategyTap, StrategyTapCenter, StrategyLongPress, StrategyDoubleTap}
}

type dismissFunc func(ctx context.Context, drv driver.Driver, target driver.ElementRef) error

var dismissFuncs = map[string]dismissFunc{
	StrategyTap: func(ctx context.Context, drv driver.Driver, target driver.ElementRef) error {
		return drv.Interact(ctx, target, driver.Interaction{Kind: driver.InteractTap})
	},
	StrategyTapCenter: func(ctx context.Context, drv driver.Driver, target driver.ElementRef) error {
		return drv.Interact(ctx, target, driver.Interaction{
			Kind: driver.InteractTapAt,
			At:   target.Bounds.Center(),
		})
	},
	StrategyLongPress: func(ctx context.Context, drv driver.Driver, target driver.ElementRef) error {
		return drv.Interact(ctx, target, driver.Interaction{
			Kind: driver.InteractLongPress,
			Hold: longPressHold,
		})
	},
	StrategyDoubleTap: func(ctx context.Context, drv driver.Driver, target driver.ElementRef) error {
		// Two double-taps: some stubborn overlays swallow the first.
		for i := 0; i < 2; i++ {
			if err := drv.Interact(ctx, target, driver.Interaction{Kind: driver.InteractDoubleTap}); err != nil {
				return err
			}
		}
		return nil
	},
}

// dismiss runs the strategy cascade against target. Returns the name
// of the winning strategy, or an error when every strategy failed.
// Individual strategy failures are not exceptional control flow; they
// simply advance the cascade.
func dismiss(ctx context.Context, drv driver.Driver, strategies []string, target driver.ElementRef) (string, error) {
	var errs []error
	for _, name := range strategies {
		fn, ok := dismissFuncs[name]
		if !ok {
			errs = append(errs, fmt.Errorf("unknown strategy %q", name))
			continue
		}
		if err := fn(ctx, drv, target); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		return name, nil
	}
	return "", fmt.Errorf("all dismiss strategies failed: %w", errors.Join(errs...))
}
