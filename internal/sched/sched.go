// Package sched distributes test executions across a device pool with
// bounded concurrency.
//
// The scheduler has one job: assign (test, device) pairs and fan the
// work out under a concurrency cap. It knows nothing about retries,
// caching, or what a runner does with a device; those belong to the
// caller. Results arrive in completion order, so callers aggregate by
// test identity, never by position.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldtest/fieldtest/internal/driver"
)

// DeviceUnavailableError reports that work could not be assigned to
// any device.
type DeviceUnavailableError struct {
	Reason string
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("sched: no device available: %s", e.Reason)
}

// IsDeviceUnavailable reports whether err is a DeviceUnavailableError.
// Uses errors.As to handle wrapped errors.
func IsDeviceUnavailable(err error) bool {
	var de *DeviceUnavailableError
	return errors.As(err, &de)
}

// WorkItem is one (test, device) execution unit.
//
// Attempt is always 1 here; retry attempts within one item are the
// runner's concern and never create new items.
type WorkItem struct {
	Test    string
	Device  driver.Device
	Attempt int
}

// Runner executes one work item and returns its result.
type Runner[R any] func(ctx context.Context, item WorkItem) R

// RunParallel assigns each test to a device and runs up to
// maxConcurrency runner invocations at once, collecting results as
// they complete.
//
// Assignment is least-loaded: each test goes to the device with the
// fewest items so far, which degenerates to round-robin for a uniform
// suite. Each device's queue runs sequentially in its own goroutine,
// so two items never execute on one device at the same time, and an
// item waiting for its device holds no concurrency slot. With W items
// on D devices and concurrency C the wall time is about
// ceil(W/min(C,D)) times the per-item duration.
//
// An empty device pool returns a DeviceUnavailableError and no
// results. maxConcurrency < 1 is treated as 1.
func RunParallel[R any](ctx context.Context, tests []string, devices []driver.Device, maxConcurrency int, runner Runner[R]) ([]R, error) {
	if len(devices) == 0 {
		return nil, &DeviceUnavailableError{Reason: "empty device pool"}
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if len(tests) == 0 {
		return nil, nil
	}

	items := assign(tests, devices)

	queues := make(map[string][]WorkItem, len(devices))
	for _, item := range items {
		queues[item.Device.ID] = append(queues[item.Device.ID], item)
	}

	sem := make(chan struct{}, maxConcurrency)
	out := make(chan R, len(items))
	var wg sync.WaitGroup

	for _, queue := range queues {
		wg.Add(1)
		go func(queue []WorkItem) {
			defer wg.Done()

			for _, item := range queue {
				// The slot is taken per item, once the device is free;
				// this is what bounds in-flight invocations at
				// maxConcurrency without a queued item hoarding a slot.
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}

				// Re-check after the wait: a cancelled run must not
				// start new items just because a slot was free.
				if ctx.Err() != nil {
					<-sem
					return
				}
				out <- runner(ctx, item)
				<-sem
			}
		}(queue)
	}

	wg.Wait()
	close(out)

	results := make([]R, 0, len(items))
	for r := range out {
		results = append(results, r)
	}
	if err := ctx.Err(); err != nil && len(results) < len(items) {
		return results, err
	}
	return results, nil
}

// assign builds the work queue, giving each test to the least-loaded
// device. Ties break toward the earlier device in the pool.
func assign(tests []string, devices []driver.Device) []WorkItem {
	load := make([]int, len(devices))
	items := make([]WorkItem, 0, len(tests))
	for _, test := range tests {
		best := 0
		for i := 1; i < len(devices); i++ {
			if load[i] < load[best] {
				best = i
			}
		}
		load[best]++
		items = append(items, WorkItem{Test: test, Device: devices[best], Attempt: 1})
	}
	return items
}

// OptimalDeviceCount suggests how many devices to provision for a
// suite. Monotonically non-decreasing in testCount: more tests never
// suggest fewer devices. Long average durations nudge the count up.
func OptimalDeviceCount(testCount int, avgDuration time.Duration) int {
	if testCount <= 0 {
		return 1
	}
	// One device per four tests keeps per-device queues short.
	n := (testCount + 3) / 4
	if avgDuration > time.Minute {
		n++
	}
	if n < 1 {
		n = 1
	}
	if n > 8 {
		n = 8
	}
	return n
}
