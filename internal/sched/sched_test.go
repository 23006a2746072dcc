package sched

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtest/fieldtest/internal/driver"
)

func pool(n int) []driver.Device {
	devs := make([]driver.Device, n)
	for i := range devs {
		devs[i] = driver.Device{ID: string(rune('a' + i)), Platform: "android"}
	}
	return devs
}

func TestRunParallel_CollectsAllResults(t *testing.T) {
	tests := []string{"t1", "t2", "t3", "t4", "t5"}

	results, err := RunParallel(context.Background(), tests, pool(2), 2,
		func(ctx context.Context, item WorkItem) string {
			return item.Test
		})
	require.NoError(t, err)

	sort.Strings(results)
	assert.Equal(t, []string{"t1", "t2", "t3", "t4", "t5"}, results)
}

func TestRunParallel_NeverExceedsMaxConcurrency(t *testing.T) {
	const maxConcurrency = 3
	var inFlight, peak atomic.Int32

	tests := make([]string, 20)
	for i := range tests {
		tests[i] = "t"
	}

	_, err := RunParallel(context.Background(), tests, pool(4), maxConcurrency,
		func(ctx context.Context, item WorkItem) struct{} {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return struct{}{}
		})
	require.NoError(t, err)

	assert.LessOrEqual(t, peak.Load(), int32(maxConcurrency))
}

func TestRunParallel_WallTimeBoundedByConcurrency(t *testing.T) {
	// 4 tests, 2 devices, maxConcurrency 2: two waves, so roughly 2x
	// the per-test duration rather than 4x.
	const perTest = 50 * time.Millisecond
	tests := []string{"t1", "t2", "t3", "t4"}

	start := time.Now()
	_, err := RunParallel(context.Background(), tests, pool(2), 2,
		func(ctx context.Context, item WorkItem) struct{} {
			time.Sleep(perTest)
			return struct{}{}
		})
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 2*perTest)
	assert.Less(t, elapsed, 4*perTest, "4 tests at concurrency 2 must not serialize")
}

func TestRunParallel_SerializesPerDevice(t *testing.T) {
	var mu sync.Mutex
	busy := map[string]bool{}
	overlaps := 0

	tests := make([]string, 8)
	for i := range tests {
		tests[i] = "t"
	}

	// Concurrency above the device count: the extra slots must not let
	// two items interleave on one device.
	_, err := RunParallel(context.Background(), tests, pool(2), 4,
		func(ctx context.Context, item WorkItem) struct{} {
			mu.Lock()
			if busy[item.Device.ID] {
				overlaps++
			}
			busy[item.Device.ID] = true
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			busy[item.Device.ID] = false
			mu.Unlock()
			return struct{}{}
		})
	require.NoError(t, err)
	assert.Zero(t, overlaps, "two items ran on one device at the same time")
}

func TestRunParallel_DeviceWaitHoldsNoSlot(t *testing.T) {
	// One device, concurrency 2: the queued item must not pin the
	// second slot while the first item runs, so an independent device
	// added mid-flight would still find a slot free. Observable here as
	// the semaphore never reaching its cap.
	var inFlight, peak atomic.Int32

	_, err := RunParallel(context.Background(), []string{"t1", "t2", "t3"}, pool(1), 2,
		func(ctx context.Context, item WorkItem) struct{} {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			return struct{}{}
		})
	require.NoError(t, err)

	assert.Equal(t, int32(1), peak.Load(), "a single-device queue must run strictly one at a time")
}

func TestRunParallel_EmptyDevicePool(t *testing.T) {
	_, err := RunParallel(context.Background(), []string{"t1"}, nil, 2,
		func(ctx context.Context, item WorkItem) struct{} { return struct{}{} })

	require.Error(t, err)
	assert.True(t, IsDeviceUnavailable(err))
}

func TestRunParallel_EmptySuite(t *testing.T) {
	results, err := RunParallel(context.Background(), nil, pool(2), 2,
		func(ctx context.Context, item WorkItem) struct{} { return struct{}{} })
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunParallel_AssignmentBalanced(t *testing.T) {
	var mu sync.Mutex
	perDevice := map[string]int{}

	tests := make([]string, 10)
	for i := range tests {
		tests[i] = "t"
	}

	_, err := RunParallel(context.Background(), tests, pool(2), 4,
		func(ctx context.Context, item WorkItem) struct{} {
			mu.Lock()
			perDevice[item.Device.ID]++
			mu.Unlock()
			return struct{}{}
		})
	require.NoError(t, err)

	assert.Equal(t, 5, perDevice["a"])
	assert.Equal(t, 5, perDevice["b"])
}

func TestRunParallel_ItemsStartAtAttemptOne(t *testing.T) {
	results, err := RunParallel(context.Background(), []string{"t1", "t2"}, pool(1), 1,
		func(ctx context.Context, item WorkItem) int {
			return item.Attempt
		})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, results)
}

func TestRunParallel_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	tests := make([]string, 10)
	for i := range tests {
		tests[i] = "t"
	}

	var started atomic.Int32
	results, err := RunParallel(ctx, tests, pool(1), 1,
		func(ctx context.Context, item WorkItem) struct{} {
			if started.Add(1) == 2 {
				cancel()
			}
			time.Sleep(5 * time.Millisecond)
			return struct{}{}
		})

	require.Error(t, err)
	assert.Less(t, len(results), 10, "cancelled run must not execute the full suite")
}

func TestOptimalDeviceCount_MonotonicInTestCount(t *testing.T) {
	prev := 0
	for n := 0; n <= 100; n++ {
		got := OptimalDeviceCount(n, 30*time.Second)
		assert.GreaterOrEqual(t, got, prev, "device count decreased at testCount=%d", n)
		assert.GreaterOrEqual(t, got, 1)
		assert.LessOrEqual(t, got, 8)
		prev = got
	}
}

func TestOptimalDeviceCount_LongTestsGetMoreDevices(t *testing.T) {
	fast := OptimalDeviceCount(8, 10*time.Second)
	slow := OptimalDeviceCount(8, 2*time.Minute)
	assert.Greater(t, slow, fast)
}
