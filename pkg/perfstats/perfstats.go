// Package perfstats records how long things take, so that we can report
// inference latency and throughput without holding a lock on the hot path.
package perfstats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// UpdateMovingAverage folds value into stat, with a window of roughly 64 samples.
// We don't bother about strict correctness here, with CompareAndSwap,
// because this is just sampled stats, and it's OK to miss one or two samples.
func UpdateMovingAverage(stat *atomic.Int64, value int64) {
	if stat.Load() == 0 {
		stat.Store(value)
	} else {
		stat.Store((stat.Load()*63 + value) >> 6)
	}
}

// RollingTimer measures a repeated operation, such as one NN inference.
// Start/Stop must be called from a single goroutine, but the readers
// (AvgTime, AvgFPS, Count) are safe from any goroutine.
type RollingTimer struct {
	startedAt time.Time
	avgNanos  atomic.Int64  // Moving average of the duration of one operation
	count     atomic.Uint64 // Number of operations that were counted

	totalLock sync.Mutex
	total     TimeAccumulator // Lifetime totals
}

// Start the clock for one operation
func (t *RollingTimer) Start() {
	t.startedAt = time.Now()
}

// Stop the clock, and attribute the elapsed time evenly to n operations.
// If n is zero, the elapsed time is discarded (eg the operation failed).
func (t *RollingTimer) Stop(n int) time.Duration {
	elapsed := time.Since(t.startedAt)
	if n <= 0 {
		return elapsed
	}
	per := elapsed / time.Duration(n)
	for i := 0; i < n; i++ {
		UpdateMovingAverage(&t.avgNanos, max(per.Nanoseconds(), 1))
	}
	t.count.Add(uint64(n))
	t.totalLock.Lock()
	t.total.Samples += int64(n)
	t.total.Total += elapsed
	t.totalLock.Unlock()
	return elapsed
}

// Moving average duration of one operation
func (t *RollingTimer) AvgTime() time.Duration {
	return time.Duration(t.avgNanos.Load())
}

// Average time in milliseconds
func (t *RollingTimer) AvgTimeMilli() float64 {
	return float64(t.avgNanos.Load()) / 1e6
}

// Operations per second, derived from the moving average duration
func (t *RollingTimer) AvgFPS() float64 {
	ns := t.avgNanos.Load()
	if ns <= 0 {
		return 0
	}
	return 1e9 / float64(ns)
}

// Number of operations recorded
func (t *RollingTimer) Count() uint64 {
	return t.count.Load()
}

// Lifetime average, which is less noisy than AvgTime, but slow to react
func (t *RollingTimer) LifetimeAverage() time.Duration {
	t.totalLock.Lock()
	defer t.totalLock.Unlock()
	return t.total.Average()
}
