// Package concurrency bounds how many benchmark instances run at once.
package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// Metrics tracks limiter activity
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter is a counting semaphore with observability. Acquire blocks while
// all slots are taken, which is what gives the runner its backpressure.
type Limiter struct {
	sem     chan struct{}
	active  int64
	metrics Metrics
}

// NewLimiter creates a limiter allowing maxConcurrent holders at once
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		sem: make(chan struct{}, maxConcurrent),
	}
}

// Capacity returns the number of slots
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// Acquire takes a slot, blocking until one is free or ctx is done.
// A done ctx never takes a slot, even if one is free.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		atomic.AddInt64(&l.metrics.TotalWaitTimeNs, time.Since(start).Nanoseconds())
		atomic.AddInt64(&l.metrics.TotalAcquired, 1)
		l.updatePeak(atomic.AddInt64(&l.active, 1))
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.metrics.TotalReleased, 1)
	default:
		// Should not happen in correct usage
	}
}

// CurrentActive returns the number of slots currently held
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// GetMetrics returns a snapshot of the limiter metrics
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.metrics.TotalAcquired),
		TotalReleased:   atomic.LoadInt64(&l.metrics.TotalReleased),
		PeakConcurrent:  atomic.LoadInt64(&l.metrics.PeakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.metrics.TotalWaitTimeNs),
	}
}

// GetAverageWaitTime is the mean time spent waiting for a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	metrics := l.GetMetrics()
	if metrics.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(metrics.TotalWaitTimeNs / metrics.TotalAcquired)
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.metrics.PeakConcurrent)
		if current <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&l.metrics.PeakConcurrent, peak, current) {
			return
		}
	}
}
