// Package clock implements the sleep clock: a monotonic sleep primitive
// that records requested versus actual elapsed time for every call.
//
// This is a from-scratch reimplementation of the teacher's SLEEP_MS/SLEEP_SEC
// helpers (src/util.go in doismellburning/samoyed) generalised to also track
// statistics, since the teacher's helpers were bare time.Sleep wrappers with
// no bookkeeping.
package clock

import (
	"sync"
	"time"
)

// Options controls a single Sleep call.
type Options struct {
	// NoStats suppresses statistics recording for diagnostic sleeps that
	// should not pollute the clock's aggregate counters.
	NoStats bool
}

// Stats is a snapshot of the clock's aggregate counters.
type Stats struct {
	Calls            int64
	RequestedMillis  int64
	ActualNanos      int64
}

// Clock is a monotonic sleep primitive shared across every display. Its
// statistics mutex is disjoint from the per-display registry lock so that
// high-frequency sleeps never contend with registry operations.
type Clock struct {
	mu    sync.Mutex
	stats Stats

	// sleepFunc is overridable in tests so the retry loop and its
	// sub-millisecond sleeps don't make real tests slow.
	sleepFunc func(time.Duration)
	nowFunc   func() time.Time
}

// New returns a Clock that sleeps for real using time.Sleep.
func New() *Clock {
	return &Clock{
		sleepFunc: time.Sleep,
		nowFunc:   time.Now,
	}
}

// NewWithFuncs returns a Clock with injectable sleep/now functions, for tests
// that want to run an adaptive retry loop without actually waiting.
func NewWithFuncs(sleepFunc func(time.Duration), nowFunc func() time.Time) *Clock {
	return &Clock{sleepFunc: sleepFunc, nowFunc: nowFunc}
}

// Sleep suspends the caller for at least the requested duration, in
// milliseconds. A zero or negative duration is a no-op that still accrues a
// call (unless NoStats is set).
func (c *Clock) Sleep(millis float64, opts Options) {
	var start time.Time
	if !opts.NoStats {
		start = c.now()
	}

	if millis > 0 {
		c.sleepFunc(time.Duration(millis * float64(time.Millisecond)))
	}

	if opts.NoStats {
		return
	}

	var elapsed = c.now().Sub(start)

	c.mu.Lock()
	c.stats.Calls++
	c.stats.RequestedMillis += int64(millis)
	c.stats.ActualNanos += elapsed.Nanoseconds()
	c.mu.Unlock()
}

func (c *Clock) now() time.Time {
	if c.nowFunc != nil {
		return c.nowFunc()
	}

	return time.Now()
}

// Snapshot returns a copy of the current statistics.
func (c *Clock) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}
