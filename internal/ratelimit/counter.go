// Package ratelimit provides a lightweight counter for throttling log emission.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// DefaultInterval applies when Counter.Interval is zero.
const DefaultInterval = 10 * time.Second

// Counter tracks a total count and the last time a log was emitted.
// It is safe for concurrent use; the zero value throttles to DefaultInterval.
type Counter struct {
	// Interval is the minimum gap between allowed logs. Negative disables
	// throttling. It must not change once Inc has been called.
	Interval time.Duration

	lastLog atomic.Int64
	total   atomic.Uint64
}

// NewCounter constructs a Counter that allows a log at most once per interval.
func NewCounter(interval time.Duration) *Counter {
	return &Counter{Interval: interval}
}

// Inc increments the counter and reports whether logging is allowed.
func (c *Counter) Inc() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	return c.incAt(time.Now().UTC())
}

func (c *Counter) incAt(now time.Time) (uint64, bool) {
	total := c.total.Add(1)
	interval := c.Interval
	if interval < 0 {
		return total, true
	}
	if interval == 0 {
		interval = DefaultInterval
	}
	last := c.lastLog.Load()
	if last != 0 && now.UnixNano()-last < interval.Nanoseconds() {
		return total, false
	}
	if c.lastLog.CompareAndSwap(last, now.UnixNano()) {
		return total, true
	}
	return total, false
}

// Total returns the number of Inc calls.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}
