package eventstore

import (
	"sync/atomic"
	"time"
)

// Clock issues strictly increasing sort keys (unix nanoseconds). Two calls
// never return the same value even when the wall clock stalls or steps back.
type Clock struct {
	last atomic.Int64
	now  func() time.Time
}

// NewClock returns a clock driven by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockAt returns a clock driven by now (tests).
func NewClockAt(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Next returns the next sort key.
func (c *Clock) Next() int64 {
	for {
		last := c.last.Load()
		n := c.now().UnixNano()
		if n <= last {
			n = last + 1
		}
		if c.last.CompareAndSwap(last, n) {
			return n
		}
	}
}

// Observe moves the clock past sk so the next key exceeds it. Writers call
// it after ErrWriteConflict caused by another process's clock.
func (c *Clock) Observe(sk int64) {
	for {
		last := c.last.Load()
		if sk <= last || c.last.CompareAndSwap(last, sk) {
			return
		}
	}
}
