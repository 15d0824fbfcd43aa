// Package height supplies the monotonic block/sequence height that every
// engine operation reads as "now". Nothing in the engine waits on it.
package height

import (
	"sync/atomic"
	"time"
)

// Source reports the current height.
type Source interface {
	Height() uint64
}

// Counter is a manually advanced height, used by tests and by deployments
// that receive heights from an external sequencer.
type Counter struct {
	h atomic.Uint64
}

// NewCounter starts a counter at start.
func NewCounter(start uint64) *Counter {
	c := &Counter{}
	c.h.Store(start)
	return c
}

func (c *Counter) Height() uint64 { return c.h.Load() }

// Advance moves the counter forward by n and returns the new height.
func (c *Counter) Advance(n uint64) uint64 { return c.h.Add(n) }

// Set moves the counter to h. Heights never go backwards; a lower value is ignored.
func (c *Counter) Set(h uint64) {
	for {
		cur := c.h.Load()
		if h <= cur || c.h.CompareAndSwap(cur, h) {
			return
		}
	}
}

// Clock derives a height from wall time: one block per Interval since Genesis.
type Clock struct {
	Genesis  time.Time
	Interval time.Duration
	now      func() time.Time
}

// NewClock builds a Clock. A non-positive interval defaults to ten minutes,
// which makes the default voting period of 144 blocks roughly one day.
func NewClock(genesis time.Time, interval time.Duration) *Clock {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Clock{Genesis: genesis, Interval: interval, now: time.Now}
}

// WithNow overrides the wall clock for deterministic testing.
func (c *Clock) WithNow(now func() time.Time) *Clock {
	c.now = now
	return c
}

func (c *Clock) Height() uint64 {
	elapsed := c.now().Sub(c.Genesis)
	if elapsed <= 0 {
		return 0
	}
	return uint64(elapsed / c.Interval)
}
