// Package clock provides the monotonic millisecond counter shared by the
// edge handler and the run loop.
package clock

import (
	"context"
	"sync/atomic"
	"time"
)

// Millis is a reading of the millisecond counter.
type Millis uint64

// Sub returns the milliseconds elapsed from earlier to m.
// The subtraction wraps with the counter, so it stays correct across one
// wraparound as long as the real gap is below the counter range.
func (m Millis) Sub(earlier Millis) Millis {
	return m - earlier
}

// Delta returns m - earlier as a signed value. Negative or zero means m
// is not after earlier.
func (m Millis) Delta(earlier Millis) int64 {
	return int64(m - earlier)
}

// Source is anything that can report the current counter value.
type Source interface {
	Now() Millis
}

// Clock is a free-running millisecond counter. Now is safe to call from
// any goroutine; Tick is meant to be called by a single tick source.
type Clock struct {
	ms atomic.Uint64
}

// New returns a clock whose counter starts at start.
func New(start Millis) *Clock {
	c := &Clock{}
	c.ms.Store(uint64(start))
	return c
}

// Now returns the current counter value.
func (c *Clock) Now() Millis {
	return Millis(c.ms.Load())
}

// Tick advances the counter by exactly one.
func (c *Clock) Tick() {
	c.ms.Add(1)
}

// Run is the tick source. It ticks once per interval until ctx is done.
// Go timers coalesce late fires, so each fire catches up on every interval
// that has elapsed since Run started instead of ticking once.
func (c *Clock) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	var ticked int64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due := int64(now.Sub(start) / interval)
			for ticked < due {
				c.Tick()
				ticked++
			}
		}
	}
}
