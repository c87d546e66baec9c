// Package sim is a software FlexCAN-FD style controller: a register-
// accurate stand-in for the real peripheral, a chained countdown timer
// block, and a virtual bus carrying frames between controllers and
// external bridges. The driver in internal/flexcan runs against it
// unchanged, in tests and in the gateway binary.
package sim

import (
	"sync/atomic"
	"time"
)

// Clock is the shared tick source (80 MHz domain) driving both the
// controllers' free-running counters and the timer block. Injecting a
// manual clock puts tests in full control of time.
type Clock interface {
	Ticks() uint64
}

// WallClock derives ticks from the host monotonic clock.
type WallClock struct {
	epoch time.Time
}

func NewWallClock() *WallClock { return &WallClock{epoch: time.Now()} }

// Ticks converts elapsed nanoseconds to 80 MHz ticks (2 ticks per 25 ns).
func (c *WallClock) Ticks() uint64 {
	return uint64(time.Since(c.epoch)) * 2 / 25
}

// ManualClock advances by a fixed step on every read, so bounded polls
// always terminate and tests choose how fast deadlines approach.
type ManualClock struct {
	now  atomic.Uint64
	step uint64
}

// NewManualClock returns a clock advancing by step ticks per read.
func NewManualClock(step uint64) *ManualClock {
	if step == 0 {
		step = 1
	}
	return &ManualClock{step: step}
}

func (c *ManualClock) Ticks() uint64 { return c.now.Add(c.step) - c.step }

// Advance moves the clock forward by n ticks.
func (c *ManualClock) Advance(n uint64) { c.now.Add(n) }
