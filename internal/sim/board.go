package sim

import (
	"github.com/canstack/flexcanfd/internal/flexcan"
)

// Board bundles n simulated controllers, the shared timer block, and
// the virtual bus into the driver's hardware boundary.
type Board struct {
	clock Clock
	timer *TimerBlock
	bus   *Bus
	ctrls []*Controller
}

var _ flexcan.Board = (*Board)(nil)

// NewBoard builds a board with n controller instances on one bus.
func NewBoard(n int, clk Clock) *Board {
	b := &Board{
		clock: clk,
		timer: NewTimerBlock(clk),
		bus:   newBus(),
	}
	for i := 0; i < n; i++ {
		c := newController(i, clk, b.bus)
		b.bus.attach(c)
		b.ctrls = append(b.ctrls, c)
	}
	return b
}

// Bus exposes the virtual medium for bridges and tests.
func (b *Board) Bus() *Bus { return b.bus }

// Controller exposes instance i's simulated controller for test hooks.
func (b *Board) Controller(i int) *Controller { return b.ctrls[i] }

func (b *Board) InstanceCount() int { return len(b.ctrls) }

func (b *Board) Instance(i int) flexcan.Instance { return b.ctrls[i] }

func (b *Board) Timer() flexcan.Timer { return b.timer }

// InitClocks and InitPins stand in for the one-time clock-tree and pin
// mux bring-up; the simulation has nothing to set up.
func (b *Board) InitClocks() error { return nil }

func (b *Board) InitPins() error { return nil }

func (b *Board) SetClockGate(i int, on bool) {
	c := b.ctrls[i]
	c.mu.Lock()
	c.powered = on
	c.mu.Unlock()
}

func (b *Board) SetTimerClockGate(on bool) { b.timer.setPowered(on) }

func (b *Board) InstallISR(i int, fn func()) {
	c := b.ctrls[i]
	c.mu.Lock()
	c.isr = fn
	c.mu.Unlock()
}

func (b *Board) EnableIRQ(i int) {
	c := b.ctrls[i]
	c.mu.Lock()
	c.irqEnabled = true
	c.mu.Unlock()
}

func (b *Board) DisableIRQ(i int) {
	c := b.ctrls[i]
	c.mu.Lock()
	c.irqEnabled = false
	c.mu.Unlock()
}
