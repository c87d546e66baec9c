package sim

import (
	"sync"

	"github.com/canstack/flexcanfd/internal/can"
)

// Bus is the virtual CAN-FD medium. Every frame a controller transmits
// reaches all other attached controllers and every tap; frames injected
// from outside reach all controllers. Self reception is not modeled
// (the driver disables it in hardware anyway).
type Bus struct {
	mu          sync.RWMutex
	controllers []*Controller
	taps        []func(can.Frame)
}

func newBus() *Bus { return &Bus{} }

func (b *Bus) attach(c *Controller) {
	b.mu.Lock()
	b.controllers = append(b.controllers, c)
	b.mu.Unlock()
}

// Tap registers fn to observe every frame transmitted by a controller.
// Bridges to the outside world (SocketCAN, serial, TCP clients) hang off
// here.
func (b *Bus) Tap(fn func(can.Frame)) {
	b.mu.Lock()
	b.taps = append(b.taps, fn)
	b.mu.Unlock()
}

// Inject puts an externally sourced frame on the bus; all controllers
// see it.
func (b *Bus) Inject(f can.Frame) { b.broadcast(nil, f) }

// broadcast delivers f to every controller except src, then to taps.
func (b *Bus) broadcast(src *Controller, f can.Frame) {
	b.mu.RLock()
	controllers := append([]*Controller(nil), b.controllers...)
	taps := make([]func(can.Frame), len(b.taps))
	copy(taps, b.taps)
	b.mu.RUnlock()

	for _, c := range controllers {
		if c != src {
			c.deliver(f)
		}
	}
	if src != nil { // injected frames stay on the inside
		for _, fn := range taps {
			fn(f)
		}
	}
}
