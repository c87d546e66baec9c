package flexcan

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/metrics"
)

// Group is the operational surface of a started interface group. It owns
// the per-instance inbound queues and discard counters; mu stands in for
// process-wide interrupt masking and is the only synchronization between
// the reception interrupt path and foreground Read/Select. Foreground
// Write never takes it: single register accesses are atomic on their
// own.
type Group struct {
	board Board
	timer Timer

	mu       sync.Mutex // "interrupt mask": held for the whole ISR body
	queues   []frameQueue
	discards []uint32
	filters  []can.Filter

	stopped atomic.Bool
}

func newGroup(b Board, filters []can.Filter) *Group {
	n := b.InstanceCount()
	g := &Group{
		board:    b,
		timer:    b.Timer(),
		queues:   make([]frameQueue, n),
		discards: make([]uint32, n),
		filters:  append([]can.Filter(nil), filters...),
	}
	for i := range g.queues {
		g.queues[i] = newFrameQueue(QueueCapacity)
	}
	return g
}

// InterfaceCount returns the number of controller instances in the
// group. No hardware access.
func (g *Group) InterfaceCount() int { return len(g.queues) }

// Discarded returns the number of frames dropped on instance iface
// because its inbound queue was full. Monotone non-decreasing for the
// group's lifetime; a fresh group starts at zero.
func (g *Group) Discarded(iface int) uint32 {
	if iface < 0 || iface >= len(g.discards) {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.discards[iface]
}

// isr is the reception interrupt handler for instance iface. Exactly one
// mailbox is serviced per entry; further pending mailboxes re-trigger
// their own interrupts. The whole body runs under the group mutex.
func (g *Group) isr(iface int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ins := g.board.Instance(iface)
	pending := ins.Load(RegIFLAG1) & RxIFlagMask
	if pending == 0 {
		return // spurious or TX-mailbox interrupt
	}
	mb := bits.TrailingZeros32(pending)

	if g.queues[iface].len() < QueueCapacity {
		f, captured := decodeMailbox(ins, mb)
		f.Timestamp = resolveTimestamp(g.timer, ins, captured)
		g.queues[iface].push(f)
		metrics.IncRxFrame(iface)
	} else {
		// Full queue: skip the decode (and its mailbox-lock cost)
		// entirely, just account for the drop. Newest frames lose.
		g.discards[iface]++
		metrics.IncDiscard(iface)
	}

	// W1C: clearing only this mailbox's flag, or the interrupt storms.
	ins.Store(RegIFLAG1, 1<<mb)
}

// Read pops the head frame of instance iface's inbound queue. An empty
// queue is SuccessNothing, not an error.
func (g *Group) Read(iface int) (can.Frame, can.Result) {
	if g.stopped.Load() || iface < 0 || iface >= len(g.queues) {
		return can.Frame{}, can.BadArgument
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.queues[iface].pop()
	if !ok {
		return can.Frame{}, can.SuccessNothing
	}
	return f, can.Success
}

// txReady reports whether instance ins has a free transmit mailbox, and
// which one. The hardware flags both an inactive mailbox and a valid
// lowest-priority index.
func txReady(ins Instance) (int, bool) {
	esr2 := ins.Load(RegESR2)
	if esr2&ESR2IMB == 0 || esr2&ESR2VPS == 0 {
		return 0, false
	}
	return int(esr2&ESR2LPTMMask) >> ESR2LPTMShft, true
}

// Write transmits frames[0] on instance iface. At most one frame goes
// out per call regardless of how many were supplied; the return count is
// 1 on success, 0 otherwise. BufferFull means no transmit mailbox is
// free right now and nothing was written to hardware.
func (g *Group) Write(iface int, frames []can.Frame) (int, can.Result) {
	if g.stopped.Load() || iface < 0 || iface >= len(g.queues) || len(frames) == 0 {
		return 0, can.BadArgument
	}
	ins := g.board.Instance(iface)
	mb, ready := txReady(ins)
	if !ready || mb >= TxMailboxCount {
		return 0, can.BufferFull
	}

	encodeMailbox(ins, mb, &frames[0])
	status := waitFlagSet(g.timer, ins, RegIFLAG1, 1<<mb)
	ins.Store(RegIFLAG1, 1<<mb) // W1C the completion flag
	if !status.IsSuccess() {
		return 0, can.Failure
	}
	metrics.IncTxFrame(iface)
	return 1, can.Success
}

// Select busy-polls all instances, bounded by timeout, for a non-empty
// inbound queue or (unless ignoreWriteAvail) a free transmit mailbox.
// Any ready instance satisfies the wait; callers re-check each instance
// afterward to learn which. SuccessTimeout is the normal "nothing
// happened" outcome.
func (g *Group) Select(timeout time.Duration, ignoreWriteAvail bool) can.Result {
	if g.stopped.Load() {
		return can.BadArgument
	}
	ticks := uint64(timeout.Microseconds()) * TicksPerMicro
	if ticks > TimerMaxValue {
		ticks = TimerMaxValue
	}
	ready := func() bool {
		g.mu.Lock()
		for i := range g.queues {
			if g.queues[i].len() > 0 {
				g.mu.Unlock()
				return true
			}
		}
		g.mu.Unlock()
		if ignoreWriteAvail {
			return false
		}
		for i := 0; i < g.board.InstanceCount(); i++ {
			if _, ok := txReady(g.board.Instance(i)); ok {
				return true
			}
		}
		return false
	}
	if pollUntil(g.timer, ChSelect, uint32(ticks), ready) {
		return can.Success
	}
	return can.SuccessTimeout
}

// ReconfigureFilters re-runs the freeze-mode filter sequence on every
// instance. All instances' traffic halts for the duration; a timeout
// aborts mid-sequence with no rollback of instances already rewritten.
// An over-capacity filter set is rejected before any hardware is
// touched.
func (g *Group) ReconfigureFilters(filters []can.Filter) can.Result {
	if g.stopped.Load() || len(filters) > MaxFilters {
		return can.BadArgument
	}
	for i := 0; i < g.board.InstanceCount(); i++ {
		if r := applyFilters(g.board.Instance(i), g.timer, i, filters); !r.IsSuccess() {
			return can.Failure
		}
	}
	g.mu.Lock()
	g.filters = append(g.filters[:0], filters...)
	g.mu.Unlock()
	metrics.IncFilterReconfig()
	return can.Success
}

// Filters returns a copy of the group's last applied filter set.
func (g *Group) Filters() []can.Filter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]can.Filter(nil), g.filters...)
}
