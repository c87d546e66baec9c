package flexcan

import (
	"log/slog"
	"sync"

	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/logging"
)

// Bit timing for a fixed 1 Mbit/s nominal / 4 Mbit/s data phase rate
// pair at the 80 MHz module clock, sample points 83.75% and 75%.
const (
	cbtNominal = 1<<31 | // extended bit timing fields
		0<<21 | // prescaler divisor 1
		12<<16 | // resync jump width, same as phase seg 2
		46<<10 | // propagation segment, 47 quanta
		18<<5 | // phase buffer segment 1, 19 quanta
		12 // phase buffer segment 2, 13 quanta
	fdcbtData = 0<<20 | // prescaler divisor 1
		4<<16 | // resync jump width
		7<<10 | // propagation segment, 7 quanta
		6<<5 | // phase buffer segment 1, 7 quanta
		4 // phase buffer segment 2, 5 quanta
)

// Manager owns the lifecycle of the singleton interface group: it brings
// the controllers, timer chain and filters up in one pass and tears them
// down again. At most one group is live per manager.
type Manager struct {
	mu    sync.Mutex
	board Board
	group *Group
	log   *slog.Logger
}

// NewManager wraps a board. The board's bring-up collaborators are only
// invoked from Start.
func NewManager(b Board) *Manager {
	return &Manager{board: b, log: logging.L()}
}

// MaxFrameFilters returns the per-instance filter capacity. No hardware
// access.
func (m *Manager) MaxFrameFilters() int { return MaxFilters }

// Start validates the filter set, runs clock-tree and per-instance
// bring-up, programs filters and interrupts, and returns the live group.
// A poll timeout anywhere aborts with Failure and no handle; the
// hardware is left wherever the loop stopped, so callers should run a
// Stop-style teardown before retrying.
func (m *Manager) Start(filters []can.Filter) (*Group, can.Result) {
	if len(filters) > MaxFilters {
		return nil, can.BadArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.group != nil {
		m.log.Error("group_already_started")
		return nil, can.Failure
	}

	if err := m.board.InitClocks(); err != nil {
		m.log.Error("clock_init_error", "error", err)
		return nil, can.Failure
	}
	if r := m.startTimestampTimer(); !r.IsSuccess() {
		return nil, can.Failure
	}

	g := newGroup(m.board, filters)
	for i := 0; i < m.board.InstanceCount(); i++ {
		if r := m.startInstance(g, i, filters); !r.IsSuccess() {
			m.log.Error("instance_start_timeout", "iface", i)
			return nil, can.Failure
		}
	}

	if err := m.board.InitPins(); err != nil {
		m.log.Error("pin_init_error", "error", err)
		return nil, can.Failure
	}

	m.group = g
	m.log.Info("group_started", "interfaces", g.InterfaceCount(), "filters", len(filters))
	return g, can.Success
}

// startTimestampTimer brings up the chained 64-bit timestamp clock on
// timer channels 0 and 1 and verifies the low half is counting.
func (m *Manager) startTimestampTimer() can.Result {
	t := m.board.Timer()
	m.board.SetTimerClockGate(true)
	t.Store(TimerRegMCR, t.Load(TimerRegMCR)|TimerMCREnable)

	// Channel 1 chains onto channel 0's underflow and becomes the most
	// significant 32 bits.
	t.Store(TimerTCTRL(ChTimestampHigh), t.Load(TimerTCTRL(ChTimestampHigh))|TCtrlChain)
	t.Store(TimerTVAL(ChTimestampLow), TimerMaxValue)
	t.Store(TimerTVAL(ChTimestampHigh), TimerMaxValue)
	t.Store(TimerRegSETTEN, 1<<ChTimestampLow|1<<ChTimestampHigh)

	if !pollUntil(t, ChPoll, DefaultPollTicks, func() bool {
		return t.Load(TimerCVAL(ChTimestampLow)) != TimerMaxValue
	}) {
		m.log.Error("timestamp_timer_stuck")
		return can.Failure
	}
	return can.Success
}

// startInstance runs the per-instance bring-up: module enable, CAN-FD
// feature enable, bit timing, mailbox zeroing, filter programming,
// interrupt enablement, freeze exit.
func (m *Manager) startInstance(g *Group, i int, filters []can.Filter) can.Result {
	ins := m.board.Instance(i)
	t := m.board.Timer()

	m.board.SetClockGate(i, true)
	setBits(ins, RegMCR, MCRMDIS) // module off while picking the clock
	clearBits(ins, RegCTRL1, CTRL1CLKSRC)
	setBits(ins, RegCTRL1, CTRL1CLKSRC) // peripheral clock from SYS_CLK
	clearBits(ins, RegMCR, MCRMDIS)

	if r := freeze(ins, t); !r.IsSuccess() {
		return can.Failure
	}

	setBits(ins, RegMCR, MCRFDEN|MCRFRZ)
	setBits(ins, RegCTRL2, CTRL2ISOCANFDEN)
	setBits(ins, RegCBT, cbtNominal)
	setBits(ins, RegFDCBT, fdcbtData)
	setBits(ins, RegFDCTRL, FDCTRLFDRate|FDCTRLTDCEN|
		5<<FDCTRLTDCOFFShft| // data phase sampling delay
		3<<FDCTRLMBDSR0Shft) // 64-byte mailbox regions

	// Mailboxes 0-1 transmit, 2..6 receive; individual masking on,
	// self reception off.
	clearBits(ins, RegMCR, MCRMaxMBMask)
	setBits(ins, RegMCR, uint32(MaxMailbox)|MCRSRXDIS|MCRIRMQ)

	programFilters(ins, filters)

	m.board.InstallISR(i, func() { g.isr(i) })
	m.board.EnableIRQ(i)
	ins.Store(RegIMASK1, RxIFlagMask)

	return unfreeze(ins, t)
}

// Stop disables every instance, resets the timestamp timer chain, and
// invalidates the group handle. A low-power acknowledge timeout surfaces
// as Failure but the remaining instances are still disabled.
func (m *Manager) Stop(g *Group) can.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g == nil || g != m.group {
		return can.BadArgument
	}
	status := can.Success

	t := m.board.Timer()
	for i := 0; i < m.board.InstanceCount(); i++ {
		ins := m.board.Instance(i)
		m.board.DisableIRQ(i)
		setBits(ins, RegMCR, MCRMDIS)
		// LPMACK arrives once any in-flight transfer finishes.
		if r := waitFlagSet(t, ins, RegMCR, MCRLPMACK); !r.IsSuccess() {
			m.log.Warn("low_power_ack_timeout", "iface", i)
			status = can.Failure
			continue
		}
		m.board.SetClockGate(i, false)
	}

	// Reset the timer chain; the reset bit is not self-clearing.
	t.Store(TimerRegMCR, t.Load(TimerRegMCR)|TimerMCRReset)
	pollUntil(t, ChPoll, DefaultPollTicks, func() bool {
		return t.Load(TimerCVAL(ChTimestampLow)) == TimerMaxValue
	})
	t.Store(TimerRegMCR, t.Load(TimerRegMCR)&^uint32(TimerMCRReset))
	t.Store(TimerRegMCR, t.Load(TimerRegMCR)&^uint32(TimerMCREnable))
	m.board.SetTimerClockGate(false)

	g.stopped.Store(true)
	m.group = nil
	m.log.Info("group_stopped", "status", status.String())
	return status
}
