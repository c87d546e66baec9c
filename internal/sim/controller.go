package sim

import (
	"encoding/binary"
	"sync"

	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/flexcan"
)

// Mailbox code the controller writes when a reception lands. The driver
// itself only ever writes the empty-receive and transmit codes.
const codeRxFull = 0x2

// Controller simulates one FlexCAN-FD instance: mailbox RAM with the
// real word layout, freeze/low-power handshakes acknowledged
// synchronously, ESR2 transmit readiness, 16-bit capture timestamps from
// the shared clock, and mailbox locking on control-word reads.
//
// Transmissions complete immediately: storing a control word with the
// transmit code hands the frame to the bus and raises the mailbox's
// completion flag.
type Controller struct {
	index int
	clk   Clock
	bus   *Bus

	mu        sync.Mutex
	powered   bool
	mcr       uint32
	imask     uint32
	iflag     uint32
	ram       [flexcan.RAMWords]uint32
	rximr     [flexcan.RXIMRCount]uint32
	regs      map[flexcan.Reg]uint32
	locked    int // mailbox locked by a CS read, -1 if none
	txBlocked bool

	isr        func()
	irqEnabled bool

	// Unlock bookkeeping for tests: reception stalls if the driver
	// forgets the timer read after a mailbox harvest.
	unlocks int
}

func newController(index int, clk Clock, bus *Bus) *Controller {
	return &Controller{
		index:  index,
		clk:    clk,
		bus:    bus,
		regs:   make(map[flexcan.Reg]uint32),
		locked: -1,
	}
}

// SetTxBlocked makes ESR2 report no free transmit mailbox. Test hook.
func (c *Controller) SetTxBlocked(blocked bool) {
	c.mu.Lock()
	c.txBlocked = blocked
	c.mu.Unlock()
}

// Unlocks returns how many times a mailbox lock was released by a timer
// read. Test hook.
func (c *Controller) Unlocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unlocks
}

// frozen reports whether the controller is in acknowledged freeze mode.
// Called with mu held.
func (c *Controller) frozenLocked() bool {
	return c.mcr&flexcan.MCRFRZACK != 0
}

func (c *Controller) operationalLocked() bool {
	return c.powered && c.mcr&flexcan.MCRMDIS == 0 && !c.frozenLocked()
}

func (c *Controller) Load(r flexcan.Reg) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case r == flexcan.RegMCR:
		return c.mcr
	case r == flexcan.RegTIMER:
		// Reading the free-running counter releases the mailbox lock.
		if c.locked >= 0 {
			c.locked = -1
			c.unlocks++
		}
		return uint32(uint16(c.clk.Ticks()))
	case r == flexcan.RegESR2:
		if !c.operationalLocked() || c.txBlocked {
			return 0
		}
		// Both TX mailboxes are always idle here; report the lowest.
		return flexcan.ESR2IMB | flexcan.ESR2VPS
	case r == flexcan.RegIFLAG1:
		return c.iflag
	case r == flexcan.RegIMASK1:
		return c.imask
	case r >= flexcan.RegRXIMR && r < flexcan.RegRXIMR+4*flexcan.RXIMRCount:
		return c.rximr[(r-flexcan.RegRXIMR)/4]
	case r >= flexcan.RegRAM && r < flexcan.RegRAM+4*flexcan.RAMWords:
		idx := int(r-flexcan.RegRAM) / 4
		if idx%flexcan.MBSizeWords == 0 {
			mb := idx / flexcan.MBSizeWords
			if mb >= flexcan.FirstRxMailbox && c.iflag&(1<<mb) != 0 {
				c.locked = mb
			}
		}
		return c.ram[idx]
	}
	return c.regs[r]
}

func (c *Controller) Store(r flexcan.Reg, v uint32) {
	c.mu.Lock()
	var tx *can.Frame
	switch {
	case r == flexcan.RegMCR:
		c.storeMCRLocked(v)
	case r == flexcan.RegIFLAG1:
		c.iflag &^= v // W1C
	case r == flexcan.RegIMASK1:
		c.imask = v
	case r >= flexcan.RegRXIMR && r < flexcan.RegRXIMR+4*flexcan.RXIMRCount:
		c.rximr[(r-flexcan.RegRXIMR)/4] = v
	case r >= flexcan.RegRAM && r < flexcan.RegRAM+4*flexcan.RAMWords:
		idx := int(r-flexcan.RegRAM) / 4
		c.ram[idx] = v
		tx = c.maybeTransmitLocked(idx)
	default:
		c.regs[r] = v
	}
	c.mu.Unlock()
	if tx != nil {
		c.bus.broadcast(c, *tx)
	}
}

// storeMCRLocked applies an MCR write and acknowledges handshakes
// synchronously: freeze-ack when halted, low-power-ack when disabled,
// not-ready whenever the module cannot take traffic.
func (c *Controller) storeMCRLocked(v uint32) {
	const acks = uint32(flexcan.MCRFRZACK | flexcan.MCRLPMACK | flexcan.MCRNOTRDY)
	c.mcr = v &^ acks
	switch {
	case c.mcr&flexcan.MCRMDIS != 0:
		c.mcr |= flexcan.MCRLPMACK | flexcan.MCRNOTRDY
	case c.mcr&flexcan.MCRHALT != 0 && c.mcr&flexcan.MCRFRZ != 0:
		c.mcr |= flexcan.MCRFRZACK | flexcan.MCRNOTRDY
	}
}

// maybeTransmitLocked turns a control-word write with the transmit code
// into a bus frame. Returns the frame to broadcast after the lock drops.
func (c *Controller) maybeTransmitLocked(idx int) *can.Frame {
	if idx%flexcan.MBSizeWords != 0 {
		return nil
	}
	mb := idx / flexcan.MBSizeWords
	if mb >= flexcan.TxMailboxCount || !c.operationalLocked() {
		return nil
	}
	cs := c.ram[idx]
	if (cs&flexcan.CSCodeMask)>>flexcan.CSCodeShft != flexcan.CodeTxData {
		return nil
	}

	length := int(can.DLC(cs >> flexcan.CSDLCShft).Length())
	var f can.Frame
	f.ID = c.ram[idx+1] & can.ExtIDMask
	f.Len = uint8(length)
	for i := 0; i < (length+3)/4; i++ {
		var chunk [4]byte
		binary.BigEndian.PutUint32(chunk[:], c.ram[idx+flexcan.MBDataOffset+i])
		copy(f.Data[i*4:], chunk[:])
	}
	c.iflag |= 1 << mb // transmit completion, poll-only
	return &f
}

// deliver lands a bus frame in the first matching receive mailbox and,
// if reception interrupts are enabled, invokes the installed handler.
// Frames with no matching filter, a locked target mailbox, or a frozen
// or disabled controller are dropped silently, as the hardware would.
func (c *Controller) deliver(f can.Frame) {
	c.mu.Lock()
	if !c.operationalLocked() {
		c.mu.Unlock()
		return
	}
	mb := c.matchMailboxLocked(f.ID)
	if mb < 0 || c.locked == mb {
		c.mu.Unlock()
		return
	}

	idx := mb * flexcan.MBSizeWords
	for i := 0; i < (int(f.Len)+3)/4; i++ {
		var chunk [4]byte
		copy(chunk[:], f.Data[i*4:])
		c.ram[idx+flexcan.MBDataOffset+i] = binary.BigEndian.Uint32(chunk[:])
	}
	c.ram[idx+1] = f.ID & can.ExtIDMask
	dlc := f.DLC()
	c.ram[idx] = flexcan.CSEDL | flexcan.CSBRS | flexcan.CSIDE |
		uint32(codeRxFull)<<flexcan.CSCodeShft |
		uint32(dlc)<<flexcan.CSDLCShft |
		uint32(uint16(c.clk.Ticks()))
	c.iflag |= 1 << mb

	fire := c.irqEnabled && c.imask&(1<<mb) != 0 && c.isr != nil
	isr := c.isr
	c.mu.Unlock()
	if fire {
		isr()
	}
}

// matchMailboxLocked finds the lowest receive mailbox whose acceptance
// id/mask pair admits id. Called with mu held.
func (c *Controller) matchMailboxLocked(id uint32) int {
	for mb := flexcan.FirstRxMailbox; mb <= flexcan.MaxMailbox; mb++ {
		cs := c.ram[mb*flexcan.MBSizeWords]
		code := (cs & flexcan.CSCodeMask) >> flexcan.CSCodeShft
		if code != flexcan.CodeRxEmpty && code != codeRxFull {
			continue
		}
		mask := c.rximr[mb]
		if id&mask == c.ram[mb*flexcan.MBSizeWords+1]&mask {
			return mb
		}
	}
	return -1
}
