// Package flexcan is the media-access driver for FlexCAN-FD style
// controllers: it moves fixed-size CAN-FD frames through hardware
// mailboxes, reconciles 16-bit capture timestamps against a chained
// free-running timer, and manages per-instance acceptance filters.
//
// The hardware itself is reached only through the Instance, Timer and
// Board interfaces below, so the same driver runs against real register
// banks or the software controller in internal/sim.
package flexcan

// Reg is a word offset into one controller instance's register file.
type Reg uint32

// Controller registers. Offsets follow the FlexCAN register map.
const (
	RegMCR    Reg = 0x00 // module configuration
	RegCTRL1  Reg = 0x04
	RegTIMER  Reg = 0x08 // free-running 16-bit counter
	RegIMASK1 Reg = 0x28 // per-mailbox interrupt enables
	RegIFLAG1 Reg = 0x30 // per-mailbox interrupt flags, W1C
	RegCTRL2  Reg = 0x34
	RegESR2   Reg = 0x38 // TX readiness status
	RegCBT    Reg = 0x50 // nominal phase bit timing
	RegRAM    Reg = 0x80 // start of mailbox RAM
	RegRXIMR  Reg = 0x880
	RegFDCTRL Reg = 0xC00
	RegFDCBT  Reg = 0xC04 // data phase bit timing
)

// Mailbox RAM geometry. Each mailbox occupies MBSizeWords 32-bit words:
// word 0 is the control/status word, word 1 the id word, words 2.. the
// payload.
const (
	MBSizeWords  = 18
	MBDataOffset = 2
	RAMWords     = 128
	RXIMRCount   = 32
)

// MailboxWord returns the register of the given word of mailbox mb.
func MailboxWord(mb, word int) Reg {
	return RegRAM + Reg(4*(mb*MBSizeWords+word))
}

// RXIMRReg returns the individual reception mask register for mailbox mb.
func RXIMRReg(mb int) Reg { return RegRXIMR + Reg(4*mb) }

// MCR bit fields.
const (
	MCRMDIS      = 1 << 31
	MCRFRZ       = 1 << 30
	MCRHALT      = 1 << 28
	MCRNOTRDY    = 1 << 27
	MCRFRZACK    = 1 << 24
	MCRLPMACK    = 1 << 20
	MCRSRXDIS    = 1 << 17
	MCRIRMQ      = 1 << 16
	MCRFDEN      = 1 << 11
	MCRMaxMBMask = 0x7F
)

// CTRL1 / CTRL2 / FDCTRL bit fields.
const (
	CTRL1CLKSRC     = 1 << 13
	CTRL2ISOCANFDEN = 1 << 12

	FDCTRLFDRate     = 1 << 31
	FDCTRLTDCEN      = 1 << 15
	FDCTRLTDCOFFShft = 8
	FDCTRLMBDSR0Shft = 16
)

// ESR2 bit fields: IMB+VPS together signal a free transmit mailbox whose
// index is in the LPTM field.
const (
	ESR2IMB      = 1 << 13
	ESR2VPS      = 1 << 14
	ESR2LPTMShft = 16
	ESR2LPTMMask = 0x7F << ESR2LPTMShft
)

// Mailbox control/status word fields.
const (
	CSEDL      = 1 << 31 // extended data length (CAN-FD)
	CSBRS      = 1 << 30 // bit rate switch
	CSESI      = 1 << 29
	CSCodeShft = 24
	CSCodeMask = 0xF << CSCodeShft
	CSSRR      = 1 << 22
	CSIDE      = 1 << 21 // extended id
	CSRTR      = 1 << 20
	CSDLCShft  = 16
	CSDLCMask  = 0xF << CSDLCShft
	CSTimeMask = 0xFFFF // 16-bit capture timestamp

	// The only mailbox codes this driver writes.
	CodeRxEmpty = 0x4 // active for reception, empty
	CodeTxData  = 0xC // transmit data frame
)

// Mailbox roles are positional and fixed: 0-1 transmit, 2..6 receive,
// one receive mailbox per configured filter.
const (
	TxMailboxCount = 2
	FirstRxMailbox = 2
	MaxFilters     = 5
	MaxMailbox     = TxMailboxCount + MaxFilters - 1

	// RxIFlagMask restricts IFLAG1 to the valid receive mailboxes (0b1111100).
	RxIFlagMask = 0x7C
)

// QueueCapacity is the fixed per-instance inbound queue depth.
const QueueCapacity = 40

// Tick clock shared by the controller's free-running counter and the
// timestamp timer chain. Both must run from this one source for the
// reconciliation subtraction to be meaningful.
const (
	ClockHz       = 80_000_000
	TicksPerMicro = ClockHz / 1_000_000

	// DefaultPollTicks bounds every hardware flag poll: 2^24 ticks at
	// 80 MHz is roughly 0.2 s.
	DefaultPollTicks = 0xFFFFFF
)

// TimerReg is a word offset into the countdown timer block.
type TimerReg uint32

// Timer block registers (LPIT-style: four down-counting 32-bit channels,
// channel 1 chainable onto channel 0).
const (
	TimerRegMCR    TimerReg = 0x08
	TimerRegSETTEN TimerReg = 0x14 // write 1<<ch to start a channel
	TimerRegCLRTEN TimerReg = 0x18 // write 1<<ch to stop a channel
)

const (
	TimerMCREnable = 1 << 0
	TimerMCRReset  = 1 << 1

	TCtrlChain = 1 << 1

	TimerMaxValue = 0xFFFFFFFF
)

// Timer channel assignment. Channels 0/1 form the chained 64-bit
// timestamp clock; 2 bounds TimeoutPoll; 3 bounds Select.
const (
	ChTimestampLow  = 0
	ChTimestampHigh = 1
	ChPoll          = 2
	ChSelect        = 3
)

// TimerTVAL returns the reload value register of channel ch.
func TimerTVAL(ch int) TimerReg { return TimerReg(0x20 + 0x10*ch) }

// TimerCVAL returns the current value register of channel ch.
func TimerCVAL(ch int) TimerReg { return TimerReg(0x24 + 0x10*ch) }

// TimerTCTRL returns the control register of channel ch.
func TimerTCTRL(ch int) TimerReg { return TimerReg(0x28 + 0x10*ch) }

// Instance is word-level access to one controller's register file.
// Load and Store have volatile semantics: every call reaches the
// peripheral, and reading a receive mailbox's control word locks the
// mailbox until RegTIMER is read.
type Instance interface {
	Load(r Reg) uint32
	Store(r Reg, v uint32)
}

// Timer is word-level access to the shared countdown timer block.
type Timer interface {
	Load(r TimerReg) uint32
	Store(r TimerReg, v uint32)
}

// Board bundles the controller instances, the timer block, and the
// one-time bring-up collaborators (clock tree, pin mux, interrupt
// controller). The linear bring-up sequences behind InitClocks and
// InitPins have no driver-visible state beyond success.
type Board interface {
	InstanceCount() int
	Instance(i int) Instance
	Timer() Timer

	InitClocks() error
	InitPins() error

	// SetClockGate gates the peripheral clock of instance i.
	SetClockGate(i int, on bool)
	// SetTimerClockGate gates the timer block's clock.
	SetTimerClockGate(on bool)

	// InstallISR installs fn as the reception interrupt handler for
	// instance i (the vector table entry).
	InstallISR(i int, fn func())
	// EnableIRQ unmasks instance i's interrupt at the controller level.
	EnableIRQ(i int)
	// DisableIRQ masks it again.
	DisableIRQ(i int)
}

func setBits(ins Instance, r Reg, mask uint32) { ins.Store(r, ins.Load(r)|mask) }

func clearBits(ins Instance, r Reg, mask uint32) { ins.Store(r, ins.Load(r)&^mask) }
