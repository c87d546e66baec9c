package flexcan

import "github.com/canstack/flexcanfd/internal/can"

// Timestamp reconciliation. The controller captures only a 16-bit
// free-running counter value per received frame; the absolute timestamp
// comes from back-dating the chained 64-bit software clock by the age of
// the capture. Both counters run from the same ClockHz source, which is
// what makes the subtraction meaningful.

// softwareClock reads the 64-bit free-running clock built from the two
// chained down-counting timer channels. Each half counts ticks remaining
// until wrap, so it is inverted before combination.
func softwareClock(t Timer) uint64 {
	hi := TimerMaxValue - t.Load(TimerCVAL(ChTimestampHigh))
	lo := TimerMaxValue - t.Load(TimerCVAL(ChTimestampLow))
	return uint64(hi)<<32 | uint64(lo)
}

// resolveTimestamp converts a mailbox capture into an absolute monotonic
// time. Reading RegTIMER here doubles as the mailbox unlock, so this
// must run after decodeMailbox and before the IFLAG clear.
//
// The capture age uses modular 16-bit subtraction, so a capture that
// wrapped the hardware counter between capture and read still yields the
// correct delta as long as it is less than 65536 ticks old.
func resolveTimestamp(t Timer, ins Instance, captured uint16) can.Monotonic {
	current := uint16(ins.Load(RegTIMER)) // unlocks the mailbox
	target := softwareClock(t)

	delta := uint64(current - captured)
	if delta > target { // clock started after the capture; clamp
		delta = target
	}
	return can.MonotonicFromMicros((target - delta) / TicksPerMicro)
}
