package sim

import (
	"sync"

	"github.com/canstack/flexcanfd/internal/flexcan"
)

// TimerBlock simulates the four-channel down-counting timer peripheral.
// Channels reload from TVAL on underflow; channel 1 can chain onto
// channel 0's underflows to form the 64-bit timestamp clock. Current
// values are derived lazily from the shared Clock, so no goroutine runs
// behind the block.
type TimerBlock struct {
	mu      sync.Mutex
	clk     Clock
	powered bool
	mcr     uint32
	enabled uint32 // bitmask of running channels
	tval    [4]uint32
	tctrl   [4]uint32
	start   [4]uint64 // tick at which the channel was (re)started
}

func NewTimerBlock(clk Clock) *TimerBlock { return &TimerBlock{clk: clk} }

func (t *TimerBlock) setPowered(on bool) {
	t.mu.Lock()
	t.powered = on
	t.mu.Unlock()
}

func (t *TimerBlock) Load(r flexcan.TimerReg) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch r {
	case flexcan.TimerRegMCR:
		return t.mcr
	case flexcan.TimerRegSETTEN, flexcan.TimerRegCLRTEN:
		return 0
	}
	for ch := 0; ch < 4; ch++ {
		switch r {
		case flexcan.TimerTVAL(ch):
			return t.tval[ch]
		case flexcan.TimerTCTRL(ch):
			return t.tctrl[ch]
		case flexcan.TimerCVAL(ch):
			return t.cval(ch)
		}
	}
	return 0
}

func (t *TimerBlock) Store(r flexcan.TimerReg, v uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch r {
	case flexcan.TimerRegMCR:
		t.mcr = v
		if v&flexcan.TimerMCRReset != 0 {
			// Reset everything except MCR; counters lock at max.
			t.enabled = 0
			t.tval = [4]uint32{}
			t.tctrl = [4]uint32{}
		}
		return
	case flexcan.TimerRegSETTEN:
		now := t.clk.Ticks()
		for ch := 0; ch < 4; ch++ {
			if v&(1<<ch) != 0 {
				t.enabled |= 1 << ch
				t.start[ch] = now
			}
		}
		return
	case flexcan.TimerRegCLRTEN:
		t.enabled &^= v & 0xF
		return
	}
	for ch := 0; ch < 4; ch++ {
		switch r {
		case flexcan.TimerTVAL(ch):
			t.tval[ch] = v
		case flexcan.TimerTCTRL(ch):
			t.tctrl[ch] = v
		}
	}
}

// cval computes the current value of channel ch. Called with mu held.
func (t *TimerBlock) cval(ch int) uint32 {
	if !t.powered || t.mcr&flexcan.TimerMCREnable == 0 ||
		t.mcr&flexcan.TimerMCRReset != 0 || t.enabled&(1<<ch) == 0 {
		return flexcan.TimerMaxValue
	}
	elapsed := t.clk.Ticks() - t.start[ch]
	if ch > 0 && t.tctrl[ch]&flexcan.TCtrlChain != 0 {
		// Chained: one decrement per underflow of the channel below.
		period := uint64(t.tval[ch-1]) + 1
		elapsed /= period
	}
	period := uint64(t.tval[ch]) + 1
	return t.tval[ch] - uint32(elapsed%period)
}
