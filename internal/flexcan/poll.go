package flexcan

import (
	"runtime"

	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/metrics"
)

// pollUntil busy-waits for cond, bounded by timeoutTicks measured on
// timer channel ch. The channel is reprogrammed and restarted on every
// call; callers must not assume its value afterward. Returns true if
// cond held before the deadline.
//
// Every hardware wait in the driver routes through here so timeout
// accounting stays in one place.
func pollUntil(t Timer, ch int, timeoutTicks uint32, cond func() bool) bool {
	t.Store(TimerRegCLRTEN, 1<<ch)
	t.Store(TimerTVAL(ch), TimerMaxValue)
	t.Store(TimerRegSETTEN, 1<<ch)

	var delta uint32
	for delta < timeoutTicks {
		if cond() {
			return true
		}
		delta = TimerMaxValue - t.Load(TimerCVAL(ch))
		runtime.Gosched()
	}
	return false
}

// waitFlagSet blocks until reg&mask is non-zero or the default timeout
// expires. The polled flag is not modified; W1C flags are cleared by the
// caller.
func waitFlagSet(t Timer, ins Instance, r Reg, mask uint32) can.Result {
	if pollUntil(t, ChPoll, DefaultPollTicks, func() bool { return ins.Load(r)&mask != 0 }) {
		return can.Success
	}
	metrics.IncPollTimeout()
	return can.Failure
}

// waitFlagClear blocks until reg&mask is zero or the default timeout
// expires.
func waitFlagClear(t Timer, ins Instance, r Reg, mask uint32) can.Result {
	if pollUntil(t, ChPoll, DefaultPollTicks, func() bool { return ins.Load(r)&mask == 0 }) {
		return can.Success
	}
	metrics.IncPollTimeout()
	return can.Failure
}
