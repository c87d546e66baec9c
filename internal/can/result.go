package can

// Result is the outcome type shared with the transport stack above the
// driver. The first three values are successful outcomes a caller must
// tell apart; the rest are failures.
type Result uint8

const (
	// Success means the operation did what was asked.
	Success Result = iota
	// SuccessNothing means a read completed but no frame was available.
	SuccessNothing
	// SuccessTimeout means a bounded wait elapsed with nothing ready.
	SuccessTimeout
	// Failure means a hardware flag poll timed out.
	Failure
	// BufferFull means no transmit mailbox is free right now.
	BufferFull
	// BadArgument means a caller-supplied index or count was out of bounds.
	BadArgument
)

// IsSuccess reports whether the result is one of the success outcomes.
func (r Result) IsSuccess() bool { return r <= SuccessTimeout }

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case SuccessNothing:
		return "success_nothing"
	case SuccessTimeout:
		return "success_timeout"
	case Failure:
		return "failure"
	case BufferFull:
		return "buffer_full"
	case BadArgument:
		return "bad_argument"
	}
	return "unknown"
}
