package flexcan

import (
	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/logging"
)

// Filter programming is a freeze-mode state machine:
//
//	Active -> Freezing -> Frozen -> Unfreezing -> Active
//
// The same sequence runs once per instance at group startup and again on
// every live refiltering. A poll timeout aborts immediately and leaves
// the hardware wherever the timeout occurred; there is no rollback.

// programFilters rewrites mailbox roles and acceptance masks. The
// instance must already be in freeze mode.
func programFilters(ins Instance, filters []can.Filter) {
	for j := 0; j < RAMWords; j++ {
		ins.Store(RegRAM+Reg(4*j), 0)
	}
	for j := 0; j < RXIMRCount; j++ {
		ins.Store(RXIMRReg(j), 0)
	}
	for j, ft := range filters {
		mb := FirstRxMailbox + j
		ins.Store(RXIMRReg(mb), ft.Mask)
		// Active empty receive mailbox, extended id, CAN-FD with
		// bit rate switch. DLC is left zero; it is meaningful for
		// transmission only.
		ins.Store(MailboxWord(mb, 0),
			CSEDL|CSBRS|CSIDE|uint32(CodeRxEmpty)<<CSCodeShft)
		ins.Store(MailboxWord(mb, 1), ft.ID)
	}
}

// freeze requests freeze mode and polls for the acknowledge.
func freeze(ins Instance, t Timer) can.Result {
	setBits(ins, RegMCR, MCRHALT|MCRFRZ)
	return waitFlagSet(t, ins, RegMCR, MCRFRZACK)
}

// unfreeze exits freeze mode and polls until the module is operational.
func unfreeze(ins Instance, t Timer) can.Result {
	clearBits(ins, RegMCR, MCRHALT|MCRFRZ)
	if r := waitFlagClear(t, ins, RegMCR, MCRFRZACK); !r.IsSuccess() {
		return can.Failure
	}
	return waitFlagClear(t, ins, RegMCR, MCRNOTRDY)
}

// applyFilters runs the full freeze/program/unfreeze cycle on one
// instance.
func applyFilters(ins Instance, t Timer, iface int, filters []can.Filter) can.Result {
	if r := freeze(ins, t); !r.IsSuccess() {
		logging.L().Warn("freeze_enter_timeout", "iface", iface)
		return can.Failure
	}
	programFilters(ins, filters)
	if r := unfreeze(ins, t); !r.IsSuccess() {
		logging.L().Warn("freeze_exit_timeout", "iface", iface)
		return can.Failure
	}
	return can.Success
}
