package serial

import (
	"context"
	"errors"

	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/logging"
	"github.com/canstack/flexcanfd/internal/metrics"
	"github.com/canstack/flexcanfd/internal/transport"
)

// ErrTxOverflow marks a frame dropped because the writer buffer was full.
var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter serializes port writes so concurrent senders cannot
// interleave encoded frame bytes on the UART.
type TXWriter struct {
	*transport.AsyncTx
}

// NewTXWriter starts a writer goroutine with a buffer of size buf.
func NewTXWriter(parent context.Context, sp Port, codec Codec, buf int) *TXWriter {
	write := func(fr can.Frame) error {
		_, err := sp.Write(codec.Encode(fr))
		return err
	}
	return &TXWriter{AsyncTx: transport.NewAsyncTx(parent, buf, write, transport.Hooks{
		OnAfter: metrics.IncSerialTx,
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	})}
}
