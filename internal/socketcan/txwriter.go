//go:build linux

package socketcan

import (
	"context"
	"errors"

	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/metrics"
	"github.com/canstack/flexcanfd/internal/transport"
)

// ErrTxOverflow marks a frame dropped because the writer buffer was full.
var ErrTxOverflow = errors.New("socketcan tx overflow")

// Dev is what the bridge and TXWriter need from a CAN device.
// Implemented by *Device in production and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// TXWriter serializes device writes the same way the serial writer
// serializes UART writes.
type TXWriter struct {
	*transport.AsyncTx
}

// NewTXWriter starts a writer goroutine with a buffer of size buf.
func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	return &TXWriter{AsyncTx: transport.NewAsyncTx(parent, buf, dev.WriteFrame, transport.Hooks{
		OnAfter: metrics.IncSocketCANTx,
		OnError: func(error) { metrics.IncError(metrics.ErrSocketCANWrite) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	})}
}
