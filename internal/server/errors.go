package server

import (
	"errors"
	"net"

	"github.com/canstack/flexcanfd/internal/metrics"
	"github.com/canstack/flexcanfd/internal/serial"
	"github.com/canstack/flexcanfd/internal/socketcan"
)

// Sentinel errors wrapped into reported failures so callers can
// classify them with errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrBackendTx = errors.New("backend_tx")
	ErrContext   = errors.New("context_cancelled")

	// ErrBackendOverflow is returned by Send functions when the backend
	// cannot queue another frame. The reader drops the frame and keeps going.
	ErrBackendOverflow = errors.New("backend_overflow")
)

// isTxOverflow reports whether err marks a full backend TX queue,
// regardless of which backend produced it.
func isTxOverflow(err error) bool {
	return errors.Is(err, ErrBackendOverflow) ||
		errors.Is(err, serial.ErrTxOverflow) ||
		errors.Is(err, socketcan.ErrTxOverflow)
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrBackendTx):
		return metrics.ErrGroupTx
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
