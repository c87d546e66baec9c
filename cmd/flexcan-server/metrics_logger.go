package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canstack/flexcanfd/internal/metrics"
)

// logSnapshot emits one counter summary line.
func logSnapshot(l *slog.Logger) {
	snap := metrics.Snap()
	l.Info("metrics_snapshot",
		"rx", snap.RxFrames,
		"tx", snap.TxFrames,
		"discarded", snap.Discarded,
		"poll_timeouts", snap.PollTimeouts,
		"tcp_rx", snap.TCPRx,
		"tcp_tx", snap.TCPTx,
		"serial_rx", snap.SerialRx,
		"serial_tx", snap.SerialTx,
		"socketcan_rx", snap.SocketCANRx,
		"socketcan_tx", snap.SocketCANTx,
		"hub_drops", snap.HubDrops,
		"errors", snap.Errors,
	)
}

// startMetricsLogger periodically logs a counter snapshot until ctx is
// cancelled. A non-positive interval disables it.
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l)
			case <-ctx.Done():
				return
			}
		}
	}()
}
