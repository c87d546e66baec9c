package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canstack/flexcanfd/internal/can"
	"github.com/canstack/flexcanfd/internal/flexcan"
	"github.com/canstack/flexcanfd/internal/hub"
	"github.com/canstack/flexcanfd/internal/metrics"
	"github.com/canstack/flexcanfd/internal/server"
	"github.com/canstack/flexcanfd/internal/sim"
	"github.com/canstack/flexcanfd/internal/transport"
)

// txInstance is the group interface used for client-submitted frames.
const txInstance = 0

// acceptAll matches every extended identifier.
var acceptAll = []can.Filter{{ID: 0, Mask: 0}}

// startDriver brings up the simulated board, starts the interface group and
// launches the RX pump feeding the hub. The returned send function funnels
// client frames into Group.Write through a single goroutine.
func startDriver(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (*sim.Board, *flexcan.Group, func(can.Frame) error, func(), error) {
	board := sim.NewBoard(cfg.instances, sim.NewWallClock())
	mgr := flexcan.NewManager(board)
	g, res := mgr.Start(acceptAll)
	if !res.IsSuccess() {
		return nil, nil, nil, func() {}, fmt.Errorf("interface group start: %s", res)
	}
	l.Info("driver_started", "instances", g.InterfaceCount())

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("driver_rx_end")
		for ctx.Err() == nil {
			switch g.Select(time.Millisecond, true) {
			case can.Success:
				for i := 0; i < g.InterfaceCount(); i++ {
					for {
						fr, rres := g.Read(i)
						if rres != can.Success {
							break
						}
						h.Broadcast(fr)
					}
				}
			case can.SuccessTimeout:
				time.Sleep(rxPumpInterval)
			default:
				// group stopped out from under us
				return
			}
		}
	}()

	send := func(fr can.Frame) error {
		if err := fr.Validate(); err != nil {
			return err
		}
		n, wres := g.Write(txInstance, []can.Frame{fr})
		if wres == can.BufferFull {
			return server.ErrBackendOverflow
		}
		if !wres.IsSuccess() || n == 0 {
			return fmt.Errorf("group write: %s", wres)
		}
		return nil
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			if errors.Is(err, server.ErrBackendOverflow) {
				metrics.IncError(metrics.ErrGroupOverflow)
				return
			}
			metrics.IncError(metrics.ErrGroupTx)
			l.Warn("group_tx_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrGroupOverflow)
			return server.ErrBackendOverflow
		},
	}
	tx := transport.NewAsyncTx(ctx, txQueueSize, send, hooks)

	cleanup := func() {
		tx.Close()
		if sres := mgr.Stop(g); !sres.IsSuccess() {
			l.Warn("driver_stop_result", "result", sres.String())
		}
	}
	return board, g, tx.SendFrame, cleanup, nil
}
