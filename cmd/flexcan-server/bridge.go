package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/canstack/flexcanfd/internal/sim"
)

// initBridge optionally connects the virtual bus to a physical CAN network.
// Frames transmitted by the interface group are forwarded out through the
// bridge; frames arriving from the physical side are injected onto the bus,
// where the controllers receive them like any other traffic.
func initBridge(ctx context.Context, cfg *appConfig, bus *sim.Bus, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	switch cfg.bridge {
	case "none":
		return func() {}, nil
	case "serial":
		return initSerialBridge(ctx, cfg, bus, l, wg)
	case "socketcan":
		return initSocketCANBridge(ctx, cfg, bus, l, wg)
	default:
		return func() {}, fmt.Errorf("unknown bridge %q (use none|serial|socketcan)", cfg.bridge)
	}
}
