//go:build !linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/canstack/flexcanfd/internal/sim"
)

// Placeholder so non-linux builds compile; socketcan not supported.
func initSocketCANBridge(ctx context.Context, cfg *appConfig, bus *sim.Bus, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	return func() {}, fmt.Errorf("socketcan bridge unsupported on this platform")
}
