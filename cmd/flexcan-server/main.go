package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/canstack/flexcanfd/internal/metrics"
	"github.com/canstack/flexcanfd/internal/server"
	"github.com/canstack/flexcanfd/internal/stream"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("flexcan-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	if err := run(cfg, l); err != nil {
		l.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appConfig, l *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	h := initHub(cfg, l)
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	board, _, sendFunc, cleanupDriver, err := startDriver(ctx, cfg, h, l, &wg)
	if err != nil {
		return fmt.Errorf("driver init: %w", err)
	}
	cleanupBridge, err := initBridge(ctx, cfg, board.Bus(), l, &wg)
	if err != nil {
		cleanupDriver()
		return fmt.Errorf("bridge init: %w", err)
	}

	srv := server.NewServer(
		server.WithHub(h),
		server.WithCodec(&stream.Codec{}),
		server.WithSend(sendFunc),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	srv.SetListenAddr(cfg.listenAddr)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()
	go announceWhenReady(ctx, cfg, srv, l)

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
			return ctx.Err() == nil
		default:
			return false
		}
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		l.Info("shutdown_signal", "signal", sig.String())
	case <-ctx.Done():
	}
	cancel()
	cleanupBridge()
	cleanupDriver()
	wg.Wait()
	return nil
}

// announceWhenReady publishes the mDNS record once the listener is
// bound, so the advertised port is the one actually in use.
func announceWhenReady(ctx context.Context, cfg *appConfig, srv *server.Server, l *slog.Logger) {
	if !cfg.mdnsEnable {
		return
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return
	}
	port := listenPort(srv.Addr())
	if _, err := startMDNS(ctx, cfg, port); err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstanceName(cfg), "port", port)
}

// listenPort extracts the numeric port from a bound listener address.
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
