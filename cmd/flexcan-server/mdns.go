package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_flexcan-server._tcp"

// mdnsInstanceName picks the advertised instance name, deriving one
// from the hostname when the config leaves it empty.
func mdnsInstanceName(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("flexcan-server-%s", host)
}

// startMDNS advertises the TCP endpoint via mDNS. The returned cleanup
// deregisters the service; it also runs on ctx cancellation.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	meta := []string{
		"bridge=" + cfg.bridge,
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(mdnsInstanceName(cfg), mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	stopped := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			svc.Shutdown()
			close(stopped)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-stopped:
		}
	}()
	return stop, nil
}
