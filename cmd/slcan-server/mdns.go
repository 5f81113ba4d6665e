package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_slcan._tcp"

// mdnsRegister is a hook for tests.
var mdnsRegister = func(instance string, port int, meta []string) (func(), error) {
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

// startMDNS advertises the TCP listener until ctx is done and returns a
// cleanup function. It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	if port <= 0 {
		return nil, fmt.Errorf("mdns: invalid port %d", port)
	}
	instance := mdnsInstance(cfg)
	meta := []string{
		"protocol=slcan",
		"backend=" + cfg.backend,
		"version=" + version,
		"commit=" + commit,
	}
	shutdown, err := mdnsRegister(instance, port, meta)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return "slcan-server-" + host
}

// listenPort extracts the port from a bound address (host:port or :port).
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}
