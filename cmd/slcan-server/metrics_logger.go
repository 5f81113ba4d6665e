package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-slcan-server/internal/metrics"
)

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
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"channel_open", snap.ChannelOpen,
		"can_rx", snap.CANRx,
		"can_tx", snap.CANTx,
		"lines", snap.Lines,
		"rejected", snap.Rejected,
		"host_tx", snap.HostTx,
		"mirrored", snap.Mirrored,
		"clients", snap.HubClients,
		"hub_drops", snap.HubDrops,
		"hub_kicks", snap.HubKicks,
		"errors", snap.Errors,
	)
}
