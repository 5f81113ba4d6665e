package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-slcan-server/internal/can"
	"github.com/kstaniek/go-slcan-server/internal/channel"
	"github.com/kstaniek/go-slcan-server/internal/metrics"
	"github.com/kstaniek/go-slcan-server/internal/transport"
)

// sleepFn allows tests to intercept RX backoff sleeps.
var sleepFn = time.Sleep

// backend is an opened CAN bus device.
type backend struct {
	name  string
	sink  transport.FrameSink
	close func()
}

// backendOpener opens one kind of backend and starts its RX loop, which
// feeds ch. It must not leave goroutines running when it fails.
type backendOpener func(ctx context.Context, cfg *appConfig, ch *channel.Channel, l *slog.Logger, wg *sync.WaitGroup) (*backend, error)

var backendOpeners = map[string]backendOpener{
	"socketcan": initSocketCANBackend,
	"slcan":     initSlcanBackend,
	"loopback":  initLoopbackBackend,
}

// initBackend opens the configured backend with bounded retries and
// attaches it to ch. On failure the channel error register records it.
func initBackend(ctx context.Context, cfg *appConfig, ch *channel.Channel, l *slog.Logger, wg *sync.WaitGroup) (*backend, error) {
	open, ok := backendOpeners[cfg.backend]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (use socketcan|slcan|loopback)", cfg.backend)
	}
	attempts := cfg.backendRetries
	if attempts < 1 {
		attempts = 1
	}
	var be *backend
	err := retry.Do(func() error {
		var err error
		be, err = open(ctx, cfg, ch, l, wg)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(backendRetryDelay),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("backend_open_retry", "backend", cfg.backend, "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		ch.SetError(channel.ErrBitBackendInit)
		return nil, fmt.Errorf("%s backend: %w", cfg.backend, err)
	}
	ch.Attach(be.sink)
	l.Info("backend_ready", "backend", be.name)
	return be, nil
}

// receiver returns the RX callback shared by all backends.
func receiver(ch *channel.Channel) func(can.Frame) {
	return func(fr can.Frame) {
		metrics.IncCANRx()
		ch.Receive(fr)
	}
}

// nextBackoff doubles d up to rxBackoffMax.
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > rxBackoffMax {
		d = rxBackoffMax
	}
	return d
}

// initLoopbackBackend echoes every transmitted frame back as received,
// like a controller in loopback mode. Useful without hardware.
func initLoopbackBackend(ctx context.Context, cfg *appConfig, ch *channel.Channel, l *slog.Logger, wg *sync.WaitGroup) (*backend, error) {
	rx := receiver(ch)
	tx := transport.NewAsyncTx(ctx, txQueueSize, func(fr can.Frame) error {
		rx(fr)
		return nil
	}, transport.Hooks{
		OnAfter: metrics.IncCANTx,
		OnDrop: func() error {
			return fmt.Errorf("loopback: %w", transport.ErrQueueFull)
		},
	})
	l.Info("loopback_open")
	return &backend{
		name:  "loopback",
		sink:  channel.SendFunc(tx.Send),
		close: tx.Close,
	}, nil
}
