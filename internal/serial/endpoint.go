package serial

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-slcan-server/internal/hub"
	"github.com/kstaniek/go-slcan-server/internal/logging"
	"github.com/kstaniek/go-slcan-server/internal/metrics"
	"github.com/kstaniek/go-slcan-server/internal/session"
	"github.com/kstaniek/go-slcan-server/internal/slcan"
)

const (
	reopenBackoffMin = 250 * time.Millisecond
	reopenBackoffMax = 5 * time.Second
	defaultClientBuf = 512
)

// openPort is a hook for tests.
var openPort = Open

// Endpoint serves the slcan protocol on a serial device, the way a USB
// adapter would. The device is reopened with backoff whenever it fails.
type Endpoint struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
	Handler     slcan.Handler
	Hub         *hub.Hub
	Logger      *slog.Logger
}

// Run serves until ctx is done. It never returns an error: open and read
// failures are logged and retried.
func (e *Endpoint) Run(ctx context.Context) error {
	l := e.Logger
	if l == nil {
		l = logging.L()
	}
	l = l.With("device", e.Device)
	backoff := reopenBackoffMin
	for ctx.Err() == nil {
		start := time.Now()
		if err := e.serveOnce(ctx, l); err != nil {
			l.Warn("serial_endpoint_error", "error", err, "backoff", backoff)
		}
		if ctx.Err() != nil {
			break
		}
		if time.Since(start) > reopenBackoffMax {
			backoff = reopenBackoffMin
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reopenBackoffMax {
			backoff = reopenBackoffMax
		}
	}
	l.Info("serial_endpoint_end")
	return nil
}

func (e *Endpoint) serveOnce(ctx context.Context, l *slog.Logger) error {
	sp, err := openPort(e.Device, e.Baud, e.ReadTimeout)
	if err != nil {
		metrics.IncError(metrics.ErrSerialOpen)
		return err
	}
	l.Info("serial_endpoint_open", "baud", e.Baud)
	var cl *hub.Client
	if e.Hub != nil {
		n := defaultClientBuf
		if e.Hub.OutBufSize > 0 {
			n = e.Hub.OutBufSize
		}
		cl = hub.NewClient(n)
		e.Hub.Add(cl)
		defer e.Hub.Remove(cl)
	}
	sess := session.New(Quiet(sp), e.Handler, cl,
		session.WithLogger(l),
		session.WithErrorLabels(metrics.ErrSerialRead, metrics.ErrSerialWrite),
	)
	return sess.Run(ctx)
}
