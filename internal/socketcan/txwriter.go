package socketcan

import (
	"context"
	"fmt"

	"github.com/kstaniek/go-slcan-server/internal/can"
	"github.com/kstaniek/go-slcan-server/internal/metrics"
	"github.com/kstaniek/go-slcan-server/internal/transport"
)

var ErrTxOverflow = fmt.Errorf("socketcan: %w", transport.ErrQueueFull)

// Dev is the minimal interface needed by the backend and TXWriter.
// Implemented by *Device in production and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

var _ Dev = (*Device)(nil)

// TXWriter funnels all SocketCAN writes through a single goroutine so
// sessions never block on the device.
type TXWriter struct{ base *transport.AsyncTx[can.Frame] }

var _ transport.FrameSink = (*TXWriter)(nil)

// NewTXWriter creates a SocketCAN TXWriter with a buffered queue of size buf.
func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	hooks := transport.Hooks{
		OnError: func(error) { metrics.IncError(metrics.ErrSocketCANWrite) },
		OnAfter: metrics.IncCANTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, dev.WriteFrame, hooks)}
}

// SendFrame queues a frame for asynchronous device write (ErrTxOverflow if the queue is full).
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.Send(fr) }

// Close stops the writer and waits for the worker goroutine to finish.
func (w *TXWriter) Close() { w.base.Close() }
