package serial

import (
	"context"
	"fmt"

	"github.com/kstaniek/go-slcan-server/internal/can"
	"github.com/kstaniek/go-slcan-server/internal/logging"
	"github.com/kstaniek/go-slcan-server/internal/metrics"
	"github.com/kstaniek/go-slcan-server/internal/slcan"
	"github.com/kstaniek/go-slcan-server/internal/transport"
)

var ErrTxOverflow = fmt.Errorf("serial: %w", transport.ErrQueueFull)

// TXWriter funnels all writes to an slcan adapter through one goroutine.
// Frames and control lines share the queue so they reach the adapter in
// the order they were sent.
type TXWriter struct {
	base  *transport.AsyncTx[[]byte]
	codec slcan.Codec
}

var _ transport.FrameSink = (*TXWriter)(nil)

// NewTXWriter creates a serial TXWriter with a buffered queue of size buf.
func NewTXWriter(parent context.Context, sp Port, codec slcan.Codec, buf int) *TXWriter {
	send := func(msg []byte) error {
		_, err := sp.Write(msg)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks), codec: codec}
}

// SendFrame encodes fr and queues it (ErrTxOverflow if the queue is full).
func (w *TXWriter) SendFrame(fr can.Frame) error {
	msg, err := w.codec.Encode(fr)
	if err != nil {
		return err
	}
	if err := w.base.Send(msg); err != nil {
		return err
	}
	metrics.IncCANTx()
	return nil
}

// SendLine queues a raw command line; the terminator is appended.
func (w *TXWriter) SendLine(line string) error {
	return w.base.Send(append([]byte(line), slcan.Terminator))
}

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() { w.base.Close() }
