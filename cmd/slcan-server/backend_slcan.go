package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/kstaniek/go-slcan-server/internal/can"
	"github.com/kstaniek/go-slcan-server/internal/channel"
	"github.com/kstaniek/go-slcan-server/internal/metrics"
	"github.com/kstaniek/go-slcan-server/internal/serial"
	"github.com/kstaniek/go-slcan-server/internal/slcan"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// slcanAdapter drives a USB slcan adapter: frames are written as slcan
// lines and the adapter follows the channel state through C/S/M/A/O.
type slcanAdapter struct {
	tw *serial.TXWriter
}

func (a *slcanAdapter) SendFrame(fr can.Frame) error { return a.tw.SendFrame(fr) }

// Apply closes the adapter, then reconfigures and reopens it when the
// channel is open.
func (a *slcanAdapter) Apply(s channel.Settings) error {
	lines := []string{"C"}
	if s.Open {
		lines = append(lines,
			fmt.Sprintf("S%d", s.BitrateIndex),
			"M"+flag01(s.Silent),
			"A"+flag01(s.AutoRetransmit),
			"O",
		)
	}
	for _, line := range lines {
		if err := a.tw.SendLine(line); err != nil {
			return fmt.Errorf("slcan adapter %q: %w", line, err)
		}
	}
	return nil
}

func flag01(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// decodeAdapterLine decodes a line received from an adapter. Many adapters
// report remote frames without data digits; those are accepted with a
// zero payload of the declared length.
func decodeAdapterLine(codec slcan.Codec, line []byte) (slcan.Command, error) {
	cmd, err := codec.Decode(line)
	if err == nil || len(line) == 0 || !errors.Is(err, slcan.ErrTruncatedInput) {
		return cmd, err
	}
	idLen := slcan.StdIDLen
	switch line[0] {
	case 'R':
		idLen = slcan.ExtIDLen
	case 'r':
	default:
		return nil, err
	}
	if len(line) != 1+idLen+1 {
		return nil, err
	}
	dlc, derr := slcan.HexToNibble(line[idLen+1])
	if derr != nil || dlc > can.MaxDLC {
		return nil, err
	}
	padded := append(append([]byte(nil), line...), bytes.Repeat([]byte{'0'}, 2*int(dlc))...)
	return codec.Decode(padded)
}

// initSlcanBackend opens a serial slcan adapter and launches the RX loop.
func initSlcanBackend(ctx context.Context, cfg *appConfig, ch *channel.Channel, l *slog.Logger, wg *sync.WaitGroup) (*backend, error) {
	sp, err := openSerialPort(cfg.backendDev, cfg.backendBaud, cfg.serialReadTO)
	if err != nil {
		metrics.IncError(metrics.ErrSerialOpen)
		return nil, fmt.Errorf("open serial: %w", err)
	}
	l.Info("slcan_adapter_open", "device", cfg.backendDev, "baud", cfg.backendBaud)
	codec := slcan.Codec{BitrateLimit: channel.BitrateInvalid}
	tw := serial.NewTXWriter(ctx, sp, codec, txQueueSize)
	rx := receiver(ch)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("slcan_adapter_rx_end")
		buf := make([]byte, serialReadBufSize)
		var split slcan.LineSplitter
		onLine := func(line []byte) {
			// A BEL answers a refused command and is not followed by CR.
			for len(line) > 0 && line[0] == slcan.Bell {
				l.Debug("slcan_adapter_bell")
				line = line[1:]
			}
			if len(line) == 0 {
				return
			}
			cmd, err := decodeAdapterLine(codec, line)
			if err != nil {
				l.Debug("slcan_adapter_line_ignored", "line", string(line), "error", err)
				return
			}
			if tx, ok := cmd.(slcan.Transmit); ok {
				rx(tx.Frame)
			}
		}
		backoff := rxBackoffMin
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := sp.Read(buf)
			if n > 0 {
				split.Feed(buf[:n], onLine)
				backoff = rxBackoffMin
			}
			if err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					metrics.IncError(metrics.ErrSerialRead)
					ch.SetError(channel.ErrBitRxFail)
					l.Error("slcan_adapter_gone", "error", err)
					return
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue // read timeout
				}
				metrics.IncError(metrics.ErrSerialRead)
				ch.SetError(channel.ErrBitRxFail)
				l.Warn("slcan_adapter_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff = nextBackoff(backoff)
			}
		}
	}()
	return &backend{
		name: "slcan:" + cfg.backendDev,
		sink: &slcanAdapter{tw: tw},
		close: func() {
			tw.Close()
			_, _ = sp.Write([]byte{'C', slcan.Terminator})
			_ = sp.Close()
		},
	}, nil
}
