// Package session runs the slcan protocol over one host byte stream: a TCP
// connection or a serial port. Lines read from the stream are handed to an
// slcan.Handler; frames queued on the hub client are encoded back.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-slcan-server/internal/can"
	"github.com/kstaniek/go-slcan-server/internal/hub"
	"github.com/kstaniek/go-slcan-server/internal/logging"
	"github.com/kstaniek/go-slcan-server/internal/metrics"
	"github.com/kstaniek/go-slcan-server/internal/slcan"
	"github.com/kstaniek/go-slcan-server/internal/transport"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrRead  = errors.New("session read")
	ErrWrite = errors.New("session write")
)

const (
	defaultFlushInterval = 5 * time.Millisecond
	defaultBatchSize     = 64
	readBufSize          = 512
)

// Session is one host connection. Create with New and call Run once.
type Session struct {
	rw      io.ReadWriteCloser
	out     *lockedWriter
	handler slcan.Handler
	lh      transport.LineHandler
	enc     transport.FrameBatchEncoder
	client  *hub.Client
	logger  *slog.Logger

	flushInterval time.Duration
	batchSize     int
	readTimeout   time.Duration
	readLabel     string
	writeLabel    string

	lines    atomic.Uint64
	rejected atomic.Uint64
	frames   atomic.Uint64
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithReadTimeout sets a per-read deadline on streams that support one.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithEncoder replaces the handler's codec for frames written to the host.
func WithEncoder(enc transport.FrameBatchEncoder) Option {
	return func(s *Session) {
		if enc != nil {
			s.enc = enc
		}
	}
}

// WithErrorLabels selects the errors_total labels used for stream failures.
func WithErrorLabels(read, write string) Option {
	return func(s *Session) { s.readLabel, s.writeLabel = read, write }
}

// New wraps rw. h is copied and its Out replaced by the session writer, so
// one prototype Handler can serve many sessions. cl may be nil when the
// session only sends commands.
func New(rw io.ReadWriteCloser, h slcan.Handler, cl *hub.Client, opts ...Option) *Session {
	s := &Session{
		rw:            rw,
		out:           &lockedWriter{w: rw},
		handler:       h,
		enc:           h.Codec,
		client:        cl,
		logger:        logging.L(),
		flushInterval: defaultFlushInterval,
		batchSize:     defaultBatchSize,
		readLabel:     metrics.ErrTCPRead,
		writeLabel:    metrics.ErrTCPWrite,
	}
	for _, o := range opts {
		o(s)
	}
	s.handler.Out = s.out
	s.lh = &s.handler
	return s
}

// Stats reports lines handled, lines rejected and frames written so far.
func (s *Session) Stats() (lines, rejected, frames uint64) {
	return s.lines.Load(), s.rejected.Load(), s.frames.Load()
}

// Run serves the stream until it closes, the hub client is kicked, or ctx
// is done. The stream is closed on return. A clean end returns nil.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { defer cancel(); return s.readLoop(gctx) })
	g.Go(func() error { defer cancel(); return s.writeLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		_ = s.rw.Close()
		return nil
	})
	err := g.Wait()
	lines, rejected, frames := s.Stats()
	s.logger.Info("session_closed", "lines", lines, "rejected", rejected, "frames_out", frames)
	return err
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

func (s *Session) readLoop(ctx context.Context) error {
	var (
		split slcan.LineSplitter
		buf   [readBufSize]byte
	)
	dl, hasDeadline := s.rw.(readDeadliner)
	for {
		if hasDeadline && s.readTimeout > 0 {
			_ = dl.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		n, err := s.rw.Read(buf[:])
		if n > 0 {
			if dropped := split.Feed(buf[:n], s.handleLine); dropped > 0 {
				for i := 0; i < dropped; i++ {
					s.reject("line_too_long")
				}
				s.logger.Debug("line_dropped", "reason", "line_too_long", "count", dropped)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if isClosed(err) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			metrics.IncError(s.readLabel)
			return fmt.Errorf("%w: %v", ErrRead, err)
		}
	}
}

func (s *Session) handleLine(line []byte) {
	s.lines.Add(1)
	metrics.IncLine()
	if err := s.lh.HandleLine(line); err != nil {
		reason := slcan.Reason(err)
		s.reject(reason)
		s.logger.Debug("line_rejected", "line", string(line), "reason", reason, "error", err)
	}
}

func (s *Session) reject(reason string) {
	s.rejected.Add(1)
	metrics.IncRejected(reason)
}

// writeLoop batches hub frames and flushes them on size or on a tick.
func (s *Session) writeLoop(ctx context.Context) error {
	if s.client == nil {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(s.flushInterval)
	defer t.Stop()
	batch := make([]can.Frame, 0, s.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n := len(batch)
		_, err := s.enc.EncodeTo(s.out, batch)
		batch = batch[:0]
		if err != nil {
			if isClosed(err) || ctx.Err() != nil {
				return nil
			}
			metrics.IncError(s.writeLabel)
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
		s.frames.Add(uint64(n))
		metrics.AddHostTx(n)
		return nil
	}
	for {
		select {
		case fr := <-s.client.Out:
			batch = append(batch, fr)
			if len(batch) >= s.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-t.C:
			if err := flush(); err != nil {
				return err
			}
		case <-s.client.Closed:
			_ = flush()
			s.logger.Info("session_kicked")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// lockedWriter serializes replies from the reader and frame batches from
// the writer so messages never interleave.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
