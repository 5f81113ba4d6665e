package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-slcan-server/internal/hub"
	"github.com/kstaniek/go-slcan-server/internal/logging"
	"github.com/kstaniek/go-slcan-server/internal/metrics"
	"github.com/kstaniek/go-slcan-server/internal/session"
	"github.com/kstaniek/go-slcan-server/internal/slcan"
)

// Server owns the TCP listener and runs one slcan session per connection.
type Server struct {
	mu      sync.RWMutex
	addr    string
	Hub     *hub.Hub
	Handler slcan.Handler // prototype; each session gets a copy with its own Out

	flushInterval     time.Duration
	batchSize         int
	readDeadline      time.Duration
	maxClients        int
	readyOnce         sync.Once
	readyCh           chan struct{}
	lastErrMu         sync.Mutex
	lastErr           error
	errCh             chan error
	listener          net.Listener
	connsMu           sync.Mutex
	conns             map[net.Conn]struct{}
	wg                sync.WaitGroup
	logger            *slog.Logger
	nextConnID        uint64
	totalAccepted     atomic.Uint64
	totalRejected     atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
}

const (
	defaultFlushInterval = 5 * time.Millisecond
	defaultBatchSize     = 64
	defaultReadDeadline  = 60 * time.Second
	defaultClientBuf     = 512
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		flushInterval: defaultFlushInterval,
		batchSize:     defaultBatchSize,
		readDeadline:  defaultReadDeadline,
		readyCh:       make(chan struct{}),
		errCh:         make(chan error, 1),
		conns:         make(map[net.Conn]struct{}),
		logger:        logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption     { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption         { return func(s *Server) { s.Hub = hb } }
func WithHandler(h slcan.Handler) ServerOption { return func(s *Server) { s.Handler = h } }

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve accepts TCP clients and runs a session for each.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(errLabel(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection and starts its session.
// Returns nil on success; a wrapped error on fatal listener errors.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(errLabel(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if s.maxClients > 0 && s.Hub != nil && s.Hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		s.totalRejected.Add(1)
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	var cl *hub.Client
	if s.Hub != nil {
		n := defaultClientBuf
		if s.Hub.OutBufSize > 0 {
			n = s.Hub.OutBufSize
		}
		cl = hub.NewClient(n)
		s.Hub.Add(cl)
	}
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
	s.totalConnected.Add(1)
	connLogger.Info("client_connected")

	sess := session.New(conn, s.Handler, cl,
		session.WithLogger(connLogger),
		session.WithFlushInterval(s.flushInterval),
		session.WithBatchSize(s.batchSize),
		session.WithReadTimeout(s.readDeadline),
		session.WithErrorLabels(metrics.ErrTCPRead, metrics.ErrTCPWrite),
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := sess.Run(ctx); err != nil {
			s.setError(fmt.Errorf("%w: %v", ErrSession, err))
			connLogger.Warn("session_error", "error", err)
		}
		if cl != nil {
			s.Hub.Remove(cl)
		}
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		s.totalDisconnected.Add(1)
		connLogger.Info("client_disconnected")
	}()
	return nil
}

// Shutdown closes the listener and all connections, then waits for
// sessions to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(), "rejected", s.totalRejected.Load(), "connected", s.totalConnected.Load(), "disconnected", s.totalDisconnected.Load())
		return nil
	}
}
