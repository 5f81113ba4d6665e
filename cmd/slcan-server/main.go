package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-slcan-server/internal/channel"
	"github.com/kstaniek/go-slcan-server/internal/hub"
	"github.com/kstaniek/go-slcan-server/internal/metrics"
	"github.com/kstaniek/go-slcan-server/internal/mirror"
	"github.com/kstaniek/go-slcan-server/internal/serial"
	"github.com/kstaniek/go-slcan-server/internal/server"
	"github.com/kstaniek/go-slcan-server/internal/slcan"
)

const shutdownTimeout = 3 * time.Second

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("slcan-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	if err := run(cfg, l); err != nil {
		l.Error("exit", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appConfig, l *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer stop()

	h := initHub(cfg, l)
	ch := channel.New(
		channel.WithDeliver(h.Broadcast),
		channel.WithOnChange(func(s channel.Settings) {
			l.Debug("channel_settings", "open", s.Open, "bitrate", s.Bitrate, "silent", s.Silent, "autoretransmit", s.AutoRetransmit)
		}),
	)
	h.OnDrop = func() { ch.SetError(channel.ErrBitHostTxBusy) }

	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	be, err := initBackend(ctx, cfg, ch, l, &wg)
	if err != nil {
		return err
	}
	defer be.close()

	handler := newHandler(ch)
	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithHandler(handler),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithReadDeadline(cfg.clientReadTO),
	)

	// Ready when the listener is bound and we are not shutting down.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return advertise(gctx, cfg, srv, l) })
	if cfg.serialDev != "" {
		ep := &serial.Endpoint{
			Device:      cfg.serialDev,
			Baud:        cfg.baud,
			ReadTimeout: cfg.serialReadTO,
			Handler:     handler,
			Hub:         h,
			Logger:      l,
		}
		g.Go(func() error { return ep.Run(gctx) })
	}
	if cfg.mqttBroker != "" {
		m, err := newMirror(cfg, h, handler)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			defer m.Broker.Close()
			return runMirror(gctx, m, l)
		})
	}

	err = g.Wait()
	stop()
	l.Info("shutdown")
	sdCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(sdCtx); serr != nil {
		l.Warn("shutdown_error", "error", serr)
	}
	logSnapshot(l, metrics.Snap())
	return err
}

// newHandler builds the prototype slcan handler shared by every session.
func newHandler(ch *channel.Channel) slcan.Handler {
	return slcan.Handler{
		Codec:   slcan.Codec{BitrateLimit: channel.BitrateInvalid},
		Dev:     ch,
		Version: slcan.FirmwareID(version, remote),
	}
}

// advertise starts mDNS once the listener is bound and keeps it up until ctx ends.
func advertise(ctx context.Context, cfg *appConfig, srv *server.Server, l *slog.Logger) error {
	if !cfg.mdnsEnable {
		return nil
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return nil
	}
	port := listenPort(srv.Addr())
	cleanup, err := startMDNS(ctx, cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return nil
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
	<-ctx.Done()
	cleanup()
	return nil
}

// mirrorDial is a hook for tests.
var mirrorDial = func(url, clientID string) (mirror.Broker, error) { return mirror.DialMQTT(url, clientID) }

func newMirror(cfg *appConfig, h *hub.Hub, handler slcan.Handler) (*mirror.Mirror, error) {
	id := cfg.mqttClientID
	if id == "" {
		id = mdnsInstance(&appConfig{})
	}
	b, err := mirrorDial(cfg.mqttBroker, id)
	if err != nil {
		return nil, err
	}
	m := &mirror.Mirror{Broker: b, Topic: cfg.mqttTopic, Codec: handler.Codec, Hub: h}
	if cfg.mqttCommands {
		m.Handler = &handler
	}
	return m, nil
}

// runMirror restarts the mirror after the hub kicks it.
func runMirror(ctx context.Context, m *mirror.Mirror, l *slog.Logger) error {
	for {
		err := m.Run(ctx)
		if !errors.Is(err, mirror.ErrKicked) || ctx.Err() != nil {
			return err
		}
		l.Warn("mirror_restart")
	}
}
