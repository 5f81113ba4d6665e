package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-slcan-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames read from the backend.",
	})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames written to the backend.",
	})
	SlcanLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slcan_lines_total",
		Help: "Total command lines received from hosts.",
	})
	SlcanRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slcan_rejected_lines_total",
		Help: "Command lines answered with BEL, by reason.",
	}, []string{"reason"})
	HostTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slcan_host_tx_frames_total",
		Help: "Total frames encoded and written to hosts.",
	})
	ChannelOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "channel_open",
		Help: "1 while the CAN channel is open.",
	})
	MirrorPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_published_total",
		Help: "Total frames published to the MQTT mirror.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow sessions.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total sessions disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active sessions.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of sessions targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among sessions in the last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPAccept      = "tcp_accept"
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrSerialOpen     = "serial_open"
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrBackendTx      = "backend_tx"
	ErrMirrorPublish  = "mirror_publish"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCANRx      atomic.Uint64
	localCANTx      atomic.Uint64
	localLines      atomic.Uint64
	localRejected   atomic.Uint64
	localHostTx     atomic.Uint64
	localMirror     atomic.Uint64
	localHubDrop    atomic.Uint64
	localHubKick    atomic.Uint64
	localHubReject  atomic.Uint64
	localErrors     atomic.Uint64
	localHubClients atomic.Uint64
	localFanout     atomic.Uint64
	localQDMax      atomic.Uint64
	localOpen       atomic.Bool
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CANRx         uint64
	CANTx         uint64
	Lines         uint64
	Rejected      uint64
	HostTx        uint64
	Mirrored      uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	Errors        uint64 // sum across error labels
	HubClients    uint64
	Fanout        uint64
	QueueDepthMax uint64
	ChannelOpen   bool
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:         localCANRx.Load(),
		CANTx:         localCANTx.Load(),
		Lines:         localLines.Load(),
		Rejected:      localRejected.Load(),
		HostTx:        localHostTx.Load(),
		Mirrored:      localMirror.Load(),
		HubDrops:      localHubDrop.Load(),
		HubKicks:      localHubKick.Load(),
		HubRejects:    localHubReject.Load(),
		Errors:        localErrors.Load(),
		HubClients:    localHubClients.Load(),
		Fanout:        localFanout.Load(),
		QueueDepthMax: localQDMax.Load(),
		ChannelOpen:   localOpen.Load(),
	}
}

func IncCANRx() {
	CANRxFrames.Inc()
	localCANRx.Add(1)
}

func IncCANTx() {
	CANTxFrames.Inc()
	localCANTx.Add(1)
}

func IncLine() {
	SlcanLines.Inc()
	localLines.Add(1)
}

// IncRejected counts a line answered with BEL.
func IncRejected(reason string) {
	SlcanRejected.WithLabelValues(reason).Inc()
	localRejected.Add(1)
}

func AddHostTx(n int) {
	HostTxFrames.Add(float64(n))
	localHostTx.Add(uint64(n))
}

func IncMirrored() {
	MirrorPublished.Inc()
	localMirror.Add(1)
}

func SetChannelOpen(open bool) {
	if open {
		ChannelOpen.Set(1)
	} else {
		ChannelOpen.Set(0)
	}
	localOpen.Store(open)
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	localHubDrop.Add(1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	localHubKick.Add(1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	localHubReject.Add(1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	localHubClients.Store(uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	localFanout.Store(uint64(n))
}

func SetQueueDepthMax(n int) {
	HubQueueDepthMax.Set(float64(n))
	localQDMax.Store(uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPAccept, ErrTCPRead, ErrTCPWrite,
		ErrSerialOpen, ErrSerialRead, ErrSerialWrite, ErrSerialOverflow,
		ErrSocketCANRead, ErrSocketCANWrite, ErrSocketCANOver,
		ErrBackendTx, ErrMirrorPublish,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet: report ready so probes don't flap during startup
		return true
	}
	return fn()
}
