package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/hfnode/arqtnc/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters/gauges. Frame counters are labelled by the §6
// frame-type name (e.g. "data", "burst_ack", "session_open") rather than
// the numeric type code, to keep label cardinality bounded and readable.
var (
	FramesTx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arq_frames_tx_total",
		Help: "Total frames handed to the transmit queue gateway, by frame type.",
	}, []string{"type"})
	FramesRx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arq_frames_rx_total",
		Help: "Total frames routed by the dispatcher, by frame type.",
	}, []string{"type"})
	BurstRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arq_burst_retries_total",
		Help: "Total burst retransmissions triggered by the watchdog.",
	})
	SpeedChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arq_speed_changes_total",
		Help: "Total adaptive speed level changes (up or down).",
	})
	SpeedLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arq_speed_level",
		Help: "Current adaptive speed level index into the active bandwidth profile.",
	})
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arq_session_state",
		Help: "Current session state: 0=disconnected, 1=connecting, 2=connected.",
	})
	HeardStations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arq_heard_stations",
		Help: "Number of distinct stations in the heard-stations log.",
	})
	EventQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arq_event_queue_depth",
		Help: "Current depth of the outbound typed-event queue for the slowest subscriber.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arq_malformed_frames_total",
		Help: "Total inbound frames the dispatcher rejected for being empty (no type byte).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Session state values for SetSessionState / SessionState gauge.
const (
	SessionDisconnected = 0
	SessionConnecting   = 1
	SessionConnected    = 2
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrDispatchDecode  = "dispatch_decode"
	ErrFrameEncode     = "frame_encode"
	ErrGatewayEnqueue  = "gateway_enqueue"
	ErrSerialRead      = "serial_read"
	ErrSerialWrite     = "serial_write"
	ErrPTT             = "ptt"
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

// Local mirrored counters, read back by metrics_logger for deployments
// without a Prometheus scraper.
var (
	localBurstRetries   uint64
	localSpeedChanges   uint64
	localErrors         uint64
	localMalformed      uint64
	localSpeedLevel     int64
	localSessionState   int64
	localHeardStations  int64
	localEventQueueDepth int64
)

// Snapshot is a cheap copy of the local counters/gauges.
type Snapshot struct {
	BurstRetries    uint64
	SpeedChanges    uint64
	Errors          uint64
	Malformed       uint64
	SpeedLevel      int64
	SessionState    int64
	HeardStations   int64
	EventQueueDepth int64
}

func Snap() Snapshot {
	return Snapshot{
		BurstRetries:    atomic.LoadUint64(&localBurstRetries),
		SpeedChanges:    atomic.LoadUint64(&localSpeedChanges),
		Errors:          atomic.LoadUint64(&localErrors),
		Malformed:       atomic.LoadUint64(&localMalformed),
		SpeedLevel:      atomic.LoadInt64(&localSpeedLevel),
		SessionState:    atomic.LoadInt64(&localSessionState),
		HeardStations:   atomic.LoadInt64(&localHeardStations),
		EventQueueDepth: atomic.LoadInt64(&localEventQueueDepth),
	}
}

// IncFrameTx records one transmitted frame of the given §6 type name.
func IncFrameTx(typ string) { FramesTx.WithLabelValues(typ).Inc() }

// IncFrameRx records one frame routed by the dispatcher.
func IncFrameRx(typ string) { FramesRx.WithLabelValues(typ).Inc() }

func IncBurstRetry() {
	BurstRetries.Inc()
	atomic.AddUint64(&localBurstRetries, 1)
}

func IncSpeedChange() {
	SpeedChanges.Inc()
	atomic.AddUint64(&localSpeedChanges, 1)
}

// SetSpeedLevelGauge records the current adaptive speed level.
func SetSpeedLevelGauge(level int) {
	SpeedLevel.Set(float64(level))
	atomic.StoreInt64(&localSpeedLevel, int64(level))
}

// SetSessionStateGauge records the current session state (one of the
// Session* constants).
func SetSessionStateGauge(state int) {
	SessionState.Set(float64(state))
	atomic.StoreInt64(&localSessionState, int64(state))
}

// SetHeardStationsGauge records the current size of the heard-stations
// log.
func SetHeardStationsGauge(n int) {
	HeardStations.Set(float64(n))
	atomic.StoreInt64(&localHeardStations, int64(n))
}

// SetEventQueueDepthGauge records the outbound event queue's depth.
func SetEventQueueDepthGauge(n int) {
	EventQueueDepth.Set(float64(n))
	atomic.StoreInt64(&localEventQueueDepth, int64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at
// startup) and pre-registers the known error label series.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrDispatchDecode, ErrFrameEncode, ErrGatewayEnqueue,
		ErrSerialRead, ErrSerialWrite, ErrPTT,
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
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
