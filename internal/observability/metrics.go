package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"

	KindTick = "tick"
	KindData = "data"

	FlavorAccept  = "accept"
	FlavorConnect = "connect"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cnode",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cnode",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	distFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cnode",
			Subsystem: "dist",
			Name:      "frames_total",
			Help:      "Distribution frames by direction and kind.",
		},
		[]string{"direction", "kind"},
	)
	distBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cnode",
			Subsystem: "dist",
			Name:      "bytes_total",
			Help:      "Distribution payload bytes by direction.",
		},
		[]string{"direction"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cnode",
			Name:      "handshakes_total",
			Help:      "Handshakes by flavor and outcome.",
		},
		[]string{"flavor", "outcome"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cnode",
			Name:      "handshake_duration_seconds",
			Help:      "Handshake duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"flavor"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cnode",
			Name:      "sessions_active",
			Help:      "Established sessions not yet closed.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, distFrames, distBytes,
			handshakes, handshakeDuration, sessionsActive)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFrame counts one frame; payload excludes the length header.
func RecordFrame(direction, kind string, payload int) {
	RegisterMetrics()
	distFrames.WithLabelValues(direction, kind).Inc()
	if payload > 0 {
		distBytes.WithLabelValues(direction).Add(float64(payload))
	}
}

// RecordHandshake counts a finished handshake. outcome is "ok" or a short
// failure reason.
func RecordHandshake(flavor, outcome string, duration time.Duration) {
	RegisterMetrics()
	handshakes.WithLabelValues(flavor, outcome).Inc()
	handshakeDuration.WithLabelValues(flavor).Observe(duration.Seconds())
}

func SessionOpened() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	sessionsActive.Dec()
}
