package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "busctl",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Reliable calls by topic and outcome.",
		},
		[]string{"topic", "outcome"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "busctl",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Reliable call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"topic", "outcome"},
	)
	callAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "busctl",
			Subsystem: "rpc",
			Name:      "attempts_total",
			Help:      "Send attempts, including retries.",
		},
		[]string{"topic"},
	)
	staleMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "busctl",
			Subsystem: "rpc",
			Name:      "stale_messages_total",
			Help:      "Correlated messages discarded after terminal resolution.",
		},
		[]string{"kind"},
	)
	openSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "busctl",
			Subsystem: "session",
			Name:      "open",
			Help:      "Currently open sessions.",
		},
	)
	proxyForwards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "busctl",
			Subsystem: "proxy",
			Name:      "forwards_total",
			Help:      "Messages relayed by direction.",
		},
		[]string{"direction"},
	)
	proxyDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "busctl",
			Subsystem: "proxy",
			Name:      "drops_total",
			Help:      "Messages dropped by reason.",
		},
		[]string{"reason"},
	)
	adminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "busctl",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Admin API requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	adminDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "busctl",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			callsTotal, callDuration, callAttempts, staleMessages,
			openSessions, proxyForwards, proxyDrops,
			adminRequests, adminDuration,
		)
	})
}

func RecordCall(topic, outcome string, duration time.Duration) {
	RegisterMetrics()
	callsTotal.WithLabelValues(topic, outcome).Inc()
	callDuration.WithLabelValues(topic, outcome).Observe(duration.Seconds())
}

func RecordAttempt(topic string) {
	RegisterMetrics()
	callAttempts.WithLabelValues(topic).Inc()
}

func RecordStaleMessage(kind string) {
	RegisterMetrics()
	staleMessages.WithLabelValues(kind).Inc()
}

func RecordSessionOpened() {
	RegisterMetrics()
	openSessions.Inc()
}

func RecordSessionClosed() {
	RegisterMetrics()
	openSessions.Dec()
}

func RecordProxyForward(direction string) {
	RegisterMetrics()
	proxyForwards.WithLabelValues(direction).Inc()
}

func RecordProxyDrop(reason string) {
	RegisterMetrics()
	proxyDrops.WithLabelValues(reason).Inc()
}

func RecordAdminRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	adminRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	adminDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
