// Package metrics exposes Prometheus instrumentation for the A2A server:
// request counts by method and JSON-RPC error code, request latency, and
// gauges for in-flight tasks and active SSE subscriptions. It mirrors the
// teacher codebase's pkg/observability/metrics.go, simplified to the
// client_golang registry directly (see DESIGN.md for why the full OTel
// pipeline was not carried over).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether metrics collection is enabled and under what
// namespace its series are registered.
type Config struct {
	// Enabled turns on metrics collection. Default: false.
	Enabled bool
	// Namespace prefixes every metric name. Default: "agentvault".
	Namespace string
}

// SetDefaults fills in the zero-value Namespace.
func (c *Config) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "agentvault"
	}
}

// Metrics holds the server's Prometheus collectors. A nil *Metrics is
// valid: every method is a no-op, so instrumentation call sites never
// need a nil check of their own.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tasksActive     prometheus.Gauge
	subscriptions   prometheus.Gauge
}

// New builds a Metrics instance from cfg, or returns nil if metrics are
// disabled.
func New(cfg Config) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	cfg.SetDefaults()

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Total number of JSON-RPC requests dispatched, by method and error code (0 for success).",
		},
		[]string{"method", "code"},
	)
	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "JSON-RPC request handling duration in seconds, by method.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"method"},
	)
	m.tasksActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "tasks",
		Name:      "active",
		Help:      "Number of tasks not yet in a terminal state.",
	})
	m.subscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: "server",
		Name:      "sse_subscriptions_active",
		Help:      "Number of currently open tasks/sendSubscribe streams.",
	})

	m.registry.MustRegister(m.requestsTotal, m.requestDuration, m.tasksActive, m.subscriptions)
	return m
}

// RecordRequest records one dispatched JSON-RPC request: its method,
// resulting error code (0 on success), and handling duration.
func (m *Metrics) RecordRequest(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetActiveTasks sets the current count of non-terminal tasks.
func (m *Metrics) SetActiveTasks(n int) {
	if m == nil {
		return
	}
	m.tasksActive.Set(float64(n))
}

// IncSubscriptions increments the open-SSE-stream gauge. Call
// DecSubscriptions when the stream ends.
func (m *Metrics) IncSubscriptions() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

// DecSubscriptions decrements the open-SSE-stream gauge.
func (m *Metrics) DecSubscriptions() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}

// Handler returns the HTTP handler to mount at /metrics. A nil Metrics
// returns a handler that reports 503, so callers can mount it
// unconditionally.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
