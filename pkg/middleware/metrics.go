package middleware

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/duplex-ws/duplex/pkg/router"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "duplex").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for dispatch duration.
	// Default: prometheus.DefBuckets.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = namespace }
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) { c.Subsystem = subsystem }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) { c.Buckets = buckets }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) { c.Registry = registry }
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "duplex",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

type metrics struct {
	framesTotal      *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchErrors   *prometheus.CounterVec
	liveConnections  *prometheus.GaugeVec
	broadcastsTotal  *prometheus.CounterVec
	sendFailures     *prometheus.CounterVec
}

var (
	globalMetrics   *metrics
	globalMetricsMu sync.Mutex
)

func initMetrics(config MetricsConfig) *metrics {
	factory := promauto.With(config.Registry)

	return &metrics{
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_total",
			Help:        "Total number of dispatched frames by endpoint and status",
			ConstLabels: config.ConstLabels,
		}, []string{"endpoint", "method", "status"}),

		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "dispatch_duration_seconds",
			Help:        "Frame dispatch duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"endpoint"}),

		dispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "dispatch_errors_total",
			Help:        "Total number of handler errors",
			ConstLabels: config.ConstLabels,
		}, []string{"endpoint"}),

		liveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "live_connections",
			Help:        "Number of live WebSocket connections per endpoint",
			ConstLabels: config.ConstLabels,
		}, []string{"endpoint"}),

		broadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "broadcasts_total",
			Help:        "Total number of broadcast and topic-event fan-outs",
			ConstLabels: config.ConstLabels,
		}, []string{"endpoint", "kind"}),

		sendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "send_failures_total",
			Help:        "Total number of socket writes that failed and marked a connection dead",
			ConstLabels: config.ConstLabels,
		}, []string{"endpoint"}),
	}
}

// Prometheus creates middleware that collects dispatch metrics.
//
// Metrics collected:
//   - duplex_frames_total: counter of frames by endpoint, method, status
//   - duplex_dispatch_duration_seconds: dispatch duration histogram
//   - duplex_dispatch_errors_total: counter of handler errors
//   - duplex_live_connections: gauge updated via RecordConnOpen/Close
//   - duplex_broadcasts_total: counter updated via RecordBroadcast
//   - duplex_send_failures_total: counter updated via RecordSendFailure
func Prometheus(opts ...MetricsOption) router.Middleware {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	globalMetricsMu.Lock()
	if globalMetrics == nil {
		globalMetrics = initMetrics(config)
	}
	m := globalMetrics
	globalMetricsMu.Unlock()

	return func(ctx router.Ctx, req *router.Request, next router.Next) (any, error) {
		start := time.Now()
		result, err := next()

		m.dispatchDuration.WithLabelValues(ctx.Endpoint()).Observe(time.Since(start).Seconds())

		status := "success"
		if err != nil {
			status = "error"
			m.dispatchErrors.WithLabelValues(ctx.Endpoint()).Inc()
		}
		m.framesTotal.WithLabelValues(ctx.Endpoint(), string(ctx.Method()), status).Inc()

		return result, err
	}
}

// RecordConnOpen records a connection joining an endpoint.
func RecordConnOpen(endpoint string) {
	if globalMetrics != nil {
		globalMetrics.liveConnections.WithLabelValues(endpoint).Inc()
	}
}

// RecordConnClose records a connection leaving an endpoint.
func RecordConnClose(endpoint string) {
	if globalMetrics != nil {
		globalMetrics.liveConnections.WithLabelValues(endpoint).Dec()
	}
}

// RecordBroadcast records one broadcast ("broadcast") or topic-event
// ("event") fan-out.
func RecordBroadcast(endpoint, kind string) {
	if globalMetrics != nil {
		globalMetrics.broadcastsTotal.WithLabelValues(endpoint, kind).Inc()
	}
}

// RecordSendFailure records a socket write failure.
func RecordSendFailure(endpoint string) {
	if globalMetrics != nil {
		globalMetrics.sendFailures.WithLabelValues(endpoint).Inc()
	}
}
