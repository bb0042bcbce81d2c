package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	namespace = "presence_service"
)

// Metrics holds all application metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// WebSocket metrics
	WSConnectionsTotal  prometheus.Counter
	WSActiveConnections prometheus.Gauge

	// Event bus metrics
	EventsDeliveredTotal *prometheus.CounterVec
	EventsRejectedTotal  *prometheus.CounterVec

	// Registry metrics
	PresenceStoreErrors  *prometheus.CounterVec
	PresenceSweptTotal   prometheus.Counter
	PresenceOnlineListed prometheus.Gauge

	logger *zap.Logger
}

// New creates and registers all metrics with the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, nil)
}

// NewWithLogger creates and registers all metrics with the default registry and a logger
func NewWithLogger(logger *zap.Logger) *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, logger)
}

// NewWithRegistry creates and registers all metrics with a custom registry
func NewWithRegistry(registerer prometheus.Registerer, logger *zap.Logger) *Metrics {
	factory := promauto.With(registerer)

	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "endpoint"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),
		WSConnectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_connections_total",
				Help:      "Total number of accepted WebSocket connections",
			},
		),
		WSActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_active_connections",
				Help:      "Number of active WebSocket connections",
			},
		),
		EventsDeliveredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_delivered_total",
				Help:      "Total number of events queued to connections, by event type",
			},
			[]string{"event_type"},
		),
		EventsRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_rejected_total",
				Help:      "Total number of inbound events rejected, by reason",
			},
			[]string{"reason"},
		),
		PresenceStoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "presence_store_errors_total",
				Help:      "Total number of presence store failures, by operation",
			},
			[]string{"operation"},
		),
		PresenceSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "presence_swept_total",
				Help:      "Total number of presence records removed by sweeps",
			},
		),
		PresenceOnlineListed: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "presence_online_listed",
				Help:      "Number of online users returned by the most recent listing",
			},
		),
		logger: logger,
	}

	return m
}

// RecordHTTPRequest records one completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(seconds)
}

// RecordWebSocketConnection increments WebSocket connection counters
func (m *Metrics) RecordWebSocketConnection() {
	if m == nil {
		return
	}
	m.WSConnectionsTotal.Inc()
	m.WSActiveConnections.Inc()
}

// RecordWebSocketDisconnection decrements active WebSocket connection gauge
func (m *Metrics) RecordWebSocketDisconnection() {
	if m == nil {
		return
	}
	m.WSActiveConnections.Dec()
}

func (m *Metrics) RecordEventDelivered(eventType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsDeliveredTotal.WithLabelValues(eventType).Add(float64(n))
}

func (m *Metrics) RecordEventRejected(reason string) {
	if m == nil {
		return
	}
	m.EventsRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordStoreError counts a presence store failure and logs it at debug level;
// callers already log the failure with request context.
func (m *Metrics) RecordStoreError(operation string) {
	if m == nil {
		return
	}
	m.PresenceStoreErrors.WithLabelValues(operation).Inc()
	m.logger.Debug("presence store error recorded", zap.String("operation", operation))
}

func (m *Metrics) RecordSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.PresenceSweptTotal.Add(float64(n))
}

func (m *Metrics) SetOnlineListed(n int) {
	if m == nil {
		return
	}
	m.PresenceOnlineListed.Set(float64(n))
}
