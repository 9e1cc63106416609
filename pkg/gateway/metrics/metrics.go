// Package metrics holds the Prometheus metrics for the tutoring gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics uses a private registry so the gateway only exposes its own
// series.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	MessagesTotal   *prometheus.CounterVec
	BackendDuration *prometheus.HistogramVec

	VoiceBytesTotal prometheus.Counter

	ErrorsTotal *prometheus.CounterVec

	LiveConnectionsActive prometheus.Gauge
}

// New creates and registers all gateway metrics.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tutor"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of resident tutoring sessions, ended-but-retained included",
	})

	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total number of finished tutoring sessions",
	}, []string{"end_reason"})

	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Tutoring session duration in seconds",
		Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
	})

	messagesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Total accepted turns",
	}, []string{"kind", "outcome"})

	backendDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backend_duration_seconds",
		Help:      "Language and speech backend call duration in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	}, []string{"backend", "status"})

	voiceBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "voice_bytes_total",
		Help:      "Total accepted voice payload bytes",
	})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Total errors by taxonomy type",
	}, []string{"error_type"})

	liveConnectionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_connections_active",
		Help:      "Number of open live WebSocket connections",
	})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		messagesTotal,
		backendDuration,
		voiceBytesTotal,
		errorsTotal,
		liveConnectionsActive,
	)

	return &Metrics{
		registry:              registry,
		SessionsActive:        sessionsActive,
		SessionsTotal:         sessionsTotal,
		SessionDuration:       sessionDuration,
		MessagesTotal:         messagesTotal,
		BackendDuration:       backendDuration,
		VoiceBytesTotal:       voiceBytesTotal,
		ErrorsTotal:           errorsTotal,
		LiveConnectionsActive: liveConnectionsActive,
	}
}

// Handler serves the /metrics endpoint for this registry only.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordMessage(kind, outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordBackendCall(backend, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendDuration.WithLabelValues(backend, status).Observe(duration.Seconds())
}

func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
