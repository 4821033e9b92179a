package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the connection server.
type Metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionDuration  prometheus.Histogram
	acceptErrors        prometheus.Counter
	handlerErrors       *prometheus.CounterVec
	restoreViolations   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates the server metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpsconn_connections_accepted_total",
			Help: "Total number of accepted connections",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpsconn_connections_active",
			Help: "Number of connections currently being served",
		}),
		connectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "httpsconn_connection_duration_seconds",
			Help:    "Connection lifetime in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800},
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpsconn_accept_errors_total",
			Help: "Total number of failed accepts",
		}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpsconn_handler_errors_total",
			Help: "Total number of connections whose handler failed",
		}, []string{"kind"}),
		restoreViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpsconn_transport_restore_violations_total",
			Help: "Connections whose handler returned without restoring the transport",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.connectionsAccepted,
		m.connectionsActive,
		m.connectionDuration,
		m.acceptErrors,
		m.handlerErrors,
		m.restoreViolations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry holding the server metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) recordAccepted() {
	m.connectionsAccepted.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) recordClosed(duration time.Duration) {
	m.connectionsActive.Dec()
	m.connectionDuration.Observe(duration.Seconds())
}

func (m *Metrics) recordAcceptError() {
	m.acceptErrors.Inc()
}

func (m *Metrics) recordHandlerError(kind string) {
	m.handlerErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordRestoreViolation() {
	m.restoreViolations.Inc()
}
