// Package metrics holds the daemon's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the hub daemon.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	AuthFailures    prometheus.Counter
	OpenConnections prometheus.Gauge
	EventsEmitted   *prometheus.CounterVec
	TasksByStatus   *prometheus.GaugeVec
	SpawnsDenied    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_requests_total",
				Help: "Total requests handled, by type and outcome",
			},
			[]string{"type", "outcome"}, // outcome: ok, error
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hub_request_duration_seconds",
				Help:    "Request handling duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),

		AuthFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "hub_auth_failures_total",
				Help: "Total failed authentication attempts",
			},
		),

		OpenConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_open_connections",
				Help: "Currently open client connections",
			},
		),

		EventsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_events_emitted_total",
				Help: "Delegation events emitted on the bus",
			},
			[]string{"type"},
		),

		TasksByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hub_tasks",
				Help: "Tasks in the store by lifecycle status",
			},
			[]string{"status"},
		),

		SpawnsDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_spawns_denied_total",
				Help: "Auto-launch decisions denied, by reason",
			},
			[]string{"reason"},
		),
	}
}

// RecordRequest records one handled request.
func (m *Metrics) RecordRequest(reqType string, ok bool, seconds float64) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.RequestsTotal.WithLabelValues(reqType, outcome).Inc()
	m.RequestDuration.WithLabelValues(reqType).Observe(seconds)
}
