// Package metrics exposes the hub's Prometheus instrumentation on a
// dedicated registry, kept separate from the default one so tests can
// construct throwaway instances without collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the hub reports.
type Metrics struct {
	registry *prometheus.Registry

	JobsEnqueued  prometheus.Counter
	JobsClaimed   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsRequeued  prometheus.Counter

	// QueueDepth is labeled by queue: "priority" or "standard".
	QueueDepth *prometheus.GaugeVec

	// ConnectedSockets is labeled by kind: "client" or "worker".
	ConnectedSockets *prometheus.GaugeVec
}

// New builds the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "gpuhub_jobs_enqueued_total",
			Help: "Jobs accepted into a queue.",
		}),
		JobsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gpuhub_jobs_claimed_total",
			Help: "Successful atomic claims.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gpuhub_jobs_completed_total",
			Help: "Jobs reported completed by workers.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gpuhub_jobs_failed_total",
			Help: "Jobs reported failed by workers.",
		}),
		JobsRequeued: factory.NewCounter(prometheus.CounterOpts{
			Name: "gpuhub_jobs_requeued_total",
			Help: "Jobs returned to a queue by reclamation sweeps.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpuhub_queue_depth",
			Help: "Pending jobs per queue.",
		}, []string{"queue"}),
		ConnectedSockets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpuhub_connected_sockets",
			Help: "Live WebSocket connections per kind.",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
