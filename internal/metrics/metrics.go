// Package metrics holds the orchestrator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task outcome label values.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// Metrics counts task traffic through the queue.
type Metrics struct {
	Submissions prometheus.Counter
	Completions *prometheus.CounterVec
	QueueDepth  prometheus.Gauge
}

// New registers the collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Submissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "gorkon_task_submissions_total",
			Help: "Tasks accepted by the queue.",
		}),
		Completions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gorkon_task_completions_total",
			Help: "Tasks terminated, by outcome.",
		}, []string{"outcome"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gorkon_queue_depth",
			Help: "Tasks registered and not yet terminated.",
		}),
	}
}
