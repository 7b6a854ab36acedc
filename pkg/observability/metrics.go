/*
Package observability exposes engine lifecycle hooks as Prometheus metrics:
node execution counts and latency, steps per graph, and run outcomes.
*/
package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aretw0/canopy/pkg/domain"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	steps          *prometheus.CounterVec
	runs           *prometheus.CounterVec
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		nodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "node_executions_total",
			Help:      "Node invocations by node id and outcome.",
		}, []string{"graph", "node", "outcome"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canopy",
			Name:      "node_duration_seconds",
			Help:      "Node invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"graph", "node"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "steps_total",
			Help:      "Engine steps (checkpoints written) per graph.",
		}, []string{"graph"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "runs_total",
			Help:      "Run stopping points by status and reason.",
		}, []string{"graph", "status", "reason"}),
	}
}

// Hooks adapts the collectors into engine lifecycle hooks.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnNodeEnd: func(_ context.Context, ev *domain.NodeEvent) {
			m.nodeExecutions.WithLabelValues(ev.GraphID, ev.NodeID, string(ev.Outcome)).Inc()
			m.nodeDuration.WithLabelValues(ev.GraphID, ev.NodeID).Observe(ev.Duration.Seconds())
		},
		OnStep: func(_ context.Context, ev *domain.StepEvent) {
			m.steps.WithLabelValues(ev.GraphID).Inc()
		},
		OnRunEnd: func(_ context.Context, ev *domain.RunEvent) {
			m.runs.WithLabelValues(ev.GraphID, string(ev.Status), string(ev.Reason)).Inc()
		},
	}
}
