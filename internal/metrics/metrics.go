// Package metrics exposes the prometheus collectors the coordinator updates
// as it drives node-actions through their state machine. spec.md's Non-goals exclude clustering and multi-action
// scheduling, not observability, so this ambient surface is carried
// regardless (system prompt "Non-goals bind features" rule).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors this module registers. Callers construct
// one instance and register it with a prometheus.Registerer at startup;
// tests construct one against a private registry to avoid collisions.
type Metrics struct {
	NodeTasksInFlight      prometheus.Gauge
	NodeTaskTransitions    *prometheus.CounterVec
	NodeActionDuration     prometheus.Histogram
	FlushBarrierTimeouts   prometheus.Counter
	CancellationsRequested prometheus.Counter
	ReadinessTimeouts      prometheus.Counter
}

// New constructs a Metrics bundle. Pass a dedicated prometheus.Registerer
// (e.g. prometheus.NewRegistry()) in tests to avoid the default global
// registry's duplicate-registration panics across test runs.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NodeTasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sitekeeper",
			Subsystem: "coordinator",
			Name:      "node_tasks_in_flight",
			Help:      "Number of NodeTasks currently in a non-terminal sub-status.",
		}),
		NodeTaskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitekeeper",
			Subsystem: "coordinator",
			Name:      "node_task_transitions_total",
			Help:      "Count of NodeTask sub-status transitions, labeled by the resulting status.",
		}, []string{"status"}),
		NodeActionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sitekeeper",
			Subsystem: "coordinator",
			Name:      "node_action_duration_seconds",
			Help:      "Wall-clock duration of a NodeAction from submission to resolution.",
			Buckets:   prometheus.DefBuckets,
		}),
		FlushBarrierTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sitekeeper",
			Subsystem: "logrouter",
			Name:      "flush_barrier_timeouts_total",
			Help:      "Count of flush barriers that completed via timeout rather than full confirmation.",
		}),
		CancellationsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sitekeeper",
			Subsystem: "coordinator",
			Name:      "cancellations_requested_total",
			Help:      "Count of NodeActions that received a cancellation signal.",
		}),
		ReadinessTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sitekeeper",
			Subsystem: "coordinator",
			Name:      "readiness_timeouts_total",
			Help:      "Count of NodeTasks that transitioned to ReadinessCheckTimedOut.",
		}),
	}

	reg.MustRegister(
		m.NodeTasksInFlight,
		m.NodeTaskTransitions,
		m.NodeActionDuration,
		m.FlushBarrierTimeouts,
		m.CancellationsRequested,
		m.ReadinessTimeouts,
	)

	return m
}
