package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the coordinator subsystem.
// Each instance carries its own registry so tests can construct them
// freely without duplicate-registration panics.
type Metrics struct {
	TasksRouted         *prometheus.CounterVec
	FallbackActivations prometheus.Counter
	FallbackActive      prometheus.Gauge
	ProbeFailures       prometheus.Counter
	MigrationOutcomes   *prometheus.CounterVec
	MigrationRuns       *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		TasksRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskbridge_tasks_routed_total",
				Help: "Tasks routed per backend by the fallback coordinator",
			},
			[]string{"backend"},
		),
		FallbackActivations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskbridge_fallback_activations_total",
				Help: "Number of times fallback mode was activated",
			},
		),
		FallbackActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskbridge_fallback_active",
				Help: "1 while fallback mode is active, 0 otherwise",
			},
		),
		ProbeFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "taskbridge_probe_failures_total",
				Help: "Failed reachability probes against the queue backend",
			},
		),
		MigrationOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskbridge_migration_outcomes_total",
				Help: "Per-task migration outcomes by direction",
			},
			[]string{"direction", "outcome"},
		),
		MigrationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskbridge_migration_runs_total",
				Help: "Completed migration runs by direction and status",
			},
			[]string{"direction", "status"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.TasksRouted,
		m.FallbackActivations,
		m.FallbackActive,
		m.ProbeFailures,
		m.MigrationOutcomes,
		m.MigrationRuns,
	)

	return m
}

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
