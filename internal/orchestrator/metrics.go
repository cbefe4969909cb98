package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the harness counters for one process. Each executor gets its own
// registry so several sweeps in one process do not share counts.
type Metrics struct {
	Registry *prometheus.Registry

	runsTotal         *prometheus.CounterVec
	engineInvocations prometheus.Counter
	runDuration       prometheus.Histogram
}

// NewMetrics creates a registry with the harness metrics registered
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "phaselock_runs_total",
			Help: "Runs by final status (done, failed, skipped)",
		}, []string{"status"}),
		engineInvocations: factory.NewCounter(prometheus.CounterOpts{
			Name: "phaselock_engine_invocations_total",
			Help: "Analysis engine invocations",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "phaselock_run_duration_seconds",
			Help:    "Wall-clock duration of executed runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5.5min
		}),
	}
}

// WriteTextfile writes the registry in the node-exporter textfile format
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
