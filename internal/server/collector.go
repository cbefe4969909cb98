package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"phaselock/adapters/filestore"
	"phaselock/domain/run"
)

// diskCollector reports run directory states at scrape time
type diskCollector struct {
	store *filestore.LocalStore
	runs  *prometheus.Desc
}

func newDiskCollector(store *filestore.LocalStore) *diskCollector {
	return &diskCollector{
		store: store,
		runs: prometheus.NewDesc("phaselock_run_directories",
			"Run directories under the output root by persisted status.",
			[]string{"status"}, nil),
	}
}

func (c *diskCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.runs }

func (c *diskCollector) Collect(ch chan<- prometheus.Metric) {
	counts := map[run.Status]int{
		run.StatusPending: 0,
		run.StatusRunning: 0,
		run.StatusDone:    0,
		run.StatusFailed:  0,
	}
	ids, _ := c.store.List()
	for _, id := range ids {
		if status, err := c.store.Status(id); err == nil {
			counts[status]++
		}
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.runs, prometheus.GaugeValue, float64(n), string(status))
	}
}
