package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"phaselock/adapters/filestore"
	"phaselock/domain/core"
	"phaselock/domain/run"
	"phaselock/internal"
	"phaselock/internal/errors"
)

// Report summarizes one sweep
type Report struct {
	Outcomes []*Outcome // input order
	Executed int
	Skipped  int
	Failed   int
	Duration time.Duration
}

// FailedRuns returns the outcomes that ended failed
func (r *Report) FailedRuns() []*Outcome {
	var failed []*Outcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err returns errors.ErrRunsFailed when any run failed
func (r *Report) Err() error {
	if r.Failed > 0 {
		return errors.ErrRunsFailed
	}
	return nil
}

// Pool fans configurations out to a bounded number of workers
type Pool struct {
	exec    *Executor
	workers int
	logger  *internal.Logger
}

// NewPool creates a pool with the given concurrency; workers < 1 means 1
func NewPool(exec *Executor, workers int, logger *internal.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &Pool{exec: exec, workers: workers, logger: logger.With("pool")}
}

// Run executes configs and writes failures.yaml to the store root. It
// returns an error only for fatal filesystem failures; failed runs are
// reported in the Report.
func (p *Pool) Run(ctx context.Context, configs []run.Config) (*Report, error) {
	start := time.Now()
	configs = dedupe(configs, p.logger)

	outcomes := make([]*Outcome, len(configs))
	var completed atomic.Int64
	total := len(configs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, cfg := range configs {
		i, cfg := i, cfg
		g.Go(func() error {
			o, err := p.exec.Execute(gctx, cfg)
			if err != nil {
				return err
			}
			outcomes[i] = o
			n := completed.Add(1)
			p.logger.Info("[%d/%d] run %s %s%s", n, total, o.RunID, o.Status, skippedSuffix(o))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{Outcomes: outcomes, Duration: time.Since(start)}
	manifest := &filestore.FailureManifest{GeneratedAt: core.Now()}
	for _, o := range outcomes {
		switch {
		case o.Skipped:
			report.Skipped++
		default:
			report.Executed++
		}
		if o.Failed() {
			report.Failed++
			manifest.Failures = append(manifest.Failures, filestore.FailureRecord{
				RunID:     o.RunID,
				Code:      errors.GetCode(o.Err),
				Message:   errMessage(o.Err),
				Permanent: p.exec.Store().IsPermanent(o.RunID),
			})
		}
	}
	manifest.Total = len(manifest.Failures)
	if err := filestore.WriteFailureManifest(p.exec.Store().Root(), manifest); err != nil {
		return nil, err
	}

	p.logger.Info("sweep finished in %s: %d executed, %d skipped, %d failed",
		report.Duration.Round(time.Millisecond), report.Executed, report.Skipped, report.Failed)
	return report, nil
}

// SelectFailed keeps the configurations listed in the failure manifest
func SelectFailed(configs []run.Config, m *filestore.FailureManifest) []run.Config {
	ids := m.RunIDs()
	var out []run.Config
	for _, cfg := range configs {
		if ids[cfg.ID()] {
			out = append(out, cfg)
		}
	}
	return out
}

// dedupe drops configurations whose run id was already seen so that no two
// workers ever write the same run directory.
func dedupe(configs []run.Config, logger *internal.Logger) []run.Config {
	seen := make(map[core.RunID]bool, len(configs))
	out := make([]run.Config, 0, len(configs))
	for _, cfg := range configs {
		id := cfg.ID()
		if seen[id] {
			logger.Warn("duplicate configuration for run %s ignored", id)
			continue
		}
		seen[id] = true
		out = append(out, cfg)
	}
	return out
}

func skippedSuffix(o *Outcome) string {
	if o.Skipped {
		return " (skipped)"
	}
	return ""
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
