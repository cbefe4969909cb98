package controls

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"phaselock/adapters/filestore"
	"phaselock/domain/core"
	"phaselock/domain/result"
	"phaselock/domain/run"
	"phaselock/internal"
	"phaselock/internal/errors"
	"phaselock/internal/orchestrator"
	"phaselock/ports"
)

// Verdict is the outcome of a calibration check
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// ScenarioSummary aggregates the replicates of one scenario
type ScenarioSummary struct {
	Scenario   string
	Kind       result.ControlKind
	Gating     bool
	Runs       int
	FailedRuns int
	Tests      int // completed (run, target) rows
	Detections int
	Rate       float64 // detection rate over completed tests
	Threshold  float64 // fpr_ceiling or detection_floor
	Verdict    Verdict
}

// Report is the calibration result of one catalog
type Report struct {
	Kind      result.ControlKind
	Alpha     float64
	Outcomes  []result.ControlOutcome
	Scenarios []ScenarioSummary
	Verdict   Verdict
	Runs      *orchestrator.Report
}

// FailedScenarios returns the gating scenarios that failed calibration
func (r *Report) FailedScenarios() []ScenarioSummary {
	var failed []ScenarioSummary
	for _, s := range r.Scenarios {
		if s.Gating && s.Verdict == VerdictFail {
			failed = append(failed, s)
		}
	}
	return failed
}

// Runner executes control catalogs
type Runner struct {
	engine     ports.AnalysisEngine
	outputRoot string
	resultsDir string
	settings   Settings
	opts       orchestrator.Options
	workers    int
	metrics    *orchestrator.Metrics
	logger     *internal.Logger
}

// NewRunner creates a runner writing run directories under
// <outputRoot>/controls/<kind> and tables under resultsDir
func NewRunner(engine ports.AnalysisEngine, outputRoot, resultsDir string, settings Settings,
	opts orchestrator.Options, workers int, metrics *orchestrator.Metrics, logger *internal.Logger) *Runner {
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &Runner{
		engine:     engine,
		outputRoot: outputRoot,
		resultsDir: resultsDir,
		settings:   settings,
		opts:       opts,
		workers:    workers,
		metrics:    metrics,
		logger:     logger.With("controls"),
	}
}

type planned struct {
	scenario  Scenario
	replicate int
	config    run.Config
}

// Run executes every scenario of kind, computes rates and verdicts and
// writes controls_<kind>.csv and controls_<kind>_summary.csv.
func (r *Runner) Run(ctx context.Context, kind result.ControlKind) (*Report, error) {
	catalog, err := Catalog(kind)
	if err != nil {
		return nil, err
	}
	if err := r.settings.Validate(); err != nil {
		return nil, err
	}

	store, err := filestore.NewLocalStore(filepath.Join(r.outputRoot, filestore.ControlsDir, string(kind)))
	if err != nil {
		return nil, err
	}
	exec := orchestrator.NewExecutor(r.engine, store, r.opts, r.metrics, r.logger)

	var plan []planned
	configs := make([]run.Config, 0, len(catalog)*r.settings.Replicates)
	for _, sc := range catalog {
		for i := 0; i < r.settings.Replicates; i++ {
			cfg := sc.Config(r.settings, i)
			plan = append(plan, planned{scenario: sc, replicate: i, config: cfg})
			configs = append(configs, cfg)
		}
	}
	r.logger.Info("running %d %s control scenarios x %d replicates", len(catalog), kind, r.settings.Replicates)

	runs, err := orchestrator.NewPool(exec, r.workers, r.logger).Run(ctx, configs)
	if err != nil {
		return nil, err
	}
	byID := make(map[core.RunID]*orchestrator.Outcome, len(runs.Outcomes))
	for _, o := range runs.Outcomes {
		byID[o.RunID] = o
	}

	report := &Report{Kind: kind, Alpha: r.settings.Alpha, Runs: runs}
	for _, p := range plan {
		report.Outcomes = append(report.Outcomes, r.label(p, byID[p.config.ID()])...)
	}
	report.Scenarios = r.summarize(kind, catalog, report.Outcomes)
	report.Verdict = VerdictPass
	for _, s := range report.Scenarios {
		if s.Gating && s.Verdict == VerdictFail {
			report.Verdict = VerdictFail
		}
	}

	if err := r.writeTables(report); err != nil {
		return nil, err
	}
	for _, s := range report.Scenarios {
		r.logger.Info("%s %s: rate %.3f over %d tests (threshold %.3f) %s",
			kind, s.Scenario, s.Rate, s.Tests, s.Threshold, s.Verdict)
	}
	if report.Verdict == VerdictFail {
		r.logger.Error("%s control calibration FAILED", kind)
	}
	return report, nil
}

func (r *Runner) label(p planned, o *orchestrator.Outcome) []result.ControlOutcome {
	base := result.ControlOutcome{
		Scenario:       p.scenario.Name,
		Kind:           p.scenario.Kind,
		Replicate:      p.replicate,
		ExpectedSignal: p.scenario.ExpectedSignal,
	}
	if o == nil || o.Failed() {
		base.Failed = true
		base.Result = result.RunResult{RunID: p.config.ID(), PValue: math.NaN(), EffectSize: math.NaN(), ZScore: math.NaN()}
		return []result.ControlOutcome{base}
	}
	out := make([]result.ControlOutcome, 0, len(o.Rows))
	for _, row := range o.Rows {
		c := base
		c.Result = row
		c.Detected = row.Finite() && row.PValue <= r.settings.Alpha
		out = append(out, c)
	}
	return out
}

func (r *Runner) summarize(kind result.ControlKind, catalog []Scenario, outcomes []result.ControlOutcome) []ScenarioSummary {
	threshold := r.settings.FPRCeiling
	if kind == result.ControlPositive {
		threshold = r.settings.DetectionFloor
	}

	summaries := make([]ScenarioSummary, len(catalog))
	index := make(map[string]int, len(catalog))
	for i, sc := range catalog {
		summaries[i] = ScenarioSummary{
			Scenario:  sc.Name,
			Kind:      kind,
			Gating:    sc.Gating,
			Runs:      r.settings.Replicates,
			Threshold: threshold,
		}
		index[sc.Name] = i
	}
	for _, o := range outcomes {
		s := &summaries[index[o.Scenario]]
		if o.Failed {
			s.FailedRuns++
			continue
		}
		s.Tests++
		if o.Detected {
			s.Detections++
		}
	}

	for i := range summaries {
		s := &summaries[i]
		if s.Tests == 0 {
			s.Rate = math.NaN()
			s.Verdict = VerdictFail
			continue
		}
		s.Rate = float64(s.Detections) / float64(s.Tests)
		pass := s.Rate <= threshold
		if kind == result.ControlPositive {
			pass = s.Rate >= threshold
		}
		s.Verdict = VerdictFail
		if pass {
			s.Verdict = VerdictPass
		}
	}
	return summaries
}

func (r *Runner) writeTables(report *Report) error {
	if err := os.MkdirAll(r.resultsDir, 0o755); err != nil {
		return errors.IOFatal(fmt.Sprintf("cannot create results directory %s", r.resultsDir), err)
	}
	outcomes, err := encodeOutcomes(report.Outcomes)
	if err != nil {
		return err
	}
	if err := filestore.WriteAtomic(filepath.Join(r.resultsDir, OutcomesFile(report.Kind)), outcomes); err != nil {
		return err
	}
	summary, err := encodeSummaries(report.Scenarios)
	if err != nil {
		return err
	}
	return filestore.WriteAtomic(filepath.Join(r.resultsDir, SummaryFile(report.Kind)), summary)
}
