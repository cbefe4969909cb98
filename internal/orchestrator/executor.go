// Package orchestrator executes run configurations: one directory per run,
// snapshot first, status last, per-run failures recorded rather than raised.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"phaselock/domain/core"
	"phaselock/domain/result"
	"phaselock/domain/run"
	"phaselock/internal"
	"phaselock/internal/errors"
	"phaselock/ports"
)

// Options control how runs are executed
type Options struct {
	ToolVersion  string
	RunTimeout   time.Duration
	Resume       bool
	FullSpectrum bool
	ArchiveNull  bool
}

// Outcome is the result of executing, or skipping, one configuration
type Outcome struct {
	RunID    core.RunID
	Config   run.Config
	Status   run.Status
	Skipped  bool
	Rows     []result.RunResult
	Err      error
	Duration time.Duration
}

// Failed reports whether the run ended in the failed state
func (o *Outcome) Failed() bool {
	return o.Status == run.StatusFailed
}

// Executor runs single configurations against an engine and a run store
type Executor struct {
	engine  ports.AnalysisEngine
	store   ports.RunStore
	ledger  ports.LedgerWriterPort
	metrics *Metrics
	logger  *internal.Logger
	opts    Options

	invocations atomic.Int64
}

// NewExecutor creates an executor; metrics may be nil
func NewExecutor(engine ports.AnalysisEngine, store ports.RunStore, opts Options, metrics *Metrics, logger *internal.Logger) *Executor {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = internal.DefaultLogger
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Minute
	}
	return &Executor{
		engine:  engine,
		store:   store,
		metrics: metrics,
		logger:  logger.With("executor"),
		opts:    opts,
	}
}

// SetLedger indexes every attempt in l
func (e *Executor) SetLedger(l ports.LedgerWriterPort) {
	e.ledger = l
}

// Metrics returns the executor's metrics
func (e *Executor) Metrics() *Metrics { return e.metrics }

// Store returns the run store the executor writes to
func (e *Executor) Store() ports.RunStore { return e.store }

// Engine returns the analysis engine
func (e *Executor) Engine() ports.AnalysisEngine { return e.engine }

// Invocations is the number of engine calls made by this executor
func (e *Executor) Invocations() int64 { return e.invocations.Load() }

// Execute runs cfg. Per-run failures are reported in the Outcome; the error
// return is reserved for filesystem failures that make continuing pointless.
func (e *Executor) Execute(ctx context.Context, cfg run.Config) (*Outcome, error) {
	id := cfg.ID()
	outcome := &Outcome{RunID: id, Config: cfg}

	if skipped, ok := e.resume(id, outcome); ok {
		return skipped, nil
	}

	snap := run.NewSnapshot(cfg, e.opts.ToolVersion, e.engine.Name(), e.engine.Version())
	if err := e.store.WriteSnapshot(snap); err != nil {
		return nil, fatal(err, "write snapshot for run %s", id)
	}
	if err := e.store.WriteStatus(id, run.StatusRunning); err != nil {
		return nil, e.abort(ctx, snap, outcome, err, "write status for run %s", id)
	}

	workDir, err := os.MkdirTemp(e.store.RunDir(id), ".work-")
	if err != nil {
		return nil, e.abort(ctx, snap, outcome, err, "create work directory for run %s", id)
	}
	defer os.RemoveAll(workDir)

	runCtx, cancel := context.WithTimeout(ctx, e.opts.RunTimeout)
	defer cancel()

	start := time.Now()
	e.invocations.Add(1)
	e.metrics.engineInvocations.Inc()
	out, err := e.engine.Analyze(runCtx, ports.AnalysisRequest{
		RunID:        id,
		Config:       cfg,
		WorkDir:      workDir,
		FullSpectrum: e.opts.FullSpectrum,
		ArchiveNull:  e.opts.ArchiveNull,
	})
	outcome.Duration = time.Since(start)
	e.metrics.runDuration.Observe(outcome.Duration.Seconds())

	if err == nil {
		err = checkCoverage(cfg.Targets, out)
		if err != nil {
			err = errors.EngineInvocation(e.engine.Name(), err)
		}
	}
	if err != nil {
		return e.fail(ctx, snap, outcome, e.classify(id, err, runCtx))
	}

	rows := toResults(id, cfg, out, outcome.Duration)
	for _, r := range rows {
		if r.Unstable() {
			e.logger.Warn("run %s target %d: %v", id, r.Target,
				errors.NumericalInstability("non-finite statistic flagged numerically_unstable"))
		}
	}

	if err := e.store.WriteArtifact(id, "engine_output."+out.Format, out.Raw); err != nil {
		return nil, e.abort(ctx, snap, outcome, err, "persist engine output for run %s", id)
	}
	names := make([]string, 0, len(out.Artifacts))
	for name := range out.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.store.WriteArtifact(id, name, out.Artifacts[name]); err != nil {
			return nil, e.abort(ctx, snap, outcome, err, "persist %s for run %s", name, id)
		}
	}
	if err := e.store.WriteResult(id, rows); err != nil {
		return nil, e.abort(ctx, snap, outcome, err, "persist results for run %s", id)
	}
	if err := e.store.ClearErrorLog(id); err != nil {
		e.logger.Warn("run %s: could not remove stale error log: %v", id, err)
	}
	if err := e.store.WriteStatus(id, run.StatusDone); err != nil {
		return nil, e.abort(ctx, snap, outcome, err, "mark run %s done", id)
	}

	outcome.Status = run.StatusDone
	outcome.Rows = rows
	e.metrics.runsTotal.WithLabelValues(string(run.StatusDone)).Inc()
	e.record(ctx, snap, outcome)
	e.logger.Debug("run %s done in %s (%d targets)", id, outcome.Duration.Round(time.Millisecond), len(rows))
	return outcome, nil
}

// resume decides whether a persisted run can be skipped
func (e *Executor) resume(id core.RunID, outcome *Outcome) (*Outcome, bool) {
	status, err := e.store.Status(id)
	if err != nil {
		e.logger.Warn("run %s: unreadable status, re-running: %v", id, err)
		return nil, false
	}

	if status == run.StatusFailed && e.store.IsPermanent(id) {
		outcome.Status = run.StatusFailed
		outcome.Skipped = true
		outcome.Err = errors.New("PERMANENT_FAILURE", fmt.Sprintf("run %s is marked permanent", id))
		e.metrics.runsTotal.WithLabelValues("skipped").Inc()
		return outcome, true
	}
	if !e.opts.Resume || status != run.StatusDone {
		return nil, false
	}

	snap, err := e.store.ReadSnapshot(id)
	if err != nil {
		e.logger.Warn("run %s is marked done but its snapshot is unreadable, re-running: %v", id, err)
		return nil, false
	}
	if p := snap.Provenance; p.Engine != e.engine.Name() || p.EngineVersion != e.engine.Version() {
		e.logger.Warn("run %s was produced by engine %s %s, re-running with %s %s",
			id, p.Engine, p.EngineVersion, e.engine.Name(), e.engine.Version())
		return nil, false
	}
	rows, err := e.store.ReadResult(id)
	if err != nil {
		e.logger.Warn("run %s is marked done but its results are unreadable, re-running: %v", id, err)
		return nil, false
	}
	outcome.Status = run.StatusDone
	outcome.Skipped = true
	outcome.Rows = rows
	e.metrics.runsTotal.WithLabelValues("skipped").Inc()
	e.logger.Trace("run %s already done, skipping", id)
	return outcome, true
}

// classify assigns a run failure to the error taxonomy. A deadline on the
// run context wins over whatever the engine reported while being killed.
func (e *Executor) classify(id core.RunID, err error, runCtx context.Context) error {
	switch {
	case stderrors.Is(runCtx.Err(), context.DeadlineExceeded):
		return errors.RunTimeout(string(id), err)
	case errors.HasCode(err, errors.CodeDataUnavailable), errors.HasCode(err, errors.CodeEngineInvocation):
		return err
	default:
		return errors.EngineInvocation(e.engine.Name(), err)
	}
}

func (e *Executor) fail(ctx context.Context, snap *run.Snapshot, outcome *Outcome, runErr error) (*Outcome, error) {
	id := outcome.RunID
	if err := e.store.WriteErrorLog(id, runErr); err != nil {
		return nil, fatal(err, "write error log for run %s", id)
	}
	if err := e.store.WriteStatus(id, run.StatusFailed); err != nil {
		return nil, fatal(err, "mark run %s failed", id)
	}
	outcome.Status = run.StatusFailed
	outcome.Err = runErr
	e.metrics.runsTotal.WithLabelValues(string(run.StatusFailed)).Inc()
	e.record(ctx, snap, outcome)
	e.logger.Error("run %s failed [%s]: %v", id, errors.GetCode(runErr), runErr)
	return outcome, nil
}

// abort records a run whose own files could not be written as failed, so it
// is not left in the running state, and returns the fatal error.
func (e *Executor) abort(ctx context.Context, snap *run.Snapshot, outcome *Outcome, err error, format string, args ...interface{}) error {
	fatalErr := fatal(err, format, args...)
	if _, ferr := e.fail(ctx, snap, outcome, errors.EngineInvocation(e.engine.Name(), fatalErr)); ferr != nil {
		e.logger.Warn("run %s: could not record failure: %v", outcome.RunID, ferr)
	}
	return fatalErr
}

func (e *Executor) record(ctx context.Context, snap *run.Snapshot, o *Outcome) {
	if e.ledger == nil {
		return
	}
	root, err := filepath.Abs(e.store.Root())
	if err != nil {
		root = e.store.Root()
	}
	entry := ports.LedgerEntry{
		OutputRoot: root,
		RunID:      o.RunID,
		AttemptID:  snap.Provenance.AttemptID,
		Status:     o.Status,
		Engine:     snap.Provenance.Engine,
		NullModel:  string(o.Config.Params.NullModel),
		Rows:       len(o.Rows),
		DurationMS: o.Duration.Milliseconds(),
		UpdatedAt:  time.Now().UTC(),
	}
	if o.Err != nil {
		entry.ErrorCode = errors.GetCode(o.Err)
		entry.ErrorMessage = o.Err.Error()
	}
	if err := e.ledger.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn("ledger: %v", err)
	}
}

// checkCoverage requires exactly one row per requested target
func checkCoverage(targets []int, out *ports.EngineOutput) error {
	if out == nil {
		return fmt.Errorf("engine returned no output")
	}
	want := make(map[int]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}
	seen := make(map[int]bool, len(out.Rows))
	for _, r := range out.Rows {
		if !want[r.Target] {
			return fmt.Errorf("engine returned unrequested target %d", r.Target)
		}
		if seen[r.Target] {
			return fmt.Errorf("engine returned target %d twice", r.Target)
		}
		seen[r.Target] = true
	}
	for _, t := range targets {
		if !seen[t] {
			return fmt.Errorf("engine returned no row for target %d", t)
		}
	}
	return nil
}

func toResults(id core.RunID, cfg run.Config, out *ports.EngineOutput, d time.Duration) []result.RunResult {
	order := make(map[int]int, len(cfg.Targets))
	for i, t := range cfg.Targets {
		order[t] = i
	}
	rows := make([]result.RunResult, len(out.Rows))
	for _, r := range out.Rows {
		row := result.RunResult{
			RunID:      id,
			Target:     r.Target,
			EffectSize: r.EffectSize,
			PValue:     r.PValue,
			ZScore:     r.ZScore,
			NullModel:  cfg.Params.NullModel,
			MCSamples:  cfg.Params.MCSamples,
			Duration:   d,
		}
		row.MarkInstability()
		rows[order[r.Target]] = row
	}
	return rows
}

func fatal(err error, format string, args ...interface{}) error {
	if errors.HasCode(err, errors.CodeIOFatal) {
		return errors.Wrapf(err, format, args...)
	}
	return errors.IOFatal(fmt.Sprintf(format, args...), err)
}
