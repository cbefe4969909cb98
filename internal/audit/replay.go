package audit

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/montanaflynn/stats"

	"phaselock/adapters/filestore"
	"phaselock/domain/core"
	"phaselock/domain/result"
	"phaselock/domain/run"
	"phaselock/internal"
	"phaselock/internal/errors"
	"phaselock/internal/orchestrator"
	"phaselock/ports"
)

// ReplayRequest derives challenge runs from grid runs
type ReplayRequest struct {
	Name      string
	RunIDs    []core.RunID
	Transform run.Transform        // applied to the run's data when set
	PureNoise bool                 // replace the data with matched Gaussian noise
	Targets   map[core.RunID][]int // per-run target override
}

// Replayer re-analyses grid runs under a modification
type Replayer interface {
	Replay(ctx context.Context, req ReplayRequest) ([]result.RunResult, error)
}

// EngineReplayer executes replays through the orchestrator, keeping run
// directories under <outputRoot>/controls/replay-<name>.
type EngineReplayer struct {
	engine     ports.AnalysisEngine
	source     ports.MapSource
	outputRoot string
	grid       map[core.RunID]run.Config
	opts       orchestrator.Options
	workers    int
	logger     *internal.Logger
}

// NewEngineReplayer indexes grid by run id
func NewEngineReplayer(engine ports.AnalysisEngine, source ports.MapSource, outputRoot string,
	grid []run.Config, opts orchestrator.Options, workers int, logger *internal.Logger) *EngineReplayer {
	if logger == nil {
		logger = internal.DefaultLogger
	}
	index := make(map[core.RunID]run.Config, len(grid))
	for _, cfg := range grid {
		index[cfg.ID()] = cfg
	}
	return &EngineReplayer{
		engine:     engine,
		source:     source,
		outputRoot: outputRoot,
		grid:       index,
		opts:       opts,
		workers:    workers,
		logger:     logger.With("audit/replay"),
	}
}

// Replay runs the derived configurations and returns their rows. Any
// failed run fails the whole replay.
func (r *EngineReplayer) Replay(ctx context.Context, req ReplayRequest) ([]result.RunResult, error) {
	configs := make([]run.Config, 0, len(req.RunIDs))
	for _, id := range req.RunIDs {
		cfg, ok := r.grid[id]
		if !ok {
			return nil, errors.WithCode(errors.CodeNotFound, fmt.Errorf("%w: %s is not part of the configured grid", core.ErrRunNotFound, id))
		}
		derived, err := r.derive(ctx, cfg, req)
		if err != nil {
			return nil, err
		}
		configs = append(configs, derived)
	}

	store, err := filestore.NewLocalStore(filepath.Join(r.outputRoot, filestore.ControlsDir, "replay-"+req.Name))
	if err != nil {
		return nil, err
	}
	opts := r.opts
	opts.Resume = true
	exec := orchestrator.NewExecutor(r.engine, store, opts, nil, r.logger)

	r.logger.Info("replaying %d runs (%s)", len(configs), req.Name)
	report, err := orchestrator.NewPool(exec, r.workers, r.logger).Run(ctx, configs)
	if err != nil {
		return nil, err
	}
	if failed := report.FailedRuns(); len(failed) > 0 {
		return nil, fmt.Errorf("%d of %d %s replays failed, first: %v", len(failed), len(configs), req.Name, failed[0].Err)
	}

	var rows []result.RunResult
	for _, o := range report.Outcomes {
		rows = append(rows, o.Rows...)
	}
	return rows, nil
}

func (r *EngineReplayer) derive(ctx context.Context, cfg run.Config, req ReplayRequest) (run.Config, error) {
	out := cfg
	if targets, ok := req.Targets[cfg.ID()]; ok {
		out = out.WithTargets(cfg.Params.TargetSet+"+"+req.Name, targets)
	}
	switch {
	case req.PureNoise:
		m, err := r.source.Load(ctx, cfg.DataSource, cfg.Seed)
		if err != nil {
			return run.Config{}, err
		}
		sigma, err := stats.StandardDeviationSample(m.Data)
		if err != nil || sigma <= 0 {
			return run.Config{}, errors.InvalidInput(fmt.Sprintf("run %s: data has no variance to match", cfg.ID()))
		}
		out = out.WithDataSource(run.DataSource{
			Mode: run.DataSynthetic,
			Synthetic: &run.SyntheticSpec{
				Rings:          m.Rings,
				SamplesPerRing: m.Samples,
				NoiseSigma:     sigma,
			},
			Transform: run.TransformNone,
		})
	case req.Transform != "" && req.Transform != run.TransformNone:
		ds := cfg.DataSource.Clone()
		ds.Transform = req.Transform
		out = out.WithDataSource(ds)
	}
	return out, nil
}
