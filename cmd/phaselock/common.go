package main

import (
	"context"
	"fmt"
	"os"

	"phaselock/adapters/engine"
	"phaselock/adapters/ledger"
	"phaselock/internal"
	"phaselock/internal/config"
	"phaselock/internal/errors"
	"phaselock/internal/orchestrator"
	"phaselock/ports"
)

const metricsFile = "metrics.prom"

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, errors.ConfigInvalid("--config is required")
	}
	return config.Load(path)
}

func newEngine(cfg *config.Config, source ports.MapSource, logger *internal.Logger) (ports.AnalysisEngine, error) {
	eng, err := engine.New(engine.Options{
		Kind: cfg.Engine.Kind,
		Command: engine.CommandOptions{
			Path:    cfg.Engine.Command,
			Args:    cfg.Engine.Args,
			Output:  cfg.Engine.Output,
			Version: cfg.Engine.Version,
		},
	}, source, logger)
	if err != nil {
		return nil, errors.WithCode(errors.CodeConfigInvalid, err)
	}
	return eng, nil
}

func executorOptions(cfg *config.Config) orchestrator.Options {
	return orchestrator.Options{
		ToolVersion:  cfg.Global.ToolVersion,
		RunTimeout:   cfg.Global.RunTimeout.Std(),
		Resume:       cfg.Global.Resume,
		FullSpectrum: cfg.Output.FullSpectrum,
		ArchiveNull:  cfg.Output.ArchiveNull,
	}
}

// attachLedger indexes executor attempts in the ledger at dsn. An unreachable
// ledger is logged and skipped; the run directories stay authoritative.
func attachLedger(ctx context.Context, exec *orchestrator.Executor, dsn string, logger *internal.Logger) func() {
	if dsn == "" {
		return func() {}
	}
	l, err := ledger.Open(ctx, dsn)
	if err != nil {
		logger.Warn("run ledger unavailable, continuing without it: %v", err)
		return func() {}
	}
	exec.SetLedger(l)
	return func() {
		if err := l.Close(); err != nil {
			logger.Warn("failed to close run ledger: %v", err)
		}
	}
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.IOFatal(fmt.Sprintf("cannot create directory %s", dir), err)
	}
	return nil
}
