package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"phaselock/adapters/datasource"
	"phaselock/adapters/filestore"
	"phaselock/domain/core"
	"phaselock/domain/run"
	"phaselock/internal"
	"phaselock/internal/errors"
	"phaselock/internal/orchestrator"
)

type gridOptions struct {
	configPath string
	dryRun     bool
	resume     bool
	maxWorkers int
	onlyFailed bool
}

func newRunGridCmd(logger *internal.Logger) *cobra.Command {
	var opts gridOptions

	cmd := &cobra.Command{
		Use:   "run-grid",
		Short: "Expand the parameter grid and execute every run",
		Long: `Expand the configured parameter grid and execute one analysis run per
grid point on a bounded worker pool. Each run writes its own directory under
global.output_root; failures are recorded and never abort the sweep.

Example: phaselock run-grid --config grid.yaml --resume --max-workers 8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrid(cmd.Context(), cmd.OutOrStdout(), opts, logger)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to the grid configuration (required)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Print the expanded grid without executing")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "Skip runs whose status is done")
	cmd.Flags().IntVar(&opts.maxWorkers, "max-workers", 0, "Worker pool size (default global.workers)")
	cmd.Flags().BoolVar(&opts.onlyFailed, "only-failed", false, "Retry only the runs listed in failures.yaml")
	return cmd
}

func runGrid(ctx context.Context, out io.Writer, opts gridOptions, logger *internal.Logger) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.maxWorkers < 0 {
		return errors.InvalidInput("--max-workers must not be negative")
	}
	if opts.maxWorkers > 0 {
		cfg.Global.Workers = opts.maxWorkers
	}
	cfg.Global.Resume = cfg.Global.Resume || opts.resume

	configs, err := cfg.Expand()
	if err != nil {
		return err
	}
	logger.Info("grid %s expands to %d runs", cfg.Path, len(configs))

	if opts.dryRun {
		return printGrid(out, configs)
	}
	if cfg.Output.Plots {
		logger.Warn("output.plots is set but plot generation is not supported")
	}

	store, err := filestore.NewLocalStore(cfg.Global.OutputRoot)
	if err != nil {
		return err
	}
	if opts.onlyFailed {
		manifest, err := filestore.ReadFailureManifest(store.Root())
		if err != nil {
			return errors.IOFatal("cannot read failure manifest", err)
		}
		configs = orchestrator.SelectFailed(configs, manifest)
		logger.Info("retrying %d of %d failed runs", len(configs), len(manifest.Failures))
		if len(configs) == 0 {
			return nil
		}
	}

	source := datasource.New(logger)
	eng, err := newEngine(cfg, source, logger)
	if err != nil {
		return err
	}
	exec := orchestrator.NewExecutor(eng, store, executorOptions(cfg), nil, logger)
	closeLedger := attachLedger(ctx, exec, cfg.Output.Ledger, logger)
	defer closeLedger()

	report, err := orchestrator.NewPool(exec, cfg.Global.Workers, logger).Run(ctx, configs)
	if err != nil {
		return err
	}

	if err := ensureDir(cfg.Global.ResultsDir); err != nil {
		return err
	}
	if err := exec.Metrics().WriteTextfile(filepath.Join(cfg.Global.ResultsDir, metricsFile)); err != nil {
		return errors.IOFatal("cannot write metrics", err)
	}

	for _, o := range report.FailedRuns() {
		logger.Warn("run %s failed [%s]: %v", o.RunID, errors.GetCode(o.Err), o.Err)
	}
	if report.Failed > 0 {
		logger.Error("%d of %d runs failed; see %s and retry with --only-failed",
			report.Failed, len(report.Outcomes), filepath.Join(store.Root(), filestore.FailureManifestFile))
	}
	return report.Err()
}

// printGrid writes one line per expanded configuration
func printGrid(out io.Writer, configs []run.Config) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header := append([]string{"#", "run_id"}, run.ParamNames...)
	header = append(header, "targets", "data")
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for i, cfg := range configs {
		fields := []string{fmt.Sprint(i + 1), string(cfg.ID())}
		for _, name := range run.ParamNames {
			fields = append(fields, cfg.ParamValue(name))
		}
		targets := make([]string, len(cfg.Targets))
		for j, t := range cfg.Targets {
			targets[j] = fmt.Sprint(t)
		}
		fields = append(fields, strings.Join(targets, ","), cfg.DataSource.Describe())
		fmt.Fprintln(w, strings.Join(fields, "\t"))
	}
	return w.Flush()
}

func newMarkPermanentCmd(logger *internal.Logger) *cobra.Command {
	var inputDir string
	var runs []string

	cmd := &cobra.Command{
		Use:   "mark-permanent",
		Short: "Exclude failed runs from future retries",
		Long: `Mark runs as permanently failed. Permanent runs are skipped by run-grid,
including --only-failed retries, and flagged in failures.yaml.

Example: phaselock mark-permanent --input-dir outputs --run 0123456789abcdef`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMarkPermanent(inputDir, runs, logger)
		},
	}

	cmd.Flags().StringVar(&inputDir, "input-dir", "outputs", "Output root holding the run directories")
	cmd.Flags().StringSliceVar(&runs, "run", nil, "Run id to mark (repeatable)")
	return cmd
}

func runMarkPermanent(inputDir string, runs []string, logger *internal.Logger) error {
	if len(runs) == 0 {
		return errors.InvalidInput("at least one --run is required")
	}
	store := filestore.Open(inputDir)

	marked := make(map[core.RunID]bool, len(runs))
	for _, raw := range runs {
		id, err := core.ParseRunID(raw)
		if err != nil {
			return errors.InvalidInput(err.Error())
		}
		if err := store.MarkPermanent(id); err != nil {
			if errors.Is(err, core.ErrRunNotFound) {
				return errors.InvalidInput(err.Error())
			}
			return err
		}
		marked[id] = true
		logger.Info("run %s marked permanent", id)
	}

	manifest, err := filestore.ReadFailureManifest(store.Root())
	if err != nil {
		return errors.IOFatal("cannot read failure manifest", err)
	}
	changed := false
	for i := range manifest.Failures {
		if marked[manifest.Failures[i].RunID] && !manifest.Failures[i].Permanent {
			manifest.Failures[i].Permanent = true
			changed = true
		}
	}
	if changed {
		return filestore.WriteFailureManifest(store.Root(), manifest)
	}
	return nil
}
