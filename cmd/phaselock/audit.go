package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"phaselock/adapters/datasource"
	"phaselock/internal"
	"phaselock/internal/aggregate"
	"phaselock/internal/audit"
	"phaselock/internal/config"
	"phaselock/internal/errors"
)

// defaultThresholds apply when audit runs without a configuration
var defaultThresholds = config.SuccessThresholds{
	PValue:               0.05,
	QValue:               0.05,
	FDRLevel:             aggregate.DefaultFDRLevel,
	MinEffectSize:        0,
	MaxTargetDiscrepancy: 1,
}

type auditOptions struct {
	resultsDir string
	output     string
	configPath string
	html       bool
}

func newAuditCmd(logger *internal.Logger) *cobra.Command {
	var opts auditOptions

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check every nominal detection against alternative explanations",
		Long: `Read the aggregated summary and the control tables and write a report that
tests each nominally significant result against non-physical explanations.

With --config the pre-registered thresholds are taken from the configuration
and the replay checks (scrambled data, pure noise, sidebands) re-run the
engine; without it those checks are INCONCLUSIVE.

Example: phaselock audit --results-dir results --output results/audit_report.md --config grid.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd.Context(), opts, logger)
		},
	}

	cmd.Flags().StringVar(&opts.resultsDir, "results-dir", "results", "Directory holding summary.csv and the control tables")
	cmd.Flags().StringVar(&opts.output, "output", "", "Markdown report path (default <results-dir>/audit_report.md)")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "Grid configuration; enables thresholds and replays")
	cmd.Flags().BoolVar(&opts.html, "html", false, "Also write an HTML copy of the report")
	return cmd
}

func runAudit(ctx context.Context, opts auditOptions, logger *internal.Logger) error {
	if opts.output == "" {
		opts.output = filepath.Join(opts.resultsDir, audit.MarkdownFile)
	}

	th := defaultThresholds
	withHTML := opts.html
	var replayer audit.Replayer
	if opts.configPath != "" {
		cfg, err := loadConfig(opts.configPath)
		if err != nil {
			return err
		}
		th = cfg.SuccessThresholds
		withHTML = withHTML || cfg.Output.HTML

		grid, err := cfg.Expand()
		if err != nil {
			return err
		}
		source := datasource.New(logger)
		eng, err := newEngine(cfg, source, logger)
		if err != nil {
			return err
		}
		replayer = audit.NewEngineReplayer(eng, source, cfg.Global.OutputRoot, grid,
			executorOptions(cfg), cfg.Global.Workers, logger)
	} else {
		logger.Warn("no --config given: using default thresholds and skipping replays")
	}

	summary, err := readSummary(filepath.Join(opts.resultsDir, aggregate.SummaryFile), th.FDRLevel)
	if err != nil {
		return err
	}
	ctl, err := audit.LoadControls(opts.resultsDir)
	if err != nil {
		return errors.InvalidInput(fmt.Sprintf("cannot read control tables: %v", err))
	}

	report := audit.Build(ctx, summary, ctl, th, replayer)
	for _, f := range report.ControlFailures {
		logger.Error("CONTROL FAILURE: %s", f)
	}
	for _, c := range report.Checks {
		logger.Info("%-32s %-12s %s", c.Name, c.Status, c.Observed)
	}

	if err := ensureDir(filepath.Dir(opts.output)); err != nil {
		return err
	}
	paths, err := report.WriteFiles(opts.output, withHTML)
	if err != nil {
		return err
	}
	for _, p := range paths {
		logger.Info("wrote %s", p)
	}
	return nil
}

func readSummary(path string, alpha float64) (*aggregate.Summary, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.InvalidInput(fmt.Sprintf("%s not found; run aggregate first", path))
	}
	if err != nil {
		return nil, errors.IOFatal(fmt.Sprintf("cannot read %s", path), err)
	}
	defer f.Close()

	summary, err := aggregate.ReadSummary(f, alpha)
	if err != nil {
		return nil, errors.InvalidInput(fmt.Sprintf("%s: %v", path, err))
	}
	return summary, nil
}
