package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"phaselock/adapters/datasource"
	"phaselock/domain/result"
	"phaselock/internal"
	"phaselock/internal/controls"
	"phaselock/internal/errors"
	"phaselock/internal/orchestrator"
)

func newRunControlsCmd(logger *internal.Logger) *cobra.Command {
	var configPath, kind string
	var maxWorkers int

	cmd := &cobra.Command{
		Use:   "run-controls",
		Short: "Calibrate the pipeline on synthetic controls",
		Long: `Run the negative (no signal) or positive (injected signal) control catalog
through the same executor as the grid and compare the observed false-positive
or detection rate with the pre-declared thresholds.

A FAIL verdict is reported prominently and recorded in the control tables;
the audit report renders it first.

Example: phaselock run-controls --config grid.yaml --type negative`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControls(cmd.Context(), cmd.OutOrStdout(), configPath, kind, maxWorkers, logger)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to the grid configuration (required)")
	cmd.Flags().StringVar(&kind, "type", "", "Control catalog: negative|positive (required)")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Worker pool size (default global.workers)")
	return cmd
}

func runControls(ctx context.Context, out io.Writer, configPath, kindName string, maxWorkers int, logger *internal.Logger) error {
	kind, err := result.ParseControlKind(kindName)
	if err != nil {
		return errors.InvalidInput(err.Error())
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if maxWorkers > 0 {
		cfg.Global.Workers = maxWorkers
	}
	grid, err := cfg.Expand()
	if err != nil {
		return err
	}
	settings, err := controls.FromConfig(cfg, grid)
	if err != nil {
		return errors.WithCode(errors.CodeConfigInvalid, err)
	}

	source := datasource.New(logger)
	eng, err := newEngine(cfg, source, logger)
	if err != nil {
		return err
	}
	metrics := orchestrator.NewMetrics()
	runner := controls.NewRunner(eng, cfg.Global.OutputRoot, cfg.Global.ResultsDir, settings,
		executorOptions(cfg), cfg.Global.Workers, metrics, logger)

	report, err := runner.Run(ctx, kind)
	if err != nil {
		return err
	}
	if err := metrics.WriteTextfile(filepath.Join(cfg.Global.ResultsDir, "metrics_controls_"+string(kind)+".prom")); err != nil {
		return errors.IOFatal("cannot write metrics", err)
	}
	if err := printScenarios(out, report); err != nil {
		return err
	}

	if report.Verdict == controls.VerdictFail {
		for _, s := range report.FailedScenarios() {
			logger.Error("CONTROL FAILURE: %s %s rate %.3f vs threshold %.3f", kind, s.Scenario, s.Rate, s.Threshold)
		}
	}
	return report.Runs.Err()
}

func printScenarios(out io.Writer, report *controls.Report) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "scenario\tgating\ttests\tdetections\trate\tthreshold\tverdict")
	for _, s := range report.Scenarios {
		fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%.3f\t%.3f\t%s\n",
			s.Scenario, s.Gating, s.Tests, s.Detections, s.Rate, s.Threshold, s.Verdict)
	}
	fmt.Fprintf(w, "\n%s controls: %s\n", report.Kind, report.Verdict)
	return w.Flush()
}
