package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"phaselock/internal"
	"phaselock/internal/aggregate"
	"phaselock/internal/errors"
)

type aggregateOptions struct {
	inputDir string
	output   string
	fdrLevel float64
	xlsx     string
}

func newAggregateCmd(logger *internal.Logger) *cobra.Command {
	var opts aggregateOptions

	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Collect completed runs into an FDR-corrected summary",
		Long: `Scan the output root for completed runs, apply Benjamini-Hochberg
correction across every (run, target) test and write the summary table and
per-parameter group statistics. Runs without a configuration snapshot are
reported as orphans and excluded.

Example: phaselock aggregate --input-dir outputs --output results/summary.csv --fdr-level 0.05`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAggregate(opts, logger)
		},
	}

	cmd.Flags().StringVar(&opts.inputDir, "input-dir", "outputs", "Output root holding the run directories")
	cmd.Flags().StringVar(&opts.output, "output", filepath.Join("results", aggregate.SummaryFile), "Summary CSV path")
	cmd.Flags().Float64Var(&opts.fdrLevel, "fdr-level", aggregate.DefaultFDRLevel, "Benjamini-Hochberg FDR level")
	cmd.Flags().StringVar(&opts.xlsx, "xlsx", "", "Also write the summary as an XLSX workbook")
	return cmd
}

func runAggregate(opts aggregateOptions, logger *internal.Logger) error {
	if opts.fdrLevel <= 0 || opts.fdrLevel >= 1 {
		return errors.InvalidInput("--fdr-level must be in (0, 1)")
	}

	scan, err := aggregate.Scan(opts.inputDir)
	if err != nil {
		return err
	}
	for _, o := range scan.Orphans {
		logger.Warn("orphan %s excluded: %s", o.Dir, o.Reason)
	}
	for status, n := range scan.Incomplete {
		logger.Info("%d runs with status %s not aggregated", n, status)
	}
	if len(scan.Entries) == 0 {
		logger.Warn("no completed runs under %s", opts.inputDir)
	}

	summary := aggregate.Build(scan.Entries, opts.fdrLevel)
	dir := filepath.Dir(opts.output)
	if err := ensureDir(dir); err != nil {
		return err
	}
	if err := summary.WriteFile(opts.output); err != nil {
		return err
	}
	if err := summary.WriteGroupsFile(filepath.Join(dir, aggregate.GroupsFile)); err != nil {
		return err
	}
	if opts.xlsx != "" {
		if err := ensureDir(filepath.Dir(opts.xlsx)); err != nil {
			return err
		}
		if err := summary.WriteXLSX(opts.xlsx); err != nil {
			return err
		}
	}

	significant := 0
	for _, r := range summary.Rows {
		if r.Significant {
			significant++
		}
	}
	logger.Info("aggregated %d runs, %d tests, %d significant at FDR %g into %s",
		scan.Runs, len(summary.Rows), significant, opts.fdrLevel, opts.output)
	return nil
}
