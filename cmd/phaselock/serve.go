package main

import (
	"context"

	"github.com/spf13/cobra"

	"phaselock/adapters/ledger"
	"phaselock/internal"
	"phaselock/internal/errors"
	"phaselock/internal/server"
	"phaselock/ports"
)

type serveOptions struct {
	resultsDir string
	inputDir   string
	addr       string
	ledgerDSN  string
}

func newServeCmd(logger *internal.Logger) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Browse runs, summaries and audit reports over HTTP",
		Long: `Serve a read-only JSON and HTML view of the output root and results
directory, with Prometheus metrics on /metrics.

Example: phaselock serve --results-dir results --input-dir outputs --addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, logger)
		},
	}

	cmd.Flags().StringVar(&opts.resultsDir, "results-dir", "results", "Results directory")
	cmd.Flags().StringVar(&opts.inputDir, "input-dir", "outputs", "Output root holding the run directories")
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&opts.ledgerDSN, "ledger", "", "Run ledger DSN (sqlite3://path or postgres://...)")
	return cmd
}

func runServe(ctx context.Context, opts serveOptions, logger *internal.Logger) error {
	var reader ports.LedgerReaderPort
	if opts.ledgerDSN != "" {
		l, err := ledger.Open(ctx, opts.ledgerDSN)
		if err != nil {
			return errors.WithCode(errors.CodeConfigInvalid, err)
		}
		defer l.Close()
		reader = l
	}

	srv := server.New(server.Config{
		Addr:       opts.addr,
		OutputRoot: opts.inputDir,
		ResultsDir: opts.resultsDir,
	}, reader, logger)
	return srv.Run(ctx)
}
