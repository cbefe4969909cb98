// Command phaselock runs parameter sweeps of the phase-lock analysis, its
// calibration controls, the FDR-corrected aggregation and the audit report.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"phaselock/internal"
	"phaselock/internal/config"
	"phaselock/internal/errors"
)

func main() {
	config.LoadEnv()
	logger := internal.NewDefaultLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(logger).ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(errors.ExitCode(err))
}

func newRootCmd(logger *internal.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "phaselock",
		Short: "Statistical verification harness for phase-lock claims",
		Long: `phaselock sweeps the phase-lock analysis over a declared parameter grid,
calibrates it against negative and positive controls, corrects the results
for multiple testing and audits every nominal detection.

Exit codes: 0 success, 1 configuration error, 2 one or more runs failed,
3 fatal I/O error.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.InvalidInput(err.Error())
	})

	rootCmd.AddCommand(
		newRunGridCmd(logger),
		newRunControlsCmd(logger),
		newAggregateCmd(logger),
		newAuditCmd(logger),
		newMarkPermanentCmd(logger),
		newServeCmd(logger),
	)
	return rootCmd
}
