// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the otus daemon",
	Long: `Stop the otus daemon gracefully.

Sends a daemon.shutdown command over the control socket. The daemon drains
the pipeline, flushes the overflow exporter, stops the collectors and
aggregation job, and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), cli, cmd.OutOrStdout())
	},
}

func runStop(ctx context.Context, client ClientInterface, out io.Writer) error {
	if err := client.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	fmt.Fprintln(out, "✓ Service stopped successfully")
	return nil
}
