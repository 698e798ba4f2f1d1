// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// reloadCmd represents the reload command
var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the otus daemon configuration",
	Long: `Reload the running daemon's static configuration file.

Signals the daemon (SIGHUP) to re-read its config.yml. Log level and format
apply immediately; changes to listen addresses or the command channel
socket require a full restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(cmd.Context(), cli, cmd.OutOrStdout())
	},
}

func runReload(ctx context.Context, client ClientInterface, out io.Writer) error {
	if err := client.Reload(ctx); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}
