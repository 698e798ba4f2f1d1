// Package cmd implements CLI commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/otus/internal/daemon"
)

// daemonCmd groups daemon-process-lifecycle subcommands, distinct from the
// client-facing start/stop/reload commands above it.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the otus daemon process directly",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the otus daemon in the foreground",
	Long: `Run the otus daemon process in the foreground: load config, wire the
pipeline/dispatcher/engines, start the control channel and metrics server,
and block handling signals until told to stop.

This is what "otus start" re-execs into, and what EnsureDaemonRunning
launches detached; running it directly is mainly useful under systemd or
for local debugging.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(configFile, socketPath, "")
		if err != nil {
			return fmt.Errorf("failed to initialize daemon: %w", err)
		}
		if err := d.Start(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
		return d.Run()
	},
}

func init() {
	daemonCmd.AddCommand(daemonRunCmd)
}
