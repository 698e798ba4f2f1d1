// Package cmd implements the otus CLI: a thin control-plane client that
// auto-launches the daemon on first use and talks to it over the Unix
// Domain Socket command channel.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/otus/internal/daemon"
	"firestige.xyz/otus/internal/logging"
)

var (
	// Global flags
	configFile string
	socketPath string

	// cli is the control-plane client shared by every subcommand's RunE. It
	// is populated by ensureDaemonAndConnect and may be overridden in tests
	// via SetClient.
	cli ClientInterface
)

var rootCmd = &cobra.Command{
	Use:   "otus",
	Short: "otus - industrial telemetry ingestion and evaluation daemon",
	Long: `otus ingests time-series telemetry from field devices, runs it through a
bounded processing pipeline, fans it out to alarm and collection-rule
engines, and persists raw points, alarms, and aggregates.

This binary is both the daemon (run in foreground via "otus daemon run",
or auto-launched by any client command) and the CLI used to control it:
manage devices and tags, author alarm and collection rules, inspect open
alarms, and check daemon health — all over a local Unix Domain Socket.`,
	Version:           "0.1.0",
	PersistentPreRunE: ensureDaemonAndConnect,
	PersistentPostRun: closeClient,
}

func init() {
	logging.InitCLI(&logging.LoggerConfig{
		Level:   "info",
		Pattern: "%time [%level] %caller: %msg",
		Time:    "2006-01-02 15:04:05",
	})

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/otus/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/otus.sock",
		"daemon control socket path")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(alarmCmd)
}

// Execute adds all child commands to the root command and runs it. Called
// once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// ensureDaemonAndConnect auto-starts the daemon (unless this invocation is
// the daemon process itself, or is explicitly stopping/foregrounding it)
// and wires up the package-level client used by every subcommand.
func ensureDaemonAndConnect(cmd *cobra.Command, args []string) error {
	switch cmd.Name() {
	case "run": // otus daemon run — this process IS the daemon
		return nil
	case "stop":
		cli = newUDSClient()
		return nil
	case "start":
		if cmd.Flag("foreground") != nil && cmd.Flag("foreground").Value.String() == "true" {
			return nil
		}
	}

	if err := daemon.EnsureDaemonRunning(); err != nil {
		return fmt.Errorf("failed to ensure daemon is running: %w", err)
	}
	cli = newUDSClient()
	return nil
}

func closeClient(cmd *cobra.Command, args []string) {
	if cli != nil {
		_ = cli.Close()
	}
}

// SetClient injects a client for testing.
func SetClient(c ClientInterface) {
	cli = c
}

// GetClient returns the currently configured client.
func GetClient() ClientInterface {
	return cli
}

// exitWithError logs a fatal error through the CLI logger and exits with
// code 1. Fatal already calls os.Exit(1) via logrus.
func exitWithError(msg string, err error) {
	if err != nil {
		logging.GetLogger().WithError(err).Fatal(msg)
		return
	}
	logging.GetLogger().Fatal(msg)
}

