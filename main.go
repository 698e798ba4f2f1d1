// Command otus is the industrial telemetry ingestion and evaluation daemon.
package main

import (
	"os"

	"firestige.xyz/otus/cmd"
	"firestige.xyz/otus/internal/logging"
)

func main() {
	if err := cmd.Execute(); err != nil {
		logging.GetLogger().WithError(err).Error("otus exited with error")
		os.Exit(1)
	}
}
