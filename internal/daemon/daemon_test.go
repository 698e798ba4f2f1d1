package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func minimalConfig(tmpDir string) string {
	return `
otus:
  node:
    hostname: test-daemon-001
    ip: 127.0.0.1
  control:
    socket: ` + filepath.Join(tmpDir, "otus.sock") + `
    pid_file: ` + filepath.Join(tmpDir, "otus.pid") + `
  command_channel:
    enabled: true
    socket: ` + filepath.Join(tmpDir, "otus-control.sock") + `
  log:
    level: debug
    format: text
  metrics:
    enabled: false
  aggregation:
    enabled: false
    minute_interval: 1m
    hour_interval: 1h
    raw_retention: 24h
    minute_retention: 720h
  config_watcher:
    poll_interval_ms: 20
`
}

func TestDaemon_StartStopIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(minimalConfig(tmpDir)), 0644))

	socketPath := filepath.Join(tmpDir, "otus-control.sock")
	pidFile := filepath.Join(tmpDir, "otus.pid")

	d, err := New(configPath, socketPath, pidFile)
	require.NoError(t, err)
	require.NoError(t, d.Start())

	_, err = os.Stat(pidFile)
	require.NoError(t, err, "pid file should exist after Start")

	time.Sleep(100 * time.Millisecond)
	_, err = os.Stat(socketPath)
	require.NoError(t, err, "uds socket should exist after Start")

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()

	time.Sleep(50 * time.Millisecond)
	d.TriggerShutdown()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop within timeout")
	}

	_, err = os.Stat(pidFile)
	require.True(t, os.IsNotExist(err), "pid file should be removed after shutdown")
}
