package cmd

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"firestige.xyz/otus/internal/command"
	"firestige.xyz/otus/internal/daemon"
)

// ClientInterface is the set of daemon lifecycle operations every
// subcommand needs. Defined as an interface so tests can inject a mock
// (see reload_test.go, start_test.go).
type ClientInterface interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reload(ctx context.Context) error
	Close() error
}

// udsClient is the production ClientInterface implementation, backed by
// the JSON-RPC-over-UDS control channel. UDSClient dials fresh per call,
// so Close is a no-op kept only to satisfy the interface.
type udsClient struct {
	uds *command.UDSClient
}

func newUDSClient() ClientInterface {
	return &udsClient{uds: command.NewUDSClient(socketPath, 10*time.Second)}
}

// Start confirms the daemon (already auto-launched by ensureDaemonAndConnect)
// is actually answering on the control socket.
func (c *udsClient) Start(ctx context.Context) error {
	return c.uds.Ping(ctx)
}

func (c *udsClient) Stop(ctx context.Context) error {
	resp, err := c.uds.Shutdown(ctx)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("daemon.shutdown: %s", resp.Error.Message)
	}
	return nil
}

// Reload asks the daemon to re-read its config file. The command channel
// has no reload RPC — config reload is signal-driven (SIGHUP) so it works
// even if the command channel itself is disabled — so this reads the PID
// file and signals the process directly.
func (c *udsClient) Reload(ctx context.Context) error {
	return signalDaemonReload()
}

func (c *udsClient) Close() error {
	return nil
}

func signalDaemonReload() error {
	pid, err := daemon.ReadPID()
	if err != nil {
		return fmt.Errorf("daemon pid not found: %w", err)
	}
	return syscall.Kill(pid, syscall.SIGHUP)
}
