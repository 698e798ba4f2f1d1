package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/store"
)

func newTestServer(t *testing.T, h *CommandHandler) (*UDSServer, string) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "otus.sock")
	server := NewUDSServer(socketPath, h)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		close(started)
		_ = server.Start(ctx)
	}()
	<-started
	// give the listener a moment to bind before the client dials.
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(cancel)
	return server, socketPath
}

func TestUDS_ClientServerRoundTrip(t *testing.T) {
	st := store.NewMemStore()
	h := NewCommandHandler(st)
	_, socketPath := newTestServer(t, h)

	client := NewUDSClient(socketPath, 2*time.Second)
	ctx := context.Background()

	resp, err := client.DeviceUpsert(ctx, model.Device{DeviceId: "dev-1", Name: "pump", Enabled: true})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.DeviceList(ctx)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]interface{})
	require.Equal(t, float64(1), result["count"])
}

func TestUDS_ClientPingSucceedsAgainstRunningDaemon(t *testing.T) {
	h := NewCommandHandler(store.NewMemStore())
	_, socketPath := newTestServer(t, h)

	client := NewUDSClient(socketPath, 2*time.Second)
	require.NoError(t, client.Ping(context.Background()))
}

func TestUDS_ClientCallUnknownSocketFails(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "missing.sock"), 200*time.Millisecond)
	_, err := client.Status(context.Background())
	require.Error(t, err)
}
