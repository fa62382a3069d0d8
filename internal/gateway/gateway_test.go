package gateway

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"

	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/metrics"
	"github.com/hasbegun/eyed/internal/ws"
)

var (
	metricsOnce sync.Once
	gwMetrics   *metrics.GatewayMetrics
)

// testMetrics returns the shared collectors; prometheus registration is
// process-global so the test binary constructs them once.
func testMetrics() *metrics.GatewayMetrics {
	metricsOnce.Do(func() { gwMetrics = metrics.NewGateway() })
	return gwMetrics
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub() *ws.Hub {
	return ws.NewHub(testLogger(), testMetrics())
}

// runBus starts an in-process NATS server and returns a connected client.
func runBus(t *testing.T) *bus.Client {
	t.Helper()

	srv, err := server.NewServer(&server.Options{Port: -1})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded nats server did not come up")
	}
	t.Cleanup(srv.Shutdown)

	bc, err := bus.Connect(srv.ClientURL(), "gateway-test", testLogger())
	require.NoError(t, err)
	t.Cleanup(bc.Close)
	return bc
}
