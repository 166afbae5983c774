//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/crossbus/internal/bus"
	"github.com/contextmesh/crossbus/internal/infrastructure/config"
	"github.com/contextmesh/crossbus/internal/locus"
	"github.com/contextmesh/crossbus/internal/rules"
	"github.com/contextmesh/crossbus/internal/server"
	"github.com/contextmesh/crossbus/internal/transport"
	"github.com/contextmesh/crossbus/tests/helpers/testutil"
)

func startRelay(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.CallTimeout = 500 * time.Millisecond

	s, err := server.NewServer(cfg, testutil.QuietLogger())
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown(context.Background())
	})
	return s, ts
}

// attachRemote dials the relay daemon and returns a bus for a locus
// living in its own process, bridged over WebSocket.
func attachRemote(t *testing.T, ts *httptest.Server, l locus.Locus, owner string) *bus.Bus {
	t.Helper()
	url := fmt.Sprintf("ws%s/attach?locus=%s&owner=%s",
		strings.TrimPrefix(ts.URL, "http"), l, owner)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	b, err := bus.New(l, bus.Options{
		Timeout: 500 * time.Millisecond,
		Owner:   owner,
		Logger:  testutil.QuietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(b.Destroy)

	link := transport.NewWS(conn, l, locus.Coordinator, locus.KindBroadcast)
	require.NoError(t, b.AttachTransport(link))
	link.Bind(b)
	return b
}

// TestRemoteSurfaceCallsRemoteWorker runs two separately attached
// clients against a live daemon: the surface's request crosses its
// connection, the hub, and the worker's connection, and the answer
// crosses all three back.
func TestRemoteSurfaceCallsRemoteWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	_, ts := startRelay(t)
	worker := attachRemote(t, ts, locus.Worker, "worker-doc")
	surface := attachRemote(t, ts, locus.Surface, "popup")

	worker.On("math.add", func(ctx context.Context, args ...any) (any, error) {
		a, aok := args[0].(float64)
		b, bok := args[1].(float64)
		if !aok || !bok {
			return nil, fmt.Errorf("arguments %T, %T", args[0], args[1])
		}
		return a + b, nil
	})

	testutil.Eventually(t, "cross-connection call", func() error {
		result, err := surface.Call(context.Background(), "math.add", 19, 23)
		if err != nil {
			return err
		}
		if result != float64(42) {
			return fmt.Errorf("result = %v", result)
		}
		return nil
	})
}

// TestBlobTunnelOverWire sends binary bytes from one remote client to
// another. Neither side holds the store: both mint and resolve through
// the reserved blob events tunnelled over their connections.
func TestBlobTunnelOverWire(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s, ts := startRelay(t)
	worker := attachRemote(t, ts, locus.Worker, "worker-doc")
	surface := attachRemote(t, ts, locus.Surface, "popup")

	payload := []byte{0x00, 0xff, 0x10, 0x20, 'b', 'i', 'n'}
	worker.On("img.checksum", func(ctx context.Context, args ...any) (any, error) {
		data, ok := args[0].([]byte)
		if !ok {
			return nil, fmt.Errorf("argument is %T", args[0])
		}
		var sum int
		for _, b := range data {
			sum += int(b)
		}
		return sum, nil
	})

	want := 0
	for _, b := range payload {
		want += int(b)
	}
	testutil.Eventually(t, "binary call", func() error {
		result, err := surface.Call(context.Background(), "img.checksum", payload)
		if err != nil {
			return err
		}
		if result != float64(want) {
			return fmt.Errorf("checksum = %v, want %d", result, want)
		}
		return nil
	})

	testutil.WaitUntil(t, "store drained", func() bool { return s.Store().Len() == 0 })
}

// TestRuleManagerFromRemoteSurface drives the daemon's rule manager from
// an attached UI surface.
func TestRuleManagerFromRemoteSurface(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	_, ts := startRelay(t)
	surface := attachRemote(t, ts, locus.Surface, "options")

	testutil.Eventually(t, "register", func() error {
		_, err := surface.Call(context.Background(), rules.EventRegister,
			"block-ads", map[string]any{"host": "ads.test"})
		return err
	})

	listed, err := surface.Call(context.Background(), rules.EventList)
	require.NoError(t, err)
	m, ok := listed.(map[string]any)
	require.True(t, ok, "list result %#v", listed)
	assert.Contains(t, m, "block-ads")
}

// TestDisconnectedClientUnreachable closes a client's connection out
// from under it and checks the daemon stops routing to it.
func TestDisconnectedClientUnreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s, ts := startRelay(t)
	worker := attachRemote(t, ts, locus.Worker, "worker-doc")

	worker.On("health.check", func(ctx context.Context, args ...any) (any, error) {
		return "ok", nil
	})
	testutil.Eventually(t, "worker reachable", func() error {
		_, err := s.Coordinator().Call(context.Background(), "health.check")
		return err
	})

	worker.Destroy()

	testutil.Eventually(t, "worker unreachable", func() error {
		_, err := s.Coordinator().Call(context.Background(), "health.check")
		if err != nil {
			return nil
		}
		return fmt.Errorf("destroyed worker still answering")
	})
}
