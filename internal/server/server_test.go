package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/contextmesh/crossbus/internal/bus"
	"github.com/contextmesh/crossbus/internal/infrastructure/config"
	"github.com/contextmesh/crossbus/internal/infrastructure/logging"
	"github.com/contextmesh/crossbus/internal/locus"
	"github.com/contextmesh/crossbus/internal/transport"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.CallTimeout = 500 * time.Millisecond

	s, err := NewServer(cfg, &logging.Logger{Logger: zap.NewNop()})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown(context.Background())
	})
	return s, ts
}

func TestHealth(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAttachValidation(t *testing.T) {
	_, ts := testServer(t)

	for _, q := range []string{
		"locus=gondola",     // unknown locus
		"locus=coordinator", // hosted locally, never attached
		"locus=page",        // no broadcast reach
		"",                  // missing
	} {
		resp, err := http.Get(ts.URL + "/attach?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "query %q", q)
	}
}

func dialWorker(t *testing.T, ts *httptest.Server) *bus.Bus {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/attach?locus=worker&owner=worker-doc"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	worker, err := bus.New(locus.Worker, bus.Options{
		Timeout: 500 * time.Millisecond,
		Owner:   "worker-doc",
		Logger:  &logging.Logger{Logger: zap.NewNop()},
	})
	require.NoError(t, err)
	t.Cleanup(worker.Destroy)

	link := transport.NewWS(conn, locus.Worker, locus.Coordinator, locus.KindBroadcast)
	require.NoError(t, worker.AttachTransport(link))
	link.Bind(worker)
	return worker
}

func TestRemoteWorkerAnswersCoordinator(t *testing.T) {
	s, ts := testServer(t)
	worker := dialWorker(t, ts)

	worker.On("health.check", func(ctx context.Context, args ...any) (any, error) {
		return map[string]any{"status": "ok"}, nil
	})

	// The attachment registers asynchronously; retry until the hub
	// carries the call through.
	deadline := time.Now().Add(3 * time.Second)
	for {
		result, err := s.Coordinator().Call(context.Background(), "health.check")
		if err == nil {
			m, ok := result.(map[string]any)
			require.True(t, ok, "result %#v", result)
			assert.Equal(t, "ok", m["status"])
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("call never succeeded: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWorkerCallsIntoRuleManager(t *testing.T) {
	_, ts := testServer(t)
	worker := dialWorker(t, ts)

	deadline := time.Now().Add(3 * time.Second)
	for {
		result, err := worker.Call(context.Background(), "rule.register", "block-tracker", map[string]any{"host": "tracker.test"})
		if err == nil {
			assert.Equal(t, "block-tracker", result)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("register never succeeded: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDetachStopsDelivery(t *testing.T) {
	s, ts := testServer(t)
	worker := dialWorker(t, ts)

	worker.On("health.check", func(ctx context.Context, args ...any) (any, error) {
		return "ok", nil
	})
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := s.Coordinator().Call(context.Background(), "health.check"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never reachable")
		}
		time.Sleep(20 * time.Millisecond)
	}

	worker.Destroy()

	deadline = time.Now().Add(3 * time.Second)
	for {
		_, err := s.Coordinator().Call(context.Background(), "health.check")
		var timeout *bus.TimeoutError
		if errors.As(err, &timeout) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("detached worker still answering (err=%v)", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
