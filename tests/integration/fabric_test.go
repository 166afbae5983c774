//go:build integration
// +build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/crossbus/internal/bus"
	"github.com/contextmesh/crossbus/internal/rules"
	"github.com/contextmesh/crossbus/tests/helpers/testutil"
)

const fabricTimeout = 500 * time.Millisecond

// TestTokenCaptureFlow exercises the flow the fabric exists for: a page
// document observes a credential and hands it upward without knowing who
// consumes it; a UI surface on the far side of the coordinator answers.
func TestTokenCaptureFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	f := testutil.NewFabric(t, fabricTimeout)

	var (
		mu   sync.Mutex
		seen []string
	)
	f.Surface.On("token.extracted", func(ctx context.Context, args ...any) (any, error) {
		payload, ok := args[0].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("payload is %T", args[0])
		}
		mu.Lock()
		seen = append(seen, payload["provider"].(string))
		mu.Unlock()
		return map[string]any{"stored": true}, nil
	})

	result, err := f.Page.Send(context.Background(), "token.extracted",
		map[string]any{"provider": "acme", "token": "tok_123"})
	require.NoError(t, err)

	m, ok := result.(map[string]any)
	require.True(t, ok, "result %#v", result)
	assert.Equal(t, true, m["stored"])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"acme"}, seen)
}

// TestRuleLifecycleAcrossFabric drives the network-rule manager on the
// coordinator from two remote loci.
func TestRuleLifecycleAcrossFabric(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	f := testutil.NewFabric(t, fabricTimeout)
	mgr := rules.Attach(f.Coordinator, testutil.QuietLogger())
	defer mgr.Detach()

	id, err := f.Worker.Call(context.Background(), rules.EventRegister,
		"block-tracker", map[string]any{"host": "tracker.test"})
	require.NoError(t, err)
	assert.Equal(t, "block-tracker", id)

	listed, err := f.Surface.Call(context.Background(), rules.EventList)
	require.NoError(t, err)
	m, ok := listed.(map[string]any)
	require.True(t, ok, "list result %#v", listed)
	assert.Contains(t, m, "block-tracker")

	removed, err := f.Surface.Call(context.Background(), rules.EventUnregister, "block-tracker")
	require.NoError(t, err)
	assert.Equal(t, true, removed)
	assert.Equal(t, 0, mgr.Len())
}

// TestBinarySnapshotPipeline pulls a binary result out of the most
// deeply nested locus. The bytes ride the blob side channel across two
// window hops and the runtime channel; the reference is single-use, so
// the store must be empty afterwards.
func TestBinarySnapshotPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	f := testutil.NewFabric(t, fabricTimeout)

	snapshot := append([]byte{0x89, 'P', 'N', 'G'}, []byte("pixel data")...)
	f.Frame.On("frame.snapshot", func(ctx context.Context, args ...any) (any, error) {
		return snapshot, nil
	})

	var got []byte
	testutil.Eventually(t, "snapshot call", func() error {
		result, err := f.Surface.Call(context.Background(), "frame.snapshot")
		if err != nil {
			return err
		}
		data, ok := result.([]byte)
		if !ok {
			return fmt.Errorf("result is %T", result)
		}
		got = data
		return nil
	})

	assert.Equal(t, snapshot, got)
	testutil.WaitUntil(t, "store drained", func() bool { return f.Store.Len() == 0 })
}

// TestConcurrentCallsAcrossLoci checks that correlation keeps concurrent
// requests apart: every caller must get its own answer back.
func TestConcurrentCallsAcrossLoci(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	f := testutil.NewFabric(t, fabricTimeout)

	f.Worker.On("echo", func(ctx context.Context, args ...any) (any, error) {
		return args[0], nil
	})

	callers := []*bus.Bus{f.Coordinator, f.Surface}
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		for ci, c := range callers {
			wg.Add(1)
			go func(c *bus.Bus, tag string) {
				defer wg.Done()
				result, err := c.Call(context.Background(), "echo", tag)
				if err != nil {
					errs <- err
					return
				}
				if result != tag {
					errs <- fmt.Errorf("echo returned %v, want %s", result, tag)
				}
			}(c, fmt.Sprintf("msg-%d-%d", ci, i))
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// TestPageNavigationTearsDown simulates the hosted page document being
// replaced by a navigation: the relay drops the window end and the
// document's forwarding chain, so the event becomes unreachable.
func TestPageNavigationTearsDown(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	f := testutil.NewFabric(t, fabricTimeout)

	f.Page.On("page.fetch", func(ctx context.Context, args ...any) (any, error) {
		return "content", nil
	})
	testutil.Eventually(t, "page reachable", func() error {
		_, err := f.Surface.Call(context.Background(), "page.fetch")
		return err
	})

	f.NavigatePage()

	testutil.Eventually(t, "teardown observed", func() error {
		_, err := f.Surface.Call(context.Background(), "page.fetch")
		var timeout *bus.TimeoutError
		if errors.As(err, &timeout) {
			return nil
		}
		return fmt.Errorf("still reachable (err=%v)", err)
	})
}

// TestEmitStaysLocal confirms Emit never crosses a transport even when a
// remote locus listens for the same event.
func TestEmitStaysLocal(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	f := testutil.NewFabric(t, fabricTimeout)

	fired := make(chan struct{}, 1)
	f.Worker.On("local.only", func(ctx context.Context, args ...any) (any, error) {
		fired <- struct{}{}
		return "remote", nil
	})

	assert.Nil(t, f.Surface.Emit(context.Background(), "local.only"))
	select {
	case <-fired:
		t.Fatal("emit crossed a transport")
	case <-time.After(50 * time.Millisecond):
	}
}
