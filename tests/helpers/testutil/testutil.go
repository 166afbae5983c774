// Package testutil provides shared helpers for integration tests: a
// fully wired six-locus fabric and polling utilities.
package testutil

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/contextmesh/crossbus/internal/blob"
	"github.com/contextmesh/crossbus/internal/bus"
	"github.com/contextmesh/crossbus/internal/infrastructure/logging"
	"github.com/contextmesh/crossbus/internal/locus"
	"github.com/contextmesh/crossbus/internal/transport"
)

// Owner names used for the hosted documents in the standard fabric.
const (
	PageOwner  = "page-doc"
	FrameOwner = "frame-doc"
)

// QuietLogger returns a logger that discards everything.
func QuietLogger() *logging.Logger {
	return &logging.Logger{Logger: zap.NewNop()}
}

// Fabric is a complete in-process deployment: one bus per locus, wired
// the way the host application wires them. The privileged loci share a
// runtime router, the broadcast members share a hub, and the hosted
// documents hang off their hosts over window links.
type Fabric struct {
	Coordinator *bus.Bus
	Relay       *bus.Bus
	Page        *bus.Bus
	Worker      *bus.Bus
	Frame       *bus.Bus
	Surface     *bus.Bus

	Store *blob.Store
	Hub   *transport.Hub

	relayWin  *transport.Window
	relayEnd  *transport.WindowEnd
	workerWin *transport.Window
	frameEnd  *transport.WindowEnd
}

// NewFabric builds and wires the six loci. Every bus uses the given call
// timeout; cleanup is registered on tb.
func NewFabric(tb testing.TB, timeout time.Duration) *Fabric {
	tb.Helper()

	store := blob.NewStore(blob.DefaultTTL)
	tb.Cleanup(store.Close)

	mk := func(l locus.Locus, opts bus.Options) *bus.Bus {
		opts.Timeout = timeout
		opts.Logger = QuietLogger()
		b, err := bus.New(l, opts)
		if err != nil {
			tb.Fatalf("new %s bus: %v", l, err)
		}
		tb.Cleanup(b.Destroy)
		return b
	}

	f := &Fabric{
		Coordinator: mk(locus.Coordinator, bus.Options{Blobs: store}),
		Relay:       mk(locus.Relay, bus.Options{}),
		Page:        mk(locus.Page, bus.Options{Owner: PageOwner}),
		Worker:      mk(locus.Worker, bus.Options{}),
		Frame:       mk(locus.Frame, bus.Options{Owner: FrameOwner}),
		Surface:     mk(locus.Surface, bus.Options{}),
		Store:       store,
	}

	router := transport.NewRouter()
	router.Attach(locus.Coordinator, f.Coordinator)
	router.Attach(locus.Relay, f.Relay)
	router.Attach(locus.Surface, f.Surface)

	attach := func(b *bus.Bus, tr transport.Transport) {
		tb.Helper()
		if err := b.AttachTransport(tr); err != nil {
			tb.Fatalf("attach %s to %s: %v", tr.Kind(), b.Locus(), err)
		}
	}

	attach(f.Coordinator, transport.NewRuntime(router, locus.Coordinator, locus.Relay, locus.Surface))
	attach(f.Relay, transport.NewRuntime(router, locus.Relay, locus.Coordinator))
	attach(f.Surface, transport.NewRuntime(router, locus.Surface, locus.Coordinator))

	f.Hub = transport.NewHub()
	attach(f.Coordinator, transport.NewBroadcast(f.Hub, locus.Coordinator, f.Coordinator))
	attach(f.Worker, transport.NewBroadcast(f.Hub, locus.Worker, f.Worker))
	attach(f.Surface, transport.NewBroadcast(f.Hub, locus.Surface, f.Surface))

	f.relayWin = transport.NewWindow(locus.Relay)
	f.relayWin.Bind(f.Relay)
	pageWin := transport.NewWindow(locus.Page)
	pageWin.Bind(f.Page)
	rEnd, pEnd := transport.NewWindowPair(locus.Relay, locus.Page)
	rEnd.SetOwner(PageOwner)
	f.relayEnd = rEnd
	f.relayWin.Connect(rEnd)
	pageWin.Connect(pEnd)
	attach(f.Relay, f.relayWin)
	attach(f.Page, pageWin)

	f.workerWin = transport.NewWindow(locus.Worker)
	f.workerWin.Bind(f.Worker)
	frameWin := transport.NewWindow(locus.Frame)
	frameWin.Bind(f.Frame)
	wEnd, fEnd := transport.NewWindowPair(locus.Worker, locus.Frame)
	wEnd.SetOwner(FrameOwner)
	f.frameEnd = fEnd
	f.workerWin.Connect(wEnd)
	frameWin.Connect(fEnd)
	attach(f.Worker, f.workerWin)
	attach(f.Frame, frameWin)

	return f
}

// NavigatePage simulates the page document going away: the relay loses
// its window end and drops everything the document owned.
func (f *Fabric) NavigatePage() {
	f.relayWin.Disconnect(f.relayEnd)
	f.Relay.DropOwner(PageOwner)
}

// WaitUntil polls cond until it holds or two seconds pass.
func WaitUntil(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("timed out waiting for %s", what)
}

// Eventually retries fn until it returns nil or the deadline passes, for
// operations that depend on asynchronous wiring (hub joins, forwarding
// propagation).
func Eventually(tb testing.TB, what string, fn func() error) {
	tb.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last error
	for time.Now().Before(deadline) {
		if last = fn(); last == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	tb.Fatalf("%s never succeeded: %v", what, last)
}
