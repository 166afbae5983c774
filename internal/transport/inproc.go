package transport

import (
	"context"
	"sync"

	"github.com/contextmesh/crossbus/internal/envelope"
	"github.com/contextmesh/crossbus/internal/locus"
)

// Router wires the loci of one process together for runtime messaging.
// Delivery is synchronous: the recipient handles the frame on the
// caller's goroutine and its answer comes back in-line.
type Router struct {
	mu        sync.RWMutex
	endpoints map[locus.Locus]Endpoint
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{endpoints: make(map[locus.Locus]Endpoint)}
}

// Attach registers the endpoint for a locus, replacing any previous one.
func (r *Router) Attach(l locus.Locus, e Endpoint) {
	r.mu.Lock()
	r.endpoints[l] = e
	r.mu.Unlock()
}

// Detach removes the endpoint for a locus.
func (r *Router) Detach(l locus.Locus) {
	r.mu.Lock()
	delete(r.endpoints, l)
	r.mu.Unlock()
}

func (r *Router) endpoint(l locus.Locus) Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[l]
}

// Runtime is the privileged-extension messaging adapter. Each instance
// belongs to one locus and reaches a fixed ordered set of peers.
type Runtime struct {
	router  *Router
	self    locus.Locus
	targets []locus.Locus

	mu     sync.Mutex
	closed bool
}

// NewRuntime creates a runtime transport for self reaching targets in
// order.
func NewRuntime(router *Router, self locus.Locus, targets ...locus.Locus) *Runtime {
	return &Runtime{router: router, self: self, targets: targets}
}

func (t *Runtime) Kind() locus.Kind { return locus.KindRuntime }
func (t *Runtime) Async() bool      { return false }

// Deliver hands the frame to each reachable peer in order and adopts the
// first in-line answer. Peers with no endpoint attached are skipped.
func (t *Runtime) Deliver(ctx context.Context, f *envelope.Frame) (*envelope.Reply, bool, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, false, ErrClosed
	}

	targets := t.targets
	if f.Envelope != nil && f.Envelope.Target != "" {
		if !t.reaches(f.Envelope.Target) {
			return nil, false, nil
		}
		targets = []locus.Locus{f.Envelope.Target}
	}

	delivered := false
	for _, target := range targets {
		ep := t.router.endpoint(target)
		if ep == nil {
			continue
		}
		delivered = true
		reply, err := ep.HandleFrame(ctx, t.self, f)
		if err != nil {
			return nil, true, err
		}
		if reply != nil {
			return reply, true, nil
		}
	}
	return nil, delivered, nil
}

func (t *Runtime) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *Runtime) reaches(l locus.Locus) bool {
	for _, target := range t.targets {
		if target == l {
			return true
		}
	}
	return false
}
