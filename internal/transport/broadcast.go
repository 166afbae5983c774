package transport

import (
	"context"
	"sync"

	"github.com/contextmesh/crossbus/internal/envelope"
	"github.com/contextmesh/crossbus/internal/locus"
)

// Hub is the shared broadcast medium. Every published frame reaches all
// members except the publisher; the medium itself has no reply channel,
// so answers travel as separate correlated frames.
type Hub struct {
	mu      sync.RWMutex
	members map[locus.Locus]Sink
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[locus.Locus]Sink)}
}

// Join adds a member. A locus holds at most one membership; joining
// again replaces the previous sink.
func (h *Hub) Join(l locus.Locus, sink Sink) {
	h.mu.Lock()
	h.members[l] = sink
	h.mu.Unlock()
}

// Leave removes a member.
func (h *Hub) Leave(l locus.Locus) {
	h.mu.Lock()
	delete(h.members, l)
	h.mu.Unlock()
}

// Publish fans the frame out to every member except from. It reports
// whether at least one member received it. Dispatch is asynchronous so a
// member handling the frame can publish its reply without deadlocking.
func (h *Hub) Publish(from locus.Locus, f *envelope.Frame) bool {
	h.mu.RLock()
	delivered := false
	for l, sink := range h.members {
		if l == from {
			continue
		}
		delivered = true
		member := l
		s := sink
		go s.InboundFrame(from, f, func(reply *envelope.Frame) error {
			h.Publish(member, reply)
			return nil
		})
	}
	h.mu.RUnlock()
	return delivered
}

// Broadcast is the per-locus adapter over a Hub.
type Broadcast struct {
	hub  *Hub
	self locus.Locus

	mu     sync.Mutex
	closed bool
}

// NewBroadcast joins the hub as self with the given inbound sink.
func NewBroadcast(hub *Hub, self locus.Locus, sink Sink) *Broadcast {
	hub.Join(self, sink)
	return &Broadcast{hub: hub, self: self}
}

func (t *Broadcast) Kind() locus.Kind { return locus.KindBroadcast }
func (t *Broadcast) Async() bool      { return true }

// Deliver publishes the frame to the medium. A frame addressed to a
// specific target is still broadcast; non-owners ignore it.
func (t *Broadcast) Deliver(ctx context.Context, f *envelope.Frame) (*envelope.Reply, bool, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, false, ErrClosed
	}
	return nil, t.hub.Publish(t.self, f), nil
}

func (t *Broadcast) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.hub.Leave(t.self)
	return nil
}
