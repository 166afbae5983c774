package bus

import (
	"context"
	"sync"

	"github.com/contextmesh/crossbus/internal/locus"
	"github.com/contextmesh/crossbus/internal/shared/id"
)

// Handler processes one dispatched event. A nil result means "no answer
// from me"; dispatch moves on to the next handler.
type Handler func(ctx context.Context, args ...any) (any, error)

// handlerEntry is one registration. Genuine entries carry a callback;
// forwarding entries carry the locus to re-send toward and the tag of the
// proxy hop that created them.
type handlerEntry struct {
	event      string
	fn         Handler
	once       bool
	tag        id.ForwardTag
	subscriber locus.Locus
	owner      string
}

func (e *handlerEntry) forwarding() bool { return e.tag != "" }

// Subscription is the removal handle returned by On and Once.
type Subscription struct {
	entry *handlerEntry
}

// Event returns the subscribed event name.
func (s *Subscription) Event() string { return s.entry.event }

// registry holds the per-context handler table. An event may have any
// number of genuine handlers plus at most one forwarding entry per tag.
type registry struct {
	mu      sync.Mutex
	entries map[string][]*handlerEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string][]*handlerEntry)}
}

func (r *registry) addGenuine(event string, fn Handler, once bool, owner string) *handlerEntry {
	e := &handlerEntry{event: event, fn: fn, once: once, owner: owner}
	r.mu.Lock()
	r.entries[event] = append(r.entries[event], e)
	r.mu.Unlock()
	return e
}

// addForwarding installs a forwarding entry. It reports false when the
// tag already has one for this event.
func (r *registry) addForwarding(event string, tag id.ForwardTag, subscriber locus.Locus, owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries[event] {
		if e.tag == tag {
			return false
		}
	}
	r.entries[event] = append(r.entries[event], &handlerEntry{
		event:      event,
		tag:        tag,
		subscriber: subscriber,
		owner:      owner,
	})
	return true
}

func (r *registry) remove(entry *handlerEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(entry)
}

func (r *registry) removeLocked(entry *handlerEntry) bool {
	list := r.entries[entry.event]
	for i, e := range list {
		if e == entry {
			r.entries[entry.event] = append(list[:i], list[i+1:]...)
			if len(r.entries[entry.event]) == 0 {
				delete(r.entries, entry.event)
			}
			return true
		}
	}
	return false
}

func (r *registry) removeForwarding(event string, tag id.ForwardTag) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries[event] {
		if e.tag == tag {
			return r.removeLocked(e)
		}
	}
	return false
}

// removeOwner drops every forwarding entry tagged for the owner and
// returns the removed entries so the teardown can propagate.
func (r *registry) removeOwner(owner string) []*handlerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*handlerEntry
	for _, list := range r.entries {
		for _, e := range list {
			if e.forwarding() && e.owner == owner {
				removed = append(removed, e)
			}
		}
	}
	for _, e := range removed {
		r.removeLocked(e)
	}
	return removed
}

// genuine returns the genuine handlers for event in registration order.
func (r *registry) genuine(event string) []*handlerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*handlerEntry
	for _, e := range r.entries[event] {
		if !e.forwarding() {
			out = append(out, e)
		}
	}
	return out
}

func (r *registry) genuineCount(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries[event] {
		if !e.forwarding() {
			n++
		}
	}
	return n
}

// forwards returns the forwarding entries for event.
func (r *registry) forwards(event string) []*handlerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*handlerEntry
	for _, e := range r.entries[event] {
		if e.forwarding() {
			out = append(out, e)
		}
	}
	return out
}

func (r *registry) forwardingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, list := range r.entries {
		for _, e := range list {
			if e.forwarding() {
				n++
			}
		}
	}
	return n
}

func (r *registry) clear() {
	r.mu.Lock()
	r.entries = make(map[string][]*handlerEntry)
	r.mu.Unlock()
}
