package transport

import (
	"context"
	"sync"

	"github.com/contextmesh/crossbus/internal/envelope"
	"github.com/contextmesh/crossbus/internal/locus"
)

// windowQueueDepth bounds frames in flight on one link direction.
const windowQueueDepth = 64

// WindowEnd is one side of a cross-document messaging link. Frames are
// handed to the peer asynchronously; replies come back as separate
// correlated frames on the same link.
type WindowEnd struct {
	self  locus.Locus
	peerL locus.Locus
	owner string

	peer *WindowEnd

	inbox  chan *envelope.Frame
	closed chan struct{}
	once   sync.Once
}

// NewWindowPair creates both ends of a link between loci a and b.
func NewWindowPair(a, b locus.Locus) (*WindowEnd, *WindowEnd) {
	ea := &WindowEnd{self: a, peerL: b, inbox: make(chan *envelope.Frame, windowQueueDepth), closed: make(chan struct{})}
	eb := &WindowEnd{self: b, peerL: a, inbox: make(chan *envelope.Frame, windowQueueDepth), closed: make(chan struct{})}
	ea.peer = eb
	eb.peer = ea
	return ea, eb
}

// Peer returns the locus on the other side of the link.
func (e *WindowEnd) Peer() locus.Locus { return e.peerL }

// SetOwner tags the end with a lifecycle owner (one hosted document).
func (e *WindowEnd) SetOwner(owner string) { e.owner = owner }

// Owner returns the lifecycle owner tag.
func (e *WindowEnd) Owner() string { return e.owner }

// Send enqueues a frame toward the peer.
func (e *WindowEnd) Send(f *envelope.Frame) error {
	select {
	case <-e.closed:
		return ErrClosed
	case <-e.peer.closed:
		return ErrClosed
	case e.peer.inbox <- f:
		return nil
	}
}

// bind starts the pump delivering inbound frames to the sink. Dispatch
// is asynchronous so a handler that needs a round trip over this same
// link cannot wedge the pump.
func (e *WindowEnd) bind(sink Sink) {
	go func() {
		for {
			select {
			case <-e.closed:
				return
			case f := <-e.inbox:
				go sink.InboundFrame(e.peerL, f, e.Send)
			}
		}
	}()
}

// close shuts this end down; the peer's sends start failing.
func (e *WindowEnd) close() {
	e.once.Do(func() { close(e.closed) })
}

// Window is the cross-document messaging adapter for one locus. A host
// document (relay, worker) holds one end per hosted page or frame; a
// hosted document holds the single end toward its parent.
type Window struct {
	self locus.Locus

	mu     sync.Mutex
	ends   []*WindowEnd
	sink   Sink
	closed bool
}

// NewWindow creates a window transport for self.
func NewWindow(self locus.Locus) *Window {
	return &Window{self: self}
}

// Bind sets the inbound sink for all current and future ends.
func (w *Window) Bind(sink Sink) {
	w.mu.Lock()
	w.sink = sink
	for _, e := range w.ends {
		e.bind(sink)
	}
	w.mu.Unlock()
}

// Connect adds an end (one hosted document, or the parent link).
func (w *Window) Connect(end *WindowEnd) {
	w.mu.Lock()
	w.ends = append(w.ends, end)
	if w.sink != nil {
		end.bind(w.sink)
	}
	w.mu.Unlock()
}

// Disconnect closes one end; the host calls this when the document on
// the other side is destroyed.
func (w *Window) Disconnect(end *WindowEnd) {
	w.mu.Lock()
	for i, e := range w.ends {
		if e == end {
			w.ends = append(w.ends[:i], w.ends[i+1:]...)
			break
		}
	}
	w.mu.Unlock()
	end.close()
}

func (w *Window) Kind() locus.Kind { return locus.KindWindow }
func (w *Window) Async() bool      { return true }

// Deliver hands the frame to every connected document, or only the one
// matching the envelope's target when set.
func (w *Window) Deliver(ctx context.Context, f *envelope.Frame) (*envelope.Reply, bool, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, false, ErrClosed
	}
	ends := make([]*WindowEnd, len(w.ends))
	copy(ends, w.ends)
	w.mu.Unlock()

	delivered := false
	for _, e := range ends {
		if f.Envelope != nil && f.Envelope.Target != "" && e.peerL != f.Envelope.Target {
			continue
		}
		if err := e.Send(f); err == nil {
			delivered = true
		}
	}
	return nil, delivered, nil
}

func (w *Window) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	ends := w.ends
	w.ends = nil
	w.mu.Unlock()

	for _, e := range ends {
		e.close()
	}
	return nil
}
