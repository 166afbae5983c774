// Package transport provides the low-level channels that carry envelopes
// between loci: privileged runtime messaging (synchronous, in-process),
// the shared broadcast medium, cross-document window links, and a
// WebSocket adapter for hosted documents in other processes.
package transport

import (
	"context"
	"errors"

	"github.com/contextmesh/crossbus/internal/envelope"
	"github.com/contextmesh/crossbus/internal/locus"
)

// ErrClosed is returned by Deliver on a transport that has been closed.
var ErrClosed = errors.New("transport closed")

// Transport delivers one frame toward whoever owns the event. A nil
// reply with delivered=false means "no reachable recipient, try the next
// transport"; a genuine I/O failure is returned as an error.
type Transport interface {
	Kind() locus.Kind

	// Async reports whether replies arrive out of band as separate
	// correlated frames rather than in-line from Deliver.
	Async() bool

	// Deliver sends the frame. Synchronous transports return the
	// recipient's reply in-line; asynchronous ones always return a nil
	// reply and the caller awaits its correlation entry.
	Deliver(ctx context.Context, f *envelope.Frame) (reply *envelope.Reply, delivered bool, err error)

	Close() error
}

// Endpoint is the synchronous inbound contract used by runtime
// messaging: the recipient processes the frame and answers in-line.
type Endpoint interface {
	HandleFrame(ctx context.Context, from locus.Locus, f *envelope.Frame) (*envelope.Reply, error)
}

// Sink is the asynchronous inbound contract. send publishes frames back
// toward the peer that delivered f.
type Sink interface {
	InboundFrame(from locus.Locus, f *envelope.Frame, send func(*envelope.Frame) error)
}
