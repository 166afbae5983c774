package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/contextmesh/crossbus/internal/envelope"
	"github.com/contextmesh/crossbus/internal/locus"
)

// WS adapts a WebSocket connection into a transport. The offscreen/
// iframe host uses it for documents living in other processes; the relay
// daemon uses it to bridge remote loci into the broadcast hub.
type WS struct {
	conn *websocket.Conn
	self locus.Locus
	peer locus.Locus
	kind locus.Kind

	writeMu sync.Mutex // Protects writes to conn
	onClose func()

	closed chan struct{}
	once   sync.Once
}

// NewWS wraps an established connection. kind names the channel this
// link stands in for (window messaging or the broadcast medium).
func NewWS(conn *websocket.Conn, self, peer locus.Locus, kind locus.Kind) *WS {
	conn.SetReadLimit(envelope.MaxFrameSize)
	return &WS{
		conn:   conn,
		self:   self,
		peer:   peer,
		kind:   kind,
		closed: make(chan struct{}),
	}
}

// OnClose registers a callback fired once when the link goes away, so
// the lifecycle manager can drop state scoped to the peer.
func (w *WS) OnClose(fn func()) { w.onClose = fn }

// Peer returns the locus on the other side of the link.
func (w *WS) Peer() locus.Locus { return w.peer }

// Bind starts the read loop delivering inbound frames to the sink.
// Malformed frames are dropped. Dispatch is asynchronous so a handler
// that needs a round trip over this same connection cannot wedge the
// read loop.
func (w *WS) Bind(sink Sink) {
	go func() {
		defer w.Close()
		for {
			_, raw, err := w.conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := envelope.ParseFrame(raw)
			if err != nil {
				continue
			}
			go sink.InboundFrame(w.peer, f, w.Send)
		}
	}()
}

// Send writes one frame to the connection.
func (w *WS) Send(f *envelope.Frame) error {
	select {
	case <-w.closed:
		return ErrClosed
	default:
	}

	raw, err := f.Marshal()
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, raw)
}

func (w *WS) Kind() locus.Kind { return w.kind }
func (w *WS) Async() bool      { return true }

// Deliver writes the frame; a write failure is a genuine I/O error, not
// "no recipient".
func (w *WS) Deliver(ctx context.Context, f *envelope.Frame) (*envelope.Reply, bool, error) {
	if f.Envelope != nil && f.Envelope.Target != "" && f.Envelope.Target != w.peer {
		return nil, false, nil
	}
	if err := w.Send(f); err != nil {
		if err == ErrClosed {
			return nil, false, nil
		}
		return nil, true, err
	}
	return nil, true, nil
}

func (w *WS) Close() error {
	w.once.Do(func() {
		close(w.closed)
		w.conn.Close()
		if w.onClose != nil {
			w.onClose()
		}
	})
	return nil
}
