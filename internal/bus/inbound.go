package bus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/contextmesh/crossbus/internal/envelope"
	"github.com/contextmesh/crossbus/internal/locus"
	"github.com/contextmesh/crossbus/internal/shared/id"
)

// seenLimit caps the inbound dedup set before expired ids are pruned.
const seenLimit = 4096

// HandleFrame is the synchronous inbound contract (runtime messaging).
// The answer, when one exists or can be obtained by forwarding, comes
// back in-line on the caller's goroutine.
func (b *Bus) HandleFrame(ctx context.Context, from locus.Locus, f *envelope.Frame) (*envelope.Reply, error) {
	if f.Type == envelope.FrameReply {
		b.resolveReply(f.Reply)
		return nil, nil
	}

	reply, wait := b.acceptEnvelope(ctx, from, f.Envelope)
	if reply != nil || wait == nil {
		return reply, nil
	}
	select {
	case r := <-wait:
		return r, nil
	case <-ctx.Done():
		return nil, nil
	case <-time.After(b.timeout):
		return nil, nil
	}
}

// InboundFrame is the asynchronous inbound contract (broadcast medium,
// window links, WebSocket). Answers travel back as correlated reply
// frames through send.
func (b *Bus) InboundFrame(from locus.Locus, f *envelope.Frame, send func(*envelope.Frame) error) {
	if f.Type == envelope.FrameReply {
		b.resolveReply(f.Reply)
		return
	}

	reply, wait := b.acceptEnvelope(context.Background(), from, f.Envelope)
	if reply != nil {
		if err := send(envelope.NewReplyFrame(reply)); err != nil {
			b.log.Debug("reply send failed", zap.String("event", f.Envelope.Name), zap.Error(err))
		}
		return
	}
	if wait != nil {
		go func() {
			select {
			case r := <-wait:
				if r != nil {
					if err := send(envelope.NewReplyFrame(r)); err != nil {
						b.log.Debug("relayed reply send failed", zap.Error(err))
					}
				}
			case <-time.After(b.timeout):
			}
		}()
	}
}

// acceptEnvelope processes one inbound data or control envelope. It
// returns either an in-line reply, or a channel that yields the reply
// once a forwarded recipient answers, or neither when no answer will
// ever exist.
func (b *Bus) acceptEnvelope(ctx context.Context, from locus.Locus, e *envelope.Envelope) (*envelope.Reply, <-chan *envelope.Reply) {
	b.mu.Lock()
	destroyed := b.destroyed
	b.mu.Unlock()
	if destroyed {
		return nil, nil
	}

	// Own envelopes echoed back through a fan-out hop.
	if e.Origin == b.self {
		return nil, nil
	}
	// Envelopes addressed past this locus ride transports that filter by
	// target; only the broadcast medium fans them to non-owners.
	if e.Target != "" && e.Target != b.self {
		return nil, nil
	}
	if e.ProxyControl {
		b.handleProxyControl(from, e)
		return nil, nil
	}
	// The racing caller may reach this locus through more than one path;
	// each request dispatches here at most once.
	if e.RequestID != "" && !b.markSeen(id.RequestID(e.RequestID)) {
		return nil, nil
	}

	// Arguments are decoded only when a genuine handler will see them:
	// decoding consumes single-use blob references, which must survive
	// intact through forwarding hops.
	if b.registry.genuineCount(e.Name) > 0 {
		args, err := b.codec.Decode(e.Args)
		if err != nil {
			b.log.Warn("inbound decode failed", zap.String("event", e.Name), zap.Error(err))
			if e.RequestID != "" {
				return &envelope.Reply{RequestID: e.RequestID, Error: err.Error()}, nil
			}
			return nil, nil
		}
		if result, answered := b.dispatch(ctx, e.Name, args...); answered {
			if e.RequestID == "" {
				return nil, nil
			}
			rv, err := b.codec.EncodeOne(result)
			if err != nil {
				return &envelope.Reply{RequestID: e.RequestID, Error: err.Error()}, nil
			}
			return &envelope.Reply{RequestID: e.RequestID, Result: rv}, nil
		}
	}

	return nil, b.forwardEnvelope(ctx, from, e)
}

// forwardEnvelope relays an unanswered envelope onward: to tagged
// subscribers when forwarding entries exist, otherwise along the default
// route away from the sender. It returns a channel carrying the relayed
// answer for correlated requests that were actually forwarded somewhere.
func (b *Bus) forwardEnvelope(ctx context.Context, from locus.Locus, e *envelope.Envelope) <-chan *envelope.Reply {
	// An envelope addressed here by name found nobody home; the chain
	// ends rather than bouncing.
	if e.Target == b.self {
		return nil
	}

	entries := b.registry.forwards(e.Name)
	frames := make([]*envelope.Frame, 0, 1)
	if len(entries) > 0 {
		for _, entry := range entries {
			clone := *e
			clone.Target = entry.subscriber
			frames = append(frames, envelope.NewEnvelopeFrame(&clone))
		}
	} else {
		// A leaf whose only link points back at the sender has nowhere
		// useful to relay; upstream dedup would drop the echo anyway.
		if next, ok := locus.TowardCoordinator(b.self); ok && from == next && len(b.desc.Transports) == 1 {
			return nil
		}
		clone := *e
		clone.Target = ""
		frames = append(frames, envelope.NewEnvelopeFrame(&clone))
	}

	var wait chan *envelope.Reply
	relayOwner := b.relayOwner(entries)
	if e.RequestID != "" {
		wait = make(chan *envelope.Reply, 1)
		b.addRelay(id.RequestID(e.RequestID), relayOwner, func(r *envelope.Reply) {
			select {
			case wait <- r:
			default:
			}
		})
	}

	delivered := false
	for _, f := range frames {
		if ok, err := b.deliverFrame(ctx, f); err == nil && ok {
			delivered = true
		}
	}
	if !delivered {
		if e.RequestID != "" {
			b.dropRelay(id.RequestID(e.RequestID))
		}
		return nil
	}
	if wait == nil {
		return nil
	}
	return wait
}

func (b *Bus) relayOwner(entries []*handlerEntry) string {
	for _, e := range entries {
		if e.owner != "" {
			return e.owner
		}
	}
	return ""
}

// resolveReply routes one inbound reply: to the local correlation table
// when the request originated here, onward when this bus forwarded the
// request for someone else, and silently to the floor otherwise.
func (b *Bus) resolveReply(r *envelope.Reply) {
	if r == nil {
		return
	}
	reqID := id.RequestID(r.RequestID)

	if b.corr.has(reqID) {
		out := b.decodeReply(r)
		if b.corr.settle(reqID, out) {
			b.recordReply("resolved")
		} else {
			b.recordReply("late")
		}
		return
	}

	if fn := b.takeRelay(reqID); fn != nil {
		// Relayed payloads pass through untouched; only the originating
		// caller decodes (and thereby consumes blob references).
		fn(r)
		b.recordReply("relayed")
		return
	}

	b.recordReply("dropped")
}

func (b *Bus) decodeReply(r *envelope.Reply) outcome {
	if r.Error != "" {
		return outcome{err: &envelope.RemoteError{Message: r.Error}}
	}
	if r.Result == nil {
		return outcome{}
	}
	v, err := b.codec.DecodeOne(r.Result)
	if err != nil {
		return outcome{err: err}
	}
	if remoteErr, ok := v.(*envelope.RemoteError); ok {
		return outcome{err: remoteErr}
	}
	return outcome{val: v}
}

// handleProxyControl installs or removes a tagged forwarding entry and
// propagates the chain one hop toward the coordinator.
func (b *Bus) handleProxyControl(from locus.Locus, e *envelope.Envelope) {
	args, err := envelope.DecodeProxyControl(e)
	if err != nil {
		b.log.Warn("malformed proxy control", zap.String("event", e.Name), zap.Error(err))
		return
	}
	if b.metrics != nil {
		b.metrics.RecordProxyControl(args.Op)
	}
	tag := id.ForwardTag(args.Tag)

	switch args.Op {
	case envelope.ProxyOpSubscribe:
		if !b.registry.addForwarding(e.Name, tag, args.Subscriber, args.Owner) {
			return
		}
		b.log.Debug("forwarding entry installed",
			zap.String("event", e.Name),
			zap.String("subscriber", string(args.Subscriber)),
			zap.String("tag", args.Tag))
	case envelope.ProxyOpUnsubscribe:
		if !b.registry.removeForwarding(e.Name, tag) {
			return
		}
		b.log.Debug("forwarding entry removed",
			zap.String("event", e.Name),
			zap.String("tag", args.Tag))
	default:
		return
	}
	b.reportForwarding()

	if b.self != locus.Coordinator {
		b.propagateControl(e.Name, args.Op, tag)
	}
}

// markSeen records an inbound request id, reporting false for ids this
// bus already processed.
func (b *Bus) markSeen(reqID id.RequestID) bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.seen[reqID]; dup {
		return false
	}
	if len(b.seen) >= seenLimit {
		for k, t := range b.seen {
			if now.After(t) {
				delete(b.seen, k)
			}
		}
	}
	b.seen[reqID] = now.Add(2 * b.timeout)
	return true
}

func (b *Bus) addRelay(reqID id.RequestID, owner string, fn func(*envelope.Reply)) {
	now := time.Now()
	b.mu.Lock()
	for k, r := range b.relayed {
		if now.After(r.expires) {
			delete(b.relayed, k)
		}
	}
	b.relayed[reqID] = &relayEntry{fn: fn, owner: owner, expires: now.Add(2 * b.timeout)}
	b.mu.Unlock()
}

func (b *Bus) takeRelay(reqID id.RequestID) func(*envelope.Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.relayed[reqID]
	if !ok {
		return nil
	}
	delete(b.relayed, reqID)
	return r.fn
}

func (b *Bus) dropRelay(reqID id.RequestID) {
	b.mu.Lock()
	delete(b.relayed, reqID)
	b.mu.Unlock()
}

func (b *Bus) recordReply(status string) {
	if b.metrics != nil {
		b.metrics.RecordReply(string(b.self), status)
	}
}
