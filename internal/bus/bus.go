// Package bus implements the per-context message bus: handler
// registration, local dispatch, cross-locus send/call with
// first-answer-wins transport racing, forwarding-subscription
// propagation, request/response correlation with timeouts, and
// lifecycle teardown.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contextmesh/crossbus/internal/blob"
	"github.com/contextmesh/crossbus/internal/envelope"
	"github.com/contextmesh/crossbus/internal/infrastructure/logging"
	"github.com/contextmesh/crossbus/internal/infrastructure/monitoring"
	"github.com/contextmesh/crossbus/internal/locus"
	"github.com/contextmesh/crossbus/internal/shared/id"
	"github.com/contextmesh/crossbus/internal/transport"
)

// DefaultTimeout bounds a call awaiting a remote reply.
const DefaultTimeout = 10 * time.Second

// Options configures a Bus.
type Options struct {
	// Timeout is the reply deadline for Send and Call. Zero means
	// DefaultTimeout.
	Timeout time.Duration
	// Owner identifies this document instance for lifecycle teardown of
	// the forwarding entries it causes upstream.
	Owner string
	// Blobs is the binary payload store. Coordinator only.
	Blobs   *blob.Store
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

// Bus is one execution context's view of the fabric. All cross-context
// mutation happens through envelopes; the registry and correlation table
// belong to this instance alone.
type Bus struct {
	self    locus.Locus
	desc    locus.Descriptor
	owner   string
	timeout time.Duration
	log     *logging.Logger
	metrics *monitoring.Metrics

	codec *envelope.Codec
	store *blob.Store

	registry *registry
	corr     *table

	mu         sync.Mutex
	transports map[locus.Kind]transport.Transport
	subTags    map[string]id.ForwardTag
	relayed    map[id.RequestID]*relayEntry
	seen       map[id.RequestID]time.Time
	destroyed  bool
}

// relayEntry routes a reply onward for a request this bus forwarded on
// someone else's behalf.
type relayEntry struct {
	fn      func(*envelope.Reply)
	owner   string
	expires time.Time
}

// New creates the bus for a locus. Only the coordinator may carry a blob
// store; every other locus reaches the store through the bus itself.
func New(l locus.Locus, opts Options) (*Bus, error) {
	desc, err := locus.Describe(l)
	if err != nil {
		return nil, err
	}
	if opts.Blobs != nil && l != locus.Coordinator {
		return nil, fmt.Errorf("blob store on non-coordinator locus %s", l)
	}

	b := &Bus{
		self:       l,
		desc:       desc,
		owner:      opts.Owner,
		timeout:    opts.Timeout,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		store:      opts.Blobs,
		registry:   newRegistry(),
		corr:       newTable(opts.Metrics),
		transports: make(map[locus.Kind]transport.Transport),
		subTags:    make(map[string]id.ForwardTag),
		relayed:    make(map[id.RequestID]*relayEntry),
		seen:       make(map[id.RequestID]time.Time),
	}
	if b.timeout <= 0 {
		b.timeout = DefaultTimeout
	}
	if b.log == nil {
		b.log = logging.NewDefault()
	}
	b.log = b.log.WithLocus(l.String())

	if b.store != nil {
		b.codec = envelope.NewCodec(&localBlobs{store: b.store})
		b.registerBlobHandlers()
	} else {
		b.codec = envelope.NewCodec(newRemoteBlobs(b))
	}
	return b, nil
}

// Locus returns the identity of this context.
func (b *Bus) Locus() locus.Locus { return b.self }

// AttachTransport wires a transport the locus's send strategy reaches.
// Attaching a second transport of the same kind replaces the first.
func (b *Bus) AttachTransport(t transport.Transport) error {
	if !b.desc.Reaches(t.Kind()) {
		return fmt.Errorf("locus %s does not reach %s transport", b.self, t.Kind())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrDestroyed
	}
	b.transports[t.Kind()] = t
	return nil
}

// On registers a genuine handler. When this locus is a leaf unreachable
// from most callers, the first handler for an event also propagates a
// forwarding subscription to the upstream intermediary.
func (b *Bus) On(event string, h Handler) *Subscription {
	entry := b.registry.addGenuine(event, h, false, b.owner)
	b.propagateSubscribe(event)
	return &Subscription{entry: entry}
}

// Once registers a handler that removes itself after its first
// invocation.
func (b *Bus) Once(event string, h Handler) *Subscription {
	entry := b.registry.addGenuine(event, h, true, b.owner)
	b.propagateSubscribe(event)
	return &Subscription{entry: entry}
}

// Off removes a subscription. Removing the last genuine handler for an
// event tears the forwarding chain down.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil || !b.registry.remove(sub.entry) {
		return
	}
	b.afterGenuineRemoval(sub.entry.event)
}

// Emit dispatches to the local genuine handlers in registration order
// and returns the first non-nil result. A handler that errors or panics
// is logged and skipped so the others still get a chance.
func (b *Bus) Emit(ctx context.Context, event string, args ...any) any {
	result, _ := b.dispatch(ctx, event, args...)
	return result
}

// Send delivers the event and resolves to the first answer, or to nil
// when nobody answers within the timeout. Absence of an answer is not an
// error.
func (b *Bus) Send(ctx context.Context, event string, args ...any) (any, error) {
	return b.roundTrip(ctx, event, args, false)
}

// Call delivers the event and requires an answer within the timeout.
// The zero-answer outcomes that Send maps to nil reject with a
// TimeoutError instead.
func (b *Bus) Call(ctx context.Context, event string, args ...any) (any, error) {
	return b.roundTrip(ctx, event, args, true)
}

// DropOwner removes every forwarding entry and relayed reply route
// created on behalf of a hosted document that no longer exists, and
// propagates the teardown upstream.
func (b *Bus) DropOwner(owner string) {
	removed := b.registry.removeOwner(owner)
	for _, e := range removed {
		b.propagateControl(e.event, envelope.ProxyOpUnsubscribe, e.tag)
	}
	b.reportForwarding()

	b.mu.Lock()
	for reqID, r := range b.relayed {
		if r.owner == owner {
			delete(b.relayed, reqID)
		}
	}
	b.mu.Unlock()

	if len(removed) > 0 {
		b.log.Debug("dropped owner",
			zap.String("owner", owner),
			zap.Int("forwarding_entries", len(removed)))
	}
}

// Destroy tears the context down: the registry is cleared, every pending
// call rejects, upstream forwarding entries for this context are
// released, and the attached transports close.
func (b *Bus) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	tags := b.subTags
	b.subTags = make(map[string]id.ForwardTag)
	transports := b.transports
	b.transports = make(map[locus.Kind]transport.Transport)
	b.relayed = make(map[id.RequestID]*relayEntry)
	b.mu.Unlock()

	// Release upstream forwarding entries while the links still exist.
	if upstream, ok := b.desc.ProxyUpstream(); ok {
		for event, tag := range tags {
			ctrl := envelope.NewProxyControl(event, b.self, upstream, envelope.ProxyControlArgs{
				Op:         envelope.ProxyOpUnsubscribe,
				Tag:        tag.String(),
				Subscriber: b.self,
				Owner:      b.owner,
			})
			b.deliverControl(transports, ctrl)
		}
	}

	b.registry.clear()
	b.corr.rejectAll(ErrDestroyed)
	for _, t := range transports {
		t.Close()
	}
	b.log.Debug("bus destroyed", zap.String("locus", string(b.self)))
}

// dispatch invokes the genuine handlers for event in registration order
// and adopts the first non-nil result.
func (b *Bus) dispatch(ctx context.Context, event string, args ...any) (any, bool) {
	for _, entry := range b.registry.genuine(event) {
		if entry.once {
			if !b.registry.remove(entry) {
				continue // someone else consumed it
			}
			b.afterGenuineRemoval(event)
		}
		result, err := b.invoke(ctx, entry, args)
		if err != nil {
			b.log.Warn("handler failed", zap.String("event", event), zap.Error(&HandlerError{Event: event, Err: err}))
			if b.metrics != nil {
				b.metrics.RecordDispatch(string(b.self), "error")
			}
			continue
		}
		if result != nil {
			if b.metrics != nil {
				b.metrics.RecordDispatch(string(b.self), "answered")
			}
			return result, true
		}
	}
	if b.metrics != nil {
		b.metrics.RecordDispatch(string(b.self), "unanswered")
	}
	return nil, false
}

func (b *Bus) invoke(ctx context.Context, entry *handlerEntry, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return entry.fn(ctx, args...)
}

// roundTrip is the shared body of Send and Call.
func (b *Bus) roundTrip(ctx context.Context, event string, args []any, required bool) (any, error) {
	b.mu.Lock()
	destroyed := b.destroyed
	b.mu.Unlock()
	if destroyed {
		return nil, ErrDestroyed
	}
	if err := envelope.ValidateEventName(event); err != nil {
		return nil, err
	}

	// Local handlers are raced first and win immediately: same-context
	// dispatch passes raw arguments with no wire round trip.
	if result, answered := b.dispatch(ctx, event, args...); answered {
		return result, nil
	}

	wire, err := b.codec.Encode(args)
	if err != nil {
		return nil, err
	}

	reqID := id.NewRequestID()
	pending := b.corr.add(reqID, event, b.timeout)
	f := envelope.NewEnvelopeFrame(&envelope.Envelope{
		Name:      event,
		Args:      wire,
		RequestID: reqID.String(),
		Origin:    b.self,
	})

	go func() {
		delivered, raceErr := b.raceFrame(ctx, f, b.resolveReply)
		if !delivered {
			if raceErr != nil {
				b.corr.settle(reqID, outcome{err: raceErr})
			} else {
				b.corr.settle(reqID, outcome{err: errNoAnswer})
			}
		}
	}()

	select {
	case out := <-pending.ch:
		return b.finish(event, out, required)
	case <-ctx.Done():
		b.corr.settle(reqID, outcome{err: ctx.Err()})
		return nil, ctx.Err()
	}
}

// finish maps a settled outcome to the caller-visible contract.
func (b *Bus) finish(event string, out outcome, required bool) (any, error) {
	switch {
	case out.err == nil:
		return out.val, nil
	case out.err == errNoAnswer:
		if required {
			return nil, &TimeoutError{Event: event, Timeout: b.timeout}
		}
		return nil, nil
	default:
		if _, isTimeout := out.err.(*TimeoutError); isTimeout && !required {
			return nil, nil
		}
		return nil, out.err
	}
}

// propagateSubscribe sends a proxy-control subscribe upstream when this
// is the first genuine handler for the event on a leaf locus.
func (b *Bus) propagateSubscribe(event string) {
	if _, ok := b.desc.ProxyUpstream(); !ok {
		return
	}
	if b.registry.genuineCount(event) != 1 {
		return
	}

	b.mu.Lock()
	tag, ok := b.subTags[event]
	if !ok {
		tag = id.NewForwardTag()
		b.subTags[event] = tag
	}
	b.mu.Unlock()
	b.propagateControl(event, envelope.ProxyOpSubscribe, tag)
}

// afterGenuineRemoval tears the forwarding chain down once the last
// genuine handler for an event is gone.
func (b *Bus) afterGenuineRemoval(event string) {
	if _, ok := b.desc.ProxyUpstream(); !ok {
		return
	}
	if b.registry.genuineCount(event) != 0 {
		return
	}

	b.mu.Lock()
	tag, ok := b.subTags[event]
	if ok {
		delete(b.subTags, event)
	}
	b.mu.Unlock()
	if ok {
		b.propagateControl(event, envelope.ProxyOpUnsubscribe, tag)
	}
}

// propagateControl delivers one subscription-management envelope toward
// the upstream intermediary.
func (b *Bus) propagateControl(event, op string, tag id.ForwardTag) {
	upstream, ok := b.desc.ProxyUpstream()
	if !ok {
		upstream, ok = locus.TowardCoordinator(b.self)
		if !ok {
			return
		}
	}
	ctrl := envelope.NewProxyControl(event, b.self, upstream, envelope.ProxyControlArgs{
		Op:         op,
		Tag:        tag.String(),
		Subscriber: b.self,
		Owner:      b.owner,
	})

	b.mu.Lock()
	transports := make(map[locus.Kind]transport.Transport, len(b.transports))
	for k, t := range b.transports {
		transports[k] = t
	}
	b.mu.Unlock()
	go b.deliverControl(transports, ctrl)
}

func (b *Bus) deliverControl(transports map[locus.Kind]transport.Transport, ctrl *envelope.Envelope) {
	f := envelope.NewEnvelopeFrame(ctrl)
	for _, k := range b.desc.Transports {
		t, ok := transports[k]
		if !ok {
			continue
		}
		if _, delivered, err := t.Deliver(context.Background(), f); err == nil && delivered {
			return
		}
	}
}

func (b *Bus) reportForwarding() {
	if b.metrics != nil {
		b.metrics.SetForwardingEntries(b.registry.forwardingCount())
	}
}
