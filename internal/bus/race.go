package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/contextmesh/crossbus/internal/envelope"
	"github.com/contextmesh/crossbus/internal/locus"
	"github.com/contextmesh/crossbus/internal/transport"
)

// raceFrame fans the frame out across the attached transports in the
// locus's strategy order and blocks until every attempt returns. In-line
// replies from synchronous transports are handed to onReply as they
// arrive; the first one wins at the correlation table and later ones are
// discarded there. It reports whether any transport delivered and the
// first genuine I/O failure, if any.
func (b *Bus) raceFrame(ctx context.Context, f *envelope.Frame, onReply func(*envelope.Reply)) (bool, error) {
	type attempt struct {
		kind locus.Kind
		t    transport.Transport
	}

	b.mu.Lock()
	attempts := make([]attempt, 0, len(b.desc.Transports))
	for _, k := range b.desc.Transports {
		if t, ok := b.transports[k]; ok {
			attempts = append(attempts, attempt{kind: k, t: t})
		}
	}
	b.mu.Unlock()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered bool
		firstErr  error
	)
	for _, a := range attempts {
		wg.Add(1)
		go func(a attempt) {
			defer wg.Done()
			reply, ok, err := a.t.Deliver(ctx, f)
			switch {
			case err != nil:
				b.recordEnvelope(a.kind, "error")
				b.log.Debug("transport delivery failed",
					zap.String("transport", string(a.kind)),
					zap.Error(err))
				mu.Lock()
				if firstErr == nil {
					firstErr = &DeliveryError{Transport: a.kind, Err: err}
				}
				mu.Unlock()
			case ok:
				b.recordEnvelope(a.kind, "delivered")
				mu.Lock()
				delivered = true
				mu.Unlock()
			default:
				b.recordEnvelope(a.kind, "unreachable")
			}
			if reply != nil && onReply != nil {
				onReply(reply)
			}
		}(a)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return delivered, firstErr
}

// deliverFrame is the fire-and-forget variant used for proxy controls
// and forwarded envelopes. In-line replies still route through the reply
// path so relayed answers find their way back.
func (b *Bus) deliverFrame(ctx context.Context, f *envelope.Frame) (bool, error) {
	return b.raceFrame(ctx, f, b.resolveReply)
}

func (b *Bus) recordEnvelope(kind locus.Kind, status string) {
	if b.metrics != nil {
		b.metrics.RecordEnvelope(string(b.self), string(kind), status)
	}
}
