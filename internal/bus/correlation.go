package bus

import (
	"sync"
	"time"

	"github.com/contextmesh/crossbus/internal/infrastructure/monitoring"
	"github.com/contextmesh/crossbus/internal/shared/id"
)

// outcome settles one pending call: a decoded value, or a typed error.
type outcome struct {
	val any
	err error
}

// pendingCall is one outstanding correlated request. Settlement and
// timeout are mutually exclusive; whichever fires first removes the
// entry, so each request id is consumed exactly once.
type pendingCall struct {
	id    id.RequestID
	event string
	ch    chan outcome
	timer *time.Timer
}

// table is the per-context correlation map.
type table struct {
	mu      sync.Mutex
	pending map[id.RequestID]*pendingCall
	metrics *monitoring.Metrics
}

func newTable(metrics *monitoring.Metrics) *table {
	return &table{pending: make(map[id.RequestID]*pendingCall), metrics: metrics}
}

// add records a pending call and arms its deadline timer.
func (t *table) add(reqID id.RequestID, event string, timeout time.Duration) *pendingCall {
	p := &pendingCall{
		id:    reqID,
		event: event,
		ch:    make(chan outcome, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		if t.settle(reqID, outcome{err: &TimeoutError{Event: event, Timeout: timeout}}) {
			if t.metrics != nil {
				t.metrics.RecordTimeout(event)
			}
		}
	})

	t.mu.Lock()
	t.pending[reqID] = p
	n := len(t.pending)
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.SetPendingCalls(n)
	}
	return p
}

// has reports whether reqID is an outstanding local call.
func (t *table) has(reqID id.RequestID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[reqID]
	return ok
}

// settle resolves or rejects the pending call. It reports false when the
// entry was already consumed.
func (t *table) settle(reqID id.RequestID, out outcome) bool {
	t.mu.Lock()
	p, ok := t.pending[reqID]
	if ok {
		delete(t.pending, reqID)
	}
	n := len(t.pending)
	t.mu.Unlock()
	if !ok {
		return false
	}

	p.timer.Stop()
	p.ch <- out
	if t.metrics != nil {
		t.metrics.SetPendingCalls(n)
	}
	return true
}

// rejectAll settles every pending call with err.
func (t *table) rejectAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[id.RequestID]*pendingCall)
	t.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.ch <- outcome{err: err}
	}
	if t.metrics != nil {
		t.metrics.SetPendingCalls(0)
	}
}
