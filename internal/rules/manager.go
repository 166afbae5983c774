// Package rules manages network-rule descriptions registered over the
// bus. Rules are opaque serializable payloads; the manager stores and
// lists them without interpreting their contents.
package rules

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/contextmesh/crossbus/internal/bus"
	"github.com/contextmesh/crossbus/internal/infrastructure/logging"
)

// Events owned by the manager.
const (
	EventRegister   = "rule.register"
	EventUnregister = "rule.unregister"
	EventList       = "rule.list"
)

// Manager holds registered rules keyed by id.
type Manager struct {
	mu    sync.RWMutex
	rules map[string]any
	log   *logging.Logger
	subs  []*bus.Subscription
	bus   *bus.Bus
}

// Attach subscribes the manager to its events on b.
func Attach(b *bus.Bus, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewDefault()
	}
	m := &Manager{
		rules: make(map[string]any),
		log:   log,
		bus:   b,
	}
	m.subs = []*bus.Subscription{
		b.On(EventRegister, m.register),
		b.On(EventUnregister, m.unregister),
		b.On(EventList, m.list),
	}
	return m
}

// Detach removes the manager's subscriptions.
func (m *Manager) Detach() {
	for _, sub := range m.subs {
		m.bus.Off(sub)
	}
	m.subs = nil
}

// Len returns the number of registered rules.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

func (m *Manager) register(ctx context.Context, args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("rule.register wants (id, rule), got %d arguments", len(args))
	}
	ruleID, ok := args[0].(string)
	if !ok || ruleID == "" {
		return nil, fmt.Errorf("rule id is %T, want non-empty string", args[0])
	}

	m.mu.Lock()
	_, replaced := m.rules[ruleID]
	m.rules[ruleID] = args[1]
	m.mu.Unlock()

	m.log.Debug("rule registered", zap.String("rule_id", ruleID), zap.Bool("replaced", replaced))
	return ruleID, nil
}

func (m *Manager) unregister(ctx context.Context, args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("rule.unregister wants (id), got %d arguments", len(args))
	}
	ruleID, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("rule id is %T, want string", args[0])
	}

	m.mu.Lock()
	_, existed := m.rules[ruleID]
	delete(m.rules, ruleID)
	m.mu.Unlock()

	m.log.Debug("rule unregistered", zap.String("rule_id", ruleID), zap.Bool("existed", existed))
	return existed, nil
}

func (m *Manager) list(ctx context.Context, args ...any) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.rules))
	for k, v := range m.rules {
		out[k] = v
	}
	return out, nil
}
