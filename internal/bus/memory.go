package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aryan877/sre-sentinel/internal/buffer"
)

// Memory is the in-process Bus used for tests and single-node runs.
type Memory struct {
	logger zerolog.Logger

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	history *buffer.Ring[json.RawMessage]
	closed  bool
}

// NewMemory builds an in-memory bus with the standard history bound.
func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{
		logger:  logger,
		subs:    make(map[*Subscription]struct{}),
		history: buffer.NewRing[json.RawMessage](MaxHistorySize),
	}
}

// Publish marshals the event and fans it out. Marshal failures are
// logged and swallowed; the bus never takes the publisher down.
func (m *Memory) Publish(_ context.Context, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	countPublished(payload)
	m.history.Push(payload)
	subs := make([]*Subscription, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(payload)
	}
}

// Subscribe attaches a subscriber that sees only events published after
// this call returns.
func (m *Memory) Subscribe(_ context.Context) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrBusClosed
	}

	var sub *Subscription
	sub = newSubscription(func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	})
	m.subs[sub] = struct{}{}
	return sub, nil
}

// History returns up to limit events, newest first.
func (m *Memory) History(_ context.Context, limit int) ([]json.RawMessage, error) {
	m.mu.Lock()
	snapshot := m.history.Snapshot()
	m.mu.Unlock()

	if limit <= 0 || limit > len(snapshot) {
		limit = len(snapshot)
	}

	out := make([]json.RawMessage, 0, limit)
	for i := len(snapshot) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, snapshot[i])
	}
	return out, nil
}

// Close shuts the bus and every attached subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = map[*Subscription]struct{}{}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}
