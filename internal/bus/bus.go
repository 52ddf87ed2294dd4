// Package bus is the sentinel's event spine. Every state change the
// system makes is published here as a JSON envelope; WebSocket clients
// and the history API replay it. Two implementations share the same
// semantics: an in-memory bus for tests and single-process runs, and a
// Redis-backed bus for multi-process deployments.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/aryan877/sre-sentinel/internal/metrics"
)

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed = errors.New("event bus is closed")

// Channel and history key used by the Redis implementation; the memory
// implementation mirrors the same bounds.
const (
	EventChannel    = "sre-sentinel-events"
	EventHistoryKey = "sre-sentinel-events-history"
	MaxHistorySize  = 1000

	// subscriberQueueSize bounds each subscriber's delivery queue. A slow
	// consumer loses its oldest pending events, never the publisher's
	// throughput.
	subscriberQueueSize = 256
)

// Bus publishes JSON-serializable events to all attached subscribers and
// keeps a bounded newest-first history.
type Bus interface {
	// Publish fans the event out to current subscribers and appends it to
	// history. It never blocks on slow consumers. Events published before
	// a Subscribe call are not delivered to that subscriber.
	Publish(ctx context.Context, event any)

	// Subscribe attaches a new subscriber receiving all events published
	// after this call.
	Subscribe(ctx context.Context) (*Subscription, error)

	// History returns up to limit most recent events, newest first.
	History(ctx context.Context, limit int) ([]json.RawMessage, error)

	// Close releases bus resources and closes all subscriptions.
	Close() error
}

// countPublished records the envelope type of a marshaled event on the
// published-events counter. Both implementations call this once per
// publish so the metric covers every envelope type, not just a subset.
func countPublished(payload []byte) {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &peek); err != nil || peek.Type == "" {
		peek.Type = "unknown"
	}
	metrics.EventsPublished.WithLabelValues(peek.Type).Inc()
}

// Subscription is one subscriber's bounded event queue.
type Subscription struct {
	ch chan json.RawMessage

	mu     sync.Mutex
	closed bool
	onStop func()
}

func newSubscription(onStop func()) *Subscription {
	return &Subscription{
		ch:     make(chan json.RawMessage, subscriberQueueSize),
		onStop: onStop,
	}
}

// Events returns the receive channel. It is closed when the subscription
// or its bus closes.
func (s *Subscription) Events() <-chan json.RawMessage {
	return s.ch
}

// deliver enqueues without blocking; when the queue is full the oldest
// pending event is dropped to make room.
func (s *Subscription) deliver(msg json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- msg:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Close detaches the subscription from its bus and closes the channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	onStop := s.onStop
	s.mu.Unlock()

	if onStop != nil {
		onStop()
	}
}
