package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType names a registry event.
type EventType string

const (
	EventRegistered           EventType = "registered"
	EventUnregistered         EventType = "unregistered"
	EventHealthUpdated        EventType = "health_updated"
	EventStateChanged         EventType = "state_changed"
	EventSuspended            EventType = "suspended"
	EventHealthCheckFailed    EventType = "health_check_failed"
	EventHealthCheckRecovered EventType = "health_check_recovered"
	EventSLAViolation         EventType = "sla_violation"
)

// Event is one notification emitted by the Service.
type Event struct {
	Type      EventType      `json:"type"`
	AgentID   string         `json:"agent_id"`
	Tenant    string         `json:"tenant,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventHandler handles one event.
type EventHandler func(event *Event)

// Notifier delivers events. The Service calls it synchronously after the
// state change the event describes is visible, never under a registry lock.
//
// Events from one goroutine arrive in the order of its mutations. Concurrent
// mutations of the same agent are emitted after their locks are released, so
// their events may arrive out of mutation order: a health_updated from an
// in-flight check can follow unregistered. Consumers that need the current
// state re-read it with GetAgent rather than folding events.
type Notifier interface {
	Notify(ctx context.Context, event *Event)
}

type subscription struct {
	id      string
	handler EventHandler
}

// EventBus fans events out to subscribers synchronously in subscription
// order. A panicking handler is recovered and logged; the remaining handlers
// still run.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *zap.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{logger: logger.With(zap.String("component", "event_bus"))}
}

// Subscribe registers handler and returns its subscription id.
func (b *EventBus) Subscribe(handler EventHandler) string {
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a subscription. It reports whether it existed.
func (b *EventBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of subscribers.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Notify implements Notifier.
func (b *EventBus) Notify(_ context.Context, event *Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(s, event)
	}
}

func (b *EventBus) dispatch(s subscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("subscription_id", s.id),
				zap.String("event", string(event.Type)),
				zap.String("agent_id", event.AgentID),
				zap.Any("panic", r))
		}
	}()
	s.handler(event)
}

var _ Notifier = (*EventBus)(nil)
