package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type names a domain event.
type Type string

const (
	BookingCreated     Type = "booking.created"
	BookingRescheduled Type = "booking.rescheduled"
	BookingUpdated     Type = "booking.updated"
	BookingCancelled   Type = "booking.cancelled"
	BookingPurged      Type = "booking.purged"
	SlotCreated        Type = "slot.created"
	SlotUpdated        Type = "slot.updated"
	SlotDeleted        Type = "slot.deleted"
)

// Event is published after the change it describes has been committed.
type Event struct {
	Type      Type
	BookingID string
	SlotID    string
	Reference string
	Email     string
	Reason    string // set when a cancellation was not made by the booker
	CreatedAt time.Time
}

// Handler reacts to an event. Errors are logged and never reach the publisher.
type Handler func(ctx context.Context, event Event) error

// Publisher is what services depend on.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[Type][]Handler
	all         []Handler
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewEventBus constructs an empty bus.
func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[Type][]Handler),
		logger:      logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *EventBus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Publish runs the subscribers synchronously in registration order.
func (b *EventBus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append(append([]Handler(nil), b.subscribers[event.Type]...), b.all...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.logger.Warn().Err(err).Str("type", string(event.Type)).Str("booking_id", event.BookingID).Msg("event handler failed")
		}
	}
}

// LogHandler writes every event to the log.
func LogHandler(logger zerolog.Logger) Handler {
	l := logger.With().Str("component", "notifier").Logger()
	return func(_ context.Context, e Event) error {
		ev := l.Info().Str("type", string(e.Type))
		if e.BookingID != "" {
			ev = ev.Str("booking_id", e.BookingID)
		}
		if e.Reference != "" {
			ev = ev.Str("reference", e.Reference)
		}
		if e.SlotID != "" {
			ev = ev.Str("slot_id", e.SlotID)
		}
		if e.Reason != "" {
			ev = ev.Str("reason", e.Reason)
		}
		ev.Msg("event")
		return nil
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
