// Package events is the in-process subscription surface for order status
// changes and tracking events.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
)

type Kind string

const (
	KindOrderStatusChanged Kind = "order.status_changed"
	KindTrackingEvent      Kind = "shipment.tracking_event"
)

type Event struct {
	ID         uuid.UUID             `json:"id"`
	Kind       Kind                  `json:"kind"`
	OrderID    uuid.UUID             `json:"order_id"`
	From       models.OrderStatus    `json:"from,omitempty"`
	To         models.OrderStatus    `json:"to,omitempty"`
	AWBNumber  string                `json:"awb_number,omitempty"`
	Tracking   *models.TrackingEvent `json:"tracking,omitempty"`
	OccurredAt time.Time             `json:"occurred_at"`
}

func StatusChanged(orderID uuid.UUID, from, to models.OrderStatus) Event {
	return Event{
		ID:         uuid.New(),
		Kind:       KindOrderStatusChanged,
		OrderID:    orderID,
		From:       from,
		To:         to,
		OccurredAt: time.Now().UTC(),
	}
}

func TrackingRecorded(orderID uuid.UUID, tracking models.TrackingEvent) Event {
	return Event{
		ID:         uuid.New(),
		Kind:       KindTrackingEvent,
		OrderID:    orderID,
		AWBNumber:  tracking.AWBNumber,
		Tracking:   &tracking,
		OccurredAt: time.Now().UTC(),
	}
}

// Handler receives published events. Errors are logged by the bus.
type Handler func(ctx context.Context, event Event) error

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

// Bus delivers each event to every subscriber synchronously, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bus{logger: logger.With("component", "event_bus")}
}

// Subscribe registers handler and returns a function that removes it.
func (b *Bus) Subscribe(name string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	logger := logging.FromContext(ctx, b.logger)
	for _, sub := range subs {
		if err := sub.handler(ctx, event); err != nil {
			logger.Error("event subscriber failed",
				"subscriber", sub.name,
				"kind", string(event.Kind),
				"order_id", event.OrderID.String(),
				"error", err,
			)
		}
	}
}
