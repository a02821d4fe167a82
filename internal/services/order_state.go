package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/events"
	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/observability"
)

// OrderStateMachine owns every Order.status change. Transitions are checked
// against the status lattice and applied with a compare-and-set in the store.
type OrderStateMachine struct {
	orders    OrderRepository
	publisher events.Publisher
	logger    *slog.Logger
}

func NewOrderStateMachine(orders OrderRepository, publisher events.Publisher, logger *slog.Logger) *OrderStateMachine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &OrderStateMachine{
		orders:    orders,
		publisher: publisher,
		logger:    logger.With("component", "order_state"),
	}
}

// Create stores a freshly converted order, moving it from none to draft.
func (m *OrderStateMachine) Create(ctx context.Context, order *models.Order) error {
	if order == nil {
		return models.NewValidationError(nil, "order", "order is required")
	}
	if order.Status != models.StatusNone && order.Status != models.StatusDraft {
		return fmt.Errorf("create order in status %q: %w", order.Status, models.ErrInvalidStatusTransition)
	}
	order.Status = models.StatusDraft
	if err := m.orders.CreateOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	m.published(ctx, order.ID, models.StatusNone, models.StatusDraft)
	return nil
}

// Transition moves the order to status to. The move fails with
// ErrInvalidStatusTransition when the current status cannot reach it.
func (m *OrderStateMachine) Transition(ctx context.Context, orderID uuid.UUID, to models.OrderStatus, reason string) error {
	span := sentry.StartSpan(
		ctx,
		"service.order.transition",
		sentry.WithOpName("service.order"),
		sentry.WithDescription(string(to)),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	from, err := m.orders.UpdateStatus(ctx, orderID, to, reason)
	if err != nil {
		span.Status = sentry.SpanStatusFailedPrecondition
		return fmt.Errorf("order %s -> %s: %w", orderID, to, err)
	}
	span.Status = sentry.SpanStatusOK
	m.published(ctx, orderID, from, to)
	return nil
}

func (m *OrderStateMachine) published(ctx context.Context, orderID uuid.UUID, from, to models.OrderStatus) {
	logging.FromContext(ctx, m.logger).Info("order status changed",
		"order_id", orderID.String(),
		"from", string(from),
		"to", string(to),
	)
	observability.MeterFromContext(ctx).Count("order.status_changed", 1, sentry.WithAttributes(
		attribute.String("to", string(to)),
	))
	if m.publisher != nil {
		m.publisher.Publish(ctx, events.StatusChanged(orderID, from, to))
	}
}
