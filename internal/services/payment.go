package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/observability"
	"github.com/gitshopapp/fulfillment/internal/retry"
	"github.com/gitshopapp/fulfillment/internal/stripe"
)

type PaymentGatewayConfig struct {
	Orders    OrderRepository
	Payments  PaymentRepository
	States    *OrderStateMachine
	Processor PaymentProcessor
	Retry     retry.Policy
	Logger    *slog.Logger
}

// PaymentGateway charges orders exactly once. Calls for one order are
// serialized and identical concurrent calls share a single charge.
type PaymentGateway struct {
	orders    OrderRepository
	payments  PaymentRepository
	states    *OrderStateMachine
	processor PaymentProcessor
	retry     retry.Policy
	logger    *slog.Logger
	now       func() time.Time

	flight singleflight.Group
	locks  keyedMutex
}

func NewPaymentGateway(cfg PaymentGatewayConfig) *PaymentGateway {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &PaymentGateway{
		orders:    cfg.Orders,
		payments:  cfg.Payments,
		states:    cfg.States,
		processor: cfg.Processor,
		retry:     cfg.Retry,
		logger:    logger.With("component", "payment_gateway"),
		now:       time.Now,
	}
}

type chargeOutcome struct {
	attempt *models.PaymentAttempt
	err     error
}

// AuthorizeAndCapture charges the order total to paymentMethod. A declined
// charge moves the order to payment_failed; a successful one to confirmed.
// Paying an already confirmed order returns its succeeded attempt.
func (g *PaymentGateway) AuthorizeAndCapture(ctx context.Context, orderID uuid.UUID, paymentMethod string) (*models.PaymentAttempt, error) {
	paymentMethod = strings.TrimSpace(paymentMethod)
	if paymentMethod == "" {
		return nil, models.NewValidationError(nil, "payment_method", "is required")
	}

	span := sentry.StartSpan(
		ctx,
		"service.payment.authorize_and_capture",
		sentry.WithOpName("service.payment"),
		sentry.WithDescription("authorize_and_capture"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	value, _, _ := g.flight.Do(orderID.String()+"|"+paymentMethod, func() (any, error) {
		unlock := g.locks.Lock(orderID.String())
		defer unlock()
		attempt, err := g.charge(ctx, orderID, paymentMethod)
		return chargeOutcome{attempt: attempt, err: err}, nil
	})
	outcome := value.(chargeOutcome)

	switch {
	case outcome.err == nil:
		span.Status = sentry.SpanStatusOK
	case errors.Is(outcome.err, models.ErrPaymentDeclined):
		span.Status = sentry.SpanStatusFailedPrecondition
	default:
		span.Status = sentry.SpanStatusInternalError
	}
	return outcome.attempt, outcome.err
}

func (g *PaymentGateway) charge(ctx context.Context, orderID uuid.UUID, paymentMethod string) (*models.PaymentAttempt, error) {
	ctx, logger := logging.With(ctx, g.logger, "order_id", orderID.String())
	meter := observability.MeterFromContext(ctx)

	order, err := g.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case models.StatusConfirmed, models.StatusShipped, models.StatusDelivered:
		return g.payments.SucceededAttempt(ctx, orderID)
	case models.StatusPaymentFailed:
		if err := g.states.Transition(ctx, orderID, models.StatusDraft, "payment retry"); err != nil {
			return nil, err
		}
	case models.StatusDraft:
	default:
		return nil, fmt.Errorf("cannot charge order in status %q: %w", order.Status, models.ErrInvalidStatusTransition)
	}

	// A capture recorded by an earlier call whose confirm step failed is
	// finished here instead of charging again.
	captured, err := g.payments.SucceededAttempt(ctx, orderID)
	switch {
	case err == nil:
		logger.Warn("finishing settlement of an earlier capture", "processor_ref", captured.ProcessorRef)
		return g.confirm(ctx, models.StatusDraft, captured)
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}

	key, err := g.idempotencyKey(ctx, orderID, paymentMethod)
	if err != nil {
		return nil, err
	}

	attempt := &models.PaymentAttempt{
		AttemptID:      uuid.New(),
		OrderID:        orderID,
		Amount:         order.Financial.Total,
		Currency:       order.Financial.Currency,
		PaymentMethod:  paymentMethod,
		IdempotencyKey: key,
		CreatedAt:      g.now().UTC(),
	}

	result, err := retry.Value(ctx, g.retry, "stripe.charge", func(ctx context.Context) (*stripe.ChargeResult, error) {
		return g.processor.Charge(ctx, stripe.ChargeParams{
			OrderID:        orderID.String(),
			Amount:         order.Financial.Total,
			Currency:       order.Financial.Currency,
			PaymentMethod:  paymentMethod,
			IdempotencyKey: key,
		})
	})
	if err != nil {
		attempt.Result = models.PaymentError
		attempt.FailureReason = err.Error()
		g.record(ctx, attempt)
		meter.Count("payment.attempt.error", 1)
		logger.Warn("payment attempt failed", "error", err, "retryable", models.IsRetryable(err))
		return attempt, err
	}

	attempt.ProcessorRef = result.ProcessorRef
	switch result.Status {
	case stripe.ChargeSucceeded:
		attempt.Result = models.PaymentSucceeded
		return g.settle(ctx, order.Status, attempt)

	case stripe.ChargeDeclined:
		attempt.Result = models.PaymentDeclined
		attempt.FailureReason = result.DeclineReason
		g.record(ctx, attempt)
		meter.Count("payment.attempt.declined", 1)
		if err := g.states.Transition(ctx, orderID, models.StatusPaymentFailed, result.DeclineReason); err != nil {
			return attempt, err
		}
		logger.Info("payment declined", "reason", result.DeclineReason)
		return attempt, fmt.Errorf("%w: %s", models.ErrPaymentDeclined, result.DeclineReason)

	default:
		attempt.Result = models.PaymentError
		attempt.FailureReason = "charge pending at processor"
		g.record(ctx, attempt)
		meter.Count("payment.attempt.pending", 1)
		return attempt, models.Transient(fmt.Errorf("charge %s is still pending", result.ProcessorRef))
	}
}

// idempotencyKey reuses the key of an errored attempt with the same payment
// method, so a retry after an ambiguous failure cannot charge twice.
func (g *PaymentGateway) idempotencyKey(ctx context.Context, orderID uuid.UUID, paymentMethod string) (string, error) {
	latest, err := g.payments.LatestAttempt(ctx, orderID)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return "", err
	case latest.Result == models.PaymentError && latest.PaymentMethod == paymentMethod:
		return latest.IdempotencyKey, nil
	}
	return orderID.String() + ":" + uuid.NewString(), nil
}

// settle records a succeeded attempt and confirms the order. If another
// succeeded attempt already exists that one wins.
func (g *PaymentGateway) settle(ctx context.Context, status models.OrderStatus, attempt *models.PaymentAttempt) (*models.PaymentAttempt, error) {
	logger := logging.FromContext(ctx, g.logger)

	if err := g.payments.RecordAttempt(ctx, attempt); err != nil {
		if !errors.Is(err, models.ErrInvalidStatusTransition) {
			observability.MeterFromContext(ctx).Count("payment.unrecorded", 1)
			logger.Error("charge succeeded but attempt was not recorded",
				"processor_ref", attempt.ProcessorRef,
				"error", err,
			)
			return attempt, models.Transient(fmt.Errorf("failed to record succeeded charge %s: %w", attempt.ProcessorRef, err))
		}
		existing, getErr := g.payments.SucceededAttempt(ctx, attempt.OrderID)
		if getErr != nil {
			return nil, getErr
		}
		attempt = existing
	}
	return g.confirm(ctx, status, attempt)
}

// confirm stores the processor reference of a succeeded attempt and moves
// the order to confirmed. Both steps are safe to repeat.
func (g *PaymentGateway) confirm(ctx context.Context, status models.OrderStatus, attempt *models.PaymentAttempt) (*models.PaymentAttempt, error) {
	if err := g.orders.SetPaymentRef(ctx, attempt.OrderID, attempt.ProcessorRef); err != nil {
		return attempt, err
	}
	if status == models.StatusPaymentFailed {
		status = models.StatusDraft
	}
	if status == models.StatusDraft {
		if err := g.states.Transition(ctx, attempt.OrderID, models.StatusConfirmed, "payment captured"); err != nil && !errors.Is(err, models.ErrInvalidStatusTransition) {
			return attempt, err
		}
	}
	observability.MeterFromContext(ctx).Count("payment.attempt.succeeded", 1, sentry.WithAttributes(
		attribute.String("currency", attempt.Currency),
	))
	return attempt, nil
}

func (g *PaymentGateway) record(ctx context.Context, attempt *models.PaymentAttempt) {
	if err := g.payments.RecordAttempt(ctx, attempt); err != nil {
		logging.FromContext(ctx, g.logger).Error("failed to record payment attempt",
			"attempt_id", attempt.AttemptID.String(),
			"result", string(attempt.Result),
			"error", err,
		)
	}
}

// ProcessorOutcome is a charge result reported asynchronously by the processor.
type ProcessorOutcome struct {
	OrderID      uuid.UUID
	ProcessorRef string
	Succeeded    bool
	Reason       string
}

// ReconcileProcessorResult settles an order whose synchronous charge ended
// without a definite answer. Outcomes for settled orders are ignored.
func (g *PaymentGateway) ReconcileProcessorResult(ctx context.Context, outcome ProcessorOutcome) error {
	unlock := g.locks.Lock(outcome.OrderID.String())
	defer unlock()

	ctx, logger := logging.With(ctx, g.logger, "order_id", outcome.OrderID.String(), "processor_ref", outcome.ProcessorRef)

	order, err := g.orders.GetOrder(ctx, outcome.OrderID)
	if err != nil {
		return err
	}
	if order.Status != models.StatusDraft && order.Status != models.StatusPaymentFailed {
		logger.Debug("processor outcome for settled order ignored", "status", string(order.Status))
		return nil
	}

	latest, err := g.payments.LatestAttempt(ctx, outcome.OrderID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}

	attempt := &models.PaymentAttempt{
		AttemptID:      uuid.New(),
		OrderID:        outcome.OrderID,
		Amount:         order.Financial.Total,
		Currency:       order.Financial.Currency,
		ProcessorRef:   outcome.ProcessorRef,
		IdempotencyKey: "processor:" + outcome.ProcessorRef,
		CreatedAt:      g.now().UTC(),
	}
	if latest != nil {
		attempt.PaymentMethod = latest.PaymentMethod
	}

	if outcome.Succeeded {
		attempt.Result = models.PaymentSucceeded
		if order.Status == models.StatusPaymentFailed {
			if err := g.states.Transition(ctx, order.ID, models.StatusDraft, "processor reported capture"); err != nil {
				return err
			}
		}
		_, err := g.settle(ctx, models.StatusDraft, attempt)
		if err == nil {
			logger.Info("order settled from processor outcome")
		}
		return err
	}

	// A decline only counts while it answers the attempt still in doubt.
	if order.Status != models.StatusDraft || latest == nil || latest.Result != models.PaymentError {
		return nil
	}
	attempt.Result = models.PaymentDeclined
	attempt.FailureReason = outcome.Reason
	g.record(ctx, attempt)
	observability.MeterFromContext(ctx).Count("payment.attempt.declined", 1)
	return g.states.Transition(ctx, order.ID, models.StatusPaymentFailed, outcome.Reason)
}
