package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/observability"
	"github.com/gitshopapp/fulfillment/internal/services"
	stripewebhook "github.com/gitshopapp/fulfillment/internal/stripe"
)

func (h *Handlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)

	event, err := stripewebhook.ReadWebhookEvent(r, h.config.StripeWebhookSecret)
	if err != nil {
		logger.Error("failed to read Stripe webhook payload", "error", err)
		http.Error(w, "Invalid webhook", http.StatusBadRequest)
		return
	}

	if event == nil || event.ID == "" {
		logger.Error("missing Stripe event ID")
		http.Error(w, "Missing event ID", http.StatusBadRequest)
		return
	}
	logger = logger.With("event_id", event.ID, "type", string(event.Type))

	claimed, release := h.claimDelivery(ctx, "stripe", event.ID)
	if !claimed {
		logger.Info("webhook already processed")
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.routeStripeEvent(r, event); err != nil {
		release()
		logger.Error("failed to process Stripe webhook", "error", err)
		http.Error(w, "Processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) routeStripeEvent(r *http.Request, event *stripeapi.Event) error {
	span := sentry.StartSpan(
		r.Context(),
		"handler.stripe_webhook.route",
		sentry.WithOpName("handler.stripe_webhook"),
		sentry.WithDescription("Handlers.routeStripeEvent"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx := span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.SetAttributes(
		attribute.String("webhook.provider", "stripe"),
		attribute.String("webhook.event_type", string(event.Type)),
	)
	meter.Count("webhook.received", 1)
	ignored := func(reason string) error {
		meter.Count("webhook.ignored", 1, sentry.WithAttributes(attribute.String("reason", reason)))
		span.Status = sentry.SpanStatusOK
		return nil
	}
	logger := h.loggerFromContext(ctx)

	switch string(event.Type) {
	case stripewebhook.EventPaymentIntentSucceeded, stripewebhook.EventPaymentIntentFailed:
	default:
		logger.Info("unhandled Stripe event type")
		return ignored("unhandled_type")
	}

	outcome, err := stripewebhook.ParseIntentOutcome(event)
	if err != nil {
		span.Status = sentry.SpanStatusInvalidArgument
		meter.Count("webhook.failed", 1, sentry.WithAttributes(attribute.String("reason", "parse_failed")))
		return err
	}
	if outcome == nil {
		return ignored("foreign_intent")
	}
	if outcome.Status == stripewebhook.ChargePending {
		return ignored("intent_pending")
	}

	orderID, err := uuid.Parse(outcome.OrderID)
	if err != nil {
		logger.Warn("payment intent carries malformed order id", "order_id", outcome.OrderID)
		return ignored("malformed_order_id")
	}

	err = h.payments.ReconcileProcessorResult(ctx, services.ProcessorOutcome{
		OrderID:      orderID,
		ProcessorRef: outcome.ProcessorRef,
		Succeeded:    outcome.Status == stripewebhook.ChargeSucceeded,
		Reason:       outcome.DeclineReason,
	})
	if errors.Is(err, models.ErrNotFound) {
		logger.Warn("payment intent for unknown order", "order_id", orderID.String())
		return ignored("unknown_order")
	}
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		meter.Count("webhook.failed", 1, sentry.WithAttributes(attribute.String("reason", "reconcile_failed")))
		return fmt.Errorf("reconcile order %s: %w", orderID, err)
	}

	meter.Count("webhook.processed", 1)
	span.Status = sentry.SpanStatusOK
	return nil
}
