package handlers

import (
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/gitshopapp/fulfillment/internal/carrier"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/observability"
)

func (h *Handlers) CarrierWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)

	meter := observability.MeterFromContext(ctx)
	meter.SetAttributes(attribute.String("webhook.provider", "carrier"))
	meter.Count("webhook.received", 1)

	payload, err := carrier.ReadWebhook(r, h.config.CarrierWebhookSecret)
	if err != nil {
		logger.Error("failed to read carrier webhook payload", "error", err)
		meter.Count("webhook.failed", 1, sentry.WithAttributes(attribute.String("reason", "invalid_payload")))
		http.Error(w, "Invalid webhook", http.StatusBadRequest)
		return
	}
	logger = logger.With("delivery_id", payload.DeliveryID, "awb_number", payload.AWBNumber)

	claimed, release := h.claimDelivery(ctx, "carrier", payload.DeliveryID)
	if !claimed {
		logger.Info("webhook already processed")
		meter.Count("webhook.duplicate", 1)
		w.WriteHeader(http.StatusOK)
		return
	}

	history, err := h.tracking.Apply(ctx, payload.AWBNumber, payload.Events)
	if err != nil {
		release()
		if errors.Is(err, models.ErrNotFound) {
			logger.Warn("tracking webhook for unknown shipment")
			meter.Count("webhook.failed", 1, sentry.WithAttributes(attribute.String("reason", "unknown_awb")))
			h.writeError(w, r, err)
			return
		}
		logger.Error("failed to apply carrier webhook", "error", err)
		meter.Count("webhook.failed", 1, sentry.WithAttributes(attribute.String("reason", "apply_failed")))
		http.Error(w, "Processing failed", http.StatusInternalServerError)
		return
	}

	meter.Count("webhook.processed", 1)
	logger.Info("carrier webhook applied", "events", len(payload.Events), "history", len(history))
	w.WriteHeader(http.StatusOK)
}
