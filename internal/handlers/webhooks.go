package handlers

import (
	"context"
	"time"

	"github.com/gitshopapp/fulfillment/internal/cache"
)

// webhookIdempotencyTTL is how long webhook delivery IDs are kept for deduplication
const webhookIdempotencyTTL = 24 * time.Hour

// claimDelivery marks a webhook delivery as in flight. It reports false when
// the delivery was already claimed. release frees the claim so a failed
// delivery can be redelivered.
func (h *Handlers) claimDelivery(ctx context.Context, source, deliveryID string) (claimed bool, release func()) {
	logger := h.loggerFromContext(ctx)
	key := cache.WebhookKey(source, deliveryID)

	claimed, err := h.cacheProvider.Claim(ctx, key, "processing", webhookIdempotencyTTL)
	if err != nil {
		// Proceed without dedupe; tracking and payment reconciliation are idempotent.
		logger.Error("failed to claim webhook delivery", "error", err, "source", source)
		return true, func() {}
	}
	return claimed, func() {
		if err := h.cacheProvider.Delete(context.WithoutCancel(ctx), key); err != nil {
			logger.Error("failed to release webhook claim", "error", err, "source", source)
		}
	}
}
