package carrier

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gitshopapp/fulfillment/internal/models"
)

const (
	SignatureHeader = "X-Carrier-Signature"
	DeliveryHeader  = "X-Carrier-Delivery"
)

// WebhookPayload is one pushed tracking update.
type WebhookPayload struct {
	DeliveryID string
	AWBNumber  string
	Events     []models.TrackingEvent
}

type webhookBody struct {
	AWBNumber string     `json:"awb_number"`
	Events    []eventDTO `json:"events"`
}

func ValidateWebhookSignature(payload []byte, signature, secret string) error {
	if !strings.HasPrefix(signature, "sha256=") {
		return fmt.Errorf("invalid signature format")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.TrimPrefix(signature, "sha256=")), []byte(expected)) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// ReadWebhook verifies and decodes a tracking webhook request.
func ReadWebhook(r *http.Request, secret string) (*WebhookPayload, error) {
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		return nil, fmt.Errorf("missing signature header")
	}
	deliveryID := strings.TrimSpace(r.Header.Get(DeliveryHeader))
	if deliveryID == "" {
		return nil, fmt.Errorf("missing delivery id header")
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if err := ValidateWebhookSignature(payload, signature, secret); err != nil {
		return nil, fmt.Errorf("webhook signature validation failed: %w", err)
	}

	var body webhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("invalid tracking webhook body: %w", err)
	}
	if strings.TrimSpace(body.AWBNumber) == "" {
		return nil, fmt.Errorf("tracking webhook without awb number")
	}

	events := make([]models.TrackingEvent, 0, len(body.Events))
	for _, event := range body.Events {
		events = append(events, models.TrackingEvent{
			AWBNumber:   body.AWBNumber,
			Code:        event.Code,
			Description: event.Description,
			Location:    event.Location,
			Timestamp:   event.Timestamp,
		})
	}
	return &WebhookPayload{DeliveryID: deliveryID, AWBNumber: body.AWBNumber, Events: events}, nil
}
