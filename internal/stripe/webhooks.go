package stripe

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	stripeapi "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventPaymentIntentFailed    = "payment_intent.payment_failed"
)

func ReadWebhookEvent(r *http.Request, secret string) (*stripeapi.Event, error) {
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		return nil, fmt.Errorf("missing stripe signature header")
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	event, err := webhook.ConstructEvent(payload, signature, secret)
	if err != nil {
		return nil, fmt.Errorf("webhook signature validation failed: %w", err)
	}

	return &event, nil
}

// IntentOutcome is the settled result of a PaymentIntent reported by webhook.
type IntentOutcome struct {
	OrderID       string
	ProcessorRef  string
	Status        ChargeStatus
	AmountMinor   int64
	Currency      string
	DeclineReason string
}

// ParseIntentOutcome extracts the outcome from a payment_intent.* event.
// Intents created outside this service carry no order_id and return nil.
func ParseIntentOutcome(event *stripeapi.Event) (*IntentOutcome, error) {
	if event == nil || event.Data == nil {
		return nil, fmt.Errorf("missing stripe event data")
	}

	var intent stripeapi.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("invalid payment intent object: %w", err)
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("missing payment intent ID")
	}

	orderID := intent.Metadata["order_id"]
	if orderID == "" {
		return nil, nil
	}

	result := resultFromIntent(&intent)
	if string(event.Type) == EventPaymentIntentFailed {
		result.Status = ChargeDeclined
	}

	return &IntentOutcome{
		OrderID:       orderID,
		ProcessorRef:  intent.ID,
		Status:        result.Status,
		AmountMinor:   intent.Amount,
		Currency:      string(intent.Currency),
		DeclineReason: result.DeclineReason,
	}, nil
}
