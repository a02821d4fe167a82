package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentResult string

const (
	PaymentSucceeded PaymentResult = "succeeded"
	PaymentDeclined  PaymentResult = "declined"
	PaymentError     PaymentResult = "error"
)

// PaymentAttempt is one ledgered charge against an order. At most one per order succeeds.
type PaymentAttempt struct {
	AttemptID      uuid.UUID       `json:"attempt_id"`
	OrderID        uuid.UUID       `json:"order_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Result         PaymentResult   `json:"result"`
	ProcessorRef   string          `json:"processor_ref,omitempty"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
