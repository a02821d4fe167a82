package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusNone          OrderStatus = ""
	StatusDraft         OrderStatus = "draft"
	StatusPaymentFailed OrderStatus = "payment_failed"
	StatusConfirmed     OrderStatus = "confirmed"
	StatusShipped       OrderStatus = "shipped"
	StatusDelivered     OrderStatus = "delivered"
	StatusCancelled     OrderStatus = "cancelled"
)

// orderTransitions lists every status an order may move to from a given status.
var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusNone:          {StatusDraft},
	StatusDraft:         {StatusConfirmed, StatusPaymentFailed, StatusCancelled},
	StatusPaymentFailed: {StatusDraft, StatusCancelled},
	StatusConfirmed:     {StatusShipped, StatusCancelled},
	StatusShipped:       {StatusDelivered, StatusCancelled},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, candidate := range orderTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Sources returns every status from which s is reachable.
func (s OrderStatus) Sources() []OrderStatus {
	var sources []OrderStatus
	for from, targets := range orderTransitions {
		for _, candidate := range targets {
			if candidate == s {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// Address is a shipping, billing or origin address.
type Address struct {
	Name    string `json:"name" validate:"required"`
	Street  string `json:"street" validate:"required"`
	City    string `json:"city" validate:"required"`
	State   string `json:"state,omitempty"`
	Country string `json:"country" validate:"required"`
	Zip     string `json:"zip,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// Financial holds the order totals, rounded to cents.
type Financial struct {
	Subtotal     decimal.Decimal `json:"subtotal"`
	Tax          decimal.Decimal `json:"tax"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	Discount     decimal.Decimal `json:"discount"`
	Total        decimal.Decimal `json:"total"`
	Currency     string          `json:"currency"`
}

// Order is a converted quotation and the unit the state machine moves.
type Order struct {
	ID              uuid.UUID   `json:"id"`
	BackendOrderID  string      `json:"backend_order_id,omitempty"`
	Cart            Cart        `json:"cart"`
	ShippingAddress *Address    `json:"shipping_address"`
	BillingAddress  *Address    `json:"billing_address"`
	Discounts       []Discount  `json:"discounts,omitempty"`
	ChosenRate      RateQuote   `json:"chosen_rate"`
	Financial       Financial   `json:"financial"`
	Status          OrderStatus `json:"status"`
	PaymentRef      string      `json:"payment_ref,omitempty"`
	Shipment        *Shipment   `json:"shipment,omitempty"`
	CustomerEmail   string      `json:"customer_email,omitempty"`
	CancelReason    string      `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}
