package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrValidation              = errors.New("validation failed")
	ErrTransient               = errors.New("transient failure")
	ErrCarrierRejection        = errors.New("carrier rejected request")
	ErrPaymentDeclined         = errors.New("payment declined")
	ErrPartialFulfillment      = errors.New("partial fulfillment")
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	ErrNotFound                = errors.New("not found")

	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrUnknownLine     = errors.New("unknown cart line")
	ErrOutOfStock      = errors.New("insufficient stock")
	ErrEmptyCart       = errors.New("cart is empty")
	ErrInvalidAddress  = errors.New("invalid address")

	ErrCouponNotFound        = errors.New("coupon not found")
	ErrCouponExpired         = errors.New("coupon expired")
	ErrCouponConstraintUnmet = errors.New("coupon constraint unmet")
)

// ValidationError describes bad caller input. It matches ErrValidation and its Kind.
type ValidationError struct {
	Field  string
	Reason string
	Kind   error
}

func (e *ValidationError) Error() string {
	msg := e.Reason
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, msg)
	}
	return msg
}

func (e *ValidationError) Unwrap() []error {
	if e.Kind == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Kind}
}

// NewValidationError builds a ValidationError of the given kind.
func NewValidationError(kind error, field, reason string) error {
	return &ValidationError{Field: field, Reason: reason, Kind: kind}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// PartialFulfillmentError reports a carrier shipment that exists upstream but is not yet recorded locally.
type PartialFulfillmentError struct {
	OrderID   uuid.UUID
	AWBNumber string
	Err       error
}

func (e *PartialFulfillmentError) Error() string {
	return fmt.Sprintf("shipment %s for order %s issued but not persisted: %v", e.AWBNumber, e.OrderID, e.Err)
}

func (e *PartialFulfillmentError) Unwrap() []error {
	return []error{ErrPartialFulfillment, e.Err}
}
