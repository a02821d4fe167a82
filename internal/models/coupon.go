package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CouponKind string

const (
	CouponKindFixed      CouponKind = "fixed"
	CouponKindPercentage CouponKind = "percentage"
)

// CouponConstraints limits when and how much a coupon applies.
type CouponConstraints struct {
	MinSpend    decimal.Decimal `json:"min_spend"`
	Categories  []string        `json:"categories,omitempty"`
	MaxDiscount decimal.Decimal `json:"max_discount"`
}

// Coupon is a discount code configured in the storefront file.
type Coupon struct {
	Code        string            `json:"code"`
	Kind        CouponKind        `json:"kind"`
	Value       decimal.Decimal   `json:"value"`
	Constraints CouponConstraints `json:"constraints"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Stackable   bool              `json:"stackable"`
}

// Discount is the priced outcome of applying a coupon to a cart snapshot.
type Discount struct {
	Code      string          `json:"code"`
	Kind      CouponKind      `json:"kind"`
	Value     decimal.Decimal `json:"value"`
	Amount    decimal.Decimal `json:"amount"`
	Stackable bool            `json:"stackable,omitempty"`
}

// TotalDiscount sums the amounts of discounts.
func TotalDiscount(discounts []Discount) decimal.Decimal {
	total := decimal.Zero
	for _, discount := range discounts {
		total = total.Add(discount.Amount)
	}
	return total
}
