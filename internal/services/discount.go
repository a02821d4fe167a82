package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
)

var hundred = decimal.NewFromInt(100)

// DiscountEngine prices coupons against cart snapshots. It never mutates the cart.
type DiscountEngine struct {
	coupons map[string]models.Coupon
	now     func() time.Time
}

func NewDiscountEngine(coupons []models.Coupon, now func() time.Time) *DiscountEngine {
	if now == nil {
		now = time.Now
	}
	byCode := make(map[string]models.Coupon, len(coupons))
	for _, coupon := range coupons {
		byCode[normalizeCode(coupon.Code)] = coupon
	}
	return &DiscountEngine{coupons: byCode, now: now}
}

// Apply prices code against cart. applied holds discounts already attached to
// the same order; a second coupon is accepted only when every coupon involved
// is stackable.
func (e *DiscountEngine) Apply(_ context.Context, cart models.Cart, code string, applied ...models.Discount) (*models.Discount, error) {
	normalized := normalizeCode(code)
	coupon, ok := e.coupons[normalized]
	if !ok || normalized == "" {
		return nil, models.NewValidationError(models.ErrCouponNotFound, "coupon_code", code)
	}
	if coupon.ExpiresAt != nil && !e.now().Before(*coupon.ExpiresAt) {
		return nil, models.NewValidationError(models.ErrCouponExpired, "coupon_code", normalized)
	}

	for _, prior := range applied {
		if normalizeCode(prior.Code) == normalized {
			return nil, unmet(normalized, "coupon already applied")
		}
		if !prior.Stackable || !coupon.Stackable {
			return nil, unmet(normalized, "coupon cannot be combined with "+prior.Code)
		}
	}

	subtotal := cart.Subtotal()
	if subtotal.LessThan(coupon.Constraints.MinSpend) {
		return nil, unmet(normalized, fmt.Sprintf("minimum spend %s not reached", coupon.Constraints.MinSpend.StringFixed(2)))
	}
	if len(coupon.Constraints.Categories) > 0 && !hasCategory(cart, coupon.Constraints.Categories) {
		return nil, unmet(normalized, "no eligible items in cart")
	}

	remaining := subtotal.Sub(models.TotalDiscount(applied))
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	var amount decimal.Decimal
	switch coupon.Kind {
	case models.CouponKindFixed:
		amount = coupon.Value
	case models.CouponKindPercentage:
		amount = subtotal.Mul(coupon.Value).Div(hundred).Round(2)
		if coupon.Constraints.MaxDiscount.IsPositive() {
			amount = decimal.Min(amount, coupon.Constraints.MaxDiscount)
		}
	default:
		return nil, fmt.Errorf("coupon %s has unknown kind %q", normalized, coupon.Kind)
	}
	amount = decimal.Min(decimal.Max(amount, decimal.Zero), remaining)

	return &models.Discount{
		Code:      normalized,
		Kind:      coupon.Kind,
		Value:     coupon.Value,
		Amount:    amount,
		Stackable: coupon.Stackable,
	}, nil
}

// ApplyAll applies codes in order, each seeing the discounts before it.
func (e *DiscountEngine) ApplyAll(ctx context.Context, cart models.Cart, codes []string) ([]models.Discount, error) {
	discounts := make([]models.Discount, 0, len(codes))
	for _, code := range codes {
		discount, err := e.Apply(ctx, cart, code, discounts...)
		if err != nil {
			return nil, err
		}
		discounts = append(discounts, *discount)
	}
	return discounts, nil
}

func unmet(code, reason string) error {
	return models.NewValidationError(models.ErrCouponConstraintUnmet, "coupon_code", code+": "+reason)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func hasCategory(cart models.Cart, categories []string) bool {
	present := cart.Categories()
	for _, category := range categories {
		if _, ok := present[category]; ok {
			return true
		}
	}
	return false
}
