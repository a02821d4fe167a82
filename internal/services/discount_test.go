package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitshopapp/fulfillment/internal/models"
)

var discountNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testCoupons() []models.Coupon {
	expired := discountNow.Add(-time.Hour)
	return []models.Coupon{
		{Code: "SAVE10", Kind: models.CouponKindFixed, Value: decimal.NewFromInt(50)},
		{Code: "BIGSPEND", Kind: models.CouponKindFixed, Value: decimal.NewFromInt(100), Constraints: models.CouponConstraints{MinSpend: decimal.NewFromInt(600)}},
		{Code: "OLD", Kind: models.CouponKindFixed, Value: decimal.NewFromInt(5), ExpiresAt: &expired},
		{Code: "HUGE", Kind: models.CouponKindFixed, Value: decimal.NewFromInt(10000)},
		{Code: "PCT20", Kind: models.CouponKindPercentage, Value: decimal.NewFromInt(20), Constraints: models.CouponConstraints{MaxDiscount: decimal.NewFromInt(40)}},
		{Code: "SHOES", Kind: models.CouponKindPercentage, Value: decimal.NewFromInt(10), Constraints: models.CouponConstraints{Categories: []string{"shoes"}}},
		{Code: "BAGS", Kind: models.CouponKindPercentage, Value: decimal.RequireFromString("7.5"), Constraints: models.CouponConstraints{Categories: []string{"bags"}}},
		{Code: "STACK5", Kind: models.CouponKindFixed, Value: decimal.NewFromInt(5), Stackable: true},
		{Code: "STACK7", Kind: models.CouponKindFixed, Value: decimal.NewFromInt(7), Stackable: true},
	}
}

func newTestDiscountEngine() *DiscountEngine {
	return NewDiscountEngine(testCoupons(), func() time.Time { return discountNow })
}

func TestApplyCoupon(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		code       string
		wantAmount string
		wantErr    error
	}{
		{name: "fixed", code: "SAVE10", wantAmount: "50"},
		{name: "code is case insensitive", code: " save10 ", wantAmount: "50"},
		{name: "min spend unmet", code: "BIGSPEND", wantErr: models.ErrCouponConstraintUnmet},
		{name: "expired", code: "OLD", wantErr: models.ErrCouponExpired},
		{name: "unknown", code: "NOPE", wantErr: models.ErrCouponNotFound},
		{name: "fixed capped at subtotal", code: "HUGE", wantAmount: "517"},
		{name: "percentage capped by max discount", code: "PCT20", wantAmount: "40"},
		{name: "category absent", code: "SHOES", wantErr: models.ErrCouponConstraintUnmet},
		{name: "percentage of subtotal", code: "BAGS", wantAmount: "38.78"},
	}

	engine := newTestDiscountEngine()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			discount, err := engine.Apply(context.Background(), scenarioCart(), tc.code)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				assert.ErrorIs(t, err, models.ErrValidation)
				assert.False(t, models.IsRetryable(err))
				return
			}
			require.NoError(t, err)
			assert.True(t, discount.Amount.Equal(decimal.RequireFromString(tc.wantAmount)), "amount = %s", discount.Amount)
		})
	}
}

func TestApplyDoesNotMutateCart(t *testing.T) {
	t.Parallel()

	cart := scenarioCart()
	_, err := newTestDiscountEngine().Apply(context.Background(), cart, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, scenarioCart(), cart)
}

func TestCouponStacking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine := newTestDiscountEngine()

	_, err := engine.ApplyAll(ctx, scenarioCart(), []string{"SAVE10", "PCT20"})
	assert.ErrorIs(t, err, models.ErrCouponConstraintUnmet)

	_, err = engine.ApplyAll(ctx, scenarioCart(), []string{"STACK5", "STACK5"})
	assert.ErrorIs(t, err, models.ErrCouponConstraintUnmet)

	discounts, err := engine.ApplyAll(ctx, scenarioCart(), []string{"STACK5", "STACK7"})
	require.NoError(t, err)
	require.Len(t, discounts, 2)
	assert.True(t, models.TotalDiscount(discounts).Equal(decimal.NewFromInt(12)))
}

func TestStackedDiscountsNeverExceedSubtotal(t *testing.T) {
	t.Parallel()

	engine := NewDiscountEngine([]models.Coupon{
		{Code: "A", Kind: models.CouponKindFixed, Value: decimal.NewFromInt(400), Stackable: true},
		{Code: "B", Kind: models.CouponKindFixed, Value: decimal.NewFromInt(400), Stackable: true},
	}, nil)

	discounts, err := engine.ApplyAll(context.Background(), scenarioCart(), []string{"A", "B"})
	require.NoError(t, err)
	assert.True(t, discounts[1].Amount.Equal(decimal.NewFromInt(117)))
	assert.True(t, models.TotalDiscount(discounts).Equal(decimal.NewFromInt(517)))
}
