package catalog

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
)

func validStorefront() *StorefrontConfig {
	return &StorefrontConfig{
		Shop: ShopConfig{
			Name:     "Test Shop",
			Currency: "USD",
			TaxRate:  decimal.RequireFromString("0.05"),
			Origin:   models.Address{Name: "Warehouse", Street: "1 Dock Rd", City: "Oakland", Country: "US"},
		},
		Shipping: ShippingConfig{ServiceHints: []string{"ground", "express"}},
		Coupons: []CouponConfig{
			{Code: "SAVE10", Kind: "fixed", Value: decimal.NewFromInt(50)},
		},
	}
}

func TestValidator_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *StorefrontConfig)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*StorefrontConfig) {},
			wantErr: false,
		},
		{
			name:    "lower case currency",
			mutate:  func(c *StorefrontConfig) { c.Shop.Currency = "usd" },
			wantErr: true,
		},
		{
			name:    "tax rate of one",
			mutate:  func(c *StorefrontConfig) { c.Shop.TaxRate = decimal.NewFromInt(1) },
			wantErr: true,
		},
		{
			name:    "origin without city",
			mutate:  func(c *StorefrontConfig) { c.Shop.Origin.City = "" },
			wantErr: true,
		},
		{
			name:    "no service hints",
			mutate:  func(c *StorefrontConfig) { c.Shipping.ServiceHints = nil },
			wantErr: true,
		},
		{
			name:    "min quotes above hints",
			mutate:  func(c *StorefrontConfig) { c.Shipping.MinQuotes = 3 },
			wantErr: true,
		},
		{
			name: "duplicate coupon codes ignore case",
			mutate: func(c *StorefrontConfig) {
				c.Coupons = append(c.Coupons, CouponConfig{Code: "save10", Kind: "fixed", Value: decimal.NewFromInt(5)})
			},
			wantErr: true,
		},
		{
			name: "percentage above 100",
			mutate: func(c *StorefrontConfig) {
				c.Coupons[0] = CouponConfig{Code: "ALL", Kind: "percentage", Value: decimal.NewFromInt(101)}
			},
			wantErr: true,
		},
		{
			name:    "unknown coupon kind",
			mutate:  func(c *StorefrontConfig) { c.Coupons[0].Kind = "bogo" },
			wantErr: true,
		},
		{
			name:    "zero coupon value",
			mutate:  func(c *StorefrontConfig) { c.Coupons[0].Value = decimal.Zero },
			wantErr: true,
		},
	}

	validator := NewValidator()
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			config := validStorefront()
			tc.mutate(config)

			err := validator.Validate(config)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}
