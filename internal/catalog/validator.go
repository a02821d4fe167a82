package catalog

// Package catalog provides storefront configuration validation.

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

var currencyCodeRegex = regexp.MustCompile(`^[A-Z]{3}$`)

var hundred = decimal.NewFromInt(100)

// IsValidCurrencyCode reports whether code is an upper-case ISO 4217 style code.
func IsValidCurrencyCode(code string) bool {
	return currencyCodeRegex.MatchString(code)
}

func (v *Validator) Validate(config *StorefrontConfig) error {
	if config == nil {
		return fmt.Errorf("storefront config is required")
	}
	if err := v.validateShop(&config.Shop); err != nil {
		return fmt.Errorf("shop validation failed: %w", err)
	}
	if err := v.validateShipping(&config.Shipping); err != nil {
		return fmt.Errorf("shipping validation failed: %w", err)
	}

	codes := make(map[string]bool)
	for i, coupon := range config.Coupons {
		if err := v.validateCoupon(&coupon); err != nil {
			return fmt.Errorf("coupon %d validation failed: %w", i, err)
		}

		code := strings.ToUpper(strings.TrimSpace(coupon.Code))
		if codes[code] {
			return fmt.Errorf("duplicate coupon code: %s", code)
		}
		codes[code] = true
	}

	return nil
}

func (v *Validator) validateShop(shop *ShopConfig) error {
	if strings.TrimSpace(shop.Name) == "" {
		return fmt.Errorf("shop name is required")
	}

	if !IsValidCurrencyCode(shop.Currency) {
		return fmt.Errorf("shop currency must be a three letter code")
	}

	if shop.TaxRate.IsNegative() || shop.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("tax rate must be in [0, 1)")
	}

	origin := shop.Origin
	if strings.TrimSpace(origin.Name) == "" || strings.TrimSpace(origin.Street) == "" ||
		strings.TrimSpace(origin.City) == "" || strings.TrimSpace(origin.Country) == "" {
		return fmt.Errorf("origin address requires name, street, city and country")
	}

	return nil
}

func (v *Validator) validateShipping(shipping *ShippingConfig) error {
	if len(shipping.ServiceHints) == 0 {
		return fmt.Errorf("at least one carrier service hint is required")
	}

	seen := make(map[string]bool)
	for _, hint := range shipping.ServiceHints {
		hint = strings.TrimSpace(hint)
		if hint == "" {
			return fmt.Errorf("service hints cannot be empty")
		}
		if seen[hint] {
			return fmt.Errorf("duplicate service hint: %s", hint)
		}
		seen[hint] = true
	}

	if shipping.MinQuotes < 0 || shipping.MinQuotes > len(shipping.ServiceHints) {
		return fmt.Errorf("min_quotes must be between 0 and the number of service hints")
	}

	return nil
}

func (v *Validator) validateCoupon(coupon *CouponConfig) error {
	if strings.TrimSpace(coupon.Code) == "" {
		return fmt.Errorf("coupon code is required")
	}

	switch strings.ToLower(strings.TrimSpace(coupon.Kind)) {
	case "fixed":
	case "percentage":
		if coupon.Value.GreaterThan(hundred) {
			return fmt.Errorf("percentage coupons cannot exceed 100")
		}
	default:
		return fmt.Errorf("coupon kind must be fixed or percentage")
	}

	if !coupon.Value.IsPositive() {
		return fmt.Errorf("coupon value must be positive")
	}

	if coupon.MinSpend.IsNegative() || coupon.MaxDiscount.IsNegative() {
		return fmt.Errorf("coupon constraints cannot be negative")
	}

	return nil
}
