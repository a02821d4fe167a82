package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
)

var addressValidator = validator.New()

// Requoter fetches a fresh quote for a service whose quote went stale.
type Requoter interface {
	Requote(ctx context.Context, req QuoteRequest, serviceID string) (models.RateQuote, error)
}

type ConvertInput struct {
	Cart     models.Cart
	Shipping *models.Address
	// Billing nil means billing is the shipping address.
	Billing   *models.Address
	Rate      models.RateQuote
	Discounts []models.Discount
	// QuoteRequest is replayed when Rate has expired.
	QuoteRequest  QuoteRequest
	CustomerEmail string
}

// QuotationConverter freezes a cart into a draft order, computing financials
// from the cart, the discounts and the rate alone.
type QuotationConverter struct {
	taxRate  decimal.Decimal
	currency string
	requoter Requoter
	now      func() time.Time
}

func NewQuotationConverter(taxRate decimal.Decimal, currency string, requoter Requoter) *QuotationConverter {
	return &QuotationConverter{
		taxRate:  taxRate,
		currency: strings.ToUpper(currency),
		requoter: requoter,
		now:      time.Now,
	}
}

func (c *QuotationConverter) Convert(ctx context.Context, in ConvertInput) (*models.Order, error) {
	cart := in.Cart.Clone()
	if cart.IsEmpty() {
		return nil, models.NewValidationError(models.ErrEmptyCart, "cart", "cart has no lines")
	}
	for _, line := range cart.Lines {
		if line.Quantity <= 0 {
			return nil, models.NewValidationError(models.ErrInvalidQuantity, "quantity", line.SKU)
		}
		if line.UnitPrice.IsNegative() {
			return nil, models.NewValidationError(nil, "unit_price", fmt.Sprintf("%s has a negative price", line.SKU))
		}
	}
	if in.Shipping == nil {
		return nil, models.NewValidationError(models.ErrInvalidAddress, "shipping_address", "is required")
	}
	if err := validateAddress("shipping_address", in.Shipping); err != nil {
		return nil, err
	}
	billing := in.Billing
	if billing == nil {
		billing = in.Shipping
	} else if err := validateAddress("billing_address", billing); err != nil {
		return nil, err
	}

	currency := cart.Currency
	if currency == "" {
		currency = c.currency
	}
	if c.currency != "" && currency != c.currency {
		return nil, models.NewValidationError(nil, "currency", fmt.Sprintf("cart currency %s, shop sells in %s", currency, c.currency))
	}

	rate := in.Rate
	if rate.CarrierServiceID == "" {
		return nil, models.NewValidationError(nil, "service_id", "a shipping rate is required")
	}
	if rate.Expired(c.now()) {
		if c.requoter == nil {
			return nil, models.NewValidationError(nil, "service_id", "shipping rate expired")
		}
		fresh, err := c.requoter.Requote(ctx, in.QuoteRequest, rate.CarrierServiceID)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh expired rate: %w", err)
		}
		rate = fresh
	}
	if rate.Currency != "" && rate.Currency != currency {
		return nil, models.NewValidationError(nil, "currency", fmt.Sprintf("rate quoted in %s, order is %s", rate.Currency, currency))
	}

	discounts := append([]models.Discount(nil), in.Discounts...)
	cart.Currency = currency
	now := c.now().UTC()
	return &models.Order{
		ID:              uuid.New(),
		Cart:            cart,
		ShippingAddress: in.Shipping,
		BillingAddress:  billing,
		Discounts:       discounts,
		ChosenRate:      rate,
		Financial:       ComputeFinancial(cart.Subtotal(), models.TotalDiscount(discounts), rate.Cost, c.taxRate, currency),
		Status:          models.StatusDraft,
		CustomerEmail:   strings.TrimSpace(in.CustomerEmail),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// ComputeFinancial applies tax to the subtotal after discount. The discount is
// clamped to [0, subtotal] and tax is rounded half up to cents.
func ComputeFinancial(subtotal, discount, shipping, taxRate decimal.Decimal, currency string) models.Financial {
	discount = decimal.Min(decimal.Max(discount, decimal.Zero), subtotal)
	if shipping.IsNegative() {
		shipping = decimal.Zero
	}
	taxable := subtotal.Sub(discount)
	tax := taxable.Mul(taxRate).Round(2)
	return models.Financial{
		Subtotal:     subtotal,
		Tax:          tax,
		ShippingCost: shipping,
		Discount:     discount,
		Total:        taxable.Add(tax).Add(shipping),
		Currency:     currency,
	}
}

func validateAddress(field string, address *models.Address) error {
	err := addressValidator.Struct(address)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		missing := make([]string, 0, len(fieldErrs))
		for _, fieldErr := range fieldErrs {
			missing = append(missing, strings.ToLower(fieldErr.Field()))
		}
		return models.NewValidationError(models.ErrInvalidAddress, field, "missing "+strings.Join(missing, ", "))
	}
	return models.NewValidationError(models.ErrInvalidAddress, field, err.Error())
}
