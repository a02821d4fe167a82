package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type WeightUnit string

const (
	WeightUnitKilogram WeightUnit = "kg"
	WeightUnitPound    WeightUnit = "lb"
)

var poundsPerKilogram = decimal.RequireFromString("2.20462262185")

// Weight is a value with an explicit unit so carrier calls never guess.
type Weight struct {
	Value decimal.Decimal `json:"value"`
	Unit  WeightUnit      `json:"unit"`
}

// Kilograms returns the weight converted to kg.
func (w Weight) Kilograms() decimal.Decimal {
	if w.Unit == WeightUnitPound {
		return w.Value.Div(poundsPerKilogram)
	}
	return w.Value
}

// CartLine is one product in a cart, priced when it was added.
type CartLine struct {
	LineID    string          `json:"line_id"`
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Category  string          `json:"category,omitempty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Weight    Weight          `json:"weight"`
}

// Total is unit price times quantity.
func (l CartLine) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is a customer's basket. All lines share the cart currency.
type Cart struct {
	CartID    string     `json:"cart_id"`
	Lines     []CartLine `json:"lines"`
	Currency  string     `json:"currency"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (c Cart) Subtotal() decimal.Decimal {
	subtotal := decimal.Zero
	for _, line := range c.Lines {
		subtotal = subtotal.Add(line.Total())
	}
	return subtotal
}

// TotalWeight sums line weights in kilograms.
func (c Cart) TotalWeight() Weight {
	total := decimal.Zero
	for _, line := range c.Lines {
		total = total.Add(line.Weight.Kilograms().Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return Weight{Value: total, Unit: WeightUnitKilogram}
}

// Categories returns the distinct line categories.
func (c Cart) Categories() map[string]struct{} {
	categories := make(map[string]struct{}, len(c.Lines))
	for _, line := range c.Lines {
		if line.Category != "" {
			categories[line.Category] = struct{}{}
		}
	}
	return categories
}

func (c Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

// Clone returns a deep copy that shares no slice with c.
func (c Cart) Clone() Cart {
	clone := c
	clone.Lines = make([]CartLine, len(c.Lines))
	copy(clone.Lines, c.Lines)
	return clone
}
