package commerce

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
)

type Product struct {
	ID       string          `json:"id"`
	SKU      string          `json:"sku"`
	Category string          `json:"category"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Weight   models.Weight   `json:"weight"`
	// Stock is nil when the backend does not track inventory for the product.
	Stock    *int            `json:"stock"`
}

const productQuery = `query Product($id: ID!) {
  product(id: $id) { id sku category price currency weight { value unit } stock }
}`

// Product looks up price, weight and stock for one product.
func (c *Client) Product(ctx context.Context, productID string) (*Product, error) {
	var data struct {
		Product *Product `json:"product"`
	}
	if err := c.execute(ctx, "product", productQuery, map[string]any{"id": productID}, &data); err != nil {
		return nil, err
	}
	if data.Product == nil {
		return nil, fmt.Errorf("product %s: %w", productID, models.ErrNotFound)
	}
	data.Product.Currency = strings.ToUpper(data.Product.Currency)
	if data.Product.Weight.Unit == "" {
		data.Product.Weight.Unit = models.WeightUnitKilogram
	}
	return data.Product, nil
}

const setCartLineMutation = `mutation SetCartLine($cartId: ID!, $productId: ID!, $quantity: Int!) {
  setCartLine(cartId: $cartId, productId: $productId, quantity: $quantity) { cartId }
}`

// SetCartLine mirrors a line quantity onto the backend cart. Quantity zero removes the line.
func (c *Client) SetCartLine(ctx context.Context, cartID, productID string, quantity int) error {
	return c.execute(ctx, "set_cart_line", setCartLineMutation, map[string]any{
		"cartId":    cartID,
		"productId": productID,
		"quantity":  quantity,
	}, nil)
}

const clearCartMutation = `mutation ClearCart($cartId: ID!) {
  clearCart(cartId: $cartId) { cartId }
}`

func (c *Client) ClearCart(ctx context.Context, cartID string) error {
	return c.execute(ctx, "clear_cart", clearCartMutation, map[string]any{"cartId": cartID}, nil)
}

type orderLineInput struct {
	ProductID string          `json:"productId"`
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type orderInput struct {
	ExternalID      string           `json:"externalId"`
	CartID          string           `json:"cartId"`
	Lines           []orderLineInput `json:"lines"`
	ShippingAddress *models.Address  `json:"shippingAddress"`
	BillingAddress  *models.Address  `json:"billingAddress"`
	CouponCodes     []string         `json:"couponCodes,omitempty"`
	ServiceID       string           `json:"serviceId"`
	Financial       models.Financial `json:"financial"`
	Status          string           `json:"status"`
}

const createOrderMutation = `mutation CreateOrder($input: OrderInput!) {
  createOrder(input: $input) { id }
}`

// CreateOrder converts a cart into a backend order. externalId is the local
// order id so a replayed mutation resolves to the same backend order.
func (c *Client) CreateOrder(ctx context.Context, order *models.Order) (string, error) {
	input := orderInput{
		ExternalID:      order.ID.String(),
		CartID:          order.Cart.CartID,
		ShippingAddress: order.ShippingAddress,
		BillingAddress:  order.BillingAddress,
		ServiceID:       order.ChosenRate.CarrierServiceID,
		Financial:       order.Financial,
		Status:          string(order.Status),
	}
	for _, discount := range order.Discounts {
		input.CouponCodes = append(input.CouponCodes, discount.Code)
	}
	for _, line := range order.Cart.Lines {
		input.Lines = append(input.Lines, orderLineInput{
			ProductID: line.ProductID,
			SKU:       line.SKU,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	var data struct {
		CreateOrder struct {
			ID string `json:"id"`
		} `json:"createOrder"`
	}
	if err := c.execute(ctx, "create_order", createOrderMutation, map[string]any{"input": input}, &data); err != nil {
		return "", err
	}
	if data.CreateOrder.ID == "" {
		return "", models.Transient(fmt.Errorf("commerce create_order returned no id"))
	}
	return data.CreateOrder.ID, nil
}

// OrderFields are the mutable order attributes the pipeline writes back.
type OrderFields struct {
	Status      string `json:"status,omitempty"`
	PaymentRef  string `json:"paymentRef,omitempty"`
	AWBNumber   string `json:"awbNumber,omitempty"`
	LabelURL    string `json:"labelUrl,omitempty"`
	TrackingURL string `json:"trackingUrl,omitempty"`
}

const updateOrderFieldsMutation = `mutation UpdateOrderFields($id: ID!, $fields: OrderFieldsInput!) {
  updateOrderFields(id: $id, fields: $fields) { id }
}`

func (c *Client) UpdateOrderFields(ctx context.Context, backendOrderID string, fields OrderFields) error {
	return c.execute(ctx, "update_order_fields", updateOrderFieldsMutation, map[string]any{
		"id":     backendOrderID,
		"fields": fields,
	}, nil)
}
