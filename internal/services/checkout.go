package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/commerce"
	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/retry"
)

type CheckoutServiceConfig struct {
	Carts     *CartStore
	Discounts *DiscountEngine
	Rates     *RateShopper
	Converter *QuotationConverter
	States    *OrderStateMachine
	Payments  *PaymentGateway
	Shipments *ShipmentOrchestrator
	Tracking  *TrackingSynchronizer
	Orders    OrderRepository
	// Backend is optional.
	Backend  OrderBackend
	AutoShip bool
	Retry    retry.Policy
	Logger   *slog.Logger
}

// CheckoutService strings the pipeline together: quote, place, pay, ship, cancel.
type CheckoutService struct {
	carts     *CartStore
	discounts *DiscountEngine
	rates     *RateShopper
	converter *QuotationConverter
	states    *OrderStateMachine
	payments  *PaymentGateway
	shipments *ShipmentOrchestrator
	tracking  *TrackingSynchronizer
	orders    OrderRepository
	backend   OrderBackend
	autoShip  bool
	retry     retry.Policy
	logger    *slog.Logger

	mu     sync.Mutex
	quotes map[string]quotedCart
}

// quotedCart remembers the last quote request and answer for a cart.
type quotedCart struct {
	request QuoteRequest
	quotes  []models.RateQuote
}

func NewCheckoutService(cfg CheckoutServiceConfig) *CheckoutService {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &CheckoutService{
		carts:     cfg.Carts,
		discounts: cfg.Discounts,
		rates:     cfg.Rates,
		converter: cfg.Converter,
		states:    cfg.States,
		payments:  cfg.Payments,
		shipments: cfg.Shipments,
		tracking:  cfg.Tracking,
		orders:    cfg.Orders,
		backend:   cfg.Backend,
		autoShip:  cfg.AutoShip,
		retry:     cfg.Retry,
		logger:    logger.With("component", "checkout"),
		quotes:    make(map[string]quotedCart),
	}
}

// QuoteShipping rate-shops the cart's current weight to destination.
func (c *CheckoutService) QuoteShipping(ctx context.Context, cartID string, destination *models.Address, hints []string) ([]models.RateQuote, error) {
	cart, err := c.carts.Snapshot(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if cart.IsEmpty() {
		return nil, models.NewValidationError(models.ErrEmptyCart, "cart", "cart has no lines")
	}

	req := QuoteRequest{Destination: destination, Weight: cart.TotalWeight(), ServiceHints: hints}
	quotes, err := c.rates.Quote(ctx, req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.quotes[cartID] = quotedCart{request: req, quotes: quotes}
	c.mu.Unlock()
	return quotes, nil
}

// PreviewCoupons prices codes against the live cart without placing an order.
func (c *CheckoutService) PreviewCoupons(ctx context.Context, cartID string, codes []string) ([]models.Discount, error) {
	cart, err := c.carts.Snapshot(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if cart.IsEmpty() {
		return nil, models.NewValidationError(models.ErrEmptyCart, "cart", "cart has no lines")
	}
	return c.discounts.ApplyAll(ctx, cart, codes)
}

type PlaceOrderInput struct {
	CartID          string
	ShippingAddress *models.Address
	BillingAddress  *models.Address
	CouponCodes     []string
	ServiceID       string
	CustomerEmail   string
}

// PlaceOrder converts the cart into a draft order and creates it on the
// backend. The cart is cleared once the order exists in both places.
func (c *CheckoutService) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*models.Order, error) {
	ctx, logger := logging.With(ctx, c.logger, "cart_id", in.CartID)

	if strings.TrimSpace(in.ServiceID) == "" {
		return nil, models.NewValidationError(nil, "service_id", "is required")
	}
	if in.ShippingAddress == nil {
		return nil, models.NewValidationError(models.ErrInvalidAddress, "shipping_address", "is required")
	}

	cart, err := c.carts.Snapshot(ctx, in.CartID)
	if err != nil {
		return nil, err
	}
	if cart.IsEmpty() {
		return nil, models.NewValidationError(models.ErrEmptyCart, "cart", "cart has no lines")
	}
	discounts, err := c.discounts.ApplyAll(ctx, cart, in.CouponCodes)
	if err != nil {
		return nil, err
	}

	req := QuoteRequest{Destination: in.ShippingAddress, Weight: cart.TotalWeight()}
	rate, ok := c.cachedRate(in.CartID, req, in.ServiceID)
	if !ok {
		if rate, err = c.rates.Requote(ctx, req, in.ServiceID); err != nil {
			return nil, err
		}
	}

	order, err := c.converter.Convert(ctx, ConvertInput{
		Cart:          cart,
		Shipping:      in.ShippingAddress,
		Billing:       in.BillingAddress,
		Rate:          rate,
		Discounts:     discounts,
		QuoteRequest:  req,
		CustomerEmail: in.CustomerEmail,
	})
	if err != nil {
		return nil, err
	}
	if err := c.states.Create(ctx, order); err != nil {
		return nil, err
	}
	logger = logger.With("order_id", order.ID.String())

	if c.backend != nil {
		backendID, err := retry.Value(ctx, c.retry, "commerce.create_order", func(ctx context.Context) (string, error) {
			return c.backend.CreateOrder(ctx, order)
		})
		if err != nil {
			if cancelErr := c.states.Transition(ctx, order.ID, models.StatusCancelled, "backend order creation failed"); cancelErr != nil {
				logger.Error("failed to cancel orphaned draft order", "error", cancelErr)
			}
			return nil, fmt.Errorf("failed to create backend order: %w", err)
		}
		if err := c.orders.SetBackendOrderID(ctx, order.ID, backendID); err != nil {
			return nil, err
		}
		order.BackendOrderID = backendID
	}

	if err := c.carts.Clear(ctx, in.CartID); err != nil {
		logger.Warn("failed to clear converted cart", "error", err)
	}
	c.mu.Lock()
	delete(c.quotes, in.CartID)
	c.mu.Unlock()

	logger.Info("order placed", "total", order.Financial.Total.String(), "currency", order.Financial.Currency)
	return order, nil
}

// cachedRate returns the quote for serviceID from the cart's last quote when
// it was made for the same destination and weight.
func (c *CheckoutService) cachedRate(cartID string, req QuoteRequest, serviceID string) (models.RateQuote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.quotes[cartID]
	if !ok || cached.request.Destination == nil || *cached.request.Destination != *req.Destination {
		return models.RateQuote{}, false
	}
	if !cached.request.Weight.Value.Equal(req.Weight.Value) || cached.request.Weight.Unit != req.Weight.Unit {
		return models.RateQuote{}, false
	}
	for _, quote := range cached.quotes {
		if quote.CarrierServiceID == serviceID {
			return quote, true
		}
	}
	return models.RateQuote{}, false
}

type PaymentOutcome struct {
	Attempt  *models.PaymentAttempt
	Shipment *models.Shipment
}

// Pay charges the order and, with auto-ship enabled, ships it right after.
func (c *CheckoutService) Pay(ctx context.Context, orderID uuid.UUID, paymentMethod string) (*PaymentOutcome, error) {
	attempt, err := c.payments.AuthorizeAndCapture(ctx, orderID, paymentMethod)
	outcome := &PaymentOutcome{Attempt: attempt}
	if err != nil || !c.autoShip {
		return outcome, err
	}

	shipment, err := c.shipments.CreateShipment(ctx, orderID)
	outcome.Shipment = shipment
	return outcome, err
}

// Cancel moves a non-terminal order to cancelled, voiding its carrier
// shipment first when one exists.
func (c *CheckoutService) Cancel(ctx context.Context, orderID uuid.UUID, reason string) (*models.Order, error) {
	ctx, logger := logging.With(ctx, c.logger, "order_id", orderID.String())
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by request"
	}

	order, err := c.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransitionTo(models.StatusCancelled) {
		return nil, fmt.Errorf("cannot cancel order in status %q: %w", order.Status, models.ErrInvalidStatusTransition)
	}
	if order.Status == models.StatusConfirmed || order.Status == models.StatusShipped {
		if err := c.shipments.CancelCarrierShipment(ctx, orderID, reason); err != nil {
			return nil, err
		}
	}
	if err := c.states.Transition(ctx, orderID, models.StatusCancelled, reason); err != nil {
		return nil, err
	}

	if c.backend != nil && order.BackendOrderID != "" {
		err := c.retry.Do(ctx, "commerce.update_order_fields", func(ctx context.Context) error {
			return c.backend.UpdateOrderFields(ctx, order.BackendOrderID, commerce.OrderFields{Status: string(models.StatusCancelled)})
		})
		if err != nil {
			logger.Warn("failed to mirror cancellation to backend", "error", err)
		}
	}
	return c.orders.GetOrder(ctx, orderID)
}

func (c *CheckoutService) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return c.orders.GetOrder(ctx, orderID)
}

// TrackingEvents returns the tracking history of the order's shipment.
func (c *CheckoutService) TrackingEvents(ctx context.Context, orderID uuid.UUID) ([]models.TrackingEvent, error) {
	order, err := c.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Shipment == nil {
		return nil, fmt.Errorf("shipment for order %s: %w", orderID, models.ErrNotFound)
	}
	events, err := c.tracking.Events(ctx, order.Shipment.AWBNumber)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return events, err
}
