// Package services implements the order fulfillment pipeline: cart, discounts,
// rate shopping, quotation, payment, shipment and tracking.
package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/carrier"
	"github.com/gitshopapp/fulfillment/internal/commerce"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/stripe"
)

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	UpdateStatus(ctx context.Context, orderID uuid.UUID, next models.OrderStatus, reason string) (models.OrderStatus, error)
	SetPaymentRef(ctx context.Context, orderID uuid.UUID, paymentRef string) error
	SetBackendOrderID(ctx context.Context, orderID uuid.UUID, backendOrderID string) error
}

type PaymentRepository interface {
	RecordAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	SucceededAttempt(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error)
	LatestAttempt(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error)
	ListAttempts(ctx context.Context, orderID uuid.UUID) ([]models.PaymentAttempt, error)
}

type ShipmentRepository interface {
	GetShipmentByOrder(ctx context.Context, orderID uuid.UUID) (*models.Shipment, error)
	GetShipmentByAWB(ctx context.Context, awbNumber string) (*models.Shipment, error)
	ListActiveShipments(ctx context.Context) ([]models.Shipment, error)
	UpdateCarrierStatus(ctx context.Context, shipmentID uuid.UUID, status models.CarrierStatus, actualDelivery *time.Time) error
	GetIntent(ctx context.Context, orderID uuid.UUID) (*models.ShipmentIntent, error)
	SaveIntent(ctx context.Context, intent *models.ShipmentIntent) error
	ListIntents(ctx context.Context, state models.ShipmentIntentState) ([]models.ShipmentIntent, error)
	CommitShipment(ctx context.Context, shipment *models.Shipment) (*models.Shipment, error)
}

type TrackingRepository interface {
	AppendEvents(ctx context.Context, events []models.TrackingEvent) ([]models.TrackingEvent, error)
	ListEvents(ctx context.Context, awbNumber string) ([]models.TrackingEvent, error)
}

// ProductCatalog resolves price, weight and stock from the commerce backend.
type ProductCatalog interface {
	Product(ctx context.Context, productID string) (*commerce.Product, error)
}

// CartMirror receives a copy of every cart mutation.
type CartMirror interface {
	SetCartLine(ctx context.Context, cartID, productID string, quantity int) error
	ClearCart(ctx context.Context, cartID string) error
}

// OrderBackend is the commerce backend's order surface.
type OrderBackend interface {
	CreateOrder(ctx context.Context, order *models.Order) (string, error)
	UpdateOrderFields(ctx context.Context, backendOrderID string, fields commerce.OrderFields) error
}

type RateQuoter interface {
	QuoteRate(ctx context.Context, req carrier.RateRequest) ([]models.RateQuote, error)
}

type ShipmentCarrier interface {
	Name() string
	CreateShipment(ctx context.Context, req carrier.ShipmentRequest, idempotencyKey string) (*carrier.ShipmentResult, error)
	CancelShipment(ctx context.Context, awbNumber, reason string) error
	SchedulePickup(ctx context.Context, req carrier.PickupRequest) (*carrier.PickupConfirmation, error)
}

type TrackingCarrier interface {
	Track(ctx context.Context, awbNumbers []string) (map[string][]models.TrackingEvent, error)
}

type PaymentProcessor interface {
	Charge(ctx context.Context, params stripe.ChargeParams) (*stripe.ChargeResult, error)
}
