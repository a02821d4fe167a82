package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/cache"
	"github.com/gitshopapp/fulfillment/internal/carrier"
	"github.com/gitshopapp/fulfillment/internal/config"
	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/services"
)

const (
	maxWebhookBodyBytes = 1 << 20 // 1 MB
	maxRequestBodyBytes = 64 << 10
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type CartService interface {
	Snapshot(ctx context.Context, cartID string) (models.Cart, error)
	AddLine(ctx context.Context, cartID, productID string, quantity int) (models.Cart, error)
	UpdateLine(ctx context.Context, cartID, lineID string, quantity int) (models.Cart, error)
	RemoveLine(ctx context.Context, cartID, lineID string) (models.Cart, error)
	Clear(ctx context.Context, cartID string) error
}

type CheckoutService interface {
	QuoteShipping(ctx context.Context, cartID string, destination *models.Address, hints []string) ([]models.RateQuote, error)
	PreviewCoupons(ctx context.Context, cartID string, codes []string) ([]models.Discount, error)
	PlaceOrder(ctx context.Context, in services.PlaceOrderInput) (*models.Order, error)
	Pay(ctx context.Context, orderID uuid.UUID, paymentMethod string) (*services.PaymentOutcome, error)
	Cancel(ctx context.Context, orderID uuid.UUID, reason string) (*models.Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	TrackingEvents(ctx context.Context, orderID uuid.UUID) ([]models.TrackingEvent, error)
}

type ShipmentService interface {
	CreateShipment(ctx context.Context, orderID uuid.UUID) (*models.Shipment, error)
	SchedulePickup(ctx context.Context, orderID uuid.UUID, date string, window carrier.PickupWindow) (*carrier.PickupConfirmation, error)
}

type TrackingService interface {
	Apply(ctx context.Context, awbNumber string, events []models.TrackingEvent) ([]models.TrackingEvent, error)
}

type PaymentReconciler interface {
	ReconcileProcessorResult(ctx context.Context, outcome services.ProcessorOutcome) error
}

// Handlers serves the fulfillment HTTP API and the inbound webhooks.
type Handlers struct {
	config        *config.Config
	store         Pinger
	cacheProvider cache.Provider
	carts         CartService
	checkout      CheckoutService
	shipments     ShipmentService
	tracking      TrackingService
	payments      PaymentReconciler
	logger        *slog.Logger
}

type Dependencies struct {
	Config        *config.Config
	Store         Pinger
	CacheProvider cache.Provider
	Carts         CartService
	Checkout      CheckoutService
	Shipments     ShipmentService
	Tracking      TrackingService
	Payments      PaymentReconciler
	Logger        *slog.Logger
}

func New(deps Dependencies) (*Handlers, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if deps.Config == nil {
		return nil, fmt.Errorf("handlers dependencies: config is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("handlers dependencies: store is required")
	}
	if deps.CacheProvider == nil {
		return nil, fmt.Errorf("handlers dependencies: cacheProvider is required")
	}
	if deps.Carts == nil {
		return nil, fmt.Errorf("handlers dependencies: carts is required")
	}
	if deps.Checkout == nil {
		return nil, fmt.Errorf("handlers dependencies: checkout is required")
	}
	if deps.Shipments == nil {
		return nil, fmt.Errorf("handlers dependencies: shipments is required")
	}
	if deps.Tracking == nil {
		return nil, fmt.Errorf("handlers dependencies: tracking is required")
	}
	if deps.Payments == nil {
		return nil, fmt.Errorf("handlers dependencies: payments is required")
	}

	return &Handlers{
		config:        deps.Config,
		store:         deps.Store,
		cacheProvider: deps.CacheProvider,
		carts:         deps.Carts,
		checkout:      deps.Checkout,
		shipments:     deps.Shipments,
		tracking:      deps.Tracking,
		payments:      deps.Payments,
		logger:        logger.With("component", "handlers"),
	}, nil
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	if err := h.store.Ping(ctx); err != nil {
		logger.Error("store health check failed", "error", err)
		http.Error(w, "Store unhealthy", http.StatusServiceUnavailable)
		return
	}

	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.logger)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.loggerFromContext(r.Context()).Error("failed to encode response", "error", err)
	}
}

// decodeJSON reads a bounded request body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return models.NewValidationError(nil, "body", fmt.Sprintf("invalid json: %v", err))
	}
	return nil
}
