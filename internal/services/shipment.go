package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/gitshopapp/fulfillment/internal/carrier"
	"github.com/gitshopapp/fulfillment/internal/commerce"
	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/observability"
	"github.com/gitshopapp/fulfillment/internal/retry"
)

const pickupDateLayout = "2006-01-02"

type ShipmentOrchestratorConfig struct {
	Orders    OrderRepository
	Shipments ShipmentRepository
	States    *OrderStateMachine
	Carrier   ShipmentCarrier
	// Backend is optional; without it the AWB is recorded locally only.
	Backend OrderBackend
	Origin  models.Address
	Retry   retry.Policy
	Logger  *slog.Logger
}

// ShipmentOrchestrator books at most one carrier shipment per order. A
// write-ahead intent records the carrier's answer before it is persisted, so
// a failed persist is retried without asking the carrier again.
type ShipmentOrchestrator struct {
	orders    OrderRepository
	shipments ShipmentRepository
	states    *OrderStateMachine
	carrier   ShipmentCarrier
	backend   OrderBackend
	origin    models.Address
	retry     retry.Policy
	logger    *slog.Logger
	now       func() time.Time

	flight singleflight.Group
	locks  keyedMutex
}

func NewShipmentOrchestrator(cfg ShipmentOrchestratorConfig) *ShipmentOrchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &ShipmentOrchestrator{
		orders:    cfg.Orders,
		shipments: cfg.Shipments,
		states:    cfg.States,
		carrier:   cfg.Carrier,
		backend:   cfg.Backend,
		origin:    cfg.Origin,
		retry:     cfg.Retry,
		logger:    logger.With("component", "shipment_orchestrator"),
		now:       time.Now,
	}
}

// CreateShipment ships a confirmed order. Calling it again for the same order
// returns the shipment already created.
func (o *ShipmentOrchestrator) CreateShipment(ctx context.Context, orderID uuid.UUID) (*models.Shipment, error) {
	span := sentry.StartSpan(
		ctx,
		"service.shipment.create",
		sentry.WithOpName("service.shipment"),
		sentry.WithDescription("create_shipment"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	value, err, _ := o.flight.Do(orderID.String(), func() (any, error) {
		unlock := o.locks.Lock(orderID.String())
		defer unlock()
		return o.create(ctx, orderID)
	})
	if err != nil {
		if errors.Is(err, models.ErrPartialFulfillment) {
			span.Status = sentry.SpanStatusDataLoss
		} else {
			span.Status = sentry.SpanStatusInternalError
		}
		return nil, err
	}
	span.Status = sentry.SpanStatusOK
	shipment := *value.(*models.Shipment)
	return &shipment, nil
}

func (o *ShipmentOrchestrator) create(ctx context.Context, orderID uuid.UUID) (*models.Shipment, error) {
	ctx, logger := logging.With(ctx, o.logger, "order_id", orderID.String())

	order, err := o.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	existing, err := o.shipments.GetShipmentByOrder(ctx, orderID)
	switch {
	case err == nil:
		if order.Status == models.StatusConfirmed {
			if err := o.states.Transition(ctx, orderID, models.StatusShipped, "shipment created"); err != nil {
				return nil, err
			}
		}
		return existing, nil
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}

	if order.Status != models.StatusConfirmed {
		return nil, fmt.Errorf("cannot ship order in status %q: %w", order.Status, models.ErrInvalidStatusTransition)
	}

	intent, err := o.shipments.GetIntent(ctx, orderID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		intent = &models.ShipmentIntent{OrderID: orderID}
	case err != nil:
		return nil, err
	}

	if intent.State != models.IntentCarrierIssued || intent.AWBNumber == "" {
		if err := o.book(ctx, order, intent); err != nil {
			return nil, err
		}
	} else {
		logger.Info("resuming persistence of issued shipment", "awb_number", intent.AWBNumber)
	}

	return o.persist(ctx, order, intent)
}

// book asks the carrier for a shipment and records the answer in intent.
func (o *ShipmentOrchestrator) book(ctx context.Context, order *models.Order, intent *models.ShipmentIntent) error {
	intent.State = models.IntentPendingCarrier
	intent.Attempts++
	if err := o.shipments.SaveIntent(ctx, intent); err != nil {
		return fmt.Errorf("failed to record shipment intent: %w", err)
	}

	req := carrier.ShipmentRequest{
		Shipper:   o.origin,
		Consignee: *order.ShippingAddress,
		Package: carrier.PackageDetails{
			Weight:        order.Cart.TotalWeight(),
			DeclaredValue: carrier.Money{Amount: order.Financial.Subtotal, Currency: order.Financial.Currency},
			ServiceID:     order.ChosenRate.CarrierServiceID,
			Reference:     order.ID.String(),
		},
	}
	result, err := retry.Value(ctx, o.retry, "carrier.create_shipment", func(ctx context.Context) (*carrier.ShipmentResult, error) {
		return o.carrier.CreateShipment(ctx, req, order.ID.String())
	})
	if err != nil {
		intent.LastError = err.Error()
		if saveErr := o.shipments.SaveIntent(ctx, intent); saveErr != nil {
			logging.FromContext(ctx, o.logger).Warn("failed to record carrier failure", "error", saveErr)
		}
		return err
	}

	intent.State = models.IntentCarrierIssued
	intent.AWBNumber = result.AWBNumber
	intent.LabelURL = result.LabelURL
	intent.TrackingURL = result.TrackingURL
	intent.EstimatedDelivery = result.EstimatedDelivery
	intent.LastError = ""
	if err := o.shipments.SaveIntent(ctx, intent); err != nil {
		return o.partial(ctx, intent, fmt.Errorf("failed to record issued shipment: %w", err))
	}
	return nil
}

// persist writes an issued shipment to the backend and the local store, then
// moves the order to shipped.
func (o *ShipmentOrchestrator) persist(ctx context.Context, order *models.Order, intent *models.ShipmentIntent) (*models.Shipment, error) {
	logger := logging.FromContext(ctx, o.logger)

	if o.backend != nil && order.BackendOrderID != "" {
		err := o.retry.Do(ctx, "commerce.update_order_fields", func(ctx context.Context) error {
			return o.backend.UpdateOrderFields(ctx, order.BackendOrderID, commerce.OrderFields{
				Status:      string(models.StatusShipped),
				AWBNumber:   intent.AWBNumber,
				LabelURL:    intent.LabelURL,
				TrackingURL: intent.TrackingURL,
			})
		})
		if err != nil {
			return nil, o.partial(ctx, intent, err)
		}
	}

	now := o.now().UTC()
	stored, err := o.shipments.CommitShipment(ctx, &models.Shipment{
		ShipmentID:        uuid.New(),
		OrderID:           order.ID,
		AWBNumber:         intent.AWBNumber,
		LabelURL:          intent.LabelURL,
		TrackingURL:       intent.TrackingURL,
		CarrierStatus:     models.CarrierStatusCreated,
		EstimatedDelivery: intent.EstimatedDelivery,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, o.partial(ctx, intent, err)
	}

	if err := o.states.Transition(ctx, order.ID, models.StatusShipped, "shipment created"); err != nil {
		if !errors.Is(err, models.ErrInvalidStatusTransition) {
			return nil, err
		}
		logger.Warn("shipment committed but order left its confirmed status", "awb_number", stored.AWBNumber, "error", err)
	}

	observability.MeterFromContext(ctx).Count("shipment.created", 1)
	logger.Info("shipment created", "awb_number", stored.AWBNumber)
	return stored, nil
}

// partial records why an issued shipment could not be persisted and returns
// the error the caller sees. The intent stays carrier_issued for ResumePending.
func (o *ShipmentOrchestrator) partial(ctx context.Context, intent *models.ShipmentIntent, cause error) error {
	intent.LastError = cause.Error()
	if err := o.shipments.SaveIntent(ctx, intent); err != nil {
		cause = errors.Join(cause, err)
	}

	observability.MeterFromContext(ctx).Count("shipment.partial_fulfillment", 1)
	logging.FromContext(ctx, o.logger).Error("carrier shipment issued but not persisted",
		"order_id", intent.OrderID.String(),
		"awb_number", intent.AWBNumber,
		"error", cause,
	)
	return &models.PartialFulfillmentError{OrderID: intent.OrderID, AWBNumber: intent.AWBNumber, Err: cause}
}

// ResumePending retries persistence for every shipment the carrier issued but
// the store never recorded. It returns how many were completed.
func (o *ShipmentOrchestrator) ResumePending(ctx context.Context) (int, error) {
	intents, err := o.shipments.ListIntents(ctx, models.IntentCarrierIssued)
	if err != nil {
		return 0, err
	}

	logger := logging.FromContext(ctx, o.logger)
	var (
		resumed int
		errs    []error
	)
	for _, intent := range intents {
		if ctx.Err() != nil {
			break
		}
		if _, err := o.CreateShipment(ctx, intent.OrderID); err != nil {
			if errors.Is(err, models.ErrInvalidStatusTransition) {
				logger.Warn("issued shipment belongs to an order that can no longer ship",
					"order_id", intent.OrderID.String(),
					"awb_number", intent.AWBNumber,
				)
				continue
			}
			errs = append(errs, err)
			continue
		}
		resumed++
	}
	return resumed, errors.Join(errs...)
}

// CancelCarrierShipment voids the carrier shipment of an order, whether it was
// committed or only issued. Orders without a shipment are a no-op.
func (o *ShipmentOrchestrator) CancelCarrierShipment(ctx context.Context, orderID uuid.UUID, reason string) error {
	unlock := o.locks.Lock(orderID.String())
	defer unlock()

	awbNumber := ""
	shipment, err := o.shipments.GetShipmentByOrder(ctx, orderID)
	switch {
	case err == nil:
		if shipment.Delivered() {
			return fmt.Errorf("shipment %s already delivered: %w", shipment.AWBNumber, models.ErrInvalidStatusTransition)
		}
		awbNumber = shipment.AWBNumber
	case errors.Is(err, models.ErrNotFound):
		intent, intentErr := o.shipments.GetIntent(ctx, orderID)
		if intentErr != nil && !errors.Is(intentErr, models.ErrNotFound) {
			return intentErr
		}
		if intent != nil && intent.State == models.IntentCarrierIssued {
			awbNumber = intent.AWBNumber
		}
	default:
		return err
	}
	if awbNumber == "" {
		return nil
	}

	err = o.retry.Do(ctx, "carrier.cancel_shipment", func(ctx context.Context) error {
		return o.carrier.CancelShipment(ctx, awbNumber, reason)
	})
	if err != nil {
		return fmt.Errorf("failed to cancel carrier shipment %s: %w", awbNumber, err)
	}
	logging.FromContext(ctx, o.logger).Info("carrier shipment cancelled", "order_id", orderID.String(), "awb_number", awbNumber)
	return nil
}

// SchedulePickup books a carrier pickup at the shop origin for a shipped
// order whose parcel has not been collected yet.
func (o *ShipmentOrchestrator) SchedulePickup(ctx context.Context, orderID uuid.UUID, date string, window carrier.PickupWindow) (*carrier.PickupConfirmation, error) {
	if _, err := time.Parse(pickupDateLayout, date); err != nil {
		return nil, models.NewValidationError(nil, "date", "must be YYYY-MM-DD")
	}
	if window.From == "" || window.To == "" {
		return nil, models.NewValidationError(nil, "window", "from and to are required")
	}

	order, err := o.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.StatusShipped {
		return nil, fmt.Errorf("cannot schedule pickup for order in status %q: %w", order.Status, models.ErrInvalidStatusTransition)
	}
	shipment, err := o.shipments.GetShipmentByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if shipment.CarrierStatus != models.CarrierStatusCreated {
		return nil, fmt.Errorf("shipment %s is already %s: %w", shipment.AWBNumber, shipment.CarrierStatus, models.ErrInvalidStatusTransition)
	}

	return retry.Value(ctx, o.retry, "carrier.schedule_pickup", func(ctx context.Context) (*carrier.PickupConfirmation, error) {
		return o.carrier.SchedulePickup(ctx, carrier.PickupRequest{
			Address: o.origin,
			Date:    date,
			Window:  window,
		})
	})
}
