package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/gitshopapp/fulfillment/internal/events"
	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/observability"
	"github.com/gitshopapp/fulfillment/internal/retry"
)

// carrierCodes maps raw carrier event codes onto the canonical status.
var carrierCodes = map[string]models.CarrierStatus{
	"created":            models.CarrierStatusCreated,
	"label_created":      models.CarrierStatusCreated,
	"info_received":      models.CarrierStatusCreated,
	"picked_up":          models.CarrierStatusPickedUp,
	"pickup":             models.CarrierStatusPickedUp,
	"collected":          models.CarrierStatusPickedUp,
	"in_transit":         models.CarrierStatusInTransit,
	"departed":           models.CarrierStatusInTransit,
	"arrived":            models.CarrierStatusInTransit,
	"out_for_delivery":   models.CarrierStatusOutForDelivery,
	"delivered":          models.CarrierStatusDelivered,
	"exception":          models.CarrierStatusException,
	"delivery_failed":    models.CarrierStatusException,
	"failed_attempt":     models.CarrierStatusException,
	"returned_to_sender": models.CarrierStatusException,
	"delayed":            models.CarrierStatusException,
}

// CanonicalStatus maps a carrier event code. Unknown codes report false.
func CanonicalStatus(code string) (models.CarrierStatus, bool) {
	status, ok := carrierCodes[strings.ToLower(strings.TrimSpace(code))]
	return status, ok
}

type TrackingSynchronizerConfig struct {
	Shipments ShipmentRepository
	Tracking  TrackingRepository
	States    *OrderStateMachine
	Carrier   TrackingCarrier
	Publisher events.Publisher
	Retry     retry.Policy
	Logger    *slog.Logger
}

// TrackingSynchronizer folds carrier tracking events into shipments. Work on
// one AWB never runs concurrently.
type TrackingSynchronizer struct {
	shipments ShipmentRepository
	tracking  TrackingRepository
	states    *OrderStateMachine
	carrier   TrackingCarrier
	publisher events.Publisher
	retry     retry.Policy
	logger    *slog.Logger

	locks keyedMutex
}

func NewTrackingSynchronizer(cfg TrackingSynchronizerConfig) *TrackingSynchronizer {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &TrackingSynchronizer{
		shipments: cfg.Shipments,
		tracking:  cfg.Tracking,
		states:    cfg.States,
		carrier:   cfg.Carrier,
		publisher: cfg.Publisher,
		retry:     cfg.Retry,
		logger:    logger.With("component", "tracking_synchronizer"),
	}
}

// Reconcile polls the carrier for awbNumber and applies what it returns. It
// returns only the events that were new.
func (s *TrackingSynchronizer) Reconcile(ctx context.Context, awbNumber string) ([]models.TrackingEvent, error) {
	span := sentry.StartSpan(
		ctx,
		"service.tracking.reconcile",
		sentry.WithOpName("service.tracking"),
		sentry.WithDescription("reconcile"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	unlock := s.locks.Lock(awbNumber)
	defer unlock()

	shipment, err := s.shipments.GetShipmentByAWB(ctx, awbNumber)
	if err != nil {
		span.Status = sentry.SpanStatusNotFound
		return nil, err
	}
	if shipment.Delivered() {
		span.Status = sentry.SpanStatusOK
		return nil, s.deliverOrder(ctx, s.logger, shipment)
	}

	byAWB, err := retry.Value(ctx, s.retry, "carrier.track", func(ctx context.Context) (map[string][]models.TrackingEvent, error) {
		return s.carrier.Track(ctx, []string{awbNumber})
	})
	if err != nil {
		span.Status = sentry.SpanStatusUnavailable
		return nil, err
	}

	added, err := s.apply(ctx, shipment, byAWB[awbNumber])
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, err
	}
	span.Status = sentry.SpanStatusOK
	return added, nil
}

// Apply folds pushed events into the shipment for awbNumber.
func (s *TrackingSynchronizer) Apply(ctx context.Context, awbNumber string, incoming []models.TrackingEvent) ([]models.TrackingEvent, error) {
	unlock := s.locks.Lock(awbNumber)
	defer unlock()

	shipment, err := s.shipments.GetShipmentByAWB(ctx, awbNumber)
	if err != nil {
		return nil, err
	}
	if shipment.Delivered() {
		return nil, s.deliverOrder(ctx, s.logger, shipment)
	}
	return s.apply(ctx, shipment, incoming)
}

// Events returns the stored history of awbNumber in timestamp order.
func (s *TrackingSynchronizer) Events(ctx context.Context, awbNumber string) ([]models.TrackingEvent, error) {
	return s.tracking.ListEvents(ctx, awbNumber)
}

func (s *TrackingSynchronizer) apply(ctx context.Context, shipment *models.Shipment, incoming []models.TrackingEvent) ([]models.TrackingEvent, error) {
	ctx, logger := logging.With(ctx, s.logger,
		"order_id", shipment.OrderID.String(),
		"awb_number", shipment.AWBNumber,
	)

	candidates := make([]models.TrackingEvent, 0, len(incoming))
	seen := make(map[string]struct{}, len(incoming))
	for _, event := range incoming {
		if event.AWBNumber == "" {
			event.AWBNumber = shipment.AWBNumber
		}
		if event.AWBNumber != shipment.AWBNumber || event.Code == "" || event.Timestamp.IsZero() {
			continue
		}
		event.Timestamp = event.Timestamp.UTC()
		if _, dup := seen[event.Key()]; dup {
			continue
		}
		seen[event.Key()] = struct{}{}
		candidates = append(candidates, event)
	}
	slices.SortStableFunc(candidates, compareEvents)

	added, err := s.tracking.AppendEvents(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to store tracking events: %w", err)
	}
	if len(added) == 0 {
		logger.Debug("no new tracking events")
		added = nil
	}
	for _, event := range added {
		if s.publisher != nil {
			s.publisher.Publish(ctx, events.TrackingRecorded(shipment.OrderID, event))
		}
	}
	if len(added) > 0 {
		observability.MeterFromContext(ctx).Count("tracking.events_added", int64(len(added)))
	}

	if err := s.advance(ctx, logger, shipment); err != nil {
		return added, err
	}
	return added, nil
}

// advance moves the shipment and its order to the status implied by the
// stored history. It runs even when no event was new, so a step that failed
// on an earlier delivery is completed by the next one.
func (s *TrackingSynchronizer) advance(ctx context.Context, logger *slog.Logger, shipment *models.Shipment) error {
	history, err := s.tracking.ListEvents(ctx, shipment.AWBNumber)
	if err != nil {
		return err
	}
	status, latest, ok := latestStatus(history)
	if !ok || status == shipment.CarrierStatus {
		return nil
	}

	// The order moves before the shipment leaves the active set, so a failed
	// order update is retried by the next poll.
	var actualDelivery *time.Time
	switch status {
	case models.CarrierStatusDelivered:
		if err := s.deliverOrder(ctx, logger, shipment); err != nil {
			return err
		}
		at := latest.Timestamp
		actualDelivery = &at
	case models.CarrierStatusException:
		logger.Warn("carrier reported shipment exception", "code", latest.Code, "description", latest.Description)
	}

	if err := s.shipments.UpdateCarrierStatus(ctx, shipment.ShipmentID, status, actualDelivery); err != nil {
		return fmt.Errorf("failed to update carrier status: %w", err)
	}
	observability.MeterFromContext(ctx).Count("tracking.status_changed", 1, sentry.WithAttributes(
		attribute.String("status", string(status)),
	))
	logger.Info("carrier status changed", "from", string(shipment.CarrierStatus), "to", string(status))
	return nil
}

func (s *TrackingSynchronizer) deliverOrder(ctx context.Context, logger *slog.Logger, shipment *models.Shipment) error {
	err := s.states.Transition(ctx, shipment.OrderID, models.StatusDelivered, "carrier reported delivery")
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrInvalidStatusTransition) {
		logger.Debug("order not moved to delivered", "error", err)
		return nil
	}
	return err
}

// latestStatus derives the shipment status from the most recent event whose
// code is known.
func latestStatus(history []models.TrackingEvent) (models.CarrierStatus, models.TrackingEvent, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if status, ok := CanonicalStatus(history[i].Code); ok {
			return status, history[i], true
		}
	}
	return "", models.TrackingEvent{}, false
}

func compareEvents(a, b models.TrackingEvent) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(a.Code, b.Code)
}
