package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitshopapp/fulfillment/internal/models"
)

type ShipmentStore struct {
	pool *pgxpool.Pool
}

func NewShipmentStore(pool *pgxpool.Pool) *ShipmentStore {
	return &ShipmentStore{pool: pool}
}

const shipmentColumns = `s.id, s.order_id, s.awb_number, s.label_url, s.tracking_url, s.carrier_status,
	s.estimated_delivery, s.actual_delivery, s.created_at, s.updated_at`

func (s *ShipmentStore) GetShipmentByOrder(ctx context.Context, orderID uuid.UUID) (*models.Shipment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments s WHERE s.order_id = $1`, orderID)
	shipment, err := scanShipment(row)
	if err != nil {
		return nil, notFound(err, "shipment for order "+orderID.String())
	}
	return shipment, nil
}

func (s *ShipmentStore) GetShipmentByAWB(ctx context.Context, awbNumber string) (*models.Shipment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments s WHERE s.awb_number = $1`, awbNumber)
	shipment, err := scanShipment(row)
	if err != nil {
		return nil, notFound(err, "shipment "+awbNumber)
	}
	return shipment, nil
}

// ListActiveShipments returns shipments still being tracked: not delivered,
// on orders that are shipped.
func (s *ShipmentStore) ListActiveShipments(ctx context.Context) ([]models.Shipment, error) {
	query := `
		SELECT ` + shipmentColumns + `
		FROM shipments s
		JOIN orders o ON o.id = s.order_id
		WHERE s.carrier_status <> 'delivered' AND o.status = 'shipped'
		ORDER BY s.updated_at
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shipments []models.Shipment
	for rows.Next() {
		shipment, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		shipments = append(shipments, *shipment)
	}
	return shipments, rows.Err()
}

func (s *ShipmentStore) UpdateCarrierStatus(ctx context.Context, shipmentID uuid.UUID, status models.CarrierStatus, actualDelivery *time.Time) error {
	query := `
		UPDATE shipments
		SET carrier_status = $1, actual_delivery = COALESCE($2, actual_delivery), updated_at = NOW()
		WHERE id = $3
	`
	cmdTag, err := s.pool.Exec(ctx, query, string(status), actualDelivery, shipmentID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("shipment %s: %w", shipmentID, models.ErrNotFound)
	}
	return nil
}

func (s *ShipmentStore) GetIntent(ctx context.Context, orderID uuid.UUID) (*models.ShipmentIntent, error) {
	query := `
		SELECT order_id, state, awb_number, label_url, tracking_url, estimated_delivery, attempts, last_error, updated_at
		FROM shipment_intents WHERE order_id = $1
	`
	intent, err := scanIntent(s.pool.QueryRow(ctx, query, orderID))
	if err != nil {
		return nil, notFound(err, "shipment intent for order "+orderID.String())
	}
	return intent, nil
}

// SaveIntent upserts the write-ahead record. A committed intent is never overwritten.
func (s *ShipmentStore) SaveIntent(ctx context.Context, intent *models.ShipmentIntent) error {
	query := `
		INSERT INTO shipment_intents (
			order_id, state, awb_number, label_url, tracking_url, estimated_delivery, attempts, last_error, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (order_id) DO UPDATE SET
			state = EXCLUDED.state,
			awb_number = EXCLUDED.awb_number,
			label_url = EXCLUDED.label_url,
			tracking_url = EXCLUDED.tracking_url,
			estimated_delivery = EXCLUDED.estimated_delivery,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
		WHERE shipment_intents.state <> 'committed'
	`
	_, err := s.pool.Exec(ctx, query,
		intent.OrderID, string(intent.State), intent.AWBNumber, intent.LabelURL, intent.TrackingURL,
		intent.EstimatedDelivery, intent.Attempts, intent.LastError,
	)
	return err
}

func (s *ShipmentStore) ListIntents(ctx context.Context, state models.ShipmentIntentState) ([]models.ShipmentIntent, error) {
	query := `
		SELECT order_id, state, awb_number, label_url, tracking_url, estimated_delivery, attempts, last_error, updated_at
		FROM shipment_intents WHERE state = $1 ORDER BY updated_at
	`
	rows, err := s.pool.Query(ctx, query, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []models.ShipmentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, *intent)
	}
	return intents, rows.Err()
}

// CommitShipment records the shipment and marks its intent committed in one
// transaction. An existing shipment for the order is returned unchanged.
func (s *ShipmentStore) CommitShipment(ctx context.Context, shipment *models.Shipment) (*models.Shipment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insert := `
		INSERT INTO shipments (
			id, order_id, awb_number, label_url, tracking_url, carrier_status, estimated_delivery, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (order_id) DO NOTHING
	`
	if _, err := tx.Exec(ctx, insert,
		shipment.ShipmentID, shipment.OrderID, shipment.AWBNumber, shipment.LabelURL, shipment.TrackingURL,
		string(shipment.CarrierStatus), shipment.EstimatedDelivery, shipment.CreatedAt,
	); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE shipment_intents SET state = 'committed', last_error = '', updated_at = NOW() WHERE order_id = $1`,
		shipment.OrderID,
	); err != nil {
		return nil, err
	}

	stored, err := scanShipment(tx.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments s WHERE s.order_id = $1`, shipment.OrderID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stored, nil
}

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var (
		shipment models.Shipment
		status   string
	)
	if err := row.Scan(
		&shipment.ShipmentID, &shipment.OrderID, &shipment.AWBNumber, &shipment.LabelURL, &shipment.TrackingURL,
		&status, &shipment.EstimatedDelivery, &shipment.ActualDelivery, &shipment.CreatedAt, &shipment.UpdatedAt,
	); err != nil {
		return nil, err
	}
	shipment.CarrierStatus = models.CarrierStatus(status)
	return &shipment, nil
}

func scanIntent(row pgx.Row) (*models.ShipmentIntent, error) {
	var (
		intent models.ShipmentIntent
		state  string
	)
	if err := row.Scan(
		&intent.OrderID, &state, &intent.AWBNumber, &intent.LabelURL, &intent.TrackingURL,
		&intent.EstimatedDelivery, &intent.Attempts, &intent.LastError, &intent.UpdatedAt,
	); err != nil {
		return nil, err
	}
	intent.State = models.ShipmentIntentState(state)
	return &intent, nil
}
