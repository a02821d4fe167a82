package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitshopapp/fulfillment/internal/models"
)

type TrackingStore struct {
	pool *pgxpool.Pool
}

func NewTrackingStore(pool *pgxpool.Pool) *TrackingStore {
	return &TrackingStore{pool: pool}
}

// AppendEvents stores events not yet recorded for their AWB and returns only
// the ones that were new.
func (s *TrackingStore) AppendEvents(ctx context.Context, events []models.TrackingEvent) ([]models.TrackingEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO tracking_events (awb_number, code, occurred_at, description, location)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (awb_number, code, occurred_at) DO NOTHING
		RETURNING code
	`
	var added []models.TrackingEvent
	for _, event := range events {
		var code string
		err := tx.QueryRow(ctx, query,
			event.AWBNumber, event.Code, event.Timestamp.UTC(), event.Description, event.Location,
		).Scan(&code)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		added = append(added, event)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return added, nil
}

func (s *TrackingStore) ListEvents(ctx context.Context, awbNumber string) ([]models.TrackingEvent, error) {
	query := `
		SELECT awb_number, code, description, location, occurred_at
		FROM tracking_events WHERE awb_number = $1
		ORDER BY occurred_at, code
	`
	rows, err := s.pool.Query(ctx, query, awbNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.TrackingEvent
	for rows.Next() {
		var event models.TrackingEvent
		if err := rows.Scan(&event.AWBNumber, &event.Code, &event.Description, &event.Location, &event.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
