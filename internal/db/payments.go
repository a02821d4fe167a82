package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
)

const uniqueViolation = "23505"

type PaymentStore struct {
	pool *pgxpool.Pool
}

func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

// RecordAttempt inserts an attempt. A second succeeded attempt for the same
// order is refused with ErrInvalidStatusTransition.
func (s *PaymentStore) RecordAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (
			id, order_id, amount, currency, result, processor_ref, payment_method,
			idempotency_key, failure_reason, created_at
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		attempt.AttemptID, attempt.OrderID, attempt.Amount.String(), attempt.Currency, string(attempt.Result),
		attempt.ProcessorRef, attempt.PaymentMethod, attempt.IdempotencyKey, attempt.FailureReason, attempt.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: order %s already has a succeeded payment", models.ErrInvalidStatusTransition, attempt.OrderID)
	}
	return err
}

const attemptColumns = `id, order_id, amount::text, currency, result, processor_ref, payment_method,
	idempotency_key, failure_reason, created_at`

func (s *PaymentStore) SucceededAttempt(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts WHERE order_id = $1 AND result = 'succeeded'`
	attempt, err := scanAttempt(s.pool.QueryRow(ctx, query, orderID))
	if err != nil {
		return nil, notFound(err, "succeeded payment for order "+orderID.String())
	}
	return attempt, nil
}

func (s *PaymentStore) LatestAttempt(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`
	attempt, err := scanAttempt(s.pool.QueryRow(ctx, query, orderID))
	if err != nil {
		return nil, notFound(err, "payment attempt for order "+orderID.String())
	}
	return attempt, nil
}

func (s *PaymentStore) ListAttempts(ctx context.Context, orderID uuid.UUID) ([]models.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts WHERE order_id = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.PaymentAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

func scanAttempt(row pgx.Row) (*models.PaymentAttempt, error) {
	var (
		attempt models.PaymentAttempt
		amount  string
		result  string
	)
	if err := row.Scan(
		&attempt.AttemptID, &attempt.OrderID, &amount, &attempt.Currency, &result, &attempt.ProcessorRef,
		&attempt.PaymentMethod, &attempt.IdempotencyKey, &attempt.FailureReason, &attempt.CreatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored payment amount %q: %w", amount, err)
	}
	attempt.Amount = parsed
	attempt.Result = models.PaymentResult(result)
	return &attempt, nil
}
