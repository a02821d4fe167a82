package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitshopapp/fulfillment/internal/models"
)

type OrderStore struct {
	pool *pgxpool.Pool
}

func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

func (s *OrderStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *OrderStore) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.ShippingAddress == nil {
		return fmt.Errorf("order %s has no shipping address", order.ID)
	}

	cartJSON, err := json.Marshal(order.Cart)
	if err != nil {
		return err
	}
	shippingJSON, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return err
	}
	sameBilling := order.BillingAddress == nil || order.BillingAddress == order.ShippingAddress
	var billingJSON []byte
	if !sameBilling {
		billingJSON, err = json.Marshal(order.BillingAddress)
		if err != nil {
			return err
		}
	}
	var discountJSON []byte
	if len(order.Discounts) > 0 {
		discountJSON, err = json.Marshal(order.Discounts)
		if err != nil {
			return err
		}
	}
	rateJSON, err := json.Marshal(order.ChosenRate)
	if err != nil {
		return err
	}
	financialJSON, err := json.Marshal(order.Financial)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (
			id, backend_order_id, cart, shipping_address, billing_address, billing_same_as_shipping,
			discounts, chosen_rate, financial, status, customer_email, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`
	_, err = s.pool.Exec(ctx, query,
		order.ID, order.BackendOrderID, cartJSON, shippingJSON, billingJSON, sameBilling,
		discountJSON, rateJSON, financialJSON, string(order.Status), order.CustomerEmail, order.CreatedAt,
	)
	return err
}

const orderColumns = `
	o.id, o.backend_order_id, o.cart, o.shipping_address, o.billing_address, o.billing_same_as_shipping,
	o.discounts, o.chosen_rate, o.financial, o.status, o.payment_ref, o.customer_email, o.cancel_reason,
	o.created_at, o.updated_at`

func (s *OrderStore) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		return nil, notFound(err, "order "+orderID.String())
	}

	shipment, err := NewShipmentStore(s.pool).GetShipmentByOrder(ctx, orderID)
	switch {
	case err == nil:
		order.Shipment = shipment
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}
	return order, nil
}

// UpdateStatus moves the order to next if its current status is one of next's
// sources, and returns the status it moved from.
func (s *OrderStore) UpdateStatus(ctx context.Context, orderID uuid.UUID, next models.OrderStatus, reason string) (models.OrderStatus, error) {
	sources := next.Sources()
	allowed := make([]string, 0, len(sources))
	for _, source := range sources {
		allowed = append(allowed, string(source))
	}

	query := `
		UPDATE orders o
		SET status = $1,
		    cancel_reason = CASE WHEN $1 = 'cancelled' THEN $4 ELSE o.cancel_reason END,
		    updated_at = NOW()
		FROM (SELECT id, status FROM orders WHERE id = $2 FOR UPDATE) prev
		WHERE o.id = prev.id AND prev.status = ANY($3)
		RETURNING prev.status
	`
	var previous string
	err := s.pool.QueryRow(ctx, query, string(next), orderID, allowed, reason).Scan(&previous)
	if err == nil {
		return models.OrderStatus(previous), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.StatusNone, err
	}

	var current string
	if err := s.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&current); err != nil {
		return models.StatusNone, notFound(err, "order "+orderID.String())
	}
	return models.OrderStatus(current), fmt.Errorf("%w: %s -> %s", models.ErrInvalidStatusTransition, current, next)
}

func (s *OrderStore) SetPaymentRef(ctx context.Context, orderID uuid.UUID, paymentRef string) error {
	return s.setField(ctx, orderID, `payment_ref`, paymentRef)
}

func (s *OrderStore) SetBackendOrderID(ctx context.Context, orderID uuid.UUID, backendOrderID string) error {
	return s.setField(ctx, orderID, `backend_order_id`, backendOrderID)
}

func (s *OrderStore) setField(ctx context.Context, orderID uuid.UUID, column, value string) error {
	query := fmt.Sprintf(`UPDATE orders SET %s = $1, updated_at = NOW() WHERE id = $2`, column)
	cmdTag, err := s.pool.Exec(ctx, query, value, orderID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
	}
	return nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		order                                 models.Order
		cartJSON, shippingJSON, billingJSON   []byte
		discountJSON, rateJSON, financialJSON []byte
		sameBilling                           bool
		status                                string
	)
	if err := row.Scan(
		&order.ID, &order.BackendOrderID, &cartJSON, &shippingJSON, &billingJSON, &sameBilling,
		&discountJSON, &rateJSON, &financialJSON, &status, &order.PaymentRef, &order.CustomerEmail,
		&order.CancelReason, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return nil, err
	}
	order.Status = models.OrderStatus(status)

	if err := json.Unmarshal(cartJSON, &order.Cart); err != nil {
		return nil, fmt.Errorf("failed to decode cart: %w", err)
	}
	order.ShippingAddress = &models.Address{}
	if err := json.Unmarshal(shippingJSON, order.ShippingAddress); err != nil {
		return nil, fmt.Errorf("failed to decode shipping address: %w", err)
	}
	order.BillingAddress = order.ShippingAddress
	if !sameBilling && len(billingJSON) > 0 {
		order.BillingAddress = &models.Address{}
		if err := json.Unmarshal(billingJSON, order.BillingAddress); err != nil {
			return nil, fmt.Errorf("failed to decode billing address: %w", err)
		}
	}
	if len(discountJSON) > 0 {
		if err := json.Unmarshal(discountJSON, &order.Discounts); err != nil {
			return nil, fmt.Errorf("failed to decode discounts: %w", err)
		}
	}
	if err := json.Unmarshal(rateJSON, &order.ChosenRate); err != nil {
		return nil, fmt.Errorf("failed to decode chosen rate: %w", err)
	}
	if err := json.Unmarshal(financialJSON, &order.Financial); err != nil {
		return nil, fmt.Errorf("failed to decode financial: %w", err)
	}
	return &order, nil
}
