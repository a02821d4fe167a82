package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
)

// MemoryStore implements every store contract in process memory. Values are
// copied on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[uuid.UUID]*models.Order
	attempts  map[uuid.UUID][]models.PaymentAttempt
	intents   map[uuid.UUID]*models.ShipmentIntent
	shipments map[uuid.UUID]*models.Shipment
	byAWB     map[string]uuid.UUID
	events    map[string][]models.TrackingEvent
	seen      map[string]map[string]struct{}
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[uuid.UUID]*models.Order),
		attempts:  make(map[uuid.UUID][]models.PaymentAttempt),
		intents:   make(map[uuid.UUID]*models.ShipmentIntent),
		shipments: make(map[uuid.UUID]*models.Shipment),
		byAWB:     make(map[string]uuid.UUID),
		events:    make(map[string][]models.TrackingEvent),
		seen:      make(map[string]map[string]struct{}),
		now:       time.Now,
	}
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	stored := cloneOrder(order)
	stored.Shipment = nil
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	m.orders[order.ID] = stored
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, orderID uuid.UUID) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
	}
	out := cloneOrder(order)
	if shipment, ok := m.shipments[orderID]; ok {
		copied := *shipment
		out.Shipment = &copied
	}
	return out, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, orderID uuid.UUID, next models.OrderStatus, reason string) (models.OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return models.StatusNone, fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
	}
	previous := order.Status
	if !previous.CanTransitionTo(next) {
		return previous, fmt.Errorf("%w: %s -> %s", models.ErrInvalidStatusTransition, previous, next)
	}
	order.Status = next
	if next == models.StatusCancelled {
		order.CancelReason = reason
	}
	order.UpdatedAt = m.now()
	return previous, nil
}

func (m *MemoryStore) SetPaymentRef(_ context.Context, orderID uuid.UUID, paymentRef string) error {
	return m.updateOrder(orderID, func(order *models.Order) { order.PaymentRef = paymentRef })
}

func (m *MemoryStore) SetBackendOrderID(_ context.Context, orderID uuid.UUID, backendOrderID string) error {
	return m.updateOrder(orderID, func(order *models.Order) { order.BackendOrderID = backendOrderID })
}

func (m *MemoryStore) updateOrder(orderID uuid.UUID, mutate func(*models.Order)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
	}
	mutate(order)
	order.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) RecordAttempt(_ context.Context, attempt *models.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if attempt.Result == models.PaymentSucceeded {
		for _, existing := range m.attempts[attempt.OrderID] {
			if existing.Result == models.PaymentSucceeded {
				return fmt.Errorf("%w: order %s already has a succeeded payment", models.ErrInvalidStatusTransition, attempt.OrderID)
			}
		}
	}
	m.attempts[attempt.OrderID] = append(m.attempts[attempt.OrderID], *attempt)
	return nil
}

func (m *MemoryStore) SucceededAttempt(_ context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, attempt := range m.attempts[orderID] {
		if attempt.Result == models.PaymentSucceeded {
			copied := attempt
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("succeeded payment for order %s: %w", orderID, models.ErrNotFound)
}

func (m *MemoryStore) LatestAttempt(_ context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attempts := m.attempts[orderID]
	if len(attempts) == 0 {
		return nil, fmt.Errorf("payment attempt for order %s: %w", orderID, models.ErrNotFound)
	}
	copied := attempts[len(attempts)-1]
	return &copied, nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, orderID uuid.UUID) ([]models.PaymentAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.PaymentAttempt(nil), m.attempts[orderID]...), nil
}

func (m *MemoryStore) GetShipmentByOrder(_ context.Context, orderID uuid.UUID) (*models.Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	shipment, ok := m.shipments[orderID]
	if !ok {
		return nil, fmt.Errorf("shipment for order %s: %w", orderID, models.ErrNotFound)
	}
	copied := *shipment
	return &copied, nil
}

func (m *MemoryStore) GetShipmentByAWB(ctx context.Context, awbNumber string) (*models.Shipment, error) {
	m.mu.RLock()
	orderID, ok := m.byAWB[awbNumber]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("shipment %s: %w", awbNumber, models.ErrNotFound)
	}
	return m.GetShipmentByOrder(ctx, orderID)
}

func (m *MemoryStore) ListActiveShipments(context.Context) ([]models.Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []models.Shipment
	for orderID, shipment := range m.shipments {
		if shipment.Delivered() {
			continue
		}
		if order, ok := m.orders[orderID]; !ok || order.Status != models.StatusShipped {
			continue
		}
		active = append(active, *shipment)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].UpdatedAt.Before(active[j].UpdatedAt) })
	return active, nil
}

func (m *MemoryStore) UpdateCarrierStatus(_ context.Context, shipmentID uuid.UUID, status models.CarrierStatus, actualDelivery *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, shipment := range m.shipments {
		if shipment.ShipmentID != shipmentID {
			continue
		}
		shipment.CarrierStatus = status
		if actualDelivery != nil {
			delivered := *actualDelivery
			shipment.ActualDelivery = &delivered
		}
		shipment.UpdatedAt = m.now()
		return nil
	}
	return fmt.Errorf("shipment %s: %w", shipmentID, models.ErrNotFound)
}

func (m *MemoryStore) GetIntent(_ context.Context, orderID uuid.UUID) (*models.ShipmentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	intent, ok := m.intents[orderID]
	if !ok {
		return nil, fmt.Errorf("shipment intent for order %s: %w", orderID, models.ErrNotFound)
	}
	copied := *intent
	return &copied, nil
}

func (m *MemoryStore) SaveIntent(_ context.Context, intent *models.ShipmentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.intents[intent.OrderID]; ok && existing.State == models.IntentCommitted {
		return nil
	}
	copied := *intent
	copied.UpdatedAt = m.now()
	m.intents[intent.OrderID] = &copied
	return nil
}

func (m *MemoryStore) ListIntents(_ context.Context, state models.ShipmentIntentState) ([]models.ShipmentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var intents []models.ShipmentIntent
	for _, intent := range m.intents {
		if intent.State == state {
			intents = append(intents, *intent)
		}
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i].UpdatedAt.Before(intents[j].UpdatedAt) })
	return intents, nil
}

func (m *MemoryStore) CommitShipment(_ context.Context, shipment *models.Shipment) (*models.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.shipments[shipment.OrderID]; ok {
		copied := *existing
		return &copied, nil
	}
	if owner, ok := m.byAWB[shipment.AWBNumber]; ok && owner != shipment.OrderID {
		return nil, fmt.Errorf("awb %s already belongs to order %s", shipment.AWBNumber, owner)
	}

	stored := *shipment
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	m.shipments[shipment.OrderID] = &stored
	m.byAWB[shipment.AWBNumber] = shipment.OrderID
	if intent, ok := m.intents[shipment.OrderID]; ok {
		intent.State = models.IntentCommitted
		intent.LastError = ""
		intent.UpdatedAt = m.now()
	}

	copied := stored
	return &copied, nil
}

func (m *MemoryStore) AppendEvents(_ context.Context, events []models.TrackingEvent) ([]models.TrackingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var added []models.TrackingEvent
	for _, event := range events {
		seen, ok := m.seen[event.AWBNumber]
		if !ok {
			seen = make(map[string]struct{})
			m.seen[event.AWBNumber] = seen
		}
		if _, dup := seen[event.Key()]; dup {
			continue
		}
		seen[event.Key()] = struct{}{}
		m.events[event.AWBNumber] = append(m.events[event.AWBNumber], event)
		added = append(added, event)
	}
	return added, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, awbNumber string) ([]models.TrackingEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := append([]models.TrackingEvent(nil), m.events[awbNumber]...)
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Code < events[j].Code
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func cloneOrder(order *models.Order) *models.Order {
	out := *order
	out.Cart = order.Cart.Clone()
	if order.ShippingAddress != nil {
		shipping := *order.ShippingAddress
		out.ShippingAddress = &shipping
		out.BillingAddress = out.ShippingAddress
	}
	if order.BillingAddress != nil && order.BillingAddress != order.ShippingAddress {
		billing := *order.BillingAddress
		out.BillingAddress = &billing
	}
	out.Discounts = append([]models.Discount(nil), order.Discounts...)
	if order.Shipment != nil {
		shipment := *order.Shipment
		out.Shipment = &shipment
	}
	return &out
}
