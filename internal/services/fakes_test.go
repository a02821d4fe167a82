package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/carrier"
	"github.com/gitshopapp/fulfillment/internal/commerce"
	"github.com/gitshopapp/fulfillment/internal/db"
	"github.com/gitshopapp/fulfillment/internal/events"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/retry"
	"github.com/gitshopapp/fulfillment/internal/stripe"
)

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func kg(value string) models.Weight {
	return models.Weight{Value: decimal.RequireFromString(value), Unit: models.WeightUnitKilogram}
}

func intPtr(v int) *int {
	return &v
}

type fakeCatalog struct {
	products map[string]*commerce.Product
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{products: map[string]*commerce.Product{
		"delter": {ID: "delter", SKU: "DELTER-001", Category: "bags", Price: decimal.NewFromInt(170), Currency: "USD", Weight: kg("1")},
		"pocket": {ID: "pocket", SKU: "POCKET-002", Category: "accessories", Price: decimal.NewFromInt(59), Currency: "USD", Weight: kg("1"), Stock: intPtr(5)},
		"euro":   {ID: "euro", SKU: "EURO-003", Price: decimal.NewFromInt(10), Currency: "EUR", Weight: kg("1")},
	}}
}

func (c *fakeCatalog) Product(_ context.Context, productID string) (*commerce.Product, error) {
	product, ok := c.products[productID]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", productID, models.ErrNotFound)
	}
	copied := *product
	return &copied, nil
}

type mirrorCall struct {
	cartID    string
	productID string
	quantity  int
}

type fakeMirror struct {
	mu      sync.Mutex
	calls   []mirrorCall
	cleared []string
	failing bool
}

func (m *fakeMirror) SetCartLine(_ context.Context, cartID, productID string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return models.Transient(fmt.Errorf("backend down"))
	}
	m.calls = append(m.calls, mirrorCall{cartID: cartID, productID: productID, quantity: quantity})
	return nil
}

func (m *fakeMirror) ClearCart(_ context.Context, cartID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, cartID)
	return nil
}

// fakeQuoter answers per service type. A missing service is a carrier rejection.
type fakeQuoter struct {
	mu     sync.Mutex
	rates  map[string][]models.RateQuote
	errs   map[string][]error
	delays map[string]time.Duration
	calls  map[string]int
}

func newFakeQuoter() *fakeQuoter {
	return &fakeQuoter{
		rates:  make(map[string][]models.RateQuote),
		errs:   make(map[string][]error),
		delays: make(map[string]time.Duration),
		calls:  make(map[string]int),
	}
}

func (q *fakeQuoter) QuoteRate(ctx context.Context, req carrier.RateRequest) ([]models.RateQuote, error) {
	q.mu.Lock()
	q.calls[req.ServiceType]++
	delay := q.delays[req.ServiceType]
	var err error
	if queued := q.errs[req.ServiceType]; len(queued) > 0 {
		err = queued[0]
		q.errs[req.ServiceType] = queued[1:]
	}
	rates, ok := q.rates[req.ServiceType]
	q.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no service %s", models.ErrCarrierRejection, req.ServiceType)
	}
	return append([]models.RateQuote(nil), rates...), nil
}

func (q *fakeQuoter) callCount(service string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls[service]
}

type fakeShipmentCarrier struct {
	mu          sync.Mutex
	creates     int
	keys        []string
	createErrs  []error
	cancelled   []string
	pickups     []carrier.PickupRequest
	createDelay time.Duration
}

func (c *fakeShipmentCarrier) Name() string { return "ups" }

func (c *fakeShipmentCarrier) CreateShipment(ctx context.Context, req carrier.ShipmentRequest, idempotencyKey string) (*carrier.ShipmentResult, error) {
	if c.createDelay > 0 {
		time.Sleep(c.createDelay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, idempotencyKey)
	if len(c.createErrs) > 0 {
		err := c.createErrs[0]
		c.createErrs = c.createErrs[1:]
		return nil, err
	}
	c.creates++
	awb := fmt.Sprintf("1Z%06d", c.creates)
	return &carrier.ShipmentResult{
		AWBNumber:   awb,
		LabelURL:    "https://labels.example/" + awb + ".pdf",
		TrackingURL: carrier.BuildTrackingURL("ups", awb),
	}, nil
}

func (c *fakeShipmentCarrier) CancelShipment(_ context.Context, awbNumber, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, awbNumber)
	return nil
}

func (c *fakeShipmentCarrier) SchedulePickup(_ context.Context, req carrier.PickupRequest) (*carrier.PickupConfirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pickups = append(c.pickups, req)
	return &carrier.PickupConfirmation{ConfirmationID: "PU-1", Date: req.Date, Window: req.Window}, nil
}

func (c *fakeShipmentCarrier) createCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates
}

type fakeTracker struct {
	mu     sync.Mutex
	events map[string][]models.TrackingEvent
	calls  int
}

func (t *fakeTracker) Track(_ context.Context, awbNumbers []string) (map[string][]models.TrackingEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	out := make(map[string][]models.TrackingEvent)
	for _, awb := range awbNumbers {
		if events, ok := t.events[awb]; ok {
			out[awb] = append([]models.TrackingEvent(nil), events...)
		}
	}
	return out, nil
}

func (t *fakeTracker) set(awb string, events ...models.TrackingEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.events == nil {
		t.events = make(map[string][]models.TrackingEvent)
	}
	t.events[awb] = events
}

// fakeProcessor returns queued results in order, then repeats the last one.
type fakeProcessor struct {
	mu      sync.Mutex
	results []*stripe.ChargeResult
	errs    []error
	calls   []stripe.ChargeParams
}

func (p *fakeProcessor) Charge(_ context.Context, params stripe.ChargeParams) (*stripe.ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, params)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(p.results) == 0 {
		return &stripe.ChargeResult{Status: stripe.ChargeSucceeded, ProcessorRef: "pi_default"}, nil
	}
	result := p.results[0]
	if len(p.results) > 1 {
		p.results = p.results[1:]
	}
	return result, nil
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeBackend struct {
	mu        sync.Mutex
	created   int
	createErr error
	updates   []commerce.OrderFields
	updateErr []error
}

func (b *fakeBackend) CreateOrder(_ context.Context, order *models.Order) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return "", b.createErr
	}
	b.created++
	return fmt.Sprintf("bo-%d", b.created), nil
}

func (b *fakeBackend) UpdateOrderFields(_ context.Context, _ string, fields commerce.OrderFields) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.updateErr) > 0 {
		err := b.updateErr[0]
		b.updateErr = b.updateErr[1:]
		if err != nil {
			return err
		}
	}
	b.updates = append(b.updates, fields)
	return nil
}

// flakyStore fails selected writes a fixed number of times and passes
// everything else through to the memory store.
type flakyStore struct {
	*db.MemoryStore
	mu                    sync.Mutex
	statusFailures        map[models.OrderStatus]int
	paymentRefFailures    int
	carrierStatusFailures int
}

func newFlakyStore(store *db.MemoryStore) *flakyStore {
	return &flakyStore{MemoryStore: store, statusFailures: map[models.OrderStatus]int{}}
}

func (s *flakyStore) failStatus(status models.OrderStatus, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFailures[status] = times
}

func (s *flakyStore) failPaymentRef(times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paymentRefFailures = times
}

func (s *flakyStore) failCarrierStatus(times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carrierStatusFailures = times
}

func (s *flakyStore) take(counter *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *counter > 0 {
		*counter--
		return true
	}
	return false
}

func (s *flakyStore) UpdateStatus(ctx context.Context, orderID uuid.UUID, next models.OrderStatus, reason string) (models.OrderStatus, error) {
	s.mu.Lock()
	failing := s.statusFailures[next] > 0
	if failing {
		s.statusFailures[next]--
	}
	s.mu.Unlock()
	if failing {
		return "", fmt.Errorf("connection reset by peer")
	}
	return s.MemoryStore.UpdateStatus(ctx, orderID, next, reason)
}

func (s *flakyStore) SetPaymentRef(ctx context.Context, orderID uuid.UUID, paymentRef string) error {
	if s.take(&s.paymentRefFailures) {
		return fmt.Errorf("connection reset by peer")
	}
	return s.MemoryStore.SetPaymentRef(ctx, orderID, paymentRef)
}

func (s *flakyStore) UpdateCarrierStatus(ctx context.Context, shipmentID uuid.UUID, status models.CarrierStatus, actualDelivery *time.Time) error {
	if s.take(&s.carrierStatusFailures) {
		return fmt.Errorf("connection reset by peer")
	}
	return s.MemoryStore.UpdateCarrierStatus(ctx, shipmentID, status, actualDelivery)
}

// failingCommitStore fails CommitShipment a fixed number of times.
type failingCommitStore struct {
	*db.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *failingCommitStore) CommitShipment(ctx context.Context, shipment *models.Shipment) (*models.Shipment, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, fmt.Errorf("connection reset by peer")
	}
	s.mu.Unlock()
	return s.MemoryStore.CommitShipment(ctx, shipment)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Kind)
	}
	return out
}

func testAddress(name string) *models.Address {
	return &models.Address{Name: name, Street: "1 Market St", City: "San Francisco", State: "CA", Country: "US", Zip: "94105"}
}

// scenarioCart is two DELTER-001 at 170 and three POCKET-002 at 59.
func scenarioCart() models.Cart {
	return models.Cart{
		CartID:   "c-1",
		Currency: "USD",
		Lines: []models.CartLine{
			{LineID: "l1", ProductID: "delter", SKU: "DELTER-001", Category: "bags", UnitPrice: decimal.NewFromInt(170), Quantity: 2, Weight: kg("1")},
			{LineID: "l2", ProductID: "pocket", SKU: "POCKET-002", Category: "accessories", UnitPrice: decimal.NewFromInt(59), Quantity: 3, Weight: kg("1")},
		},
	}
}

// confirmedOrder stores a confirmed order ready to ship.
func confirmedOrder(store *db.MemoryStore, states *OrderStateMachine) (*models.Order, error) {
	ctx := context.Background()
	order := &models.Order{
		ID:              uuid.New(),
		Cart:            scenarioCart(),
		ShippingAddress: testAddress("Ada"),
		ChosenRate:      models.RateQuote{CarrierServiceID: "ups-ground", Cost: decimal.RequireFromString("28.574"), Currency: "USD"},
		Financial:       ComputeFinancial(decimal.NewFromInt(517), decimal.NewFromInt(50), decimal.RequireFromString("28.574"), decimal.RequireFromString("0.05"), "USD"),
		CustomerEmail:   "ada@example.com",
		CreatedAt:       time.Now().UTC(),
	}
	order.BillingAddress = order.ShippingAddress
	if err := states.Create(ctx, order); err != nil {
		return nil, err
	}
	if err := store.SetBackendOrderID(ctx, order.ID, "bo-1"); err != nil {
		return nil, err
	}
	if err := states.Transition(ctx, order.ID, models.StatusConfirmed, "test"); err != nil {
		return nil, err
	}
	return store.GetOrder(ctx, order.ID)
}
