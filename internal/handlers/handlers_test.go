package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gitshopapp/fulfillment/internal/cache"
	"github.com/gitshopapp/fulfillment/internal/carrier"
	"github.com/gitshopapp/fulfillment/internal/config"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/services"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubStore struct{ err error }

func (s stubStore) Ping(context.Context) error { return s.err }

type stubCarts struct {
	addLine func(cartID, productID string, quantity int) (models.Cart, error)
}

func (s *stubCarts) Snapshot(_ context.Context, cartID string) (models.Cart, error) {
	return models.Cart{CartID: cartID}, nil
}

func (s *stubCarts) AddLine(_ context.Context, cartID, productID string, quantity int) (models.Cart, error) {
	return s.addLine(cartID, productID, quantity)
}

func (s *stubCarts) UpdateLine(_ context.Context, cartID, _ string, _ int) (models.Cart, error) {
	return models.Cart{CartID: cartID}, nil
}

func (s *stubCarts) RemoveLine(_ context.Context, cartID, lineID string) (models.Cart, error) {
	return models.Cart{}, models.NewValidationError(models.ErrUnknownLine, "line_id", lineID)
}

func (s *stubCarts) Clear(context.Context, string) error { return nil }

type stubCheckout struct {
	placeOrder func(in services.PlaceOrderInput) (*models.Order, error)
	pay        func(orderID uuid.UUID, method string) (*services.PaymentOutcome, error)
	getOrder   func(orderID uuid.UUID) (*models.Order, error)
}

func (s *stubCheckout) QuoteShipping(context.Context, string, *models.Address, []string) ([]models.RateQuote, error) {
	return nil, fmt.Errorf("no quotes: %w", models.ErrCarrierRejection)
}

func (s *stubCheckout) PreviewCoupons(context.Context, string, []string) ([]models.Discount, error) {
	return nil, nil
}

func (s *stubCheckout) PlaceOrder(_ context.Context, in services.PlaceOrderInput) (*models.Order, error) {
	return s.placeOrder(in)
}

func (s *stubCheckout) Pay(_ context.Context, orderID uuid.UUID, method string) (*services.PaymentOutcome, error) {
	return s.pay(orderID, method)
}

func (s *stubCheckout) Cancel(_ context.Context, orderID uuid.UUID, _ string) (*models.Order, error) {
	return nil, fmt.Errorf("order %s: %w", orderID, models.ErrInvalidStatusTransition)
}

func (s *stubCheckout) GetOrder(_ context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.getOrder(orderID)
}

func (s *stubCheckout) TrackingEvents(context.Context, uuid.UUID) ([]models.TrackingEvent, error) {
	return nil, nil
}

type stubShipments struct{}

func (stubShipments) CreateShipment(_ context.Context, orderID uuid.UUID) (*models.Shipment, error) {
	return nil, &models.PartialFulfillmentError{OrderID: orderID, AWBNumber: "1Z000001", Err: errors.New("db down")}
}

func (stubShipments) SchedulePickup(context.Context, uuid.UUID, string, carrier.PickupWindow) (*carrier.PickupConfirmation, error) {
	return &carrier.PickupConfirmation{ConfirmationID: "PU-1"}, nil
}

type stubTracking struct {
	calls int
	err   error
}

func (s *stubTracking) Apply(_ context.Context, _ string, events []models.TrackingEvent) ([]models.TrackingEvent, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return events, nil
}

type stubPayments struct {
	outcomes []services.ProcessorOutcome
	err      error
}

func (s *stubPayments) ReconcileProcessorResult(_ context.Context, outcome services.ProcessorOutcome) error {
	s.outcomes = append(s.outcomes, outcome)
	return s.err
}

type testDeps struct {
	carts    *stubCarts
	checkout *stubCheckout
	tracking *stubTracking
	payments *stubPayments
}

func newTestHandlers(t *testing.T) (*Handlers, *testDeps) {
	t.Helper()

	provider, err := cache.NewMemoryProvider(100)
	if err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}
	deps := &testDeps{
		carts:    &stubCarts{},
		checkout: &stubCheckout{},
		tracking: &stubTracking{},
		payments: &stubPayments{},
	}
	h, err := New(Dependencies{
		Config:        &config.Config{CarrierWebhookSecret: "carrier_secret", StripeWebhookSecret: "whsec_test_secret"},
		Store:         stubStore{},
		CacheProvider: provider,
		Carts:         deps.carts,
		Checkout:      deps.checkout,
		Shipments:     stubShipments{},
		Tracking:      deps.tracking,
		Payments:      deps.payments,
		Logger:        newTestLogger(),
	})
	if err != nil {
		t.Fatalf("unexpected handlers error: %v", err)
	}
	return h, deps
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()

	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body.Error
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := New(Dependencies{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "out of stock", err: models.NewValidationError(models.ErrOutOfStock, "quantity", "only 2 left"), wantStatus: http.StatusUnprocessableEntity, wantCode: "out_of_stock"},
		{name: "unknown product", err: models.NewValidationError(models.ErrNotFound, "product_id", "unknown"), wantStatus: http.StatusUnprocessableEntity, wantCode: "unknown_reference"},
		{name: "coupon expired", err: models.NewValidationError(models.ErrCouponExpired, "coupon_code", "OLD"), wantStatus: http.StatusUnprocessableEntity, wantCode: "coupon_expired"},
		{name: "plain validation", err: models.NewValidationError(nil, "cart_id", "is required"), wantStatus: http.StatusUnprocessableEntity, wantCode: "validation_failed"},
		{name: "carrier rejection", err: fmt.Errorf("quote: %w", models.ErrCarrierRejection), wantStatus: http.StatusUnprocessableEntity, wantCode: "carrier_rejection"},
		{name: "declined", err: fmt.Errorf("%w: insufficient_funds", models.ErrPaymentDeclined), wantStatus: http.StatusPaymentRequired, wantCode: "payment_declined"},
		{name: "invalid transition", err: fmt.Errorf("order: %w", models.ErrInvalidStatusTransition), wantStatus: http.StatusConflict, wantCode: "invalid_status_transition"},
		{name: "not found", err: fmt.Errorf("order x: %w", models.ErrNotFound), wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "transient", err: models.Transient(errors.New("carrier 503")), wantStatus: http.StatusServiceUnavailable, wantCode: "transient_failure"},
		{name: "deadline", err: context.DeadlineExceeded, wantStatus: http.StatusServiceUnavailable, wantCode: "transient_failure"},
		{name: "unknown", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			status, detail := classifyError(tt.err)
			if status != tt.wantStatus || detail.Code != tt.wantCode {
				t.Fatalf("got %d/%s, want %d/%s", status, detail.Code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandlers(t)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got=%d want=%d", rec.Code, http.StatusOK)
	}

	h.store = stubStore{err: errors.New("connection refused")}
	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: got=%d want=%d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestAddCartLine(t *testing.T) {
	t.Parallel()

	h, deps := newTestHandlers(t)
	deps.carts.addLine = func(cartID, productID string, quantity int) (models.Cart, error) {
		if cartID != "c-1" || productID != "delter" || quantity != 2 {
			t.Errorf("unexpected call: %s %s %d", cartID, productID, quantity)
		}
		return models.Cart{CartID: cartID, Lines: []models.CartLine{{LineID: "l-1", ProductID: productID, Quantity: quantity}}}, nil
	}

	req := httptest.NewRequest(http.MethodPost, "/carts/c-1/lines", bytes.NewBufferString(`{"product_id":"delter","quantity":2}`))
	req = mux.SetURLVars(req, map[string]string{"cartID": "c-1"})
	rec := httptest.NewRecorder()
	h.AddCartLine(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got=%d want=%d body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var cart models.Cart
	if err := json.NewDecoder(rec.Body).Decode(&cart); err != nil {
		t.Fatalf("failed to decode cart: %v", err)
	}
	if len(cart.Lines) != 1 || cart.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected cart: %+v", cart)
	}
}

func TestAddCartLineRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/carts/c-1/lines", bytes.NewBufferString(`{"product":"delter"}`))
	req = mux.SetURLVars(req, map[string]string{"cartID": "c-1"})
	rec := httptest.NewRecorder()
	h.AddCartLine(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status: got=%d want=%d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestRemoveCartLineUnknownLine(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodDelete, "/carts/c-1/lines/nope", nil)
	req = mux.SetURLVars(req, map[string]string{"cartID": "c-1", "lineID": "nope"})
	rec := httptest.NewRecorder()
	h.RemoveCartLine(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status: got=%d", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != "unknown_line" || detail.Field != "line_id" {
		t.Fatalf("unexpected error detail: %+v", detail)
	}
}

func TestQuoteRatesCarrierRejection(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/carts/c-1/rates", bytes.NewBufferString(`{"destination":{"name":"A","street":"1 Main","city":"Reno","country":"US"}}`))
	req = mux.SetURLVars(req, map[string]string{"cartID": "c-1"})
	rec := httptest.NewRecorder()
	h.QuoteRates(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status: got=%d", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != "carrier_rejection" {
		t.Fatalf("unexpected error detail: %+v", detail)
	}
}

func TestPlaceOrder(t *testing.T) {
	t.Parallel()

	h, deps := newTestHandlers(t)
	orderID := uuid.New()
	deps.checkout.placeOrder = func(in services.PlaceOrderInput) (*models.Order, error) {
		if in.CartID != "c-1" || in.ServiceID != "ups-ground" || len(in.CouponCodes) != 1 {
			t.Errorf("unexpected input: %+v", in)
		}
		return &models.Order{ID: orderID, Status: models.StatusDraft}, nil
	}

	body := `{"cart_id":"c-1","service_id":"ups-ground","coupon_codes":["SAVE10"],"shipping_address":{"name":"A","street":"1 Main","city":"Reno","country":"US"}}`
	rec := httptest.NewRecorder()
	h.PlaceOrder(rec, httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(body)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: got=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Location"); got != "/orders/"+orderID.String() {
		t.Fatalf("unexpected location: %q", got)
	}
}

func TestGetOrderRejectsMalformedID(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandlers(t)
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/orders/abc", nil), map[string]string{"orderID": "abc"})
	rec := httptest.NewRecorder()
	h.GetOrder(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status: got=%d", rec.Code)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	t.Parallel()

	h, deps := newTestHandlers(t)
	deps.checkout.getOrder = func(orderID uuid.UUID) (*models.Order, error) {
		return nil, fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
	}
	orderID := uuid.NewString()
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/orders/"+orderID, nil), map[string]string{"orderID": orderID})
	rec := httptest.NewRecorder()
	h.GetOrder(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: got=%d", rec.Code)
	}
}

func TestPayOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		outcome    *services.PaymentOutcome
		err        error
		wantStatus int
	}{
		{
			name:       "declined",
			outcome:    &services.PaymentOutcome{Attempt: &models.PaymentAttempt{Result: models.PaymentDeclined}},
			err:        fmt.Errorf("%w: card_declined", models.ErrPaymentDeclined),
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name:       "paid and shipped",
			outcome:    &services.PaymentOutcome{Attempt: &models.PaymentAttempt{Result: models.PaymentSucceeded}, Shipment: &models.Shipment{AWBNumber: "1Z1"}},
			wantStatus: http.StatusOK,
		},
		{
			name:       "paid but shipment unavailable",
			outcome:    &services.PaymentOutcome{Attempt: &models.PaymentAttempt{Result: models.PaymentSucceeded}},
			err:        models.Transient(errors.New("carrier 503")),
			wantStatus: http.StatusOK,
		},
		{
			name:       "paid with partial shipment",
			outcome:    &services.PaymentOutcome{Attempt: &models.PaymentAttempt{Result: models.PaymentSucceeded}},
			err:        &models.PartialFulfillmentError{AWBNumber: "1Z2", Err: errors.New("db down")},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "processor unavailable",
			outcome:    &services.PaymentOutcome{},
			err:        models.Transient(errors.New("stripe 500")),
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h, deps := newTestHandlers(t)
			deps.checkout.pay = func(_ uuid.UUID, method string) (*services.PaymentOutcome, error) {
				if method != "pm_card_visa" {
					t.Errorf("unexpected payment method %q", method)
				}
				return tt.outcome, tt.err
			}

			orderID := uuid.NewString()
			req := httptest.NewRequest(http.MethodPost, "/orders/"+orderID+"/payments", bytes.NewBufferString(`{"payment_method":"pm_card_visa"}`))
			req = mux.SetURLVars(req, map[string]string{"orderID": orderID})
			rec := httptest.NewRecorder()
			h.PayOrder(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("unexpected status: got=%d want=%d body=%s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestCreateShipmentPartialFulfillment(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandlers(t)
	orderID := uuid.New()
	req := mux.SetURLVars(httptest.NewRequest(http.MethodPost, "/orders/x/shipment", nil), map[string]string{"orderID": orderID.String()})
	rec := httptest.NewRecorder()
	h.CreateShipment(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: got=%d", rec.Code)
	}
	var body partialBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Status != "reconciliation_pending" || body.AWBNumber != "1Z000001" || body.OrderID != orderID.String() {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestCancelOrderConflict(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandlers(t)
	orderID := uuid.NewString()
	req := mux.SetURLVars(httptest.NewRequest(http.MethodPost, "/orders/x/cancel", nil), map[string]string{"orderID": orderID})
	rec := httptest.NewRecorder()
	h.CancelOrder(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("unexpected status: got=%d", rec.Code)
	}
}
