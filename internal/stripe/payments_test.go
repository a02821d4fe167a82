package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
)

func newPaymentTestClient(t *testing.T, handler http.HandlerFunc) *PaymentClient {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewPaymentClient("sk_test_123", WithAPIURL(srv.URL), WithHTTPClient(srv.Client()))
}

func chargeParams() ChargeParams {
	return ChargeParams{
		OrderID:        "order-1",
		Amount:         decimal.RequireFromString("518.924"),
		Currency:       "USD",
		PaymentMethod:  "pm_card_visa",
		IdempotencyKey: "order-1:nonce",
	}
}

func TestMinorUnits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		amount   string
		currency string
		want     int64
	}{
		{amount: "518.924", currency: "USD", want: 51892},
		{amount: "10.005", currency: "usd", want: 1001},
		{amount: "1500.5", currency: "JPY", want: 1501},
		{amount: "0", currency: "EUR", want: 0},
	}

	for _, tc := range tests {
		got := MinorUnits(decimal.RequireFromString(tc.amount), tc.currency)
		if got != tc.want {
			t.Fatalf("MinorUnits(%s, %s) = %d, want %d", tc.amount, tc.currency, got, tc.want)
		}
	}
}

func TestChargeSucceeded(t *testing.T) {
	t.Parallel()

	client := newPaymentTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "order-1:nonce" {
			t.Errorf("Idempotency-Key = %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("amount"); got != "51892" {
			t.Errorf("amount = %q", got)
		}
		if got := r.PostForm.Get("metadata[order_id]"); got != "order-1" {
			t.Errorf("metadata[order_id] = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","status":"succeeded","amount":51892,"currency":"usd"}`))
	})

	result, err := client.Charge(context.Background(), chargeParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != ChargeSucceeded || result.ProcessorRef != "pi_123" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestChargeCardDeclined(t *testing.T) {
	t.Parallel()

	client := newPaymentTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined.","payment_intent":{"id":"pi_declined","object":"payment_intent","status":"requires_payment_method"}}}`))
	})

	result, err := client.Charge(context.Background(), chargeParams())
	if err != nil {
		t.Fatalf("decline must not be an error, got %v", err)
	}
	if result.Status != ChargeDeclined {
		t.Fatalf("status = %s, want declined", result.Status)
	}
	if result.DeclineReason != "Your card was declined." {
		t.Fatalf("decline reason = %q", result.DeclineReason)
	}
	if result.ProcessorRef != "pi_declined" {
		t.Fatalf("processor ref = %q", result.ProcessorRef)
	}
}

func TestChargeServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	client := newPaymentTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"something went wrong"}}`))
	})

	_, err := client.Charge(context.Background(), chargeParams())
	if err == nil {
		t.Fatal("expected error")
	}
	if !models.IsRetryable(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestChargeRequiresPaymentMethod(t *testing.T) {
	t.Parallel()

	client := NewPaymentClient("sk_test_123")
	params := chargeParams()
	params.PaymentMethod = " "

	_, err := client.Charge(context.Background(), params)
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
