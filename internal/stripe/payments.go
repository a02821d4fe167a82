// Package stripe provides the Stripe payment processor adapter.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/observability"
)

type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeDeclined  ChargeStatus = "declined"
	// ChargePending means the processor accepted the charge but has not settled it.
	ChargePending ChargeStatus = "pending"
)

type ChargeParams struct {
	OrderID        string
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  string
	IdempotencyKey string
}

type ChargeResult struct {
	Status        ChargeStatus
	ProcessorRef  string
	DeclineReason string
}

// zeroDecimalCurrencies are charged in whole units.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true, "krw": true,
	"mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true, "vuv": true, "xaf": true,
	"xof": true, "xpf": true,
}

// PaymentClient charges orders through PaymentIntents, confirmed in one call.
type PaymentClient struct {
	client *stripeapi.Client
}

type PaymentClientOption func(*stripeapi.BackendConfig)

// WithAPIURL points the client at another Stripe-compatible endpoint.
func WithAPIURL(url string) PaymentClientOption {
	return func(cfg *stripeapi.BackendConfig) {
		cfg.URL = stripeapi.String(url)
	}
}

func WithHTTPClient(client *http.Client) PaymentClientOption {
	return func(cfg *stripeapi.BackendConfig) {
		cfg.HTTPClient = client
	}
}

func NewPaymentClient(secretKey string, opts ...PaymentClientOption) *PaymentClient {
	cfg := &stripeapi.BackendConfig{
		HTTPClient: observability.NewHTTPClient(0),
		// Retries are owned by the caller's retry policy.
		MaxNetworkRetries: stripeapi.Int64(0),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &PaymentClient{
		client: stripeapi.NewClient(secretKey, stripeapi.WithBackends(stripeapi.NewBackendsWithConfig(cfg))),
	}
}

// MinorUnits converts amount to the processor's integer representation, rounding half up.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

// Charge creates and confirms a PaymentIntent. Declines are a result, not an error.
func (c *PaymentClient) Charge(ctx context.Context, params ChargeParams) (*ChargeResult, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if strings.TrimSpace(params.PaymentMethod) == "" {
		return nil, models.NewValidationError(nil, "payment_method", "payment method is required")
	}
	if params.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}

	intentParams := &stripeapi.PaymentIntentCreateParams{
		Amount:        stripeapi.Int64(MinorUnits(params.Amount, params.Currency)),
		Currency:      stripeapi.String(strings.ToLower(params.Currency)),
		PaymentMethod: stripeapi.String(params.PaymentMethod),
		Confirm:       stripeapi.Bool(true),
		AutomaticPaymentMethods: &stripeapi.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled:        stripeapi.Bool(true),
			AllowRedirects: stripeapi.String("never"),
		},
		Metadata: map[string]string{
			"order_id": params.OrderID,
		},
	}
	intentParams.SetIdempotencyKey(params.IdempotencyKey)

	intent, err := c.client.V1PaymentIntents.Create(ctx, intentParams)
	if err != nil {
		return classifyChargeError(err)
	}
	return resultFromIntent(intent), nil
}

func resultFromIntent(intent *stripeapi.PaymentIntent) *ChargeResult {
	result := &ChargeResult{ProcessorRef: intent.ID}
	switch intent.Status {
	case stripeapi.PaymentIntentStatusSucceeded:
		result.Status = ChargeSucceeded
	case stripeapi.PaymentIntentStatusRequiresPaymentMethod, stripeapi.PaymentIntentStatusCanceled:
		result.Status = ChargeDeclined
		result.DeclineReason = "payment method was not accepted"
		if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
			result.DeclineReason = intent.LastPaymentError.Msg
		}
	default:
		result.Status = ChargePending
	}
	return result
}

func classifyChargeError(err error) (*ChargeResult, error) {
	var stripeErr *stripeapi.Error
	if !errors.As(err, &stripeErr) {
		return nil, models.Transient(fmt.Errorf("stripe request failed: %w", err))
	}

	switch {
	case stripeErr.Type == stripeapi.ErrorTypeCard:
		result := &ChargeResult{Status: ChargeDeclined, DeclineReason: stripeErr.Msg}
		if stripeErr.PaymentIntent != nil {
			result.ProcessorRef = stripeErr.PaymentIntent.ID
		}
		if result.DeclineReason == "" {
			result.DeclineReason = string(stripeErr.Code)
		}
		return result, nil
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripeapi.ErrorTypeAPI:
		return nil, models.Transient(fmt.Errorf("stripe unavailable: %w", err))
	case stripeErr.Type == stripeapi.ErrorTypeIdempotency:
		return nil, fmt.Errorf("stripe idempotency conflict: %w", err)
	default:
		return nil, models.NewValidationError(nil, "payment_method", stripeErr.Msg)
	}
}
