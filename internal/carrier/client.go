// Package carrier is the HTTP client for the shipping carrier API.
package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sony/gobreaker/v2"

	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/observability"
)

const (
	maxResponseBytes = 1 << 20 // 1 MB

	CodeNoService           = "no_service"
	CodeWeightLimitExceeded = "weight_limit_exceeded"
)

// APIError is a non-2xx answer from the carrier.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("carrier api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("carrier api %d: %s", e.StatusCode, e.Message)
}

type Config struct {
	BaseURL    string
	APIKey     string
	Name       string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	baseURL    string
	apiKey     string
	name       string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *slog.Logger
}

func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("carrier base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid carrier base URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = observability.NewHTTPClient(0, baseURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		name:       cfg.Name,
		httpClient: httpClient,
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "carrier",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		// Carrier rejections are a healthy carrier answering no.
		IsSuccessful: func(err error) bool {
			return err == nil || !models.IsRetryable(err)
		},
	})
	return c, nil
}

// Name is the configured carrier name, used for tracking URL fallbacks.
func (c *Client) Name() string {
	return c.name
}

func (c *Client) QuoteRate(ctx context.Context, req RateRequest) ([]models.RateQuote, error) {
	var resp rateResponse
	if err := c.post(ctx, "carrier.quote_rate", "/rates", "", req, &resp); err != nil {
		return nil, err
	}

	quotes := make([]models.RateQuote, 0, len(resp.Rates))
	for _, rate := range resp.Rates {
		serviceID := rate.ServiceID
		if serviceID == "" {
			serviceID = req.ServiceType
		}
		quotes = append(quotes, models.RateQuote{
			CarrierServiceID: serviceID,
			Cost:             rate.Cost.Amount,
			Currency:         strings.ToUpper(rate.Cost.Currency),
			EstimatedDays:    rate.EstimatedDays,
			ExpiresAt:        rate.ExpiresAt,
		})
	}
	return quotes, nil
}

// CreateShipment books a shipment. idempotencyKey is forwarded so the carrier can collapse replays.
func (c *Client) CreateShipment(ctx context.Context, req ShipmentRequest, idempotencyKey string) (*ShipmentResult, error) {
	var resp ShipmentResult
	if err := c.post(ctx, "carrier.create_shipment", "/shipments", idempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.AWBNumber) == "" {
		return nil, models.Transient(fmt.Errorf("carrier returned shipment without awb number"))
	}
	if resp.TrackingURL == "" {
		resp.TrackingURL = BuildTrackingURL(c.name, resp.AWBNumber)
	}
	return &resp, nil
}

// Track returns events per AWB. Unknown AWBs are absent from the map.
func (c *Client) Track(ctx context.Context, awbNumbers []string) (map[string][]models.TrackingEvent, error) {
	var resp trackResponse
	if err := c.post(ctx, "carrier.track", "/tracking", "", trackRequest{AWBNumbers: awbNumbers}, &resp); err != nil {
		return nil, err
	}

	events := make(map[string][]models.TrackingEvent, len(resp.Shipments))
	for _, shipment := range resp.Shipments {
		list := make([]models.TrackingEvent, 0, len(shipment.Events))
		for _, event := range shipment.Events {
			list = append(list, models.TrackingEvent{
				AWBNumber:   shipment.AWBNumber,
				Code:        event.Code,
				Description: event.Description,
				Location:    event.Location,
				Timestamp:   event.Timestamp,
			})
		}
		events[shipment.AWBNumber] = list
	}
	return events, nil
}

func (c *Client) CancelShipment(ctx context.Context, awbNumber, reason string) error {
	path := "/shipments/" + url.PathEscape(awbNumber) + "/cancel"
	return c.post(ctx, "carrier.cancel_shipment", path, "", cancelRequest{Reason: reason}, nil)
}

func (c *Client) SchedulePickup(ctx context.Context, req PickupRequest) (*PickupConfirmation, error) {
	var resp PickupConfirmation
	if err := c.post(ctx, "carrier.schedule_pickup", "/pickups", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, operation, path, idempotencyKey string, body, out any) error {
	span := sentry.StartSpan(
		ctx,
		operation,
		sentry.WithOpName("http.client.carrier"),
		sentry.WithDescription("POST "+path),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode carrier request: %w", err)
	}

	raw, err := c.breaker.Execute(func() ([]byte, error) {
		return c.send(ctx, path, idempotencyKey, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = models.Transient(fmt.Errorf("carrier unavailable: %w", err))
		}
		span.Status = sentry.SpanStatusInternalError
		return err
	}
	span.Status = sentry.SpanStatusOK

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return models.Transient(fmt.Errorf("failed to decode carrier response: %w", err))
	}
	return nil
}

func (c *Client) send(ctx context.Context, path, idempotencyKey string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build carrier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("carrier request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, models.Transient(fmt.Errorf("failed to read carrier response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, nil
	}
	return nil, classify(resp.StatusCode, raw)
}

func classify(status int, raw []byte) error {
	apiErr := &APIError{StatusCode: status, Message: http.StatusText(status)}
	var decoded errorResponse
	if json.Unmarshal(raw, &decoded) == nil && decoded.Error.Code != "" {
		apiErr.Code = decoded.Error.Code
		if decoded.Error.Message != "" {
			apiErr.Message = decoded.Error.Message
		}
	}

	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return models.Transient(apiErr)
	case status == http.StatusNotFound && apiErr.Code == "":
		return fmt.Errorf("%w: %w", models.ErrNotFound, apiErr)
	default:
		return fmt.Errorf("%w: %w", models.ErrCarrierRejection, apiErr)
	}
}
