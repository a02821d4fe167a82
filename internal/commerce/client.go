// Package commerce is the query/mutation client for the commerce backend.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/observability"
)

const maxResponseBytes = 4 << 20 // 4 MB

type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// GraphQLError is one entry of the errors array in a backend response.
type GraphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// ResponseError carries every error the backend returned for one operation.
type ResponseError struct {
	Operation string
	Errors    []GraphQLError
}

func (e *ResponseError) Error() string {
	messages := make([]string, 0, len(e.Errors))
	for _, gqlErr := range e.Errors {
		messages = append(messages, gqlErr.Message)
	}
	return fmt.Sprintf("commerce %s: %s", e.Operation, strings.Join(messages, "; "))
}

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors"`
}

func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("commerce base URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = observability.NewHTTPClient(0, baseURL)
	}

	return &Client{
		endpoint:   baseURL + "/graphql",
		token:      cfg.Token,
		httpClient: httpClient,
	}, nil
}

func (c *Client) execute(ctx context.Context, operation, query string, variables map[string]any, out any) error {
	span := sentry.StartSpan(
		ctx,
		"commerce."+operation,
		sentry.WithOpName("http.client.commerce"),
		sentry.WithDescription(operation),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	payload, err := json.Marshal(request{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to encode commerce request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build commerce request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.Status = sentry.SpanStatusUnavailable
		return models.Transient(fmt.Errorf("commerce request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.Transient(fmt.Errorf("failed to read commerce response: %w", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		span.Status = sentry.SpanStatusUnavailable
		return models.Transient(fmt.Errorf("commerce %s: status %d", operation, resp.StatusCode))
	}

	var decoded response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("failed to decode commerce response (status %d): %w", resp.StatusCode, err)
	}
	if len(decoded.Errors) > 0 {
		span.Status = sentry.SpanStatusInternalError
		return classify(&ResponseError{Operation: operation, Errors: decoded.Errors})
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("commerce %s: status %d", operation, resp.StatusCode)
	}

	span.Status = sentry.SpanStatusOK
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Data, out); err != nil {
		return fmt.Errorf("failed to decode commerce %s data: %w", operation, err)
	}
	return nil
}

func classify(err *ResponseError) error {
	for _, gqlErr := range err.Errors {
		switch strings.ToUpper(gqlErr.Extensions.Code) {
		case "NOT_FOUND":
			return fmt.Errorf("%w: %w", models.ErrNotFound, err)
		case "BAD_USER_INPUT", "VALIDATION_FAILED":
			return &models.ValidationError{Reason: err.Error(), Kind: err}
		case "INTERNAL_SERVER_ERROR", "UNAVAILABLE", "TIMEOUT":
			return models.Transient(err)
		}
	}
	return err
}
