// Package email sends transactional order notifications.
package email

import (
	"context"
	"fmt"
	"strings"
)

type Provider interface {
	SendEmail(ctx context.Context, email *Email) error
	ValidateAPIKey(ctx context.Context) error
}

type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string

	// RefID is sent as X-Entity-Ref-ID so resends of one notification thread together.
	RefID string
}

type Config struct {
	APIKey string
	From   string
}

// NewProvider returns nil when no API key is configured; callers treat a nil
// provider as notifications disabled.
func NewProvider(cfg Config) (Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, nil
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("EMAIL_FROM is required when RESEND_API_KEY is set")
	}
	return NewResendProvider(cfg.APIKey, cfg.From), nil
}
