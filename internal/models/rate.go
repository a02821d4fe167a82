package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateQuote is a carrier price for one service, valid until ExpiresAt.
type RateQuote struct {
	CarrierServiceID string          `json:"carrier_service_id"`
	Cost             decimal.Decimal `json:"cost"`
	Currency         string          `json:"currency"`
	EstimatedDays    int             `json:"estimated_days"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

// Expired reports whether the quote can no longer be used at now.
func (q RateQuote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && !now.Before(q.ExpiresAt)
}
