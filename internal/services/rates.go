package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/gitshopapp/fulfillment/internal/carrier"
	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/observability"
	"github.com/gitshopapp/fulfillment/internal/retry"
)

const defaultQuoteTTL = 15 * time.Minute

type QuoteRequest struct {
	// Origin defaults to the shop's shipping origin.
	Origin       *models.Address
	Destination  *models.Address
	Weight       models.Weight
	ServiceHints []string
}

type RateShopperConfig struct {
	Quoter       RateQuoter
	Origin       models.Address
	ServiceHints []string
	// MinQuotes stops outstanding service queries once this many services answered. Zero waits for all.
	MinQuotes int
	QuoteTTL  time.Duration
	Currency  string
	Retry     retry.Policy
	Logger    *slog.Logger
}

// RateShopper queries every service hint in parallel and returns quotes
// cheapest first, ties broken by fewer estimated days.
type RateShopper struct {
	quoter    RateQuoter
	origin    models.Address
	hints     []string
	minQuotes int
	ttl       time.Duration
	currency  string
	retry     retry.Policy
	logger    *slog.Logger
	now       func() time.Time
}

func NewRateShopper(cfg RateShopperConfig) *RateShopper {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	ttl := cfg.QuoteTTL
	if ttl <= 0 {
		ttl = defaultQuoteTTL
	}
	return &RateShopper{
		quoter:    cfg.Quoter,
		origin:    cfg.Origin,
		hints:     cfg.ServiceHints,
		minQuotes: cfg.MinQuotes,
		ttl:       ttl,
		currency:  strings.ToUpper(cfg.Currency),
		retry:     cfg.Retry,
		logger:    logger.With("component", "rate_shopper"),
		now:       time.Now,
	}
}

func (s *RateShopper) Quote(ctx context.Context, req QuoteRequest) ([]models.RateQuote, error) {
	span := sentry.StartSpan(
		ctx,
		"service.rates.quote",
		sentry.WithOpName("service.rates"),
		sentry.WithDescription("quote"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	if err := validateQuoteRequest(req); err != nil {
		span.Status = sentry.SpanStatusInvalidArgument
		return nil, err
	}
	origin := s.origin
	if req.Origin != nil {
		origin = *req.Origin
	}
	hints := req.ServiceHints
	if len(hints) == 0 {
		hints = s.hints
	}
	if len(hints) == 0 {
		hints = []string{""}
	}

	quoteCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu         sync.Mutex
		quotes     []models.RateQuote
		answered   int
		rejections []error
		failures   []error
		enough     bool
	)

	var g errgroup.Group
	for _, hint := range hints {
		g.Go(func() error {
			rateReq := carrier.RateRequest{
				Origin:      origin,
				Destination: *req.Destination,
				Weight:      req.Weight,
				ServiceType: hint,
			}
			result, err := retry.Value(quoteCtx, s.retry, "carrier.quote_rate", func(ctx context.Context) ([]models.RateQuote, error) {
				return s.quoter.QuoteRate(ctx, rateReq)
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				quotes = append(quotes, result...)
				answered++
				if s.minQuotes > 0 && answered >= s.minQuotes && !enough {
					enough = true
					cancel()
				}
			case enough && quoteCtx.Err() != nil:
			case errors.Is(err, models.ErrCarrierRejection):
				rejections = append(rejections, err)
			default:
				failures = append(failures, fmt.Errorf("service %q: %w", hint, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.Status = sentry.SpanStatusCanceled
		return nil, err
	}

	quotes = s.normalize(quotes)
	logger := logging.FromContext(ctx, s.logger)
	if len(quotes) == 0 {
		span.Status = sentry.SpanStatusNotFound
		if len(failures) == 0 && len(rejections) > 0 {
			return nil, errors.Join(rejections...)
		}
		if len(failures) > 0 {
			return nil, failures[0]
		}
		return nil, fmt.Errorf("%w: no rates offered to %s", models.ErrCarrierRejection, req.Destination.Country)
	}
	if len(failures) > 0 {
		logger.Warn("some services failed to quote", "failed", len(failures), "error", failures[0])
	}

	observability.MeterFromContext(ctx).Count("rates.quoted", 1, sentry.WithAttributes(
		attribute.Int("quotes", len(quotes)),
	))
	span.Status = sentry.SpanStatusOK
	return quotes, nil
}

// Requote fetches a fresh quote for serviceID, the same service the caller
// chose before its quote expired.
func (s *RateShopper) Requote(ctx context.Context, req QuoteRequest, serviceID string) (models.RateQuote, error) {
	quotes, err := s.Quote(ctx, req)
	if err != nil {
		return models.RateQuote{}, err
	}
	for _, quote := range quotes {
		if quote.CarrierServiceID == serviceID {
			return quote, nil
		}
	}
	return models.RateQuote{}, fmt.Errorf("%w: service %s no longer offered", models.ErrCarrierRejection, serviceID)
}

// normalize fills defaults, drops foreign-currency and duplicate quotes, and sorts.
func (s *RateShopper) normalize(quotes []models.RateQuote) []models.RateQuote {
	now := s.now()
	bestByService := make(map[string]models.RateQuote, len(quotes))
	for _, quote := range quotes {
		if quote.Currency == "" {
			quote.Currency = s.currency
		}
		if s.currency != "" && quote.Currency != s.currency {
			continue
		}
		if quote.ExpiresAt.IsZero() {
			quote.ExpiresAt = now.Add(s.ttl)
		}
		if quote.Expired(now) {
			continue
		}
		if existing, ok := bestByService[quote.CarrierServiceID]; ok && compareQuotes(existing, quote) <= 0 {
			continue
		}
		bestByService[quote.CarrierServiceID] = quote
	}

	out := make([]models.RateQuote, 0, len(bestByService))
	for _, quote := range bestByService {
		out = append(out, quote)
	}
	slices.SortFunc(out, compareQuotes)
	return out
}

func compareQuotes(a, b models.RateQuote) int {
	if c := a.Cost.Cmp(b.Cost); c != 0 {
		return c
	}
	if c := cmp.Compare(a.EstimatedDays, b.EstimatedDays); c != 0 {
		return c
	}
	return cmp.Compare(a.CarrierServiceID, b.CarrierServiceID)
}

func validateQuoteRequest(req QuoteRequest) error {
	if req.Destination == nil {
		return models.NewValidationError(models.ErrInvalidAddress, "destination", "is required")
	}
	if err := validateAddress("destination", req.Destination); err != nil {
		return err
	}
	if !req.Weight.Value.IsPositive() {
		return models.NewValidationError(nil, "weight", "must be positive")
	}
	if req.Weight.Unit != models.WeightUnitKilogram && req.Weight.Unit != models.WeightUnitPound {
		return models.NewValidationError(nil, "weight.unit", fmt.Sprintf("unsupported unit %q", req.Weight.Unit))
	}
	return nil
}
