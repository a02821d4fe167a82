// Package retry bounds every outbound call with exponential backoff and a per-attempt timeout.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	goretry "github.com/sethvargo/go-retry"

	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/observability"
)

const (
	DefaultMaxAttempts    = 4
	DefaultBaseDelay      = 200 * time.Millisecond
	DefaultMaxDelay       = 5 * time.Second
	DefaultAttemptTimeout = 10 * time.Second
	DefaultJitterPercent  = 20
)

// Policy is shared by all outbound calls. Only errors matching models.ErrTransient are retried.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	// MaxElapsed caps total time spent backing off. Zero leaves MaxAttempts as the only bound.
	MaxElapsed    time.Duration
	JitterPercent uint64
	Logger        *slog.Logger
}

// ExhaustedError is returned once every attempt failed transiently.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		AttemptTimeout: DefaultAttemptTimeout,
		JitterPercent:  DefaultJitterPercent,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.JitterPercent > 100 {
		p.JitterPercent = 100
	}
	return p
}

// Budget is the worst-case wall-clock time one Do call may take.
func (p Policy) Budget() time.Duration {
	p = p.normalized()
	if p.MaxElapsed > 0 {
		return p.MaxElapsed + time.Duration(p.MaxAttempts)*p.AttemptTimeout
	}
	waits := time.Duration(p.MaxAttempts-1) * p.MaxDelay * time.Duration(100+p.JitterPercent) / 100
	return waits + time.Duration(p.MaxAttempts)*p.AttemptTimeout
}

func (p Policy) backoff() goretry.Backoff {
	b := goretry.NewExponential(p.BaseDelay)
	b = goretry.WithCappedDuration(p.MaxDelay, b)
	if p.JitterPercent > 0 {
		b = goretry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxElapsed > 0 {
		b = goretry.WithMaxDuration(p.MaxElapsed, b)
	}
	return goretry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

// Do runs fn until it succeeds, fails with a non-transient error, or attempts run out.
func (p Policy) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for calls that produce a result.
func Value[T any](ctx context.Context, p Policy, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	logger := logging.FromContext(ctx, p.Logger)
	meter := observability.MeterFromContext(ctx)

	var (
		result   T
		attempts int
	)

	err := goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempts++
		value, err := attempt(ctx, p.AttemptTimeout, fn)
		if err == nil {
			result = value
			return nil
		}
		if !models.IsRetryable(err) {
			return err
		}
		if attempts < p.MaxAttempts {
			logger.Debug("retrying transient failure", "operation", operation, "attempt", attempts, "error", err)
		}
		return goretry.RetryableError(err)
	})
	if err == nil {
		return result, nil
	}

	var zero T
	if !models.IsRetryable(err) {
		return zero, err
	}

	meter.Count("retry.exhausted", 1, sentry.WithAttributes(
		attribute.String("operation", operation),
	))
	logger.Warn("retries exhausted", "operation", operation, "attempts", attempts, "error", err)
	return zero, &ExhaustedError{Operation: operation, Attempts: attempts, Err: err}
}

// attempt runs fn under its own deadline. Hitting that deadline while ctx is still live is transient.
func attempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	value, err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return value, models.Transient(err)
	}
	return value, err
}
