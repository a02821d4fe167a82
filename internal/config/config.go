package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/gitshopapp/fulfillment/internal/retry"
)

type Config struct {
	Port           string     `env:"PORT" envDefault:"8080"`
	LogLevel       slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat      string     `env:"LOG_FORMAT" envDefault:"text" validate:"omitempty,oneof=text json"`
	AlertLogStderr bool       `env:"ALERT_LOG_STDERR"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	StoreProvider string `env:"STORE_PROVIDER" envDefault:"memory" validate:"omitempty,oneof=memory postgres"`
	DatabaseURL   string `env:"DATABASE_URL" validate:"required_if=StoreProvider postgres"`

	CacheProvider         string        `env:"CACHE_PROVIDER" envDefault:"memory" validate:"omitempty,oneof=memory redis"`
	RedisConnectionString string        `env:"REDIS_CONNECTION_STRING" envDefault:"redis://localhost:6379/0" validate:"required_if=CacheProvider redis"`
	CartTTL               time.Duration `env:"CART_TTL" envDefault:"72h" validate:"gt=0"`

	CatalogPath string `env:"CATALOG_PATH" envDefault:"storefront.yaml" validate:"required"`

	CarrierAPIURL        string `env:"CARRIER_API_URL,required" validate:"required,url"`
	CarrierAPIKey        string `env:"CARRIER_API_KEY"`
	CarrierName          string `env:"CARRIER_NAME" envDefault:"ups"`
	CarrierWebhookSecret string `env:"CARRIER_WEBHOOK_SECRET"`

	CommerceAPIURL   string `env:"COMMERCE_API_URL,required" validate:"required,url"`
	CommerceAPIToken string `env:"COMMERCE_API_TOKEN"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY,required" validate:"required"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	RetryMaxAttempts    int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"4" validate:"min=1,max=10"`
	RetryBaseDelay      time.Duration `env:"RETRY_BASE_DELAY" envDefault:"200ms" validate:"gt=0"`
	RetryMaxDelay       time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5s" validate:"gt=0"`
	RetryAttemptTimeout time.Duration `env:"RETRY_ATTEMPT_TIMEOUT" envDefault:"10s" validate:"gt=0"`

	TrackingPollInterval    time.Duration `env:"TRACKING_POLL_INTERVAL" envDefault:"5m" validate:"gt=0"`
	TrackingMaxPollInterval time.Duration `env:"TRACKING_MAX_POLL_INTERVAL" envDefault:"1h" validate:"gt=0"`
	TrackingConcurrency     int           `env:"TRACKING_CONCURRENCY" envDefault:"8" validate:"min=1"`
	ReconcileInterval       time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m" validate:"gt=0"`
	AutoShip                bool          `env:"AUTO_SHIP"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"fulfillment.events" validate:"required_with=KafkaBrokers"`

	ResendAPIKey string `env:"RESEND_API_KEY"`
	EmailFrom    string `env:"EMAIL_FROM" validate:"required_with=ResendAPIKey"`

	SentryDSN              string  `env:"SENTRY_DSN"`
	SentryEnvironment      string  `env:"SENTRY_ENVIRONMENT" envDefault:"development"`
	SentryTracesSampleRate float64 `env:"SENTRY_TRACES_SAMPLE_RATE" envDefault:"0.1" validate:"gte=0,lte=1"`
}

var configValidator = validator.New()

func Load() (*Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) RetryPolicy(logger *slog.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.RetryMaxAttempts,
		BaseDelay:      c.RetryBaseDelay,
		MaxDelay:       c.RetryMaxDelay,
		AttemptTimeout: c.RetryAttemptTimeout,
		JitterPercent:  retry.DefaultJitterPercent,
		Logger:         logger,
	}
}

func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}

	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY must not be shorter than RETRY_BASE_DELAY")
	}
	if c.TrackingMaxPollInterval < c.TrackingPollInterval {
		return fmt.Errorf("TRACKING_MAX_POLL_INTERVAL must not be shorter than TRACKING_POLL_INTERVAL")
	}

	for name, raw := range map[string]string{"CARRIER_API_URL": c.CarrierAPIURL, "COMMERCE_API_URL": c.CommerceAPIURL} {
		parsed, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || parsed.Hostname() == "" {
			return fmt.Errorf("%s must be a valid absolute URL", name)
		}
		if !isLocalHost(parsed.Hostname()) && !strings.EqualFold(parsed.Scheme, "https") {
			return fmt.Errorf("%s must use https outside local development", name)
		}
	}

	for _, broker := range c.KafkaBrokers {
		if strings.TrimSpace(broker) == "" {
			return fmt.Errorf("KAFKA_BROKERS must not contain empty entries")
		}
	}

	return nil
}

func isLocalHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return strings.HasSuffix(strings.ToLower(host), ".internal")
	}
}
