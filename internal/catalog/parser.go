package catalog

// Package catalog provides storefront.yaml parsing functionality.

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/gitshopapp/fulfillment/internal/models"
)

const defaultQuoteTTL = 15 * time.Minute

type StorefrontConfig struct {
	Shop     ShopConfig     `yaml:"shop"`
	Shipping ShippingConfig `yaml:"shipping"`
	Coupons  []CouponConfig `yaml:"coupons"`
}

type ShopConfig struct {
	Name     string          `yaml:"name"`
	Currency string          `yaml:"currency"`
	TaxRate  decimal.Decimal `yaml:"tax_rate"`
	Origin   models.Address  `yaml:"origin"`
}

type ShippingConfig struct {
	ServiceHints []string      `yaml:"service_hints"`
	MinQuotes    int           `yaml:"min_quotes"`
	QuoteTTL     time.Duration `yaml:"quote_ttl"`
}

type CouponConfig struct {
	Code        string          `yaml:"code"`
	Kind        string          `yaml:"kind"`
	Value       decimal.Decimal `yaml:"value"`
	MinSpend    decimal.Decimal `yaml:"min_spend"`
	Categories  []string        `yaml:"categories"`
	MaxDiscount decimal.Decimal `yaml:"max_discount"`
	ExpiresAt   *time.Time      `yaml:"expires_at"`
	Stackable   bool            `yaml:"stackable"`
}

type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) Parse(content []byte) (*StorefrontConfig, error) {
	var config StorefrontConfig
	if err := yaml.Unmarshal(content, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.Shop.Currency = strings.ToUpper(strings.TrimSpace(config.Shop.Currency))
	if config.Shipping.QuoteTTL <= 0 {
		config.Shipping.QuoteTTL = defaultQuoteTTL
	}
	return &config, nil
}

func (p *Parser) ParseFromString(content string) (*StorefrontConfig, error) {
	return p.Parse([]byte(content))
}

// ParseFile reads and parses the storefront file at path.
func (p *Parser) ParseFile(path string) (*StorefrontConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read storefront file: %w", err)
	}
	return p.Parse(content)
}

// DomainCoupons converts the configured coupons to their domain form.
func (c *StorefrontConfig) DomainCoupons() []models.Coupon {
	coupons := make([]models.Coupon, 0, len(c.Coupons))
	for _, coupon := range c.Coupons {
		coupons = append(coupons, models.Coupon{
			Code:  strings.ToUpper(strings.TrimSpace(coupon.Code)),
			Kind:  models.CouponKind(strings.ToLower(strings.TrimSpace(coupon.Kind))),
			Value: coupon.Value,
			Constraints: models.CouponConstraints{
				MinSpend:    coupon.MinSpend,
				Categories:  coupon.Categories,
				MaxDiscount: coupon.MaxDiscount,
			},
			ExpiresAt: coupon.ExpiresAt,
			Stackable: coupon.Stackable,
		})
	}
	return coupons
}
