package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/cache"
	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/retry"
)

type CartStoreConfig struct {
	Products ProductCatalog
	// Mirror is optional. Without Cache carts live in a process-local LRU.
	Mirror   CartMirror
	Cache    cache.Provider
	TTL      time.Duration
	Retry    retry.Policy
	Currency string
	Logger   *slog.Logger
}

// CartStore holds live carts in the cache provider, each expiring TTL after
// its last mutation. Mutations on one cart are serialized and every read
// hands out a copy.
type CartStore struct {
	products ProductCatalog
	mirror   CartMirror
	cache    cache.Provider
	ttl      time.Duration
	retry    retry.Policy
	currency string
	logger   *slog.Logger
	now      func() time.Time

	locks keyedMutex
}

func NewCartStore(cfg CartStoreConfig) *CartStore {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	provider := cfg.Cache
	if provider == nil {
		// NewMemoryProvider only fails for a size the default never has.
		provider, _ = cache.NewMemoryProvider(0)
	}
	return &CartStore{
		products: cfg.Products,
		mirror:   cfg.Mirror,
		cache:    provider,
		ttl:      cfg.TTL,
		retry:    cfg.Retry,
		currency: strings.ToUpper(cfg.Currency),
		logger:   logger.With("component", "cart_store"),
		now:      time.Now,
	}
}

// AddLine adds quantity of productID. A product already in the cart has its
// quantity increased instead of gaining a second line.
func (s *CartStore) AddLine(ctx context.Context, cartID, productID string, quantity int) (models.Cart, error) {
	if quantity <= 0 {
		return models.Cart{}, models.NewValidationError(models.ErrInvalidQuantity, "quantity", "must be a positive integer")
	}
	if strings.TrimSpace(productID) == "" {
		return models.Cart{}, models.NewValidationError(nil, "product_id", "is required")
	}

	return s.mutate(ctx, cartID, func(cart *models.Cart) (string, int, error) {
		product, err := retry.Value(ctx, s.retry, "commerce.product", func(ctx context.Context) (*productInfo, error) {
			return s.lookup(ctx, productID)
		})
		if err != nil {
			return "", 0, err
		}
		if cart.Currency == "" {
			cart.Currency = product.currency
		}
		if product.currency != cart.Currency {
			return "", 0, models.NewValidationError(nil, "product_id", fmt.Sprintf("product priced in %s, cart is %s", product.currency, cart.Currency))
		}

		for i := range cart.Lines {
			line := &cart.Lines[i]
			if line.ProductID != productID {
				continue
			}
			merged := line.Quantity + quantity
			if err := product.checkStock(merged); err != nil {
				return "", 0, err
			}
			line.Quantity = merged
			line.UnitPrice = product.line.UnitPrice
			return productID, merged, nil
		}

		if err := product.checkStock(quantity); err != nil {
			return "", 0, err
		}
		line := product.line
		line.LineID = uuid.NewString()
		line.Quantity = quantity
		cart.Lines = append(cart.Lines, line)
		return productID, quantity, nil
	})
}

// UpdateLine sets the quantity of an existing line. A quantity of zero or
// less removes the line.
func (s *CartStore) UpdateLine(ctx context.Context, cartID, lineID string, quantity int) (models.Cart, error) {
	if quantity <= 0 {
		return s.RemoveLine(ctx, cartID, lineID)
	}

	return s.mutate(ctx, cartID, func(cart *models.Cart) (string, int, error) {
		idx := lineIndex(cart, lineID)
		if idx < 0 {
			return "", 0, models.NewValidationError(models.ErrUnknownLine, "line_id", lineID)
		}
		line := &cart.Lines[idx]
		if quantity > line.Quantity {
			product, err := retry.Value(ctx, s.retry, "commerce.product", func(ctx context.Context) (*productInfo, error) {
				return s.lookup(ctx, line.ProductID)
			})
			if err != nil {
				return "", 0, err
			}
			if err := product.checkStock(quantity); err != nil {
				return "", 0, err
			}
		}
		line.Quantity = quantity
		return line.ProductID, quantity, nil
	})
}

func (s *CartStore) RemoveLine(ctx context.Context, cartID, lineID string) (models.Cart, error) {
	return s.mutate(ctx, cartID, func(cart *models.Cart) (string, int, error) {
		idx := lineIndex(cart, lineID)
		if idx < 0 {
			return "", 0, models.NewValidationError(models.ErrUnknownLine, "line_id", lineID)
		}
		productID := cart.Lines[idx].ProductID
		cart.Lines = append(cart.Lines[:idx], cart.Lines[idx+1:]...)
		return productID, 0, nil
	})
}

// Snapshot returns a copy of the cart. An unknown cart is empty.
func (s *CartStore) Snapshot(ctx context.Context, cartID string) (models.Cart, error) {
	if strings.TrimSpace(cartID) == "" {
		return models.Cart{}, models.NewValidationError(nil, "cart_id", "is required")
	}
	unlock := s.locks.Lock(cartID)
	defer unlock()

	cart, err := s.load(ctx, cartID)
	if err != nil {
		return models.Cart{}, err
	}
	return cart.Clone(), nil
}

// Clear drops the cart from the cache and on the backend.
func (s *CartStore) Clear(ctx context.Context, cartID string) error {
	if strings.TrimSpace(cartID) == "" {
		return models.NewValidationError(nil, "cart_id", "is required")
	}
	unlock := s.locks.Lock(cartID)
	defer unlock()

	logger := logging.FromContext(ctx, s.logger)
	if err := s.cache.Delete(ctx, cache.CartKey(cartID)); err != nil {
		return models.Transient(fmt.Errorf("failed to clear cart %s: %w", cartID, err))
	}
	if s.mirror != nil {
		err := s.retry.Do(ctx, "commerce.clear_cart", func(ctx context.Context) error {
			return s.mirror.ClearCart(ctx, cartID)
		})
		if err != nil {
			logger.Warn("failed to mirror cart clear", "cart_id", cartID, "error", err)
		}
	}
	return nil
}

// mutate runs fn on a working copy of the cart under the cart lock. The copy
// replaces the live cart only when fn succeeds.
func (s *CartStore) mutate(ctx context.Context, cartID string, fn func(cart *models.Cart) (productID string, quantity int, err error)) (models.Cart, error) {
	if strings.TrimSpace(cartID) == "" {
		return models.Cart{}, models.NewValidationError(nil, "cart_id", "is required")
	}
	unlock := s.locks.Lock(cartID)
	defer unlock()

	current, err := s.load(ctx, cartID)
	if err != nil {
		return models.Cart{}, err
	}
	working := current.Clone()
	productID, quantity, err := fn(&working)
	if err != nil {
		return models.Cart{}, err
	}
	if len(working.Lines) == 0 {
		working.Currency = ""
	}
	working.UpdatedAt = s.now().UTC()

	if err := s.persist(ctx, &working); err != nil {
		return models.Cart{}, err
	}
	s.mirrorLine(ctx, cartID, productID, quantity)
	return working.Clone(), nil
}

func (s *CartStore) load(ctx context.Context, cartID string) (*models.Cart, error) {
	cart := &models.Cart{CartID: cartID}
	raw, err := s.cache.Get(ctx, cache.CartKey(cartID))
	switch {
	case err == nil:
		var cached models.Cart
		if err := json.Unmarshal([]byte(raw), &cached); err != nil {
			logging.FromContext(ctx, s.logger).Warn("discarding unreadable cached cart", "cart_id", cartID, "error", err)
		} else {
			cart = &cached
		}
	case errors.Is(err, cache.ErrNotFound):
	default:
		return nil, models.Transient(fmt.Errorf("failed to load cart %s: %w", cartID, err))
	}
	return cart, nil
}

func (s *CartStore) persist(ctx context.Context, cart *models.Cart) error {
	key := cache.CartKey(cart.CartID)
	if len(cart.Lines) == 0 {
		if err := s.cache.Delete(ctx, key); err != nil {
			return models.Transient(fmt.Errorf("failed to store cart %s: %w", cart.CartID, err))
		}
		return nil
	}
	raw, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("failed to encode cart %s: %w", cart.CartID, err)
	}
	if err := s.cache.Set(ctx, key, string(raw), s.ttl); err != nil {
		return models.Transient(fmt.Errorf("failed to store cart %s: %w", cart.CartID, err))
	}
	return nil
}

func (s *CartStore) mirrorLine(ctx context.Context, cartID, productID string, quantity int) {
	if s.mirror == nil || productID == "" {
		return
	}
	err := s.retry.Do(ctx, "commerce.set_cart_line", func(ctx context.Context) error {
		return s.mirror.SetCartLine(ctx, cartID, productID, quantity)
	})
	if err != nil {
		logging.FromContext(ctx, s.logger).Warn("failed to mirror cart line",
			"cart_id", cartID,
			"product_id", productID,
			"error", err,
		)
	}
}

type productInfo struct {
	line     models.CartLine
	currency string
	stock    *int
}

func (s *CartStore) lookup(ctx context.Context, productID string) (*productInfo, error) {
	if s.products == nil {
		return nil, fmt.Errorf("product catalog is not configured")
	}
	product, err := s.products.Product(ctx, productID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewValidationError(models.ErrNotFound, "product_id", fmt.Sprintf("unknown product %s", productID))
		}
		return nil, err
	}
	if product.Price.LessThan(decimal.Zero) {
		return nil, models.NewValidationError(nil, "product_id", fmt.Sprintf("product %s has a negative price", productID))
	}
	currency := product.Currency
	if currency == "" {
		currency = s.currency
	}
	return &productInfo{
		line: models.CartLine{
			ProductID: productID,
			SKU:       product.SKU,
			Category:  product.Category,
			UnitPrice: product.Price,
			Weight:    product.Weight,
		},
		currency: currency,
		stock:    product.Stock,
	}, nil
}

func (p *productInfo) checkStock(quantity int) error {
	if p.stock == nil || quantity <= *p.stock {
		return nil
	}
	return models.NewValidationError(models.ErrOutOfStock, "quantity",
		fmt.Sprintf("only %d of %s available", *p.stock, p.line.SKU))
}

func lineIndex(cart *models.Cart, lineID string) int {
	for i, line := range cart.Lines {
		if line.LineID == lineID {
			return i
		}
	}
	return -1
}
