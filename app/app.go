package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"

	"github.com/gitshopapp/fulfillment/internal/cache"
	"github.com/gitshopapp/fulfillment/internal/carrier"
	"github.com/gitshopapp/fulfillment/internal/catalog"
	"github.com/gitshopapp/fulfillment/internal/commerce"
	"github.com/gitshopapp/fulfillment/internal/config"
	"github.com/gitshopapp/fulfillment/internal/db"
	"github.com/gitshopapp/fulfillment/internal/email"
	"github.com/gitshopapp/fulfillment/internal/events"
	"github.com/gitshopapp/fulfillment/internal/handlers"
	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/retry"
	"github.com/gitshopapp/fulfillment/internal/services"
	"github.com/gitshopapp/fulfillment/internal/stripe"
)

const cartCacheSize = 10_000

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *pgxpool.Pool
	CacheProvider cache.Provider
	Handlers      *handlers.Handlers
	Scheduler     *services.TrackingScheduler

	kafkaSink *events.KafkaSink

	cancelBackground context.CancelFunc
	background       sync.WaitGroup
}

type stores struct {
	orders    services.OrderRepository
	payments  services.PaymentRepository
	shipments services.ShipmentRepository
	tracking  services.TrackingRepository
	pinger    handlers.Pinger
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg)
	if err := initSentry(cfg); err != nil {
		return nil, err
	}

	storefront, err := loadStorefront(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	a := &App{Config: cfg, Logger: logger}

	st, err := a.openStores(startupCtx)
	if err != nil {
		return nil, err
	}

	cacheProvider, err := cache.NewProvider(cache.Config{
		Provider:              cfg.CacheProvider,
		RedisConnectionString: cfg.RedisConnectionString,
		MemorySize:            cartCacheSize,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize cache provider: %w", err)
	}
	a.CacheProvider = cacheProvider

	carrierClient, err := carrier.New(carrier.Config{
		BaseURL: cfg.CarrierAPIURL,
		APIKey:  cfg.CarrierAPIKey,
		Name:    cfg.CarrierName,
		Logger:  logger.With("component", "carrier_client"),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize carrier client: %w", err)
	}
	commerceClient, err := commerce.New(commerce.Config{
		BaseURL: cfg.CommerceAPIURL,
		Token:   cfg.CommerceAPIToken,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize commerce client: %w", err)
	}
	paymentClient := stripe.NewPaymentClient(cfg.StripeSecretKey)

	bus := events.NewBus(logger)
	if len(cfg.KafkaBrokers) > 0 {
		a.kafkaSink = events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		bus.Subscribe("kafka", a.kafkaSink.Handle)
	}

	policy := cfg.RetryPolicy(logger.With("component", "retry"))
	if err := a.subscribeNotifier(startupCtx, bus, st.orders, storefront.Shop.Name, cfg.CarrierName, policy); err != nil {
		a.Close()
		return nil, err
	}

	states := services.NewOrderStateMachine(st.orders, bus, logger)
	carts := services.NewCartStore(services.CartStoreConfig{
		Products: commerceClient,
		Mirror:   commerceClient,
		Cache:    cacheProvider,
		TTL:      cfg.CartTTL,
		Retry:    policy,
		Currency: storefront.Shop.Currency,
		Logger:   logger,
	})
	rates := services.NewRateShopper(services.RateShopperConfig{
		Quoter:       carrierClient,
		Origin:       storefront.Shop.Origin,
		ServiceHints: storefront.Shipping.ServiceHints,
		MinQuotes:    storefront.Shipping.MinQuotes,
		QuoteTTL:     storefront.Shipping.QuoteTTL,
		Currency:     storefront.Shop.Currency,
		Retry:        policy,
		Logger:       logger,
	})
	payments := services.NewPaymentGateway(services.PaymentGatewayConfig{
		Orders:    st.orders,
		Payments:  st.payments,
		States:    states,
		Processor: paymentClient,
		Retry:     policy,
		Logger:    logger,
	})
	shipments := services.NewShipmentOrchestrator(services.ShipmentOrchestratorConfig{
		Orders:    st.orders,
		Shipments: st.shipments,
		States:    states,
		Carrier:   carrierClient,
		Backend:   commerceClient,
		Origin:    storefront.Shop.Origin,
		Retry:     policy,
		Logger:    logger,
	})
	tracking := services.NewTrackingSynchronizer(services.TrackingSynchronizerConfig{
		Shipments: st.shipments,
		Tracking:  st.tracking,
		States:    states,
		Carrier:   carrierClient,
		Publisher: bus,
		Retry:     policy,
		Logger:    logger,
	})
	checkout := services.NewCheckoutService(services.CheckoutServiceConfig{
		Carts:     carts,
		Discounts: services.NewDiscountEngine(storefront.DomainCoupons(), time.Now),
		Rates:     rates,
		Converter: services.NewQuotationConverter(storefront.Shop.TaxRate, storefront.Shop.Currency, rates),
		States:    states,
		Payments:  payments,
		Shipments: shipments,
		Tracking:  tracking,
		Orders:    st.orders,
		Backend:   commerceClient,
		AutoShip:  cfg.AutoShip,
		Retry:     policy,
		Logger:    logger,
	})
	a.Scheduler = services.NewTrackingScheduler(services.TrackingSchedulerConfig{
		Shipments:         st.shipments,
		Tracker:           tracking,
		Resumer:           shipments,
		PollInterval:      cfg.TrackingPollInterval,
		MaxPollInterval:   cfg.TrackingMaxPollInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		Concurrency:       cfg.TrackingConcurrency,
		Logger:            logger,
	})

	h, err := handlers.New(handlers.Dependencies{
		Config:        cfg,
		Store:         st.pinger,
		CacheProvider: cacheProvider,
		Carts:         carts,
		Checkout:      checkout,
		Shipments:     shipments,
		Tracking:      tracking,
		Payments:      payments,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}
	a.Handlers = h

	return a, nil
}

// Start runs the tracking scheduler until Close.
func (a *App) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelBackground = cancel

	a.background.Add(1)
	go func() {
		defer a.background.Done()
		if err := a.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("tracking scheduler stopped", "error", err)
		}
	}()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancelBackground != nil {
		a.cancelBackground()
		a.background.Wait()
	}
	if a.kafkaSink != nil {
		if err := a.kafkaSink.Close(); err != nil {
			a.Logger.Warn("failed to close kafka sink", "error", err)
		}
	}
	if a.CacheProvider != nil {
		closeCacheProvider(a.Logger, a.CacheProvider)
	}
	if a.DB != nil {
		a.DB.Close()
	}
	sentry.Flush(2 * time.Second)
}

func (a *App) openStores(ctx context.Context) (*stores, error) {
	if a.Config.StoreProvider != "postgres" {
		memory := db.NewMemoryStore()
		a.Logger.Warn("using in-memory store; orders are lost on restart")
		return &stores{orders: memory, payments: memory, shipments: memory, tracking: memory, pinger: memory}, nil
	}

	database, err := db.Connect(ctx, a.Config.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, database); err != nil {
		database.Close()
		return nil, err
	}
	a.DB = database

	orders := db.NewOrderStore(database)
	return &stores{
		orders:    orders,
		payments:  db.NewPaymentStore(database),
		shipments: db.NewShipmentStore(database),
		tracking:  db.NewTrackingStore(database),
		pinger:    orders,
	}, nil
}

func (a *App) subscribeNotifier(ctx context.Context, bus *events.Bus, orders services.OrderRepository, shopName, carrierName string, policy retry.Policy) error {
	provider, err := email.NewProvider(email.Config{APIKey: a.Config.ResendAPIKey, From: a.Config.EmailFrom})
	if err != nil {
		return fmt.Errorf("failed to initialize email provider: %w", err)
	}
	if provider == nil {
		a.Logger.Info("customer notifications disabled", "reason", "RESEND_API_KEY not set")
		return nil
	}
	if err := provider.ValidateAPIKey(ctx); err != nil {
		a.Logger.Warn("email provider rejected api key; notifications may fail", "error", err)
	}
	renderer, err := email.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to initialize email renderer: %w", err)
	}

	notifier := services.NewOrderNotifier(services.OrderNotifierConfig{
		Orders:   orders,
		Provider: provider,
		Renderer: renderer,
		ShopName: shopName,
		Carrier:  carrierName,
		Retry:    policy,
		Logger:   a.Logger,
	})
	bus.Subscribe("order_notifier", notifier.Handle)
	return nil
}

func loadStorefront(path string) (*catalog.StorefrontConfig, error) {
	storefront, err := catalog.NewParser().ParseFile(path)
	if err != nil {
		return nil, err
	}
	if err := catalog.NewValidator().Validate(storefront); err != nil {
		return nil, fmt.Errorf("invalid storefront %s: %w", path, err)
	}
	return storefront, nil
}

func initSentry(cfg *config.Config) error {
	if strings.TrimSpace(cfg.SentryDSN) == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.SentryEnvironment,
		EnableTracing:    true,
		TracesSampleRate: cfg.SentryTracesSampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel})
	}

	if cfg.AlertLogStderr {
		handler = logging.MultiHandler(handler, slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return slog.New(handler)
}

func closeCacheProvider(logger *slog.Logger, provider cache.Provider) {
	if provider == nil {
		return
	}
	if err := provider.Close(); err != nil && logger != nil {
		logger.Warn("failed to close cache provider", "error", err)
	}
}
