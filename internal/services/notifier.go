package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gitshopapp/fulfillment/internal/email"
	"github.com/gitshopapp/fulfillment/internal/events"
	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/retry"
)

var statusTemplates = map[models.OrderStatus]email.Template{
	models.StatusConfirmed: email.TemplateOrderConfirmed,
	models.StatusShipped:   email.TemplateOrderShipped,
	models.StatusDelivered: email.TemplateOrderDelivered,
}

type OrderNotifierConfig struct {
	Orders OrderRepository
	// Provider nil disables sending.
	Provider email.Provider
	Renderer *email.Renderer
	ShopName string
	Carrier  string
	Retry    retry.Policy
	Logger   *slog.Logger
}

// OrderNotifier emails the customer when an order is confirmed, shipped or delivered.
type OrderNotifier struct {
	orders   OrderRepository
	provider email.Provider
	renderer *email.Renderer
	shopName string
	carrier  string
	retry    retry.Policy
	logger   *slog.Logger
	now      func() time.Time
}

func NewOrderNotifier(cfg OrderNotifierConfig) *OrderNotifier {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &OrderNotifier{
		orders:   cfg.Orders,
		provider: cfg.Provider,
		renderer: cfg.Renderer,
		shopName: cfg.ShopName,
		carrier:  cfg.Carrier,
		retry:    cfg.Retry,
		logger:   logger.With("component", "order_notifier"),
		now:      time.Now,
	}
}

// Handle is an events.Handler.
func (n *OrderNotifier) Handle(ctx context.Context, event events.Event) error {
	if event.Kind != events.KindOrderStatusChanged || n.provider == nil || n.renderer == nil {
		return nil
	}
	name, ok := statusTemplates[event.To]
	if !ok {
		return nil
	}

	order, err := n.orders.GetOrder(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load order for notification: %w", err)
	}
	if order.CustomerEmail == "" {
		logging.FromContext(ctx, n.logger).Debug("order has no customer email", "order_id", order.ID.String())
		return nil
	}

	message, err := n.renderer.Render(name, email.NewOrderInfo(order, n.shopName, n.carrier, n.now()))
	if err != nil {
		return err
	}
	if err := n.retry.Do(ctx, "email.send", func(ctx context.Context) error {
		return n.provider.SendEmail(ctx, message)
	}); err != nil {
		return fmt.Errorf("failed to send %s email: %w", name, err)
	}
	logging.FromContext(ctx, n.logger).Info("order notification sent", "order_id", order.ID.String(), "template", string(name))
	return nil
}
