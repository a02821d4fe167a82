package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gitshopapp/fulfillment/internal/config"
	"github.com/gitshopapp/fulfillment/internal/handlers"
)

type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	handlers   *handlers.Handlers
	httpServer *http.Server
}

func New(cfg *config.Config, logger *slog.Logger, h *handlers.Handlers) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if h == nil {
		return nil, fmt.Errorf("handlers are required")
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		handlers: h,
	}

	router := s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

func (s *Server) Run() error {
	s.logger.Info("server starting", "port", s.cfg.Port)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}

	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) buildRouter() *mux.Router {
	h := s.handlers

	r := mux.NewRouter()
	r.Use(h.RequestLogger)
	r.Use(h.MetricsContext)
	r.Use(h.SecurityHeaders)
	r.HandleFunc("/health", h.Health).Methods("GET").Name("health")
	r.HandleFunc("/webhooks/carrier", h.CarrierWebhook).Methods("POST").Name("webhooks.carrier")
	r.HandleFunc("/webhooks/stripe", h.StripeWebhook).Methods("POST").Name("webhooks.stripe")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"route_not_found","message":"no such route"}}`))
	})

	api := r.NewRoute().Subrouter()
	api.Use(h.RequireSameOrigin)

	api.HandleFunc("/carts/{cartID}", h.GetCart).Methods("GET").Name("carts.get")
	api.HandleFunc("/carts/{cartID}", h.ClearCart).Methods("DELETE").Name("carts.clear")
	api.HandleFunc("/carts/{cartID}/lines", h.AddCartLine).Methods("POST").Name("carts.lines.add")
	api.HandleFunc("/carts/{cartID}/lines/{lineID}", h.UpdateCartLine).Methods("PATCH").Name("carts.lines.update")
	api.HandleFunc("/carts/{cartID}/lines/{lineID}", h.RemoveCartLine).Methods("DELETE").Name("carts.lines.remove")
	api.HandleFunc("/carts/{cartID}/coupons/preview", h.PreviewCoupons).Methods("POST").Name("carts.coupons.preview")
	api.HandleFunc("/carts/{cartID}/rates", h.QuoteRates).Methods("POST").Name("carts.rates")

	api.HandleFunc("/orders", h.PlaceOrder).Methods("POST").Name("orders.place")
	api.HandleFunc("/orders/{orderID}", h.GetOrder).Methods("GET").Name("orders.get")
	api.HandleFunc("/orders/{orderID}/payments", h.PayOrder).Methods("POST").Name("orders.payments")
	api.HandleFunc("/orders/{orderID}/shipment", h.CreateShipment).Methods("POST").Name("orders.shipment")
	api.HandleFunc("/orders/{orderID}/pickup", h.SchedulePickup).Methods("POST").Name("orders.pickup")
	api.HandleFunc("/orders/{orderID}/cancel", h.CancelOrder).Methods("POST").Name("orders.cancel")
	api.HandleFunc("/orders/{orderID}/tracking", h.OrderTracking).Methods("GET").Name("orders.tracking")

	return r
}
