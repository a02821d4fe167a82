package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gitshopapp/fulfillment/internal/carrier"
	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/services"
)

type placeOrderRequest struct {
	CartID          string          `json:"cart_id"`
	ShippingAddress *models.Address `json:"shipping_address"`
	BillingAddress  *models.Address `json:"billing_address,omitempty"`
	CouponCodes     []string        `json:"coupon_codes,omitempty"`
	ServiceID       string          `json:"service_id"`
	CustomerEmail   string          `json:"customer_email,omitempty"`
}

type paymentRequest struct {
	PaymentMethod string `json:"payment_method"`
}

type paymentResponse struct {
	Payment       *models.PaymentAttempt `json:"payment"`
	Shipment      *models.Shipment       `json:"shipment,omitempty"`
	ShipmentError string                 `json:"shipment_error,omitempty"`
}

type pickupRequest struct {
	Date string `json:"date"`
	From string `json:"from"`
	To   string `json:"to"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type trackingResponse struct {
	Events []models.TrackingEvent `json:"events"`
}

func orderIDFromRequest(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(mux.Vars(r)["orderID"])
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, models.NewValidationError(nil, "order_id", "must be a uuid")
	}
	return id, nil
}

func (h *Handlers) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.checkout.PlaceOrder(r.Context(), services.PlaceOrderInput{
		CartID:          req.CartID,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		CouponCodes:     req.CouponCodes,
		ServiceID:       req.ServiceID,
		CustomerEmail:   req.CustomerEmail,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/orders/"+order.ID.String())
	h.writeJSON(w, r, http.StatusCreated, order)
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := orderIDFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.checkout.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, order)
}

func (h *Handlers) PayOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := orderIDFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req paymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	outcome, err := h.checkout.Pay(r.Context(), orderID, req.PaymentMethod)
	if err != nil {
		paid := outcome != nil && outcome.Attempt != nil && outcome.Attempt.Result == models.PaymentSucceeded
		if !paid || errors.Is(err, models.ErrPartialFulfillment) {
			h.writeError(w, r, err)
			return
		}
		h.loggerFromContext(r.Context()).Warn("order paid but automatic shipment failed", "order_id", orderID.String(), "error", err)
		h.writeJSON(w, r, http.StatusOK, paymentResponse{Payment: outcome.Attempt, ShipmentError: err.Error()})
		return
	}
	h.writeJSON(w, r, http.StatusOK, paymentResponse{Payment: outcome.Attempt, Shipment: outcome.Shipment})
}

func (h *Handlers) CreateShipment(w http.ResponseWriter, r *http.Request) {
	orderID, err := orderIDFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	shipment, err := h.shipments.CreateShipment(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, shipment)
}

func (h *Handlers) SchedulePickup(w http.ResponseWriter, r *http.Request) {
	orderID, err := orderIDFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req pickupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	confirmation, err := h.shipments.SchedulePickup(r.Context(), orderID, req.Date, carrier.PickupWindow{From: req.From, To: req.To})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, confirmation)
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := orderIDFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	order, err := h.checkout.Cancel(r.Context(), orderID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, order)
}

func (h *Handlers) OrderTracking(w http.ResponseWriter, r *http.Request) {
	orderID, err := orderIDFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	events, err := h.checkout.TrackingEvents(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []models.TrackingEvent{}
	}
	h.writeJSON(w, r, http.StatusOK, trackingResponse{Events: events})
}
