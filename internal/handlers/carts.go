package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/gitshopapp/fulfillment/internal/models"
)

type addLineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type updateLineRequest struct {
	Quantity int `json:"quantity"`
}

type couponPreviewRequest struct {
	Codes []string `json:"codes"`
}

type couponPreviewResponse struct {
	Discounts []models.Discount `json:"discounts"`
	Total     string            `json:"total_discount"`
}

type ratesRequest struct {
	Destination  *models.Address `json:"destination"`
	ServiceHints []string        `json:"service_hints,omitempty"`
}

type ratesResponse struct {
	Quotes []models.RateQuote `json:"quotes"`
}

func (h *Handlers) GetCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.carts.Snapshot(r.Context(), mux.Vars(r)["cartID"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, cart)
}

func (h *Handlers) AddCartLine(w http.ResponseWriter, r *http.Request) {
	var req addLineRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	cart, err := h.carts.AddLine(r.Context(), mux.Vars(r)["cartID"], req.ProductID, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, cart)
}

func (h *Handlers) UpdateCartLine(w http.ResponseWriter, r *http.Request) {
	var req updateLineRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	vars := mux.Vars(r)
	cart, err := h.carts.UpdateLine(r.Context(), vars["cartID"], vars["lineID"], req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, cart)
}

func (h *Handlers) RemoveCartLine(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cart, err := h.carts.RemoveLine(r.Context(), vars["cartID"], vars["lineID"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, cart)
}

func (h *Handlers) ClearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.Clear(r.Context(), mux.Vars(r)["cartID"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) PreviewCoupons(w http.ResponseWriter, r *http.Request) {
	var req couponPreviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	discounts, err := h.checkout.PreviewCoupons(r.Context(), mux.Vars(r)["cartID"], req.Codes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if discounts == nil {
		discounts = []models.Discount{}
	}
	h.writeJSON(w, r, http.StatusOK, couponPreviewResponse{
		Discounts: discounts,
		Total:     models.TotalDiscount(discounts).StringFixed(2),
	})
}

func (h *Handlers) QuoteRates(w http.ResponseWriter, r *http.Request) {
	var req ratesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	quotes, err := h.checkout.QuoteShipping(r.Context(), mux.Vars(r)["cartID"], req.Destination, req.ServiceHints)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, ratesResponse{Quotes: quotes})
}
