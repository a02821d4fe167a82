package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/observability"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type partialBody struct {
	Status    string `json:"status"`
	OrderID   string `json:"order_id"`
	AWBNumber string `json:"awb_number"`
}

var validationCodes = []struct {
	kind error
	code string
}{
	{models.ErrInvalidQuantity, "invalid_quantity"},
	{models.ErrUnknownLine, "unknown_line"},
	{models.ErrOutOfStock, "out_of_stock"},
	{models.ErrEmptyCart, "empty_cart"},
	{models.ErrInvalidAddress, "invalid_address"},
	{models.ErrCouponNotFound, "coupon_not_found"},
	{models.ErrCouponExpired, "coupon_expired"},
	{models.ErrCouponConstraintUnmet, "coupon_constraint_unmet"},
	{models.ErrNotFound, "unknown_reference"},
}

// writeError maps a service error onto a status code and a JSON error body.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	var partial *models.PartialFulfillmentError
	if errors.As(err, &partial) {
		logger.Error("shipment awaiting reconciliation", "order_id", partial.OrderID.String(), "awb_number", partial.AWBNumber, "error", err)
		h.writeJSON(w, r, http.StatusAccepted, partialBody{
			Status:    "reconciliation_pending",
			OrderID:   partial.OrderID.String(),
			AWBNumber: partial.AWBNumber,
		})
		return
	}

	status, detail := classifyError(err)
	observability.MeterFromContext(ctx).Count("http.api.errors", 1, sentry.WithAttributes(
		attribute.String("error.code", detail.Code),
		attribute.Int("http.status_code", status),
	))
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err, "code", detail.Code)
	} else {
		logger.Info("request rejected", "error", err, "code", detail.Code)
	}
	h.writeJSON(w, r, status, errorBody{Error: detail})
}

func classifyError(err error) (int, errorDetail) {
	var validation *models.ValidationError
	switch {
	case errors.As(err, &validation):
		detail := errorDetail{Code: "validation_failed", Message: validation.Error(), Field: validation.Field}
		for _, candidate := range validationCodes {
			if errors.Is(err, candidate.kind) {
				detail.Code = candidate.code
				break
			}
		}
		return http.StatusUnprocessableEntity, detail
	case errors.Is(err, models.ErrValidation):
		return http.StatusUnprocessableEntity, errorDetail{Code: "validation_failed", Message: err.Error()}
	case errors.Is(err, models.ErrCarrierRejection):
		return http.StatusUnprocessableEntity, errorDetail{Code: "carrier_rejection", Message: err.Error()}
	case errors.Is(err, models.ErrPaymentDeclined):
		return http.StatusPaymentRequired, errorDetail{Code: "payment_declined", Message: err.Error()}
	case errors.Is(err, models.ErrInvalidStatusTransition):
		return http.StatusConflict, errorDetail{Code: "invalid_status_transition", Message: err.Error()}
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, errorDetail{Code: "not_found", Message: err.Error()}
	case models.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, errorDetail{Code: "transient_failure", Message: "upstream temporarily unavailable, retry later"}
	default:
		return http.StatusInternalServerError, errorDetail{Code: "internal_error", Message: "internal error"}
	}
}
