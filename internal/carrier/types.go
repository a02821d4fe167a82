package carrier

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
)

type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type RateRequest struct {
	Origin      models.Address `json:"origin"`
	Destination models.Address `json:"destination"`
	Weight      models.Weight  `json:"weight"`
	ServiceType string         `json:"service_type"`
}

type rateResponse struct {
	Rates []rateDTO `json:"rates"`
}

type rateDTO struct {
	ServiceID     string    `json:"service_id"`
	Cost          Money     `json:"cost"`
	EstimatedDays int       `json:"estimated_days"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type PackageDetails struct {
	Weight        models.Weight `json:"weight"`
	DeclaredValue Money         `json:"declared_value"`
	ServiceID     string        `json:"service_id"`
	Reference     string        `json:"reference"`
}

type ShipmentRequest struct {
	Shipper   models.Address `json:"shipper"`
	Consignee models.Address `json:"consignee"`
	Package   PackageDetails `json:"package"`
}

type ShipmentResult struct {
	AWBNumber         string     `json:"awb_number"`
	LabelURL          string     `json:"label_url"`
	TrackingURL       string     `json:"tracking_url"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
}

type trackRequest struct {
	AWBNumbers []string `json:"awb_numbers"`
}

type trackResponse struct {
	Shipments []trackedShipment `json:"shipments"`
}

type trackedShipment struct {
	AWBNumber string     `json:"awb_number"`
	Events    []eventDTO `json:"events"`
}

type eventDTO struct {
	Code        string    `json:"code"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Timestamp   time.Time `json:"timestamp"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type PickupWindow struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type PickupRequest struct {
	Address models.Address `json:"address"`
	Date    string         `json:"date"`
	Window  PickupWindow   `json:"window"`
}

type PickupConfirmation struct {
	ConfirmationID string       `json:"confirmation_id"`
	Date           string       `json:"date"`
	Window         PickupWindow `json:"window"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
