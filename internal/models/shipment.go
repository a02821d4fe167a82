package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type CarrierStatus string

const (
	CarrierStatusCreated        CarrierStatus = "created"
	CarrierStatusPickedUp       CarrierStatus = "picked_up"
	CarrierStatusInTransit      CarrierStatus = "in_transit"
	CarrierStatusOutForDelivery CarrierStatus = "out_for_delivery"
	CarrierStatusDelivered      CarrierStatus = "delivered"
	CarrierStatusException      CarrierStatus = "exception"
)

// Shipment is the carrier shipment recorded for an order.
type Shipment struct {
	ShipmentID        uuid.UUID     `json:"shipment_id"`
	OrderID           uuid.UUID     `json:"order_id"`
	AWBNumber         string        `json:"awb_number"`
	LabelURL          string        `json:"label_url"`
	TrackingURL       string        `json:"tracking_url,omitempty"`
	CarrierStatus     CarrierStatus `json:"carrier_status"`
	EstimatedDelivery *time.Time    `json:"estimated_delivery,omitempty"`
	ActualDelivery    *time.Time    `json:"actual_delivery,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Delivered reports whether tracking has reached its terminal status.
func (s Shipment) Delivered() bool {
	return s.CarrierStatus == CarrierStatusDelivered
}

// TrackingEvent is one carrier scan for an AWB.
type TrackingEvent struct {
	AWBNumber   string    `json:"awb_number"`
	Code        string    `json:"code"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Key identifies an event for deduplication.
func (e TrackingEvent) Key() string {
	return fmt.Sprintf("%s|%s", e.Code, e.Timestamp.UTC().Format(time.RFC3339Nano))
}

type ShipmentIntentState string

const (
	// IntentPendingCarrier is recorded before the carrier call.
	IntentPendingCarrier ShipmentIntentState = "pending_carrier"
	// IntentCarrierIssued holds an AWB the carrier already issued but that is not yet persisted.
	IntentCarrierIssued ShipmentIntentState = "carrier_issued"
	IntentCommitted     ShipmentIntentState = "committed"
)

// ShipmentIntent is the write-ahead record of a carrier shipment for one order.
type ShipmentIntent struct {
	OrderID           uuid.UUID           `json:"order_id"`
	State             ShipmentIntentState `json:"state"`
	AWBNumber         string              `json:"awb_number,omitempty"`
	LabelURL          string              `json:"label_url,omitempty"`
	TrackingURL       string              `json:"tracking_url,omitempty"`
	EstimatedDelivery *time.Time          `json:"estimated_delivery,omitempty"`
	Attempts          int                 `json:"attempts"`
	LastError         string              `json:"last_error,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at"`
}
