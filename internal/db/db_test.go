package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/fulfillment/internal/models"
)

func newTestOrder() *models.Order {
	address := &models.Address{Name: "Ada", Street: "1 Main St", City: "Oakland", Country: "US"}
	return &models.Order{
		ID:              uuid.New(),
		Cart:            models.Cart{CartID: "c-1", Lines: []models.CartLine{{LineID: "l-1", ProductID: "p-1", Quantity: 2, UnitPrice: decimal.NewFromInt(170)}}},
		ShippingAddress: address,
		BillingAddress:  address,
		Status:          models.StatusDraft,
		CreatedAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemoryStoreOrderLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	order := newTestOrder()
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create: %v", err)
	}

	order.Cart.Lines[0].Quantity = 99
	got, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Cart.Lines[0].Quantity != 2 {
		t.Fatalf("store shares cart with caller: quantity %d", got.Cart.Lines[0].Quantity)
	}
	if got.BillingAddress != got.ShippingAddress {
		t.Fatal("shared billing address should stay shared")
	}

	from, err := store.UpdateStatus(ctx, order.ID, models.StatusConfirmed, "")
	if err != nil || from != models.StatusDraft {
		t.Fatalf("draft -> confirmed = %s, %v", from, err)
	}
	if _, err := store.UpdateStatus(ctx, order.ID, models.StatusDraft, ""); !errors.Is(err, models.ErrInvalidStatusTransition) {
		t.Fatalf("confirmed -> draft should fail, got %v", err)
	}
	if _, err := store.UpdateStatus(ctx, uuid.New(), models.StatusConfirmed, ""); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreSingleSucceededAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	orderID := uuid.New()

	for _, result := range []models.PaymentResult{models.PaymentError, models.PaymentSucceeded} {
		if err := store.RecordAttempt(ctx, &models.PaymentAttempt{AttemptID: uuid.New(), OrderID: orderID, Result: result}); err != nil {
			t.Fatalf("record %s: %v", result, err)
		}
	}
	err := store.RecordAttempt(ctx, &models.PaymentAttempt{AttemptID: uuid.New(), OrderID: orderID, Result: models.PaymentSucceeded})
	if !errors.Is(err, models.ErrInvalidStatusTransition) {
		t.Fatalf("second success should be refused, got %v", err)
	}

	latest, err := store.LatestAttempt(ctx, orderID)
	if err != nil || latest.Result != models.PaymentSucceeded {
		t.Fatalf("latest = %+v, %v", latest, err)
	}
}

func TestMemoryStoreCommitShipmentIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	orderID := uuid.New()

	if err := store.SaveIntent(ctx, &models.ShipmentIntent{OrderID: orderID, State: models.IntentCarrierIssued, AWBNumber: "AWB1"}); err != nil {
		t.Fatalf("save intent: %v", err)
	}

	first, err := store.CommitShipment(ctx, &models.Shipment{ShipmentID: uuid.New(), OrderID: orderID, AWBNumber: "AWB1", CarrierStatus: models.CarrierStatusCreated})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	second, err := store.CommitShipment(ctx, &models.Shipment{ShipmentID: uuid.New(), OrderID: orderID, AWBNumber: "AWB2", CarrierStatus: models.CarrierStatusCreated})
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if first.ShipmentID != second.ShipmentID || second.AWBNumber != "AWB1" {
		t.Fatalf("second commit replaced shipment: %+v", second)
	}

	intent, err := store.GetIntent(ctx, orderID)
	if err != nil || intent.State != models.IntentCommitted {
		t.Fatalf("intent = %+v, %v", intent, err)
	}
	if err := store.SaveIntent(ctx, &models.ShipmentIntent{OrderID: orderID, State: models.IntentPendingCarrier}); err != nil {
		t.Fatalf("save intent: %v", err)
	}
	intent, _ = store.GetIntent(ctx, orderID)
	if intent.State != models.IntentCommitted {
		t.Fatalf("committed intent was overwritten: %s", intent.State)
	}
}

func TestMemoryStoreAppendEventsDeduplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	ts := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	events := []models.TrackingEvent{
		{AWBNumber: "AWB1", Code: "in_transit", Timestamp: ts.Add(time.Hour)},
		{AWBNumber: "AWB1", Code: "picked_up", Timestamp: ts},
	}

	added, err := store.AppendEvents(ctx, events)
	if err != nil || len(added) != 2 {
		t.Fatalf("first append = %d, %v", len(added), err)
	}
	added, err = store.AppendEvents(ctx, events[:1])
	if err != nil || len(added) != 0 {
		t.Fatalf("duplicate append = %d, %v", len(added), err)
	}

	stored, err := store.ListEvents(ctx, "AWB1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 2 || stored[0].Code != "picked_up" {
		t.Fatalf("events not ordered by timestamp: %+v", stored)
	}
}

func TestQueryHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query     string
		operation string
		table     string
	}{
		{query: "SELECT id FROM orders o WHERE o.id = $1", operation: "SELECT", table: "orders"},
		{query: "  INSERT INTO tracking_events (awb_number) VALUES ($1)", operation: "INSERT", table: "tracking_events"},
		{query: "UPDATE shipments SET carrier_status = $1", operation: "UPDATE", table: "shipments"},
		{query: "", operation: "", table: ""},
	}

	for _, tc := range tests {
		normalized := normalizeQuery(tc.query)
		if got := queryOperation(normalized); tc.query != "" && got != tc.operation {
			t.Fatalf("queryOperation(%q) = %q, want %q", tc.query, got, tc.operation)
		}
		if got := queryTable(normalized); got != tc.table {
			t.Fatalf("queryTable(%q) = %q, want %q", tc.query, got, tc.table)
		}
	}
}
