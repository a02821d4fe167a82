package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestFromContextFallsBack(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	fallback := slog.New(slog.NewTextHandler(&buf, nil))

	FromContext(context.Background(), fallback).Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected fallback logger to be used, got %q", buf.String())
	}
}

func TestWithCarriesAttributes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ctx, _ := With(context.Background(), base, "order_id", "o-1")
	FromContext(ctx, nil).Info("charged")

	if !strings.Contains(buf.String(), "order_id=o-1") {
		t.Fatalf("expected order_id attribute, got %q", buf.String())
	}
}

func TestMultiHandlerRoutesByLevel(t *testing.T) {
	t.Parallel()

	var primary, alerts bytes.Buffer
	logger := slog.New(MultiHandler(
		slog.NewTextHandler(&primary, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&alerts, &slog.HandlerOptions{Level: slog.LevelError}),
		nil,
	))

	logger.Info("routine")
	logger.Error("partial fulfillment", "awb_number", "AWB1")

	if !strings.Contains(primary.String(), "routine") || !strings.Contains(primary.String(), "partial fulfillment") {
		t.Fatalf("primary handler missing records: %q", primary.String())
	}
	if strings.Contains(alerts.String(), "routine") {
		t.Fatalf("alert handler received info record: %q", alerts.String())
	}
	if !strings.Contains(alerts.String(), `"awb_number":"AWB1"`) {
		t.Fatalf("alert handler missing error record: %q", alerts.String())
	}
}
