package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitshopapp/fulfillment/internal/models"
)

func TestBusDeliversInOrderAndSurvivesFailures(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	var got []string
	bus.Subscribe("failing", func(context.Context, Event) error {
		got = append(got, "failing")
		return errors.New("boom")
	})
	bus.Subscribe("recorder", func(_ context.Context, event Event) error {
		got = append(got, string(event.To))
		return nil
	})

	bus.Publish(context.Background(), StatusChanged(uuid.New(), models.StatusDraft, models.StatusConfirmed))
	assert.Equal(t, []string{"failing", "confirmed"}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	calls := 0
	unsubscribe := bus.Subscribe("counter", func(context.Context, Event) error {
		calls++
		return nil
	})

	bus.Publish(context.Background(), StatusChanged(uuid.New(), models.StatusNone, models.StatusDraft))
	unsubscribe()
	bus.Publish(context.Background(), StatusChanged(uuid.New(), models.StatusNone, models.StatusDraft))
	assert.Equal(t, 1, calls)
}

type recordingWriter struct {
	messages []kafka.Message
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkKeysByOrder(t *testing.T) {
	t.Parallel()

	writer := &recordingWriter{}
	sink := &KafkaSink{writer: writer}
	orderID := uuid.New()
	event := TrackingRecorded(orderID, models.TrackingEvent{AWBNumber: "AWB1", Code: "in_transit"})

	require.NoError(t, sink.Handle(context.Background(), event))
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, orderID.String(), string(msg.Key))
	assert.Equal(t, "shipment.tracking_event", string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "AWB1", decoded.AWBNumber)
	assert.Equal(t, "in_transit", decoded.Tracking.Code)

	require.NoError(t, sink.Close())
	assert.True(t, writer.closed)
}
