package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"rx-fulfillment/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedEvent struct {
	key   string
	event interface{}
}

type recordingWriter struct {
	events []capturedEvent
}

func (w *recordingWriter) PublishEvent(_ context.Context, key string, event interface{}) error {
	w.events = append(w.events, capturedEvent{key: key, event: event})
	return nil
}

func TestPublishPrescriptionDispensed(t *testing.T) {
	w := &recordingWriter{}
	ep := NewEventPublisher(w)

	p := &models.Prescription{ID: uuid.New(), Number: "RX-20260301-0000AAAA", TenantID: "tenant-a"}
	record := &models.DispensingRecord{
		ID:          uuid.New(),
		PharmacyID:  uuid.New(),
		Status:      models.DispensingStatusCompleted,
		TotalAmount: decimal.RequireFromString("12.40"),
	}

	require.NoError(t, ep.PublishPrescriptionDispensed(context.Background(), p, record))
	require.Len(t, w.events, 1)
	assert.Equal(t, p.ID.String(), w.events[0].key)

	raw, err := json.Marshal(w.events[0].event)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, models.EventTypePrescriptionDispensed, decoded["event_type"])
	assert.Equal(t, models.EntityPrescription, decoded["entity_type"])
	assert.Equal(t, p.ID.String(), decoded["entity_id"])
	assert.NotEmpty(t, decoded["event_id"])
	payload := decoded["payload"].(map[string]interface{})
	assert.Equal(t, "RX-20260301-0000AAAA", payload["prescription_number"])
	assert.Equal(t, "12.4", payload["total_amount"])
}

func TestPublishExpiringRequiresDate(t *testing.T) {
	ep := NewEventPublisher(&recordingWriter{})
	err := ep.PublishExpiring(context.Background(), &models.InventoryItem{ID: uuid.New(), BatchNumber: "B1"})
	assert.Error(t, err)
}

func TestHandleMessageRoutesByType(t *testing.T) {
	eh := NewEventHandler()

	var received *models.StockReceivedEvent
	var priced *models.PriceChangedEvent
	eh.OnStockReceived(func(_ context.Context, e *models.StockReceivedEvent) error {
		received = e
		return nil
	})
	eh.OnPriceChanged(func(_ context.Context, e *models.PriceChangedEvent) error {
		priced = e
		return errors.New("downstream failed")
	})

	stock := models.StockReceivedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeStockReceived, time.Now()),
		PharmacyID:  uuid.New(),
		MedicineID:  uuid.New(),
		BatchNumber: "B-77",
		Quantity:    40,
	}
	value, err := json.Marshal(stock)
	require.NoError(t, err)
	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: value}))
	require.NotNil(t, received)
	assert.Equal(t, "B-77", received.BatchNumber)
	assert.Equal(t, 40, received.Quantity)

	price := models.PriceChangedEvent{
		BaseEvent:       models.NewBaseEvent(models.EventTypePriceChanged, time.Now()),
		InventoryItemID: uuid.New(),
		NewPrice:        decimal.RequireFromString("4.20"),
	}
	value, err = json.Marshal(price)
	require.NoError(t, err)
	err = eh.HandleMessage(context.Background(), kafka.Message{Value: value})
	assert.Error(t, err, "handler errors propagate so the message is retried")
	assert.NotErrorIs(t, err, ErrMalformedMessage)
	require.NotNil(t, priced)
	assert.True(t, decimal.RequireFromString("4.20").Equal(priced.NewPrice))

	unknown, _ := json.Marshal(models.NewBaseEvent("inventory.audited", time.Now()))
	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: unknown}))

	assert.ErrorIs(t, eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")}), ErrMalformedMessage)
}
