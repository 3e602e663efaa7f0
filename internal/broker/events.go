package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rx-fulfillment/internal/models"
	"rx-fulfillment/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter is the publishing side of a Producer
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing notification events
type EventPublisher struct {
	producer EventWriter
	now      func() time.Time
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventWriter) *EventPublisher {
	return &EventPublisher{producer: producer, now: time.Now}
}

func (ep *EventPublisher) publish(ctx context.Context, eventType, entityType, entityID, tenantID string, payload interface{}) error {
	event := &models.NotificationEvent{
		BaseEvent:  models.NewBaseEvent(eventType, ep.now().UTC()),
		EntityType: entityType,
		EntityID:   entityID,
		TenantID:   tenantID,
		Payload:    payload,
	}
	return ep.producer.PublishEvent(ctx, entityID, event)
}

// PublishPrescriptionDispensed publishes prescription.dispensed
func (ep *EventPublisher) PublishPrescriptionDispensed(ctx context.Context, p *models.Prescription, record *models.DispensingRecord) error {
	return ep.publish(ctx, models.EventTypePrescriptionDispensed, models.EntityPrescription, p.ID.String(), p.TenantID,
		models.PrescriptionDispensedPayload{
			PrescriptionNumber: p.Number,
			PatientID:          p.PatientSnapshot.ID,
			PharmacyID:         record.PharmacyID,
			DispensingRecordID: record.ID,
			Status:             record.Status,
			TotalAmount:        record.TotalAmount,
		})
}

// PublishLowStock publishes inventory.low_stock
func (ep *EventPublisher) PublishLowStock(ctx context.Context, item *models.InventoryItem) error {
	return ep.publish(ctx, models.EventTypeLowStock, models.EntityInventoryItem, item.ID.String(), "",
		models.LowStockPayload{
			PharmacyID:    item.PharmacyID,
			MedicineID:    item.MedicineID,
			BatchNumber:   item.BatchNumber,
			Quantity:      item.Quantity,
			MinStockLevel: item.MinStockLevel,
		})
}

// PublishExpiring publishes inventory.expiring
func (ep *EventPublisher) PublishExpiring(ctx context.Context, item *models.InventoryItem) error {
	if item.ExpiryDate == nil {
		return fmt.Errorf("batch %s has no expiry date", item.BatchNumber)
	}
	return ep.publish(ctx, models.EventTypeExpiring, models.EntityInventoryItem, item.ID.String(), "",
		models.ExpiringPayload{
			PharmacyID:  item.PharmacyID,
			MedicineID:  item.MedicineID,
			BatchNumber: item.BatchNumber,
			Quantity:    item.Quantity,
			ExpiryDate:  *item.ExpiryDate,
		})
}

// ErrMalformedMessage marks a message that can never be handled. Consumers
// skip it instead of retrying.
var ErrMalformedMessage = errors.New("malformed message")

// EventHandler handles incoming supply events
type EventHandler struct {
	onStockReceived func(context.Context, *models.StockReceivedEvent) error
	onPriceChanged  func(context.Context, *models.PriceChangedEvent) error
	logger          *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.ComponentLogger("event-handler")}
}

// OnStockReceived registers a handler for StockReceived events
func (eh *EventHandler) OnStockReceived(handler func(context.Context, *models.StockReceivedEvent) error) {
	eh.onStockReceived = handler
}

// OnPriceChanged registers a handler for PriceChanged events
func (eh *EventHandler) OnPriceChanged(handler func(context.Context, *models.PriceChangedEvent) error) {
	eh.onPriceChanged = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("%w: base event: %v", ErrMalformedMessage, err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeStockReceived:
		if eh.onStockReceived != nil {
			var event models.StockReceivedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: StockReceived event: %v", ErrMalformedMessage, err)
			}
			return eh.onStockReceived(ctx, &event)
		}

	case models.EventTypePriceChanged:
		if eh.onPriceChanged != nil {
			var event models.PriceChangedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: PriceChanged event: %v", ErrMalformedMessage, err)
			}
			return eh.onPriceChanged(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
