package service

import (
	"context"
	"errors"
	"fmt"

	"rx-fulfillment/internal/models"
	"rx-fulfillment/internal/store"
	"rx-fulfillment/internal/util"

	"go.uber.org/zap"
)

// SupplyHandler applies supply events from procurement and pricing
type SupplyHandler struct {
	events EventLog
	ledger *InventoryLedger
	alerts *AlertRecorder
	logger *zap.Logger
}

// NewSupplyHandler creates a new supply handler
func NewSupplyHandler(events EventLog, ledger *InventoryLedger, alerts *AlertRecorder) *SupplyHandler {
	return &SupplyHandler{
		events: events,
		ledger: ledger,
		alerts: alerts,
		logger: util.ComponentLogger("supply"),
	}
}

func (h *SupplyHandler) seen(ctx context.Context, eventID string) (bool, error) {
	processed, err := h.events.IsEventProcessed(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		h.logger.Info("Event already processed", zap.String("event_id", eventID))
	}
	return processed, nil
}

// finish marks the event processed unless the handler already did so.
// Malformed events are dropped so they do not block the partition.
func (h *SupplyHandler) finish(ctx context.Context, event models.BaseEvent, err error, marked bool) error {
	result := "applied"
	if err != nil {
		if !errors.Is(err, models.ErrValidation) && !errors.Is(err, models.ErrNotFound) {
			util.SupplyEventsTotal.WithLabelValues(event.EventType, "retry").Inc()
			return err
		}
		result = "dropped"
		marked = false
		h.logger.Warn("Dropping supply event",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}

	if !marked {
		if err := h.events.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
			h.logger.Error("Failed to mark event processed", zap.Error(err))
		}
	}
	util.SupplyEventsTotal.WithLabelValues(event.EventType, result).Inc()
	return nil
}

// HandleStockReceived stocks a delivered batch. The stock change and the
// event marker commit together, so a redelivery never restocks twice.
func (h *SupplyHandler) HandleStockReceived(ctx context.Context, event *models.StockReceivedEvent) error {
	ctx, span := util.StartSpan(ctx, "SupplyHandler.HandleStockReceived")
	defer span.End()

	if processed, err := h.seen(ctx, event.EventID); err != nil || processed {
		return err
	}

	h.logger.Info("Handling stock received",
		zap.String("pharmacy_id", event.PharmacyID.String()),
		zap.String("batch_number", event.BatchNumber),
		zap.Int("quantity", event.Quantity))

	item, _, err := h.ledger.Receive(ctx, ReceiveStockRequest{
		PharmacyID:    event.PharmacyID,
		MedicineID:    event.MedicineID,
		BatchNumber:   event.BatchNumber,
		Quantity:      event.Quantity,
		ExpiryDate:    event.ExpiryDate,
		PurchasePrice: event.PurchasePrice,
		SellingPrice:  event.SellingPrice,
		MinStockLevel: event.MinStockLevel,
		Reason:        "restock",
		ChangedBy:     event.ActorID,
		EventID:       event.EventID,
		EventType:     event.EventType,
	})
	if errors.Is(err, store.ErrEventProcessed) {
		h.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}
	if err := h.finish(ctx, event.BaseEvent, err, true); err != nil || item == nil {
		return err
	}

	// the receipt is committed; an alert failure leaves the flag clear for the next check
	if err := h.alerts.CheckAndAlert(ctx, item); err != nil {
		h.logger.Warn("Low stock check failed after restock",
			zap.String("inventory_item_id", item.ID.String()),
			zap.Error(err))
	}
	return nil
}

// HandlePriceChanged applies a new selling price to a batch
func (h *SupplyHandler) HandlePriceChanged(ctx context.Context, event *models.PriceChangedEvent) error {
	ctx, span := util.StartSpan(ctx, "SupplyHandler.HandlePriceChanged")
	defer span.End()

	if processed, err := h.seen(ctx, event.EventID); err != nil || processed {
		return err
	}

	actor := models.Actor{ID: event.ActorID, Role: models.RoleSystem}
	_, err := h.alerts.UpdatePrice(ctx, event.InventoryItemID, event.NewPrice, event.Reason, actor)
	return h.finish(ctx, event.BaseEvent, err, false)
}
