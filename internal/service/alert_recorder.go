package service

import (
	"context"
	"fmt"
	"time"

	"rx-fulfillment/internal/models"
	"rx-fulfillment/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AlertRecorder keeps price history and raises stock alerts
type AlertRecorder struct {
	inventory InventoryRepository
	prices    PriceHistoryRepository
	notifier  Notifier
	once      OnceMarker
	logger    *zap.Logger
	now       func() time.Time
}

// NewAlertRecorder creates a new alert recorder
func NewAlertRecorder(inventory InventoryRepository, prices PriceHistoryRepository, notifier Notifier, once OnceMarker) *AlertRecorder {
	return &AlertRecorder{
		inventory: inventory,
		prices:    prices,
		notifier:  notifier,
		once:      once,
		logger:    util.GetLogger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PercentChange is (new - old) / old * 100 rounded to two places; zero when old is zero.
func PercentChange(oldPrice, newPrice decimal.Decimal) decimal.Decimal {
	return models.PercentChange(oldPrice, newPrice)
}

// OnPriceChange appends a price history entry. A nil old price means the
// batch was just stocked; that is logged and skipped.
func (r *AlertRecorder) OnPriceChange(ctx context.Context, item *models.InventoryItem, oldPrice *decimal.Decimal, newPrice decimal.Decimal, reason string, actor models.Actor) (*models.PriceHistoryEntry, error) {
	ctx, span := util.StartSpan(ctx, "AlertRecorder.OnPriceChange")
	defer span.End()

	if oldPrice == nil {
		r.logger.Info("No previous price, skipping price history",
			zap.String("inventory_item_id", item.ID.String()))
		return nil, nil
	}

	entry := models.NewPriceChange(item, *oldPrice, newPrice, reason, actor.ID, r.now())
	if err := r.prices.InsertPriceHistory(ctx, entry); err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to record price change: %w", err)
	}

	r.logger.Info("Price changed",
		zap.String("inventory_item_id", item.ID.String()),
		zap.String("old_price", oldPrice.String()),
		zap.String("new_price", newPrice.String()),
		zap.String("change_percent", entry.ChangePercent.String()))
	return entry, nil
}

// UpdatePrice sets a batch's selling price and records the transition
func (r *AlertRecorder) UpdatePrice(ctx context.Context, itemID uuid.UUID, newPrice decimal.Decimal, reason string, actor models.Actor) (*models.InventoryItem, error) {
	ctx, span := util.StartSpan(ctx, "AlertRecorder.UpdatePrice")
	defer span.End()

	if newPrice.IsNegative() {
		return nil, models.NewValidationError("price must not be negative")
	}

	before, err := r.inventory.UpdateSellingPrice(ctx, itemID, newPrice)
	if err != nil {
		return nil, err
	}

	after := *before
	after.SellingPrice = newPrice
	if before.SellingPrice.Equal(newPrice) {
		return &after, nil
	}

	old := before.SellingPrice
	if _, err := r.OnPriceChange(ctx, &after, &old, newPrice, reason, actor); err != nil {
		return nil, err
	}
	return &after, nil
}

// PriceHistory lists the price transitions of a batch, newest first
func (r *AlertRecorder) PriceHistory(ctx context.Context, itemID uuid.UUID) ([]models.PriceHistoryEntry, error) {
	if _, err := r.inventory.GetInventoryItem(ctx, itemID); err != nil {
		return nil, err
	}
	return r.prices.ListPriceHistory(ctx, itemID)
}

// CheckAndAlert fires one low-stock alert per depletion episode. The flag is
// flipped with a conditional update against the live row, so only one
// concurrent caller publishes and a stale snapshot cannot claim or reset it.
func (r *AlertRecorder) CheckAndAlert(ctx context.Context, item *models.InventoryItem) error {
	ctx, span := util.StartSpan(ctx, "AlertRecorder.CheckAndAlert")
	defer span.End()

	if !item.IsLow() {
		reset, err := r.inventory.ResetLowStockAlert(ctx, item.ID)
		if err != nil {
			return err
		}
		if reset {
			item.AlertSent = false
			r.logger.Debug("Low stock alert reset", zap.String("inventory_item_id", item.ID.String()))
		}
		return nil
	}

	won, err := r.inventory.ClaimLowStockAlert(ctx, item.ID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	if err := r.notifier.PublishLowStock(ctx, item); err != nil {
		// give the next check a chance to publish
		if _, rerr := r.inventory.SetAlertSent(ctx, item.ID, true, false); rerr != nil {
			r.logger.Error("Failed to revert alert flag",
				zap.String("inventory_item_id", item.ID.String()),
				zap.Error(rerr))
		}
		util.RecordError(span, err)
		return fmt.Errorf("failed to publish low stock alert: %w", err)
	}

	item.AlertSent = true
	util.LowStockAlertsTotal.Inc()
	r.logger.Info("Low stock alert published",
		zap.String("inventory_item_id", item.ID.String()),
		zap.String("pharmacy_id", item.PharmacyID.String()),
		zap.Int("quantity", item.Quantity),
		zap.Int("min_stock_level", item.MinStockLevel))
	return nil
}

// SweepExpiring publishes inventory.expiring for every stocked batch expiring
// within windowDays, once per batch per expiry date. Returns the number of
// alerts published.
func (r *AlertRecorder) SweepExpiring(ctx context.Context, windowDays int) (int, error) {
	ctx, span := util.StartSpan(ctx, "AlertRecorder.SweepExpiring")
	defer span.End()

	pharmacies, err := r.inventory.ListPharmacyIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pharmacies: %w", err)
	}

	now := r.now()
	cutoff := now.AddDate(0, 0, windowDays)
	ttl := time.Duration(windowDays+1) * 24 * time.Hour

	published := 0
	for _, pharmacyID := range pharmacies {
		items, err := r.inventory.ListExpiring(ctx, pharmacyID, cutoff)
		if err != nil {
			return published, fmt.Errorf("failed to list expiring batches: %w", err)
		}

		for i := range items {
			item := &items[i]
			if status := item.ComputeStatus(now); status != item.Status {
				if err := r.inventory.UpdateInventoryStatus(ctx, item.ID, status); err != nil {
					return published, err
				}
				item.Status = status
			}

			key := fmt.Sprintf("expiring:%s:%s", item.ID, item.ExpiryDate.Format("2006-01-02"))
			first, err := r.once.MarkOnce(ctx, key, ttl)
			if err != nil {
				return published, err
			}
			if !first {
				continue
			}

			if err := r.notifier.PublishExpiring(ctx, item); err != nil {
				r.logger.Error("Failed to publish expiry alert",
					zap.String("inventory_item_id", item.ID.String()),
					zap.Error(err))
				continue
			}
			util.ExpiryAlertsTotal.Inc()
			published++
		}
	}

	if published > 0 {
		r.logger.Info("Expiry sweep published alerts", zap.Int("count", published))
	}
	return published, nil
}
