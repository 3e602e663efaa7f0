package store

import (
	"context"
	"fmt"

	"rx-fulfillment/internal/models"

	"github.com/google/uuid"
)

const insertPriceHistorySQL = `
	INSERT INTO price_history (
		id, inventory_item_id, pharmacy_id, medicine_id, old_price, new_price,
		change_percent, reason, changed_by, created_at
	) VALUES (
		:id, :inventory_item_id, :pharmacy_id, :medicine_id, :old_price, :new_price,
		:change_percent, :reason, :changed_by, :created_at
	)`

// InsertPriceHistory appends a price transition
func (s *Store) InsertPriceHistory(ctx context.Context, entry *models.PriceHistoryEntry) error {
	if _, err := s.db.NamedExecContext(ctx, insertPriceHistorySQL, entry); err != nil {
		return fmt.Errorf("failed to insert price history: %w", err)
	}
	return nil
}

// ListPriceHistory returns price transitions of a batch, newest first
func (s *Store) ListPriceHistory(ctx context.Context, inventoryItemID uuid.UUID) ([]models.PriceHistoryEntry, error) {
	entries := []models.PriceHistoryEntry{}
	err := s.db.SelectContext(ctx, &entries,
		s.q("SELECT * FROM price_history WHERE inventory_item_id = ? ORDER BY created_at DESC"), inventoryItemID)
	return entries, err
}
