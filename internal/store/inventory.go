package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"rx-fulfillment/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// StockLine is one requested quantity against one batch.
type StockLine struct {
	InventoryItemID uuid.UUID `json:"inventory_item_id"`
	Quantity        int       `json:"quantity"`
}

const insertInventorySQL = `
	INSERT INTO inventory_items (
		id, pharmacy_id, medicine_id, batch_number, quantity, expiry_date,
		purchase_price, selling_price, min_stock_level, status, alert_sent, created_at, updated_at
	) VALUES (
		:id, :pharmacy_id, :medicine_id, :batch_number, :quantity, :expiry_date,
		:purchase_price, :selling_price, :min_stock_level, :status, :alert_sent, :created_at, :updated_at
	)`

// CreateInventoryItem inserts a new batch
func (s *Store) CreateInventoryItem(ctx context.Context, item *models.InventoryItem) error {
	if _, err := s.db.NamedExecContext(ctx, insertInventorySQL, item); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("batch %s already stocked: %w", item.BatchNumber, models.NewValidationError("batch_number: already exists for this medicine"))
		}
		return fmt.Errorf("failed to insert inventory item: %w", err)
	}
	return nil
}

// GetInventoryItem retrieves a batch by ID
func (s *Store) GetInventoryItem(ctx context.Context, id uuid.UUID) (*models.InventoryItem, error) {
	var item models.InventoryItem
	if err := s.db.GetContext(ctx, &item, s.q("SELECT * FROM inventory_items WHERE id = ?"), id); err != nil {
		return nil, notFound(err, "inventory item", id)
	}
	return &item, nil
}

// GetInventoryItemByBatch retrieves a batch by its natural key
func (s *Store) GetInventoryItemByBatch(ctx context.Context, pharmacyID, medicineID uuid.UUID, batch string) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := s.db.GetContext(ctx, &item,
		s.q("SELECT * FROM inventory_items WHERE pharmacy_id = ? AND medicine_id = ? AND batch_number = ?"),
		pharmacyID, medicineID, batch)
	if err != nil {
		return nil, notFound(err, "batch", batch)
	}
	return &item, nil
}

// GetInventoryItemsByIDs retrieves multiple batches of one pharmacy
func (s *Store) GetInventoryItemsByIDs(ctx context.Context, pharmacyID uuid.UUID, ids []uuid.UUID) ([]models.InventoryItem, error) {
	if len(ids) == 0 {
		return []models.InventoryItem{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	query, args, err := sqlx.In("SELECT * FROM inventory_items WHERE pharmacy_id = ? AND id IN (?)", pharmacyID.String(), keys)
	if err != nil {
		return nil, err
	}

	var items []models.InventoryItem
	err = s.db.SelectContext(ctx, &items, s.q(query), args...)
	return items, err
}

// Availability sums quantity and finds the lowest selling price over
// non-expired batches of a medicine that still have stock.
func (s *Store) Availability(ctx context.Context, pharmacyID, medicineID uuid.UUID, now time.Time) (int, decimal.NullDecimal, error) {
	var row struct {
		Total  int                 `db:"total"`
		Lowest decimal.NullDecimal `db:"lowest"`
	}
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT COALESCE(SUM(quantity), 0) AS total, MIN(selling_price) AS lowest
		FROM inventory_items
		WHERE pharmacy_id = ? AND medicine_id = ? AND quantity > 0
		  AND (expiry_date IS NULL OR expiry_date > ?)`),
		pharmacyID, medicineID, now)
	if err != nil {
		return 0, decimal.NullDecimal{}, fmt.Errorf("failed to aggregate availability: %w", err)
	}
	return row.Total, row.Lowest, nil
}

// DecrementStock applies every line in one transaction. Each line is a single
// conditional update guarded by the current quantity, so concurrent callers
// cannot together take more than is on hand. If any line cannot be
// satisfied nothing is applied and an *InsufficientStockError lists every
// short line. Returns the touched batches after the decrement.
func (s *Store) DecrementStock(ctx context.Context, pharmacyID uuid.UUID, lines []StockLine) ([]models.InventoryItem, error) {
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, models.NewValidationError(fmt.Sprintf("quantity for %s must be positive", line.InventoryItemID))
		}
	}
	lines = mergeLines(lines)
	now := s.now()

	var touched []models.InventoryItem
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var shortfalls []models.Shortfall

		for _, line := range lines {
			res, err := tx.ExecContext(ctx, s.q(`
				UPDATE inventory_items SET quantity = quantity - ?, updated_at = ?
				WHERE id = ? AND pharmacy_id = ? AND quantity >= ?`),
				line.Quantity, now, line.InventoryItemID, pharmacyID, line.Quantity)
			if err != nil {
				return fmt.Errorf("failed to decrement stock: %w", err)
			}
			rows, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to decrement stock: %w", err)
			}
			if rows == 1 {
				continue
			}

			var available int
			err = tx.GetContext(ctx, &available,
				s.q("SELECT quantity FROM inventory_items WHERE id = ? AND pharmacy_id = ?"),
				line.InventoryItemID, pharmacyID)
			if err != nil {
				return notFound(err, "inventory item", line.InventoryItemID)
			}
			shortfalls = append(shortfalls, models.Shortfall{
				InventoryItemID: line.InventoryItemID,
				Requested:       line.Quantity,
				Available:       available,
				Missing:         line.Quantity - available,
			})
		}

		if len(shortfalls) > 0 {
			return &models.InsufficientStockError{Shortfalls: shortfalls}
		}

		var err error
		touched, err = s.refreshStatusTx(ctx, tx, lines, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}

// RestoreStock adds quantities back, as compensation or on restock
func (s *Store) RestoreStock(ctx context.Context, pharmacyID uuid.UUID, lines []StockLine) ([]models.InventoryItem, error) {
	lines = mergeLines(lines)
	now := s.now()

	var touched []models.InventoryItem
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, line := range lines {
			res, err := tx.ExecContext(ctx, s.q(`
				UPDATE inventory_items SET quantity = quantity + ?, updated_at = ?
				WHERE id = ? AND pharmacy_id = ?`),
				line.Quantity, now, line.InventoryItemID, pharmacyID)
			if err != nil {
				return fmt.Errorf("failed to restore stock: %w", err)
			}
			if rows, _ := res.RowsAffected(); rows == 0 {
				return fmt.Errorf("inventory item %s: %w", line.InventoryItemID, models.ErrNotFound)
			}
		}

		var err error
		touched, err = s.refreshStatusTx(ctx, tx, lines, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}

// refreshStatusTx reloads the touched batches and persists their derived status.
func (s *Store) refreshStatusTx(ctx context.Context, tx *sqlx.Tx, lines []StockLine, now time.Time) ([]models.InventoryItem, error) {
	items := make([]models.InventoryItem, 0, len(lines))
	for _, line := range lines {
		var item models.InventoryItem
		if err := tx.GetContext(ctx, &item, s.q("SELECT * FROM inventory_items WHERE id = ?"), line.InventoryItemID); err != nil {
			return nil, fmt.Errorf("failed to reload inventory item: %w", err)
		}
		status := item.ComputeStatus(now)
		if status != item.Status {
			if _, err := tx.ExecContext(ctx, s.q("UPDATE inventory_items SET status = ? WHERE id = ?"), status, item.ID); err != nil {
				return nil, fmt.Errorf("failed to update inventory status: %w", err)
			}
			item.Status = status
		}
		items = append(items, item)
	}
	return items, nil
}

// UpdateInventoryStatus persists a recomputed status
func (s *Store) UpdateInventoryStatus(ctx context.Context, id uuid.UUID, status models.InventoryStatus) error {
	_, err := s.db.ExecContext(ctx,
		s.q("UPDATE inventory_items SET status = ?, updated_at = ? WHERE id = ?"),
		status, s.now(), id)
	return err
}

// SetAlertSent flips the alert flag only if it currently equals from.
// Reports whether this caller changed it.
func (s *Store) SetAlertSent(ctx context.Context, id uuid.UUID, from, to bool) (bool, error) {
	return s.flipAlert(ctx, "UPDATE inventory_items SET alert_sent = ? WHERE id = ? AND alert_sent = ?", to, id, from)
}

// ClaimLowStockAlert sets the alert flag only while the batch is at or below
// its threshold and no alert is pending. Reports whether this caller set it.
func (s *Store) ClaimLowStockAlert(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.flipAlert(ctx, `
		UPDATE inventory_items SET alert_sent = ?
		WHERE id = ? AND alert_sent = ? AND quantity <= min_stock_level`, true, id, false)
}

// ResetLowStockAlert clears the alert flag only once the batch is back above
// its threshold.
func (s *Store) ResetLowStockAlert(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.flipAlert(ctx, `
		UPDATE inventory_items SET alert_sent = ?
		WHERE id = ? AND alert_sent = ? AND quantity > min_stock_level`, false, id, true)
}

func (s *Store) flipAlert(ctx context.Context, query string, to bool, id uuid.UUID, from bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(query), to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update alert flag: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// UpdateSellingPrice sets a new selling price and returns the batch as it was before
func (s *Store) UpdateSellingPrice(ctx context.Context, id uuid.UUID, price decimal.Decimal) (*models.InventoryItem, error) {
	var before models.InventoryItem
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &before, s.q("SELECT * FROM inventory_items WHERE id = ?"), id); err != nil {
			return notFound(err, "inventory item", id)
		}
		_, err := tx.ExecContext(ctx,
			s.q("UPDATE inventory_items SET selling_price = ?, updated_at = ? WHERE id = ?"),
			price, s.now(), id)
		if err != nil {
			return fmt.Errorf("failed to update selling price: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &before, nil
}

// BatchReceipt is an arriving batch. Item.Quantity is the amount received.
// When EventID is set the event is marked processed in the same transaction.
type BatchReceipt struct {
	Item      *models.InventoryItem
	Reason    string
	ChangedBy uuid.UUID
	EventID   string
	EventType string
}

// ReceiveResult is the batch after a receipt.
type ReceiveResult struct {
	Item        models.InventoryItem
	Created     bool
	PriceChange *models.PriceHistoryEntry
}

// ReceiveBatch stocks a batch in one transaction: it inserts the batch or
// tops it up, syncs the selling price with a history entry when it moved and
// records the event marker. Returns ErrEventProcessed if the marker exists.
func (s *Store) ReceiveBatch(ctx context.Context, r BatchReceipt) (*ReceiveResult, error) {
	item := r.Item
	now := s.now()

	var result ReceiveResult
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if r.EventID != "" {
			res, err := tx.ExecContext(ctx,
				s.q("INSERT INTO processed_events (event_id, event_type, processed_at) VALUES (?, ?, ?) ON CONFLICT (event_id) DO NOTHING"),
				r.EventID, r.EventType, now)
			if err != nil {
				return fmt.Errorf("failed to mark event processed: %w", err)
			}
			if rows, _ := res.RowsAffected(); rows == 0 {
				return ErrEventProcessed
			}
		}

		res, err := tx.NamedExecContext(ctx, insertInventorySQL+`
			ON CONFLICT (pharmacy_id, medicine_id, batch_number) DO NOTHING`, item)
		if err != nil {
			return fmt.Errorf("failed to insert inventory item: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 1 {
			result.Created = true
			touched, err := s.refreshStatusTx(ctx, tx, []StockLine{{InventoryItemID: item.ID}}, now)
			if err != nil {
				return err
			}
			result.Item = touched[0]
			return nil
		}

		// the update takes the row lock before the price is read
		res, err = tx.ExecContext(ctx, s.q(`
			UPDATE inventory_items
			SET quantity = quantity + ?, expiry_date = ?, purchase_price = ?, min_stock_level = ?, updated_at = ?
			WHERE pharmacy_id = ? AND medicine_id = ? AND batch_number = ?`),
			item.Quantity, item.ExpiryDate, item.PurchasePrice, item.MinStockLevel, now,
			item.PharmacyID, item.MedicineID, item.BatchNumber)
		if err != nil {
			return fmt.Errorf("failed to restock batch: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return fmt.Errorf("batch %s: %w", item.BatchNumber, models.ErrConcurrentModification)
		}

		var current models.InventoryItem
		err = tx.GetContext(ctx, &current,
			s.q("SELECT * FROM inventory_items WHERE pharmacy_id = ? AND medicine_id = ? AND batch_number = ?"),
			item.PharmacyID, item.MedicineID, item.BatchNumber)
		if err != nil {
			return fmt.Errorf("failed to reload batch: %w", err)
		}

		if !current.SellingPrice.Equal(item.SellingPrice) {
			entry := models.NewPriceChange(&current, current.SellingPrice, item.SellingPrice, r.Reason, r.ChangedBy, now)
			if _, err := tx.ExecContext(ctx,
				s.q("UPDATE inventory_items SET selling_price = ? WHERE id = ?"),
				item.SellingPrice, current.ID); err != nil {
				return fmt.Errorf("failed to update selling price: %w", err)
			}
			if _, err := tx.NamedExecContext(ctx, insertPriceHistorySQL, entry); err != nil {
				return fmt.Errorf("failed to insert price history: %w", err)
			}
			result.PriceChange = entry
		}

		touched, err := s.refreshStatusTx(ctx, tx, []StockLine{{InventoryItemID: current.ID}}, now)
		if err != nil {
			return err
		}
		result.Item = touched[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListLowStock returns batches at or below their minimum stock level
func (s *Store) ListLowStock(ctx context.Context, pharmacyID uuid.UUID) ([]models.InventoryItem, error) {
	items := []models.InventoryItem{}
	err := s.db.SelectContext(ctx, &items, s.q(`
		SELECT * FROM inventory_items
		WHERE pharmacy_id = ? AND quantity <= min_stock_level
		ORDER BY quantity, batch_number`), pharmacyID)
	return items, err
}

// ListExpiring returns stocked batches whose expiry is on or before the cutoff
func (s *Store) ListExpiring(ctx context.Context, pharmacyID uuid.UUID, cutoff time.Time) ([]models.InventoryItem, error) {
	items := []models.InventoryItem{}
	err := s.db.SelectContext(ctx, &items, s.q(`
		SELECT * FROM inventory_items
		WHERE pharmacy_id = ? AND quantity > 0 AND expiry_date IS NOT NULL AND expiry_date <= ?
		ORDER BY expiry_date, batch_number`), pharmacyID, cutoff)
	return items, err
}

// ListPharmacyIDs returns every pharmacy holding stock
func (s *Store) ListPharmacyIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, "SELECT DISTINCT pharmacy_id FROM inventory_items")
	return ids, err
}

// mergeLines sums duplicate lines per batch and orders them by batch id, so
// every transaction takes row locks in the same order.
func mergeLines(lines []StockLine) []StockLine {
	index := make(map[uuid.UUID]int, len(lines))
	merged := make([]StockLine, 0, len(lines))
	for _, l := range lines {
		if i, ok := index[l.InventoryItemID]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[l.InventoryItemID] = len(merged)
		merged = append(merged, l)
	}
	sort.Slice(merged, func(i, j int) bool {
		return bytes.Compare(merged[i].InventoryItemID[:], merged[j].InventoryItemID[:]) < 0
	})
	return merged
}
