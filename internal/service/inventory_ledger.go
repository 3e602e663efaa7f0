package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"rx-fulfillment/internal/models"
	"rx-fulfillment/internal/store"
	"rx-fulfillment/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// InventoryLedger owns per-batch stock quantities of pharmacies
type InventoryLedger struct {
	repo   InventoryRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewInventoryLedger creates a new inventory ledger
func NewInventoryLedger(repo InventoryRepository) *InventoryLedger {
	return &InventoryLedger{
		repo:   repo,
		logger: util.GetLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Availability is the sellable stock of one medicine at one pharmacy
type Availability struct {
	PharmacyID    uuid.UUID        `json:"pharmacy_id"`
	MedicineID    uuid.UUID        `json:"medicine_id"`
	TotalQuantity int              `json:"total_quantity"`
	LowestPrice   *decimal.Decimal `json:"lowest_price,omitempty"`
}

// DecrementResult lists the batches after a successful decrement
type DecrementResult struct {
	Items []models.InventoryItem `json:"items"`
}

// ReceiveStockRequest describes an arriving batch
type ReceiveStockRequest struct {
	PharmacyID    uuid.UUID
	MedicineID    uuid.UUID
	BatchNumber   string
	Quantity      int
	ExpiryDate    *time.Time
	PurchasePrice decimal.Decimal
	SellingPrice  decimal.Decimal
	MinStockLevel int
	// Reason labels the price history entry when a restock moves the price.
	Reason    string
	ChangedBy uuid.UUID
	// EventID marks the supply event processed together with the stock change.
	EventID   string
	EventType string
}

// Get retrieves one batch
func (l *InventoryLedger) Get(ctx context.Context, id uuid.UUID) (*models.InventoryItem, error) {
	return l.repo.GetInventoryItem(ctx, id)
}

// GetAvailability aggregates stock over all non-expired batches of a medicine
func (l *InventoryLedger) GetAvailability(ctx context.Context, pharmacyID, medicineID uuid.UUID) (*Availability, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.GetAvailability")
	defer span.End()

	total, lowest, err := l.repo.Availability(ctx, pharmacyID, medicineID, l.now())
	if err != nil {
		return nil, err
	}

	a := &Availability{PharmacyID: pharmacyID, MedicineID: medicineID, TotalQuantity: total}
	if lowest.Valid {
		price := lowest.Decimal
		a.LowestPrice = &price
	}
	return a, nil
}

// ReserveAndDecrement takes every line or none. A shortfall is reported as
// *models.InsufficientStockError, which callers are expected to branch on.
func (l *InventoryLedger) ReserveAndDecrement(ctx context.Context, pharmacyID uuid.UUID, lines []store.StockLine) (*DecrementResult, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.ReserveAndDecrement")
	defer span.End()

	if len(lines) == 0 {
		return nil, models.NewValidationError("lines must not be empty")
	}
	for i, line := range lines {
		if line.Quantity <= 0 {
			return nil, models.NewValidationError(fmt.Sprintf("lines[%d].quantity must be greater than zero", i))
		}
	}

	items, err := l.repo.DecrementStock(ctx, pharmacyID, lines)
	if err != nil {
		if ise, ok := models.AsInsufficientStock(err); ok {
			util.InsufficientStockTotal.Inc()
			l.logger.Info("Insufficient stock",
				zap.String("pharmacy_id", pharmacyID.String()),
				zap.Int("short_lines", len(ise.Shortfalls)))
			return nil, err
		}
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to decrement stock: %w", err)
	}

	return &DecrementResult{Items: items}, nil
}

// Restore adds quantities back as compensation for a failed dispense
func (l *InventoryLedger) Restore(ctx context.Context, pharmacyID uuid.UUID, lines []store.StockLine) ([]models.InventoryItem, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Restore")
	defer span.End()

	items, err := l.repo.RestoreStock(ctx, pharmacyID, lines)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to restore stock: %w", err)
	}
	return items, nil
}

// RecomputeStatus derives the status of a batch at now
func (l *InventoryLedger) RecomputeStatus(item *models.InventoryItem, now time.Time) models.InventoryStatus {
	return item.ComputeStatus(now)
}

// RefreshStatus recomputes and persists the status of a batch if it drifted,
// as happens when a batch passes its expiry date.
func (l *InventoryLedger) RefreshStatus(ctx context.Context, item *models.InventoryItem) error {
	status := l.RecomputeStatus(item, l.now())
	if status == item.Status {
		return nil
	}
	if err := l.repo.UpdateInventoryStatus(ctx, item.ID, status); err != nil {
		return fmt.Errorf("failed to persist inventory status: %w", err)
	}
	item.Status = status
	return nil
}

// ListLowStock lists batches at or below their threshold
func (l *InventoryLedger) ListLowStock(ctx context.Context, pharmacyID uuid.UUID) ([]models.InventoryItem, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.ListLowStock")
	defer span.End()

	return l.repo.ListLowStock(ctx, pharmacyID)
}

// ListExpiring lists stocked batches expiring within the given number of days
func (l *InventoryLedger) ListExpiring(ctx context.Context, pharmacyID uuid.UUID, withinDays int) ([]models.InventoryItem, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.ListExpiring")
	defer span.End()

	if withinDays < 0 {
		return nil, models.NewValidationError("days must not be negative")
	}
	return l.repo.ListExpiring(ctx, pharmacyID, l.now().AddDate(0, 0, withinDays))
}

// Receive stocks an arriving batch, creating it or topping it up.
// Reports whether a new batch was created.
func (l *InventoryLedger) Receive(ctx context.Context, req ReceiveStockRequest) (*models.InventoryItem, bool, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Receive")
	defer span.End()

	var fields []string
	if req.Quantity <= 0 {
		fields = append(fields, "quantity must be greater than zero")
	}
	if strings.TrimSpace(req.BatchNumber) == "" {
		fields = append(fields, "batch_number is required")
	}
	if req.MinStockLevel < 0 {
		fields = append(fields, "min_stock_level must not be negative")
	}
	if req.SellingPrice.IsNegative() || req.PurchasePrice.IsNegative() {
		fields = append(fields, "prices must not be negative")
	}
	if len(fields) > 0 {
		return nil, false, models.NewValidationError(fields...)
	}

	now := l.now()
	item := &models.InventoryItem{
		ID:            uuid.New(),
		PharmacyID:    req.PharmacyID,
		MedicineID:    req.MedicineID,
		BatchNumber:   req.BatchNumber,
		Quantity:      req.Quantity,
		ExpiryDate:    req.ExpiryDate,
		PurchasePrice: req.PurchasePrice,
		SellingPrice:  req.SellingPrice,
		MinStockLevel: req.MinStockLevel,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	item.Status = item.ComputeStatus(now)

	reason := req.Reason
	if reason == "" {
		reason = "restock"
	}

	res, err := l.repo.ReceiveBatch(ctx, store.BatchReceipt{
		Item:      item,
		Reason:    reason,
		ChangedBy: req.ChangedBy,
		EventID:   req.EventID,
		EventType: req.EventType,
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, false, err
	}

	if res.Created {
		l.logger.Info("Batch stocked",
			zap.String("inventory_item_id", res.Item.ID.String()),
			zap.String("batch_number", req.BatchNumber),
			zap.Int("quantity", req.Quantity))
		return &res.Item, true, nil
	}

	logFields := []zap.Field{
		zap.String("inventory_item_id", res.Item.ID.String()),
		zap.String("batch_number", req.BatchNumber),
		zap.Int("quantity", req.Quantity),
	}
	if res.PriceChange != nil {
		logFields = append(logFields,
			zap.String("old_price", res.PriceChange.OldPrice.String()),
			zap.String("new_price", res.PriceChange.NewPrice.String()))
	}
	l.logger.Info("Batch restocked", logFields...)
	return &res.Item, false, nil
}
