package service

import (
	"context"
	"time"

	"rx-fulfillment/internal/models"
	"rx-fulfillment/internal/store"
	"rx-fulfillment/internal/validation"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PrescriptionRepository persists prescriptions, items and history
type PrescriptionRepository interface {
	CreatePrescription(ctx context.Context, p *models.Prescription, event models.HistoryEvent) error
	GetPrescription(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Prescription, error)
	ListPrescriptions(ctx context.Context, f store.PrescriptionFilter) ([]models.Prescription, int, error)
	GetItems(ctx context.Context, prescriptionID uuid.UUID) ([]models.PrescriptionItem, error)
	SavePrescription(ctx context.Context, p *models.Prescription, event models.HistoryEvent) error
	ListHistory(ctx context.Context, prescriptionID uuid.UUID) ([]models.HistoryEvent, error)
}

// DispensingRepository persists dispensing records
type DispensingRepository interface {
	CommitDispense(ctx context.Context, c store.DispenseCommit) error
	GetDispensingRecord(ctx context.Context, id uuid.UUID) (*models.DispensingRecord, error)
	ListDispensingRecords(ctx context.Context, prescriptionID uuid.UUID) ([]models.DispensingRecord, error)
}

// InventoryRepository persists pharmacy batches
type InventoryRepository interface {
	ReceiveBatch(ctx context.Context, r store.BatchReceipt) (*store.ReceiveResult, error)
	GetInventoryItem(ctx context.Context, id uuid.UUID) (*models.InventoryItem, error)
	GetInventoryItemsByIDs(ctx context.Context, pharmacyID uuid.UUID, ids []uuid.UUID) ([]models.InventoryItem, error)
	Availability(ctx context.Context, pharmacyID, medicineID uuid.UUID, now time.Time) (int, decimal.NullDecimal, error)
	DecrementStock(ctx context.Context, pharmacyID uuid.UUID, lines []store.StockLine) ([]models.InventoryItem, error)
	RestoreStock(ctx context.Context, pharmacyID uuid.UUID, lines []store.StockLine) ([]models.InventoryItem, error)
	UpdateInventoryStatus(ctx context.Context, id uuid.UUID, status models.InventoryStatus) error
	SetAlertSent(ctx context.Context, id uuid.UUID, from, to bool) (bool, error)
	ClaimLowStockAlert(ctx context.Context, id uuid.UUID) (bool, error)
	ResetLowStockAlert(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateSellingPrice(ctx context.Context, id uuid.UUID, price decimal.Decimal) (*models.InventoryItem, error)
	ListLowStock(ctx context.Context, pharmacyID uuid.UUID) ([]models.InventoryItem, error)
	ListExpiring(ctx context.Context, pharmacyID uuid.UUID, cutoff time.Time) ([]models.InventoryItem, error)
	ListPharmacyIDs(ctx context.Context) ([]uuid.UUID, error)
}

// PriceHistoryRepository persists price transitions
type PriceHistoryRepository interface {
	InsertPriceHistory(ctx context.Context, entry *models.PriceHistoryEntry) error
	ListPriceHistory(ctx context.Context, inventoryItemID uuid.UUID) ([]models.PriceHistoryEntry, error)
}

// EventLog records consumed events for idempotent handling
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Notifier publishes notification events
type Notifier interface {
	PublishPrescriptionDispensed(ctx context.Context, p *models.Prescription, record *models.DispensingRecord) error
	PublishLowStock(ctx context.Context, item *models.InventoryItem) error
	PublishExpiring(ctx context.Context, item *models.InventoryItem) error
}

// Validator obtains a verdict from the validation judge
type Validator interface {
	Submit(ctx context.Context, p *models.Prescription) (*validation.Verdict, error)
}

// SessionStore holds short-lived dispensing state
type SessionStore interface {
	SaveVerificationSession(ctx context.Context, token string, session models.VerificationSession, ttl time.Duration) error
	GetVerificationSession(ctx context.Context, prescriptionID uuid.UUID, token string) (*models.VerificationSession, error)
	DeleteVerificationSession(ctx context.Context, prescriptionID uuid.UUID, token string) error
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetIdempotencyKey(ctx context.Context, key string) (string, bool, error)
}

// OnceMarker deduplicates alerts within a window
type OnceMarker interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
