package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypePrescriptionDispensed = "prescription.dispensed"
	EventTypeLowStock              = "inventory.low_stock"
	EventTypeExpiring              = "inventory.expiring"
	EventTypeStockReceived         = "inventory.stock_received"
	EventTypePriceChanged          = "inventory.price_changed"
)

// Entity types carried on notification events
const (
	EntityPrescription  = "prescription"
	EntityInventoryItem = "inventory_item"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a new event id and time.
func NewBaseEvent(eventType string, at time.Time) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: at,
	}
}

// NotificationEvent is consumed by the notification collaborator.
type NotificationEvent struct {
	BaseEvent
	EntityType string      `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	TenantID   string      `json:"tenant_id,omitempty"`
	Payload    interface{} `json:"payload"`
}

// PrescriptionDispensedPayload published when a dispensing record is written
type PrescriptionDispensedPayload struct {
	PrescriptionNumber string           `json:"prescription_number"`
	PatientID          uuid.UUID        `json:"patient_id"`
	PharmacyID         uuid.UUID        `json:"pharmacy_id"`
	DispensingRecordID uuid.UUID        `json:"dispensing_record_id"`
	Status             DispensingStatus `json:"status"`
	TotalAmount        decimal.Decimal  `json:"total_amount"`
}

// LowStockPayload published once per depletion episode of a batch
type LowStockPayload struct {
	PharmacyID    uuid.UUID `json:"pharmacy_id"`
	MedicineID    uuid.UUID `json:"medicine_id"`
	BatchNumber   string    `json:"batch_number"`
	Quantity      int       `json:"quantity"`
	MinStockLevel int       `json:"min_stock_level"`
}

// ExpiringPayload published by the expiry sweep
type ExpiringPayload struct {
	PharmacyID  uuid.UUID `json:"pharmacy_id"`
	MedicineID  uuid.UUID `json:"medicine_id"`
	BatchNumber string    `json:"batch_number"`
	Quantity    int       `json:"quantity"`
	ExpiryDate  time.Time `json:"expiry_date"`
}

// StockReceivedEvent is published by the procurement collaborator when a batch arrives
type StockReceivedEvent struct {
	BaseEvent
	PharmacyID    uuid.UUID       `json:"pharmacy_id"`
	MedicineID    uuid.UUID       `json:"medicine_id"`
	BatchNumber   string          `json:"batch_number"`
	Quantity      int             `json:"quantity"`
	ExpiryDate    *time.Time      `json:"expiry_date,omitempty"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	SellingPrice  decimal.Decimal `json:"selling_price"`
	MinStockLevel int             `json:"min_stock_level"`
	ActorID       uuid.UUID       `json:"actor_id"`
}

// PriceChangedEvent is published by the pricing collaborator
type PriceChangedEvent struct {
	BaseEvent
	InventoryItemID uuid.UUID       `json:"inventory_item_id"`
	NewPrice        decimal.Decimal `json:"new_price"`
	Reason          string          `json:"reason"`
	ActorID         uuid.UUID       `json:"actor_id"`
}
