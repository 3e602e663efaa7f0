package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Actor is the authenticated caller supplied by the identity collaborator.
type Actor struct {
	ID       uuid.UUID `json:"id"`
	Role     string    `json:"role"`
	TenantID string    `json:"tenant_id"`
}

// Actor roles
const (
	RoleDoctor     = "doctor"
	RolePharmacist = "pharmacist"
	RoleAdmin      = "admin"
	RoleSystem     = "system"
)

// SystemActor is used for state changes driven by the service itself.
var SystemActor = Actor{ID: uuid.Nil, Role: RoleSystem}

// PrescriberSnapshot freezes the prescriber's identity at prescribing time.
type PrescriberSnapshot struct {
	ID      uuid.UUID `db:"prescriber_id" json:"id"`
	Name    string    `db:"prescriber_name" json:"name"`
	License string    `db:"prescriber_license" json:"license"`
}

// PatientSnapshot freezes the patient's identifying fields at prescribing time.
type PatientSnapshot struct {
	ID          uuid.UUID  `db:"patient_id" json:"id"`
	Name        string     `db:"patient_name" json:"name"`
	Phone       string     `db:"patient_phone" json:"phone,omitempty"`
	NationalID  string     `db:"patient_national_id" json:"national_id,omitempty"`
	DateOfBirth *time.Time `db:"patient_dob" json:"date_of_birth,omitempty"`
}

// MedicineSnapshot freezes the medicine description on a prescription line.
type MedicineSnapshot struct {
	ID       uuid.UUID `db:"medicine_id" json:"id"`
	Name     string    `db:"medicine_name" json:"name"`
	Strength string    `db:"medicine_strength" json:"strength,omitempty"`
	Form     string    `db:"medicine_form" json:"form,omitempty"`
}

// Prescription is the aggregate root of the fulfillment workflow.
type Prescription struct {
	ID       uuid.UUID `db:"id" json:"id"`
	Number   string    `db:"number" json:"number"`
	TenantID string    `db:"tenant_id" json:"tenant_id"`

	PrescriberSnapshot `json:"prescriber"`
	PatientSnapshot    `json:"patient"`

	Diagnosis string             `db:"diagnosis" json:"diagnosis,omitempty"`
	Notes     string             `db:"notes" json:"notes,omitempty"`
	Status    PrescriptionStatus `db:"status" json:"status"`

	ValidationValid      *bool       `db:"validation_valid" json:"validation_valid,omitempty"`
	ValidationConfidence *float64    `db:"validation_confidence" json:"validation_confidence,omitempty"`
	ValidationRaw        RawDocument `db:"validation_raw" json:"validation_raw,omitempty"`
	ValidatedAt          *time.Time  `db:"validated_at" json:"validated_at,omitempty"`

	ReviewedBy *uuid.UUID `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	ReviewNote string     `db:"review_note" json:"review_note,omitempty"`

	DispensedBy *uuid.UUID `db:"dispensed_by" json:"dispensed_by,omitempty"`
	DispensedAt *time.Time `db:"dispensed_at" json:"dispensed_at,omitempty"`
	PharmacyID  *uuid.UUID `db:"pharmacy_id" json:"pharmacy_id,omitempty"`

	Version   int        `db:"version" json:"version"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`

	Items []PrescriptionItem `db:"-" json:"items,omitempty"`
}

// IsDeleted reports whether the prescription carries a soft-delete marker.
func (p *Prescription) IsDeleted() bool {
	return p.DeletedAt != nil
}

// PrescriptionItem is one medicine line of a prescription.
type PrescriptionItem struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PrescriptionID uuid.UUID `db:"prescription_id" json:"prescription_id"`

	MedicineSnapshot `json:"medicine"`

	Dosage              string     `db:"dosage" json:"dosage"`
	Frequency           string     `db:"frequency" json:"frequency"`
	Duration            string     `db:"duration" json:"duration"`
	Quantity            int        `db:"quantity" json:"quantity"`
	RemainingQuantity   int        `db:"remaining_quantity" json:"remaining_quantity"`
	RefillsRemaining    int        `db:"refills_remaining" json:"refills_remaining"`
	SubstitutionAllowed bool       `db:"substitution_allowed" json:"substitution_allowed"`
	Warnings            StringList `db:"warnings" json:"warnings,omitempty"`
}

// HistoryEvent is an append-only audit entry for a prescription.
type HistoryEvent struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	PrescriptionID uuid.UUID     `db:"prescription_id" json:"prescription_id"`
	Action         HistoryAction `db:"action" json:"action"`
	ActorID        uuid.UUID     `db:"actor_id" json:"actor_id"`
	ActorRole      string        `db:"actor_role" json:"actor_role"`
	Note           string        `db:"note" json:"note,omitempty"`
	Changes        FieldChanges  `db:"changes" json:"changes,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}

// NewHistoryEvent builds an event stamped with a fresh id.
func NewHistoryEvent(prescriptionID uuid.UUID, action HistoryAction, actor Actor, note string, changes FieldChanges, at time.Time) HistoryEvent {
	return HistoryEvent{
		ID:             uuid.New(),
		PrescriptionID: prescriptionID,
		Action:         action,
		ActorID:        actor.ID,
		ActorRole:      actor.Role,
		Note:           note,
		Changes:        changes,
		CreatedAt:      at,
	}
}

// InventoryItem is one batch of one medicine held by one pharmacy.
type InventoryItem struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	PharmacyID    uuid.UUID       `db:"pharmacy_id" json:"pharmacy_id"`
	MedicineID    uuid.UUID       `db:"medicine_id" json:"medicine_id"`
	BatchNumber   string          `db:"batch_number" json:"batch_number"`
	Quantity      int             `db:"quantity" json:"quantity"`
	ExpiryDate    *time.Time      `db:"expiry_date" json:"expiry_date,omitempty"`
	PurchasePrice decimal.Decimal `db:"purchase_price" json:"purchase_price"`
	SellingPrice  decimal.Decimal `db:"selling_price" json:"selling_price"`
	MinStockLevel int             `db:"min_stock_level" json:"min_stock_level"`
	Status        InventoryStatus `db:"status" json:"status"`
	AlertSent     bool            `db:"alert_sent" json:"alert_sent"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// IsExpired reports whether the batch is past its expiry date at now.
func (i *InventoryItem) IsExpired(now time.Time) bool {
	return i.ExpiryDate != nil && !i.ExpiryDate.After(now)
}

// IsLow reports whether the quantity is at or below the minimum stock level.
func (i *InventoryItem) IsLow() bool {
	return i.Quantity <= i.MinStockLevel
}

// ComputeStatus derives the stock status from quantity, threshold and expiry.
func (i *InventoryItem) ComputeStatus(now time.Time) InventoryStatus {
	switch {
	case i.IsExpired(now):
		return InventoryStatusExpired
	case i.Quantity <= 0:
		return InventoryStatusOutOfStock
	case i.IsLow():
		return InventoryStatusLowStock
	default:
		return InventoryStatusInStock
	}
}

// DispensedLine is one batch-level line of a dispensing record.
type DispensedLine struct {
	InventoryItemID    uuid.UUID       `json:"inventory_item_id"`
	PrescriptionItemID uuid.UUID       `json:"prescription_item_id"`
	MedicineID         uuid.UUID       `json:"medicine_id"`
	BatchNumber        string          `json:"batch_number"`
	Quantity           int             `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
}

// Subtotal is quantity times unit price.
func (l DispensedLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// DispensingRecord is written exactly once per dispensing action.
type DispensingRecord struct {
	ID                 uuid.UUID        `db:"id" json:"id"`
	PrescriptionID     uuid.UUID        `db:"prescription_id" json:"prescription_id"`
	PharmacyID         uuid.UUID        `db:"pharmacy_id" json:"pharmacy_id"`
	DispensedBy        uuid.UUID        `db:"dispensed_by" json:"dispensed_by"`
	Lines              DispensedLines   `db:"lines" json:"lines"`
	TotalAmount        decimal.Decimal  `db:"total_amount" json:"total_amount"`
	PaymentMethod      string           `db:"payment_method" json:"payment_method,omitempty"`
	VerificationMethod string           `db:"verification_method" json:"verification_method"`
	Counseled          bool             `db:"counseled" json:"counseled"`
	CounselingNotes    string           `db:"counseling_notes" json:"counseling_notes,omitempty"`
	Status             DispensingStatus `db:"status" json:"status"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
}

// Dispensing record statuses
type DispensingStatus string

const (
	DispensingStatusCompleted DispensingStatus = "completed"
	DispensingStatusPartial   DispensingStatus = "partial"
	DispensingStatusCancelled DispensingStatus = "cancelled"
)

// PriceHistoryEntry records one selling price transition of a batch.
type PriceHistoryEntry struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	InventoryItemID uuid.UUID       `db:"inventory_item_id" json:"inventory_item_id"`
	PharmacyID      uuid.UUID       `db:"pharmacy_id" json:"pharmacy_id"`
	MedicineID      uuid.UUID       `db:"medicine_id" json:"medicine_id"`
	OldPrice        decimal.Decimal `db:"old_price" json:"old_price"`
	NewPrice        decimal.Decimal `db:"new_price" json:"new_price"`
	ChangePercent   decimal.Decimal `db:"change_percent" json:"change_percent"`
	Reason          string          `db:"reason" json:"reason"`
	ChangedBy       uuid.UUID       `db:"changed_by" json:"changed_by"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

var hundred = decimal.NewFromInt(100)

// PercentChange is (new - old) / old * 100 rounded to two places; zero when old is zero.
func PercentChange(oldPrice, newPrice decimal.Decimal) decimal.Decimal {
	if oldPrice.IsZero() {
		return decimal.Zero
	}
	return newPrice.Sub(oldPrice).Div(oldPrice).Mul(hundred).Round(2)
}

// NewPriceChange builds the history entry for a batch moving from oldPrice to newPrice.
func NewPriceChange(item *InventoryItem, oldPrice, newPrice decimal.Decimal, reason string, changedBy uuid.UUID, at time.Time) *PriceHistoryEntry {
	return &PriceHistoryEntry{
		ID:              uuid.New(),
		InventoryItemID: item.ID,
		PharmacyID:      item.PharmacyID,
		MedicineID:      item.MedicineID,
		OldPrice:        oldPrice,
		NewPrice:        newPrice,
		ChangePercent:   PercentChange(oldPrice, newPrice),
		Reason:          reason,
		ChangedBy:       changedBy,
		CreatedAt:       at,
	}
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// VerificationSession proves a patient identity check for one prescription.
type VerificationSession struct {
	PrescriptionID uuid.UUID `json:"prescription_id"`
	Method         string    `json:"method"`
	VerifiedBy     uuid.UUID `json:"verified_by"`
	VerifiedAt     time.Time `json:"verified_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}
