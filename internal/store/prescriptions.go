package store

import (
	"context"
	"fmt"
	"strings"

	"rx-fulfillment/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PrescriptionFilter narrows ListPrescriptions. Zero values are ignored.
type PrescriptionFilter struct {
	TenantID       string
	Status         models.PrescriptionStatus
	PatientID      *uuid.UUID
	PrescriberID   *uuid.UUID
	PharmacyID     *uuid.UUID
	IncludeDeleted bool
	Limit          int
	Offset         int
}

const insertPrescriptionSQL = `
	INSERT INTO prescriptions (
		id, number, tenant_id,
		prescriber_id, prescriber_name, prescriber_license,
		patient_id, patient_name, patient_phone, patient_national_id, patient_dob,
		diagnosis, notes, status,
		validation_valid, validation_confidence, validation_raw, validated_at,
		reviewed_by, reviewed_at, review_note,
		dispensed_by, dispensed_at, pharmacy_id,
		version, deleted_at, created_at, updated_at
	) VALUES (
		:id, :number, :tenant_id,
		:prescriber_id, :prescriber_name, :prescriber_license,
		:patient_id, :patient_name, :patient_phone, :patient_national_id, :patient_dob,
		:diagnosis, :notes, :status,
		:validation_valid, :validation_confidence, :validation_raw, :validated_at,
		:reviewed_by, :reviewed_at, :review_note,
		:dispensed_by, :dispensed_at, :pharmacy_id,
		:version, :deleted_at, :created_at, :updated_at
	)`

const insertItemSQL = `
	INSERT INTO prescription_items (
		id, prescription_id, medicine_id, medicine_name, medicine_strength, medicine_form,
		dosage, frequency, duration, quantity, remaining_quantity, refills_remaining,
		substitution_allowed, warnings
	) VALUES (
		:id, :prescription_id, :medicine_id, :medicine_name, :medicine_strength, :medicine_form,
		:dosage, :frequency, :duration, :quantity, :remaining_quantity, :refills_remaining,
		:substitution_allowed, :warnings
	)`

const insertHistorySQL = `
	INSERT INTO prescription_history (id, prescription_id, action, actor_id, actor_role, note, changes, created_at)
	VALUES (:id, :prescription_id, :action, :actor_id, :actor_role, :note, :changes, :created_at)`

// Only the mutable columns. Number, snapshots and created_at never change.
const updatePrescriptionSQL = `
	UPDATE prescriptions SET
		status = :status,
		validation_valid = :validation_valid,
		validation_confidence = :validation_confidence,
		validation_raw = :validation_raw,
		validated_at = :validated_at,
		reviewed_by = :reviewed_by,
		reviewed_at = :reviewed_at,
		review_note = :review_note,
		dispensed_by = :dispensed_by,
		dispensed_at = :dispensed_at,
		pharmacy_id = :pharmacy_id,
		deleted_at = :deleted_at,
		updated_at = :updated_at,
		version = version + 1
	WHERE id = :id AND version = :version`

// CreatePrescription persists a prescription, its items and its created event atomically
func (s *Store) CreatePrescription(ctx context.Context, p *models.Prescription, event models.HistoryEvent) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertPrescriptionSQL, p); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("prescription %s: %w", p.Number, models.ErrPrescriptionNumberExists)
			}
			return fmt.Errorf("failed to insert prescription: %w", err)
		}

		for i := range p.Items {
			if _, err := tx.NamedExecContext(ctx, insertItemSQL, &p.Items[i]); err != nil {
				return fmt.Errorf("failed to insert prescription item: %w", err)
			}
		}

		if _, err := tx.NamedExecContext(ctx, insertHistorySQL, event); err != nil {
			return fmt.Errorf("failed to insert history event: %w", err)
		}
		return nil
	})
}

// GetPrescription retrieves a prescription with its items
func (s *Store) GetPrescription(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Prescription, error) {
	query := "SELECT * FROM prescriptions WHERE id = ?"
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}

	var p models.Prescription
	if err := s.db.GetContext(ctx, &p, s.q(query), id); err != nil {
		return nil, notFound(err, "prescription", id)
	}

	items, err := s.GetItems(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Items = items
	return &p, nil
}

// GetItems retrieves all items for a prescription
func (s *Store) GetItems(ctx context.Context, prescriptionID uuid.UUID) ([]models.PrescriptionItem, error) {
	items := []models.PrescriptionItem{}
	err := s.db.SelectContext(ctx, &items,
		s.q("SELECT * FROM prescription_items WHERE prescription_id = ? ORDER BY medicine_name, id"), prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load prescription items: %w", err)
	}
	return items, nil
}

// ListPrescriptions returns one page of prescriptions and the total match count
func (s *Store) ListPrescriptions(ctx context.Context, f PrescriptionFilter) ([]models.Prescription, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.PatientID != nil {
		where = append(where, "patient_id = ?")
		args = append(args, *f.PatientID)
	}
	if f.PrescriberID != nil {
		where = append(where, "prescriber_id = ?")
		args = append(args, *f.PrescriberID)
	}
	if f.PharmacyID != nil {
		where = append(where, "pharmacy_id = ?")
		args = append(args, *f.PharmacyID)
	}
	if !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.q("SELECT COUNT(1) FROM prescriptions"+clause), args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count prescriptions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	pageArgs := append(append([]interface{}{}, args...), limit, f.Offset)

	prescriptions := []models.Prescription{}
	err := s.db.SelectContext(ctx, &prescriptions,
		s.q("SELECT * FROM prescriptions"+clause+" ORDER BY created_at DESC, id LIMIT ? OFFSET ?"), pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list prescriptions: %w", err)
	}
	return prescriptions, total, nil
}

// SavePrescription writes the mutable fields of p and appends event, guarded by
// p.Version. On success p.Version is advanced.
func (s *Store) SavePrescription(ctx context.Context, p *models.Prescription, event models.HistoryEvent) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return s.savePrescriptionTx(ctx, tx, p, event)
	})
}

func (s *Store) savePrescriptionTx(ctx context.Context, tx *sqlx.Tx, p *models.Prescription, event models.HistoryEvent) error {
	res, err := tx.NamedExecContext(ctx, updatePrescriptionSQL, p)
	if err != nil {
		return fmt.Errorf("failed to update prescription: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update prescription: %w", err)
	}
	if rows == 0 {
		var count int
		if err := tx.GetContext(ctx, &count, s.q("SELECT COUNT(1) FROM prescriptions WHERE id = ?"), p.ID); err != nil {
			return fmt.Errorf("failed to check prescription: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("prescription %s: %w", p.ID, models.ErrNotFound)
		}
		return fmt.Errorf("prescription %s at version %d: %w", p.ID, p.Version, models.ErrConcurrentModification)
	}

	if _, err := tx.NamedExecContext(ctx, insertHistorySQL, event); err != nil {
		return fmt.Errorf("failed to insert history event: %w", err)
	}

	p.Version++
	return nil
}

// ListHistory returns the audit trail of a prescription, oldest first
func (s *Store) ListHistory(ctx context.Context, prescriptionID uuid.UUID) ([]models.HistoryEvent, error) {
	events := []models.HistoryEvent{}
	err := s.db.SelectContext(ctx, &events,
		s.q("SELECT * FROM prescription_history WHERE prescription_id = ? ORDER BY created_at"), prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return events, nil
}
