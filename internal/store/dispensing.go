package store

import (
	"context"
	"fmt"

	"rx-fulfillment/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ItemConsumption reduces one prescription item's remaining quantity.
type ItemConsumption struct {
	PrescriptionItemID uuid.UUID
	Quantity           int
}

// DispenseCommit is everything the prescription side writes for one dispense.
type DispenseCommit struct {
	Record       *models.DispensingRecord
	Prescription *models.Prescription
	Consumed     []ItemConsumption
	Events       []models.HistoryEvent
}

const insertDispensingSQL = `
	INSERT INTO dispensing_records (
		id, prescription_id, pharmacy_id, dispensed_by, lines, total_amount, payment_method,
		verification_method, counseled, counseling_notes, status, created_at
	) VALUES (
		:id, :prescription_id, :pharmacy_id, :dispensed_by, :lines, :total_amount, :payment_method,
		:verification_method, :counseled, :counseling_notes, :status, :created_at
	)`

// CommitDispense writes the dispensing record, consumes item quantities and
// saves the prescription (version checked) with its history events in one
// transaction.
func (s *Store) CommitDispense(ctx context.Context, c DispenseCommit) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertDispensingSQL, c.Record); err != nil {
			return fmt.Errorf("failed to insert dispensing record: %w", err)
		}

		for _, used := range c.Consumed {
			res, err := tx.ExecContext(ctx, s.q(`
				UPDATE prescription_items SET remaining_quantity = remaining_quantity - ?
				WHERE id = ? AND prescription_id = ? AND remaining_quantity >= ?`),
				used.Quantity, used.PrescriptionItemID, c.Prescription.ID, used.Quantity)
			if err != nil {
				return fmt.Errorf("failed to consume prescription item: %w", err)
			}
			rows, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to consume prescription item: %w", err)
			}
			if rows == 0 {
				return fmt.Errorf("prescription item %s: %w", used.PrescriptionItemID, models.ErrConcurrentModification)
			}
		}

		if len(c.Events) == 0 {
			return fmt.Errorf("dispense of %s carries no history event", c.Prescription.ID)
		}
		if err := s.savePrescriptionTx(ctx, tx, c.Prescription, c.Events[0]); err != nil {
			return err
		}
		for _, event := range c.Events[1:] {
			if _, err := tx.NamedExecContext(ctx, insertHistorySQL, event); err != nil {
				return fmt.Errorf("failed to insert history event: %w", err)
			}
		}
		return nil
	})
}

// GetDispensingRecord retrieves a dispensing record by ID
func (s *Store) GetDispensingRecord(ctx context.Context, id uuid.UUID) (*models.DispensingRecord, error) {
	var record models.DispensingRecord
	if err := s.db.GetContext(ctx, &record, s.q("SELECT * FROM dispensing_records WHERE id = ?"), id); err != nil {
		return nil, notFound(err, "dispensing record", id)
	}
	return &record, nil
}

// ListDispensingRecords retrieves all records for a prescription, oldest first
func (s *Store) ListDispensingRecords(ctx context.Context, prescriptionID uuid.UUID) ([]models.DispensingRecord, error) {
	records := []models.DispensingRecord{}
	err := s.db.SelectContext(ctx, &records,
		s.q("SELECT * FROM dispensing_records WHERE prescription_id = ? ORDER BY created_at"), prescriptionID)
	return records, err
}
