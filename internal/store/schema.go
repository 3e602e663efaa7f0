package store

import (
	"context"
	"fmt"
)

// Column types are kept to the subset Postgres and SQLite agree on. Ids are
// stored as text, JSON documents as text.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS prescriptions (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL DEFAULT '',
		prescriber_id TEXT NOT NULL,
		prescriber_name TEXT NOT NULL,
		prescriber_license TEXT NOT NULL DEFAULT '',
		patient_id TEXT NOT NULL,
		patient_name TEXT NOT NULL,
		patient_phone TEXT NOT NULL DEFAULT '',
		patient_national_id TEXT NOT NULL DEFAULT '',
		patient_dob TIMESTAMP NULL,
		diagnosis TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		validation_valid BOOLEAN NULL,
		validation_confidence DOUBLE PRECISION NULL,
		validation_raw TEXT NULL,
		validated_at TIMESTAMP NULL,
		reviewed_by TEXT NULL,
		reviewed_at TIMESTAMP NULL,
		review_note TEXT NOT NULL DEFAULT '',
		dispensed_by TEXT NULL,
		dispensed_at TIMESTAMP NULL,
		pharmacy_id TEXT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		deleted_at TIMESTAMP NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prescriptions_status ON prescriptions (status)`,
	`CREATE INDEX IF NOT EXISTS idx_prescriptions_patient ON prescriptions (patient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_prescriptions_prescriber ON prescriptions (prescriber_id)`,

	`CREATE TABLE IF NOT EXISTS prescription_items (
		id TEXT PRIMARY KEY,
		prescription_id TEXT NOT NULL REFERENCES prescriptions (id),
		medicine_id TEXT NOT NULL,
		medicine_name TEXT NOT NULL,
		medicine_strength TEXT NOT NULL DEFAULT '',
		medicine_form TEXT NOT NULL DEFAULT '',
		dosage TEXT NOT NULL DEFAULT '',
		frequency TEXT NOT NULL DEFAULT '',
		duration TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		remaining_quantity INTEGER NOT NULL CHECK (remaining_quantity >= 0),
		refills_remaining INTEGER NOT NULL DEFAULT 0,
		substitution_allowed BOOLEAN NOT NULL DEFAULT FALSE,
		warnings TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prescription_items_prescription ON prescription_items (prescription_id)`,

	`CREATE TABLE IF NOT EXISTS prescription_history (
		id TEXT PRIMARY KEY,
		prescription_id TEXT NOT NULL REFERENCES prescriptions (id),
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		changes TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prescription_history_prescription ON prescription_history (prescription_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS inventory_items (
		id TEXT PRIMARY KEY,
		pharmacy_id TEXT NOT NULL,
		medicine_id TEXT NOT NULL,
		batch_number TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		expiry_date TIMESTAMP NULL,
		purchase_price NUMERIC(12, 2) NOT NULL DEFAULT 0,
		selling_price NUMERIC(12, 2) NOT NULL DEFAULT 0,
		min_stock_level INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		alert_sent BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (pharmacy_id, medicine_id, batch_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inventory_items_pharmacy_medicine ON inventory_items (pharmacy_id, medicine_id)`,

	`CREATE TABLE IF NOT EXISTS dispensing_records (
		id TEXT PRIMARY KEY,
		prescription_id TEXT NOT NULL REFERENCES prescriptions (id),
		pharmacy_id TEXT NOT NULL,
		dispensed_by TEXT NOT NULL,
		lines TEXT NOT NULL,
		total_amount NUMERIC(12, 2) NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		verification_method TEXT NOT NULL DEFAULT '',
		counseled BOOLEAN NOT NULL DEFAULT FALSE,
		counseling_notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dispensing_records_prescription ON dispensing_records (prescription_id)`,

	`CREATE TABLE IF NOT EXISTS price_history (
		id TEXT PRIMARY KEY,
		inventory_item_id TEXT NOT NULL REFERENCES inventory_items (id),
		pharmacy_id TEXT NOT NULL,
		medicine_id TEXT NOT NULL,
		old_price NUMERIC(12, 2) NOT NULL,
		new_price NUMERIC(12, 2) NOT NULL,
		change_percent NUMERIC(8, 2) NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		changed_by TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_item ON price_history (inventory_item_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
