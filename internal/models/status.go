package models

// PrescriptionStatus is a state of the prescription workflow.
type PrescriptionStatus string

// Prescription statuses
const (
	StatusDraft            PrescriptionStatus = "draft"
	StatusSubmitted        PrescriptionStatus = "submitted"
	StatusValidated        PrescriptionStatus = "validated"
	StatusValidationFailed PrescriptionStatus = "validation_failed"
	StatusValidationError  PrescriptionStatus = "validation_error"
	StatusApproved         PrescriptionStatus = "approved"
	StatusRejected         PrescriptionStatus = "rejected"
	StatusDispensed        PrescriptionStatus = "dispensed"
	StatusCancelled        PrescriptionStatus = "cancelled"
)

// Legal edges. A partial dispense keeps the prescription approved and is not
// a transition.
var transitions = map[PrescriptionStatus][]PrescriptionStatus{
	StatusDraft:           {StatusSubmitted, StatusCancelled},
	StatusSubmitted:       {StatusValidated, StatusValidationFailed, StatusValidationError, StatusCancelled},
	StatusValidationError: {StatusSubmitted},
	StatusValidated:       {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:        {StatusDispensed, StatusCancelled},
}

// Valid reports whether s is a known status.
func (s PrescriptionStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusValidated, StatusValidationFailed, StatusValidationError,
		StatusApproved, StatusRejected, StatusDispensed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s PrescriptionStatus) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to PrescriptionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a *TransitionError when from -> to is not legal.
func CheckTransition(from, to PrescriptionStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// InventoryStatus is derived from quantity, threshold and expiry.
type InventoryStatus string

// Inventory statuses
const (
	InventoryStatusInStock    InventoryStatus = "in_stock"
	InventoryStatusLowStock   InventoryStatus = "low_stock"
	InventoryStatusOutOfStock InventoryStatus = "out_of_stock"
	InventoryStatusExpired    InventoryStatus = "expired"
)

// HistoryAction tags a prescription history event.
type HistoryAction string

// History actions
const (
	ActionCreated            HistoryAction = "created"
	ActionSubmitted          HistoryAction = "submitted"
	ActionValidated          HistoryAction = "validated"
	ActionValidationFailed   HistoryAction = "validation_failed"
	ActionValidationError    HistoryAction = "validation_error"
	ActionApproved           HistoryAction = "approved"
	ActionRejected           HistoryAction = "rejected"
	ActionCancelled          HistoryAction = "cancelled"
	ActionDispensed          HistoryAction = "dispensed"
	ActionPartiallyDispensed HistoryAction = "partially_dispensed"
	ActionDeleted            HistoryAction = "deleted"
)

// ActionFor maps a target status to the history action recorded for entering it.
func ActionFor(to PrescriptionStatus) HistoryAction {
	switch to {
	case StatusSubmitted:
		return ActionSubmitted
	case StatusValidated:
		return ActionValidated
	case StatusValidationFailed:
		return ActionValidationFailed
	case StatusValidationError:
		return ActionValidationError
	case StatusApproved:
		return ActionApproved
	case StatusRejected:
		return ActionRejected
	case StatusDispensed:
		return ActionDispensed
	case StatusCancelled:
		return ActionCancelled
	}
	return HistoryAction(to)
}
