package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrValidation               = errors.New("validation error")
	ErrIllegalStateTransition   = errors.New("illegal state transition")
	ErrVerificationFailed       = errors.New("verification failed")
	ErrVerificationRequired     = errors.New("verification required")
	ErrInsufficientStock        = errors.New("insufficient stock")
	ErrValidationUnavailable    = errors.New("validation unavailable, retry later")
	ErrConcurrentModification   = errors.New("concurrent modification")
	ErrStorageFault             = errors.New("storage fault")
	ErrPrescriptionNumberExists = errors.New("prescription number already exists")
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a ValidationError from field messages.
func NewValidationError(fields ...string) *ValidationError {
	return &ValidationError{Fields: fields}
}

// TransitionError reports a workflow edge that the state machine forbids.
type TransitionError struct {
	From PrescriptionStatus
	To   PrescriptionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal state transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalStateTransition
}

// Shortfall describes one stock line that could not be satisfied.
type Shortfall struct {
	InventoryItemID uuid.UUID `json:"inventory_item_id"`
	Requested       int       `json:"requested"`
	Available       int       `json:"available"`
	Missing         int       `json:"missing"`
}

// InsufficientStockError is an expected business outcome of a decrement.
type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s: requested=%d available=%d", s.InventoryItemID, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// AsInsufficientStock extracts the shortfall report from err, if any.
func AsInsufficientStock(err error) (*InsufficientStockError, bool) {
	var ise *InsufficientStockError
	if errors.As(err, &ise) {
		return ise, true
	}
	return nil, false
}
