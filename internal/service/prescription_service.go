package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rx-fulfillment/internal/models"
	"rx-fulfillment/internal/store"
	"rx-fulfillment/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const numberAttempts = 3

// PrescriptionService owns the prescription lifecycle
type PrescriptionService struct {
	repo      PrescriptionRepository
	validator Validator
	logger    *zap.Logger
	now       func() time.Time
}

// NewPrescriptionService creates a new prescription service
func NewPrescriptionService(repo PrescriptionRepository, validator Validator) *PrescriptionService {
	return &PrescriptionService{
		repo:      repo,
		validator: validator,
		logger:    util.GetLogger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreatePrescriptionRequest represents a request to create a prescription
type CreatePrescriptionRequest struct {
	Prescriber models.PrescriberSnapshot `json:"prescriber"`
	Patient    models.PatientSnapshot    `json:"patient"`
	Diagnosis  string                    `json:"diagnosis"`
	Notes      string                    `json:"notes"`
	Items      []PrescriptionItemRequest `json:"items"`
}

// PrescriptionItemRequest represents one medicine line of a new prescription
type PrescriptionItemRequest struct {
	Medicine            models.MedicineSnapshot `json:"medicine"`
	Dosage              string                  `json:"dosage"`
	Frequency           string                  `json:"frequency"`
	Duration            string                  `json:"duration"`
	Quantity            int                     `json:"quantity"`
	Refills             int                     `json:"refills"`
	SubstitutionAllowed bool                    `json:"substitution_allowed"`
	Warnings            []string                `json:"warnings"`
}

func (r *CreatePrescriptionRequest) validate() error {
	var fields []string
	if strings.TrimSpace(r.Prescriber.Name) == "" {
		fields = append(fields, "prescriber.name is required")
	}
	if r.Patient.ID == uuid.Nil {
		fields = append(fields, "patient.id is required")
	}
	if strings.TrimSpace(r.Patient.Name) == "" {
		fields = append(fields, "patient.name is required")
	}
	if len(r.Items) == 0 {
		fields = append(fields, "items must not be empty")
	}
	for i, item := range r.Items {
		if item.Quantity <= 0 {
			fields = append(fields, fmt.Sprintf("items[%d].quantity must be greater than zero", i))
		}
		if item.Refills < 0 {
			fields = append(fields, fmt.Sprintf("items[%d].refills must not be negative", i))
		}
		if strings.TrimSpace(item.Medicine.Name) == "" {
			fields = append(fields, fmt.Sprintf("items[%d].medicine.name is required", i))
		}
		if item.Medicine.ID == uuid.Nil {
			fields = append(fields, fmt.Sprintf("items[%d].medicine.id is required", i))
		}
	}
	if len(fields) > 0 {
		return models.NewValidationError(fields...)
	}
	return nil
}

// ListFilter selects prescriptions for listing
type ListFilter struct {
	TenantID       string
	Status         models.PrescriptionStatus
	PatientID      *uuid.UUID
	PrescriberID   *uuid.UUID
	PharmacyID     *uuid.UUID
	IncludeDeleted bool
	Page           int
	PageSize       int
}

// ListResult is one page of prescriptions
type ListResult struct {
	Prescriptions []models.Prescription `json:"prescriptions"`
	Total         int                   `json:"total"`
	Page          int                   `json:"page"`
	PageSize      int                   `json:"page_size"`
}

// Create persists a new draft prescription with its items and a created event
func (s *PrescriptionService) Create(ctx context.Context, actor models.Actor, req *CreatePrescriptionRequest) (*models.Prescription, error) {
	ctx, span := util.StartSpan(ctx, "PrescriptionService.Create")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.now()
	prescriber := req.Prescriber
	if prescriber.ID == uuid.Nil {
		prescriber.ID = actor.ID
	}

	p := &models.Prescription{
		ID:                 uuid.New(),
		TenantID:           actor.TenantID,
		PrescriberSnapshot: prescriber,
		PatientSnapshot:    req.Patient,
		Diagnosis:          req.Diagnosis,
		Notes:              req.Notes,
		Status:             models.StatusDraft,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, item := range req.Items {
		p.Items = append(p.Items, models.PrescriptionItem{
			ID:                  uuid.New(),
			PrescriptionID:      p.ID,
			MedicineSnapshot:    item.Medicine,
			Dosage:              item.Dosage,
			Frequency:           item.Frequency,
			Duration:            item.Duration,
			Quantity:            item.Quantity,
			RemainingQuantity:   item.Quantity,
			RefillsRemaining:    item.Refills,
			SubstitutionAllowed: item.SubstitutionAllowed,
			Warnings:            models.StringList(item.Warnings),
		})
	}

	event := models.NewHistoryEvent(p.ID, models.ActionCreated, actor, "",
		models.FieldChanges{"status": string(models.StatusDraft), "items": len(p.Items)}, now)

	var err error
	for attempt := 0; attempt < numberAttempts; attempt++ {
		p.Number = NewPrescriptionNumber(now)
		err = s.repo.CreatePrescription(ctx, p, event)
		if !errors.Is(err, models.ErrPrescriptionNumberExists) {
			break
		}
		s.logger.Warn("Prescription number collision, regenerating", zap.String("number", p.Number))
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to create prescription: %w", err)
	}

	util.PrescriptionsCreatedTotal.Inc()
	s.logger.Info("Prescription created",
		zap.String("prescription_id", p.ID.String()),
		zap.String("number", p.Number),
		zap.Int("items", len(p.Items)))

	return p, nil
}

// NewPrescriptionNumber builds an RX-YYYYMMDD-XXXXXXXX number
func NewPrescriptionNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("RX-%s-%s", at.Format("20060102"), suffix)
}

// Get retrieves a prescription with its items
func (s *PrescriptionService) Get(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Prescription, error) {
	ctx, span := util.StartSpan(ctx, "PrescriptionService.Get")
	defer span.End()

	return s.repo.GetPrescription(ctx, id, includeDeleted)
}

// GetScoped retrieves a prescription visible to the tenant. Another
// tenant's prescription reads as not found; an empty tenant is unscoped.
func (s *PrescriptionService) GetScoped(ctx context.Context, id uuid.UUID, tenantID string, includeDeleted bool) (*models.Prescription, error) {
	ctx, span := util.StartSpan(ctx, "PrescriptionService.GetScoped")
	defer span.End()

	return loadScoped(ctx, s.repo, id, tenantID, includeDeleted)
}

func loadScoped(ctx context.Context, repo PrescriptionRepository, id uuid.UUID, tenantID string, includeDeleted bool) (*models.Prescription, error) {
	p, err := repo.GetPrescription(ctx, id, includeDeleted)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && p.TenantID != tenantID {
		return nil, fmt.Errorf("prescription %s: %w", id, models.ErrNotFound)
	}
	return p, nil
}

// List retrieves one page of prescriptions
func (s *PrescriptionService) List(ctx context.Context, f ListFilter) (*ListResult, error) {
	ctx, span := util.StartSpan(ctx, "PrescriptionService.List")
	defer span.End()

	if f.Status != "" && !f.Status.Valid() {
		return nil, models.NewValidationError(fmt.Sprintf("status %q is not a prescription status", f.Status))
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}

	prescriptions, total, err := s.repo.ListPrescriptions(ctx, store.PrescriptionFilter{
		TenantID:       f.TenantID,
		Status:         f.Status,
		PatientID:      f.PatientID,
		PrescriberID:   f.PrescriberID,
		PharmacyID:     f.PharmacyID,
		IncludeDeleted: f.IncludeDeleted,
		Limit:          f.PageSize,
		Offset:         (f.Page - 1) * f.PageSize,
	})
	if err != nil {
		return nil, err
	}

	return &ListResult{Prescriptions: prescriptions, Total: total, Page: f.Page, PageSize: f.PageSize}, nil
}

// Items retrieves the medicine lines of a prescription
func (s *PrescriptionService) Items(ctx context.Context, id uuid.UUID, tenantID string) ([]models.PrescriptionItem, error) {
	if _, err := loadScoped(ctx, s.repo, id, tenantID, true); err != nil {
		return nil, err
	}
	return s.repo.GetItems(ctx, id)
}

// History retrieves the audit trail of a prescription
func (s *PrescriptionService) History(ctx context.Context, id uuid.UUID, tenantID string) ([]models.HistoryEvent, error) {
	ctx, span := util.StartSpan(ctx, "PrescriptionService.History")
	defer span.End()

	if _, err := loadScoped(ctx, s.repo, id, tenantID, true); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, id)
}

// Transition moves a prescription along a legal edge and appends one history event
func (s *PrescriptionService) Transition(ctx context.Context, id uuid.UUID, target models.PrescriptionStatus, actor models.Actor, reason string) (*models.Prescription, error) {
	ctx, span := util.StartSpan(ctx, "PrescriptionService.Transition")
	defer span.End()

	p, err := loadScoped(ctx, s.repo, id, actor.TenantID, false)
	if err != nil {
		return nil, err
	}

	if err := s.apply(ctx, p, target, actor, reason, nil); err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return p, nil
}

// apply validates and persists one transition of an already loaded prescription.
func (s *PrescriptionService) apply(ctx context.Context, p *models.Prescription, target models.PrescriptionStatus, actor models.Actor, reason string, extra models.FieldChanges) error {
	if err := models.CheckTransition(p.Status, target); err != nil {
		s.logger.Info("Rejected illegal transition",
			zap.String("prescription_id", p.ID.String()),
			zap.String("from", string(p.Status)),
			zap.String("to", string(target)))
		return err
	}

	now := s.now()
	from := p.Status
	p.Status = target
	p.UpdatedAt = now

	switch target {
	case models.StatusApproved, models.StatusRejected:
		reviewer := actor.ID
		p.ReviewedBy = &reviewer
		p.ReviewedAt = &now
		p.ReviewNote = reason
	}

	changes := models.FieldChanges{"from": string(from), "to": string(target)}
	for k, v := range extra {
		changes[k] = v
	}
	event := models.NewHistoryEvent(p.ID, models.ActionFor(target), actor, reason, changes, now)

	if err := s.repo.SavePrescription(ctx, p, event); err != nil {
		p.Status = from
		return fmt.Errorf("failed to transition prescription %s to %s: %w", p.ID, target, err)
	}

	util.PrescriptionTransitionsTotal.WithLabelValues(string(target)).Inc()
	s.logger.Info("Prescription transitioned",
		zap.String("prescription_id", p.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("actor_id", actor.ID.String()))
	return nil
}

// Submit sends a draft (or a prescription whose validation errored) to the
// validation judge and records the outcome. When the judge is unreachable
// the prescription ends in validation_error and ErrValidationUnavailable is
// returned.
func (s *PrescriptionService) Submit(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.Prescription, error) {
	ctx, span := util.StartSpan(ctx, "PrescriptionService.Submit")
	defer span.End()

	p, err := loadScoped(ctx, s.repo, id, actor.TenantID, false)
	if err != nil {
		return nil, err
	}

	if err := s.apply(ctx, p, models.StatusSubmitted, actor, "", nil); err != nil {
		return nil, err
	}

	verdict, verr := s.validator.Submit(ctx, p)

	// the outcome is recorded even if the caller went away meanwhile
	ctx = context.WithoutCancel(ctx)
	now := s.now()

	if verr != nil {
		util.ValidationOutcomesTotal.WithLabelValues("error").Inc()
		s.logger.Warn("Validation unavailable",
			zap.String("prescription_id", p.ID.String()),
			zap.Error(verr))
		if err := s.apply(ctx, p, models.StatusValidationError, models.SystemActor, "validation unavailable", models.FieldChanges{"error": verr.Error()}); err != nil {
			return nil, err
		}
		if !errors.Is(verr, models.ErrValidationUnavailable) {
			verr = fmt.Errorf("%w: %v", models.ErrValidationUnavailable, verr)
		}
		return nil, verr
	}

	valid := verdict.Valid
	confidence := verdict.Confidence
	p.ValidationValid = &valid
	p.ValidationConfidence = &confidence
	p.ValidationRaw = verdict.Raw
	p.ValidatedAt = &now

	target, outcome := models.StatusValidated, "pass"
	if !verdict.Valid {
		target, outcome = models.StatusValidationFailed, "fail"
	}
	util.ValidationOutcomesTotal.WithLabelValues(outcome).Inc()

	if err := s.apply(ctx, p, target, models.SystemActor, "", models.FieldChanges{"valid": valid, "confidence": confidence}); err != nil {
		return nil, err
	}
	return p, nil
}

// Approve moves a validated prescription to approved
func (s *PrescriptionService) Approve(ctx context.Context, id uuid.UUID, actor models.Actor, note string) (*models.Prescription, error) {
	return s.Transition(ctx, id, models.StatusApproved, actor, note)
}

// Reject moves a validated prescription to rejected
func (s *PrescriptionService) Reject(ctx context.Context, id uuid.UUID, actor models.Actor, reason string) (*models.Prescription, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, models.NewValidationError("reason is required to reject")
	}
	return s.Transition(ctx, id, models.StatusRejected, actor, reason)
}

// Cancel cancels a prescription that has not been dispensed
func (s *PrescriptionService) Cancel(ctx context.Context, id uuid.UUID, actor models.Actor, reason string) (*models.Prescription, error) {
	return s.Transition(ctx, id, models.StatusCancelled, actor, reason)
}

// SoftDelete marks a prescription deleted without removing any of its data
func (s *PrescriptionService) SoftDelete(ctx context.Context, id uuid.UUID, actor models.Actor) error {
	ctx, span := util.StartSpan(ctx, "PrescriptionService.SoftDelete")
	defer span.End()

	p, err := loadScoped(ctx, s.repo, id, actor.TenantID, false)
	if err != nil {
		return err
	}

	now := s.now()
	p.DeletedAt = &now
	p.UpdatedAt = now
	event := models.NewHistoryEvent(p.ID, models.ActionDeleted, actor, "",
		models.FieldChanges{"deleted_at": now.Format(time.RFC3339)}, now)

	if err := s.repo.SavePrescription(ctx, p, event); err != nil {
		return fmt.Errorf("failed to delete prescription: %w", err)
	}

	s.logger.Info("Prescription soft-deleted",
		zap.String("prescription_id", p.ID.String()),
		zap.String("actor_id", actor.ID.String()))
	return nil
}
