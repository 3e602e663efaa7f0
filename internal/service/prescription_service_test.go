package service

import (
	"context"
	"regexp"
	"testing"
	"time"

	"rx-fulfillment/internal/models"
	"rx-fulfillment/internal/validation"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRoundTrip(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	ctx := context.Background()

	req := newCreateRequest(10, 20, 30)
	created, err := h.prescriptions.Create(ctx, doctor, req)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^RX-\d{8}-[0-9A-F]{8}$`), created.Number)
	assert.Equal(t, models.StatusDraft, created.Status)
	assert.Equal(t, "tenant-a", created.TenantID)
	assert.Equal(t, doctor.ID, created.PrescriberSnapshot.ID, "prescriber defaults to the actor")

	got, err := h.prescriptions.Get(ctx, created.ID, false)
	require.NoError(t, err)
	require.Len(t, got.Items, 3)
	for i, item := range got.Items {
		assert.Equal(t, req.Items[i].Medicine.Name, item.Name)
		assert.Equal(t, req.Items[i].Quantity, item.Quantity)
		assert.Equal(t, req.Items[i].Quantity, item.RemainingQuantity)
		assert.Equal(t, req.Items[i].Dosage, item.Dosage)
	}
	assert.Equal(t, "Ana Lima", got.PatientSnapshot.Name)

	history, err := h.prescriptions.History(ctx, created.ID, doctor.TenantID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.ActionCreated, history[0].Action)
	assert.Equal(t, doctor.ID, history[0].ActorID)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, EngineConfig{})

	tests := []struct {
		name   string
		mutate func(*CreatePrescriptionRequest)
	}{
		{"no items", func(r *CreatePrescriptionRequest) { r.Items = nil }},
		{"no patient", func(r *CreatePrescriptionRequest) { r.Patient.ID = uuid.Nil }},
		{"no prescriber name", func(r *CreatePrescriptionRequest) { r.Prescriber.Name = " " }},
		{"zero quantity", func(r *CreatePrescriptionRequest) { r.Items[0].Quantity = 0 }},
		{"negative refills", func(r *CreatePrescriptionRequest) { r.Items[0].Refills = -1 }},
		{"no medicine id", func(r *CreatePrescriptionRequest) { r.Items[0].Medicine.ID = uuid.Nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newCreateRequest(10)
			tt.mutate(req)
			_, err := h.prescriptions.Create(context.Background(), doctor, req)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestSubmitOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		validator  *stubValidator
		wantStatus models.PrescriptionStatus
		wantErr    error
	}{
		{"pass", passing(), models.StatusValidated, nil},
		{"fail", &stubValidator{verdict: &validation.Verdict{Valid: false, Confidence: 81}}, models.StatusValidationFailed, nil},
		{"unavailable", &stubValidator{err: models.ErrValidationUnavailable}, models.StatusValidationError, models.ErrValidationUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, EngineConfig{})
			svc := NewPrescriptionService(h.store, tt.validator)
			ctx := context.Background()

			p, err := svc.Create(ctx, doctor, newCreateRequest(10))
			require.NoError(t, err)

			_, err = svc.Submit(ctx, p.ID, doctor)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			got, err := svc.Get(ctx, p.ID, false)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, 1, tt.validator.calls)

			if tt.wantErr == nil {
				require.NotNil(t, got.ValidationConfidence)
				assert.Equal(t, tt.validator.verdict.Confidence, *got.ValidationConfidence)
				assert.NotNil(t, got.ValidatedAt)
			}
		})
	}
}

func TestResubmitAfterValidationError(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	ctx := context.Background()
	flaky := &stubValidator{err: models.ErrValidationUnavailable}
	svc := NewPrescriptionService(h.store, flaky)

	p, err := svc.Create(ctx, doctor, newCreateRequest(10))
	require.NoError(t, err)

	_, err = svc.Submit(ctx, p.ID, doctor)
	require.ErrorIs(t, err, models.ErrValidationUnavailable)

	flaky.err = nil
	flaky.verdict = &validation.Verdict{Valid: true, Confidence: 77}
	got, err := svc.Submit(ctx, p.ID, doctor)
	require.NoError(t, err)
	assert.Equal(t, models.StatusValidated, got.Status)
	assert.Equal(t, p.Number, got.Number)
	assert.Equal(t, 2, flaky.calls)
}

func TestFailedValidationIsTerminal(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	ctx := context.Background()
	svc := NewPrescriptionService(h.store, &stubValidator{verdict: &validation.Verdict{Valid: false}})

	p, err := svc.Create(ctx, doctor, newCreateRequest(10))
	require.NoError(t, err)
	_, err = svc.Submit(ctx, p.ID, doctor)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, p.ID, doctor)
	assert.ErrorIs(t, err, models.ErrIllegalStateTransition)
	_, err = svc.Cancel(ctx, p.ID, doctor, "")
	assert.ErrorIs(t, err, models.ErrIllegalStateTransition)
}

func TestReviewTransitions(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	ctx := context.Background()

	p, err := h.prescriptions.Create(ctx, doctor, newCreateRequest(10))
	require.NoError(t, err)

	_, err = h.prescriptions.Approve(ctx, p.ID, pharmacist, "")
	assert.ErrorIs(t, err, models.ErrIllegalStateTransition, "draft cannot be approved")

	_, err = h.prescriptions.Submit(ctx, p.ID, doctor)
	require.NoError(t, err)

	_, err = h.prescriptions.Reject(ctx, p.ID, pharmacist, "")
	assert.ErrorIs(t, err, models.ErrValidation, "reason required")

	approved, err := h.prescriptions.Approve(ctx, p.ID, pharmacist, "checked dosage")
	require.NoError(t, err)
	require.NotNil(t, approved.ReviewedBy)
	assert.Equal(t, pharmacist.ID, *approved.ReviewedBy)
	assert.Equal(t, "checked dosage", approved.ReviewNote)

	cancelled, err := h.prescriptions.Cancel(ctx, p.ID, doctor, "patient moved")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	history, err := h.prescriptions.History(ctx, p.ID, doctor.TenantID)
	require.NoError(t, err)
	var actions []models.HistoryAction
	for _, e := range history {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []models.HistoryAction{
		models.ActionCreated, models.ActionSubmitted, models.ActionValidated,
		models.ActionApproved, models.ActionCancelled,
	}, actions)
	assert.Equal(t, "approved", history[3].Changes["from"])
	assert.Equal(t, "cancelled", history[4].Changes["to"])
}

func TestSoftDelete(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	ctx := context.Background()

	p, err := h.prescriptions.Create(ctx, doctor, newCreateRequest(10))
	require.NoError(t, err)
	require.NoError(t, h.prescriptions.SoftDelete(ctx, p.ID, doctor))

	_, err = h.prescriptions.Get(ctx, p.ID, false)
	assert.ErrorIs(t, err, models.ErrNotFound)

	got, err := h.prescriptions.Get(ctx, p.ID, true)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())

	history, err := h.prescriptions.History(ctx, p.ID, doctor.TenantID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionDeleted, history[len(history)-1].Action)

	assert.ErrorIs(t, h.prescriptions.SoftDelete(ctx, p.ID, doctor), models.ErrNotFound)
}

func TestOtherTenantSeesNothing(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	ctx := context.Background()
	outsider := models.Actor{ID: uuid.New(), Role: models.RolePharmacist, TenantID: "tenant-b"}
	p := h.approved(t, 5)

	_, err := h.prescriptions.GetScoped(ctx, p.ID, outsider.TenantID, false)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.prescriptions.History(ctx, p.ID, outsider.TenantID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.prescriptions.Items(ctx, p.ID, outsider.TenantID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.engine.Dispensings(ctx, p.ID, outsider.TenantID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.prescriptions.Cancel(ctx, p.ID, outsider, "not mine")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, h.prescriptions.SoftDelete(ctx, p.ID, outsider), models.ErrNotFound)
	_, err = h.engine.Verify(ctx, p.ID, VerifyByPrescriptionNumber, p.Number, outsider)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.engine.Dispense(ctx, DispenseRequest{
		PrescriptionID: p.ID,
		PharmacyID:     h.pharmacyID,
		Lines:          []DispenseLine{{PrescriptionItemID: p.Items[0].ID, InventoryItemID: uuid.New(), Quantity: 1}},
	}, outsider)
	assert.ErrorIs(t, err, models.ErrNotFound)

	got, err := h.prescriptions.GetScoped(ctx, p.ID, doctor.TenantID, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, got.Status)

	// an unscoped caller sees every tenant
	_, err = h.prescriptions.GetScoped(ctx, p.ID, "", false)
	assert.NoError(t, err)
}

func TestList(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.prescriptions.Create(ctx, doctor, newCreateRequest(5))
		require.NoError(t, err)
	}
	h.approved(t, 5)

	page, err := h.prescriptions.List(ctx, ListFilter{TenantID: "tenant-a", PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Len(t, page.Prescriptions, 2)
	assert.Equal(t, 1, page.Page)

	approved, err := h.prescriptions.List(ctx, ListFilter{Status: models.StatusApproved})
	require.NoError(t, err)
	assert.Equal(t, 1, approved.Total)

	other, err := h.prescriptions.List(ctx, ListFilter{TenantID: "tenant-b"})
	require.NoError(t, err)
	assert.Zero(t, other.Total)

	_, err = h.prescriptions.List(ctx, ListFilter{Status: "shipped"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestConcurrentTransitionLoses(t *testing.T) {
	h := newHarness(t, EngineConfig{})
	ctx := context.Background()

	p, err := h.prescriptions.Create(ctx, doctor, newCreateRequest(10))
	require.NoError(t, err)

	stale, err := h.store.GetPrescription(ctx, p.ID, false)
	require.NoError(t, err)

	_, err = h.prescriptions.Cancel(ctx, p.ID, doctor, "duplicate")
	require.NoError(t, err)

	stale.Status = models.StatusSubmitted
	stale.UpdatedAt = time.Now().UTC()
	event := models.NewHistoryEvent(stale.ID, models.ActionSubmitted, doctor, "", nil, stale.UpdatedAt)
	err = h.store.SavePrescription(ctx, stale, event)
	assert.ErrorIs(t, err, models.ErrConcurrentModification)
}

func TestNewPrescriptionNumber(t *testing.T) {
	at := time.Date(2024, time.February, 29, 10, 0, 0, 0, time.UTC)
	a := NewPrescriptionNumber(at)
	b := NewPrescriptionNumber(at)

	assert.Regexp(t, `^RX-20240229-[0-9A-F]{8}$`, a)
	assert.NotEqual(t, a, b)
}
