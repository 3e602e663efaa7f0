package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rx-fulfillment/internal/models"
	"rx-fulfillment/internal/redisclient"
	"rx-fulfillment/internal/store"
	"rx-fulfillment/internal/validation"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	doctor     = models.Actor{ID: uuid.New(), Role: models.RoleDoctor, TenantID: "tenant-a"}
	pharmacist = models.Actor{ID: uuid.New(), Role: models.RolePharmacist, TenantID: "tenant-a"}
)

type recordingNotifier struct {
	mu           sync.Mutex
	dispensed    []uuid.UUID
	lowStock     []uuid.UUID
	expiring     []uuid.UUID
	lowStockErr  error
	dispensedErr error
}

func (n *recordingNotifier) PublishPrescriptionDispensed(_ context.Context, p *models.Prescription, _ *models.DispensingRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dispensedErr != nil {
		return n.dispensedErr
	}
	n.dispensed = append(n.dispensed, p.ID)
	return nil
}

func (n *recordingNotifier) PublishLowStock(_ context.Context, item *models.InventoryItem) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lowStockErr != nil {
		return n.lowStockErr
	}
	n.lowStock = append(n.lowStock, item.ID)
	return nil
}

func (n *recordingNotifier) PublishExpiring(_ context.Context, item *models.InventoryItem) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expiring = append(n.expiring, item.ID)
	return nil
}

func (n *recordingNotifier) lowStockCount(id uuid.UUID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, got := range n.lowStock {
		if got == id {
			count++
		}
	}
	return count
}

type stubValidator struct {
	verdict *validation.Verdict
	err     error
	calls   int
}

func (v *stubValidator) Submit(_ context.Context, _ *models.Prescription) (*validation.Verdict, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	return v.verdict, nil
}

func passing() *stubValidator {
	return &stubValidator{verdict: &validation.Verdict{Valid: true, Confidence: 92, Raw: models.RawDocument(`{"summary":"ok"}`)}}
}

// failingCommits makes the prescription-side write of a dispense fail.
type failingCommits struct {
	*store.Store
	err error
}

func (f *failingCommits) CommitDispense(context.Context, store.DispenseCommit) error {
	return f.err
}

type harness struct {
	store         *store.Store
	redis         *redisclient.Client
	mr            *miniredis.Miniredis
	notifier      *recordingNotifier
	validator     *stubValidator
	prescriptions *PrescriptionService
	ledger        *InventoryLedger
	alerts        *AlertRecorder
	engine        *DispensingEngine
	supply        *SupplyHandler
	pharmacyID    uuid.UUID
}

func newHarness(t *testing.T, cfg EngineConfig) *harness {
	t.Helper()

	s, err := store.NewStore(store.DriverSQLite, "file::memory:?_time_format=sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	mr := miniredis.RunT(t)
	rc, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	h := &harness{
		store:      s,
		redis:      rc,
		mr:         mr,
		notifier:   &recordingNotifier{},
		validator:  passing(),
		pharmacyID: uuid.New(),
	}
	h.prescriptions = NewPrescriptionService(s, h.validator)
	h.ledger = NewInventoryLedger(s)
	h.alerts = NewAlertRecorder(s, s, h.notifier, rc)
	h.engine = NewDispensingEngine(s, s, h.ledger, h.alerts, rc, h.notifier, cfg)
	h.supply = NewSupplyHandler(s, h.ledger, h.alerts)
	return h
}

func newCreateRequest(quantities ...int) *CreatePrescriptionRequest {
	dob := time.Date(1980, time.March, 14, 0, 0, 0, 0, time.UTC)
	req := &CreatePrescriptionRequest{
		Prescriber: models.PrescriberSnapshot{Name: "Dr. Okafor", License: "MD-1234"},
		Patient: models.PatientSnapshot{
			ID:          uuid.New(),
			Name:        "Ana Lima",
			Phone:       "+55 (11) 99999-0000",
			NationalID:  "NID-778812",
			DateOfBirth: &dob,
		},
		Diagnosis: "hypertension",
	}
	for i, qty := range quantities {
		req.Items = append(req.Items, PrescriptionItemRequest{
			Medicine:  models.MedicineSnapshot{ID: uuid.New(), Name: string(rune('A'+i)) + "-pril", Strength: "10mg", Form: "tablet"},
			Dosage:    "1 tablet",
			Frequency: "once daily",
			Duration:  "30 days",
			Quantity:  qty,
		})
	}
	return req
}

// approved creates a prescription and drives it to approved.
func (h *harness) approved(t *testing.T, quantities ...int) *models.Prescription {
	t.Helper()
	ctx := context.Background()

	p, err := h.prescriptions.Create(ctx, doctor, newCreateRequest(quantities...))
	require.NoError(t, err)
	_, err = h.prescriptions.Submit(ctx, p.ID, doctor)
	require.NoError(t, err)
	p, err = h.prescriptions.Approve(ctx, p.ID, pharmacist, "")
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, p.Status)
	return p
}

// stock puts a batch of the item's medicine on the shelf.
func (h *harness) stock(t *testing.T, item models.PrescriptionItem, qty, minLevel int, price string) *models.InventoryItem {
	t.Helper()

	expiry := time.Now().UTC().AddDate(1, 0, 0)
	batch, created, err := h.ledger.Receive(context.Background(), ReceiveStockRequest{
		PharmacyID:    h.pharmacyID,
		MedicineID:    item.MedicineSnapshot.ID,
		BatchNumber:   "B-" + uuid.NewString()[:6],
		Quantity:      qty,
		ExpiryDate:    &expiry,
		PurchasePrice: decimal.RequireFromString("1.00"),
		SellingPrice:  decimal.RequireFromString(price),
		MinStockLevel: minLevel,
	})
	require.NoError(t, err)
	require.True(t, created)
	return batch
}

func (h *harness) verify(t *testing.T, p *models.Prescription) string {
	t.Helper()
	res, err := h.engine.Verify(context.Background(), p.ID, VerifyByPrescriptionNumber, p.Number, pharmacist)
	require.NoError(t, err)
	return res.SessionToken
}

func (h *harness) quantity(t *testing.T, id uuid.UUID) int {
	t.Helper()
	item, err := h.store.GetInventoryItem(context.Background(), id)
	require.NoError(t, err)
	return item.Quantity
}

var errDiskFull = errors.New("disk full")
