package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"rx-fulfillment/internal/broker"
	"rx-fulfillment/internal/models"
	"rx-fulfillment/internal/redisclient"
	"rx-fulfillment/internal/service"
	"rx-fulfillment/internal/store"
	"rx-fulfillment/internal/validation"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discardWriter struct {
	mu     sync.Mutex
	events int
}

func (w *discardWriter) PublishEvent(context.Context, string, interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events++
	return nil
}

type fixedValidator struct {
	verdict *validation.Verdict
	err     error
}

func (v *fixedValidator) Submit(context.Context, *models.Prescription) (*validation.Verdict, error) {
	return v.verdict, v.err
}

type testServer struct {
	router     *gin.Engine
	ledger     *service.InventoryLedger
	validator  *fixedValidator
	mr         *miniredis.Miniredis
	pharmacyID uuid.UUID
	actorID    uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := store.NewStore(store.DriverSQLite, "file::memory:?_time_format=sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	mr := miniredis.RunT(t)
	rc, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	publisher := broker.NewEventPublisher(&discardWriter{})
	validator := &fixedValidator{verdict: &validation.Verdict{Valid: true, Confidence: 90}}

	prescriptions := service.NewPrescriptionService(s, validator)
	ledger := service.NewInventoryLedger(s)
	alerts := service.NewAlertRecorder(s, s, publisher, rc)
	engine := service.NewDispensingEngine(s, s, ledger, alerts, rc, publisher, service.EngineConfig{})

	h := NewHandler(prescriptions, engine, ledger, alerts, map[string]Pinger{"database": s, "redis": rc}, 30)
	router := gin.New()
	h.SetupRoutes(router)

	return &testServer{
		router:     router,
		ledger:     ledger,
		validator:  validator,
		mr:         mr,
		pharmacyID: uuid.New(),
		actorID:    uuid.New(),
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, authenticated bool) *httptest.ResponseRecorder {
	t.Helper()
	if !authenticated {
		return ts.send(t, method, path, body, nil)
	}
	return ts.asTenant(t, "tenant-a", method, path, body)
}

func (ts *testServer) asTenant(t *testing.T, tenantID, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return ts.send(t, method, path, body, map[string]string{
		HeaderActorID:   ts.actorID.String(),
		HeaderActorRole: models.RolePharmacist,
		HeaderTenantID:  tenantID,
	})
}

func (ts *testServer) send(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst))
}

func createBody(medicineID uuid.UUID, qty int) gin.H {
	return gin.H{
		"prescriber": gin.H{"name": "Dr. Okafor", "license": "MD-1234"},
		"patient":    gin.H{"id": uuid.New(), "name": "Ana Lima", "phone": "+55 11 99999-0000"},
		"items": []gin.H{{
			"medicine":  gin.H{"id": medicineID, "name": "Lisinopril", "strength": "10mg"},
			"dosage":    "1 tablet",
			"frequency": "once daily",
			"duration":  "30 days",
			"quantity":  qty,
		}},
	}
}

// approvedPrescription creates, submits and approves a prescription over HTTP.
func (ts *testServer) approvedPrescription(t *testing.T, medicineID uuid.UUID, qty int) models.Prescription {
	t.Helper()

	w := ts.do(t, http.MethodPost, "/api/v1/prescriptions", createBody(medicineID, qty), true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var p models.Prescription
	decode(t, w, &p)

	w = ts.do(t, http.MethodPost, "/api/v1/prescriptions/"+p.ID.String()+"/submit", nil, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(t, http.MethodPost, "/api/v1/prescriptions/"+p.ID.String()+"/approve", gin.H{"note": "ok"}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &p)
	return p
}

func (ts *testServer) stock(t *testing.T, medicineID uuid.UUID, qty int) *models.InventoryItem {
	t.Helper()
	expiry := time.Now().UTC().AddDate(1, 0, 0)
	item, _, err := ts.ledger.Receive(context.Background(), service.ReceiveStockRequest{
		PharmacyID:    ts.pharmacyID,
		MedicineID:    medicineID,
		BatchNumber:   "LOT-" + uuid.NewString()[:4],
		Quantity:      qty,
		ExpiryDate:    &expiry,
		SellingPrice:  decimal.RequireFromString("1.50"),
		MinStockLevel: 2,
	})
	require.NoError(t, err)
	return item
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/ready", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)

	ts.mr.Close()
	w = ts.do(t, http.MethodGet, "/ready", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")

	w = ts.do(t, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMutatingRoutesRequireActor(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/prescriptions", createBody(uuid.New(), 10), false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/pharmacies/"+ts.pharmacyID.String()+"/dispense", gin.H{}, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateAndReadPrescription(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/prescriptions", createBody(uuid.New(), 10), true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.Prescription
	decode(t, w, &created)
	assert.Equal(t, models.StatusDraft, created.Status)

	w = ts.do(t, http.MethodGet, "/api/v1/prescriptions/"+created.ID.String(), nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Prescription
	decode(t, w, &got)
	assert.Equal(t, created.Number, got.Number)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 10, got.Items[0].Quantity)

	w = ts.do(t, http.MethodGet, "/api/v1/prescriptions/"+created.ID.String()+"/history", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		History []models.HistoryEvent `json:"history"`
	}
	decode(t, w, &history)
	require.Len(t, history.History, 1)
	assert.Equal(t, models.ActionCreated, history.History[0].Action)

	w = ts.do(t, http.MethodGet, "/api/v1/prescriptions?status=draft", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var list service.ListResult
	decode(t, w, &list)
	assert.Equal(t, 1, list.Total)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/prescriptions/not-a-uuid", nil, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/prescriptions/"+uuid.NewString(), nil, false)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/prescriptions", gin.H{"items": []gin.H{}}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/prescriptions", createBody(uuid.New(), 10), true)
	require.Equal(t, http.StatusCreated, w.Code)
	var p models.Prescription
	decode(t, w, &p)

	w = ts.do(t, http.MethodPost, "/api/v1/prescriptions/"+p.ID.String()+"/approve", nil, true)
	assert.Equal(t, http.StatusConflict, w.Code, "draft cannot be approved")

	w = ts.do(t, http.MethodPost, "/api/v1/prescriptions/"+p.ID.String()+"/verify", gin.H{"method": "phone", "data": "000"}, true)
	assert.Equal(t, http.StatusForbidden, w.Code)

	ts.validator.err = models.ErrValidationUnavailable
	w = ts.do(t, http.MethodPost, "/api/v1/prescriptions/"+p.ID.String()+"/submit", nil, true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "validation unavailable, retry later")
}

func TestOtherTenantsPrescriptionsAreNotFound(t *testing.T) {
	ts := newTestServer(t)
	medicine := uuid.New()
	p := ts.approvedPrescription(t, medicine, 4)
	batch := ts.stock(t, medicine, 10)
	base := "/api/v1/prescriptions/" + p.ID.String()

	reads := []string{base, base + "/history", base + "/items", base + "/dispensings"}
	for _, path := range reads {
		w := ts.asTenant(t, "tenant-b", http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}

	writes := []struct {
		method string
		path   string
		body   interface{}
	}{
		{http.MethodPost, base + "/submit", nil},
		{http.MethodPost, base + "/approve", gin.H{"note": "ok"}},
		{http.MethodPost, base + "/reject", gin.H{"reason": "no"}},
		{http.MethodPost, base + "/cancel", gin.H{"reason": "no"}},
		{http.MethodDelete, base, nil},
		{http.MethodPost, base + "/verify", gin.H{"method": "prescription_number", "data": p.Number}},
		{http.MethodPost, "/api/v1/pharmacies/" + ts.pharmacyID.String() + "/dispense", gin.H{
			"prescription_id": p.ID,
			"lines":           []gin.H{{"prescription_item_id": p.Items[0].ID, "inventory_item_id": batch.ID, "quantity": 4}},
		}},
	}
	for _, tt := range writes {
		w := ts.asTenant(t, "tenant-b", tt.method, tt.path, tt.body)
		assert.Equal(t, http.StatusNotFound, w.Code, tt.method+" "+tt.path)
	}

	w := ts.do(t, http.MethodGet, base, nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Prescription
	decode(t, w, &got)
	assert.Equal(t, models.StatusApproved, got.Status, "untouched by the other tenant")
	assert.Nil(t, got.DeletedAt)

	w = ts.do(t, http.MethodGet, base+"/history", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		History []models.HistoryEvent `json:"history"`
	}
	decode(t, w, &history)
	assert.Len(t, history.History, 4, "no events from the other tenant")

	stocked, err := ts.ledger.Get(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stocked.Quantity)
}

func TestDispenseOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	medicine := uuid.New()
	p := ts.approvedPrescription(t, medicine, 10)
	batch := ts.stock(t, medicine, 6)

	dispensePath := "/api/v1/pharmacies/" + ts.pharmacyID.String() + "/dispense"
	lines := []gin.H{{"prescription_item_id": p.Items[0].ID, "inventory_item_id": batch.ID, "quantity": 10}}

	w := ts.do(t, http.MethodPost, dispensePath, gin.H{"prescription_id": p.ID, "lines": lines}, true)
	assert.Equal(t, http.StatusForbidden, w.Code, "verification required")

	w = ts.do(t, http.MethodPost, "/api/v1/prescriptions/"+p.ID.String()+"/verify",
		gin.H{"method": "prescription_number", "data": p.Number}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var verified service.VerificationResult
	decode(t, w, &verified)

	w = ts.do(t, http.MethodPost, dispensePath, gin.H{
		"prescription_id": p.ID, "session_token": verified.SessionToken, "mode": "full", "lines": lines,
	}, true)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	var short struct {
		Shortfalls []models.Shortfall `json:"shortfalls"`
	}
	decode(t, w, &short)
	require.Len(t, short.Shortfalls, 1)
	assert.Equal(t, 4, short.Shortfalls[0].Missing)

	lines[0]["quantity"] = 6
	w = ts.do(t, http.MethodPost, dispensePath, gin.H{
		"prescription_id": p.ID, "session_token": verified.SessionToken, "mode": "partial", "lines": lines,
	}, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var record models.DispensingRecord
	decode(t, w, &record)
	assert.Equal(t, models.DispensingStatusPartial, record.Status)
	assert.True(t, decimal.RequireFromString("9").Equal(record.TotalAmount))

	w = ts.do(t, http.MethodGet, "/api/v1/prescriptions/"+p.ID.String()+"/dispensings", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), record.ID.String())

	w = ts.do(t, http.MethodGet, "/api/v1/pharmacies/"+ts.pharmacyID.String()+"/availability/"+medicine.String(), nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var availability service.Availability
	decode(t, w, &availability)
	assert.Zero(t, availability.TotalQuantity)

	w = ts.do(t, http.MethodGet, "/api/v1/pharmacies/"+ts.pharmacyID.String()+"/low-stock", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), batch.ID.String())
}

func TestPriceRoutes(t *testing.T) {
	ts := newTestServer(t)
	batch := ts.stock(t, uuid.New(), 20)
	path := "/api/v1/inventory/" + batch.ID.String()

	w := ts.do(t, http.MethodPut, path+"/price", gin.H{"price": "1.80", "reason": "supplier"}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPut, path+"/price", gin.H{"price": "-1"}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, path+"/price-history", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		History []models.PriceHistoryEntry `json:"history"`
	}
	decode(t, w, &body)
	require.Len(t, body.History, 1)
	assert.True(t, decimal.RequireFromString("20").Equal(body.History[0].ChangePercent))

	w = ts.do(t, http.MethodGet, "/api/v1/pharmacies/"+ts.pharmacyID.String()+"/expiring?days=abc", nil, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
