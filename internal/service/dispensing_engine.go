package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"rx-fulfillment/internal/models"
	"rx-fulfillment/internal/store"
	"rx-fulfillment/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Verification methods
const (
	VerifyByPrescriptionNumber = "prescription_number"
	VerifyByPhone              = "phone"
	VerifyByNationalID         = "national_id"
)

// Dispense modes
const (
	DispenseModeFull    = "full"
	DispenseModePartial = "partial"
)

// EngineConfig tunes the dispensing engine
type EngineConfig struct {
	// PharmacyDirect lets a validated prescription be dispensed without a separate approval.
	PharmacyDirect  bool
	VerificationTTL time.Duration
	LockTTL         time.Duration
	IdempotencyTTL  time.Duration
}

// DispensingEngine dispenses prescriptions against pharmacy stock
type DispensingEngine struct {
	prescriptions PrescriptionRepository
	records       DispensingRepository
	ledger        *InventoryLedger
	alerts        *AlertRecorder
	sessions      SessionStore
	notifier      Notifier
	cfg           EngineConfig
	logger        *zap.Logger
	now           func() time.Time
}

// NewDispensingEngine creates a new dispensing engine
func NewDispensingEngine(
	prescriptions PrescriptionRepository,
	records DispensingRepository,
	ledger *InventoryLedger,
	alerts *AlertRecorder,
	sessions SessionStore,
	notifier Notifier,
	cfg EngineConfig,
) *DispensingEngine {
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = 15 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &DispensingEngine{
		prescriptions: prescriptions,
		records:       records,
		ledger:        ledger,
		alerts:        alerts,
		sessions:      sessions,
		notifier:      notifier,
		cfg:           cfg,
		logger:        util.GetLogger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// VerificationResult is handed to the pharmacist after a successful identity check
type VerificationResult struct {
	Verified     bool      `json:"verified"`
	Method       string    `json:"method"`
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// DispenseLine takes a quantity of one prescription item from one batch
type DispenseLine struct {
	PrescriptionItemID uuid.UUID `json:"prescription_item_id"`
	InventoryItemID    uuid.UUID `json:"inventory_item_id"`
	Quantity           int       `json:"quantity"`
}

// DispenseRequest represents a request to dispense a prescription
type DispenseRequest struct {
	PharmacyID      uuid.UUID      `json:"-"`
	PrescriptionID  uuid.UUID      `json:"prescription_id"`
	SessionToken    string         `json:"session_token"`
	Lines           []DispenseLine `json:"lines"`
	Mode            string         `json:"mode"`
	PaymentMethod   string         `json:"payment_method"`
	Counseled       bool           `json:"counseled"`
	CounselingNotes string         `json:"counseling_notes"`
	IdempotencyKey  string         `json:"-"`
}

// Verify checks identifying data against the prescription and opens a
// verification session that Dispense requires.
func (e *DispensingEngine) Verify(ctx context.Context, prescriptionID uuid.UUID, method, data string, actor models.Actor) (*VerificationResult, error) {
	ctx, span := util.StartSpan(ctx, "DispensingEngine.Verify",
		attribute.String("prescription_id", prescriptionID.String()),
		attribute.String("method", method))
	defer span.End()

	data = strings.TrimSpace(data)
	if data == "" {
		return nil, models.NewValidationError("data is required")
	}

	p, err := loadScoped(ctx, e.prescriptions, prescriptionID, actor.TenantID, false)
	if err != nil {
		return nil, err
	}

	var matched bool
	switch method {
	case VerifyByPrescriptionNumber:
		matched = strings.EqualFold(data, p.Number)
	case VerifyByPhone:
		supplied := digits(data)
		matched = supplied != "" && supplied == digits(p.PatientSnapshot.Phone)
	case VerifyByNationalID:
		matched = p.NationalID != "" && strings.EqualFold(data, strings.TrimSpace(p.NationalID))
	default:
		return nil, models.NewValidationError(fmt.Sprintf("method %q is not supported", method))
	}

	if !matched {
		util.VerificationsTotal.WithLabelValues(method, "failed").Inc()
		e.logger.Warn("Patient verification failed",
			zap.String("prescription_id", p.ID.String()),
			zap.String("method", method),
			zap.String("actor_id", actor.ID.String()))
		return nil, fmt.Errorf("%s does not match prescription %s: %w", method, p.Number, models.ErrVerificationFailed)
	}

	now := e.now()
	token := uuid.NewString()
	session := models.VerificationSession{
		PrescriptionID: p.ID,
		Method:         method,
		VerifiedBy:     actor.ID,
		VerifiedAt:     now,
		ExpiresAt:      now.Add(e.cfg.VerificationTTL),
	}
	if err := e.sessions.SaveVerificationSession(ctx, token, session, e.cfg.VerificationTTL); err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", models.ErrStorageFault, err)
	}

	util.VerificationsTotal.WithLabelValues(method, "verified").Inc()
	e.logger.Info("Patient verified",
		zap.String("prescription_id", p.ID.String()),
		zap.String("method", method),
		zap.String("actor_id", actor.ID.String()))

	return &VerificationResult{Verified: true, Method: method, SessionToken: token, ExpiresAt: session.ExpiresAt}, nil
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func idempotencyKey(prescriptionID uuid.UUID, key string) string {
	return fmt.Sprintf("dispense:%s:%s", prescriptionID, key)
}

func lockKey(prescriptionID uuid.UUID) string {
	return "dispense:" + prescriptionID.String()
}

// Dispense takes stock for the requested lines and records the dispense.
// Once the stock decrement has started the call no longer observes caller
// cancellation: it either commits or restores every decremented line.
func (e *DispensingEngine) Dispense(ctx context.Context, req DispenseRequest, actor models.Actor) (*models.DispensingRecord, error) {
	ctx, span := util.StartSpan(ctx, "DispensingEngine.Dispense",
		attribute.String("prescription_id", req.PrescriptionID.String()),
		attribute.String("pharmacy_id", req.PharmacyID.String()))
	defer span.End()

	start := time.Now()

	if req.Mode == "" {
		req.Mode = DispenseModeFull
	}
	if req.Mode != DispenseModeFull && req.Mode != DispenseModePartial {
		return nil, models.NewValidationError(fmt.Sprintf("mode %q must be full or partial", req.Mode))
	}
	if len(req.Lines) == 0 {
		return nil, models.NewValidationError("lines must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := loadScoped(ctx, e.prescriptions, req.PrescriptionID, actor.TenantID, false); err != nil {
		return nil, err
	}

	lock, err := e.sessions.AcquireLock(ctx, lockKey(req.PrescriptionID), e.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorageFault, err)
	}
	if lock == "" {
		return nil, fmt.Errorf("prescription %s is being dispensed: %w", req.PrescriptionID, models.ErrConcurrentModification)
	}
	defer func() {
		if err := e.sessions.ReleaseLock(context.WithoutCancel(ctx), lockKey(req.PrescriptionID), lock); err != nil {
			e.logger.Error("Failed to release dispense lock",
				zap.String("prescription_id", req.PrescriptionID.String()),
				zap.Error(err))
		}
	}()

	if req.IdempotencyKey != "" {
		recordID, found, err := e.sessions.GetIdempotencyKey(ctx, idempotencyKey(req.PrescriptionID, req.IdempotencyKey))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrStorageFault, err)
		}
		if found {
			id, err := uuid.Parse(recordID)
			if err == nil {
				e.logger.Info("Replaying dispense", zap.String("dispensing_record_id", recordID))
				return e.records.GetDispensingRecord(ctx, id)
			}
		}
	}

	p, err := e.prescriptions.GetPrescription(ctx, req.PrescriptionID, false)
	if err != nil {
		return nil, err
	}

	direct := p.Status == models.StatusValidated && e.cfg.PharmacyDirect
	if p.Status != models.StatusApproved && !direct {
		e.logger.Info("Dispense refused",
			zap.String("prescription_id", p.ID.String()),
			zap.String("status", string(p.Status)))
		return nil, &models.TransitionError{From: p.Status, To: models.StatusDispensed}
	}

	session, err := e.checkSession(ctx, p.ID, req.SessionToken)
	if err != nil {
		return nil, err
	}

	consumed, err := checkLines(p, req)
	if err != nil {
		return nil, err
	}

	lines, total, err := e.priceLines(ctx, p, req)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	stock := make([]store.StockLine, len(req.Lines))
	for i, l := range req.Lines {
		stock[i] = store.StockLine{InventoryItemID: l.InventoryItemID, Quantity: l.Quantity}
	}

	decremented, err := e.ledger.ReserveAndDecrement(ctx, req.PharmacyID, stock)
	if err != nil {
		return nil, err
	}

	now := e.now()
	record := &models.DispensingRecord{
		ID:                 uuid.New(),
		PrescriptionID:     p.ID,
		PharmacyID:         req.PharmacyID,
		DispensedBy:        actor.ID,
		Lines:              lines,
		TotalAmount:        total,
		PaymentMethod:      req.PaymentMethod,
		VerificationMethod: session.Method,
		Counseled:          req.Counseled,
		CounselingNotes:    req.CounselingNotes,
		Status:             models.DispensingStatusCompleted,
		CreatedAt:          now,
	}
	if req.Mode == DispenseModePartial {
		record.Status = models.DispensingStatusPartial
	}

	from := p.Status
	events := e.buildTransition(p, record, consumed, direct, actor, now)

	commit := store.DispenseCommit{Record: record, Prescription: p, Events: events}
	for itemID, qty := range consumed {
		commit.Consumed = append(commit.Consumed, store.ItemConsumption{PrescriptionItemID: itemID, Quantity: qty})
	}

	if err := e.records.CommitDispense(ctx, commit); err != nil {
		util.RecordError(span, err)
		e.compensate(ctx, req.PharmacyID, stock, p.ID, err)
		if errors.Is(err, models.ErrConcurrentModification) {
			return nil, fmt.Errorf("failed to record dispense: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrStorageFault, err)
	}

	for i := range p.Items {
		p.Items[i].RemainingQuantity -= consumed[p.Items[i].ID]
	}

	e.afterDispense(ctx, p, from, record, req, decremented.Items)

	util.DispensesTotal.WithLabelValues(req.Mode).Inc()
	util.DispenseLatency.Observe(time.Since(start).Seconds())
	e.logger.Info("Prescription dispensed",
		zap.String("prescription_id", p.ID.String()),
		zap.String("dispensing_record_id", record.ID.String()),
		zap.String("mode", req.Mode),
		zap.String("status", string(p.Status)),
		zap.String("total_amount", total.String()))

	return record, nil
}

func (e *DispensingEngine) checkSession(ctx context.Context, prescriptionID uuid.UUID, token string) (*models.VerificationSession, error) {
	if token == "" {
		return nil, fmt.Errorf("no verification session: %w", models.ErrVerificationRequired)
	}
	session, err := e.sessions.GetVerificationSession(ctx, prescriptionID, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorageFault, err)
	}
	if session == nil || session.PrescriptionID != prescriptionID {
		return nil, fmt.Errorf("verification session missing or expired: %w", models.ErrVerificationRequired)
	}
	return session, nil
}

// checkLines validates requested quantities against the remaining quantity of
// each prescription item and returns the total taken per item.
func checkLines(p *models.Prescription, req DispenseRequest) (map[uuid.UUID]int, error) {
	items := make(map[uuid.UUID]*models.PrescriptionItem, len(p.Items))
	for i := range p.Items {
		items[p.Items[i].ID] = &p.Items[i]
	}

	var fields []string
	consumed := make(map[uuid.UUID]int)
	for i, line := range req.Lines {
		if line.Quantity <= 0 {
			fields = append(fields, fmt.Sprintf("lines[%d].quantity must be greater than zero", i))
			continue
		}
		if _, ok := items[line.PrescriptionItemID]; !ok {
			fields = append(fields, fmt.Sprintf("lines[%d].prescription_item_id does not belong to the prescription", i))
			continue
		}
		consumed[line.PrescriptionItemID] += line.Quantity
	}

	for id, qty := range consumed {
		item := items[id]
		if qty > item.RemainingQuantity {
			fields = append(fields, fmt.Sprintf("%s: requested %d exceeds remaining %d", item.Name, qty, item.RemainingQuantity))
		}
	}

	if req.Mode == DispenseModeFull {
		for _, item := range p.Items {
			if item.RemainingQuantity > 0 && consumed[item.ID] != item.RemainingQuantity {
				fields = append(fields, fmt.Sprintf("%s: full dispense must cover remaining %d", item.Name, item.RemainingQuantity))
			}
		}
	}

	if len(fields) > 0 {
		return nil, models.NewValidationError(fields...)
	}
	return consumed, nil
}

// priceLines resolves the batches of each line, rejecting expired batches and
// medicine mismatches, and prices them at the batch selling price.
func (e *DispensingEngine) priceLines(ctx context.Context, p *models.Prescription, req DispenseRequest) (models.DispensedLines, decimal.Decimal, error) {
	ids := make([]uuid.UUID, 0, len(req.Lines))
	for _, l := range req.Lines {
		ids = append(ids, l.InventoryItemID)
	}
	batches, err := e.ledger.repo.GetInventoryItemsByIDs(ctx, req.PharmacyID, ids)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("failed to load batches: %w", err)
	}
	byID := make(map[uuid.UUID]models.InventoryItem, len(batches))
	for _, b := range batches {
		byID[b.ID] = b
	}
	items := make(map[uuid.UUID]models.PrescriptionItem, len(p.Items))
	for _, it := range p.Items {
		items[it.ID] = it
	}

	now := e.now()
	var fields []string
	lines := make(models.DispensedLines, 0, len(req.Lines))
	total := decimal.Zero
	for i, l := range req.Lines {
		batch, ok := byID[l.InventoryItemID]
		if !ok {
			fields = append(fields, fmt.Sprintf("lines[%d].inventory_item_id is not stocked at this pharmacy", i))
			continue
		}
		if batch.IsExpired(now) {
			fields = append(fields, fmt.Sprintf("lines[%d]: batch %s is expired", i, batch.BatchNumber))
			continue
		}
		item := items[l.PrescriptionItemID]
		if batch.MedicineID != item.MedicineSnapshot.ID && !item.SubstitutionAllowed {
			fields = append(fields, fmt.Sprintf("lines[%d]: batch %s is not %s and substitution is not allowed", i, batch.BatchNumber, item.Name))
			continue
		}

		line := models.DispensedLine{
			InventoryItemID:    batch.ID,
			PrescriptionItemID: item.ID,
			MedicineID:         batch.MedicineID,
			BatchNumber:        batch.BatchNumber,
			Quantity:           l.Quantity,
			UnitPrice:          batch.SellingPrice,
		}
		total = total.Add(line.Subtotal())
		lines = append(lines, line)
	}

	if len(fields) > 0 {
		return nil, decimal.Zero, models.NewValidationError(fields...)
	}
	return lines, total, nil
}

// buildTransition updates the prescription for a dispense and returns the
// history events to write with it. A pharmacy-direct dispense records the
// implied approval first.
func (e *DispensingEngine) buildTransition(p *models.Prescription, record *models.DispensingRecord, consumed map[uuid.UUID]int, direct bool, actor models.Actor, now time.Time) []models.HistoryEvent {
	var events []models.HistoryEvent
	from := p.Status

	if direct {
		events = append(events, models.NewHistoryEvent(p.ID, models.ActionApproved, actor, "pharmacy-direct dispensing",
			models.FieldChanges{"from": string(from), "to": string(models.StatusApproved)}, now))
		from = models.StatusApproved
		reviewer := actor.ID
		p.ReviewedBy = &reviewer
		p.ReviewedAt = &now
	}
	at := now
	if direct {
		// history is ordered by timestamp
		at = now.Add(time.Microsecond)
	}

	exhausted := true
	for _, item := range p.Items {
		if item.RemainingQuantity-consumed[item.ID] > 0 {
			exhausted = false
			break
		}
	}

	target := models.StatusApproved
	action := models.ActionPartiallyDispensed
	if exhausted {
		target = models.StatusDispensed
		action = models.ActionDispensed
		dispensedBy := actor.ID
		p.DispensedBy = &dispensedBy
		p.DispensedAt = &now
	}

	pharmacyID := record.PharmacyID
	p.PharmacyID = &pharmacyID
	p.Status = target
	p.UpdatedAt = now

	events = append(events, models.NewHistoryEvent(p.ID, action, actor, "",
		models.FieldChanges{
			"from":                 string(from),
			"to":                   string(target),
			"dispensing_record_id": record.ID.String(),
			"mode":                 string(record.Status),
			"total_amount":         record.TotalAmount.String(),
		}, at))
	return events
}

// compensate restores decremented stock after the dispense could not be recorded.
func (e *DispensingEngine) compensate(ctx context.Context, pharmacyID uuid.UUID, stock []store.StockLine, prescriptionID uuid.UUID, cause error) {
	if _, err := e.ledger.Restore(ctx, pharmacyID, stock); err != nil {
		util.StockCompensationsTotal.WithLabelValues("failed").Inc()
		e.logger.Error("Failed to restore stock after dispense failure",
			zap.String("prescription_id", prescriptionID.String()),
			zap.String("pharmacy_id", pharmacyID.String()),
			zap.Any("lines", stock),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	util.StockCompensationsTotal.WithLabelValues("restored").Inc()
	e.logger.Error("Dispense could not be recorded, stock restored",
		zap.String("prescription_id", prescriptionID.String()),
		zap.String("pharmacy_id", pharmacyID.String()),
		zap.Error(cause))
}

// afterDispense runs the non-transactional follow-ups of a committed dispense.
// Failures are logged; the dispense itself already happened.
func (e *DispensingEngine) afterDispense(ctx context.Context, p *models.Prescription, from models.PrescriptionStatus, record *models.DispensingRecord, req DispenseRequest, touched []models.InventoryItem) {
	if p.Status != from {
		util.PrescriptionTransitionsTotal.WithLabelValues(string(p.Status)).Inc()
	}

	if p.Status == models.StatusDispensed {
		if err := e.sessions.DeleteVerificationSession(ctx, p.ID, req.SessionToken); err != nil {
			e.logger.Warn("Failed to close verification session", zap.Error(err))
		}
	}

	if req.IdempotencyKey != "" {
		if err := e.sessions.SetIdempotencyKey(ctx, idempotencyKey(p.ID, req.IdempotencyKey), record.ID.String(), e.cfg.IdempotencyTTL); err != nil {
			e.logger.Warn("Failed to store dispense idempotency key", zap.Error(err))
		}
	}

	if err := e.notifier.PublishPrescriptionDispensed(ctx, p, record); err != nil {
		e.logger.Error("Failed to publish prescription dispensed",
			zap.String("prescription_id", p.ID.String()),
			zap.Error(err))
	}

	for i := range touched {
		if err := e.alerts.CheckAndAlert(ctx, &touched[i]); err != nil {
			e.logger.Error("Stock alert check failed",
				zap.String("inventory_item_id", touched[i].ID.String()),
				zap.Error(err))
		}
	}
}

// GetRecord retrieves one dispensing record
func (e *DispensingEngine) GetRecord(ctx context.Context, id uuid.UUID) (*models.DispensingRecord, error) {
	return e.records.GetDispensingRecord(ctx, id)
}

// Dispensings lists the dispensing records of a prescription
func (e *DispensingEngine) Dispensings(ctx context.Context, prescriptionID uuid.UUID, tenantID string) ([]models.DispensingRecord, error) {
	ctx, span := util.StartSpan(ctx, "DispensingEngine.Dispensings")
	defer span.End()

	if _, err := loadScoped(ctx, e.prescriptions, prescriptionID, tenantID, true); err != nil {
		return nil, err
	}
	return e.records.ListDispensingRecords(ctx, prescriptionID)
}
