package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rx-fulfillment/internal/models"
	"rx-fulfillment/internal/util"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const validatePath = "/v1/validate"

// errCallerGone marks a call abandoned because the caller's context ended.
var errCallerGone = errors.New("caller went away")

// statusError is a non-200 answer from the judge.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("judge returned status %d", e.code)
}

// judgeHealthy reports whether a call outcome leaves the judge's health
// unchanged. The caller leaving and 4xx answers other than 408 and 429 say
// nothing about the judge, so they never trip the breaker.
func judgeHealthy(err error) bool {
	if err == nil || errors.Is(err, errCallerGone) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 400 && se.code < 500 &&
			se.code != http.StatusRequestTimeout && se.code != http.StatusTooManyRequests
	}
	return false
}

// Verdict is the judge's opinion of a prescription.
type Verdict struct {
	Valid      bool
	Confidence float64
	Raw        models.RawDocument
}

type doctorSummary struct {
	License string `json:"license"`
}

type patientSummary struct {
	AgeYears *int `json:"age_years,omitempty"`
}

type medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
	Quantity  int    `json:"quantity"`
}

type validateRequest struct {
	PrescriptionNumber string         `json:"prescription_number"`
	DoctorSummary      doctorSummary  `json:"doctor_summary"`
	PatientSummary     patientSummary `json:"patient_summary"`
	Medications        []medication   `json:"medications"`
}

type validateResponse struct {
	Valid      *bool           `json:"valid"`
	Confidence float64         `json:"confidence"`
	Details    json.RawMessage `json:"details"`
}

// Options configures a Gateway
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	BreakerFailures   uint32
	BreakerOpenDelay  time.Duration
	HTTPClient        *http.Client
}

// Gateway submits prescriptions to the external validation judge.
// It never retries; every failure to obtain a verdict is reported as
// models.ErrValidationUnavailable.
type Gateway struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*Verdict]
	logger  *zap.Logger
	now     func() time.Time
}

// NewGateway creates a new validation gateway
func NewGateway(opts Options) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerOpenDelay <= 0 {
		opts.BreakerOpenDelay = 30 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	logger := util.ComponentLogger("validation-gateway")
	failures := opts.BreakerFailures

	breaker := gobreaker.NewCircuitBreaker[*Verdict](gobreaker.Settings{
		Name:        "validation-judge",
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: judgeHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Judge circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Gateway{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		timeout: opts.Timeout,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

// Submit asks the judge for a verdict on p, bounded by the gateway timeout.
func (g *Gateway) Submit(ctx context.Context, p *models.Prescription) (*Verdict, error) {
	ctx, span := util.StartSpan(ctx, "ValidationGateway.Submit")
	defer span.End()

	caller := ctx
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		util.ValidationLatency.Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(g.buildRequest(p))
	if err != nil {
		return nil, fmt.Errorf("failed to encode validation request: %w", err)
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, g.unavailable(p, fmt.Errorf("judge call budget exhausted: %w", err))
	}

	verdict, err := g.breaker.Execute(func() (*Verdict, error) {
		v, err := g.call(ctx, body)
		if err != nil && caller.Err() != nil {
			return nil, fmt.Errorf("%w: %v", errCallerGone, err)
		}
		return v, err
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, g.unavailable(p, err)
	}
	return verdict, nil
}

func (g *Gateway) call(ctx context.Context, body []byte) (*Verdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+validatePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("judge request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read judge response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode}
	}

	var decoded validateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode judge response: %w", err)
	}
	if decoded.Valid == nil {
		return nil, fmt.Errorf("judge response missing verdict")
	}
	if decoded.Confidence < 0 || decoded.Confidence > 100 {
		return nil, fmt.Errorf("judge confidence %v out of range", decoded.Confidence)
	}

	return &Verdict{
		Valid:      *decoded.Valid,
		Confidence: decoded.Confidence,
		Raw:        models.RawDocument(raw),
	}, nil
}

func (g *Gateway) unavailable(p *models.Prescription, err error) error {
	g.logger.Warn("Validation unavailable",
		zap.String("prescription_id", p.ID.String()),
		zap.String("prescription_number", p.Number),
		zap.Error(err))
	return fmt.Errorf("%w: %v", models.ErrValidationUnavailable, err)
}

// buildRequest keeps patient identity out of the payload; only age is shared.
func (g *Gateway) buildRequest(p *models.Prescription) validateRequest {
	req := validateRequest{
		PrescriptionNumber: p.Number,
		DoctorSummary:      doctorSummary{License: p.PrescriberSnapshot.License},
		Medications:        make([]medication, 0, len(p.Items)),
	}
	if dob := p.PatientSnapshot.DateOfBirth; dob != nil {
		age := ageYears(*dob, g.now())
		req.PatientSummary.AgeYears = &age
	}
	for _, item := range p.Items {
		req.Medications = append(req.Medications, medication{
			Name:      item.MedicineSnapshot.Name,
			Dosage:    item.Dosage,
			Frequency: item.Frequency,
			Duration:  item.Duration,
			Quantity:  item.Quantity,
		})
	}
	return req
}

func ageYears(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}
