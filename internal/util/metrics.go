package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PrescriptionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prescriptions_created_total",
		Help: "Total number of prescriptions created",
	})

	PrescriptionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prescription_transitions_total",
		Help: "Total number of prescription status transitions",
	}, []string{"to"})

	ValidationOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_outcomes_total",
		Help: "Total number of judge validations by outcome",
	}, []string{"outcome"})

	ValidationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "validation_latency_seconds",
		Help:    "Latency of judge validation calls",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispense_verifications_total",
		Help: "Total number of patient verifications by method and result",
	}, []string{"method", "result"})

	DispensesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispenses_total",
		Help: "Total number of dispensing records written",
	}, []string{"mode"})

	DispenseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispense_latency_seconds",
		Help:    "Latency of dispense operations",
		Buckets: prometheus.DefBuckets,
	})

	InsufficientStockTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_insufficient_stock_total",
		Help: "Total number of decrements refused for insufficient stock",
	})

	StockCompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_compensations_total",
		Help: "Total number of compensating stock restores",
	}, []string{"result"})

	LowStockAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_low_stock_alerts_total",
		Help: "Total number of low stock alerts published",
	})

	ExpiryAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_expiry_alerts_total",
		Help: "Total number of expiry alerts published",
	})

	SupplyEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supply_events_total",
		Help: "Total number of supply events consumed",
	}, []string{"type", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
