package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"rx-fulfillment/internal/service"
	"rx-fulfillment/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	prescriptions *service.PrescriptionService
	engine        *service.DispensingEngine
	ledger        *service.InventoryLedger
	alerts        *service.AlertRecorder
	dependencies  map[string]Pinger
	expiryDays    int
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	prescriptions *service.PrescriptionService,
	engine *service.DispensingEngine,
	ledger *service.InventoryLedger,
	alerts *service.AlertRecorder,
	dependencies map[string]Pinger,
	expiryDays int,
) *Handler {
	return &Handler{
		prescriptions: prescriptions,
		engine:        engine,
		ledger:        ledger,
		alerts:        alerts,
		dependencies:  dependencies,
		expiryDays:    expiryDays,
		logger:        util.ComponentLogger("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	write := v1.Group("", requireActor())
	{
		write.POST("/prescriptions", h.createPrescription)
		write.POST("/prescriptions/:id/submit", h.submitPrescription)
		write.POST("/prescriptions/:id/approve", h.approvePrescription)
		write.POST("/prescriptions/:id/reject", h.rejectPrescription)
		write.POST("/prescriptions/:id/cancel", h.cancelPrescription)
		write.DELETE("/prescriptions/:id", h.deletePrescription)
		write.POST("/prescriptions/:id/verify", h.verifyPatient)
		write.POST("/pharmacies/:pid/dispense", h.dispense)
		write.PUT("/inventory/:id/price", h.updatePrice)
	}
	{
		v1.GET("/prescriptions", h.listPrescriptions)
		v1.GET("/prescriptions/:id", h.getPrescription)
		v1.GET("/prescriptions/:id/history", h.getHistory)
		v1.GET("/prescriptions/:id/items", h.getItems)
		v1.GET("/prescriptions/:id/dispensings", h.getDispensings)
		v1.GET("/pharmacies/:pid/availability/:mid", h.getAvailability)
		v1.GET("/pharmacies/:pid/low-stock", h.listLowStock)
		v1.GET("/pharmacies/:pid/expiring", h.listExpiring)
		v1.GET("/inventory/:id/price-history", h.getPriceHistory)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.dependencies {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
