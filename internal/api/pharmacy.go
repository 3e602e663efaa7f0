package api

import (
	"net/http"
	"strconv"

	"rx-fulfillment/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type verifyRequest struct {
	Method string `json:"method" binding:"required"`
	Data   string `json:"data" binding:"required"`
}

type priceRequest struct {
	Price  decimal.Decimal `json:"price"`
	Reason string          `json:"reason"`
}

// verifyPatient checks the patient's identity before dispensing
func (h *Handler) verifyPatient(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req verifyRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.engine.Verify(c.Request.Context(), id, req.Method, req.Data, actor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// dispense hands out medicine from a pharmacy's stock
func (h *Handler) dispense(c *gin.Context) {
	pharmacyID, ok := uuidParam(c, "pid")
	if !ok {
		return
	}

	var req service.DispenseRequest
	if !bindJSON(c, &req) {
		return
	}
	req.PharmacyID = pharmacyID
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	record, err := h.engine.Dispense(c.Request.Context(), req, actor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

// getAvailability aggregates a medicine's sellable stock at a pharmacy
func (h *Handler) getAvailability(c *gin.Context) {
	pharmacyID, ok := uuidParam(c, "pid")
	if !ok {
		return
	}
	medicineID, ok := uuidParam(c, "mid")
	if !ok {
		return
	}

	availability, err := h.ledger.GetAvailability(c.Request.Context(), pharmacyID, medicineID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, availability)
}

func (h *Handler) listLowStock(c *gin.Context) {
	pharmacyID, ok := uuidParam(c, "pid")
	if !ok {
		return
	}

	items, err := h.ledger.ListLowStock(c.Request.Context(), pharmacyID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) listExpiring(c *gin.Context) {
	pharmacyID, ok := uuidParam(c, "pid")
	if !ok {
		return
	}

	days := h.expiryDays
	if raw := c.Query("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid days"})
			return
		}
		days = v
	}

	items, err := h.ledger.ListExpiring(c.Request.Context(), pharmacyID, days)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": items, "days": days})
}

// updatePrice sets the selling price of a batch
func (h *Handler) updatePrice(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req priceRequest
	if !bindJSON(c, &req) {
		return
	}

	item, err := h.alerts.UpdatePrice(c.Request.Context(), id, req.Price, req.Reason, actor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, item)
}

func (h *Handler) getPriceHistory(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	history, err := h.alerts.PriceHistory(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": history})
}
