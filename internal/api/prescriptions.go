package api

import (
	"net/http"
	"strconv"

	"rx-fulfillment/internal/models"
	"rx-fulfillment/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type reviewRequest struct {
	Note   string `json:"note"`
	Reason string `json:"reason"`
}

// createPrescription handles prescription creation
func (h *Handler) createPrescription(c *gin.Context) {
	var req service.CreatePrescriptionRequest
	if !bindJSON(c, &req) {
		return
	}

	p, err := h.prescriptions.Create(c.Request.Context(), actor(c), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, p)
}

// getPrescription returns one prescription with its items
func (h *Handler) getPrescription(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	p, err := h.prescriptions.GetScoped(c.Request.Context(), id, tenant(c), c.Query("include_deleted") == "true")
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, p)
}

// listPrescriptions returns one page of prescriptions of the caller's tenant
func (h *Handler) listPrescriptions(c *gin.Context) {
	f := service.ListFilter{
		TenantID:       tenant(c),
		Status:         models.PrescriptionStatus(c.Query("status")),
		IncludeDeleted: c.Query("include_deleted") == "true",
	}

	for param, dst := range map[string]**uuid.UUID{
		"patient_id":    &f.PatientID,
		"prescriber_id": &f.PrescriberID,
		"pharmacy_id":   &f.PharmacyID,
	} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + param})
			return
		}
		*dst = &id
	}

	var err error
	if f.Page, err = queryInt(c, "page"); err != nil {
		return
	}
	if f.PageSize, err = queryInt(c, "page_size"); err != nil {
		return
	}

	result, err := h.prescriptions.List(c.Request.Context(), f)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
	}
	return v, err
}

// getHistory returns the audit trail of a prescription
func (h *Handler) getHistory(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	history, err := h.prescriptions.History(c.Request.Context(), id, tenant(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": history})
}

// getItems returns the medicine lines of a prescription
func (h *Handler) getItems(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	items, err := h.prescriptions.Items(c.Request.Context(), id, tenant(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": items})
}

// getDispensings returns the dispensing records of a prescription
func (h *Handler) getDispensings(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	records, err := h.engine.Dispensings(c.Request.Context(), id, tenant(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispensings": records})
}

// submitPrescription sends a prescription to validation
func (h *Handler) submitPrescription(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	p, err := h.prescriptions.Submit(c.Request.Context(), id, actor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, p)
}

func (h *Handler) approvePrescription(c *gin.Context) {
	h.review(c, func(id uuid.UUID, req reviewRequest) (*models.Prescription, error) {
		return h.prescriptions.Approve(c.Request.Context(), id, actor(c), req.Note)
	})
}

func (h *Handler) rejectPrescription(c *gin.Context) {
	h.review(c, func(id uuid.UUID, req reviewRequest) (*models.Prescription, error) {
		return h.prescriptions.Reject(c.Request.Context(), id, actor(c), req.Reason)
	})
}

func (h *Handler) cancelPrescription(c *gin.Context) {
	h.review(c, func(id uuid.UUID, req reviewRequest) (*models.Prescription, error) {
		return h.prescriptions.Cancel(c.Request.Context(), id, actor(c), req.Reason)
	})
}

func (h *Handler) review(c *gin.Context, apply func(uuid.UUID, reviewRequest) (*models.Prescription, error)) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req reviewRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	p, err := apply(id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, p)
}

// deletePrescription soft-deletes a prescription
func (h *Handler) deletePrescription(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	if err := h.prescriptions.SoftDelete(c.Request.Context(), id, actor(c)); err != nil {
		h.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
