package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"rx-fulfillment/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Identity headers set by the authentication gateway
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
	HeaderTenantID  = "X-Tenant-ID"

	actorKey = "actor"
)

// actorFromHeaders reads the trusted identity headers
func actorFromHeaders(c *gin.Context) (models.Actor, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.GetHeader(HeaderActorID)))
	if err != nil || id == uuid.Nil {
		return models.Actor{}, false
	}
	return models.Actor{
		ID:       id,
		Role:     strings.TrimSpace(c.GetHeader(HeaderActorRole)),
		TenantID: strings.TrimSpace(c.GetHeader(HeaderTenantID)),
	}, true
}

// requireActor rejects mutating requests without an authenticated actor
func requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromHeaders(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or invalid " + HeaderActorID,
			})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func actor(c *gin.Context) models.Actor {
	if v, ok := c.Get(actorKey); ok {
		return v.(models.Actor)
	}
	a, _ := actorFromHeaders(c)
	return a
}

// tenant is the caller's tenant; other tenants' prescriptions read as not found
func tenant(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(HeaderTenantID))
}

// uuidParam parses a path parameter, answering 400 when it is malformed
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + name,
		})
		return uuid.Nil, false
	}
	return id, true
}

// bindOptionalJSON binds a body that may be absent
func bindOptionalJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

// respondError maps the service error taxonomy onto HTTP statuses
func (h *Handler) respondError(c *gin.Context, err error) {
	var verr *models.ValidationError
	var terr *models.TransitionError

	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Validation failed",
			"details": verr.Fields,
		})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Not found",
		})
	case errors.As(err, &terr):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Illegal state transition",
			"from":  terr.From,
			"to":    terr.To,
		})
	case errors.Is(err, models.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Concurrent modification, retry",
		})
	case errors.Is(err, models.ErrInsufficientStock):
		ise, _ := models.AsInsufficientStock(err)
		body := gin.H{"error": "Insufficient stock"}
		if ise != nil {
			body["shortfalls"] = ise.Shortfalls
		}
		c.JSON(http.StatusUnprocessableEntity, body)
	case errors.Is(err, models.ErrVerificationFailed):
		c.JSON(http.StatusForbidden, gin.H{
			"error": "Patient verification failed",
		})
	case errors.Is(err, models.ErrVerificationRequired):
		c.JSON(http.StatusForbidden, gin.H{
			"error": "Patient verification required",
		})
	case errors.Is(err, models.ErrValidationUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": models.ErrValidationUnavailable.Error(),
		})
	default:
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("actor_id", actor(c).ID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal error",
		})
	}
}
