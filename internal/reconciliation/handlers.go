package reconciliation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes the reconciliation queue to operators.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up operator routes. The group must already
// require an admin session.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/incidents", h.ListOpen)
	r.GET("/incidents/:id", h.GetIncident)
	r.POST("/incidents/:id/resolve", h.ResolveIncident)
}

// ResolveRequest is the body of POST /v1/admin/incidents/:id/resolve.
type ResolveRequest struct {
	Action Action `json:"action" binding:"required"`
	Note   string `json:"note" binding:"required"`
}

// ListOpen handles GET /v1/admin/incidents
func (h *Handler) ListOpen(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 500)
		}
	}

	incidents, err := h.service.ListOpen(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list incidents",
		})
		return
	}
	if incidents == nil {
		incidents = []*Incident{}
	}

	c.JSON(http.StatusOK, gin.H{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

// GetIncident handles GET /v1/admin/incidents/:id
func (h *Handler) GetIncident(c *gin.Context) {
	inc, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrIncidentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Incident not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident": inc})
}

// ResolveIncident handles POST /v1/admin/incidents/:id/resolve
func (h *Handler) ResolveIncident(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	operator := c.GetString("authAccount")
	inc, err := h.service.Resolve(c.Request.Context(), c.Param("id"), operator, req.Action, req.Note)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrIncidentNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInvalidResolution):
			status = http.StatusBadRequest
			code = "validation_error"
		case errors.Is(err, ErrAlreadyResolved):
			status = http.StatusConflict
			code = "already_resolved"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"incident": inc})
}
