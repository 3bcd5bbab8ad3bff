package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assetescrow/internal/pagination"
)

// Handler serves the audit trail.
type Handler struct {
	reader Reader
}

// NewHandler creates a new audit handler.
func NewHandler(reader Reader) *Handler {
	return &Handler{reader: reader}
}

// RegisterRoutes sets up public (read-only) audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.ListEvents)
}

// ListEvents handles GET /v1/audit?token=&actor=&type=&limit=&cursor=
func (h *Handler) ListEvents(c *gin.Context) {
	f := Filter{
		Token: c.Query("token"),
		Actor: c.Query("actor"),
		Type:  EventType(c.Query("type")),
		Limit: 50,
	}
	if f.Type != "" && !f.Type.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "unknown event type " + string(f.Type),
		})
		return
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			f.Limit = min(parsed, 500)
		}
	}
	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "invalid cursor",
		})
		return
	}
	f.Before = before

	limit := f.Limit
	f.Limit++ // one extra row tells us whether another page exists
	events, err := h.reader.Query(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read audit log",
		})
		return
	}
	events, next := pagination.Page(events, limit, func(e *Event) (time.Time, string) {
		return e.OccurredAt, e.ID
	})
	if events == nil {
		events = []*Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"events":     events,
		"count":      len(events),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}
