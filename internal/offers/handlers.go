package offers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assetescrow/internal/amount"
	"github.com/mbd888/assetescrow/internal/ledger"
)

// Handler provides HTTP endpoints for offers.
type Handler struct {
	service *Service
}

// NewHandler creates a new offers handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) offer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/assets/:token/:serial/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
}

// RegisterProtectedRoutes sets up protected (auth-required) offer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/assets/:token/:serial/offers", h.MakeOffer)
	r.POST("/offers/:id/accept", h.AcceptOffer)
	r.POST("/offers/:id/reject", h.RejectOffer)
}

// MakeOfferRequest is the body of POST /v1/assets/:token/:serial/offers.
type MakeOfferRequest struct {
	Price     string    `json:"price" binding:"required"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// MakeOffer handles POST /v1/assets/:token/:serial/offers
func (h *Handler) MakeOffer(c *gin.Context) {
	ref, err := ledger.NewTokenRef(c.Param("token"), c.Param("serial"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	var req MakeOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	price, err := amount.Parse(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	offer, err := h.service.Make(c.Request.Context(), c.GetString("authAccount"), ref, price, req.ExpiresAt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// ListOffers handles GET /v1/assets/:token/:serial/offers
func (h *Handler) ListOffers(c *gin.Context) {
	ref, err := ledger.NewTokenRef(c.Param("token"), c.Param("serial"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}
	limit := parseLimit(c.Query("limit"), 50, 200)

	offers, err := h.service.ListForToken(c.Request.Context(), ref, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if offers == nil {
		offers = []*Offer{}
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// AcceptOffer handles POST /v1/offers/:id/accept
func (h *Handler) AcceptOffer(c *gin.Context) {
	offer, err := h.service.Accept(c.Request.Context(), c.GetString("authAccount"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// RejectOffer handles POST /v1/offers/:id/reject
func (h *Handler) RejectOffer(c *gin.Context) {
	offer, err := h.service.Reject(c.Request.Context(), c.GetString("authAccount"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

func respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrOfferNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidOffer):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrSelfOffer):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrNotListed), errors.Is(err, ErrListingChanged):
		status, code = http.StatusPreconditionFailed, "not_listed"
	case errors.Is(err, ErrOfferExpired):
		status, code = http.StatusGone, "offer_expired"
	case errors.Is(err, ErrAlreadyDecided):
		status, code = http.StatusConflict, "already_decided"
	case errors.Is(err, ErrLedgerUnavailable):
		status, code = http.StatusServiceUnavailable, "ledger_unavailable"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}

func parseLimit(s string, defaultVal, maxVal int) int {
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return defaultVal
	}
	if n > maxVal {
		return maxVal
	}
	return n
}
