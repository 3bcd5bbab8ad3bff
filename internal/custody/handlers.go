package custody

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assetescrow/internal/ledger"
)

// ledgerReasons names the ledger rejections that cross the wire.
var ledgerReasons = map[string]error{
	"rejected_signature":   ledger.ErrRejectedSignature,
	"insufficient_balance": ledger.ErrInsufficientBalance,
	"not_associated":       ledger.ErrNotAssociated,
	"not_owner":            ledger.ErrNotOwner,
	"token_not_found":      ledger.ErrTokenNotFound,
}

func ledgerReason(err error) string {
	for name, sentinel := range ledgerReasons {
		if errors.Is(err, sentinel) {
			return name
		}
	}
	return ""
}

// SignedRelease is the wire body of POST /v1/custody/release.
type SignedRelease struct {
	Request   ReleaseRequest `json:"request" binding:"required"`
	Signature string         `json:"signature" binding:"required"`
}

// Handler exposes the custody path over HTTP. Requests authenticate with
// the operator signature, not a session.
type Handler struct {
	service *Service
}

// NewHandler creates a new custody handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the custody routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/custody/release", h.Release)
}

// Release handles POST /v1/custody/release
func (h *Handler) Release(c *gin.Context) {
	var body SignedRelease
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rcpt, err := h.service.ReleaseSigned(c.Request.Context(), body.Request, body.Signature)
	if err != nil {
		status, resp := errorResponse(err)
		c.JSON(status, resp)
		return
	}

	c.JSON(http.StatusOK, gin.H{"receipt": rcpt})
}

func errorResponse(err error) (int, gin.H) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()}
	case errors.Is(err, ErrBadSignature):
		return http.StatusUnauthorized, gin.H{"error": "bad_signature", "message": "Operator signature invalid"}
	case errors.Is(err, ErrStaleRequest):
		return http.StatusUnauthorized, gin.H{"error": "stale_request", "message": err.Error()}
	case errors.Is(err, ErrNotInEscrow):
		return http.StatusConflict, gin.H{"error": "not_in_escrow", "message": err.Error()}
	case errors.Is(err, ErrListingChanged):
		return http.StatusConflict, gin.H{"error": "listing_changed", "message": err.Error()}
	case ledger.IsRejection(err):
		return http.StatusUnprocessableEntity, gin.H{
			"error":   "ledger_rejected",
			"reason":  ledgerReason(err),
			"message": err.Error(),
		}
	default:
		return http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": err.Error()}
	}
}
