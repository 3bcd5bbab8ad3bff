package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints describing the caller's authentication
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "session",
		"header":    "Authorization: Bearer <token>",
		"altHeader": "X-Session-Token: <token>",
		"note":      "Session tokens are issued by the account service.",
		"publicEndpoints": []string{
			"GET /v1/listings",
			"GET /v1/assets/:token/:serial",
			"GET /v1/assets/:token/:serial/listing",
			"GET /v1/assets/:token/:serial/offers",
			"GET /v1/offers/:id",
			"GET /v1/audit",
		},
		"protectedEndpoints": []string{
			"POST /v1/assets/:token/:serial/list",
			"POST /v1/assets/:token/:serial/unlist",
			"POST /v1/assets/:token/:serial/buy",
			"POST /v1/assets/:token/:serial/offers",
			"POST /v1/offers/:id/accept",
			"POST /v1/offers/:id/reject",
		},
	})
}

// Me returns info about the authenticated account
func (h *Handler) Me(c *gin.Context) {
	sess, ok := GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":   sess.Account,
		"sessionId": sess.ID,
		"admin":     h.manager.IsAdmin(sess.Account),
		"expiresAt": sess.ExpiresAt,
	})
}
