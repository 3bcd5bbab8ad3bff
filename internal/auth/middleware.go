package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeySession is the key for storing the session in gin context
	ContextKeySession = "session"
	// ContextKeyAccount is the key for storing the authenticated account
	ContextKeyAccount = "authAccount"
)

// Middleware extracts and validates the session token from the request.
// Sets session and authAccount in context if valid; never aborts.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.GetHeader("X-Session-Token")
		}

		if token != "" {
			sess, err := m.Validate(c.Request.Context(), token)
			if err == nil {
				c.Set(ContextKeySession, sess)
				c.Set(ContextKeyAccount, sess.Account)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid session
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Session token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin middleware requires auth AND an admin account
func RequireAdmin(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Session token required.",
			})
			return
		}
		if !m.IsAdmin(GetAccount(c)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required.",
			})
			return
		}
		c.Next()
	}
}

// GetSession returns the session from context (if authenticated)
func GetSession(c *gin.Context) (*Session, bool) {
	v, exists := c.Get(ContextKeySession)
	if !exists {
		return nil, false
	}
	sess, ok := v.(*Session)
	return sess, ok
}

// GetAccount returns the authenticated account, or "".
func GetAccount(c *gin.Context) string {
	return c.GetString(ContextKeyAccount)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetSession(c)
	return ok
}
