package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter() *gin.Engine {
	store := NewMemoryStoreFromTable(map[string]string{
		"tok-seller": "0.0.3001",
		"tok-admin":  "0.0.9000",
	})
	mgr := NewManager(store, []string{"0.0.9000"})
	h := NewHandler(mgr)

	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/public", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"account": GetAccount(c)})
	})
	r.GET("/auth/info", h.Info)

	protected := r.Group("")
	protected.Use(RequireAuth())
	protected.GET("/me", h.Me)

	admin := r.Group("/admin")
	admin.Use(RequireAdmin(mgr))
	admin.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func get(r *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ValidToken_SetsContext(t *testing.T) {
	mgr := NewManager(NewMemoryStoreFromTable(map[string]string{"tok": "0.0.3001"}), nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer tok")

	Middleware(mgr)(c)

	if got := c.GetString(ContextKeyAccount); got != "0.0.3001" {
		t.Errorf("Expected 0.0.3001, got %q", got)
	}
	sess, ok := GetSession(c)
	if !ok || sess.Account != "0.0.3001" {
		t.Error("Expected session in context")
	}
}

func TestMiddleware_InvalidToken_DoesNotAbort(t *testing.T) {
	r := setupRouter()

	w := get(r, "/public", map[string]string{"Authorization": "Bearer nope"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Body.String() != `{"account":""}` {
		t.Errorf("Expected no account, got %s", w.Body.String())
	}
}

func TestRequireAuth(t *testing.T) {
	r := setupRouter()

	if w := get(r, "/me", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
	w := get(r, "/me", map[string]string{"X-Session-Token": "tok-seller"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 with token, got %d", w.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	r := setupRouter()

	if w := get(r, "/admin/ping", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
	if w := get(r, "/admin/ping", map[string]string{"Authorization": "Bearer tok-seller"}); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-admin, got %d", w.Code)
	}
	if w := get(r, "/admin/ping", map[string]string{"Authorization": "Bearer tok-admin"}); w.Code != http.StatusNoContent {
		t.Errorf("Expected 204 for admin, got %d", w.Code)
	}
}

func TestHandler_Info(t *testing.T) {
	r := setupRouter()
	if w := get(r, "/auth/info", nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}
