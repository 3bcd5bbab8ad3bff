package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg.CleanupInterval = time.Hour
	l := New(cfg)
	l.now = clock.now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow(ClassAPI, "ip:1.2.3.4")
		require.True(t, ok, "request %d within burst", i)
	}

	ok, wait := l.Allow(ClassAPI, "ip:1.2.3.4")
	assert.False(t, ok)
	assert.InDelta(t, float64(time.Second), float64(wait), float64(10*time.Millisecond))

	// 60/min refills one token per second
	clock.t = clock.t.Add(time.Second)
	ok, _ = l.Allow(ClassAPI, "ip:1.2.3.4")
	assert.True(t, ok)
}

func TestAllow_DeniedRequestsDoNotConsume(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1})

	ok, _ := l.Allow(ClassAPI, "a")
	require.True(t, ok)
	for range 10 {
		ok, _ = l.Allow(ClassAPI, "a")
		require.False(t, ok)
	}

	clock.t = clock.t.Add(time.Second)
	ok, _ = l.Allow(ClassAPI, "a")
	assert.True(t, ok, "rejected attempts must not push the refill further out")
}

func TestAllow_ClassesAndCallersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, TradesPerMinute: 6, TradeBurst: 1})

	ok, _ := l.Allow(ClassTrade, "acct:0.0.3001")
	require.True(t, ok)
	ok, wait := l.Allow(ClassTrade, "acct:0.0.3001")
	assert.False(t, ok)
	assert.InDelta(t, float64(10*time.Second), float64(wait), float64(10*time.Millisecond))

	ok, _ = l.Allow(ClassAPI, "acct:0.0.3001")
	assert.True(t, ok, "api bucket is separate from trade bucket")
	ok, _ = l.Allow(ClassTrade, "acct:0.0.3002")
	assert.True(t, ok, "each caller has its own bucket")
}

func TestEvictIdle(t *testing.T) {
	l, clock := newTestLimiter(t, Config{})

	l.Allow(ClassAPI, "old")
	clock.t = clock.t.Add(10 * time.Minute)
	l.Allow(ClassAPI, "fresh")

	l.evictIdle(clock.t.Add(-time.Minute))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "api|old")
	assert.Contains(t, l.buckets, "api|fresh")
}

func router(l *Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if acct := c.GetHeader("X-Test-Account"); acct != "" {
			c.Set("authAccount", acct)
		}
		c.Next()
	})
	r.Use(l.Middleware())
	trades := r.Group("", l.Trades())
	trades.GET("/listing", func(c *gin.Context) { c.Status(http.StatusOK) })
	trades.POST("/buy", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func send(r *gin.Engine, method, path, account string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if account != "" {
		req.Header.Set("X-Test-Account", account)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_KeysByAccount(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1})
	r := router(l)

	assert.Equal(t, http.StatusOK, send(r, "GET", "/listing", "0.0.3001").Code)

	w := send(r, "GET", "/listing", "0.0.3001")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, send(r, "GET", "/listing", "0.0.3002").Code)
	assert.Equal(t, http.StatusOK, send(r, "GET", "/listing", "").Code, "anonymous keyed by IP")
}

func TestTrades_OnlyStateChangingRequests(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 600, BurstSize: 50, TradesPerMinute: 1, TradeBurst: 1})
	r := router(l)

	assert.Equal(t, http.StatusOK, send(r, "POST", "/buy", "0.0.3003").Code)

	w := send(r, "POST", "/buy", "0.0.3003")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	for range 5 {
		assert.Equal(t, http.StatusOK, send(r, "GET", "/listing", "0.0.3003").Code)
	}
}
