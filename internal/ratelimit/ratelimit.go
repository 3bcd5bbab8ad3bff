// Package ratelimit throttles callers with token buckets.
//
// Callers are keyed by authenticated account when the auth middleware ran
// first, otherwise by client IP. Trade requests (anything that moves a
// token or money) draw from a second, smaller bucket on top of the
// general one, since each of them fans out into several ledger calls.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Class names a bucket family.
type Class string

const (
	ClassAPI   Class = "api"
	ClassTrade Class = "trade"
)

type Config struct {
	// RequestsPerMinute is the sustained rate per caller for all requests.
	RequestsPerMinute int
	BurstSize         int
	// TradesPerMinute is the sustained rate per caller for trade requests.
	TradesPerMinute int
	TradeBurst      int
	// CleanupInterval is how often idle callers are forgotten.
	CleanupInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         10,
		TradesPerMinute:   20,
		TradeBurst:        3,
		CleanupInterval:   time.Minute,
	}
}

// Limiter keeps one bucket per (class, caller).
type Limiter struct {
	limits  map[Class]bucketSpec
	cleanup time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type bucketSpec struct {
	every rate.Limit
	burst int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New starts a limiter and its idle-eviction loop. Zero fields take
// DefaultConfig values.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.TradesPerMinute <= 0 {
		cfg.TradesPerMinute = def.TradesPerMinute
	}
	if cfg.TradeBurst <= 0 {
		cfg.TradeBurst = def.TradeBurst
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	l := &Limiter{
		limits: map[Class]bucketSpec{
			ClassAPI:   {rate.Limit(float64(cfg.RequestsPerMinute) / 60), cfg.BurstSize},
			ClassTrade: {rate.Limit(float64(cfg.TradesPerMinute) / 60), cfg.TradeBurst},
		},
		cleanup: cfg.CleanupInterval,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.evictLoop()
	return l
}

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle(l.now().Add(-2 * l.cleanup))
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the eviction loop.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes a token for caller in class. When none is available it
// returns how long until one will be.
func (l *Limiter) Allow(class Class, caller string) (bool, time.Duration) {
	now := l.now()
	key := string(class) + "|" + caller

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		lim := l.limits[class]
		b = &bucket{limiter: rate.NewLimiter(lim.every, lim.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Middleware applies the general bucket to every request.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return l.handler(ClassAPI, func(*gin.Context) bool { return true })
}

// Trades applies the trade bucket to state-changing requests on a route
// group. Reads pass through.
func (l *Limiter) Trades() gin.HandlerFunc {
	return l.handler(ClassTrade, func(c *gin.Context) bool {
		return c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead
	})
}

func (l *Limiter) handler(class Class, applies func(*gin.Context) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !applies(c) {
			c.Next()
			return
		}
		ok, wait := l.Allow(class, callerKey(c))
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limit_exceeded",
				"message":    "Too many requests. Please slow down.",
				"class":      class,
				"retryAfter": secs,
			})
			return
		}
		c.Next()
	}
}

func callerKey(c *gin.Context) string {
	if account := c.GetString("authAccount"); account != "" {
		return "acct:" + account
	}
	return "ip:" + c.ClientIP()
}
