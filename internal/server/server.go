// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/assetescrow/internal/audit"
	"github.com/mbd888/assetescrow/internal/auth"
	"github.com/mbd888/assetescrow/internal/circuitbreaker"
	"github.com/mbd888/assetescrow/internal/config"
	"github.com/mbd888/assetescrow/internal/custody"
	"github.com/mbd888/assetescrow/internal/fees"
	"github.com/mbd888/assetescrow/internal/health"
	"github.com/mbd888/assetescrow/internal/idgen"
	"github.com/mbd888/assetescrow/internal/ledger"
	"github.com/mbd888/assetescrow/internal/listing"
	"github.com/mbd888/assetescrow/internal/logging"
	"github.com/mbd888/assetescrow/internal/metrics"
	"github.com/mbd888/assetescrow/internal/offers"
	"github.com/mbd888/assetescrow/internal/ratelimit"
	"github.com/mbd888/assetescrow/internal/realtime"
	"github.com/mbd888/assetescrow/internal/reconciliation"
	"github.com/mbd888/assetescrow/internal/retry"
	"github.com/mbd888/assetescrow/internal/security"
	"github.com/mbd888/assetescrow/internal/settlement"
	"github.com/mbd888/assetescrow/internal/traces"
	"github.com/mbd888/assetescrow/internal/validation"
)

const auditQueueSize = 1024

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	ledger       ledger.Client
	rpcClient    *ledger.RPCClient // nil unless dialed here
	breaker      *circuitbreaker.Breaker
	resolver     *listing.Resolver
	custodySvc   *custody.Service // nil when a remote custodian is configured
	orchestrator *settlement.Orchestrator
	catalog      settlement.CatalogStore
	offers       *offers.Service
	incidents    *reconciliation.Service
	incidentTmr  *reconciliation.Timer
	emitter      *audit.AsyncEmitter
	auditReader  audit.Reader
	realtimeHub  *realtime.Hub
	authMgr      *auth.Manager
	sessions     *auth.MemoryStore
	healthChecks *health.Registry
	rateLimiter  *ratelimit.Limiter

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLedger sets the ledger client (for testing). The client is still
// wrapped with the circuit breaker.
func WithLedger(c ledger.Client) Option {
	return func(s *Server) {
		s.ledger = c
	}
}

// WithVersion sets the version reported by /health
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set ledger/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		auditStore    audit.Sink
		offerStore    offers.Store
		incidentStore reconciliation.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.catalog = settlement.NewPostgresCatalog(db)
		pgSink := audit.NewPostgresSink(db)
		auditStore, s.auditReader = pgSink, pgSink
		offerStore = offers.NewPostgresStore(db)
		incidentStore = reconciliation.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.catalog = settlement.NewMemoryCatalog()
		memSink := audit.NewMemorySink()
		auditStore, s.auditReader = memSink, memSink
		offerStore = offers.NewMemoryStore()
		incidentStore = reconciliation.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Ledger: injected, remote gateway, or simulated
	var demoLedger *ledger.MemoryLedger
	if s.ledger == nil {
		if cfg.LedgerRPCURL != "" {
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			rc, err := ledger.DialRPC(dialCtx, cfg.LedgerRPCURL)
			cancel()
			if err != nil {
				s.closeDB()
				return nil, fmt.Errorf("failed to dial ledger: %w", err)
			}
			s.rpcClient = rc
			s.ledger = rc
			s.logger.Info("using ledger gateway", "url", cfg.LedgerRPCURL)
		} else {
			demoLedger = ledger.NewMemoryLedger()
			s.ledger = demoLedger
			s.logger.Info("using simulated in-memory ledger")
		}
	}
	s.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	guarded := ledger.NewGuarded(s.ledger, s.breaker)

	readPolicy := retry.Policy{Attempts: cfg.DeliveryAttempts, BaseDelay: cfg.DeliveryBaseDelay}
	s.resolver = listing.NewResolver(guarded, cfg.EscrowAccount).
		WithLogger(s.logger).
		WithHistoryLimit(cfg.HistoryLimit).
		WithRetryPolicy(readPolicy)

	// Custodian: remote co-signer, or in-process
	custodian, err := s.setupCustody(guarded.Scoped(custody.CircuitScope))
	if err != nil {
		s.closeDB()
		return nil, err
	}

	calc, err := fees.NewCalculator(cfg.PlatformFeePct)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("invalid platform fee: %w", err)
	}

	// Audit trail fans out to storage and realtime subscribers
	s.realtimeHub = realtime.NewHub(s.logger)
	s.emitter = audit.NewAsyncEmitter(auditQueueSize, auditStore, s.realtimeHub).WithLogger(s.logger)

	s.incidents = reconciliation.NewService(incidentStore).WithLogger(s.logger)
	s.incidentTmr = reconciliation.NewTimer(s.incidents, s.logger)

	s.orchestrator = settlement.NewOrchestrator(guarded, s.resolver, custodian, calc, s.catalog, settlement.Config{
		EscrowAccount:   cfg.EscrowAccount,
		PlatformAccount: cfg.PlatformAccount,
		SettlementToken: cfg.SettlementToken,
		Delivery:        readPolicy,
	}).
		WithEmitter(s.emitter).
		WithRecorder(s.incidents).
		WithLogger(s.logger).
		WithReadPolicy(readPolicy)

	s.offers = offers.NewService(offerStore, s.resolver).
		WithEmitter(s.emitter).
		WithLogger(s.logger)

	// Sessions are issued elsewhere; this process only validates them
	s.sessions = auth.NewMemoryStoreFromTable(cfg.SessionTokens)
	s.authMgr = auth.NewManager(s.sessions, cfg.AdminAccounts)

	if demoLedger != nil && cfg.IsDevelopment() {
		if err := s.seedDemo(ctx, demoLedger); err != nil {
			s.logger.Warn("failed to seed demo data", "error", err)
		}
	}

	s.healthChecks = health.NewRegistry()
	if s.db != nil {
		s.healthChecks.Register("database", health.DBChecker(s.db))
	}
	s.healthChecks.Register("ledger", health.LedgerChecker(s.ledger, cfg.EscrowAccount, cfg.SettlementToken))
	s.healthChecks.Register("ledger_breaker", health.BreakerChecker(s.breaker,
		ledger.OpTransferFungible, ledger.OpTransferNonFungible, ledger.OpAssociateToken,
		ledger.OpGetHolder, ledger.OpGetTransferHistory, ledger.OpGetHoldings, ledger.OpGetBalance,
		custody.CircuitScope+"."+ledger.OpTransferNonFungible, custody.CircuitRemote,
	))

	// Setup Gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()

	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) setupCustody(client ledger.Client) (custody.Custodian, error) {
	var operator common.Address
	var signer *custody.Signer
	if s.cfg.OperatorKey != "" {
		var err error
		signer, err = custody.NewSigner(s.cfg.OperatorKey)
		if err != nil {
			return nil, fmt.Errorf("invalid operator key: %w", err)
		}
		operator = signer.Address()
	}

	if s.cfg.CustodianURL != "" {
		s.logger.Info("using remote custodian", "url", s.cfg.CustodianURL, "operator", operator.Hex())
		return custody.NewClient(s.cfg.CustodianURL, signer).WithBreaker(s.breaker), nil
	}

	s.custodySvc = custody.NewService(client, s.resolver, s.cfg.EscrowAccount, operator).WithLogger(s.logger)
	s.logger.Info("using in-process custodian", "escrow", s.cfg.EscrowAccount)
	return s.custodySvc, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Request ID and span before anything that logs
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(traces.Middleware())

	// Sessions are resolved first so rate limiting can key on the account
	s.router.Use(auth.Middleware(s.authMgr))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		TradesPerMinute:   s.cfg.TradeRateLimitRPM,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		if account := auth.GetAccount(c); account != "" {
			logger = logger.With("account", account)
		}

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health checks
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)

	// Prometheus metrics
	s.router.GET("/metrics", metrics.Handler())

	// Realtime trade events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.TokenParamMiddleware())
	v1.GET("/info", s.infoHandler)

	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)

	settlementHandler := settlement.NewHandler(s.orchestrator, s.resolver, s.catalog)
	offerHandler := offers.NewHandler(s.offers)

	// Public reads
	settlementHandler.RegisterRoutes(v1)
	offerHandler.RegisterRoutes(v1)
	audit.NewHandler(s.auditReader).RegisterRoutes(v1)

	// Operator-signed custody path, only when this process is the custodian
	// and a signing key is configured
	if s.custodySvc != nil && s.cfg.OperatorKey != "" {
		custody.NewHandler(s.custodySvc).RegisterRoutes(v1)
	}

	// Session-authenticated routes
	protected := v1.Group("")
	protected.Use(auth.RequireAuth(), s.rateLimiter.Trades())
	protected.GET("/auth/me", authHandler.Me)
	settlementHandler.RegisterProtectedRoutes(protected)
	offerHandler.RegisterProtectedRoutes(protected)

	// Operator routes
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.authMgr))
	settlementHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.incidents).RegisterAdminRoutes(admin)
	admin.GET("/ledger/circuits", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"circuits": s.breaker.Snapshot()})
	})
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthChecks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		switch {
		case st.Healthy:
			checks[st.Name] = "healthy"
		case st.Detail != "":
			checks[st.Name] = "unhealthy: " + st.Detail
		default:
			checks[st.Name] = "unhealthy"
		}
	}

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":         s.version,
		"escrowAccount":   s.cfg.EscrowAccount,
		"platformAccount": s.cfg.PlatformAccount,
		"settlementToken": s.cfg.SettlementToken,
		"platformFeePct":  s.cfg.PlatformFeePct.String(),
		"remoteCustodian": s.cfg.CustodianURL != "",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"escrow", s.cfg.EscrowAccount,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.emitter.Run(runCtx)
	go s.incidentTmr.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// In-flight trades are done; stop the background loops
	if s.incidentTmr != nil {
		s.incidentTmr.Stop()
		s.logger.Info("reconciliation timer stopped")
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()

		// The emitter flushes its queue on cancel; wait so nothing is lost
		// before the database closes.
		select {
		case <-s.emitter.Done():
			s.logger.Info("audit emitter drained")
		case <-ctx.Done():
			s.logger.Warn("audit emitter did not drain before deadline")
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.rpcClient != nil {
		s.rpcClient.Close()
		s.logger.Info("ledger connection closed")
	}

	s.closeDB()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
