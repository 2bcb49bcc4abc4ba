// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/sessionpay/internal/auth"
	"github.com/mbd888/sessionpay/internal/chain"
	"github.com/mbd888/sessionpay/internal/config"
	"github.com/mbd888/sessionpay/internal/keyvault"
	"github.com/mbd888/sessionpay/internal/logging"
	"github.com/mbd888/sessionpay/internal/metrics"
	"github.com/mbd888/sessionpay/internal/noncestore"
	"github.com/mbd888/sessionpay/internal/paygate"
	"github.com/mbd888/sessionpay/internal/payment"
	"github.com/mbd888/sessionpay/internal/ratelimit"
	"github.com/mbd888/sessionpay/internal/refund"
	"github.com/mbd888/sessionpay/internal/security"
	"github.com/mbd888/sessionpay/internal/session"
	"github.com/mbd888/sessionpay/internal/traces"
	"github.com/mbd888/sessionpay/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	gateway      chain.Gateway
	sessions     *session.Manager
	sessionStore session.Store
	nonces       noncestore.Store
	nonceSweeper *noncestore.Sweeper
	payments     *payment.Engine
	refunds      *refund.Engine
	gateStore    paygate.Store
	gate         *paygate.Gate
	authMgr      *auth.Manager
	rateLimiter  *ratelimit.Limiter
	redis        *redis.Client // nil if using in-memory nonces
	db           *sql.DB       // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc         // cancels background goroutines started in Run
	stopTraces   func(context.Context) error

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

// WithGateway sets a custom chain gateway (for testing)
func WithGateway(g chain.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	vault, err := keyvault.NewAESVault(cfg.VaultKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open key vault: %w", err)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.sessionStore = session.NewPostgresStore(db)
		s.gateStore = paygate.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.sessionStore = session.NewMemoryStore()
		s.gateStore = paygate.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Nonce store (Redis if REDIS_URL set, otherwise in-memory with sweeper)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
		if err := s.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.nonces = noncestore.NewRedisStore(s.redis, cfg.NonceTTL)
		s.logger.Info("using Redis nonce store", "ttl", cfg.NonceTTL)
	} else {
		mem := noncestore.NewMemoryStore(cfg.NonceTTL)
		s.nonces = mem
		s.nonceSweeper = noncestore.NewSweeper(mem, time.Minute, s.logger)
		s.logger.Info("using in-memory nonce store", "ttl", cfg.NonceTTL)
	}

	// Identity tokens
	s.authMgr, err = auth.NewManager(cfg.IdentityJWTSecret, auth.DefaultTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth manager: %w", err)
	}

	// Session lifecycle
	s.sessions, err = session.NewManager(s.sessionStore, vault, cfg.SessionCeiling, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	// Chain gateway if not injected
	if s.gateway == nil {
		g, err := chain.New(chain.Config{
			RPCURL:              cfg.RPCURL,
			ChainID:             cfg.ChainID,
			StableContract:      cfg.StableContract,
			FacilitatorContract: cfg.FacilitatorContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain gateway: %w", err)
		}
		s.gateway = g
	}

	// Payment engine writes the settled-payment ledger the gate reads.
	s.payments = payment.NewEngine(s.sessions, s.sessionStore, s.nonces, s.gateway, s.logger).
		WithLedger(s.gateStore)
	s.refunds = refund.NewEngine(s.sessions, s.sessionStore, s.nonces, s.gateway, s.logger).
		WithLedger(s.gateStore)
	s.gate = paygate.NewGate(s.gateStore, cfg.PlatformAddress, cfg.GateFreshness, s.logger)
	s.logger.Info("payment gate enabled",
		"platform", cfg.PlatformAddress, "freshness", cfg.GateFreshness)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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

// toolPrices maps gated demo tools to their per-call price in USDC.
var toolPrices = map[string]string{
	"joke":    "0.001",
	"echo":    "0.001",
	"premium": "0.01",
}

func priceFor(tool string) (string, bool) {
	price, ok := toolPrices[tool]
	return price, ok
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info endpoint
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.SessionIDParamMiddleware())

	// PUBLIC ROUTES (no auth required)
	v1.GET("/platform", s.platformHandler)

	// Token mint (stands in for a wallet-signature challenge; see auth.Handler)
	authHandler := auth.NewHandler(s.authMgr)
	authHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require identity token)
	// Session lifecycle, payments, and refunds all act on the caller's own
	// sessions, so everything here runs behind RequireAuth.
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		session.NewHandler(s.sessions).RegisterRoutes(protected)
		payment.NewHandler(s.payments).RegisterRoutes(protected)
		refund.NewHandler(s.refunds).RegisterRoutes(protected)
	}

	// GATED ROUTES (require identity token AND a settled payment)
	// Demo tools priced per call; the gate consumes the referenced payment
	// exactly once before the handler runs.
	gated := v1.Group("/tools")
	gated.Use(auth.Middleware(s.authMgr), s.gate.Middleware(priceFor))
	{
		gated.POST("/:tool/invoke", s.invokeToolHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string)

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy: " + err.Error()
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			checks["nonce_store"] = "unhealthy: " + err.Error()
		} else {
			checks["nonce_store"] = "healthy"
		}
	} else {
		checks["nonce_store"] = "in-memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" && v != "in-memory" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
		"name":        "Sessionpay",
		"description": "Session-wallet stablecoin micropayments",
		"version":     "0.1.0",
		"chain":       "base-sepolia",
		"currency":    "USDC",
	})
}

// platformHandler returns platform info plus the flow a client follows
func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":            "Sessionpay",
			"version":         "0.1.0",
			"platformAddress": s.cfg.PlatformAddress,
			"chain":           "base-sepolia",
			"chainId":         s.cfg.ChainID,
			"usdcContract":    s.cfg.StableContract,
			"sessionCeiling":  s.cfg.SessionCeiling,
		},
		"instructions": gin.H{
			"authenticate": "POST /v1/auth/token with your wallet address, then send the token as a Bearer header.",
			"open":         "POST /v1/sessions with maxSpend. Fund the returned sessionAddress with USDC and a little gas.",
			"pay":          "POST /v1/sessions/{id}/pay with amount and recipient. The receipt's txRef unlocks gated tools.",
			"invoke":       "POST /v1/tools/{tool}/invoke with the X-Payment-TxRef header set to a fresh receipt.",
			"refund":       "POST /v1/sessions/{id}/refund to sweep leftover funds back to your wallet.",
		},
	})
}

var jokes = []string{
	"Why do programmers prefer dark mode? Because light attracts bugs.",
	"There are only 10 types of people: those who understand binary and those who don't.",
	"A SQL query walks into a bar, walks up to two tables and asks... 'Can I join you?'",
	"Why do Java developers wear glasses? Because they don't C#.",
	"!false - It's funny because it's true.",
}

// invokeToolHandler serves the gated demo tools. The gate middleware has
// already verified and consumed the payment by the time this runs.
func (s *Server) invokeToolHandler(c *gin.Context) {
	txRef := c.GetString("gatedTxRef")

	switch c.Param("tool") {
	case "joke":
		joke := jokes[time.Now().Unix()%int64(len(jokes))]
		c.JSON(http.StatusOK, gin.H{
			"joke":       joke,
			"paid":       true,
			"payment_tx": txRef,
		})
	case "echo":
		var body map[string]interface{}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_json",
				"message": "Request body must be valid JSON",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"echo":       body,
			"paid":       true,
			"payment_tx": txRef,
		})
	case "premium":
		c.JSON(http.StatusOK, gin.H{
			"content":    "This is premium content worth $0.01",
			"paid":       true,
			"payment_tx": txRef,
		})
	default:
		// Unreachable: the gate rejects unknown tools with 404 first.
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_tool", "message": "No such tool"})
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no OTLP endpoint is configured)
	stopTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTraces = stopTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"platform", s.cfg.PlatformAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start nonce TTL sweeper (in-memory store only; Redis expires keys itself)
	if s.nonceSweeper != nil {
		go s.nonceSweeper.Start(runCtx)
	}

	// Periodic DB pool and runtime gauges
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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

	// Cancel the context for all background goroutines (sweeper, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop nonce sweeper
	if s.nonceSweeper != nil {
		s.nonceSweeper.Stop()
		s.logger.Info("nonce sweeper stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close redis connection
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
