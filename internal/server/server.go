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
	"math/big"
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

	"github.com/arcadia-labs/arcadia/internal/chain"
	"github.com/arcadia-labs/arcadia/internal/config"
	"github.com/arcadia-labs/arcadia/internal/escrow"
	"github.com/arcadia-labs/arcadia/internal/generation"
	"github.com/arcadia-labs/arcadia/internal/health"
	"github.com/arcadia-labs/arcadia/internal/idgen"
	"github.com/arcadia-labs/arcadia/internal/logging"
	"github.com/arcadia-labs/arcadia/internal/metrics"
	"github.com/arcadia-labs/arcadia/internal/notify"
	"github.com/arcadia-labs/arcadia/internal/payments"
	"github.com/arcadia-labs/arcadia/internal/ratelimit"
	"github.com/arcadia-labs/arcadia/internal/realtime"
	"github.com/arcadia-labs/arcadia/internal/security"
	"github.com/arcadia-labs/arcadia/internal/traces"
	"github.com/arcadia-labs/arcadia/internal/validation"
	"github.com/arcadia-labs/arcadia/internal/watcher"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        payments.Store
	notifyStore  notify.Store
	chainClient  chain.Client
	service      *payments.Service
	reconciler   *payments.Reconciler
	expiryTimer  *payments.Timer
	chainWatcher *watcher.Watcher
	retryQueue   *generation.RetryQueue
	dispatcher   *notify.Dispatcher
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	traceStop    func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithChainClient injects a chain client (for testing)
func WithChainClient(c chain.Client) Option {
	return func(s *Server) {
		s.chainClient = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set chain client or logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

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
		s.store = payments.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = payments.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Chain access: real RPC if configured, otherwise the simulated
	// backend backed by a local escrow ledger.
	var prices payments.PriceSource
	if s.chainClient == nil {
		if cfg.RPCURL != "" {
			client, err := chain.Dial(ctx, cfg.RPCURL)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to RPC: %w", err)
			}
			s.chainClient = client
			s.logger.Info("chain RPC connected", "url", cfg.RPCURL, "chainId", cfg.ChainID)
		} else {
			owner := cfg.EscrowOwner
			if owner == "" {
				owner = cfg.Treasury
			}
			ledger, err := escrow.New(escrow.Config{
				Owner:    owner,
				Treasury: cfg.Treasury,
				TierPrices: map[escrow.Tier]*big.Int{
					escrow.TierBasic:      cfg.BasicPrice,
					escrow.TierPremium:    cfg.PremiumPrice,
					escrow.TierEnterprise: cfg.EnterprisePrice,
				},
				RefundWindow: cfg.RefundWindow,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create escrow ledger: %w", err)
			}
			sim, err := chain.NewSimBackend(ledger, common.HexToAddress(cfg.EscrowContract), big.NewInt(cfg.ChainID))
			if err != nil {
				return nil, fmt.Errorf("failed to create simulated backend: %w", err)
			}
			s.chainClient = sim
			prices = ledger
			s.logger.Info("using simulated chain backend (no RPC_URL set)")
		}
	}
	if prices == nil {
		prices = &staticPrices{prices: map[escrow.Tier]*big.Int{
			escrow.TierBasic:      cfg.BasicPrice,
			escrow.TierPremium:    cfg.PremiumPrice,
			escrow.TierEnterprise: cfg.EnterprisePrice,
		}}
	}

	verifier, err := payments.NewVerifier(s.chainClient, common.HexToAddress(cfg.EscrowContract), cfg.MinConfirmations)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}

	s.service = payments.NewService(s.store, prices, payments.ServiceConfig{
		Contract: cfg.EscrowContract,
		Network:  cfg.Network,
		ChainID:  cfg.ChainID,
		Expiry:   cfg.PaymentExpiry,
	})

	// Generation trigger: real HTTP service when configured, local
	// stand-in otherwise so completions still mint generation ids.
	var trigger generation.Trigger
	if cfg.GenerationURL != "" {
		trigger = generation.NewHTTPTrigger(cfg.GenerationURL, cfg.GenerationAPIKey)
		s.logger.Info("generation service configured", "url", cfg.GenerationURL)
	} else {
		trigger = generation.TriggerFunc(func(ctx context.Context, job generation.Job) (string, error) {
			id := idgen.WithPrefix("gen_")
			logging.L(ctx).Info("generation triggered (local mode)",
				"paymentId", job.PaymentID,
				"generationId", id,
			)
			return id, nil
		})
		s.logger.Info("generation service not configured, using local trigger")
	}

	s.retryQueue = generation.NewRetryQueue(trigger, func(ctx context.Context, paymentID, generationID string) {
		if err := s.store.SetGenerationID(ctx, paymentID, generationID); err != nil {
			s.logger.Error("failed to link redriven generation", "paymentId", paymentID, "error", err)
		}
	}, s.logger)

	// Status fan-out: webhook subscriptions plus WebSocket clients
	s.dispatcher = notify.NewDispatcher(s.notifyStore, s.logger,
		notify.WithCallbackSecret(cfg.WebhookSecret))
	s.realtimeHub = realtime.NewHub(s.logger)

	s.reconciler = payments.NewReconciler(s.store, verifier, trigger,
		payments.WithRetryQueue(s.retryQueue),
		payments.WithNotifier(multiNotifier{s.dispatcher, s.realtimeHub}),
	)
	s.expiryTimer = payments.NewTimer(s.reconciler, s.logger)

	// Chain watcher: completes payments whose transaction landed but
	// whose payer never called verify.
	if src, ok := s.chainClient.(watcher.Source); ok {
		s.chainWatcher = watcher.New(src, s.reconciler, watcher.Config{
			Contract:      common.HexToAddress(s.cfg.EscrowContract),
			Confirmations: s.cfg.MinConfirmations,
		}, s.logger)
	}

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
	client := s.chainClient
	s.healthReg.Register("chain", func(ctx context.Context) health.Status {
		if _, err := client.BlockNumber(ctx); err != nil {
			return health.Status{Name: "chain", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "chain", Healthy: true}
	})

	// Distributed tracing (no-op when endpoint unset)
	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceStop = stop
	}

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
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limitCfg)
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time payment status streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	signer := payments.NewSigner(s.cfg.WebhookSecret)
	paymentsHandler := payments.NewHandler(s.service, s.reconciler, signer, s.cfg.AdminSecret)
	paymentsHandler.RegisterRoutes(v1)

	// Callback subscription management
	notifyHandler := notify.NewHandler(s.notifyStore)
	notifyHandler.RegisterRoutes(v1)

	// Admin routes gated by X-Admin-Secret
	admin := v1.Group("/admin")
	paymentsHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	allHealthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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
		"name":        "Arcadia",
		"description": "Tiered micropayment processing for digital artwork generation",
		"version":     "0.1.0",
		"network":     s.cfg.Network,
		"chainId":     s.cfg.ChainID,
		"contract":    s.cfg.EscrowContract,
		"currency":    "ETH",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"network", s.cfg.Network,
			"contract", s.cfg.EscrowContract,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start payment expiry sweeper
	go s.expiryTimer.Start(runCtx)

	// Start generation redrive queue
	go s.retryQueue.Start(runCtx)

	// Start chain payment watcher
	if s.chainWatcher != nil {
		go s.chainWatcher.Start(runCtx)
	}

	// Periodic DB pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, timers, queue)
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

	// Stop payment expiry sweeper
	s.expiryTimer.Stop()
	s.logger.Info("expiry timer stopped")

	// Stop generation redrive queue
	s.retryQueue.Stop()
	s.logger.Info("retry queue stopped")

	// Stop chain payment watcher
	if s.chainWatcher != nil {
		s.chainWatcher.Stop()
		s.logger.Info("chain watcher stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close chain client
	if s.chainClient != nil {
		s.chainClient.Close()
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

// staticPrices quotes tier prices from configuration when no on-chain
// price source is available.
type staticPrices struct {
	prices map[escrow.Tier]*big.Int
}

func (p *staticPrices) TierPrice(tier escrow.Tier) (*big.Int, error) {
	price, ok := p.prices[tier]
	if !ok {
		return nil, escrow.ErrUnknownTier
	}
	return new(big.Int).Set(price), nil
}

// multiNotifier fans a status change out to several notifiers.
type multiNotifier []payments.Notifier

func (m multiNotifier) PaymentStatusChanged(req *payments.PaymentRequest) {
	for _, n := range m {
		n.PaymentStatusChanged(req)
	}
}
