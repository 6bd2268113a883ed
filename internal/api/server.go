package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chaos-exchange/internal/auth"
	"chaos-exchange/internal/candles"
	"chaos-exchange/internal/chaos"
	"chaos-exchange/internal/database"
	"chaos-exchange/internal/events"
	"chaos-exchange/internal/generator"
	"chaos-exchange/internal/leader"
	"chaos-exchange/internal/logging"
	"chaos-exchange/internal/market"
	"chaos-exchange/internal/positions"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimiter hands out one token bucket per client key.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	limit    rate.Limit
	burst    int
	idle     time.Duration
	lastGC   time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing perSecond requests per client
// with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		lastGC:   time.Now(),
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastGC) > r.idle {
		for k, cl := range r.limiters {
			if now.Sub(cl.lastSeen) > r.idle {
				delete(r.limiters, k)
			}
		}
		r.lastGC = now
	}

	cl, ok := r.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
}

// Deps are the services behind the API. Health checks the database and
// VaultHealth the secret store; either may be nil, as may the auth
// collaborators.
type Deps struct {
	Pairs     market.PairStore
	Candles   candles.Store
	Chaos     *chaos.Controller
	Generator *generator.Service
	Positions *positions.Service
	Bus       *events.EventBus
	Elector   leader.Elector
	JWT       *auth.JWTManager
	AdminKeys *auth.AdminKeyVerifier
	Health    func(ctx context.Context) error

	VaultHealth func(ctx context.Context) error
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	deps        Deps
	hub         *WSHub
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	now         func() time.Time
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	logger = logger.With().Str("component", "APIServer").Logger()

	router.Use(logging.GinMiddleware(logger))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", auth.HeaderAdminKey, logging.HeaderTraceID}
	corsConfig.ExposeHeaders = []string{"Content-Length", logging.HeaderTraceID}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		config:      config,
		deps:        deps,
		hub:         NewWSHub(logger),
		rateLimiter: NewRateLimiter(config.RateLimit, config.RateBurst),
		logger:      logger,
		now:         time.Now,
	}
	if deps.Bus != nil {
		s.hub.Attach(deps.Bus)
	}

	s.setupRoutes()
	return s
}

// rateLimitMiddleware limits requests per client IP. Websocket upgrades and
// metrics scrapes are exempt.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.RateLimit <= 0 {
			c.Next()
			return
		}
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/api/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	{
		api.GET("/health", s.handleHealth)
		api.GET("/pairs", s.handleListPairs)
		api.GET("/pairs/:symbol", s.handleGetPair)
		api.GET("/candles/:symbol", s.handleGetCandles)
		api.GET("/trades", s.handleListTrades)
	}

	user := api.Group("")
	if s.deps.JWT != nil {
		user.Use(auth.Middleware(s.deps.JWT))
	} else {
		user.Use(func(c *gin.Context) {
			errorResponse(c, http.StatusServiceUnavailable, "authentication is not configured")
			c.Abort()
		})
	}
	{
		user.GET("/balance", s.handleGetBalance)
		user.GET("/positions", s.handleListPositions)
		user.POST("/positions", s.handleOpenPosition)
		user.POST("/positions/:id/close", s.handleClosePosition)
	}

	admin := api.Group("/admin")
	admin.Use(auth.RequireAdminKey(s.deps.AdminKeys))
	{
		admin.GET("/chaos", s.handleGetChaos)
		admin.PUT("/chaos", s.handleSetChaos)
		admin.PUT("/pairs/:symbol/chaos", s.handleSetPairChaos)
		admin.POST("/pairs/:symbol/reset", s.handleResetPair)
		admin.POST("/generate", s.handleGenerate)
		admin.POST("/aggregate", s.handleAggregate)
	}
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Start runs the websocket hub and serves HTTP until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.Run(ctx)

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":            "healthy",
		"websocket_clients": s.hub.ClientCount(),
		"time":              s.now().UTC().Format(time.RFC3339),
	}
	if s.deps.Elector != nil {
		body["instance_id"] = s.deps.Elector.ID()
		body["leader"] = s.deps.Elector.IsLeader()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := []struct {
		name  string
		check func(context.Context) error
	}{
		{"database", s.deps.Health},
		{"vault", s.deps.VaultHealth},
	}
	for _, hc := range checks {
		if hc.check == nil {
			continue
		}
		if err := hc.check(ctx); err != nil {
			logging.FromContext(c.Request.Context(), s.logger).Warn().Err(err).Str("check", hc.name).Msg("Health check failed")
			body[hc.name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		body[hc.name] = "healthy"
	}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}

	c.JSON(status, body)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, positions.ErrValidation),
		errors.Is(err, candles.ErrUnknownTimeframe),
		errors.Is(err, chaos.ErrInvalidLevel):
		return http.StatusBadRequest
	case errors.Is(err, positions.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, positions.ErrNotFound),
		errors.Is(err, market.ErrUnknownSymbol):
		return http.StatusNotFound
	case errors.Is(err, positions.ErrAlreadyClosed),
		errors.Is(err, generator.ErrNotLeader):
		return http.StatusConflict
	case errors.Is(err, positions.ErrTransientStore),
		errors.Is(err, context.DeadlineExceeded),
		database.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs server-side failures and answers with the mapped status.
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(c.Request.Context(), s.logger).Error().
			Err(err).
			Str("path", c.FullPath()).
			Msg("Request failed")
	}
	errorResponse(c, status, err.Error())
}
