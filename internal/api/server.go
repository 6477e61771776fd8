package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"martingale-futures-bot/internal/events"
	"martingale-futures-bot/internal/orders"
	"martingale-futures-bot/internal/performance"
	"martingale-futures-bot/internal/trading"
)

// RateLimiter provides simple in-memory rate limiting per client
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
	now      func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Bot is the read-only view of the trading session the API serves.
type Bot interface {
	Status() orders.Status
	Trades() []trading.TradeRecord
	Tracker() *performance.Tracker
}

// HealthChecker is implemented by optional backing services such as the
// trade archive.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BreakerView exposes circuit breaker statistics.
type BreakerView interface {
	GetStats() map[string]interface{}
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Enabled        bool     `json:"enabled" env:"ENABLED"`
	Port           int      `json:"port" env:"PORT"`
	Host           string   `json:"host" env:"HOST"`
	ProductionMode bool     `json:"production_mode" env:"PRODUCTION_MODE"`
	AllowOrigins   []string `json:"allow_origins" env:"ALLOW_ORIGINS" envSeparator:","`
	RateLimit      int      `json:"rate_limit" env:"RATE_LIMIT"` // requests per minute per client
}

// DefaultServerConfig listens on localhost only.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:         8090,
		Host:         "127.0.0.1",
		AllowOrigins: []string{"http://localhost:5173", "http://localhost:8090"},
		RateLimit:    120,
	}
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	bot         Bot
	breaker     BreakerView
	health      map[string]HealthChecker
	hub         *WSHub
	rateLimiter *RateLimiter
	config      ServerConfig
	startedAt   time.Time
	logger      zerolog.Logger
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithHealthCheck adds a named dependency to /health.
func WithHealthCheck(name string, hc HealthChecker) Option {
	return func(s *Server) {
		if hc != nil {
			s.health[name] = hc
		}
	}
}

// WithBreaker exposes circuit breaker statistics on /api/status.
func WithBreaker(b BreakerView) Option {
	return func(s *Server) { s.breaker = b }
}

// WithEvents streams bus events on /ws/events.
func WithEvents(bus *events.EventBus) Option {
	return func(s *Server) {
		if bus != nil {
			s.hub = NewWSHub(s.logger)
			go s.hub.Run()
			bus.SubscribeAll(s.hub.BroadcastEvent)
		}
	}
}

// NewServer creates a new API server
func NewServer(config ServerConfig, bot Bot, logger zerolog.Logger, opts ...Option) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if config.RateLimit <= 0 {
		config.RateLimit = DefaultServerConfig().RateLimit
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.AllowOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		bot:         bot,
		health:      make(map[string]HealthChecker),
		rateLimiter: NewRateLimiter(config.RateLimit, time.Minute),
		config:      config,
		startedAt:   time.Now(),
		logger:      logger.With().Str("component", "api").Logger(),
	}
	router.Use(s.requestLogger(), s.rateLimitMiddleware())
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/performance", s.handlePerformance)
		api.GET("/trades", s.handleTrades)
	}

	if s.hub != nil {
		s.router.GET("/ws/events", s.handleEvents)
	}
}

// requestLogger logs each request through zerolog.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "Rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// Start starts the HTTP server and blocks until it is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
