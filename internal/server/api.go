package server

import (
	"context"
	"net/http"
	"time"

	"github.com/aimerfeng/taskhub/internal/config"
	"github.com/aimerfeng/taskhub/internal/logging"
	"github.com/aimerfeng/taskhub/internal/middleware"
	"github.com/aimerfeng/taskhub/internal/monitoring"
	"github.com/aimerfeng/taskhub/internal/notify"
	"github.com/aimerfeng/taskhub/internal/ratelimit"
	"github.com/aimerfeng/taskhub/internal/review"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Pinger reports database reachability for the health check
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the API server
type Deps struct {
	// DB may be nil when running on the in-memory store
	DB      Pinger
	Service *review.Service
	Sweeper *review.Sweeper
	// Subscriber feeds the profile streams; nil means poll only
	Subscriber notify.Subscriber
	// SelectLimiter throttles selection attempts; nil disables throttling
	SelectLimiter ratelimit.Limiter
}

// APIServer represents the main API server
type APIServer struct {
	config           *config.Config
	router           *gin.Engine
	deps             Deps
	jwtAuthenticator *middleware.JWTAuthenticator
	logger           zerolog.Logger
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, deps Deps) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware in order
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &APIServer{
		config:           cfg,
		router:           router,
		deps:             deps,
		jwtAuthenticator: middleware.NewJWTAuthenticator(&cfg.JWT),
		logger:           logging.NewLogger("api"),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.jwtAuthenticator.JWTAuth())
	{
		jobs := v1.Group("/jobs/:id/profiles")
		{
			jobs.GET("", s.handleListProfiles)
			jobs.GET("/stream", s.handleStreamProfiles)
			jobs.POST("/:profileId/select", s.selectHandlers()...)
		}

		profiles := v1.Group("/profiles/:profileId")
		{
			profiles.POST("/complete", s.handleCompleteReview)
			profiles.POST("/cancel", s.handleCancelSelection)
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.RequireAdmin())
		{
			admin.GET("/sweeper/status", s.handleSweeperStatus)
			admin.POST("/sweeper/run", s.handleSweeperRun)
			admin.DELETE("/profiles/:profileId/locks", s.handleReleaseProfile)
		}
	}
}

func (s *APIServer) selectHandlers() []gin.HandlerFunc {
	if s.deps.SelectLimiter == nil {
		return []gin.HandlerFunc{s.handleSelectProfile}
	}
	return []gin.HandlerFunc{middleware.RateLimit(s.deps.SelectLimiter, "select"), s.handleSelectProfile}
}

// healthCheck reports liveness and database reachability
func (s *APIServer) healthCheck(c *gin.Context) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Health check database ping failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"service":  s.config.Server.Name,
				"database": "unreachable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": s.config.Server.Name,
	})
}
