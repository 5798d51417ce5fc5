package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aman-churiwal/edge-gateway/internal/config"
	"github.com/aman-churiwal/edge-gateway/internal/handler"
	"github.com/aman-churiwal/edge-gateway/internal/middleware"
)

// Deps are the handlers the server routes to. Analytics and Metrics are
// optional.
type Deps struct {
	Proxy     gin.HandlerFunc
	System    *handler.SystemHandler
	Analytics *handler.AnalyticsHandler
	Metrics   http.Handler
	Logger    *zap.Logger
}

type Server struct {
	router     *gin.Engine
	config     *config.Config
	deps       Deps
	logger     *zap.Logger
	httpServer *http.Server
}

func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Proxy == nil {
		return nil, errors.New("server: proxy handler is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	// Every unclaimed path belongs to the backend, verbatim.
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false

	// An empty list trusts no proxy, so ClientIP is the peer address.
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, err
	}

	s := &Server{
		router: router,
		config: cfg,
		deps:   deps,
		logger: deps.Logger,
	}
	// Built up front so Shutdown may run before or during Run.
	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:  cfg.Server.ReadTimeout.Duration(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID())
}

func (s *Server) setupRoutes() {
	if s.config.Admin.Enabled() && s.deps.System != nil {
		admin := s.router.Group(s.config.Admin.PathPrefix)
		admin.Use(middleware.Logger(s.logger))
		admin.Use(middleware.AdminAuth(s.config.Admin.Username, s.config.Admin.PasswordHash))
		{
			admin.GET("/status", s.deps.System.Status)
			admin.GET("/circuit-breaker", s.deps.System.CircuitBreakerStatus)
			admin.POST("/circuit-breaker/reset", s.deps.System.ResetCircuitBreaker)
			if s.deps.Metrics != nil {
				admin.GET("/metrics", gin.WrapH(s.deps.Metrics))
			}
			if s.deps.Analytics != nil {
				admin.GET("/analytics", s.deps.Analytics.GetSummary)
				admin.GET("/logs", s.deps.Analytics.GetLogs)
			}
		}
		s.logger.Info("Admin routes enabled", zap.String("prefix", s.config.Admin.PathPrefix))
	}

	s.router.NoRoute(s.deps.Proxy)
}

// Run serves until Shutdown. A server shut down before Run returns nil
// without listening.
func (s *Server) Run() error {
	s.logger.Info("Starting gateway",
		zap.String("addr", s.httpServer.Addr),
		zap.String("environment", s.config.Server.Environment),
		zap.String("backend", s.config.Backend.BaseURL),
	)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
