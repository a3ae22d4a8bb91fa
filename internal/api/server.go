// Package api serves the project lifecycle operations and the project proxy
// over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/gitgenie/genie/internal/config"
	"github.com/gitgenie/genie/internal/orchestrator"
	"github.com/gitgenie/genie/internal/proxy"
)

// Lifecycle is the set of project operations the API exposes.
type Lifecycle interface {
	RunNewProject(ctx context.Context, req orchestrator.RunRequest) (orchestrator.Result, error)
	CheckStatus(ctx context.Context, userID, name string) (orchestrator.Status, error)
	RestartInPlace(ctx context.Context, userID, name string) (orchestrator.Result, error)
	StopProject(ctx context.Context, userID, name string) (orchestrator.Result, error)
}

// Forwarder proxies browser requests to running projects.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, t proxy.Target) error
	Mount() string
}

// RequestObserver records served requests.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, d time.Duration)
	Handler() http.Handler
}

// Server is the genie API server.
type Server struct {
	echo      *echo.Echo
	config    *config.Config
	lifecycle Lifecycle
	proxy     Forwarder
	metrics   RequestObserver
	logger    *slog.Logger
	started   time.Time
}

// New creates the server and registers its routes. m may be nil.
func New(cfg *config.Config, lc Lifecycle, px Forwarder, m RequestObserver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug
	e.HTTPErrorHandler = HTTPErrorHandler
	e.Validator = newRequestValidator()

	s := &Server{
		echo:      e,
		config:    cfg,
		lifecycle: lc,
		proxy:     px,
		metrics:   m,
		logger:    logger,
		started:   time.Now(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURI:       true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Info("request", attrs...)
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(SecurityHeaders)

	if len(s.config.Security.AllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(corsConfig(s.config.Security.AllowedOrigins)))
	}

	if s.metrics != nil {
		s.echo.Use(s.observeRequests)
	}
}

// observeRequests records each request under its route pattern.
func (s *Server) observeRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		status := c.Response().Status
		if err != nil {
			var apiErr *APIError
			var he *echo.HTTPError
			switch {
			case errors.As(err, &apiErr):
				status = apiErr.Code
			case errors.As(err, &he):
				status = he.Code
			default:
				status = http.StatusInternalServerError
			}
		}
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(c.Request().Method, route, status, time.Since(start))
		return err
	}
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := s.echo.Group("/api/v1")

	projects := v1.Group("/projects")
	if s.config.Security.RateLimit > 0 {
		projects.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(s.config.Security.RateLimit),
		)))
	}
	projects.POST("/:name/run", s.runProject, ValidateContentType)
	projects.GET("/:name/status", s.projectStatus)
	projects.POST("/:name/restart", s.restartProject)
	projects.POST("/:name/stop", s.stopProject)

	if s.proxy != nil {
		mount := s.proxy.Mount()
		s.echo.Any(mount, s.forward)
		s.echo.Any(mount+"/*", s.forward)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	addr := s.config.Server.Address()
	s.logger.Info("starting genie API server", "address", addr, "debug", s.config.Server.Debug)

	s.echo.Server.ReadTimeout = s.config.Server.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.Server.WriteTimeout

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down genie API server")
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	return nil
}

// corsConfig allows credentials only when no origin is the wildcard.
func corsConfig(origins []string) middleware.CORSConfig {
	credentials := true
	for _, o := range origins {
		if o == "*" {
			credentials = false
		}
	}
	return middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, UserHeader},
		AllowCredentials: credentials,
	}
}
