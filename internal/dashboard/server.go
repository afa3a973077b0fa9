// Package dashboard serves the pharmacy directory and the Group Registry
// over HTTP: an HTML page for people and a JSON API for scripts.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pharmadir/internal/groups"
	"github.com/fyrsmithlabs/pharmadir/internal/logging"
)

// Config holds dashboard server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Deps are the collaborators the server needs.
type Deps struct {
	Source *Source
	Groups groups.Store
	Logger *logging.Logger

	// HTTPMetrics is optional.
	HTTPMetrics *HTTPMetrics

	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// Server provides the dashboard endpoints.
type Server struct {
	echo   *echo.Echo
	config Config
	source *Source
	groups groups.Store
	logger *logging.Logger
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// NewServer creates a dashboard server.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("snapshot source cannot be nil")
	}
	if deps.Groups == nil {
		return nil, fmt.Errorf("group store cannot be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("dashboard")
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	if deps.HTTPMetrics != nil {
		e.Use(deps.HTTPMetrics.Middleware())
	}

	s := &Server{
		echo:   e,
		config: cfg,
		source: deps.Source,
		groups: deps.Groups,
		logger: logger,
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.registerRoutes(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes(metricsHandler http.Handler) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(metricsHandler))

	// HTML page and its form actions
	s.echo.GET("/", s.handleIndex)
	s.echo.POST("/groups/add", s.handleFormAdd)
	s.echo.POST("/groups/delete", s.handleFormDelete)
	s.echo.POST("/groups/dates", s.handleFormDates)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/directory", s.handleDirectory)
	v1.GET("/directory/options", s.handleOptions)
	v1.GET("/directory/export.csv", s.handleExportCSV)
	v1.GET("/directory/export.xlsx", s.handleExportXLSX)

	v1.GET("/groups", s.handleListGroups)
	v1.POST("/groups", s.handleAddGroup)
	v1.DELETE("/groups", s.handleDeleteGroups)
	v1.PATCH("/groups/dates", s.handleUpdateDates)
	v1.GET("/groups/export.csv", s.handleExportGroups)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: "pharmadir"})
}

// Address returns host:port.
func (s *Server) Address() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start serves until ctx is canceled, then shuts down gracefully within the
// configured timeout. It returns http.ErrServerClosed after a clean
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := s.Address()
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info(ctx, "starting dashboard", zap.String("addr", addr))
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		s.logger.Info(ctx, "shutting down dashboard")
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// requestLogger puts the request ID on the request context and logs every
// request once it completes.
func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(ctx, "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	}
}
