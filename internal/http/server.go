// Package http provides the operational HTTP API for conductd: health,
// Prometheus metrics, and read-only orchestration state with an operator
// cancel switch.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/feature"
)

// UnitReader is the read-only store surface the API serves from.
type UnitReader interface {
	GetUnit(ctx context.Context, projectID, unitID string) (*feature.Unit, error)
	ListUnits(ctx context.Context, projectID string) ([]*feature.Unit, error)
	ListRuns(ctx context.Context, unitID string) ([]*feature.Run, error)
}

// Canceller aborts running units.
type Canceller interface {
	Cancel(unitID, reason string) bool
	Active() []string
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the conductd HTTP endpoints.
type Server struct {
	echo      *echo.Echo
	units     UnitReader
	canceller Canceller
	project   string
	logger    *zap.Logger
	config    *Config
}

// NewServer creates the operational HTTP server. gatherer may be nil to
// disable the metrics endpoint; canceller may be nil for read-only mode.
func NewServer(projectID string, units UnitReader, canceller Canceller,
	gatherer prometheus.Gatherer, logger *zap.Logger, cfg *Config) (*Server, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id cannot be empty")
	}
	if units == nil {
		return nil, fmt.Errorf("unit reader cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		units:     units,
		canceller: canceller,
		project:   projectID,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes(gatherer)
	return s, nil
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/units", s.handleListUnits)
	v1.GET("/units/:id", s.handleGetUnit)
	v1.GET("/units/:id/runs", s.handleListRuns)
	v1.POST("/units/:id/cancel", s.handleCancelUnit)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse summarizes the plan for GET /api/v1/status.
type StatusResponse struct {
	Project string         `json:"project"`
	Units   map[string]int `json:"units"`
	Active  []string       `json:"active,omitempty"`
	Done    bool           `json:"done"`
}

// CancelRequest is the request body for POST /api/v1/units/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	units, err := s.units.ListUnits(c.Request().Context(), s.project)
	if err != nil {
		s.logger.Error("listing units", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list units")
	}

	counts := make(map[string]int)
	done := true
	for _, u := range units {
		counts[string(u.Status)]++
		if !u.Status.Terminal() {
			done = false
		}
	}
	resp := StatusResponse{Project: s.project, Units: counts, Done: done && len(units) > 0}
	if s.canceller != nil {
		resp.Active = s.canceller.Active()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListUnits(c echo.Context) error {
	units, err := s.units.ListUnits(c.Request().Context(), s.project)
	if err != nil {
		s.logger.Error("listing units", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list units")
	}
	return c.JSON(http.StatusOK, units)
}

func (s *Server) handleGetUnit(c echo.Context) error {
	unit, err := s.units.GetUnit(c.Request().Context(), s.project, c.Param("id"))
	if errors.Is(err, feature.ErrUnitNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "unit not found")
	}
	if err != nil {
		s.logger.Error("fetching unit", zap.String("unit", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch unit")
	}
	return c.JSON(http.StatusOK, unit)
}

func (s *Server) handleListRuns(c echo.Context) error {
	unitID := c.Param("id")
	if _, err := s.units.GetUnit(c.Request().Context(), s.project, unitID); err != nil {
		if errors.Is(err, feature.ErrUnitNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unit not found")
		}
		s.logger.Error("fetching unit", zap.String("unit", unitID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch unit")
	}

	runs, err := s.units.ListRuns(c.Request().Context(), unitID)
	if err != nil {
		s.logger.Error("listing runs", zap.String("unit", unitID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list runs")
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) handleCancelUnit(c echo.Context) error {
	if s.canceller == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scheduler is not running")
	}

	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	unitID := c.Param("id")
	if !s.canceller.Cancel(unitID, req.Reason) {
		return echo.NewHTTPError(http.StatusConflict, "unit is not running")
	}
	s.logger.Info("unit cancelled via api", zap.String("unit", unitID))
	return c.NoContent(http.StatusAccepted)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
