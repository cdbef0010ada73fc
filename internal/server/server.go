// Package server provides the HTTP API for retrieverd.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/retrieverd/internal/docstore"
	"github.com/fyrsmithlabs/retrieverd/internal/index"
	"github.com/fyrsmithlabs/retrieverd/internal/logging"
	"github.com/fyrsmithlabs/retrieverd/internal/partition"
	"github.com/fyrsmithlabs/retrieverd/internal/resolver"
	"github.com/fyrsmithlabs/retrieverd/internal/syncer"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Resolver answers retrieval queries.
type Resolver interface {
	Resolve(ctx context.Context, tenantID, projectID, query string, topK int) ([]resolver.ScoredPassage, error)
}

// Syncer drives synchronization and cleanup for tenant/project scopes.
type Syncer interface {
	Sync(ctx context.Context, tenantID, projectID string, kind partition.Kind, force bool) (*syncer.Result, error)
	TrySync(ctx context.Context, tenantID, projectID string, kind partition.Kind, force bool) (*syncer.Result, error)
	Cleanup(ctx context.Context, tenantID, projectID string) error
}

// Server provides HTTP endpoints for retrieverd.
type Server struct {
	echo     *echo.Echo
	resolver Resolver
	syncer   Syncer
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(res Resolver, sync Syncer, logger *zap.Logger, cfg *Config) (*Server, error) {
	if res == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	if sync == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		resolver: res,
		syncer:   sync,
		logger:   logger,
		config:   cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check and metrics
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.POST("/resolve", s.handleResolve)
	v1.POST("/sync", s.handleSync)
	v1.POST("/cleanup", s.handleCleanup)
}

// ResolveRequest is the request body for POST /api/v1/resolve.
type ResolveRequest struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	Query     string `json:"query"`
	TopK      int    `json:"top_k"`
}

// ResolveResponse is the response body for POST /api/v1/resolve.
type ResolveResponse struct {
	Passages []resolver.ScoredPassage `json:"passages"`
	Count    int                      `json:"count"`
}

// SyncRequest is the request body for POST /api/v1/sync.
type SyncRequest struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	Kind      string `json:"kind"`
	Force     bool   `json:"force"`
	// Wait joins an in-flight sync instead of failing with a conflict.
	Wait bool `json:"wait"`
}

// CleanupRequest is the request body for POST /api/v1/cleanup.
type CleanupRequest struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
}

// CleanupResponse is the response body for POST /api/v1/cleanup.
type CleanupResponse struct {
	Status string `json:"status"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// scopedContext attaches the tenant scope and request ID to the request
// context so downstream spans and log entries correlate.
func scopedContext(c echo.Context, tenantID, projectID string) context.Context {
	ctx := logging.WithScope(c.Request().Context(), logging.Scope{
		TenantID:  tenantID,
		ProjectID: projectID,
	})
	return logging.WithRequestID(ctx, c.Response().Header().Get(echo.HeaderXRequestID))
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleResolve runs a tiered retrieval query.
func (s *Server) handleResolve(c echo.Context) error {
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid resolve request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.TenantID == "" || req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id and project_id fields are required")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}

	ctx := scopedContext(c, req.TenantID, req.ProjectID)
	passages, err := s.resolver.Resolve(ctx, req.TenantID, req.ProjectID, req.Query, req.TopK)
	if err != nil {
		return s.httpError(ctx, err)
	}

	if passages == nil {
		passages = []resolver.ScoredPassage{}
	}
	return c.JSON(http.StatusOK, ResolveResponse{
		Passages: passages,
		Count:    len(passages),
	})
}

// handleSync triggers a synchronization run for one scope and kind.
func (s *Server) handleSync(c echo.Context) error {
	var req SyncRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid sync request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.TenantID == "" || req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id and project_id fields are required")
	}
	kind, err := partition.ParseKind(req.Kind)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := scopedContext(c, req.TenantID, req.ProjectID)
	var result *syncer.Result
	if req.Wait {
		result, err = s.syncer.Sync(ctx, req.TenantID, req.ProjectID, kind, req.Force)
	} else {
		result, err = s.syncer.TrySync(ctx, req.TenantID, req.ProjectID, kind, req.Force)
	}
	if err != nil {
		return s.httpError(ctx, err)
	}

	return c.JSON(http.StatusOK, result)
}

// handleCleanup removes every partition and sync state for a scope.
func (s *Server) handleCleanup(c echo.Context) error {
	var req CleanupRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid cleanup request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.TenantID == "" || req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id and project_id fields are required")
	}

	ctx := scopedContext(c, req.TenantID, req.ProjectID)
	if err := s.syncer.Cleanup(ctx, req.TenantID, req.ProjectID); err != nil {
		return s.httpError(ctx, err)
	}

	return c.JSON(http.StatusOK, CleanupResponse{Status: "cleaned"})
}

// httpError maps domain errors onto HTTP status codes.
func (s *Server) httpError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, syncer.ErrSyncConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, partition.ErrInvalidIdentifier),
		errors.Is(err, partition.ErrInvalidPartitionName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, docstore.ErrStoreUnavailable),
		errors.Is(err, index.ErrIndexUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, docstore.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		s.logger.With(logging.ContextFields(ctx)...).Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
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
