// Package http is the event intake boundary for swarmd. Hook scripts
// post agent lifecycle events (spawn requests, terminations, resource
// writes) and external tools read and edit the hierarchy through it.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/alignment"
	"github.com/fyrsmithlabs/swarmd/internal/bus"
	"github.com/fyrsmithlabs/swarmd/internal/collision"
	"github.com/fyrsmithlabs/swarmd/internal/hierarchy"
	"github.com/fyrsmithlabs/swarmd/internal/progress"
	"github.com/fyrsmithlabs/swarmd/internal/recovery"
	"github.com/fyrsmithlabs/swarmd/internal/spawn"
)

// Server serves the swarmd intake and query API.
type Server struct {
	echo   *echo.Echo
	config *Config
	logger *zap.Logger

	store      *hierarchy.Store
	validator  *spawn.Validator
	engine     *recovery.Engine
	aggregator *progress.Aggregator
	detector   *collision.Detector

	// observer and events are optional; the routes that use them degrade
	// gracefully when they are absent.
	observer *alignment.Observer
	events   *bus.Bus
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the intake server. The store, validator, recovery
// engine, aggregator, and collision detector are required; the alignment
// observer and event bus may be nil.
func NewServer(
	cfg *Config,
	store *hierarchy.Store,
	validator *spawn.Validator,
	engine *recovery.Engine,
	aggregator *progress.Aggregator,
	detector *collision.Detector,
	observer *alignment.Observer,
	events *bus.Bus,
	logger *zap.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("hierarchy store is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("spawn validator is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("recovery engine is required")
	}
	if aggregator == nil {
		return nil, fmt.Errorf("progress aggregator is required")
	}
	if detector == nil {
		return nil, fmt.Errorf("collision detector is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9180,
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
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s := &Server{
		echo:       e,
		config:     cfg,
		logger:     logger,
		store:      store,
		validator:  validator,
		engine:     engine,
		aggregator: aggregator,
		detector:   detector,
		observer:   observer,
		events:     events,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	// Event intake
	v1.POST("/events/spawn", s.handleSpawn)
	v1.POST("/events/terminated", s.handleTerminated)
	v1.POST("/events/resource-write", s.handleResourceWrite)

	// Hierarchy queries and edits
	v1.GET("/hierarchy", s.handleHierarchy)
	v1.GET("/hierarchy/:level/:id", s.handleNode)
	v1.PUT("/hierarchy/:level/:id", s.handleEditNode)
	v1.GET("/agents", s.handleAgents)
	v1.GET("/alignment/:visionID", s.handleAlignment)
}

// handleHealth reports liveness plus store counts.
func (s *Server) handleHealth(c echo.Context) error {
	stats := s.store.Stats()
	return c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Nodes:  stats.Nodes,
		Agents: stats.Agents,
	})
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
