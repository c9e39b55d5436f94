// Package http serves the loader's liveness probe and Prometheus metrics
// endpoint, following the teacher's gin-based HTTP server convention
// trimmed to these two routes.
package http

import (
	"context"
	"errors"
	"net/http"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loader/internal/health"
)

// Server exposes /healthz (backed by the shared health.Cell of
// spec.md §4.B) and /metrics (Prometheus).
type Server struct {
	addr   string
	engine *gin.Engine
	server *http.Server
	logger *slog.Logger
}

// NewServer builds the health/metrics Server. cell is read on every
// /healthz request; it is never mutated here.
func NewServer(addr string, cell *health.Cell, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		snap := cell.Snapshot()
		if !snap.Healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"healthy": false, "reason": snap.Reason})
			return
		}
		c.JSON(http.StatusOK, gin.H{"healthy": true})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Server{
		addr:   addr,
		engine: engine,
		logger: logger,
		server: &http.Server{Addr: addr, Handler: engine},
	}
}

// Start runs the server until Shutdown is called. It returns nil on a
// graceful http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("health/metrics server listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
