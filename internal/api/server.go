package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vigilstack/vigil-detect/internal/buffer"
	"github.com/vigilstack/vigil-detect/internal/config"
	"github.com/vigilstack/vigil-detect/internal/detect"
	"github.com/vigilstack/vigil-detect/internal/engine"
	"github.com/vigilstack/vigil-detect/internal/models"
)

// Engine is the surface the ops API needs from the detection engine.
type Engine interface {
	Health() engine.Health
	RecentAnomalies(limit int) []models.DetectionResult
	PredictOne(metric string, value float64) (detect.Score, error)
	FitNow(ctx context.Context, metric string) error
}

// Server is the operational HTTP listener: health and buffer queries,
// detector inventory, recent anomalies, and the Prometheus endpoint.
// It never ingests points; ingestion stays on the pipeline.
type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	engine   Engine
	ring     *buffer.Ring
	registry *detect.Registry

	httpServer *http.Server
	listener   net.Listener
}

// NewServer constructs an ops server bound to the configured address.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, eng Engine, ring *buffer.Ring, registry *detect.Registry) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lis, err := net.Listen("tcp", cfg.MetricsAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.MetricsAddress, err)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		engine:   eng,
		ring:     ring,
		registry: registry,
		listener: lis,
	}
	s.httpServer = &http.Server{
		Handler:      logRequests(logger, s.routes()),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s, nil
}

// Start serves requests until Shutdown is invoked.
func (s *Server) Start() error {
	if s.httpServer == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown attempts a graceful shutdown, closing outright once ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
	}
}

// Address exposes the bound listener address (useful for tests).
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
