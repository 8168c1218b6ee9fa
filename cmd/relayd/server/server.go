// Package server wires configuration, logging, metrics, tracing and
// the transport into a runnable daemon, grounded on
// cmd/session-service/server/server.go's New/Start/Stop shape — the
// gRPC server and its health/reflection registration are replaced
// with the UDP Transport and its sender/read loops, since this daemon
// speaks the circuit-transport protocol directly rather than gRPC.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/novagrid/relay/internal/metrics"
	"github.com/novagrid/relay/internal/relayconfig"
	"github.com/novagrid/relay/internal/tracing"
	"github.com/novagrid/relay/internal/transport"
)

// Server owns the transport and its ambient HTTP metrics endpoint.
type Server struct {
	config    *relayconfig.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    *tracing.Tracer
	transport *transport.Transport

	httpServer *http.Server
}

// New builds a Server from cfg, constructing its metrics registry,
// tracer and Transport but not yet binding the socket or starting any
// goroutine (see Start).
func New(cfg *relayconfig.Config, logger *zap.Logger) (*Server, error) {
	m := metrics.New("novagrid", "relay")

	tracer, err := tracing.New(cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("server: build tracer: %w", err)
	}

	t, err := transport.New(cfg, logger, m, tracer)
	if err != nil {
		return nil, fmt.Errorf("server: build transport: %w", err)
	}

	return &Server{
		config:    cfg,
		logger:    logger,
		metrics:   m,
		tracer:    tracer,
		transport: t,
	}, nil
}

// Transport exposes the underlying Transport so a caller (e.g. a
// simulator integration embedding this daemon) can register handlers
// and call EnableCircuit/Send/Broadcast — the upper-layer API of
// spec.md §6.
func (s *Server) Transport() *transport.Transport {
	return s.transport
}

// Start binds the UDP socket, launches the Transport Loop and Inbound
// Pipeline, and — if enabled — the Prometheus metrics HTTP endpoint.
// It blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	sockCfg := transport.SocketConfig{
		ReceiveBufferSize: s.config.Server.ReceiveBufferSize,
		SendBufferSize:    s.config.Server.ReceiveBufferSize,
	}
	if err := s.transport.Start(ctx, s.config.Server.BindAddress, s.config.Server.Port, sockCfg); err != nil {
		return fmt.Errorf("server: start transport: %w", err)
	}

	if s.config.Metrics.Enable {
		go s.startMetricsServer()
	}

	s.logger.Info("relay daemon started",
		zap.String("bind", s.config.Server.BindAddress),
		zap.Int("port", s.config.Server.Port),
		zap.Bool("metrics_enabled", s.config.Metrics.Enable),
		zap.Bool("tracing_enabled", s.config.Tracing.Enable),
	)

	<-ctx.Done()
	return nil
}

// Stop tears down the transport, the metrics endpoint and the tracer.
func (s *Server) Stop() {
	s.logger.Info("stopping relay daemon")

	s.transport.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}

	if s.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracer.Shutdown(ctx)
	}

	s.logger.Info("relay daemon stopped")
}

func (s *Server) startMetricsServer() {
	addr := fmt.Sprintf("%s:%d", s.config.Metrics.Host, s.config.Metrics.Port)

	mux := http.NewServeMux()
	mux.Handle(s.config.Metrics.Path, promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("metrics server started", zap.String("address", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("metrics server error", zap.Error(err))
	}
}
