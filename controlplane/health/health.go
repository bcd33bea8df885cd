// Package health exposes the control plane's liveness/readiness probe: a
// stock gRPC health service any orchestrator (k8s, systemd, a supervisor
// script) can query without speaking the websocket query/publish protocol.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/fkie-cad/wattson-controlplane/controlplane/logging"
)

// Checker is polled to decide whether a named component is ready. Every
// simulator satisfies it through its Ready method.
type Checker interface {
	Ready() bool
}

// Server wraps grpc-go's health.Server with a registry of named Checkers
// polled on an interval, so SERVING/NOT_SERVING reflects live component
// state rather than only what was set once at startup.
type Server struct {
	logger logging.Logger
	addr   string

	grpcServer *grpc.Server
	healthSrv  *health.Server

	mu       sync.Mutex
	checkers map[string]Checker

	pollInterval time.Duration
	stop         chan struct{}
	wg           sync.WaitGroup

	shutdownMu sync.Mutex
	isShutdown bool
}

// NewServer builds a health Server listening on addr. pollInterval controls
// how often registered Checkers are re-evaluated; a non-positive value
// defaults to one second.
func NewServer(addr string, pollInterval time.Duration, logger logging.Logger) *Server {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if logger == nil {
		logger = logging.NewNoop()
	}

	healthSrv := health.NewServer()
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	return &Server{
		logger:       logger,
		addr:         addr,
		grpcServer:   grpcServer,
		healthSrv:    healthSrv,
		checkers:     make(map[string]Checker),
		pollInterval: pollInterval,
		stop:         make(chan struct{}),
	}
}

// Register adds a named component to the poll loop. The overall service
// (empty service name, per the grpc health protocol convention) reports
// SERVING only while every registered component does.
func (s *Server) Register(name string, checker Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
	s.healthSrv.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
}

// StartBackground starts the gRPC listener and the poll loop in goroutines
// and returns immediately.
func (s *Server) StartBackground() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error("health_server_error", "error", err.Error())
		}
	}()
	go s.pollLoop()

	s.logger.Info("health_server_started", "address", s.addr)
	return nil
}

func (s *Server) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Server) pollOnce() {
	s.mu.Lock()
	snapshot := make(map[string]Checker, len(s.checkers))
	for name, c := range s.checkers {
		snapshot[name] = c
	}
	s.mu.Unlock()

	allReady := true
	for name, checker := range snapshot {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if checker.Ready() {
			status = healthpb.HealthCheckResponse_SERVING
		} else {
			allReady = false
		}
		s.healthSrv.SetServingStatus(name, status)
	}

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if allReady {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.healthSrv.SetServingStatus("", overall)
}

// GracefulStop stops the poll loop and gracefully stops the gRPC server,
// waiting for both to exit.
func (s *Server) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.isShutdown {
		return
	}
	s.isShutdown = true

	close(s.stop)
	s.logger.Info("health_server_stopping")
	s.grpcServer.GracefulStop()
	s.wg.Wait()
	s.logger.Info("health_server_stopped")
}

// ShutdownWithTimeout calls GracefulStop but forces an immediate stop if it
// has not completed within timeout.
func (s *Server) ShutdownWithTimeout(ctx context.Context, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
		s.logger.Warn("health_server_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
	case <-ctx.Done():
		s.logger.Warn("health_server_shutdown_context_cancelled")
		s.grpcServer.Stop()
	}
}
