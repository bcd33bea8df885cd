package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fkie-cad/wattson-controlplane/controlplane/logging"
)

// GracefulServer wraps an http.Server carrying one websocket endpoint with
// start/stop lifecycle management: Start blocks and serves until Stop is
// called or the listener fails, StartBackground returns immediately and
// reports errors on a channel, and ShutdownWithTimeout falls back to an
// immediate close if graceful shutdown doesn't finish in time.
type GracefulServer struct {
	logger     logging.Logger
	httpServer *http.Server
	address    string

	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer builds a GracefulServer listening on address and routing
// every request to handler (a QueryServer or PublishServer).
func NewGracefulServer(logger logging.Logger, address string, handler http.Handler) *GracefulServer {
	if logger == nil {
		logger = logging.NewNoop()
	}
	return &GracefulServer{
		logger:     logger,
		address:    address,
		httpServer: &http.Server{Addr: address, Handler: handler},
	}
}

// Start starts the server and blocks until ctx is cancelled, at which point
// it performs a graceful shutdown and returns ctx's error.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Info("transport_server_started", "address", s.address)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("transport_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// StartBackground starts the server in a goroutine and returns immediately,
// reporting any fatal serve error on the returned channel.
func (s *GracefulServer) StartBackground() (<-chan error, error) {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("transport_server_started_background", "address", s.address)
	return errCh, nil
}

// GracefulStop stops accepting new connections and waits for in-flight ones
// to finish. Safe to call more than once.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Info("transport_graceful_stop_started")
	if err := s.httpServer.Shutdown(context.Background()); err != nil {
		s.logger.Warn("transport_graceful_stop_error", "error", err.Error())
	}
	s.logger.Info("transport_graceful_stop_completed")
}

// ShutdownWithTimeout performs a graceful stop, forcing an immediate close
// if it doesn't complete within timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
		s.logger.Warn("transport_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.httpServer.Close()
	}
}

// Address returns the server's configured listen address.
func (s *GracefulServer) Address() string { return s.address }
