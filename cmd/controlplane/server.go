package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fkie-cad/wattson-controlplane/controlplane/config"
	"github.com/fkie-cad/wattson-controlplane/controlplane/core"
	"github.com/fkie-cad/wattson-controlplane/controlplane/health"
	"github.com/fkie-cad/wattson-controlplane/controlplane/logging"
	"github.com/fkie-cad/wattson-controlplane/controlplane/notify"
	"github.com/fkie-cad/wattson-controlplane/controlplane/observability"
	"github.com/fkie-cad/wattson-controlplane/controlplane/promise"
	"github.com/fkie-cad/wattson-controlplane/controlplane/protocol"
	"github.com/fkie-cad/wattson-controlplane/controlplane/registry"
	"github.com/fkie-cad/wattson-controlplane/controlplane/router"
	"github.com/fkie-cad/wattson-controlplane/controlplane/simulator"
	"github.com/fkie-cad/wattson-controlplane/controlplane/transport"
)

// server wires every control-plane component into one running process: the
// notification bus, registry, core handler, simulators, query router, the
// query/publish websocket listeners, the metrics endpoint, and the gRPC
// health service.
type server struct {
	logger logging.Logger
	cfg    *config.ControlPlaneConfig

	bus      *notify.Bus
	network  *simulator.NetworkSimulator
	physics  *simulator.PhysicalSimulator
	timeSim  *simulator.TimeSimulator
	points   *simulator.DataPointSimulator

	queryServer   *transport.GracefulServer
	publishServer *transport.GracefulServer
	metricsServer *http.Server
	healthServer  *health.Server
	traceShutdown func(context.Context) error

	shutdownRequested chan string
}

func newServer(cfg *config.ControlPlaneConfig, logger logging.Logger, traceCollectorEndpoint string) (*server, error) {
	if logger == nil {
		logger = logging.NewNoop()
	}
	config.Set(cfg)

	traceShutdown, err := observability.InitTracer("controlplane", traceCollectorEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	bus := notify.New(notify.Config{
		QueueSize:     cfg.PublishQueueSize,
		HistoryLength: cfg.HistoryLength,
		LossyTopics:   cfg.LossyTopics,
		Logger:        logger,
	})

	groupEng := promise.NewGroupEngine(bus)
	timeSim := simulator.NewTimeSimulator(bus)
	requestTimeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	physics := simulator.NewPhysicalSimulator(bus, timeSim.Clock(), nil, groupEng, requestTimeout, simulator.CoalescingParams{
		MinInterval:         time.Duration(cfg.MinIntervalMS) * time.Millisecond,
		MaxInterval:         time.Duration(cfg.MaxIntervalMS) * time.Millisecond,
		TargetCPUShare:      cfg.TargetCPUShare,
		ProtectionDelay:     time.Duration(cfg.ProtectionDelayMS) * time.Millisecond,
		ProtectionThreshold: cfg.ProtectionThresholdPct,
	}, logger)
	network := simulator.NewNetworkSimulator(bus, groupEng, requestTimeout)
	points := simulator.NewDataPointSimulator()
	points.RegisterProvider("power_grid", simulator.NewPowerGridDataPointProvider(physics.Model()))

	reg := registry.New()
	events := registry.NewEvents()

	s := &server{
		logger:            logger,
		cfg:               cfg,
		bus:               bus,
		network:           network,
		physics:           physics,
		timeSim:           timeSim,
		points:            points,
		traceShutdown:     traceShutdown,
		shutdownRequested: make(chan string, 1),
	}

	h := core.New(logger, reg, events, bus, s.onShutdownRequested)
	h.RegisterSimulator(core.SimulatorInfo{Name: "physical"}, physics)
	h.RegisterSimulator(core.SimulatorInfo{Name: "network"}, network)
	h.RegisterSimulator(core.SimulatorInfo{Name: "time"}, nil)
	h.RegisterSimulator(core.SimulatorInfo{Name: "data_point"}, nil)

	r := router.New(logger)
	r.Register(h)
	r.Register(physics)
	r.Register(network)
	r.Register(timeSim)
	r.Register(points)

	s.queryServer = transport.NewGracefulServer(logger, cfg.QueryAddr, transport.NewQueryServer(logger, func(clientID string, req *protocol.Request) *protocol.Response {
		req.ClientID = clientID
		return r.Dispatch(req)
	}))
	s.publishServer = transport.NewGracefulServer(logger, cfg.PublishAddr, transport.NewPublishServer(logger, bus))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metricsServer = &http.Server{Addr: ":9092", Handler: mux}

	s.healthServer = health.NewServer(":9093", time.Second, logger)
	s.healthServer.Register("physics", physics)
	s.healthServer.Register("network", network)

	return s, nil
}

func (s *server) onShutdownRequested(reason string) {
	select {
	case s.shutdownRequested <- reason:
	default:
	}
}

// LoadScenario populates the grid and network simulators from path.
func (s *server) LoadScenario(path string) error {
	if path == "" {
		return nil
	}
	return loadScenario(path, s.physics.Model(), s.network)
}

// Run starts every component and blocks until ctx is cancelled or a client
// requests shutdown, then tears everything down within the configured
// shutdown timeout.
func (s *server) Run(ctx context.Context) error {
	if err := s.physics.Start(); err != nil {
		return fmt.Errorf("start physical simulator: %w", err)
	}
	if err := s.network.Start(); err != nil {
		return fmt.Errorf("start network simulator: %w", err)
	}

	errCh := make(chan error, 3)
	go func() {
		if err := s.queryServer.Start(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("query server: %w", err)
		}
	}()
	go func() {
		if err := s.publishServer.Start(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("publish server: %w", err)
		}
	}()
	go func() {
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	if err := s.healthServer.StartBackground(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}

	s.logger.Info("controlplane_started", "query_addr", s.cfg.QueryAddr, "publish_addr", s.cfg.PublishAddr)

	select {
	case <-ctx.Done():
		s.logger.Info("controlplane_shutdown_context_cancelled")
	case reason := <-s.shutdownRequested:
		s.logger.Info("controlplane_shutdown_requested", "reason", reason)
	case err := <-errCh:
		s.logger.Error("controlplane_component_error", "error", err.Error())
		s.shutdown()
		return err
	}

	s.shutdown()
	return nil
}

func (s *server) shutdown() {
	timeout := time.Duration(s.cfg.ShutdownJoinTimeoutMS) * time.Millisecond
	s.queryServer.ShutdownWithTimeout(timeout)
	s.publishServer.ShutdownWithTimeout(timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = s.metricsServer.Shutdown(shutdownCtx)

	s.healthServer.ShutdownWithTimeout(shutdownCtx, timeout)

	_ = s.physics.Stop()
	_ = s.network.Stop()
	s.bus.Stop()
	_ = s.traceShutdown(shutdownCtx)
	s.logger.Info("controlplane_stopped")
}
