// ============================================================================
// Status server
// ============================================================================
//
// Package: internal/server
//
// Exposes the state of a running tool to the outside:
//
//   - gRPC standard health service (grpc.health.v1.Health): SERVING while the
//     tool runs, NOT_SERVING once it stops. Both the overall status ("") and
//     the named service report the same value.
//   - HTTP /metrics in Prometheus text format.
//
// Either listener is disabled by leaving its address empty.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name reported by the health service
const ServiceName = "orthanc-relay"

// Config holds the listen addresses
type Config struct {
	GRPCAddr    string `yaml:"grpc-addr" env:"GRPC_ADDR" env-default:""`
	MetricsAddr string `yaml:"metrics-addr" env:"METRICS_ADDR" env-default:":9090"`
}

// Server runs the health and metrics listeners
type Server struct {
	cfg    Config
	logger *slog.Logger

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server

	mu         sync.Mutex
	grpcLis    net.Listener
	metricsLis net.Listener
	started    bool
	wg         sync.WaitGroup
}

// New creates a server exporting the metrics of gatherer
func New(cfg Config, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s := &Server{
		cfg:        cfg,
		logger:     logger.With("component", "server"),
		grpcServer: gs,
		health:     hs,
		httpServer: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
	}
	s.SetServing(false)
	return s
}

// Start opens the listeners and serves in background goroutines
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("server already started")
	}

	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		s.grpcLis = lis
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpcServer.Serve(lis); err != nil {
				s.logger.Error("gRPC server failed", "error", err)
			}
		}()
		s.logger.Info("gRPC health service listening", "addr", lis.Addr().String())
	}

	if s.cfg.MetricsAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			if s.grpcLis != nil {
				s.grpcServer.Stop()
			}
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.MetricsAddr, err)
		}
		s.metricsLis = lis
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server failed", "error", err)
			}
		}()
		s.logger.Info("metrics server listening", "addr", lis.Addr().String())
	}

	s.started = true
	return nil
}

// SetServing switches the health status
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop reports NOT_SERVING, then shuts both listeners down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	s.SetServing(false)
	s.health.Shutdown()

	var err error
	if s.metricsLis != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.grpcLis != nil {
		s.grpcServer.GracefulStop()
	}
	s.wg.Wait()
	return err
}

// GRPCAddr is the bound gRPC address, nil when disabled or not started
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLis == nil {
		return nil
	}
	return s.grpcLis.Addr()
}

// MetricsAddr is the bound metrics address, nil when disabled or not started
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsLis == nil {
		return nil
	}
	return s.metricsLis.Addr()
}
