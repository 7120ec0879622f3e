// Package grpchealth serves the standard grpc.health.v1 protocol from the
// component checks registered with the health manager.
package grpchealth

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"exit_tracker/internal/core"
	"exit_tracker/internal/infrastructure/health"

	"google.golang.org/grpc"
	healthsrv "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServicePrefix names per-component services, e.g. "exit_tracker.store"
const ServicePrefix = "exit_tracker."

// open Watch streams hold GracefulStop until their clients leave
const stopTimeout = 5 * time.Second

// Server publishes HealthManager results over gRPC. The overall service ("")
// is SERVING only while every component passes.
type Server struct {
	port     int
	interval time.Duration
	checks   *health.HealthManager
	logger   core.ILogger
	status   *healthsrv.Server

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a health server that re-runs the checks every interval
func NewServer(port int, interval time.Duration, checks *health.HealthManager, logger core.ILogger) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	return &Server{
		port:     port,
		interval: interval,
		checks:   checks,
		logger:   logger.WithField("component", "grpc_health"),
		status:   healthsrv.NewServer(),
	}
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("grpc health listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, s.status)
	s.Refresh(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC health server serving", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.Refresh(ctx)
		case <-ctx.Done():
			s.logger.Info("Stopping gRPC health server")
			// Watch streams end with NOT_SERVING so clients see the shutdown.
			s.status.Shutdown()
			stopped := make(chan struct{})
			go func() {
				srv.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(stopTimeout):
				srv.Stop()
			}
			return nil
		}
	}
}

// Refresh runs the checks once and publishes the result
func (s *Server) Refresh(ctx context.Context) {
	overall := grpc_health_v1.HealthCheckResponse_SERVING
	for component, err := range s.checks.Check(ctx) {
		st := grpc_health_v1.HealthCheckResponse_SERVING
		if err != nil {
			st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			overall = st
			s.logger.Debug("Component unhealthy", "component", component, "error", err)
		}
		s.status.SetServingStatus(ServicePrefix+component, st)
	}
	s.status.SetServingStatus("", overall)
}

// Addr returns the bound address, empty before Run
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
