// Package grpcapi exposes the lock's readiness over the standard gRPC
// health protocol.  A health check sees SERVING only while the link is up and
// the backend session is ready.
package grpcapi

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is reported alongside the overall ("") status.
const ServiceName = "locksync.v1.LockSync"

const DefaultInterval = 2 * time.Second

type Config struct {
	// Interval between readiness checks.  Defaults to 2s.
	Interval time.Duration
	Logger   *log.Logger
}

// Server is a gRPC server carrying the health and reflection services.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	ready    func() bool
	interval time.Duration
	logger   *log.Logger

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

func NewServer(ready func() bool, cfg Config) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		ready:    ready,
		interval: cfg.Interval,
		logger:   logger,
		last:     healthpb.HealthCheckResponse_UNKNOWN,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.Update()
	return s
}

// Update sets the serving status from the readiness predicate once.
func (s *Server) Update() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.ready() {
		st = healthpb.HealthCheckResponse_SERVING
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st == s.last {
		return
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	if s.last != healthpb.HealthCheckResponse_UNKNOWN {
		s.logger.Printf("grpc health: %s -> %s", s.last, st)
	}
	s.last = st
}

// Watch refreshes the status on every interval until ctx ends, then marks
// every service NOT_SERVING.
func (s *Server) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Update()
		}
	}
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}
