// Package health serves the standard gRPC health protocol, reporting SERVING
// while the root scheduler is running.
package health

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/reaqtive/reaqtor-sub057/internal/eventbus"
	"github.com/reaqtive/reaqtor-sub057/internal/events"
	"github.com/reaqtive/reaqtor-sub057/internal/logging"
	"github.com/reaqtive/reaqtor-sub057/internal/scheduler"
)

// Service is the health service name reported alongside the server-wide "".
const Service = "reaqtor.Scheduler"

// Server tracks one root scheduler's state.
type Server struct {
	rootID string
	health *grpchealth.Server
	grpc   *grpc.Server
	logger *slog.Logger
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a health server for the scheduler with id rootID, starting in
// the given state.
func New(rootID string, initial scheduler.State, opts ...Option) *Server {
	s := &Server{
		rootID: rootID,
		health: grpchealth.NewServer(),
		grpc:   grpc.NewServer(),
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "health")
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.set(initial.String())
	return s
}

// Subscribe follows StateChanged events for the root on b.
func (s *Server) Subscribe(b *eventbus.Bus) (unsubscribe func()) {
	return eventbus.SubscribeTo(b, func(_ context.Context, e events.StateChanged) {
		if e.SchedulerID != s.rootID {
			return
		}
		s.logger.Info("scheduler state changed", "from", e.From, "to", e.To)
		s.set(e.To)
	})
}

func (s *Server) set(state string) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == scheduler.Running.String() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop reports NOT_SERVING to watchers and stops the gRPC server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
