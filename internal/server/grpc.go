package server

import (
	"net"
	"strconv"
	"sync"

	"github.com/DrC0ns0le/netprobe/pkg/logging"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ProbeService is the health service name reported for the probe loop.
const ProbeService = "netprobe.Probe"

// GRPCServer exposes the standard gRPC health service. The probe loop flips
// its status with SetServing.
type GRPCServer struct {
	port   int
	health *health.Server
	logger logging.Logger

	mu      sync.Mutex
	server  *grpc.Server
	stopped bool
}

func NewGRPCServer(port int, logger logging.Logger) *GRPCServer {
	hs := health.NewServer()
	hs.SetServingStatus(ProbeService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{
		port:   port,
		health: hs,
		logger: logger.With("component", "grpc"),
	}
}

// SetServing reports whether the probe loop is currently running.
func (s *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ProbeService, status)
	s.health.SetServingStatus("", status)
}

func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.port))
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	return s.Serve(listener)
}

// Serve runs the gRPC server on an existing listener until Stop.
func (s *GRPCServer) Serve(listener net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return listener.Close()
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Infof("gRPC server listening at %v", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "failed to serve gRPC server")
	}

	return nil
}

func (s *GRPCServer) Stop() error {
	s.health.Shutdown()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.server != nil {
		s.server.Stop()
	}
	return nil
}
