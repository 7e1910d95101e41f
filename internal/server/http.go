package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/DrC0ns0le/netprobe/pkg/logging"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// HTTPServer serves the Prometheus registry.
type HTTPServer struct {
	port   int
	path   string
	logger logging.Logger

	mu      sync.Mutex
	server  *http.Server
	stopped bool
}

func NewHTTPServer(port int, path string, logger logging.Logger) *HTTPServer {
	return &HTTPServer{
		port:   port,
		path:   path,
		logger: logger.With("component", "http"),
	}
}

func (s *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.port))
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	return s.Serve(listener)
}

// Serve runs the HTTP server on an existing listener until Stop.
func (s *HTTPServer) Serve(listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return listener.Close()
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Infof("serving metrics on %s%s", listener.Addr(), s.path)
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "failed to serve metrics")
	}

	return nil
}

func (s *HTTPServer) Stop() error {
	s.mu.Lock()
	s.stopped = true
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
