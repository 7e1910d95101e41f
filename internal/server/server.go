// Package server runs the auxiliary servers that live next to the probe:
// the Prometheus endpoint and the gRPC health service.
package server

import (
	"context"
	"sync"

	"github.com/DrC0ns0le/netprobe/pkg/logging"
	"github.com/pkg/errors"
)

type Server interface {
	Start() error
	Stop() error
}

type Manager struct {
	servers []Server
	logger  logging.Logger
}

func NewManager(logger logging.Logger, servers ...Server) *Manager {
	return &Manager{
		servers: servers,
		logger:  logger.With("component", "manager"),
	}
}

// Start launches every server and blocks until ctx is done, then stops
// them all. A server that fails to start is logged and the others keep
// running.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.servers) == 0 {
		<-ctx.Done()
		return nil
	}

	errCh := make(chan error, len(m.servers))
	for _, s := range m.servers {
		go func(s Server) {
			if err := s.Start(); err != nil {
				errCh <- err
			}
		}(s)
	}

	for {
		select {
		case err := <-errCh:
			m.logger.Errorf("error starting server: %v", err)

		case <-ctx.Done():
			m.logger.Debug("stopping auxiliary servers")
			return m.stop()
		}
	}
}

func (m *Manager) stop() error {
	stopErrCh := make(chan error, len(m.servers))

	var wg sync.WaitGroup
	for _, s := range m.servers {
		wg.Add(1)
		go func(s Server) {
			defer wg.Done()
			if err := s.Stop(); err != nil {
				m.logger.Errorf("error stopping server: %v", err)
				stopErrCh <- err
			}
		}(s)
	}

	wg.Wait()
	close(stopErrCh)

	var stopErrors []error
	for err := range stopErrCh {
		stopErrors = append(stopErrors, err)
	}

	if len(stopErrors) > 0 {
		return errors.Errorf("errors occurred while stopping servers: %v", stopErrors)
	}

	return nil
}
