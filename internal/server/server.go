// Package server implements the server-side facade of spec.md §4.7: a
// thin coordinator that owns the Executor, the endpoint registry, maps
// every endpoint's buffer onto the device, starts the Executor, listens
// for the RDMA data-plane connection, and accepts control-channel
// sessions forever.
package server

import (
	"context"
	"log/slog"
	"net"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/fogesque/rdmarun/internal/device"
	"github.com/fogesque/rdmarun/internal/endpoint"
	"github.com/fogesque/rdmarun/internal/engine"
	"github.com/fogesque/rdmarun/internal/executor"
	"github.com/fogesque/rdmarun/internal/rdmaerr"
	"github.com/fogesque/rdmarun/internal/session"
)

// Config configures a Server.
type Config struct {
	// ControlPort is the TCP port the control channel listens on,
	// spec.md §6's default 41007.
	ControlPort int

	// DataPort is the RDMA data-plane port the Provider listens on.
	DataPort int

	Executor executor.Config
	Session  session.Config

	Logger *slog.Logger
}

// Server is the server-side coordinator.
type Server struct {
	cfg      Config
	dev      *device.Device
	registry *endpoint.Registry
	exec     *executor.Executor
	session  *session.Server
	logger   *slog.Logger
}

// New builds a Server over provider and dev, with endpoints already
// registered in registry.
func New(provider engine.Provider, dev *device.Device, registry *endpoint.Registry, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "server.Server"))

	exec := executor.New(provider, cfg.Executor)
	return &Server{
		cfg:      cfg,
		dev:      dev,
		registry: registry,
		exec:     exec,
		session:  session.NewServer(registry, exec, cfg.Session, logger),
		logger:   logger,
	}
}

// Serve maps every registered endpoint, starts the Executor, puts the
// provider into passive mode, and accepts control-channel sessions until
// ctx is cancelled or a fatal error occurs. It returns the first fatal
// error, mirroring the teacher's top-level errgroup shutdown contract.
func (s *Server) Serve(ctx context.Context) error {
	const op = "server.Server.Serve"

	if err := s.registry.MapAll(s.dev); err != nil {
		return rdmaerr.New(rdmaerr.Config, op, err)
	}
	if err := s.exec.Start(); err != nil {
		return rdmaerr.New(rdmaerr.State, op, err)
	}
	defer s.exec.Stop()

	if err := s.exec.Listen(s.cfg.DataPort); err != nil {
		return rdmaerr.New(rdmaerr.Connection, op, err)
	}

	listener, err := net.Listen("tcp", addrFor(s.cfg.ControlPort))
	if err != nil {
		return rdmaerr.New(rdmaerr.Connection, op, err)
	}
	defer listener.Close()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		return listener.Close()
	})

	for {
		conn, err := listener.Accept()
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			s.logger.Error("accept failed", slog.Any("error", err))
			continue
		}
		group.Go(func() error {
			return s.session.HandleConnection(gctx, conn)
		})
	}

	return group.Wait()
}

func addrFor(port int) string {
	if port <= 0 {
		return ":0"
	}
	return net.JoinHostPort("", strconv.Itoa(port))
}
