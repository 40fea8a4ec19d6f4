// Package client implements the client-side facade of spec.md §4.7: a
// thin coordinator that owns the Executor, the endpoint registry, maps
// every endpoint's buffer onto the device, starts the Executor, connects
// to the server's RDMA data-plane port, and performs endpoint requests
// one at a time over fresh control-channel sessions.
package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/fogesque/rdmarun/internal/device"
	"github.com/fogesque/rdmarun/internal/endpoint"
	"github.com/fogesque/rdmarun/internal/engine"
	"github.com/fogesque/rdmarun/internal/executor"
	"github.com/fogesque/rdmarun/internal/rdmaerr"
	"github.com/fogesque/rdmarun/internal/session"
	"github.com/fogesque/rdmarun/internal/wire"
)

// Config configures a Client.
type Config struct {
	// ControlAddr is the server's control-channel address (host:port).
	ControlAddr string

	// DataAddr is the server's RDMA data-plane address (host:port).
	DataAddr string

	Executor executor.Config
	Session  session.Config

	Logger *slog.Logger
}

// Client is the client-side coordinator.
type Client struct {
	cfg      Config
	exec     *executor.Executor
	registry *endpoint.Registry
	session  *session.Client
}

// New builds a Client over provider and dev, with endpoints already
// registered in registry.
func New(provider engine.Provider, dev *device.Device, registry *endpoint.Registry, cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "client.Client"))

	exec := executor.New(provider, cfg.Executor)
	return &Client{
		cfg:      cfg,
		exec:     exec,
		registry: registry,
		session:  session.NewClient(cfg.ControlAddr, registry, exec, dev, cfg.Session, logger),
	}
}

// Connect maps every registered endpoint, starts the Executor, and
// establishes the RDMA data-plane connection to the server. It blocks
// until the connection is active or the executor's connection timeout
// elapses.
func (c *Client) Connect(ctx context.Context, dev *device.Device) error {
	const op = "client.Client.Connect"

	if err := c.registry.MapAll(dev); err != nil {
		return rdmaerr.New(rdmaerr.Config, op, err)
	}
	if err := c.exec.Start(); err != nil {
		return rdmaerr.New(rdmaerr.State, op, err)
	}
	if _, err := c.exec.Connect(c.cfg.DataAddr); err != nil {
		return rdmaerr.New(rdmaerr.Connection, op, err)
	}
	timeout := c.cfg.Executor.ConnectionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if _, err := c.exec.GetActiveConnection(timeout); err != nil {
		return rdmaerr.New(rdmaerr.Connection, op, err)
	}
	return nil
}

// RequestEndpointProcessing asks the server to process its (path,
// serverOp) endpoint, then performs the complementary RDMA operation
// against this client's own matching endpoint.
func (c *Client) RequestEndpointProcessing(ctx context.Context, path string, serverOp wire.OpKind) error {
	return c.session.RequestEndpointProcessing(ctx, path, serverOp)
}

// Close stops the Executor.
func (c *Client) Close() error {
	return c.exec.Stop()
}
