package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/fogesque/rdmarun/internal/device"
	"github.com/fogesque/rdmarun/internal/endpoint"
	"github.com/fogesque/rdmarun/internal/engine"
	"github.com/fogesque/rdmarun/internal/executor"
	"github.com/fogesque/rdmarun/internal/rdmabuf"
	"github.com/fogesque/rdmarun/internal/rdmaerr"
	"github.com/fogesque/rdmarun/internal/wire"
)

// Client drives one client-side session per endpoint request, implementing
// spec.md §4.6's client coroutine algorithm: connect, request, await
// response, perform the complementary RDMA operation, acknowledge.
type Client struct {
	registry *endpoint.Registry
	exec     *executor.Executor
	dev      *device.Device
	addr     string
	cfg      Config
	logger   *slog.Logger
}

// NewClient builds a Client that requests endpoints from addr, resolving
// its own local endpoints (the complementary side of each transfer) from
// registry.
func NewClient(addr string, registry *endpoint.Registry, exec *executor.Executor, dev *device.Device, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		registry: registry,
		exec:     exec,
		dev:      dev,
		addr:     addr,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "session.Client")),
	}
}

// RequestEndpointProcessing performs one full round trip against the
// server's (path, serverOp) endpoint: a fresh control-channel TCP
// connection, a Request, the complementary local RDMA operation, and an
// Acknowledge.
func (c *Client) RequestEndpointProcessing(ctx context.Context, path string, serverOp wire.OpKind) error {
	const op = "session.Client.RequestEndpointProcessing"

	conn, err := net.DialTimeout("tcp", c.addr, c.cfg.ConnectTimeout)
	if err != nil {
		c.cfg.Metrics.IncProtocolErrors(serverOp.String(), "dial-failed")
		return rdmaerr.New(rdmaerr.Connection, op, err)
	}
	defer conn.Close()

	if err := sendRequest(conn, wire.Request{Op: serverOp, Path: path}); err != nil {
		c.cfg.Metrics.IncProtocolErrors(serverOp.String(), "send-request-failed")
		return rdmaerr.New(rdmaerr.Connection, op, err)
	}

	resp, err := recvResponse(conn, c.cfg.ResponseTimeout)
	if err != nil {
		c.cfg.Metrics.IncProtocolErrors(serverOp.String(), "response-timeout")
		return rdmaerr.New(rdmaerr.Connection, op, err)
	}
	if resp.Code != wire.Permitted {
		c.cfg.Metrics.IncProtocolErrors(serverOp.String(), resp.Code.String())
		return rdmaerr.New(rdmaerr.Protocol, op, fmt.Errorf("server returned %s", resp.Code))
	}

	localOp := complement(serverOp)
	ep, err := c.registry.Get(endpoint.ID{Path: path, Op: localOp})
	if err != nil {
		c.cfg.Metrics.IncProtocolErrors(serverOp.String(), "local-endpoint-missing")
		return rdmaerr.New(rdmaerr.Config, op, err)
	}

	ackCode := wire.Completed
	if opErr := c.performRDMA(ctx, ep, localOp, resp.Descriptor); opErr != nil {
		ackCode = wire.Failed
		c.logger.Error("rdma operation failed", slog.Any("error", opErr))
		c.cfg.Metrics.IncProtocolErrors(serverOp.String(), "rdma-failed")
		_ = sendAcknowledge(conn, wire.Acknowledge{Code: ackCode}, c.cfg.AckTimeout)
		return rdmaerr.New(rdmaerr.Transfer, op, opErr)
	}

	return sendAcknowledge(conn, wire.Acknowledge{Code: ackCode}, c.cfg.AckTimeout)
}

func (c *Client) performRDMA(ctx context.Context, ep *endpoint.Endpoint, localOp wire.OpKind, descriptor []byte) error {
	switch localOp {
	case wire.OpSend:
		_, err := c.exec.Submit(ctx, executor.OpRequest{Kind: engine.TaskSend, Local: ep.Buffer, Length: ep.Buffer.Len()})
		return err

	case wire.OpReceive:
		_, err := c.exec.Submit(ctx, executor.OpRequest{Kind: engine.TaskRecv, Local: ep.Buffer, Length: ep.Buffer.Len()})
		return err

	case wire.OpWrite:
		remote, err := rdmabuf.FromDescriptor(descriptor, c.dev, nil)
		if err != nil {
			return err
		}
		_, err = c.exec.Submit(ctx, executor.OpRequest{Kind: engine.TaskWrite, Local: ep.Buffer, Remote: remote, Length: ep.Buffer.Len()})
		return err

	case wire.OpRead:
		remote, err := rdmabuf.FromDescriptor(descriptor, c.dev, nil)
		if err != nil {
			return err
		}
		_, err = c.exec.Submit(ctx, executor.OpRequest{Kind: engine.TaskRead, Local: ep.Buffer, Remote: remote, Length: ep.Buffer.Len()})
		return err

	default:
		return fmt.Errorf("unknown op kind %v", localOp)
	}
}
