package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/fogesque/rdmarun/internal/endpoint"
	"github.com/fogesque/rdmarun/internal/engine"
	"github.com/fogesque/rdmarun/internal/executor"
	"github.com/fogesque/rdmarun/internal/rdmaerr"
	"github.com/fogesque/rdmarun/internal/wire"
)

// Server drives one server-side session per accepted control-channel
// connection, implementing spec.md §4.6's server coroutine algorithm.
type Server struct {
	registry *endpoint.Registry
	exec     *executor.Executor
	cfg      Config
	logger   *slog.Logger
}

// NewServer builds a Server over registry and exec.
func NewServer(registry *endpoint.Registry, exec *executor.Executor, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registry: registry, exec: exec, cfg: cfg.withDefaults(), logger: logger.With(slog.String("component", "session.Server"))}
}

// HandleConnection runs one server session to completion: it loops
// request/response/rdma/ack cycles until the peer closes the socket or
// ctx is cancelled.
func (s *Server) HandleConnection(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return rdmaerr.New(rdmaerr.Shutdown, "session.Server.HandleConnection", ctx.Err())
		}

		req, err := recvRequest(conn)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return nil // peer closed or sent garbage; this session is over
		}

		s.handleRequest(ctx, conn, req)
	}
}

func (s *Server) handleRequest(ctx context.Context, conn net.Conn, req wire.Request) {
	id := endpoint.ID{Path: req.Path, Op: req.Op}
	logger := s.logger.With(slog.String("endpoint", id.String()))

	ep, err := s.registry.Get(id)
	if err != nil {
		logger.Warn("endpoint not found")
		s.cfg.Metrics.IncProtocolErrors(req.Op.String(), "endpoint-not-found")
		_ = sendResponse(conn, wire.Response{Code: wire.EndpointNotFound})
		return
	}

	if !s.registry.TryLock(id.Path) {
		logger.Warn("endpoint already locked")
		s.cfg.Metrics.IncEndpointLockContention(id.Path)
		_ = sendResponse(conn, wire.Response{Code: wire.EndpointLocked})
		return
	}

	if ep.ID.Op == wire.OpReceive || ep.ID.Op == wire.OpRead {
		if ep.Handler != nil {
			if err := ep.Handler(ep.Buffer); err != nil {
				logger.Error("pre-transfer handler failed", slog.Any("error", err))
				s.cfg.Metrics.IncProtocolErrors(req.Op.String(), "handler-failed")
				_ = sendResponse(conn, wire.Response{Code: wire.ServiceErrorCode})
				_ = s.registry.Unlock(id.Path)
				return
			}
		}
	}

	resp := wire.Response{Code: wire.Permitted}
	if ep.ID.Op == wire.OpRead || ep.ID.Op == wire.OpWrite {
		descriptor, err := ep.Buffer.ExportDescriptor()
		if err != nil {
			logger.Error("export descriptor failed", slog.Any("error", err))
			s.cfg.Metrics.IncProtocolErrors(req.Op.String(), "export-descriptor-failed")
			_ = sendResponse(conn, wire.Response{Code: wire.InternalError})
			_ = s.registry.Unlock(id.Path)
			return
		}
		resp.Descriptor = descriptor

		// The descriptor names this map by nonce; the provider must be able
		// to resolve that nonce back to the map before the peer's WRITE/READ
		// frame can arrive, or it is silently dropped.
		s.exec.RegisterExport(ep.Buffer.MemoryMap().Nonce(), ep.Buffer.MemoryMap())
	}

	if err := sendResponse(conn, resp); err != nil {
		logger.Error("send response failed", slog.Any("error", err))
		s.cfg.Metrics.IncProtocolErrors(req.Op.String(), "send-response-failed")
		_ = s.registry.Unlock(id.Path)
		return
	}

	if err := s.performRDMA(ctx, ep); err != nil {
		logger.Error("rdma operation failed", slog.Any("error", err))
		s.cfg.Metrics.IncProtocolErrors(req.Op.String(), "rdma-failed")
		_ = s.registry.Unlock(id.Path)
		return
	}

	ack, err := recvAcknowledge(conn, s.cfg.AckTimeout)
	if err != nil {
		logger.Warn("acknowledge not received", slog.Any("error", err))
		s.cfg.Metrics.IncProtocolErrors(req.Op.String(), "ack-timeout")
		_ = s.registry.Unlock(id.Path)
		return
	}

	// Ack-gates-handler fix (spec.md §9 open question): any non-completed
	// code suppresses the post-transfer handler, not only a timeout.
	if ack.Code == wire.Completed && (ep.ID.Op == wire.OpSend || ep.ID.Op == wire.OpWrite) {
		if ep.Handler != nil {
			if err := ep.Handler(ep.Buffer); err != nil {
				logger.Error("post-transfer handler failed", slog.Any("error", err))
			}
		}
	}

	_ = s.registry.Unlock(id.Path)
}

// performRDMA submits this endpoint's side of the transfer. Two-sided
// ops (send/receive) submit directly; one-sided ops (read/write) submit
// nothing here — the peer drives the transfer against the descriptor
// this side already exported, and recvAcknowledge is this side's only
// synchronization point.
func (s *Server) performRDMA(ctx context.Context, ep *endpoint.Endpoint) error {
	switch ep.ID.Op {
	case wire.OpSend:
		_, err := s.exec.Submit(ctx, executor.OpRequest{Kind: engine.TaskSend, Local: ep.Buffer, Length: ep.Buffer.Len()})
		return err
	case wire.OpReceive:
		_, err := s.exec.Submit(ctx, executor.OpRequest{Kind: engine.TaskRecv, Local: ep.Buffer, Length: ep.Buffer.Len()})
		return err
	case wire.OpRead, wire.OpWrite:
		return nil
	default:
		return fmt.Errorf("unknown op kind %v", ep.ID.Op)
	}
}
