// Package session implements the control-channel session coroutines of
// spec.md §4.6: one goroutine per accepted TCP connection on the server
// side, and one round-trip goroutine per endpoint request on the client
// side. Both are plain goroutines driven by net.Conn deadlines rather
// than a custom cooperative scheduler — idiomatic Go's equivalent of the
// spec's "cooperative coroutine" requirement, and the same mapping the
// teacher uses for its own session goroutines (a timer racing a socket
// operation via context deadlines).
package session

import (
	"net"
	"time"

	"github.com/fogesque/rdmarun/internal/rdmaerr"
	"github.com/fogesque/rdmarun/internal/wire"
)

// Config bounds the session protocol's waits. Zero fields fall back to
// spec.md §4.6's 5000ms defaults.
type Config struct {
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	AckTimeout      time.Duration

	// Metrics receives endpoint-contention and protocol-error
	// observations. Nil disables metrics entirely.
	Metrics Metrics
}

// Metrics is the subset of rdmametrics.Collector the session package
// reports to. Defined here rather than imported to keep session free of a
// dependency on the metrics package.
type Metrics interface {
	IncEndpointLockContention(path string)
	IncProtocolErrors(op, cause string)
}

type noopMetrics struct{}

func (noopMetrics) IncEndpointLockContention(string) {}
func (noopMetrics) IncProtocolErrors(string, string) {}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 5 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	return c
}

// complement returns the op kind the requesting peer's own endpoint must
// carry for a given server-side op. Two-sided ops invert (the receiver's
// endpoint is declared send, the sender's receive); one-sided ops
// (read/write) keep the same kind on both sides, since both peers
// describe the same physical transfer direction against the same region.
func complement(op wire.OpKind) wire.OpKind {
	switch op {
	case wire.OpSend:
		return wire.OpReceive
	case wire.OpReceive:
		return wire.OpSend
	default:
		return op
	}
}

func sendRequest(conn net.Conn, req wire.Request) error {
	return wire.WriteFrame(conn, req.Marshal())
}

func recvRequest(conn net.Conn) (wire.Request, error) {
	body, err := wire.ReadFrame(conn)
	if err != nil {
		return wire.Request{}, err
	}
	return wire.UnmarshalRequest(body)
}

func sendResponse(conn net.Conn, resp wire.Response) error {
	return wire.WriteFrame(conn, resp.Marshal())
}

func recvResponse(conn net.Conn, timeout time.Duration) (wire.Response, error) {
	const op = "session.recvResponse"

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return wire.Response{}, rdmaerr.New(rdmaerr.Connection, op, err)
	}
	defer conn.SetReadDeadline(time.Time{})

	body, err := wire.ReadFrame(conn)
	if err != nil {
		return wire.Response{}, rdmaerr.New(rdmaerr.Timeout, op, err)
	}
	resp, err := wire.UnmarshalResponse(body)
	if err != nil {
		return wire.Response{}, err
	}
	return resp, nil
}

func sendAcknowledge(conn net.Conn, ack wire.Acknowledge, timeout time.Duration) error {
	const op = "session.sendAcknowledge"

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return rdmaerr.New(rdmaerr.Connection, op, err)
	}
	defer conn.SetWriteDeadline(time.Time{})

	if err := wire.WriteFrame(conn, ack.Marshal()); err != nil {
		return rdmaerr.New(rdmaerr.Connection, op, err)
	}
	return nil
}

func recvAcknowledge(conn net.Conn, timeout time.Duration) (wire.Acknowledge, error) {
	const op = "session.recvAcknowledge"

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return wire.Acknowledge{}, rdmaerr.New(rdmaerr.Connection, op, err)
	}
	defer conn.SetReadDeadline(time.Time{})

	body, err := wire.ReadFrame(conn)
	if err != nil {
		return wire.Acknowledge{}, rdmaerr.New(rdmaerr.Timeout, op, err)
	}
	return wire.UnmarshalAcknowledge(body)
}
