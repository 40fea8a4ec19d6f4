// Package engine implements the RDMA engine boundary described by
// spec.md's "RDMA engine" component: a context with four lifecycle
// states, connection and task callbacks delivered through a mailbox, and
// a Provider interface capturing the underlying verbs semantics so the
// executor never talks to hardware (real or simulated) directly.
package engine

import (
	"fmt"

	"github.com/fogesque/rdmarun/internal/mem"
)

// ConnHandle identifies one connection for the lifetime of the process.
// It is an opaque index, not a pointer, per the weak-reference design
// used throughout this module for cross-goroutine back-references.
type ConnHandle uint64

// TaskID identifies one submitted task until its completion is dispatched.
type TaskID uint64

// ContextState is the engine context's lifecycle, matching spec.md §4.2's
// four-state model.
type ContextState uint8

const (
	ContextIdle ContextState = iota
	ContextStarting
	ContextRunning
	ContextStopping
)

// String renders the state's name.
func (s ContextState) String() string {
	switch s {
	case ContextIdle:
		return "idle"
	case ContextStarting:
		return "starting"
	case ContextRunning:
		return "running"
	case ContextStopping:
		return "stopping"
	default:
		return fmt.Sprintf("ContextState(%d)", uint8(s))
	}
}

// TaskKind is one of the four verb operations the engine exposes.
type TaskKind uint8

const (
	TaskSend TaskKind = iota + 1
	TaskRecv
	TaskRead
	TaskWrite
)

// String renders the kind's name.
func (k TaskKind) String() string {
	switch k {
	case TaskSend:
		return "send"
	case TaskRecv:
		return "recv"
	case TaskRead:
		return "read"
	case TaskWrite:
		return "write"
	default:
		return fmt.Sprintf("TaskKind(%d)", uint8(k))
	}
}

// TaskOutcome is the result a task callback reports.
type TaskOutcome uint8

const (
	TaskOutcomeSuccess TaskOutcome = iota + 1
	TaskOutcomeError
)

// MsgKind tags the variant carried by a mailbox Msg.
type MsgKind uint8

const (
	MsgTaskComplete MsgKind = iota + 1
	MsgConnRequested
	MsgConnEstablished
	MsgConnFailure
	MsgConnDisconnect
)

// Msg is the tagged message the provider posts to its mailbox in place of
// firing a callback directly from whatever goroutine noticed the event —
// spec.md §9's mailbox-pattern substitute for raw task_user_data/
// ctx_user_data pointer writes from arbitrary threads. The executor's
// worker goroutine is the only reader, so all the state the tagged
// fields eventually touch stays single-threaded from the executor's
// point of view.
type Msg struct {
	Kind    MsgKind
	Task    TaskID
	Outcome TaskOutcome
	Conn    ConnHandle
	Err     error
}

// FillFunc delivers inbound bytes (a completed RECEIVE, or the response
// half of a READ) into whatever destination the caller allocated the
// task against. The executor passes a closure over a mem.Handle; engine
// itself stays unaware of buffer-inventory internals.
type FillFunc func(data []byte) error

// Provider is the verbs-level boundary: queue pairs, registered memory
// regions, task submission, and the completion/connection callbacks
// spec.md §4.2 describes. SoftProvider is the only implementation this
// module ships; a real libibverbs binding would satisfy the same
// interface without the executor or session code changing.
type Provider interface {
	// Listen puts the context into passive mode on port. Valid only while
	// the provider is running.
	Listen(port int) error

	// ConnectToAddress initiates an active connection to addr (host:port)
	// and returns its handle immediately; the connection is in the
	// requested state until a MsgConnEstablished or MsgConnFailure
	// mailbox entry resolves it.
	ConnectToAddress(addr string) (ConnHandle, error)

	// AcceptConnection completes a peer-initiated connection that arrived
	// as a MsgConnRequested mailbox entry.
	AcceptConnection(conn ConnHandle) error

	// RejectConnection refuses a peer-initiated connection.
	RejectConnection(conn ConnHandle) error

	// DisconnectConnection tears down an established or requested
	// connection from this side.
	DisconnectConnection(conn ConnHandle) error

	// RegisterExport makes a locally pinned region reachable by remote
	// WRITE and READ requests naming its descriptor nonce.
	RegisterExport(nonce uint64, m *mem.MemoryMap)

	// PostSend submits data as one SEND task on conn. The task completes
	// once the provider has handed the payload to the transport; it does
	// not wait for a matching receive to be posted on the peer.
	PostSend(conn ConnHandle, data []byte) (TaskID, error)

	// PostRecv submits a receive task on conn. It completes when the next
	// SEND frame arrives on conn, delivering the payload to fill in FIFO
	// order against pending receives the way a verbs receive queue would.
	PostRecv(conn ConnHandle, fill FillFunc) (TaskID, error)

	// PostWrite submits data as a one-sided WRITE into the peer's region
	// identified by remoteNonce at remoteOffset.
	PostWrite(conn ConnHandle, data []byte, remoteNonce uint64, remoteOffset int) (TaskID, error)

	// PostRead submits a one-sided READ of length bytes at remoteOffset
	// from the peer's region identified by remoteNonce. The task completes
	// when the peer's response arrives, delivering the bytes to fill.
	PostRead(conn ConnHandle, remoteNonce uint64, remoteOffset, length int, fill FillFunc) (TaskID, error)

	// Start transitions the context from idle to starting to running.
	Start() error

	// Stop transitions the context to stopping, flushing in-flight tasks,
	// then to idle.
	Stop() error

	// State returns the context's current lifecycle state.
	State() ContextState

	// Mailbox returns the channel the provider posts task and connection
	// events to. There is exactly one reader: the executor worker loop.
	Mailbox() <-chan Msg
}
