// Package connstate implements the per-connection lifecycle state machine
// described in spec.md §3 and §4.4: idle → requested → established →
// disconnected | failed.
//
// Like the transition table this is modeled on, the FSM is a pure function
// over a lookup table: no side effects, no dependency on the engine or the
// executor. The executor is responsible for interpreting the returned
// actions and for enforcing the system-wide "at most one active, at most
// one requested connection" invariant (spec.md §3) across all connections
// it owns — that policy is cross-connection and does not belong in a
// single connection's own FSM.
package connstate

import "fmt"

// State is a connection's lifecycle state.
type State uint8

const (
	StateIdle State = iota
	StateRequested
	StateEstablished
	StateDisconnected
	StateFailed
)

// String renders the state's name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateEstablished:
		return "established"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Event is an input to the connection FSM.
type Event uint8

const (
	// EventRequested fires when the engine reports the connection has
	// entered the requested phase, whether locally initiated
	// (connect_to_address) or peer-initiated and accepted (on_request).
	EventRequested Event = iota

	// EventEstablished fires on the engine's on_established callback.
	EventEstablished

	// EventFailure fires on the engine's on_failure callback.
	EventFailure

	// EventDisconnect fires on the engine's on_disconnect callback.
	EventDisconnect

	// EventRequestTimeout fires when a connection has sat in Requested
	// longer than the configured requested-state timeout without
	// reaching Established. Per spec.md §9's open question: the original
	// source never timed this out, risking a deadlocked single-active-
	// connection discipline against a stalled peer.
	EventRequestTimeout
)

// String renders the event's name.
func (e Event) String() string {
	switch e {
	case EventRequested:
		return "Requested"
	case EventEstablished:
		return "Established"
	case EventFailure:
		return "Failure"
	case EventDisconnect:
		return "Disconnect"
	case EventRequestTimeout:
		return "RequestTimeout"
	default:
		return fmt.Sprintf("Event(%d)", uint8(e))
	}
}

type stateEvent struct {
	state State
	event Event
}

// Result is the outcome of applying an event to the FSM.
type Result struct {
	OldState State
	NewState State
	Changed  bool
}

//nolint:gochecknoglobals // transition table is intentionally package-level.
var table = map[stateEvent]State{
	{StateIdle, EventRequested}: StateRequested,

	{StateRequested, EventEstablished}:    StateEstablished,
	{StateRequested, EventFailure}:        StateFailed,
	{StateRequested, EventRequestTimeout}: StateDisconnected,

	{StateEstablished, EventFailure}:    StateFailed,
	{StateEstablished, EventDisconnect}: StateDisconnected,

	// A failed or disconnected connection can be recycled into a fresh
	// request (a new *Connection value in practice, but the table allows
	// it for completeness of the state diagram).
	{StateDisconnected, EventRequested}: StateRequested,
	{StateFailed, EventRequested}:       StateRequested,
}

// ApplyEvent applies event to state and returns the result. Unlisted
// (state, event) pairs are ignored: the state is returned unchanged with
// Changed=false, mirroring the teacher FSM's drop-unknown-transitions
// behavior.
func ApplyEvent(state State, event Event) Result {
	next, ok := table[stateEvent{state, event}]
	if !ok {
		return Result{OldState: state, NewState: state, Changed: false}
	}
	return Result{OldState: state, NewState: next, Changed: next != state}
}
