// Package rdmaerr defines the error-kind taxonomy shared by every layer of
// the runtime, from the memory map up through the session coroutines.
//
// Every fallible operation in this module returns either a *rdmaerr.Error
// or an error that wraps one with fmt.Errorf("%w"). Callers should branch
// on Kind (via errors.As) rather than comparing error strings.
package rdmaerr

import (
	"errors"
	"fmt"
)

// Kind classifies the failure without committing to a specific cause.
type Kind uint8

const (
	// Config indicates a bad or missing device, permission, or capability.
	Config Kind = iota + 1

	// Resource indicates inventory exhaustion, a full queue, or the
	// underlying provider reporting no resources.
	Resource

	// State indicates the operation is not legal in the component's
	// current state (e.g. submit before start).
	State

	// Connection indicates a connect failure, rejection, disconnect, or
	// handshake timeout.
	Connection

	// Transfer indicates a task completion callback reported failure.
	Transfer

	// Timeout indicates a bounded wait exceeded its budget.
	Timeout

	// Protocol indicates a malformed control-channel message or a
	// response code that violates the expected sequence.
	Protocol

	// Service indicates the application handler returned a failure.
	Service

	// Shutdown indicates the Executor or a session stopped while an
	// operation was still pending.
	Shutdown
)

// String renders the kind's conventional name.
func (k Kind) String() string {
	switch k {
	case Config:
		return "ConfigError"
	case Resource:
		return "ResourceError"
	case State:
		return "StateError"
	case Connection:
		return "ConnectionError"
	case Transfer:
		return "TransferError"
	case Timeout:
		return "Timeout"
	case Protocol:
		return "ProtocolError"
	case Service:
		return "ServiceError"
	case Shutdown:
		return "Shutdown"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type carried across component boundaries.
// Op names the failing operation (e.g. "mem.MemoryMap.start"); Cause is
// the wrapped underlying error, if any.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

// New builds an *Error. Cause may be nil for terminal sentinel-style errors.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match two *Error values by Kind alone, so callers can
// write errors.Is(err, rdmaerr.New(rdmaerr.Timeout, "", nil)) — in practice
// they should instead use Is(err, kind) below, which is the supported
// surface.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Is reports whether err is (or wraps) a *rdmaerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Wrap builds an *Error of the given kind that wraps cause, prefixing it
// with op, and returns nil when cause is nil. The new Error always carries
// kind; a wrapped *rdmaerr.Error keeps its own Kind further down the chain.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return New(kind, op, cause)
}
