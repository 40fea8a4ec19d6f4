package connstate_test

import (
	"testing"

	"github.com/fogesque/rdmarun/internal/connstate"
)

func TestLifecycleHappyPath(t *testing.T) {
	t.Parallel()

	state := connstate.StateIdle

	r := connstate.ApplyEvent(state, connstate.EventRequested)
	if !r.Changed || r.NewState != connstate.StateRequested {
		t.Fatalf("idle+Requested = %+v", r)
	}

	r = connstate.ApplyEvent(r.NewState, connstate.EventEstablished)
	if !r.Changed || r.NewState != connstate.StateEstablished {
		t.Fatalf("requested+Established = %+v", r)
	}

	r = connstate.ApplyEvent(r.NewState, connstate.EventDisconnect)
	if !r.Changed || r.NewState != connstate.StateDisconnected {
		t.Fatalf("established+Disconnect = %+v", r)
	}
}

func TestRequestedTimeoutDrops(t *testing.T) {
	t.Parallel()

	r := connstate.ApplyEvent(connstate.StateRequested, connstate.EventRequestTimeout)
	if !r.Changed || r.NewState != connstate.StateDisconnected {
		t.Fatalf("requested+RequestTimeout = %+v", r)
	}
}

func TestUnknownTransitionIgnored(t *testing.T) {
	t.Parallel()

	r := connstate.ApplyEvent(connstate.StateIdle, connstate.EventEstablished)
	if r.Changed || r.NewState != connstate.StateIdle {
		t.Fatalf("expected no-op, got %+v", r)
	}
}
