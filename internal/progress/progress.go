// Package progress implements the single-threaded event pump spec.md §4.3
// describes: draining ready completions from a provider's mailbox and
// firing the installed task/connection callbacks synchronously on the
// caller's goroutine.
package progress

import (
	"context"

	"github.com/fogesque/rdmarun/internal/engine"
)

// Callbacks bundles the task and connection callbacks a Pump dispatches
// to. A nil field is simply skipped — matching the provider contract
// that installing a callback is optional until the executor is ready to
// receive it.
type Callbacks struct {
	OnTaskComplete    func(task engine.TaskID, outcome engine.TaskOutcome, err error)
	OnConnRequested   func(conn engine.ConnHandle)
	OnConnEstablished func(conn engine.ConnHandle)
	OnConnFailure     func(conn engine.ConnHandle, err error)
	OnConnDisconnect  func(conn engine.ConnHandle, err error)
}

// Pump drains one provider's mailbox. It holds no lifecycle of its own:
// the owner decides when and how often to call Progress.
type Pump struct {
	provider  engine.Provider
	callbacks Callbacks
}

// New builds a Pump over provider, dispatching to callbacks.
func New(provider engine.Provider, callbacks Callbacks) *Pump {
	return &Pump{provider: provider, callbacks: callbacks}
}

// Progress drains up to maxBatch ready mailbox messages and dispatches
// each to its callback, returning the number processed. The core always
// calls this with progress_all semantics: loop until the mailbox is
// empty or maxBatch is hit, rather than stopping after the first ready
// event.
func (pu *Pump) Progress(ctx context.Context, maxBatch int) int {
	n := 0
	for n < maxBatch {
		if ctx.Err() != nil {
			return n
		}
		select {
		case msg := <-pu.provider.Mailbox():
			pu.dispatch(msg)
			n++
		default:
			return n
		}
	}
	return n
}

func (pu *Pump) dispatch(msg engine.Msg) {
	switch msg.Kind {
	case engine.MsgTaskComplete:
		if pu.callbacks.OnTaskComplete != nil {
			pu.callbacks.OnTaskComplete(msg.Task, msg.Outcome, msg.Err)
		}
	case engine.MsgConnRequested:
		if pu.callbacks.OnConnRequested != nil {
			pu.callbacks.OnConnRequested(msg.Conn)
		}
	case engine.MsgConnEstablished:
		if pu.callbacks.OnConnEstablished != nil {
			pu.callbacks.OnConnEstablished(msg.Conn)
		}
	case engine.MsgConnFailure:
		if pu.callbacks.OnConnFailure != nil {
			pu.callbacks.OnConnFailure(msg.Conn, msg.Err)
		}
	case engine.MsgConnDisconnect:
		if pu.callbacks.OnConnDisconnect != nil {
			pu.callbacks.OnConnDisconnect(msg.Conn, msg.Err)
		}
	}
}
