// Package executor implements the Executor described in spec.md §4.4: the
// single thread-affine owner of one RDMA engine, its progress engine, its
// buffer inventory, and at most one active connection. Callers submit
// operations through Submit, which enqueues onto a channel the worker
// goroutine drains; the result is published back through a one-shot
// channel, Go's equivalent of the promise/future pair spec.md describes.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fogesque/rdmarun/internal/connstate"
	"github.com/fogesque/rdmarun/internal/engine"
	"github.com/fogesque/rdmarun/internal/mem"
	"github.com/fogesque/rdmarun/internal/progress"
	"github.com/fogesque/rdmarun/internal/rdmabuf"
	"github.com/fogesque/rdmarun/internal/rdmaerr"
)

// ambientPollInterval is how often the worker wakes on its own, with no
// operation queued, to drain connection events and enforce the
// requested-state timeout. spec.md's worker loop only wakes on the queue
// condition variable or while polling an in-flight operation; neither
// path drains the mailbox while the queue is empty and nothing is
// in-flight, which would stall connection acceptance indefinitely. This
// ticker is the fix.
const ambientPollInterval = time.Millisecond

// completionPollInterval is the spec's literal "sleep(10µs); progress()"
// busy-wait cadence used while a submitted operation or GetActiveConnection
// waits for its result.
const completionPollInterval = 10 * time.Microsecond

// Config configures an Executor. Zero-value fields fall back to
// spec.md §4.6's defaults (5000ms for every bounded wait).
type Config struct {
	// InventoryCapacity sizes the buffer inventory. Must be tuned to >=
	// expected peak outstanding operations.
	InventoryCapacity int

	// StartupTimeout bounds the wait for the engine context to reach
	// running.
	StartupTimeout time.Duration

	// OperationTimeout bounds a submitted RDMA operation's completion wait.
	OperationTimeout time.Duration

	// ConnectionTimeout bounds GetActiveConnection's wait for a connection
	// to become active.
	ConnectionTimeout time.Duration

	// RequestedStateTimeout bounds how long a connection may sit in the
	// requested state before being dropped. Per spec.md §9's open
	// question, the original source never timed this out.
	RequestedStateTimeout time.Duration

	Logger *slog.Logger

	// Metrics receives task and connection observations. Nil disables
	// metrics entirely.
	Metrics Metrics
}

// Metrics is the subset of rdmametrics.Collector the Executor reports to.
// Defined here rather than imported so the executor package stays free of
// a dependency on the metrics package; *rdmametrics.Collector satisfies
// this interface structurally.
type Metrics interface {
	IncTasksCompleted(kind string)
	IncTasksFailed(kind string)
	ObserveOperationLatency(kind string, seconds float64)
	SetConnections(state string, n float64)
}

type noopMetrics struct{}

func (noopMetrics) IncTasksCompleted(string)             {}
func (noopMetrics) IncTasksFailed(string)                {}
func (noopMetrics) ObserveOperationLatency(string, float64) {}
func (noopMetrics) SetConnections(string, float64)       {}

func (c Config) withDefaults() Config {
	if c.InventoryCapacity <= 0 {
		c.InventoryCapacity = 64
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 5 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 5 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 5 * time.Second
	}
	if c.RequestedStateTimeout <= 0 {
		c.RequestedStateTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	return c
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// OpRequest describes one operation submission. Local must always be set.
// Remote is required for Write and Read, ignored for Send and Recv.
type OpRequest struct {
	Kind       engine.TaskKind
	Local      *rdmabuf.Buffer
	LocalAddr  int
	Remote     *rdmabuf.Buffer
	RemoteAddr int
	Length     int
}

type opResult struct {
	buf *rdmabuf.Buffer
	err error
}

type opEnvelope struct {
	req    OpRequest
	result chan opResult
}

type cellState uint8

const (
	cellSubmitted cellState = iota
	cellCompleted
	cellError
)

type taskCell struct {
	state cellState
	err   error
}

type connection struct {
	handle      engine.ConnHandle
	state       connstate.State
	requestedAt time.Time
}

// Executor is the single owner of a Provider, its progress pump, and its
// buffer inventory.
type Executor struct {
	cfg      Config
	provider engine.Provider
	pump     *progress.Pump
	inv      *mem.Inventory

	started atomic.Bool

	opCh    chan *opEnvelope
	closeCh chan struct{}
	doneCh  chan struct{}

	connMu    chan struct{} // binary mutex; see lockConn/unlockConn
	active    *connection
	requested *connection

	cellMu chan struct{} // binary mutex; see lockCells/unlockCells
	cells  map[engine.TaskID]*taskCell
}

// New constructs an Executor over provider. Call Start before Submit.
func New(provider engine.Provider, cfg Config) *Executor {
	cfg = cfg.withDefaults()
	e := &Executor{
		cfg:      cfg,
		provider: provider,
		connMu:   make(chan struct{}, 1),
		cellMu:   make(chan struct{}, 1),
		cells:    make(map[engine.TaskID]*taskCell),
	}
	e.connMu <- struct{}{}
	e.cellMu <- struct{}{}
	e.pump = progress.New(provider, progress.Callbacks{
		OnTaskComplete:    e.onTaskComplete,
		OnConnRequested:   e.onConnRequested,
		OnConnEstablished: e.onConnEstablished,
		OnConnFailure:     e.onConnFailure,
		OnConnDisconnect:  e.onConnDisconnect,
	})
	return e
}

func (e *Executor) lockConn()   { <-e.connMu }
func (e *Executor) unlockConn() { e.connMu <- struct{}{} }
func (e *Executor) lockCells()  { <-e.cellMu }
func (e *Executor) unlockCell() { e.cellMu <- struct{}{} }

// Start runs the engine's startup sequence (spec.md §4.4): start the
// context, wait for it to reach running, allocate the buffer inventory,
// and spawn the worker goroutine.
func (e *Executor) Start() error {
	const op = "executor.Executor.Start"

	if err := e.provider.Start(); err != nil {
		return rdmaerr.New(rdmaerr.State, op, err)
	}

	deadline := time.Now().Add(e.cfg.StartupTimeout)
	for e.provider.State() != engine.ContextRunning {
		if time.Now().After(deadline) {
			return rdmaerr.New(rdmaerr.Timeout, op, fmt.Errorf("context did not reach running within %s", e.cfg.StartupTimeout))
		}
		time.Sleep(completionPollInterval)
	}

	e.inv = mem.NewInventory(e.cfg.InventoryCapacity)
	e.opCh = make(chan *opEnvelope, e.cfg.InventoryCapacity)
	e.closeCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	go e.run()
	e.started.Store(true)
	return nil
}

// Stop runs the shutdown sequence: stop accepting new operations, drain
// and fail whatever remains queued, join the worker, then stop the
// engine context.
func (e *Executor) Stop() error {
	e.started.Store(false)
	close(e.closeCh)
	<-e.doneCh
	return e.provider.Stop()
}

// Connect initiates an outbound connection. Fails with rdmaerr.State if
// a connection is already active or requested, per the single-active-
// connection discipline.
func (e *Executor) Connect(addr string) (engine.ConnHandle, error) {
	const op = "executor.Executor.Connect"

	e.lockConn()
	busy := e.active != nil || e.requested != nil
	e.unlockConn()
	if busy {
		return 0, rdmaerr.New(rdmaerr.State, op, fmt.Errorf("a connection is already active or requested"))
	}

	conn, err := e.provider.ConnectToAddress(addr)
	if err != nil {
		return 0, rdmaerr.New(rdmaerr.Connection, op, err)
	}

	result := connstate.ApplyEvent(connstate.StateIdle, connstate.EventRequested)

	e.lockConn()
	e.requested = &connection{handle: conn, state: result.NewState, requestedAt: time.Now()}
	e.unlockConn()
	return conn, nil
}

// Listen puts the engine into passive mode on port.
func (e *Executor) Listen(port int) error {
	return e.provider.Listen(port)
}

// RegisterExport exposes m to remote WRITE/READ requests naming nonce.
func (e *Executor) RegisterExport(nonce uint64, m *mem.MemoryMap) {
	e.provider.RegisterExport(nonce, m)
}

// GetActiveConnection blocks-by-polling until an active connection
// exists or timeout elapses.
func (e *Executor) GetActiveConnection(timeout time.Duration) (engine.ConnHandle, error) {
	const op = "executor.Executor.GetActiveConnection"

	deadline := time.Now().Add(timeout)
	for {
		e.lockConn()
		if e.active != nil {
			conn := e.active.handle
			e.unlockConn()
			return conn, nil
		}
		e.unlockConn()

		if time.Now().After(deadline) {
			return 0, rdmaerr.New(rdmaerr.Timeout, op, fmt.Errorf("no active connection within %s", timeout))
		}
		time.Sleep(completionPollInterval)
		e.pump.Progress(context.Background(), 64)
	}
}

// Submit enqueues req and blocks until the worker has executed it or ctx
// is done. Returns the local buffer on success.
func (e *Executor) Submit(ctx context.Context, req OpRequest) (*rdmabuf.Buffer, error) {
	const op = "executor.Executor.Submit"

	if !e.started.Load() {
		return nil, rdmaerr.New(rdmaerr.State, op, fmt.Errorf("no active connection: executor not started"))
	}

	if req.Local == nil {
		return nil, rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("operation requires a local buffer"))
	}

	entry := &opEnvelope{req: req, result: make(chan opResult, 1)}

	select {
	case e.opCh <- entry:
	case <-e.closeCh:
		return nil, rdmaerr.New(rdmaerr.Shutdown, op, fmt.Errorf("executor is shut down"))
	case <-ctx.Done():
		return nil, rdmaerr.New(rdmaerr.Timeout, op, ctx.Err())
	}

	select {
	case res := <-entry.result:
		return res.buf, res.err
	case <-ctx.Done():
		return nil, rdmaerr.New(rdmaerr.Timeout, op, ctx.Err())
	}
}

func (e *Executor) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(ambientPollInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-e.opCh:
			entry.result <- e.execute(entry.req)
		case <-ticker.C:
			e.pump.Progress(context.Background(), 64)
			e.checkRequestedTimeout()
		case <-e.closeCh:
			e.drainQueue()
			return
		}
	}
}

func (e *Executor) drainQueue() {
	for {
		select {
		case entry := <-e.opCh:
			entry.result <- opResult{err: rdmaerr.New(rdmaerr.Shutdown, "executor.Executor", fmt.Errorf("executor is shutting down"))}
		default:
			return
		}
	}
}

func (e *Executor) checkRequestedTimeout() {
	e.lockConn()
	req := e.requested
	e.unlockConn()
	if req == nil || time.Since(req.requestedAt) <= e.cfg.RequestedStateTimeout {
		return
	}

	result := connstate.ApplyEvent(req.state, connstate.EventRequestTimeout)

	e.lockConn()
	if e.requested == req {
		e.requested = nil
	}
	e.unlockConn()

	_ = e.provider.DisconnectConnection(req.handle)
	e.cfg.Logger.Warn("requested connection timed out",
		slog.Uint64("connection", uint64(req.handle)),
		slog.String("new_state", result.NewState.String()))
}

// execute runs the operation algorithm of spec.md §4.4 steps 1-8 on the
// worker goroutine. Task completions may be dispatched by any goroutine
// that calls pump.Progress (GetActiveConnection polls it too), so the
// task cells are guarded by cellMu.
func (e *Executor) execute(req OpRequest) opResult {
	const op = "executor.Executor.execute"

	needsRemote := req.Kind == engine.TaskRead || req.Kind == engine.TaskWrite
	if needsRemote && req.Remote == nil {
		return opResult{err: rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("%s requires a remote buffer", req.Kind))}
	}

	start := time.Now()
	defer func() {
		e.cfg.Metrics.ObserveOperationLatency(req.Kind.String(), time.Since(start).Seconds())
	}()

	e.lockConn()
	var activeConn engine.ConnHandle
	if e.active != nil {
		activeConn = e.active.handle
	}
	hasActive := e.active != nil
	e.unlockConn()

	if !hasActive {
		conn, err := e.GetActiveConnection(e.cfg.ConnectionTimeout)
		if err != nil {
			return opResult{err: err}
		}
		activeConn = conn
	}

	srcHandle, dstHandle, remoteNonce, err := e.allocateHandles(req)
	if err != nil {
		return opResult{err: rdmaerr.New(rdmaerr.Resource, op, err)}
	}
	defer func() {
		if srcHandle.Valid() {
			srcHandle.Release()
		}
		if dstHandle.Valid() {
			dstHandle.Release()
		}
	}()

	task, err := e.submitTask(req, activeConn, srcHandle, dstHandle, remoteNonce)
	if err != nil {
		e.cfg.Metrics.IncTasksFailed(req.Kind.String())
		return opResult{err: err}
	}

	if err := e.awaitCompletion(task); err != nil {
		e.cfg.Metrics.IncTasksFailed(req.Kind.String())
		return opResult{err: err}
	}

	e.cfg.Metrics.IncTasksCompleted(req.Kind.String())
	return opResult{buf: req.Local}
}

func (e *Executor) allocateHandles(req OpRequest) (src, dst mem.Handle, remoteNonce uint64, err error) {
	switch req.Kind {
	case engine.TaskSend:
		src, err = e.inv.AllocByData(req.Local.MemoryMap(), req.LocalAddr, req.Length)
	case engine.TaskRecv:
		dst, err = e.inv.AllocByAddress(req.Local.MemoryMap(), req.LocalAddr, req.Length)
	case engine.TaskWrite:
		src, err = e.inv.AllocByData(req.Local.MemoryMap(), req.LocalAddr, req.Length)
		if err == nil {
			dst, err = e.inv.AllocByAddress(req.Remote.MemoryMap(), req.RemoteAddr, req.Length)
		}
		remoteNonce = req.Remote.MemoryMap().Nonce()
	case engine.TaskRead:
		src, err = e.inv.AllocByData(req.Remote.MemoryMap(), req.RemoteAddr, req.Length)
		if err == nil {
			dst, err = e.inv.AllocByAddress(req.Local.MemoryMap(), req.LocalAddr, req.Length)
		}
		remoteNonce = req.Remote.MemoryMap().Nonce()
	default:
		err = fmt.Errorf("unknown task kind %v", req.Kind)
	}
	return src, dst, remoteNonce, err
}

func (e *Executor) submitTask(req OpRequest, conn engine.ConnHandle, src, dst mem.Handle, remoteNonce uint64) (engine.TaskID, error) {
	const op = "executor.Executor.submitTask"

	switch req.Kind {
	case engine.TaskSend:
		data, err := src.Bytes()
		if err != nil {
			return 0, rdmaerr.New(rdmaerr.Config, op, err)
		}
		task, err := e.provider.PostSend(conn, data)
		if err != nil {
			return 0, err
		}
		e.registerCell(task)
		return task, nil

	case engine.TaskRecv:
		task, err := e.provider.PostRecv(conn, func(data []byte) error { return dst.Fill(data) })
		if err != nil {
			return 0, err
		}
		e.registerCell(task)
		return task, nil

	case engine.TaskWrite:
		data, err := src.Bytes()
		if err != nil {
			return 0, rdmaerr.New(rdmaerr.Config, op, err)
		}
		task, err := e.provider.PostWrite(conn, data, remoteNonce, req.RemoteAddr)
		if err != nil {
			return 0, err
		}
		e.registerCell(task)
		return task, nil

	case engine.TaskRead:
		task, err := e.provider.PostRead(conn, remoteNonce, req.RemoteAddr, req.Length, func(data []byte) error { return dst.Fill(data) })
		if err != nil {
			return 0, err
		}
		e.registerCell(task)
		return task, nil

	default:
		return 0, rdmaerr.New(rdmaerr.Config, op, fmt.Errorf("unknown task kind %v", req.Kind))
	}
}

func (e *Executor) registerCell(task engine.TaskID) {
	e.lockCells()
	e.cells[task] = &taskCell{state: cellSubmitted}
	e.unlockCell()
}

func (e *Executor) awaitCompletion(task engine.TaskID) error {
	const op = "executor.Executor.awaitCompletion"

	deadline := time.Now().Add(e.cfg.OperationTimeout)
	for {
		e.lockCells()
		cell := e.cells[task]
		state := cell.state
		cellErr := cell.err
		e.unlockCell()

		if state != cellSubmitted {
			e.lockCells()
			delete(e.cells, task)
			e.unlockCell()
			if state == cellError {
				return rdmaerr.New(rdmaerr.Transfer, op, cellErr)
			}
			return nil
		}

		if time.Now().After(deadline) {
			e.lockCells()
			delete(e.cells, task)
			e.unlockCell()
			return rdmaerr.New(rdmaerr.Timeout, op, fmt.Errorf("task %d did not complete within %s", task, e.cfg.OperationTimeout))
		}

		time.Sleep(completionPollInterval)
		e.pump.Progress(context.Background(), 64)
	}
}

func (e *Executor) onTaskComplete(task engine.TaskID, outcome engine.TaskOutcome, err error) {
	e.lockCells()
	defer e.unlockCell()

	cell, ok := e.cells[task]
	if !ok {
		return
	}
	if outcome == engine.TaskOutcomeSuccess {
		cell.state = cellCompleted
	} else {
		cell.state = cellError
		cell.err = err
	}
}

// onConnRequested implements spec.md §4.4's on_request policy: reject if
// a connection is already active or requested, else accept and record it
// as requested.
func (e *Executor) onConnRequested(conn engine.ConnHandle) {
	e.lockConn()
	busy := e.active != nil || e.requested != nil
	e.unlockConn()

	if busy {
		_ = e.provider.RejectConnection(conn)
		return
	}

	result := connstate.ApplyEvent(connstate.StateIdle, connstate.EventRequested)

	e.lockConn()
	e.requested = &connection{handle: conn, state: result.NewState, requestedAt: time.Now()}
	e.unlockConn()

	_ = e.provider.AcceptConnection(conn)
}

// onConnEstablished implements on_established: disconnect if a
// connection is already active, else promote requested to active.
func (e *Executor) onConnEstablished(conn engine.ConnHandle) {
	e.lockConn()
	defer e.unlockConn()

	if e.active != nil {
		if e.active.handle != conn {
			e.unlockConn()
			_ = e.provider.DisconnectConnection(conn)
			e.lockConn()
		}
		return
	}

	if e.requested != nil && e.requested.handle == conn {
		result := connstate.ApplyEvent(e.requested.state, connstate.EventEstablished)
		e.requested.state = result.NewState
		e.active = e.requested
		e.requested = nil
		e.cfg.Metrics.SetConnections(connstate.StateEstablished.String(), 1)
		return
	}

	e.active = &connection{handle: conn, state: connstate.StateEstablished}
	e.cfg.Metrics.SetConnections(connstate.StateEstablished.String(), 1)
}

// onConnFailure implements on_failure: clear whichever slot conn occupies.
func (e *Executor) onConnFailure(conn engine.ConnHandle, err error) {
	e.logConnTransition(conn, connEvent(err))
	e.lockConn()
	defer e.unlockConn()
	e.clearConnLocked(conn)
}

// onConnDisconnect implements on_disconnect: clear whichever slot conn
// occupies.
func (e *Executor) onConnDisconnect(conn engine.ConnHandle, err error) {
	e.logConnTransition(conn, connEvent(err))
	e.lockConn()
	defer e.unlockConn()
	e.clearConnLocked(conn)
}

func (e *Executor) logConnTransition(conn engine.ConnHandle, event connstate.Event) {
	e.lockConn()
	var cur connstate.State
	switch {
	case e.active != nil && e.active.handle == conn:
		cur = e.active.state
	case e.requested != nil && e.requested.handle == conn:
		cur = e.requested.state
	default:
		e.unlockConn()
		return
	}
	e.unlockConn()

	result := connstate.ApplyEvent(cur, event)
	e.cfg.Logger.Info("connection transition",
		slog.Uint64("connection", uint64(conn)),
		slog.String("event", event.String()),
		slog.String("new_state", result.NewState.String()))
}

func (e *Executor) clearConnLocked(conn engine.ConnHandle) {
	if e.active != nil && e.active.handle == conn {
		e.active = nil
		e.cfg.Metrics.SetConnections(connstate.StateEstablished.String(), 0)
	}
	if e.requested != nil && e.requested.handle == conn {
		e.requested = nil
	}
}

func connEvent(err error) connstate.Event {
	if err != nil {
		return connstate.EventFailure
	}
	return connstate.EventDisconnect
}
