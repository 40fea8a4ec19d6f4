package engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/fogesque/rdmarun/internal/mem"
	"github.com/fogesque/rdmarun/internal/rdmaerr"
	"github.com/fogesque/rdmarun/internal/wire"
)

// Software data-plane frame opcodes. These are internal to SoftProvider —
// not part of the control-channel protocol spec.md §6 defines — and exist
// only so one SoftProvider can honor verbs semantics (SEND/RECV matching,
// one-sided WRITE, request/response READ) against another over a plain
// TCP socket.
const (
	frameSend         = 1
	frameWrite        = 2
	frameReadRequest  = 3
	frameReadResponse = 4
	frameWriteAck     = 5
)

// writeAck status bytes, carried in a frameWriteAck body.
const (
	writeAckOK    = 0
	writeAckError = 1
)

// handshakeMagic is exchanged once per data-plane connection, standing in
// for the RC queue-pair handshake a real verbs provider performs.
var handshakeMagic = [4]byte{'S', 'O', 'F', 'T'}

type pendingFill struct {
	task TaskID
	fill FillFunc
}

// softConn is one simulated RC connection: a TCP socket plus the FIFOs
// needed to match inbound frames against tasks posted in either order.
type softConn struct {
	nc net.Conn

	writeMu sync.Mutex

	mu           sync.Mutex
	recvWaiters  []pendingFill
	recvReady    [][]byte
	readWaiters  []pendingFill
	writeWaiters []TaskID
	closed       bool
}

func (c *softConn) writeFrame(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteFrame(c.nc, body)
}

// SoftProvider is a software-simulated Provider: it honors the same
// context lifecycle, connection callback policy, and task completion
// contract spec.md §4.2 describes for a real libibverbs provider, moving
// bytes over real TCP sockets instead of a hardware fabric.
type SoftProvider struct {
	logger *slog.Logger

	mu       sync.Mutex
	state    ContextState
	listener net.Listener
	conns    map[ConnHandle]*softConn
	exports  map[uint64]*mem.MemoryMap

	nextConn atomic.Uint64
	nextTask atomic.Uint64

	mailbox chan Msg
}

// SoftProviderOption configures an optional SoftProvider parameter.
type SoftProviderOption func(*SoftProvider)

// WithSoftProviderLogger attaches a logger. A no-op logger is used when
// this option is not supplied.
func WithSoftProviderLogger(logger *slog.Logger) SoftProviderOption {
	return func(p *SoftProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewSoftProvider constructs an idle SoftProvider. mailboxSize bounds how
// many undelivered task/connection events may queue before posting
// blocks the goroutine that noticed them; the executor's worker loop is
// expected to drain it continuously.
func NewSoftProvider(mailboxSize int, opts ...SoftProviderOption) *SoftProvider {
	if mailboxSize <= 0 {
		mailboxSize = 256
	}
	p := &SoftProvider{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		state:   ContextIdle,
		conns:   make(map[ConnHandle]*softConn),
		exports: make(map[uint64]*mem.MemoryMap),
		mailbox: make(chan Msg, mailboxSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Mailbox implements Provider.
func (p *SoftProvider) Mailbox() <-chan Msg {
	return p.mailbox
}

// State implements Provider.
func (p *SoftProvider) State() ContextState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start implements Provider.
func (p *SoftProvider) Start() error {
	const op = "engine.SoftProvider.Start"

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != ContextIdle {
		return rdmaerr.New(rdmaerr.State, op, fmt.Errorf("context is %s, not idle", p.state))
	}
	p.state = ContextStarting
	p.state = ContextRunning
	return nil
}

// Stop implements Provider. All connections and the listener (if any) are
// closed; in-flight tasks never complete, matching spec.md §5's
// cancellation policy ("the only way to abandon [a task] is to drive the
// context to stopping").
func (p *SoftProvider) Stop() error {
	const op = "engine.SoftProvider.Stop"

	p.mu.Lock()
	if p.state != ContextRunning {
		p.mu.Unlock()
		return rdmaerr.New(rdmaerr.State, op, fmt.Errorf("context is %s, not running", p.state))
	}
	p.state = ContextStopping

	if p.listener != nil {
		_ = p.listener.Close()
		p.listener = nil
	}
	conns := make([]*softConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[ConnHandle]*softConn)
	p.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		_ = c.nc.Close()
	}

	p.mu.Lock()
	p.state = ContextIdle
	p.mu.Unlock()
	return nil
}

// Listen implements Provider.
func (p *SoftProvider) Listen(port int) error {
	const op = "engine.SoftProvider.Listen"

	if p.State() != ContextRunning {
		return rdmaerr.New(rdmaerr.State, op, fmt.Errorf("context is not running"))
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return rdmaerr.New(rdmaerr.Connection, op, fmt.Errorf("listen on port %d: %w", port, err))
	}

	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()

	go p.acceptLoop(l)
	return nil
}

func (p *SoftProvider) acceptLoop(l net.Listener) {
	for {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		go p.handleIncoming(nc)
	}
}

func (p *SoftProvider) handleIncoming(nc net.Conn) {
	var peerMagic [4]byte
	if _, err := readFull(nc, peerMagic[:]); err != nil {
		p.logger.Warn("data-plane handshake read failed", slog.String("error", err.Error()))
		_ = nc.Close()
		return
	}
	if _, err := nc.Write(handshakeMagic[:]); err != nil {
		_ = nc.Close()
		return
	}

	conn := ConnHandle(p.nextConn.Add(1))
	sc := &softConn{nc: nc}

	p.mu.Lock()
	p.conns[conn] = sc
	p.mu.Unlock()

	go p.readLoop(conn, sc)

	p.postMsg(Msg{Kind: MsgConnRequested, Conn: conn})
}

// ConnectToAddress implements Provider. The returned handle is valid
// immediately (the connection is in the requested state from the
// caller's perspective); MsgConnEstablished or MsgConnFailure follows
// asynchronously once the handshake resolves.
func (p *SoftProvider) ConnectToAddress(addr string) (ConnHandle, error) {
	const op = "engine.SoftProvider.ConnectToAddress"

	if p.State() != ContextRunning {
		return 0, rdmaerr.New(rdmaerr.State, op, fmt.Errorf("context is not running"))
	}

	conn := ConnHandle(p.nextConn.Add(1))
	go p.dial(conn, addr)
	return conn, nil
}

func (p *SoftProvider) dial(conn ConnHandle, addr string) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		p.postMsg(Msg{Kind: MsgConnFailure, Conn: conn, Err: fmt.Errorf("dial %s: %w", addr, err)})
		return
	}
	if _, err := nc.Write(handshakeMagic[:]); err != nil {
		_ = nc.Close()
		p.postMsg(Msg{Kind: MsgConnFailure, Conn: conn, Err: fmt.Errorf("handshake write: %w", err)})
		return
	}
	var peerMagic [4]byte
	if _, err := readFull(nc, peerMagic[:]); err != nil {
		_ = nc.Close()
		p.postMsg(Msg{Kind: MsgConnFailure, Conn: conn, Err: fmt.Errorf("handshake read: %w", err)})
		return
	}

	sc := &softConn{nc: nc}
	p.mu.Lock()
	p.conns[conn] = sc
	p.mu.Unlock()

	go p.readLoop(conn, sc)

	p.postMsg(Msg{Kind: MsgConnEstablished, Conn: conn})
}

// AcceptConnection implements Provider.
func (p *SoftProvider) AcceptConnection(conn ConnHandle) error {
	const op = "engine.SoftProvider.AcceptConnection"

	if _, ok := p.connFor(conn); !ok {
		return rdmaerr.New(rdmaerr.Connection, op, fmt.Errorf("unknown connection %d", conn))
	}
	p.postMsg(Msg{Kind: MsgConnEstablished, Conn: conn})
	return nil
}

// RejectConnection implements Provider.
func (p *SoftProvider) RejectConnection(conn ConnHandle) error {
	const op = "engine.SoftProvider.RejectConnection"

	sc, ok := p.connFor(conn)
	if !ok {
		return rdmaerr.New(rdmaerr.Connection, op, fmt.Errorf("unknown connection %d", conn))
	}
	p.removeConn(conn)
	_ = sc.nc.Close()
	return nil
}

// DisconnectConnection implements Provider.
func (p *SoftProvider) DisconnectConnection(conn ConnHandle) error {
	const op = "engine.SoftProvider.DisconnectConnection"

	sc, ok := p.connFor(conn)
	if !ok {
		return rdmaerr.New(rdmaerr.Connection, op, fmt.Errorf("unknown connection %d", conn))
	}
	p.removeConn(conn)
	_ = sc.nc.Close()
	return nil
}

// RegisterExport implements Provider.
func (p *SoftProvider) RegisterExport(nonce uint64, m *mem.MemoryMap) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exports[nonce] = m
}

func (p *SoftProvider) connFor(conn ConnHandle) (*softConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sc, ok := p.conns[conn]
	return sc, ok
}

func (p *SoftProvider) removeConn(conn ConnHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, conn)
}

func (p *SoftProvider) newTask() TaskID {
	return TaskID(p.nextTask.Add(1))
}

func (p *SoftProvider) postMsg(msg Msg) {
	p.mailbox <- msg
}

// PostSend implements Provider.
func (p *SoftProvider) PostSend(conn ConnHandle, data []byte) (TaskID, error) {
	const op = "engine.SoftProvider.PostSend"

	sc, ok := p.connFor(conn)
	if !ok {
		return 0, rdmaerr.New(rdmaerr.Connection, op, fmt.Errorf("unknown connection %d", conn))
	}

	frame := make([]byte, 1+len(data))
	frame[0] = frameSend
	copy(frame[1:], data)

	task := p.newTask()
	if err := sc.writeFrame(frame); err != nil {
		return 0, rdmaerr.New(rdmaerr.Transfer, op, fmt.Errorf("send on connection %d: %w", conn, err))
	}
	p.postMsg(Msg{Kind: MsgTaskComplete, Task: task, Outcome: TaskOutcomeSuccess, Conn: conn})
	return task, nil
}

// PostRecv implements Provider.
func (p *SoftProvider) PostRecv(conn ConnHandle, fill FillFunc) (TaskID, error) {
	const op = "engine.SoftProvider.PostRecv"

	sc, ok := p.connFor(conn)
	if !ok {
		return 0, rdmaerr.New(rdmaerr.Connection, op, fmt.Errorf("unknown connection %d", conn))
	}

	task := p.newTask()

	sc.mu.Lock()
	if len(sc.recvReady) > 0 {
		data := sc.recvReady[0]
		sc.recvReady = sc.recvReady[1:]
		sc.mu.Unlock()
		p.completeFill(conn, task, fill, data)
		return task, nil
	}
	sc.recvWaiters = append(sc.recvWaiters, pendingFill{task: task, fill: fill})
	sc.mu.Unlock()
	return task, nil
}

// PostWrite implements Provider. The task does not complete when the frame
// is handed to the socket: it waits for the peer's frameWriteAck, so a
// completion genuinely means the peer has applied the bytes to the
// exported region (the same happens-before relationship PostRead gets for
// free from its request/response round trip).
func (p *SoftProvider) PostWrite(conn ConnHandle, data []byte, remoteNonce uint64, remoteOffset int) (TaskID, error) {
	const op = "engine.SoftProvider.PostWrite"

	sc, ok := p.connFor(conn)
	if !ok {
		return 0, rdmaerr.New(rdmaerr.Connection, op, fmt.Errorf("unknown connection %d", conn))
	}

	frame := make([]byte, 1+8+8+len(data))
	frame[0] = frameWrite
	binary.BigEndian.PutUint64(frame[1:9], remoteNonce)
	binary.BigEndian.PutUint64(frame[9:17], uint64(remoteOffset))
	copy(frame[17:], data)

	task := p.newTask()

	sc.mu.Lock()
	sc.writeWaiters = append(sc.writeWaiters, task)
	sc.mu.Unlock()

	if err := sc.writeFrame(frame); err != nil {
		return 0, rdmaerr.New(rdmaerr.Transfer, op, fmt.Errorf("write on connection %d: %w", conn, err))
	}
	return task, nil
}

// PostRead implements Provider.
func (p *SoftProvider) PostRead(conn ConnHandle, remoteNonce uint64, remoteOffset, length int, fill FillFunc) (TaskID, error) {
	const op = "engine.SoftProvider.PostRead"

	sc, ok := p.connFor(conn)
	if !ok {
		return 0, rdmaerr.New(rdmaerr.Connection, op, fmt.Errorf("unknown connection %d", conn))
	}

	frame := make([]byte, 1+8+8+8)
	frame[0] = frameReadRequest
	binary.BigEndian.PutUint64(frame[1:9], remoteNonce)
	binary.BigEndian.PutUint64(frame[9:17], uint64(remoteOffset))
	binary.BigEndian.PutUint64(frame[17:25], uint64(length))

	task := p.newTask()
	sc.mu.Lock()
	sc.readWaiters = append(sc.readWaiters, pendingFill{task: task, fill: fill})
	sc.mu.Unlock()

	if err := sc.writeFrame(frame); err != nil {
		return 0, rdmaerr.New(rdmaerr.Transfer, op, fmt.Errorf("read request on connection %d: %w", conn, err))
	}
	return task, nil
}

func (p *SoftProvider) completeFill(conn ConnHandle, task TaskID, fill FillFunc, data []byte) {
	outcome := TaskOutcomeSuccess
	var fillErr error
	if err := fill(data); err != nil {
		outcome = TaskOutcomeError
		fillErr = err
	}
	p.postMsg(Msg{Kind: MsgTaskComplete, Task: task, Outcome: outcome, Conn: conn, Err: fillErr})
}

func (p *SoftProvider) readLoop(conn ConnHandle, sc *softConn) {
	for {
		body, err := wire.ReadFrame(sc.nc)
		if err != nil {
			sc.mu.Lock()
			already := sc.closed
			sc.closed = true
			sc.mu.Unlock()
			p.removeConn(conn)
			if !already {
				p.postMsg(Msg{Kind: MsgConnDisconnect, Conn: conn, Err: err})
			}
			return
		}
		if len(body) == 0 {
			continue
		}
		p.handleFrame(conn, sc, body[0], body[1:])
	}
}

func (p *SoftProvider) handleFrame(conn ConnHandle, sc *softConn, opcode byte, rest []byte) {
	switch opcode {
	case frameSend:
		p.handleInboundSend(conn, sc, rest)
	case frameWrite:
		p.handleInboundWrite(sc, rest)
	case frameReadRequest:
		p.handleInboundReadRequest(sc, rest)
	case frameReadResponse:
		p.handleInboundReadResponse(conn, sc, rest)
	case frameWriteAck:
		p.handleInboundWriteAck(conn, sc, rest)
	default:
		p.logger.Warn("unknown data-plane frame opcode", slog.Int("opcode", int(opcode)))
	}
}

func (p *SoftProvider) handleInboundSend(conn ConnHandle, sc *softConn, data []byte) {
	cp := append([]byte(nil), data...)

	sc.mu.Lock()
	if len(sc.recvWaiters) > 0 {
		w := sc.recvWaiters[0]
		sc.recvWaiters = sc.recvWaiters[1:]
		sc.mu.Unlock()
		p.completeFill(conn, w.task, w.fill, cp)
		return
	}
	sc.recvReady = append(sc.recvReady, cp)
	sc.mu.Unlock()
}

// handleInboundWrite applies an inbound WRITE against the exported region
// it names, then replies with a frameWriteAck so the writer's PostWrite
// task only completes once the bytes are actually visible here.
func (p *SoftProvider) handleInboundWrite(sc *softConn, rest []byte) {
	status := byte(writeAckOK)

	if len(rest) < 16 {
		status = writeAckError
	} else {
		nonce := binary.BigEndian.Uint64(rest[0:8])
		offset := binary.BigEndian.Uint64(rest[8:16])
		data := rest[16:]

		p.mu.Lock()
		m, ok := p.exports[nonce]
		p.mu.Unlock()

		switch {
		case !ok:
			p.logger.Warn("write addressed unknown export nonce")
			status = writeAckError
		default:
			if err := m.WriteLocal(int(offset), data); err != nil {
				p.logger.Warn("write into exported region failed", slog.String("error", err.Error()))
				status = writeAckError
			}
		}
	}

	if err := sc.writeFrame([]byte{frameWriteAck, status}); err != nil {
		p.logger.Warn("write ack send failed", slog.String("error", err.Error()))
	}
}

// handleInboundWriteAck completes the oldest outstanding PostWrite task on
// this connection, now that the peer has confirmed the bytes landed.
func (p *SoftProvider) handleInboundWriteAck(conn ConnHandle, sc *softConn, rest []byte) {
	sc.mu.Lock()
	if len(sc.writeWaiters) == 0 {
		sc.mu.Unlock()
		p.logger.Warn("write ack with no pending write", slog.Uint64("connection", uint64(conn)))
		return
	}
	task := sc.writeWaiters[0]
	sc.writeWaiters = sc.writeWaiters[1:]
	sc.mu.Unlock()

	outcome := TaskOutcomeSuccess
	var err error
	if len(rest) == 0 || rest[0] != writeAckOK {
		outcome = TaskOutcomeError
		err = fmt.Errorf("peer reported write failure")
	}
	p.postMsg(Msg{Kind: MsgTaskComplete, Task: task, Outcome: outcome, Conn: conn, Err: err})
}

func (p *SoftProvider) handleInboundReadRequest(sc *softConn, rest []byte) {
	if len(rest) < 24 {
		return
	}
	nonce := binary.BigEndian.Uint64(rest[0:8])
	offset := binary.BigEndian.Uint64(rest[8:16])
	length := binary.BigEndian.Uint64(rest[16:24])

	p.mu.Lock()
	m, ok := p.exports[nonce]
	p.mu.Unlock()

	var data []byte
	if ok {
		d, err := m.ReadLocal(int(offset), int(length))
		if err != nil {
			p.logger.Warn("read from exported region failed", slog.String("error", err.Error()))
		} else {
			data = d
		}
	}

	frame := make([]byte, 1+len(data))
	frame[0] = frameReadResponse
	copy(frame[1:], data)
	if err := sc.writeFrame(frame); err != nil {
		p.logger.Warn("read response write failed", slog.String("error", err.Error()))
	}
}

func (p *SoftProvider) handleInboundReadResponse(conn ConnHandle, sc *softConn, data []byte) {
	cp := append([]byte(nil), data...)

	sc.mu.Lock()
	if len(sc.readWaiters) == 0 {
		sc.mu.Unlock()
		p.logger.Warn("read response with no pending request", slog.Uint64("connection", uint64(conn)))
		return
	}
	w := sc.readWaiters[0]
	sc.readWaiters = sc.readWaiters[1:]
	sc.mu.Unlock()

	p.completeFill(conn, w.task, w.fill, cp)
}

func readFull(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

var _ Provider = (*SoftProvider)(nil)
