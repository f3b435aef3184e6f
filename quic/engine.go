package quic

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type engineState int

const (
	engineRunning engineState = iota
	engineCooldown
	engineStopped
)

// Engine is the process-wide cooperative scheduler (§4.3, §5): one
// global mutex guards every Connection and Stream, a goroutine per
// bound Socket feeds ingress datagrams to the Machine, and a single
// tick goroutine drives Machine.Process() and the write-ready list.
//
// Grounded on h2mux.Muxer.Serve, which spawns MuxReader.run and
// MuxWriter.run under one errgroup.Group and tears the whole muxer
// down when either returns; this Engine spawns one readLoop per Socket
// plus one tickLoop the same way, using the same
// golang.org/x/sync/errgroup dependency the teacher already pulls in.
type Engine struct {
	mu         sync.Mutex
	engineWork atomic.Int64

	machine  Machine
	settings Settings
	mode     Mode
	logger   *zerolog.Logger

	conns   map[ConnID]*Connection
	sockets map[SockID]*Socket
	nextSock uint64

	ready *readyList

	state engineState
	wake  chan struct{}
	runCtx context.Context

	// stopMu/stopCond/stopResult latch whether Run exited cleanly
	// (Shutdown/ctx cancellation) versus an unexpected socket/tick
	// error, set exactly once by Run and read by StoppedCleanly.
	// Grounded on h2mux.Muxer's explicitShutdown BooleanFuse, folded in
	// here rather than kept as its own file since Engine is its only
	// user.
	stopMu     sync.Mutex
	stopCond   *sync.Cond
	stopLatched bool
	stopResult bool
}

// NewEngine constructs an Engine bound to machine, which must not have
// been Configure'd by anyone else.
func NewEngine(machine Machine, mode Mode, settings Settings) *Engine {
	settings = settings.withDefaults()
	e := &Engine{
		machine:  machine,
		settings: settings,
		mode:     mode,
		logger:   settings.Logger,
		conns:    make(map[ConnID]*Connection),
		sockets:  make(map[SockID]*Socket),
		ready:    newReadyList(),
		wake:     make(chan struct{}, 1),
	}
	e.stopCond = sync.NewCond(&e.stopMu)
	machine.Configure(e, e.egress, e.settings)
	return e
}

// BindSocket opens and registers a UDP socket. When serverSide is true
// the Machine is armed to run the server handshake on it using lookup
// to resolve per-SNI TLS configs.
func (e *Engine) BindSocket(addr string, serverSide bool, lookup TLSContextLookup, alpn []string) (*Socket, error) {
	udp, err := bindUDPSocket(addr, serverSide)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.nextSock++
	id := SockID(e.nextSock)
	sock := &Socket{engine: e, id: id, udp: udp, serverSide: serverSide, lookup: lookup, alpn: alpn}
	e.sockets[id] = sock
	e.mu.Unlock()
	if serverSide {
		if err := e.machine.BindServer(id, udp.PacketConn(), lookup, alpn); err != nil {
			e.mu.Lock()
			delete(e.sockets, id)
			e.mu.Unlock()
			_ = udp.Close()
			return nil, err
		}
	}
	return sock, nil
}

// Connect starts a client handshake over sock to remote, completing
// handler once the handshake finishes (or fails).
func (e *Engine) Connect(sock *Socket, remote net.Addr, hostname string, alpn []string, tlsConf TLSConfig, http3 bool, executor Executor, handler func(*Connection, error)) (*Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, err := e.machine.Connect(sock.id, sock.udp.PacketConn(), remote, hostname, alpn, tlsConf)
	if err != nil {
		return nil, err
	}
	conn := newConnection(e, id, sock.id, remote, false, http3)
	conn.state = connAccepting
	e.conns[id] = conn
	conn.connectOp = NewOperation[error](executor, nil, &e.engineWork, func(err error) { handler(conn, err) })
	// Connect only queued the handshake datagram; a Machine that defers
	// egress to its own Process call (memmachine) needs a tick to flush
	// it, since nothing has arrived on the wire yet to trigger one.
	e.wakeTick()
	return conn, nil
}

// egress drains specs through whichever Socket each contiguous run
// targets, stopping (and reporting how many were actually sent) the
// moment one socket's WriteBatch reports blocking, per the Machine
// interface's EgressFunc contract.
func (e *Engine) egress(specs []OutgoingSpec) int {
	total := 0
	i := 0
	for i < len(specs) {
		sockID := specs[i].Sock
		j := i + 1
		for j < len(specs) && specs[j].Sock == sockID {
			j++
		}
		sock, ok := e.sockets[sockID]
		if !ok {
			total += j - i
			i = j
			continue
		}
		sentHere, err := sock.udp.WriteBatch(specs[i:j])
		total += sentHere
		if err != nil || sentHere < j-i {
			return total
		}
		i = j
	}
	return total
}

func (e *Engine) markWantWrite(conn ConnID, stream StreamID) {
	e.ready.signal(conn, stream)
}

func (e *Engine) postErr(executor Executor, handler func(error), err error) {
	op := NewOperation[error](executor, nil, &e.engineWork, handler)
	op.complete(ModeDispatch, err)
}

// process runs one iteration of the cooperative scheduler: drain the
// Machine, then drain the write-ready list exactly once (FIFO order
// keeps one greedy stream from starving the others across ticks, since
// any stream that re-signals goes to the back of the queue). Must be
// called with mu held.
func (e *Engine) process() (time.Duration, bool) {
	next, has := e.machine.Process()
	// Only the entries queued at this point are served this tick; a
	// stream that re-signals from onWritable waits for the next one.
	n := len(e.ready.active)
	for i := 0; i < n; i++ {
		connID, streamID, ok := e.ready.next()
		if !ok {
			break
		}
		conn, ok := e.conns[connID]
		if !ok {
			continue
		}
		s, ok := conn.lookupStream(streamID)
		if !ok {
			continue
		}
		s.onWritable()
	}
	return next, has
}

// Run spawns one read loop per currently-bound Socket plus the tick
// loop, and blocks until ctx is cancelled or one of them errors.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.runCtx = ctx
	socks := make([]*Socket, 0, len(e.sockets))
	for _, s := range e.sockets {
		socks = append(socks, s)
	}
	e.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range socks {
		s := s
		g.Go(func() error { return e.readLoop(ctx, s) })
	}
	g.Go(func() error { return e.tickLoop(ctx) })
	err := g.Wait()
	e.fuseStop(err == nil || err == context.Canceled)
	return err
}

// fuseStop latches the first (and only) stop result, matching
// h2mux.BooleanFuse's "later Fuse calls are no-ops" semantics.
func (e *Engine) fuseStop(clean bool) {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	if !e.stopLatched {
		e.stopLatched = true
		e.stopResult = clean
		e.stopCond.Broadcast()
	}
}

// StoppedCleanly reports, once Run has returned, whether it exited
// with a nil error or context.Canceled rather than an unexpected
// socket/tick error; it blocks until Run has actually returned.
// Grounded on h2mux.Muxer.Serve's isUnexpectedTunnelError(err,
// m.explicitShutdown.Value()) check immediately after its errgroup.Wait.
func (e *Engine) StoppedCleanly() bool {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	for !e.stopLatched {
		e.stopCond.Wait()
	}
	return e.stopResult
}

func (e *Engine) readLoop(ctx context.Context, sock *Socket) error {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, from, local, ecn, err := sock.udp.ReadPacket(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn().Err(err).Msg("udp packet read failed")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		pkt := IncomingPacket{Data: data, From: from, Local: local, ECN: ecn, Sock: sock.id}
		e.mu.Lock()
		e.machine.PacketIn(pkt)
		e.mu.Unlock()
		e.wakeTick()
	}
}

func (e *Engine) wakeTick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) tickLoop(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	armed := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
		case <-timerC(timer, armed):
			armed = false
		}
		e.mu.Lock()
		next, has := e.process()
		e.mu.Unlock()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if has {
			timer.Reset(next)
			armed = true
		}
	}
}

// timerC returns timer.C only when armed, otherwise nil (a nil channel
// blocks forever in a select, the idiomatic way to "not participate in
// this select" without stopping the goroutine).
func timerC(timer *time.Timer, armed bool) <-chan time.Time {
	if !armed {
		return nil
	}
	return timer.C
}

// Shutdown closes every socket (and transitively every connection) and
// marks the engine stopped. It does not cancel Run's context and does
// not wait for Run to return.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.state = engineCooldown
	socks := make([]*Socket, 0, len(e.sockets))
	for _, s := range e.sockets {
		socks = append(socks, s)
	}
	e.mu.Unlock()
	for _, s := range socks {
		s.Close()
	}
	e.mu.Lock()
	e.state = engineStopped
	e.mu.Unlock()
}

// --- Callbacks implementation; Engine IS the Machine's callback sink.
// Every method below runs from inside e.process (so mu is already
// held) and must never invoke a user handler inline (see operation.go:
// ModeDefer).

func (e *Engine) OnHandshakeComplete(conn ConnID) {
	c, ok := e.conns[conn]
	if !ok {
		return
	}
	c.onHandshakeComplete()
	if e.runCtx != nil {
		go c.watchIdle(e.runCtx)
	}
}

func (e *Engine) OnHandshakeFailure(conn ConnID, ec ErrorCode) {
	if c, ok := e.conns[conn]; ok {
		c.onHandshakeFailure(ec)
	}
}

func (e *Engine) OnNewConnection(sock SockID, conn ConnID) {
	sk, ok := e.sockets[sock]
	if !ok {
		return
	}
	if sk.acceptOp == nil && sk.backlog > 0 && len(sk.incomingQueue) >= sk.backlog {
		// Backlog full and nobody's waiting: reject at the transport
		// level instead of growing incomingQueue without bound (§4.4
		// "the Engine starts rejecting new ones at the transport level").
		e.machine.Close(conn, false, ErrorCode(0), ReasonBusy.String())
		return
	}
	c := newConnection(e, conn, sock, e.machine.RemoteAddr(conn), true, e.mode.IsHTTP3())
	c.state = connAccepting
	e.conns[conn] = c
	if sk.acceptOp != nil {
		op := sk.acceptOp
		sk.acceptOp = nil
		op.complete(ModeDefer, acceptConnResult{conn: c})
		return
	}
	sk.incomingQueue = append(sk.incomingQueue, c)
}

func (e *Engine) OnConnectionClose(conn ConnID, info ConnectionCloseInfo) {
	if c, ok := e.conns[conn]; ok {
		c.onClose(info)
	}
}

func (e *Engine) OnGoAway(conn ConnID, lastStream StreamID, local bool) {
	if c, ok := e.conns[conn]; ok {
		c.onGoAway(lastStream, local)
	}
}

func (e *Engine) OnNewStream(conn ConnID, stream StreamID) {
	if c, ok := e.conns[conn]; ok {
		c.idle.MarkActive()
		c.onNewStream(stream)
	}
}

func (e *Engine) OnStreamReadable(conn ConnID, stream StreamID) {
	if c, ok := e.conns[conn]; ok {
		c.idle.MarkActive()
		if s, ok := c.lookupStream(stream); ok {
			s.onReadable()
		}
	}
}

func (e *Engine) OnStreamWritable(conn ConnID, stream StreamID) {
	e.ready.signal(conn, stream)
}

func (e *Engine) OnStreamReset(conn ConnID, stream StreamID, ec ErrorCode) {
	if c, ok := e.conns[conn]; ok {
		if s, ok := c.lookupStream(stream); ok {
			s.onReset(ec)
		}
	}
}

func (e *Engine) OnStreamClosed(conn ConnID, stream StreamID) {
	if c, ok := e.conns[conn]; ok {
		if s, ok := c.lookupStream(stream); ok {
			s.onClosed()
		}
	}
}

func (e *Engine) OnInitialWindowChanged(conn ConnID, delta int64) {
	if c, ok := e.conns[conn]; ok {
		_ = c.sendWindow.shiftInitial(delta)
		c.onInitialWindowChanged(delta)
	}
}

func (e *Engine) OnStreamWindowUpdate(conn ConnID, stream StreamID, n uint32) {
	if c, ok := e.conns[conn]; ok {
		if s, ok := c.lookupStream(stream); ok {
			s.onWindowUpdate(n)
		}
	}
}

func (e *Engine) OnConnWindowUpdate(conn ConnID, n uint32) {
	if c, ok := e.conns[conn]; ok {
		c.onWindowUpdate(n)
	}
}
