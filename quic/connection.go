package quic

import (
	"context"
	"net"
)

// connState is the outer variant from §3: closed, accepting, open,
// error.
type connState int

const (
	connClosed connState = iota
	connAccepting
	connOpen
	connErrorState
)

// Connection is one RFC 9000 connection, multiplexing any number of
// Streams. Its stream collections generalize h2mux.Muxer's single
// activeStreamMap (h2mux/activestreammap.go) into one arena per
// connection plus a StreamID lookup table, since a Machine callback
// only ever hands back the wire StreamID, never our Ref.
//
// spec.md §3 lists seven separate named lists on the open variant
// (receiving_streams, sending_streams, open_streams, closing_streams,
// incoming_streams, accepting_streams, connecting_streams). This
// implementation collapses them into one arena plus each Stream's own
// state field: "which list a stream is reachable from" is answered by
// reading Stream.state, which is a true partition by construction
// (every Stream has exactly one state), so the reachable-from-exactly-
// one-list invariant holds without needing seven separate intrusive
// list head pointers to keep in sync by hand.
type Connection struct {
	engine *Engine
	id     ConnID
	sock   SockID
	remote net.Addr
	http3  bool
	server bool
	codec  HeaderCodec

	state connState

	connectOp      *Operation[error]
	acceptStreamOp *Operation[acceptStreamResult]
	incomingQueue  []*Stream

	// pendingOpens holds streams whose AsyncConnect arrived while
	// openStreamCount() was already at settings().MaxStreamsPerConnection;
	// untrackStream wakes the oldest one whenever a slot frees up (§8
	// scenario B).
	pendingOpens []*Stream

	streams *arena[*Stream]
	byID    map[StreamID]Ref

	sendWindow flowWindow
	recvWindow flowWindow

	goingAwayLocal  bool
	goingAwayRemote bool
	lastStreamID    StreamID

	err *Error
	// errDelivered tracks whether err has already been handed to one
	// operation; a terminal error is reported verbatim exactly once,
	// and as bad_file_descriptor to every op after that (§8 scenario F).
	errDelivered bool
	idle *idleTimer
}

type acceptStreamResult struct {
	stream *Stream
	err    error
}

func newConnection(e *Engine, id ConnID, sock SockID, remote net.Addr, server, http3 bool) *Connection {
	s := e.settings
	return &Connection{
		engine:     e,
		id:         id,
		sock:       sock,
		remote:     remote,
		server:     server,
		http3:      http3,
		codec:      s.HeaderCodec,
		streams:    newArena[*Stream](),
		byID:       make(map[StreamID]Ref),
		sendWindow: newFlowWindow(s.ConnectionFlowControlWindow),
		recvWindow: newFlowWindow(s.ConnectionFlowControlWindow),
		idle:       newIdleTimer(s.IdleTimeout, s.MaxIdleRetries),
	}
}

func (c *Connection) ID() ConnID             { return c.id }
func (c *Connection) RemoteEndpoint() net.Addr { return c.remote }

func (c *Connection) IsOpen() bool {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	return c.state == connOpen
}

func (c *Connection) settings() Settings { return c.engine.settings }

// SendWindow and RecvWindow report the Machine's own authoritative
// connection-level flow-control accounting, which need not exactly
// match this core's advisory flowWindow (see flowcontrol.go): the core
// windows exist to schedule writers fairly, not to enforce the wire
// protocol, so the two can drift under a Machine with its own pacing.
func (c *Connection) SendWindow() int64 {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	return c.engine.machine.ConnSendWindow(c.id)
}

func (c *Connection) RecvWindow() int64 {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	return c.engine.machine.ConnRecvWindow(c.id)
}

func (c *Connection) currentError() error {
	if c.err != nil {
		if c.errDelivered {
			return ErrBadFileDescriptor
		}
		c.errDelivered = true
		return c.err
	}
	return ErrConnAborted
}

// NewStream allocates a Stream attached to c but not yet opened; call
// its AsyncConnect to actually request the peer-visible stream id.
func (c *Connection) NewStream() *Stream {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	s := newStream(c, c.http3, false)
	s.ref = c.streams.Insert(s)
	return s
}

// AsyncAccept hands back the next peer-initiated stream, waiting if
// none has arrived yet. One pending accept per connection (§8
// property 1 generalizes from per-stream to per-connection here).
func (c *Connection) AsyncAccept(executor Executor, handler func(*Stream, error)) {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	if len(c.incomingQueue) > 0 {
		s := c.incomingQueue[0]
		c.incomingQueue = c.incomingQueue[1:]
		op := NewOperation[acceptStreamResult](executor, nil, &c.engine.engineWork, func(r acceptStreamResult) { handler(r.stream, r.err) })
		op.complete(ModeDispatch, acceptStreamResult{stream: s})
		return
	}
	if c.state != connOpen {
		op := NewOperation[acceptStreamResult](executor, nil, &c.engine.engineWork, func(r acceptStreamResult) { handler(r.stream, r.err) })
		op.complete(ModeDispatch, acceptStreamResult{err: c.currentError()})
		return
	}
	if c.acceptStreamOp != nil {
		op := NewOperation[acceptStreamResult](executor, nil, &c.engine.engineWork, func(r acceptStreamResult) { handler(r.stream, r.err) })
		op.complete(ModeDispatch, acceptStreamResult{err: ErrStreamBusy})
		return
	}
	c.acceptStreamOp = NewOperation[acceptStreamResult](executor, nil, &c.engine.engineWork, func(r acceptStreamResult) { handler(r.stream, r.err) })
}

// GoAway advertises graceful shutdown: existing streams may finish but
// no new peer-initiated stream above the current high-water mark will
// be accepted (§4.5 "going_away").
func (c *Connection) GoAway() error {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	if c.state != connOpen {
		return ErrBadFileDescriptor
	}
	if c.goingAwayLocal {
		return nil
	}
	c.goingAwayLocal = true
	err := c.engine.machine.GoAway(c.id)
	c.engine.wakeTick()
	return err
}

// Close tears the connection down immediately: every open stream is
// reset with aborted, the connection-level error is set, and Machine
// is told to send CONNECTION_CLOSE.
func (c *Connection) Close() {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	c.closeLocked(ErrConnAborted, false, 0)
}

func (c *Connection) closeLocked(cause *Error, app bool, code ErrorCode) {
	if c.state == connClosed {
		return
	}
	c.idle.Stop()
	if c.err == nil {
		c.err = cause
	}
	// snapshot first: resetLocked removes from c.streams, and arena.Each
	// forbids mutating the arena while it's iterating.
	var live []*Stream
	c.streams.Each(func(_ Ref, sp **Stream) { live = append(live, *sp) })
	for _, s := range live {
		s.resetLocked(cause)
	}
	if c.acceptStreamOp != nil {
		op := c.acceptStreamOp
		c.acceptStreamOp = nil
		op.complete(ModeDefer, acceptStreamResult{err: cause})
		c.errDelivered = true
	}
	if c.connectOp != nil {
		op := c.connectOp
		c.connectOp = nil
		op.complete(ModeDefer, cause)
		c.errDelivered = true
	}
	c.engine.machine.Close(c.id, app, code, cause.Reason.String())
	c.engine.wakeTick()
	c.engine.ready.forget(c.id)
	c.state = connClosed
	delete(c.engine.conns, c.id)
	ActiveConnections.Dec()
}

func (c *Connection) indexStream(s *Stream) {
	c.byID[s.id] = s.ref
}

func (c *Connection) untrackStream(s *Stream) {
	delete(c.byID, s.id)
	c.streams.Remove(s.ref)
	ActiveStreams.Dec()
	c.wakePendingOpen()
}

// openStreamCount counts streams that have actually completed their
// open (state streamOpen), the population settings().MaxStreamsPerConnection
// bounds; a freshly-allocated-but-not-yet-connected Stream (state
// streamIncoming) doesn't count against its own cap check.
func (c *Connection) openStreamCount() int {
	n := 0
	c.streams.Each(func(_ Ref, sp **Stream) {
		if (*sp).state == streamOpen {
			n++
		}
	})
	return n
}

// removePendingOpen drops s from pendingOpens, used when a parked
// stream is reset (e.g. connection teardown) before a cap slot ever
// freed up for it.
func (c *Connection) removePendingOpen(s *Stream) {
	for i, p := range c.pendingOpens {
		if p == s {
			c.pendingOpens = append(c.pendingOpens[:i], c.pendingOpens[i+1:]...)
			return
		}
	}
}

// wakePendingOpen opens the oldest AsyncConnect call parked by
// AsyncConnect's stream-cap check, if the cap now has room (§8
// scenario B: "C remains pending until A is closed, then proceeds").
func (c *Connection) wakePendingOpen() {
	if len(c.pendingOpens) == 0 {
		return
	}
	if max := c.settings().MaxStreamsPerConnection; max > 0 && uint32(c.openStreamCount()) >= max {
		return
	}
	next := c.pendingOpens[0]
	c.pendingOpens = c.pendingOpens[1:]
	executor, handler := next.pendingExecutor, next.pendingHandler
	next.pendingExecutor, next.pendingHandler = nil, nil
	next.openLocked(executor, handler)
}

func (c *Connection) lookupStream(id StreamID) (*Stream, bool) {
	ref, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	sp, ok := c.streams.Get(ref)
	if !ok {
		return nil, false
	}
	return *sp, true
}

// --- callbacks invoked from Engine.process, under the lock ---

func (c *Connection) onHandshakeComplete() {
	c.state = connOpen
	ActiveConnections.Inc()
	c.idle.ResetTimer()
	if c.connectOp != nil {
		op := c.connectOp
		c.connectOp = nil
		op.complete(ModeDefer, nil)
	}
}

// tlsAlertBase and transportErrorMax bound the error-code ranges the
// Machine uses to signal a TLS alert vs. a raw QUIC transport error, per
// the error kinds table (transport.* 0x00-0x0f, tls.* alert 0-255). A
// Machine reports a TLS alert N as ErrorCode(0x100+N).
const (
	tlsAlertBase             = ErrorCode(0x100)
	tlsAlertMax              = ErrorCode(0x1ff)
	transportErrorMax        = ErrorCode(0x0f)
	tlsAlertNoApplicationProtocol = 120
)

func classifyHandshakeFailure(ec ErrorCode) *Error {
	switch {
	case ec >= tlsAlertBase && ec <= tlsAlertMax:
		alert := ec - tlsAlertBase
		if alert == tlsAlertNoApplicationProtocol {
			cause := *ErrNoApplicationProto
			cause.Code = ec
			return &cause
		}
		return codeErr(KindTLS, ReasonNone, ec)
	case ec <= transportErrorMax:
		return codeErr(KindTransport, ReasonNone, ec)
	default:
		cause := *ErrHandshakeFailed
		cause.Code = ec
		return &cause
	}
}

func (c *Connection) onHandshakeFailure(ec ErrorCode) {
	cause := classifyHandshakeFailure(ec)
	HandshakeFailures.Inc()
	if c.connectOp != nil {
		op := c.connectOp
		c.connectOp = nil
		op.complete(ModeDefer, cause)
		c.errDelivered = true
	}
	c.err = cause
	c.state = connClosed
	delete(c.engine.conns, c.id)
}

func (c *Connection) onNewStream(id StreamID) {
	s := newStream(c, c.http3, true)
	s.id = id
	s.ref = c.streams.Insert(s)
	c.indexStream(s)
	s.state = streamOpen
	ActiveStreams.Inc()
	if c.acceptStreamOp != nil {
		op := c.acceptStreamOp
		c.acceptStreamOp = nil
		op.complete(ModeDefer, acceptStreamResult{stream: s})
		return
	}
	c.incomingQueue = append(c.incomingQueue, s)
}

func (c *Connection) onGoAway(lastStream StreamID, local bool) {
	if local {
		c.goingAwayLocal = true
		return
	}
	c.goingAwayRemote = true
	c.lastStreamID = lastStream
}

func (c *Connection) onClose(info ConnectionCloseInfo) {
	var cause *Error
	switch {
	case info.StatelessReset:
		cause = ErrConnReset
	case info.CryptoAlert:
		cause = codeErr(KindTLS, ReasonHandshakeFailed, info.Code)
	case info.IsApplication:
		cause = codeErr(KindApplication, ReasonNone, info.Code)
	default:
		cause = codeErr(KindTransport, ReasonProtocolViolation, info.Code)
	}
	c.closeLocked(cause, info.IsApplication, info.Code)
}

func (c *Connection) onInitialWindowChanged(delta int64) {
	c.streams.Each(func(_ Ref, sp **Stream) {
		s := *sp
		_ = s.send.window.shiftInitial(delta)
		if delta > 0 {
			s.wakeIfPending()
		}
	})
}

// onWindowUpdate applies a peer-granted connection-level send-window
// increment and resumes every stream parked on it.
func (c *Connection) onWindowUpdate(n uint32) {
	if err := c.sendWindow.grant(n); err != nil {
		return
	}
	c.streams.Each(func(_ Ref, sp **Stream) {
		(*sp).wakeIfPending()
	})
}

func (c *Connection) onIdleTimeout() bool {
	if !c.idle.Retry() {
		c.closeLocked(ErrConnTimedOut, false, 0)
		return false
	}
	return true
}

// watchIdle runs on its own goroutine for the lifetime of an open
// connection, classifying it connection.timed_out once its idleTimer
// has fired more than MaxIdleRetries times (SUPPLEMENTED FEATURES §2).
func (c *Connection) watchIdle(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.idle.C():
		}
		c.engine.mu.Lock()
		open := c.state == connOpen
		if open {
			if c.onIdleTimeout() {
				c.idle.ResetTimer()
			}
		}
		closed := c.state == connClosed
		c.engine.mu.Unlock()
		if closed {
			return
		}
	}
}
