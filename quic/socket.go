package quic

import "net"

// Socket is the bound-UDP-port component (§4.2/§3 "Socket"): it owns
// the udpSocket and, for server sockets, the TLS context lookup and
// ALPN set the Machine needs to run the server side of the handshake.
//
// Grounded on h2mux's top-level Muxer, which similarly owns one
// transport (an io.ReadWriteCloser there, a udpSocket here) and an
// accept-style queue (h2mux's NewMuxer immediately starts serving;
// this Socket instead exposes an explicit AsyncAccept so a server can
// pace how many pending connections it keeps around, the backlog
// concept named in spec.md's Socket operations).
type Socket struct {
	engine *Engine
	id     SockID
	udp    *udpSocket

	serverSide bool
	lookup     TLSContextLookup
	alpn       []string

	backlog       int
	incomingQueue []*Connection
	acceptOp      *Operation[acceptConnResult]

	closed bool
}

type acceptConnResult struct {
	conn *Connection
	err  error
}

// Listen sets the backlog: the maximum number of handshaked-but-not-
// yet-accepted connections this socket will hold before the Engine
// starts rejecting new ones at the transport level.
func (sock *Socket) Listen(backlog int) error {
	sock.engine.mu.Lock()
	defer sock.engine.mu.Unlock()
	if sock.closed {
		return ErrBadFileDescriptor
	}
	if backlog <= 0 {
		backlog = 1
	}
	sock.backlog = backlog
	return nil
}

// AsyncAccept hands back the next connection to complete its handshake
// on this socket. One pending accept per socket (§8 property 1
// generalizes here too).
func (sock *Socket) AsyncAccept(executor Executor, handler func(*Connection, error)) {
	sock.engine.mu.Lock()
	defer sock.engine.mu.Unlock()
	if sock.closed {
		op := NewOperation[acceptConnResult](executor, nil, &sock.engine.engineWork, func(r acceptConnResult) { handler(r.conn, r.err) })
		op.complete(ModeDispatch, acceptConnResult{err: ErrBadFileDescriptor})
		return
	}
	if len(sock.incomingQueue) > 0 {
		conn := sock.incomingQueue[0]
		sock.incomingQueue = sock.incomingQueue[1:]
		op := NewOperation[acceptConnResult](executor, nil, &sock.engine.engineWork, func(r acceptConnResult) { handler(r.conn, r.err) })
		op.complete(ModeDispatch, acceptConnResult{conn: conn})
		return
	}
	if sock.acceptOp != nil {
		op := NewOperation[acceptConnResult](executor, nil, &sock.engine.engineWork, func(r acceptConnResult) { handler(r.conn, r.err) })
		op.complete(ModeDispatch, acceptConnResult{err: ErrStreamBusy})
		return
	}
	sock.acceptOp = NewOperation[acceptConnResult](executor, nil, &sock.engine.engineWork, func(r acceptConnResult) { handler(r.conn, r.err) })
}

// LocalAddr returns the address this socket is bound to.
func (sock *Socket) LocalAddr() net.Addr { return sock.udp.LocalAddr() }

// Close tears down every connection still attached to this socket and
// releases the underlying UDP descriptor.
func (sock *Socket) Close() {
	sock.engine.mu.Lock()
	defer sock.engine.mu.Unlock()
	if sock.closed {
		return
	}
	sock.closed = true
	if sock.acceptOp != nil {
		op := sock.acceptOp
		sock.acceptOp = nil
		op.complete(ModeDefer, acceptConnResult{err: ErrBadFileDescriptor})
	}
	for _, c := range sock.incomingQueue {
		c.closeLocked(ErrConnAborted, false, 0)
	}
	sock.incomingQueue = nil
	for _, c := range sock.engine.conns {
		if c.sock == sock.id {
			c.closeLocked(ErrConnAborted, false, 0)
		}
	}
	delete(sock.engine.sockets, sock.id)
	_ = sock.udp.Close()
}
