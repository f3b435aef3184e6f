// Package memmachine is a minimal in-process quic.Machine used by this
// module's own tests. It speaks a tiny length-prefixed wire format over
// plain UDP datagrams instead of RFC 9000/9001: no packet numbers, no
// loss recovery, no real TLS handshake. It exists to drive quic.Engine,
// quic.Connection and quic.Stream through their state machines in
// package tests without depending on a second full QUIC stack.
//
// Grounded on h2mux's own test doubles (h2mux/h2mux_test.go uses an
// in-memory net.Pipe-backed muxer pair to exercise MuxReader/MuxWriter
// without a real HTTP/2 peer); memmachine plays the same role for
// quic.Engine, scaled up from a single io.ReadWriteCloser pipe to a
// real *net.UDPConn pair so Engine's own udpSocket/egress path is
// exercised end to end.
package memmachine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nexusquic/nexus/quic"
)

// alertNoApplicationProtocol is the RFC 8446 §6 TLS 1.3 alert value for
// an ALPN negotiation failure; alertHandshakeFailure covers every other
// rejection reason this toy handshake produces (bad hostname lookup).
// Both ride the 0x100-0x1ff bucket Connection.onHandshakeFailure uses to
// recognize a crypto alert rather than a raw transport error code.
const (
	alertHandshakeFailure       = 40
	alertNoApplicationProtocol  = 120
	tlsAlertErrorCodeBase quic.ErrorCode = 0x100
)

type msgKind uint8

const (
	msgHello msgKind = iota + 1
	msgHelloAck
	msgHelloReject
	msgStreamOpen
	msgStreamData
	msgStreamReset
	msgGoAway
	msgConnClose
	msgStreamWindowUpdate
	msgConnWindowUpdate
)

// wire message layout: kind(1) connID(8) streamID(8) fin(1) code(8) len(4) payload
type message struct {
	kind     msgKind
	connID   uint64
	streamID uint64
	fin      bool
	code     uint64
	payload  []byte
}

func encode(m message) []byte {
	buf := make([]byte, 0, 30+len(m.payload))
	buf = append(buf, byte(m.kind))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], m.connID)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], m.streamID)
	buf = append(buf, tmp[:]...)
	if m.fin {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	binary.BigEndian.PutUint64(tmp[:], m.code)
	buf = append(buf, tmp[:]...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m.payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, m.payload...)
	return buf
}

func decode(data []byte) (message, error) {
	if len(data) < 30 {
		return message{}, errors.New("memmachine: short message")
	}
	var m message
	m.kind = msgKind(data[0])
	m.connID = binary.BigEndian.Uint64(data[1:9])
	m.streamID = binary.BigEndian.Uint64(data[9:17])
	m.fin = data[17] != 0
	m.code = binary.BigEndian.Uint64(data[18:26])
	n := binary.BigEndian.Uint32(data[26:30])
	if uint64(len(data)) < 30+uint64(n) {
		return message{}, errors.New("memmachine: truncated payload")
	}
	m.payload = data[30 : 30+n]
	return m, nil
}

type streamState struct {
	recvBuf bytes.Buffer
	recvFin bool
	closed  bool

	// sendWindow is the real bounded credit this side holds for writing
	// to this stream, granted at stream-open time and by msgStreamWindowUpdate
	// datagrams the peer sends after draining its recvBuf via ReadStream.
	sendWindow int64
}

type connState struct {
	id       quic.ConnID
	sock     quic.SockID
	remote   net.Addr
	server   bool
	nextID   uint64 // next locally-opened stream id, before parity tag
	streams  map[quic.StreamID]*streamState
	readable map[quic.StreamID]bool

	// connSendWindow is the connection-level counterpart of
	// streamState.sendWindow, replenished by msgConnWindowUpdate.
	connSendWindow int64
}

// Machine is a loopback quic.Machine: Connect/BindServer complete the
// toy handshake through a hello/ack datagram exchange driven by
// successive Process calls, and
// OpenStream/WriteStream/ReadStream exchange msgStreamData datagrams
// through the Engine-supplied EgressFunc exactly like a real Machine
// would exchange QUIC STREAM frames.
type Machine struct {
	mu sync.Mutex

	cb     quic.Callbacks
	egress quic.EgressFunc

	// initStreamWindow/initConnWindow are the send-credit ceilings a
	// newly opened stream/connection starts with, taken from the
	// Settings the Engine configures this Machine with. A real peer
	// would advertise its own receive windows in its transport
	// parameters; this loopback protocol has no handshake for that, so
	// both ends simply start from the same local Settings.
	initStreamWindow int64
	initConnWindow   int64

	nextConn uint64
	conns    map[quic.ConnID]*connState

	servers map[quic.SockID]serverBinding

	pendingIngress []quic.IncomingPacket
	pendingOut     []outEvent
}

type serverBinding struct {
	local  net.Addr
	lookup quic.TLSContextLookup
	alpn   []string
}

// outEvent defers a Callbacks invocation to the next Process call, the
// same way a real Machine can only report handshake/stream events from
// inside its own Process/PacketIn processing rather than inline from
// Connect/OpenStream.
type outEvent func()

func New() *Machine {
	return &Machine{
		conns:   make(map[quic.ConnID]*connState),
		servers: make(map[quic.SockID]serverBinding),
	}
}

// Configure installs the callback sink. settings.ActiveConnectionIDLimit
// is accepted for interface parity but unused: this loopback protocol
// has no path migration, so there is only ever one connection ID.
func (m *Machine) Configure(cb quic.Callbacks, egress quic.EgressFunc, settings quic.Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
	m.egress = egress
	m.initStreamWindow = int64(settings.IncomingStreamFlowControlWindow)
	m.initConnWindow = int64(settings.ConnectionFlowControlWindow)
}

func (m *Machine) Connect(sock quic.SockID, pconn net.PacketConn, remote net.Addr, hostname string, alpn []string, tlsConf quic.TLSConfig) (quic.ConnID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextConn++
	id := quic.ConnID(m.nextConn)
	m.conns[id] = &connState{
		id:             id,
		sock:           sock,
		remote:         remote,
		server:         false,
		nextID:         0,
		streams:        make(map[quic.StreamID]*streamState),
		readable:       make(map[quic.StreamID]bool),
		connSendWindow: m.initConnWindow,
	}
	hello := encode(message{kind: msgHello, connID: uint64(id), payload: encodeHelloPayload(hostname, alpn)})
	m.pendingOut = append(m.pendingOut, func() {
		m.egress([]quic.OutgoingSpec{{Data: hello, To: remote, Sock: sock}})
	})
	return id, nil
}

func (m *Machine) BindServer(sock quic.SockID, pconn net.PacketConn, lookup quic.TLSContextLookup, alpn []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[sock] = serverBinding{local: pconn.LocalAddr(), lookup: lookup, alpn: alpn}
	return nil
}

func (m *Machine) Close(conn quic.ConnID, app bool, code quic.ErrorCode, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[conn]
	if !ok {
		return
	}
	msg := encode(message{kind: msgConnClose, connID: uint64(conn), code: uint64(code), fin: app})
	remote, sock := c.remote, c.sock
	delete(m.conns, conn)
	m.pendingOut = append(m.pendingOut, func() {
		m.egress([]quic.OutgoingSpec{{Data: msg, To: remote, Sock: sock}})
	})
}

func (m *Machine) GoAway(conn quic.ConnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[conn]
	if !ok {
		return errors.New("memmachine: unknown connection")
	}
	msg := encode(message{kind: msgGoAway, connID: uint64(conn)})
	remote, sock := c.remote, c.sock
	m.pendingOut = append(m.pendingOut, func() {
		m.egress([]quic.OutgoingSpec{{Data: msg, To: remote, Sock: sock}})
	})
	return nil
}

// OpenStream allocates the next id with client/server parity (RFC 9000
// §2.1's bidirectional-stream parity bit, bit 0 of the id) and tells
// the peer about it so its OnNewStream fires once the datagram arrives.
func (m *Machine) OpenStream(conn quic.ConnID) (quic.StreamID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[conn]
	if !ok {
		return 0, errors.New("memmachine: unknown connection")
	}
	parity := uint64(0)
	if !c.server {
		parity = 1
	}
	id := quic.StreamID(c.nextID*2 + parity + 1)
	c.nextID++
	c.streams[id] = &streamState{sendWindow: m.initStreamWindow}
	msg := encode(message{kind: msgStreamOpen, connID: uint64(conn), streamID: uint64(id)})
	remote, sock := c.remote, c.sock
	m.pendingOut = append(m.pendingOut, func() {
		m.egress([]quic.OutgoingSpec{{Data: msg, To: remote, Sock: sock}})
	})
	return id, nil
}

func (m *Machine) CloseStreamWrite(conn quic.ConnID, stream quic.StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[conn]
	if !ok {
		return
	}
	msg := encode(message{kind: msgStreamData, connID: uint64(conn), streamID: uint64(stream), fin: true})
	remote, sock := c.remote, c.sock
	m.pendingOut = append(m.pendingOut, func() {
		m.egress([]quic.OutgoingSpec{{Data: msg, To: remote, Sock: sock}})
	})
}

func (m *Machine) ResetStream(conn quic.ConnID, stream quic.StreamID, ec quic.ErrorCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[conn]
	if !ok {
		return
	}
	delete(c.streams, stream)
	msg := encode(message{kind: msgStreamReset, connID: uint64(conn), streamID: uint64(stream), code: uint64(ec)})
	remote, sock := c.remote, c.sock
	m.pendingOut = append(m.pendingOut, func() {
		m.egress([]quic.OutgoingSpec{{Data: msg, To: remote, Sock: sock}})
	})
}

// ReadStream drains st.recvBuf and, when it actually freed bytes, grants
// that much credit straight back to the peer with a msgStreamWindowUpdate
// plus a matching msgConnWindowUpdate — the wire-level counterpart of a
// real Machine issuing MAX_STREAM_DATA/MAX_DATA once the application has
// consumed buffered data (RFC 9000 §4.1), which is what lets a write
// parked on an exhausted send window (quic/stream.go's pumpSend) resume.
func (m *Machine) ReadStream(conn quic.ConnID, stream quic.StreamID, p []byte) (n int, fin bool, err error) {
	m.mu.Lock()
	c, ok := m.conns[conn]
	if !ok {
		m.mu.Unlock()
		return 0, false, errors.New("memmachine: unknown connection")
	}
	st, ok := c.streams[stream]
	if !ok {
		m.mu.Unlock()
		return 0, false, errors.New("memmachine: unknown stream")
	}
	n, _ = st.recvBuf.Read(p)
	delete(c.readable, stream)
	fin = st.recvFin && st.recvBuf.Len() == 0
	if n > 0 {
		streamMsg := encode(message{kind: msgStreamWindowUpdate, connID: uint64(conn), streamID: uint64(stream), code: uint64(n)})
		connMsg := encode(message{kind: msgConnWindowUpdate, connID: uint64(conn), code: uint64(n)})
		remote, sock := c.remote, c.sock
		m.pendingOut = append(m.pendingOut, func() {
			m.egress([]quic.OutgoingSpec{{Data: streamMsg, To: remote, Sock: sock}, {Data: connMsg, To: remote, Sock: sock}})
		})
	}
	m.mu.Unlock()
	return n, fin, nil
}

// WriteStream caps the write at whatever stream- and connection-level
// send credit remains, returning a short (possibly zero) count rather
// than an error when the window is exhausted — the real counterpart to
// the quic core's own advisory windows, so a write that outruns its
// quota genuinely blocks instead of always succeeding in full.
func (m *Machine) WriteStream(conn quic.ConnID, stream quic.StreamID, p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[conn]
	if !ok {
		return 0, errors.New("memmachine: unknown connection")
	}
	st, ok := c.streams[stream]
	if !ok {
		return 0, errors.New("memmachine: unknown stream")
	}
	avail := st.sendWindow
	if c.connSendWindow < avail {
		avail = c.connSendWindow
	}
	if avail <= 0 {
		return 0, nil
	}
	send := int64(len(p))
	if send > avail {
		send = avail
	}
	cp := make([]byte, send)
	copy(cp, p[:send])
	msg := encode(message{kind: msgStreamData, connID: uint64(conn), streamID: uint64(stream), payload: cp})
	remote, sock := c.remote, c.sock
	m.pendingOut = append(m.pendingOut, func() {
		m.egress([]quic.OutgoingSpec{{Data: msg, To: remote, Sock: sock}})
	})
	st.sendWindow -= send
	c.connSendWindow -= send
	return int(send), nil
}

// StreamRecvWindow/ConnRecvWindow report an effectively unbounded
// receive side: memmachine's recvBuf is an unbounded bytes.Buffer. What
// bounds how far a remote sender can get ahead is that sender's own
// sendWindow credit, which ReadStream grants back as the core drains
// recvBuf; the quic core's advisory receive windows do not bound it.
func (m *Machine) StreamSendWindow(conn quic.ConnID, stream quic.StreamID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[conn]; ok {
		if st, ok := c.streams[stream]; ok {
			return st.sendWindow
		}
	}
	return 0
}

func (m *Machine) StreamRecvWindow(conn quic.ConnID, stream quic.StreamID) int64 { return 1 << 30 }

func (m *Machine) ConnSendWindow(conn quic.ConnID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[conn]; ok {
		return c.connSendWindow
	}
	return 0
}

func (m *Machine) ConnRecvWindow(conn quic.ConnID) int64 { return 1 << 30 }

func (m *Machine) RemoteAddr(conn quic.ConnID) net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[conn]; ok {
		return c.remote
	}
	return nil
}

func (m *Machine) PacketIn(pkt quic.IncomingPacket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingIngress = append(m.pendingIngress, pkt)
}

// Process drains every packet queued since the last call, applying each
// to connection/stream state and queuing the Callbacks invocation it
// triggers, then flushes any outbound datagrams queued by Connect/
// OpenStream/WriteStream/etc. It never has more work to do on its own
// clock (no retransmission timers), so it always reports hasNext=false.
func (m *Machine) Process() (time.Duration, bool) {
	m.mu.Lock()
	ingress := m.pendingIngress
	m.pendingIngress = nil
	var events []outEvent
	for _, pkt := range ingress {
		if ev := m.handlePacket(pkt); ev != nil {
			events = append(events, ev)
		}
	}
	out := m.pendingOut
	m.pendingOut = nil
	m.mu.Unlock()

	for _, fn := range out {
		fn()
	}
	for _, ev := range events {
		ev()
	}
	return 0, false
}

// handlePacket must be called with mu held; it returns the Callbacks
// invocation to run once mu is released, mirroring how Engine.process
// expects Machine state mutation and handler dispatch to stay cleanly
// separated from its own lock.
func (m *Machine) handlePacket(pkt quic.IncomingPacket) outEvent {
	msg, err := decode(pkt.Data)
	if err != nil {
		return nil
	}
	switch msg.kind {
	case msgHello:
		return m.handleHello(pkt, msg)
	case msgHelloAck:
		return m.handleHelloAck(msg)
	case msgHelloReject:
		return m.handleHelloReject(msg)
	case msgStreamOpen:
		return m.handleStreamOpen(msg)
	case msgStreamData:
		return m.handleStreamData(msg)
	case msgStreamReset:
		return m.handleStreamReset(msg)
	case msgGoAway:
		return m.handleGoAway(msg)
	case msgConnClose:
		return m.handleConnClose(msg)
	case msgStreamWindowUpdate:
		return m.handleStreamWindowUpdate(msg)
	case msgConnWindowUpdate:
		return m.handleConnWindowUpdate(msg)
	}
	return nil
}

func (m *Machine) handleHello(pkt quic.IncomingPacket, msg message) outEvent {
	binding, ok := m.servers[pkt.Sock]
	if !ok {
		return nil
	}
	hostname, clientALPN := decodeHelloPayload(msg.payload)
	reject := func(alert uint64) outEvent {
		out := encode(message{kind: msgHelloReject, connID: msg.connID, code: alert})
		sock := pkt.Sock
		m.pendingOut = append(m.pendingOut, func() {
			m.egress([]quic.OutgoingSpec{{Data: out, To: pkt.From, Sock: sock}})
		})
		return nil
	}
	if len(binding.alpn) > 0 && !alpnIntersects(binding.alpn, clientALPN) {
		return reject(alertNoApplicationProtocol)
	}
	if binding.lookup != nil {
		if _, err := binding.lookup(hostname); err != nil {
			return reject(alertHandshakeFailure)
		}
	}
	m.nextConn++
	id := quic.ConnID(m.nextConn)
	m.conns[id] = &connState{
		id:             id,
		sock:           pkt.Sock,
		remote:         pkt.From,
		server:         true,
		streams:        make(map[quic.StreamID]*streamState),
		readable:       make(map[quic.StreamID]bool),
		connSendWindow: m.initConnWindow,
	}
	ack := encode(message{kind: msgHelloAck, connID: msg.connID})
	sock, from := pkt.Sock, pkt.From
	m.pendingOut = append(m.pendingOut, func() {
		m.egress([]quic.OutgoingSpec{{Data: ack, To: from, Sock: sock}})
	})
	cb := m.cb
	return func() {
		cb.OnNewConnection(sock, id)
		cb.OnHandshakeComplete(id)
	}
}

func (m *Machine) handleHelloAck(msg message) outEvent {
	id := quic.ConnID(msg.connID)
	if _, ok := m.conns[id]; !ok {
		return nil
	}
	cb := m.cb
	return func() { cb.OnHandshakeComplete(id) }
}

func (m *Machine) handleHelloReject(msg message) outEvent {
	id := quic.ConnID(msg.connID)
	delete(m.conns, id)
	cb := m.cb
	ec := tlsAlertErrorCodeBase + quic.ErrorCode(msg.code)
	return func() { cb.OnHandshakeFailure(id, ec) }
}

// encodeHelloPayload/decodeHelloPayload carry the client's SNI hostname
// and offered ALPN protocols inline in the hello datagram the way a
// real ClientHello carries both extensions; NUL separates the two
// fields since neither a hostname nor an ALPN token can contain one.
func encodeHelloPayload(hostname string, alpn []string) []byte {
	return []byte(hostname + "\x00" + strings.Join(alpn, ","))
}

func decodeHelloPayload(payload []byte) (hostname string, alpn []string) {
	parts := strings.SplitN(string(payload), "\x00", 2)
	hostname = parts[0]
	if len(parts) == 2 && parts[1] != "" {
		alpn = strings.Split(parts[1], ",")
	}
	return hostname, alpn
}

func alpnIntersects(serverALPN, clientALPN []string) bool {
	if len(clientALPN) == 0 {
		return true
	}
	for _, want := range clientALPN {
		for _, have := range serverALPN {
			if want == have {
				return true
			}
		}
	}
	return false
}

func (m *Machine) handleStreamOpen(msg message) outEvent {
	id := quic.ConnID(msg.connID)
	c, ok := m.conns[id]
	if !ok {
		return nil
	}
	sid := quic.StreamID(msg.streamID)
	if _, exists := c.streams[sid]; !exists {
		c.streams[sid] = &streamState{sendWindow: m.initStreamWindow}
	}
	cb := m.cb
	return func() { cb.OnNewStream(id, sid) }
}

func (m *Machine) handleStreamData(msg message) outEvent {
	id := quic.ConnID(msg.connID)
	c, ok := m.conns[id]
	if !ok {
		return nil
	}
	sid := quic.StreamID(msg.streamID)
	st, ok := c.streams[sid]
	if !ok {
		st = &streamState{sendWindow: m.initStreamWindow}
		c.streams[sid] = st
	}
	if len(msg.payload) > 0 {
		st.recvBuf.Write(msg.payload)
	}
	if msg.fin {
		st.recvFin = true
	}
	cb := m.cb
	return func() { cb.OnStreamReadable(id, sid) }
}

func (m *Machine) handleStreamReset(msg message) outEvent {
	id := quic.ConnID(msg.connID)
	c, ok := m.conns[id]
	if !ok {
		return nil
	}
	sid := quic.StreamID(msg.streamID)
	delete(c.streams, sid)
	cb := m.cb
	return func() { cb.OnStreamReset(id, sid, quic.ErrorCode(msg.code)) }
}

func (m *Machine) handleStreamWindowUpdate(msg message) outEvent {
	id := quic.ConnID(msg.connID)
	c, ok := m.conns[id]
	if !ok {
		return nil
	}
	sid := quic.StreamID(msg.streamID)
	n := uint32(msg.code)
	if st, ok := c.streams[sid]; ok {
		st.sendWindow += int64(n)
	}
	cb := m.cb
	return func() { cb.OnStreamWindowUpdate(id, sid, n) }
}

func (m *Machine) handleConnWindowUpdate(msg message) outEvent {
	id := quic.ConnID(msg.connID)
	c, ok := m.conns[id]
	if !ok {
		return nil
	}
	n := uint32(msg.code)
	c.connSendWindow += int64(n)
	cb := m.cb
	return func() { cb.OnConnWindowUpdate(id, n) }
}

func (m *Machine) handleGoAway(msg message) outEvent {
	id := quic.ConnID(msg.connID)
	if _, ok := m.conns[id]; !ok {
		return nil
	}
	cb := m.cb
	return func() { cb.OnGoAway(id, 0, false) }
}

func (m *Machine) handleConnClose(msg message) outEvent {
	id := quic.ConnID(msg.connID)
	if _, ok := m.conns[id]; !ok {
		return nil
	}
	delete(m.conns, id)
	cb := m.cb
	info := quic.ConnectionCloseInfo{IsApplication: msg.fin, Code: quic.ErrorCode(msg.code)}
	return func() { cb.OnConnectionClose(id, info) }
}
