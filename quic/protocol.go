package quic

import (
	"net"
	"time"
)

// Callbacks is how a Machine reports state transitions back to the
// Engine. Every method is invoked from inside Engine.process while the
// engine lock is held: implementations (Engine itself) must only mutate
// state and enqueue deferred completions, never invoke a user handler
// inline. They do call back into the Machine (Close, ReadStream,
// ResetStream); both Machines in this module release their own lock
// before delivering callbacks.
//
// This is the Go shape of the C++ source's lsquic callback table
// (on_new_conn, on_new_stream, on_read, on_write, on_close, on_hsk) —
// see _examples/original_source/src/engine.cc.
type Callbacks interface {
	OnHandshakeComplete(conn ConnID)
	OnHandshakeFailure(conn ConnID, ec ErrorCode)
	OnNewConnection(sock SockID, conn ConnID)
	OnConnectionClose(conn ConnID, info ConnectionCloseInfo)
	OnGoAway(conn ConnID, lastStream StreamID, local bool)
	OnNewStream(conn ConnID, stream StreamID)
	OnStreamReadable(conn ConnID, stream StreamID)
	OnStreamWritable(conn ConnID, stream StreamID)
	OnStreamReset(conn ConnID, stream StreamID, ec ErrorCode)
	OnStreamClosed(conn ConnID, stream StreamID)
	OnInitialWindowChanged(conn ConnID, delta int64)

	// OnStreamWindowUpdate and OnConnWindowUpdate report a peer-issued
	// WINDOW_UPDATE granting n additional send-window bytes to a stream
	// or to the connection as a whole, distinct from OnInitialWindowChanged's
	// SETTINGS-wide shift of the *default* window for streams yet to open.
	OnStreamWindowUpdate(conn ConnID, stream StreamID, n uint32)
	OnConnWindowUpdate(conn ConnID, n uint32)
}

// EgressFunc is the engine-provided callback a Machine drains queued
// output through. It returns the number of specs it managed to send
// before the socket would have blocked; the Machine must resume from
// that index on its next attempt rather than re-sending the prefix.
type EgressFunc func(specs []OutgoingSpec) (sent int)

// TLSContextLookup resolves an ALPN-bearing TLS server config by SNI
// hostname, used by server sockets that multiplex several certificates
// on one bound address.
type TLSContextLookup func(serverName string) (TLSConfig, error)

// TLSConfig is the opaque TLS 1.3 context handed to the Machine; the
// concrete type is supplied by whichever Machine implementation is
// wired in (quicgo.Adapter expects a *tls.Config).
type TLSConfig interface{}

// HeaderCodec turns a HeaderList into bytes and back. spec.md's
// Non-goals treat the HPACK/QPACK header coder as "a pure function";
// this interface is the seam that function is plugged in through. The
// core engine never interprets the encoded bytes itself, only frames
// them (see quic/stream.go's length-prefixing) and hands them to the
// Machine like any other stream payload. http3.HeaderCoder is the
// concrete implementation, backed by golang.org/x/net/http2/hpack.
type HeaderCodec interface {
	Encode(HeaderList) ([]byte, error)
	Decode([]byte) (HeaderList, error)
}

// Machine is the external QUIC protocol engine: RFC 9000 connection and
// stream multiplexing, loss detection and congestion control, and the
// RFC 9001 TLS 1.3 handshake. Engine treats it as a black box exactly
// as spec.md §1 treats the embedded TLS implementation: it consumes and
// produces datagrams and signals outcomes through Callbacks.
//
// memmachine.Machine is a minimal in-process implementation used by
// this package's own tests; quicgo.Adapter is the production
// implementation backed by github.com/quic-go/quic-go.
type Machine interface {
	// Configure installs the callback sink and egress function, and
	// hands over the Engine's effective Settings so a Machine that
	// tracks connection-level transport parameters (e.g.
	// ActiveConnectionIDLimit) can apply them. Called once, before any
	// other method.
	Configure(cb Callbacks, egress EgressFunc, settings Settings)

	// Connect starts a client handshake. The returned ConnID is valid
	// immediately; handshake success/failure arrives later via Callbacks.
	// pconn is the same socket Engine's own udpSocket wraps, handed
	// through so a Machine that does its own datagram I/O (quicgo.Adapter)
	// can bind directly to it instead of opening a second socket.
	Connect(sock SockID, pconn net.PacketConn, remote net.Addr, hostname string, alpn []string, tlsConf TLSConfig) (ConnID, error)

	// BindServer arms server-side handshake processing for a socket.
	BindServer(sock SockID, pconn net.PacketConn, lookup TLSContextLookup, alpn []string) error

	// Close tears down a connection, optionally with an application
	// error code (app=true) or a transport error code (app=false).
	Close(conn ConnID, app bool, code ErrorCode, reason string)

	// GoAway advertises graceful shutdown on conn: no further
	// peer-initiated streams above the current high-water mark will be
	// accepted, but existing streams may finish.
	GoAway(conn ConnID) error

	OpenStream(conn ConnID) (StreamID, error)
	CloseStreamWrite(conn ConnID, stream StreamID)
	ResetStream(conn ConnID, stream StreamID, ec ErrorCode)
	ReadStream(conn ConnID, stream StreamID, p []byte) (n int, fin bool, err error)
	WriteStream(conn ConnID, stream StreamID, p []byte) (n int, err error)

	StreamSendWindow(conn ConnID, stream StreamID) int64
	StreamRecvWindow(conn ConnID, stream StreamID) int64
	ConnSendWindow(conn ConnID) int64
	ConnRecvWindow(conn ConnID) int64

	RemoteAddr(conn ConnID) net.Addr

	// PacketIn delivers one ingress datagram for processing.
	PacketIn(pkt IncomingPacket)

	// Process drains all queued input and user operations, emits all
	// ready output via the configured EgressFunc, and reports the next
	// wake deadline: hasNext=false means disarm the timer.
	Process() (next time.Duration, hasNext bool)
}
