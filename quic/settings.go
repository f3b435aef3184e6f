package quic

import (
	"time"

	"github.com/rs/zerolog"
)

// Settings are the tunables listed in spec.md §6. Zero values are
// replaced with sane defaults inside NewEngine, following
// h2mux.MuxerConfig's defaulting pattern in h2mux.Handshake (e.g.
// config.Timeout defaults to 5s there; HeartbeatInterval/MaxHeartbeats
// get floored with a logged warning).
type Settings struct {
	// MaxStreamsPerConnection caps concurrently open streams on a
	// connection; a local AsyncConnect at the cap waits for a slot
	// (§8 scenario B). Peer-initiated streams are not refused by it.
	MaxStreamsPerConnection uint32
	// ConnectionFlowControlWindow is the initial connection-level
	// receive window granted to the peer.
	ConnectionFlowControlWindow uint32
	// IncomingStreamFlowControlWindow is the initial per-stream receive
	// window granted to the peer for peer-initiated streams.
	IncomingStreamFlowControlWindow uint32
	// IdleTimeout is how long a connection may go without activity
	// before it is classified connection.timed_out.
	IdleTimeout time.Duration
	// MaxIdleRetries bounds how many idle-timeout ticks are tolerated
	// before timing out; no keepalive probe is sent on those ticks.
	MaxIdleRetries uint64
	// MaxPacketSize bounds the UDP payload size used for egress
	// datagrams.
	MaxPacketSize uint32
	// ActiveConnectionIDLimit is the number of connection IDs a peer
	// may have active at once (RFC 9000 transport parameter).
	ActiveConnectionIDLimit uint32

	// Logger receives structured diagnostics. A nil Logger is replaced
	// with zerolog.Nop(), matching the teacher's defensive default.
	Logger *zerolog.Logger

	// HeaderCodec encodes/decodes the HeaderList a Stream's header
	// operations carry. Required when Mode.IsHTTP3(); ignored for raw
	// QUIC streams, which never enter the header sub-state.
	HeaderCodec HeaderCodec
}

const (
	defaultMaxStreamsPerConnection = 100
	defaultConnectionWindow        = 1 << 20 // 1 MiB
	defaultStreamWindow            = 1 << 16 // 64 KiB
	defaultIdleTimeout             = 30 * time.Second
	defaultMaxIdleRetries          = 3
	defaultMaxPacketSize           = 1452 // typical IPv6-safe QUIC datagram size
	defaultActiveConnectionIDs     = 4
)

// withDefaults returns a copy of s with every zero field replaced by
// its default.
func (s Settings) withDefaults() Settings {
	if s.MaxStreamsPerConnection == 0 {
		s.MaxStreamsPerConnection = defaultMaxStreamsPerConnection
	}
	if s.ConnectionFlowControlWindow == 0 {
		s.ConnectionFlowControlWindow = defaultConnectionWindow
	}
	if s.IncomingStreamFlowControlWindow == 0 {
		s.IncomingStreamFlowControlWindow = defaultStreamWindow
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = defaultIdleTimeout
	}
	if s.MaxIdleRetries == 0 {
		s.MaxIdleRetries = defaultMaxIdleRetries
	}
	if s.MaxPacketSize == 0 {
		s.MaxPacketSize = defaultMaxPacketSize
	}
	if s.ActiveConnectionIDLimit == 0 {
		s.ActiveConnectionIDLimit = defaultActiveConnectionIDs
	}
	if s.Logger == nil {
		nop := zerolog.Nop()
		s.Logger = &nop
	}
	return s
}

// Mode selects which stream sub-state machine new streams start in and
// which ALPN set a socket advertises.
type Mode int

const (
	ModeClient Mode = iota
	ModeServer
	ModeClientHTTP3
	ModeServerHTTP3
)

func (m Mode) IsServer() bool { return m == ModeServer || m == ModeServerHTTP3 }
func (m Mode) IsHTTP3() bool  { return m == ModeClientHTTP3 || m == ModeServerHTTP3 }
