package quic

import "encoding/binary"

// streamState is the outer variant from §3: incoming, accepting,
// connecting, open, closing, error, closed.
type streamState int

const (
	streamIncoming streamState = iota
	streamAccepting
	streamConnecting
	streamOpen
	streamClosing
	streamErrorState
	streamClosed
)

// sideState is the per-direction sub-state shared by the receive and
// send sub-machines (§4.6). HTTP/3 streams start at sideExpectingHeader;
// raw QUIC streams start at sideExpectingBody.
type sideState int

const (
	sideExpectingHeader sideState = iota
	sideHeaderPending
	sideExpectingBody
	sideBodyPending
	sideShutdown
)

// ShutdownHow selects which side(s) of a stream to shut down.
type ShutdownHow int

const (
	ShutdownRead ShutdownHow = iota
	ShutdownWrite
	ShutdownBoth
)

// Stream is the bidirectional multiplexed channel described in §3/§4.6.
// Its outer state and the two inner (receive/send) sub-states are kept
// as plain fields rather than a closed Go sum type: Go has no
// exhaustiveness checking over struct fields the way a tagged union
// would give the compiler, so reviewers must check new transitions
// against the table in §4.5/§4.6 by hand.
//
// Field shape (windows, EOF flags, a ready-list signal on every write)
// is a direct generalization of h2mux/muxedstream.go's MuxedStream:
// that type's sendWindow/receiveWindow/writeEOF/receivedEOF fields and
// writeNotify-on-mutation pattern are reused here for a bidirectional
// QUIC stream instead of an HTTP/2 stream multiplexed over TCP.
//
// The header sub-states carry HeaderList values, never encoded bytes:
// encoding happens via Connection.codec (a HeaderCodec, treated as a
// pure function per spec.md's Non-goals) and the resulting bytes are
// framed with a 4-byte length prefix and pushed through the exact same
// flow-control-gated body pipeline as AsyncWriteSome/AsyncReadSome, so
// header frames consume stream and connection flow-control windows
// like any other bytes on the wire.
type Stream struct {
	conn *Connection
	ref  Ref // this stream's slot in conn.streams
	id   StreamID

	state    streamState
	priority StreamPriority

	closeOp *Operation[StreamCloseResult]

	recv recvSide
	send sendSide

	peerInitiated bool
	err           *Error

	// pendingExecutor/pendingHandler hold an AsyncConnect call parked by
	// the connection's stream-cap check (see Connection.wakePendingOpen);
	// both are nil except while this Stream sits in conn.pendingOpens.
	pendingExecutor Executor
	pendingHandler  func(error)
}

type recvSide struct {
	sub        sideState
	headerOp   *Operation[HeaderResult]
	bodyOp     *Operation[ReadResult]
	bodyBuf    []byte
	pendingBuf []byte
	window     flowWindow
	eof        bool
}

type sendSide struct {
	sub      sideState
	headerOp *Operation[HeaderResult]
	bodyOp   *Operation[WriteResult]
	pending  []byte
	sent     int // bytes of the current pending buffer written so far
	window   flowWindow
	closed   bool
}

// Result types for each Operation flavor a Stream can have pending.
type ReadResult struct {
	N   int
	EOF bool
	Err error
}
type WriteResult struct {
	N   int
	Err error
}
type HeaderResult struct {
	Headers HeaderList
	Err     error
}
type StreamConnectResult struct {
	Err error
}
type StreamCloseResult struct {
	Err error
}

func newStream(conn *Connection, http3 bool, peerInitiated bool) *Stream {
	initial := sideExpectingBody
	if http3 {
		initial = sideExpectingHeader
	}
	return &Stream{
		conn:          conn,
		peerInitiated: peerInitiated,
		recv:          recvSide{sub: initial, window: newFlowWindow(conn.settings().IncomingStreamFlowControlWindow)},
		send:          sendSide{sub: initial, window: newFlowWindow(conn.settings().IncomingStreamFlowControlWindow)},
	}
}

// encodeFrame prefixes payload with its 4-byte big-endian length, the
// minimal self-delimiting envelope a byte-oriented QUIC stream needs
// to carry a single HEADERS value.
func encodeFrame(payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// tryParseFrame extracts one length-prefixed frame from the front of
// buf, if a complete one is present.
func tryParseFrame(buf []byte) (payload, rest []byte, ok bool) {
	if len(buf) < 4 {
		return nil, buf, false
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if uint64(len(buf)) < 4+uint64(n) {
		return nil, buf, false
	}
	return buf[4 : 4+n], buf[4+n:], true
}

func (s *Stream) ID() StreamID { return s.id }

func (s *Stream) IsOpen() bool {
	c := s.conn
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	return s.state == streamOpen
}

func (s *Stream) Priority() StreamPriority { return s.priority }

// SendWindow and RecvWindow report the Machine's own authoritative
// per-stream flow-control accounting (see Connection.SendWindow).
func (s *Stream) SendWindow() int64 {
	s.conn.engine.mu.Lock()
	defer s.conn.engine.mu.Unlock()
	return s.conn.engine.machine.StreamSendWindow(s.conn.id, s.id)
}

func (s *Stream) RecvWindow() int64 {
	s.conn.engine.mu.Lock()
	defer s.conn.engine.mu.Unlock()
	return s.conn.engine.machine.StreamRecvWindow(s.conn.id, s.id)
}

func (s *Stream) SetPriority(p StreamPriority) {
	c := s.conn
	c.engine.mu.Lock()
	s.priority = p
	c.engine.mu.Unlock()
}

// withLock runs fn while holding the owning engine's lock, a shorthand
// used by every public Stream/Connection method (§5: "each [operation]
// takes the lock, mutates state, and releases it before any handler is
// invoked").
func (s *Stream) withLock(fn func()) {
	s.conn.engine.mu.Lock()
	fn()
	s.conn.engine.mu.Unlock()
}

// AsyncConnect initiates a client-opened stream: it asks the Machine
// for a new stream id and transitions to open immediately once the
// Machine accepts the open (raw QUIC stream opens don't wait on the
// peer), or to going_away/busy errors per the table in §4.5/§4.6. If
// the connection is already at settings().MaxStreamsPerConnection open
// streams, the call parks until one closes (§8 scenario B).
func (s *Stream) AsyncConnect(executor Executor, handler func(error)) {
	s.withLock(func() {
		if s.conn.state != connOpen {
			s.conn.engine.postErr(executor, handler, s.conn.currentError())
			return
		}
		if s.conn.goingAwayLocal {
			s.conn.engine.postErr(executor, handler, ErrConnGoingAway)
			return
		}
		if s.pendingHandler != nil {
			s.conn.engine.postErr(executor, handler, ErrStreamBusy)
			return
		}
		if max := s.conn.settings().MaxStreamsPerConnection; max > 0 && uint32(s.conn.openStreamCount()) >= max {
			s.pendingExecutor = executor
			s.pendingHandler = handler
			s.conn.pendingOpens = append(s.conn.pendingOpens, s)
			return
		}
		s.openLocked(executor, handler)
	})
}

// openLocked actually asks the Machine for a stream id; called either
// directly from AsyncConnect or later by Connection.wakePendingOpen
// once a cap slot frees up.
func (s *Stream) openLocked(executor Executor, handler func(error)) {
	sid, err := s.conn.engine.machine.OpenStream(s.conn.id)
	if err != nil {
		s.conn.engine.postErr(executor, handler, wrapErr(KindStream, ReasonInvalidArgument, err))
		return
	}
	s.id = sid
	s.state = streamOpen
	s.conn.indexStream(s)
	s.conn.engine.postErr(executor, handler, nil)
	s.conn.engine.wakeTick()
}

func (s *Stream) postHeaderErr(executor Executor, handler func(HeaderList, error), err error) {
	op := NewOperation[HeaderResult](executor, nil, &s.conn.engine.engineWork, func(r HeaderResult) { handler(r.Headers, r.Err) })
	op.complete(ModeDispatch, HeaderResult{Err: err})
}

func (s *Stream) postHeaders(executor Executor, handler func(HeaderList, error), h HeaderList) {
	op := NewOperation[HeaderResult](executor, nil, &s.conn.engine.engineWork, func(r HeaderResult) { handler(r.Headers, r.Err) })
	op.complete(ModeDispatch, HeaderResult{Headers: h})
}

// AsyncReadHeaders reads the one HEADERS value expected at the start of
// an HTTP/3 stream's receive side. Submitting it once the receive side
// has moved past expecting_header is invalid_argument (§4.6).
func (s *Stream) AsyncReadHeaders(executor Executor, handler func(HeaderList, error)) {
	s.withLock(func() {
		if s.state != streamOpen {
			s.postHeaderErr(executor, handler, s.stateError())
			return
		}
		if s.conn.codec == nil {
			s.postHeaderErr(executor, handler, ErrInvalidArgument)
			return
		}
		switch s.recv.sub {
		case sideHeaderPending:
			s.postHeaderErr(executor, handler, ErrStreamBusy)
			return
		case sideExpectingHeader:
		default:
			s.postHeaderErr(executor, handler, ErrInvalidArgument)
			return
		}
		if payload, rest, ok := tryParseFrame(s.recv.bodyBuf); ok {
			s.recv.bodyBuf = rest
			s.recv.sub = sideExpectingBody
			hdrs, err := s.conn.codec.Decode(payload)
			if err != nil {
				s.postHeaderErr(executor, handler, wrapErr(KindStream, ReasonInvalidArgument, err))
				return
			}
			s.postHeaders(executor, handler, hdrs)
			return
		}
		if s.recv.eof {
			s.postHeaderErr(executor, handler, ErrStreamEOF)
			return
		}
		s.recv.sub = sideHeaderPending
		s.recv.headerOp = NewOperation[HeaderResult](executor, nil, &s.conn.engine.engineWork, func(r HeaderResult) { handler(r.Headers, r.Err) })
	})
}

// AsyncReadSome completes with whatever bytes are already buffered, or
// parks until more arrive, an EOF, or an error. At most one read may be
// pending per stream (§8 property 1).
func (s *Stream) AsyncReadSome(buf []byte, executor Executor, handler func(int, error)) {
	s.withLock(func() {
		if s.state != streamOpen {
			s.postReadErr(executor, handler, s.stateError())
			return
		}
		if s.recv.sub == sideExpectingHeader || s.recv.sub == sideHeaderPending {
			s.postReadErr(executor, handler, ErrInvalidArgument)
			return
		}
		if s.recv.sub == sideShutdown {
			// A local shutdown(read) closes the receive side for
			// business; distinct from a real peer-driven EOF, which
			// reads back as stream.eof forever (scenario D vs E).
			s.postReadErr(executor, handler, ErrBadFileDescriptor)
			return
		}
		if s.recv.bodyOp != nil {
			s.postReadErr(executor, handler, ErrStreamBusy)
			return
		}
		if len(s.recv.bodyBuf) > 0 {
			n := copy(buf, s.recv.bodyBuf)
			s.recv.bodyBuf = s.recv.bodyBuf[n:]
			s.postRead(executor, handler, n, false, nil)
			return
		}
		if s.recv.eof {
			s.postRead(executor, handler, 0, true, nil)
			return
		}
		s.recv.sub = sideBodyPending
		s.recv.pendingBuf = buf
		s.recv.bodyOp = NewOperation[ReadResult](executor, nil, &s.conn.engine.engineWork, func(r ReadResult) { handler(r.N, r.Err) })
	})
}

func (s *Stream) postRead(executor Executor, handler func(int, error), n int, eof bool, err error) {
	result := err
	if result == nil && eof {
		result = ErrStreamEOF
	}
	op := NewOperation[ReadResult](executor, nil, &s.conn.engine.engineWork, func(r ReadResult) { handler(r.N, r.Err) })
	op.complete(ModeDispatch, ReadResult{N: n, EOF: eof, Err: result})
}

func (s *Stream) postReadErr(executor Executor, handler func(int, error), err error) {
	s.postRead(executor, handler, 0, false, err)
}

// AsyncWriteHeaders encodes headers via the connection's HeaderCodec,
// frames them, and pushes the result through the same flow-control
// gated send pipeline as AsyncWriteSome. At most one HEADERS value may
// be written, and only before any body bytes (§4.6).
func (s *Stream) AsyncWriteHeaders(headers HeaderList, executor Executor, handler func(error)) {
	s.withLock(func() {
		if s.state != streamOpen {
			s.postPlainErr(executor, handler, ErrBadFileDescriptor)
			return
		}
		if s.conn.codec == nil {
			s.postPlainErr(executor, handler, ErrInvalidArgument)
			return
		}
		if s.send.sub != sideExpectingHeader {
			s.postPlainErr(executor, handler, ErrStreamClosedState)
			return
		}
		if s.send.bodyOp != nil {
			s.postPlainErr(executor, handler, ErrStreamBusy)
			return
		}
		payload, err := s.conn.codec.Encode(headers)
		if err != nil {
			s.postPlainErr(executor, handler, wrapErr(KindStream, ReasonInvalidArgument, err))
			return
		}
		frame := encodeFrame(payload)
		s.send.headerOp = NewOperation[HeaderResult](executor, nil, &s.conn.engine.engineWork, func(r HeaderResult) { handler(r.Err) })
		s.beginSend(frame)
	})
}

func (s *Stream) postPlainErr(executor Executor, handler func(error), err error) {
	op := NewOperation[HeaderResult](executor, nil, &s.conn.engine.engineWork, func(r HeaderResult) { handler(r.Err) })
	op.complete(ModeDispatch, HeaderResult{Err: err})
}

// AsyncWriteSome queues buf for sending, flow-control permitting. Every
// successful write of N bytes decrements both the connection and
// stream outbound windows by N (§4.6 "Flow-control accounting").
func (s *Stream) AsyncWriteSome(buf []byte, executor Executor, handler func(int, error)) {
	s.withLock(func() {
		if s.state != streamOpen {
			s.postWriteErr(executor, handler, ErrBadFileDescriptor)
			return
		}
		if s.send.closed {
			s.postWriteErr(executor, handler, ErrStreamClosedState)
			return
		}
		if s.send.sub == sideExpectingHeader || s.send.sub == sideHeaderPending {
			s.postWriteErr(executor, handler, ErrInvalidArgument)
			return
		}
		if s.send.headerOp != nil || s.send.bodyOp != nil || len(s.send.pending) > 0 {
			// Covers a header frame still draining through pumpSend
			// (headerOp set, sub already sideBodyPending): without this,
			// beginSend below would clobber send.pending mid-frame and
			// strand headerOp forever (§4.6/property 1).
			s.postWriteErr(executor, handler, ErrStreamBusy)
			return
		}
		s.send.bodyOp = NewOperation[WriteResult](executor, nil, &s.conn.engine.engineWork, func(r WriteResult) { handler(r.N, r.Err) })
		s.beginSend(buf)
	})
}

// beginSend is shared by AsyncWriteSome and AsyncWriteHeaders: both
// park data on s.send.pending and attempt an immediate send against
// current flow-control quota, falling back to the ready list exactly
// like onWritable's retry path.
func (s *Stream) beginSend(data []byte) {
	s.send.pending = data
	s.send.sent = 0
	s.send.sub = sideBodyPending
	s.pumpSend()
}

func (s *Stream) postWriteErr(executor Executor, handler func(int, error), err error) {
	op := NewOperation[WriteResult](executor, nil, &s.conn.engine.engineWork, func(r WriteResult) { handler(r.N, r.Err) })
	op.complete(ModeDispatch, WriteResult{Err: err})
}

// Flush has no separate buffering layer to flush in this core (every
// write is handed to the Machine immediately or parked on the ready
// list), so it completes right away on an open stream; it does not wait
// for data parked on the ready list to be handed to the Machine.
func (s *Stream) Flush(executor Executor, handler func(error)) {
	s.withLock(func() {
		if s.state != streamOpen {
			s.postPlainErr(executor, handler, ErrBadFileDescriptor)
			return
		}
		s.postPlainErr(executor, handler, nil)
	})
}

// Shutdown cancels the named side(s) immediately. A pending read
// completes with aborted; a pending write completes with aborted. This
// is modeled as a state transition, not a timer (§5 "Cancellation &
// timeout").
func (s *Stream) Shutdown(how ShutdownHow) error {
	var out error
	s.withLock(func() {
		if s.state != streamOpen {
			out = ErrBadFileDescriptor
			return
		}
		if how == ShutdownRead || how == ShutdownBoth {
			s.abortRecv(ErrStreamAborted)
			s.recv.sub = sideShutdown
		}
		if how == ShutdownWrite || how == ShutdownBoth {
			s.abortSend(ErrStreamAborted)
			s.send.sub = sideShutdown
			s.send.closed = true
			s.conn.engine.machine.CloseStreamWrite(s.conn.id, s.id)
			s.conn.engine.wakeTick()
		}
	})
	return out
}

// AsyncClose requests a graceful send-side close: stop sending new
// data, then complete ok once everything already queued has been handed
// to the Machine. It does not wait for the peer to ACK that data. A peer reset while closing
// completes aborted (§4.6).
func (s *Stream) AsyncClose(executor Executor, handler func(error)) {
	s.withLock(func() {
		if s.state == streamClosed {
			s.postPlainErr(executor, handler, nil)
			return
		}
		if s.state != streamOpen {
			s.postPlainErr(executor, handler, ErrBadFileDescriptor)
			return
		}
		if s.closeOp != nil {
			s.postPlainErr(executor, handler, ErrStreamBusy)
			return
		}
		s.send.closed = true
		s.conn.engine.machine.CloseStreamWrite(s.conn.id, s.id)
		s.conn.engine.wakeTick()
		if len(s.send.pending) == 0 && s.send.bodyOp == nil {
			s.state = streamClosed
			s.conn.untrackStream(s)
			s.postPlainErr(executor, handler, nil)
			return
		}
		s.state = streamClosing
		s.closeOp = NewOperation[StreamCloseResult](executor, nil, &s.conn.engine.engineWork, func(r StreamCloseResult) { handler(r.Err) })
	})
}

// Reset aborts both sides immediately without waiting for ACKs:
// pending ops complete aborted, the Machine is told to tear down the
// stream, and the stream moves to closed. Implicit reset-on-drop is not
// modeled (Go has no destructors); callers that want that should defer
// Reset explicitly.
func (s *Stream) Reset() {
	s.withLock(func() {
		s.resetLocked(ErrStreamAborted)
	})
}

func (s *Stream) resetLocked(cause *Error) {
	if s.state == streamClosed {
		return
	}
	if s.pendingHandler != nil {
		s.conn.removePendingOpen(s)
		handler := s.pendingHandler
		executor := s.pendingExecutor
		s.pendingHandler, s.pendingExecutor = nil, nil
		s.conn.engine.postErr(executor, handler, cause)
	}
	s.abortRecv(cause)
	s.abortSend(cause)
	if s.closeOp != nil {
		op := s.closeOp
		s.closeOp = nil
		op.complete(ModeDefer, StreamCloseResult{Err: cause})
	}
	if s.id != 0 {
		s.conn.engine.machine.ResetStream(s.conn.id, s.id, ErrorCode(cause.Code))
		s.conn.engine.wakeTick()
	}
	s.state = streamClosed
	s.conn.untrackStream(s)
}

func (s *Stream) abortRecv(cause *Error) {
	if s.recv.headerOp != nil {
		op := s.recv.headerOp
		s.recv.headerOp = nil
		op.complete(ModeDefer, HeaderResult{Err: cause})
	}
	if s.recv.bodyOp != nil {
		op := s.recv.bodyOp
		s.recv.bodyOp = nil
		op.complete(ModeDefer, ReadResult{Err: cause})
	}
}

func (s *Stream) abortSend(cause *Error) {
	if s.send.headerOp != nil {
		op := s.send.headerOp
		s.send.headerOp = nil
		op.complete(ModeDefer, HeaderResult{Err: cause})
	}
	if s.send.bodyOp != nil {
		op := s.send.bodyOp
		s.send.bodyOp = nil
		op.complete(ModeDefer, WriteResult{Err: cause})
	}
}

func (s *Stream) stateError() error {
	if s.err != nil {
		return s.err
	}
	return ErrBadFileDescriptor
}

// --- callbacks invoked from Engine.process, under the lock ---

func (s *Stream) onReadable() {
	buf := make([]byte, 32*1024)
	n, fin, err := s.conn.engine.machine.ReadStream(s.conn.id, s.id, buf)
	if err != nil {
		s.resetLocked(wrapErr(KindStream, ReasonReset, err))
		return
	}
	if n > 0 {
		s.recv.window.consume(uint32(n))
		s.recv.bodyBuf = append(s.recv.bodyBuf, buf[:n]...)
		// ReadStream may have queued a window-update datagram granting
		// this back to the peer (memmachine.Machine does); that only
		// leaves the Machine's own outbound queue on its next Process()
		// call, so nudge the tick loop now instead of waiting on an
		// unrelated wake.
		s.conn.engine.wakeTick()
	}
	if fin {
		s.recv.eof = true
	}
	s.deliverRecv()
	if s.recv.window.Available() < int64(s.conn.engine.settings.IncomingStreamFlowControlWindow)/2 {
		_ = s.recv.window.grant(s.conn.engine.settings.IncomingStreamFlowControlWindow)
	}
}

func (s *Stream) deliverRecv() {
	switch s.recv.sub {
	case sideHeaderPending:
		if s.recv.headerOp == nil {
			return
		}
		payload, rest, ok := tryParseFrame(s.recv.bodyBuf)
		if ok {
			s.recv.bodyBuf = rest
			op := s.recv.headerOp
			s.recv.headerOp = nil
			s.recv.sub = sideExpectingBody
			hdrs, err := s.conn.codec.Decode(payload)
			if err != nil {
				op.complete(ModeDefer, HeaderResult{Err: wrapErr(KindStream, ReasonInvalidArgument, err)})
				return
			}
			op.complete(ModeDefer, HeaderResult{Headers: hdrs})
			return
		}
		if s.recv.eof {
			op := s.recv.headerOp
			s.recv.headerOp = nil
			op.complete(ModeDefer, HeaderResult{Err: ErrStreamEOF})
		}
	case sideBodyPending:
		if s.recv.bodyOp == nil {
			return
		}
		if len(s.recv.bodyBuf) > 0 {
			n := copy(s.recv.pendingBuf, s.recv.bodyBuf)
			s.recv.bodyBuf = s.recv.bodyBuf[n:]
			op := s.recv.bodyOp
			s.recv.bodyOp = nil
			s.recv.sub = sideExpectingBody
			op.complete(ModeDefer, ReadResult{N: n})
			return
		}
		if s.recv.eof {
			op := s.recv.bodyOp
			s.recv.bodyOp = nil
			s.recv.sub = sideExpectingBody
			op.complete(ModeDefer, ReadResult{EOF: true, Err: ErrStreamEOF})
		}
	}
}

// onWritable is invoked once per ready-list signal; it resumes a
// blocked header or body send against the latest flow-control quota.
func (s *Stream) onWritable() {
	s.pumpSend()
}

// pumpSend advances whatever is in s.send.pending as far as the
// current connection/stream quota allows. It chunks by MaxPacketSize
// freely (that cap bounds one datagram, not the flow-control budget),
// but the moment the flow-control quota itself hits zero it stops: a
// header frame stays parked until it has drained in full (HeaderResult
// carries no byte count to report partial progress with), while a body
// write completes immediately with whatever it managed this round,
// discarding any remainder (§4.7, property 4, scenario C).
func (s *Stream) pumpSend() {
	if len(s.send.pending) == 0 {
		return
	}
	totalWritten := 0
	for len(s.send.pending) > 0 {
		quota := effectiveSendQuota(s.conn.sendWindow, s.send.window, s.conn.engine.settings.MaxPacketSize)
		if quota <= 0 {
			break
		}
		n := len(s.send.pending)
		if int64(n) > quota {
			n = int(quota)
		}
		written, err := s.conn.engine.machine.WriteStream(s.conn.id, s.id, s.send.pending[:n])
		if err != nil {
			s.failSend(wrapErr(KindStream, ReasonInvalidArgument, err))
			return
		}
		if written == 0 {
			break
		}
		// A Machine that only flushes queued egress from its own Process
		// call (memmachine) needs a tick kicked after every write, not
		// just ones that stall on flow control and fall to the ready
		// list.
		s.conn.engine.wakeTick()
		s.send.window.consume(uint32(written))
		s.conn.sendWindow.consume(uint32(written))
		s.send.pending = s.send.pending[written:]
		s.send.sent += written
		totalWritten += written
	}

	if totalWritten == 0 {
		// Genuinely out of credit from the start: stay parked on the
		// ready list until a real grant arrives through
		// OnStreamWindowUpdate/OnConnWindowUpdate (or a SETTINGS-driven
		// OnInitialWindowChanged), rather than manufacturing credit or
		// completing with a spurious zero.
		s.conn.engine.markWantWrite(s.conn.id, s.id)
		return
	}

	if op := s.send.headerOp; op != nil {
		if len(s.send.pending) > 0 {
			s.conn.engine.markWantWrite(s.conn.id, s.id)
			return
		}
		s.send.sub = sideExpectingBody
		s.send.sent = 0
		s.send.headerOp = nil
		op.complete(ModeDefer, HeaderResult{})
		s.maybeFinishClose()
		return
	}

	if op := s.send.bodyOp; op != nil {
		total := s.send.sent
		s.send.pending = nil
		s.send.sent = 0
		s.send.sub = sideExpectingBody
		s.send.bodyOp = nil
		op.complete(ModeDefer, WriteResult{N: total})
		s.maybeFinishClose()
	}
}

func (s *Stream) failSend(cause *Error) {
	s.send.pending = nil
	if op := s.send.headerOp; op != nil {
		s.send.headerOp = nil
		op.complete(ModeDefer, HeaderResult{Err: cause})
	}
	if op := s.send.bodyOp; op != nil {
		s.send.bodyOp = nil
		op.complete(ModeDefer, WriteResult{Err: cause})
	}
}

func (s *Stream) maybeFinishClose() {
	if s.state == streamClosing && s.closeOp != nil && len(s.send.pending) == 0 && s.send.bodyOp == nil {
		op := s.closeOp
		s.closeOp = nil
		s.state = streamClosed
		s.conn.untrackStream(s)
		op.complete(ModeDefer, StreamCloseResult{})
	}
}

// wakeIfPending re-signals the ready list for a stream that was
// blocked on flow control, used after a window grows (§4.7).
func (s *Stream) wakeIfPending() {
	if len(s.send.pending) > 0 {
		s.conn.engine.markWantWrite(s.conn.id, s.id)
	}
}

// onWindowUpdate applies a peer-granted send-window increment (a real
// WINDOW_UPDATE, as opposed to OnInitialWindowChanged's SETTINGS-wide
// shift) and resumes any writer parked on this stream.
func (s *Stream) onWindowUpdate(n uint32) {
	_ = s.send.window.grant(n)
	s.wakeIfPending()
}

func (s *Stream) onReset(ec ErrorCode) {
	if s.closeOp != nil {
		op := s.closeOp
		s.closeOp = nil
		op.complete(ModeDefer, StreamCloseResult{Err: ErrStreamAborted})
	}
	s.resetLocked(codeErr(KindStream, ReasonReset, ec))
}

func (s *Stream) onClosed() {
	s.maybeFinishClose()
	if s.state != streamClosed {
		s.state = streamClosed
		s.conn.untrackStream(s)
	}
}
