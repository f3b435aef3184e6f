package quic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusquic/nexus/quic"
	"github.com/nexusquic/nexus/quic/memmachine"
)

// harness wires one Engine (backed by memmachine) with two loopback UDP
// sockets, one server-side and one client-side, and starts Run before
// returning so every scenario below can immediately Connect/BindServer
// against already-running read/tick loops.
type harness struct {
	engine       *quic.Engine
	serverSocket *quic.Socket
	clientSocket *quic.Socket
	cancel       context.CancelFunc
}

func newHarness(t *testing.T, settings quic.Settings, serverALPN []string) *harness {
	t.Helper()
	m := memmachine.New()
	e := quic.NewEngine(m, quic.ModeServer, settings)

	serverSock, err := e.BindSocket("127.0.0.1:0", true, nil, serverALPN)
	require.NoError(t, err, "BindSocket(server)")
	clientSock, err := e.BindSocket("127.0.0.1:0", false, nil, nil)
	require.NoError(t, err, "BindSocket(client)")

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)

	h := &harness{engine: e, serverSocket: serverSock, clientSocket: clientSock, cancel: cancel}
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	h.cancel()
}

// await waits on ch for d, failing the test on timeout rather than
// hanging the suite if a scenario's wiring regresses.
func await[T any](t *testing.T, ch chan T, d time.Duration, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(d):
		require.Fail(t, "timed out waiting for "+what)
		var zero T
		return zero
	}
}

const testTimeout = 2 * time.Second

func (h *harness) connect(t *testing.T, alpn []string) (*quic.Connection, error) {
	t.Helper()
	type result struct {
		conn *quic.Connection
		err  error
	}
	ch := make(chan result, 1)
	_, err := h.engine.Connect(h.clientSocket, h.serverSocket.LocalAddr(), "localhost", alpn, nil, false, quic.InlineExecutor{}, func(conn *quic.Connection, err error) {
		ch <- result{conn, err}
	})
	require.NoError(t, err, "Connect")
	r := await(t, ch, testTimeout, "client handshake")
	return r.conn, r.err
}

func (h *harness) accept(t *testing.T) (*quic.Connection, error) {
	t.Helper()
	type result struct {
		conn *quic.Connection
		err  error
	}
	ch := make(chan result, 1)
	h.serverSocket.AsyncAccept(quic.InlineExecutor{}, func(conn *quic.Connection, err error) { ch <- result{conn, err} })
	r := await(t, ch, testTimeout, "server accept")
	return r.conn, r.err
}

func openStream(t *testing.T, conn *quic.Connection) *quic.Stream {
	t.Helper()
	s := conn.NewStream()
	ch := make(chan error, 1)
	s.AsyncConnect(quic.InlineExecutor{}, func(err error) { ch <- err })
	require.NoError(t, await(t, ch, testTimeout, "stream connect"), "AsyncConnect")
	return s
}

func acceptStream(t *testing.T, conn *quic.Connection) (*quic.Stream, error) {
	t.Helper()
	type result struct {
		s   *quic.Stream
		err error
	}
	ch := make(chan result, 1)
	conn.AsyncAccept(quic.InlineExecutor{}, func(s *quic.Stream, err error) { ch <- result{s, err} })
	r := await(t, ch, testTimeout, "stream accept")
	return r.s, r.err
}

func writeSome(t *testing.T, s *quic.Stream, buf []byte) (int, error) {
	t.Helper()
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	s.AsyncWriteSome(buf, quic.InlineExecutor{}, func(n int, err error) { ch <- result{n, err} })
	r := await(t, ch, testTimeout, "write")
	return r.n, r.err
}

func readSome(t *testing.T, s *quic.Stream, buf []byte) (int, error) {
	t.Helper()
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	s.AsyncReadSome(buf, quic.InlineExecutor{}, func(n int, err error) { ch <- result{n, err} })
	r := await(t, ch, testTimeout, "read")
	return r.n, r.err
}

func closeStream(t *testing.T, s *quic.Stream) error {
	t.Helper()
	ch := make(chan error, 1)
	s.AsyncClose(quic.InlineExecutor{}, func(err error) { ch <- err })
	return await(t, ch, testTimeout, "async_close")
}

// assertReason fails the test unless err is a *quic.Error of the given
// kind and reason.
func assertReason(t *testing.T, err error, kind quic.ErrorKind, reason quic.Reason, what string) {
	t.Helper()
	require.True(t, quic.IsKind(err, kind), "%s = %v, want kind %v", what, err, kind)
	qe, ok := err.(*quic.Error)
	require.True(t, ok, "%s = %v, want *quic.Error", what, err)
	assert.Equal(t, reason, qe.Reason, "%s reason", what)
}

// TestScenarioA_EchoOneStream is spec scenario A: a client writes six
// bytes, half-closes its send side, the server echoes them back and
// half-closes its own, and both sides observe eof before the final
// graceful async_close on each end completes ok.
func TestScenarioA_EchoOneStream(t *testing.T) {
	h := newHarness(t, quic.Settings{}, []string{"echo"})

	clientConn, err := h.connect(t, []string{"echo"})
	require.NoError(t, err, "client handshake")
	serverConn, err := h.accept(t)
	require.NoError(t, err, "server accept")

	clientStream := openStream(t, clientConn)

	n, err := writeSome(t, clientStream, []byte("hello\n"))
	require.NoError(t, err, "client write")
	assert.Equal(t, 6, n, "client write")
	require.NoError(t, clientStream.Shutdown(quic.ShutdownWrite), "client half-close")

	serverStream, err := acceptStream(t, serverConn)
	require.NoError(t, err, "server accept stream")

	buf := make([]byte, 64)
	n, err = readSome(t, serverStream, buf)
	require.NoError(t, err, "server read")
	assert.Equal(t, 6, n, "server read")
	assert.Equal(t, "hello\n", string(buf[:n]))

	n, err = readSome(t, serverStream, buf)
	assert.Equal(t, 0, n)
	assertReason(t, err, quic.KindStream, quic.ReasonEOF, "server second read")

	n, err = writeSome(t, serverStream, []byte("hello\n"))
	require.NoError(t, err, "server write")
	assert.Equal(t, 6, n, "server write")
	require.NoError(t, serverStream.Shutdown(quic.ShutdownWrite), "server half-close")

	n, err = readSome(t, clientStream, buf)
	require.NoError(t, err, "client read")
	assert.Equal(t, 6, n, "client read")
	assert.Equal(t, "hello\n", string(buf[:n]))

	n, err = readSome(t, clientStream, buf)
	assert.Equal(t, 0, n)
	assertReason(t, err, quic.KindStream, quic.ReasonEOF, "client second read")

	assert.NoError(t, closeStream(t, clientStream), "client async_close")
	assert.NoError(t, closeStream(t, serverStream), "server async_close")
}

// TestScenarioB_ConcurrentStreamCap is spec scenario B: with the
// server's cap at two concurrently open streams, a third connect-stream
// parks until the first is closed rather than failing outright.
func TestScenarioB_ConcurrentStreamCap(t *testing.T) {
	h := newHarness(t, quic.Settings{MaxStreamsPerConnection: 2}, []string{"echo"})

	clientConn, err := h.connect(t, []string{"echo"})
	require.NoError(t, err, "client handshake")
	_, err = h.accept(t)
	require.NoError(t, err, "server accept")

	streamA := openStream(t, clientConn)
	streamB := openStream(t, clientConn)

	n, err := writeSome(t, streamA, []byte("a"))
	require.NoError(t, err, "write A")
	assert.Equal(t, 1, n)

	n, err = writeSome(t, streamB, []byte("b"))
	require.NoError(t, err, "write B")
	assert.Equal(t, 1, n)

	streamC := clientConn.NewStream()
	cDone := make(chan error, 1)
	streamC.AsyncConnect(quic.InlineExecutor{}, func(err error) { cDone <- err })

	select {
	case err := <-cDone:
		require.Fail(t, "stream C connected before a slot freed up", "err=%v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, closeStream(t, streamA), "close A")

	err = await(t, cDone, testTimeout, "stream C connect after A closes")
	require.NoError(t, err, "stream C AsyncConnect")

	n, err = writeSome(t, streamC, []byte("c"))
	require.NoError(t, err, "write C")
	assert.Equal(t, 1, n)
}

// TestScenarioD_ShutdownReadDuringRead is spec scenario D: a pending
// read aborts when the local side shuts its own read down, and a
// second read after that reports bad_file_descriptor rather than eof,
// distinguishing a local give-up from a genuine end of stream.
func TestScenarioD_ShutdownReadDuringRead(t *testing.T) {
	h := newHarness(t, quic.Settings{}, []string{"echo"})

	clientConn, err := h.connect(t, []string{"echo"})
	require.NoError(t, err, "client handshake")
	serverConn, err := h.accept(t)
	require.NoError(t, err, "server accept")
	_ = openStream(t, clientConn)
	serverStream, err := acceptStream(t, serverConn)
	require.NoError(t, err, "server accept stream")

	type result struct {
		n   int
		err error
	}
	pending := make(chan result, 1)
	buf := make([]byte, 16)
	serverStream.AsyncReadSome(buf, quic.InlineExecutor{}, func(n int, err error) { pending <- result{n, err} })

	require.NoError(t, serverStream.Shutdown(quic.ShutdownRead), "shutdown(read)")

	r := await(t, pending, testTimeout, "pending read aborted by shutdown(read)")
	assert.Equal(t, 0, r.n)
	assertReason(t, r.err, quic.KindStream, quic.ReasonAborted, "pending read")

	n, err := readSome(t, serverStream, buf)
	assert.Equal(t, 0, n)
	assertReason(t, err, quic.KindStream, quic.ReasonBadFileDescriptor, "second read")
}

// TestScenarioE_RemoteShutdownThenRead is spec scenario E: the peer's
// own shutdown(write) ends the stream for real, so both the pending
// read it completes and every read after it see eof, never
// bad_file_descriptor.
func TestScenarioE_RemoteShutdownThenRead(t *testing.T) {
	h := newHarness(t, quic.Settings{}, []string{"echo"})

	clientConn, err := h.connect(t, []string{"echo"})
	require.NoError(t, err, "client handshake")
	serverConn, err := h.accept(t)
	require.NoError(t, err, "server accept")
	clientStream := openStream(t, clientConn)
	serverStream, err := acceptStream(t, serverConn)
	require.NoError(t, err, "server accept stream")

	type result struct {
		n   int
		err error
	}
	pending := make(chan result, 1)
	buf := make([]byte, 16)
	serverStream.AsyncReadSome(buf, quic.InlineExecutor{}, func(n int, err error) { pending <- result{n, err} })

	require.NoError(t, clientStream.Shutdown(quic.ShutdownWrite), "client shutdown(write)")

	r := await(t, pending, testTimeout, "pending read completed by peer's shutdown(write)")
	assert.Equal(t, 0, r.n)
	assertReason(t, r.err, quic.KindStream, quic.ReasonEOF, "pending read")

	n, err := readSome(t, serverStream, buf)
	assert.Equal(t, 0, n)
	assertReason(t, err, quic.KindStream, quic.ReasonEOF, "second read")
}

// TestScenarioF_ALPNMismatch is spec scenario F: a client offering an
// ALPN the server doesn't accept gets tls.no_application_protocol on
// its first operation, and bad_file_descriptor on every op after that.
func TestScenarioF_ALPNMismatch(t *testing.T) {
	h := newHarness(t, quic.Settings{}, []string{"quic"})

	clientConn, err := h.connect(t, []string{"j5"})
	require.Error(t, err, "expected handshake failure")
	assertReason(t, err, quic.KindTLS, quic.ReasonNoApplicationProtocol, "handshake error")

	// The connection is closed; the next operation on it must report
	// bad_file_descriptor, not the handshake cause again (property 2).
	_, err = acceptStream(t, clientConn)
	assertReason(t, err, quic.KindStream, quic.ReasonBadFileDescriptor, "subsequent op")
}

// TestProperty2_ErrorOnceThenBadFileDescriptor exercises property 2
// directly against a Connection: once a terminal error has been
// delivered to one operation, every later operation sees
// bad_file_descriptor instead of the original cause.
func TestProperty2_ErrorOnceThenBadFileDescriptor(t *testing.T) {
	h := newHarness(t, quic.Settings{}, []string{"quic"})

	clientConn, err := h.connect(t, []string{"j5"})
	require.Error(t, err, "expected handshake failure")
	assert.True(t, quic.IsKind(err, quic.KindTLS), "first op error = %v, want tls.*", err)

	_, err = acceptStream(t, clientConn)
	assertReason(t, err, quic.KindStream, quic.ReasonBadFileDescriptor, "second op on failed connection")
}

// TestProperty6_GoAway exercises property 6: after a local go_away,
// new connect-stream attempts fail with going_away while a stream that
// was already open keeps working.
func TestProperty6_GoAway(t *testing.T) {
	h := newHarness(t, quic.Settings{}, []string{"echo"})

	clientConn, err := h.connect(t, []string{"echo"})
	require.NoError(t, err, "client handshake")
	serverConn, err := h.accept(t)
	require.NoError(t, err, "server accept")

	existing := openStream(t, clientConn)
	_, err = acceptStream(t, serverConn)
	require.NoError(t, err, "server accept stream")

	require.NoError(t, clientConn.GoAway(), "GoAway")

	n, err := writeSome(t, existing, []byte("x"))
	require.NoError(t, err, "write on pre-existing stream after go_away")
	assert.Equal(t, 1, n)

	blocked := clientConn.NewStream()
	ch := make(chan error, 1)
	blocked.AsyncConnect(quic.InlineExecutor{}, func(err error) { ch <- err })
	err = await(t, ch, testTimeout, "connect-stream after go_away")
	assertReason(t, err, quic.KindConnection, quic.ReasonGoingAway, "connect-stream after go_away")
}

// writeResult is the channel payload for a directly-issued AsyncWriteSome
// call that the test expects to pend rather than complete immediately.
type writeResult struct {
	n   int
	err error
}

// TestProperty1_SecondPendingWriteIsBusyWithoutMutatingFirst exercises
// property 1: a send side may have at most one outstanding write at a
// time. A second AsyncWriteSome issued while the first is parked on a
// drained window must complete immediately with stream.busy, and must
// leave the first write's pending data untouched.
func TestProperty1_SecondPendingWriteIsBusyWithoutMutatingFirst(t *testing.T) {
	h := newHarness(t, quic.Settings{IncomingStreamFlowControlWindow: 4, ConnectionFlowControlWindow: 1 << 20}, []string{"echo"})

	clientConn, err := h.connect(t, []string{"echo"})
	require.NoError(t, err, "client handshake")
	serverConn, err := h.accept(t)
	require.NoError(t, err, "server accept")
	clientStream := openStream(t, clientConn)
	serverStream, err := acceptStream(t, serverConn)
	require.NoError(t, err, "server accept stream")

	n, err := writeSome(t, clientStream, []byte("abcd"))
	require.NoError(t, err, "first write")
	assert.Equal(t, 4, n, "first write should exhaust the initial window exactly")

	firstPending := make(chan writeResult, 1)
	clientStream.AsyncWriteSome([]byte("efgh"), quic.InlineExecutor{}, func(n int, err error) {
		firstPending <- writeResult{n, err}
	})

	select {
	case r := <-firstPending:
		require.Fail(t, "write should have blocked on the drained window", "n=%d err=%v", r.n, r.err)
	case <-time.After(100 * time.Millisecond):
	}

	secondPending := make(chan writeResult, 1)
	clientStream.AsyncWriteSome([]byte("ijkl"), quic.InlineExecutor{}, func(n int, err error) {
		secondPending <- writeResult{n, err}
	})
	r := await(t, secondPending, testTimeout, "second concurrent write")
	assert.Equal(t, 0, r.n)
	assertReason(t, r.err, quic.KindStream, quic.ReasonBusy, "second concurrent write")

	select {
	case r := <-firstPending:
		require.Fail(t, "first write should still be pending after the busy rejection", "n=%d err=%v", r.n, r.err)
	case <-time.After(100 * time.Millisecond):
	}

	// Draining the first write's bytes ("abcd") frees the window the
	// parked write (firstPending) is waiting on.
	buf := make([]byte, 4)
	rn, err := readSome(t, serverStream, buf)
	require.NoError(t, err, "server read")
	require.Equal(t, 4, rn)
	assert.Equal(t, "abcd", string(buf[:rn]), "server should have received the first write's bytes")

	r = await(t, firstPending, testTimeout, "first write completed by window update")
	require.NoError(t, r.err, "first write")
	assert.Equal(t, 4, r.n)

	// The rejected second AsyncWriteSome call must not have clobbered
	// the first write's pending data: the bytes that actually cross the
	// wire next must be "efgh", never the rejected "ijkl".
	rn, err = readSome(t, serverStream, buf)
	require.NoError(t, err, "server second read")
	require.Equal(t, 4, rn)
	assert.Equal(t, "efgh", string(buf[:rn]), "the busy second write must not have clobbered the first write's data")
}

// TestProperty3_HandlerRunsOutsideEngineLock exercises property 3: a
// completion handler must run without the engine lock held, so it can
// safely call back into the Stream/Connection it belongs to (here,
// IsOpen, which re-acquires that same lock) without deadlocking.
func TestProperty3_HandlerRunsOutsideEngineLock(t *testing.T) {
	h := newHarness(t, quic.Settings{}, []string{"echo"})

	clientConn, err := h.connect(t, []string{"echo"})
	require.NoError(t, err, "client handshake")
	_, err = h.accept(t)
	require.NoError(t, err, "server accept")
	s := openStream(t, clientConn)

	done := make(chan bool, 1)
	s.AsyncWriteSome([]byte("x"), quic.InlineExecutor{}, func(n int, err error) {
		done <- s.IsOpen()
	})
	open := await(t, done, testTimeout, "write handler re-entering IsOpen")
	assert.True(t, open, "stream should still be open when queried from its own completion handler")
}

// TestProperty4_FlowControlEmitsExactlyAvailableWindow exercises
// property 4: for any write larger than the available window, exactly
// min(requested, initial+granted) bytes are emitted per attempt, never
// more and never fewer once any window is available at all.
func TestProperty4_FlowControlEmitsExactlyAvailableWindow(t *testing.T) {
	h := newHarness(t, quic.Settings{IncomingStreamFlowControlWindow: 8, ConnectionFlowControlWindow: 1 << 20}, []string{"echo"})

	clientConn, err := h.connect(t, []string{"echo"})
	require.NoError(t, err, "client handshake")
	serverConn, err := h.accept(t)
	require.NoError(t, err, "server accept")
	clientStream := openStream(t, clientConn)
	serverStream, err := acceptStream(t, serverConn)
	require.NoError(t, err, "server accept stream")

	data := make([]byte, 20)
	for i := range data {
		data[i] = byte('a' + i%26)
	}

	n, err := writeSome(t, clientStream, data)
	require.NoError(t, err, "first write")
	assert.Equal(t, 8, n, "first write should emit exactly the initial window")

	buf := make([]byte, 64)
	rn, err := readSome(t, serverStream, buf)
	require.NoError(t, err, "server read")
	assert.Equal(t, 8, rn, "server should have received exactly the first write's bytes")

	n, err = writeSome(t, clientStream, data[8:])
	require.NoError(t, err, "second write")
	assert.Equal(t, 8, n, "second write should emit exactly the window granted by the server's read")
}

// TestScenarioC_FlowControlBlocksThenPartiallyCompletes is spec scenario
// C verbatim: with a 16384-byte initial window, a 16384-byte write
// succeeds in full; a further write then blocks entirely until the
// server reads 100 bytes, at which point the pending write completes
// with exactly 100, discarding the rest of the request.
func TestScenarioC_FlowControlBlocksThenPartiallyCompletes(t *testing.T) {
	h := newHarness(t, quic.Settings{IncomingStreamFlowControlWindow: 16384, ConnectionFlowControlWindow: 1 << 20}, []string{"echo"})

	clientConn, err := h.connect(t, []string{"echo"})
	require.NoError(t, err, "client handshake")
	serverConn, err := h.accept(t)
	require.NoError(t, err, "server accept")
	clientStream := openStream(t, clientConn)
	serverStream, err := acceptStream(t, serverConn)
	require.NoError(t, err, "server accept stream")

	first := make([]byte, 16384)
	n, err := writeSome(t, clientStream, first)
	require.NoError(t, err, "first write")
	assert.Equal(t, 16384, n, "first write should exhaust the initial window exactly")

	second := make([]byte, 16385)
	pending := make(chan writeResult, 1)
	clientStream.AsyncWriteSome(second, quic.InlineExecutor{}, func(n int, err error) {
		pending <- writeResult{n, err}
	})

	select {
	case r := <-pending:
		require.Fail(t, "second write completed before any window was granted", "n=%d err=%v", r.n, r.err)
	case <-time.After(100 * time.Millisecond):
	}

	buf := make([]byte, 100)
	rn, err := readSome(t, serverStream, buf)
	require.NoError(t, err, "server read")
	assert.Equal(t, 100, rn, "server should read exactly 100 bytes")

	r := await(t, pending, testTimeout, "pending write completed by window update")
	require.NoError(t, r.err, "pending write")
	assert.Equal(t, 100, r.n, "pending write should complete with exactly the newly granted window")
}

// TestProperty5_GracefulCloseWaitsForPendingWrite exercises the "ok" half
// of property 5: AsyncClose with a write still parked on a drained
// window does not complete until that write drains.
func TestProperty5_GracefulCloseWaitsForPendingWrite(t *testing.T) {
	h := newHarness(t, quic.Settings{IncomingStreamFlowControlWindow: 4, ConnectionFlowControlWindow: 1 << 20}, []string{"echo"})

	clientConn, err := h.connect(t, []string{"echo"})
	require.NoError(t, err, "client handshake")
	serverConn, err := h.accept(t)
	require.NoError(t, err, "server accept")
	clientStream := openStream(t, clientConn)
	serverStream, err := acceptStream(t, serverConn)
	require.NoError(t, err, "server accept stream")

	n, err := writeSome(t, clientStream, []byte("abcd"))
	require.NoError(t, err, "first write")
	assert.Equal(t, 4, n, "first write should exhaust the initial window")

	pendingWrite := make(chan writeResult, 1)
	clientStream.AsyncWriteSome([]byte("efgh"), quic.InlineExecutor{}, func(n int, err error) {
		pendingWrite <- writeResult{n, err}
	})

	closeDone := make(chan error, 1)
	clientStream.AsyncClose(quic.InlineExecutor{}, func(err error) { closeDone <- err })

	select {
	case err := <-closeDone:
		require.Fail(t, "close completed before the pending write drained", "err=%v", err)
	case <-time.After(100 * time.Millisecond):
	}

	buf := make([]byte, 4)
	rn, err := readSome(t, serverStream, buf)
	require.NoError(t, err, "server read")
	assert.Equal(t, 4, rn)

	wr := await(t, pendingWrite, testTimeout, "pending write completed by window update")
	require.NoError(t, wr.err, "pending write")
	assert.Equal(t, 4, wr.n)

	require.NoError(t, await(t, closeDone, testTimeout, "close completes once the pending write drains"), "AsyncClose")
}

// TestProperty5_ResetWhileClosingCompletesAborted exercises the
// "else aborted" half of property 5: a Reset while AsyncClose is still
// waiting on a pending write completes both the write and the close
// with stream.aborted rather than ok.
func TestProperty5_ResetWhileClosingCompletesAborted(t *testing.T) {
	h := newHarness(t, quic.Settings{IncomingStreamFlowControlWindow: 4, ConnectionFlowControlWindow: 1 << 20}, []string{"echo"})

	clientConn, err := h.connect(t, []string{"echo"})
	require.NoError(t, err, "client handshake")
	_, err = h.accept(t)
	require.NoError(t, err, "server accept")
	clientStream := openStream(t, clientConn)

	n, err := writeSome(t, clientStream, []byte("abcd"))
	require.NoError(t, err, "first write")
	assert.Equal(t, 4, n)

	pendingWrite := make(chan writeResult, 1)
	clientStream.AsyncWriteSome([]byte("efgh"), quic.InlineExecutor{}, func(n int, err error) {
		pendingWrite <- writeResult{n, err}
	})

	closeDone := make(chan error, 1)
	clientStream.AsyncClose(quic.InlineExecutor{}, func(err error) { closeDone <- err })

	clientStream.Reset()

	wr := await(t, pendingWrite, testTimeout, "pending write aborted by reset")
	assert.Equal(t, 0, wr.n)
	assertReason(t, wr.err, quic.KindStream, quic.ReasonAborted, "pending write")

	err = await(t, closeDone, testTimeout, "close aborted by reset")
	assertReason(t, err, quic.KindStream, quic.ReasonAborted, "close")
}
