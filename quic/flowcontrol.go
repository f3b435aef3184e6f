package quic

// maxFlowWindow is the RFC 9000 / HTTP-flow-control ceiling
// (2^31 - 1) shared by connection- and stream-level windows (§4.7).
const maxFlowWindow int64 = (1 << 31) - 1

// flowWindow is a signed flow-control counter. It can briefly go
// negative after a peer-issued SETTINGS revises the initial window
// downward (§4.7), exactly like HTTP/2's SETTINGS_INITIAL_WINDOW_SIZE;
// a negative window simply blocks the sender until enough
// WINDOW_UPDATEs bring it back above zero.
//
// This generalizes h2mux's ad-hoc uint32 sendWindow/receiveWindow
// fields (h2mux/muxedstream.go) into a reusable type shared by both
// connection- and stream-scoped windows, and adds the
// SETTINGS-revision and overflow-rejection rules the spec requires
// that h2mux's fixed 64KiB window never needed.
type flowWindow struct {
	value int64
}

func newFlowWindow(initial uint32) flowWindow {
	return flowWindow{value: int64(initial)}
}

// Available reports the current sendable/receivable byte count. It can
// be negative.
func (w flowWindow) Available() int64 { return w.value }

// consume deducts n bytes after a successful send or receive of n
// bytes.
func (w *flowWindow) consume(n uint32) {
	w.value -= int64(n)
}

// grant applies a WINDOW_UPDATE of n bytes. A zero-valued update is a
// protocol error; an update that would push the window past
// maxFlowWindow is a flow-control error (§4.7).
func (w *flowWindow) grant(n uint32) error {
	if n == 0 {
		return codeErr(KindTransport, ReasonProtocolViolation, 0)
	}
	next := w.value + int64(n)
	if next > maxFlowWindow {
		return codeErr(KindTransport, ReasonFlowControl, 0)
	}
	w.value = next
	return nil
}

// shiftInitial applies delta (new_initial - old_initial) from a peer
// SETTINGS change to every existing stream window, per §4.7. Overflow
// at maxFlowWindow is a flow-control error.
func (w *flowWindow) shiftInitial(delta int64) error {
	next := w.value + delta
	if next > maxFlowWindow {
		return codeErr(KindTransport, ReasonFlowControl, 0)
	}
	w.value = next
	return nil
}

// effectiveSendQuota returns the number of bytes a writer may place on
// the wire right now: min(connWindow, streamWindow, maxFrameSize), the
// scheduling rule from §4.7. A non-positive result means the writer
// stays parked.
func effectiveSendQuota(conn, stream flowWindow, maxFrameSize uint32) int64 {
	quota := conn.Available()
	if s := stream.Available(); s < quota {
		quota = s
	}
	if quota > int64(maxFrameSize) {
		quota = int64(maxFrameSize)
	}
	return quota
}
