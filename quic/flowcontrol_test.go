package quic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowWindowConsumeAndGrant(t *testing.T) {
	w := newFlowWindow(100)
	w.consume(40)
	assert.EqualValues(t, 60, w.Available())

	require.NoError(t, w.grant(50))
	assert.EqualValues(t, 110, w.Available())
}

func TestFlowWindowZeroGrantIsProtocolViolation(t *testing.T) {
	w := newFlowWindow(10)
	err := w.grant(0)
	assert.True(t, IsKind(err, KindTransport), "grant(0) should be a transport error")
}

func TestFlowWindowOverflowIsFlowControlError(t *testing.T) {
	w := newFlowWindow(uint32(maxFlowWindow))
	err := w.grant(1)
	assert.True(t, IsKind(err, KindTransport), "overflow grant should be a transport error")
	assert.EqualValues(t, maxFlowWindow, w.Available(), "a rejected grant must not mutate the window")
}

func TestFlowWindowShiftInitialCanGoNegative(t *testing.T) {
	w := newFlowWindow(100)
	w.consume(90)
	require.NoError(t, w.shiftInitial(-50))
	assert.EqualValues(t, -40, w.Available())
}

func TestEffectiveSendQuotaIsMinOfBoth(t *testing.T) {
	conn := newFlowWindow(1000)
	stream := newFlowWindow(100)
	assert.EqualValues(t, 100, effectiveSendQuota(conn, stream, 1452))
}

func TestEffectiveSendQuotaCapsAtMaxPacketSize(t *testing.T) {
	conn := newFlowWindow(1000)
	stream := newFlowWindow(1000)
	assert.EqualValues(t, 200, effectiveSendQuota(conn, stream, 200))
}

func TestEffectiveSendQuotaNonPositiveWhenExhausted(t *testing.T) {
	conn := newFlowWindow(0)
	stream := newFlowWindow(100)
	assert.LessOrEqual(t, effectiveSendQuota(conn, stream, 1452), int64(0))
}
