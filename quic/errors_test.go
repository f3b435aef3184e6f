package quic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorStringIncludesKindAndReason(t *testing.T) {
	err := newErr(KindStream, ReasonBusy)
	assert.Equal(t, "stream.busy", err.Error())
}

func TestIsKind(t *testing.T) {
	assert.True(t, IsKind(ErrStreamEOF, KindStream))
	assert.False(t, IsKind(ErrStreamEOF, KindConnection))
	assert.False(t, IsKind(nil, KindStream))
}

func TestWrapErrUnwraps(t *testing.T) {
	cause := &Error{Kind: KindApplication, Reason: ReasonNone}
	wrapped := wrapErr(KindStream, ReasonInvalidArgument, cause)
	assert.Same(t, cause, wrapped.Unwrap())
}

func TestClassifyHandshakeFailureBucketsByErrorCode(t *testing.T) {
	alpn := classifyHandshakeFailure(tlsAlertBase + tlsAlertNoApplicationProtocol)
	assert.True(t, IsKind(alpn, KindTLS))
	assert.Equal(t, ReasonNoApplicationProtocol, alpn.Reason)

	otherAlert := classifyHandshakeFailure(tlsAlertBase + 42)
	assert.True(t, IsKind(otherAlert, KindTLS))
	assert.Equal(t, ErrorCode(tlsAlertBase+42), otherAlert.Code)

	transport := classifyHandshakeFailure(0x03)
	assert.True(t, IsKind(transport, KindTransport))

	generic := classifyHandshakeFailure(0xdead)
	assert.True(t, IsKind(generic, KindConnection))
	assert.Equal(t, ReasonHandshakeFailed, generic.Reason)
}
