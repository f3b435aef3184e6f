package quic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyListEmpty(t *testing.T) {
	rl := newReadyList()
	_, _, ok := rl.next()
	assert.False(t, ok, "expected empty ready list")
}

func TestReadyListFIFO(t *testing.T) {
	rl := newReadyList()
	rl.signal(1, 10)
	rl.signal(1, 20)
	rl.signal(2, 30)

	conn, stream, ok := rl.next()
	require.True(t, ok)
	assert.EqualValues(t, 1, conn)
	assert.EqualValues(t, 10, stream)

	conn, stream, ok = rl.next()
	require.True(t, ok)
	assert.EqualValues(t, 1, conn)
	assert.EqualValues(t, 20, stream)

	conn, stream, ok = rl.next()
	require.True(t, ok)
	assert.EqualValues(t, 2, conn)
	assert.EqualValues(t, 30, stream)

	_, _, ok = rl.next()
	assert.False(t, ok, "expected exhausted ready list")
}

func TestReadyListDedup(t *testing.T) {
	rl := newReadyList()
	rl.signal(1, 1)
	rl.signal(1, 1)
	rl.signal(1, 1)

	_, _, ok := rl.next()
	assert.True(t, ok, "expected one signal")

	_, _, ok = rl.next()
	assert.False(t, ok, "duplicate signals should collapse to one")
}

func TestReadyListForget(t *testing.T) {
	rl := newReadyList()
	rl.signal(1, 1)
	rl.signal(1, 2)
	rl.signal(2, 1)

	rl.forget(1)

	conn, stream, ok := rl.next()
	require.True(t, ok)
	assert.EqualValues(t, 2, conn)
	assert.EqualValues(t, 1, stream)

	_, _, ok = rl.next()
	assert.False(t, ok, "forgotten connection's streams should not remain queued")
}

func TestReadyListResignalAfterDequeue(t *testing.T) {
	rl := newReadyList()
	rl.signal(1, 1)
	rl.next()
	rl.signal(1, 1)

	_, _, ok := rl.next()
	assert.True(t, ok, "a key may be re-signalled once it has been dequeued")
}
