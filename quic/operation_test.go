package quic

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperationCompleteReleasesWorkGuards(t *testing.T) {
	var engineWork atomic.Int64
	op := NewOperation[int](InlineExecutor{}, nil, &engineWork, func(int) {})
	assert.EqualValues(t, 1, engineWork.Load(), "engineWork after NewOperation")
	op.complete(ModeDispatch, 42)
	assert.EqualValues(t, 0, engineWork.Load(), "engineWork after complete")
}

func TestOperationCompleteDeliversResult(t *testing.T) {
	var got int
	op := NewOperation[int](InlineExecutor{}, nil, nil, func(r int) { got = r })
	op.complete(ModeDispatch, 7)
	assert.Equal(t, 7, got)
}

func TestOperationDestroyNeverInvokesHandler(t *testing.T) {
	called := false
	op := NewOperation[int](InlineExecutor{}, nil, nil, func(int) { called = true })
	op.Destroy()
	assert.False(t, called, "Destroy must never invoke the handler")
}

func TestOperationCompleteIsOneShot(t *testing.T) {
	calls := 0
	op := NewOperation[int](InlineExecutor{}, nil, nil, func(int) { calls++ })
	op.complete(ModeDispatch, 1)
	// A second complete call on the same op must not re-invoke the
	// handler: complete nils op.handler out on first use.
	op.complete(ModeDispatch, 2)
	assert.Equal(t, 1, calls)
}
