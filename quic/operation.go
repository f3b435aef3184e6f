package quic

import "sync/atomic"

// CompletionMode selects how a completed Operation's handler is handed
// to its Executor (§4.1). The engine picks the mode at the completion
// site, not at submission time.
type CompletionMode int

const (
	// ModePost unconditionally re-queues the handler, even if the
	// caller happens to already be running on the target Executor.
	// No completion site in this package uses it; Socket.Close's
	// fan-out uses ModeDefer.
	ModePost CompletionMode = iota
	// ModeDefer guarantees no inline execution. The engine uses this
	// for every completion triggered from inside Engine.process, since
	// the engine lock is held there and a handler must never observe it.
	ModeDefer
	// ModeDispatch runs inline when already on the target Executor,
	// otherwise posts. Used for completions delivered synchronously
	// from a public API call made outside the lock (e.g. Socket.Accept
	// completing immediately against a non-empty incoming queue).
	ModeDispatch
	// ModeDestroy releases the operation's resources without ever
	// invoking the handler. Used only during Engine/Socket teardown.
	ModeDestroy
)

// workGuard keeps an outstanding-operation counter alive. Engine uses
// one flavor to avoid tearing itself down with operations still
// in flight; each Operation separately guards the handler's own
// Executor so embedders can track "is there still async work pending
// against me" the same way.
type workGuard struct {
	counter  *atomic.Int64
	released bool
}

func newWorkGuard(counter *atomic.Int64) *workGuard {
	if counter == nil {
		return nil
	}
	counter.Add(1)
	return &workGuard{counter: counter}
}

func (g *workGuard) release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.counter.Add(-1)
}

// Operation is a reified async call: a bound completion handler, the
// Executor it must run on, and the two work-guards that keep both the
// handler's executor and the engine alive while it's outstanding.
//
// Spec.md §9 maps "virtual dispatch on an operation base class" to "a
// function pointer table stored next to the operation, avoiding
// inheritance". Go already has no class hierarchy to avoid, so the
// generic Operation[R] below plays that role directly: complete's mode
// switch is the function table, parameterized once per result shape
// (R) instead of once per concrete operation subtype.
type Operation[R any] struct {
	handler      func(R)
	executor     Executor
	handlerGuard *workGuard
	engineGuard  *workGuard
}

// NewOperation allocates a pending operation bound to executor, wrapping
// handler and acquiring work guards on both executor's outstanding-work
// counter and the engine's.
func NewOperation[R any](executor Executor, executorWork, engineWork *atomic.Int64, handler func(R)) *Operation[R] {
	return &Operation[R]{
		handler:      handler,
		executor:     executor,
		handlerGuard: newWorkGuard(executorWork),
		engineGuard:  newWorkGuard(engineWork),
	}
}

// complete delivers result to the handler via mode. It is the only way
// an Operation's handler ever runs; it must be called at most once, and
// the caller is responsible for having already detached the Operation
// from whatever state it was pending on (accept slot, read slot, ...)
// before calling this, so a handler that re-submits sees no stale
// pending op.
func (op *Operation[R]) complete(mode CompletionMode, result R) {
	handler := op.handler
	op.handler = nil
	hg, eg := op.handlerGuard, op.engineGuard
	op.handlerGuard, op.engineGuard = nil, nil
	executor := op.executor

	// Step: release operation resources before the handler runs, so a
	// chained continuation submitted from inside handler can reuse them.
	hg.release()
	eg.release()

	if mode == ModeDestroy || handler == nil {
		return
	}
	switch mode {
	case ModeDispatch:
		executor.Dispatch(func() { handler(result) })
	case ModeDefer:
		// InlineExecutor.Post runs fn on the caller's stack, which here
		// holds the engine lock; hop to a fresh goroutine instead.
		if _, inline := executor.(InlineExecutor); inline {
			go handler(result)
			return
		}
		executor.Post(func() { handler(result) })
	default: // ModePost
		executor.Post(func() { handler(result) })
	}
}

// Destroy cancels the operation without ever invoking its handler.
// Used only during Engine/Socket teardown (§4.1 "Cancellation").
func (op *Operation[R]) Destroy() {
	var zero R
	op.complete(ModeDestroy, zero)
}
