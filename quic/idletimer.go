package quic

import (
	"math/rand"
	"sync"
	"time"
)

// idleTimer measures how long a connection has gone without activity
// and counts retries against a cap, feeding the connection.timed_out
// classification (§4.5) once maxRetries is exceeded. Jitter avoids
// synchronized keepalive storms across many connections sharing one
// engine tick.
//
// Ported and renamed from h2mux/idletimer.go's IdleTimer, which the
// teacher uses to decide when to send an HTTP/2-layer heartbeat PING;
// here it decides when a QUIC connection has been idle long enough to
// classify as timed_out (SUPPLEMENTED FEATURES §2 in SPEC_FULL.md).
type idleTimer struct {
	idleDuration time.Duration
	randomSource *rand.Rand
	maxRetries   uint64

	mu      sync.Mutex
	retries uint64
	timer   *time.Timer
}

func newIdleTimer(idleDuration time.Duration, maxRetries uint64) *idleTimer {
	return &idleTimer{
		idleDuration: idleDuration,
		randomSource: rand.New(rand.NewSource(time.Now().UnixNano())),
		maxRetries:   maxRetries,
		timer:        time.NewTimer(idleDuration),
	}
}

// C is the channel that fires when the connection has been idle for
// idleDuration (plus jitter).
func (t *idleTimer) C() <-chan time.Time { return t.timer.C }

// Retry records one more idle-timeout tick. Returns false once
// maxRetries has been reached, meaning the connection should now be
// classified connection.timed_out.
func (t *idleTimer) Retry() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retries >= t.maxRetries {
		return false
	}
	t.retries++
	return true
}

func (t *idleTimer) RetryCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retries
}

// MarkActive resets the idle clock and clears the retry count; the
// engine calls it when a new stream arrives and when a stream becomes
// readable, not on every packet sent or received.
func (t *idleTimer) MarkActive() {
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.mu.Lock()
	t.retries = 0
	t.mu.Unlock()
	t.ResetTimer()
}

func (t *idleTimer) ResetTimer() {
	jitter := time.Duration(t.randomSource.Int63n(int64(t.idleDuration) + 1))
	t.timer.Reset(t.idleDuration + jitter)
}

func (t *idleTimer) Stop() {
	t.timer.Stop()
}
