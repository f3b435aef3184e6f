package quic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdleTimerFiresAfterDuration(t *testing.T) {
	it := newIdleTimer(10*time.Millisecond, 3)
	select {
	case <-it.C():
	case <-time.After(200 * time.Millisecond):
		require.Fail(t, "idle timer never fired")
	}
}

func TestIdleTimerRetryExhaustion(t *testing.T) {
	it := newIdleTimer(time.Hour, 2)
	assert.True(t, it.Retry(), "first retry should be allowed")
	assert.True(t, it.Retry(), "second retry should be allowed")
	assert.False(t, it.Retry(), "third retry should be refused once maxRetries is reached")
	assert.EqualValues(t, 2, it.RetryCount(), "a refused Retry must not increment it")
}

func TestIdleTimerMarkActiveResetsRetries(t *testing.T) {
	it := newIdleTimer(time.Hour, 1)
	it.Retry()
	assert.EqualValues(t, 1, it.RetryCount())
	it.MarkActive()
	assert.EqualValues(t, 0, it.RetryCount())
}
