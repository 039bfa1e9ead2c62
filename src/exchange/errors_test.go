package exchange

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(E(KindTransient, "op", "boom")))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUnknown, KindOf(fmt.Errorf("untyped")))

	wrapped := fmt.Errorf("outer: %w", E(KindAuthFailed, "op", "denied"))
	assert.Equal(t, KindAuthFailed, KindOf(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(E(KindTransient, "op", "net")))
	assert.True(t, Retryable(RateLimitedError("op", time.Second, nil)))
	assert.False(t, Retryable(E(KindPermanent, "op", "bad request")))
	assert.False(t, Retryable(E(KindAuthFailed, "op", "denied")))
	assert.False(t, Retryable(E(KindCancelled, "op", "ctx")))
}

func TestRetryAfterHint(t *testing.T) {
	err := RateLimitedError("op", 3*time.Second, nil)
	assert.Equal(t, 3*time.Second, RetryAfterHint(err))

	wrapped := fmt.Errorf("call failed: %w", err)
	assert.Equal(t, 3*time.Second, RetryAfterHint(wrapped))

	assert.Equal(t, time.Duration(0), RetryAfterHint(E(KindTransient, "op", "net")))
}

func TestMockForceError(t *testing.T) {
	m := NewMock("test")
	m.ForceError(E(KindTransient, "mock", "injected"), 2)

	_, err := m.GetTicker(context.Background(), "BTCUSDT")
	assert.Equal(t, KindTransient, KindOf(err))

	_, err = m.GetTicker(context.Background(), "BTCUSDT")
	assert.Equal(t, KindTransient, KindOf(err))

	// injected errors drained; now it's just an unknown symbol
	_, err = m.GetTicker(context.Background(), "BTCUSDT")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestMockCancelled(t *testing.T) {
	m := NewMock("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.PlaceOrder(ctx, orderReq("c1", "buy", 1))
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Equal(t, 0, m.PlaceCalls())
}
