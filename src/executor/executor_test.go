package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/src/exchange"
	"tradecore/src/model"
)

func newTestReliable(t *testing.T, mock *exchange.Mock, config *Config) *Reliable {
	t.Helper()

	r := NewReliable(mock, config, prometheus.NewRegistry())
	r.sleep = func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}
	return r
}

func marketBuy(clientID string, amount float64) model.OrderRequest {
	return model.OrderRequest{
		ClientID: clientID,
		Venue:    "test",
		Symbol:   "BTCUSDT",
		Type:     model.OrderTypeMarket,
		Side:     model.OrderSideBuy,
		Amount:   amount,
		TsMs:     time.Now().UnixMilli(),
	}
}

func TestRetryThenSuccessSubmitsOnce(t *testing.T) {
	mock := exchange.NewMock("test")
	mock.SetTicker("BTCUSDT", model.Ticker{Last: 100})
	mock.ForceError(exchange.E(exchange.KindTransient, "mock", "net down"), 2)

	r := newTestReliable(t, mock, testConfig())

	status, err := r.PlaceOrder(context.Background(), marketBuy("c1", 1))
	require.NoError(t, err)

	assert.Equal(t, model.OrderStateFilled, status.State)
	assert.Equal(t, 1, mock.PlaceCalls(), "exactly one venue submission must exist")
}

func TestPermanentNotRetried(t *testing.T) {
	mock := exchange.NewMock("test")
	mock.ForceError(exchange.E(exchange.KindPermanent, "mock", "bad symbol"), 1)

	r := newTestReliable(t, mock, testConfig())

	_, err := r.PlaceOrder(context.Background(), marketBuy("c1", 1))
	assert.Equal(t, exchange.KindPermanent, exchange.KindOf(err))
	assert.Equal(t, 0, mock.PlaceCalls())
}

func TestAuthFailedNotRetried(t *testing.T) {
	mock := exchange.NewMock("test")
	mock.ForceError(exchange.E(exchange.KindAuthFailed, "mock", "bad key"), 1)

	r := newTestReliable(t, mock, testConfig())

	_, err := r.GetTicker(context.Background(), "BTCUSDT")
	assert.Equal(t, exchange.KindAuthFailed, exchange.KindOf(err))
}

func TestCircuitOpensAfterSustainedFailures(t *testing.T) {
	mock := exchange.NewMock("test")
	mock.SetTicker("BTCUSDT", model.Ticker{Last: 100})

	config := testConfig()
	config.MaxRetries = 0 // one attempt per submission
	r := newTestReliable(t, mock, config)

	now := time.Unix(1700000000, 0)
	r.breaker.SetClock(func() time.Time { return now })

	mock.ForceError(exchange.E(exchange.KindTransient, "mock", "down"), 10)
	for i := 0; i < 10; i++ {
		_, err := r.GetTicker(context.Background(), "BTCUSDT")
		require.Error(t, err)
	}
	require.Equal(t, StateOpen, r.breaker.State())

	// 11th submission fails fast without touching the adapter
	_, err := r.PlaceOrder(context.Background(), marketBuy("c11", 1))
	assert.Equal(t, exchange.KindCircuitOpen, exchange.KindOf(err))
	assert.Equal(t, 0, mock.PlaceCalls())

	// after the open timeout, the 12th call probes once and closes
	now = now.Add(61 * time.Second)
	status, err := r.PlaceOrder(context.Background(), marketBuy("c12", 1))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStateFilled, status.State)
	assert.Equal(t, 1, mock.PlaceCalls())
	assert.Equal(t, StateClosed, r.breaker.State())
}

func TestCircuitOpenClientIDNotBurned(t *testing.T) {
	mock := exchange.NewMock("test")
	mock.SetTicker("BTCUSDT", model.Ticker{Last: 100})

	config := testConfig()
	config.MaxRetries = 0
	r := newTestReliable(t, mock, config)

	now := time.Unix(1700000000, 0)
	r.breaker.SetClock(func() time.Time { return now })

	mock.ForceError(exchange.E(exchange.KindTransient, "mock", "down"), 10)
	for i := 0; i < 10; i++ {
		_, _ = r.GetTicker(context.Background(), "BTCUSDT")
	}

	_, err := r.PlaceOrder(context.Background(), marketBuy("cx", 1))
	require.Equal(t, exchange.KindCircuitOpen, exchange.KindOf(err))

	// the rejected submission never reached the venue, so the same client
	// id must be usable once the circuit recovers
	now = now.Add(61 * time.Second)
	status, err := r.PlaceOrder(context.Background(), marketBuy("cx", 1))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStateFilled, status.State)
}

func TestDuplicateSubmissionCoalesces(t *testing.T) {
	mock := exchange.NewMock("test")
	mock.SetTicker("BTCUSDT", model.Ticker{Last: 100})
	mock.SetLatency(30 * time.Millisecond)

	r := newTestReliable(t, mock, testConfig())

	var wg sync.WaitGroup
	results := make([]model.OrderStatus, 2)
	errs := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.PlaceOrder(context.Background(), marketBuy("dup-1", 1))
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, mock.PlaceCalls(), "duplicate client id must coalesce to one venue call")
	assert.Equal(t, results[0].ExchangeOrderID, results[1].ExchangeOrderID)
	assert.Equal(t, results[0].State, results[1].State)
}

func TestSequentialDuplicateReturnsPriorOutcome(t *testing.T) {
	mock := exchange.NewMock("test")
	mock.SetTicker("BTCUSDT", model.Ticker{Last: 100})

	r := newTestReliable(t, mock, testConfig())

	first, err := r.PlaceOrder(context.Background(), marketBuy("dup-2", 1))
	require.NoError(t, err)

	second, err := r.PlaceOrder(context.Background(), marketBuy("dup-2", 1))
	require.NoError(t, err)

	assert.Equal(t, 1, mock.PlaceCalls())
	assert.Equal(t, first.ExchangeOrderID, second.ExchangeOrderID)
}

func TestVerificationPollsToTerminal(t *testing.T) {
	mock := exchange.NewMock("test")
	mock.SetTicker("BTCUSDT", model.Ticker{Last: 100})
	mock.FillHandler = func(model.OrderRequest) model.OrderStatus {
		return model.OrderStatus{State: model.OrderStateOpen}
	}
	mock.ScriptStatuses("mock-1",
		model.OrderStatus{State: model.OrderStateOpen},
		model.OrderStatus{State: model.OrderStatePartiallyFilled, FilledAmount: 0.4, AvgFillPrice: 100},
		model.OrderStatus{State: model.OrderStateFilled, FilledAmount: 1, AvgFillPrice: 100},
	)

	r := newTestReliable(t, mock, testConfig())

	status, err := r.PlaceOrder(context.Background(), marketBuy("v1", 1))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStateFilled, status.State)
	assert.Equal(t, 1.0, status.FilledAmount)
}

func TestVerificationStablePartialFill(t *testing.T) {
	mock := exchange.NewMock("test")
	mock.SetTicker("BTCUSDT", model.Ticker{Last: 100})
	mock.FillHandler = func(model.OrderRequest) model.OrderStatus {
		return model.OrderStatus{State: model.OrderStateOpen}
	}
	mock.ScriptStatuses("mock-1",
		model.OrderStatus{State: model.OrderStatePartiallyFilled, FilledAmount: 0.4, AvgFillPrice: 100},
	)

	r := newTestReliable(t, mock, testConfig())

	status, err := r.PlaceOrder(context.Background(), marketBuy("v2", 1))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatePartiallyFilled, status.State)
	assert.Equal(t, 0.4, status.FilledAmount)
}

func TestVerificationUnknownFlagged(t *testing.T) {
	mock := exchange.NewMock("test")
	mock.SetTicker("BTCUSDT", model.Ticker{Last: 100})
	mock.FillHandler = func(model.OrderRequest) model.OrderStatus {
		return model.OrderStatus{State: model.OrderStateUnknown}
	}
	mock.ScriptStatuses("mock-1",
		model.OrderStatus{State: model.OrderStateUnknown},
	)

	r := newTestReliable(t, mock, testConfig())

	status, err := r.PlaceOrder(context.Background(), marketBuy("v3", 1))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStateUnknown, status.State)
}

func TestRateLimitHintExtendsDelay(t *testing.T) {
	mock := exchange.NewMock("test")
	mock.SetTicker("BTCUSDT", model.Ticker{Last: 100})
	mock.RateLimit(5*time.Second, 1)

	r := NewReliable(mock, testConfig(), prometheus.NewRegistry())

	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := r.GetTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, slept, 1)
	assert.Equal(t, 5*time.Second, slept[0], "retry-after hint should override the base delay")
}
