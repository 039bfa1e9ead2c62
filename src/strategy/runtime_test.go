package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/src/exchange"
	"tradecore/src/marketdata"
	"tradecore/src/model"
)

type klineStub struct {
	bars []model.Bar
}

func (s klineStub) GetKlines(_ context.Context, _, _ string, _ int) ([]model.Bar, error) {
	return s.bars, nil
}

func barEvent(ts int64, close float64) marketdata.Event {
	return marketdata.Event{
		Kind:      marketdata.EventBar,
		Venue:     "test",
		Symbol:    "BTCUSDT",
		Timeframe: "1m",
		Bar: model.Bar{
			Venue:     "test",
			Symbol:    "BTCUSDT",
			Timeframe: "1m",
			TsMs:      ts,
			Open:      close,
			High:      close,
			Low:       close,
			Close:     close,
			Closed:    true,
		},
		TsMs: ts,
	}
}

func awaitSignal(t *testing.T, signals <-chan model.Signal) model.Signal {
	t.Helper()
	select {
	case signal := <-signals:
		return signal
	case <-time.After(2 * time.Second):
		t.Fatal("no signal emitted")
		return model.Signal{}
	}
}

func startedRuntime(t *testing.T, klines map[string]KlineSource, params Params) (*Runtime, string, chan marketdata.Event) {
	t.Helper()

	rt := NewRuntime(klines, prometheus.NewRegistry())
	id, err := rt.Add("u1", KindBreakout, params, "test", "BTCUSDT", "1m")
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background(), id))

	events := make(chan marketdata.Event, 32)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		rt.Run(ctx, events)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return rt, id, events
}

func breakoutParams() Params {
	return Params{
		"lookback_period":       5,
		"volatility_multiplier": 1.5,
		"take_profit":           0.05,
		"stop_loss":             0.02,
		"reset_threshold":       0.5,
	}
}

func TestRuntimeEmitsEntryThenStopLoss(t *testing.T) {
	rt, id, events := startedRuntime(t, nil, breakoutParams())

	for i := 1; i <= 5; i++ {
		events <- barEvent(int64(i)*60_000, 100)
	}
	events <- barEvent(6*60_000, 110)

	signal := awaitSignal(t, rt.Signals())
	assert.Equal(t, model.SignalEnter, signal.Kind)
	assert.Equal(t, model.OrderSideBuy, signal.Side)
	assert.Equal(t, id, signal.StrategyID)
	assert.Equal(t, 110.0, signal.Price)

	// confirmed fill moves the position, then a drop past 2% trips the stop
	require.NoError(t, rt.ApplyFill(id, model.OrderSideBuy, 1, 110))
	position, err := rt.Position(id)
	require.NoError(t, err)
	assert.Equal(t, 1.0, position.Size)
	assert.Equal(t, 110.0, position.AvgEntryPrice)

	events <- barEvent(7*60_000, 107)
	exit := awaitSignal(t, rt.Signals())
	assert.Equal(t, model.SignalExit, exit.Kind)
	assert.Equal(t, model.ExitReasonStopLoss, exit.Reason)
}

func TestRuntimeSkipsUntilLookbackFilled(t *testing.T) {
	rt, _, events := startedRuntime(t, nil, breakoutParams())

	// only 4 bars: below the lookback, breakout or not, nothing fires
	for i := 1; i <= 3; i++ {
		events <- barEvent(int64(i)*60_000, 100)
	}
	events <- barEvent(4*60_000, 150)

	select {
	case signal := <-rt.Signals():
		t.Fatalf("signal emitted before lookback filled: %+v", signal)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRuntimeWarmupFromKlines(t *testing.T) {
	warm := flatBars(10, 100)
	rt, _, events := startedRuntime(t, map[string]KlineSource{"test": klineStub{bars: warm}}, breakoutParams())

	// the buffer is already warm, so the very first live bar can trigger
	events <- barEvent(11*60_000, 110)

	signal := awaitSignal(t, rt.Signals())
	assert.Equal(t, model.SignalEnter, signal.Kind)
}

func TestRuntimeBufferTrimsToTwiceLookback(t *testing.T) {
	rt, id, events := startedRuntime(t, nil, breakoutParams())

	for i := 1; i <= 40; i++ {
		events <- barEvent(int64(i)*60_000, 100)
	}

	require.Eventually(t, func() bool {
		inst, err := rt.instance(id)
		require.NoError(t, err)
		inst.mu.Lock()
		defer inst.mu.Unlock()
		return len(inst.bars) == 10 && inst.bars[len(inst.bars)-1].TsMs == 40*60_000
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRuntimeStoppedInstanceIgnoresBars(t *testing.T) {
	rt, id, events := startedRuntime(t, nil, breakoutParams())
	require.NoError(t, rt.Stop(id))

	for i := 1; i <= 5; i++ {
		events <- barEvent(int64(i)*60_000, 100)
	}
	events <- barEvent(6*60_000, 110)

	select {
	case signal := <-rt.Signals():
		t.Fatalf("stopped strategy emitted a signal: %+v", signal)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRuntimeAddAfterShutdown(t *testing.T) {
	rt := NewRuntime(nil, prometheus.NewRegistry())

	events := make(chan marketdata.Event)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		rt.Run(ctx, events)
		close(done)
	}()

	cancel()
	<-done

	// the signal channel is closed; a late Add must not register a worker
	// that nothing will ever drain
	_, err := rt.Add("u1", KindBreakout, breakoutParams(), "test", "BTCUSDT", "1m")
	assert.Equal(t, exchange.KindBadState, exchange.KindOf(err))
	assert.Empty(t, rt.List())
}

type panicStrategy struct{}

func (panicStrategy) Kind() string  { return "panic" }
func (panicStrategy) Lookback() int { return 1 }
func (panicStrategy) OnBar([]model.Bar, model.Position) model.Signal {
	panic("boom")
}

func TestRuntimeSwallowsStrategyPanic(t *testing.T) {
	rt := NewRuntime(nil, prometheus.NewRegistry())

	inst := &Instance{
		ID:       "p1",
		Venue:    "test",
		Symbol:   "BTCUSDT",
		strategy: panicStrategy{},
		bars:     flatBars(1, 100),
		active:   true,
	}

	inst.mu.Lock()
	signal := rt.safeOnBar(inst)
	inst.mu.Unlock()

	assert.Equal(t, model.SignalNone, signal.Kind)
}

func TestRuntimeUnknownInstance(t *testing.T) {
	rt := NewRuntime(nil, prometheus.NewRegistry())

	err := rt.Stop("missing")
	assert.Equal(t, exchange.KindNotFound, exchange.KindOf(err))

	_, err = rt.Position("missing")
	assert.Equal(t, exchange.KindNotFound, exchange.KindOf(err))

	err = rt.Start(context.Background(), "missing")
	assert.Equal(t, exchange.KindNotFound, exchange.KindOf(err))
}

func TestRuntimeFillRoundTrip(t *testing.T) {
	rt := NewRuntime(nil, prometheus.NewRegistry())
	id, err := rt.Add("u1", KindBreakout, breakoutParams(), "test", "BTCUSDT", "1m")
	require.NoError(t, err)

	require.NoError(t, rt.ApplyFill(id, model.OrderSideBuy, 0.5, 100))
	require.NoError(t, rt.ApplyFill(id, model.OrderSideSell, 0.5, 105))

	position, err := rt.Position(id)
	require.NoError(t, err)
	assert.Equal(t, 0.0, position.Size)
	assert.Equal(t, 0.0, position.AvgEntryPrice)
}
