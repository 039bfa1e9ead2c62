package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/src/model"
)

func orderReq(clientID, side string, amount float64) model.OrderRequest {
	return model.OrderRequest{
		ClientID: clientID,
		Venue:    "test",
		Symbol:   "BTCUSDT",
		Type:     model.OrderTypeMarket,
		Side:     side,
		Amount:   amount,
		TsMs:     time.Now().UnixMilli(),
	}
}

func TestMockDeterministicFill(t *testing.T) {
	m := NewMock("test")
	m.SetTicker("BTCUSDT", model.Ticker{Bid: 99, Ask: 101, Last: 100})

	status, err := m.PlaceOrder(context.Background(), orderReq("c1", model.OrderSideBuy, 0.5))
	require.NoError(t, err)

	assert.Equal(t, model.OrderStateFilled, status.State)
	assert.Equal(t, 0.5, status.FilledAmount)
	assert.Equal(t, 100.0, status.AvgFillPrice)
	assert.NotEmpty(t, status.ExchangeOrderID)
}

func TestMockScriptedStatuses(t *testing.T) {
	m := NewMock("test")
	m.SetTicker("BTCUSDT", model.Ticker{Last: 100})

	m.FillHandler = func(req model.OrderRequest) model.OrderStatus {
		return model.OrderStatus{State: model.OrderStateOpen}
	}
	status, err := m.PlaceOrder(context.Background(), orderReq("c1", model.OrderSideBuy, 1))
	require.NoError(t, err)

	m.ScriptStatuses(status.ExchangeOrderID,
		model.OrderStatus{State: model.OrderStateOpen},
		model.OrderStatus{State: model.OrderStatePartiallyFilled, FilledAmount: 0.4, AvgFillPrice: 100},
		model.OrderStatus{State: model.OrderStateFilled, FilledAmount: 1, AvgFillPrice: 100},
	)

	ctx := context.Background()
	got, err := m.GetOrderStatus(ctx, status.ExchangeOrderID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStateOpen, got.State)

	got, err = m.GetOrderStatus(ctx, status.ExchangeOrderID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatePartiallyFilled, got.State)

	got, err = m.GetOrderStatus(ctx, status.ExchangeOrderID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStateFilled, got.State)

	// last scripted status repeats
	got, err = m.GetOrderStatus(ctx, status.ExchangeOrderID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStateFilled, got.State)
}

func TestMockKlineFeed(t *testing.T) {
	m := NewMock("test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.SubscribeKlines(ctx, "BTC/USDT", "1min")
	require.NoError(t, err)

	m.FeedBar(model.Bar{Symbol: "BTC/USDT", Timeframe: "1min", TsMs: 1000, Close: 100, Closed: true})

	select {
	case bar := <-ch:
		assert.Equal(t, "BTCUSDT", bar.Symbol)
		assert.Equal(t, "1m", bar.Timeframe)
		assert.Equal(t, int64(1000), bar.TsMs)
	case <-time.After(time.Second):
		t.Fatal("no bar delivered")
	}

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open, "channel should close on cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}
