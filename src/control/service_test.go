package control

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/src/dispatcher"
	"tradecore/src/exchange"
	"tradecore/src/keymanager"
	"tradecore/src/marketdata"
	"tradecore/src/model"
	"tradecore/src/strategy"
)

type nopQuarantine struct{}

func (nopQuarantine) Add(context.Context, *model.QuarantinedOrder) error { return nil }

func testService(t *testing.T) (*Service, *exchange.Mock) {
	t.Helper()

	reg := prometheus.NewRegistry()
	mock := exchange.NewMock("test")
	mock.SetTicker("BTCUSDT", model.Ticker{Last: 100})

	runtime := strategy.NewRuntime(nil, reg)
	ingestor := marketdata.NewIngestor(
		map[string]exchange.Adapter{"test": mock},
		&marketdata.Config{SubscriberBuffer: 16, StaleMultiple: 3},
		reg,
	)
	dispatch := dispatcher.New(
		map[string]dispatcher.Executor{"test": mock},
		runtime,
		nopQuarantine{},
		&dispatcher.Config{
			SizingMethod:        dispatcher.SizingFixedPct,
			PositionSizePct:     0.1,
			MinSize:             0.001,
			MaxSize:             1,
			VenueMinOrderAmount: 0.0001,
			QuoteCurrency:       "USDT",
		},
		reg,
	)
	keys := keymanager.NewManager(keymanager.NewMemoryStore(), &keymanager.Config{
		DefaultExpiryDays:  90,
		RotationGraceHours: 24,
	}, nil)

	return NewService(runtime, ingestor, dispatch, keys), mock
}

func TestCreateStrategyLifecycle(t *testing.T) {
	s, _ := testService(t)

	id, err := s.CreateStrategy(CreateStrategyRequest{
		UserID:    "u1",
		Kind:      "breakout_reset",
		Params:    strategy.Params{"lookback_period": 10},
		Venue:     "test",
		Symbol:    "BTC/USDT",
		Timeframe: "1m",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	infos := s.ListStrategies()
	require.Len(t, infos, 1)
	assert.Equal(t, "BTCUSDT", infos[0].Symbol)
	assert.False(t, infos[0].Active)

	require.NoError(t, s.StartStrategy(context.Background(), id))
	assert.True(t, s.ListStrategies()[0].Active)

	require.NoError(t, s.StopStrategy(id))
	assert.False(t, s.ListStrategies()[0].Active)

	position, err := s.StrategyPosition(id)
	require.NoError(t, err)
	assert.True(t, position.Flat())
}

func TestCreateStrategyRejectsBadInput(t *testing.T) {
	s, _ := testService(t)

	_, err := s.CreateStrategy(CreateStrategyRequest{
		Kind: "breakout_reset", Venue: "nowhere", Symbol: "BTCUSDT", Timeframe: "1m",
	})
	assert.Equal(t, exchange.KindInvalidParams, exchange.KindOf(err))

	_, err = s.CreateStrategy(CreateStrategyRequest{
		Kind: "astrology", Venue: "test", Symbol: "BTCUSDT", Timeframe: "1m",
	})
	assert.Equal(t, exchange.KindInvalidParams, exchange.KindOf(err))

	assert.Empty(t, s.ListStrategies(), "failed creates must not leave instances behind")
}

func TestStartUnknownStrategy(t *testing.T) {
	s, _ := testService(t)

	err := s.StartStrategy(context.Background(), "missing")
	assert.Equal(t, exchange.KindNotFound, exchange.KindOf(err))
	assert.Equal(t, exchange.KindNotFound, exchange.KindOf(s.StopStrategy("missing")))
}

func TestPlaceManualOrder(t *testing.T) {
	s, mock := testService(t)

	status, err := s.PlaceManualOrder(context.Background(), model.OrderRequest{
		Venue:  "test",
		Symbol: "BTCUSDT",
		Type:   model.OrderTypeMarket,
		Side:   model.OrderSideBuy,
		Amount: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStateFilled, status.State)
	assert.Equal(t, 1, mock.PlaceCalls())

	_, err = s.PlaceManualOrder(context.Background(), model.OrderRequest{
		Venue: "test", Symbol: "BTCUSDT", Side: model.OrderSideBuy, Amount: 0.00001,
	})
	assert.Equal(t, exchange.KindRiskReject, exchange.KindOf(err))
}

func TestKeyAdministration(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()
	admin := keymanager.RequestContext{Actor: "ops", Admin: true}

	key, err := s.CreateKey(ctx, keymanager.CreateParams{UserID: "u1", Venue: "test"}, admin)
	require.NoError(t, err)
	assert.Equal(t, model.KeyStatusActive, key.Status)

	successor, err := s.RotateKey(ctx, key.KeyID, 0, admin)
	require.NoError(t, err)
	assert.NotEqual(t, key.KeyID, successor.KeyID)

	require.NoError(t, s.RevokeKey(ctx, successor.KeyID, admin))

	got, err := s.GetKey(ctx, successor.KeyID, admin)
	require.NoError(t, err)
	assert.Equal(t, model.KeyStatusRevoked, got.Status)

	err = s.RevokeKey(ctx, "missing", admin)
	assert.Equal(t, exchange.KindNotFound, exchange.KindOf(err))

	pending, err := s.CreateKey(ctx, keymanager.CreateParams{UserID: "u2", Venue: "test", RequireApproval: true}, admin)
	require.NoError(t, err)
	assert.Equal(t, model.KeyStatusPending, pending.Status)

	require.NoError(t, s.ApproveKey(ctx, pending.KeyID, admin))
	require.NoError(t, s.MarkKeyCompromised(ctx, pending.KeyID, "leaked in a paste", admin))

	got, err = s.GetKey(ctx, pending.KeyID, admin)
	require.NoError(t, err)
	assert.Equal(t, model.KeyStatusCompromised, got.Status)
}
