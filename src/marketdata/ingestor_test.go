package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/src/exchange"
	"tradecore/src/model"
)

func testIngestorConfig() *Config {
	return &Config{
		SubscriberBuffer:   16,
		StaleMultiple:      3,
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  5 * time.Millisecond,
	}
}

func closedBar(ts int64, close float64) model.Bar {
	return model.Bar{Symbol: "BTCUSDT", Timeframe: "1m", TsMs: ts, Open: close, High: close, Low: close, Close: close, Closed: true}
}

// feedUntil feeds bar repeatedly until an event lands on events or the
// deadline passes. Dedup makes repeated feeds of the same closed bar safe.
func feedUntil(t *testing.T, mock *exchange.Mock, bar model.Bar, events <-chan Event) Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		mock.FeedBar(bar)
		select {
		case event := <-events:
			return event
		case <-deadline:
			t.Fatalf("no event for bar ts=%d", bar.TsMs)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func startIngestor(t *testing.T, mock *exchange.Mock) (*Ingestor, <-chan Event, context.CancelFunc) {
	t.Helper()

	ing := NewIngestor(map[string]exchange.Adapter{"test": mock}, testIngestorConfig(), prometheus.NewRegistry())
	require.NoError(t, ing.AddStream("test", "BTCUSDT", "1m"))

	events, _ := ing.Subscribe("s1")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		ing.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return ing, events, cancel
}

func TestIngestorDedupAndOrdering(t *testing.T) {
	mock := exchange.NewMock("test")
	_, events, _ := startIngestor(t, mock)

	first := feedUntil(t, mock, closedBar(60_000, 100), events)
	assert.Equal(t, EventBar, first.Kind)
	assert.Equal(t, int64(60_000), first.TsMs)
	assert.True(t, first.Bar.Closed)

	// a repeat of the same closed bar and an out-of-order bar are both
	// suppressed; the next newer bar is what arrives
	mock.FeedBar(closedBar(60_000, 100))
	mock.FeedBar(closedBar(30_000, 90))

	second := feedUntil(t, mock, closedBar(120_000, 101), events)
	assert.Equal(t, int64(120_000), second.TsMs)
	assert.Equal(t, 101.0, second.Bar.Close)
}

func TestIngestorOpenBarUpdatesFlow(t *testing.T) {
	mock := exchange.NewMock("test")
	_, events, _ := startIngestor(t, mock)

	update := model.Bar{Symbol: "BTCUSDT", Timeframe: "1m", TsMs: 60_000, Close: 100}
	got := feedUntil(t, mock, update, events)
	assert.False(t, got.Bar.Closed)

	// same-timestamp updates keep flowing until the bar closes; drain any
	// queued duplicates from the feed loop first
	update.Close = 100.5
	mock.FeedBar(update)
	deadline := time.After(time.Second)
	for {
		select {
		case event := <-events:
			if event.Bar.Close == 100.5 {
				return
			}
		case <-deadline:
			t.Fatal("expected same-timestamp update to be delivered")
		}
	}
}

func TestIngestorReconnectKeepsDedupState(t *testing.T) {
	mock := exchange.NewMock("test")
	ing, events, _ := startIngestor(t, mock)

	first := feedUntil(t, mock, closedBar(60_000, 100), events)
	require.Equal(t, int64(60_000), first.TsMs)

	mock.DropStreams("BTCUSDT", "1m")

	// after resubscribing, a replay of the already-emitted closed bar must
	// not surface again
	second := feedUntil(t, mock, closedBar(120_000, 101), events)
	assert.Equal(t, int64(120_000), second.TsMs)

	mock.FeedBar(closedBar(60_000, 100))
	select {
	case event := <-events:
		t.Fatalf("replayed closed bar surfaced after reconnect: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}

	reconnects := testutil.ToFloat64(ing.metrics.Reconnects.WithLabelValues("test:BTCUSDT:1m"))
	assert.GreaterOrEqual(t, reconnects, 1.0)
}

func TestIngestorHeartbeatOnQuietStream(t *testing.T) {
	mock := exchange.NewMock("test")

	ing := NewIngestor(map[string]exchange.Adapter{"test": mock}, testIngestorConfig(), prometheus.NewRegistry())
	ing.staleOverride = 20 * time.Millisecond
	require.NoError(t, ing.AddStream("test", "BTCUSDT", "1m"))

	events, _ := ing.Subscribe("s1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ing.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Kind == EventHeartbeat {
				assert.Equal(t, "BTCUSDT", event.Symbol)
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat for quiet stream")
		}
	}
}

func TestHubDropsOldestForSlowSubscriber(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	h := newHub(2, metrics)

	events, cancel := h.subscribe("slow")
	defer cancel()

	h.publish(Event{Kind: EventBar, TsMs: 1})
	h.publish(Event{Kind: EventBar, TsMs: 2})
	h.publish(Event{Kind: EventBar, TsMs: 3})

	first := <-events
	second := <-events
	assert.Equal(t, int64(2), first.TsMs, "oldest event should have been dropped")
	assert.Equal(t, int64(3), second.TsMs)

	dropped := testutil.ToFloat64(metrics.DroppedEvents.WithLabelValues("slow"))
	assert.Equal(t, 1.0, dropped)
}

func TestAddStreamValidation(t *testing.T) {
	mock := exchange.NewMock("test")
	ing := NewIngestor(map[string]exchange.Adapter{"test": mock}, testIngestorConfig(), prometheus.NewRegistry())

	err := ing.AddStream("unknown", "BTCUSDT", "1m")
	assert.Equal(t, exchange.KindInvalidParams, exchange.KindOf(err))
}
