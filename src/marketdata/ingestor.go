package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	logger "github.com/sirupsen/logrus"

	"tradecore/src/exchange"
	"tradecore/src/model"
)

// stream is one (venue, symbol, timeframe) subscription. Dedup state lives
// here so it survives reconnects.
type stream struct {
	venue     string
	symbol    string
	timeframe string

	lastTs       int64
	lastClosedTs int64
}

func (s *stream) key() string {
	return s.venue + ":" + s.symbol + ":" + s.timeframe
}

// Ingestor owns the venue kline subscriptions and fans normalized bars out
// to strategy subscribers. A dropped socket is resubscribed with jittered
// exponential backoff; per-stream ordering and closed-bar dedup hold across
// reconnects.
type Ingestor struct {
	adapters map[string]exchange.Adapter
	config   *Config
	hub      *hub
	metrics  *Metrics
	log      *logger.Entry

	mu      sync.Mutex
	streams []*stream
	started bool

	// staleOverride replaces the timeframe-derived stale timeout in tests.
	staleOverride time.Duration
}

func NewIngestor(adapters map[string]exchange.Adapter, config *Config, reg prometheus.Registerer) *Ingestor {
	metrics := NewMetrics(reg)
	return &Ingestor{
		adapters: adapters,
		config:   config,
		hub:      newHub(config.SubscriberBuffer, metrics),
		metrics:  metrics,
		log:      logger.WithField("component", "ingestor"),
	}
}

// AddStream registers a (venue, symbol, timeframe) subscription. New streams
// must be registered before Run; re-adding a known stream is a no-op at any
// time.
func (i *Ingestor) AddStream(venue, symbol, timeframe string) error {
	if _, ok := i.adapters[venue]; !ok {
		return exchange.E(exchange.KindInvalidParams, "ingestor.AddStream", "no adapter for venue "+venue)
	}
	timeframe = exchange.NormalizeTimeframe(timeframe)

	i.mu.Lock()
	defer i.mu.Unlock()

	key := venue + ":" + symbol + ":" + timeframe
	for _, existing := range i.streams {
		if existing.key() == key {
			return nil
		}
	}
	if i.started {
		return exchange.E(exchange.KindBadState, "ingestor.AddStream", "ingestor already running")
	}
	i.streams = append(i.streams, &stream{venue: venue, symbol: symbol, timeframe: timeframe})
	return nil
}

// Subscribe returns a bounded event channel and its cancel function. The
// channel closes on cancel or when Run returns.
func (i *Ingestor) Subscribe(name string) (<-chan Event, func()) {
	return i.hub.subscribe(name)
}

// Run blocks until ctx is cancelled, then closes all subscriber channels.
func (i *Ingestor) Run(ctx context.Context) {
	i.mu.Lock()
	i.started = true
	streams := append([]*stream(nil), i.streams...)
	i.mu.Unlock()

	var wg sync.WaitGroup
	for _, st := range streams {
		wg.Add(1)
		go func(st *stream) {
			defer wg.Done()
			i.runStream(ctx, st)
		}(st)
	}
	wg.Wait()
	i.hub.close()
}

func (i *Ingestor) runStream(ctx context.Context, st *stream) {
	log := i.log.WithField("stream", st.key())

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = i.config.ReconnectBaseDelay
	policy.MaxInterval = i.config.ReconnectMaxDelay
	policy.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		adapter := i.adapters[st.venue]
		bars, err := adapter.SubscribeKlines(ctx, st.symbol, st.timeframe)
		if err != nil {
			i.metrics.Reconnects.WithLabelValues(st.key()).Inc()
			wait := policy.NextBackOff()
			log.WithError(err).WithField("retry_in", wait).Warn("subscribe failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		if i.consume(ctx, st, bars, log) {
			// at least one bar arrived on this connection
			policy.Reset()
		}
		if ctx.Err() != nil {
			return
		}

		i.metrics.Reconnects.WithLabelValues(st.key()).Inc()
		wait := policy.NextBackOff()
		log.WithField("retry_in", wait).Info("stream dropped, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// consume drains one connection until it drops or ctx ends. Returns whether
// any bar was accepted, so the caller can reset its backoff.
func (i *Ingestor) consume(ctx context.Context, st *stream, bars <-chan model.Bar, log *logger.Entry) bool {
	staleAfter := time.Duration(i.config.StaleMultiple) * exchange.TimeframeDuration(st.timeframe)
	if i.staleOverride > 0 {
		staleAfter = i.staleOverride
	}

	stale := time.NewTimer(staleAfter)
	defer stale.Stop()

	accepted := false
	for {
		select {
		case <-ctx.Done():
			return accepted

		case bar, ok := <-bars:
			if !ok {
				return accepted
			}
			if i.accept(st, bar) {
				accepted = true
			}
			if !stale.Stop() {
				select {
				case <-stale.C:
				default:
				}
			}
			stale.Reset(staleAfter)

		case <-stale.C:
			i.metrics.Heartbeats.WithLabelValues(st.key()).Inc()
			log.WithField("stale_after", staleAfter).Warn("no bars within stale timeout")
			i.hub.publish(Event{
				Kind:      EventHeartbeat,
				Venue:     st.venue,
				Symbol:    st.symbol,
				Timeframe: st.timeframe,
				TsMs:      time.Now().UnixMilli(),
			})
			stale.Reset(staleAfter)
		}
	}
}

// accept enforces per-stream ordering and closed-bar dedup, then publishes.
func (i *Ingestor) accept(st *stream, bar model.Bar) bool {
	if bar.TsMs < st.lastTs {
		return false
	}
	if bar.Closed {
		if bar.TsMs <= st.lastClosedTs {
			return false
		}
		st.lastClosedTs = bar.TsMs
		i.metrics.ClosedBars.WithLabelValues(st.key()).Inc()
	}
	st.lastTs = bar.TsMs

	bar.Venue = st.venue
	bar.Symbol = st.symbol
	bar.Timeframe = st.timeframe

	i.metrics.BarsIngested.WithLabelValues(st.key()).Inc()
	i.metrics.LastBarTs.WithLabelValues(st.key()).Set(float64(bar.TsMs))

	i.hub.publish(Event{
		Kind:      EventBar,
		Venue:     st.venue,
		Symbol:    st.symbol,
		Timeframe: st.timeframe,
		Bar:       bar,
		TsMs:      bar.TsMs,
	})
	return true
}
