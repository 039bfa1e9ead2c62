package executor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	logger "github.com/sirupsen/logrus"

	"tradecore/src/exchange"
	"tradecore/src/model"
)

// Reliable wraps an exchange adapter with retry, a circuit breaker,
// client-id idempotency and post-submit verification. Everything above this
// layer may assume at-most-once order semantics.
type Reliable struct {
	adapter exchange.Adapter
	config  *Config
	breaker *Breaker
	metrics *Metrics
	dedup   *dedupCache
	log     *logger.Entry

	// sleep is ctx-aware and injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewReliable(adapter exchange.Adapter, config *Config, reg prometheus.Registerer) *Reliable {
	if config == nil {
		config = GetConfig()
	}

	r := &Reliable{
		adapter: adapter,
		config:  config,
		breaker: NewBreaker(config),
		metrics: NewMetrics(adapter.Venue(), reg),
		dedup:   newDedupCache(config.DedupTTL),
		log:     logger.WithField("venue", adapter.Venue()),
		sleep:   sleepCtx,
	}
	r.breaker.onStateChange = func(state string) {
		r.log.WithField("state", state).Warn("circuit state changed")
		r.metrics.observeState(state)
	}
	return r
}

// Breaker exposes the circuit for tests and status reporting.
func (r *Reliable) Breaker() *Breaker { return r.breaker }

func (r *Reliable) Venue() string { return r.adapter.Venue() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// breakerFailure reports whether an error counts against the venue's health.
// Cancellation is the caller's doing, and Permanent/AuthFailed mean the venue
// answered; only unreachability and throttling feed the window.
func breakerFailure(err error) bool {
	switch exchange.KindOf(err) {
	case exchange.KindTransient, exchange.KindRateLimited, exchange.KindUnknown:
		return true
	}
	return false
}

// call runs fn under the breaker with the retry policy. attempted reports
// whether the adapter was invoked at least once.
func (r *Reliable) call(ctx context.Context, op string, fn func(context.Context) error) (attempted bool, err error) {
	for attempt := 0; ; attempt++ {
		if allowErr := r.breaker.Allow(op); allowErr != nil {
			r.metrics.failures.WithLabelValues(op, string(exchange.KindCircuitOpen)).Inc()
			return attempted, allowErr
		}

		r.metrics.attempts.WithLabelValues(op).Inc()
		attempted = true

		start := time.Now()
		err = fn(ctx)
		r.metrics.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())

		if exchange.KindOf(err) != exchange.KindCancelled {
			r.breaker.Record(err == nil || !breakerFailure(err))
			r.metrics.errorRate.Set(r.breaker.ErrorRate())
		}

		if err == nil {
			r.metrics.successes.WithLabelValues(op).Inc()
			return attempted, nil
		}

		kind := exchange.KindOf(err)
		r.metrics.failures.WithLabelValues(op, string(kind)).Inc()

		if !exchange.Retryable(err) || attempt >= r.config.MaxRetries {
			return attempted, err
		}

		delay := r.config.BaseDelay * time.Duration(attempt+1)
		if hint := exchange.RetryAfterHint(err); hint > delay {
			delay = hint
		}

		r.log.WithError(err).WithFields(logger.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"delay":   delay,
		}).Warn("retrying adapter call")

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return attempted, exchange.Wrap(exchange.KindCancelled, op, sleepErr)
		}
	}
}

func (r *Reliable) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	var out model.Ticker
	_, err := r.call(ctx, "get_ticker", func(ctx context.Context) error {
		var innerErr error
		out, innerErr = r.adapter.GetTicker(ctx, symbol)
		return innerErr
	})
	return out, err
}

func (r *Reliable) GetBalance(ctx context.Context, currency string) ([]model.Balance, error) {
	var out []model.Balance
	_, err := r.call(ctx, "get_balance", func(ctx context.Context) error {
		var innerErr error
		out, innerErr = r.adapter.GetBalance(ctx, currency)
		return innerErr
	})
	return out, err
}

func (r *Reliable) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderStatus, error) {
	var out []model.OrderStatus
	_, err := r.call(ctx, "get_open_orders", func(ctx context.Context) error {
		var innerErr error
		out, innerErr = r.adapter.GetOpenOrders(ctx, symbol)
		return innerErr
	})
	return out, err
}

func (r *Reliable) GetOrderStatus(ctx context.Context, exchangeOrderID, symbol string) (model.OrderStatus, error) {
	var out model.OrderStatus
	_, err := r.call(ctx, "get_order_status", func(ctx context.Context) error {
		var innerErr error
		out, innerErr = r.adapter.GetOrderStatus(ctx, exchangeOrderID, symbol)
		return innerErr
	})
	return out, err
}

func (r *Reliable) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	_, err := r.call(ctx, "cancel_order", func(ctx context.Context) error {
		return r.adapter.CancelOrder(ctx, exchangeOrderID, symbol)
	})
	return err
}

func (r *Reliable) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]model.Bar, error) {
	var out []model.Bar
	_, err := r.call(ctx, "get_klines", func(ctx context.Context) error {
		var innerErr error
		out, innerErr = r.adapter.GetKlines(ctx, symbol, timeframe, limit)
		return innerErr
	})
	return out, err
}

// SubscribeKlines is a passthrough; stream reliability (reconnect, dedup,
// fan-out) lives in the market-data ingestor.
func (r *Reliable) SubscribeKlines(ctx context.Context, symbol, timeframe string) (<-chan model.Bar, error) {
	return r.adapter.SubscribeKlines(ctx, symbol, timeframe)
}

// PlaceOrder submits with idempotency and verification. Duplicate client ids
// within the dedup TTL, concurrent ones included, observe the first
// submission's outcome without a second venue call.
func (r *Reliable) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderStatus, error) {
	const op = "place_order"

	if req.ClientID == "" {
		return model.OrderStatus{}, exchange.E(exchange.KindInvalidParams, op, "client id is required")
	}

	entry, leader := r.dedup.begin(req.ClientID)
	if !leader {
		r.log.WithField("client_id", req.ClientID).Info("duplicate submission, returning prior outcome")
		return r.dedup.await(ctx, entry)
	}

	var status model.OrderStatus
	attempted, err := r.call(ctx, op, func(ctx context.Context) error {
		var innerErr error
		status, innerErr = r.adapter.PlaceOrder(ctx, req)
		return innerErr
	})

	if err != nil {
		if !attempted {
			// Fail-fast before any venue call: the client id is still
			// unused, let a later submission try again.
			r.dedup.abandon(req.ClientID, entry, err)
			return model.OrderStatus{}, err
		}
		r.dedup.settle(req.ClientID, entry, model.OrderStatus{}, err)
		return model.OrderStatus{}, err
	}

	status = r.verify(ctx, req, status)
	r.dedup.settle(req.ClientID, entry, status, nil)

	if status.State == model.OrderStateUnknown {
		r.log.WithFields(logger.Fields{
			"client_id":         req.ClientID,
			"exchange_order_id": status.ExchangeOrderID,
		}).Error("order outcome unverified, flagging for reconciliation")
	}

	return status, nil
}

// verify re-polls order status until it is terminal or a partial fill
// stabilizes. An outcome that cannot be confirmed degrades to unknown so the
// dispatcher quarantines it instead of applying a fill.
func (r *Reliable) verify(ctx context.Context, req model.OrderRequest, status model.OrderStatus) model.OrderStatus {
	if status.Terminal() {
		return status
	}
	if status.ExchangeOrderID == "" {
		status.State = model.OrderStateUnknown
		return status
	}

	lastFilled := status.FilledAmount
	sawPartial := status.State == model.OrderStatePartiallyFilled

	for poll := 0; poll < r.config.VerifyPolls; poll++ {
		if err := r.sleep(ctx, r.config.VerifyInterval); err != nil {
			status.State = model.OrderStateUnknown
			return status
		}

		polled, err := r.GetOrderStatus(ctx, status.ExchangeOrderID, req.Symbol)
		if err != nil {
			r.log.WithError(err).WithField("exchange_order_id", status.ExchangeOrderID).
				Warn("verification poll failed")
			continue
		}

		status = polled
		if status.Terminal() {
			return status
		}
		if status.State == model.OrderStatePartiallyFilled {
			if sawPartial && status.FilledAmount == lastFilled {
				// stable partial fill
				return status
			}
			sawPartial = true
			lastFilled = status.FilledAmount
		}
	}

	if status.State == model.OrderStatePending || status.State == model.OrderStateUnknown {
		status.State = model.OrderStateUnknown
	}
	return status
}
