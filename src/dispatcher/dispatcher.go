package dispatcher

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	logger "github.com/sirupsen/logrus"

	"tradecore/src/exchange"
	"tradecore/src/model"
)

// Executor is the slice of the reliable executor the dispatcher uses.
type Executor interface {
	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderStatus, error)
	GetBalance(ctx context.Context, currency string) ([]model.Balance, error)
}

// PositionBook is how confirmed fills flow back to the strategy runtime.
// Strategies are addressed by id, which breaks the strategy to dispatcher
// reference cycle.
type PositionBook interface {
	ApplyFill(strategyID, side string, amount, price float64) error
	Position(strategyID string) (model.Position, error)
}

// Quarantine receives orders whose venue-side outcome stayed unknown.
type Quarantine interface {
	Add(ctx context.Context, order *model.QuarantinedOrder) error
}

type dispatcherMetrics struct {
	signals  *prometheus.CounterVec
	inFlight prometheus.Gauge
}

func newDispatcherMetrics(reg prometheus.Registerer) *dispatcherMetrics {
	m := &dispatcherMetrics{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_signals_total",
			Help: "Signals processed by outcome.",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_inflight_orders",
			Help: "Order submissions currently in flight.",
		}),
	}
	reg.MustRegister(m.signals, m.inFlight)
	return m
}

const (
	outcomeSubmitted  = "submitted"
	outcomeInFlight   = "dropped_inflight"
	outcomeRiskReject = "risk_reject"
	outcomeError      = "error"
	outcomeQuarantine = "quarantined"
	outcomeSkipped    = "skipped"
)

// Dispatcher turns strategy signals into sized, risk-checked venue orders
// and reconciles the outcomes back into positions. Per strategy instance at
// most one order is in flight; across strategies submissions run
// concurrently.
type Dispatcher struct {
	executors  map[string]Executor
	book       PositionBook
	quarantine Quarantine
	sizer      *Sizer
	risk       *RiskManager
	config     *Config
	metrics    *dispatcherMetrics
	log        *logger.Entry

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
}

func New(executors map[string]Executor, book PositionBook, quarantine Quarantine, config *Config, reg prometheus.Registerer) *Dispatcher {
	return &Dispatcher{
		executors:  executors,
		book:       book,
		quarantine: quarantine,
		sizer:      NewSizer(config),
		risk:       NewRiskManager(config),
		config:     config,
		metrics:    newDispatcherMetrics(reg),
		log:        logger.WithField("component", "dispatcher"),
		inFlight:   make(map[string]bool),
	}
}

// Run consumes signals until ctx ends or the channel closes, then waits for
// in-flight submissions to reconcile or quarantine.
func (d *Dispatcher) Run(ctx context.Context, signals <-chan model.Signal) {
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case signal, ok := <-signals:
			if !ok {
				d.wg.Wait()
				return
			}
			d.handle(ctx, signal)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, signal model.Signal) {
	log := d.log.WithFields(logger.Fields{
		"strategy_id": signal.StrategyID,
		"kind":        signal.Kind,
		"symbol":      signal.Symbol,
	})

	d.mu.Lock()
	if d.inFlight[signal.StrategyID] {
		d.mu.Unlock()
		d.metrics.signals.WithLabelValues(outcomeInFlight).Inc()
		log.Warn("signal dropped, order already in flight for strategy")
		return
	}
	d.inFlight[signal.StrategyID] = true
	d.mu.Unlock()

	d.metrics.inFlight.Inc()
	d.wg.Add(1)
	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.inFlight, signal.StrategyID)
			d.mu.Unlock()
			d.metrics.inFlight.Dec()
			d.wg.Done()
		}()
		d.submit(ctx, signal, log)
	}()
}

func (d *Dispatcher) submit(ctx context.Context, signal model.Signal, log *logger.Entry) {
	exec, ok := d.executors[signal.Venue]
	if !ok {
		d.metrics.signals.WithLabelValues(outcomeError).Inc()
		log.WithField("venue", signal.Venue).Error("no executor for venue")
		return
	}

	var req model.OrderRequest
	switch signal.Kind {
	case model.SignalEnter:
		amount, err := d.sizeEntry(ctx, exec, signal)
		if err != nil {
			outcome := outcomeError
			if exchange.KindOf(err) == exchange.KindRiskReject {
				outcome = outcomeRiskReject
			}
			d.metrics.signals.WithLabelValues(outcome).Inc()
			log.WithError(err).Warn("entry signal discarded")
			return
		}
		req = d.buildRequest(signal, signal.Side, amount)

	case model.SignalExit:
		position, err := d.book.Position(signal.StrategyID)
		if err != nil {
			d.metrics.signals.WithLabelValues(outcomeError).Inc()
			log.WithError(err).Error("exit signal for unknown strategy")
			return
		}
		if position.Flat() {
			d.metrics.signals.WithLabelValues(outcomeSkipped).Inc()
			log.Info("exit signal with flat position, nothing to close")
			return
		}
		side := model.OrderSideSell
		amount := position.Size
		if position.Size < 0 {
			side = model.OrderSideBuy
			amount = -position.Size
		}
		req = d.buildRequest(signal, side, amount)

	default:
		d.metrics.signals.WithLabelValues(outcomeSkipped).Inc()
		return
	}

	status, err := exec.PlaceOrder(ctx, req)
	if err != nil {
		d.metrics.signals.WithLabelValues(outcomeError).Inc()
		log.WithError(err).WithField("client_id", req.ClientID).Error("order submission failed")
		return
	}

	d.reconcile(ctx, signal, req, status, log)
}

func (d *Dispatcher) buildRequest(signal model.Signal, side string, amount float64) model.OrderRequest {
	return model.OrderRequest{
		ClientID: uuid.NewString(),
		Venue:    signal.Venue,
		Symbol:   signal.Symbol,
		Type:     model.OrderTypeMarket,
		Side:     side,
		Amount:   amount,
		TsMs:     time.Now().UnixMilli(),
	}
}

// sizeEntry resolves balances, applies the sizing rule and the risk gates.
func (d *Dispatcher) sizeEntry(ctx context.Context, exec Executor, signal model.Signal) (float64, error) {
	balances, err := exec.GetBalance(ctx, d.config.QuoteCurrency)
	if err != nil {
		return 0, err
	}

	freeQuote, equity := 0.0, 0.0
	for _, b := range balances {
		if b.Currency == d.config.QuoteCurrency {
			freeQuote = b.Free
			equity = b.Free + b.Locked
		}
	}

	amount, err := d.sizer.Amount(SizingInputs{
		Price:     signal.Price,
		FreeQuote: freeQuote,
		Equity:    equity,
		ATR:       signal.ATR,
		Sigma:     signal.Sigma,
	})
	if err != nil {
		return 0, err
	}
	if signal.SizeHint > 0 && signal.SizeHint < amount {
		amount = signal.SizeHint
	}

	if err := d.risk.Check(equity, amount); err != nil {
		return 0, err
	}
	return amount, nil
}

// reconcile folds the terminal outcome back into the position, or
// quarantines the order when the venue-side state stayed unknown.
func (d *Dispatcher) reconcile(ctx context.Context, signal model.Signal, req model.OrderRequest, status model.OrderStatus, log *logger.Entry) {
	if status.State == model.OrderStateUnknown {
		d.metrics.signals.WithLabelValues(outcomeQuarantine).Inc()
		err := d.quarantine.Add(ctx, &model.QuarantinedOrder{
			ClientID:        req.ClientID,
			StrategyID:      signal.StrategyID,
			Venue:           req.Venue,
			Symbol:          req.Symbol,
			Side:            req.Side,
			Amount:          req.Amount,
			ExchangeOrderID: status.ExchangeOrderID,
			Reason:          "order status unknown after verification",
		})
		if err != nil {
			log.WithError(err).Error("failed to quarantine order")
		}
		return
	}

	if status.FilledAmount > 0 {
		realized := d.realizedPnl(signal.StrategyID, req.Side, status)
		if err := d.book.ApplyFill(signal.StrategyID, req.Side, status.FilledAmount, status.AvgFillPrice); err != nil {
			log.WithError(err).Error("fill reconciliation failed")
		}
		if signal.Kind == model.SignalExit {
			d.risk.RecordOutcome(realized)
		}
	}

	d.metrics.signals.WithLabelValues(outcomeSubmitted).Inc()
	log.WithFields(logger.Fields{
		"client_id": req.ClientID,
		"state":     status.State,
		"filled":    status.FilledAmount,
	}).Info("order reconciled")
}

// realizedPnl estimates the cash result of closing volume against the
// position the fill is about to reduce.
func (d *Dispatcher) realizedPnl(strategyID, side string, status model.OrderStatus) float64 {
	position, err := d.book.Position(strategyID)
	if err != nil || position.Flat() {
		return 0
	}

	closing := status.FilledAmount
	if size := math.Abs(position.Size); closing > size {
		closing = size
	}

	if position.Size > 0 && side == model.OrderSideSell {
		return (status.AvgFillPrice - position.AvgEntryPrice) * closing
	}
	if position.Size < 0 && side == model.OrderSideBuy {
		return (position.AvgEntryPrice - status.AvgFillPrice) * closing
	}
	return 0
}

// Manual submits an operator-initiated order through the same venue
// executors, bypassing sizing but not the venue minimum.
func (d *Dispatcher) Manual(ctx context.Context, req model.OrderRequest) (model.OrderStatus, error) {
	const op = "dispatcher.Manual"

	exec, ok := d.executors[req.Venue]
	if !ok {
		return model.OrderStatus{}, exchange.E(exchange.KindInvalidParams, op, "no executor for venue %s", req.Venue)
	}
	if req.Amount < d.config.VenueMinOrderAmount {
		return model.OrderStatus{}, reject("amount %v below venue minimum %v", req.Amount, d.config.VenueMinOrderAmount)
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	if req.TsMs == 0 {
		req.TsMs = time.Now().UnixMilli()
	}

	return exec.PlaceOrder(ctx, req)
}
