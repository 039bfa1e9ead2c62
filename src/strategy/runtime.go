package strategy

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	logger "github.com/sirupsen/logrus"

	"tradecore/src/exchange"
	"tradecore/src/marketdata"
	"tradecore/src/model"
)

// KlineSource supplies warm-up history for new instances. The reliable
// executor implements it.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]model.Bar, error)
}

// Instance is one running strategy bound to a (venue, symbol, timeframe).
// The runtime owns its bar buffer and position; the strategy sees both
// read-only.
type Instance struct {
	ID        string
	UserID    string
	Venue     string
	Symbol    string
	Timeframe string

	strategy Strategy

	mu       sync.Mutex
	active   bool
	position model.Position
	bars     []model.Bar

	barCh chan model.Bar
}

// InstanceInfo is the control-API view of an instance.
type InstanceInfo struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Kind      string         `json:"kind"`
	Venue     string         `json:"venue"`
	Symbol    string         `json:"symbol"`
	Timeframe string         `json:"timeframe"`
	Active    bool           `json:"active"`
	Position  model.Position `json:"position"`
}

type runtimeMetrics struct {
	barsProcessed   *prometheus.CounterVec
	signalsEmitted  *prometheus.CounterVec
	panicsSwallowed *prometheus.CounterVec
	signalsDropped  prometheus.Counter
}

func newRuntimeMetrics(reg prometheus.Registerer) *runtimeMetrics {
	m := &runtimeMetrics{
		barsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_bars_processed_total",
			Help: "Closed bars evaluated per strategy instance.",
		}, []string{"strategy_id"}),
		signalsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_signals_total",
			Help: "Signals emitted per strategy instance and kind.",
		}, []string{"strategy_id", "kind"}),
		panicsSwallowed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strategy_panics_total",
			Help: "Strategy panics recovered by the runtime.",
		}, []string{"strategy_id"}),
		signalsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strategy_signals_dropped_total",
			Help: "Signals dropped because the dispatcher queue was full.",
		}),
	}
	reg.MustRegister(m.barsProcessed, m.signalsEmitted, m.panicsSwallowed, m.signalsDropped)
	return m
}

// Runtime hosts strategy instances, feeds them closed bars in stream order
// and forwards their signals to the dispatcher over a bounded channel. A
// panicking strategy is logged and skipped; it never takes the others down.
type Runtime struct {
	klines  map[string]KlineSource
	metrics *runtimeMetrics
	log     *logger.Entry

	signals chan model.Signal

	mu        sync.Mutex
	instances map[string]*Instance
	runCtx    context.Context
	finished  bool
	wg        sync.WaitGroup
}

func NewRuntime(klines map[string]KlineSource, reg prometheus.Registerer) *Runtime {
	return &Runtime{
		klines:    klines,
		metrics:   newRuntimeMetrics(reg),
		log:       logger.WithField("component", "strategy_runtime"),
		signals:   make(chan model.Signal, 128),
		instances: make(map[string]*Instance),
	}
}

// Signals is the dispatcher's inbound queue.
func (r *Runtime) Signals() <-chan model.Signal {
	return r.signals
}

// Add registers a stopped instance and returns its id.
func (r *Runtime) Add(userID, kind string, params Params, venue, symbol, timeframe string) (string, error) {
	strat, err := New(kind, params)
	if err != nil {
		return "", err
	}
	if venue == "" || symbol == "" {
		return "", exchange.E(exchange.KindInvalidParams, "runtime.Add", "venue and symbol are required")
	}

	inst := &Instance{
		ID:        uuid.NewString(),
		UserID:    userID,
		Venue:     venue,
		Symbol:    exchange.NormalizeSymbol(symbol),
		Timeframe: exchange.NormalizeTimeframe(timeframe),
		strategy:  strat,
		barCh:     make(chan model.Bar, 16),
	}

	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return "", exchange.E(exchange.KindBadState, "runtime.Add", "runtime has shut down")
	}
	r.instances[inst.ID] = inst
	if r.runCtx != nil {
		// started under the lock so the worker cannot slip past a
		// concurrent shutdown
		r.startWorker(r.runCtx, inst)
	}
	r.mu.Unlock()

	r.log.WithFields(logger.Fields{
		"strategy_id": inst.ID,
		"kind":        kind,
		"venue":       venue,
		"symbol":      inst.Symbol,
	}).Info("strategy instance added")
	return inst.ID, nil
}

func (r *Runtime) instance(id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, exchange.E(exchange.KindNotFound, "runtime", "strategy %s not found", id)
	}
	return inst, nil
}

// Start warms the buffer from venue history and activates the instance.
func (r *Runtime) Start(ctx context.Context, id string) error {
	inst, err := r.instance(id)
	if err != nil {
		return err
	}

	var warmup []model.Bar
	if source, ok := r.klines[inst.Venue]; ok {
		warmup, err = source.GetKlines(ctx, inst.Symbol, inst.Timeframe, 2*inst.strategy.Lookback())
		if err != nil {
			r.log.WithError(err).WithField("strategy_id", id).Warn("warm-up fetch failed, starting cold")
			warmup = nil
		}
	}

	inst.mu.Lock()
	if len(inst.bars) == 0 && len(warmup) > 0 {
		inst.bars = warmup
	}
	inst.active = true
	inst.mu.Unlock()

	r.log.WithFields(logger.Fields{"strategy_id": id, "warmup_bars": len(warmup)}).Info("strategy started")
	return nil
}

// Stop deactivates the instance. Its position is kept.
func (r *Runtime) Stop(id string) error {
	inst, err := r.instance(id)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	inst.active = false
	inst.mu.Unlock()

	r.log.WithField("strategy_id", id).Info("strategy stopped")
	return nil
}

// Position returns the instance's current position.
func (r *Runtime) Position(id string) (model.Position, error) {
	inst, err := r.instance(id)
	if err != nil {
		return model.Position{}, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.position, nil
}

// List snapshots every instance for the control API.
func (r *Runtime) List() []InstanceInfo {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	infos := make([]InstanceInfo, 0, len(instances))
	for _, inst := range instances {
		inst.mu.Lock()
		infos = append(infos, InstanceInfo{
			ID:        inst.ID,
			UserID:    inst.UserID,
			Kind:      inst.strategy.Kind(),
			Venue:     inst.Venue,
			Symbol:    inst.Symbol,
			Timeframe: inst.Timeframe,
			Active:    inst.active,
			Position:  inst.position,
		})
		inst.mu.Unlock()
	}
	return infos
}

// ApplyFill reconciles a confirmed fill into the instance's position. The
// dispatcher calls this once per terminal order outcome.
func (r *Runtime) ApplyFill(id, side string, amount, price float64) error {
	inst, err := r.instance(id)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	inst.position.ApplyFill(side, amount, price)
	position := inst.position
	inst.mu.Unlock()

	r.log.WithFields(logger.Fields{
		"strategy_id": id,
		"side":        side,
		"amount":      amount,
		"price":       price,
		"size":        position.Size,
		"avg_entry":   position.AvgEntryPrice,
	}).Info("fill reconciled")
	return nil
}

// Run consumes ingestor events until ctx ends, then closes the signal
// channel once every instance worker has drained.
func (r *Runtime) Run(ctx context.Context, events <-chan marketdata.Event) {
	r.mu.Lock()
	r.runCtx = ctx
	for _, inst := range r.instances {
		r.startWorker(ctx, inst)
	}
	r.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			r.finish()
			return
		case event, ok := <-events:
			if !ok {
				r.finish()
				return
			}
			r.route(event)
		}
	}
}

func (r *Runtime) finish() {
	r.mu.Lock()
	r.finished = true
	for _, inst := range r.instances {
		close(inst.barCh)
	}
	r.instancesClosed()
	r.mu.Unlock()

	r.wg.Wait()
	close(r.signals)
}

// instancesClosed marks bar channels closed so route stops sending.
func (r *Runtime) instancesClosed() {
	for _, inst := range r.instances {
		inst.mu.Lock()
		inst.active = false
		inst.mu.Unlock()
	}
}

func (r *Runtime) route(event marketdata.Event) {
	if event.Kind != marketdata.EventBar || !event.Bar.Closed {
		return
	}

	r.mu.Lock()
	targets := make([]*Instance, 0, 2)
	for _, inst := range r.instances {
		if inst.Venue == event.Venue && inst.Symbol == event.Symbol && inst.Timeframe == event.Timeframe {
			targets = append(targets, inst)
		}
	}
	r.mu.Unlock()

	for _, inst := range targets {
		select {
		case inst.barCh <- event.Bar:
			continue
		default:
		}
		// full worker queue: drop the oldest bar to keep up
		select {
		case <-inst.barCh:
		default:
		}
		select {
		case inst.barCh <- event.Bar:
		default:
		}
	}
}

func (r *Runtime) startWorker(ctx context.Context, inst *Instance) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for bar := range inst.barCh {
			if ctx.Err() != nil {
				return
			}
			r.onBar(inst, bar)
		}
	}()
}

func (r *Runtime) onBar(inst *Instance, bar model.Bar) {
	inst.mu.Lock()

	if !inst.active {
		inst.mu.Unlock()
		return
	}

	// same-timestamp closed bars replace the prior sample
	if n := len(inst.bars); n > 0 && inst.bars[n-1].TsMs == bar.TsMs {
		inst.bars[n-1] = bar
	} else {
		inst.bars = append(inst.bars, bar)
	}
	if max := 2 * inst.strategy.Lookback(); len(inst.bars) > max {
		inst.bars = inst.bars[len(inst.bars)-max:]
	}

	r.metrics.barsProcessed.WithLabelValues(inst.ID).Inc()

	if len(inst.bars) < inst.strategy.Lookback() {
		inst.mu.Unlock()
		return
	}

	signal := r.safeOnBar(inst)
	lookback := inst.strategy.Lookback()
	sigma := stddev(lastN(closes(inst.bars), lookback))
	trueRange := atr(inst.bars, lookback)
	inst.mu.Unlock()

	if signal.Kind == model.SignalNone || signal.Kind == "" {
		return
	}

	signal.StrategyID = inst.ID
	signal.Venue = inst.Venue
	signal.Symbol = inst.Symbol
	signal.TsMs = bar.TsMs
	signal.ATR = trueRange
	signal.Sigma = sigma
	r.metrics.signalsEmitted.WithLabelValues(inst.ID, signal.Kind).Inc()

	select {
	case r.signals <- signal:
	default:
		r.metrics.signalsDropped.Inc()
		r.log.WithField("strategy_id", inst.ID).Warn("dispatcher queue full, signal dropped")
	}
}

// safeOnBar shields the runtime from a panicking strategy. Caller holds
// inst.mu.
func (r *Runtime) safeOnBar(inst *Instance) (signal model.Signal) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.panicsSwallowed.WithLabelValues(inst.ID).Inc()
			r.log.WithFields(logger.Fields{
				"strategy_id": inst.ID,
				"panic":       rec,
			}).Error("strategy panicked on bar, skipping")
			signal = model.NoSignal()
		}
	}()
	return inst.strategy.OnBar(inst.bars, inst.position)
}
