package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradecore/src/model"
)

// Mock is a deterministic in-memory Adapter for tests. Failures, latency and
// fill behavior are injectable so executor and dispatcher scenarios are
// reproducible.
type Mock struct {
	mu sync.Mutex

	venue    string
	latency  time.Duration
	tickers  map[string]model.Ticker
	balances []model.Balance

	orders      map[string]model.OrderStatus
	statusQueue map[string][]model.OrderStatus
	nextOrderID int

	// FillHandler, when set, decides the status PlaceOrder returns.
	FillHandler func(req model.OrderRequest) model.OrderStatus

	forcedErrs []error

	placeCalls  int
	statusCalls int
	cancelCalls int
	tickerCalls int

	subs map[string][]chan model.Bar
}

func NewMock(venue string) *Mock {
	if venue == "" {
		venue = "mock"
	}
	return &Mock{
		venue:       venue,
		tickers:     make(map[string]model.Ticker),
		orders:      make(map[string]model.OrderStatus),
		statusQueue: make(map[string][]model.OrderStatus),
		subs:        make(map[string][]chan model.Bar),
	}
}

func (m *Mock) Venue() string { return m.venue }

// ForceError queues err to be returned by the next n adapter calls.
func (m *Mock) ForceError(err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.forcedErrs = append(m.forcedErrs, err)
	}
}

// RateLimit queues n rate-limit failures carrying retryAfter.
func (m *Mock) RateLimit(retryAfter time.Duration, n int) {
	m.ForceError(RateLimitedError("mock", retryAfter, fmt.Errorf("rate limited")), n)
}

func (m *Mock) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

func (m *Mock) SetTicker(symbol string, t model.Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Symbol = NormalizeSymbol(symbol)
	m.tickers[t.Symbol] = t
}

func (m *Mock) SetBalances(balances ...model.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = balances
}

// ScriptStatuses queues the statuses GetOrderStatus will return for one
// exchange order id, in order. The last entry repeats once drained.
func (m *Mock) ScriptStatuses(exchangeOrderID string, statuses ...model.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusQueue[exchangeOrderID] = append(m.statusQueue[exchangeOrderID], statuses...)
}

func (m *Mock) PlaceCalls() int  { m.mu.Lock(); defer m.mu.Unlock(); return m.placeCalls }
func (m *Mock) StatusCalls() int { m.mu.Lock(); defer m.mu.Unlock(); return m.statusCalls }
func (m *Mock) CancelCalls() int { m.mu.Lock(); defer m.mu.Unlock(); return m.cancelCalls }

// begin applies latency, cancellation and any forced error. It must be
// called without the lock held.
func (m *Mock) begin(ctx context.Context, op string) error {
	m.mu.Lock()
	latency := m.latency
	var forced error
	if len(m.forcedErrs) > 0 {
		forced = m.forcedErrs[0]
		m.forcedErrs = m.forcedErrs[1:]
	}
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return Wrap(KindCancelled, op, ctx.Err())
		case <-time.After(latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return Wrap(KindCancelled, op, err)
	}
	return forced
}

func (m *Mock) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	if err := m.begin(ctx, "mock.GetTicker"); err != nil {
		return model.Ticker{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickerCalls++

	t, ok := m.tickers[NormalizeSymbol(symbol)]
	if !ok {
		return model.Ticker{}, E(KindNotFound, "mock.GetTicker", "no ticker for %s", symbol)
	}
	return t, nil
}

func (m *Mock) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderStatus, error) {
	if err := m.begin(ctx, "mock.PlaceOrder"); err != nil {
		return model.OrderStatus{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeCalls++

	if req.Amount <= 0 {
		return model.OrderStatus{}, E(KindPermanent, "mock.PlaceOrder", "amount must be positive")
	}

	m.nextOrderID++
	id := fmt.Sprintf("mock-%d", m.nextOrderID)

	var status model.OrderStatus
	if m.FillHandler != nil {
		status = m.FillHandler(req)
	} else {
		price := 0.0
		if req.Price != nil {
			price = *req.Price
		} else if t, ok := m.tickers[NormalizeSymbol(req.Symbol)]; ok {
			price = t.Last
		}
		status = model.OrderStatus{
			State:        model.OrderStateFilled,
			FilledAmount: req.Amount,
			AvgFillPrice: price,
		}
	}
	status.ExchangeOrderID = id
	m.orders[id] = status

	return status, nil
}

func (m *Mock) CancelOrder(ctx context.Context, exchangeOrderID, _ string) error {
	if err := m.begin(ctx, "mock.CancelOrder"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++

	status, ok := m.orders[exchangeOrderID]
	if !ok {
		return E(KindNotFound, "mock.CancelOrder", "order %s not found", exchangeOrderID)
	}
	if status.Terminal() {
		return E(KindBadState, "mock.CancelOrder", "order %s already %s", exchangeOrderID, status.State)
	}
	status.State = model.OrderStateCanceled
	m.orders[exchangeOrderID] = status
	return nil
}

func (m *Mock) GetOrderStatus(ctx context.Context, exchangeOrderID, _ string) (model.OrderStatus, error) {
	if err := m.begin(ctx, "mock.GetOrderStatus"); err != nil {
		return model.OrderStatus{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++

	if queue := m.statusQueue[exchangeOrderID]; len(queue) > 0 {
		status := queue[0]
		if len(queue) > 1 {
			m.statusQueue[exchangeOrderID] = queue[1:]
		}
		status.ExchangeOrderID = exchangeOrderID
		m.orders[exchangeOrderID] = status
		return status, nil
	}

	status, ok := m.orders[exchangeOrderID]
	if !ok {
		return model.OrderStatus{}, E(KindNotFound, "mock.GetOrderStatus", "order %s not found", exchangeOrderID)
	}
	return status, nil
}

func (m *Mock) GetBalance(ctx context.Context, currency string) ([]model.Balance, error) {
	if err := m.begin(ctx, "mock.GetBalance"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if currency == "" {
		return append([]model.Balance(nil), m.balances...), nil
	}
	for _, b := range m.balances {
		if b.Currency == currency {
			return []model.Balance{b}, nil
		}
	}
	return nil, nil
}

func (m *Mock) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderStatus, error) {
	if err := m.begin(ctx, "mock.GetOpenOrders"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var open []model.OrderStatus
	for _, status := range m.orders {
		if !status.Terminal() {
			open = append(open, status)
		}
	}
	_ = symbol
	return open, nil
}

func (m *Mock) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]model.Bar, error) {
	if err := m.begin(ctx, "mock.GetKlines"); err != nil {
		return nil, err
	}
	_ = symbol
	_ = timeframe
	_ = limit
	return nil, nil
}

func (m *Mock) SubscribeKlines(ctx context.Context, symbol, timeframe string) (<-chan model.Bar, error) {
	if err := m.begin(ctx, "mock.SubscribeKlines"); err != nil {
		return nil, err
	}

	key := m.venue + ":" + NormalizeSymbol(symbol) + ":" + NormalizeTimeframe(timeframe)
	ch := make(chan model.Bar, 64)

	m.mu.Lock()
	m.subs[key] = append(m.subs[key], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		removed := false
		chans := m.subs[key]
		for i, c := range chans {
			if c == ch {
				m.subs[key] = append(chans[:i], chans[i+1:]...)
				removed = true
				break
			}
		}
		m.mu.Unlock()
		if removed {
			close(ch)
		}
	}()

	return ch, nil
}

// DropStreams simulates a transport drop: every subscriber channel for the
// stream is closed. The next SubscribeKlines starts a fresh stream.
func (m *Mock) DropStreams(symbol, timeframe string) {
	key := m.venue + ":" + NormalizeSymbol(symbol) + ":" + NormalizeTimeframe(timeframe)

	m.mu.Lock()
	chans := m.subs[key]
	delete(m.subs, key)
	m.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
}

// FeedBar delivers a bar to every subscriber of its stream.
func (m *Mock) FeedBar(bar model.Bar) {
	bar.Venue = m.venue
	bar.Symbol = NormalizeSymbol(bar.Symbol)
	bar.Timeframe = NormalizeTimeframe(bar.Timeframe)
	key := bar.StreamKey()

	m.mu.Lock()
	chans := append([]chan model.Bar(nil), m.subs[key]...)
	m.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- bar:
		default:
		}
	}
}
