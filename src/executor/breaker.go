package executor

import (
	"sync"
	"time"

	"tradecore/src/exchange"
)

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// outcomeWindow is a fixed-capacity ring of call outcomes (true = failure).
// Once full, each new outcome evicts the oldest.
type outcomeWindow struct {
	buf      []bool
	idx      int
	count    int
	failures int
}

func newOutcomeWindow(size int) *outcomeWindow {
	if size <= 0 {
		size = 100
	}
	return &outcomeWindow{buf: make([]bool, size)}
}

func (w *outcomeWindow) add(failure bool) {
	if w.count == len(w.buf) {
		if w.buf[w.idx] {
			w.failures--
		}
	} else {
		w.count++
	}
	w.buf[w.idx] = failure
	if failure {
		w.failures++
	}
	w.idx = (w.idx + 1) % len(w.buf)
}

func (w *outcomeWindow) samples() int { return w.count }

func (w *outcomeWindow) errorRate() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.count)
}

func (w *outcomeWindow) reset() {
	w.idx = 0
	w.count = 0
	w.failures = 0
}

// Breaker is the executor's circuit breaker. Closed records outcomes into
// the ring window and trips when the error rate crosses the threshold over
// enough samples. Open fails fast until the timeout, then admits exactly one
// half-open probe.
type Breaker struct {
	mu sync.Mutex

	window         *outcomeWindow
	minSamples     int
	tripRate       float64
	openTimeout    time.Duration
	now            func() time.Time
	onStateChange  func(state string)
	state          string
	openedAt       time.Time
	probeInFlight  bool
	consecFailures int
}

func NewBreaker(config *Config) *Breaker {
	return &Breaker{
		window:      newOutcomeWindow(config.WindowSize),
		minSamples:  config.TripMinSamples,
		tripRate:    config.TripErrorRate,
		openTimeout: config.OpenTimeout,
		now:         time.Now,
		state:       StateClosed,
	}
}

// SetClock replaces the breaker's time source, for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *Breaker) setState(state string) {
	if b.state == state {
		return
	}
	b.state = state
	if b.onStateChange != nil {
		b.onStateChange(state)
	}
}

// Allow reports whether a call may proceed. In half-open it reserves the
// single probe slot; concurrent callers fail fast until the probe resolves.
func (b *Breaker) Allow(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.openTimeout {
			return exchange.E(exchange.KindCircuitOpen, op, "circuit open")
		}
		b.setState(StateHalfOpen)
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return exchange.E(exchange.KindCircuitOpen, op, "half-open probe in flight")
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// Record feeds one call outcome back into the state machine.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.consecFailures = 0
	} else {
		b.consecFailures++
	}

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		if success {
			b.window.reset()
			b.setState(StateClosed)
		} else {
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
	case StateClosed:
		b.window.add(!success)
		if b.window.samples() >= b.minSamples && b.window.errorRate() > b.tripRate {
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
	case StateOpen:
		// late result from a call admitted before the trip; window is
		// frozen while open
	}
}

func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) ErrorRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window.errorRate()
}

func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecFailures
}
