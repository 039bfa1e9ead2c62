package marketdata

import (
	"sync"

	"tradecore/src/model"
)

const (
	EventBar       = "bar"
	EventHeartbeat = "heartbeat"
)

// Event is what subscribers receive: a bar, or a heartbeat when a stream
// has gone quiet past its stale timeout.
type Event struct {
	Kind      string
	Venue     string
	Symbol    string
	Timeframe string
	Bar       model.Bar // zero value for heartbeats
	TsMs      int64
}

type subscriber struct {
	name string
	ch   chan Event
}

// hub fans events out to subscribers over bounded buffers. Publishing never
// blocks: when a subscriber's buffer is full the oldest undelivered event is
// dropped and counted against that subscriber.
type hub struct {
	mu      sync.Mutex
	buffer  int
	subs    map[string]*subscriber
	metrics *Metrics
}

func newHub(buffer int, metrics *Metrics) *hub {
	return &hub{
		buffer:  buffer,
		subs:    make(map[string]*subscriber),
		metrics: metrics,
	}
}

func (h *hub) subscribe(name string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{name: name, ch: make(chan Event, h.buffer)}
	h.subs[name] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if current, ok := h.subs[name]; ok && current == sub {
			delete(h.subs, name)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

func (h *hub) publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		select {
		case sub.ch <- event:
			continue
		default:
		}

		// full buffer: evict the oldest event, then deliver
		select {
		case <-sub.ch:
			h.metrics.DroppedEvents.WithLabelValues(sub.name).Inc()
		default:
		}
		select {
		case sub.ch <- event:
		default:
			h.metrics.DroppedEvents.WithLabelValues(sub.name).Inc()
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for name, sub := range h.subs {
		delete(h.subs, name)
		close(sub.ch)
	}
}
