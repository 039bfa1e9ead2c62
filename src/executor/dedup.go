package executor

import (
	"context"
	"sync"
	"time"

	"tradecore/src/exchange"
	"tradecore/src/model"
)

// outcome is one settled (or in-flight) submission keyed by client id.
// done closes when the leader finishes; followers wait on it and read the
// same status/err.
type outcome struct {
	done    chan struct{}
	status  model.OrderStatus
	err     error
	expires time.Time
}

// dedupCache coalesces duplicate order submissions. The first caller for a
// client id becomes the leader and performs the venue call; every duplicate
// within the TTL observes the leader's outcome without touching the venue.
type dedupCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*outcome
}

func newDedupCache(ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &dedupCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*outcome),
	}
}

// begin returns the entry for clientID and whether the caller is the leader.
func (c *dedupCache) begin(clientID string) (*outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked()

	if entry, ok := c.entries[clientID]; ok {
		return entry, false
	}

	entry := &outcome{done: make(chan struct{})}
	c.entries[clientID] = entry
	return entry, true
}

// settle publishes the leader's result and starts the TTL clock.
func (c *dedupCache) settle(clientID string, entry *outcome, status model.OrderStatus, err error) {
	c.mu.Lock()
	entry.status = status
	entry.err = err
	entry.expires = c.now().Add(c.ttl)
	c.mu.Unlock()
	close(entry.done)
}

// abandon removes an entry whose leader failed before reaching the venue,
// so a later submission with the same client id can try again.
func (c *dedupCache) abandon(clientID string, entry *outcome, err error) {
	c.mu.Lock()
	delete(c.entries, clientID)
	entry.err = err
	c.mu.Unlock()
	close(entry.done)
}

// await blocks until the leader settles or ctx is cancelled.
func (c *dedupCache) await(ctx context.Context, entry *outcome) (model.OrderStatus, error) {
	select {
	case <-entry.done:
		return entry.status, entry.err
	case <-ctx.Done():
		return model.OrderStatus{}, exchange.Wrap(exchange.KindCancelled, "executor.await", ctx.Err())
	}
}

func (c *dedupCache) pruneLocked() {
	now := c.now()
	for id, entry := range c.entries {
		select {
		case <-entry.done:
			if !entry.expires.IsZero() && now.After(entry.expires) {
				delete(c.entries, id)
			}
		default:
		}
	}
}
