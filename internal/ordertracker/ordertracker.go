// Package ordertracker maintains a bounded mapping from orderId to the
// order we placed for it (§4.C). It exists because the user-channel fill
// event reports only the taker's perspective: without this lookup, fill
// handling would have to heuristically guess which outcome token and side
// an incoming trade belongs to.
package ordertracker

import (
	"sync"
	"time"

	"github.com/example/marketmaker/internal/config"
	"github.com/example/marketmaker/pkg/types"
)

const (
	defaultCapacity = 1000
	defaultMaxAge   = 24 * time.Hour
)

// Tracker is a capacity-bounded, age-pruned map of outstanding orders.
type Tracker struct {
	mu       sync.Mutex
	orders   map[string]types.TrackedOrder
	capacity int
	maxAge   time.Duration
}

// New creates an order tracker from config, applying the spec's defaults
// (capacity 1000, maxAge 24h) when the config leaves either field zero.
func New(cfg config.OrderTrackConfig) *Tracker {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Tracker{
		orders:   make(map[string]types.TrackedOrder),
		capacity: capacity,
		maxAge:   maxAge,
	}
}

// Add records a newly placed order. If at capacity, entries older than
// maxAge are pruned first; if still at capacity, the single oldest entry
// is evicted to make room.
func (t *Tracker) Add(order types.TrackedOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.orders) >= t.capacity {
		t.pruneOldLocked()
	}
	if len(t.orders) >= t.capacity {
		t.evictOldestLocked()
	}
	t.orders[order.OrderID] = order
}

func (t *Tracker) pruneOldLocked() {
	cutoff := time.Now().Add(-t.maxAge)
	for id, o := range t.orders {
		if o.PlacedAt.Before(cutoff) {
			delete(t.orders, id)
		}
	}
}

func (t *Tracker) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	first := true
	for id, o := range t.orders {
		if first || o.PlacedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = o.PlacedAt
			first = false
		}
	}
	if !first {
		delete(t.orders, oldestID)
	}
}

// Get looks up a tracked order by id.
func (t *Tracker) Get(orderID string) (types.TrackedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[orderID]
	return o, ok
}

// Remove drops a tracked order, e.g. once it is fully filled or cancelled.
func (t *Tracker) Remove(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.orders, orderID)
}

// Len reports the number of tracked orders.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.orders)
}

// ForToken returns all tracked orders for one token id, e.g. when
// escalating to a cancel-all for that market.
func (t *Tracker) ForToken(tokenID string) []types.TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []types.TrackedOrder
	for _, o := range t.orders {
		if o.TokenID == tokenID {
			result = append(result, o)
		}
	}
	return result
}
