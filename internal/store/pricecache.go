package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache is a process-wide, symbol-keyed TTL cache so that a 5 s
// Position Monitor tick with many open positions on the same symbol only
// hits the broker once. Grounded on koshedutech's MarketDataCache
// sync.Map pattern, generalized from candle data to a single price point.
type PriceCache struct {
	ttl     time.Duration
	entries sync.Map // symbol -> *priceEntry
	hits    atomic.Int64
	misses  atomic.Int64
}

type priceEntry struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

func NewPriceCache(ttl time.Duration) *PriceCache {
	return &PriceCache{ttl: ttl}
}

// Get returns a cached price if it is still within the TTL window.
func (c *PriceCache) Get(symbol string) (decimal.Decimal, bool) {
	v, ok := c.entries.Load(symbol)
	if !ok {
		c.misses.Add(1)
		return decimal.Zero, false
	}
	entry := v.(*priceEntry)
	if time.Since(entry.fetchedAt) > c.ttl {
		c.misses.Add(1)
		return decimal.Zero, false
	}
	c.hits.Add(1)
	return entry.price, true
}

// Set records a freshly fetched price.
func (c *PriceCache) Set(symbol string, price decimal.Decimal) {
	c.entries.Store(symbol, &priceEntry{price: price, fetchedAt: time.Now()})
}

// Stats reports cumulative hit/miss counters for observability.
func (c *PriceCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
