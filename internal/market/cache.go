// Package market caches last-known prices per ticker.
package market

import (
	"hash/fnv"
	"sync"
	"time"

	"jet_trader/internal/core"

	"github.com/shopspring/decimal"
)

const shardCount = 16

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

type shard struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
}

// Cache is a sharded last-price store fed by broker quote and fill events.
// Data may be stale or absent; callers must handle the missing case.
type Cache struct {
	shards [shardCount]*shard
}

// NewCache creates an empty price cache.
func NewCache() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i] = &shard{prices: make(map[string]pricePoint)}
	}
	return c
}

func (c *Cache) shardFor(ticker string) *shard {
	h := fnv.New32a()
	h.Write([]byte(ticker))
	return c.shards[h.Sum32()%shardCount]
}

// Update records a price observation. Observations older than the stored one
// are ignored so a delayed fill event cannot roll the price back.
func (c *Cache) Update(ticker string, price decimal.Decimal, at time.Time) {
	s := c.shardFor(ticker)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.prices[ticker]; ok && at.Before(cur.at) {
		return
	}
	s.prices[ticker] = pricePoint{price: price, at: at}
}

// LastPrice returns the last-known price for a ticker and when it was seen.
func (c *Cache) LastPrice(ticker string) (decimal.Decimal, time.Time, bool) {
	s := c.shardFor(ticker)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[ticker]
	if !ok {
		return decimal.Zero, time.Time{}, false
	}
	return p.price, p.at, true
}

// Size reports the number of tickers with a cached price.
func (c *Cache) Size() int {
	var n int
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.prices)
		s.mu.RUnlock()
	}
	return n
}

var _ core.IPriceSource = (*Cache)(nil)
