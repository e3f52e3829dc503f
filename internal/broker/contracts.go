package broker

import (
	"jet_trader/internal/config"
	"jet_trader/internal/core"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// contractCache holds instrument metadata with a TTL, plus a static
// fallback table for when the contract endpoint is down. Entries are keyed
// by the symbol they were looked up under, so alias queries (continuous
// notation) cache independently of the canonical symbol they resolve to.
type contractCache struct {
	mu       sync.RWMutex
	ttl      time.Duration
	bySymbol map[string]*core.Contract
	fallback map[string]*core.Contract
}

func newContractCache(ttl time.Duration) *contractCache {
	return &contractCache{
		ttl:      ttl,
		bySymbol: make(map[string]*core.Contract),
		fallback: make(map[string]*core.Contract),
	}
}

func (cc *contractCache) get(symbol string, now time.Time) (*core.Contract, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	ct, ok := cc.bySymbol[symbol]
	if !ok || now.Sub(ct.FetchedAt) > cc.ttl {
		return nil, false
	}
	return ct, true
}

func (cc *contractCache) put(symbol string, ct *core.Contract) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.bySymbol[symbol] = ct
}

func (cc *contractCache) fallbackFor(symbol string) (*core.Contract, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	if ct, ok := cc.fallback[symbol]; ok {
		return ct, true
	}
	// Alias and month-coded symbols fall back on their root: MNQZ5 and
	// MNQ1! both match a static MNQ row.
	for root, ct := range cc.fallback {
		if len(symbol) > len(root) && symbol[:len(root)] == root {
			return ct, true
		}
	}
	return nil, false
}

func (cc *contractCache) setFallback(contracts map[string]*core.Contract) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.fallback = contracts
}

// StaticContracts converts configured instrument rows into the fallback
// table shape.
func StaticContracts(cfgs []config.ContractConfig) map[string]*core.Contract {
	out := make(map[string]*core.Contract, len(cfgs))
	for _, c := range cfgs {
		out[c.Symbol] = &core.Contract{
			Symbol:    c.Symbol,
			TickSize:  decimal.NewFromFloat(c.TickSize),
			TickValue: decimal.NewFromFloat(c.TickValue),
		}
	}
	return out
}
