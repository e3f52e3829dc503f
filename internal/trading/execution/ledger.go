package execution

import (
	"sync"

	"jet_trader/internal/core"
)

// Ledger tracks how many contracts each trader actually holds per ticker.
// The virtual book is recorder-scoped; a trader with size overrides
// diverges from it, and bracket quantities and exit sizes must follow
// what was really placed for that account.
type Ledger struct {
	mu       sync.RWMutex
	holdings map[core.TraderKey]int
}

func NewLedger() *Ledger {
	return &Ledger{holdings: make(map[core.TraderKey]int)}
}

// Holding returns the tracked quantity for the trader, if any.
func (l *Ledger) Holding(key core.TraderKey) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	qty, ok := l.holdings[key]
	return qty, ok
}

// Set records an absolute holding. Zero or negative clears the entry.
func (l *Ledger) Set(key core.TraderKey, qty int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if qty <= 0 {
		delete(l.holdings, key)
		return
	}
	l.holdings[key] = qty
}

// Add applies a delta and returns the new holding.
func (l *Ledger) Add(key core.TraderKey, delta int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	qty := l.holdings[key] + delta
	if qty <= 0 {
		delete(l.holdings, key)
		return 0
	}
	l.holdings[key] = qty
	return qty
}

// Clear drops the entry for the trader.
func (l *Ledger) Clear(key core.TraderKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holdings, key)
}

// Snapshot copies the full ledger for status surfaces.
func (l *Ledger) Snapshot() map[core.TraderKey]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[core.TraderKey]int, len(l.holdings))
	for k, v := range l.holdings {
		out[k] = v
	}
	return out
}
