package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"jet_trader/internal/core"

	"github.com/shopspring/decimal"
)

type signalRecord struct {
	signal core.Signal
	status string
	detail string
}

type positionRecord struct {
	pos  *core.VirtualPosition
	open bool
}

// MemoryStore implements the store in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	signals   map[string]*signalRecord
	positions map[core.PositionKey]*positionRecord
	orders    map[int64]*core.BrokerOrder
	trades    []*core.Trade
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals:   make(map[string]*signalRecord),
		positions: make(map[core.PositionKey]*positionRecord),
		orders:    make(map[int64]*core.BrokerOrder),
	}
}

func (s *MemoryStore) SaveSignal(ctx context.Context, sig *core.Signal, status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[sig.ID] = &signalRecord{signal: *sig, status: status, detail: detail}
	return nil
}

func (s *MemoryStore) UpdateSignalStatus(ctx context.Context, signalID, status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.signals[signalID]; ok {
		rec.status = status
		rec.detail = detail
	}
	return nil
}

func (s *MemoryStore) SaveVirtualPosition(ctx context.Context, pos *core.VirtualPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := core.PositionKey{RecorderID: pos.RecorderID, Ticker: pos.Ticker}
	s.positions[key] = &positionRecord{pos: pos.Clone(), open: true}
	return nil
}

func (s *MemoryStore) CloseVirtualPosition(ctx context.Context, key core.PositionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.positions[key]; ok {
		rec.open = false
	}
	return nil
}

func (s *MemoryStore) GetOpenPosition(ctx context.Context, key core.PositionKey) (*core.VirtualPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.positions[key]
	if !ok || !rec.open {
		return nil, nil
	}
	return rec.pos.Clone(), nil
}

func (s *MemoryStore) ListOpenPositions(ctx context.Context) ([]*core.VirtualPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.VirtualPosition
	for _, rec := range s.positions {
		if rec.open {
			out = append(out, rec.pos.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecorderID != out[j].RecorderID {
			return out[i].RecorderID < out[j].RecorderID
		}
		return out[i].Ticker < out[j].Ticker
	})
	return out, nil
}

func (s *MemoryStore) SaveBrokerOrder(ctx context.Context, o *core.BrokerOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orders[o.OrderID] = &cp
	return nil
}

func (s *MemoryStore) UpdateOrderStatus(ctx context.Context, orderID int64, status core.OrderStatus, reason, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[orderID]; ok {
		o.Status = status
		o.Reason = reason
		o.Text = text
		o.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) ListWorkingOrders(ctx context.Context, accountID int64, symbol string) ([]*core.BrokerOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.BrokerOrder
	for _, o := range s.orders {
		if o.AccountID == accountID && o.Symbol == symbol && o.Status.Live() {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (s *MemoryStore) InsertTrade(ctx context.Context, t *core.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.trades = append(s.trades, &cp)
	return nil
}

func (s *MemoryStore) SessionRealized(ctx context.Context, recorderID string, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, t := range s.trades {
		if t.RecorderID == recorderID && !t.ClosedAt.Before(since) {
			total = total.Add(t.RealizedUSD)
		}
	}
	return total, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ core.IStore = (*MemoryStore)(nil)
