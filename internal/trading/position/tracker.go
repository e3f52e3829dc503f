// Package position owns the signal-authoritative virtual positions, one per
// (recorder, ticker). Signals mutate these books before any broker call; the
// reconciler converges the broker toward them, never the reverse.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jet_trader/internal/core"
	apperrors "jet_trader/pkg/errors"
	"jet_trader/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ContractSource resolves instrument tick metadata for converting realized
// price moves into USD.
type ContractSource interface {
	GetContract(ctx context.Context, symbol string) (*core.Contract, error)
}

// Tracker implements core.ITracker. Writers are serialized per key by the
// scheduler; the tracker guards itself with a per-key mutex regardless so a
// misrouted caller cannot corrupt a book.
type Tracker struct {
	store     core.IStore
	prices    core.IPriceSource
	contracts ContractSource
	session   *core.Session
	logger    core.ILogger

	mu        sync.RWMutex
	positions map[core.PositionKey]*core.VirtualPosition
	keyLocks  map[core.PositionKey]*sync.Mutex

	realizedMu sync.RWMutex
	realized   map[string]decimal.Decimal // recorder -> session USD
}

func NewTracker(
	store core.IStore,
	prices core.IPriceSource,
	contracts ContractSource,
	session *core.Session,
	logger core.ILogger,
) *Tracker {
	return &Tracker{
		store:     store,
		prices:    prices,
		contracts: contracts,
		session:   session,
		logger:    logger.WithField("component", "position_tracker"),
		positions: make(map[core.PositionKey]*core.VirtualPosition),
		keyLocks:  make(map[core.PositionKey]*sync.Mutex),
		realized:  make(map[string]decimal.Decimal),
	}
}

// Restore loads the open books from the store and seeds the per-recorder
// session P&L counters from trades recorded since the current session began.
// Called once at boot, before any signal is accepted.
func (t *Tracker) Restore(ctx context.Context, recorderIDs []string) error {
	open, err := t.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("restore open positions: %w", err)
	}

	t.mu.Lock()
	t.positions = make(map[core.PositionKey]*core.VirtualPosition, len(open))
	for _, p := range open {
		t.positions[core.PositionKey{RecorderID: p.RecorderID, Ticker: p.Ticker}] = p
	}
	t.mu.Unlock()

	since := t.session.StartFor(time.Now())
	seeded := make(map[string]decimal.Decimal, len(recorderIDs))
	for _, id := range recorderIDs {
		pnl, err := t.store.SessionRealized(ctx, id, since)
		if err != nil {
			return fmt.Errorf("restore session pnl for %s: %w", id, err)
		}
		if !pnl.IsZero() {
			seeded[id] = pnl
		}
	}
	t.realizedMu.Lock()
	t.realized = seeded
	t.realizedMu.Unlock()

	for _, id := range recorderIDs {
		t.publishOpenCount(id)
	}

	t.logger.Info("Positions restored", "open", len(open), "session_start", since)
	return nil
}

// Apply runs one signal against the book for (recorder, ticker) and reports
// the transition it caused. The broker is not involved: callers act on the
// returned transition afterwards.
func (t *Tracker) Apply(ctx context.Context, rec *core.Recorder, sig *core.Signal) (*core.VirtualPosition, core.Transition, error) {
	if sig.Qty <= 0 && sig.Action != core.SignalClose {
		return nil, core.TransitionNone, fmt.Errorf("signal qty must be positive, got %d", sig.Qty)
	}

	key := core.PositionKey{RecorderID: rec.ID, Ticker: sig.Ticker}
	l := t.lockKey(key)
	defer l.Unlock()

	cur := t.snapshot(key)

	if sig.Action == core.SignalClose {
		if cur.Flat() {
			return nil, core.TransitionNone, nil
		}
		price, err := t.closePrice(sig, cur)
		if err != nil {
			return nil, core.TransitionNone, err
		}
		if _, err := t.closeLocked(ctx, key, cur, price, core.CloseSignal); err != nil {
			return nil, core.TransitionNone, err
		}
		return nil, core.TransitionClosed, nil
	}

	// Directional signals must price themselves. The market feed is not a
	// substitute: pricing entries off it has caused off-by-a-tick fills in
	// thin products, so a missing price is a rejection, not a guess.
	if !sig.HasPrice || !sig.Price.IsPositive() {
		return nil, core.TransitionNone, fmt.Errorf("%w: %s %s", apperrors.ErrNoPrice, sig.Action, sig.Ticker)
	}
	price := sig.Price

	want := core.SideLong
	if sig.Action == core.SignalSell {
		want = core.SideShort
	}

	switch {
	case cur.Flat():
		pos, err := t.openLocked(ctx, key, want, price, sig.Qty, sig.ReceivedAt)
		if err != nil {
			return nil, core.TransitionNone, err
		}
		return pos, core.TransitionOpened, nil

	case cur.Side == want:
		pos, err := t.addLocked(ctx, key, cur, price, sig.Qty, sig.ReceivedAt)
		if err != nil {
			return nil, core.TransitionNone, err
		}
		return pos, core.TransitionDCA, nil

	default:
		switch {
		case sig.Qty < cur.TotalQty:
			pos, err := t.trimLocked(ctx, key, cur, price, sig.Qty)
			if err != nil {
				return nil, core.TransitionNone, err
			}
			return pos, core.TransitionTrimmed, nil

		case sig.Qty == cur.TotalQty:
			if _, err := t.closeLocked(ctx, key, cur, price, core.CloseOpposite); err != nil {
				return nil, core.TransitionNone, err
			}
			return nil, core.TransitionClosed, nil

		default:
			remainder := sig.Qty - cur.TotalQty
			if _, err := t.closeLocked(ctx, key, cur, price, core.CloseOpposite); err != nil {
				return nil, core.TransitionNone, err
			}
			pos, err := t.openLocked(ctx, key, want, price, remainder, sig.ReceivedAt)
			if err != nil {
				return nil, core.TransitionNone, err
			}
			return pos, core.TransitionFlipped, nil
		}
	}
}

// Get returns a copy of the open position, if any.
func (t *Tracker) Get(key core.PositionKey) (*core.VirtualPosition, bool) {
	t.mu.RLock()
	pos, ok := t.positions[key]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// ShrinkTo reduces the book to qty contracts by dropping the oldest entries.
// No trade is recorded: the quantity left at the broker outside of signal
// flow and its exit price is unknown, so drift repair stays out of the
// session P&L.
func (t *Tracker) ShrinkTo(ctx context.Context, key core.PositionKey, qty int) (*core.VirtualPosition, error) {
	l := t.lockKey(key)
	defer l.Unlock()

	pos := t.snapshot(key)
	if pos.Flat() {
		return nil, fmt.Errorf("no open position for %s/%s", key.RecorderID, key.Ticker)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("shrink target must be positive, got %d", qty)
	}
	if qty >= pos.TotalQty {
		return pos, nil
	}

	_, rest := splitFIFO(pos.Entries, pos.TotalQty-qty)
	pos.Entries = rest
	pos.TotalQty = qty
	pos.AvgEntryPrice = vwap(rest)
	pos.UpdatedAt = time.Now()

	if err := t.store.SaveVirtualPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist shrunken position: %w", err)
	}
	t.install(key, pos)
	t.logger.Warn("Position shrunk to broker quantity",
		"recorder", key.RecorderID, "ticker", key.Ticker, "qty", qty, "avg", pos.AvgEntryPrice.String())
	return pos.Clone(), nil
}

// CloseAt closes the whole book at the given price. A zero price falls back
// to the last market price, then the newest entry. Closing an absent book is
// a no-op so confirm-flat and reconcile paths stay idempotent.
func (t *Tracker) CloseAt(ctx context.Context, key core.PositionKey, price decimal.Decimal, reason core.CloseReason) (*core.Trade, error) {
	l := t.lockKey(key)
	defer l.Unlock()

	pos := t.snapshot(key)
	if pos.Flat() {
		return nil, nil
	}
	if !price.IsPositive() {
		if px, ok := t.marketPrice(key.Ticker); ok {
			price = px
		} else {
			price = pos.Entries[len(pos.Entries)-1].Price
		}
	}
	return t.closeLocked(ctx, key, pos, price, reason)
}

// OpenKeys lists keys with an open book, for reconcile scheduling.
func (t *Tracker) OpenKeys() []core.PositionKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]core.PositionKey, 0, len(t.positions))
	for k := range t.positions {
		keys = append(keys, k)
	}
	return keys
}

// SessionRealized returns the recorder's realized P&L since the session
// started, in USD.
func (t *Tracker) SessionRealized(recorderID string) decimal.Decimal {
	t.realizedMu.RLock()
	defer t.realizedMu.RUnlock()
	return t.realized[recorderID]
}

// ResetSession zeroes the realized counters at the session rollover. Open
// books carry across sessions untouched.
func (t *Tracker) ResetSession(at time.Time) {
	t.realizedMu.Lock()
	t.realized = make(map[string]decimal.Decimal)
	t.realizedMu.Unlock()
	t.logger.Info("Session realized counters reset", "at", at)
}

func (t *Tracker) openLocked(ctx context.Context, key core.PositionKey, side core.PositionSide, price decimal.Decimal, qty int, at time.Time) (*core.VirtualPosition, error) {
	if at.IsZero() {
		at = time.Now()
	}
	pos := &core.VirtualPosition{
		RecorderID:    key.RecorderID,
		Ticker:        key.Ticker,
		Side:          side,
		TotalQty:      qty,
		AvgEntryPrice: price,
		Entries:       []core.Entry{{Price: price, Qty: qty, At: at}},
		OpenedAt:      at,
		UpdatedAt:     at,
	}
	if err := t.store.SaveVirtualPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist opened position: %w", err)
	}
	t.install(key, pos)
	t.logger.Info("Position opened",
		"recorder", key.RecorderID, "ticker", key.Ticker, "side", side, "qty", qty, "price", price.String())
	return pos.Clone(), nil
}

func (t *Tracker) addLocked(ctx context.Context, key core.PositionKey, pos *core.VirtualPosition, price decimal.Decimal, qty int, at time.Time) (*core.VirtualPosition, error) {
	if at.IsZero() {
		at = time.Now()
	}
	pos.Entries = append(pos.Entries, core.Entry{Price: price, Qty: qty, At: at})
	pos.TotalQty += qty
	pos.AvgEntryPrice = vwap(pos.Entries)
	pos.UpdatedAt = at

	if err := t.store.SaveVirtualPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist averaged position: %w", err)
	}
	t.install(key, pos)
	t.logger.Info("Position averaged",
		"recorder", key.RecorderID, "ticker", key.Ticker, "qty", pos.TotalQty, "avg", pos.AvgEntryPrice.String())
	return pos.Clone(), nil
}

func (t *Tracker) trimLocked(ctx context.Context, key core.PositionKey, pos *core.VirtualPosition, price decimal.Decimal, qty int) (*core.VirtualPosition, error) {
	consumed, rest := splitFIFO(pos.Entries, qty)
	trade := t.buildTrade(ctx, pos, consumed, qty, price, core.CloseOpposite)

	pos.Entries = rest
	pos.TotalQty -= qty
	pos.AvgEntryPrice = vwap(rest)
	pos.UpdatedAt = time.Now()

	if err := t.store.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("record trim: %w", err)
	}
	if err := t.store.SaveVirtualPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist trimmed position: %w", err)
	}
	t.install(key, pos)
	t.addRealized(ctx, key.RecorderID, trade.RealizedUSD)
	t.logger.Info("Position trimmed",
		"recorder", key.RecorderID, "ticker", key.Ticker, "trimmed", qty, "left", pos.TotalQty,
		"realized_usd", trade.RealizedUSD.String())
	return pos.Clone(), nil
}

func (t *Tracker) closeLocked(ctx context.Context, key core.PositionKey, pos *core.VirtualPosition, price decimal.Decimal, reason core.CloseReason) (*core.Trade, error) {
	trade := t.buildTrade(ctx, pos, pos.Entries, pos.TotalQty, price, reason)

	if err := t.store.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("record close: %w", err)
	}
	if err := t.store.CloseVirtualPosition(ctx, key); err != nil {
		return nil, fmt.Errorf("clear closed position: %w", err)
	}

	t.mu.Lock()
	delete(t.positions, key)
	t.mu.Unlock()

	t.addRealized(ctx, key.RecorderID, trade.RealizedUSD)
	t.publishOpenCount(key.RecorderID)
	t.logger.Info("Position closed",
		"recorder", key.RecorderID, "ticker", key.Ticker, "side", trade.Side, "qty", trade.Qty,
		"exit", price.String(), "reason", reason, "realized_usd", trade.RealizedUSD.String())
	return trade, nil
}

func (t *Tracker) buildTrade(ctx context.Context, pos *core.VirtualPosition, lots []core.Entry, qty int, exit decimal.Decimal, reason core.CloseReason) *core.Trade {
	return &core.Trade{
		ID:          uuid.NewString(),
		RecorderID:  pos.RecorderID,
		Ticker:      pos.Ticker,
		Side:        pos.Side,
		Qty:         qty,
		AvgEntry:    vwap(lots),
		ExitPrice:   exit,
		RealizedUSD: t.realizeUSD(ctx, pos.Ticker, pos.Side, lots, exit),
		Reason:      reason,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    time.Now(),
	}
}

// realizeUSD converts the price move on each consumed lot into USD through
// the contract's tick value. Without metadata it falls back to one USD per
// point and logs, so the trade is still recorded.
func (t *Tracker) realizeUSD(ctx context.Context, ticker string, side core.PositionSide, lots []core.Entry, exit decimal.Decimal) decimal.Decimal {
	pointValue := decimal.NewFromInt(1)
	if t.contracts != nil {
		ct, err := t.contracts.GetContract(ctx, ticker)
		if err != nil || ct == nil || ct.TickSize.IsZero() {
			t.logger.Warn("No contract metadata for realized P&L, assuming 1 USD per point",
				"ticker", ticker, "error", err)
		} else {
			pointValue = ct.TickValue.Div(ct.TickSize)
		}
	}

	total := decimal.Zero
	for _, lot := range lots {
		diff := exit.Sub(lot.Price)
		if side == core.SideShort {
			diff = lot.Price.Sub(exit)
		}
		total = total.Add(diff.Mul(pointValue).Mul(decimal.NewFromInt(int64(lot.Qty))))
	}
	return total
}

// closePrice picks the exit price for a CLOSE: the signal's own price,
// else last market, else the newest entry (a wash). Closes never reject
// on price; an exit must not be blocked by a missing number.
func (t *Tracker) closePrice(sig *core.Signal, cur *core.VirtualPosition) (decimal.Decimal, error) {
	if sig.HasPrice && sig.Price.IsPositive() {
		return sig.Price, nil
	}
	if px, ok := t.marketPrice(sig.Ticker); ok {
		return px, nil
	}
	if !cur.Flat() {
		return cur.Entries[len(cur.Entries)-1].Price, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s %s", apperrors.ErrNoPrice, sig.Action, sig.Ticker)
}

func (t *Tracker) marketPrice(ticker string) (decimal.Decimal, bool) {
	if t.prices == nil {
		return decimal.Zero, false
	}
	px, _, ok := t.prices.LastPrice(ticker)
	if !ok || !px.IsPositive() {
		return decimal.Zero, false
	}
	return px, true
}

// lockKey serializes writers on one book. Key locks are never removed; the
// key space is bounded by configured recorders times their tickers.
func (t *Tracker) lockKey(key core.PositionKey) *sync.Mutex {
	t.mu.Lock()
	l, ok := t.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		t.keyLocks[key] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l
}

// snapshot returns a private copy of the book, or nil when flat.
func (t *Tracker) snapshot(key core.PositionKey) *core.VirtualPosition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.positions[key].Clone()
}

func (t *Tracker) install(key core.PositionKey, pos *core.VirtualPosition) {
	t.mu.Lock()
	t.positions[key] = pos
	t.mu.Unlock()
	t.publishOpenCount(key.RecorderID)
}

func (t *Tracker) publishOpenCount(recorderID string) {
	var n int64
	t.mu.RLock()
	for key := range t.positions {
		if key.RecorderID == recorderID {
			n++
		}
	}
	t.mu.RUnlock()
	telemetry.GetGlobalMetrics().SetPositionsOpen(recorderID, n)
}

func (t *Tracker) addRealized(ctx context.Context, recorderID string, usd decimal.Decimal) {
	t.realizedMu.Lock()
	t.realized[recorderID] = t.realized[recorderID].Add(usd)
	t.realizedMu.Unlock()

	f, _ := usd.Float64()
	telemetry.GetGlobalMetrics().PnLRealizedTotal.Add(ctx, f,
		metric.WithAttributes(attribute.String("recorder", recorderID)))
}

// vwap recomputes the exact average entry price from the given lots.
func vwap(entries []core.Entry) decimal.Decimal {
	num, den := decimal.Zero, decimal.Zero
	for _, e := range entries {
		q := decimal.NewFromInt(int64(e.Qty))
		num = num.Add(e.Price.Mul(q))
		den = den.Add(q)
	}
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Div(den)
}

// splitFIFO consumes qty contracts from the oldest lots. A lot larger than
// the remainder is split, the unconsumed part staying at its price.
func splitFIFO(entries []core.Entry, qty int) (consumed, rest []core.Entry) {
	consumed = make([]core.Entry, 0, len(entries))
	rest = make([]core.Entry, 0, len(entries))
	remaining := qty
	for _, e := range entries {
		switch {
		case remaining <= 0:
			rest = append(rest, e)
		case e.Qty <= remaining:
			consumed = append(consumed, e)
			remaining -= e.Qty
		default:
			part := e
			part.Qty = remaining
			consumed = append(consumed, part)
			e.Qty -= remaining
			remaining = 0
			rest = append(rest, e)
		}
	}
	return consumed, rest
}

var _ core.ITracker = (*Tracker)(nil)
