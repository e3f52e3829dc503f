package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"jet_trader/internal/core"
	apperrors "jet_trader/pkg/errors"
	"jet_trader/pkg/tickgrid"
)

// bracketBook remembers the broker order ids of the TP/SL pair last placed
// for each trader key. The ids are hints, not truth: every use re-probes the
// order's status at the broker, so a stale id after a restart or an exit
// simply routes maintenance down the replace path.
type bracketBook struct {
	mu sync.Mutex
	tp map[core.TraderKey]int64
	sl map[core.TraderKey]int64
}

func newBracketBook() *bracketBook {
	return &bracketBook{
		tp: make(map[core.TraderKey]int64),
		sl: make(map[core.TraderKey]int64),
	}
}

func (b *bracketBook) TP(key core.TraderKey) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.tp[key]
	return id, ok
}

func (b *bracketBook) SL(key core.TraderKey) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.sl[key]
	return id, ok
}

func (b *bracketBook) SetTP(key core.TraderKey, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tp[key] = id
}

func (b *bracketBook) SetSL(key core.TraderKey, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sl[key] = id
}

func (b *bracketBook) Clear(key core.TraderKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tp, key)
	delete(b.sl, key)
}

// EnsureBrackets restores the bracket pair of one trader's open position.
// The reconciler calls this when the broker shows a position without a
// working TP; the pipeline's own legs go through maintainBrackets directly.
func (p *Pipeline) EnsureBrackets(ctx context.Context, rec *core.Recorder, tr *core.Trader, pos *core.VirtualPosition) error {
	if pos.Flat() {
		p.cancelBrackets(ctx, tr, pos.Ticker)
		return nil
	}
	return p.maintainBrackets(ctx, rec, tr, pos)
}

// maintainBrackets brings the trader's TP and SL in line with the current
// position: price from the book's VWAP, quantity from the trader's real
// holding. A working order is modified in place; anything else is replaced
// under the single-TP discipline.
func (p *Pipeline) maintainBrackets(ctx context.Context, rec *core.Recorder, tr *core.Trader, pos *core.VirtualPosition) error {
	key := core.TraderKey{TraderID: tr.ID, Ticker: pos.Ticker}
	held := p.holding(ctx, tr, key, pos)
	if held <= 0 {
		p.cancelBrackets(ctx, tr, pos.Ticker)
		return nil
	}

	br, _, err := p.brokerFor(tr)
	if err != nil {
		return err
	}
	contract, err := br.GetContract(ctx, pos.Ticker)
	if err != nil {
		return fmt.Errorf("contract for %s: %w", pos.Ticker, err)
	}

	if err := p.maintainTP(ctx, br, rec, tr, pos, contract, held); err != nil {
		return err
	}
	return p.maintainSL(ctx, br, rec, tr, pos, contract, held)
}

func (p *Pipeline) maintainTP(ctx context.Context, br core.IBroker, rec *core.Recorder, tr *core.Trader, pos *core.VirtualPosition, contract *core.Contract, held int) error {
	ticks := tr.EffectiveTPTicks(rec)
	if ticks <= 0 {
		return nil
	}
	price := bracketPrice(pos.Side, pos.AvgEntryPrice, contract.TicksToPrice(ticks), true)
	price = snapAway(price, pos.AvgEntryPrice, contract.TickSize)

	if last, ok := p.marketable(pos, price, contract.TickSize); !ok {
		p.logger.Info("TP not marketable, retrying later",
			"trader_id", tr.ID,
			"ticker", pos.Ticker,
			"tp_price", price.String(),
			"last_price", last.String(),
			"retry_in", p.tpRetryDelay.String())
		p.scheduleBracketRetry(rec, tr, pos.Ticker)
		return nil
	}

	key := core.TraderKey{TraderID: tr.ID, Ticker: pos.Ticker}
	if id, ok := p.brackets.TP(key); ok {
		done, err := p.modifyIfWorking(ctx, br, tr.AccountID, id, held, price, decimal.Zero)
		if err != nil {
			return fmt.Errorf("tp order %d: %w", id, err)
		}
		if done {
			return nil
		}
	}

	ord, err := p.replaceBracket(ctx, br, rec, tr, pos, core.RoleTP, held, price, decimal.Zero)
	if err != nil {
		return err
	}
	p.brackets.SetTP(key, ord.OrderID)
	return nil
}

func (p *Pipeline) maintainSL(ctx context.Context, br core.IBroker, rec *core.Recorder, tr *core.Trader, pos *core.VirtualPosition, contract *core.Contract, held int) error {
	key := core.TraderKey{TraderID: tr.ID, Ticker: pos.Ticker}

	if !tr.EffectiveSLEnabled(rec) {
		p.cancelRole(ctx, br, tr.AccountID, pos.Ticker, core.RoleSL, "stop-loss disabled")
		return nil
	}
	ticks := tr.EffectiveSLTicks(rec)
	if ticks <= 0 {
		return nil
	}
	stop := bracketPrice(pos.Side, pos.AvgEntryPrice, contract.TicksToPrice(ticks), false)
	stop = snapToward(stop, pos.AvgEntryPrice, contract.TickSize)

	if id, ok := p.brackets.SL(key); ok {
		done, err := p.modifyIfWorking(ctx, br, tr.AccountID, id, held, decimal.Zero, stop)
		if err != nil {
			return fmt.Errorf("sl order %d: %w", id, err)
		}
		if done {
			return nil
		}
	}

	ord, err := p.replaceBracket(ctx, br, rec, tr, pos, core.RoleSL, held, decimal.Zero, stop)
	if err != nil {
		return err
	}
	p.brackets.SetSL(key, ord.OrderID)
	return nil
}

// modifyIfWorking probes the known order and, if it can still trade, moves
// it onto the new price and quantity in place. It reports whether the order
// was handled; a terminal or vanished order falls back to replacement.
func (p *Pipeline) modifyIfWorking(ctx context.Context, br core.IBroker, accountID, orderID int64, qty int, price, stop decimal.Decimal) (bool, error) {
	ord, err := br.GetOrder(ctx, accountID, orderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			return false, nil
		}
		return false, err
	}
	if !ord.Status.Live() {
		return false, nil
	}

	req := &core.ModifyOrderRequest{
		AccountID: accountID,
		OrderID:   orderID,
		OrderQty:  qty,
		Price:     price,
		StopPrice: stop,
	}
	if err := p.modifyWithRetry(ctx, br, req); err != nil {
		// The order may have filled or died between probe and modify;
		// let the replace path sort it out instead of failing the leg.
		if errors.Is(err, apperrors.ErrOrderNotFound) || errors.Is(err, apperrors.ErrBrokerRejected) {
			p.logger.Warn("Bracket modify bounced, replacing",
				"order_id", orderID,
				"error", err.Error())
			return false, nil
		}
		return false, err
	}

	ord.Qty = qty
	if !price.IsZero() {
		ord.Price = price
	}
	if !stop.IsZero() {
		ord.StopPrice = stop
	}
	ord.UpdatedAt = time.Now()
	if serr := p.store.SaveBrokerOrder(ctx, ord); serr != nil {
		p.logger.Warn("Failed to persist bracket modify", "order_id", orderID, "error", serr.Error())
	}
	return true, nil
}

// replaceBracket cancels every live order of the role for (account, symbol)
// and places a fresh one with the next sequence number. Only one TP and one
// SL may ever work per trader position.
func (p *Pipeline) replaceBracket(ctx context.Context, br core.IBroker, rec *core.Recorder, tr *core.Trader, pos *core.VirtualPosition, role core.OrderRole, qty int, price, stop decimal.Decimal) (*core.BrokerOrder, error) {
	p.cancelRole(ctx, br, tr.AccountID, pos.Ticker, role, "superseded bracket")

	req := &core.PlaceOrderRequest{
		AccountID:   tr.AccountID,
		Action:      pos.Side.ExitAction(),
		Symbol:      pos.Ticker,
		OrderQty:    qty,
		Tag:         p.tag(tr.AccountID, pos.Ticker, rec.StrategyID, role),
		TimeInForce: "GTC",
	}
	if role == core.RoleSL {
		req.OrderType = core.OrderTypeStop
		req.StopPrice = stop
	} else {
		req.OrderType = core.OrderTypeLimit
		req.Price = price
	}

	ord, err := p.placeWithRecovery(ctx, br, req, role)
	if err != nil {
		return nil, fmt.Errorf("place %s: %w", role, err)
	}
	p.logger.Info("Bracket placed",
		"trader_id", tr.ID,
		"ticker", pos.Ticker,
		"role", string(role),
		"order_id", ord.OrderID,
		"qty", qty,
		"price", req.Price.String(),
		"stop_price", req.StopPrice.String())
	return ord, nil
}

// cancelBrackets removes every live engine bracket for the trader's symbol
// and forgets the local pair. Used before flips, after trims to zero and
// when a position leaves the book.
func (p *Pipeline) cancelBrackets(ctx context.Context, tr *core.Trader, ticker string) {
	br, _, err := p.brokerFor(tr)
	if err != nil {
		p.logger.Error("Cannot cancel brackets", "trader_id", tr.ID, "ticker", ticker, "error", err.Error())
		return
	}
	p.cancelRole(ctx, br, tr.AccountID, ticker, core.RoleTP, "position closed")
	p.cancelRole(ctx, br, tr.AccountID, ticker, core.RoleSL, "position closed")
	p.brackets.Clear(core.TraderKey{TraderID: tr.ID, Ticker: ticker})
}

// cancelRole cancels the live engine orders of one role for
// (account, symbol). Orders without an engine tag are foreign and stay
// untouched. Failures are logged and skipped; a lingering bracket is the
// reconciler's problem on its next pass.
func (p *Pipeline) cancelRole(ctx context.Context, br core.IBroker, accountID int64, symbol string, role core.OrderRole, note string) {
	orders, err := br.ListOrders(ctx, accountID)
	if err != nil {
		p.logger.Error("Cannot list orders for bracket cancel",
			"account_id", accountID,
			"symbol", symbol,
			"role", string(role),
			"error", err.Error())
		return
	}
	for _, o := range orders {
		if o.Symbol != symbol || o.Role != role || !o.Status.Live() {
			continue
		}
		if err := br.CancelOrder(ctx, accountID, o.OrderID); err != nil {
			p.logger.Error("Bracket cancel failed",
				"account_id", accountID,
				"order_id", o.OrderID,
				"role", string(role),
				"error", err.Error())
			continue
		}
		if serr := p.store.UpdateOrderStatus(ctx, o.OrderID, core.StatusCanceled, "engine", note); serr != nil {
			p.logger.Warn("Failed to record bracket cancel", "order_id", o.OrderID, "error", serr.Error())
		}
	}
}

// marketable checks that a take-profit would rest instead of crossing: at
// least one tick beyond the market in the profitable direction. Without a
// quote the guard fails closed; a crossing limit fills instantly and exits
// the position by accident.
func (p *Pipeline) marketable(pos *core.VirtualPosition, tpPrice, tick decimal.Decimal) (decimal.Decimal, bool) {
	last, _, ok := p.prices.LastPrice(pos.Ticker)
	if !ok {
		return decimal.Zero, false
	}
	if pos.Side == core.SideShort {
		return last, last.Sub(tpPrice).GreaterThanOrEqual(tick)
	}
	return last, tpPrice.Sub(last).GreaterThanOrEqual(tick)
}

// scheduleBracketRetry re-runs bracket maintenance for the key after the
// configured delay, on the key's own lane and against the position as it is
// then. At most one retry is pending per trader key.
func (p *Pipeline) scheduleBracketRetry(rec *core.Recorder, tr *core.Trader, ticker string) {
	key := core.TraderKey{TraderID: tr.ID, Ticker: ticker}

	p.retryMu.Lock()
	defer p.retryMu.Unlock()
	if _, pending := p.tpRetries[key]; pending {
		return
	}
	p.tpRetries[key] = time.AfterFunc(p.tpRetryDelay, func() {
		p.retryMu.Lock()
		delete(p.tpRetries, key)
		p.retryMu.Unlock()

		if p.ctx.Err() != nil {
			return
		}
		posKey := core.PositionKey{RecorderID: rec.ID, Ticker: ticker}
		err := p.lanes.Go(posKey, func() {
			pos, ok := p.tracker.Get(posKey)
			if !ok || pos.Flat() {
				return
			}
			if err := p.maintainBrackets(p.ctx, rec, tr, pos); err != nil {
				p.logger.Error("Bracket retry failed",
					"trader_id", tr.ID,
					"ticker", ticker,
					"error", err.Error())
			}
		})
		if err != nil {
			p.logger.Warn("Bracket retry dropped, lanes stopped", "trader_id", tr.ID, "ticker", ticker)
		}
	})
}

// bracketPrice offsets the VWAP by the tick distance: profit targets move
// with the position, stops against it.
func bracketPrice(side core.PositionSide, avg, offset decimal.Decimal, profit bool) decimal.Decimal {
	up := side == core.SideLong
	if !profit {
		up = !up
	}
	if up {
		return avg.Add(offset)
	}
	return avg.Sub(offset)
}

// A DCA'd VWAP carries sub-tick fractions the broker will not accept.
// Targets align away from the entry so the booked profit is never below the
// configured distance; stops align toward it so the risk never exceeds it.

func snapAway(price, ref, tick decimal.Decimal) decimal.Decimal {
	if price.GreaterThan(ref) {
		return tickgrid.Ceil(price, tick)
	}
	return tickgrid.Floor(price, tick)
}

func snapToward(price, ref, tick decimal.Decimal) decimal.Decimal {
	if price.GreaterThan(ref) {
		return tickgrid.Floor(price, tick)
	}
	return tickgrid.Ceil(price, tick)
}
