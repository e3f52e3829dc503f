// Package execution turns accepted signals into broker orders. The book
// is updated first (signal-authoritative), then per-trader legs fan out
// through the worker pool in paced batches: entries as market orders,
// brackets maintained under the single-TP discipline, closes routed to
// the exit machine.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"jet_trader/internal/broker"
	"jet_trader/internal/config"
	"jet_trader/internal/core"
	"jet_trader/internal/risk"
	"jet_trader/internal/scheduler"
	"jet_trader/pkg/concurrency"
	apperrors "jet_trader/pkg/errors"
	"jet_trader/pkg/retry"
)

// Serializer is the per-key ordering lane the pipeline runs on.
type Serializer interface {
	Go(key core.PositionKey, task func()) error
}

// Pipeline drives broker execution for one engine instance. All work for
// a (recorder, ticker) key runs on that key's lane, so two signals can
// never interleave their broker legs.
type Pipeline struct {
	registry core.IRegistry
	tracker  core.ITracker
	store    core.IStore
	prices   core.IPriceSource
	bus      core.IEventBus
	lanes    Serializer
	pool     *concurrency.WorkerPool
	batch    *scheduler.Batcher
	seq      *broker.SeqAllocator
	ledger   *Ledger
	brackets *bracketBook
	logger   core.ILogger

	exits core.IExitMachine // optional
	halt  *risk.Halt        // optional

	retryPolicy  retry.Policy
	probeWait    time.Duration
	tpRetryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	retryMu   sync.Mutex
	tpRetries map[core.TraderKey]*time.Timer
}

func NewPipeline(
	registry core.IRegistry,
	tracker core.ITracker,
	store core.IStore,
	prices core.IPriceSource,
	bus core.IEventBus,
	lanes Serializer,
	pool *concurrency.WorkerPool,
	seq *broker.SeqAllocator,
	cfg config.ExecutionConfig,
	logger core.ILogger,
) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := cfg.RetryMaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	// retry_max_attempts counts retries; the policy counts total calls.
	// A 429's Retry-After hint takes precedence over the backoff curve.
	policy := retry.Policy{
		Attempts: attempts + 1,
		Base:     500 * time.Millisecond,
		Cap:      10 * time.Second,
		HintFor:  broker.RetryAfterHint,
	}
	return &Pipeline{
		registry:     registry,
		tracker:      tracker,
		store:        store,
		prices:       prices,
		bus:          bus,
		lanes:        lanes,
		pool:         pool,
		batch:        scheduler.NewBatcher(cfg.BatchSize, cfg.BatchDelay()),
		seq:          seq,
		ledger:       NewLedger(),
		brackets:     newBracketBook(),
		logger:       logger.WithField("component", "execution_pipeline"),
		retryPolicy:  policy,
		probeWait:    time.Duration(cfg.OrderStatusProbeWaitMs) * time.Millisecond,
		tpRetryDelay: cfg.MarketabilityRetry(),
		ctx:          ctx,
		cancel:       cancel,
		tpRetries:    make(map[core.TraderKey]*time.Timer),
	}
}

// SetExitMachine wires the exit state machine for CLOSE transitions.
func (p *Pipeline) SetExitMachine(m core.IExitMachine) {
	p.exits = m
}

// SetHalt wires the entry halt latch fed by broker rejections.
func (p *Pipeline) SetHalt(h *risk.Halt) {
	p.halt = h
}

// Holdings exposes the trader position ledger to collaborators that size
// exits off real placements.
func (p *Pipeline) Holdings() *Ledger {
	return p.ledger
}

// Submit queues the signal on its key lane and returns immediately. The
// webhook's 200 never waits for broker work.
func (p *Pipeline) Submit(sig *core.Signal, rec *core.Recorder) error {
	key := core.PositionKey{RecorderID: rec.ID, Ticker: sig.Ticker}
	return p.lanes.Go(key, func() { p.process(p.ctx, sig, rec) })
}

// Stop cancels in-flight work and pending bracket retries.
func (p *Pipeline) Stop() {
	p.cancel()
	p.retryMu.Lock()
	for key, timer := range p.tpRetries {
		timer.Stop()
		delete(p.tpRetries, key)
	}
	p.retryMu.Unlock()
}

// Stats reports pipeline internals for health surfaces.
func (p *Pipeline) Stats() map[string]interface{} {
	p.retryMu.Lock()
	pending := len(p.tpRetries)
	p.retryMu.Unlock()
	return map[string]interface{}{
		"pool":               p.pool.Stats(),
		"tracked_holdings":   len(p.ledger.Snapshot()),
		"pending_tp_retries": pending,
	}
}

func (p *Pipeline) process(ctx context.Context, sig *core.Signal, rec *core.Recorder) {
	key := core.PositionKey{RecorderID: rec.ID, Ticker: sig.Ticker}
	prev, _ := p.tracker.Get(key)

	p.resolveQty(sig, rec, prev)

	pos, transition, err := p.tracker.Apply(ctx, rec, sig)
	if err != nil {
		p.logger.Error("Signal failed to apply",
			"signal_id", sig.ID,
			"recorder_id", rec.ID,
			"ticker", sig.Ticker,
			"error", err.Error())
		p.updateSignal(ctx, sig.ID, "failed", err.Error())
		p.publish("signal.failed", key.RecorderID+":"+key.Ticker, map[string]interface{}{
			"signal_id":   sig.ID,
			"recorder_id": rec.ID,
			"ticker":      sig.Ticker,
			"error":       err.Error(),
		})
		return
	}
	if transition == core.TransitionNone {
		p.logger.Debug("Signal caused no transition", "signal_id", sig.ID, "ticker", sig.Ticker)
		p.updateSignal(ctx, sig.ID, "noop", "")
		return
	}

	p.updateSignal(ctx, sig.ID, "applied", string(transition))
	p.publish("signal.applied", key.RecorderID+":"+key.Ticker, map[string]interface{}{
		"signal_id":   sig.ID,
		"recorder_id": rec.ID,
		"ticker":      sig.Ticker,
		"action":      string(sig.Action),
		"qty":         sig.Qty,
		"transition":  string(transition),
	})

	traders := p.enabledTraders(rec.ID)
	if len(traders) == 0 {
		p.logger.Warn("No enabled traders for recorder", "recorder_id", rec.ID, "ticker", sig.Ticker)
		return
	}

	switch transition {
	case core.TransitionOpened:
		p.fanOut(ctx, traders, func(ctx context.Context, tr *core.Trader) {
			p.openLeg(ctx, rec, tr, pos)
		})
	case core.TransitionDCA:
		p.fanOut(ctx, traders, func(ctx context.Context, tr *core.Trader) {
			p.dcaLeg(ctx, rec, tr, prev, pos)
		})
	case core.TransitionTrimmed:
		p.fanOut(ctx, traders, func(ctx context.Context, tr *core.Trader) {
			p.trimLeg(ctx, rec, tr, prev, pos)
		})
	case core.TransitionFlipped:
		p.fanOut(ctx, traders, func(ctx context.Context, tr *core.Trader) {
			p.flipLeg(ctx, rec, tr, prev, pos)
		})
	case core.TransitionClosed:
		p.requestExits(ctx, sig, rec, traders)
	}
}

// resolveQty fills a missing quantity from the recorder template: opens
// and flips take base_qty, same-side adds take add_qty. The webhook
// leaves Qty at zero when the alert omits it.
func (p *Pipeline) resolveQty(sig *core.Signal, rec *core.Recorder, prev *core.VirtualPosition) {
	if sig.Action == core.SignalClose || sig.Qty > 0 {
		return
	}
	want := core.SideLong
	if sig.Action == core.SignalSell {
		want = core.SideShort
	}
	if prev != nil && !prev.Flat() && prev.Side == want {
		sig.Qty = rec.AddQty
		if sig.Qty == 0 {
			sig.Qty = rec.BaseQty
		}
	} else {
		sig.Qty = rec.BaseQty
	}
	if rec.Filters.MaxContracts > 0 && sig.Qty > rec.Filters.MaxContracts {
		sig.Qty = rec.Filters.MaxContracts
	}
}

// fanOut runs one leg per trader on the worker pool, pacing submissions
// in batches so large account sets do not burst the broker. It returns
// only after every submitted leg finished, which keeps the key lane
// closed to the next signal until broker work is done.
func (p *Pipeline) fanOut(ctx context.Context, traders []*core.Trader, leg func(context.Context, *core.Trader)) {
	group := p.pool.Group()
	if err := p.batch.Run(ctx, len(traders), func(i int) {
		tr := traders[i]
		group.Submit(func() { leg(ctx, tr) })
	}); err != nil {
		p.logger.Warn("Trader fan-out interrupted", "error", err.Error())
	}
	group.Wait()
}

func (p *Pipeline) enabledTraders(recorderID string) []*core.Trader {
	var out []*core.Trader
	for _, tr := range p.registry.TradersFor(recorderID) {
		if !tr.Enabled {
			continue
		}
		if _, ok := p.registry.Account(tr.AccountID); !ok {
			p.logger.Warn("Trader references unknown account", "trader_id", tr.ID, "account_id", tr.AccountID)
			continue
		}
		out = append(out, tr)
	}
	return out
}

func (p *Pipeline) openLeg(ctx context.Context, rec *core.Recorder, tr *core.Trader, pos *core.VirtualPosition) {
	key := core.TraderKey{TraderID: tr.ID, Ticker: pos.Ticker}
	qty := p.entryQty(rec, tr, pos.TotalQty)
	if qty <= 0 {
		p.logger.Warn("Entry skipped, zero quantity", "trader_id", tr.ID, "ticker", pos.Ticker)
		return
	}
	if _, err := p.placeMarket(ctx, rec, tr, pos.Ticker, pos.Side.EntryAction(), qty, core.RoleEntry); err != nil {
		p.entryFailed(rec, tr, pos.Ticker, err)
		return
	}
	p.entryPlaced(rec, pos.Ticker)
	p.ledger.Set(key, qty)

	if err := p.maintainBrackets(ctx, rec, tr, pos); err != nil {
		p.logger.Error("Bracket maintenance failed",
			"trader_id", tr.ID,
			"ticker", pos.Ticker,
			"error", err.Error())
	}
}

func (p *Pipeline) dcaLeg(ctx context.Context, rec *core.Recorder, tr *core.Trader, prev, pos *core.VirtualPosition) {
	key := core.TraderKey{TraderID: tr.ID, Ticker: pos.Ticker}
	held := p.holding(ctx, tr, key, prev)
	qty := p.addSize(rec, tr, prev, pos, held)
	if qty <= 0 {
		p.logger.Info("Add skipped at size cap",
			"trader_id", tr.ID,
			"ticker", pos.Ticker,
			"held", held)
	} else {
		if _, err := p.placeMarket(ctx, rec, tr, pos.Ticker, pos.Side.EntryAction(), qty, core.RoleEntry); err != nil {
			p.entryFailed(rec, tr, pos.Ticker, err)
			return
		}
		p.entryPlaced(rec, pos.Ticker)
		p.ledger.Add(key, qty)
	}

	// The average moved, so the bracket follows even when no contracts
	// were added.
	if err := p.maintainBrackets(ctx, rec, tr, pos); err != nil {
		p.logger.Error("Bracket maintenance failed",
			"trader_id", tr.ID,
			"ticker", pos.Ticker,
			"error", err.Error())
	}
}

func (p *Pipeline) trimLeg(ctx context.Context, rec *core.Recorder, tr *core.Trader, prev, pos *core.VirtualPosition) {
	key := core.TraderKey{TraderID: tr.ID, Ticker: pos.Ticker}
	held := p.holding(ctx, tr, key, prev)
	if held <= 0 {
		return
	}
	target := trimTarget(held, prev.TotalQty, pos.TotalQty, tr.MirrorsBook())
	if cut := held - target; cut > 0 {
		if _, err := p.placeMarket(ctx, rec, tr, pos.Ticker, pos.Side.EntryAction().Opposite(), cut, core.RoleExit); err != nil {
			p.logger.Error("Trim order failed, brackets left at prior size",
				"trader_id", tr.ID,
				"ticker", pos.Ticker,
				"error", err.Error())
			return
		}
		p.ledger.Set(key, target)
	}
	if target <= 0 {
		p.cancelBrackets(ctx, tr, pos.Ticker)
		return
	}
	if err := p.maintainBrackets(ctx, rec, tr, pos); err != nil {
		p.logger.Error("Bracket maintenance failed",
			"trader_id", tr.ID,
			"ticker", pos.Ticker,
			"error", err.Error())
	}
}

// flipLeg flattens the old side and opens the new one as two market
// orders, with the bracket set rebuilt from scratch in between. The
// close leg is kept out of the exit machine on purpose: its flat
// confirmation would race the re-open and read the fresh position as a
// failed exit.
func (p *Pipeline) flipLeg(ctx context.Context, rec *core.Recorder, tr *core.Trader, prev, pos *core.VirtualPosition) {
	key := core.TraderKey{TraderID: tr.ID, Ticker: pos.Ticker}
	held := p.holding(ctx, tr, key, prev)

	p.cancelBrackets(ctx, tr, pos.Ticker)

	if held > 0 {
		if _, err := p.placeMarket(ctx, rec, tr, pos.Ticker, prev.Side.EntryAction().Opposite(), held, core.RoleExit); err != nil {
			p.logger.Error("Flip close leg failed, new side not opened",
				"trader_id", tr.ID,
				"ticker", pos.Ticker,
				"error", err.Error())
			return
		}
		p.ledger.Clear(key)
	}

	qty := p.entryQty(rec, tr, pos.TotalQty)
	if qty <= 0 {
		p.logger.Warn("Flip entry skipped, zero quantity", "trader_id", tr.ID, "ticker", pos.Ticker)
		return
	}
	if _, err := p.placeMarket(ctx, rec, tr, pos.Ticker, pos.Side.EntryAction(), qty, core.RoleEntry); err != nil {
		p.entryFailed(rec, tr, pos.Ticker, err)
		return
	}
	p.entryPlaced(rec, pos.Ticker)
	p.ledger.Set(key, qty)

	if err := p.maintainBrackets(ctx, rec, tr, pos); err != nil {
		p.logger.Error("Bracket maintenance failed",
			"trader_id", tr.ID,
			"ticker", pos.Ticker,
			"error", err.Error())
	}
}

func (p *Pipeline) requestExits(ctx context.Context, sig *core.Signal, rec *core.Recorder, traders []*core.Trader) {
	if p.exits == nil {
		p.logger.Error("Exit machine not configured, traders stay open",
			"recorder_id", rec.ID,
			"ticker", sig.Ticker)
		return
	}
	reason := core.CloseOpposite
	if sig.Action == core.SignalClose {
		reason = core.CloseSignal
	}
	for _, tr := range traders {
		key := core.TraderKey{TraderID: tr.ID, Ticker: sig.Ticker}
		if err := p.exits.RequestExit(ctx, key, reason); err != nil {
			p.logger.Error("Exit request failed",
				"trader_id", tr.ID,
				"ticker", sig.Ticker,
				"error", err.Error())
		}
	}
}

// entryQty sizes an opening order: mirrors-book traders follow the book
// exactly, overridden traders use their template capped at max_qty.
func (p *Pipeline) entryQty(rec *core.Recorder, tr *core.Trader, bookQty int) int {
	if tr.MirrorsBook() {
		return bookQty
	}
	qty := tr.EffectiveBaseQty(rec)
	if tr.MaxQty > 0 && qty > tr.MaxQty {
		qty = tr.MaxQty
	}
	return qty
}

// addSize sizes a DCA order. Overridden traders add their template
// quantity up to max_qty; mirrors-book traders add the book delta.
func (p *Pipeline) addSize(rec *core.Recorder, tr *core.Trader, prev, pos *core.VirtualPosition, held int) int {
	if tr.MirrorsBook() {
		return pos.TotalQty - prev.TotalQty
	}
	qty := tr.EffectiveAddQty(rec)
	if tr.MaxQty > 0 && held+qty > tr.MaxQty {
		qty = tr.MaxQty - held
	}
	if qty < 0 {
		qty = 0
	}
	return qty
}

// trimTarget scales the book's surviving fraction onto the trader's real
// holding, rounding half up. Mirrors-book traders land exactly on the
// book total.
func trimTarget(held, prevTotal, newTotal int, mirrors bool) int {
	if mirrors {
		return newTotal
	}
	if prevTotal <= 0 {
		return 0
	}
	return (held*newTotal + prevTotal/2) / prevTotal
}

// holding returns the trader's tracked position, priming the ledger on
// first touch after a restart. Mirrors-book traders prime from the book;
// overridden traders ask the broker once.
func (p *Pipeline) holding(ctx context.Context, tr *core.Trader, key core.TraderKey, book *core.VirtualPosition) int {
	if held, ok := p.ledger.Holding(key); ok {
		return held
	}
	if book == nil || book.Flat() {
		return 0
	}
	if tr.MirrorsBook() {
		p.ledger.Set(key, book.TotalQty)
		return book.TotalQty
	}
	if br, _, err := p.brokerFor(tr); err == nil {
		if positions, perr := br.ListPositions(ctx, tr.AccountID); perr == nil {
			for _, bp := range positions {
				if bp.Symbol == key.Ticker {
					held := abs(bp.NetQty)
					p.ledger.Set(key, held)
					return held
				}
			}
			return 0
		}
	}
	p.logger.Warn("Broker unavailable, sizing overridden trader off the book",
		"trader_id", tr.ID,
		"ticker", key.Ticker)
	p.ledger.Set(key, book.TotalQty)
	return book.TotalQty
}

func (p *Pipeline) brokerFor(tr *core.Trader) (core.IBroker, *core.BrokerAccount, error) {
	acct, ok := p.registry.Account(tr.AccountID)
	if !ok {
		return nil, nil, fmt.Errorf("unknown account %d", tr.AccountID)
	}
	br, ok := p.registry.BrokerFor(acct.Environment)
	if !ok {
		return nil, nil, fmt.Errorf("no broker client for %s environment", acct.Environment)
	}
	return br, acct, nil
}

func (p *Pipeline) placeMarket(ctx context.Context, rec *core.Recorder, tr *core.Trader, symbol string, action core.OrderAction, qty int, role core.OrderRole) (*core.BrokerOrder, error) {
	br, _, err := p.brokerFor(tr)
	if err != nil {
		return nil, err
	}
	req := &core.PlaceOrderRequest{
		AccountID: tr.AccountID,
		Action:    action,
		Symbol:    symbol,
		OrderType: core.OrderTypeMarket,
		OrderQty:  qty,
		Tag:       p.tag(tr.AccountID, symbol, rec.StrategyID, role),
	}
	return p.placeWithRecovery(ctx, br, req, role)
}

func (p *Pipeline) tag(accountID int64, symbol, strategy string, role core.OrderRole) string {
	return broker.Tag{
		AccountID: accountID,
		Symbol:    symbol,
		Strategy:  strategy,
		Role:      role,
		Seq:       p.seq.Next(accountID, symbol, role),
	}.String()
}

// placeWithRecovery places an order, recovering ambiguous transport
// failures by probing for the tag before retrying. Placement is not
// idempotent; a blind retry after a timeout could double-fill.
func (p *Pipeline) placeWithRecovery(ctx context.Context, br core.IBroker, req *core.PlaceOrderRequest, role core.OrderRole) (*core.BrokerOrder, error) {
	attempt := 0
	ord, err := retry.DoValue(ctx, p.retryPolicy, apperrors.Transient, func() (*core.BrokerOrder, error) {
		attempt++
		ord, err := br.PlaceOrder(ctx, req)
		if err == nil {
			return ord, nil
		}

		p.logger.Warn("Order placement failed",
			"account_id", req.AccountID,
			"symbol", req.Symbol,
			"role", string(role),
			"attempt", attempt,
			"error", err.Error())

		// A timed-out request may still have created the order; look for
		// the tag before letting the policy place again.
		if errors.Is(err, apperrors.ErrTransient) {
			if found := p.probeByTag(ctx, br, req); found != nil {
				p.logger.Info("Order recovered by tag probe",
					"order_id", found.OrderID,
					"symbol", req.Symbol,
					"role", string(role))
				return found, nil
			}
		}
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	p.recordOrder(ctx, ord)
	return ord, nil
}

// probeByTag looks for an order that may have been created by a request
// whose response was lost.
func (p *Pipeline) probeByTag(ctx context.Context, br core.IBroker, req *core.PlaceOrderRequest) *core.BrokerOrder {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(p.probeWait):
	}
	orders, err := br.ListOrders(ctx, req.AccountID)
	if err != nil {
		return nil
	}
	for _, o := range orders {
		if o.Tag == req.Tag {
			return o
		}
	}
	return nil
}

func (p *Pipeline) modifyWithRetry(ctx context.Context, br core.IBroker, req *core.ModifyOrderRequest) error {
	return retry.Do(ctx, p.retryPolicy, apperrors.Transient, func() error {
		return br.ModifyOrder(ctx, req)
	})
}

func (p *Pipeline) recordOrder(ctx context.Context, ord *core.BrokerOrder) {
	if err := p.store.SaveBrokerOrder(ctx, ord); err != nil {
		p.logger.Error("Failed to persist order projection",
			"order_id", ord.OrderID,
			"error", err.Error())
	}
	p.publish("order.placed", fmt.Sprintf("%d:%s", ord.AccountID, ord.Symbol), map[string]interface{}{
		"order_id":   ord.OrderID,
		"account_id": ord.AccountID,
		"symbol":     ord.Symbol,
		"role":       string(ord.Role),
		"action":     string(ord.Action),
		"qty":        ord.Qty,
		"price":      ord.Price.String(),
		"seq":        ord.Seq,
	})
}

func (p *Pipeline) entryFailed(rec *core.Recorder, tr *core.Trader, ticker string, err error) {
	p.logger.Error("Entry order failed",
		"trader_id", tr.ID,
		"ticker", ticker,
		"error", err.Error())
	if p.halt != nil && errors.Is(err, apperrors.ErrBrokerRejected) {
		p.halt.RecordReject(core.PositionKey{RecorderID: rec.ID, Ticker: ticker}, time.Now())
	}
	p.publish("order.rejected", fmt.Sprintf("%d:%s", tr.AccountID, ticker), map[string]interface{}{
		"account_id": tr.AccountID,
		"trader_id":  tr.ID,
		"symbol":     ticker,
		"error":      err.Error(),
	})
}

func (p *Pipeline) entryPlaced(rec *core.Recorder, ticker string) {
	if p.halt != nil {
		p.halt.RecordAccept(core.PositionKey{RecorderID: rec.ID, Ticker: ticker})
	}
}

func (p *Pipeline) publish(topic, key string, payload map[string]interface{}) {
	if p.bus != nil {
		p.bus.Publish(topic, key, payload)
	}
}

func (p *Pipeline) updateSignal(ctx context.Context, signalID, status, detail string) {
	if err := p.store.UpdateSignalStatus(ctx, signalID, status, detail); err != nil {
		p.logger.Warn("Failed to update signal status",
			"signal_id", signalID,
			"error", err.Error())
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

var _ risk.BracketMaintainer = (*Pipeline)(nil)
