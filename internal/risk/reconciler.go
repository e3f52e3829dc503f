package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"jet_trader/internal/core"
	apperrors "jet_trader/pkg/errors"
	"jet_trader/pkg/telemetry"
)

// BracketMaintainer restores the TP/SL brackets of one trader's open
// position. Implementations own the single-TP invariant and the
// marketability guard; the reconciler only decides WHEN brackets need
// attention.
type BracketMaintainer interface {
	EnsureBrackets(ctx context.Context, rec *core.Recorder, tr *core.Trader, pos *core.VirtualPosition) error
}

// KeyRunner executes a task inside the serial slot of one position key so
// reconciliation never races a concurrent signal for the same key. Run
// returns after the task has finished.
type KeyRunner interface {
	Run(key core.PositionKey, task func())
}

// ReconcilerConfig bounds the reconciler's cadence. Zero values fall back
// to 60 s passes, a 5 min full sweep and a 30 s per-pass timeout.
type ReconcilerConfig struct {
	Interval    time.Duration
	FullSweep   time.Duration
	PassTimeout time.Duration
}

func (c *ReconcilerConfig) withDefaults() ReconcilerConfig {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 60 * time.Second
	}
	if out.FullSweep <= 0 {
		out.FullSweep = 5 * time.Minute
	}
	if out.PassTimeout <= 0 {
		out.PassTimeout = 30 * time.Second
	}
	return out
}

// PassStatus describes the most recent reconciliation pass.
type PassStatus struct {
	ID          string
	Status      string
	StartedAt   time.Time
	CompletedAt time.Time
	FullSweep   bool
	KeysChecked int
	DriftFound  int
	Orphans     int
	LastError   string
}

// Reconciler compares every open virtual position against the broker's
// books and converges them. The virtual book is authoritative for intent;
// the broker is authoritative for what actually happened, so drift is
// resolved toward the broker: positions closed behind the engine's back are
// closed in the book, partial closes shrink the book, and a broker position
// on the opposite side of the book trips the kill switch.
type Reconciler struct {
	registry core.IRegistry
	tracker  core.ITracker
	store    core.IStore
	prices   core.IPriceSource
	bus      core.IEventBus    // optional
	kill     core.IKillSwitch  // optional
	brackets BracketMaintainer // optional
	runner   KeyRunner         // optional
	logger   core.ILogger
	cfg      ReconcilerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	// Status tracking
	lastResult PassStatus
	statusMu   sync.RWMutex
}

// NewReconciler creates a reconciler over the given collaborators. The kill
// switch, bracket maintainer and key runner are wired through setters
// because they come up after the reconciler during boot.
func NewReconciler(
	registry core.IRegistry,
	tracker core.ITracker,
	store core.IStore,
	prices core.IPriceSource,
	bus core.IEventBus,
	cfg ReconcilerConfig,
	logger core.ILogger,
) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		registry: registry,
		tracker:  tracker,
		store:    store,
		prices:   prices,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		logger:   logger.WithField("component", "reconciler"),
		ctx:      ctx,
		cancel:   cancel,
		lastResult: PassStatus{
			Status: "never_run",
		},
	}
}

// SetKillSwitch wires the kill switch used for opposite-side drift.
func (r *Reconciler) SetKillSwitch(k core.IKillSwitch) {
	r.kill = k
}

// SetBrackets wires the bracket maintainer used to restore missing TPs.
func (r *Reconciler) SetBrackets(b BracketMaintainer) {
	r.brackets = b
}

// SetKeyRunner wires the per-key serializer shared with signal processing.
func (r *Reconciler) SetKeyRunner(kr KeyRunner) {
	r.runner = kr
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler",
		"interval", r.cfg.Interval,
		"full_sweep", r.cfg.FullSweep)

	r.wg.Add(1)
	go r.runLoop()

	return nil
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	lastSweep := time.Now()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			sweep := time.Since(lastSweep) >= r.cfg.FullSweep
			ctx, cancel := context.WithTimeout(r.ctx, r.cfg.PassTimeout)
			var err error
			if sweep {
				err = r.Reconcile(ctx)
				lastSweep = time.Now()
			} else {
				err = r.reconcileActive(ctx)
			}
			if err != nil {
				r.logger.Error("Reconciliation failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// Reconcile performs a full sweep: every open key is converged and every
// configured account is scanned for orphan broker positions.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pass(ctx, true)
}

// ReconcileKey converges a single key outside the periodic cadence. The
// execution pipeline calls this after suspicious broker responses.
func (r *Reconciler) ReconcileKey(ctx context.Context, key core.PositionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	states, fetchErrs := r.snapshotAccounts(ctx, r.accountsForKeys([]core.PositionKey{key}, false))
	if len(states) > 0 && fetchErrs == len(states) {
		return fmt.Errorf("broker snapshot failed for all %d accounts", fetchErrs)
	}

	r.run(key, func() {
		r.reconcileKey(ctx, key, states)
	})
	return nil
}

// TriggerManual triggers a full reconciliation immediately.
func (r *Reconciler) TriggerManual(ctx context.Context) error {
	r.logger.Info("Manual reconciliation triggered")
	return r.Reconcile(ctx)
}

// GetStatus returns a copy of the most recent pass result.
func (r *Reconciler) GetStatus() PassStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.lastResult
}

// reconcileActive converges the open keys without the orphan sweep.
func (r *Reconciler) reconcileActive(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pass(ctx, false)
}

func (r *Reconciler) pass(ctx context.Context, sweep bool) error {
	passID := fmt.Sprintf("rec_%d", time.Now().UnixNano())
	started := time.Now()

	r.statusMu.Lock()
	r.lastResult = PassStatus{
		ID:        passID,
		Status:    "running",
		StartedAt: started,
		FullSweep: sweep,
	}
	r.statusMu.Unlock()

	keys := r.tracker.OpenKeys()
	states, fetchErrs := r.snapshotAccounts(ctx, r.accountsForKeys(keys, sweep))

	if len(states) > 0 && fetchErrs == len(states) {
		err := fmt.Errorf("broker snapshot failed for all %d accounts", fetchErrs)
		r.statusMu.Lock()
		r.lastResult.Status = "failed"
		r.lastResult.CompletedAt = time.Now()
		r.lastResult.LastError = err.Error()
		r.statusMu.Unlock()
		return err
	}

	drift := 0
	for _, key := range keys {
		k := key
		r.run(k, func() {
			drift += r.reconcileKey(ctx, k, states)
		})
	}

	orphans := 0
	if sweep {
		orphans = r.scanOrphans(ctx, keys, states)
	}

	r.statusMu.Lock()
	r.lastResult.Status = "completed"
	r.lastResult.CompletedAt = time.Now()
	r.lastResult.KeysChecked = len(keys)
	r.lastResult.DriftFound = drift
	r.lastResult.Orphans = orphans
	if fetchErrs > 0 {
		r.lastResult.LastError = fmt.Sprintf("%d account snapshots failed", fetchErrs)
	}
	r.statusMu.Unlock()

	kind := "active"
	if sweep {
		kind = "sweep"
	}
	if m := telemetry.GetGlobalMetrics(); m != nil && m.ReconcilePassesTotal != nil {
		m.ReconcilePassesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
	r.publish("reconcile.pass", passID, map[string]interface{}{
		"id":           passID,
		"full_sweep":   sweep,
		"keys_checked": len(keys),
		"drift_found":  drift,
		"orphans":      orphans,
		"elapsed_ms":   time.Since(started).Milliseconds(),
	})
	r.logger.Info("Reconciliation pass completed",
		"id", passID,
		"keys", len(keys),
		"drift", drift,
		"orphans", orphans)
	return nil
}

// accountState is one account's broker snapshot taken at the start of a
// pass. Keys on accounts whose snapshot failed are left untouched rather
// than judged against missing data.
type accountState struct {
	account   *core.BrokerAccount
	broker    core.IBroker
	positions map[string]*core.BrokerPosition
	orders    []*core.BrokerOrder
	err       error
}

func (r *Reconciler) accountsForKeys(keys []core.PositionKey, sweep bool) map[int64]*core.BrokerAccount {
	accounts := make(map[int64]*core.BrokerAccount)
	for _, key := range keys {
		for _, tr := range r.enabledTraders(key.RecorderID) {
			if acct, ok := r.registry.Account(tr.AccountID); ok {
				accounts[acct.ID] = acct
			}
		}
	}
	if sweep {
		for _, acct := range r.registry.Accounts() {
			accounts[acct.ID] = acct
		}
	}
	return accounts
}

func (r *Reconciler) snapshotAccounts(ctx context.Context, accounts map[int64]*core.BrokerAccount) (map[int64]*accountState, int) {
	states := make(map[int64]*accountState, len(accounts))
	fetchErrs := 0
	for id, acct := range accounts {
		st := r.fetchAccountState(ctx, acct)
		if st.err != nil {
			fetchErrs++
			r.logger.Error("Broker snapshot failed",
				"account_id", id,
				"environment", string(acct.Environment),
				"error", st.err.Error())
		}
		states[id] = st
	}
	return states, fetchErrs
}

func (r *Reconciler) fetchAccountState(ctx context.Context, acct *core.BrokerAccount) *accountState {
	st := &accountState{account: acct, positions: make(map[string]*core.BrokerPosition)}

	broker, ok := r.registry.BrokerFor(acct.Environment)
	if !ok {
		st.err = fmt.Errorf("no broker client for environment %q", acct.Environment)
		return st
	}
	st.broker = broker

	positions, err := broker.ListPositions(ctx, acct.ID)
	if err != nil {
		st.err = fmt.Errorf("list positions: %w", err)
		return st
	}
	for _, p := range positions {
		st.positions[p.Symbol] = p
	}

	orders, err := broker.ListOrders(ctx, acct.ID)
	if err != nil {
		st.err = fmt.Errorf("list orders: %w", err)
		return st
	}
	st.orders = orders
	return st
}

// traderOutcome is what one trader's broker state said about the book.
type traderOutcome int

const (
	outcomeUnknown traderOutcome = iota // snapshot missing, no judgement
	outcomeFlat
	outcomeOpen
	outcomeKilled
)

// reconcileKey applies the drift decision table to one key and returns the
// number of drift cases found. It runs inside the key's serial slot.
func (r *Reconciler) reconcileKey(ctx context.Context, key core.PositionKey, states map[int64]*accountState) int {
	rec, ok := r.registry.Recorder(key.RecorderID)
	if !ok {
		r.logger.Warn("Open position has no recorder", "recorder_id", key.RecorderID, "ticker", key.Ticker)
		return 0
	}
	vpos, ok := r.tracker.Get(key)
	if !ok {
		// Closed between listing and this slot.
		return 0
	}
	traders := r.enabledTraders(key.RecorderID)
	if len(traders) == 0 {
		r.logger.Debug("Open position has no enabled traders", "recorder_id", key.RecorderID, "ticker", key.Ticker)
		return 0
	}

	drift := 0
	outcomes := make([]traderOutcome, len(traders))
	shrinkTarget := 0
	shrinkNeeded := false

	for i, tr := range traders {
		st := states[tr.AccountID]
		if st == nil || st.err != nil {
			outcomes[i] = outcomeUnknown
			continue
		}

		r.syncOrderProjections(ctx, st, tr.AccountID, key.Ticker)

		bp := st.positions[key.Ticker]
		net := 0
		if bp != nil {
			net = bp.NetQty
		}
		if net == 0 {
			outcomes[i] = outcomeFlat
			if tr.MirrorsBook() {
				r.logger.Warn("Trader flat at broker while book is open",
					"recorder_id", key.RecorderID,
					"trader_id", tr.ID,
					"account_id", tr.AccountID,
					"ticker", key.Ticker)
			}
			continue
		}
		outcomes[i] = outcomeOpen

		if bp.Side() == vpos.Side.Opposite() {
			if r.killInconsistent(ctx, key, tr, bp, vpos) {
				outcomes[i] = outcomeKilled
			}
			drift++
			continue
		}

		if !r.hasWorkingTP(st, key.Ticker) {
			r.restoreTP(ctx, key, rec, tr, vpos)
			drift++
		}

		// Quantity comparisons only make sense for traders that mirror
		// the book one-to-one. Traders with size overrides keep the
		// side and flatness checks above and nothing else.
		if !tr.MirrorsBook() {
			continue
		}
		q := net
		if q < 0 {
			q = -q
		}
		switch {
		case q == vpos.TotalQty:
			if r.checkAvgDrift(ctx, key, st, bp, vpos) {
				drift++
			}
		case q > vpos.TotalQty:
			r.logger.Warn("Broker holds more than the book",
				"recorder_id", key.RecorderID,
				"account_id", tr.AccountID,
				"ticker", key.Ticker,
				"broker_qty", q,
				"virtual_qty", vpos.TotalQty)
			r.publish("reconcile.drift", key.RecorderID, map[string]interface{}{
				"action":      "orphan_excess",
				"recorder":    key.RecorderID,
				"ticker":      key.Ticker,
				"account_id":  tr.AccountID,
				"broker_qty":  q,
				"virtual_qty": vpos.TotalQty,
			})
			r.countDrift(ctx, "orphan_excess")
			drift++
		default:
			shrinkNeeded = true
			if q > shrinkTarget {
				shrinkTarget = q
			}
		}
	}

	killed, allSettled := summarize(outcomes)
	switch {
	case allSettled && killed > 0:
		// The kill switch already flattened the broker side; close the
		// book so signal history stays coherent.
		if _, err := r.tracker.CloseAt(ctx, key, r.lastPrice(key.Ticker), core.CloseKillSwitch); err != nil {
			r.logger.Error("Failed to close book after kill", "recorder_id", key.RecorderID, "error", err.Error())
		}
		return drift + 1
	case allSettled:
		r.manualClose(ctx, key, traders, states, vpos)
		return drift + 1
	}

	if shrinkNeeded && shrinkTarget > 0 && shrinkTarget < vpos.TotalQty {
		r.shrinkBook(ctx, key, rec, traders, shrinkTarget)
		drift++
	}
	return drift
}

// summarize reports how many traders were killed and whether every trader
// ended flat or killed. A single open or unknown trader keeps the book
// alive.
func summarize(outcomes []traderOutcome) (killed int, allSettled bool) {
	allSettled = len(outcomes) > 0
	for _, o := range outcomes {
		switch o {
		case outcomeKilled:
			killed++
		case outcomeFlat:
		default:
			allSettled = false
		}
	}
	return killed, allSettled
}

// killInconsistent handles a broker position on the opposite side of the
// book. A regular market exit would size off the book and make things
// worse, so this goes straight to the kill switch, which flattens whatever
// the broker actually holds.
func (r *Reconciler) killInconsistent(ctx context.Context, key core.PositionKey, tr *core.Trader, bp *core.BrokerPosition, vpos *core.VirtualPosition) bool {
	err := fmt.Errorf("broker %s %d against virtual %s %d: %w",
		bp.Side(), abs(bp.NetQty), vpos.Side, vpos.TotalQty, apperrors.ErrInconsistent)
	r.logger.Error("Broker position contradicts signal history",
		"recorder_id", key.RecorderID,
		"trader_id", tr.ID,
		"account_id", tr.AccountID,
		"ticker", key.Ticker,
		"error", err.Error())
	r.publish("reconcile.kill", key.RecorderID, map[string]interface{}{
		"recorder":    key.RecorderID,
		"trader":      tr.ID,
		"account_id":  tr.AccountID,
		"ticker":      key.Ticker,
		"broker_side": string(bp.Side()),
		"broker_qty":  abs(bp.NetQty),
		"virtual_qty": vpos.TotalQty,
	})
	r.countDrift(ctx, "kill")

	if r.kill == nil {
		r.logger.Error("Kill switch not configured, cannot flatten", "account_id", tr.AccountID)
		return false
	}
	if ferr := r.kill.Flatten(ctx, tr.AccountID, key.Ticker); ferr != nil {
		r.logger.Error("Kill switch failed",
			"account_id", tr.AccountID,
			"ticker", key.Ticker,
			"error", ferr.Error())
		return false
	}
	return true
}

// manualClose treats an all-flat broker side as a close done behind the
// engine's back: the book is closed at the last known market price and any
// brackets the engine left working are cancelled.
func (r *Reconciler) manualClose(ctx context.Context, key core.PositionKey, traders []*core.Trader, states map[int64]*accountState, vpos *core.VirtualPosition) {
	last := r.lastPrice(key.Ticker)
	trade, err := r.tracker.CloseAt(ctx, key, last, core.CloseManualBroker)
	if err != nil {
		r.logger.Error("Failed to close book after manual broker close",
			"recorder_id", key.RecorderID,
			"ticker", key.Ticker,
			"error", err.Error())
		return
	}

	for _, tr := range traders {
		st := states[tr.AccountID]
		if st == nil || st.err != nil {
			continue
		}
		r.cancelBrackets(ctx, st, tr.AccountID, key.Ticker)
	}

	payload := map[string]interface{}{
		"recorder": key.RecorderID,
		"ticker":   key.Ticker,
		"qty":      vpos.TotalQty,
	}
	if trade != nil {
		payload["exit_price"] = trade.ExitPrice.String()
		payload["realized_usd"] = trade.RealizedUSD.String()
	}
	r.publish("reconcile.manual_close", key.RecorderID, payload)
	r.countDrift(ctx, "manual_close")
	r.logger.Warn("Broker position closed outside the engine",
		"recorder_id", key.RecorderID,
		"ticker", key.Ticker,
		"qty", vpos.TotalQty)
}

// shrinkBook converges the book onto a smaller same-side broker position,
// then has the bracket maintainer resize the TP.
func (r *Reconciler) shrinkBook(ctx context.Context, key core.PositionKey, rec *core.Recorder, traders []*core.Trader, target int) {
	shrunk, err := r.tracker.ShrinkTo(ctx, key, target)
	if err != nil {
		r.logger.Error("Failed to shrink book",
			"recorder_id", key.RecorderID,
			"ticker", key.Ticker,
			"target_qty", target,
			"error", err.Error())
		return
	}

	for _, tr := range traders {
		r.ensureBrackets(ctx, rec, tr, shrunk)
	}

	r.publish("reconcile.drift", key.RecorderID, map[string]interface{}{
		"action":   "partial_close",
		"recorder": key.RecorderID,
		"ticker":   key.Ticker,
		"new_qty":  target,
	})
	r.countDrift(ctx, "partial_close")
	r.logger.Warn("Book shrunk to broker position",
		"recorder_id", key.RecorderID,
		"ticker", key.Ticker,
		"new_qty", target)
}

// checkAvgDrift logs when the broker's average entry wanders more than a
// tenth of a tick from the book's VWAP. The book is signal-authoritative,
// so the average is reported, never overwritten.
func (r *Reconciler) checkAvgDrift(ctx context.Context, key core.PositionKey, st *accountState, bp *core.BrokerPosition, vpos *core.VirtualPosition) bool {
	if st.broker == nil || bp.AvgPrice.IsZero() {
		return false
	}
	contract, err := st.broker.GetContract(ctx, key.Ticker)
	if err != nil || contract == nil || !contract.TickSize.IsPositive() {
		return false
	}
	tolerance := contract.TickSize.Div(decimalTen)
	diff := bp.AvgPrice.Sub(vpos.AvgEntryPrice).Abs()
	if diff.LessThanOrEqual(tolerance) {
		return false
	}

	r.logger.Info("Average entry drift",
		"recorder_id", key.RecorderID,
		"ticker", key.Ticker,
		"virtual_avg", vpos.AvgEntryPrice.String(),
		"broker_avg", bp.AvgPrice.String())
	r.publish("reconcile.drift", key.RecorderID, map[string]interface{}{
		"action":      "avg_drift",
		"recorder":    key.RecorderID,
		"ticker":      key.Ticker,
		"virtual_avg": vpos.AvgEntryPrice.String(),
		"broker_avg":  bp.AvgPrice.String(),
	})
	r.countDrift(ctx, "avg_drift")
	return true
}

// hasWorkingTP reports whether the account snapshot holds a live take-profit
// order for the symbol.
func (r *Reconciler) hasWorkingTP(st *accountState, symbol string) bool {
	for _, o := range st.orders {
		if o.AccountID == st.account.ID && o.Symbol == symbol && o.Status.Live() && o.Role == core.RoleTP {
			return true
		}
	}
	return false
}

// restoreTP asks the bracket maintainer to rebuild a missing take-profit.
func (r *Reconciler) restoreTP(ctx context.Context, key core.PositionKey, rec *core.Recorder, tr *core.Trader, vpos *core.VirtualPosition) {
	r.logger.Warn("Working TP missing at broker",
		"recorder_id", key.RecorderID,
		"trader_id", tr.ID,
		"account_id", tr.AccountID,
		"ticker", key.Ticker)
	r.publish("reconcile.drift", key.RecorderID, map[string]interface{}{
		"action":     "tp_missing",
		"recorder":   key.RecorderID,
		"trader":     tr.ID,
		"account_id": tr.AccountID,
		"ticker":     key.Ticker,
	})
	r.countDrift(ctx, "tp_missing")
	r.ensureBrackets(ctx, rec, tr, vpos)
}

func (r *Reconciler) ensureBrackets(ctx context.Context, rec *core.Recorder, tr *core.Trader, vpos *core.VirtualPosition) {
	if r.brackets == nil {
		r.logger.Warn("Bracket maintainer not configured, cannot restore brackets", "trader_id", tr.ID)
		return
	}
	if err := r.brackets.EnsureBrackets(ctx, rec, tr, vpos); err != nil {
		r.logger.Error("Failed to restore brackets",
			"trader_id", tr.ID,
			"account_id", tr.AccountID,
			"error", err.Error())
	}
}

// cancelBrackets cancels the engine's own working TP/SL orders for one
// account and symbol. Orders without a parseable role were not placed by
// the engine and stay untouched.
func (r *Reconciler) cancelBrackets(ctx context.Context, st *accountState, accountID int64, symbol string) {
	for _, o := range st.orders {
		if o.AccountID != accountID || o.Symbol != symbol || !o.Status.Live() {
			continue
		}
		if o.Role != core.RoleTP && o.Role != core.RoleSL {
			continue
		}
		if err := st.broker.CancelOrder(ctx, accountID, o.OrderID); err != nil {
			r.logger.Error("Failed to cancel lingering bracket",
				"account_id", accountID,
				"order_id", o.OrderID,
				"role", string(o.Role),
				"error", err.Error())
			continue
		}
		if err := r.store.UpdateOrderStatus(ctx, o.OrderID, core.StatusCanceled, "reconcile", "lingering bracket"); err != nil {
			r.logger.Warn("Failed to record bracket cancel", "order_id", o.OrderID, "error", err.Error())
		}
		r.logger.Info("Cancelled lingering bracket",
			"account_id", accountID,
			"order_id", o.OrderID,
			"role", string(o.Role))
	}
}

// syncOrderProjections marks local WORKING order rows that no longer exist
// at the broker as cancelled, so a missed stream event cannot leave a ghost
// row behind.
func (r *Reconciler) syncOrderProjections(ctx context.Context, st *accountState, accountID int64, symbol string) {
	local, err := r.store.ListWorkingOrders(ctx, accountID, symbol)
	if err != nil {
		r.logger.Warn("Failed to list local working orders", "account_id", accountID, "error", err.Error())
		return
	}
	if len(local) == 0 {
		return
	}

	live := make(map[int64]bool, len(st.orders))
	for _, o := range st.orders {
		if o.Status.Live() {
			live[o.OrderID] = true
		}
	}
	for _, o := range local {
		if live[o.OrderID] {
			continue
		}
		r.logger.Warn("Order missing at broker, marking cancelled",
			"account_id", accountID,
			"order_id", o.OrderID,
			"role", string(o.Role))
		if err := r.store.UpdateOrderStatus(ctx, o.OrderID, core.StatusCanceled, "reconcile", "missing at broker"); err != nil {
			r.logger.Warn("Failed to record ghost cancel", "order_id", o.OrderID, "error", err.Error())
		}
	}
}

// scanOrphans reports broker positions no open key accounts for. They are
// alerted, never traded: the engine refuses to touch exposure it cannot
// tie to signal history.
func (r *Reconciler) scanOrphans(ctx context.Context, keys []core.PositionKey, states map[int64]*accountState) int {
	covered := make(map[string]bool)
	for _, key := range keys {
		for _, tr := range r.enabledTraders(key.RecorderID) {
			covered[fmt.Sprintf("%d:%s", tr.AccountID, key.Ticker)] = true
		}
	}

	orphans := 0
	for _, st := range states {
		if st.err != nil {
			continue
		}
		for sym, bp := range st.positions {
			if bp.NetQty == 0 || covered[fmt.Sprintf("%d:%s", st.account.ID, sym)] {
				continue
			}
			orphans++
			r.logger.Warn("Orphan broker position",
				"account_id", st.account.ID,
				"symbol", sym,
				"net_qty", bp.NetQty)
			r.publish("reconcile.orphan", fmt.Sprintf("%d:%s", st.account.ID, sym), map[string]interface{}{
				"account_id": st.account.ID,
				"symbol":     sym,
				"net_qty":    bp.NetQty,
				"avg_price":  bp.AvgPrice.String(),
			})
			r.countDrift(ctx, "orphan_position")
		}
	}
	return orphans
}

func (r *Reconciler) enabledTraders(recorderID string) []*core.Trader {
	all := r.registry.TradersFor(recorderID)
	out := make([]*core.Trader, 0, len(all))
	for _, tr := range all {
		if tr.Enabled {
			out = append(out, tr)
		}
	}
	return out
}

func (r *Reconciler) run(key core.PositionKey, task func()) {
	if r.runner != nil {
		r.runner.Run(key, task)
		return
	}
	task()
}

func (r *Reconciler) lastPrice(ticker string) decimal.Decimal {
	if r.prices == nil {
		return decimal.Zero
	}
	last, _, ok := r.prices.LastPrice(ticker)
	if !ok {
		return decimal.Zero
	}
	return last
}

func (r *Reconciler) publish(topic, key string, payload map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, key, payload)
}

func (r *Reconciler) countDrift(ctx context.Context, action string) {
	if m := telemetry.GetGlobalMetrics(); m != nil && m.ReconcileDriftTotal != nil {
		m.ReconcileDriftTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

var decimalTen = decimal.NewFromInt(10)

var _ core.IReconciler = (*Reconciler)(nil)
