// Package exit drives the close path. Each trader gets a per-ticker state
// machine that cancels brackets, market-closes whatever the broker actually
// holds, and does not go back to idle until the broker confirms flat. Closes
// the broker already performed (TP or SL fills) skip the re-close and only
// confirm. Exits that cannot confirm escalate to the kill switch.
package exit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"jet_trader/internal/broker"
	"jet_trader/internal/config"
	"jet_trader/internal/core"
	"jet_trader/internal/risk"
	"jet_trader/pkg/telemetry"
)

// Exit run states.
const (
	StateIdle        = "IDLE"
	StatePrepareExit = "PREPARE_EXIT"
	StateWorkingExit = "WORKING_EXIT"
	StateConfirmFlat = "CONFIRM_FLAT"
	StateKill        = "KILL"
)

// confirmPoll is the broker position poll interval while confirming flat.
const confirmPoll = 200 * time.Millisecond

// seenCap bounds the fill dedupe set; older entries are pruned past it.
const seenCap = 4096

// Serializer is the per-key ordering lane exits share with signal legs, so
// an exit never interleaves with entry or bracket work for the same key.
type Serializer interface {
	Go(key core.PositionKey, task func()) error
}

// Holdings is the trader position ledger. The machine clears a trader's
// entry once flat is confirmed and logs when the broker net disagrees.
type Holdings interface {
	Holding(key core.TraderKey) (int, bool)
	Clear(key core.TraderKey)
}

// fillNotice is delivered from the user stream to a waiting exit run.
type fillNotice struct {
	price  decimal.Decimal
	filled bool // false when the exit order died without filling
}

// exitRun is the live state of one trader's close, guarded by Machine.mu
// except for fillCh which is safe to receive on without the lock.
type exitRun struct {
	key    core.TraderKey
	posKey core.PositionKey
	trader *core.Trader
	rec    *core.Recorder
	acct   *core.BrokerAccount
	br     core.IBroker

	reason    core.CloseReason
	state     string
	attempts  int
	orderID   int64
	exitPrice decimal.Decimal
	fillCh    chan fillNotice
	startedAt time.Time
}

// Machine owns every active exit run. Runs execute on the key's serializer
// lane; the user-event stream only touches run channels and the dedupe set.
type Machine struct {
	registry core.IRegistry
	tracker  core.ITracker
	store    core.IStore
	bus      core.IEventBus // optional
	kill     core.IKillSwitch
	lanes    Serializer
	holdings Holdings
	seq      *broker.SeqAllocator
	halt     *risk.Halt // optional
	logger   core.ILogger

	fillWait       time.Duration
	confirmTimeout time.Duration
	maxAttempts    int

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[core.TraderKey]*exitRun
	seen map[int64]time.Time
}

func NewMachine(
	registry core.IRegistry,
	tracker core.ITracker,
	store core.IStore,
	bus core.IEventBus,
	kill core.IKillSwitch,
	lanes Serializer,
	holdings Holdings,
	seq *broker.SeqAllocator,
	cfg config.ExitConfig,
	logger core.ILogger,
) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Machine{
		registry:       registry,
		tracker:        tracker,
		store:          store,
		bus:            bus,
		kill:           kill,
		lanes:          lanes,
		holdings:       holdings,
		seq:            seq,
		logger:         logger.WithField("component", "exit_machine"),
		fillWait:       cfg.FillWait(),
		confirmTimeout: cfg.ConfirmTimeout(),
		maxAttempts:    maxAttempts,
		ctx:            ctx,
		cancel:         cancel,
		runs:           make(map[core.TraderKey]*exitRun),
		seen:           make(map[int64]time.Time),
	}
}

// SetHalt wires the entry halt latch tripped when a flatten fails.
func (m *Machine) SetHalt(h *risk.Halt) {
	m.halt = h
}

// Stop cancels in-flight runs. Lane tasks unwind at their next poll.
func (m *Machine) Stop() {
	m.cancel()
}

// RequestExit starts a close for the trader and returns once the run is
// queued on its key lane. A key already mid-exit is left alone; a key stuck
// in KILL is re-armed so the operator can retry.
func (m *Machine) RequestExit(ctx context.Context, key core.TraderKey, reason core.CloseReason) error {
	run, err := m.newRun(key, reason, decimal.Zero)
	if err != nil {
		return err
	}
	if run == nil {
		return nil
	}
	if err := m.lanes.Go(run.posKey, func() { m.drive(run) }); err != nil {
		m.dropRun(run)
		return fmt.Errorf("queue exit for %s/%s: %w", key.TraderID, key.Ticker, err)
	}
	return nil
}

// State reports the run state for the trader. Keys with no active run are
// idle.
func (m *Machine) State(key core.TraderKey) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[key]; ok {
		return run.state, true
	}
	return StateIdle, false
}

// States snapshots every active run for status surfaces.
func (m *Machine) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.runs))
	for k, r := range m.runs {
		out[k.TraderID+":"+k.Ticker] = r.state
	}
	return out
}

// OnUserEvent feeds broker stream events into waiting runs and turns TP or
// SL fills into fast-track confirms. Runs on the stream consumer goroutine,
// so it must never block.
func (m *Machine) OnUserEvent(ev *core.UserEvent) {
	if ev == nil {
		return
	}
	switch ev.Type {
	case core.UserEventFill:
		if ev.Fill != nil {
			m.onFill(ev.Fill)
		}
	case core.UserEventOrder:
		if ev.Order != nil {
			m.onOrder(ev.Order)
		}
	}
}

// Rebuild adopts exit orders left working by a previous process: each one
// gets a confirm-flat run so the close finishes or escalates instead of
// dangling. Call after the tracker has restored open books.
func (m *Machine) Rebuild(ctx context.Context) error {
	adopted := 0
	for _, posKey := range m.tracker.OpenKeys() {
		for _, tr := range m.registry.TradersFor(posKey.RecorderID) {
			if !tr.Enabled {
				continue
			}
			orders, err := m.store.ListWorkingOrders(ctx, tr.AccountID, posKey.Ticker)
			if err != nil {
				return fmt.Errorf("list working orders for %d/%s: %w", tr.AccountID, posKey.Ticker, err)
			}
			for _, o := range orders {
				if o.Role != core.RoleExit {
					continue
				}
				key := core.TraderKey{TraderID: tr.ID, Ticker: posKey.Ticker}
				run, err := m.newRun(key, core.CloseReconcile, decimal.Zero)
				if err != nil || run == nil {
					continue
				}
				run.orderID = o.OrderID
				adopted++
				if err := m.lanes.Go(run.posKey, func() { m.confirmFlat(m.ctx, run) }); err != nil {
					m.dropRun(run)
					return fmt.Errorf("queue adopted exit for %s: %w", tr.ID, err)
				}
				break
			}
		}
	}
	if adopted > 0 {
		m.logger.Warn("Adopted interrupted exits from a previous run", "count", adopted)
	}
	return nil
}

// newRun registers a run in PREPARE_EXIT. Returns nil when the key is
// already exiting.
func (m *Machine) newRun(key core.TraderKey, reason core.CloseReason, price decimal.Decimal) (*exitRun, error) {
	tr, ok := m.registry.Trader(key.TraderID)
	if !ok {
		return nil, fmt.Errorf("unknown trader %q", key.TraderID)
	}
	rec, ok := m.registry.Recorder(tr.RecorderID)
	if !ok {
		return nil, fmt.Errorf("trader %q has no recorder %q", tr.ID, tr.RecorderID)
	}
	acct, ok := m.registry.Account(tr.AccountID)
	if !ok {
		return nil, fmt.Errorf("trader %q has no account %d", tr.ID, tr.AccountID)
	}
	br, ok := m.registry.BrokerFor(acct.Environment)
	if !ok {
		return nil, fmt.Errorf("no broker client for %s environment", acct.Environment)
	}

	run := &exitRun{
		key:       key,
		posKey:    core.PositionKey{RecorderID: rec.ID, Ticker: key.Ticker},
		trader:    tr,
		rec:       rec,
		acct:      acct,
		br:        br,
		reason:    reason,
		state:     StatePrepareExit,
		exitPrice: price,
		fillCh:    make(chan fillNotice, 1),
		startedAt: time.Now(),
	}

	m.mu.Lock()
	if existing, found := m.runs[key]; found {
		if existing.state != StateKill {
			m.mu.Unlock()
			m.logger.Debug("Exit already in flight, ignoring request",
				"trader_id", key.TraderID,
				"ticker", key.Ticker,
				"state", existing.state)
			return nil, nil
		}
		m.logger.Warn("Re-arming killed exit",
			"trader_id", key.TraderID,
			"ticker", key.Ticker,
			"reason", string(reason))
	}
	m.runs[key] = run
	m.gaugeLocked()
	m.mu.Unlock()

	m.publishState(run, StateIdle, StatePrepareExit)
	return run, nil
}

// drive walks one run through PREPARE_EXIT, WORKING_EXIT and CONFIRM_FLAT.
// Runs as a lane task for the run's position key.
func (m *Machine) drive(run *exitRun) {
	ctx := m.ctx
	m.logger.Info("Exit started",
		"trader_id", run.key.TraderID,
		"ticker", run.key.Ticker,
		"reason", string(run.reason))

	// Direct kill requests go straight to the switch, which does its own
	// cancel-all.
	if run.reason == core.CloseKillSwitch {
		m.escalate(ctx, run)
		return
	}

	m.cancelBrackets(ctx, run)

	for run.attempts = 1; run.attempts <= m.maxAttempts; run.attempts++ {
		if ctx.Err() != nil {
			m.dropRun(run)
			return
		}
		net, err := m.netPosition(ctx, run)
		if err != nil {
			m.logger.Error("Cannot read broker position for exit",
				"trader_id", run.key.TraderID,
				"ticker", run.key.Ticker,
				"attempt", run.attempts,
				"error", err.Error())
			continue
		}
		if net == 0 {
			m.confirmFlat(ctx, run)
			return
		}
		if held, ok := m.holdings.Holding(run.key); ok && held != abs(net) {
			m.logger.Warn("Broker net differs from trader ledger at exit",
				"trader_id", run.key.TraderID,
				"ticker", run.key.Ticker,
				"ledger_qty", held,
				"broker_net", net)
		}

		ord, err := m.placeExit(ctx, run, net)
		if err != nil {
			m.logger.Error("Exit placement failed",
				"trader_id", run.key.TraderID,
				"ticker", run.key.Ticker,
				"attempt", run.attempts,
				"error", err.Error())
			continue
		}
		m.setWorking(run, ord)

		notice, got := m.awaitFill(ctx, run)
		if got && notice.filled {
			if !notice.price.IsZero() {
				run.exitPrice = notice.price
			}
			m.confirmFlat(ctx, run)
			return
		}
		if got {
			// The exit order died without filling; next attempt re-reads
			// the broker net and sends a fresh one.
			continue
		}
		// Window expired with no event. The fill may simply not have
		// reached us, so cancel the stale order and let the next pass
		// re-read the net before re-sending.
		m.expireOrder(ctx, run)
	}

	m.logger.Error("Exit attempts exhausted, escalating",
		"trader_id", run.key.TraderID,
		"ticker", run.key.Ticker,
		"attempts", m.maxAttempts)
	m.escalate(ctx, run)
}

// driveFastTrack finishes a close the broker already made: cancel the
// surviving bracket and confirm flat. Never places orders.
func (m *Machine) driveFastTrack(run *exitRun, sibling core.OrderRole) {
	ctx := m.ctx
	m.logger.Info("Bracket fill, fast-tracking confirm",
		"trader_id", run.key.TraderID,
		"ticker", run.key.Ticker,
		"reason", string(run.reason))
	m.cancelRole(ctx, run, sibling)
	m.confirmFlat(ctx, run)
}

// confirmFlat polls the broker position until it reads zero or the window
// closes, then finishes or escalates.
func (m *Machine) confirmFlat(ctx context.Context, run *exitRun) {
	m.transition(run, StateConfirmFlat)

	deadline := time.NewTimer(m.confirmTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(confirmPoll)
	defer poll.Stop()

	for {
		net, err := m.netPosition(ctx, run)
		if err == nil && net == 0 {
			m.finish(ctx, run)
			return
		}
		select {
		case <-ctx.Done():
			m.dropRun(run)
			return
		case <-deadline.C:
			m.logger.Error("Flat not confirmed inside window, escalating",
				"trader_id", run.key.TraderID,
				"ticker", run.key.Ticker,
				"window", m.confirmTimeout.String())
			m.escalate(ctx, run)
			return
		case <-poll.C:
		}
	}
}

// finish completes a confirmed-flat run: clear the trader ledger, close the
// book once the last sibling is out, publish, and return the key to idle.
func (m *Machine) finish(ctx context.Context, run *exitRun) {
	m.holdings.Clear(run.key)

	if m.lastForBook(run) {
		trade, err := m.tracker.CloseAt(ctx, run.posKey, run.exitPrice, run.reason)
		if err != nil {
			m.logger.Error("Book close failed after flat confirm",
				"recorder", run.posKey.RecorderID,
				"ticker", run.posKey.Ticker,
				"error", err.Error())
		}
		payload := map[string]interface{}{
			"recorder_id": run.posKey.RecorderID,
			"ticker":      run.posKey.Ticker,
			"trader_id":   run.key.TraderID,
			"reason":      string(run.reason),
		}
		if trade != nil {
			payload["qty"] = trade.Qty
			payload["exit_price"] = trade.ExitPrice.String()
			payload["realized_usd"] = trade.RealizedUSD.String()
		}
		m.publish("position.closed", run.posKey.RecorderID+":"+run.posKey.Ticker, payload)
	}

	m.transition(run, StateIdle)
	m.dropRun(run)
	m.logger.Info("Exit confirmed flat",
		"trader_id", run.key.TraderID,
		"ticker", run.key.Ticker,
		"reason", string(run.reason),
		"elapsed_ms", time.Since(run.startedAt).Milliseconds())
}

// escalate hands the run to the kill switch. Success finishes the close;
// failure trips the halt latch and leaves the key in KILL for the operator.
func (m *Machine) escalate(ctx context.Context, run *exitRun) {
	m.transition(run, StateKill)

	if err := m.kill.Flatten(ctx, run.acct.ID, run.key.Ticker); err != nil {
		m.logger.Error("Kill switch failed, key stays killed",
			"trader_id", run.key.TraderID,
			"account_id", run.acct.ID,
			"ticker", run.key.Ticker,
			"error", err.Error())
		if m.halt != nil {
			m.halt.Trip(run.posKey, "flatten_failed", time.Now())
		}
		return
	}

	m.holdings.Clear(run.key)
	if m.lastForBook(run) {
		trade, err := m.tracker.CloseAt(ctx, run.posKey, decimal.Zero, run.reason)
		if err != nil {
			m.logger.Error("Book close failed after kill flatten",
				"recorder", run.posKey.RecorderID,
				"ticker", run.posKey.Ticker,
				"error", err.Error())
		}
		payload := map[string]interface{}{
			"recorder_id": run.posKey.RecorderID,
			"ticker":      run.posKey.Ticker,
			"trader_id":   run.key.TraderID,
			"reason":      string(run.reason),
			"killed":      true,
		}
		if trade != nil {
			payload["qty"] = trade.Qty
			payload["exit_price"] = trade.ExitPrice.String()
			payload["realized_usd"] = trade.RealizedUSD.String()
		}
		m.publish("position.closed", run.posKey.RecorderID+":"+run.posKey.Ticker, payload)
	}
	m.transition(run, StateIdle)
	m.dropRun(run)
	m.logger.Warn("Exit finished through kill switch",
		"trader_id", run.key.TraderID,
		"ticker", run.key.Ticker,
		"reason", string(run.reason))
}

// onFill routes a fill to its waiting run or, for a TP or SL order, starts
// fast-track confirms for the traders it belongs to.
func (m *Machine) onFill(f *core.Fill) {
	if m.markSeen(f.OrderID) {
		return
	}

	m.mu.Lock()
	run := m.runByOrderLocked(f.AccountID, f.OrderID)
	m.mu.Unlock()
	if run != nil {
		m.notify(run, fillNotice{price: f.Price, filled: true})
		return
	}

	role, ok := m.roleOf(f)
	if !ok {
		return
	}
	var reason core.CloseReason
	var sibling core.OrderRole
	switch role {
	case core.RoleTP:
		reason, sibling = core.CloseTPFill, core.RoleSL
	case core.RoleSL:
		reason, sibling = core.CloseSLFill, core.RoleTP
	default:
		return
	}

	for _, key := range m.affectedKeys(f) {
		m.startFastTrack(key, reason, sibling, f.Price)
	}
}

// onOrder unblocks a waiting run when its exit order reaches a terminal
// status without a separate fill event.
func (m *Machine) onOrder(o *core.BrokerOrder) {
	m.mu.Lock()
	run := m.runByOrderLocked(o.AccountID, o.OrderID)
	m.mu.Unlock()
	if run == nil {
		return
	}
	switch o.Status {
	case core.StatusFilled:
		m.notify(run, fillNotice{price: o.Price, filled: true})
	case core.StatusCanceled, core.StatusRejected, core.StatusExpired:
		m.notify(run, fillNotice{filled: false})
	}
}

// startFastTrack registers a confirm-only run for a bracket fill. A key
// already exiting is left alone: its own confirm will see the flat.
func (m *Machine) startFastTrack(key core.TraderKey, reason core.CloseReason, sibling core.OrderRole, price decimal.Decimal) {
	run, err := m.newRun(key, reason, price)
	if err != nil {
		m.logger.Error("Cannot start fast-track exit",
			"trader_id", key.TraderID,
			"ticker", key.Ticker,
			"error", err.Error())
		return
	}
	if run == nil {
		return
	}
	if err := m.lanes.Go(run.posKey, func() { m.driveFastTrack(run, sibling) }); err != nil {
		m.dropRun(run)
		m.logger.Error("Cannot queue fast-track exit",
			"trader_id", key.TraderID,
			"ticker", key.Ticker,
			"error", err.Error())
	}
}

// roleOf resolves which bracket role a fill belongs to: the local order
// projection first, then the broker order's tag. Foreign orders resolve to
// nothing and are ignored.
func (m *Machine) roleOf(f *core.Fill) (core.OrderRole, bool) {
	orders, err := m.store.ListWorkingOrders(m.ctx, f.AccountID, f.Symbol)
	if err == nil {
		for _, o := range orders {
			if o.OrderID == f.OrderID {
				return o.Role, true
			}
		}
	}

	acct, ok := m.registry.Account(f.AccountID)
	if !ok {
		return "", false
	}
	br, ok := m.registry.BrokerFor(acct.Environment)
	if !ok {
		return "", false
	}
	ord, err := br.GetOrder(m.ctx, f.AccountID, f.OrderID)
	if err != nil || ord == nil {
		return "", false
	}
	tag, err := broker.ParseTag(ord.Tag)
	if err != nil {
		return "", false
	}
	return tag.Role, true
}

// affectedKeys maps a fill onto the enabled traders holding that symbol on
// that account, via the open books.
func (m *Machine) affectedKeys(f *core.Fill) []core.TraderKey {
	var out []core.TraderKey
	for _, posKey := range m.tracker.OpenKeys() {
		if posKey.Ticker != f.Symbol {
			continue
		}
		for _, tr := range m.registry.TradersFor(posKey.RecorderID) {
			if tr.Enabled && tr.AccountID == f.AccountID {
				out = append(out, core.TraderKey{TraderID: tr.ID, Ticker: posKey.Ticker})
			}
		}
	}
	return out
}

// cancelBrackets cancels both bracket roles before the market exit so a
// resting TP cannot fill against the close.
func (m *Machine) cancelBrackets(ctx context.Context, run *exitRun) {
	m.cancelRole(ctx, run, core.RoleTP)
	m.cancelRole(ctx, run, core.RoleSL)
}

func (m *Machine) cancelRole(ctx context.Context, run *exitRun, role core.OrderRole) {
	orders, err := run.br.ListOrders(ctx, run.acct.ID)
	if err != nil {
		m.logger.Error("Cannot list orders for exit cancel",
			"account_id", run.acct.ID,
			"ticker", run.key.Ticker,
			"role", string(role),
			"error", err.Error())
		return
	}
	for _, o := range orders {
		if o.Symbol != run.key.Ticker || o.Role != role || !o.Status.Live() {
			continue
		}
		if err := run.br.CancelOrder(ctx, run.acct.ID, o.OrderID); err != nil {
			m.logger.Error("Exit bracket cancel failed",
				"account_id", run.acct.ID,
				"order_id", o.OrderID,
				"role", string(role),
				"error", err.Error())
			continue
		}
		if serr := m.store.UpdateOrderStatus(ctx, o.OrderID, core.StatusCanceled, "engine", "exit"); serr != nil {
			m.logger.Warn("Failed to record exit cancel", "order_id", o.OrderID, "error", serr.Error())
		}
	}
}

// placeExit sends the market order that takes the broker net to zero.
func (m *Machine) placeExit(ctx context.Context, run *exitRun, net int) (*core.BrokerOrder, error) {
	action := core.ActionSell
	qty := net
	if net < 0 {
		action = core.ActionBuy
		qty = -net
	}

	tag := broker.Tag{
		AccountID: run.acct.ID,
		Symbol:    run.key.Ticker,
		Strategy:  run.rec.StrategyID,
		Role:      core.RoleExit,
		Seq:       m.seq.Next(run.acct.ID, run.key.Ticker, core.RoleExit),
	}
	ord, err := run.br.PlaceOrder(ctx, &core.PlaceOrderRequest{
		AccountID: run.acct.ID,
		Action:    action,
		Symbol:    run.key.Ticker,
		OrderType: core.OrderTypeMarket,
		OrderQty:  qty,
		Tag:       tag.String(),
	})
	if err != nil {
		return nil, err
	}
	if serr := m.store.SaveBrokerOrder(ctx, ord); serr != nil {
		m.logger.Warn("Failed to persist exit order", "order_id", ord.OrderID, "error", serr.Error())
	}
	m.logger.Info("Exit order placed",
		"trader_id", run.key.TraderID,
		"ticker", run.key.Ticker,
		"action", string(action),
		"qty", qty,
		"order_id", ord.OrderID)
	return ord, nil
}

// expireOrder cancels a stale exit order before a re-place. A cancel that
// fails because the order already filled is harmless: the next pass reads
// the net as zero.
func (m *Machine) expireOrder(ctx context.Context, run *exitRun) {
	m.mu.Lock()
	orderID := run.orderID
	run.orderID = 0
	m.mu.Unlock()
	if orderID == 0 {
		return
	}
	if err := run.br.CancelOrder(ctx, run.acct.ID, orderID); err != nil {
		m.logger.Debug("Stale exit cancel failed",
			"order_id", orderID,
			"error", err.Error())
		return
	}
	if serr := m.store.UpdateOrderStatus(ctx, orderID, core.StatusCanceled, "engine", "exit re-place"); serr != nil {
		m.logger.Warn("Failed to record stale exit cancel", "order_id", orderID, "error", serr.Error())
	}
}

func (m *Machine) netPosition(ctx context.Context, run *exitRun) (int, error) {
	positions, err := run.br.ListPositions(ctx, run.acct.ID)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Symbol == run.key.Ticker {
			return p.NetQty, nil
		}
	}
	return 0, nil
}

// awaitFill blocks until the run's exit order resolves or the fill window
// closes.
func (m *Machine) awaitFill(ctx context.Context, run *exitRun) (fillNotice, bool) {
	timer := time.NewTimer(m.fillWait)
	defer timer.Stop()
	select {
	case n := <-run.fillCh:
		return n, true
	case <-timer.C:
		return fillNotice{}, false
	case <-ctx.Done():
		return fillNotice{}, false
	}
}

func (m *Machine) setWorking(run *exitRun, ord *core.BrokerOrder) {
	m.mu.Lock()
	run.orderID = ord.OrderID
	m.mu.Unlock()
	m.transition(run, StateWorkingExit)
}

// lastForBook reports whether this run is the last thing standing between
// the recorder's book and flat: no sibling trader mid-exit and no sibling
// still holding per the ledger.
func (m *Machine) lastForBook(run *exitRun) bool {
	m.mu.Lock()
	for key, other := range m.runs {
		if key == run.key {
			continue
		}
		if other.posKey == run.posKey {
			m.mu.Unlock()
			return false
		}
	}
	m.mu.Unlock()

	for _, tr := range m.registry.TradersFor(run.posKey.RecorderID) {
		if tr.ID == run.key.TraderID || !tr.Enabled {
			continue
		}
		key := core.TraderKey{TraderID: tr.ID, Ticker: run.posKey.Ticker}
		if held, ok := m.holdings.Holding(key); ok && held > 0 {
			return false
		}
	}
	return true
}

// markSeen records a fill order id and reports whether it was already seen.
func (m *Machine) markSeen(orderID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[orderID]; dup {
		return true
	}
	m.seen[orderID] = time.Now()
	if len(m.seen) > seenCap {
		cutoff := time.Now().Add(-10 * time.Minute)
		for id, at := range m.seen {
			if at.Before(cutoff) {
				delete(m.seen, id)
			}
		}
	}
	return false
}

func (m *Machine) notify(run *exitRun, n fillNotice) {
	select {
	case run.fillCh <- n:
	default:
	}
}

func (m *Machine) runByOrderLocked(accountID, orderID int64) *exitRun {
	if orderID == 0 {
		return nil
	}
	for _, run := range m.runs {
		if run.acct.ID == accountID && run.orderID == orderID {
			return run
		}
	}
	return nil
}

// transition moves a run between states, refreshes the active-exit gauge
// and publishes the change.
func (m *Machine) transition(run *exitRun, to string) {
	m.mu.Lock()
	from := run.state
	run.state = to
	m.gaugeLocked()
	m.mu.Unlock()
	if from == to {
		return
	}
	m.publishState(run, from, to)
}

func (m *Machine) dropRun(run *exitRun) {
	m.mu.Lock()
	if current, ok := m.runs[run.key]; ok && current == run {
		delete(m.runs, run.key)
	}
	m.gaugeLocked()
	m.mu.Unlock()
}

// gaugeLocked recounts active runs per state. Caller holds mu.
func (m *Machine) gaugeLocked() {
	counts := make(map[string]int64, 4)
	for _, r := range m.runs {
		counts[r.state]++
	}
	metrics := telemetry.GetGlobalMetrics()
	for _, state := range []string{StatePrepareExit, StateWorkingExit, StateConfirmFlat, StateKill} {
		metrics.SetExitsActive(state, counts[state])
	}
}

func (m *Machine) publishState(run *exitRun, from, to string) {
	m.publish("exit.state", run.key.TraderID+":"+run.key.Ticker, map[string]interface{}{
		"trader_id": run.key.TraderID,
		"ticker":    run.key.Ticker,
		"from":      from,
		"to":        to,
		"reason":    string(run.reason),
		"attempts":  run.attempts,
	})
}

func (m *Machine) publish(topic, key string, payload map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, key, payload)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
