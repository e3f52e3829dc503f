package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jet_trader/internal/bus"
	"jet_trader/internal/core"
	"jet_trader/internal/store"
)

type stubRegistry struct {
	recorders map[string]*core.Recorder
	traders   map[string][]*core.Trader
	accounts  map[int64]*core.BrokerAccount
	brokers   map[core.Environment]core.IBroker
}

func (r *stubRegistry) RecorderByToken(token string) (*core.Recorder, bool) {
	for _, rec := range r.recorders {
		if rec.WebhookToken == token {
			return rec, true
		}
	}
	return nil, false
}

func (r *stubRegistry) Recorder(id string) (*core.Recorder, bool) {
	rec, ok := r.recorders[id]
	return rec, ok
}

func (r *stubRegistry) TradersFor(recorderID string) []*core.Trader {
	return r.traders[recorderID]
}

func (r *stubRegistry) Trader(id string) (*core.Trader, bool) {
	for _, list := range r.traders {
		for _, t := range list {
			if t.ID == id {
				return t, true
			}
		}
	}
	return nil, false
}

func (r *stubRegistry) Account(id int64) (*core.BrokerAccount, bool) {
	acct, ok := r.accounts[id]
	return acct, ok
}

func (r *stubRegistry) Accounts() []*core.BrokerAccount {
	out := make([]*core.BrokerAccount, 0, len(r.accounts))
	for _, acct := range r.accounts {
		out = append(out, acct)
	}
	return out
}

func (r *stubRegistry) BrokerFor(env core.Environment) (core.IBroker, bool) {
	b, ok := r.brokers[env]
	return b, ok
}

type shrinkCall struct {
	key core.PositionKey
	qty int
}

type closeCall struct {
	key    core.PositionKey
	price  decimal.Decimal
	reason core.CloseReason
}

type stubTracker struct {
	mu        sync.Mutex
	positions map[core.PositionKey]*core.VirtualPosition
	shrinks   []shrinkCall
	closes    []closeCall
}

func (s *stubTracker) Apply(ctx context.Context, rec *core.Recorder, sig *core.Signal) (*core.VirtualPosition, core.Transition, error) {
	return nil, core.TransitionNone, nil
}

func (s *stubTracker) Get(key core.PositionKey) (*core.VirtualPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[key]
	return pos, ok
}

func (s *stubTracker) ShrinkTo(ctx context.Context, key core.PositionKey, qty int) (*core.VirtualPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shrinks = append(s.shrinks, shrinkCall{key: key, qty: qty})
	pos := s.positions[key]
	if pos != nil {
		pos.TotalQty = qty
	}
	return pos, nil
}

func (s *stubTracker) CloseAt(ctx context.Context, key core.PositionKey, price decimal.Decimal, reason core.CloseReason) (*core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, closeCall{key: key, price: price, reason: reason})
	delete(s.positions, key)
	return &core.Trade{RecorderID: key.RecorderID, Ticker: key.Ticker, ExitPrice: price, Reason: reason}, nil
}

func (s *stubTracker) OpenKeys() []core.PositionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]core.PositionKey, 0, len(s.positions))
	for k := range s.positions {
		keys = append(keys, k)
	}
	return keys
}

func (s *stubTracker) SessionRealized(recorderID string) decimal.Decimal { return decimal.Zero }

func (s *stubTracker) ResetSession(at time.Time) {}

type stubBroker struct {
	env       core.Environment
	contracts map[string]*core.Contract

	mu        sync.Mutex
	positions map[int64][]*core.BrokerPosition
	orders    map[int64][]*core.BrokerOrder
	cancels   []int64
	listErr   error
}

func (b *stubBroker) Environment() core.Environment { return b.env }

func (b *stubBroker) CheckHealth(ctx context.Context) error { return nil }

func (b *stubBroker) Authenticate(ctx context.Context, account *core.BrokerAccount) (core.Token, error) {
	return core.Token{}, nil
}

func (b *stubBroker) RenewToken(ctx context.Context, accountID int64) (core.Token, error) {
	return core.Token{}, nil
}

func (b *stubBroker) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.BrokerOrder, error) {
	return nil, nil
}

func (b *stubBroker) ModifyOrder(ctx context.Context, req *core.ModifyOrderRequest) error { return nil }

func (b *stubBroker) CancelOrder(ctx context.Context, accountID, orderID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, orderID)
	return nil
}

func (b *stubBroker) GetOrder(ctx context.Context, accountID, orderID int64) (*core.BrokerOrder, error) {
	return nil, nil
}

func (b *stubBroker) ListOrders(ctx context.Context, accountID int64) ([]*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return b.orders[accountID], nil
}

func (b *stubBroker) ListPositions(ctx context.Context, accountID int64) ([]*core.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return b.positions[accountID], nil
}

func (b *stubBroker) GetContract(ctx context.Context, symbol string) (*core.Contract, error) {
	if c, ok := b.contracts[symbol]; ok {
		return c, nil
	}
	return nil, nil
}

func (b *stubBroker) StartUserStream(ctx context.Context, accountID int64, callback func(*core.UserEvent)) error {
	return nil
}

func (b *stubBroker) StopUserStream(accountID int64) error { return nil }

type flattenCall struct {
	accountID int64
	symbol    string
}

type stubKill struct {
	mu      sync.Mutex
	flatten []flattenCall
	err     error
}

func (k *stubKill) Flatten(ctx context.Context, accountID int64, symbol string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.flatten = append(k.flatten, flattenCall{accountID: accountID, symbol: symbol})
	return k.err
}

type stubBrackets struct {
	mu    sync.Mutex
	calls []string // trader IDs
}

func (b *stubBrackets) EnsureBrackets(ctx context.Context, rec *core.Recorder, tr *core.Trader, pos *core.VirtualPosition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, tr.ID)
	return nil
}

type stubPrices struct {
	last map[string]decimal.Decimal
}

func (p *stubPrices) LastPrice(ticker string) (decimal.Decimal, time.Time, bool) {
	d, ok := p.last[ticker]
	return d, time.Now(), ok
}

type reconFixture struct {
	rec      *Reconciler
	registry *stubRegistry
	tracker  *stubTracker
	broker   *stubBroker
	store    *store.MemoryStore
	kill     *stubKill
	brackets *stubBrackets
}

// One recorder, one book-scale trader on demo account 101, MNQZ5 at a
// quarter tick.
func newReconFixture(t *testing.T, b core.IEventBus) *reconFixture {
	t.Helper()
	broker := &stubBroker{
		env:       core.EnvDemo,
		positions: make(map[int64][]*core.BrokerPosition),
		orders:    make(map[int64][]*core.BrokerOrder),
		contracts: map[string]*core.Contract{
			"MNQZ5": {Symbol: "MNQZ5", TickSize: decimal.RequireFromString("0.25"), TickValue: decimal.RequireFromString("0.5")},
		},
	}
	registry := &stubRegistry{
		recorders: map[string]*core.Recorder{
			"rec1": {ID: "rec1", Ticker: "MNQZ5", Enabled: true},
		},
		traders: map[string][]*core.Trader{
			"rec1": {{ID: "t1", RecorderID: "rec1", AccountID: 101, Enabled: true}},
		},
		accounts: map[int64]*core.BrokerAccount{
			101: {ID: 101, Name: "demo-101", Environment: core.EnvDemo},
		},
		brokers: map[core.Environment]core.IBroker{core.EnvDemo: broker},
	}
	tracker := &stubTracker{positions: make(map[core.PositionKey]*core.VirtualPosition)}
	st := store.NewMemoryStore()
	prices := &stubPrices{last: map[string]decimal.Decimal{"MNQZ5": decimal.RequireFromString("21420")}}
	kill := &stubKill{}
	brackets := &stubBrackets{}

	r := NewReconciler(registry, tracker, st, prices, b, ReconcilerConfig{}, nopLogger{})
	r.SetKillSwitch(kill)
	r.SetBrackets(brackets)

	return &reconFixture{
		rec:      r,
		registry: registry,
		tracker:  tracker,
		broker:   broker,
		store:    st,
		kill:     kill,
		brackets: brackets,
	}
}

func (f *reconFixture) openLong(qty int, avg string) core.PositionKey {
	key := core.PositionKey{RecorderID: "rec1", Ticker: "MNQZ5"}
	f.tracker.positions[key] = &core.VirtualPosition{
		RecorderID:    "rec1",
		Ticker:        "MNQZ5",
		Side:          core.SideLong,
		TotalQty:      qty,
		AvgEntryPrice: decimal.RequireFromString(avg),
		OpenedAt:      time.Now(),
	}
	return key
}

func (f *reconFixture) brokerNet(net int, avg string) {
	f.broker.positions[101] = []*core.BrokerPosition{
		{AccountID: 101, Symbol: "MNQZ5", NetQty: net, AvgPrice: decimal.RequireFromString(avg)},
	}
}

func (f *reconFixture) brokerTP(orderID int64) {
	f.broker.orders[101] = append(f.broker.orders[101], &core.BrokerOrder{
		OrderID:   orderID,
		AccountID: 101,
		Symbol:    "MNQZ5",
		Role:      core.RoleTP,
		Status:    core.StatusWorking,
	})
}

func TestReconciler_EqualPositionsNoAction(t *testing.T) {
	f := newReconFixture(t, nil)
	f.openLong(2, "21400")
	f.brokerNet(2, "21400")
	f.brokerTP(9001)

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Empty(t, f.tracker.closes)
	assert.Empty(t, f.tracker.shrinks)
	assert.Empty(t, f.kill.flatten)
	assert.Empty(t, f.brackets.calls)

	status := f.rec.GetStatus()
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, 1, status.KeysChecked)
	assert.Equal(t, 0, status.DriftFound)
}

func TestReconciler_ManualBrokerClose(t *testing.T) {
	f := newReconFixture(t, nil)
	key := f.openLong(2, "21400")
	// No broker position, one lingering TP.
	f.brokerTP(9001)

	require.NoError(t, f.rec.Reconcile(context.Background()))

	require.Len(t, f.tracker.closes, 1)
	cl := f.tracker.closes[0]
	assert.Equal(t, key, cl.key)
	assert.Equal(t, core.CloseManualBroker, cl.reason)
	assert.True(t, cl.price.Equal(decimal.RequireFromString("21420")), "closes at last market price")

	assert.Contains(t, f.broker.cancels, int64(9001), "lingering bracket cancelled")
}

func TestReconciler_PartialCloseShrinksBook(t *testing.T) {
	f := newReconFixture(t, nil)
	key := f.openLong(3, "21400")
	f.brokerNet(1, "21400")
	f.brokerTP(9001)

	require.NoError(t, f.rec.Reconcile(context.Background()))

	require.Len(t, f.tracker.shrinks, 1)
	assert.Equal(t, key, f.tracker.shrinks[0].key)
	assert.Equal(t, 1, f.tracker.shrinks[0].qty)
	assert.Empty(t, f.tracker.closes)

	// The maintainer resizes the TP after the shrink.
	assert.Equal(t, []string{"t1"}, f.brackets.calls)
}

func TestReconciler_OppositeSideTripsKillSwitch(t *testing.T) {
	f := newReconFixture(t, nil)
	key := f.openLong(2, "21400")
	f.brokerNet(-2, "21400")

	require.NoError(t, f.rec.Reconcile(context.Background()))

	require.Len(t, f.kill.flatten, 1)
	assert.Equal(t, flattenCall{accountID: 101, symbol: "MNQZ5"}, f.kill.flatten[0])

	// Once the broker side is flattened the book closes too.
	require.Len(t, f.tracker.closes, 1)
	assert.Equal(t, key, f.tracker.closes[0].key)
	assert.Equal(t, core.CloseKillSwitch, f.tracker.closes[0].reason)
	assert.Empty(t, f.tracker.shrinks)
}

func TestReconciler_KillSwitchFailureKeepsBook(t *testing.T) {
	f := newReconFixture(t, nil)
	f.openLong(2, "21400")
	f.brokerNet(-2, "21400")
	f.kill.err = context.DeadlineExceeded

	require.NoError(t, f.rec.Reconcile(context.Background()))

	require.Len(t, f.kill.flatten, 1)
	assert.Empty(t, f.tracker.closes, "book stays open for the operator when flatten fails")
}

func TestReconciler_ExcessBrokerQtyOnlyWarns(t *testing.T) {
	f := newReconFixture(t, nil)
	f.openLong(2, "21400")
	f.brokerNet(5, "21400")
	f.brokerTP(9001)

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Empty(t, f.tracker.shrinks)
	assert.Empty(t, f.tracker.closes)
	assert.Empty(t, f.kill.flatten)
	assert.Equal(t, 1, f.rec.GetStatus().DriftFound)
}

func TestReconciler_MissingTPRestored(t *testing.T) {
	f := newReconFixture(t, nil)
	f.openLong(2, "21400")
	f.brokerNet(2, "21400")
	// No working TP at the broker.

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Equal(t, []string{"t1"}, f.brackets.calls)
	assert.Equal(t, 1, f.rec.GetStatus().DriftFound)
}

func TestReconciler_AvgDriftReportedNotCorrected(t *testing.T) {
	f := newReconFixture(t, nil)
	f.openLong(2, "21400")
	f.brokerNet(2, "21400.50") // half a point off, tolerance is 0.025
	f.brokerTP(9001)

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Empty(t, f.tracker.shrinks)
	assert.Empty(t, f.tracker.closes)
	assert.Equal(t, 1, f.rec.GetStatus().DriftFound)

	key := core.PositionKey{RecorderID: "rec1", Ticker: "MNQZ5"}
	pos, ok := f.tracker.Get(key)
	require.True(t, ok)
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.RequireFromString("21400")), "book average untouched")
}

func TestReconciler_OrphanPositionAlertedNeverTraded(t *testing.T) {
	b := bus.New(16, nopLogger{})
	events, cancel := b.Subscribe("reconcile.orphan", 4)
	defer cancel()

	f := newReconFixture(t, b)
	// No open book anywhere, but the broker holds MESZ5.
	f.broker.positions[101] = []*core.BrokerPosition{
		{AccountID: 101, Symbol: "MESZ5", NetQty: 3, AvgPrice: decimal.RequireFromString("5998")},
	}

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Equal(t, 1, f.rec.GetStatus().Orphans)
	assert.Empty(t, f.broker.cancels)
	assert.Empty(t, f.kill.flatten)
	assert.Empty(t, f.tracker.closes)

	select {
	case ev := <-events:
		payload, ok := ev.Payload.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "MESZ5", payload["symbol"])
		assert.Equal(t, 3, payload["net_qty"])
	case <-time.After(time.Second):
		t.Fatal("no orphan event on the bus")
	}
}

func TestReconciler_SizeOverrideSkipsQtyChecks(t *testing.T) {
	f := newReconFixture(t, nil)
	f.registry.traders["rec1"] = []*core.Trader{
		{ID: "t1", RecorderID: "rec1", AccountID: 101, Enabled: true, BaseQty: 5},
	}
	f.openLong(2, "21400")
	f.brokerNet(5, "21400")
	f.brokerTP(9001)

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Empty(t, f.tracker.shrinks, "sized-up trader is not drift")
	assert.Empty(t, f.tracker.closes)
	assert.Equal(t, 0, f.rec.GetStatus().DriftFound)
}

func TestReconciler_MixedTradersKeepBook(t *testing.T) {
	f := newReconFixture(t, nil)
	f.registry.traders["rec1"] = []*core.Trader{
		{ID: "t1", RecorderID: "rec1", AccountID: 101, Enabled: true},
		{ID: "t2", RecorderID: "rec1", AccountID: 102, Enabled: true},
	}
	f.registry.accounts[102] = &core.BrokerAccount{ID: 102, Name: "demo-102", Environment: core.EnvDemo}

	f.openLong(2, "21400")
	// t1 flat, t2 still holds the position.
	f.broker.positions[102] = []*core.BrokerPosition{
		{AccountID: 102, Symbol: "MNQZ5", NetQty: 2, AvgPrice: decimal.RequireFromString("21400")},
	}
	f.broker.orders[102] = []*core.BrokerOrder{
		{OrderID: 9002, AccountID: 102, Symbol: "MNQZ5", Role: core.RoleTP, Status: core.StatusWorking},
	}

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Empty(t, f.tracker.closes, "one open trader keeps the book alive")
}

func TestReconciler_GhostOrderRowMarkedCancelled(t *testing.T) {
	f := newReconFixture(t, nil)
	f.openLong(2, "21400")
	f.brokerNet(2, "21400")
	f.brokerTP(9001)

	// A local projection the broker no longer knows about.
	ctx := context.Background()
	require.NoError(t, f.store.SaveBrokerOrder(ctx, &core.BrokerOrder{
		OrderID:   7777,
		AccountID: 101,
		Symbol:    "MNQZ5",
		Role:      core.RoleSL,
		Status:    core.StatusWorking,
	}))

	require.NoError(t, f.rec.Reconcile(ctx))

	working, err := f.store.ListWorkingOrders(ctx, 101, "MNQZ5")
	require.NoError(t, err)
	assert.Empty(t, working, "ghost row marked cancelled")
}

func TestReconciler_SnapshotFailureLeavesKeyAlone(t *testing.T) {
	f := newReconFixture(t, nil)
	f.openLong(2, "21400")
	f.broker.listErr = context.DeadlineExceeded

	err := f.rec.Reconcile(context.Background())
	require.Error(t, err)

	assert.Empty(t, f.tracker.closes)
	assert.Empty(t, f.tracker.shrinks)
	assert.Equal(t, "failed", f.rec.GetStatus().Status)
}

type recordingRunner struct {
	mu   sync.Mutex
	keys []core.PositionKey
}

func (r *recordingRunner) Run(key core.PositionKey, task func()) {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.mu.Unlock()
	task()
}

func TestReconciler_KeyWorkRunsInSerialSlot(t *testing.T) {
	f := newReconFixture(t, nil)
	runner := &recordingRunner{}
	f.rec.SetKeyRunner(runner)

	key := f.openLong(2, "21400")
	f.brokerNet(2, "21400")
	f.brokerTP(9001)

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Equal(t, []core.PositionKey{key}, runner.keys)
}

func TestReconciler_TriggerManualIsFullSweep(t *testing.T) {
	f := newReconFixture(t, nil)
	f.broker.positions[101] = []*core.BrokerPosition{
		{AccountID: 101, Symbol: "MESZ5", NetQty: 1, AvgPrice: decimal.RequireFromString("5998")},
	}

	require.NoError(t, f.rec.TriggerManual(context.Background()))

	status := f.rec.GetStatus()
	assert.True(t, status.FullSweep)
	assert.Equal(t, 1, status.Orphans)
}
