package exit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"jet_trader/internal/broker"
	"jet_trader/internal/config"
	"jet_trader/internal/core"
	"jet_trader/internal/risk"
	"jet_trader/internal/scheduler"
	"jet_trader/internal/store"
	"jet_trader/internal/trading/execution"
	"jet_trader/internal/trading/position"
	apperrors "jet_trader/pkg/errors"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, f ...interface{})                 {}
func (nopLogger) Info(msg string, f ...interface{})                  {}
func (nopLogger) Warn(msg string, f ...interface{})                  {}
func (nopLogger) Error(msg string, f ...interface{})                 {}
func (nopLogger) Fatal(msg string, f ...interface{})                 {}
func (n nopLogger) WithField(k string, v interface{}) core.ILogger   { return n }
func (n nopLogger) WithFields(f map[string]interface{}) core.ILogger { return n }

// recordingBus captures publishes synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []core.BusEvent
}

func (b *recordingBus) Publish(topic, key string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, core.BusEvent{Topic: topic, Key: key, Payload: payload})
}

func (b *recordingBus) Subscribe(pattern string, buffer int) (<-chan core.BusEvent, func()) {
	return nil, func() {}
}

func (b *recordingBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Topic == topic {
			n++
		}
	}
	return n
}

func (b *recordingBus) last(topic string) (core.BusEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].Topic == topic {
			return b.events[i], true
		}
	}
	return core.BusEvent{}, false
}

// exitBroker is an in-memory broker with a settable net position. Exit
// placements are recorded but do not change the net; tests flip it when
// simulating the fill.
type exitBroker struct {
	mu      sync.Mutex
	nextID  int64
	net     int
	orders  map[int64]*core.BrokerOrder
	placed  []*core.BrokerOrder
	cancels []int64

	placeErr error
	listErr  error
}

func newExitBroker() *exitBroker {
	return &exitBroker{nextID: 7000, orders: make(map[int64]*core.BrokerOrder)}
}

func (b *exitBroker) setNet(net int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.net = net
}

func (b *exitBroker) addOrder(o *core.BrokerOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *o
	b.orders[o.OrderID] = &cp
}

func (b *exitBroker) placedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.placed)
}

func (b *exitBroker) lastPlaced() *core.BrokerOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.placed) == 0 {
		return nil
	}
	cp := *b.placed[len(b.placed)-1]
	return &cp
}

func (b *exitBroker) canceled() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, len(b.cancels))
	copy(out, b.cancels)
	return out
}

func (b *exitBroker) Environment() core.Environment { return core.EnvDemo }

func (b *exitBroker) CheckHealth(ctx context.Context) error { return nil }

func (b *exitBroker) Authenticate(ctx context.Context, account *core.BrokerAccount) (core.Token, error) {
	return core.Token{}, nil
}

func (b *exitBroker) RenewToken(ctx context.Context, accountID int64) (core.Token, error) {
	return core.Token{}, nil
}

func (b *exitBroker) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return nil, b.placeErr
	}
	b.nextID++
	ord := &core.BrokerOrder{
		OrderID:   b.nextID,
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Action:    req.Action,
		OrderType: req.OrderType,
		Qty:       req.OrderQty,
		Status:    core.StatusWorking,
		Tag:       req.Tag,
		UpdatedAt: time.Now(),
	}
	if tag, err := broker.ParseTag(req.Tag); err == nil {
		ord.Role = tag.Role
		ord.Seq = tag.Seq
	}
	b.orders[ord.OrderID] = ord
	cp := *ord
	b.placed = append(b.placed, &cp)
	out := *ord
	return &out, nil
}

func (b *exitBroker) ModifyOrder(ctx context.Context, req *core.ModifyOrderRequest) error {
	return nil
}

func (b *exitBroker) CancelOrder(ctx context.Context, accountID, orderID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ord, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("order %d: %w", orderID, apperrors.ErrOrderNotFound)
	}
	b.cancels = append(b.cancels, orderID)
	ord.Status = core.StatusCanceled
	return nil
}

func (b *exitBroker) GetOrder(ctx context.Context, accountID, orderID int64) (*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ord, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, apperrors.ErrOrderNotFound)
	}
	cp := *ord
	return &cp, nil
}

func (b *exitBroker) ListOrders(ctx context.Context, accountID int64) ([]*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	var out []*core.BrokerOrder
	for _, o := range b.orders {
		if o.AccountID == accountID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *exitBroker) ListPositions(ctx context.Context, accountID int64) ([]*core.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.net == 0 {
		return nil, nil
	}
	return []*core.BrokerPosition{
		{AccountID: accountID, Symbol: "MNQZ5", NetQty: b.net, AvgPrice: decimal.RequireFromString("21400")},
	}, nil
}

func (b *exitBroker) GetContract(ctx context.Context, symbol string) (*core.Contract, error) {
	return &core.Contract{
		Symbol:    symbol,
		TickSize:  decimal.RequireFromString("0.25"),
		TickValue: decimal.RequireFromString("0.5"),
	}, nil
}

func (b *exitBroker) StartUserStream(ctx context.Context, accountID int64, callback func(*core.UserEvent)) error {
	return nil
}

func (b *exitBroker) StopUserStream(accountID int64) error { return nil }

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

// stubKill records Flatten calls and serves a scripted error.
type stubKill struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (k *stubKill) Flatten(ctx context.Context, accountID int64, symbol string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, fmt.Sprintf("%d:%s", accountID, symbol))
	return k.err
}

func (k *stubKill) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.calls)
}

type machineFixture struct {
	t        *testing.T
	broker   *exitBroker
	registry *stubRegistry
	store    *store.MemoryStore
	tracker  *position.Tracker
	prices   *stubPrices
	lanes    *scheduler.KeyedSerializer
	ledger   *execution.Ledger
	kill     *stubKill
	bus      *recordingBus
	halt     *risk.Halt
	machine  *Machine
}

type stubPrices struct {
	mu   sync.Mutex
	last map[string]decimal.Decimal
}

func (p *stubPrices) LastPrice(ticker string) (decimal.Decimal, time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.last[ticker]
	return d, time.Now(), ok
}

// newMachineFixture wires a machine over a fake demo broker: recorder rec1
// on MNQZ5, one mirrors-book trader t1 on account 101. Fill wait is one
// second and one attempt, so timeout tests escalate quickly.
func newMachineFixture(t *testing.T) *machineFixture {
	t.Helper()

	fb := newExitBroker()
	registry := &stubRegistry{
		recorders: map[string]*core.Recorder{
			"rec1": {
				ID: "rec1", Ticker: "MNQZ5", StrategyID: "momo",
				BaseQty: 2, TPTicks: 40, SLTicks: 80, SLEnabled: true,
				Enabled: true,
			},
		},
		traders: map[string][]*core.Trader{
			"rec1": {{ID: "t1", RecorderID: "rec1", AccountID: 101, Enabled: true}},
		},
		accounts: map[int64]*core.BrokerAccount{
			101: {ID: 101, Name: "demo-101", Environment: core.EnvDemo},
		},
		brokers: map[core.Environment]core.IBroker{core.EnvDemo: fb},
	}

	st := store.NewMemoryStore()
	prices := &stubPrices{last: map[string]decimal.Decimal{"MNQZ5": decimal.RequireFromString("21400")}}
	session, err := core.NewSession("America/Chicago", "17:00")
	require.NoError(t, err)
	tracker := position.NewTracker(st, prices, fb, session, nopLogger{})

	lanes := scheduler.NewKeyedSerializer(nopLogger{})
	t.Cleanup(lanes.Stop)

	ledger := execution.NewLedger()
	kill := &stubKill{}
	rb := &recordingBus{}
	halt := risk.NewHalt(risk.HaltConfig{}, nopLogger{})

	m := NewMachine(
		registry, tracker, st, rb, kill, lanes, ledger, broker.NewSeqAllocator(),
		config.ExitConfig{FillWaitSec: 1, ConfirmTimeoutMs: 500, MaxAttempts: 1},
		nopLogger{},
	)
	m.SetHalt(halt)
	t.Cleanup(m.Stop)

	return &machineFixture{
		t:        t,
		broker:   fb,
		registry: registry,
		store:    st,
		tracker:  tracker,
		prices:   prices,
		lanes:    lanes,
		ledger:   ledger,
		kill:     kill,
		bus:      rb,
		halt:     halt,
		machine:  m,
	}
}

// openBook applies a BUY so the tracker holds an open long for rec1/MNQZ5.
func (f *machineFixture) openBook(qty int, price string) *core.VirtualPosition {
	f.t.Helper()
	rec, _ := f.registry.Recorder("rec1")
	pos, _, err := f.tracker.Apply(context.Background(), rec, &core.Signal{
		ID:         "sig-open",
		RecorderID: "rec1",
		Action:     core.SignalBuy,
		Ticker:     "MNQZ5",
		Price:      decimal.RequireFromString(price),
		HasPrice:   true,
		Qty:        qty,
		ReceivedAt: time.Now(),
	})
	require.NoError(f.t, err)
	return pos
}

// await asserts cond turns true within the default window.
func (f *machineFixture) await(cond func() bool, msg string) {
	f.t.Helper()
	require.Eventually(f.t, cond, 5*time.Second, 20*time.Millisecond, msg)
}

var testKey = core.TraderKey{TraderID: "t1", Ticker: "MNQZ5"}
