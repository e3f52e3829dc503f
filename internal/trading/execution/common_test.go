package execution

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
	"jet_trader/internal/store"
	"jet_trader/internal/trading/position"
	"jet_trader/pkg/concurrency"
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

// inlineLanes runs tasks synchronously so tests observe broker calls the
// moment Submit returns.
type inlineLanes struct{}

func (inlineLanes) Go(key core.PositionKey, task func()) error {
	task()
	return nil
}

// fakeBroker is an in-memory broker: placements get sequential ids and a
// Working status, and every mutation is recorded for assertions.
type fakeBroker struct {
	mu        sync.Mutex
	nextID    int64
	orders    map[int64]*core.BrokerOrder
	positions map[int64][]*core.BrokerPosition
	contracts map[string]*core.Contract

	placed   []*core.BrokerOrder
	modifies []*core.ModifyOrderRequest
	cancels  []int64

	placeErrs     []error // consumed one per PlaceOrder before succeeding
	modifyErr     error
	loseResponses int // accept the order but report a transient failure
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		nextID:    5000,
		orders:    make(map[int64]*core.BrokerOrder),
		positions: make(map[int64][]*core.BrokerPosition),
		contracts: map[string]*core.Contract{
			"MNQZ5": {Symbol: "MNQZ5", TickSize: decimal.RequireFromString("0.25"), TickValue: decimal.RequireFromString("0.5")},
		},
	}
}

func (b *fakeBroker) Environment() core.Environment { return core.EnvDemo }

func (b *fakeBroker) CheckHealth(ctx context.Context) error { return nil }

func (b *fakeBroker) StopUserStream(accountID int64) error { return nil }

func (b *fakeBroker) Authenticate(ctx context.Context, account *core.BrokerAccount) (core.Token, error) {
	return core.Token{}, nil
}

func (b *fakeBroker) RenewToken(ctx context.Context, accountID int64) (core.Token, error) {
	return core.Token{}, nil
}

func (b *fakeBroker) StartUserStream(ctx context.Context, accountID int64, callback func(*core.UserEvent)) error {
	return nil
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.placeErrs) > 0 {
		err := b.placeErrs[0]
		b.placeErrs = b.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	b.nextID++
	ord := &core.BrokerOrder{
		OrderID:   b.nextID,
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Action:    req.Action,
		OrderType: req.OrderType,
		Qty:       req.OrderQty,
		Price:     req.Price,
		StopPrice: req.StopPrice,
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

	if b.loseResponses > 0 {
		b.loseResponses--
		return nil, fmt.Errorf("response lost: %w", apperrors.ErrTransient)
	}
	return &cp, nil
}

func (b *fakeBroker) ModifyOrder(ctx context.Context, req *core.ModifyOrderRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.modifyErr != nil {
		return b.modifyErr
	}
	ord, ok := b.orders[req.OrderID]
	if !ok {
		return fmt.Errorf("order %d: %w", req.OrderID, apperrors.ErrOrderNotFound)
	}
	cp := *req
	b.modifies = append(b.modifies, &cp)
	ord.Qty = req.OrderQty
	if !req.Price.IsZero() {
		ord.Price = req.Price
	}
	if !req.StopPrice.IsZero() {
		ord.StopPrice = req.StopPrice
	}
	return nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, accountID, orderID int64) error {
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

func (b *fakeBroker) GetOrder(ctx context.Context, accountID, orderID int64) (*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ord, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, apperrors.ErrOrderNotFound)
	}
	cp := *ord
	return &cp, nil
}

func (b *fakeBroker) ListOrders(ctx context.Context, accountID int64) ([]*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*core.BrokerOrder
	for _, o := range b.orders {
		if o.AccountID == accountID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *fakeBroker) ListPositions(ctx context.Context, accountID int64) ([]*core.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions[accountID], nil
}

func (b *fakeBroker) GetContract(ctx context.Context, symbol string) (*core.Contract, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.contracts[symbol]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("unknown contract %s", symbol)
}

// setStatus flips a stored order's status, simulating a fill or an external
// cancel between pipeline calls.
func (b *fakeBroker) setStatus(orderID int64, status core.OrderStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ord, ok := b.orders[orderID]; ok {
		ord.Status = status
	}
}

// byRole lists the recorded placements with the given role, in order.
func (b *fakeBroker) byRole(role core.OrderRole) []*core.BrokerOrder {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*core.BrokerOrder
	for _, o := range b.placed {
		if o.Role == role {
			out = append(out, o)
		}
	}
	return out
}

// liveByRole lists orders of the role that can still trade.
func (b *fakeBroker) liveByRole(accountID int64, symbol string, role core.OrderRole) []*core.BrokerOrder {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*core.BrokerOrder
	for _, o := range b.orders {
		if o.AccountID == accountID && o.Symbol == symbol && o.Role == role && o.Status.Live() {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out
}

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

func (p *stubPrices) set(ticker, price string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last[ticker] = decimal.RequireFromString(price)
}

type exitCall struct {
	key    core.TraderKey
	reason core.CloseReason
}

type stubExits struct {
	mu    sync.Mutex
	calls []exitCall
}

func (s *stubExits) RequestExit(ctx context.Context, key core.TraderKey, reason core.CloseReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, exitCall{key: key, reason: reason})
	return nil
}

func (s *stubExits) OnUserEvent(ev *core.UserEvent) {}

func (s *stubExits) State(key core.TraderKey) (string, bool) { return "", false }

type pipeFixture struct {
	t        *testing.T
	broker   *fakeBroker
	registry *stubRegistry
	store    *store.MemoryStore
	tracker  *position.Tracker
	prices   *stubPrices
	pool     *concurrency.WorkerPool
	exits    *stubExits
	pipe     *Pipeline
}

// newPipeFixture wires a pipeline over a fake demo broker: recorder rec1 on
// MNQZ5, one mirrors-book trader t1 on account 101, market at 21420 and a
// quarter-point tick.
func newPipeFixture(t *testing.T) *pipeFixture {
	t.Helper()

	fb := newFakeBroker()
	registry := &stubRegistry{
		recorders: map[string]*core.Recorder{
			"rec1": {
				ID: "rec1", Ticker: "MNQZ5", StrategyID: "momo",
				BaseQty: 2, AddQty: 1, TPTicks: 40, SLTicks: 80, SLEnabled: true,
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
	prices := &stubPrices{last: map[string]decimal.Decimal{"MNQZ5": decimal.RequireFromString("21398")}}
	session, err := core.NewSession("America/Chicago", "17:00")
	require.NoError(t, err)
	tracker := position.NewTracker(st, prices, fb, session, nopLogger{})

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test", MaxWorkers: 4, MaxCapacity: 64}, nopLogger{})
	t.Cleanup(pool.Stop)

	exits := &stubExits{}
	pipe := NewPipeline(
		registry, tracker, st, prices, nil,
		inlineLanes{}, pool, broker.NewSeqAllocator(),
		config.ExecutionConfig{BatchSize: 25, RetryMaxAttempts: 2, MarketabilityRetryMs: 30, OrderStatusProbeWaitMs: 1},
		nopLogger{},
	)
	pipe.SetExitMachine(exits)
	t.Cleanup(pipe.Stop)

	return &pipeFixture{
		t:        t,
		broker:   fb,
		registry: registry,
		store:    st,
		tracker:  tracker,
		prices:   prices,
		pool:     pool,
		exits:    exits,
		pipe:     pipe,
	}
}

func (f *pipeFixture) recorder() *core.Recorder {
	return f.registry.recorders["rec1"]
}

func (f *pipeFixture) trader() *core.Trader {
	return f.registry.traders["rec1"][0]
}

// signal submits a priced signal through the pipeline and requires the lane
// to accept it. Lanes are inline, so broker effects are visible on return.
func (f *pipeFixture) signal(action core.SignalAction, qty int, price string) *core.Signal {
	f.t.Helper()
	sig := &core.Signal{
		ID:         fmt.Sprintf("sig-%d", time.Now().UnixNano()),
		RecorderID: "rec1",
		ReceivedAt: time.Now(),
		Action:     action,
		Ticker:     "MNQZ5",
		Qty:        qty,
	}
	if price != "" {
		sig.Price = decimal.RequireFromString(price)
		sig.HasPrice = true
	}
	require.NoError(f.t, f.store.SaveSignal(context.Background(), sig, "accepted", ""))
	require.NoError(f.t, f.pipe.Submit(sig, f.recorder()))
	return sig
}
