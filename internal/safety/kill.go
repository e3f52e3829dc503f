// Package safety owns the kill switch: the last-resort path that forces one
// account and symbol back to flat inside a hard time budget. Everything here
// assumes the position can no longer be trusted to normal exit flow.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"jet_trader/internal/broker"
	"jet_trader/internal/core"
	apperrors "jet_trader/pkg/errors"
	"jet_trader/pkg/telemetry"
)

// tagStrategy marks kill-switch orders in the order text, in place of a
// recorder strategy id the kill switch does not have.
const tagStrategy = "kill"

// KillSwitchConfig bounds the flatten. Zero values fall back to a 750 ms
// budget and 100 ms polls.
type KillSwitchConfig struct {
	Budget time.Duration
	Poll   time.Duration
}

func (c *KillSwitchConfig) withDefaults() KillSwitchConfig {
	out := *c
	if out.Budget <= 0 {
		out.Budget = 750 * time.Millisecond
	}
	if out.Poll <= 0 {
		out.Poll = 100 * time.Millisecond
	}
	return out
}

// KillSwitch flattens one (account, symbol): cancel every live order in
// parallel, market-close whatever position remains, and poll until the
// broker confirms flat or the budget runs out. A failed flatten is published
// exactly once per stuck incident so alerting does not drown the operator
// while the position stays wedged.
type KillSwitch struct {
	registry core.IRegistry
	store    core.IStore
	bus      core.IEventBus // optional
	seq      *broker.SeqAllocator
	cfg      KillSwitchConfig
	logger   core.ILogger

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
	failed   map[string]bool
}

func NewKillSwitch(
	registry core.IRegistry,
	store core.IStore,
	bus core.IEventBus,
	seq *broker.SeqAllocator,
	cfg KillSwitchConfig,
	logger core.ILogger,
) *KillSwitch {
	return &KillSwitch{
		registry: registry,
		store:    store,
		bus:      bus,
		seq:      seq,
		cfg:      cfg.withDefaults(),
		logger:   logger.WithField("component", "kill_switch"),
		inflight: make(map[string]*sync.Mutex),
		failed:   make(map[string]bool),
	}
}

// Flatten force-closes the account's position in the symbol. Concurrent
// calls for the same key serialize; the loser re-checks and usually finds
// the winner already flattened it.
func (k *KillSwitch) Flatten(ctx context.Context, accountID int64, symbol string) error {
	key := fmt.Sprintf("%d:%s", accountID, symbol)
	lock := k.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	k.logger.Warn("Kill switch engaged", "account_id", accountID, "symbol", symbol)

	br, err := k.brokerFor(accountID)
	if err != nil {
		return k.fail(ctx, key, accountID, symbol, 0, err)
	}

	// The budget is hard; kill calls must not queue behind the governor.
	ctx, cancel := context.WithTimeout(broker.WithUrgent(ctx), k.cfg.Budget)
	defer cancel()

	k.cancelAll(ctx, br, accountID, symbol)

	net, err := k.netPosition(ctx, br, accountID, symbol)
	if err != nil {
		return k.fail(ctx, key, accountID, symbol, 0, fmt.Errorf("read position: %w", err))
	}
	if net == 0 {
		k.succeed(ctx, key, accountID, symbol, 0, started)
		return nil
	}

	if err := k.marketClose(ctx, br, accountID, symbol, net); err != nil {
		return k.fail(ctx, key, accountID, symbol, net, fmt.Errorf("market close: %w", err))
	}

	if err := k.awaitFlat(ctx, br, accountID, symbol); err != nil {
		return k.fail(ctx, key, accountID, symbol, net, err)
	}
	k.succeed(ctx, key, accountID, symbol, net, started)
	return nil
}

// cancelAll cancels every live order for the symbol in parallel, engine
// tagged or not. A cancel failure is not fatal here: the market close is
// what actually removes the exposure.
func (k *KillSwitch) cancelAll(ctx context.Context, br core.IBroker, accountID int64, symbol string) {
	orders, err := br.ListOrders(ctx, accountID)
	if err != nil {
		k.logger.Error("Kill switch cannot list orders, closing anyway",
			"account_id", accountID,
			"symbol", symbol,
			"error", err.Error())
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, o := range orders {
		if o.Symbol != symbol || !o.Status.Live() {
			continue
		}
		ord := o
		g.Go(func() error {
			if err := br.CancelOrder(ctx, accountID, ord.OrderID); err != nil {
				k.logger.Error("Kill switch cancel failed",
					"account_id", accountID,
					"order_id", ord.OrderID,
					"error", err.Error())
				return nil
			}
			if serr := k.store.UpdateOrderStatus(ctx, ord.OrderID, core.StatusCanceled, "kill_switch", "flatten"); serr != nil {
				k.logger.Warn("Failed to record kill cancel", "order_id", ord.OrderID, "error", serr.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (k *KillSwitch) marketClose(ctx context.Context, br core.IBroker, accountID int64, symbol string, net int) error {
	action := core.ActionSell
	qty := net
	if net < 0 {
		action = core.ActionBuy
		qty = -net
	}

	tag := broker.Tag{
		AccountID: accountID,
		Symbol:    symbol,
		Strategy:  tagStrategy,
		Role:      core.RoleExit,
		Seq:       k.seq.Next(accountID, symbol, core.RoleExit),
	}
	ord, err := br.PlaceOrder(ctx, &core.PlaceOrderRequest{
		AccountID: accountID,
		Action:    action,
		Symbol:    symbol,
		OrderType: core.OrderTypeMarket,
		OrderQty:  qty,
		Tag:       tag.String(),
	})
	if err != nil {
		return err
	}
	if serr := k.store.SaveBrokerOrder(ctx, ord); serr != nil {
		k.logger.Warn("Failed to persist kill order", "order_id", ord.OrderID, "error", serr.Error())
	}
	k.logger.Warn("Kill switch market close placed",
		"account_id", accountID,
		"symbol", symbol,
		"action", string(action),
		"qty", qty,
		"order_id", ord.OrderID)
	return nil
}

// awaitFlat polls the broker position until it reads zero or the budget
// context expires.
func (k *KillSwitch) awaitFlat(ctx context.Context, br core.IBroker, accountID int64, symbol string) error {
	ticker := time.NewTicker(k.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("not flat within %s: %w", k.cfg.Budget, apperrors.ErrFlattenFailed)
		case <-ticker.C:
			net, err := k.netPosition(ctx, br, accountID, symbol)
			if err != nil {
				continue
			}
			if net == 0 {
				return nil
			}
		}
	}
}

func (k *KillSwitch) netPosition(ctx context.Context, br core.IBroker, accountID int64, symbol string) (int, error) {
	positions, err := br.ListPositions(ctx, accountID)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p.NetQty, nil
		}
	}
	return 0, nil
}

func (k *KillSwitch) brokerFor(accountID int64) (core.IBroker, error) {
	acct, ok := k.registry.Account(accountID)
	if !ok {
		return nil, fmt.Errorf("unknown account %d", accountID)
	}
	br, ok := k.registry.BrokerFor(acct.Environment)
	if !ok {
		return nil, fmt.Errorf("no broker client for %s environment", acct.Environment)
	}
	return br, nil
}

func (k *KillSwitch) succeed(ctx context.Context, key string, accountID int64, symbol string, net int, started time.Time) {
	k.mu.Lock()
	recovered := k.failed[key]
	delete(k.failed, key)
	k.mu.Unlock()

	k.count(ctx, "flattened")
	k.logger.Warn("Kill switch flattened position",
		"account_id", accountID,
		"symbol", symbol,
		"closed_qty", net,
		"elapsed_ms", time.Since(started).Milliseconds(),
		"after_earlier_failure", recovered)
	k.publish("exit.flattened", key, map[string]interface{}{
		"account_id": accountID,
		"symbol":     symbol,
		"closed_qty": net,
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
}

// fail reports one flatten failure. The event fires once per stuck
// incident: repeats for a key that already failed only log, until a
// successful flatten re-arms it.
func (k *KillSwitch) fail(ctx context.Context, key string, accountID int64, symbol string, net int, err error) error {
	wrapped := err
	if !errors.Is(wrapped, apperrors.ErrFlattenFailed) {
		wrapped = fmt.Errorf("%v: %w", err, apperrors.ErrFlattenFailed)
	}

	k.mu.Lock()
	first := !k.failed[key]
	k.failed[key] = true
	k.mu.Unlock()

	k.count(ctx, "failed")
	k.logger.Error("Kill switch failed to flatten",
		"account_id", accountID,
		"symbol", symbol,
		"net_qty", net,
		"first_failure", first,
		"error", err.Error())
	if first {
		k.publish("exit.flatten_failed", key, map[string]interface{}{
			"account_id": accountID,
			"symbol":     symbol,
			"net_qty":    net,
			"error":      err.Error(),
		})
	}
	return wrapped
}

func (k *KillSwitch) keyLock(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	lock, ok := k.inflight[key]
	if !ok {
		lock = &sync.Mutex{}
		k.inflight[key] = lock
	}
	return lock
}

func (k *KillSwitch) publish(topic, key string, payload map[string]interface{}) {
	if k.bus != nil {
		k.bus.Publish(topic, key, payload)
	}
}

func (k *KillSwitch) count(ctx context.Context, outcome string) {
	if m := telemetry.GetGlobalMetrics(); m != nil && m.KillSwitchTotal != nil {
		m.KillSwitchTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

var _ core.IKillSwitch = (*KillSwitch)(nil)
