package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jet_trader/internal/bootstrap"
	"jet_trader/internal/broker"
	"jet_trader/internal/core"
	"jet_trader/internal/market"
	"jet_trader/internal/risk"
	"jet_trader/internal/trading/exit"
	"jet_trader/pkg/liveserver"
)

// projectionTimeout bounds the store write done per stream order event.
const projectionTimeout = 3 * time.Second

// resyncTimeout bounds the reconcile pass triggered by a stream reconnect.
const resyncTimeout = 30 * time.Second

// StreamRouter fans broker user-event streams into the engine: fills and
// order updates drive the exit machine, quotes and fills feed the price
// cache, tagged order updates refresh the store projection, and every
// event is mirrored to the dashboard hub when one is attached.
type StreamRouter struct {
	clients  map[core.Environment]*broker.Client
	accounts []*core.BrokerAccount
	exits    *exit.Machine
	prices   *market.Cache
	store    core.IStore
	recon    *risk.Reconciler
	hub      *liveserver.Hub // optional
	logger   core.ILogger

	// keysByAccount maps an account onto the virtual-position keys its
	// traders can hold, for targeted resync after a reconnect.
	keysByAccount map[int64][]core.PositionKey

	mu      sync.Mutex
	started int
}

func NewStreamRouter(
	clients map[core.Environment]*broker.Client,
	accounts []*core.BrokerAccount,
	exits *exit.Machine,
	prices *market.Cache,
	store core.IStore,
	recon *risk.Reconciler,
	keysByAccount map[int64][]core.PositionKey,
	logger core.ILogger,
) *StreamRouter {
	return &StreamRouter{
		clients:       clients,
		accounts:      accounts,
		exits:         exits,
		prices:        prices,
		store:         store,
		recon:         recon,
		keysByAccount: keysByAccount,
		logger:        logger.WithField("component", "stream_router"),
	}
}

// SetHub attaches the dashboard hub. Must be called before Start.
func (r *StreamRouter) SetHub(hub *liveserver.Hub) {
	r.hub = hub
}

// Start opens one user-event stream per account and installs the
// reconnect resync hook on every client. Streams tear down when ctx is
// canceled.
func (r *StreamRouter) Start(ctx context.Context) error {
	for _, client := range r.clients {
		client.SetResyncHook(r.resync)
	}

	for _, acct := range r.accounts {
		client, ok := r.clients[acct.Environment]
		if !ok {
			return fmt.Errorf("no broker client for %s account %d", acct.Environment, acct.ID)
		}
		if err := client.StartUserStream(ctx, acct.ID, r.handle); err != nil {
			return fmt.Errorf("user stream for account %d: %w", acct.ID, err)
		}
		r.mu.Lock()
		r.started++
		r.mu.Unlock()
		r.logger.Info("User stream started", "account_id", acct.ID, "environment", acct.Environment)
	}
	return nil
}

// Stop closes every account stream.
func (r *StreamRouter) Stop() {
	for _, acct := range r.accounts {
		client, ok := r.clients[acct.Environment]
		if !ok {
			continue
		}
		if err := client.StopUserStream(acct.ID); err != nil {
			r.logger.Warn("Stopping user stream failed", "account_id", acct.ID, "error", err)
		}
	}
}

// Health reports an error until every configured account has a stream.
func (r *StreamRouter) Health() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started < len(r.accounts) {
		return fmt.Errorf("%d of %d user streams running", r.started, len(r.accounts))
	}
	return nil
}

// handle routes one decoded stream event. It runs on the stream's read
// goroutine, so everything here is either in-memory or bounded.
func (r *StreamRouter) handle(ev *core.UserEvent) {
	switch ev.Type {
	case core.UserEventOrder:
		r.exits.OnUserEvent(ev)
		r.projectOrder(ev.Order)
		r.mirror("order.update", fmt.Sprintf("%d:%s", ev.Order.AccountID, ev.Order.Symbol), map[string]interface{}{
			"order_id": ev.Order.OrderID,
			"role":     string(ev.Order.Role),
			"status":   string(ev.Order.Status),
			"qty":      ev.Order.Qty,
		})

	case core.UserEventFill:
		r.exits.OnUserEvent(ev)
		// A print is the freshest price there is.
		r.prices.Update(ev.Fill.Symbol, ev.Fill.Price, ev.Fill.At)
		r.mirror("order.fill", fmt.Sprintf("%d:%s", ev.Fill.AccountID, ev.Fill.Symbol), map[string]interface{}{
			"order_id": ev.Fill.OrderID,
			"action":   string(ev.Fill.Action),
			"qty":      ev.Fill.Qty,
			"price":    ev.Fill.Price.String(),
		})

	case core.UserEventPosition:
		r.mirror("position.update", fmt.Sprintf("%d:%s", ev.Position.AccountID, ev.Position.Symbol), map[string]interface{}{
			"net_qty": ev.Position.NetQty,
		})

	case core.UserEventQuote:
		r.prices.Update(ev.Quote.Symbol, ev.Quote.Price, ev.Quote.At)
	}
}

// projectOrder refreshes the persisted projection of one engine order.
// Foreign orders are never written; the projection exists so a restart
// can seed tag sequences and resume bracket maintenance from it.
func (r *StreamRouter) projectOrder(o *core.BrokerOrder) {
	if o == nil {
		return
	}
	tag, err := broker.ParseTag(o.Tag)
	if err != nil {
		return
	}
	if o.Role == "" {
		o.Role = tag.Role
	}
	if o.Seq == 0 {
		o.Seq = tag.Seq
	}

	ctx, cancel := context.WithTimeout(context.Background(), projectionTimeout)
	defer cancel()
	if err := r.store.SaveBrokerOrder(ctx, o); err != nil {
		r.logger.Warn("Order projection write failed", "order_id", o.OrderID, "error", err)
	}
}

// resync runs after a stream (re)connect: events may have been missed
// while disconnected, so every key the account can hold is reconciled.
func (r *StreamRouter) resync(accountID int64) {
	keys := r.keysByAccount[accountID]
	if len(keys) == 0 {
		return
	}
	r.logger.Info("Stream reconnected, reconciling account keys", "account_id", accountID, "keys", len(keys))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
		defer cancel()
		for _, key := range keys {
			if err := r.recon.ReconcileKey(ctx, key); err != nil {
				r.logger.Warn("Resync reconcile failed",
					"account_id", accountID, "recorder_id", key.RecorderID, "ticker", key.Ticker, "error", err)
			}
		}
	}()
}

func (r *StreamRouter) mirror(topic, key string, payload map[string]interface{}) {
	if r.hub == nil {
		return
	}
	r.hub.Broadcast(liveserver.NewEvent(topic, key, payload))
}

// busMirror pumps every engine bus event to the dashboard hub for as
// long as ctx lives.
func busMirror(events core.IEventBus, hub *liveserver.Hub) bootstrap.Runner {
	return bootstrap.RunnerFunc(func(ctx context.Context) error {
		ch, cancel := events.Subscribe("*", 256)
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				msg := liveserver.NewEvent(ev.Topic, ev.Key, ev.Payload)
				if !ev.At.IsZero() {
					msg.At = ev.At.UnixMilli()
				}
				hub.Broadcast(msg)
			}
		}
	})
}

// engineSnapshot builds the frames a dashboard client receives on
// connect: every open virtual position and every active exit run.
func engineSnapshot(tracker core.ITracker, exits *exit.Machine) func() []liveserver.Message {
	return func() []liveserver.Message {
		var msgs []liveserver.Message

		for _, key := range tracker.OpenKeys() {
			pos, ok := tracker.Get(key)
			if !ok {
				continue
			}
			msgs = append(msgs, liveserver.NewSnapshot("snapshot.position", key.RecorderID+":"+key.Ticker, map[string]interface{}{
				"recorder_id": pos.RecorderID,
				"ticker":      pos.Ticker,
				"side":        string(pos.Side),
				"qty":         pos.TotalQty,
				"avg_entry":   pos.AvgEntryPrice.String(),
				"opened_at":   pos.OpenedAt.UnixMilli(),
			}))
		}

		for key, state := range exits.States() {
			msgs = append(msgs, liveserver.NewSnapshot("snapshot.exit", key, map[string]interface{}{
				"state": state,
			}))
		}

		return msgs
	}
}
