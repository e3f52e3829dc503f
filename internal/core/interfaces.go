// Package core defines the shared types and interfaces of the execution engine.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IBroker is the client for one broker environment. Implementations select
// their REST and websocket bases once at construction; demo and live clients
// never share endpoints.
type IBroker interface {
	Environment() Environment
	CheckHealth(ctx context.Context) error

	// Auth
	Authenticate(ctx context.Context, account *BrokerAccount) (Token, error)
	RenewToken(ctx context.Context, accountID int64) (Token, error)

	// Orders
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*BrokerOrder, error)
	ModifyOrder(ctx context.Context, req *ModifyOrderRequest) error
	CancelOrder(ctx context.Context, accountID, orderID int64) error
	GetOrder(ctx context.Context, accountID, orderID int64) (*BrokerOrder, error)
	ListOrders(ctx context.Context, accountID int64) ([]*BrokerOrder, error)

	// Account state
	ListPositions(ctx context.Context, accountID int64) ([]*BrokerPosition, error)

	// Instruments
	GetContract(ctx context.Context, symbol string) (*Contract, error)

	// User-event stream. The callback runs on the stream's consumer goroutine.
	StartUserStream(ctx context.Context, accountID int64, callback func(*UserEvent)) error
	StopUserStream(accountID int64) error
}

// ITokenProvider hands out access tokens for signing broker requests.
type ITokenProvider interface {
	AccessToken(accountID int64) (string, error)
}

// ITokenCache is the copy-on-write token store shared by the refresher and
// the request path.
type ITokenCache interface {
	ITokenProvider
	Get(accountID int64) (Token, bool)
	Put(accountID int64, token Token)
	MarkNeedsReauth(accountID int64)
	Snapshot() map[int64]Token
}

// ITracker maintains signal-authoritative virtual positions.
type ITracker interface {
	Apply(ctx context.Context, rec *Recorder, sig *Signal) (*VirtualPosition, Transition, error)
	Get(key PositionKey) (*VirtualPosition, bool)
	ShrinkTo(ctx context.Context, key PositionKey, qty int) (*VirtualPosition, error)
	CloseAt(ctx context.Context, key PositionKey, price decimal.Decimal, reason CloseReason) (*Trade, error)
	OpenKeys() []PositionKey
	SessionRealized(recorderID string) decimal.Decimal
	ResetSession(at time.Time)
}

// IExitMachine drives market-only exits and confirms flatness.
type IExitMachine interface {
	RequestExit(ctx context.Context, key TraderKey, reason CloseReason) error
	OnUserEvent(ev *UserEvent)
	State(key TraderKey) (string, bool)
}

// IKillSwitch force-flattens one account/symbol within a bounded time budget.
type IKillSwitch interface {
	Flatten(ctx context.Context, accountID int64, symbol string) error
}

// IReconciler compares virtual positions against broker state and converges
// them per the drift decision table.
type IReconciler interface {
	Start(ctx context.Context) error
	Stop() error
	Reconcile(ctx context.Context) error
	ReconcileKey(ctx context.Context, key PositionKey) error
	TriggerManual(ctx context.Context) error
}

// IEventBus is the in-process pub/sub fabric. Publish never blocks; slow
// subscribers lose their oldest events first.
type IEventBus interface {
	Publish(topic string, key string, payload any)
	Subscribe(pattern string, buffer int) (<-chan BusEvent, func())
}

// BusEvent is one published event.
type BusEvent struct {
	Topic   string
	Key     string
	At      time.Time
	Payload any
}

// IStore persists signals, virtual positions, broker order projections and
// realized trades.
type IStore interface {
	SaveSignal(ctx context.Context, sig *Signal, status, detail string) error
	UpdateSignalStatus(ctx context.Context, signalID, status, detail string) error

	SaveVirtualPosition(ctx context.Context, pos *VirtualPosition) error
	CloseVirtualPosition(ctx context.Context, key PositionKey) error
	GetOpenPosition(ctx context.Context, key PositionKey) (*VirtualPosition, error)
	ListOpenPositions(ctx context.Context) ([]*VirtualPosition, error)

	SaveBrokerOrder(ctx context.Context, o *BrokerOrder) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status OrderStatus, reason, text string) error
	ListWorkingOrders(ctx context.Context, accountID int64, symbol string) ([]*BrokerOrder, error)

	InsertTrade(ctx context.Context, t *Trade) error
	SessionRealized(ctx context.Context, recorderID string, since time.Time) (decimal.Decimal, error)

	Close() error
}

// IPriceSource serves last-known prices. Data may be stale or absent and
// callers must handle both.
type IPriceSource interface {
	LastPrice(ticker string) (decimal.Decimal, time.Time, bool)
}

// IRegistry is the read-mostly repository of recorders, traders and accounts.
type IRegistry interface {
	RecorderByToken(token string) (*Recorder, bool)
	Recorder(id string) (*Recorder, bool)
	TradersFor(recorderID string) []*Trader
	Trader(id string) (*Trader, bool)
	Account(id int64) (*BrokerAccount, bool)
	Accounts() []*BrokerAccount
	BrokerFor(env Environment) (IBroker, bool)
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
