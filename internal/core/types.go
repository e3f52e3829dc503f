package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Environment selects which broker endpoint family an account belongs to.
// Demo and live are fully disjoint universes and must never be mixed.
type Environment string

const (
	EnvDemo Environment = "demo"
	EnvLive Environment = "live"
)

// SignalAction is the canonical action derived from an inbound webhook.
type SignalAction string

const (
	SignalBuy   SignalAction = "BUY"
	SignalSell  SignalAction = "SELL"
	SignalClose SignalAction = "CLOSE"
)

// OrderAction is the broker wire value for order direction.
type OrderAction string

const (
	ActionBuy  OrderAction = "Buy"
	ActionSell OrderAction = "Sell"
)

// Opposite returns the reversing action.
func (a OrderAction) Opposite() OrderAction {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// OrderType is the broker wire value for order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
	OrderTypeStop   OrderType = "Stop"
)

// OrderRole classifies an order within a bracket group.
type OrderRole string

const (
	RoleEntry OrderRole = "ENTRY"
	RoleTP    OrderRole = "TP"
	RoleSL    OrderRole = "SL"
	RoleExit  OrderRole = "EXIT"
)

// PositionSide is the direction of a virtual position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
	SideFlat  PositionSide = "FLAT"
)

// Opposite returns the reversed side. FLAT maps to itself.
func (s PositionSide) Opposite() PositionSide {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// EntryAction returns the broker action that grows a position on this side.
func (s PositionSide) EntryAction() OrderAction {
	if s == SideShort {
		return ActionSell
	}
	return ActionBuy
}

// ExitAction returns the broker action that shrinks a position on this side.
func (s PositionSide) ExitAction() OrderAction {
	if s == SideShort {
		return ActionBuy
	}
	return ActionSell
}

// Recorder is a signal recorder: one webhook token plus the trade template
// applied to every signal received on it. Read-only inside the engine; the
// management surface owns mutation.
type Recorder struct {
	ID           string
	Name         string
	WebhookToken string
	Ticker       string
	StrategyID   string
	BaseQty      int
	AddQty       int
	TPTicks      int
	SLTicks      int
	SLEnabled    bool
	Filters      FilterConfig
	Enabled      bool
}

// FilterConfig holds the risk-gate settings for a recorder.
type FilterConfig struct {
	Direction      string       // "long", "short" or "" for both
	Windows        []TimeWindow // at most two
	CooldownSec    int
	MaxPerSession  int
	MaxDailyLossUS decimal.Decimal // zero disables
	MaxContracts   int             // caps order size, does not reject
	DelayN         int             // accept every Nth signal, 0/1 disables
}

// TimeWindow is an allowed trading window in a named location.
type TimeWindow struct {
	Start    string // "HH:MM"
	End      string // "HH:MM"
	Timezone string // IANA name, e.g. "America/Chicago"
	Days     []time.Weekday
}

// Trader subscribes a broker account to a recorder's signals, optionally
// overriding the recorder's trade template.
type Trader struct {
	ID         string
	RecorderID string
	AccountID  int64
	Enabled    bool

	// Zero values mean "inherit from recorder".
	BaseQty   int
	AddQty    int
	TPTicks   int
	SLTicks   int
	SLMode    SLMode
	MaxQty    int
}

// SLMode controls whether a trader overrides the recorder's stop-loss flag.
type SLMode string

const (
	SLInherit  SLMode = ""
	SLEnabled  SLMode = "enabled"
	SLDisabled SLMode = "disabled"
)

// MirrorsBook reports whether the trader carries no size overrides and
// therefore holds exactly what the virtual book says. Sizing and
// reconciliation treat such traders quantity-for-quantity; overridden
// traders are sized from their own template instead.
func (t *Trader) MirrorsBook() bool {
	return t.BaseQty == 0 && t.AddQty == 0 && t.MaxQty == 0
}

// EffectiveBaseQty resolves the entry size, falling back to the recorder.
func (t *Trader) EffectiveBaseQty(rec *Recorder) int {
	if t.BaseQty > 0 {
		return t.BaseQty
	}
	return rec.BaseQty
}

// EffectiveAddQty resolves the DCA size: trader, then recorder, then the
// entry size when neither configures adds.
func (t *Trader) EffectiveAddQty(rec *Recorder) int {
	if t.AddQty > 0 {
		return t.AddQty
	}
	if rec.AddQty > 0 {
		return rec.AddQty
	}
	return t.EffectiveBaseQty(rec)
}

// EffectiveTPTicks resolves the take-profit distance in ticks.
func (t *Trader) EffectiveTPTicks(rec *Recorder) int {
	if t.TPTicks > 0 {
		return t.TPTicks
	}
	return rec.TPTicks
}

// EffectiveSLTicks resolves the stop-loss distance in ticks.
func (t *Trader) EffectiveSLTicks(rec *Recorder) int {
	if t.SLTicks > 0 {
		return t.SLTicks
	}
	return rec.SLTicks
}

// EffectiveSLEnabled resolves whether this trader runs a stop-loss.
func (t *Trader) EffectiveSLEnabled(rec *Recorder) bool {
	switch t.SLMode {
	case SLEnabled:
		return true
	case SLDisabled:
		return false
	default:
		return rec.SLEnabled
	}
}

// BrokerAccount identifies one account at the broker together with the
// credentials needed to authenticate it.
type BrokerAccount struct {
	ID          int64
	Name        string
	Environment Environment
	Username    string
	Password    string
	AppID       string
	AppVersion  string
	CID         string
	Secret      string
}

// Token is a broker access token for a single account.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
	AcquiredAt  time.Time
	NeedsReauth bool
}

// Expired reports whether the token is unusable at t.
func (t Token) Expired(at time.Time) bool {
	return t.AccessToken == "" || !at.Before(t.ExpiresAt)
}

// ExpiresWithin reports whether the token will expire within d of at.
func (t Token) ExpiresWithin(at time.Time, d time.Duration) bool {
	return at.Add(d).After(t.ExpiresAt)
}

// Signal is one accepted webhook signal after parsing and normalization.
type Signal struct {
	ID          string
	RecorderID  string
	ReceivedAt  time.Time
	Action      SignalAction
	Ticker      string // broker symbol, already normalized
	AlertTicker string // as received, e.g. "MNQ1!"
	Price       decimal.Decimal
	HasPrice    bool
	Qty         int
	Strategy    string
	Raw         []byte
	Fingerprint string
}

// Entry is one fill lot inside a virtual position, kept in FIFO order.
type Entry struct {
	Price decimal.Decimal
	Qty   int
	At    time.Time
}

// VirtualPosition is the signal-authoritative position for one
// (recorder, ticker) key. Invariants: the entry quantities sum to TotalQty and
// AvgEntryPrice times TotalQty equals the sum of price times qty over entries,
// exactly, in decimal arithmetic. A FLAT position has zero qty and no entries.
type VirtualPosition struct {
	RecorderID    string
	Ticker        string
	Side          PositionSide
	TotalQty      int
	AvgEntryPrice decimal.Decimal
	Entries       []Entry
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// Flat reports whether the position is flat.
func (p *VirtualPosition) Flat() bool {
	return p == nil || p.Side == SideFlat || p.TotalQty == 0
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p *VirtualPosition) Clone() *VirtualPosition {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Entries = make([]Entry, len(p.Entries))
	copy(cp.Entries, p.Entries)
	return &cp
}

// Transition describes what a signal did to a virtual position.
type Transition string

const (
	TransitionNone    Transition = "none"
	TransitionOpened  Transition = "opened"
	TransitionDCA     Transition = "dca"
	TransitionTrimmed Transition = "trimmed"
	TransitionClosed  Transition = "closed"
	TransitionFlipped Transition = "flipped"
)

// CloseReason records why a virtual position was closed.
type CloseReason string

const (
	CloseTPFill       CloseReason = "tp_fill"
	CloseSLFill       CloseReason = "sl_fill"
	CloseOpposite     CloseReason = "opposite_signal"
	CloseSignal       CloseReason = "close_signal"
	CloseManualBroker CloseReason = "manual_broker_close"
	CloseReconcile    CloseReason = "reconcile_flatten"
	CloseKillSwitch   CloseReason = "kill_switch"
)

// PlaceOrderRequest is the broker order payload.
type PlaceOrderRequest struct {
	AccountID   int64
	Action      OrderAction
	Symbol      string
	OrderType   OrderType
	OrderQty    int
	Price       decimal.Decimal // limit price, zero when unused
	StopPrice   decimal.Decimal // stop trigger, zero when unused
	Tag         string
	TimeInForce string
}

// ModifyOrderRequest changes price and quantity of a working order in place.
type ModifyOrderRequest struct {
	AccountID int64
	OrderID   int64
	OrderQty  int
	Price     decimal.Decimal
	StopPrice decimal.Decimal
}

// BrokerOrder is the engine's projection of one broker order.
type BrokerOrder struct {
	OrderID   int64
	AccountID int64
	Symbol    string
	Role      OrderRole
	Action    OrderAction
	OrderType OrderType
	Qty       int
	Price     decimal.Decimal
	StopPrice decimal.Decimal
	Status    OrderStatus
	Tag       string
	Seq       int64
	Reason    string // failureReason on rejection
	Text      string // failureText on rejection
	UpdatedAt time.Time
}

// BrokerPosition is the broker's authoritative net position for one symbol.
type BrokerPosition struct {
	AccountID int64
	Symbol    string
	NetQty    int // signed: positive long, negative short
	AvgPrice  decimal.Decimal
}

// Side derives the position side from the signed net quantity.
func (p BrokerPosition) Side() PositionSide {
	switch {
	case p.NetQty > 0:
		return SideLong
	case p.NetQty < 0:
		return SideShort
	default:
		return SideFlat
	}
}

// Fill is one execution report from the broker.
type Fill struct {
	FillID    int64
	OrderID   int64
	AccountID int64
	Symbol    string
	Action    OrderAction
	Qty       int
	Price     decimal.Decimal
	At        time.Time
}

// Contract carries the instrument metadata needed for bracket math.
type Contract struct {
	Symbol    string
	TickSize  decimal.Decimal
	TickValue decimal.Decimal
	FetchedAt time.Time
}

// TicksToPrice converts a tick offset into a price delta.
func (c Contract) TicksToPrice(ticks int) decimal.Decimal {
	return c.TickSize.Mul(decimal.NewFromInt(int64(ticks)))
}

// UserEventType tags events on the broker user stream.
type UserEventType string

const (
	UserEventOrder    UserEventType = "order"
	UserEventFill     UserEventType = "fill"
	UserEventPosition UserEventType = "position"
	UserEventQuote    UserEventType = "quote"
)

// UserEvent is one message from the broker user-event stream.
type UserEvent struct {
	Type      UserEventType
	AccountID int64
	At        time.Time
	Order     *BrokerOrder
	Fill      *Fill
	Position  *BrokerPosition
	Quote     *Quote
}

// Quote is a last-trade price observation.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// PositionKey identifies one virtual position.
type PositionKey struct {
	RecorderID string
	Ticker     string
}

// TraderKey identifies one trader-side execution stream.
type TraderKey struct {
	TraderID string
	Ticker   string
}

// Trade is a realized exit: the quantity that left a virtual position at an
// exit price. Full closes produce one per position, partial trims one per
// trimmed slice.
type Trade struct {
	ID          string
	RecorderID  string
	Ticker      string
	Side        PositionSide
	Qty         int
	AvgEntry    decimal.Decimal
	ExitPrice   decimal.Decimal
	RealizedUSD decimal.Decimal
	Reason      CloseReason
	OpenedAt    time.Time
	ClosedAt    time.Time
}
