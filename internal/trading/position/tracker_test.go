package position

import (
	"context"
	"testing"
	"time"

	"jet_trader/internal/core"
	"jet_trader/internal/store"
	apperrors "jet_trader/pkg/errors"
	"jet_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func init() {
	meter := otel.GetMeterProvider().Meter("position_test")
	_ = telemetry.GetGlobalMetrics().InitMetrics(meter)
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, f ...interface{})                 {}
func (nopLogger) Info(msg string, f ...interface{})                  {}
func (nopLogger) Warn(msg string, f ...interface{})                  {}
func (nopLogger) Error(msg string, f ...interface{})                 {}
func (nopLogger) Fatal(msg string, f ...interface{})                 {}
func (n nopLogger) WithField(k string, v interface{}) core.ILogger   { return n }
func (n nopLogger) WithFields(f map[string]interface{}) core.ILogger { return n }

type stubPrices struct {
	last map[string]decimal.Decimal
}

func (s *stubPrices) LastPrice(ticker string) (decimal.Decimal, time.Time, bool) {
	px, ok := s.last[ticker]
	return px, time.Now(), ok
}

// stubContracts always answers with micro-Nasdaq ticks: 0.25 per tick,
// 0.50 USD per tick, so two USD per point.
type stubContracts struct{}

func (stubContracts) GetContract(ctx context.Context, symbol string) (*core.Contract, error) {
	return &core.Contract{
		Symbol:    symbol,
		TickSize:  decimal.RequireFromString("0.25"),
		TickValue: decimal.RequireFromString("0.5"),
	}, nil
}

type trackerFixture struct {
	tracker *Tracker
	store   *store.MemoryStore
	prices  *stubPrices
	rec     *core.Recorder
}

func newTestTracker(t *testing.T) *trackerFixture {
	t.Helper()
	session, err := core.NewSession("America/Chicago", "17:00")
	require.NoError(t, err)
	prices := &stubPrices{last: map[string]decimal.Decimal{}}
	mem := store.NewMemoryStore()
	tr := NewTracker(mem, prices, stubContracts{}, session, nopLogger{})
	return &trackerFixture{
		tracker: tr,
		store:   mem,
		prices:  prices,
		rec:     &core.Recorder{ID: "rec1", Ticker: "MNQZ5"},
	}
}

func signal(action core.SignalAction, qty int, price string) *core.Signal {
	sig := &core.Signal{
		RecorderID: "rec1",
		Ticker:     "MNQZ5",
		Action:     action,
		Qty:        qty,
		ReceivedAt: time.Now(),
	}
	if price != "" {
		sig.Price = decimal.RequireFromString(price)
		sig.HasPrice = true
	}
	return sig
}

func TestTracker_OpenLong(t *testing.T) {
	f := newTestTracker(t)

	pos, transition, err := f.tracker.Apply(context.Background(), f.rec, signal(core.SignalBuy, 2, "21400"))
	require.NoError(t, err)
	assert.Equal(t, core.TransitionOpened, transition)
	require.NotNil(t, pos)
	assert.Equal(t, core.SideLong, pos.Side)
	assert.Equal(t, 2, pos.TotalQty)
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.RequireFromString("21400")))

	got, ok := f.tracker.Get(core.PositionKey{RecorderID: "rec1", Ticker: "MNQZ5"})
	require.True(t, ok)
	assert.Len(t, got.Entries, 1)

	persisted, err := f.store.GetOpenPosition(context.Background(), core.PositionKey{RecorderID: "rec1", Ticker: "MNQZ5"})
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, 2, persisted.TotalQty)
}

func TestTracker_DCARecomputesVWAP(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()

	_, _, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalBuy, 2, "21400"))
	require.NoError(t, err)

	pos, transition, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalBuy, 1, "21430"))
	require.NoError(t, err)
	assert.Equal(t, core.TransitionDCA, transition)
	assert.Equal(t, 3, pos.TotalQty)
	assert.Len(t, pos.Entries, 2)
	// (2*21400 + 1*21430) / 3
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.RequireFromString("21410")),
		"got avg %s", pos.AvgEntryPrice)
}

func TestTracker_TrimConsumesOldestLots(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()

	_, _, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalBuy, 2, "21400"))
	require.NoError(t, err)
	_, _, err = f.tracker.Apply(ctx, f.rec, signal(core.SignalBuy, 2, "21410"))
	require.NoError(t, err)

	pos, transition, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalSell, 3, "21420"))
	require.NoError(t, err)
	assert.Equal(t, core.TransitionTrimmed, transition)
	assert.Equal(t, core.SideLong, pos.Side)
	assert.Equal(t, 1, pos.TotalQty)
	require.Len(t, pos.Entries, 1)
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.RequireFromString("21410")),
		"surviving lot keeps its own price, got %s", pos.AvgEntryPrice)

	// 2 lots at 21400 gain 20 points, 1 lot at 21410 gains 10, at 2 USD/point.
	assert.True(t, f.tracker.SessionRealized("rec1").Equal(decimal.RequireFromString("100")),
		"got %s", f.tracker.SessionRealized("rec1"))
}

func TestTracker_OppositeFullQtyCloses(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()
	key := core.PositionKey{RecorderID: "rec1", Ticker: "MNQZ5"}

	_, _, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalBuy, 2, "21400"))
	require.NoError(t, err)

	pos, transition, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalSell, 2, "21390"))
	require.NoError(t, err)
	assert.Equal(t, core.TransitionClosed, transition)
	assert.Nil(t, pos)

	_, ok := f.tracker.Get(key)
	assert.False(t, ok)

	persisted, err := f.store.GetOpenPosition(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, persisted)

	// Lost 10 points on 2 contracts at 2 USD/point.
	assert.True(t, f.tracker.SessionRealized("rec1").Equal(decimal.RequireFromString("-40")),
		"got %s", f.tracker.SessionRealized("rec1"))
}

func TestTracker_FlipOpensRemainder(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()

	_, _, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalBuy, 2, "21400"))
	require.NoError(t, err)

	pos, transition, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalSell, 5, "21380"))
	require.NoError(t, err)
	assert.Equal(t, core.TransitionFlipped, transition)
	require.NotNil(t, pos)
	assert.Equal(t, core.SideShort, pos.Side)
	assert.Equal(t, 3, pos.TotalQty)
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.RequireFromString("21380")))

	// The long side lost 20 points on 2 contracts.
	assert.True(t, f.tracker.SessionRealized("rec1").Equal(decimal.RequireFromString("-80")),
		"got %s", f.tracker.SessionRealized("rec1"))
}

func TestTracker_ShortMirror(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()

	pos, transition, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalSell, 3, "21400"))
	require.NoError(t, err)
	assert.Equal(t, core.TransitionOpened, transition)
	assert.Equal(t, core.SideShort, pos.Side)

	pos, transition, err = f.tracker.Apply(ctx, f.rec, signal(core.SignalBuy, 1, "21390"))
	require.NoError(t, err)
	assert.Equal(t, core.TransitionTrimmed, transition)
	assert.Equal(t, 2, pos.TotalQty)

	// Short covered 1 contract 10 points lower: +20 USD.
	assert.True(t, f.tracker.SessionRealized("rec1").Equal(decimal.RequireFromString("20")),
		"got %s", f.tracker.SessionRealized("rec1"))
}

func TestTracker_CloseSignal(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()

	_, _, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalBuy, 1, "21400"))
	require.NoError(t, err)

	// No price on the close: the market cache answers.
	f.prices.last["MNQZ5"] = decimal.RequireFromString("21450")
	pos, transition, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalClose, 0, ""))
	require.NoError(t, err)
	assert.Equal(t, core.TransitionClosed, transition)
	assert.Nil(t, pos)
	assert.True(t, f.tracker.SessionRealized("rec1").Equal(decimal.RequireFromString("100")),
		"got %s", f.tracker.SessionRealized("rec1"))
}

func TestTracker_CloseWhenFlatIsNoop(t *testing.T) {
	f := newTestTracker(t)

	pos, transition, err := f.tracker.Apply(context.Background(), f.rec, signal(core.SignalClose, 0, ""))
	require.NoError(t, err)
	assert.Equal(t, core.TransitionNone, transition)
	assert.Nil(t, pos)
}

func TestTracker_FlatOpenWithoutPriceFails(t *testing.T) {
	f := newTestTracker(t)

	_, transition, err := f.tracker.Apply(context.Background(), f.rec, signal(core.SignalBuy, 1, ""))
	require.ErrorIs(t, err, apperrors.ErrNoPrice)
	assert.Equal(t, core.TransitionNone, transition)

	_, ok := f.tracker.Get(core.PositionKey{RecorderID: "rec1", Ticker: "MNQZ5"})
	assert.False(t, ok)
}

func TestTracker_DCAWithoutPriceRejects(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()

	_, _, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalBuy, 1, "21400"))
	require.NoError(t, err)

	// A live market quote is not a substitute for the chart's price.
	f.prices.last["MNQZ5"] = decimal.RequireFromString("21450")
	_, transition, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalBuy, 1, ""))
	require.ErrorIs(t, err, apperrors.ErrNoPrice)
	assert.Equal(t, core.TransitionNone, transition)

	pos, ok := f.tracker.Get(core.PositionKey{RecorderID: "rec1", Ticker: "MNQZ5"})
	require.True(t, ok)
	assert.Equal(t, 1, pos.TotalQty, "rejected add must not touch the book")
}

func TestTracker_ZeroPriceMeansNoPrice(t *testing.T) {
	f := newTestTracker(t)

	sig := signal(core.SignalBuy, 1, "")
	sig.Price = decimal.Zero
	sig.HasPrice = true
	_, _, err := f.tracker.Apply(context.Background(), f.rec, sig)
	require.ErrorIs(t, err, apperrors.ErrNoPrice)
}

func TestTracker_ShrinkToDropsOldestLots(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()
	key := core.PositionKey{RecorderID: "rec1", Ticker: "MNQZ5"}

	_, _, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalBuy, 2, "21400"))
	require.NoError(t, err)
	_, _, err = f.tracker.Apply(ctx, f.rec, signal(core.SignalBuy, 2, "21410"))
	require.NoError(t, err)

	pos, err := f.tracker.ShrinkTo(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pos.TotalQty)
	require.Len(t, pos.Entries, 1)
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.RequireFromString("21410")))

	// Drift repair is not trading P&L.
	assert.True(t, f.tracker.SessionRealized("rec1").IsZero())

	// Shrinking to at or above the current size changes nothing.
	pos, err = f.tracker.ShrinkTo(ctx, key, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, pos.TotalQty)
}

func TestTracker_CloseAtIsIdempotent(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()
	key := core.PositionKey{RecorderID: "rec1", Ticker: "MNQZ5"}

	_, _, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalBuy, 1, "21400"))
	require.NoError(t, err)

	trade, err := f.tracker.CloseAt(ctx, key, decimal.RequireFromString("21410"), core.CloseTPFill)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, core.CloseTPFill, trade.Reason)
	assert.True(t, trade.RealizedUSD.Equal(decimal.RequireFromString("20")))

	again, err := f.tracker.CloseAt(ctx, key, decimal.RequireFromString("21410"), core.CloseTPFill)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestTracker_RestoreSeedsBooksAndSessionPnL(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveVirtualPosition(ctx, &core.VirtualPosition{
		RecorderID:    "rec1",
		Ticker:        "MNQZ5",
		Side:          core.SideLong,
		TotalQty:      2,
		AvgEntryPrice: decimal.RequireFromString("21400"),
		Entries:       []core.Entry{{Price: decimal.RequireFromString("21400"), Qty: 2, At: time.Now()}},
		OpenedAt:      time.Now(),
	}))
	require.NoError(t, f.store.InsertTrade(ctx, &core.Trade{
		ID:          "t1",
		RecorderID:  "rec1",
		Ticker:      "MNQZ5",
		Side:        core.SideLong,
		Qty:         1,
		RealizedUSD: decimal.RequireFromString("-120"),
		Reason:      core.CloseSLFill,
		ClosedAt:    time.Now(),
	}))

	fresh := NewTracker(f.store, f.prices, stubContracts{}, mustSession(t), nopLogger{})
	require.NoError(t, fresh.Restore(ctx, []string{"rec1"}))

	got, ok := fresh.Get(core.PositionKey{RecorderID: "rec1", Ticker: "MNQZ5"})
	require.True(t, ok)
	assert.Equal(t, 2, got.TotalQty)
	assert.True(t, fresh.SessionRealized("rec1").Equal(decimal.RequireFromString("-120")))
}

func TestTracker_ResetSession(t *testing.T) {
	f := newTestTracker(t)
	ctx := context.Background()

	_, _, err := f.tracker.Apply(ctx, f.rec, signal(core.SignalBuy, 1, "21400"))
	require.NoError(t, err)
	_, _, err = f.tracker.Apply(ctx, f.rec, signal(core.SignalSell, 1, "21420"))
	require.NoError(t, err)
	require.False(t, f.tracker.SessionRealized("rec1").IsZero())

	f.tracker.ResetSession(time.Now())
	assert.True(t, f.tracker.SessionRealized("rec1").IsZero())
}

func mustSession(t *testing.T) *core.Session {
	t.Helper()
	s, err := core.NewSession("America/Chicago", "17:00")
	require.NoError(t, err)
	return s
}
