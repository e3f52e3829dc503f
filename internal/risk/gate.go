package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jet_trader/internal/core"
	apperrors "jet_trader/pkg/errors"
	"jet_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Filter names as they appear in rejection reasons and on the bus.
const (
	FilterDirection     = "direction"
	FilterTimeWindow    = "time_window"
	FilterCooldown      = "cooldown"
	FilterMaxPerSession = "max_per_session"
	FilterMaxDailyLoss  = "max_daily_loss"
	FilterSignalDelay   = "signal_delay"
	FilterEngineHalt    = "engine_halt"
)

// RealizedSource reports a recorder's realized P&L for the current session.
type RealizedSource interface {
	SessionRealized(recorderID string) decimal.Decimal
}

// Gate runs a recorder's filter chain over incoming signals in a fixed
// order: halt latch, direction, time windows, cooldown, session cap, daily
// loss, size cap, delay. The first failing filter rejects the signal; the
// size cap never rejects, it shrinks the quantity in place.
//
// CLOSE signals bypass the chain: every filter here limits how risk is
// added, and none of them may stand between an open position and its exit.
type Gate struct {
	session  *core.Session
	realized RealizedSource
	bus      core.IEventBus
	logger   core.ILogger

	halt *Halt // optional

	mu           sync.Mutex
	sessionStart time.Time
	lastAccepted map[core.PositionKey]time.Time
	perSession   map[string]int
	delayCount   map[string]int
}

func NewGate(session *core.Session, realized RealizedSource, bus core.IEventBus, logger core.ILogger) *Gate {
	return &Gate{
		session:      session,
		realized:     realized,
		bus:          bus,
		logger:       logger.WithField("component", "risk_gate"),
		lastAccepted: make(map[core.PositionKey]time.Time),
		perSession:   make(map[string]int),
		delayCount:   make(map[string]int),
	}
}

// SetHalt wires the entry-halt latch. Halted keys reject before any
// recorder filter runs.
func (g *Gate) SetHalt(h *Halt) {
	g.halt = h
}

// Evaluate runs the chain for one signal. On acceptance it records the
// accept for cooldown and session accounting and may lower sig.Qty to the
// recorder's contract cap. On rejection it returns a FilterError naming the
// filter, already logged and published.
func (g *Gate) Evaluate(rec *core.Recorder, sig *core.Signal, now time.Time) error {
	if sig.Action == core.SignalClose {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollIfNeededLocked(now)

	key := core.PositionKey{RecorderID: rec.ID, Ticker: sig.Ticker}
	if g.halt != nil {
		if reason, halted := g.halt.Halted(key, now); halted {
			return g.reject(rec, sig, &apperrors.FilterError{
				Filter: FilterEngineHalt,
				Detail: "entries halted: " + reason,
			})
		}
	}

	f := rec.Filters

	if err := checkDirection(f.Direction, sig.Action); err != nil {
		return g.reject(rec, sig, err)
	}
	if err := checkWindows(f.Windows, now); err != nil {
		return g.reject(rec, sig, err)
	}

	if f.CooldownSec > 0 {
		if last, ok := g.lastAccepted[key]; ok {
			elapsed := now.Sub(last)
			if cooldown := time.Duration(f.CooldownSec) * time.Second; elapsed < cooldown {
				return g.reject(rec, sig, &apperrors.FilterError{
					Filter: FilterCooldown,
					Detail: fmt.Sprintf("%s since last accepted, cooldown %s", elapsed.Truncate(time.Millisecond), cooldown),
				})
			}
		}
	}

	if f.MaxPerSession > 0 && g.perSession[rec.ID] >= f.MaxPerSession {
		return g.reject(rec, sig, &apperrors.FilterError{
			Filter: FilterMaxPerSession,
			Detail: fmt.Sprintf("%d signals already accepted this session", g.perSession[rec.ID]),
		})
	}

	if f.MaxDailyLossUS.IsPositive() && g.realized != nil {
		pnl := g.realized.SessionRealized(rec.ID)
		if pnl.LessThanOrEqual(f.MaxDailyLossUS.Neg()) {
			return g.reject(rec, sig, &apperrors.FilterError{
				Filter: FilterMaxDailyLoss,
				Detail: fmt.Sprintf("session pnl %s USD at limit %s", pnl, f.MaxDailyLossUS),
			})
		}
	}

	if f.MaxContracts > 0 && sig.Qty > f.MaxContracts {
		g.logger.Info("Signal quantity capped",
			"recorder", rec.ID, "ticker", sig.Ticker, "requested", sig.Qty, "cap", f.MaxContracts)
		sig.Qty = f.MaxContracts
	}

	if f.DelayN > 1 {
		g.delayCount[rec.ID]++
		if g.delayCount[rec.ID]%f.DelayN != 0 {
			return g.reject(rec, sig, &apperrors.FilterError{
				Filter: FilterSignalDelay,
				Detail: fmt.Sprintf("signal %d of every %d", g.delayCount[rec.ID]%f.DelayN, f.DelayN),
			})
		}
	}

	g.lastAccepted[key] = now
	g.perSession[rec.ID]++
	return nil
}

// ResetSession clears the per-session counters. The rollover is also
// detected lazily on the next Evaluate, so a missed cron tick cannot leak a
// session cap across days.
func (g *Gate) ResetSession(at time.Time) {
	g.mu.Lock()
	g.sessionStart = g.session.StartFor(at)
	g.perSession = make(map[string]int)
	g.delayCount = make(map[string]int)
	g.mu.Unlock()
	g.logger.Info("Risk gate session counters reset", "at", at)
}

func (g *Gate) rollIfNeededLocked(now time.Time) {
	start := g.session.StartFor(now)
	if start.Equal(g.sessionStart) {
		return
	}
	g.sessionStart = start
	g.perSession = make(map[string]int)
	g.delayCount = make(map[string]int)
}

func (g *Gate) reject(rec *core.Recorder, sig *core.Signal, ferr *apperrors.FilterError) error {
	g.logger.Info("Signal blocked",
		"recorder", rec.ID, "ticker", sig.Ticker, "action", sig.Action,
		"filter", ferr.Filter, "detail", ferr.Detail)

	telemetry.GetGlobalMetrics().SignalsRejectedTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("recorder", rec.ID),
			attribute.String("filter", ferr.Filter)))

	if g.bus != nil {
		g.bus.Publish("signal.rejected", rec.ID, map[string]interface{}{
			"signal_id": sig.ID,
			"recorder":  rec.ID,
			"ticker":    sig.Ticker,
			"action":    string(sig.Action),
			"filter":    ferr.Filter,
			"detail":    ferr.Detail,
		})
	}
	return ferr
}

func checkDirection(direction string, action core.SignalAction) *apperrors.FilterError {
	switch direction {
	case "long":
		if action == core.SignalSell {
			return &apperrors.FilterError{Filter: FilterDirection, Detail: "recorder is long-only"}
		}
	case "short":
		if action == core.SignalBuy {
			return &apperrors.FilterError{Filter: FilterDirection, Detail: "recorder is short-only"}
		}
	}
	return nil
}

func checkWindows(windows []core.TimeWindow, now time.Time) *apperrors.FilterError {
	if len(windows) == 0 {
		return nil
	}
	for _, w := range windows {
		ok, err := windowContains(w, now)
		if err != nil {
			return &apperrors.FilterError{Filter: FilterTimeWindow, Detail: err.Error()}
		}
		if ok {
			return nil
		}
	}
	return &apperrors.FilterError{Filter: FilterTimeWindow, Detail: "outside all trading windows"}
}

// windowContains evaluates one window in its own timezone. Windows whose end
// is before their start span midnight: 18:00-02:00 matches evenings on a
// listed day and the small hours following one.
func windowContains(w core.TimeWindow, at time.Time) (bool, error) {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return false, fmt.Errorf("window timezone %q: %w", w.Timezone, err)
	}
	start, err := parseWall(w.Start)
	if err != nil {
		return false, err
	}
	end, err := parseWall(w.End)
	if err != nil {
		return false, err
	}

	lt := at.In(loc)
	mins := lt.Hour()*60 + lt.Minute()

	switch {
	case start < end:
		return dayAllowed(w.Days, lt.Weekday()) && mins >= start && mins < end, nil
	case start > end:
		if mins >= start {
			return dayAllowed(w.Days, lt.Weekday()), nil
		}
		if mins < end {
			return dayAllowed(w.Days, lt.AddDate(0, 0, -1).Weekday()), nil
		}
		return false, nil
	default:
		return false, nil
	}
}

func parseWall(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("window time %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func dayAllowed(days []time.Weekday, d time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, allowed := range days {
		if allowed == d {
			return true
		}
	}
	return false
}
