// Package webhook receives alert notifications over HTTP, turns them into
// canonical signals and hands them to the execution pipeline. The handler
// answers fast: parse, dedupe, persist, enqueue. Broker work never runs on
// the request goroutine.
package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"jet_trader/internal/core"
	apperrors "jet_trader/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// alertPayload is the JSON body alert platforms post. Numeric fields are
// decimals because placeholder expansion quotes them on some plans and
// sends bare numbers on others; decimal.Decimal accepts both.
type alertPayload struct {
	Ticker           string          `json:"ticker"`
	Action           string          `json:"action"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"`
	MarketPosition   string          `json:"market_position"`
	PositionSize     decimal.Decimal `json:"position_size"`
	PrevPositionSize decimal.Decimal `json:"prev_position_size"`
	StrategyName     string          `json:"strategy_name"`
}

// ParseAlert decodes an alert body into a signal for the given recorder.
// The returned signal carries the raw alert ticker; the caller resolves it
// to a broker symbol before the signal goes anywhere. Only CLOSE signals
// may omit the price.
func ParseAlert(rec *core.Recorder, body []byte, now time.Time) (*core.Signal, error) {
	var p alertPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrUnparseableSignal, err)
	}

	action, err := deriveAction(&p)
	if err != nil {
		return nil, err
	}

	if p.Price.IsNegative() {
		return nil, fmt.Errorf("%w: negative price %s", apperrors.ErrUnparseableSignal, p.Price)
	}
	// Entries must carry the chart's price. Pricing them off the market
	// feed instead has produced off-by-a-tick fills in thin products, so
	// a missing price rejects rather than guesses. Closes go on: they can
	// always exit at market.
	if action != core.SignalClose && !p.Price.IsPositive() {
		return nil, fmt.Errorf("%w: %s alert without price", apperrors.ErrNoPrice, action)
	}
	if p.Quantity.IsNegative() {
		return nil, fmt.Errorf("%w: negative quantity %s", apperrors.ErrUnparseableSignal, p.Quantity)
	}
	if !p.Quantity.IsInteger() {
		return nil, fmt.Errorf("%w: fractional quantity %s", apperrors.ErrUnparseableSignal, p.Quantity)
	}

	alertTicker := strings.ToUpper(strings.TrimSpace(p.Ticker))
	if alertTicker == "" {
		alertTicker = rec.Ticker
	}

	return &core.Signal{
		ID:          uuid.NewString(),
		RecorderID:  rec.ID,
		ReceivedAt:  now,
		Action:      action,
		AlertTicker: alertTicker,
		Price:       p.Price,
		HasPrice:    !p.Price.IsZero(),
		Qty:         int(p.Quantity.IntPart()),
		Strategy:    p.StrategyName,
		Raw:         body,
	}, nil
}

// deriveAction maps the alert vocabulary onto BUY/SELL/CLOSE. An explicit
// action wins; otherwise the market_position transition decides: going
// flat from a non-flat size is a close, landing long or short is an entry.
func deriveAction(p *alertPayload) (core.SignalAction, error) {
	switch strings.ToLower(strings.TrimSpace(p.Action)) {
	case "buy":
		return core.SignalBuy, nil
	case "sell":
		return core.SignalSell, nil
	case "close":
		return core.SignalClose, nil
	case "":
		// fall through to market_position
	default:
		return "", fmt.Errorf("%w: action %q", apperrors.ErrUnparseableSignal, p.Action)
	}

	switch strings.ToLower(strings.TrimSpace(p.MarketPosition)) {
	case "flat":
		if !p.PrevPositionSize.IsZero() {
			return core.SignalClose, nil
		}
		return "", fmt.Errorf("%w: flat with no prior position", apperrors.ErrUnparseableSignal)
	case "long":
		return core.SignalBuy, nil
	case "short":
		return core.SignalSell, nil
	}
	return "", fmt.Errorf("%w: no action or market_position", apperrors.ErrUnparseableSignal)
}
