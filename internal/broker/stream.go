package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"jet_trader/internal/core"
	"jet_trader/pkg/telemetry"
	"jet_trader/pkg/websocket"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var heartbeatFrame = []byte("[]")

// userStream is one account's private event socket.
type userStream struct {
	accountID int64
	ws        *websocket.Client
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connects  atomic.Int32
}

// StartUserStream opens the account's private event stream. Decoded events
// arrive on callback in socket order. The socket reconnects with jittered
// backoff; each (re)connect re-authorizes and fires the resync hook so
// events missed while disconnected are recovered by polling.
func (c *Client) StartUserStream(ctx context.Context, accountID int64, callback func(*core.UserEvent)) error {
	if c.wsURL == "" {
		return fmt.Errorf("no WS base configured for %s environment", c.env)
	}

	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if _, ok := c.streams[accountID]; ok {
		return fmt.Errorf("user stream for account %d already started", accountID)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &userStream{accountID: accountID, cancel: cancel}
	logger := c.logger.WithField("account_id", accountID)

	handler := func(message []byte) {
		for _, line := range bytes.Split(message, []byte{'\n'}) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 || bytes.Equal(line, heartbeatFrame) {
				continue
			}
			ev, err := parseStreamLine(accountID, line)
			if err != nil {
				logger.Debug("Dropping undecodable stream line", "error", err)
				continue
			}
			if ev == nil {
				continue
			}
			telemetry.GetGlobalMetrics().StreamMessagesTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("type", string(ev.Type))))
			callback(ev)
		}
	}

	s.ws = websocket.NewClient(c.wsURL, handler, logger)

	base := time.Duration(c.streamCfg.ReconnectBaseMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	maxWait := time.Duration(c.streamCfg.ReconnectCapMs) * time.Millisecond
	if maxWait < base {
		maxWait = 30 * time.Second
	}
	s.ws.SetReconnectBackoff(base, maxWait)

	s.ws.SetOnConnected(func() {
		if s.connects.Add(1) > 1 {
			telemetry.GetGlobalMetrics().StreamReconnectsTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.Int64("account_id", accountID)))
		}
		c.authorizeStream(s)
	})

	s.ws.Start()

	s.wg.Add(2)
	go c.heartbeatLoop(streamCtx, s)
	go func() {
		defer s.wg.Done()
		<-streamCtx.Done()
		s.ws.Stop()
	}()

	c.streams[accountID] = s
	logger.Info("User stream started")
	return nil
}

// StopUserStream tears down the account's stream. Unknown accounts are a
// no-op.
func (c *Client) StopUserStream(accountID int64) error {
	c.streamMu.Lock()
	s, ok := c.streams[accountID]
	delete(c.streams, accountID)
	c.streamMu.Unlock()
	if !ok {
		return nil
	}

	s.cancel()
	s.wg.Wait()
	c.logger.Info("User stream stopped", "account_id", accountID)
	return nil
}

// authorizeStream identifies the account on a fresh connection using
// whatever token is cached right now.
func (c *Client) authorizeStream(s *userStream) {
	tok, ok := c.tokens.Get(s.accountID)
	if !ok || tok.AccessToken == "" {
		c.logger.Error("No cached token to authorize user stream", "account_id", s.accountID)
		return
	}
	if err := s.ws.SendText("authorize\n" + tok.AccessToken); err != nil {
		c.logger.Error("Authorize frame failed", "account_id", s.accountID, "error", err)
		return
	}
	if c.resync != nil {
		c.resync(s.accountID)
	}
}

// heartbeatLoop feeds the broker's idle timer with an empty array frame
// while the socket is connected.
func (c *Client) heartbeatLoop(ctx context.Context, s *userStream) {
	defer s.wg.Done()

	interval := time.Duration(c.streamCfg.HeartbeatMs) * time.Millisecond
	if interval <= 0 {
		interval = 2500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.ws.Connected() {
				continue
			}
			if err := s.ws.SendText(string(heartbeatFrame)); err != nil {
				c.logger.Debug("Heartbeat send failed", "account_id", s.accountID, "error", err)
			}
		}
	}
}

// wireEnvelope is one newline-framed stream message.
type wireEnvelope struct {
	Event string          `json:"e"`
	Data  json.RawMessage `json:"d"`
}

// wireFill is one execution report on the stream.
type wireFill struct {
	FillID    int64           `json:"fillId"`
	OrderID   int64           `json:"orderId"`
	AccountID int64           `json:"accountId"`
	Symbol    string          `json:"symbol"`
	Action    string          `json:"action"`
	Qty       int             `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// wireQuote is a last-trade observation on the stream.
type wireQuote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// parseStreamLine decodes one stream line into a user event. Valid lines
// that carry nothing actionable (authorize ack, heartbeat echo) return
// (nil, nil).
func parseStreamLine(accountID int64, line []byte) (*core.UserEvent, error) {
	var env wireEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode stream frame: %w", err)
	}

	now := time.Now()
	switch env.Event {
	case "order":
		var w wireOrder
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return nil, fmt.Errorf("decode order event: %w", err)
		}
		o := w.toBrokerOrder()
		if o.AccountID == 0 {
			o.AccountID = accountID
		}
		return &core.UserEvent{Type: core.UserEventOrder, AccountID: accountID, At: now, Order: o}, nil

	case "fill":
		var w wireFill
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return nil, fmt.Errorf("decode fill event: %w", err)
		}
		f := &core.Fill{
			FillID:    w.FillID,
			OrderID:   w.OrderID,
			AccountID: w.AccountID,
			Symbol:    w.Symbol,
			Action:    core.OrderAction(w.Action),
			Qty:       w.Qty,
			Price:     w.Price,
			At:        w.Timestamp,
		}
		if f.AccountID == 0 {
			f.AccountID = accountID
		}
		if f.At.IsZero() {
			f.At = now
		}
		return &core.UserEvent{Type: core.UserEventFill, AccountID: accountID, At: now, Fill: f}, nil

	case "position":
		var w wirePosition
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return nil, fmt.Errorf("decode position event: %w", err)
		}
		p := w.toBrokerPosition()
		if p.AccountID == 0 {
			p.AccountID = accountID
		}
		return &core.UserEvent{Type: core.UserEventPosition, AccountID: accountID, At: now, Position: p}, nil

	case "quote":
		var w wireQuote
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return nil, fmt.Errorf("decode quote event: %w", err)
		}
		at := w.Timestamp
		if at.IsZero() {
			at = now
		}
		q := &core.Quote{Symbol: w.Symbol, Price: w.Price, At: at}
		return &core.UserEvent{Type: core.UserEventQuote, AccountID: accountID, At: now, Quote: q}, nil

	case "", "hb", "auth":
		return nil, nil
	default:
		return nil, nil
	}
}
