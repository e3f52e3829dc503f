// Package broker implements the typed client for the futures broker: the
// environment-scoped REST endpoints for auth, orders, positions and
// contracts, plus the per-account user-event stream.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jet_trader/internal/config"
	"jet_trader/internal/core"
	apperrors "jet_trader/pkg/errors"
	httpx "jet_trader/pkg/http"
	"jet_trader/pkg/telemetry"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	pathAuthToken      = "/auth/token"
	pathAuthRenew      = "/auth/renew"
	pathOrderPlace     = "/order/place"
	pathOrderModify    = "/order/modify"
	pathOrderCancel    = "/order/cancel"
	pathOrderByID      = "/order/%d"
	pathAccountOrders  = "/account/%d/orders"
	pathAccountPos     = "/account/%d/positions"
	pathContractSearch = "/contract/search"
)

// Limiter paces mutating calls per account. The scheduler's governor
// implements it; nil means unpaced.
type Limiter interface {
	Wait(ctx context.Context, accountID int64) error
}

// Client talks to exactly one endpoint family. Demo and live accounts get
// separate Client instances; positions and orders only exist at the base
// matching the account's environment, so there is no cross-family fallback
// anywhere and an empty answer is final.
type Client struct {
	env    core.Environment
	rest   *httpx.Client
	wsURL  string
	tokens core.ITokenCache
	logger core.ILogger

	limiter   Limiter
	contracts *contractCache
	resync    func(accountID int64)

	streamCfg config.StreamConfig

	streamMu sync.Mutex
	streams  map[int64]*userStream
}

// NewClient builds a client for one environment. The REST and WS bases are
// fixed here and never change for the lifetime of the client.
func NewClient(cfg config.BrokerConfig, streamCfg config.StreamConfig, env core.Environment, tokens core.ITokenCache, logger core.ILogger) (*Client, error) {
	restURL, wsURL := cfg.DemoRestURL, cfg.DemoWsURL
	if env == core.EnvLive {
		restURL, wsURL = cfg.LiveRestURL, cfg.LiveWsURL
	}
	if restURL == "" {
		return nil, fmt.Errorf("no REST base configured for %s environment", env)
	}

	timeout := time.Duration(cfg.HTTPTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := time.Duration(cfg.ContractCacheSc) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Client{
		env:       env,
		rest:      httpx.NewClient(restURL, timeout, &bearerSigner{tokens: tokens}),
		wsURL:     wsURL,
		tokens:    tokens,
		logger:    logger.WithField("component", "broker").WithField("env", string(env)),
		contracts: newContractCache(ttl),
		streamCfg: streamCfg,
		streams:   make(map[int64]*userStream),
	}, nil
}

// SetGovernor installs the per-account pacing limiter for mutating calls.
func (c *Client) SetGovernor(l Limiter) {
	c.limiter = l
}

// SetStaticContracts installs the fallback instrument table used when the
// contract endpoint is unavailable.
func (c *Client) SetStaticContracts(contracts map[string]*core.Contract) {
	c.contracts.setFallback(contracts)
}

// SetResyncHook installs the callback fired after each user-stream
// (re)authorization, so missed events can be recovered by polling.
func (c *Client) SetResyncHook(fn func(accountID int64)) {
	c.resync = fn
}

// Environment reports which endpoint family this client is bound to.
func (c *Client) Environment() core.Environment {
	return c.env
}

// CheckHealth probes REST reachability. Any HTTP response counts as
// reachable; only transport failures do not.
func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := c.rest.Get(ctx, "/", nil)
	if err == nil {
		return nil
	}
	var apiErr *httpx.APIError
	if errors.As(err, &apiErr) {
		return nil
	}
	return fmt.Errorf("broker %s unreachable: %w", c.env, err)
}

// accountCtxKey carries the signing account through the request context.
type accountCtxKey struct{}

func withAccount(ctx context.Context, accountID int64) context.Context {
	return context.WithValue(ctx, accountCtxKey{}, accountID)
}

// urgentCtxKey marks requests that must not queue behind the governor.
type urgentCtxKey struct{}

// WithUrgent exempts calls made under ctx from governor pacing. The kill
// switch uses it: a flatten on a hard budget cannot wait on a token
// bucket shared with routine order flow.
func WithUrgent(ctx context.Context) context.Context {
	return context.WithValue(ctx, urgentCtxKey{}, true)
}

func isUrgent(ctx context.Context) bool {
	urgent, _ := ctx.Value(urgentCtxKey{}).(bool)
	return urgent
}

// bearerSigner injects the cached access token for the account a request
// was issued on behalf of. Requests without an account in their context
// (login, contract search) are sent unsigned.
type bearerSigner struct {
	tokens core.ITokenCache
}

func (s *bearerSigner) SignRequest(req *http.Request) error {
	accountID, ok := req.Context().Value(accountCtxKey{}).(int64)
	if !ok {
		return nil
	}
	tok, ok := s.tokens.Get(accountID)
	if !ok || tok.AccessToken == "" {
		return fmt.Errorf("%w: account %d has no cached token", apperrors.ErrAuthRequired, accountID)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return nil
}

// tokenResponse is the wire shape of /auth/token and /auth/renew.
type tokenResponse struct {
	AccessToken    string `json:"accessToken"`
	ExpirationTime string `json:"expirationTime"`
	ErrorText      string `json:"errorText"`
}

func parseTokenResponse(raw []byte, now time.Time) (core.Token, error) {
	var resp tokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return core.Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if resp.ErrorText != "" {
		return core.Token{}, fmt.Errorf("%w: %s", apperrors.ErrAuthRequired, resp.ErrorText)
	}
	if resp.AccessToken == "" {
		return core.Token{}, fmt.Errorf("%w: empty access token in response", apperrors.ErrAuthRequired)
	}
	expiresAt, err := time.Parse(time.RFC3339, resp.ExpirationTime)
	if err != nil {
		return core.Token{}, fmt.Errorf("bad token expiry %q: %w", resp.ExpirationTime, err)
	}
	return core.Token{
		AccessToken: resp.AccessToken,
		ExpiresAt:   expiresAt,
		AcquiredAt:  now,
	}, nil
}

// Authenticate performs the full credential login for an account. The
// account must belong to this client's environment; a mismatch is a fatal
// configuration error, never a reason to try the other base.
func (c *Client) Authenticate(ctx context.Context, account *core.BrokerAccount) (core.Token, error) {
	if account.Environment != c.env {
		return core.Token{}, fmt.Errorf("%w: account %d is %s, client is %s",
			apperrors.ErrEndpointMismatch, account.ID, account.Environment, c.env)
	}

	body := map[string]interface{}{
		"name":       account.Username,
		"password":   account.Password,
		"appId":      account.AppID,
		"appVersion": account.AppVersion,
		"cid":        account.CID,
		"sec":        account.Secret,
	}

	raw, err := c.timedPost(ctx, "Authenticate", pathAuthToken, body)
	if err != nil {
		return core.Token{}, mapTransportError(err)
	}
	return parseTokenResponse(raw, time.Now())
}

// RenewToken exchanges the account's current token for a fresh one. The old
// token rides as the bearer. The renewed token is stored in the cache so
// concurrent callers pick it up immediately.
func (c *Client) RenewToken(ctx context.Context, accountID int64) (core.Token, error) {
	raw, err := c.timedPost(withAccount(ctx, accountID), "RenewToken", pathAuthRenew, map[string]interface{}{})
	if err != nil {
		return core.Token{}, mapTransportError(err)
	}
	tok, err := parseTokenResponse(raw, time.Now())
	if err != nil {
		return core.Token{}, err
	}
	c.tokens.Put(accountID, tok)
	return tok, nil
}

// orderCmdResponse is the wire shape of the place/modify/cancel commands. A
// 200 with failureReason set is a rejection.
type orderCmdResponse struct {
	OrderID       int64  `json:"orderId"`
	CommandID     int64  `json:"commandId"`
	FailureReason string `json:"failureReason"`
	FailureText   string `json:"failureText"`
}

// PlaceOrder submits one order. Placement is not idempotent, so the request
// is sent exactly once; callers recover an unknown outcome by probing order
// status by tag. A 401 is replayed once after a forced renew, which is safe
// because a 401 never reached the order engine.
func (c *Client) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.BrokerOrder, error) {
	if err := c.pace(ctx, req.AccountID); err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"accountId":   req.AccountID,
		"action":      string(req.Action),
		"symbol":      req.Symbol,
		"orderType":   string(req.OrderType),
		"orderQty":    req.OrderQty,
		"isAutomated": true,
		"text":        req.Tag,
	}
	if !req.Price.IsZero() {
		body["price"] = req.Price.String()
	}
	if !req.StopPrice.IsZero() {
		body["stopPrice"] = req.StopPrice.String()
	}
	if req.TimeInForce != "" {
		body["timeInForce"] = req.TimeInForce
	}

	raw, err := c.sendAuthed(ctx, req.AccountID, "PlaceOrder", pathOrderPlace, body, c.rest.PostOnce)
	if err != nil {
		return nil, err
	}

	var resp orderCmdResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode place response: %w", err)
	}
	if err := rejectionError(resp.FailureReason, resp.FailureText); err != nil {
		telemetry.GetGlobalMetrics().OrdersRejectedTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", resp.FailureReason)))
		return nil, err
	}

	order := &core.BrokerOrder{
		OrderID:   resp.OrderID,
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
	if tag, tagErr := ParseTag(req.Tag); tagErr == nil {
		order.Role = tag.Role
		order.Seq = tag.Seq
	}

	telemetry.GetGlobalMetrics().OrdersPlacedTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", string(order.Role))))
	return order, nil
}

// ModifyOrder rewrites price and quantity of a working order in place, so
// the broker keeps the order's queue identity. Modifying to the same values
// twice is harmless, which makes this call retryable.
func (c *Client) ModifyOrder(ctx context.Context, req *core.ModifyOrderRequest) error {
	if err := c.pace(ctx, req.AccountID); err != nil {
		return err
	}

	body := map[string]interface{}{
		"orderId":     req.OrderID,
		"orderQty":    req.OrderQty,
		"isAutomated": true,
	}
	if !req.Price.IsZero() {
		body["price"] = req.Price.String()
	}
	if !req.StopPrice.IsZero() {
		body["stopPrice"] = req.StopPrice.String()
	}

	raw, err := c.sendAuthed(ctx, req.AccountID, "ModifyOrder", pathOrderModify, body, c.rest.Post)
	if err != nil {
		return err
	}

	var resp orderCmdResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode modify response: %w", err)
	}
	if err := rejectionError(resp.FailureReason, resp.FailureText); err != nil {
		return err
	}

	telemetry.GetGlobalMetrics().OrdersModifiedTotal.Add(ctx, 1)
	return nil
}

// CancelOrder cancels a working order. Cancelling an order the broker
// already considers done comes back as ErrOrderNotFound.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID int64) error {
	if err := c.pace(ctx, accountID); err != nil {
		return err
	}

	body := map[string]interface{}{
		"orderId":     orderID,
		"isAutomated": true,
	}

	raw, err := c.sendAuthed(ctx, accountID, "CancelOrder", pathOrderCancel, body, c.rest.Post)
	if err != nil {
		return err
	}

	var resp orderCmdResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode cancel response: %w", err)
	}
	return rejectionError(resp.FailureReason, resp.FailureText)
}

// GetOrder fetches one order by id.
func (c *Client) GetOrder(ctx context.Context, accountID, orderID int64) (*core.BrokerOrder, error) {
	raw, err := c.getAuthed(ctx, accountID, "GetOrder", fmt.Sprintf(pathOrderByID, orderID))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: order %d", apperrors.ErrOrderNotFound, orderID)
		}
		return nil, err
	}

	var w wireOrder
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return w.toBrokerOrder(), nil
}

// ListOrders returns every order the broker reports for the account,
// including terminal ones it still retains for the session.
func (c *Client) ListOrders(ctx context.Context, accountID int64) ([]*core.BrokerOrder, error) {
	raw, err := c.getAuthed(ctx, accountID, "ListOrders", fmt.Sprintf(pathAccountOrders, accountID))
	if err != nil {
		return nil, err
	}

	var ws []wireOrder
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	out := make([]*core.BrokerOrder, 0, len(ws))
	for i := range ws {
		out = append(out, ws[i].toBrokerOrder())
	}
	return out, nil
}

// ListPositions returns the account's net positions. An empty list is a
// complete, final answer for this environment.
func (c *Client) ListPositions(ctx context.Context, accountID int64) ([]*core.BrokerPosition, error) {
	raw, err := c.getAuthed(ctx, accountID, "ListPositions", fmt.Sprintf(pathAccountPos, accountID))
	if err != nil {
		return nil, err
	}

	var ws []wirePosition
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]*core.BrokerPosition, 0, len(ws))
	for i := range ws {
		out = append(out, ws[i].toBrokerPosition())
	}
	return out, nil
}

// GetContract resolves instrument metadata, serving from cache within the
// TTL. Alias symbols (continuous notation) resolve to the current
// front-month contract. When the endpoint fails, the static fallback table
// answers so bracket math keeps working through outages.
func (c *Client) GetContract(ctx context.Context, symbol string) (*core.Contract, error) {
	now := time.Now()
	if ct, ok := c.contracts.get(symbol, now); ok {
		return ct, nil
	}

	raw, err := c.rest.Get(ctx, pathContractSearch, map[string]string{"symbol": symbol})
	if err == nil {
		var w wireContract
		if jsonErr := json.Unmarshal(raw, &w); jsonErr != nil {
			err = fmt.Errorf("decode contract: %w", jsonErr)
		} else if w.Symbol == "" {
			err = fmt.Errorf("%w: contract %q", apperrors.ErrUnknownTicker, symbol)
		} else {
			ct := &core.Contract{
				Symbol:    w.Symbol,
				TickSize:  w.TickSize,
				TickValue: w.TickValue,
				FetchedAt: now,
			}
			c.contracts.put(symbol, ct)
			return ct, nil
		}
	}

	if ct, ok := c.contracts.fallbackFor(symbol); ok {
		c.logger.Warn("Contract lookup failed, using static fallback",
			"symbol", symbol, "error", err)
		return ct, nil
	}
	if errors.Is(err, apperrors.ErrUnknownTicker) {
		return nil, err
	}
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownTicker, symbol)
	}
	return nil, fmt.Errorf("contract %s: %w", symbol, mapTransportError(err))
}

// pace applies the per-account governor to mutating calls.
func (c *Client) pace(ctx context.Context, accountID int64) error {
	if c.limiter == nil || isUrgent(ctx) {
		return nil
	}
	if err := c.limiter.Wait(ctx, accountID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", apperrors.ErrRateLimited, err)
	}
	return nil
}

// sendAuthed sends a signed POST, renewing the token once on 401 and
// replaying. A renewal failure or a second 401 flags the account and
// surfaces as AuthRequired.
func (c *Client) sendAuthed(ctx context.Context, accountID int64, op, path string, body interface{}, post func(context.Context, string, interface{}) ([]byte, error)) ([]byte, error) {
	raw, err := c.timed(ctx, op, func() ([]byte, error) {
		return post(withAccount(ctx, accountID), path, body)
	})
	if !isUnauthorized(err) {
		if err != nil {
			return nil, mapTransportError(err)
		}
		return raw, nil
	}

	if _, renewErr := c.RenewToken(ctx, accountID); renewErr != nil {
		c.tokens.MarkNeedsReauth(accountID)
		return nil, fmt.Errorf("%w: renew after 401 failed: %w", apperrors.ErrAuthRequired, renewErr)
	}

	raw, err = c.timed(ctx, op, func() ([]byte, error) {
		return post(withAccount(ctx, accountID), path, body)
	})
	if isUnauthorized(err) {
		c.tokens.MarkNeedsReauth(accountID)
		c.logger.Warn("Renewed token still rejected, flagging account", "account_id", accountID, "op", op)
		return nil, fmt.Errorf("%w: %w", apperrors.ErrAuthRequired, err)
	}
	if err != nil {
		return nil, mapTransportError(err)
	}
	return raw, nil
}

// getAuthed is sendAuthed for the read endpoints.
func (c *Client) getAuthed(ctx context.Context, accountID int64, op, path string) ([]byte, error) {
	return c.sendAuthed(ctx, accountID, op, path, nil, func(ctx context.Context, path string, _ interface{}) ([]byte, error) {
		return c.rest.Get(ctx, path, nil)
	})
}

func (c *Client) timedPost(ctx context.Context, op, path string, body interface{}) ([]byte, error) {
	return c.timed(ctx, op, func() ([]byte, error) {
		return c.rest.Post(ctx, path, body)
	})
}

// timed records per-operation broker latency.
func (c *Client) timed(ctx context.Context, op string, send func() ([]byte, error)) ([]byte, error) {
	start := time.Now()
	raw, err := send()
	telemetry.GetGlobalMetrics().BrokerLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("env", string(c.env)),
		))
	return raw, err
}

// wireOrder is the broker's order entity shape.
type wireOrder struct {
	OrderID       int64           `json:"orderId"`
	AccountID     int64           `json:"accountId"`
	Symbol        string          `json:"symbol"`
	Action        string          `json:"action"`
	OrderType     string          `json:"orderType"`
	OrderQty      int             `json:"orderQty"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
	OrdStatus     string          `json:"ordStatus"`
	Text          string          `json:"text"`
	FailureReason string          `json:"failureReason"`
	FailureText   string          `json:"failureText"`
	Timestamp     time.Time       `json:"timestamp"`
}

// toBrokerOrder projects the wire entity into the engine's view, decoding
// the tag for role and sequence when the order is one of ours.
func (w *wireOrder) toBrokerOrder() *core.BrokerOrder {
	o := &core.BrokerOrder{
		OrderID:   w.OrderID,
		AccountID: w.AccountID,
		Symbol:    w.Symbol,
		Action:    core.OrderAction(w.Action),
		OrderType: core.OrderType(w.OrderType),
		Qty:       w.OrderQty,
		Price:     w.Price,
		StopPrice: w.StopPrice,
		Status:    core.NormalizeOrderStatus(w.OrdStatus),
		Tag:       w.Text,
		Reason:    w.FailureReason,
		Text:      w.FailureText,
		UpdatedAt: w.Timestamp,
	}
	if tag, err := ParseTag(w.Text); err == nil {
		o.Role = tag.Role
		o.Seq = tag.Seq
	}
	return o
}

// wirePosition is the broker's net position entity shape.
type wirePosition struct {
	AccountID int64           `json:"accountId"`
	Symbol    string          `json:"symbol"`
	NetPos    int             `json:"netPos"`
	NetPrice  decimal.Decimal `json:"netPrice"`
}

func (w *wirePosition) toBrokerPosition() *core.BrokerPosition {
	return &core.BrokerPosition{
		AccountID: w.AccountID,
		Symbol:    w.Symbol,
		NetQty:    w.NetPos,
		AvgPrice:  w.NetPrice,
	}
}

// wireContract is the contract search response shape. The returned symbol
// is canonical and may differ from the queried alias.
type wireContract struct {
	Symbol    string          `json:"symbol"`
	TickSize  decimal.Decimal `json:"tickSize"`
	TickValue decimal.Decimal `json:"tickValue"`
}

var _ core.IBroker = (*Client)(nil)
