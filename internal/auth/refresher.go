package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jet_trader/internal/config"
	"jet_trader/internal/core"
	"jet_trader/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Topics published by the refresher.
const (
	TopicTokenRefreshed = "token.refreshed"
	TopicTokenReauth    = "token.reauth_required"
)

// Refresher keeps account tokens ahead of their expiry. It scans the cache on
// an interval and renews any token that would expire within the threshold.
type Refresher struct {
	cache    core.ITokenCache
	registry core.IRegistry
	bus      core.IEventBus
	logger   core.ILogger

	checkInterval    time.Duration
	refreshThreshold time.Duration

	// per-account serialization so the scan loop and a forced 401 refresh
	// never renew the same account twice concurrently
	inFlightMu sync.Mutex
	inFlight   map[int64]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active bool
}

// NewRefresher creates a token refresher.
func NewRefresher(cfg config.TokenConfig, cache core.ITokenCache, registry core.IRegistry, bus core.IEventBus, logger core.ILogger) *Refresher {
	return &Refresher{
		cache:            cache,
		registry:         registry,
		bus:              bus,
		logger:           logger.WithField("component", "token_refresher"),
		checkInterval:    cfg.RefreshCheck(),
		refreshThreshold: cfg.RefreshThreshold(),
		inFlight:         make(map[int64]*sync.Mutex),
	}
}

// Bootstrap authenticates every configured account once. Accounts that fail
// are flagged for reauth rather than aborting startup.
func (r *Refresher) Bootstrap(ctx context.Context) error {
	var failed int
	for _, account := range r.registry.Accounts() {
		broker, ok := r.registry.BrokerFor(account.Environment)
		if !ok {
			return fmt.Errorf("no broker client for environment %q", account.Environment)
		}
		tok, err := broker.Authenticate(ctx, account)
		if err != nil {
			failed++
			r.logger.Error("Initial authentication failed", "account", account.ID, "error", err)
			r.cache.MarkNeedsReauth(account.ID)
			r.bus.Publish(TopicTokenReauth, fmt.Sprintf("%d", account.ID), account.ID)
			continue
		}
		r.cache.Put(account.ID, tok)
		r.logger.Info("Account authenticated", "account", account.ID, "expires_at", tok.ExpiresAt)
	}
	if failed > 0 {
		r.logger.Warn("Some accounts failed to authenticate", "failed", failed)
	}
	telemetry.GetGlobalMetrics().SetTokensNeedingReauth(int64(failed))
	return nil
}

// Start launches the refresh loop.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return fmt.Errorf("refresher already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.active = true

	r.wg.Add(1)
	go r.runLoop()

	r.logger.Info("Token refresher started",
		"check_interval", r.checkInterval,
		"refresh_threshold", r.refreshThreshold)
	return nil
}

// Stop halts the refresh loop.
func (r *Refresher) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return nil
	}
	r.cancel()
	r.wg.Wait()
	r.active = false
	r.logger.Info("Token refresher stopped")
	return nil
}

func (r *Refresher) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.scan()
		}
	}
}

func (r *Refresher) scan() {
	now := time.Now()
	var reauth int64
	for accountID, tok := range r.cache.Snapshot() {
		if tok.NeedsReauth {
			reauth++
			continue
		}
		if !tok.ExpiresWithin(now, r.refreshThreshold) {
			continue
		}
		if err := r.RefreshNow(r.ctx, accountID); err != nil {
			reauth++
		}
	}
	telemetry.GetGlobalMetrics().SetTokensNeedingReauth(reauth)
}

// RefreshNow renews one account's token immediately. Safe to call from the
// request path on a 401; concurrent calls for the same account coalesce.
func (r *Refresher) RefreshNow(ctx context.Context, accountID int64) error {
	lock := r.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	account, ok := r.registry.Account(accountID)
	if !ok {
		return fmt.Errorf("unknown account %d", accountID)
	}
	broker, ok := r.registry.BrokerFor(account.Environment)
	if !ok {
		return fmt.Errorf("no broker client for environment %q", account.Environment)
	}

	tok, err := broker.RenewToken(ctx, accountID)
	if err != nil {
		r.logger.Error("Token refresh failed", "account", accountID, "error", err)
		r.cache.MarkNeedsReauth(accountID)
		telemetry.GetGlobalMetrics().TokensRefreshedTotal.Add(ctx, 1,
			refreshOutcome("failed"))
		r.bus.Publish(TopicTokenReauth, fmt.Sprintf("%d", accountID), accountID)
		return err
	}

	r.cache.Put(accountID, tok)
	telemetry.GetGlobalMetrics().TokensRefreshedTotal.Add(ctx, 1,
		refreshOutcome("ok"))
	r.bus.Publish(TopicTokenRefreshed, fmt.Sprintf("%d", accountID), accountID)
	r.logger.Debug("Token refreshed", "account", accountID, "expires_at", tok.ExpiresAt)
	return nil
}

func refreshOutcome(outcome string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("outcome", outcome))
}

func (r *Refresher) accountLock(accountID int64) *sync.Mutex {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	lock, ok := r.inFlight[accountID]
	if !ok {
		lock = &sync.Mutex{}
		r.inFlight[accountID] = lock
	}
	return lock
}
