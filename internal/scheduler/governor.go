package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"jet_trader/internal/broker"
	"jet_trader/internal/core"
)

const (
	defaultRPM   = 70
	defaultBurst = 10
)

// Governor paces REST calls with one token bucket per broker account so
// batched fan-out cannot trip the vendor's per-account rate limit.
// Buckets are created lazily on first use.
type Governor struct {
	mu      sync.Mutex
	buckets map[int64]*rate.Limiter
	rpm     int
	burst   int
	logger  core.ILogger
}

func NewGovernor(rpm, burst int, logger core.ILogger) *Governor {
	if rpm <= 0 {
		rpm = defaultRPM
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Governor{
		buckets: make(map[int64]*rate.Limiter),
		rpm:     rpm,
		burst:   burst,
		logger:  logger.WithField("component", "governor"),
	}
}

// Wait blocks until the account's bucket grants a token or ctx ends.
func (g *Governor) Wait(ctx context.Context, accountID int64) error {
	if err := g.bucket(accountID).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}
	return nil
}

// Allow reports whether a token is available right now without blocking.
func (g *Governor) Allow(accountID int64) bool {
	return g.bucket(accountID).Allow()
}

// SetRateLimit replaces every bucket with the new pacing. Accounts pick
// up the new limit on their next call.
func (g *Governor) SetRateLimit(rpm, burst int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rpm > 0 {
		g.rpm = rpm
	}
	if burst > 0 {
		g.burst = burst
	}
	g.buckets = make(map[int64]*rate.Limiter)
	g.logger.WithFields(map[string]interface{}{
		"rpm":   g.rpm,
		"burst": g.burst,
	}).Info("API rate limit updated")
}

func (g *Governor) bucket(accountID int64) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[accountID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(g.rpm)/60.0), g.burst)
		g.buckets[accountID] = b
	}
	return b
}

var _ broker.Limiter = (*Governor)(nil)
