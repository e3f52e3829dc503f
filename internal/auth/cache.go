// Package auth holds broker access tokens and keeps them fresh.
package auth

import (
	"sync"
	"sync/atomic"
	"time"

	"jet_trader/internal/core"
	apperrors "jet_trader/pkg/errors"
)

// TokenCache is a copy-on-write token store. Reads are lock-free off an
// atomic pointer to an immutable map; writers clone under a small mutex and
// swap the pointer. The request hot path never contends with the refresher.
type TokenCache struct {
	current atomic.Pointer[map[int64]core.Token]
	writeMu sync.Mutex
	clock   func() time.Time
}

// NewTokenCache creates an empty cache.
func NewTokenCache() *TokenCache {
	c := &TokenCache{clock: time.Now}
	empty := make(map[int64]core.Token)
	c.current.Store(&empty)
	return c
}

// Get returns the token for an account.
func (c *TokenCache) Get(accountID int64) (core.Token, bool) {
	m := *c.current.Load()
	tok, ok := m[accountID]
	return tok, ok
}

// AccessToken returns a usable access token for signing requests.
func (c *TokenCache) AccessToken(accountID int64) (string, error) {
	tok, ok := c.Get(accountID)
	if !ok || tok.AccessToken == "" {
		return "", apperrors.ErrAuthRequired
	}
	if tok.NeedsReauth {
		return "", apperrors.ErrAuthRequired
	}
	if tok.Expired(c.clock()) {
		return "", apperrors.ErrAuthExpired
	}
	return tok.AccessToken, nil
}

// Put installs a fresh token for an account.
func (c *TokenCache) Put(accountID int64, token core.Token) {
	c.mutate(func(m map[int64]core.Token) {
		m[accountID] = token
	})
}

// MarkNeedsReauth flags an account whose refresh failed; execution skips it
// until an operator re-authenticates.
func (c *TokenCache) MarkNeedsReauth(accountID int64) {
	c.mutate(func(m map[int64]core.Token) {
		tok := m[accountID]
		tok.NeedsReauth = true
		m[accountID] = tok
	})
}

// Snapshot returns a copy of the current token map.
func (c *TokenCache) Snapshot() map[int64]core.Token {
	m := *c.current.Load()
	out := make(map[int64]core.Token, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NeedsReauthCount reports how many accounts are flagged for reauth.
func (c *TokenCache) NeedsReauthCount() int64 {
	m := *c.current.Load()
	var n int64
	for _, tok := range m {
		if tok.NeedsReauth {
			n++
		}
	}
	return n
}

func (c *TokenCache) mutate(apply func(map[int64]core.Token)) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	old := *c.current.Load()
	next := make(map[int64]core.Token, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	apply(next)
	c.current.Store(&next)
}

var _ core.ITokenCache = (*TokenCache)(nil)
