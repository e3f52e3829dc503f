package risk

import (
	"fmt"
	"sync"
	"time"

	"jet_trader/internal/core"
)

// HaltConfig bounds the entry-halt latch.
type HaltConfig struct {
	// MaxConsecutiveRejects trips the latch after this many broker
	// rejections in a row for one key. Zero disables the counter.
	MaxConsecutiveRejects int
	// Cooldown re-arms a tripped key after this long. Zero means a
	// tripped key stays halted until Reset.
	Cooldown time.Duration
}

type haltState struct {
	reason    string
	trippedAt time.Time
	rejects   int
}

// Halt stops new entries for keys the engine has lost confidence in: a
// failed flatten, a broker position that contradicts signal history, or
// too many broker rejections in a row. Exits are never halted; the latch
// only guards risk-adding actions, and a halted key still needs operator
// attention before the latch is cleared.
type Halt struct {
	mu     sync.Mutex
	cfg    HaltConfig
	logger core.ILogger
	keys   map[core.PositionKey]*haltState
}

func NewHalt(cfg HaltConfig, logger core.ILogger) *Halt {
	return &Halt{
		cfg:    cfg,
		logger: logger.WithField("component", "entry_halt"),
		keys:   make(map[core.PositionKey]*haltState),
	}
}

// Trip halts new entries for the key. A key that is already halted keeps
// its original reason.
func (h *Halt) Trip(key core.PositionKey, reason string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.stateLocked(key)
	if st.reason != "" {
		return
	}
	st.reason = reason
	st.trippedAt = at
	h.logger.Warn("Entries halted",
		"recorder_id", key.RecorderID,
		"ticker", key.Ticker,
		"reason", reason)
}

// RecordReject counts one broker rejection for the key. Enough of them in
// a row trip the latch.
func (h *Halt) RecordReject(key core.PositionKey, at time.Time) {
	if h.cfg.MaxConsecutiveRejects <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.stateLocked(key)
	st.rejects++
	if st.reason == "" && st.rejects >= h.cfg.MaxConsecutiveRejects {
		st.reason = fmt.Sprintf("%d consecutive broker rejections", st.rejects)
		st.trippedAt = at
		h.logger.Warn("Entries halted",
			"recorder_id", key.RecorderID,
			"ticker", key.Ticker,
			"reason", st.reason)
	}
}

// RecordAccept clears the rejection streak after a successful placement.
func (h *Halt) RecordAccept(key core.PositionKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.keys[key]
	if !ok {
		return
	}
	st.rejects = 0
	if st.reason == "" {
		delete(h.keys, key)
	}
}

// Halted reports whether the key is halted at the given time, re-arming
// tripped keys whose cooldown has passed.
func (h *Halt) Halted(key core.PositionKey, at time.Time) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.keys[key]
	if !ok || st.reason == "" {
		return "", false
	}
	if h.cfg.Cooldown > 0 && at.Sub(st.trippedAt) > h.cfg.Cooldown {
		h.logger.Info("Entry halt expired",
			"recorder_id", key.RecorderID,
			"ticker", key.Ticker,
			"reason", st.reason)
		delete(h.keys, key)
		return "", false
	}
	return st.reason, true
}

// Reset clears the latch for one key.
func (h *Halt) Reset(key core.PositionKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.keys[key]; !ok {
		return
	}
	delete(h.keys, key)
	h.logger.Info("Entry halt cleared",
		"recorder_id", key.RecorderID,
		"ticker", key.Ticker)
}

// Snapshot returns the halted keys and their reasons.
func (h *Halt) Snapshot() map[core.PositionKey]string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[core.PositionKey]string)
	for key, st := range h.keys {
		if st.reason != "" {
			out[key] = st.reason
		}
	}
	return out
}

func (h *Halt) stateLocked(key core.PositionKey) *haltState {
	st, ok := h.keys[key]
	if !ok {
		st = &haltState{}
		h.keys[key] = st
	}
	return st
}
