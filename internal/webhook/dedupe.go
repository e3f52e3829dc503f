package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"jet_trader/internal/core"
)

// Fingerprint identifies one alert delivery. Retries from the alert
// platform replay the identical body within the same second, so the
// second-truncated receive time is part of the hash: a deliberate repeat
// of the same alert later still counts as a fresh signal.
func Fingerprint(recorderID, ticker string, action core.SignalAction, receivedAt time.Time, raw []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s%s%s%d", recorderID, ticker, action, receivedAt.Unix())
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

// Deduper keeps a fixed ring of recent fingerprints per recorder and
// flags repeats that land inside the window.
type Deduper struct {
	window   time.Duration
	capacity int

	mu    sync.Mutex
	rings map[string]*fpRing
}

type fpRing struct {
	seen  map[string]time.Time
	slots []string
	next  int
}

func NewDeduper(window time.Duration, capacity int) *Deduper {
	if window <= 0 {
		window = 2 * time.Second
	}
	if capacity <= 0 {
		capacity = 4096
	}
	return &Deduper{
		window:   window,
		capacity: capacity,
		rings:    make(map[string]*fpRing),
	}
}

// Seen reports whether the fingerprint was recorded within the window,
// recording it either way. Each fingerprint holds exactly one ring slot;
// a stale repeat refreshes its timestamp without claiming a second slot.
func (d *Deduper) Seen(recorderID, fingerprint string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.rings[recorderID]
	if r == nil {
		r = &fpRing{
			seen:  make(map[string]time.Time),
			slots: make([]string, d.capacity),
		}
		d.rings[recorderID] = r
	}

	if at, ok := r.seen[fingerprint]; ok {
		r.seen[fingerprint] = now
		return now.Sub(at) <= d.window
	}

	if evicted := r.slots[r.next]; evicted != "" {
		delete(r.seen, evicted)
	}
	r.slots[r.next] = fingerprint
	r.next = (r.next + 1) % len(r.slots)
	r.seen[fingerprint] = now
	return false
}
