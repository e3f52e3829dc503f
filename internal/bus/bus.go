// Package bus is the in-process pub/sub fabric between the engine's
// components and the operator-facing surfaces.
package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"jet_trader/internal/core"
	"jet_trader/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type subscription struct {
	pattern string
	ch      chan core.BusEvent

	mu     sync.Mutex
	closed bool
}

// deliver enqueues without blocking. On a full buffer the oldest queued event
// is evicted first so a slow subscriber falls behind rather than stalling or
// losing the newest state.
func (s *subscription) deliver(ev core.BusEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.ch <- ev:
		return false
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	return true
}

// Bus fans events out to pattern subscriptions. Publish never blocks.
type Bus struct {
	mu            sync.RWMutex
	subs          map[*subscription]struct{}
	defaultBuffer int
	logger        core.ILogger
}

// New creates a bus. defaultBuffer applies to subscriptions that pass a
// non-positive buffer size.
func New(defaultBuffer int, logger core.ILogger) *Bus {
	if defaultBuffer <= 0 {
		defaultBuffer = 256
	}
	return &Bus{
		subs:          make(map[*subscription]struct{}),
		defaultBuffer: defaultBuffer,
		logger:        logger.WithField("component", "bus"),
	}
}

// Publish delivers an event to every matching subscription.
func (b *Bus) Publish(topic string, key string, payload any) {
	ev := core.BusEvent{Topic: topic, Key: key, At: time.Now(), Payload: payload}

	b.mu.RLock()
	matching := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		if topicMatches(s.pattern, topic) {
			matching = append(matching, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matching {
		if s.deliver(ev) {
			telemetry.GetGlobalMetrics().BusDroppedTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("topic", topic)))
			b.logger.Warn("Slow subscriber, dropped oldest event",
				"topic", topic, "pattern", s.pattern)
		}
	}
}

// Subscribe registers a pattern. The returned cancel func detaches the
// subscription and closes its channel.
//
// Patterns: an exact topic, a "prefix.*" segment wildcard, or "*" for all.
func (b *Bus) Subscribe(pattern string, buffer int) (<-chan core.BusEvent, func()) {
	if buffer <= 0 {
		buffer = b.defaultBuffer
	}
	sub := &subscription{pattern: pattern, ch: make(chan core.BusEvent, buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()

		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
	return sub.ch, cancel
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func topicMatches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return false
}

var _ core.IEventBus = (*Bus)(nil)
