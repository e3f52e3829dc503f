// Package alert fans operator notifications out to configured channels.
// Delivery is fire-and-forget off the trading path: a dead channel must
// never hold up an exit.
package alert

import (
	"context"
	"sync"
	"time"

	"jet_trader/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is one operator notification.
type Payload struct {
	Level   Level
	Title   string
	Message string
	At      time.Time
	Fields  map[string]string
}

// Channel delivers a payload somewhere an operator will see it.
type Channel interface {
	Send(ctx context.Context, p Payload) error
	Name() string
}

// Manager fans alerts out to every channel in parallel. Each send gets
// its own timeout; failures are logged and dropped.
type Manager struct {
	logger  core.ILogger
	timeout time.Duration

	mu       sync.RWMutex
	channels []Channel
}

func NewManager(timeout time.Duration, logger core.ILogger) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		logger:  logger.WithField("component", "alerts"),
		timeout: timeout,
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Alert channel added", "channel", ch.Name())
}

// Alert delivers to every channel and returns without waiting. The
// payload timestamp is stamped here so all channels agree on it.
func (m *Manager) Alert(ctx context.Context, level Level, title, message string, fields map[string]string) {
	p := Payload{
		Level:   level,
		Title:   title,
		Message: message,
		At:      time.Now(),
		Fields:  fields,
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			// Alerts outlive the triggering request; only the send
			// timeout bounds them.
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
			defer cancel()

			if err := c.Send(sendCtx, p); err != nil {
				m.logger.Error("Alert delivery failed",
					"channel", c.Name(), "title", title, "error", err)
			}
		}(ch)
	}
}
