// Package health aggregates per-component liveness checks behind the
// single answer the HTTP surfaces report.
package health

import (
	"sync"

	"jet_trader/internal/core"
)

// Manager holds named check functions. A check returning nil means the
// component is serving; anything else marks the whole process unhealthy.
type Manager struct {
	mu     sync.RWMutex
	checks map[string]func() error
}

func NewManager() *Manager {
	return &Manager{checks: make(map[string]func() error)}
}

// Register installs or replaces the check for a component. Checks run on
// every status call, so they must be cheap and must not block on I/O.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus runs every check and reports "ok" or the failure text.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "unhealthy: " + err.Error()
		} else {
			status[component] = "ok"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes. No checks
// registered counts as healthy.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, check := range m.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

var _ core.IHealthMonitor = (*Manager)(nil)
