package alert

import (
	"context"
	"fmt"
	"sync"

	"jet_trader/internal/core"
)

// route binds a bus topic to the alert it raises. The message format
// receives the event key.
type route struct {
	topic   string
	level   Level
	title   string
	message string
}

var routes = []route{
	{"exit.flatten_failed", Critical, "Flatten failed", "kill switch could not confirm flat for %s"},
	{"reconcile.kill", Error, "Inconsistent position killed", "virtual and broker positions disagreed for %s"},
	{"reconcile.orphan", Warning, "Orphan broker position", "broker holds an untracked position for %s"},
	{"reconcile.manual_close", Warning, "Manual broker close", "virtual position closed after a broker-side close for %s"},
	{"token.reauth_required", Error, "Account re-auth required", "token refresh failed for account %s"},
}

// Notifier turns failure events from the bus into operator alerts. It
// never alerts on the happy path; routine events stay in the log.
type Notifier struct {
	mgr    *Manager
	bus    core.IEventBus
	logger core.ILogger

	mu      sync.Mutex
	cancels []func()
	wg      sync.WaitGroup
}

func NewNotifier(mgr *Manager, bus core.IEventBus, logger core.ILogger) *Notifier {
	return &Notifier{
		mgr:    mgr,
		bus:    bus,
		logger: logger.WithField("component", "alert_notifier"),
	}
}

// Start subscribes to every routed topic.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, r := range routes {
		ch, cancel := n.bus.Subscribe(r.topic, 64)
		n.cancels = append(n.cancels, cancel)
		n.wg.Add(1)
		go n.pump(r, ch)
	}
	n.logger.Info("Alert routes registered", "topics", len(routes))
}

// Stop detaches the subscriptions and waits for the pumps to drain.
func (n *Notifier) Stop() {
	n.mu.Lock()
	cancels := n.cancels
	n.cancels = nil
	n.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	n.wg.Wait()
}

func (n *Notifier) pump(r route, ch <-chan core.BusEvent) {
	defer n.wg.Done()
	for ev := range ch {
		n.mgr.Alert(context.Background(), r.level, r.title,
			fmt.Sprintf(r.message, ev.Key), eventFields(ev.Payload))
	}
}

// eventFields flattens a map payload into alert fields. Scalar payloads
// carry nothing beyond the key already in the message.
func eventFields(payload any) map[string]string {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
