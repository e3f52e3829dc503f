package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricSignalsReceivedTotal  = "jet_trader_signals_received_total"
	MetricSignalsRejectedTotal  = "jet_trader_signals_rejected_total"
	MetricWebhookLatency        = "jet_trader_webhook_latency_ms"
	MetricOrdersPlacedTotal     = "jet_trader_orders_placed_total"
	MetricOrdersModifiedTotal   = "jet_trader_orders_modified_total"
	MetricOrdersRejectedTotal   = "jet_trader_orders_rejected_total"
	MetricBrokerLatency         = "jet_trader_broker_latency_ms"
	MetricPositionsOpen         = "jet_trader_positions_open"
	MetricExitsActive           = "jet_trader_exits_active"
	MetricKillSwitchTotal       = "jet_trader_kill_switch_total"
	MetricReconcilePassesTotal  = "jet_trader_reconcile_passes_total"
	MetricReconcileDriftTotal   = "jet_trader_reconcile_drift_total"
	MetricTokensRefreshedTotal  = "jet_trader_tokens_refreshed_total"
	MetricTokensNeedingReauth   = "jet_trader_tokens_needing_reauth"
	MetricStreamMessagesTotal   = "jet_trader_stream_messages_total"
	MetricStreamReconnectsTotal = "jet_trader_stream_reconnects_total"
	MetricBusDroppedTotal       = "jet_trader_bus_dropped_total"
	MetricPnLRealizedTotal      = "jet_trader_pnl_realized_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	SignalsReceivedTotal  metric.Int64Counter
	SignalsRejectedTotal  metric.Int64Counter
	WebhookLatency        metric.Float64Histogram
	OrdersPlacedTotal     metric.Int64Counter
	OrdersModifiedTotal   metric.Int64Counter
	OrdersRejectedTotal   metric.Int64Counter
	BrokerLatency         metric.Float64Histogram
	PositionsOpen         metric.Int64ObservableGauge
	ExitsActive           metric.Int64ObservableGauge
	KillSwitchTotal       metric.Int64Counter
	ReconcilePassesTotal  metric.Int64Counter
	ReconcileDriftTotal   metric.Int64Counter
	TokensRefreshedTotal  metric.Int64Counter
	TokensNeedingReauth   metric.Int64ObservableGauge
	StreamMessagesTotal   metric.Int64Counter
	StreamReconnectsTotal metric.Int64Counter
	BusDroppedTotal       metric.Int64Counter
	PnLRealizedTotal      metric.Float64UpDownCounter

	// State for observable gauges
	mu               sync.RWMutex
	positionsOpenMap map[string]int64 // by recorder
	exitsActiveMap   map[string]int64 // by state
	reauthNeeded     int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			positionsOpenMap: make(map[string]int64),
			exitsActiveMap:   make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.SignalsReceivedTotal, err = meter.Int64Counter(MetricSignalsReceivedTotal, metric.WithDescription("Webhook signals accepted"))
	if err != nil {
		return err
	}

	m.SignalsRejectedTotal, err = meter.Int64Counter(MetricSignalsRejectedTotal, metric.WithDescription("Webhook signals rejected, by reason"))
	if err != nil {
		return err
	}

	m.WebhookLatency, err = meter.Float64Histogram(MetricWebhookLatency, metric.WithDescription("Webhook handling latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Broker orders placed, by role"))
	if err != nil {
		return err
	}

	m.OrdersModifiedTotal, err = meter.Int64Counter(MetricOrdersModifiedTotal, metric.WithDescription("Broker orders modified in place"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Broker order rejections"))
	if err != nil {
		return err
	}

	m.BrokerLatency, err = meter.Float64Histogram(MetricBrokerLatency, metric.WithDescription("Latency of broker API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.KillSwitchTotal, err = meter.Int64Counter(MetricKillSwitchTotal, metric.WithDescription("Kill switch activations, by outcome"))
	if err != nil {
		return err
	}

	m.ReconcilePassesTotal, err = meter.Int64Counter(MetricReconcilePassesTotal, metric.WithDescription("Reconcile passes, by outcome"))
	if err != nil {
		return err
	}

	m.ReconcileDriftTotal, err = meter.Int64Counter(MetricReconcileDriftTotal, metric.WithDescription("Drift cases handled, by kind"))
	if err != nil {
		return err
	}

	m.TokensRefreshedTotal, err = meter.Int64Counter(MetricTokensRefreshedTotal, metric.WithDescription("Token refresh attempts, by outcome"))
	if err != nil {
		return err
	}

	m.StreamMessagesTotal, err = meter.Int64Counter(MetricStreamMessagesTotal, metric.WithDescription("User stream messages consumed"))
	if err != nil {
		return err
	}

	m.StreamReconnectsTotal, err = meter.Int64Counter(MetricStreamReconnectsTotal, metric.WithDescription("User stream reconnects"))
	if err != nil {
		return err
	}

	m.BusDroppedTotal, err = meter.Int64Counter(MetricBusDroppedTotal, metric.WithDescription("Bus events dropped for slow subscribers"))
	if err != nil {
		return err
	}

	m.PnLRealizedTotal, err = meter.Float64UpDownCounter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss in USD"))
	if err != nil {
		return err
	}

	// Observables
	m.PositionsOpen, err = meter.Int64ObservableGauge(MetricPositionsOpen, metric.WithDescription("Open virtual positions per recorder"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for rec, val := range m.positionsOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("recorder", rec)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ExitsActive, err = meter.Int64ObservableGauge(MetricExitsActive, metric.WithDescription("Exit machines away from IDLE, by state"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for state, val := range m.exitsActiveMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("state", state)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.TokensNeedingReauth, err = meter.Int64ObservableGauge(MetricTokensNeedingReauth, metric.WithDescription("Accounts whose token refresh failed"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.reauthNeeded)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetPositionsOpen(recorder string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsOpenMap[recorder] = count
}

func (m *MetricsHolder) SetExitsActive(state string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitsActiveMap[state] = count
}

func (m *MetricsHolder) SetTokensNeedingReauth(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reauthNeeded = count
}

func (m *MetricsHolder) GetPositionsOpen() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.positionsOpenMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetExitsActive() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.exitsActiveMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetTokensNeedingReauth() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reauthNeeded
}
