package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jet_trader/internal/core"
	"jet_trader/pkg/telemetry"

	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel"
)

func setupTelemetry() {
	// Initialize global metrics with the default (no-op) meter so counter
	// updates in the refresher do not panic under test.
	meter := otel.GetMeterProvider().Meter("auth_test")
	_ = telemetry.GetGlobalMetrics().InitMetrics(meter)
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               { fmt.Printf("DEBUG: %s %v\n", msg, f) }
func (m *mockLogger) Info(msg string, f ...interface{})                { fmt.Printf("INFO: %s %v\n", msg, f) }
func (m *mockLogger) Warn(msg string, f ...interface{})                { fmt.Printf("WARN: %s %v\n", msg, f) }
func (m *mockLogger) Error(msg string, f ...interface{})               { fmt.Printf("ERROR: %s %v\n", msg, f) }
func (m *mockLogger) Fatal(msg string, f ...interface{})               { fmt.Printf("FATAL: %s %v\n", msg, f) }
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type mockBroker struct {
	mock.Mock
	env core.Environment
}

func (m *mockBroker) Environment() core.Environment         { return m.env }
func (m *mockBroker) CheckHealth(ctx context.Context) error { return nil }

func (m *mockBroker) Authenticate(ctx context.Context, account *core.BrokerAccount) (core.Token, error) {
	args := m.Called(account.ID)
	return args.Get(0).(core.Token), args.Error(1)
}

func (m *mockBroker) RenewToken(ctx context.Context, accountID int64) (core.Token, error) {
	args := m.Called(accountID)
	return args.Get(0).(core.Token), args.Error(1)
}

func (m *mockBroker) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.BrokerOrder, error) {
	return nil, nil
}
func (m *mockBroker) ModifyOrder(ctx context.Context, req *core.ModifyOrderRequest) error {
	return nil
}
func (m *mockBroker) CancelOrder(ctx context.Context, accountID, orderID int64) error { return nil }
func (m *mockBroker) GetOrder(ctx context.Context, accountID, orderID int64) (*core.BrokerOrder, error) {
	return nil, nil
}
func (m *mockBroker) ListOrders(ctx context.Context, accountID int64) ([]*core.BrokerOrder, error) {
	return nil, nil
}
func (m *mockBroker) ListPositions(ctx context.Context, accountID int64) ([]*core.BrokerPosition, error) {
	return nil, nil
}
func (m *mockBroker) GetContract(ctx context.Context, symbol string) (*core.Contract, error) {
	return nil, nil
}
func (m *mockBroker) StartUserStream(ctx context.Context, accountID int64, callback func(*core.UserEvent)) error {
	return nil
}
func (m *mockBroker) StopUserStream(accountID int64) error { return nil }

type mockRegistry struct {
	accounts []*core.BrokerAccount
	brokers  map[core.Environment]core.IBroker
}

func (m *mockRegistry) RecorderByToken(token string) (*core.Recorder, bool) { return nil, false }
func (m *mockRegistry) Recorder(id string) (*core.Recorder, bool)           { return nil, false }
func (m *mockRegistry) TradersFor(recorderID string) []*core.Trader         { return nil }
func (m *mockRegistry) Trader(id string) (*core.Trader, bool)               { return nil, false }

func (m *mockRegistry) Account(id int64) (*core.BrokerAccount, bool) {
	for _, a := range m.accounts {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

func (m *mockRegistry) Accounts() []*core.BrokerAccount { return m.accounts }

func (m *mockRegistry) BrokerFor(env core.Environment) (core.IBroker, bool) {
	b, ok := m.brokers[env]
	return b, ok
}

type mockBus struct {
	mu     sync.Mutex
	events []core.BusEvent
}

func (m *mockBus) Publish(topic string, key string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, core.BusEvent{Topic: topic, Key: key, At: time.Now(), Payload: payload})
}

func (m *mockBus) Subscribe(pattern string, buffer int) (<-chan core.BusEvent, func()) {
	ch := make(chan core.BusEvent)
	close(ch)
	return ch, func() {}
}

func (m *mockBus) topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Topic)
	}
	return out
}
