package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"jet_trader/internal/config"
	"jet_trader/internal/core"
	"jet_trader/internal/infrastructure/health"
	"jet_trader/internal/store"
	apperrors "jet_trader/pkg/errors"
	"jet_trader/pkg/telemetry"
)

func init() {
	meter := otel.GetMeterProvider().Meter("webhook_test")
	_ = telemetry.GetGlobalMetrics().InitMetrics(meter)
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, f ...interface{})                 {}
func (nopLogger) Info(msg string, f ...interface{})                  {}
func (nopLogger) Warn(msg string, f ...interface{})                  {}
func (nopLogger) Error(msg string, f ...interface{})                 {}
func (nopLogger) Fatal(msg string, f ...interface{})                 {}
func (n nopLogger) WithField(k string, v interface{}) core.ILogger   { return n }
func (n nopLogger) WithFields(f map[string]interface{}) core.ILogger { return n }

type stubRegistry struct {
	recorders map[string]*core.Recorder
}

func (r *stubRegistry) RecorderByToken(token string) (*core.Recorder, bool) {
	for _, rec := range r.recorders {
		if rec.WebhookToken == token {
			return rec, true
		}
	}
	return nil, false
}

func (r *stubRegistry) Recorder(id string) (*core.Recorder, bool) {
	rec, ok := r.recorders[id]
	return rec, ok
}

func (r *stubRegistry) TradersFor(string) []*core.Trader            { return nil }
func (r *stubRegistry) Trader(string) (*core.Trader, bool)          { return nil, false }
func (r *stubRegistry) Account(int64) (*core.BrokerAccount, bool)   { return nil, false }
func (r *stubRegistry) Accounts() []*core.BrokerAccount             { return nil }
func (r *stubRegistry) BrokerFor(core.Environment) (core.IBroker, bool) {
	return nil, false
}

type stubGate struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (g *stubGate) Evaluate(rec *core.Recorder, sig *core.Signal, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.err
}

func (g *stubGate) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type stubPipeline struct {
	mu        sync.Mutex
	err       error
	submitted []*core.Signal
}

func (p *stubPipeline) Submit(sig *core.Signal, rec *core.Recorder) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.submitted = append(p.submitted, sig)
	return nil
}

func (p *stubPipeline) signals() []*core.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*core.Signal, len(p.submitted))
	copy(out, p.submitted)
	return out
}

type stubContracts struct {
	mu       sync.Mutex
	bySymbol map[string]*core.Contract
	err      error
}

func (c *stubContracts) GetContract(ctx context.Context, symbol string) (*core.Contract, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	ct, ok := c.bySymbol[symbol]
	if !ok {
		return nil, apperrors.ErrUnknownTicker
	}
	return ct, nil
}

type exitCall struct {
	key    core.TraderKey
	reason core.CloseReason
}

type stubExits struct {
	mu     sync.Mutex
	err    error
	calls  []exitCall
	states map[string]string
}

func (e *stubExits) RequestExit(ctx context.Context, key core.TraderKey, reason core.CloseReason) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.calls = append(e.calls, exitCall{key: key, reason: reason})
	return nil
}

func (e *stubExits) States() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states
}

func (e *stubExits) killCalls() []exitCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]exitCall, len(e.calls))
	copy(out, e.calls)
	return out
}

type stubRecon struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (r *stubRecon) TriggerManual(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

type savedSignal struct {
	id     string
	status string
	detail string
}

// recordingStore keeps the real memory store behavior and logs every
// signal write for assertions.
type recordingStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	writes []savedSignal
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: store.NewMemoryStore()}
}

func (s *recordingStore) SaveSignal(ctx context.Context, sig *core.Signal, status, detail string) error {
	s.mu.Lock()
	s.writes = append(s.writes, savedSignal{id: sig.ID, status: status, detail: detail})
	s.mu.Unlock()
	return s.MemoryStore.SaveSignal(ctx, sig, status, detail)
}

func (s *recordingStore) UpdateSignalStatus(ctx context.Context, signalID, status, detail string) error {
	s.mu.Lock()
	s.writes = append(s.writes, savedSignal{id: signalID, status: status, detail: detail})
	s.mu.Unlock()
	return s.MemoryStore.UpdateSignalStatus(ctx, signalID, status, detail)
}

func (s *recordingStore) signalWrites() []savedSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]savedSignal, len(s.writes))
	copy(out, s.writes)
	return out
}

type serverFixture struct {
	t         *testing.T
	ts        *httptest.Server
	srv       *Server
	gate      *stubGate
	pipe      *stubPipeline
	st        *recordingStore
	contracts *stubContracts
	exits     *stubExits
	recon     *stubRecon
	hm        *health.Manager
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	tick := decimal.RequireFromString("0.25")
	tickValue := decimal.RequireFromString("0.5")

	f := &serverFixture{
		t:    t,
		gate: &stubGate{},
		pipe: &stubPipeline{},
		st:   newRecordingStore(),
		contracts: &stubContracts{bySymbol: map[string]*core.Contract{
			"MNQ1!": {Symbol: "MNQZ5", TickSize: tick, TickValue: tickValue},
			"MNQZ5": {Symbol: "MNQZ5", TickSize: tick, TickValue: tickValue},
		}},
		exits: &stubExits{states: map[string]string{}},
		recon: &stubRecon{},
		hm:    health.NewManager(),
	}

	reg := &stubRegistry{recorders: map[string]*core.Recorder{
		"rec1": {
			ID: "rec1", Name: "momo", WebhookToken: "tok-1",
			Ticker: "MNQZ5", StrategyID: "momo", BaseQty: 2, Enabled: true,
		},
	}}

	cfg := config.WebhookConfig{
		ListenAddr:      "127.0.0.1:0",
		MaxBodyBytes:    4096,
		DedupeWindowMs:  2000,
		DedupeRingSize:  32,
		ReadTimeoutSec:  5,
		WriteTimeoutSec: 5,
	}

	f.srv = NewServer(cfg, reg, f.gate, f.pipe, f.st, f.contracts, nopLogger{})
	f.srv.SetExitMachine(f.exits)
	f.srv.SetReconciler(f.recon)
	f.srv.SetHealth(f.hm)

	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *serverFixture) post(path, body string) (int, map[string]any) {
	f.t.Helper()
	resp, err := http.Post(f.ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (f *serverFixture) get(path string) (int, map[string]any) {
	f.t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}
