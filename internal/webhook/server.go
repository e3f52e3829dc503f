package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"jet_trader/internal/config"
	"jet_trader/internal/core"
	apperrors "jet_trader/pkg/errors"
	"jet_trader/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// contractTimeout bounds the alert-ticker resolution call. A cold lookup
// hits the broker; everything after it is cache.
const contractTimeout = 2 * time.Second

// Gate screens entries before they reach the pipeline.
type Gate interface {
	Evaluate(rec *core.Recorder, sig *core.Signal, now time.Time) error
}

// Submitter enqueues an accepted signal for execution.
type Submitter interface {
	Submit(sig *core.Signal, rec *core.Recorder) error
}

// ContractResolver maps alert tickers onto broker contracts. Alias
// notation like MNQ1! comes back as the current front month.
type ContractResolver interface {
	GetContract(ctx context.Context, symbol string) (*core.Contract, error)
}

// Reconciler runs an out-of-band reconcile pass on demand.
type Reconciler interface {
	TriggerManual(ctx context.Context) error
}

// ExitDriver is the slice of the exit machine the admin surface needs.
type ExitDriver interface {
	RequestExit(ctx context.Context, key core.TraderKey, reason core.CloseReason) error
	States() map[string]string
}

// Server terminates alert HTTP traffic. The hot path does no broker work:
// resolve recorder, parse, normalize the ticker, dedupe, gate, persist,
// enqueue, answer. Everything slow happens on the pipeline's lanes after
// the 200 is written.
type Server struct {
	cfg       config.WebhookConfig
	registry  core.IRegistry
	gate      Gate
	pipeline  Submitter
	store     core.IStore
	contracts ContractResolver
	dedupe    *Deduper
	logger    core.ILogger

	exits  ExitDriver
	recon  Reconciler
	health core.IHealthMonitor

	mu       sync.RWMutex
	sections map[string]func() any

	handler http.Handler
	srv     *http.Server
	now     func() time.Time
}

func NewServer(cfg config.WebhookConfig, registry core.IRegistry, gate Gate, pipeline Submitter, store core.IStore, contracts ContractResolver, logger core.ILogger) *Server {
	s := &Server{
		cfg:       cfg,
		registry:  registry,
		gate:      gate,
		pipeline:  pipeline,
		store:     store,
		contracts: contracts,
		dedupe:    NewDeduper(cfg.DedupeWindow(), cfg.DedupeRingSize),
		logger:    logger.WithField("component", "webhook"),
		sections:  make(map[string]func() any),
		now:       time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{token}", s.handleAlert)
	mux.HandleFunc("POST /internal/reconcile", s.handleReconcile)
	mux.HandleFunc("POST /internal/kill/{trader}/{ticker}", s.handleKill)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /internal/status", s.handleStatus)
	s.handler = mux

	return s
}

// SetExitMachine wires the kill endpoint and the exit column of the
// status page.
func (s *Server) SetExitMachine(e ExitDriver) { s.exits = e }

// SetReconciler wires POST /internal/reconcile.
func (s *Server) SetReconciler(r Reconciler) { s.recon = r }

// SetHealth attaches the aggregate health monitor to GET /health.
func (s *Server) SetHealth(hm core.IHealthMonitor) { s.health = hm }

// AddStatusSection exposes a named snapshot on GET /internal/status. The
// function runs on the request goroutine and must be cheap.
func (s *Server) AddStatusSection(name string, fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections[name] = fn
}

// Handler returns the route table for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout(),
		WriteTimeout: s.cfg.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Webhook server listening", "addr", s.cfg.ListenAddr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Webhook server failed", "error", err)
		}
	}()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	defer func() {
		telemetry.GetGlobalMetrics().WebhookLatency.Record(ctx,
			float64(time.Since(start).Microseconds())/1000.0)
	}()

	rec, ok := s.registry.RecorderByToken(r.PathValue("token"))
	if !ok {
		s.reject(ctx, w, http.StatusBadRequest, "unknown", "unknown_token", apperrors.ErrUnknownRecorder.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.reject(ctx, w, http.StatusBadRequest, rec.ID, "oversized_body", "body unreadable or too large")
		return
	}

	now := s.now()
	sig, err := ParseAlert(rec, body, now)
	if err != nil {
		filter := "unparseable"
		if errors.Is(err, apperrors.ErrNoPrice) {
			filter = "no_price"
		}
		s.logger.Warn("Rejected alert body", "recorder", rec.ID, "filter", filter, "error", err)
		s.reject(ctx, w, http.StatusBadRequest, rec.ID, filter, err.Error())
		return
	}

	if err := s.resolveTicker(ctx, sig); err != nil {
		if errors.Is(err, apperrors.ErrUnknownTicker) {
			s.logger.Warn("Alert ticker did not resolve",
				"recorder", rec.ID, "ticker", sig.AlertTicker, "error", err)
			s.reject(ctx, w, http.StatusBadRequest, rec.ID, "unknown_ticker", err.Error())
			return
		}
		s.logger.Error("Contract lookup failed",
			"recorder", rec.ID, "ticker", sig.AlertTicker, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "error", "reason": "contract lookup failed",
		})
		return
	}

	sig.Fingerprint = Fingerprint(rec.ID, sig.Ticker, sig.Action, sig.ReceivedAt, body)
	if s.dedupe.Seen(rec.ID, sig.Fingerprint, now) {
		s.logger.Info("Duplicate alert dropped",
			"recorder", rec.ID, "ticker", sig.Ticker, "action", sig.Action)
		telemetry.GetGlobalMetrics().SignalsRejectedTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("recorder", rec.ID),
				attribute.String("filter", "duplicate")))
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		return
	}

	if err := s.gate.Evaluate(rec, sig, now); err != nil {
		// The gate already logged, counted and published the rejection.
		if saveErr := s.store.SaveSignal(ctx, sig, "rejected", err.Error()); saveErr != nil {
			s.logger.Error("Rejected signal not persisted", "signal", sig.ID, "error", saveErr)
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "rejected", "reason": err.Error()})
		return
	}

	telemetry.GetGlobalMetrics().SignalsReceivedTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("recorder", rec.ID)))

	if err := s.store.SaveSignal(ctx, sig, "accepted", ""); err != nil {
		// Persistence trouble must not drop a live trade.
		s.logger.Error("Accepted signal not persisted", "signal", sig.ID, "error", err)
	}

	if err := s.pipeline.Submit(sig, rec); err != nil {
		s.logger.Error("Signal enqueue failed", "signal", sig.ID, "error", err)
		if upErr := s.store.UpdateSignalStatus(ctx, sig.ID, "failed", "enqueue: "+err.Error()); upErr != nil {
			s.logger.Error("Signal status not updated", "signal", sig.ID, "error", upErr)
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "error", "reason": "engine shutting down",
		})
		return
	}

	s.logger.Info("Signal accepted",
		"signal", sig.ID, "recorder", rec.ID, "ticker", sig.Ticker,
		"action", sig.Action, "qty", sig.Qty)
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "signal_id": sig.ID})
}

// resolveTicker rewrites the alert ticker into the broker symbol. The
// resolver owns alias handling and caching, so pass-through symbols cost
// one cache hit.
func (s *Server) resolveTicker(ctx context.Context, sig *core.Signal) error {
	ctx, cancel := context.WithTimeout(ctx, contractTimeout)
	defer cancel()

	ct, err := s.contracts.GetContract(ctx, sig.AlertTicker)
	if err != nil {
		return err
	}
	sig.Ticker = ct.Symbol
	return nil
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.recon == nil {
		http.Error(w, "reconciler not running", http.StatusServiceUnavailable)
		return
	}
	if err := s.recon.TriggerManual(r.Context()); err != nil {
		s.logger.Error("Manual reconcile failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if s.exits == nil {
		http.Error(w, "exit machine not running", http.StatusServiceUnavailable)
		return
	}

	key := core.TraderKey{
		TraderID: r.PathValue("trader"),
		Ticker:   strings.ToUpper(r.PathValue("ticker")),
	}
	s.logger.Warn("Manual kill requested", "trader", key.TraderID, "ticker", key.Ticker)

	if err := s.exits.RequestExit(r.Context(), key, core.CloseKillSwitch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "kill_requested", "trader": key.TraderID, "ticker": key.Ticker,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK

	if s.health != nil {
		resp["components"] = s.health.GetStatus()
		if !s.health.IsHealthy() {
			resp["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	sections := make(map[string]func() any, len(s.sections))
	for name, fn := range s.sections {
		sections[name] = fn
	}
	s.mu.RUnlock()

	out := make(map[string]any, len(sections)+1)
	for name, fn := range sections {
		out[name] = fn()
	}
	if s.exits != nil {
		out["exits"] = s.exits.States()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) reject(ctx context.Context, w http.ResponseWriter, code int, recorderID, filter, reason string) {
	telemetry.GetGlobalMetrics().SignalsRejectedTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("recorder", recorderID),
			attribute.String("filter", filter)))
	writeJSON(w, code, map[string]any{"status": "rejected", "reason": reason})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
