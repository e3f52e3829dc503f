// Package server hosts the operations HTTP surface: the Prometheus
// scrape endpoint, the aggregate health verdict and a coarse status
// page. It binds its own port so probes and scrapers never share a
// listener with signal intake.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"jet_trader/internal/core"
	"jet_trader/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type OpsServer struct {
	addr   string
	logger core.ILogger
	hm     core.IHealthMonitor
	srv    *http.Server

	mu     sync.RWMutex
	status map[string]string
}

func NewOpsServer(port int, logger core.ILogger, hm core.IHealthMonitor) *OpsServer {
	return &OpsServer{
		addr:   fmt.Sprintf(":%d", port),
		logger: logger.WithField("component", "ops_server"),
		hm:     hm,
		status: make(map[string]string),
	}
}

func (s *OpsServer) Start() {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("Ops server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Ops server failed", "error", err)
		}
	}()
}

func (s *OpsServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// UpdateStatus sets a static fact on the status page (environment,
// store driver, build version).
func (s *OpsServer) UpdateStatus(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[key] = value
}

func (s *OpsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := telemetry.GetGlobalMetrics()

	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"gauges": map[string]interface{}{
			"positions_open":        m.GetPositionsOpen(),
			"exits_active":          m.GetExitsActive(),
			"tokens_needing_reauth": m.GetTokensNeedingReauth(),
		},
	}

	code := http.StatusOK
	if s.hm != nil {
		health["components"] = s.hm.GetStatus()
		if !s.hm.IsHealthy() {
			health["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(health)
}

func (s *OpsServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	merged := make(map[string]string, len(s.status))
	for k, v := range s.status {
		merged[k] = v
	}
	s.mu.RUnlock()

	if s.hm != nil {
		for k, v := range s.hm.GetStatus() {
			merged[k] = v
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(merged)
}

// Handler exposes the ops mux without binding a port.
func (s *OpsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}
