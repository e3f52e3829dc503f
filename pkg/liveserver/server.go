// Package liveserver streams engine events to dashboard clients over
// WebSocket. It is a read-only mirror: clients receive frames, never
// commands, and a slow client is evicted rather than allowed to slow
// the engine down.
package liveserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	liveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jet_trader_live_connections",
		Help: "Currently connected stream clients",
	})

	liveRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jet_trader_live_rejected_total",
		Help: "Stream connections rejected, by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(liveConnections)
	prometheus.MustRegister(liveRejectedTotal)
}

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second // under pongTimeout so pings keep the read deadline alive
)

// Server exposes the hub over /ws with origin, connection-count and
// per-IP rate admission control. Metrics land on the engine's shared
// registry; the ops server serves them.
type Server struct {
	hub            *Hub
	srv            *http.Server
	logger         Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
	mu             sync.Mutex

	maxConnections int
	connSemaphore  chan struct{}

	rateLimitEnabled bool
	ipLimiters       sync.Map // remote IP -> *rate.Limiter
	rateLimit        rate.Limit
	rateBurst        int

	// production rejects the "*" origin wildcard outright.
	production bool
}

// NewServer creates a stream server in front of hub. logger may be nil.
func NewServer(hub *Hub, logger Logger, allowedOrigins []string) *Server {
	s := &Server{
		hub:              hub,
		logger:           logger,
		allowedOrigins:   allowedOrigins,
		maxConnections:   1000,
		connSemaphore:    make(chan struct{}, 1000),
		rateLimitEnabled: true,
		rateLimit:        10.0,
		rateBurst:        20,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// checkOrigin validates the Origin header against the whitelist. The
// "*" wildcard is a development convenience and is refused when the
// server runs in production mode.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		if s.logger != nil {
			s.logger.Warn("Rejected stream connection without Origin header", "remote_addr", r.RemoteAddr)
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("Rejected stream connection with unparsable Origin", "origin", origin, "error", err)
		}
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			if s.production {
				if s.logger != nil {
					s.logger.Warn("Wildcard origin refused in production mode", "origin", origin, "remote_addr", r.RemoteAddr)
				}
				liveRejectedTotal.WithLabelValues("invalid_origin").Inc()
				return false
			}
			if s.logger != nil {
				s.logger.Warn("Stream connection allowed via wildcard origin", "origin", origin, "remote_addr", r.RemoteAddr)
			}
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	if s.logger != nil {
		s.logger.Warn("Rejected stream connection from origin outside whitelist",
			"origin", origin, "remote_addr", r.RemoteAddr, "allowed_origins", s.allowedOrigins)
	}
	liveRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// Start serves /ws and /health on addr until ctx is canceled, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("Starting event stream server", "addr", addr)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}

	if s.logger != nil {
		s.logger.Info("Stopping event stream server")
	}

	return s.srv.Shutdown(ctx)
}

// handleWebSocket admits, upgrades and pumps one client connection. The
// write pump runs in its own goroutine; the read pump runs inline, so
// the handler returns when the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	release, ok := s.admit(w, r)
	if !ok {
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("Stream upgrade failed", "error", err)
		}
		return
	}

	client := NewClient(uuid.New().String())
	s.hub.Register(client)

	if s.logger != nil {
		s.logger.Info("Stream client connected", "client_id", client.id, "remote_addr", r.RemoteAddr)
	}

	go s.writePump(conn, client)
	s.readPump(conn, client)

	// Unregister closes the outbox, which releases the write pump.
	s.hub.Unregister(client)
	conn.Close()

	if s.logger != nil {
		s.logger.Info("Stream client disconnected", "client_id", client.id)
	}
}

// admit applies the per-IP dial limit and the global connection cap.
// It runs before the upgrade so a rejected dial never costs a socket.
// release must be called once the connection ends.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) (release func(), ok bool) {
	if s.rateLimitEnabled {
		ip := s.remoteIP(r)
		if !s.ipLimiter(ip).Allow() {
			if s.logger != nil {
				s.logger.Warn("Stream dial rate limited", "ip", ip)
			}
			liveRejectedTotal.WithLabelValues("rate_limit").Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return nil, false
		}
	}

	select {
	case s.connSemaphore <- struct{}{}:
	default:
		if s.logger != nil {
			s.logger.Warn("Stream connection limit reached", "max", s.maxConnections)
		}
		liveRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return nil, false
	}

	liveConnections.Inc()
	return func() {
		<-s.connSemaphore
		liveConnections.Dec()
	}, true
}

// writePump drains the client's outbox onto the wire and pings to keep
// the connection alive. A write failure closes the socket, which also
// unblocks the read pump.
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Outbox():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Evicted or hub shutdown: say goodbye, then drop the
				// socket so the read pump does not wait out its deadline.
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				conn.Close()
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				if s.logger != nil {
					s.logger.Warn("Stream write failed", "client_id", client.id, "error", err)
				}
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// readPump consumes inbound frames solely to service pongs and detect
// disconnects. Clients have nothing to say to the engine.
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if s.logger != nil {
					s.logger.Warn("Stream read failed", "client_id", client.id, "error", err)
				}
			}
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"dropped": s.hub.Dropped(),
		"evicted": s.hub.Evicted(),
		"time":    time.Now().Unix(),
	})
}

// SetProduction toggles production mode, under which the "*" origin
// wildcard is refused.
func (s *Server) SetProduction(prod bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.production = prod
}

// SetMaxConnections resizes the global connection cap.
func (s *Server) SetMaxConnections(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConnections = max
	s.connSemaphore = make(chan struct{}, max)
}

// SetRateLimit replaces the per-IP dial limit. Existing limiters are
// discarded so the new limit applies to every IP.
func (s *Server) SetRateLimit(limit float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimit = rate.Limit(limit)
	s.rateBurst = burst
	s.ipLimiters = sync.Map{}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// Address returns the listen address once Start has run.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return ""
	}
	return s.srv.Addr
}

// IsRunning reports whether Start has built the HTTP server.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

func (s *Server) remoteIP(r *http.Request) string {
	// RemoteAddr over X-Forwarded-For: the engine is not expected to sit
	// behind a trusted proxy, and forwarded headers are spoofable.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}
