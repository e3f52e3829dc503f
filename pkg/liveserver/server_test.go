package liveserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func dialOrigin(url, origin string) (*websocket.Conn, *http.Response, error) {
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(url, headers)
}

func TestNewServer(t *testing.T) {
	hub := NewHub(nil)
	origins := []string{"http://localhost:8081"}
	server := NewServer(hub, nil, origins)

	assert.NotNil(t, server)
	assert.Equal(t, hub, server.hub)
	assert.Equal(t, origins, server.allowedOrigins)
}

func TestServerUpgradeAndDisconnect(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := NewServer(hub, nil, []string{"*"})
	ts := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	defer ts.Close()

	ws, _, err := dialOrigin(wsURL(ts), "http://test.local")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	ws.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServerDeliversBroadcastFrames(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := NewServer(hub, nil, []string{"*"})
	ts := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	defer ts.Close()

	ws, _, err := dialOrigin(wsURL(ts), "http://test.local")
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(NewEvent("position.closed", "rec1:MNQZ5", map[string]interface{}{
		"realized": "125.50",
		"reason":   "tp_fill",
	}))

	var got Message
	require.NoError(t, ws.ReadJSON(&got))

	assert.Equal(t, StreamPosition, got.Stream)
	assert.Equal(t, "position.closed", got.Topic)
	assert.Equal(t, "rec1:MNQZ5", got.Key)
	data, ok := got.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "125.50", data["realized"])
	assert.NotZero(t, got.At)
}

func TestServerSnapshotOnConnect(t *testing.T) {
	hub := NewHub(nil)
	hub.SetSnapshot(func() []Message {
		return []Message{NewSnapshot("snapshot.position", "rec1:MNQZ5", map[string]interface{}{"net": 2})}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := NewServer(hub, nil, []string{"*"})
	ts := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	defer ts.Close()

	ws, _, err := dialOrigin(wsURL(ts), "http://test.local")
	require.NoError(t, err)
	defer ws.Close()

	var got Message
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, StreamSnapshot, got.Stream)
	assert.Equal(t, "snapshot.position", got.Topic)
}

func TestServerMultipleClients(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := NewServer(hub, nil, []string{"*"})
	ts := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	defer ts.Close()

	clients := make([]*websocket.Conn, 3)
	for i := range clients {
		ws, _, err := dialOrigin(wsURL(ts), "http://test.local")
		require.NoError(t, err)
		defer ws.Close()
		clients[i] = ws
	}

	require.Eventually(t, func() bool { return hub.ClientCount() == 3 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(NewEvent("session.rolled", "daily", map[string]interface{}{"at": "17:00"}))

	for i, ws := range clients {
		var got Message
		require.NoError(t, ws.ReadJSON(&got), "client %d", i)
		assert.Equal(t, StreamSession, got.Stream, "client %d", i)
	}
}

func TestServerHealthEndpoint(t *testing.T) {
	hub := NewHub(nil)
	server := NewServer(hub, nil, []string{"*"})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	server.handleHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	assert.Equal(t, "ok", response["status"])
	assert.NotNil(t, response["clients"])
	assert.NotNil(t, response["dropped"])
	assert.NotNil(t, response["evicted"])
}

func TestServerStartStop(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := NewServer(hub, nil, []string{"*"})

	go func() {
		err := server.Start(ctx, ":0")
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return server.IsRunning() }, time.Second, 5*time.Millisecond)
	assert.NoError(t, server.Stop(context.Background()))
}

func TestOriginValidation_AllowedOrigin(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := NewServer(hub, nil, []string{"http://localhost:3000", "http://localhost:8081"})
	ts := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	defer ts.Close()

	ws, resp, err := dialOrigin(wsURL(ts), "http://localhost:3000")
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	defer ws.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestOriginValidation_UnauthorizedOrigin(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := NewServer(hub, nil, []string{"http://localhost:3000"})
	ts := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	defer ts.Close()

	ws, resp, err := dialOrigin(wsURL(ts), "http://evil.com")
	assert.Error(t, err)
	if resp != nil {
		assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
	}
	if ws != nil {
		ws.Close()
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestOriginValidation_MissingOrigin(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := NewServer(hub, nil, []string{"http://localhost:3000"})
	ts := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	defer ts.Close()

	ws, resp, err := dialOrigin(wsURL(ts), "")
	assert.Error(t, err)
	if resp != nil {
		assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
	}
	if ws != nil {
		ws.Close()
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestOriginValidation_WildcardAllowsAnyOrigin(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := NewServer(hub, nil, []string{"*"})
	ts := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	defer ts.Close()

	ws, resp, err := dialOrigin(wsURL(ts), "http://any-random-domain.com")
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	defer ws.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestOriginValidation_MultipleAllowedOrigins(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	origins := []string{
		"http://localhost:3000",
		"http://localhost:8081",
		"https://app.example.com",
		"http://127.0.0.1:3000",
	}
	server := NewServer(hub, nil, origins)
	ts := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	defer ts.Close()

	for _, origin := range origins {
		ws, resp, err := dialOrigin(wsURL(ts), origin)
		require.NoError(t, err, "origin %s should be allowed", origin)
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
		ws.Close()

		require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	}
}
