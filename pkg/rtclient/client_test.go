package rtclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/whatsapp-delivery/internal/realtime"
)

type testTokens struct {
	auth *realtime.TokenAuth

	mu        sync.Mutex
	current   string
	refreshes int
}

func newTestTokens(t *testing.T, auth *realtime.TokenAuth, ttl time.Duration) *testTokens {
	t.Helper()
	tok, err := auth.Issue("operator", nil, ttl)
	require.NoError(t, err)
	return &testTokens{auth: auth, current: tok}
}

func (s *testTokens) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *testTokens) Refresh(context.Context) (string, error) {
	tok, err := s.auth.Issue("operator", nil, time.Hour)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = tok
	s.refreshes++
	return tok, nil
}

func (s *testTokens) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

func startGateway(t *testing.T) (*realtime.Hub, *realtime.TokenAuth, string, func()) {
	t.Helper()
	auth, err := realtime.NewTokenAuth("client-test-secret")
	require.NoError(t, err)
	hub := realtime.NewHub(realtime.HubConfig{PingInterval: time.Second, PongTimeout: 5 * time.Second}, slog.New(slog.DiscardHandler))
	srv := httptest.NewServer(realtime.NewGateway(hub, auth, slog.New(slog.DiscardHandler)))
	stop := func() {
		hub.Close()
		srv.Close()
	}
	t.Cleanup(stop)
	return hub, auth, "ws" + strings.TrimPrefix(srv.URL, "http"), stop
}

func waitEvent(t *testing.T, c *Client, name string, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.Events():
			if ev.Event == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s (state %s)", name, c.State())
			return Event{}
		}
	}
}

func newTestClient(t *testing.T, url string, tokens TokenSource) *Client {
	t.Helper()
	c, err := New(Config{
		URL:               url,
		Tokens:            tokens,
		HeartbeatInterval: 200 * time.Millisecond,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
		MaxAttempts:       3,
		Logger:            slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_ExpiredTokenRefreshesAndResubscribes(t *testing.T) {
	hub, auth, url, _ := startGateway(t)
	tokens := newTestTokens(t, auth, 2*time.Second)
	c := newTestClient(t, url, tokens)

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, EventConnectionSuccess, 2*time.Second)
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, c.Subscribe(5))
	require.Eventually(t, func() bool { return hub.RoomSize(5) == 1 }, 2*time.Second, 10*time.Millisecond)

	waitEvent(t, c, EventConnectionReconnected, 5*time.Second)
	assert.Equal(t, 1, tokens.Refreshes())
	assert.Equal(t, StateConnected, c.State())
	require.Eventually(t, func() bool { return hub.RoomSize(5) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), realtime.ContactUpdated(5, 77)))
	ev := waitEvent(t, c, realtime.EventContactUpdated, 2*time.Second)
	assert.Equal(t, int64(5), ev.ChannelID)
	assert.JSONEq(t, `{"contactId":77}`, string(ev.Data))
}

func TestClient_MissingTokenTriggersRefresh(t *testing.T) {
	_, auth, url, _ := startGateway(t)
	tokens := &testTokens{auth: auth}
	c := newTestClient(t, url, tokens)

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, EventConnectionSuccess, 2*time.Second)
	assert.Equal(t, 1, tokens.Refreshes())
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	_, auth, url, stop := startGateway(t)
	tokens := newTestTokens(t, auth, time.Hour)
	stop()

	c := newTestClient(t, url, tokens)
	require.NoError(t, c.Connect(context.Background()))

	waitEvent(t, c, EventConnectionFailed, 2*time.Second)
	assert.Equal(t, StateFailed, c.State())

	var connErr *RealtimeConnectionError
	require.ErrorAs(t, c.Err(), &connErr)
	assert.Equal(t, 3, connErr.Attempts)
}

func TestClient_RejectedRefreshGivesUp(t *testing.T) {
	_, _, url, _ := startGateway(t)
	rotated, err := realtime.NewTokenAuth("rotated-secret")
	require.NoError(t, err)
	// Refresh succeeds but signs with a key the gateway does not know.
	tokens := newTestTokens(t, rotated, time.Hour)

	c := newTestClient(t, url, tokens)
	require.NoError(t, c.Connect(context.Background()))

	waitEvent(t, c, EventConnectionFailed, 2*time.Second)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 3, tokens.Refreshes(), "one refresh per counted attempt")

	var connErr *RealtimeConnectionError
	require.ErrorAs(t, c.Err(), &connErr)
	assert.Equal(t, 3, connErr.Attempts)
	var authErr *RealtimeAuthError
	require.ErrorAs(t, c.Err(), &authErr)
	assert.Equal(t, CloseInvalidToken, authErr.Code)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, tokens.Refreshes(), "no refreshes after giving up")
}

// silentGateway accepts sockets and records subscriptions but never
// answers ping.
type silentGateway struct {
	mu    sync.Mutex
	conns int
	subs  map[int][]int64
	pings int
}

func (g *silentGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	g.mu.Lock()
	g.conns++
	n := g.conns
	g.mu.Unlock()

	if err := ws.WriteJSON(Event{Event: EventConnectionSuccess}); err != nil {
		return
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		g.mu.Lock()
		switch msg.Type {
		case "subscribe":
			g.subs[n] = append(g.subs[n], msg.ChannelID)
		case "ping":
			g.pings++
		}
		g.mu.Unlock()
	}
}

func (g *silentGateway) subscriptions(conn int) []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.subs[conn]...)
}

func (g *silentGateway) pingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pings
}

func TestClient_MissedPongsReconnectAndResubscribe(t *testing.T) {
	gw := &silentGateway{subs: make(map[int][]int64)}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http"),
		Tokens:            &testTokens{current: "opaque"},
		HeartbeatInterval: 50 * time.Millisecond,
		MaxMissedPongs:    2,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
		MaxAttempts:       3,
		Logger:            slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Subscribe(9))
	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, EventConnectionSuccess, 2*time.Second)
	require.Eventually(t, func() bool { return len(gw.subscriptions(1)) == 1 }, time.Second, 5*time.Millisecond)

	waitEvent(t, c, EventConnectionReconnected, 2*time.Second)
	assert.Positive(t, gw.pingCount())
	assert.Equal(t, StateConnected, c.State())
	require.Eventually(t, func() bool {
		subs := gw.subscriptions(2)
		return len(subs) == 1 && subs[0] == 9
	}, time.Second, 5*time.Millisecond)
}

func TestClient_ServerRestartEmitsReconnected(t *testing.T) {
	hub, auth, url, _ := startGateway(t)
	tokens := newTestTokens(t, auth, time.Hour)
	c := newTestClient(t, url, tokens)

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, EventConnectionSuccess, 2*time.Second)

	hub.Close()
	waitEvent(t, c, EventConnectionReconnected, 2*time.Second)
	assert.Zero(t, tokens.Refreshes())
}

func TestClient_ConnectTwice(t *testing.T) {
	_, auth, url, _ := startGateway(t)
	c := newTestClient(t, url, newTestTokens(t, auth, time.Hour))

	require.NoError(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyStarted)
	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestReconnectDelay(t *testing.T) {
	c := &Client{cfg: Config{ReconnectBase: 100 * time.Millisecond, ReconnectMax: time.Second}}
	assert.Equal(t, 100*time.Millisecond, c.reconnectDelay(1))
	assert.Equal(t, 200*time.Millisecond, c.reconnectDelay(2))
	assert.Equal(t, 800*time.Millisecond, c.reconnectDelay(4))
	assert.Equal(t, time.Second, c.reconnectDelay(5))
	assert.Equal(t, time.Second, c.reconnectDelay(30))
}
