package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
)

const testSecret = "test-secret"

func newTestGateway(t *testing.T) (*Hub, *TokenAuth, string) {
	t.Helper()
	auth, err := NewTokenAuth(testSecret)
	require.NoError(t, err)
	hub := NewHub(HubConfig{SendBuffer: 8, PingInterval: time.Second, PongTimeout: 5 * time.Second}, slog.New(slog.DiscardHandler))
	srv := httptest.NewServer(NewGateway(hub, auth, slog.New(slog.DiscardHandler)))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, auth, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func closeCode(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
	return ce.Code
}

func TestGateway_MissingToken(t *testing.T) {
	_, _, url := newTestGateway(t)
	ws := dial(t, url)
	assert.Equal(t, CloseMissingToken, closeCode(t, ws))
}

func TestGateway_InvalidToken(t *testing.T) {
	_, _, url := newTestGateway(t)

	other, err := NewTokenAuth("another-secret")
	require.NoError(t, err)
	forged, err := other.Issue("op-1", nil, time.Minute)
	require.NoError(t, err)

	ws := dial(t, url+"?token="+forged)
	assert.Equal(t, CloseInvalidToken, closeCode(t, ws))
}

func TestGateway_ExpiredToken(t *testing.T) {
	_, auth, url := newTestGateway(t)
	expired, err := auth.Issue("op-1", nil, -time.Minute)
	require.NoError(t, err)

	ws := dial(t, url+"?token="+expired)
	assert.Equal(t, CloseInvalidToken, closeCode(t, ws))
}

func TestGateway_SubscribeReceivesRoomEvents(t *testing.T) {
	hub, auth, url := newTestGateway(t)
	token, err := auth.Issue("op-1", nil, time.Minute)
	require.NoError(t, err)

	ws := dial(t, url+"?token="+token)
	assert.Equal(t, EventConnectionSuccess, readEvent(t, ws).Event)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "subscribe", "channelId": 5}))
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, EventPong, readEvent(t, ws).Event)
	assert.Equal(t, 1, hub.RoomSize(5))

	pid := "wamid.9"
	m := &model.Message{ID: 3, ChannelID: 5, ContactID: 11, ProviderMessageID: &pid, Status: model.StatusDelivered}
	require.NoError(t, hub.Publish(context.Background(), ContactUpdated(9, 11)))
	require.NoError(t, hub.Publish(context.Background(), MessageStatus(m, time.Now())))

	ev := readEvent(t, ws)
	assert.Equal(t, EventMessageStatus, ev.Event, "events for other rooms are not delivered")
	assert.Equal(t, int64(5), ev.ChannelID)
	assert.Contains(t, string(ev.Data), `"providerMessageId":"wamid.9"`)
	assert.Contains(t, string(ev.Data), `"status":"delivered"`)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "unsubscribe", "channelId": 5}))
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, EventPong, readEvent(t, ws).Event)
	assert.Zero(t, hub.RoomSize(5))
}

func TestGateway_ChannelClaimRestrictsRooms(t *testing.T) {
	hub, auth, url := newTestGateway(t)
	token, err := auth.Issue("op-2", []int64{1}, time.Minute)
	require.NoError(t, err)

	ws, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	assert.Equal(t, EventConnectionSuccess, readEvent(t, ws).Event)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "subscribe", "channelId": 2}))
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "subscribe", "channelId": 1}))
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, EventPong, readEvent(t, ws).Event)

	assert.Zero(t, hub.RoomSize(2))
	assert.Equal(t, 1, hub.RoomSize(1))
}

func TestGateway_DisconnectLeavesRooms(t *testing.T) {
	hub, auth, url := newTestGateway(t)
	token, err := auth.Issue("op-3", nil, time.Minute)
	require.NoError(t, err)

	ws := dial(t, url+"?token="+token)
	readEvent(t, ws)
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "subscribe", "channelId": 7}))
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "ping"}))
	readEvent(t, ws)
	require.Equal(t, 1, hub.Connections())

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool {
		return hub.Connections() == 0 && hub.RoomSize(7) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConn_DropsOldestAndDisconnectsSlowConsumer(t *testing.T) {
	hub := NewHub(HubConfig{SendBuffer: 2, MaxDrops: 2}, slog.New(slog.DiscardHandler))
	c := newConn(nil, hub, &Claims{}, slog.New(slog.DiscardHandler))

	c.enqueue([]byte("1"))
	c.enqueue([]byte("2"))
	c.enqueue([]byte("3"))

	assert.Equal(t, "2", string(<-c.send))
	assert.Equal(t, "3", string(<-c.send))

	c.enqueue([]byte("4"))
	c.enqueue([]byte("5"))
	c.enqueue([]byte("6"))
	c.enqueue([]byte("7"))
	c.enqueue([]byte("8"))

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatalf("expected slow consumer to be disconnected")
	}
}
