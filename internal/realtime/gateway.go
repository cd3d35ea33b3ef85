package realtime

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Gateway upgrades /ws requests and attaches the sockets to a Hub.
// Authentication happens after the upgrade so that failures reach the
// client as close codes rather than HTTP statuses.
type Gateway struct {
	hub      *Hub
	auth     *TokenAuth
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewGateway(hub *Hub, auth *TokenAuth, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		hub:  hub,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With("component", "realtime_gateway"),
	}
}

func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	token := tokenFrom(r)
	if token == "" {
		g.log.Info("realtime connection rejected: missing token", "remote_addr", r.RemoteAddr)
		reject(ws, CloseMissingToken, "missing token")
		return
	}
	claims, err := g.auth.Verify(token)
	if err != nil {
		g.log.Info("realtime connection rejected: invalid token", "remote_addr", r.RemoteAddr, "error", err)
		reject(ws, CloseInvalidToken, "invalid token")
		return
	}

	c := newConn(ws, g.hub, claims, g.log.With("subject", claims.Subject, "remote_addr", r.RemoteAddr))
	g.hub.add(c)
	c.enqueueEvent(Event{Event: EventConnectionSuccess})
	c.run()
}

func reject(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = ws.Close()
}
