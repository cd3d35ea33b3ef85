package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LeventeLantos/whatsapp-delivery/internal/metrics"
)

// Close codes sent by the gateway.
const (
	CloseMissingToken = 4001
	CloseInvalidToken = 4002
	CloseSlowConsumer = 4008
)

type controlMessage struct {
	Type      string `json:"type"`
	ChannelID int64  `json:"channelId"`
}

// Conn is one subscriber socket. The write pump is the only writer of
// data frames; close frames go through WriteControl, which gorilla
// allows concurrently.
type Conn struct {
	ws     *websocket.Conn
	hub    *Hub
	claims *Claims
	log    *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	expiry    *time.Timer

	// enqueueMu serializes producers so drop-oldest stays consistent.
	enqueueMu sync.Mutex
	drops     int
}

func newConn(ws *websocket.Conn, hub *Hub, claims *Claims, log *slog.Logger) *Conn {
	return &Conn{
		ws:     ws,
		hub:    hub,
		claims: claims,
		log:    log,
		send:   make(chan []byte, hub.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

// enqueue never blocks. On a full buffer the oldest frame is dropped;
// more than MaxDrops consecutive drops disconnect the subscriber.
func (c *Conn) enqueue(frame []byte) {
	c.enqueueMu.Lock()
	defer c.enqueueMu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
		c.drops = 0
		return
	default:
	}

	select {
	case <-c.send:
	default:
	}
	metrics.RealtimeDroppedFrames.Inc()
	c.drops++
	if c.drops > c.hub.cfg.MaxDrops {
		c.log.Warn("disconnecting slow realtime subscriber", "drops", c.drops)
		go c.close(CloseSlowConsumer, "send buffer overflow")
		return
	}

	select {
	case c.send <- frame:
	default:
	}
}

func (c *Conn) enqueueEvent(ev Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("encode realtime event", "event", ev.Event, "error", err)
		return
	}
	c.enqueue(frame)
}

func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws == nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// run starts the pumps. A socket outlives its token only until the
// token's expiry, when it is closed with CloseInvalidToken.
func (c *Conn) run() {
	if c.claims.ExpiresAt != nil {
		c.expiry = time.AfterFunc(time.Until(c.claims.ExpiresAt.Time), func() {
			c.close(CloseInvalidToken, "token expired")
		})
	}
	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close(websocket.CloseNormalClosure, "")
	}()

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug("realtime read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("ignoring malformed control message", "error", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *Conn) handle(msg controlMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.ChannelID <= 0 || !c.claims.Allows(msg.ChannelID) {
			c.log.Info("subscribe refused", "channel_id", msg.ChannelID)
			return
		}
		c.hub.subscribe(c, msg.ChannelID)
	case "unsubscribe":
		c.hub.unsubscribe(c, msg.ChannelID)
	case "ping":
		c.enqueueEvent(Event{Event: EventPong})
	default:
		c.log.Debug("unknown control message", "type", msg.Type)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		if c.expiry != nil {
			c.expiry.Stop()
		}
		c.close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("realtime write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
