package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LeventeLantos/whatsapp-delivery/internal/metrics"
)

type HubConfig struct {
	SendBuffer     int
	MaxDrops       int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

func (c *HubConfig) setDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxDrops <= 0 {
		c.MaxDrops = c.SendBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 75 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
}

// Hub keeps the per-channel rooms of this process. It is a Publisher:
// an event reaches every local socket subscribed to its channel.
type Hub struct {
	cfg HubConfig
	log *slog.Logger

	mu    sync.RWMutex
	conns map[*Conn]map[int64]struct{}
	rooms map[int64]map[*Conn]struct{}
}

func NewHub(cfg HubConfig, log *slog.Logger) *Hub {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		cfg:   cfg,
		log:   log.With("component", "realtime_hub"),
		conns: make(map[*Conn]map[int64]struct{}),
		rooms: make(map[int64]map[*Conn]struct{}),
	}
}

// Publish encodes ev once and enqueues it on every subscriber without
// blocking.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Event, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[ev.ChannelID] {
		c.enqueue(frame)
	}
	return nil
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c] = make(map[int64]struct{})
	h.mu.Unlock()
	metrics.RealtimeConnections.Inc()
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, ok := h.conns[c]
	if !ok {
		return
	}
	for channelID := range rooms {
		h.leave(c, channelID)
	}
	delete(h.conns, c)
	metrics.RealtimeConnections.Dec()
}

func (h *Hub) subscribe(c *Conn, channelID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, ok := h.conns[c]
	if !ok {
		return
	}
	rooms[channelID] = struct{}{}
	room := h.rooms[channelID]
	if room == nil {
		room = make(map[*Conn]struct{})
		h.rooms[channelID] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) unsubscribe(c *Conn, channelID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rooms, ok := h.conns[c]; ok {
		delete(rooms, channelID)
	}
	h.leave(c, channelID)
}

// leave drops c from one room. Caller holds mu.
func (h *Hub) leave(c *Conn, channelID int64) {
	room := h.rooms[channelID]
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, channelID)
	}
}

func (h *Hub) RoomSize(channelID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[channelID])
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every subscriber with a going-away frame.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}
