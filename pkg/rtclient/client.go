// Package rtclient is a reconnecting client for the realtime gateway.
//
// A Client moves through disconnected → connecting → connected, drops to
// reconnecting on any connection loss and returns to connected when a
// new socket is accepted. Auth closes (4001, 4002) refresh the token and
// reconnect at once; other losses back off exponentially up to
// MaxAttempts, after which the client is failed. Delivery is at most
// once: after connection:reconnected callers should resync over REST.
package rtclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

const (
	CloseMissingToken = 4001
	CloseInvalidToken = 4002
)

const (
	EventConnectionSuccess     = "connection:success"
	EventConnectionReconnected = "connection:reconnected"
	EventConnectionFailed      = "connection:failed"
	EventPong                  = "pong"
)

var ErrAlreadyStarted = errors.New("realtime client already started")

type Event struct {
	Event     string          `json:"event"`
	ChannelID int64           `json:"channelId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TokenSource supplies gateway tokens. Refresh is called after an auth
// close and must return a token different from the rejected one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

type Config struct {
	URL    string
	Tokens TokenSource

	HeartbeatInterval time.Duration
	MaxMissedPongs    int

	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = 2
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type controlMessage struct {
	Type      string `json:"type"`
	ChannelID int64  `json:"channelId,omitempty"`
}

type Client struct {
	cfg    Config
	log    *slog.Logger
	events chan Event

	mu        sync.Mutex
	state     State
	rooms     map[int64]struct{}
	ws        *websocket.Conn
	connected bool
	err       error
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu  sync.Mutex
	lastPong atomic.Int64
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("realtime url is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	cfg.setDefaults()
	return &Client{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "rtclient"),
		events: make(chan Event, 64),
		state:  StateDisconnected,
		rooms:  make(map[int64]struct{}),
	}, nil
}

// Events delivers room events and connection lifecycle events.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the *RealtimeConnectionError once the client has failed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Debug("realtime state changed", "from", prev, "to", s)
	}
}

// Connect starts the connection loop. It returns immediately; progress
// is reported through State and Events.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.state = StateConnecting
	c.err = nil
	go c.run(ctx, c.done)
	return nil
}

// Close stops the loop and waits for it to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	c.setState(StateDisconnected)
	return nil
}

// Subscribe joins a room now if connected and after every reconnect.
func (c *Client) Subscribe(channelID int64) error {
	c.mu.Lock()
	c.rooms[channelID] = struct{}{}
	ws := c.liveSocket()
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	return c.write(ws, controlMessage{Type: "subscribe", ChannelID: channelID})
}

func (c *Client) Unsubscribe(channelID int64) error {
	c.mu.Lock()
	delete(c.rooms, channelID)
	ws := c.liveSocket()
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	return c.write(ws, controlMessage{Type: "unsubscribe", ChannelID: channelID})
}

// liveSocket returns the socket when connected. Caller holds mu.
func (c *Client) liveSocket() *websocket.Conn {
	if c.state != StateConnected {
		return nil
	}
	return c.ws
}

func (c *Client) write(ws *websocket.Conn, msg controlMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.HeartbeatInterval))
	if err := ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) reconnectDelay(attempt int) time.Duration {
	d := c.cfg.ReconnectBase
	for i := 1; i < attempt && d < c.cfg.ReconnectMax; i++ {
		d *= 2
	}
	return min(d, c.cfg.ReconnectMax)
}

// run keeps one socket alive. attempt counts consecutive failures since
// the last accepted socket, whether the gateway rejected the token or the
// network dropped, so a token the gateway never accepts still ends in
// StateFailed.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		established, cause := c.connectOnce(ctx)
		if established {
			attempt = 0
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		attempt++
		if attempt > c.cfg.MaxAttempts {
			c.fail(ctx, attempt-1, cause)
			return
		}
		c.setState(StateReconnecting)

		var authErr *RealtimeAuthError
		if errors.As(cause, &authErr) {
			c.log.Info("realtime token rejected, refreshing", "code", authErr.Code, "reason", authErr.Reason, "attempt", attempt)
			if _, err := c.cfg.Tokens.Refresh(ctx); err != nil {
				c.fail(ctx, attempt, fmt.Errorf("refresh token: %w", errors.Join(err, cause)))
				return
			}
			// The first rejection is normally an expired token; the fresh
			// one is tried at once.
			if attempt == 1 {
				continue
			}
		}

		delay := c.reconnectDelay(attempt)
		c.log.Info("realtime connection lost, retrying", "attempt", attempt, "delay", delay, "error", cause)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			c.setState(StateDisconnected)
			return
		}
	}
}

func (c *Client) fail(ctx context.Context, attempts int, cause error) {
	err := &RealtimeConnectionError{Attempts: attempts, Err: cause}
	c.mu.Lock()
	c.state = StateFailed
	c.err = err
	c.mu.Unlock()

	c.log.Error("realtime connection failed", "attempts", attempts, "error", cause)
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	c.emit(ctx, Event{Event: EventConnectionFailed, Data: data})
}

// connectOnce dials and serves one socket until it ends. It reports
// whether the gateway accepted the socket and why it ended.
func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	token, err := c.cfg.Tokens.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("get token: %w", err)
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return false, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, _, err := c.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("dial realtime gateway: %w", err)
	}
	return c.serve(ctx, ws)
}

func (c *Client) serve(ctx context.Context, ws *websocket.Conn) (established bool, err error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		_ = ws.Close()
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
	}()
	go func() {
		<-connCtx.Done()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && (ce.Code == CloseMissingToken || ce.Code == CloseInvalidToken) {
				return established, &RealtimeAuthError{Code: ce.Code, Reason: ce.Text}
			}
			return established, err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Debug("ignoring malformed realtime frame", "error", err)
			continue
		}

		switch ev.Event {
		case EventConnectionSuccess:
			if err := c.opened(connCtx, ws); err != nil {
				return established, err
			}
			established = true
		case EventPong:
			c.lastPong.Store(time.Now().UnixNano())
		default:
			c.emit(ctx, ev)
		}
	}
}

// opened resubscribes every room, starts the heartbeat and tells the
// caller whether this is the first connection or a reconnect.
func (c *Client) opened(ctx context.Context, ws *websocket.Conn) error {
	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	reconnected := c.connected
	c.connected = true
	rooms := make([]int64, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	for _, id := range rooms {
		if err := c.write(ws, controlMessage{Type: "subscribe", ChannelID: id}); err != nil {
			return err
		}
	}

	c.lastPong.Store(time.Now().UnixNano())
	go c.heartbeat(ctx, ws)

	name := EventConnectionSuccess
	if reconnected {
		name = EventConnectionReconnected
	}
	c.log.Info("realtime connected", "event", name, "rooms", len(rooms))
	c.emit(ctx, Event{Event: name})
	return nil
}

// heartbeat pings every interval and closes the socket once
// MaxMissedPongs intervals pass without a pong.
func (c *Client) heartbeat(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	limit := time.Duration(c.cfg.MaxMissedPongs) * c.cfg.HeartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastPong.Load())) > limit {
				c.log.Warn("realtime heartbeat lost", "missed_for", limit)
				_ = ws.Close()
				return
			}
			if err := c.write(ws, controlMessage{Type: "ping"}); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}
