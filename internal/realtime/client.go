package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the client connection lifecycle.
//
//	disconnected → connecting → connected
//	connected → reconnecting → connected | failed
//
// failed is terminal until Retry resets the attempt counter.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// clientConn is the slice of *websocket.Conn the client needs; tests swap in
// a fake.
type clientConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes one socket. The default wraps gorilla's dialer.
type Dialer func(ctx context.Context, url string, header http.Header) (clientConn, error)

func gorillaDialer(ctx context.Context, url string, header http.Header) (clientConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ClientConfig configures one dashboard client connection.
type ClientConfig struct {
	URL   string
	Token string

	Backoff     Backoff
	MaxAttempts int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	Thresholds QualityThresholds

	// Dialer and timer hooks are injectable for deterministic tests.
	Dialer Dialer
	Clock  func() time.Time

	OnEvent       func(ServerMessage)
	OnStateChange func(ConnState)

	Log *slog.Logger
}

func (c ClientConfig) withDefaults() ClientConfig {
	out := c
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 10
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 15 * time.Second
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = 5 * time.Second
	}
	if out.Thresholds == (QualityThresholds{}) {
		out.Thresholds = DefaultQualityThresholds()
	}
	if out.Dialer == nil {
		out.Dialer = gorillaDialer
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	if out.Log == nil {
		out.Log = slog.Default()
	}
	return out
}

// Client maintains one persistent logical connection with automatic
// reconnection and subscription replay. All reconnect state is local to the
// client; independent clients never coordinate.
type Client struct {
	cfg    ClientConfig
	health *healthTracker

	mu         sync.Mutex
	state      ConnState
	conn       clientConn
	attempt    int
	scopes     map[string]struct{}
	closed     bool
	retryTim   *time.Timer
	pingSent   map[int64]time.Time
	generation int

	// writeMu serializes socket writes: replay, subscribe requests and
	// heartbeat pings run on different goroutines, and gorilla permits one
	// writer at a time.
	writeMu sync.Mutex
}

func NewClient(cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		health:   newHealthTracker(cfg.Thresholds),
		state:    StateDisconnected,
		scopes:   make(map[string]struct{}),
		pingSent: make(map[int64]time.Time),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionQuality reports the latest heartbeat-derived tier.
func (c *Client) ConnectionQuality() (time.Duration, int, Quality) {
	return c.health.snapshot()
}

// Subscribe records interest in a scope and, when connected, sends the
// subscribe request. Recorded scopes are replayed after every reconnect
// because server-side subscriptions die with the transport.
func (c *Client) Subscribe(scope string) error {
	c.mu.Lock()
	c.scopes[scope] = struct{}{}
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		return c.writeJSON(conn, ClientMessage{Type: ReqSubscribe, Scope: scope})
	}
	return nil
}

// Unsubscribe removes a scope from the replay set and tells the server.
func (c *Client) Unsubscribe(scope string) error {
	c.mu.Lock()
	delete(c.scopes, scope)
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		return c.writeJSON(conn, ClientMessage{Type: ReqUnsubscribe, Scope: scope})
	}
	return nil
}

// RequestRefresh asks the server for a fresh full snapshot. Clients call
// this after recovering from a drop, since events published while the
// transport was down are gone.
func (c *Client) RequestRefresh() error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return errors.New("realtime: not connected")
	}
	return c.writeJSON(conn, ClientMessage{Type: ReqRefresh})
}

// Connect starts the connection attempt. Non-blocking beyond the first
// dial; reconnection runs in the background from then on.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("realtime: client closed")
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	return c.dial(ctx)
}

// Retry resets the attempt counter after the client has given up. No-op in
// any state but failed.
func (c *Client) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateFailed {
		c.mu.Unlock()
		return errors.New("realtime: retry only valid from failed state")
	}
	c.attempt = 0
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	return c.dial(ctx)
}

// Close is the deliberate client-initiated disconnect: pending reconnect
// timers are cleared and no auto-reconnect follows.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.generation++
	if c.retryTim != nil {
		c.retryTim.Stop()
		c.retryTim = nil
	}
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, err := c.cfg.Dialer(ctx, c.cfg.URL, header)
	if err != nil {
		c.cfg.Log.Warn("dial failed", "url", c.cfg.URL, "err", err)
		c.scheduleReconnect(ctx)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("realtime: client closed")
	}
	c.conn = conn
	c.attempt = 0
	c.generation++
	gen := c.generation
	scopes := make([]string, 0, len(c.scopes))
	for s := range c.scopes {
		scopes = append(scopes, s)
	}
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.health.reset()

	// Replay resource subscriptions recorded before the drop. The broad
	// active-calls scope is implicit on the server side.
	for _, s := range scopes {
		if err := c.writeJSON(conn, ClientMessage{Type: ReqSubscribe, Scope: s}); err != nil {
			c.cfg.Log.Warn("subscription replay failed", "scope", s, "err", err)
			break
		}
	}

	go c.readLoop(ctx, conn, gen)
	go c.heartbeatLoop(ctx, conn, gen)
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn clientConn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(ctx, conn, gen, err)
			return
		}

		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.cfg.Log.Warn("malformed server frame", "err", err)
			continue
		}

		if msg.Type == MsgPong {
			c.recordPong(msg.TS)
			continue
		}
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(msg)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn clientConn, gen int) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		stale := c.generation != gen || c.conn != conn
		c.mu.Unlock()
		if stale {
			return
		}

		ts := c.cfg.Clock().UnixNano()
		c.mu.Lock()
		c.pingSent[ts] = c.cfg.Clock()
		c.mu.Unlock()

		if err := c.writeJSON(conn, ClientMessage{Type: MsgPing, TS: ts}); err != nil {
			return
		}

		// A pong that misses the timeout window counts as packet loss.
		// Quality is observability only; the drop itself is detected by
		// the read loop.
		timeout := c.cfg.HeartbeatTimeout
		time.AfterFunc(timeout, func() {
			c.mu.Lock()
			_, pending := c.pingSent[ts]
			if pending {
				delete(c.pingSent, ts)
			}
			c.mu.Unlock()
			if pending {
				c.health.recordLoss()
			}
		})
	}
}

func (c *Client) recordPong(ts int64) {
	c.mu.Lock()
	sent, ok := c.pingSent[ts]
	if ok {
		delete(c.pingSent, ts)
	}
	c.mu.Unlock()
	if ok {
		c.health.recordRTT(c.cfg.Clock().Sub(sent))
	}
}

// handleDrop reacts to an unexpected connection loss. Deliberate closes
// (Close was called) never trigger reconnection.
func (c *Client) handleDrop(ctx context.Context, conn clientConn, gen int, cause error) {
	c.mu.Lock()
	if c.closed || c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.generation++
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	_ = conn.Close()
	c.cfg.Log.Warn("connection dropped", "err", cause)
	c.scheduleReconnect(ctx)
}

func (c *Client) scheduleReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempt >= c.cfg.MaxAttempts {
		c.setStateLocked(StateFailed)
		c.mu.Unlock()
		c.cfg.Log.Error("giving up after max reconnect attempts", "attempts", c.cfg.MaxAttempts)
		return
	}
	delay := c.cfg.Backoff.Delay(c.attempt)
	c.attempt++
	if c.state != StateReconnecting && c.state != StateConnecting {
		c.setStateLocked(StateReconnecting)
	}
	if c.retryTim != nil {
		c.retryTim.Stop()
	}
	c.retryTim = time.AfterFunc(delay, func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		_ = c.dial(ctx)
	})
	c.mu.Unlock()
}

func (c *Client) writeJSON(conn clientConn, msg ClientMessage) error {
	if conn == nil {
		return errors.New("realtime: no connection")
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

// setStateLocked transitions state. The callback runs on its own goroutine
// because the caller holds the client lock.
func (c *Client) setStateLocked(next ConnState) {
	if c.state == next {
		return
	}
	c.state = next
	if c.cfg.OnStateChange != nil {
		go c.cfg.OnStateChange(next)
	}
}
