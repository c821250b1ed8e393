package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/events"

	"github.com/gorilla/websocket"
)

// connection is one attached dashboard client.
type connection struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	log  *slog.Logger

	mu      sync.Mutex
	handles map[events.Scope]string
	dropped int64

	closeOnce sync.Once
}

// sink is the bus-facing delivery function. It must never block: events go
// into the bounded queue and the oldest entry is sacrificed when the client
// is too slow to drain it.
func (cn *connection) sink(ev events.Event) {
	b, err := marshalEvent(ev)
	if err != nil {
		cn.log.Error("event marshal failed", "type", ev.Type, "err", err)
		return
	}
	cn.enqueue(b)
}

func (cn *connection) enqueue(b []byte) {
	select {
	case cn.send <- b:
		return
	default:
	}
	// Queue full: drop the oldest frame to make room. The client is
	// expected to recover with a refresh request once it catches up.
	select {
	case <-cn.send:
		cn.mu.Lock()
		cn.dropped++
		cn.mu.Unlock()
	default:
	}
	select {
	case cn.send <- b:
	default:
	}
}

func (cn *connection) enqueueMessage(msg ServerMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		cn.log.Error("message marshal failed", "type", msg.Type, "err", err)
		return
	}
	cn.enqueue(b)
}

func (cn *connection) sendSnapshot() {
	snap := cn.hub.snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		cn.log.Error("snapshot marshal failed", "err", err)
		return
	}
	cn.enqueueMessage(ServerMessage{
		Type:      MsgSnapshot,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}

func (cn *connection) subscribe(scope events.Scope) {
	cn.mu.Lock()
	_, exists := cn.handles[scope]
	cn.mu.Unlock()
	if exists {
		return
	}
	handle, err := cn.hub.bus.Subscribe(cn.id, scope, cn.sink)
	if err != nil {
		cn.enqueueMessage(ServerMessage{Type: MsgError, Scope: string(scope), Error: err.Error()})
		return
	}
	cn.mu.Lock()
	cn.handles[scope] = handle
	cn.mu.Unlock()
	cn.enqueueMessage(ServerMessage{Type: MsgSubscribed, Scope: string(scope)})
}

func (cn *connection) unsubscribe(scope events.Scope) {
	cn.mu.Lock()
	handle, ok := cn.handles[scope]
	if ok {
		delete(cn.handles, scope)
	}
	cn.mu.Unlock()
	if ok {
		cn.hub.bus.Unsubscribe(handle)
	}
	cn.enqueueMessage(ServerMessage{Type: MsgUnsubscribed, Scope: string(scope)})
}

// readPump consumes control frames until the socket dies, then tears the
// connection down. Subscriptions do not survive: a reconnecting client must
// replay them.
func (cn *connection) readPump() {
	defer cn.teardown()

	cfg := cn.hub.cfg
	cn.ws.SetReadLimit(cfg.MaxMessageSize)
	_ = cn.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	cn.ws.SetPongHandler(func(string) error {
		return cn.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cn.log.Warn("socket read failed", "err", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			cn.enqueueMessage(ServerMessage{Type: MsgError, Error: "malformed message"})
			continue
		}

		switch msg.Type {
		case ReqSubscribe:
			scope := events.Scope(msg.Scope)
			if !scope.Valid() {
				cn.enqueueMessage(ServerMessage{Type: MsgError, Scope: msg.Scope, Error: "invalid scope"})
				continue
			}
			cn.subscribe(scope)
		case ReqUnsubscribe:
			cn.unsubscribe(events.Scope(msg.Scope))
		case ReqRefresh:
			cn.sendSnapshot()
		case MsgPing:
			cn.enqueueMessage(ServerMessage{Type: MsgPong, TS: msg.TS})
		default:
			cn.enqueueMessage(ServerMessage{Type: MsgError, Error: "unknown message type"})
		}
	}
}

// writePump owns all writes to the socket: queued frames plus protocol-level
// pings on a fixed interval.
func (cn *connection) writePump() {
	cfg := cn.hub.cfg
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		cn.teardown()
	}()

	for {
		select {
		case b, ok := <-cn.send:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = cn.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cn.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (cn *connection) teardown() {
	cn.closeOnce.Do(func() {
		cn.hub.remove(cn)
		_ = cn.ws.Close()
		cn.mu.Lock()
		dropped := cn.dropped
		cn.mu.Unlock()
		cn.log.Info("dashboard client disconnected", "dropped_events", dropped)
	})
}
