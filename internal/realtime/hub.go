package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/calls"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/events"
	"github.com/camtang26/creative-ai-voice-platform-sub006/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// HubConfig tunes per-connection behavior.
type HubConfig struct {
	// QueueSize bounds the per-connection outbound queue. When a consumer
	// cannot keep up the oldest queued event is dropped rather than
	// blocking the publisher; the client recovers with a refresh.
	QueueSize int

	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration

	// MaxMessageSize bounds inbound control frames.
	MaxMessageSize int64
}

func (c HubConfig) withDefaults() HubConfig {
	out := c
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.WriteWait <= 0 {
		out.WriteWait = 10 * time.Second
	}
	if out.PongWait <= 0 {
		out.PongWait = 60 * time.Second
	}
	if out.PingPeriod <= 0 || out.PingPeriod >= out.PongWait {
		out.PingPeriod = out.PongWait * 9 / 10
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = 4096
	}
	return out
}

// Hub owns one websocket connection per dashboard client and bridges the
// event bus onto them. Each connection is independent: its subscriptions,
// queue and teardown never touch another connection's state.
type Hub struct {
	bus      *events.Bus
	registry *calls.Registry
	cfg      HubConfig
	log      *slog.Logger

	// authorize rejects the upgrade when the request carries no valid
	// credential. Nil means the socket is open (local/dev).
	authorize func(r *http.Request) error

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*connection
}

func NewHub(bus *events.Bus, registry *calls.Registry, cfg HubConfig, authorize func(r *http.Request) error, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		bus:       bus,
		registry:  registry,
		cfg:       cfg.withDefaults(),
		log:       log,
		authorize: authorize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*connection),
	}
}

// HandleSocket upgrades the request, auto-subscribes the broad scopes and
// sends the initial full snapshot before any event can flow.
func (h *Hub) HandleSocket(c *gin.Context) {
	log := logger.FromGin(c)

	if h.authorize != nil {
		if err := h.authorize(c.Request); err != nil {
			log.Warn("socket auth rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}

	id := uuid.NewString()
	cn := &connection{
		id:      id,
		hub:     h,
		ws:      ws,
		send:    make(chan []byte, h.cfg.QueueSize),
		handles: make(map[events.Scope]string),
		log:     h.log.With("conn_id", id),
	}

	h.mu.Lock()
	h.conns[cn.id] = cn
	h.mu.Unlock()

	cn.log.Info("dashboard client connected", "remote", c.Request.RemoteAddr)

	// Broad scopes first so no mutation between snapshot and subscribe is
	// missed; the queue preserves order either way.
	cn.subscribe(events.ScopeAllCalls)
	cn.subscribe(events.ScopeAllCampaigns)
	cn.sendSnapshot()

	go cn.writePump()
	go cn.readPump()
}

// ConnectionCount reports currently attached clients.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) remove(cn *connection) {
	h.mu.Lock()
	delete(h.conns, cn.id)
	h.mu.Unlock()
	h.bus.DropConnection(cn.id)
}

func (h *Hub) snapshot() Snapshot {
	return Snapshot{
		ActiveCalls:     h.registry.ListActive(nil),
		ActiveCampaigns: h.registry.ActiveCampaigns(),
	}
}

func marshalEvent(ev events.Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ServerMessage{
		Type:       ev.Type,
		ResourceID: ev.ResourceID,
		Timestamp:  ev.Timestamp,
		Payload:    payload,
	})
}
