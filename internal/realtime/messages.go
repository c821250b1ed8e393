package realtime

import (
	"encoding/json"
	"time"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/calls"
)

// Message types exchanged over the socket beyond registry events.
const (
	MsgSnapshot     = "snapshot"
	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
	MsgPing         = "ping"
	MsgPong         = "pong"
	MsgError        = "error"

	ReqSubscribe   = "subscribe"
	ReqUnsubscribe = "unsubscribe"
	ReqRefresh     = "refresh"
)

// ClientMessage is what dashboard clients send.
type ClientMessage struct {
	Type  string `json:"type"`
	Scope string `json:"scope,omitempty"`
	// TS is the client's send timestamp for ping, echoed back in pong so
	// the client measures round-trip time.
	TS int64 `json:"ts,omitempty"`
}

// ServerMessage is the single frame shape the server emits: registry events
// carry ResourceID/Timestamp/Payload, control replies carry Scope or TS.
type ServerMessage struct {
	Type       string          `json:"type"`
	Scope      string          `json:"scope,omitempty"`
	ResourceID string          `json:"resourceId,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	TS         int64           `json:"ts,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Snapshot is the initial full-state payload sent on connect and on an
// explicit refresh request after reconnecting.
type Snapshot struct {
	ActiveCalls     []calls.Call            `json:"active_calls"`
	ActiveCampaigns []calls.CampaignSummary `json:"active_campaigns"`
}
