package voiceai

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/calls"
	"github.com/camtang26/creative-ai-voice-platform-sub006/pkg/logger"

	"github.com/gin-gonic/gin"
)

const signatureHeader = "ElevenLabs-Signature"

// ConversationEvent is the conversation-completion / transcript payload the
// voice-AI provider posts when an agent session ends.
type ConversationEvent struct {
	Type string           `json:"type"`
	Data ConversationData `json:"data"`
}

type ConversationData struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id,omitempty"`
	Status         string `json:"status,omitempty"`

	Metadata struct {
		PhoneCall struct {
			CallSID string `json:"call_sid"`
		} `json:"phone_call"`
	} `json:"metadata"`

	Analysis struct {
		CallSuccessful    string `json:"call_successful,omitempty"`
		TranscriptSummary string `json:"transcript_summary,omitempty"`
	} `json:"analysis"`
}

// WebhookHandler links completed voice-AI conversations back to their call
// records.
//
// Signature verification is deliberately soft: a missing secret or a
// malformed header logs a warning and processing continues, because losing
// conversation linkage is worse than accepting an unsigned payload from a
// collaborator we already trust at the network layer. The acknowledgement
// is always 200 either way.
type WebhookHandler struct {
	Registry *calls.Registry
	Secret   string

	// Tolerance bounds acceptable signature timestamp drift.
	Tolerance time.Duration

	Now func() time.Time
}

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 4<<20))
	if err != nil {
		log.Warn("voiceai webhook body read failed", "err", err)
		c.String(http.StatusOK, "ok")
		return
	}

	h.checkSignature(c, log, body, now())

	var ev ConversationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Warn("voiceai webhook decode failed", "err", err)
		c.String(http.StatusOK, "ok")
		return
	}

	callSID := ev.Data.Metadata.PhoneCall.CallSID
	if callSID == "" || ev.Data.ConversationID == "" {
		log.Warn("voiceai webhook missing call linkage",
			"type", ev.Type, "conversation_id", ev.Data.ConversationID)
		c.String(http.StatusOK, "ok")
		return
	}

	patch := calls.Patch{
		ConversationID: calls.String(ev.Data.ConversationID),
	}
	if s := ev.Data.Analysis.TranscriptSummary; s != "" {
		patch.TranscriptSummary = calls.String(s)
	}
	if _, err := h.Registry.Upsert(callSID, patch); err != nil {
		log.Error("voiceai conversation link failed", "call_sid", callSID, "err", err)
	} else {
		log.Info("linked conversation to call",
			"call_sid", callSID, "conversation_id", ev.Data.ConversationID, "type", ev.Type)
	}
	c.String(http.StatusOK, "ok")
}

func (h WebhookHandler) checkSignature(c *gin.Context, log *slog.Logger, body []byte, now time.Time) {
	if h.Secret == "" {
		log.Warn("voiceai webhook secret not configured, skipping signature check")
		return
	}
	header := c.GetHeader(signatureHeader)
	if header == "" {
		log.Warn("voiceai webhook unsigned")
		return
	}
	tolerance := h.Tolerance
	if tolerance <= 0 {
		tolerance = 30 * time.Minute
	}
	if err := VerifySignature(h.Secret, header, body, now, tolerance); err != nil {
		log.Warn("voiceai webhook signature check failed", "err", err)
	}
}
