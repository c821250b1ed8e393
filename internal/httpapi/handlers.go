package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/calls"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/campaigns"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/config"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/telephony"
	"github.com/camtang26/creative-ai-voice-platform-sub006/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers serves the authenticated control API consumed by dashboards.
// Unlike the webhook surface, failures here are surfaced to the caller as
// typed errors: a human initiated the action and deserves to know it failed.
type Handlers struct {
	Registry *calls.Registry
	Provider telephony.Provider
	Caps     *campaigns.Caps
	Cfg      config.Config

	Now func() time.Time
}

func (h Handlers) clock() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// ListActiveCalls returns the active view, optionally filtered by a
// comma-separated status set.
func (h Handlers) ListActiveCalls(c *gin.Context) {
	var filter []calls.CallStatus
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s := calls.CallStatus(strings.TrimSpace(part))
			if !s.Known() {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "invalid_status", "status": string(s),
				})
				return
			}
			filter = append(filter, s)
		}
	}
	out := h.Registry.ListActive(filter)
	c.JSON(http.StatusOK, gin.H{"calls": out, "count": len(out)})
}

func (h Handlers) GetCall(c *gin.Context) {
	sid := c.Param("sid")
	call, ok := h.Registry.Get(sid)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call_not_found", "sid": sid})
		return
	}
	c.JSON(http.StatusOK, call)
}

// ListRecordings proxies the provider's recording list. A call the provider
// no longer knows yields an empty list, not an error.
func (h Handlers) ListRecordings(c *gin.Context) {
	log := logger.FromGin(c)
	sid := c.Param("sid")

	recs, err := h.Provider.ListRecordings(c.Request.Context(), sid)
	if errors.Is(err, telephony.ErrCallNotFound) {
		c.JSON(http.StatusOK, gin.H{"recordings": []telephony.RecordingResource{}})
		return
	}
	if err != nil {
		log.Error("list recordings failed", "call_sid", sid, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "provider_command_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recordings": recs})
}

// TerminateCall hangs up a live call on explicit operator request.
func (h Handlers) TerminateCall(c *gin.Context) {
	log := logger.FromGin(c)
	sid := c.Param("sid")

	if call, ok := h.Registry.Get(sid); ok && call.Status.Terminal() {
		c.JSON(http.StatusOK, gin.H{"status": "already_ended", "call": call})
		return
	}

	err := h.Provider.TerminateCall(c.Request.Context(), sid)
	switch {
	case errors.Is(err, telephony.ErrCallNotFound):
		// Provider already forgot the call; close our record too.
		log.Info("terminate on unknown provider call", "call_sid", sid)
	case err != nil:
		log.Error("manual terminate failed", "call_sid", sid, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "provider_command_failed"})
		return
	}

	now := h.clock().UTC()
	completed := calls.StatusCompleted
	call, upErr := h.Registry.Upsert(sid, calls.Patch{
		Status:  &completed,
		EndedAt: &now,
	})
	if upErr != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_call_sid"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "terminated", "call": call})
}

type placeCallRequest struct {
	To         string `json:"to" binding:"required"`
	From       string `json:"from"`
	CampaignID string `json:"campaign_id"`
	Record     bool   `json:"record"`
}

// PlaceCall dials an outbound call answered by the voice agent. Campaign
// calls are admitted through the per-campaign concurrency cap first.
func (h Handlers) PlaceCall(c *gin.Context) {
	log := logger.FromGin(c)

	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}
	from := req.From
	if from == "" {
		from = h.Cfg.Twilio.FromNumber
	}

	ctx := c.Request.Context()
	if req.CampaignID != "" {
		ok, err := h.Caps.Acquire(ctx, req.CampaignID)
		if err == nil && !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "campaign_concurrency_cap", "campaign_id": req.CampaignID,
			})
			return
		}
	}

	res, err := h.Provider.PlaceCall(ctx, telephony.PlaceCallRequest{
		From:                 from,
		To:                   req.To,
		CampaignID:           req.CampaignID,
		AnswerURL:            h.Cfg.WebhookURL("/voice/answer"),
		StatusCallbackURL:    h.Cfg.WebhookURL("/webhooks/twilio/status"),
		FallbackURL:          h.Cfg.WebhookURL("/webhooks/twilio/fallback"),
		RecordingCallbackURL: h.Cfg.WebhookURL("/webhooks/twilio/recording"),
		AMDCallbackURL:       h.Cfg.WebhookURL("/webhooks/twilio/amd"),
		Record:               req.Record,
		MachineDetect:        true,
	})
	if err != nil {
		if req.CampaignID != "" {
			h.Caps.Release(ctx, req.CampaignID)
		}
		log.Error("place call failed", "to", req.To, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "provider_command_failed"})
		return
	}

	initiated := calls.StatusInitiated
	p := calls.Patch{
		Status:    &initiated,
		Direction: calls.String("outbound-api"),
		From:      calls.String(from),
		To:        calls.String(req.To),
	}
	if req.CampaignID != "" {
		p.CampaignID = calls.String(req.CampaignID)
	}
	call, upErr := h.Registry.Upsert(res.CallSID, p)
	if upErr != nil {
		log.Error("post-placement upsert failed", "call_sid", res.CallSID, "err", upErr)
	}
	c.JSON(http.StatusCreated, gin.H{"call": call, "provider_status": res.Status})
}
