package telephony

import (
	"net/http"

	"github.com/camtang26/creative-ai-voice-platform-sub006/pkg/logger"

	"github.com/gin-gonic/gin"
)

// WebhookHandlers exposes the provider callback endpoints.
//
// Every handler acknowledges with 200 no matter what happens internally:
// repeated non-2xx responses would make the provider disable the webhook.
// Decode failures and processing errors are logged, never surfaced.
type WebhookHandlers struct {
	Ingest *Ingestor
}

func (h WebhookHandlers) ack(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h WebhookHandlers) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)
	defer h.ack(c)

	cb, err := ParseStatusCallback(c.Request)
	if err != nil {
		log.Warn("status webhook parse failed", "err", err)
		return
	}
	if err := h.Ingest.HandleStatus(cb); err != nil {
		log.Error("status webhook processing failed", "call_sid", cb.CallSID, "err", err)
	}
}

func (h WebhookHandlers) HandleRecording(c *gin.Context) {
	log := logger.FromGin(c)
	defer h.ack(c)

	cb, err := ParseRecordingCallback(c.Request)
	if err != nil {
		log.Warn("recording webhook parse failed", "err", err)
		return
	}
	if err := h.Ingest.HandleRecording(cb); err != nil {
		log.Error("recording webhook processing failed",
			"call_sid", cb.CallSID, "recording_sid", cb.RecordingSID, "err", err)
	}
}

func (h WebhookHandlers) HandleMachineDetection(c *gin.Context) {
	log := logger.FromGin(c)
	defer h.ack(c)

	cb, err := ParseMachineDetectionCallback(c.Request)
	if err != nil {
		log.Warn("amd webhook parse failed", "err", err)
		return
	}
	if err := h.Ingest.HandleMachineDetection(c.Request.Context(), cb); err != nil {
		log.Error("amd webhook processing failed", "call_sid", cb.CallSID, "err", err)
	}
}

func (h WebhookHandlers) HandleQuality(c *gin.Context) {
	log := logger.FromGin(c)
	defer h.ack(c)

	cb, err := ParseQualityCallback(c.Request)
	if err != nil {
		log.Warn("quality webhook parse failed", "err", err)
		return
	}
	if err := h.Ingest.HandleQuality(cb); err != nil {
		log.Error("quality webhook processing failed", "call_sid", cb.CallSID, "err", err)
	}
}

func (h WebhookHandlers) HandleFallback(c *gin.Context) {
	log := logger.FromGin(c)
	defer h.ack(c)

	cb, err := ParseFallbackCallback(c.Request)
	if err != nil {
		log.Warn("fallback webhook parse failed", "err", err)
		return
	}
	if err := h.Ingest.HandleFallback(cb); err != nil {
		log.Error("fallback webhook processing failed", "call_sid", cb.CallSID, "err", err)
	}
}
