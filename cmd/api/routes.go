package main

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/auth"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/calls"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/campaigns"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/config"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/httpapi"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/realtime"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/telephony"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/voiceai"
	"github.com/camtang26/creative-ai-voice-platform-sub006/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	cfg         config.Config
	authManager *auth.Manager
	registry    *calls.Registry
	provider    telephony.Provider
	caps        *campaigns.Caps
	hub         *realtime.Hub
	db          *sql.DB
	rdb         *redis.Client
	log         *slog.Logger
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := utils.HealthCheck(ctx, deps.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		if err := deps.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(200, gin.H{"status": "ready"})
	})

	// Provider webhooks (public). Twilio retries on non-2xx, so these
	// handlers acknowledge unconditionally and log failures instead.
	{
		h := telephony.WebhookHandlers{
			Ingest: telephony.NewIngestor(deps.registry, deps.provider, deps.log),
		}
		tw := r.Group("/webhooks/twilio")
		tw.POST("/status", h.HandleStatus)
		tw.POST("/recording", h.HandleRecording)
		tw.POST("/amd", h.HandleMachineDetection)
		tw.POST("/quality", h.HandleQuality)
		tw.POST("/fallback", h.HandleFallback)
	}

	// Voice-agent webhook (signed, public).
	{
		h := voiceai.WebhookHandler{
			Registry: deps.registry,
			Secret:   deps.cfg.VoiceAI.WebhookSecret,
		}
		r.POST("/webhooks/elevenlabs", h.Handle)
	}

	// Dashboard websocket. Auth happens inside HandleSocket before the
	// upgrade; browsers cannot set headers on websocket requests, so the
	// token may also arrive as a query param.
	r.GET("/socket", deps.hub.HandleSocket)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(deps.authManager))
	{
		h := httpapi.Handlers{
			Registry: deps.registry,
			Provider: deps.provider,
			Caps:     deps.caps,
			Cfg:      deps.cfg,
		}

		callsGroup := v1.Group("/calls")
		{
			callsGroup.GET("/active", h.ListActiveCalls)
			callsGroup.GET("/:sid", h.GetCall)
			callsGroup.GET("/:sid/recordings", h.ListRecordings)

			// Mutating operations require the operator role.
			op := callsGroup.Group("")
			op.Use(auth.RequireRole(auth.RoleOperator))
			op.POST("/outbound", h.PlaceCall)
			op.POST("/:sid/terminate", h.TerminateCall)
		}
	}
}
