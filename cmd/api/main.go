package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/auth"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/calls"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/campaigns"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/config"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/events"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/realtime"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/store"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/telephony"
	"github.com/camtang26/creative-ai-voice-platform-sub006/pkg/logger"
	"github.com/camtang26/creative-ai-voice-platform-sub006/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	caps := campaigns.NewCaps(rdb, cfg.Campaign.MaxConcurrentCalls, cfg.Campaign.CapTTL, log)

	bus := events.NewBus(log)
	registry := calls.NewRegistry(bus, log,
		calls.WithStore(store.NewPostgres(db)),
		calls.WithOnTerminal(func(call calls.Call) {
			if call.CampaignID == "" {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			caps.Release(ctx, call.CampaignID)
		}),
	)
	bus.SetStateProvider(registry.StateFor)

	provider := telephony.NewTwilio(telephony.TwilioOptions{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
	})

	monitor := calls.NewMonitor(registry, provider, calls.MonitorConfig{
		Interval:            cfg.Monitor.SweepInterval,
		InactivityThreshold: cfg.Monitor.InactivityThreshold,
		TerminalRetention:   cfg.Monitor.TerminalRetention,
	}, log)
	go monitor.Run(rootCtx)

	hub := realtime.NewHub(bus, registry, realtime.HubConfig{
		QueueSize:  cfg.Realtime.QueueSize,
		PingPeriod: cfg.Realtime.HeartbeatInterval,
	}, func(r *http.Request) error {
		_, err := authManager.VerifyRequest(r)
		return err
	}, log)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:         cfg,
		authManager: authManager,
		registry:    registry,
		provider:    provider,
		caps:        caps,
		hub:         hub,
		db:          db,
		rdb:         rdb,
		log:         log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: the socket endpoint holds connections open
		// indefinitely and a server-wide write deadline would kill them.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
