package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/config"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/realtime"
	"github.com/camtang26/creative-ai-voice-platform-sub006/pkg/logger"

	"github.com/joho/godotenv"
)

// watch tails the platform's realtime event stream from a terminal: it dials
// the socket endpoint like a dashboard would, replays subscriptions across
// reconnects, and prints each event as one JSON line on stdout.
func main() {
	_ = godotenv.Load()

	url := flag.String("url", "ws://localhost:8080/socket", "socket endpoint")
	token := flag.String("token", os.Getenv("WATCH_TOKEN"), "access token")
	scopes := flag.String("scopes", "", "comma-separated scopes, e.g. call:CA123,campaign:42")
	flag.Parse()

	log := logger.New(os.Getenv("APP_ENV"))
	rt := config.LoadRealtime()

	enc := json.NewEncoder(os.Stdout)
	client := realtime.NewClient(realtime.ClientConfig{
		URL:   *url,
		Token: *token,
		Backoff: realtime.Backoff{
			Base:   rt.BackoffBase,
			Max:    rt.BackoffMax,
			Factor: rt.BackoffFactor,
		},
		MaxAttempts:       rt.MaxReconnectAttempts,
		HeartbeatInterval: rt.HeartbeatInterval,
		OnEvent: func(msg realtime.ServerMessage) {
			_ = enc.Encode(msg)
		},
		OnStateChange: func(s realtime.ConnState) {
			log.Info("connection state", "state", string(s))
		},
		Log: log,
	})

	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			if err := client.Subscribe(s); err != nil {
				log.Warn("subscribe failed", "scope", s, "err", err)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		// Reconnection is already scheduled; only report the first failure.
		fmt.Fprintln(os.Stderr, "initial connect failed:", err)
	}

	<-ctx.Done()
	_ = client.Close()
}
