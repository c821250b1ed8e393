package campaigns

import (
	"context"
	"log/slog"
	"time"

	"github.com/camtang26/creative-ai-voice-platform-sub006/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Caps enforces the per-campaign concurrent-call limit across all API
// instances. Slots live in Redis with a TTL so a crashed process cannot leak
// a campaign's capacity forever.
//
// Acquire happens on outbound placement; Release fires from the registry's
// once-per-call terminal hook, which keeps acquire/release paired even when
// the call ends via webhook, activity monitor or manual termination.
type Caps struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
	log   *slog.Logger
}

func NewCaps(rdb *redis.Client, limit int, ttl time.Duration, log *slog.Logger) *Caps {
	if log == nil {
		log = slog.Default()
	}
	if limit <= 0 {
		limit = 10
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Caps{rdb: rdb, limit: limit, ttl: ttl, log: log}
}

func capKey(campaignID string) string {
	return "campaign:concurrent-calls:" + campaignID
}

// Acquire reserves a slot. Unconfigured caps (no Redis) always allow, so a
// cache outage degrades to uncapped rather than blocking campaigns.
func (c *Caps) Acquire(ctx context.Context, campaignID string) (bool, error) {
	if c == nil || c.rdb == nil || campaignID == "" {
		return true, nil
	}
	ok, err := utils.AcquireConcurrencyCap(ctx, c.rdb, capKey(campaignID), c.limit, c.ttl)
	if err != nil {
		c.log.Error("campaign cap acquire failed", "campaign_id", campaignID, "err", err)
		return true, err
	}
	return ok, nil
}

// Release frees a slot. Best effort: a missed release self-heals via TTL.
func (c *Caps) Release(ctx context.Context, campaignID string) {
	if c == nil || c.rdb == nil || campaignID == "" {
		return
	}
	if err := utils.ReleaseConcurrencyCap(ctx, c.rdb, capKey(campaignID)); err != nil {
		c.log.Error("campaign cap release failed", "campaign_id", campaignID, "err", err)
	}
}
