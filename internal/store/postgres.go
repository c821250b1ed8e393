package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/calls"
)

// Postgres persists call snapshots through database/sql (pgx stdlib driver).
//
// Writes are idempotent upserts keyed by provider SID, so replays from the
// registry's best-effort write-through converge instead of conflicting.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) SaveCall(ctx context.Context, c calls.Call) error {
	const q = `
INSERT INTO calls (
    call_sid, direction, from_number, to_number, status,
    started_at, ended_at, duration_seconds, answered_by, machine_behavior,
    conversation_id, transcript_summary, campaign_id, error_code, error_message,
    created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (call_sid) DO UPDATE SET
    direction        = COALESCE(NULLIF(EXCLUDED.direction, ''), calls.direction),
    from_number      = COALESCE(NULLIF(EXCLUDED.from_number, ''), calls.from_number),
    to_number        = COALESCE(NULLIF(EXCLUDED.to_number, ''), calls.to_number),
    status           = EXCLUDED.status,
    started_at       = COALESCE(calls.started_at, EXCLUDED.started_at),
    ended_at         = COALESCE(calls.ended_at, EXCLUDED.ended_at),
    duration_seconds = COALESCE(EXCLUDED.duration_seconds, calls.duration_seconds),
    answered_by      = COALESCE(NULLIF(EXCLUDED.answered_by, ''), calls.answered_by),
    machine_behavior = COALESCE(NULLIF(EXCLUDED.machine_behavior, ''), calls.machine_behavior),
    conversation_id  = COALESCE(NULLIF(EXCLUDED.conversation_id, ''), calls.conversation_id),
    transcript_summary = COALESCE(NULLIF(EXCLUDED.transcript_summary, ''), calls.transcript_summary),
    campaign_id      = COALESCE(NULLIF(EXCLUDED.campaign_id, ''), calls.campaign_id),
    error_code       = COALESCE(NULLIF(EXCLUDED.error_code, ''), calls.error_code),
    error_message    = COALESCE(NULLIF(EXCLUDED.error_message, ''), calls.error_message),
    updated_at       = EXCLUDED.updated_at`

	_, err := p.db.ExecContext(ctx, q,
		c.SID, c.Direction, c.From, c.To, string(c.Status),
		c.StartedAt, c.EndedAt, c.DurationSeconds, c.AnsweredBy, c.MachineBehavior,
		c.ConversationID, c.TranscriptSummary, c.CampaignID, c.ErrorCode, c.ErrorMessage,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: save call %s: %w", c.SID, err)
	}
	return nil
}

func (p *Postgres) SaveRecording(ctx context.Context, rec calls.Recording) error {
	const q = `
INSERT INTO call_recordings (
    recording_sid, call_sid, status, duration_seconds, channels, url,
    created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (recording_sid) DO UPDATE SET
    status           = EXCLUDED.status,
    duration_seconds = GREATEST(EXCLUDED.duration_seconds, call_recordings.duration_seconds),
    channels         = GREATEST(EXCLUDED.channels, call_recordings.channels),
    url              = COALESCE(NULLIF(EXCLUDED.url, ''), call_recordings.url),
    updated_at       = EXCLUDED.updated_at`

	_, err := p.db.ExecContext(ctx, q,
		rec.SID, rec.CallSID, string(rec.Status), rec.DurationSeconds, rec.Channels, rec.URL,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: save recording %s: %w", rec.SID, err)
	}
	return nil
}

// AppendQualityMetrics inserts one measurement row. Append-only: snapshots
// are never updated or replayed, so a plain insert suffices.
func (p *Postgres) AppendQualityMetrics(ctx context.Context, callSID string, q calls.QualitySnapshot) error {
	const stmt = `
INSERT INTO call_quality_metrics (
    call_sid, jitter, latency_ms, packet_loss_pct, mos, warnings, measured_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err := p.db.ExecContext(ctx, stmt,
		callSID, q.Jitter, q.LatencyMS, q.PacketLossPct, q.MOS,
		strings.Join(q.Warnings, ","), q.MeasuredAt,
	)
	if err != nil {
		return fmt.Errorf("store: append quality metrics %s: %w", callSID, err)
	}
	return nil
}
