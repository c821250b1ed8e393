package calls

import "time"

// Call is the authoritative in-memory view of one telephony call.
//
// Identity invariant: SID is the provider's call identifier and never changes
// for the lifetime of the call. All mutation flows through Registry.Upsert;
// nothing outside this package writes these fields.
type Call struct {
	SID       string `json:"sid"`
	Direction string `json:"direction,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`

	Status CallStatus `json:"status"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// DurationSeconds is derived: present only when both StartedAt and
	// EndedAt are set, and always EndedAt − StartedAt in whole seconds.
	DurationSeconds *int `json:"duration,omitempty"`

	// AnsweredBy is the machine-detection classification (human,
	// machine_start, machine_end_beep, machine_end_silence,
	// machine_end_other, fax, unknown).
	AnsweredBy      string `json:"answered_by,omitempty"`
	MachineBehavior string `json:"machine_behavior,omitempty"`

	LastActivityAt time.Time `json:"last_activity_at"`

	Recordings []Recording       `json:"recordings,omitempty"`
	Quality    []QualitySnapshot `json:"quality_metrics,omitempty"`

	// ConversationID links the voice-AI session handling this call.
	ConversationID string `json:"conversation_id,omitempty"`
	// TranscriptSummary arrives with the conversation-completion webhook,
	// after the call has usually already ended.
	TranscriptSummary string `json:"transcript_summary,omitempty"`
	CampaignID        string `json:"campaign_id,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Duration returns the derived duration, or false when either timestamp is
// missing.
func (c Call) Duration() (int, bool) {
	if c.DurationSeconds == nil {
		return 0, false
	}
	return *c.DurationSeconds, true
}

type CallStatus string

// Wire values match the provider's hyphenated status strings so webhook
// payloads map directly.
const (
	StatusQueued     CallStatus = "queued"
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in-progress"
	StatusCompleted  CallStatus = "completed"
	StatusFailed     CallStatus = "failed"
	StatusBusy       CallStatus = "busy"
	StatusNoAnswer   CallStatus = "no-answer"
	StatusCanceled   CallStatus = "canceled"
)

// statusRank defines the monotonic ordering for status transitions. A status
// only advances to a strictly higher rank: equal or lower-ranked updates are
// merged for their other fields but never move the status backwards, and a
// terminal status is never left.
var statusRank = map[CallStatus]int{
	StatusQueued:     1,
	StatusInitiated:  2,
	StatusRinging:    3,
	StatusInProgress: 4,
	StatusCompleted:  5,
	StatusFailed:     5,
	StatusBusy:       5,
	StatusNoAnswer:   5,
	StatusCanceled:   5,
}

func (s CallStatus) Known() bool {
	_, ok := statusRank[s]
	return ok
}

func (s CallStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

// NonTerminalStatuses is the default ListActive filter.
func NonTerminalStatuses() []CallStatus {
	return []CallStatus{StatusQueued, StatusInitiated, StatusRinging, StatusInProgress}
}

// Recording is one audio capture for a call, keyed by the provider recording
// SID. Recordings only accumulate on a call; they are never removed.
type Recording struct {
	SID     string `json:"sid"`
	CallSID string `json:"call_sid"`

	Status RecordingStatus `json:"status"`

	DurationSeconds int    `json:"duration,omitempty"`
	Channels        int    `json:"channels,omitempty"`
	URL             string `json:"url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RecordingStatus string

const (
	RecordingPending    RecordingStatus = "pending"
	RecordingProcessing RecordingStatus = "processing"
	RecordingCompleted  RecordingStatus = "completed"
	RecordingFailed     RecordingStatus = "failed"
)

var recordingRank = map[RecordingStatus]int{
	RecordingPending:    1,
	RecordingProcessing: 2,
	RecordingCompleted:  3,
	RecordingFailed:     3,
}

func (s RecordingStatus) Terminal() bool {
	return s == RecordingCompleted || s == RecordingFailed
}

// QualitySnapshot is one quality measurement event. Append-only per call.
type QualitySnapshot struct {
	Jitter        float64   `json:"jitter,omitempty"`
	LatencyMS     float64   `json:"latency_ms,omitempty"`
	PacketLossPct float64   `json:"packet_loss_pct,omitempty"`
	MOS           float64   `json:"mos,omitempty"`
	Warnings      []string  `json:"warnings,omitempty"`
	MeasuredAt    time.Time `json:"measured_at"`
}

// CampaignSummary aggregates the in-flight calls of one campaign. Derived
// from the active view; not stored.
type CampaignSummary struct {
	CampaignID  string `json:"campaign_id"`
	ActiveCalls int    `json:"active_calls"`
}

// Patch is a partial update applied through Registry.Upsert. Nil fields are
// untouched. StartedAt and EndedAt are first-writer-wins: once a timestamp
// is recorded a later patch never moves it.
type Patch struct {
	Status *CallStatus

	Direction *string
	From      *string
	To        *string

	StartedAt *time.Time
	EndedAt   *time.Time

	AnsweredBy      *string
	MachineBehavior *string

	ConversationID    *string
	TranscriptSummary *string
	CampaignID        *string

	ErrorCode    *string
	ErrorMessage *string

	Recording *Recording
	Quality   *QualitySnapshot
}

// StatusPatch is shorthand for a status-only patch.
func StatusPatch(s CallStatus) Patch { return Patch{Status: &s} }

// String returns a pointer for optional Patch fields; empty strings are
// treated as unset and skipped.
func String(s string) *string { return &s }
