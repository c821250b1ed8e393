package telephony

import (
	"context"
	"errors"
	"time"
)

// ErrCallNotFound marks an outbound command against a call the provider no
// longer knows (or never knew). Callers must treat it as a non-fatal
// outcome: the call may simply have ended already.
var ErrCallNotFound = errors.New("telephony: call not found")

// Provider is the provider-agnostic command interface used by business
// logic.
//
// Rules:
// - No provider HTTP calls outside telephony adapters.
// - Keep request/response types provider-agnostic; raw payloads stay in the
//   adapter.
type Provider interface {
	Name() string

	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
	TerminateCall(ctx context.Context, callSID string) error
	FetchCall(ctx context.Context, callSID string) (CallResource, error)
	ListRecordings(ctx context.Context, callSID string) ([]RecordingResource, error)
}

// PlaceCallRequest initiates an outbound call answered by the voice agent.
type PlaceCallRequest struct {
	From string `json:"from"`
	To   string `json:"to"`

	CampaignID string `json:"campaign_id,omitempty"`

	// AnswerURL serves the call instructions once the callee picks up.
	AnswerURL string `json:"answer_url"`
	// StatusCallbackURL receives lifecycle callbacks for this call.
	StatusCallbackURL string `json:"status_callback_url"`
	// FallbackURL is invoked by the provider when AnswerURL fails.
	FallbackURL string `json:"fallback_url,omitempty"`
	// RecordingCallbackURL receives recording-status callbacks.
	RecordingCallbackURL string `json:"recording_callback_url,omitempty"`
	// AMDCallbackURL receives the async machine-detection verdict.
	AMDCallbackURL string `json:"amd_callback_url,omitempty"`

	Record        bool `json:"record,omitempty"`
	MachineDetect bool `json:"machine_detect,omitempty"`

	// TimeoutSeconds is how long to ring before giving up.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

type PlaceCallResult struct {
	CallSID  string    `json:"call_sid"`
	Status   string    `json:"status"`
	QueuedAt time.Time `json:"queued_at"`
}

// CallResource is the provider's own view of a call, returned by FetchCall.
type CallResource struct {
	CallSID   string     `json:"call_sid"`
	Status    string     `json:"status"`
	Direction string     `json:"direction"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Duration  int        `json:"duration,omitempty"`
}

// RecordingResource is one provider-side recording for a call.
type RecordingResource struct {
	RecordingSID string `json:"recording_sid"`
	CallSID      string `json:"call_sid"`
	Status       string `json:"status"`
	Duration     int    `json:"duration,omitempty"`
	Channels     int    `json:"channels,omitempty"`
	MediaURL     string `json:"media_url,omitempty"`
}
