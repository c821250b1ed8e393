package telephony

import (
	"context"
	"log/slog"
	"time"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/calls"
)

// Ingestor translates decoded webhook payloads into registry mutations.
// Every handler is safe under duplicate and out-of-order delivery: all the
// dedup and monotonicity rules live in the registry's merge, so replaying a
// callback is always a cheap no-op.
type Ingestor struct {
	registry   *calls.Registry
	terminator calls.Terminator
	clock      func() time.Time
	log        *slog.Logger
}

func NewIngestor(registry *calls.Registry, terminator calls.Terminator, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		registry:   registry,
		terminator: terminator,
		clock:      time.Now,
		log:        log,
	}
}

// SetClock overrides the time source for deterministic tests.
func (in *Ingestor) SetClock(clock func() time.Time) { in.clock = clock }

// mapCallStatus converts the provider's status string. Twilio's "answered"
// is an alias of in-progress; everything else maps one-to-one.
func mapCallStatus(s string) (calls.CallStatus, bool) {
	if s == "answered" {
		return calls.StatusInProgress, true
	}
	cs := calls.CallStatus(s)
	if cs.Known() {
		return cs, true
	}
	return "", false
}

// HandleStatus applies one lifecycle callback. Answer time and end time are
// stamped here when the provider omits them; the registry derives duration
// once both are present.
func (in *Ingestor) HandleStatus(cb StatusCallback) error {
	now := in.clock().UTC()
	p := calls.Patch{}
	if cb.From != "" {
		p.From = calls.String(cb.From)
	}
	if cb.To != "" {
		p.To = calls.String(cb.To)
	}
	if cb.Direction != "" {
		p.Direction = calls.String(cb.Direction)
	}

	status, ok := mapCallStatus(cb.CallStatus)
	if !ok {
		in.log.Warn("unrecognized call status in webhook",
			"call_sid", cb.CallSID, "status", cb.CallStatus)
	} else {
		p.Status = &status
		if status == calls.StatusInProgress {
			p.StartedAt = &now
		}
		if status.Terminal() {
			p.EndedAt = &now
		}
	}

	_, err := in.registry.Upsert(cb.CallSID, p)
	return err
}

// HandleRecording attaches or updates a recording. The call record is
// created implicitly when the recording callback wins the race with the
// first status callback.
func (in *Ingestor) HandleRecording(cb RecordingCallback) error {
	status := calls.RecordingStatus(cb.RecordingStatus)
	switch status {
	case calls.RecordingPending, calls.RecordingProcessing, calls.RecordingCompleted, calls.RecordingFailed:
	case "in-progress":
		status = calls.RecordingProcessing
	case "absent", "":
		status = calls.RecordingPending
	default:
		in.log.Warn("unrecognized recording status",
			"recording_sid", cb.RecordingSID, "status", cb.RecordingStatus)
		status = calls.RecordingPending
	}

	_, err := in.registry.Upsert(cb.CallSID, calls.Patch{
		Recording: &calls.Recording{
			SID:             cb.RecordingSID,
			Status:          status,
			DurationSeconds: cb.RecordingDuration,
			Channels:        cb.RecordingChannels,
			URL:             cb.RecordingURL,
		},
	})
	return err
}

// HandleMachineDetection records the answered-by classification and hangs up
// outbound calls answered by machines or fax lines: the voice agent has
// nobody to talk to.
func (in *Ingestor) HandleMachineDetection(ctx context.Context, cb MachineDetectionCallback) error {
	p := calls.Patch{AnsweredBy: calls.String(cb.AnsweredBy)}
	if cb.IsMachine() {
		// The machine_* subtype doubles as behavior metadata (beep heard,
		// trailing silence, fax tones).
		p.MachineBehavior = calls.String(cb.AnsweredBy)
	}
	rec, err := in.registry.Upsert(cb.CallSID, p)
	if err != nil {
		return err
	}

	if cb.IsMachine() && !rec.Status.Terminal() && in.terminator != nil {
		in.log.Info("machine answered, terminating call",
			"call_sid", cb.CallSID, "answered_by", cb.AnsweredBy)
		if err := in.terminator.TerminateCall(ctx, cb.CallSID); err != nil {
			// Hang-up is best effort here; the status callback or the
			// activity monitor will close the record either way.
			in.log.Error("early terminate failed", "call_sid", cb.CallSID, "err", err)
		}
	}
	return nil
}

// HandleQuality appends one quality snapshot. Never fails the webhook
// acknowledgement path.
func (in *Ingestor) HandleQuality(cb QualityCallback) error {
	_, err := in.registry.Upsert(cb.CallSID, calls.Patch{
		Quality: &calls.QualitySnapshot{
			Jitter:        cb.Jitter,
			LatencyMS:     cb.LatencyMS,
			PacketLossPct: cb.PacketLossPct,
			MOS:           cb.MOS,
			Warnings:      cb.Warnings,
			MeasuredAt:    in.clock().UTC(),
		},
	})
	return err
}

// HandleFallback marks the call failed with the provider's error code.
func (in *Ingestor) HandleFallback(cb FallbackCallback) error {
	now := in.clock().UTC()
	failed := calls.StatusFailed
	p := calls.Patch{
		Status:  &failed,
		EndedAt: &now,
	}
	if cb.ErrorCode != "" {
		p.ErrorCode = calls.String(cb.ErrorCode)
	}
	if cb.ErrorMessage != "" {
		p.ErrorMessage = calls.String(cb.ErrorMessage)
	} else {
		p.ErrorMessage = calls.String("provider fallback invoked")
	}
	_, err := in.registry.Upsert(cb.CallSID, p)
	return err
}
