package telephony

import (
	"context"
	"testing"
	"time"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/calls"
	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/events"
)

type recordTerminator struct {
	sids []string
	err  error
}

func (f *recordTerminator) TerminateCall(_ context.Context, sid string) error {
	f.sids = append(f.sids, sid)
	return f.err
}

func newTestIngestor(t *testing.T, term calls.Terminator) (*Ingestor, *calls.Registry, *time.Time) {
	t.Helper()
	now := time.Unix(1700000000, 0).UTC()
	clock := &now
	tick := func() time.Time { return *clock }

	registry := calls.NewRegistry(events.NewBus(nil), nil, calls.WithClock(tick))
	in := NewIngestor(registry, term, nil)
	in.SetClock(tick)
	return in, registry, clock
}

func TestHandleStatusStampsAnswerAndEndTimes(t *testing.T) {
	in, registry, clock := newTestIngestor(t, nil)
	answered := *clock

	err := in.HandleStatus(StatusCallback{
		CallSID:    "CA1",
		From:       "+15550001",
		To:         "+15550002",
		Direction:  "outbound-api",
		CallStatus: "in-progress",
	})
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	*clock = answered.Add(185 * time.Second)
	if err := in.HandleStatus(StatusCallback{CallSID: "CA1", CallStatus: "completed"}); err != nil {
		t.Fatalf("status: %v", err)
	}

	c, _ := registry.Get("CA1")
	if c.Status != calls.StatusCompleted {
		t.Fatalf("status = %q", c.Status)
	}
	if c.StartedAt == nil || !c.StartedAt.Equal(answered) {
		t.Fatalf("started_at = %v", c.StartedAt)
	}
	if c.EndedAt == nil || !c.EndedAt.Equal(answered.Add(185*time.Second)) {
		t.Fatalf("ended_at = %v", c.EndedAt)
	}
	if d, ok := c.Duration(); !ok || d != 185 {
		t.Fatalf("duration = %v %v", d, ok)
	}
	if c.From != "+15550001" || c.Direction != "outbound-api" {
		t.Fatalf("identity fields: %+v", c)
	}
}

func TestHandleStatusMapsAnsweredAlias(t *testing.T) {
	in, registry, _ := newTestIngestor(t, nil)
	if err := in.HandleStatus(StatusCallback{CallSID: "CA1", CallStatus: "answered"}); err != nil {
		t.Fatalf("status: %v", err)
	}
	c, _ := registry.Get("CA1")
	if c.Status != calls.StatusInProgress {
		t.Fatalf("status = %q, want in-progress", c.Status)
	}
}

func TestHandleStatusUnknownStatusStillMergesFields(t *testing.T) {
	in, registry, _ := newTestIngestor(t, nil)
	if err := in.HandleStatus(StatusCallback{CallSID: "CA1", CallStatus: "weird", From: "+1555"}); err != nil {
		t.Fatalf("status: %v", err)
	}
	c, ok := registry.Get("CA1")
	if !ok || c.From != "+1555" {
		t.Fatalf("fields not merged: %+v", c)
	}
}

func TestHandleRecordingNormalizesStatus(t *testing.T) {
	cases := []struct {
		wire string
		want calls.RecordingStatus
	}{
		{"completed", calls.RecordingCompleted},
		{"processing", calls.RecordingProcessing},
		{"in-progress", calls.RecordingProcessing},
		{"absent", calls.RecordingPending},
		{"", calls.RecordingPending},
		{"???", calls.RecordingPending},
	}
	for _, tc := range cases {
		in, registry, _ := newTestIngestor(t, nil)
		err := in.HandleRecording(RecordingCallback{CallSID: "CA1", RecordingSID: "RE1", RecordingStatus: tc.wire})
		if err != nil {
			t.Fatalf("recording %q: %v", tc.wire, err)
		}
		c, _ := registry.Get("CA1")
		if len(c.Recordings) != 1 || c.Recordings[0].Status != tc.want {
			t.Fatalf("status %q mapped to %+v, want %q", tc.wire, c.Recordings, tc.want)
		}
	}
}

func TestHandleMachineDetectionTerminatesMachines(t *testing.T) {
	term := &recordTerminator{}
	in, registry, _ := newTestIngestor(t, term)
	in.HandleStatus(StatusCallback{CallSID: "CA1", CallStatus: "in-progress"})

	err := in.HandleMachineDetection(context.Background(), MachineDetectionCallback{
		CallSID: "CA1", AnsweredBy: "machine_end_beep",
	})
	if err != nil {
		t.Fatalf("amd: %v", err)
	}
	if len(term.sids) != 1 || term.sids[0] != "CA1" {
		t.Fatalf("terminator calls = %v", term.sids)
	}
	c, _ := registry.Get("CA1")
	if c.AnsweredBy != "machine_end_beep" || c.MachineBehavior != "machine_end_beep" {
		t.Fatalf("classification: %+v", c)
	}
}

func TestHandleMachineDetectionLeavesHumansAlone(t *testing.T) {
	term := &recordTerminator{}
	in, registry, _ := newTestIngestor(t, term)
	in.HandleStatus(StatusCallback{CallSID: "CA1", CallStatus: "in-progress"})

	if err := in.HandleMachineDetection(context.Background(), MachineDetectionCallback{CallSID: "CA1", AnsweredBy: "human"}); err != nil {
		t.Fatalf("amd: %v", err)
	}
	if len(term.sids) != 0 {
		t.Fatalf("human answer triggered terminate: %v", term.sids)
	}
	c, _ := registry.Get("CA1")
	if c.AnsweredBy != "human" || c.MachineBehavior != "" {
		t.Fatalf("classification: %+v", c)
	}
}

func TestHandleMachineDetectionSkipsEndedCalls(t *testing.T) {
	term := &recordTerminator{}
	in, _, _ := newTestIngestor(t, term)
	in.HandleStatus(StatusCallback{CallSID: "CA1", CallStatus: "completed"})

	in.HandleMachineDetection(context.Background(), MachineDetectionCallback{CallSID: "CA1", AnsweredBy: "machine_start"})
	if len(term.sids) != 0 {
		t.Fatalf("terminate issued for ended call: %v", term.sids)
	}
}

func TestHandleQualityAppendsSnapshot(t *testing.T) {
	in, registry, clock := newTestIngestor(t, nil)
	in.HandleStatus(StatusCallback{CallSID: "CA1", CallStatus: "in-progress"})

	err := in.HandleQuality(QualityCallback{
		CallSID: "CA1", Jitter: 8, LatencyMS: 120, PacketLossPct: 0.5, MOS: 4.2,
		Warnings: []string{"high-jitter"},
	})
	if err != nil {
		t.Fatalf("quality: %v", err)
	}
	c, _ := registry.Get("CA1")
	if len(c.Quality) != 1 {
		t.Fatalf("quality = %+v", c.Quality)
	}
	q := c.Quality[0]
	if q.MOS != 4.2 || !q.MeasuredAt.Equal(*clock) {
		t.Fatalf("snapshot: %+v", q)
	}
}

func TestHandleFallbackFailsCall(t *testing.T) {
	in, registry, _ := newTestIngestor(t, nil)
	in.HandleStatus(StatusCallback{CallSID: "CA1", CallStatus: "ringing"})

	err := in.HandleFallback(FallbackCallback{CallSID: "CA1", ErrorCode: "11200"})
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	c, _ := registry.Get("CA1")
	if c.Status != calls.StatusFailed || c.ErrorCode != "11200" {
		t.Fatalf("call: %+v", c)
	}
	if c.ErrorMessage != "provider fallback invoked" {
		t.Fatalf("default message: %q", c.ErrorMessage)
	}
	if c.EndedAt == nil {
		t.Fatalf("ended_at not stamped")
	}
}
