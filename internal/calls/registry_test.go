package calls

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/events"
)

type fakeStore struct {
	mu         sync.Mutex
	calls      []Call
	recordings []Recording
	quality    []QualitySnapshot
}

func (s *fakeStore) SaveCall(_ context.Context, c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	return nil
}

func (s *fakeStore) SaveRecording(_ context.Context, rec Recording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordings = append(s.recordings, rec)
	return nil
}

func (s *fakeStore) AppendQualityMetrics(_ context.Context, _ string, q QualitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality = append(s.quality, q)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) sink(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(t string) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) (*Registry, *eventLog, *time.Time) {
	t.Helper()
	now := time.Unix(1700000000, 0).UTC()
	clock := &now
	opts = append([]RegistryOption{WithClock(func() time.Time { return *clock })}, opts...)

	bus := events.NewBus(nil)
	log := &eventLog{}
	if _, err := bus.Subscribe("test-conn", events.ScopeAllCalls, log.sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := bus.Subscribe("test-conn", events.ScopeAllCampaigns, log.sink); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return NewRegistry(bus, nil, opts...), log, clock
}

func TestUpsertRequiresSID(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if _, err := r.Upsert("", StatusPatch(StatusQueued)); err != ErrInvalidSID {
		t.Fatalf("expected ErrInvalidSID, got %v", err)
	}
}

func TestUpsertCreatesUnknownSID(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	c, err := r.Upsert("CA1", StatusPatch(StatusRinging))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if c.SID != "CA1" || c.Status != StatusRinging {
		t.Fatalf("unexpected call: %+v", c)
	}
	if _, ok := r.Get("CA1"); !ok {
		t.Fatalf("expected call to be retrievable")
	}
}

func TestStatusOnlyAdvances(t *testing.T) {
	cases := []struct {
		name string
		from CallStatus
		to   CallStatus
		want CallStatus
	}{
		{"forward", StatusQueued, StatusRinging, StatusRinging},
		{"skip ahead", StatusInitiated, StatusInProgress, StatusInProgress},
		{"backward", StatusInProgress, StatusRinging, StatusInProgress},
		{"terminal stays", StatusCompleted, StatusInProgress, StatusCompleted},
		{"terminal to terminal", StatusCompleted, StatusFailed, StatusCompleted},
		{"same rank no-op", StatusCompleted, StatusCompleted, StatusCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _, _ := newTestRegistry(t)
			if _, err := r.Upsert("CA1", StatusPatch(tc.from)); err != nil {
				t.Fatalf("seed: %v", err)
			}
			c, err := r.Upsert("CA1", StatusPatch(tc.to))
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if c.Status != tc.want {
				t.Fatalf("status = %q, want %q", c.Status, tc.want)
			}
		})
	}
}

func TestUnknownStatusIgnored(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Upsert("CA1", StatusPatch(StatusRinging))

	c, err := r.Upsert("CA1", StatusPatch(CallStatus("exploded")))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if c.Status != StatusRinging {
		t.Fatalf("status = %q, want ringing", c.Status)
	}
}

func TestLateCallbackMergesFieldsWithoutRegressingStatus(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Upsert("CA1", StatusPatch(StatusCompleted))

	p := StatusPatch(StatusInProgress)
	p.From = String("+15550001")
	c, err := r.Upsert("CA1", p)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if c.Status != StatusCompleted {
		t.Fatalf("status regressed to %q", c.Status)
	}
	if c.From != "+15550001" {
		t.Fatalf("from not merged: %+v", c)
	}
}

func TestDurationDerivedFromTimestamps(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	start := time.Unix(1700000000, 0).UTC()
	end := start.Add(185 * time.Second)

	r.Upsert("CA1", Patch{Status: statusPtr(StatusInProgress), StartedAt: &start})
	c, _ := r.Upsert("CA1", Patch{Status: statusPtr(StatusCompleted), EndedAt: &end})

	d, ok := c.Duration()
	if !ok {
		t.Fatalf("expected derived duration")
	}
	if d != 185 {
		t.Fatalf("duration = %d, want 185", d)
	}
}

func TestDurationAbsentWithoutBothTimestamps(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	end := time.Unix(1700000100, 0).UTC()
	c, _ := r.Upsert("CA1", Patch{Status: statusPtr(StatusFailed), EndedAt: &end})
	if _, ok := c.Duration(); ok {
		t.Fatalf("duration derived with no start time: %+v", c)
	}
}

func TestNegativeDurationClampsToZero(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	start := time.Unix(1700000100, 0).UTC()
	end := start.Add(-10 * time.Second)
	r.Upsert("CA1", Patch{StartedAt: &start})
	c, _ := r.Upsert("CA1", Patch{EndedAt: &end})
	if d, ok := c.Duration(); !ok || d != 0 {
		t.Fatalf("duration = %v %v, want 0 true", d, ok)
	}
}

func TestTimestampsFirstWriterWins(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	first := time.Unix(1700000000, 0).UTC()
	second := first.Add(30 * time.Second)

	r.Upsert("CA1", Patch{StartedAt: &first})
	c, _ := r.Upsert("CA1", Patch{StartedAt: &second})
	if !c.StartedAt.Equal(first) {
		t.Fatalf("started_at moved: %v", c.StartedAt)
	}
}

func TestLifecycleEmitsOneEventPerObservableChange(t *testing.T) {
	r, log, _ := newTestRegistry(t)

	start := time.Unix(1700000010, 0).UTC()
	end := start.Add(42 * time.Second)
	r.Upsert("CA1", StatusPatch(StatusInitiated))
	r.Upsert("CA1", StatusPatch(StatusRinging))
	r.Upsert("CA1", Patch{Status: statusPtr(StatusInProgress), StartedAt: &start})
	r.Upsert("CA1", Patch{Status: statusPtr(StatusCompleted), EndedAt: &end})

	got := log.ofType(EventCallUpdate)
	if len(got) != 4 {
		t.Fatalf("call_update count = %d, want 4", len(got))
	}
	last, ok := got[3].Payload.(CallChange)
	if !ok {
		t.Fatalf("unexpected payload type %T", got[3].Payload)
	}
	if !last.StatusChanged || last.PreviousStatus != StatusInProgress {
		t.Fatalf("unexpected final change: %+v", last)
	}
}

func TestDuplicateTerminalCallbackEmitsNothing(t *testing.T) {
	r, log, _ := newTestRegistry(t)
	r.Upsert("CA1", StatusPatch(StatusCompleted))
	before := len(log.ofType(EventCallUpdate))

	r.Upsert("CA1", StatusPatch(StatusCompleted))
	if after := len(log.ofType(EventCallUpdate)); after != before {
		t.Fatalf("duplicate terminal emitted %d extra events", after-before)
	}
}

func TestRecordingBeforeStatusCreatesCall(t *testing.T) {
	r, log, _ := newTestRegistry(t)

	_, err := r.Upsert("CA1", Patch{Recording: &Recording{SID: "RE1", Status: RecordingProcessing}})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	c, ok := r.Get("CA1")
	if !ok || len(c.Recordings) != 1 {
		t.Fatalf("expected implicit call with one recording: %+v", c)
	}
	if n := len(log.ofType(EventRecordingUpdate)); n != 1 {
		t.Fatalf("recording_update count = %d, want 1", n)
	}
	if n := len(log.ofType(EventCallUpdate)); n != 0 {
		t.Fatalf("recording-only patch emitted %d call_update events", n)
	}

	// Status arriving afterwards merges into the same record.
	c, _ = r.Upsert("CA1", StatusPatch(StatusInProgress))
	if c.Status != StatusInProgress || len(c.Recordings) != 1 {
		t.Fatalf("merge lost recording: %+v", c)
	}
}

func TestRecordingUpdatesInPlaceAndAccumulates(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	r.Upsert("CA1", Patch{Recording: &Recording{SID: "RE1", Status: RecordingProcessing}})
	c, _ := r.Upsert("CA1", Patch{Recording: &Recording{SID: "RE1", Status: RecordingCompleted, DurationSeconds: 12, URL: "https://api.example.com/RE1"}})
	if len(c.Recordings) != 1 {
		t.Fatalf("same-sid recording duplicated: %+v", c.Recordings)
	}
	if rec := c.Recordings[0]; rec.Status != RecordingCompleted || rec.DurationSeconds != 12 {
		t.Fatalf("recording not updated: %+v", rec)
	}

	// Rank gating: completed never regresses to processing.
	c, _ = r.Upsert("CA1", Patch{Recording: &Recording{SID: "RE1", Status: RecordingProcessing}})
	if c.Recordings[0].Status != RecordingCompleted {
		t.Fatalf("recording status regressed: %+v", c.Recordings[0])
	}

	c, _ = r.Upsert("CA1", Patch{Recording: &Recording{SID: "RE2"}})
	if len(c.Recordings) != 2 {
		t.Fatalf("second recording not appended: %+v", c.Recordings)
	}
	if c.Recordings[1].Status != RecordingPending {
		t.Fatalf("missing status should default to pending: %+v", c.Recordings[1])
	}
}

func TestQualitySnapshotsAppendAndFanOut(t *testing.T) {
	r, log, _ := newTestRegistry(t)
	r.Upsert("CA1", StatusPatch(StatusInProgress))
	before := len(log.ofType(EventCallUpdate))

	r.Upsert("CA1", Patch{Quality: &QualitySnapshot{LatencyMS: 120, MOS: 4.1}})
	c, _ := r.Upsert("CA1", Patch{Quality: &QualitySnapshot{LatencyMS: 340, MOS: 3.2}})

	if len(c.Quality) != 2 {
		t.Fatalf("quality snapshots = %d, want 2", len(c.Quality))
	}
	if c.Quality[0].MeasuredAt.IsZero() {
		t.Fatalf("measured_at not defaulted")
	}
	if after := len(log.ofType(EventCallUpdate)); after != before+2 {
		t.Fatalf("quality appends emitted %d events, want 2", after-before)
	}
}

func TestCampaignEventsAccompanyCallUpdates(t *testing.T) {
	r, log, _ := newTestRegistry(t)

	p := StatusPatch(StatusInitiated)
	p.CampaignID = String("cmp-7")
	r.Upsert("CA1", p)

	got := log.ofType(EventCampaignUpdate)
	if len(got) != 1 {
		t.Fatalf("campaign_update count = %d, want 1", len(got))
	}
	if id, _ := got[0].Scope.CampaignID(); id != "cmp-7" {
		t.Fatalf("unexpected scope %q", got[0].Scope)
	}
}

func TestOnTerminalFiresExactlyOnce(t *testing.T) {
	var fired []CallStatus
	r, _, _ := newTestRegistry(t, WithOnTerminal(func(c Call) {
		fired = append(fired, c.Status)
	}))

	r.Upsert("CA1", StatusPatch(StatusInProgress))
	r.Upsert("CA1", StatusPatch(StatusCompleted))
	r.Upsert("CA1", StatusPatch(StatusCompleted))
	r.Upsert("CA1", StatusPatch(StatusFailed))

	if len(fired) != 1 || fired[0] != StatusCompleted {
		t.Fatalf("onTerminal fired %v, want one completed", fired)
	}
}

func TestListActiveFiltersAndOrders(t *testing.T) {
	r, _, clock := newTestRegistry(t)

	t1 := clock.Add(1 * time.Minute)
	t2 := clock.Add(2 * time.Minute)
	r.Upsert("CA-old", Patch{Status: statusPtr(StatusInProgress), StartedAt: &t1})
	r.Upsert("CA-new", Patch{Status: statusPtr(StatusInProgress), StartedAt: &t2})
	r.Upsert("CA-done", StatusPatch(StatusCompleted))
	r.Upsert("CA-ring", StatusPatch(StatusRinging))

	active := r.ListActive(nil)
	if len(active) != 3 {
		t.Fatalf("active count = %d, want 3", len(active))
	}
	if active[0].SID != "CA-new" || active[1].SID != "CA-old" {
		t.Fatalf("unexpected order: %s, %s", active[0].SID, active[1].SID)
	}

	ringing := r.ListActive([]CallStatus{StatusRinging})
	if len(ringing) != 1 || ringing[0].SID != "CA-ring" {
		t.Fatalf("filter returned %+v", ringing)
	}
}

func TestActiveCampaigns(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	for _, sid := range []string{"CA1", "CA2"} {
		p := StatusPatch(StatusInProgress)
		p.CampaignID = String("cmp-a")
		r.Upsert(sid, p)
	}
	p := StatusPatch(StatusRinging)
	p.CampaignID = String("cmp-b")
	r.Upsert("CA3", p)
	r.Upsert("CA4", StatusPatch(StatusInProgress))

	got := r.ActiveCampaigns()
	if len(got) != 2 {
		t.Fatalf("campaigns = %+v, want 2", got)
	}
	if got[0].CampaignID != "cmp-a" || got[0].ActiveCalls != 2 {
		t.Fatalf("unexpected summary: %+v", got[0])
	}
	if got[1].CampaignID != "cmp-b" || got[1].ActiveCalls != 1 {
		t.Fatalf("unexpected summary: %+v", got[1])
	}
}

func TestStateForScopes(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	p := StatusPatch(StatusInProgress)
	p.CampaignID = String("cmp-a")
	r.Upsert("CA1", p)

	ev, ok := r.StateFor(events.CallScope("CA1"))
	if !ok || ev.Type != EventCallState {
		t.Fatalf("call state: ok=%v type=%q", ok, ev.Type)
	}
	if c, ok := ev.Payload.(Call); !ok || c.SID != "CA1" {
		t.Fatalf("unexpected payload: %+v", ev.Payload)
	}

	if _, ok := r.StateFor(events.CallScope("CA-missing")); ok {
		t.Fatalf("expected no state for unknown call")
	}

	ev, ok = r.StateFor(events.CampaignScope("cmp-a"))
	if !ok || ev.Type != EventCampaignState {
		t.Fatalf("campaign state: ok=%v type=%q", ok, ev.Type)
	}
	if sum, ok := ev.Payload.(CampaignSummary); !ok || sum.ActiveCalls != 1 {
		t.Fatalf("unexpected payload: %+v", ev.Payload)
	}
}

func TestEvictTerminalHonorsRetention(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	start := *clock

	r.Upsert("CA-done", StatusPatch(StatusCompleted))
	r.Upsert("CA-live", StatusPatch(StatusInProgress))

	*clock = start.Add(2 * time.Minute)
	if n := r.EvictTerminal(5 * time.Minute); n != 0 {
		t.Fatalf("evicted %d inside retention", n)
	}

	*clock = start.Add(10 * time.Minute)
	if n := r.EvictTerminal(5 * time.Minute); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, ok := r.Get("CA-done"); ok {
		t.Fatalf("terminal call survived eviction")
	}
	if _, ok := r.Get("CA-live"); !ok {
		t.Fatalf("live call was evicted")
	}
}

func TestTouchActivityOnlyMovesLastActivity(t *testing.T) {
	r, log, clock := newTestRegistry(t)
	start := *clock
	r.Upsert("CA1", StatusPatch(StatusInProgress))
	before := len(log.ofType(EventCallUpdate))

	*clock = start.Add(30 * time.Second)
	r.TouchActivity("CA1")

	c, _ := r.Get("CA1")
	if !c.LastActivityAt.Equal(start.Add(30 * time.Second)) {
		t.Fatalf("last_activity_at = %v", c.LastActivityAt)
	}
	if c.Status != StatusInProgress {
		t.Fatalf("touch mutated status: %q", c.Status)
	}
	if after := len(log.ofType(EventCallUpdate)); after != before {
		t.Fatalf("touch emitted events")
	}
}

func TestWriteThroughPersistsCallsAndRecordings(t *testing.T) {
	st := &fakeStore{}
	r, _, _ := newTestRegistry(t, WithStore(st))

	r.Upsert("CA1", StatusPatch(StatusInProgress))
	r.Upsert("CA1", Patch{Recording: &Recording{SID: "RE1", Status: RecordingCompleted}})
	r.Upsert("CA1", Patch{Quality: &QualitySnapshot{MOS: 4.2}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		st.mu.Lock()
		calls, recs, qual := len(st.calls), len(st.recordings), len(st.quality)
		st.mu.Unlock()
		if calls >= 1 && recs >= 1 && qual >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("write-through incomplete: %d calls, %d recordings, %d quality", calls, recs, qual)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Upsert publishes while holding the per-call entry lock, and Subscribe on a
// concrete scope resolves current state through the registry. Those two paths
// racing on the same call must never wedge.
func TestConcurrentSubscribeAndUpsertComplete(t *testing.T) {
	bus := events.NewBus(nil)
	r := NewRegistry(bus, nil)
	bus.SetStateProvider(r.StateFor)

	r.Upsert("CA1", StatusPatch(StatusInProgress))

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					r.Upsert("CA1", Patch{Quality: &QualitySnapshot{MOS: 4.0}})
				}
			}()
			go func(n int) {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					h, err := bus.Subscribe(fmt.Sprintf("conn-%d-%d", n, j),
						events.CallScope("CA1"), func(events.Event) {})
					if err != nil {
						panic(err)
					}
					bus.Unsubscribe(h)
				}
			}(i)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("subscribe racing upsert on one call never completed")
	}
}

func TestConcurrentUpsertsConverge(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, s := range []CallStatus{StatusQueued, StatusRinging, StatusInProgress, StatusCompleted} {
				r.Upsert("CA1", StatusPatch(s))
			}
		}()
	}
	wg.Wait()

	c, _ := r.Get("CA1")
	if c.Status != StatusCompleted {
		t.Fatalf("converged to %q, want completed", c.Status)
	}
}

func statusPtr(s CallStatus) *CallStatus { return &s }
