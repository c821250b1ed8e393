package calls

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/camtang26/creative-ai-voice-platform-sub006/internal/events"
)

var ErrInvalidSID = errors.New("calls: call sid is required")

// Store is the write-through contract to durable storage. Implementations
// must be idempotent; the registry treats persistence as best-effort and
// never fails a mutation on a store error.
type Store interface {
	SaveCall(ctx context.Context, c Call) error
	SaveRecording(ctx context.Context, rec Recording) error
	AppendQualityMetrics(ctx context.Context, callSID string, q QualitySnapshot) error
}

// Event types emitted by the registry.
const (
	EventCallUpdate      = "call_update"
	EventCallState       = "call_state"
	EventRecordingUpdate = "recording_update"
	EventCampaignUpdate  = "campaign_update"
	EventCampaignState   = "campaign_state"
)

// CallChange is the payload of a call_update event: the full updated record
// plus the status it transitioned from, so consumers can render transitions
// without diffing.
type CallChange struct {
	Call           Call       `json:"call"`
	PreviousStatus CallStatus `json:"previous_status,omitempty"`
	StatusChanged  bool       `json:"status_changed"`
}

type entry struct {
	mu   sync.Mutex
	call Call
}

// Registry holds the authoritative state for all tracked calls and is the
// single funnel every mutation passes through, whether provider-driven
// (webhooks) or internal (activity monitor, manual termination).
//
// Locking: a RWMutex guards the sid→entry map; each entry carries its own
// mutex so concurrent upserts for different calls never contend. Fan-out is
// published while the entry lock is held, which serializes events per call;
// bus sinks are non-blocking so no network I/O ever happens under a lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	bus   *events.Bus
	store Store
	log   *slog.Logger
	clock func() time.Time

	// onTerminal fires exactly once per call, on its first transition into
	// a terminal status. Used to release campaign concurrency slots.
	onTerminal func(Call)
}

type RegistryOption func(*Registry)

func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

func WithStore(s Store) RegistryOption {
	return func(r *Registry) { r.store = s }
}

func WithOnTerminal(fn func(Call)) RegistryOption {
	return func(r *Registry) { r.onTerminal = fn }
}

func NewRegistry(bus *events.Bus, log *slog.Logger, opts ...RegistryOption) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		entries: make(map[string]*entry),
		bus:     bus,
		log:     log,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert merges patch into the record for sid, creating it if absent.
// Unknown sids are created implicitly because provider callbacks can arrive
// before the call-placement acknowledgement. Returns the resulting record
// snapshot.
func (r *Registry) Upsert(sid string, p Patch) (Call, error) {
	if sid == "" {
		return Call{}, ErrInvalidSID
	}
	now := r.clock().UTC()
	e := r.entryFor(sid, now)

	e.mu.Lock()
	prevStatus := e.call.Status
	wasTerminal := prevStatus.Terminal()

	res := r.merge(&e.call, p, now)

	e.call.LastActivityAt = now
	if res.fieldsChanged || res.recording != nil {
		e.call.UpdatedAt = now
	}
	snap := cloneCall(e.call)

	// Publish before releasing the entry lock so events for one call are
	// observed in mutation order.
	if r.bus != nil {
		if res.fieldsChanged {
			r.bus.Publish(events.Event{
				Type:       EventCallUpdate,
				Scope:      events.CallScope(sid),
				ResourceID: sid,
				Timestamp:  now,
				Payload: CallChange{
					Call:           snap,
					PreviousStatus: prevStatus,
					StatusChanged:  res.statusChanged,
				},
			})
			if snap.CampaignID != "" {
				r.bus.Publish(events.Event{
					Type:       EventCampaignUpdate,
					Scope:      events.CampaignScope(snap.CampaignID),
					ResourceID: snap.CampaignID,
					Timestamp:  now,
					Payload:    snap,
				})
			}
		}
		if res.recording != nil {
			r.bus.Publish(events.Event{
				Type:       EventRecordingUpdate,
				Scope:      events.CallScope(sid),
				ResourceID: sid,
				Timestamp:  now,
				Payload:    *res.recording,
			})
		}
	}
	e.mu.Unlock()

	if res.fieldsChanged || res.recording != nil {
		r.writeThrough(snap, res.recording, res.quality)
	}
	if !wasTerminal && snap.Status.Terminal() && r.onTerminal != nil {
		r.onTerminal(snap)
	}
	return snap, nil
}

// Get returns a snapshot of one call. Unknown sids are not an error.
func (r *Registry) Get(sid string) (Call, bool) {
	r.mu.RLock()
	e, ok := r.entries[sid]
	r.mu.RUnlock()
	if !ok {
		return Call{}, false
	}
	e.mu.Lock()
	snap := cloneCall(e.call)
	e.mu.Unlock()
	return snap, true
}

// ListActive returns a snapshot of calls whose status is in filter (default:
// non-terminal), ordered by start time descending. The slice does not
// reflect later mutations.
func (r *Registry) ListActive(filter []CallStatus) []Call {
	if filter == nil {
		filter = NonTerminalStatuses()
	}
	want := make(map[CallStatus]struct{}, len(filter))
	for _, s := range filter {
		want[s] = struct{}{}
	}

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Call, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if _, ok := want[e.call.Status]; ok {
			out = append(out, cloneCall(e.call))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return sortKey(out[i]).After(sortKey(out[j]))
	})
	return out
}

// ActiveCampaigns groups the active view by campaign.
func (r *Registry) ActiveCampaigns() []CampaignSummary {
	counts := make(map[string]int)
	for _, c := range r.ListActive(nil) {
		if c.CampaignID != "" {
			counts[c.CampaignID]++
		}
	}
	out := make([]CampaignSummary, 0, len(counts))
	for id, n := range counts {
		out = append(out, CampaignSummary{CampaignID: id, ActiveCalls: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out
}

// TouchActivity refreshes the last-activity timestamp without altering any
// other field. Liveness signals (mid-call media pings, AI session keepalives)
// use this so the activity monitor does not reap a healthy call.
func (r *Registry) TouchActivity(sid string) {
	if sid == "" {
		return
	}
	now := r.clock().UTC()
	e := r.entryFor(sid, now)
	e.mu.Lock()
	e.call.LastActivityAt = now
	e.mu.Unlock()
}

// StateFor resolves the synthetic current-state event delivered to new
// subscribers of a concrete scope.
func (r *Registry) StateFor(scope events.Scope) (events.Event, bool) {
	if sid, ok := scope.CallID(); ok {
		c, found := r.Get(sid)
		if !found {
			return events.Event{}, false
		}
		return events.Event{
			Type:       EventCallState,
			Scope:      scope,
			ResourceID: sid,
			Timestamp:  r.clock().UTC(),
			Payload:    c,
		}, true
	}
	if id, ok := scope.CampaignID(); ok {
		n := 0
		for _, c := range r.ListActive(nil) {
			if c.CampaignID == id {
				n++
			}
		}
		return events.Event{
			Type:       EventCampaignState,
			Scope:      scope,
			ResourceID: id,
			Timestamp:  r.clock().UTC(),
			Payload:    CampaignSummary{CampaignID: id, ActiveCalls: n},
		}, true
	}
	return events.Event{}, false
}

// EvictTerminal drops terminal calls whose end time is older than retention,
// bounding the in-memory map. The historical store keeps the full record.
func (r *Registry) EvictTerminal(retention time.Duration) int {
	cutoff := r.clock().UTC().Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for sid, e := range r.entries {
		e.mu.Lock()
		gone := e.call.Status.Terminal() && e.call.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if gone {
			delete(r.entries, sid)
			evicted++
		}
	}
	return evicted
}

func (r *Registry) entryFor(sid string, now time.Time) *entry {
	r.mu.RLock()
	e, ok := r.entries[sid]
	r.mu.RUnlock()
	if ok {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[sid]; ok {
		return e
	}
	e = &entry{call: Call{
		SID:            sid,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}}
	r.entries[sid] = e
	return e
}

type mergeResult struct {
	fieldsChanged bool
	statusChanged bool
	recording     *Recording
	quality       *QualitySnapshot
}

// merge applies p to c in place. Caller holds the entry lock.
func (r *Registry) merge(c *Call, p Patch, now time.Time) mergeResult {
	var res mergeResult

	if p.Status != nil {
		next := *p.Status
		switch {
		case !next.Known():
			r.log.Warn("ignoring unknown call status", "call_sid", c.SID, "status", string(next))
		case statusRank[next] > statusRank[c.Status]:
			c.Status = next
			res.fieldsChanged = true
			res.statusChanged = true
		case next != c.Status && c.Status.Terminal():
			// Late or out-of-order callback after the call ended. Status
			// stays put; other fields in this patch still merge.
			r.log.Info("ignoring status regression on terminal call",
				"call_sid", c.SID, "status", string(c.Status), "reported", string(next))
		}
	}

	setString := func(dst *string, src *string) {
		if src != nil && *src != "" && *src != *dst {
			*dst = *src
			res.fieldsChanged = true
		}
	}
	setString(&c.Direction, p.Direction)
	setString(&c.From, p.From)
	setString(&c.To, p.To)
	setString(&c.AnsweredBy, p.AnsweredBy)
	setString(&c.MachineBehavior, p.MachineBehavior)
	setString(&c.ConversationID, p.ConversationID)
	setString(&c.TranscriptSummary, p.TranscriptSummary)
	setString(&c.CampaignID, p.CampaignID)
	setString(&c.ErrorCode, p.ErrorCode)
	setString(&c.ErrorMessage, p.ErrorMessage)

	if p.StartedAt != nil && c.StartedAt == nil {
		t := p.StartedAt.UTC()
		c.StartedAt = &t
		res.fieldsChanged = true
	}
	if p.EndedAt != nil && c.EndedAt == nil {
		t := p.EndedAt.UTC()
		c.EndedAt = &t
		res.fieldsChanged = true
	}
	if c.StartedAt != nil && c.EndedAt != nil && c.DurationSeconds == nil {
		d := int(c.EndedAt.Sub(*c.StartedAt) / time.Second)
		if d < 0 {
			d = 0
		}
		c.DurationSeconds = &d
		res.fieldsChanged = true
	}

	if p.Recording != nil {
		if rec := mergeRecording(c, *p.Recording, now); rec != nil {
			res.recording = rec
		}
	}
	if p.Quality != nil {
		q := *p.Quality
		if q.MeasuredAt.IsZero() {
			q.MeasuredAt = now
		}
		c.Quality = append(c.Quality, q)
		res.fieldsChanged = true
		res.quality = &q
	}

	return res
}

// mergeRecording appends a new recording or updates an existing one in
// place. Returns the resulting recording when something changed.
func mergeRecording(c *Call, rec Recording, now time.Time) *Recording {
	rec.CallSID = c.SID
	if rec.Status == "" {
		rec.Status = RecordingPending
	}
	for i := range c.Recordings {
		if c.Recordings[i].SID != rec.SID {
			continue
		}
		cur := &c.Recordings[i]
		changed := false
		if recordingRank[rec.Status] > recordingRank[cur.Status] {
			cur.Status = rec.Status
			changed = true
		}
		if rec.DurationSeconds > 0 && rec.DurationSeconds != cur.DurationSeconds {
			cur.DurationSeconds = rec.DurationSeconds
			changed = true
		}
		if rec.Channels > 0 && rec.Channels != cur.Channels {
			cur.Channels = rec.Channels
			changed = true
		}
		if rec.URL != "" && rec.URL != cur.URL {
			cur.URL = rec.URL
			changed = true
		}
		if !changed {
			return nil
		}
		cur.UpdatedAt = now
		out := *cur
		return &out
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	c.Recordings = append(c.Recordings, rec)
	out := rec
	return &out
}

// writeThrough persists the snapshot off the mutation path. Errors are
// logged, never surfaced: the in-memory view is authoritative and the store
// is eventually consistent.
func (r *Registry) writeThrough(snap Call, rec *Recording, q *QualitySnapshot) {
	if r.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.SaveCall(ctx, snap); err != nil {
			r.log.Error("call write-through failed", "call_sid", snap.SID, "err", err)
		}
		if rec != nil {
			if err := r.store.SaveRecording(ctx, *rec); err != nil {
				r.log.Error("recording write-through failed", "recording_sid", rec.SID, "err", err)
			}
		}
		if q != nil {
			if err := r.store.AppendQualityMetrics(ctx, snap.SID, *q); err != nil {
				r.log.Error("quality write-through failed", "call_sid", snap.SID, "err", err)
			}
		}
	}()
}

func cloneCall(c Call) Call {
	out := c
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	if c.DurationSeconds != nil {
		d := *c.DurationSeconds
		out.DurationSeconds = &d
	}
	if len(c.Recordings) > 0 {
		out.Recordings = make([]Recording, len(c.Recordings))
		copy(out.Recordings, c.Recordings)
	}
	if len(c.Quality) > 0 {
		out.Quality = make([]QualitySnapshot, len(c.Quality))
		copy(out.Quality, c.Quality)
	}
	return out
}

func sortKey(c Call) time.Time {
	if c.StartedAt != nil {
		return *c.StartedAt
	}
	return c.CreatedAt
}
