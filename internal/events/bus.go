package events

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scope names the resource granularity of a subscription or an event.
// Concrete scopes look like "call:CA123" or "campaign:42"; the broad scopes
// "all-calls" and "all-campaigns" match every concrete scope of their kind.
type Scope string

const (
	ScopeAllCalls     Scope = "all-calls"
	ScopeAllCampaigns Scope = "all-campaigns"
)

const (
	callPrefix     = "call:"
	campaignPrefix = "campaign:"
)

func CallScope(callSID string) Scope { return Scope(callPrefix + callSID) }

func CampaignScope(campaignID string) Scope { return Scope(campaignPrefix + campaignID) }

// CallID returns the call SID for a concrete call scope.
func (s Scope) CallID() (string, bool) {
	if strings.HasPrefix(string(s), callPrefix) {
		return strings.TrimPrefix(string(s), callPrefix), true
	}
	return "", false
}

// CampaignID returns the campaign id for a concrete campaign scope.
func (s Scope) CampaignID() (string, bool) {
	if strings.HasPrefix(string(s), campaignPrefix) {
		return strings.TrimPrefix(string(s), campaignPrefix), true
	}
	return "", false
}

// Valid reports whether s is a subscribable scope.
func (s Scope) Valid() bool {
	if s == ScopeAllCalls || s == ScopeAllCampaigns {
		return true
	}
	if id, ok := s.CallID(); ok {
		return id != ""
	}
	if id, ok := s.CampaignID(); ok {
		return id != ""
	}
	return false
}

// Matches reports whether a subscription on scope s should receive an event
// published on scope ev.
func (s Scope) Matches(ev Scope) bool {
	if s == ev {
		return true
	}
	if s == ScopeAllCalls {
		return strings.HasPrefix(string(ev), callPrefix)
	}
	if s == ScopeAllCampaigns {
		return strings.HasPrefix(string(ev), campaignPrefix)
	}
	return false
}

// Event is one fan-out message describing a state change.
type Event struct {
	Type       string    `json:"type"`
	Scope      Scope     `json:"-"`
	ResourceID string    `json:"resourceId"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload,omitempty"`
}

// Sink receives events for one connection. Sinks must not block: the bus
// invokes them synchronously on the publisher's goroutine.
type Sink func(Event)

// StateProvider resolves the current state of a concrete resource scope so a
// new subscriber gets a synthetic snapshot event immediately on subscribe.
type StateProvider func(scope Scope) (Event, bool)

type subscription struct {
	id     string
	connID string
	scope  Scope
	sink   Sink
}

// Bus routes published events to matching subscriptions.
//
// Ordering: Publish holds the bus lock through sink invocation, so for a
// given scope every subscriber observes events in publish order. Delivery is
// deduplicated per connection: a connection subscribed to both "all-calls"
// and "call:X" sees each event once.
type Bus struct {
	mu    sync.Mutex
	subs  map[string]*subscription
	state StateProvider
	log   *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[string]*subscription), log: log}
}

// SetStateProvider installs the resolver used for synthetic subscribe-time
// snapshots. Must be called before subscribers attach.
func (b *Bus) SetStateProvider(sp StateProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = sp
}

// Subscribe registers interest and returns an opaque handle for Unsubscribe.
// For a concrete scope the current state is delivered synchronously before
// Subscribe returns, closing the race between subscribing and the first
// real mutation.
func (b *Bus) Subscribe(connID string, scope Scope, sink Sink) (string, error) {
	if !scope.Valid() {
		return "", ErrInvalidScope
	}
	if sink == nil {
		return "", ErrNilSink
	}

	sub := &subscription{
		id:     uuid.NewString(),
		connID: connID,
		scope:  scope,
		sink:   sink,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	state := b.state
	b.mu.Unlock()

	// Synthetic current-state event for concrete scopes only; broad scopes
	// get their snapshot from the transport's connect-time snapshot message.
	// Resolved outside the bus lock: the provider reads registry state whose
	// locks are held across Publish, so resolving under the bus lock would
	// invert the lock order against a concurrent publisher.
	if state != nil {
		if _, ok := scope.CallID(); ok {
			if ev, found := state(scope); found {
				sink(ev)
			}
		} else if _, ok := scope.CampaignID(); ok {
			if ev, found := state(scope); found {
				sink(ev)
			}
		}
	}

	return sub.id, nil
}

func (b *Bus) Unsubscribe(handle string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, handle)
}

// DropConnection removes every subscription owned by a connection. Called on
// transport teardown; subscriptions never survive a disconnect.
func (b *Bus) DropConnection(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if sub.connID == connID {
			delete(b.subs, id)
		}
	}
}

// Publish fans ev out to every subscription whose scope matches, at most once
// per connection. It never blocks on slow consumers; sinks enqueue into
// bounded per-connection queues.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := make(map[string]struct{}, len(b.subs))
	for _, sub := range b.subs {
		if !sub.scope.Matches(ev.Scope) {
			continue
		}
		if _, done := delivered[sub.connID]; done {
			continue
		}
		delivered[sub.connID] = struct{}{}
		sub.sink(ev)
	}
}

// SubscriberCount reports how many subscriptions currently match a scope.
func (b *Bus) SubscriberCount(scope Scope) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, sub := range b.subs {
		if sub.scope.Matches(scope) {
			n++
		}
	}
	return n
}
