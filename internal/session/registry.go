package session

import (
	"sync"

	"github.com/tiagoefreitas/agentboard/internal/logging"
)

var log = logging.Component("session")

// Registry is the single authoritative in-memory Session[] owned by the main
// loop (spec.md §4.1, §5). It is pure: no I/O, no blocking calls, so every
// method here is safe to call from the main loop without suspension.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]Session
	subsMu   sync.Mutex
	subs     map[int]chan Event
	nextSubID int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]Session),
		subs: make(map[int]chan Event),
	}
}

// Subscribe returns a channel of Events and an unsubscribe func. The channel
// is buffered; a slow subscriber drops events rather than blocking the
// registry (the registry itself never blocks on a suspension point, per
// spec.md §5).
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	r.subsMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subs[id] = ch
	r.subsMu.Unlock()

	unsub := func() {
		r.subsMu.Lock()
		if existing, ok := r.subs[id]; ok && existing == ch {
			delete(r.subs, id)
			close(ch)
		}
		r.subsMu.Unlock()
	}
	return ch, unsub
}

func (r *Registry) publish(ev Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Int("subscriber", id).Str("event", string(ev.Type)).Msg("dropping event: subscriber channel full")
		}
	}
}

// GetAll returns a snapshot of every known session.
func (r *Registry) GetAll() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Get returns the session with the given id, if any.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// ReplaceSessions diffs next against the current set (spec.md §4.1, §8 invariant 1):
//   - for a retained id, lastActivity is the max of incoming and existing
//     (monotonic), and createdAt is preserved from the existing row.
//   - emits exactly one "sessions" event iff the id set changed or any
//     retained session's semantic fields changed.
//   - emits one "session-removed" event per id present before but absent after.
func (r *Registry) ReplaceSessions(next []Session) {
	r.mu.Lock()

	changed := false
	seen := make(map[string]bool, len(next))
	merged := make(map[string]Session, len(next))

	for _, incoming := range next {
		seen[incoming.ID] = true
		existing, had := r.byID[incoming.ID]
		if !had {
			changed = true
			merged[incoming.ID] = incoming
			continue
		}
		if incoming.LastActivity.Before(existing.LastActivity) {
			incoming.LastActivity = existing.LastActivity
		}
		incoming.CreatedAt = existing.CreatedAt
		if semanticFields(&existing, &incoming) {
			changed = true
		}
		merged[incoming.ID] = incoming
	}

	var removed []string
	for id := range r.byID {
		if !seen[id] {
			removed = append(removed, id)
			changed = true
		}
	}

	r.byID = merged
	r.mu.Unlock()

	for _, id := range removed {
		r.publish(Event{Type: EventSessionRemoved, ID: id})
	}

	if changed {
		r.publish(Event{Type: EventSessions, All: r.GetAll()})
	}
}

// PublishSessionOrphaned emits a session-orphaned event carrying the agent
// session that just lost its window (spec.md §4.8 step 4, §8 invariant 4,
// scenario 5).
func (r *Registry) PublishSessionOrphaned(a AgentSessionInfo) {
	r.publish(Event{Type: EventSessionOrphaned, AgentSession: a})
}

// PublishSessionActivated emits a session-activated event for an agent
// session that was just (re)matched to a window (spec.md §4.8 step 4).
func (r *Registry) PublishSessionActivated(a AgentSessionInfo) {
	r.publish(Event{Type: EventSessionActivated, AgentSession: a})
}

// SetAgentSessions publishes the current age-gated active/inactive split of
// every known agent session (spec.md §3, §6's "agent-sessions" message).
func (r *Registry) SetAgentSessions(active, inactive []AgentSessionInfo) {
	r.publish(Event{Type: EventAgentSessions, Active: active, Inactive: inactive})
}

// UpdateSession applies a partial patch to a single session and always emits
// a "session-update" event (spec.md §4.1), even if nothing semantically
// changed — callers such as force-working overrides rely on this to push an
// immediate status flip to subscribers.
func (r *Registry) UpdateSession(id string, patch func(*Session)) (Session, bool) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}
	patch(&s)
	r.byID[id] = s
	r.mu.Unlock()

	r.publish(Event{Type: EventSessionUpdate, Session: s})
	return s, true
}
