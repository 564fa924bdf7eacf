package session

import (
	"sync"
	"time"
)

// ForceWorking is the short-lived status-pin map described in spec.md §4.12
// and §9 ("deliberately main-loop-local... pass these as collaborators, not
// module-level singletons"). It is its own type rather than a package-level
// map so callers and tests can construct independent instances.
type ForceWorking struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

// NewForceWorking returns an empty override map.
func NewForceWorking() *ForceWorking {
	return &ForceWorking{expires: make(map[string]time.Time)}
}

// Set marks sessionID as force-working until now+grace.
func (f *ForceWorking) Set(sessionID string, now time.Time, grace time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[sessionID] = now.Add(grace)
}

// Active reports whether sessionID's override is still live at now, evicting
// it if expired.
func (f *ForceWorking) Active(sessionID string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.expires[sessionID]
	if !ok {
		return false
	}
	if !now.Before(exp) {
		delete(f.expires, sessionID)
		return false
	}
	return true
}

// Apply rewrites status to StatusWorking for any session with a live override
// whose current status isn't already working (spec.md §4.12 hydration step).
func (f *ForceWorking) Apply(sessions []Session, now time.Time) {
	for i := range sessions {
		if sessions[i].Status != StatusWorking && f.Active(sessions[i].ID, now) {
			sessions[i].Status = StatusWorking
		}
	}
}
