// Package session holds the live-session data model and the in-memory
// registry that deduplicates and diffs scanner output into change events.
//
// Grounded on the teacher's AgentManager (agent.go in sns45-tickettok),
// generalized from a single-backend in-memory map into a diffing registry with
// an explicit publisher/subscriber event bus (spec.md §9's cyclic-reference
// guidance: the registry never holds a subscriber by strong reference, only by
// its event channel).
package session

import "time"

// Status is the inferred runtime status of an agent session.
type Status string

const (
	StatusWorking    Status = "working"
	StatusWaiting    Status = "waiting"
	StatusPermission Status = "permission"
	StatusUnknown    Status = "unknown"
)

// Source distinguishes windows this server created from ones it only discovered.
type Source string

const (
	SourceManaged  Source = "managed"
	SourceExternal Source = "external"
)

// AgentType is the inferred CLI family running in a window.
type AgentType string

const (
	AgentClaude  AgentType = "claude"
	AgentCodex   AgentType = "codex"
	AgentPi      AgentType = "pi"
	AgentUnknown AgentType = "unknown"
)

// Session is a live tmux window as seen by a scanner, enriched with any
// matched AgentSession fields at fusion time (internal/logpoller).
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	TmuxTarget   string    `json:"tmuxTarget"`
	ProjectPath  string    `json:"projectPath"`
	Status       Status    `json:"status"`
	LastActivity time.Time `json:"lastActivity"`
	CreatedAt    time.Time `json:"createdAt"`
	Source       Source    `json:"source"`
	Host         string    `json:"host,omitempty"`
	Remote       bool      `json:"remote"`
	Command      string    `json:"command,omitempty"`
	AgentType    AgentType `json:"agentType"`

	// Populated by fusion against the AgentSession store (spec.md §4.9); zero
	// values mean "no matched agent session".
	AgentSessionID   string `json:"agentSessionId,omitempty"`
	AgentSessionName string `json:"agentSessionName,omitempty"`
	LogFilePath      string `json:"logFilePath,omitempty"`
	LastUserMessage  string `json:"lastUserMessage,omitempty"`
	IsPinned         bool   `json:"isPinned,omitempty"`

	// UserMessages is the ordered set of recently-submitted messages detected
	// in the pane, used by internal/logpoller for log correlation (spec.md
	// §4.7). It is matching-only input, never part of the wire payload.
	UserMessages []string `json:"-"`
	TraceLines   []string `json:"-"`
}

// semanticFields reports whether two sessions differ in any field that should
// trigger a "sessions" broadcast event (spec.md §4.1).
func semanticFields(a, b *Session) bool {
	return a.Name != b.Name ||
		a.Status != b.Status ||
		!a.LastActivity.Equal(b.LastActivity) ||
		a.ProjectPath != b.ProjectPath ||
		a.AgentType != b.AgentType ||
		a.Command != b.Command
}
