package session

import "time"

// EventType names the kind of change a subscriber observes.
type EventType string

const (
	EventSessions         EventType = "sessions"
	EventSessionUpdate    EventType = "session-update"
	EventSessionRemoved   EventType = "session-removed"
	EventSessionOrphaned  EventType = "session-orphaned"
	EventSessionActivated EventType = "session-activated"
	EventAgentSessions    EventType = "agent-sessions"
)

// AgentSessionInfo mirrors the persisted fields of an internal/store
// AgentSession (spec.md §3); it exists so this package can describe an
// agent-session event/payload without importing internal/store, which
// itself imports session for AgentType.
type AgentSessionInfo struct {
	SessionID       string    `json:"sessionId"`
	AgentType       AgentType `json:"agentType"`
	ProjectPath     string    `json:"projectPath"`
	LogFilePath     string    `json:"logFilePath"`
	DisplayName     string    `json:"displayName"`
	CurrentWindow   string    `json:"currentWindow,omitempty"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	CreatedAt       time.Time `json:"createdAt"`
	LastUserMessage string    `json:"lastUserMessage,omitempty"`
	IsPinned        bool      `json:"isPinned"`
	LastResumeError string    `json:"lastResumeError,omitempty"`
}

// Event is published on every subscriber channel. Which fields are populated
// depends on Type: All for "sessions", Session for "session-update",
// ID for "session-removed", AgentSession for "session-orphaned"/
// "session-activated", and Active/Inactive for "agent-sessions".
type Event struct {
	Type    EventType
	All     []Session
	Session Session
	ID      string

	AgentSession AgentSessionInfo

	Active   []AgentSessionInfo
	Inactive []AgentSessionInfo
}
