package wsdispatch

import "github.com/tiagoefreitas/agentboard/internal/session"

// clientMessage is the single flat shape every client->server frame decodes
// into (spec.md §4.14); unused fields for a given Type are simply absent.
type clientMessage struct {
	Type string `json:"type"`

	Host        string `json:"host,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`
	Command     string `json:"command,omitempty"`

	SessionID      string `json:"sessionId,omitempty"`
	AgentSessionID string `json:"agentSessionId,omitempty"`
	TmuxTarget     string `json:"tmuxTarget,omitempty"`
	Name           string `json:"name,omitempty"`

	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Data string `json:"data,omitempty"`

	IsPinned bool `json:"isPinned,omitempty"`
}

// Outbound frames. Each carries its own "type" tag; a single flat struct per
// message keeps encoding/decoding symmetrical with clientMessage.

type sessionsMsg struct {
	Type     string            `json:"type"`
	Sessions []session.Session `json:"sessions"`
}

type sessionUpdateMsg struct {
	Type    string          `json:"type"`
	Session session.Session `json:"session"`
}

type sessionRemovedMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type sessionCreatedMsg struct {
	Type    string          `json:"type"`
	Session session.Session `json:"session"`
}

type sessionOrphanedMsg struct {
	Type         string                   `json:"type"`
	AgentSession session.AgentSessionInfo `json:"agentSession"`
}

type sessionActivatedMsg struct {
	Type         string                   `json:"type"`
	AgentSession session.AgentSessionInfo `json:"agentSession"`
}

type agentSessionsMsg struct {
	Type     string                     `json:"type"`
	Active   []session.AgentSessionInfo `json:"active"`
	Inactive []session.AgentSessionInfo `json:"inactive"`
}

type sessionResurrectionFailedMsg struct {
	Type           string `json:"type"`
	AgentSessionID string `json:"agentSessionId"`
	Error          string `json:"error"`
}

type hostStatusMsg struct {
	Type     string            `json:"type"`
	Statuses []hostStatusEntry `json:"statuses"`
}

type hostStatusEntry struct {
	Host        string `json:"host"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	LastSuccess int64  `json:"lastSuccess"`
}

type serverConfigMsg struct {
	Type               string   `json:"type"`
	TerminalMode       string   `json:"terminalMode"`
	RemoteHosts        []string `json:"remoteHosts"`
	RemoteAllowControl bool     `json:"remoteAllowControl"`
	RemoteAllowAttach  bool     `json:"remoteAllowAttach"`
}

type terminalReadyMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type terminalOutputMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type terminalErrorMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type killFailedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

type tmuxCopyModeStatusMsg struct {
	Type       string `json:"type"`
	TmuxTarget string `json:"tmuxTarget"`
	InCopyMode bool   `json:"inCopyMode"`
}

type sessionResumeResultMsg struct {
	Type           string `json:"type"`
	AgentSessionID string `json:"agentSessionId"`
	OK             bool   `json:"ok"`
	NewWindow      string `json:"newWindow,omitempty"`
	Error          string `json:"error,omitempty"`
}

type sessionPinResultMsg struct {
	Type           string `json:"type"`
	AgentSessionID string `json:"agentSessionId"`
	IsPinned       bool   `json:"isPinned"`
	OK             bool   `json:"ok"`
	Error          string `json:"error,omitempty"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
