package wsdispatch

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tiagoefreitas/agentboard/internal/session"
	"github.com/tiagoefreitas/agentboard/internal/terminalproxy"
)

// dispatch routes one decoded client frame to its handler (spec.md §4.14's
// message table). Handlers that need to block (tmux/ssh spawns) run in their
// own goroutine so a slow remote host can't stall this connection's read
// pump or any other connection.
func (c *connection) dispatch(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case "session-refresh":
		go c.hub.Refresh(ctx)

	case "session-create":
		go c.handleSessionCreate(ctx, msg)

	case "session-kill":
		go c.handleSessionKill(ctx, msg)

	case "session-rename":
		go c.handleSessionRename(ctx, msg)

	case "terminal-attach":
		seq := atomic.AddInt64(&c.attachSeq, 1)
		go c.handleTerminalAttach(ctx, msg, seq)

	case "terminal-detach":
		c.handleTerminalDetach(msg)

	case "terminal-input":
		c.handleTerminalInput(msg)

	case "terminal-resize":
		c.handleTerminalResize(msg)

	case "tmux-cancel-copy-mode":
		go c.handleCancelCopyMode(ctx, msg)

	case "tmux-check-copy-mode":
		go c.handleCheckCopyMode(ctx, msg)

	case "session-resume":
		go c.handleSessionResume(ctx, msg)

	case "session-pin":
		go c.handleSessionPin(msg)

	default:
		c.writeJSON(errorMsg{Type: "error", Message: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

// mutateSessions applies fn to a full registry snapshot and replaces it,
// the only way to add or drop a single id outside a scan tick (the registry
// itself only exposes whole-set replace and single-id patch).
func (c *connection) mutateSessions(fn func([]session.Session) []session.Session) {
	c.hub.registry.ReplaceSessions(fn(c.hub.registry.GetAll()))
}

func (c *connection) handleSessionCreate(ctx context.Context, msg clientMessage) {
	now := time.Now()
	if msg.Host == "" {
		target, err := c.hub.scanner.CreateWindow(ctx, msg.ProjectPath, msg.Command)
		if err != nil {
			c.writeJSON(errorMsg{Type: "error", Message: fmt.Sprintf("session-create failed: %s", err)})
			return
		}
		created := session.Session{
			ID: target, Name: target, TmuxTarget: target, ProjectPath: msg.ProjectPath,
			Status: session.StatusWorking, LastActivity: now, CreatedAt: now,
			Source: session.SourceManaged, Command: msg.Command, AgentType: session.AgentUnknown,
		}
		c.hub.poller.ProtectWindow(target)
		c.mutateSessions(func(all []session.Session) []session.Session { return append(all, created) })
		c.writeJSON(sessionCreatedMsg{Type: "session-created", Session: created})
		return
	}

	if !allowedHost(msg.Host, c.hub.cfg.RemoteHosts) || !validateHostname(msg.Host) {
		c.writeJSON(errorMsg{Type: "error", Message: "invalid_hostname"})
		return
	}
	script := fmt.Sprintf("tmux new-window -t %s -c %s -P -F '#{session_name}:#{window_id}' %s",
		quoteForShell(c.hub.cfg.TmuxSession), quoteForShell(msg.ProjectPath), quoteForShell(msg.Command))
	out, err := sshExec(ctx, msg.Host, c.hub.cfg.RemoteSSHOpts, script)
	if err != nil {
		c.writeJSON(errorMsg{Type: "error", Message: fmt.Sprintf("session-create (remote) failed: %s: %s", err, strings.TrimSpace(string(out)))})
		return
	}
	windowTarget := strings.TrimSpace(string(out))
	id := "remote:" + msg.Host + ":" + windowTarget
	created := session.Session{
		ID: id, Name: windowTarget, TmuxTarget: windowTarget, ProjectPath: msg.ProjectPath,
		Status: session.StatusWorking, LastActivity: now, CreatedAt: now,
		Source: session.SourceManaged, Command: msg.Command, AgentType: session.AgentUnknown,
		Host: msg.Host, Remote: true,
	}
	c.hub.poller.ProtectWindow(id)
	c.mutateSessions(func(all []session.Session) []session.Session { return append(all, created) })
	c.writeJSON(sessionCreatedMsg{Type: "session-created", Session: created})
}

func (c *connection) handleSessionKill(ctx context.Context, msg clientMessage) {
	target, ok := c.hub.registry.Get(msg.SessionID)
	if !ok {
		c.writeJSON(killFailedMsg{Type: "kill-failed", SessionID: msg.SessionID, Error: "not_found"})
		return
	}
	if target.Remote && !c.hub.cfg.RemoteAllowControl {
		c.writeJSON(killFailedMsg{Type: "kill-failed", SessionID: msg.SessionID, Error: "forbidden"})
		return
	}

	var err error
	if target.Remote {
		_, err = sshExec(ctx, target.Host, c.hub.cfg.RemoteSSHOpts, "tmux kill-window -t "+quoteForShell(target.TmuxTarget))
	} else {
		err = c.hub.scanner.KillWindow(ctx, target.TmuxTarget)
	}
	if err != nil {
		c.writeJSON(killFailedMsg{Type: "kill-failed", SessionID: msg.SessionID, Error: err.Error()})
		return
	}

	c.hub.poller.Tombstone(target.ID)
	if target.AgentSessionID != "" {
		if err := c.hub.store.SetWindow(target.AgentSessionID, ""); err != nil {
			log.Error().Err(err).Str("agentSessionId", target.AgentSessionID).Msg("failed to orphan agent session on kill")
		}
	}
	c.mutateSessions(func(all []session.Session) []session.Session {
		out := all[:0:0]
		for _, s := range all {
			if s.ID != msg.SessionID {
				out = append(out, s)
			}
		}
		return out
	})
}

func (c *connection) handleSessionRename(ctx context.Context, msg clientMessage) {
	if !validateRenameName(msg.Name) {
		c.writeJSON(errorMsg{Type: "error", Message: "invalid_name"})
		return
	}
	all := c.hub.registry.GetAll()
	for _, s := range all {
		if s.Name == msg.Name && s.ID != msg.SessionID {
			c.writeJSON(errorMsg{Type: "error", Message: "duplicate_name"})
			return
		}
	}

	target, ok := c.hub.registry.Get(msg.SessionID)
	if !ok {
		c.writeJSON(errorMsg{Type: "error", Message: "not_found"})
		return
	}

	var err error
	if target.Remote {
		_, err = sshExec(ctx, target.Host, c.hub.cfg.RemoteSSHOpts,
			"tmux rename-window -t "+quoteForShell(target.TmuxTarget)+" "+quoteForShell(msg.Name))
	} else {
		err = exec.CommandContext(ctx, "tmux", "rename-window", "-t", target.TmuxTarget, msg.Name).Run()
	}
	if err != nil {
		c.writeJSON(errorMsg{Type: "error", Message: fmt.Sprintf("rename failed: %s", err)})
		return
	}

	if target.AgentSessionID != "" {
		if err := c.hub.store.RenameDisplay(target.AgentSessionID, msg.Name); err != nil {
			log.Error().Err(err).Str("agentSessionId", target.AgentSessionID).Msg("failed to persist rename")
		}
		c.hub.poller.OverrideDisplayName(target.AgentSessionID, msg.Name)
	}

	c.hub.registry.UpdateSession(msg.SessionID, func(s *session.Session) {
		s.Name = msg.Name
		if target.AgentSessionID != "" {
			s.AgentSessionName = msg.Name
		}
	})
}

// handleTerminalAttach is spec.md §4.14's terminal-attach: with seq being the
// attach sequence value dispatch bumped to, (re)create the proxy if its type
// doesn't match the target host, switch to the tmux target, deliver
// prefetched scrollback, then send terminal-ready — dropping the result if a
// later attach/detach superseded this one while any step was in flight.
func (c *connection) handleTerminalAttach(ctx context.Context, msg clientMessage, seq int64) {
	if msg.SessionID == "" || !validateWindowTarget(msg.TmuxTarget) {
		c.writeJSON(terminalErrorMsg{Type: "terminal-error", SessionID: msg.SessionID, Code: "ERR_INVALID_WINDOW", Message: "invalid tmux target", Retryable: false})
		return
	}

	s, ok := c.hub.registry.Get(msg.SessionID)
	if !ok {
		c.writeJSON(terminalErrorMsg{Type: "terminal-error", SessionID: msg.SessionID, Code: "ERR_INVALID_WINDOW", Message: "unknown session", Retryable: false})
		return
	}
	if s.Remote && !c.hub.cfg.RemoteAllowAttach {
		c.writeJSON(terminalErrorMsg{Type: "terminal-error", SessionID: msg.SessionID, Code: "ERR_INVALID_WINDOW", Message: "remote attach disabled", Retryable: false})
		return
	}

	host := ""
	if s.Remote {
		host = s.Host
	}

	c.mu.Lock()
	needsNewProxy := c.terminal == nil || c.terminalHost != host
	var old terminalproxy.Proxy
	if needsNewProxy {
		old = c.terminal
		c.terminal = nil
	}
	c.mu.Unlock()

	if old != nil {
		disposeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := old.Dispose(disposeCtx); err != nil {
			log.Debug().Err(err).Msg("failed to dispose stale terminal proxy")
		}
		cancel()
	}

	if needsNewProxy {
		onData := func(data []byte) {
			if atomic.LoadInt64(&c.attachSeq) != seq {
				return
			}
			c.mu.Lock()
			sessID := c.currentSessionID
			c.mu.Unlock()
			if sessID == "" {
				return
			}
			c.writeJSON(terminalOutputMsg{Type: "terminal-output", SessionID: sessID, Data: string(data)})
		}
		onExit := func(err error) {
			if atomic.LoadInt64(&c.attachSeq) != seq {
				return
			}
			c.mu.Lock()
			sessID := c.currentSessionID
			c.mu.Unlock()
			c.writeJSON(terminalErrorMsg{Type: "terminal-error", SessionID: sessID, Code: "ERR_TMUX_ATTACH_FAILED", Message: err.Error(), Retryable: true})
		}

		var proxy terminalproxy.Proxy
		if host == "" {
			proxy = terminalproxy.NewLocal(c.hub.cfg.TmuxSession, c.id, onData, onExit)
		} else {
			proxy = terminalproxy.NewSSH(host, c.hub.cfg.RemoteSSHOpts, c.hub.cfg.TmuxSession, c.id, c.hub.cfg.RemoteTimeout, onData, onExit)
		}
		if err := proxy.Start(ctx); err != nil {
			c.writeJSON(terminalErrorMsg{Type: "terminal-error", SessionID: msg.SessionID, Code: "ERR_TMUX_ATTACH_FAILED", Message: err.Error(), Retryable: true})
			return
		}
		c.mu.Lock()
		c.terminal = proxy
		c.terminalHost = host
		c.mu.Unlock()
	}

	c.mu.Lock()
	proxy := c.terminal
	c.mu.Unlock()

	onReady := func() {
		if atomic.LoadInt64(&c.attachSeq) != seq {
			return
		}
		scrollback, err := capturePaneScrollback(ctx, host, c.hub.cfg.RemoteSSHOpts, msg.TmuxTarget)
		if err == nil && scrollback != "" {
			c.writeJSON(terminalOutputMsg{Type: "terminal-output", SessionID: msg.SessionID, Data: scrollback})
		}
		c.writeJSON(terminalReadyMsg{Type: "terminal-ready", SessionID: msg.SessionID})
	}

	if err := proxy.SwitchTo(ctx, msg.TmuxTarget, onReady); err != nil {
		if atomic.LoadInt64(&c.attachSeq) == seq {
			c.writeJSON(terminalErrorMsg{Type: "terminal-error", SessionID: msg.SessionID, Code: "ERR_TMUX_SWITCH_FAILED", Message: err.Error(), Retryable: true})
		}
		return
	}

	if atomic.LoadInt64(&c.attachSeq) != seq {
		return
	}
	c.mu.Lock()
	c.currentSessionID = msg.SessionID
	c.currentTmuxTarget = msg.TmuxTarget
	c.mu.Unlock()

	if msg.Cols > 0 && msg.Rows > 0 {
		if err := proxy.Resize(msg.Cols, msg.Rows); err != nil {
			log.Debug().Err(err).Str("sessionId", msg.SessionID).Msg("initial resize failed")
		}
	}
}

func (c *connection) handleTerminalDetach(msg clientMessage) {
	atomic.AddInt64(&c.attachSeq, 1)
	c.mu.Lock()
	c.currentSessionID = ""
	c.currentTmuxTarget = ""
	c.mu.Unlock()
}

func (c *connection) handleTerminalInput(msg clientMessage) {
	c.mu.Lock()
	current := c.currentSessionID
	proxy := c.terminal
	c.mu.Unlock()
	if current == "" || current != msg.SessionID || proxy == nil {
		return
	}
	if err := proxy.Write([]byte(msg.Data)); err != nil {
		log.Debug().Err(err).Str("sessionId", msg.SessionID).Msg("terminal write failed")
		return
	}

	if strings.ContainsAny(msg.Data, "\r\n") {
		s, ok := c.hub.registry.Get(msg.SessionID)
		if ok && !s.Remote {
			c.hub.force.Set(msg.SessionID, time.Now(), c.hub.cfg.WorkingGracePeriod)
			c.hub.registry.UpdateSession(msg.SessionID, func(s *session.Session) { s.Status = session.StatusWorking })
		}
	}
}

func (c *connection) handleTerminalResize(msg clientMessage) {
	c.mu.Lock()
	current := c.currentSessionID
	proxy := c.terminal
	c.mu.Unlock()
	if current == "" || current != msg.SessionID || proxy == nil {
		return
	}
	if err := proxy.Resize(msg.Cols, msg.Rows); err != nil {
		log.Debug().Err(err).Str("sessionId", msg.SessionID).Msg("resize failed")
	}
}

func (c *connection) handleCancelCopyMode(ctx context.Context, msg clientMessage) {
	s, ok := c.hub.registry.Get(msg.SessionID)
	if !ok {
		return
	}
	if s.Remote {
		sshExec(ctx, s.Host, c.hub.cfg.RemoteSSHOpts, "tmux send-keys -X -t "+quoteForShell(s.TmuxTarget)+" cancel")
		return
	}
	exec.CommandContext(ctx, "tmux", "send-keys", "-X", "-t", s.TmuxTarget, "cancel").Run()
}

func (c *connection) handleCheckCopyMode(ctx context.Context, msg clientMessage) {
	s, ok := c.hub.registry.Get(msg.SessionID)
	if !ok {
		return
	}
	var out []byte
	var err error
	if s.Remote {
		out, err = sshExec(ctx, s.Host, c.hub.cfg.RemoteSSHOpts, "tmux display-message -p -t "+quoteForShell(s.TmuxTarget)+" '#{pane_in_mode}'")
	} else {
		out, err = exec.CommandContext(ctx, "tmux", "display-message", "-p", "-t", s.TmuxTarget, "#{pane_in_mode}").Output()
	}
	if err != nil {
		return
	}
	inMode := strings.TrimSpace(string(out)) == "1"
	c.writeJSON(tmuxCopyModeStatusMsg{Type: "tmux-copy-mode-status", TmuxTarget: s.TmuxTarget, InCopyMode: inMode})
}

func (c *connection) handleSessionResume(ctx context.Context, msg clientMessage) {
	if !validateAgentSessionID(msg.AgentSessionID) {
		c.writeJSON(sessionResumeResultMsg{Type: "session-resume-result", AgentSessionID: msg.AgentSessionID, OK: false, Error: "invalid_session_id"})
		return
	}
	row, err := c.hub.store.Get(msg.AgentSessionID)
	if err != nil || row == nil {
		c.writeJSON(sessionResumeResultMsg{Type: "session-resume-result", AgentSessionID: msg.AgentSessionID, OK: false, Error: "not_found"})
		return
	}
	if row.CurrentWindow != "" {
		c.writeJSON(sessionResumeResultMsg{Type: "session-resume-result", AgentSessionID: msg.AgentSessionID, OK: false, Error: "already_active"})
		return
	}

	template := c.hub.cfg.ClaudeResumeCmd
	if row.AgentType == session.AgentCodex {
		template = c.hub.cfg.CodexResumeCmd
	}
	if template == "" {
		c.writeJSON(sessionResumeResultMsg{Type: "session-resume-result", AgentSessionID: msg.AgentSessionID, OK: false, Error: "no_resume_template"})
		return
	}
	cmd := strings.ReplaceAll(template, "{sessionId}", row.SessionID)

	target, err := c.hub.scanner.CreateWindow(ctx, row.ProjectPath, cmd)
	if err != nil {
		if setErr := c.hub.store.SetResumeResult(row.SessionID, "", err.Error()); setErr != nil {
			log.Error().Err(setErr).Str("agentSessionId", row.SessionID).Msg("failed to record resume failure")
		}
		c.writeJSON(sessionResumeResultMsg{Type: "session-resume-result", AgentSessionID: msg.AgentSessionID, OK: false, Error: err.Error()})
		return
	}
	if setErr := c.hub.store.SetResumeResult(row.SessionID, target, ""); setErr != nil {
		log.Error().Err(setErr).Str("agentSessionId", row.SessionID).Msg("failed to record resume result")
	}
	c.hub.poller.ProtectWindow(target)
	c.writeJSON(sessionResumeResultMsg{Type: "session-resume-result", AgentSessionID: msg.AgentSessionID, OK: true, NewWindow: target})
}

func (c *connection) handleSessionPin(msg clientMessage) {
	if !validateAgentSessionID(msg.AgentSessionID) {
		c.writeJSON(sessionPinResultMsg{Type: "session-pin-result", AgentSessionID: msg.AgentSessionID, OK: false, Error: "invalid_session_id"})
		return
	}
	if err := c.hub.store.SetPinned(msg.AgentSessionID, msg.IsPinned); err != nil {
		c.writeJSON(sessionPinResultMsg{Type: "session-pin-result", AgentSessionID: msg.AgentSessionID, IsPinned: msg.IsPinned, OK: false, Error: err.Error()})
		return
	}
	c.writeJSON(sessionPinResultMsg{Type: "session-pin-result", AgentSessionID: msg.AgentSessionID, IsPinned: msg.IsPinned, OK: true})
}

// capturePaneScrollback fetches the full visible+scrollback buffer for
// onReady's prefetch delivery (spec.md §4.14: "tmux capture-pane -S - -E - -J").
func capturePaneScrollback(ctx context.Context, host string, sshOpts []string, target string) (string, error) {
	if host == "" {
		out, err := exec.CommandContext(ctx, "tmux", "capture-pane", "-t", target, "-p", "-J", "-S", "-", "-E", "-").Output()
		return string(out), err
	}
	script := "tmux capture-pane -t " + quoteForShell(target) + " -p -J -S - -E -"
	out, err := sshExec(ctx, host, sshOpts, script)
	return string(out), err
}
