// Package scanner is the local tmux scanner unit (spec.md §4.2): it enumerates
// tmux windows, captures each pane, and turns them into session.Session
// values. It runs as its own goroutine with a request/response channel pair
// (spec.md §5's "dedicated worker"), never called directly from the main
// loop's goroutine.
//
// Grounded directly on the teacher's tmux.go (CapturePaneContent,
// discoverTmuxClaude, ansiRe/stripAnsiStr), generalized from one hardcoded
// claude-only tmux invocation into the spec's parametrized
// `tmux list-windows -a -F <fmt>` / `tmux capture-pane -t <target> -p -J`
// contract, including a format-fallback retry the teacher never needed (it
// only ever captured its own known sessions).
package scanner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tiagoefreitas/agentboard/internal/agenttype"
	"github.com/tiagoefreitas/agentboard/internal/logging"
	"github.com/tiagoefreitas/agentboard/internal/session"
	"github.com/tiagoefreitas/agentboard/internal/statusinfer"
	"github.com/tiagoefreitas/agentboard/internal/usermsg"
)

var log = logging.Component("scanner")

// fullFormat is the preferred list-windows format: every field the scanner
// needs in one invocation. reducedFormat drops pane_start_command, which
// older tmux builds (or restricted formats) sometimes reject.
const fullFormat = "#{session_name}\t#{window_id}\t#{window_name}\t#{window_activity}\t#{pane_current_path}\t#{pane_start_command}"
const reducedFormat = "#{session_name}\t#{window_id}\t#{window_name}\t#{window_activity}\t#{pane_current_path}"

const captureTrimMaxBlankLines = 30
const maxUserMessages = 5

// Config configures a Scanner (spec.md §6 env vars).
type Config struct {
	ManagedSession     string // TMUX_SESSION
	DiscoverPrefixes   []string
	WorkingGraceMillis int64
	PruneWSSessions    bool // PRUNE_WS_SESSIONS
}

type request struct {
	kind   string // "scan" | "createWindow" | "killWindow" | "pruneWS"
	create createArgs
	kill   killArgs
	resp   chan response
}

type createArgs struct {
	projectPath string
	command     string
}

type killArgs struct {
	target string
}

type response struct {
	sessions []session.Session
	target   string
	err      error
}

// Scanner owns all tmux-facing state (pane-status caches) so it can run
// single-threaded in its own goroutine; every method that touches tmux routes
// through the request channel.
type Scanner struct {
	cfg   Config
	reqCh chan request

	statusCache map[string]statusinfer.Cache // keyed by tmux target, local to the goroutine
}

// New constructs a Scanner. Call Run in its own goroutine before using Scan.
func New(cfg Config) *Scanner {
	return &Scanner{
		cfg:         cfg,
		reqCh:       make(chan request),
		statusCache: make(map[string]statusinfer.Cache),
	}
}

// Run is the scanner's dedicated goroutine loop (spec.md §5). It must be
// started before any Scan/CreateWindow/KillWindow call and exits when ctx is
// canceled.
func (s *Scanner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.reqCh:
			switch req.kind {
			case "scan":
				sessions, err := s.scan()
				req.resp <- response{sessions: sessions, err: err}
			case "createWindow":
				target, err := s.createWindow(req.create.projectPath, req.create.command)
				req.resp <- response{target: target, err: err}
			case "killWindow":
				err := s.killWindow(req.kill.target)
				req.resp <- response{err: err}
			case "pruneWS":
				err := s.pruneStaleWSSessions()
				req.resp <- response{err: err}
			}
		}
	}
}

// Scan requests a fresh enumeration from the scanner goroutine and blocks
// until it responds or ctx is canceled.
func (s *Scanner) Scan(ctx context.Context) ([]session.Session, error) {
	resp := make(chan response, 1)
	select {
	case s.reqCh <- request{kind: "scan", resp: resp}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.sessions, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateWindow asks the scanner to create a new managed tmux window running
// command in projectPath (used for resurrection, §4.10, and session-create).
func (s *Scanner) CreateWindow(ctx context.Context, projectPath, command string) (string, error) {
	resp := make(chan response, 1)
	select {
	case s.reqCh <- request{kind: "createWindow", create: createArgs{projectPath: projectPath, command: command}, resp: resp}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-resp:
		return r.target, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// KillWindow asks the scanner to destroy a tmux window (session-kill, §6).
func (s *Scanner) KillWindow(ctx context.Context, target string) error {
	resp := make(chan response, 1)
	select {
	case s.reqCh <- request{kind: "killWindow", kill: killArgs{target: target}, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case r := <-resp:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PruneStaleWSSessions kills every leftover "<managedSession>-ws-*" tmux
// session, a no-op unless cfg.PruneWSSessions is set (spec.md §6). Intended
// as a one-shot startup sweep: internal/terminalproxy.Local.Dispose always
// kills its own per-connection session on a clean detach, so any such
// session still alive when the process starts can only be a leak from a
// prior crash — a fresh process has no live connections yet to own one.
func (s *Scanner) PruneStaleWSSessions(ctx context.Context) error {
	resp := make(chan response, 1)
	select {
	case s.reqCh <- request{kind: "pruneWS", resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case r := <-resp:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type windowRow struct {
	sessionName string
	windowID    string
	windowName  string
	activity    time.Time
	path        string
	startCmd    string
}

func (s *Scanner) scan() ([]session.Session, error) {
	rows, err := listWindows()
	if err != nil {
		return nil, fmt.Errorf("tmux list-windows: %w", err)
	}

	seen := make(map[string]bool, len(rows))
	var out []session.Session
	for _, row := range rows {
		src, ok := s.classify(row)
		if !ok {
			continue
		}
		target := row.sessionName + ":" + row.windowID
		seen[target] = true

		content, err := capturePane(target)
		if err != nil {
			log.Warn().Err(err).Str("target", target).Msg("capture-pane failed")
			continue
		}
		content = trimTrailingBlankLines(content, captureTrimMaxBlankLines)

		cache := s.statusCache[target]
		width, height := paneDims(content)
		result := statusinfer.Infer(statusinfer.Input{
			Prev:               cache,
			Next:               statusinfer.PaneState{Content: content, Width: width, Height: height},
			NowMillis:          time.Now().UnixMilli(),
			WorkingGraceMillis: s.cfg.WorkingGraceMillis,
		})
		s.statusCache[target] = result.NextCache

		agentT := agenttype.Infer(row.startCmd)
		lastMsg := getLastUserMessage(agentT, content)
		msgs := userMessages(agentT, content)

		out = append(out, session.Session{
			ID:              target,
			Name:            displayName(row, src),
			TmuxTarget:      target,
			ProjectPath:     row.path,
			Status:          result.Status,
			LastActivity:    row.activity,
			CreatedAt:       row.activity,
			Source:          src,
			Command:         row.startCmd,
			AgentType:       agentT,
			LastUserMessage: lastMsg,
			UserMessages:    msgs,
			TraceLines:      usermsg.ExtractTraceLines(content),
		})
	}

	for target := range s.statusCache {
		if !seen[target] {
			delete(s.statusCache, target)
		}
	}

	return out, nil
}

// classify decides whether a window belongs to this process (managed),
// should be surfaced read-only (external, per spec.md §4.2 step 2: "external
// iff discoverPrefixes is empty OR any prefix matches"), or dropped entirely.
// Per-connection "<managedSession>-ws-" proxy sessions are always filtered
// out first — they are internal terminal-proxy plumbing, never a session in
// their own right.
func (s *Scanner) classify(row windowRow) (session.Source, bool) {
	if strings.HasPrefix(row.sessionName, s.cfg.ManagedSession+"-ws-") {
		return "", false
	}
	if row.sessionName == s.cfg.ManagedSession {
		return session.SourceManaged, true
	}
	if len(s.cfg.DiscoverPrefixes) == 0 {
		return session.SourceExternal, true
	}
	for _, prefix := range s.cfg.DiscoverPrefixes {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(row.sessionName, prefix) || strings.HasPrefix(row.windowName, prefix) {
			return session.SourceExternal, true
		}
	}
	return "", false
}

// displayName picks the name shown in the dashboard: the tmux session name
// for an external window (it isn't ours to rename) or the window name for a
// managed one (spec.md §9(c)).
func displayName(row windowRow, src session.Source) string {
	if src == session.SourceExternal {
		return row.sessionName
	}
	return row.windowName
}

// getLastUserMessage dispatches to the per-agent extractor (spec.md §4.5).
func getLastUserMessage(agentT session.AgentType, content string) string {
	msgs := userMessages(agentT, content)
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

// userMessages returns every recently-submitted message the per-agent
// extractor can find (spec.md §4.5), used by internal/logpoller to correlate
// this window against a log file (spec.md §4.7).
func userMessages(agentT session.AgentType, content string) []string {
	switch agentT {
	case session.AgentClaude:
		return usermsg.ExtractClaude(content, maxUserMessages)
	case session.AgentCodex:
		return usermsg.ExtractCodex(content, maxUserMessages)
	case session.AgentPi:
		return usermsg.ExtractPi(content, maxUserMessages)
	default:
		return nil
	}
}

// listWindows runs tmux list-windows with the full format, retrying with a
// reduced format on failure (spec.md §4.2 step 2 — some tmux builds reject a
// format key).
func listWindows() ([]windowRow, error) {
	out, err := exec.Command("tmux", "list-windows", "-a", "-F", fullFormat).Output()
	if err != nil {
		out, err = exec.Command("tmux", "list-windows", "-a", "-F", reducedFormat).Output()
		if err != nil {
			if isNoServerRunning(err) {
				return nil, nil
			}
			return nil, err
		}
	}
	return parseWindowRows(out), nil
}

func isNoServerRunning(err error) bool {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return strings.Contains(string(exitErr.Stderr), "no server running")
	}
	return false
}

func parseWindowRows(out []byte) []windowRow {
	var rows []windowRow
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			continue
		}
		row := windowRow{
			sessionName: fields[0],
			windowID:    fields[1],
			windowName:  fields[2],
			path:        fields[4],
		}
		if unixSec, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
			row.activity = time.Unix(unixSec, 0)
		} else {
			row.activity = time.Now()
		}
		if len(fields) > 5 {
			row.startCmd = fields[5]
		}
		rows = append(rows, row)
	}
	return rows
}

func capturePane(target string) (string, error) {
	out, err := exec.Command("tmux", "capture-pane", "-t", target, "-p", "-J").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// trimTrailingBlankLines drops up to maxBlank trailing blank lines from
// captured content (a tmux pane pads unused rows with blank lines up to the
// window height).
func trimTrailingBlankLines(content string, maxBlank int) string {
	lines := strings.Split(content, "\n")
	trimmed := 0
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" && trimmed < maxBlank {
		end--
		trimmed++
	}
	return strings.Join(lines[:end], "\n")
}

// paneDims estimates (width, height) from captured content for the status
// inference resize check: height is the line count, width the longest line.
func paneDims(content string) (int, int) {
	lines := strings.Split(content, "\n")
	width := 0
	for _, l := range lines {
		if len(l) > width {
			width = len(l)
		}
	}
	return width, len(lines)
}

func (s *Scanner) createWindow(projectPath, command string) (string, error) {
	if err := exec.Command("tmux", "has-session", "-t", s.cfg.ManagedSession).Run(); err != nil {
		createCmd := exec.Command("tmux", "new-session", "-d", "-s", s.cfg.ManagedSession, "-c", projectPath, command)
		if out, err := createCmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("tmux new-session: %s: %w", strings.TrimSpace(string(out)), err)
		}
		out, err := exec.Command("tmux", "display-message", "-p", "-t", s.cfg.ManagedSession, "#{window_id}").Output()
		if err != nil {
			return "", fmt.Errorf("tmux display-message: %w", err)
		}
		return s.cfg.ManagedSession + ":" + strings.TrimSpace(string(out)), nil
	}

	out, err := exec.Command("tmux", "new-window", "-t", s.cfg.ManagedSession, "-c", projectPath, "-P", "-F", "#{window_id}", command).Output()
	if err != nil {
		return "", fmt.Errorf("tmux new-window: %w", err)
	}
	return s.cfg.ManagedSession + ":" + strings.TrimSpace(string(out)), nil
}

func (s *Scanner) killWindow(target string) error {
	return exec.Command("tmux", "kill-window", "-t", target).Run()
}

func (s *Scanner) pruneStaleWSSessions() error {
	if !s.cfg.PruneWSSessions {
		return nil
	}
	out, err := exec.Command("tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		if isNoServerRunning(err) {
			return nil
		}
		return err
	}

	prefix := s.cfg.ManagedSession + "-ws-"
	for _, name := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if name == "" || !strings.HasPrefix(name, prefix) {
			continue
		}
		if err := exec.Command("tmux", "kill-session", "-t", name).Run(); err != nil {
			log.Warn().Err(err).Str("session", name).Msg("failed to prune stale ws-proxy session")
			continue
		}
		log.Info().Str("session", name).Msg("pruned stale ws-proxy session")
	}
	return nil
}
