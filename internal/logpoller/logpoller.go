// Package logpoller is the persistence and fusion loop (spec.md §4.8, §4.9):
// on a fixed interval it discovers candidate agent log files, matches them
// against the live tmux windows the scanner (and remote poller) just
// reported, commits new/orphan/activate transitions to the agent session
// store, and enriches each live session with its matched AgentSession fields
// before handing the merged set to the registry. It also runs the one-shot
// startup re-verification (§4.7) and pinned-session resurrection (§4.10).
//
// Grounded on spec.md §4.8/§4.9/§4.10's own step lists (the teacher has no
// equivalent — sns45-tickettok never correlates a pane against a persisted
// log), with the store/matcher/scanner packages below it supplying the
// actual mechanics this package only orchestrates.
package logpoller

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tiagoefreitas/agentboard/internal/logdiscovery"
	"github.com/tiagoefreitas/agentboard/internal/logging"
	"github.com/tiagoefreitas/agentboard/internal/matcher"
	"github.com/tiagoefreitas/agentboard/internal/session"
	"github.com/tiagoefreitas/agentboard/internal/store"
)

var log = logging.Component("logpoller")

// overrideTTL is the lifetime of the tombstone/protected/rename-override
// entries (spec.md §4.9's "30s TTL" maps). These are main-loop-local
// collaborators, never singletons, per spec.md §9 — every Poller owns its own.
const overrideTTL = 30 * time.Second

// messageLockWindow is the per-window lock on last_user_message (spec.md
// §4.8 step 4): once a window's message is recorded, it isn't overwritten for
// this long, so a fast-moving pane can't thrash the stored summary.
const messageLockWindow = 60 * time.Second

// inactiveMaxAgeSetting is the app_settings key (spec.md §6's persistent
// state layout) holding the age-gate threshold for the active/inactive split
// published in "agent-sessions" (spec.md §3).
const inactiveMaxAgeSetting = "inactive_max_age_hours"

const defaultInactiveMaxAgeHours = 24

// WindowCreator is the subset of internal/scanner.Scanner that resurrection
// needs; accepting an interface (rather than *scanner.Scanner directly) keeps
// this package testable without a real tmux binary.
type WindowCreator interface {
	CreateWindow(ctx context.Context, projectPath, command string) (string, error)
}

// Config configures one Poller (spec.md §6 env vars).
type Config struct {
	MaxCandidates   int
	RGThreads       int
	ClaudeConfigDir string
	CodexHome       string
	ClaudeResumeCmd string
	CodexResumeCmd  string
}

// Poller owns the store, the matching runner, and the short-lived override
// maps; Tick is called once per poll interval by the main loop.
type Poller struct {
	cfg      Config
	store    *store.Store
	runner   matcher.Runner
	registry *session.Registry
	force    *session.ForceWorking
	creator  WindowCreator

	mu               sync.Mutex
	lastMessageTouch map[string]time.Time    // window target -> last lastUserMessage write
	tombstones       map[string]time.Time    // window target -> expiry
	protected        map[string]time.Time    // window target -> expiry
	renameOverrides  map[string]nameOverride // agent session id -> override
}

type nameOverride struct {
	name    string
	expires time.Time
}

// New constructs a Poller.
func New(cfg Config, st *store.Store, runner matcher.Runner, registry *session.Registry, force *session.ForceWorking, creator WindowCreator) *Poller {
	return &Poller{
		cfg:              cfg,
		store:            st,
		runner:           runner,
		registry:         registry,
		force:            force,
		creator:          creator,
		lastMessageTouch: make(map[string]time.Time),
		tombstones:       make(map[string]time.Time),
		protected:        make(map[string]time.Time),
		renameOverrides:  make(map[string]nameOverride),
	}
}

// Tombstone suppresses matching/orphan churn for a window target that was
// just killed (session-kill, spec.md §6), for overrideTTL.
func (p *Poller) Tombstone(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tombstones[target] = time.Now().Add(overrideTTL)
}

// ProtectWindow prevents a freshly created/resurrected window from being
// reassigned to a different log within overrideTTL, giving the next tick's
// match a chance to settle.
func (p *Poller) ProtectWindow(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.protected[target] = time.Now().Add(overrideTTL)
}

// OverrideDisplayName records a user-initiated rename (session-rename,
// spec.md §6) so fusion doesn't clobber it with a log-derived name until the
// store itself is updated and the override expires.
func (p *Poller) OverrideDisplayName(agentSessionID, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.renameOverrides[agentSessionID] = nameOverride{name: name, expires: time.Now().Add(overrideTTL)}
}

func (p *Poller) isTombstoned(target string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	exp, ok := p.tombstones[target]
	if !ok {
		return false
	}
	if now.After(exp) {
		delete(p.tombstones, target)
		return false
	}
	return true
}

func (p *Poller) isProtected(target string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	exp, ok := p.protected[target]
	if !ok {
		return false
	}
	if now.After(exp) {
		delete(p.protected, target)
		return false
	}
	return true
}

func (p *Poller) displayNameOverride(agentSessionID string, now time.Time) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.renameOverrides[agentSessionID]
	if !ok {
		return "", false
	}
	if now.After(o.expires) {
		delete(p.renameOverrides, agentSessionID)
		return "", false
	}
	return o.name, true
}

func (p *Poller) canTouchMessage(target string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastMessageTouch[target]
	if !ok || now.Sub(last) >= messageLockWindow {
		p.lastMessageTouch[target] = now
		return true
	}
	return false
}

// discoverCandidates enumerates logs and caps the set to cfg.MaxCandidates,
// most-recently-modified first, so a large log directory never makes a tick
// unbounded (spec.md §4.6).
func (p *Poller) discoverCandidates() []logdiscovery.LogFile {
	files := logdiscovery.Discover(p.cfg.ClaudeConfigDir, p.cfg.CodexHome)
	sort.Slice(files, func(i, j int) bool { return files[i].MTime.After(files[j].MTime) })
	if p.cfg.MaxCandidates > 0 && len(files) > p.cfg.MaxCandidates {
		dropped := len(files) - p.cfg.MaxCandidates
		log.Debug().Int("dropped", dropped).Msg("log candidate pool truncated")
		files = files[:p.cfg.MaxCandidates]
	}
	return files
}

func toMatcherCandidates(files []logdiscovery.LogFile) []matcher.Candidate {
	out := make([]matcher.Candidate, len(files))
	for i, f := range files {
		out[i] = matcher.Candidate{Path: f.Path, ProjectPath: f.ProjectPath, IsSubagent: f.IsSubagent, MTimeUnix: f.MTime.Unix()}
	}
	return out
}

// resumeTemplate picks the resume command template for an agent type
// (spec.md §4.10).
func (p *Poller) resumeTemplate(agentType session.AgentType) string {
	switch agentType {
	case session.AgentCodex:
		return p.cfg.CodexResumeCmd
	default:
		return p.cfg.ClaudeResumeCmd
	}
}

// ResurrectResult reports one pinned-orphan resurrection attempt.
type ResurrectResult struct {
	SessionID string
	NewWindow string
	Err       error
}

// Resurrect is the one-shot startup pass over pinned orphans (spec.md §4.10):
// substitute {sessionId} into the agent's resume command template and ask the
// scanner to create a window for it. A failure auto-unpins the row and
// records the error rather than retrying forever.
func (p *Poller) Resurrect(ctx context.Context) []ResurrectResult {
	orphans, err := p.store.PinnedOrphans()
	if err != nil {
		log.Error().Err(err).Msg("failed to list pinned orphans")
		return nil
	}

	results := make([]ResurrectResult, 0, len(orphans))
	for _, o := range orphans {
		cmd := strings.ReplaceAll(p.resumeTemplate(o.AgentType), "{sessionId}", o.SessionID)
		target, err := p.creator.CreateWindow(ctx, o.ProjectPath, cmd)
		if err != nil {
			if setErr := p.store.SetResumeResult(o.SessionID, "", err.Error()); setErr != nil {
				log.Error().Err(setErr).Str("sessionId", o.SessionID).Msg("failed to record resurrection failure")
			}
			results = append(results, ResurrectResult{SessionID: o.SessionID, Err: err})
			continue
		}
		if setErr := p.store.SetResumeResult(o.SessionID, target, ""); setErr != nil {
			log.Error().Err(setErr).Str("sessionId", o.SessionID).Msg("failed to record resurrection success")
		}
		p.ProtectWindow(target)
		results = append(results, ResurrectResult{SessionID: o.SessionID, NewWindow: target})
	}
	return results
}

// VerifyStartupAssociations re-checks every persisted (window, log)
// association once at startup (spec.md §4.7): a confirmed mismatch forces the
// row back to orphan so the next Tick re-resolves it; an inconclusive result
// (e.g. empty pane content) leaves the association untouched.
func (p *Poller) VerifyStartupAssociations(ctx context.Context, liveByTarget map[string]session.Session) {
	rows, err := p.store.All()
	if err != nil {
		log.Error().Err(err).Msg("failed to list agent sessions for startup verification")
		return
	}
	for _, row := range rows {
		if row.CurrentWindow == "" {
			continue
		}
		live, ok := liveByTarget[row.CurrentWindow]
		if !ok {
			continue
		}
		verdict, reason := matcher.VerifyAssociation(ctx, p.runner, row.LogFilePath, live.UserMessages, live.TraceLines, p.cfg.RGThreads)
		if verdict == matcher.VerdictMismatch {
			log.Warn().Str("sessionId", row.SessionID).Str("window", row.CurrentWindow).Str("reason", reason).
				Msg("startup verification found mismatched log association, orphaning")
			if err := p.store.SetWindow(row.SessionID, ""); err != nil {
				log.Error().Err(err).Str("sessionId", row.SessionID).Msg("failed to orphan mismatched session")
			}
		}
	}
}

// Tick runs one poll cycle: merges the local and remote scans, matches
// managed windows against candidate logs, commits store transitions, fuses
// matched AgentSession fields back onto the live sessions, applies
// force-working overrides, and replaces the registry's snapshot.
func (p *Poller) Tick(ctx context.Context, local, remote []session.Session) ([]session.Session, error) {
	now := time.Now()
	merged := mergeSessions(local, remote)

	logFiles := p.discoverCandidates()
	candidates := toMatcherCandidates(logFiles)
	candidateByPath := make(map[string]logdiscovery.LogFile, len(logFiles))
	for _, f := range logFiles {
		candidateByPath[f.Path] = f
	}

	var windows []matcher.WindowInput
	byTarget := make(map[string]int, len(merged))
	for i, s := range merged {
		byTarget[s.ID] = i
		if s.Source != session.SourceManaged || s.Remote {
			continue
		}
		if p.isTombstoned(s.ID, now) {
			continue
		}
		windows = append(windows, matcher.WindowInput{WindowID: s.ID, ProjectPath: s.ProjectPath, Messages: s.UserMessages, TraceLines: s.TraceLines})
	}

	assignments := matcher.MatchBatch(ctx, p.runner, windows, candidates, p.cfg.RGThreads)

	matchedTargets := make(map[string]bool, len(assignments))
	for _, a := range assignments {
		if !a.Outcome.Matched {
			continue
		}
		logFile, ok := candidateByPath[a.Outcome.LogPath]
		if !ok {
			continue
		}
		if p.isProtected(a.WindowID, now) {
			continue
		}
		if err := p.commit(logFile, a.WindowID, now); err != nil {
			log.Error().Err(err).Str("window", a.WindowID).Str("log", logFile.Path).Msg("failed to commit log association")
			continue
		}
		matchedTargets[a.WindowID] = true
	}

	if err := p.orphanStaleWindows(matchedTargets, now); err != nil {
		log.Error().Err(err).Msg("failed to orphan stale windows")
	}

	p.fuse(merged, byTarget, now)
	p.force.Apply(merged, now)

	p.registry.ReplaceSessions(merged)
	p.publishAgentSessions(now)
	return merged, nil
}

// publishAgentSessions recomputes the age-gated active/inactive split over
// every known agent session and publishes it as "agent-sessions" (spec.md
// §3, §6). The threshold is the "inactive_max_age_hours" app setting,
// defaulting to defaultInactiveMaxAgeHours when unset or invalid.
func (p *Poller) publishAgentSessions(now time.Time) {
	rows, err := p.store.All()
	if err != nil {
		log.Error().Err(err).Msg("failed to list agent sessions for agent-sessions event")
		return
	}

	maxAge := p.inactiveMaxAge()
	var active, inactive []session.AgentSessionInfo
	for _, row := range rows {
		info := toAgentSessionInfo(row)
		if now.Sub(row.LastActivityAt) > maxAge {
			inactive = append(inactive, info)
		} else {
			active = append(active, info)
		}
	}
	p.registry.SetAgentSessions(active, inactive)
}

func (p *Poller) inactiveMaxAge() time.Duration {
	value, ok, err := p.store.Setting(inactiveMaxAgeSetting)
	if err != nil || !ok {
		return defaultInactiveMaxAgeHours * time.Hour
	}
	hours, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || hours <= 0 {
		return defaultInactiveMaxAgeHours * time.Hour
	}
	return time.Duration(hours * float64(time.Hour))
}

// toAgentSessionInfo converts a persisted store row into the event-bus/wire
// payload shape (session.AgentSessionInfo), keeping internal/session free of
// an import on internal/store.
func toAgentSessionInfo(a store.AgentSession) session.AgentSessionInfo {
	return session.AgentSessionInfo{
		SessionID:       a.SessionID,
		AgentType:       a.AgentType,
		ProjectPath:     a.ProjectPath,
		LogFilePath:     a.LogFilePath,
		DisplayName:     a.DisplayName,
		CurrentWindow:   a.CurrentWindow,
		LastActivityAt:  a.LastActivityAt,
		CreatedAt:       a.CreatedAt,
		LastUserMessage: a.LastUserMessage,
		IsPinned:        a.IsPinned,
		LastResumeError: a.LastResumeError,
	}
}

// mergeSessions concatenates local and remote snapshots; the two id
// namespaces (tmux target vs "remote:<host>:...") never collide, so a plain
// append is a correct merge.
func mergeSessions(local, remote []session.Session) []session.Session {
	out := make([]session.Session, 0, len(local)+len(remote))
	out = append(out, local...)
	out = append(out, remote...)
	return out
}

// commit applies the new/orphan/activate store transition for one matched
// (window, log) pair (spec.md §4.8 step 4).
func (p *Poller) commit(logFile logdiscovery.LogFile, target string, now time.Time) error {
	existing, err := p.store.Get(logFile.SessionID)
	if err != nil {
		return fmt.Errorf("get agent session: %w", err)
	}

	if existing == nil {
		return p.store.Insert(store.AgentSession{
			SessionID:      logFile.SessionID,
			AgentType:      logFile.AgentType,
			ProjectPath:    logFile.ProjectPath,
			LogFilePath:    logFile.Path,
			DisplayName:    deriveDisplayName(logFile.ProjectPath),
			CurrentWindow:  target,
			LastActivityAt: now,
			CreatedAt:      now,
		})
	}

	if existing.CurrentWindow != target {
		wasOrphaned := existing.CurrentWindow == ""
		if err := p.store.SetWindow(logFile.SessionID, target); err != nil {
			return fmt.Errorf("activate window: %w", err)
		}
		if wasOrphaned {
			activated := *existing
			activated.CurrentWindow = target
			p.registry.PublishSessionActivated(toAgentSessionInfo(activated))
		}
	}
	return nil
}

// orphanStaleWindows clears current_window for any persisted row bound to a
// window that no longer matched this tick (and isn't protected/tombstoned),
// implementing the orphan half of the new/orphan/activate transition.
func (p *Poller) orphanStaleWindows(matchedTargets map[string]bool, now time.Time) error {
	rows, err := p.store.All()
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.CurrentWindow == "" || matchedTargets[row.CurrentWindow] {
			continue
		}
		if p.isProtected(row.CurrentWindow, now) || p.isTombstoned(row.CurrentWindow, now) {
			continue
		}
		if err := p.store.SetWindow(row.SessionID, ""); err != nil {
			return err
		}
		row.CurrentWindow = ""
		p.registry.PublishSessionOrphaned(toAgentSessionInfo(row))
	}
	return nil
}

// fuse enriches each managed live session with its bound AgentSession row,
// respecting the 60s lastUserMessage lock and any active rename override.
func (p *Poller) fuse(sessions []session.Session, byTarget map[string]int, now time.Time) {
	rows, err := p.store.All()
	if err != nil {
		log.Error().Err(err).Msg("failed to list agent sessions for fusion")
		return
	}
	for _, row := range rows {
		if row.CurrentWindow == "" {
			continue
		}
		idx, ok := byTarget[row.CurrentWindow]
		if !ok {
			continue
		}
		s := &sessions[idx]
		s.AgentSessionID = row.SessionID
		s.LogFilePath = row.LogFilePath
		s.IsPinned = row.IsPinned

		if name, overridden := p.displayNameOverride(row.SessionID, now); overridden {
			s.AgentSessionName = name
		} else {
			s.AgentSessionName = row.DisplayName
		}

		if s.LastUserMessage != "" && p.canTouchMessage(row.CurrentWindow, now) {
			if err := p.store.TouchActivity(row.SessionID, s.LastActivity, s.LastUserMessage, true); err != nil {
				log.Error().Err(err).Str("sessionId", row.SessionID).Msg("failed to touch activity")
			}
		} else if err := p.store.TouchActivity(row.SessionID, s.LastActivity, "", false); err != nil {
			log.Error().Err(err).Str("sessionId", row.SessionID).Msg("failed to touch activity")
		}
	}
}

// deriveDisplayName is the default display name for a newly-discovered agent
// session: the project directory's base name (spec.md §4.8 step 4 "New"
// case); the user can always override it with session-rename afterward.
func deriveDisplayName(projectPath string) string {
	projectPath = strings.TrimRight(projectPath, "/")
	if projectPath == "" {
		return "session"
	}
	idx := strings.LastIndex(projectPath, "/")
	if idx < 0 || idx == len(projectPath)-1 {
		return projectPath
	}
	return projectPath[idx+1:]
}
