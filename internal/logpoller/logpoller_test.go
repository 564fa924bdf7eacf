package logpoller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tiagoefreitas/agentboard/internal/matcher"
	"github.com/tiagoefreitas/agentboard/internal/session"
	"github.com/tiagoefreitas/agentboard/internal/store"
)

type fakeRunner struct {
	linesByFile map[string]map[string][]matcher.LineMatch
}

func (f *fakeRunner) Files(ctx context.Context, pattern, dir string, threads int) ([]string, error) {
	return nil, nil
}

func (f *fakeRunner) Lines(ctx context.Context, pattern, path string, threads int) ([]matcher.LineMatch, error) {
	byPattern, ok := f.linesByFile[path]
	if !ok {
		return nil, nil
	}
	return byPattern[pattern], nil
}

type fakeCreator struct {
	target string
	err    error
}

func (f *fakeCreator) CreateWindow(ctx context.Context, projectPath, command string) (string, error) {
	return f.target, f.err
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agentboard.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// writeLog writes a minimal claude-style jsonl log with a session_meta cwd
// record at the head, so logdiscovery can recover the project path without
// relying on directory-name decoding.
func writeLog(t *testing.T, dir, sessionID, cwd string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	content := `{"session_meta":{"payload":{"source":"cli","cwd":"` + cwd + `"}}}` + "\n" +
		`{"type":"user","message":{"content":"fix the login bug please"}}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTickInsertsNewAgentSession(t *testing.T) {
	st := openTestStore(t)
	claudeDir := t.TempDir()
	logPath := writeLog(t, filepath.Join(claudeDir, "-home-dev-proj"), "sess-1", "/home/dev/proj")

	msg := "fix the login bug please"
	pattern := matcher.BuildPattern(msg)
	fr := &fakeRunner{linesByFile: map[string]map[string][]matcher.LineMatch{
		logPath: {pattern: {{LineNumber: 2}}},
	}}

	registry := session.NewRegistry()
	poller := New(Config{MaxCandidates: 10, RGThreads: 1, ClaudeConfigDir: claudeDir}, st, fr, registry, session.NewForceWorking(), &fakeCreator{})

	local := []session.Session{{
		ID: "agentboard:@1", Name: "main", TmuxTarget: "agentboard:@1",
		ProjectPath: "/home/dev/proj", Status: session.StatusWorking, Source: session.SourceManaged,
		AgentType: session.AgentClaude, LastActivity: time.Now(), CreatedAt: time.Now(),
		LastUserMessage: msg, UserMessages: []string{msg},
	}}

	merged, err := poller.Tick(context.Background(), local, nil)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(merged) != 1 {
		t.Fatalf("got %d sessions, want 1", len(merged))
	}
	if merged[0].AgentSessionID != "sess-1" {
		t.Errorf("expected fused AgentSessionID sess-1, got %q", merged[0].AgentSessionID)
	}

	row, err := st.Get("sess-1")
	if err != nil || row == nil {
		t.Fatalf("expected agent session row for sess-1: row=%v err=%v", row, err)
	}
	if row.CurrentWindow != "agentboard:@1" {
		t.Errorf("current_window = %q", row.CurrentWindow)
	}
}

func TestTickActivatesOrphanedRow(t *testing.T) {
	st := openTestStore(t)
	claudeDir := t.TempDir()
	logPath := writeLog(t, filepath.Join(claudeDir, "-home-dev-proj"), "sess-1", "/home/dev/proj")
	if err := st.Insert(store.AgentSession{
		SessionID: "sess-1", AgentType: session.AgentClaude, ProjectPath: "/home/dev/proj", LogFilePath: logPath,
		DisplayName: "proj", CurrentWindow: "", LastActivityAt: time.Now(), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	msg := "fix the login bug please"
	pattern := matcher.BuildPattern(msg)
	fr := &fakeRunner{linesByFile: map[string]map[string][]matcher.LineMatch{
		logPath: {pattern: {{LineNumber: 2}}},
	}}

	registry := session.NewRegistry()
	events, unsub := registry.Subscribe(8)
	defer unsub()

	poller := New(Config{MaxCandidates: 10, RGThreads: 1, ClaudeConfigDir: claudeDir}, st, fr, registry, session.NewForceWorking(), &fakeCreator{})

	local := []session.Session{{
		ID: "agentboard:@1", Name: "main", TmuxTarget: "agentboard:@1",
		ProjectPath: "/home/dev/proj", Status: session.StatusWorking, Source: session.SourceManaged,
		AgentType: session.AgentClaude, LastActivity: time.Now(), CreatedAt: time.Now(),
		LastUserMessage: msg, UserMessages: []string{msg},
	}}

	if _, err := poller.Tick(context.Background(), local, nil); err != nil {
		t.Fatalf("tick: %v", err)
	}

	row, err := st.Get("sess-1")
	if err != nil || row == nil || row.CurrentWindow != "agentboard:@1" {
		t.Fatalf("expected row rebound to agentboard:@1, got %+v err=%v", row, err)
	}

	if !drainUntilEvent(t, events, session.EventSessionActivated, func(ev session.Event) bool {
		return ev.AgentSession.SessionID == "sess-1" && ev.AgentSession.CurrentWindow == "agentboard:@1"
	}) {
		t.Error("expected a session-activated event carrying sess-1")
	}
}

func TestTickPublishesAgentSessionsSplit(t *testing.T) {
	st := openTestStore(t)
	if err := st.Insert(store.AgentSession{
		SessionID: "recent", AgentType: session.AgentClaude, ProjectPath: "/p", LogFilePath: "/logs/a.jsonl",
		DisplayName: "proj", LastActivityAt: time.Now(), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.Insert(store.AgentSession{
		SessionID: "stale", AgentType: session.AgentClaude, ProjectPath: "/p", LogFilePath: "/logs/b.jsonl",
		DisplayName: "proj", LastActivityAt: time.Now().Add(-48 * time.Hour), CreatedAt: time.Now().Add(-48 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	registry := session.NewRegistry()
	events, unsub := registry.Subscribe(8)
	defer unsub()

	poller := New(Config{MaxCandidates: 10, RGThreads: 1}, st, &fakeRunner{}, registry, session.NewForceWorking(), &fakeCreator{})
	if _, err := poller.Tick(context.Background(), nil, nil); err != nil {
		t.Fatalf("tick: %v", err)
	}

	var got session.Event
	if !drainUntilEvent(t, events, session.EventAgentSessions, func(ev session.Event) bool {
		got = ev
		return true
	}) {
		t.Fatal("expected an agent-sessions event")
	}
	if len(got.Active) != 1 || got.Active[0].SessionID != "recent" {
		t.Errorf("active = %+v, want [recent]", got.Active)
	}
	if len(got.Inactive) != 1 || got.Inactive[0].SessionID != "stale" {
		t.Errorf("inactive = %+v, want [stale]", got.Inactive)
	}
}

func TestTickOrphansRowWhenWindowDisappears(t *testing.T) {
	st := openTestStore(t)
	if err := st.Insert(store.AgentSession{
		SessionID: "sess-1", AgentType: session.AgentClaude, ProjectPath: "/p", LogFilePath: "/logs/a.jsonl",
		DisplayName: "proj", CurrentWindow: "agentboard:@1", LastActivityAt: time.Now(), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	registry := session.NewRegistry()
	events, unsub := registry.Subscribe(8)
	defer unsub()

	poller := New(Config{MaxCandidates: 10, RGThreads: 1}, st, &fakeRunner{}, registry, session.NewForceWorking(), &fakeCreator{})

	if _, err := poller.Tick(context.Background(), nil, nil); err != nil {
		t.Fatalf("tick: %v", err)
	}

	row, err := st.Get("sess-1")
	if err != nil || row == nil {
		t.Fatalf("row missing: %v", err)
	}
	if row.CurrentWindow != "" {
		t.Errorf("expected row orphaned, current_window = %q", row.CurrentWindow)
	}

	if !drainUntilEvent(t, events, session.EventSessionOrphaned, func(ev session.Event) bool {
		return ev.AgentSession.SessionID == "sess-1"
	}) {
		t.Error("expected a session-orphaned event carrying sess-1")
	}
}

// drainUntilEvent reads from events until one satisfies want (for the given
// type) or the channel has nothing left to offer within the deadline.
func drainUntilEvent(t *testing.T, events <-chan session.Event, typ session.EventType, match func(session.Event) bool) bool {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ && match(ev) {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func TestTombstoneSuppressesOrphaning(t *testing.T) {
	st := openTestStore(t)
	if err := st.Insert(store.AgentSession{
		SessionID: "sess-1", AgentType: session.AgentClaude, ProjectPath: "/p", LogFilePath: "/logs/a.jsonl",
		DisplayName: "proj", CurrentWindow: "agentboard:@1", LastActivityAt: time.Now(), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	registry := session.NewRegistry()
	poller := New(Config{MaxCandidates: 10, RGThreads: 1}, st, &fakeRunner{}, registry, session.NewForceWorking(), &fakeCreator{})
	poller.Tombstone("agentboard:@1")

	if _, err := poller.Tick(context.Background(), nil, nil); err != nil {
		t.Fatalf("tick: %v", err)
	}

	row, _ := st.Get("sess-1")
	if row.CurrentWindow != "agentboard:@1" {
		t.Errorf("expected tombstoned window left bound, got %q", row.CurrentWindow)
	}
}

func TestResurrectCreatesWindowAndClearsPinOnFailure(t *testing.T) {
	st := openTestStore(t)
	if err := st.Insert(store.AgentSession{
		SessionID: "sess-1", AgentType: session.AgentCodex, ProjectPath: "/p", LogFilePath: "/logs/a.jsonl",
		DisplayName: "proj", LastActivityAt: time.Now(), CreatedAt: time.Now(), IsPinned: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetPinned("sess-1", true); err != nil {
		t.Fatal(err)
	}

	registry := session.NewRegistry()
	poller := New(Config{ClaudeResumeCmd: "claude --resume {sessionId}", CodexResumeCmd: "codex resume {sessionId}"},
		st, &fakeRunner{}, registry, session.NewForceWorking(), &fakeCreator{err: errBoom{}})

	results := poller.Resurrect(context.Background())
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected one failed resurrection, got %+v", results)
	}

	row, _ := st.Get("sess-1")
	if row.IsPinned {
		t.Error("expected auto-unpin after resurrection failure")
	}
	if row.LastResumeError == "" {
		t.Error("expected lastResumeError recorded")
	}
}

func TestResurrectSuccessBindsWindow(t *testing.T) {
	st := openTestStore(t)
	if err := st.Insert(store.AgentSession{
		SessionID: "sess-1", AgentType: session.AgentClaude, ProjectPath: "/p", LogFilePath: "/logs/a.jsonl",
		DisplayName: "proj", LastActivityAt: time.Now(), CreatedAt: time.Now(), IsPinned: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetPinned("sess-1", true); err != nil {
		t.Fatal(err)
	}

	registry := session.NewRegistry()
	poller := New(Config{ClaudeResumeCmd: "claude --resume {sessionId}"}, st, &fakeRunner{}, registry,
		session.NewForceWorking(), &fakeCreator{target: "agentboard:@9"})

	results := poller.Resurrect(context.Background())
	if len(results) != 1 || results[0].Err != nil || results[0].NewWindow != "agentboard:@9" {
		t.Fatalf("got %+v", results)
	}

	row, _ := st.Get("sess-1")
	if row.CurrentWindow != "agentboard:@9" {
		t.Errorf("current_window = %q", row.CurrentWindow)
	}
}

func TestVerifyStartupAssociationsOrphansMismatch(t *testing.T) {
	st := openTestStore(t)
	if err := st.Insert(store.AgentSession{
		SessionID: "sess-1", AgentType: session.AgentClaude, ProjectPath: "/p", LogFilePath: "/logs/a.jsonl",
		DisplayName: "proj", CurrentWindow: "agentboard:@1", LastActivityAt: time.Now(), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	registry := session.NewRegistry()
	poller := New(Config{RGThreads: 1}, st, &fakeRunner{}, registry, session.NewForceWorking(), &fakeCreator{})

	live := map[string]session.Session{
		"agentboard:@1": {UserMessages: []string{"this text never appears in the log"}},
	}
	poller.VerifyStartupAssociations(context.Background(), live)

	row, _ := st.Get("sess-1")
	if row.CurrentWindow != "" {
		t.Errorf("expected mismatched association orphaned, got %q", row.CurrentWindow)
	}
}

func TestVerifyStartupAssociationsLeavesInconclusiveAlone(t *testing.T) {
	st := openTestStore(t)
	if err := st.Insert(store.AgentSession{
		SessionID: "sess-1", AgentType: session.AgentClaude, ProjectPath: "/p", LogFilePath: "/logs/a.jsonl",
		DisplayName: "proj", CurrentWindow: "agentboard:@1", LastActivityAt: time.Now(), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	registry := session.NewRegistry()
	poller := New(Config{RGThreads: 1}, st, &fakeRunner{}, registry, session.NewForceWorking(), &fakeCreator{})

	live := map[string]session.Session{"agentboard:@1": {}} // empty content -> inconclusive
	poller.VerifyStartupAssociations(context.Background(), live)

	row, _ := st.Get("sess-1")
	if row.CurrentWindow != "agentboard:@1" {
		t.Errorf("expected inconclusive verification to leave binding intact, got %q", row.CurrentWindow)
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
