package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tiagoefreitas/agentboard/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentboard.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1700000000, 0).UTC()

	err := s.Insert(AgentSession{
		SessionID:      "sess-1",
		AgentType:      session.AgentClaude,
		ProjectPath:    "/home/dev/proj",
		LogFilePath:    "/home/dev/.claude/projects/x/sess-1.jsonl",
		DisplayName:    "proj: fix bug",
		CurrentWindow:  "agentboard:0",
		LastActivityAt: now,
		CreatedAt:      now,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Get("sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected a row")
	}
	if got.AgentType != session.AgentClaude || got.CurrentWindow != "agentboard:0" {
		t.Errorf("got %+v", got)
	}
	if !got.LastActivityAt.Equal(now) {
		t.Errorf("lastActivityAt = %v, want %v", got.LastActivityAt, now)
	}
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get("nope")
	if err != nil || got != nil {
		t.Fatalf("got %+v, %v; want nil, nil", got, err)
	}
}

func TestSetWindowOrphanAndActivate(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	if err := s.Insert(AgentSession{SessionID: "s1", CurrentWindow: "agentboard:0", LastActivityAt: now, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetWindow("s1", ""); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get("s1")
	if got.CurrentWindow != "" {
		t.Errorf("expected orphaned (empty) window, got %q", got.CurrentWindow)
	}

	if err := s.SetWindow("s1", "agentboard:1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get("s1")
	if got.CurrentWindow != "agentboard:1" {
		t.Errorf("expected re-activated window, got %q", got.CurrentWindow)
	}
}

func TestPinnedOrphans(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	if err := s.Insert(AgentSession{SessionID: "pinned-orphan", IsPinned: true, CurrentWindow: "", LastActivityAt: now, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(AgentSession{SessionID: "pinned-live", IsPinned: true, CurrentWindow: "agentboard:0", LastActivityAt: now, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(AgentSession{SessionID: "unpinned-orphan", IsPinned: false, CurrentWindow: "", LastActivityAt: now, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}

	orphans, err := s.PinnedOrphans()
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 1 || orphans[0].SessionID != "pinned-orphan" {
		t.Fatalf("got %+v, want exactly pinned-orphan", orphans)
	}
}

func TestSetResumeResultSuccessAndFailure(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	if err := s.Insert(AgentSession{SessionID: "s1", IsPinned: true, LastActivityAt: now, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetResumeResult("s1", "agentboard:2", ""); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get("s1")
	if got.CurrentWindow != "agentboard:2" || got.LastResumeError != "" {
		t.Errorf("got %+v", got)
	}

	if err := s.Insert(AgentSession{SessionID: "s2", IsPinned: true, LastActivityAt: now, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetResumeResult("s2", "", "tmux not found"); err != nil {
		t.Fatal(err)
	}
	got2, _ := s.Get("s2")
	if got2.IsPinned {
		t.Error("resurrection failure should auto-unpin")
	}
	if got2.LastResumeError != "tmux not found" {
		t.Errorf("lastResumeError = %q", got2.LastResumeError)
	}
}

func TestSettingsUpsert(t *testing.T) {
	s := openTestStore(t)
	if _, ok, _ := s.Setting("theme"); ok {
		t.Fatal("expected no value before set")
	}
	if err := s.SetSetting("theme", "dark"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Setting("theme")
	if err != nil || !ok || v != "dark" {
		t.Fatalf("got %q, %v, %v", v, ok, err)
	}
	if err := s.SetSetting("theme", "light"); err != nil {
		t.Fatal(err)
	}
	v, _, _ = s.Setting("theme")
	if v != "light" {
		t.Fatalf("expected upsert to overwrite, got %q", v)
	}
}
