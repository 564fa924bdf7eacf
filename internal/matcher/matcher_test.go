package matcher

import (
	"context"
	"testing"
)

// fakeRunner lets tests control ripgrep results without invoking the real
// binary. linesByFile maps path -> pattern -> matches.
type fakeRunner struct {
	linesByFile map[string]map[string][]LineMatch
}

func (f *fakeRunner) Files(ctx context.Context, pattern, dir string, threads int) ([]string, error) {
	return nil, nil
}

func (f *fakeRunner) Lines(ctx context.Context, pattern, path string, threads int) ([]LineMatch, error) {
	byPattern, ok := f.linesByFile[path]
	if !ok {
		return nil, nil
	}
	return byPattern[pattern], nil
}

func TestMatchWindowPrefersLogWithAllMessagesInOrder(t *testing.T) {
	msgs := []string{"fix the login bug please", "add a regression test"}
	p1 := BuildPattern(msgs[0])
	p2 := BuildPattern(msgs[1])

	fr := &fakeRunner{linesByFile: map[string]map[string][]LineMatch{
		"/logs/a.jsonl": {
			p1: {{LineNumber: 10}},
			p2: {{LineNumber: 20}},
		},
		"/logs/b.jsonl": {
			// b only has the first message — must not be chosen.
			p1: {{LineNumber: 5}},
		},
	}}

	candidates := []Candidate{{Path: "/logs/a.jsonl"}, {Path: "/logs/b.jsonl"}}
	out := MatchWindow(context.Background(), fr, "", msgs, nil, candidates, 1)
	if !out.Matched || out.LogPath != "/logs/a.jsonl" || out.Reason != "messages" {
		t.Fatalf("got %+v", out)
	}
}

func TestMatchWindowRequiresOrder(t *testing.T) {
	msgs := []string{"first message text", "second message text"}
	p1 := BuildPattern(msgs[0])
	p2 := BuildPattern(msgs[1])

	fr := &fakeRunner{linesByFile: map[string]map[string][]LineMatch{
		"/logs/reversed.jsonl": {
			// second message appears BEFORE first -> not a valid match.
			p1: {{LineNumber: 30}},
			p2: {{LineNumber: 10}},
		},
	}}

	candidates := []Candidate{{Path: "/logs/reversed.jsonl"}}
	out := MatchWindow(context.Background(), fr, "", msgs, nil, candidates, 1)
	if out.Matched {
		t.Fatalf("expected no match for out-of-order messages, got %+v", out)
	}
}

func TestMatchWindowExcludesToolResultContext(t *testing.T) {
	msg := "please refactor this function"
	pattern := BuildPattern(msg)

	fr := &fakeRunner{linesByFile: map[string]map[string][]LineMatch{
		"/logs/a.jsonl": {
			pattern: {{LineNumber: 5, Text: `{"toolUseResult":{"text":"please refactor this function"}}`}},
		},
	}}

	candidates := []Candidate{{Path: "/logs/a.jsonl"}}
	out := MatchWindow(context.Background(), fr, "", []string{msg}, nil, candidates, 1)
	if out.Matched {
		t.Fatalf("expected tool_result-embedded match to be rejected, got %+v", out)
	}
}

func TestMatchWindowEarliestFinishWinsTie(t *testing.T) {
	msgs := []string{"do the thing"}
	pattern := BuildPattern(msgs[0])

	fr := &fakeRunner{linesByFile: map[string]map[string][]LineMatch{
		"/logs/early.jsonl": {pattern: {{LineNumber: 5}}},
		"/logs/late.jsonl":  {pattern: {{LineNumber: 50}}},
	}}

	candidates := []Candidate{{Path: "/logs/late.jsonl"}, {Path: "/logs/early.jsonl"}}
	out := MatchWindow(context.Background(), fr, "", msgs, nil, candidates, 1)
	if out.LogPath != "/logs/early.jsonl" {
		t.Fatalf("expected earliest-finishing log to win, got %q", out.LogPath)
	}
}

func TestMatchWindowFallsBackToTraceLines(t *testing.T) {
	trace := "• reviewed the auth middleware changes"
	pattern := BuildPattern(trace)

	fr := &fakeRunner{linesByFile: map[string]map[string][]LineMatch{
		"/logs/sub.jsonl":  {pattern: {{LineNumber: 1}}},
		"/logs/main.jsonl": {pattern: {{LineNumber: 1}}},
	}}

	candidates := []Candidate{
		{Path: "/logs/sub.jsonl", IsSubagent: true, MTimeUnix: 100},
		{Path: "/logs/main.jsonl", IsSubagent: false, MTimeUnix: 50},
	}
	out := MatchWindow(context.Background(), fr, "", nil, []string{trace}, candidates, 1)
	if !out.Matched || out.LogPath != "/logs/main.jsonl" || out.Reason != "trace-fallback" {
		t.Fatalf("expected non-subagent log preferred, got %+v", out)
	}
}

func TestMatchWindowCodexExecSentinelNeverMatches(t *testing.T) {
	msg := "run the migration script"
	pattern := BuildPattern(msg)
	fr := &fakeRunner{linesByFile: map[string]map[string][]LineMatch{
		"/logs/exec.jsonl": {pattern: {{LineNumber: 1}}},
	}}

	// Window side is the sentinel: no candidate should be eligible, even one
	// that would otherwise match cleanly.
	candidates := []Candidate{{Path: "/logs/exec.jsonl"}}
	out := MatchWindow(context.Background(), fr, "<codex-exec>", []string{msg}, nil, candidates, 1)
	if out.Matched {
		t.Fatalf("expected no match when window project path is the codex-exec sentinel, got %+v", out)
	}

	// Candidate side is the sentinel: same result even with a non-sentinel window.
	candidates = []Candidate{{Path: "/logs/exec.jsonl", ProjectPath: "<codex-exec>"}}
	out = MatchWindow(context.Background(), fr, "/home/dev/proj", []string{msg}, nil, candidates, 1)
	if out.Matched {
		t.Fatalf("expected no match when candidate project path is the codex-exec sentinel, got %+v", out)
	}
}

func TestMatchBatchResolvesConflictsByUniqueness(t *testing.T) {
	msgA := []string{"window a unique message"}
	msgB := []string{"window b unique message"}
	pa := BuildPattern(msgA[0])
	pb := BuildPattern(msgB[0])

	// Both windows would match the same single log file; only one may claim it.
	fr := &fakeRunner{linesByFile: map[string]map[string][]LineMatch{
		"/logs/shared.jsonl": {
			pa: {{LineNumber: 1}},
			pb: {{LineNumber: 2}},
		},
	}}

	windows := []WindowInput{
		{WindowID: "w-a", Messages: msgA},
		{WindowID: "w-b", Messages: msgB},
	}
	candidates := []Candidate{{Path: "/logs/shared.jsonl"}}

	results := MatchBatch(context.Background(), fr, windows, candidates, 1)

	claimed := 0
	for _, r := range results {
		if r.Outcome.Matched {
			claimed++
		}
	}
	if claimed != 1 {
		t.Fatalf("expected exactly one window to claim the shared log, got %d", claimed)
	}
}

func TestVerifyAssociationEmptyContentIsInconclusive(t *testing.T) {
	fr := &fakeRunner{linesByFile: map[string]map[string][]LineMatch{}}
	verdict, _ := VerifyAssociation(context.Background(), fr, "/logs/a.jsonl", nil, nil, 1)
	if verdict != VerdictInconclusive {
		t.Fatalf("got %v, want inconclusive", verdict)
	}
}

func TestVerifyAssociationMismatch(t *testing.T) {
	fr := &fakeRunner{linesByFile: map[string]map[string][]LineMatch{}}
	verdict, _ := VerifyAssociation(context.Background(), fr, "/logs/a.jsonl", []string{"this text is not in the log"}, nil, 1)
	if verdict != VerdictMismatch {
		t.Fatalf("got %v, want mismatch", verdict)
	}
}

func TestVerifyAssociationVerified(t *testing.T) {
	msg := "this exact text is in the log"
	pattern := BuildPattern(msg)
	fr := &fakeRunner{linesByFile: map[string]map[string][]LineMatch{
		"/logs/a.jsonl": {pattern: {{LineNumber: 3}}},
	}}
	verdict, _ := VerifyAssociation(context.Background(), fr, "/logs/a.jsonl", []string{msg}, nil, 1)
	if verdict != VerdictVerified {
		t.Fatalf("got %v, want verified", verdict)
	}
}
