package usermsg

import (
	"reflect"
	"testing"
)

func TestExtractClaudeExcludesPendingInput(t *testing.T) {
	content := "some output\n" +
		"❯ fix the login bug\n" +
		"more output here\n" +
		"❯ add a test for it\n" +
		"↵ send\n"
	got := ExtractClaude(content, 5)
	want := []string{"fix the login bug"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExtractClaudeNoPendingIndicatorKeepsLast(t *testing.T) {
	content := "❯ first message\noutput\n❯ second message\noutput\noutput\n"
	got := ExtractClaude(content, 5)
	want := []string{"first message", "second message"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExtractClaudeRespectsMax(t *testing.T) {
	content := "❯ one\n❯ two\n❯ three\noutput\n"
	got := ExtractClaude(content, 2)
	want := []string{"two", "three"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExtractClaudeSkipsToolNotifications(t *testing.T) {
	content := "❯ Warning: foo was requested via exec_command\n❯ real message\noutput\n"
	got := ExtractClaude(content, 5)
	want := []string{"real message"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExtractCodexIgnoresHintLine(t *testing.T) {
	content := "fix the parser bug\nsome tool output\n› type your message\n"
	got := ExtractCodex(content, 5)
	want := []string{"fix the parser bug", "some tool output"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExtractPiDelimitedByBackgroundSGR(t *testing.T) {
	content := "\x1b[48;2;52;53;65madd a retry loop\x1b[0mnormal text\x1b[48;2;52;53;65msecond request\x1b[49m"
	got := ExtractPi(content, 5)
	want := []string{"add a retry loop", "second request"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExtractTraceLinesBulletAndMarkers(t *testing.T) {
	content := "• checked the config loader\nplain output\nReviewing the diff for correctness\nanother line\n"
	got := ExtractTraceLines(content)
	want := []string{"• checked the config loader", "Reviewing the diff for correctness"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestIsToolNotification(t *testing.T) {
	cases := map[string]bool{
		"Warning: rm -rf / was requested via exec_command": true,
		"<task-notification>payload</task-notification>":   true,
		"here is a <task-id>123</task-id> value":            true,
		"follow the <instructions> carefully":               true,
		"just a normal message":                              false,
	}
	for text, want := range cases {
		if got := IsToolNotification(text); got != want {
			t.Errorf("IsToolNotification(%q) = %v, want %v", text, got, want)
		}
	}
}
