package wsdispatch

import (
	"errors"
	"testing"

	"github.com/tiagoefreitas/agentboard/internal/logpoller"
)

func TestQuoteForShell(t *testing.T) {
	got := quoteForShell(`it's a test`)
	want := `'it'\''s a test'`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestQuoteForShellNoQuotes(t *testing.T) {
	got := quoteForShell("plain")
	if got != "'plain'" {
		t.Errorf("got %q", got)
	}
}

func TestBroadcastResurrectionFailuresIgnoresSuccesses(t *testing.T) {
	h := &Hub{conns: make(map[string]*connection)}
	// With no live connections this only exercises the filtering logic; it
	// must not panic on a mixed success/failure result set.
	h.BroadcastResurrectionFailures([]logpoller.ResurrectResult{
		{SessionID: "ok-1", NewWindow: "agentboard:@1"},
		{SessionID: "bad-1", Err: errors.New("resume failed")},
	})
}
