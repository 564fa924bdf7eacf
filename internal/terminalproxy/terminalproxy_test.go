package terminalproxy

import "testing"

func TestWsSessionName(t *testing.T) {
	got := wsSessionName("agentboard", "conn-1")
	want := "agentboard-ws-conn-1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPickClientTty(t *testing.T) {
	out := []byte("/dev/pts/3 1234\n/dev/pts/7 5678\n")
	tty, ok := pickClientTty(out, "5678")
	if !ok || tty != "/dev/pts/7" {
		t.Errorf("got tty=%q ok=%v", tty, ok)
	}
}

func TestPickClientTtyNoMatch(t *testing.T) {
	out := []byte("/dev/pts/3 1234\n")
	_, ok := pickClientTty(out, "9999")
	if ok {
		t.Error("expected no match for unrelated pid")
	}
}

func TestPickClientTtySkipsMalformedLines(t *testing.T) {
	out := []byte("garbage\n/dev/pts/1 42\n")
	tty, ok := pickClientTty(out, "42")
	if !ok || tty != "/dev/pts/1" {
		t.Errorf("got tty=%q ok=%v", tty, ok)
	}
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := shellQuote(`it's a test`)
	want := `'it'\''s a test'`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestErrorFormatting(t *testing.T) {
	err := wrapErr(ErrInvalidWindow, false, "target %q is empty", "")
	if err.Code != ErrInvalidWindow {
		t.Errorf("code = %v", err.Code)
	}
	if err.Retryable {
		t.Error("expected non-retryable validation error")
	}
	if err.Error() == "" {
		t.Error("expected non-empty error string")
	}
}

func TestLocalIsReadyBeforeStart(t *testing.T) {
	l := NewLocal("agentboard", "conn-1", nil, nil)
	if l.IsReady() {
		t.Error("expected not ready before Start")
	}
}

func TestSSHIsReadyBeforeStart(t *testing.T) {
	s := NewSSH("host-a", nil, "agentboard", "conn-1", 0, nil, nil)
	if s.IsReady() {
		t.Error("expected not ready before Start")
	}
}

func TestSwitchToRejectsEmptyTarget(t *testing.T) {
	l := NewLocal("agentboard", "conn-1", nil, nil)
	err := l.SwitchTo(nil, "", nil) //nolint:staticcheck // validation short-circuits before ctx use
	tpErr, ok := err.(*Error)
	if !ok || tpErr.Code != ErrInvalidWindow {
		t.Fatalf("got %v, want ErrInvalidWindow", err)
	}
}
