package wsdispatch

import "testing"

func TestValidateHostname(t *testing.T) {
	cases := map[string]bool{
		"example.com":        true,
		"my-host":            true,
		"a.b.c":               true,
		"":                   false,
		"-bad":                false,
		"bad-":                false,
		"bad_host":            false,
		"host..name":          false,
	}
	for h, want := range cases {
		if got := validateHostname(h); got != want {
			t.Errorf("validateHostname(%q) = %v, want %v", h, got, want)
		}
	}
}

func TestValidateWindowTarget(t *testing.T) {
	cases := map[string]bool{
		"agentboard:@1": true,
		"agentboard:1":  true,
		"agentboard":    false,
		"a:b:c":         false,
		"":              false,
	}
	for target, want := range cases {
		if got := validateWindowTarget(target); got != want {
			t.Errorf("validateWindowTarget(%q) = %v, want %v", target, got, want)
		}
	}
}

func TestValidateAgentSessionID(t *testing.T) {
	if !validateAgentSessionID("abcd1234") {
		t.Error("expected 8-char id to be valid")
	}
	if validateAgentSessionID("short") {
		t.Error("expected under-length id to be invalid")
	}
	if validateAgentSessionID("has a space") {
		t.Error("expected id with space to be invalid")
	}
}

func TestValidateRenameName(t *testing.T) {
	if !validateRenameName("my-session_2") {
		t.Error("expected valid rename name to pass")
	}
	if validateRenameName("-leading-dash") {
		t.Error("expected name starting with a dash to fail")
	}
	if validateRenameName("has space") {
		t.Error("expected name with a space to fail")
	}
	if validateRenameName("") {
		t.Error("expected empty name to fail")
	}
}

func TestAllowedHost(t *testing.T) {
	list := []string{"host-a", "host-b"}
	if !allowedHost("host-a", list) {
		t.Error("expected host-a to be allowed")
	}
	if allowedHost("host-c", list) {
		t.Error("expected host-c to be rejected")
	}
}
