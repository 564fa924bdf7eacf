package agenttype

import (
	"testing"

	"github.com/tiagoefreitas/agentboard/internal/session"
)

func TestInfer(t *testing.T) {
	cases := []struct {
		name string
		cmd  string
		want session.AgentType
	}{
		{"bare codex with flag", "codex --search", session.AgentCodex},
		{"absolute path claude", "/usr/local/bin/claude", session.AgentClaude},
		{"env assignment prefix", "ENV_VAR=1 claude", session.AgentClaude},
		{"npx launcher", "npx codex", session.AgentCodex},
		{"bash -lic wrapper", "bash -lic 'claude --resume abc'", session.AgentClaude},
		{"bare shell, no agent", "bash", session.AgentUnknown},
		{"single-quoted command", "'codex --search'", session.AgentCodex},
		{"double-quoted command", `"claude"`, session.AgentClaude},
		{"pi agent", "pi --continue", session.AgentPi},
		{"bunx launcher", "bunx pi", session.AgentPi},
		{"unknown binary", "/usr/bin/vim", session.AgentUnknown},
		{"empty command", "", session.AgentUnknown},
		{"env then flags then binary", "FOO=bar --verbose codex", session.AgentCodex},
		{"bash -lc wrapper", "bash -lc 'codex resume abc123'", session.AgentCodex},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Infer(tc.cmd); got != tc.want {
				t.Errorf("Infer(%q) = %v, want %v", tc.cmd, got, tc.want)
			}
		})
	}
}
