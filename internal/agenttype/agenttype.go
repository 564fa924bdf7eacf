// Package agenttype infers the agent family running in a tmux window from its
// raw pane_start_command (spec.md §4.4), statically — no process inspection,
// no content sniffing.
//
// Grounded on the teacher's Backend registry (backend.go's Backend.ID()/
// LooksLikeMe), generalized from "which registered Backend claims this
// content" (a runtime, content-based match) into a static command-line parse.
// "pi" has no teacher backend; it is modeled the same way claude/codex are,
// grounded on yashas-salankimatt-sidecar/internal/adapter/pi/stats.go for the
// pi CLI's real invocation shape.
package agenttype

import (
	"strings"

	"github.com/tiagoefreitas/agentboard/internal/session"
)

// skipTokens are launcher/package-runner prefixes that precede the real
// command and must be skipped over (spec.md §4.4).
var skipTokens = map[string]bool{
	"npx": true, "bunx": true, "pnpm": true, "yarn": true, "env": true,
}

var knownNames = map[string]session.AgentType{
	"claude": session.AgentClaude,
	"codex":  session.AgentCodex,
	"pi":     session.AgentPi,
}

// Infer returns the agent type for a raw start command, per spec.md §4.4:
// unquote a surrounding wrapper, unwrap a `bash -lc`/`bash -lic` login-shell
// invocation, then tokenize and scan for the first token that isn't a launcher,
// an env assignment, or a flag.
func Infer(rawCommand string) session.AgentType {
	cmd := strings.TrimSpace(rawCommand)
	cmd = unwrapBashLoginShell(unquote(cmd))

	for _, tok := range strings.Fields(strings.ToLower(cmd)) {
		if skipTokens[tok] {
			continue
		}
		if strings.Contains(tok, "=") {
			continue
		}
		if strings.HasPrefix(tok, "-") {
			continue
		}
		base := basename(tok)
		if t, ok := knownNames[base]; ok {
			return t
		}
		// First non-skipped, non-flag token decides the outcome: if it isn't
		// a known agent name, the command is unknown (matches spec.md §4.4's
		// "the first remaining token ... yields the type ... otherwise
		// unknown" — it does not keep scanning past the decisive token).
		return session.AgentUnknown
	}
	return session.AgentUnknown
}

// unquote strips one layer of surrounding single or double quotes, e.g. the
// form ripgrep/tmux sometimes reports a pane_start_command in.
func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// unwrapBashLoginShell detects `bash -lc <cmd>` / `bash -lic <cmd>` and
// recurses on the quoted inner command, per spec.md §4.4.
func unwrapBashLoginShell(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) < 2 {
		return cmd
	}
	shell := basename(strings.ToLower(fields[0]))
	if shell != "bash" && shell != "sh" {
		return cmd
	}
	flagIdx := -1
	for i, f := range fields[1:] {
		lf := strings.ToLower(f)
		if lf == "-lc" || lf == "-lic" || lf == "-ilc" || lf == "-c" {
			flagIdx = i + 1
			break
		}
	}
	if flagIdx < 0 || flagIdx+1 >= len(fields) {
		return cmd
	}
	rest := strings.Join(fields[flagIdx+1:], " ")
	return unwrapBashLoginShell(unquote(rest))
}

func basename(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
