// Package usermsg extracts submitted user messages (and, separately, trace
// lines) from raw tmux scrollback text, per spec.md §4.5. These strings feed
// internal/matcher as ripgrep search patterns — they need not be a complete
// terminal-UI parser, only reliable enough to recover literal substrings that
// also appear in the agent's own log file.
//
// Grounded on the teacher's chrome-stripping helpers (claudeStripChromeLines,
// stripWaitingChrome, isSeparatorLine in tmux.go/backend_claude.go) for the
// "find the prompt glyph, walk back to the separator" idiom; extended to the
// three per-agent styles spec.md §4.5 describes, plus the trace-line fallback
// and tool-notification filter it also names.
package usermsg

import (
	"regexp"
	"strings"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// toolNotificationRe matches the tool-notification texts spec.md §4.5 says
// must never be returned as a user message.
var toolNotificationRe = regexp.MustCompile(`(?i)^warning:.*was requested via exec_command`)

// IsToolNotification reports whether text is a tool-generated notification
// rather than something a human typed (spec.md §4.5).
func IsToolNotification(text string) bool {
	t := strings.TrimSpace(text)
	if toolNotificationRe.MatchString(t) {
		return true
	}
	for _, marker := range []string{"<task-notification>", "<task-id>", "<instructions>"} {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

// sendIndicatorRe matches the "↵ send"-style hint Claude shows beneath the
// not-yet-submitted input line.
var sendIndicatorRe = regexp.MustCompile(`(?i)↵\s*send|enter to send`)

// ExtractClaude returns up to max most-recent submitted user messages from
// Claude Code scrollback (spec.md §4.5 "Claude style"): lines starting with a
// ❯ or "> " glyph, excluding the bottommost one if it looks like pending
// (not-yet-submitted) input.
func ExtractClaude(content string, max int) []string {
	lines := strings.Split(stripANSI(content), "\n")

	var hits []claudeHit
	for i, l := range lines {
		trimmed := strings.TrimSpace(l)
		var text string
		switch {
		case strings.HasPrefix(trimmed, "❯"):
			text = strings.TrimSpace(strings.TrimPrefix(trimmed, "❯"))
		case strings.HasPrefix(trimmed, "> "):
			text = strings.TrimSpace(strings.TrimPrefix(trimmed, ">"))
		default:
			continue
		}
		if text == "" || IsToolNotification(text) {
			continue
		}
		hits = append(hits, claudeHit{idx: i, text: text})
	}
	if len(hits) == 0 {
		return nil
	}

	// The bottom-most glyph line is pending (not submitted) input if a
	// "↵ send" indicator appears within the next few lines.
	last := hits[len(hits)-1]
	lookahead := last.idx + 4
	if lookahead > len(lines) {
		lookahead = len(lines)
	}
	pending := false
	for _, l := range lines[last.idx:lookahead] {
		if sendIndicatorRe.MatchString(l) {
			pending = true
			break
		}
	}
	if pending {
		hits = hits[:len(hits)-1]
	}

	return lastN(hitTexts(hits), max)
}

// codexHintRe matches Codex's input-field hint line, which is never a
// submitted message.
var codexHintRe = regexp.MustCompile(`^\s*›`)

// ExtractCodex returns up to max most-recent submitted user messages from
// Codex scrollback (spec.md §4.5 "Codex style"): every non-blank line except
// the "›"-prefixed input-field hint.
func ExtractCodex(content string, max int) []string {
	lines := strings.Split(stripANSI(content), "\n")
	var out []string
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" || codexHintRe.MatchString(trimmed) {
			continue
		}
		if IsToolNotification(trimmed) {
			continue
		}
		out = append(out, trimmed)
	}
	return lastN(out, max)
}

// piMessageRe captures Pi's user-message highlight: SGR 48;2;52;53;65 sets
// the background, a reset (0 or 49) clears it.
var piMessageRe = regexp.MustCompile(`(?s)\x1b\[48;2;52;53;65(?:;\d+)*m(.*?)\x1b\[(?:0|49)m`)

// ExtractPi returns up to max most-recent submitted user messages from Pi
// scrollback (spec.md §4.5 "Pi style"): text delimited by the RGB(52,53,65)
// background SGR sequence. Operates on the raw (non-ANSI-stripped) content,
// since the delimiter itself is an ANSI sequence.
func ExtractPi(content string, max int) []string {
	matches := piMessageRe.FindAllStringSubmatch(content, -1)
	var out []string
	for _, m := range matches {
		text := strings.TrimSpace(stripANSI(m[1]))
		if text == "" || IsToolNotification(text) {
			continue
		}
		out = append(out, text)
	}
	return lastN(out, max)
}

// traceMarkerRe matches the review/reasoning markers spec.md §4.5 names for
// the trace-line fallback, used only by the log matcher.
var traceMarkerRe = regexp.MustCompile(`(?i)^(reviewing|reasoning|analyzing|thinking)\b`)

// ExtractTraceLines returns lines beginning with "•" or a review/reasoning
// marker, independent of agent type. Used only as a fallback by
// internal/matcher when no submitted user messages are detectable.
func ExtractTraceLines(content string) []string {
	lines := strings.Split(stripANSI(content), "\n")
	var out []string
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "•") || traceMarkerRe.MatchString(trimmed) {
			if IsToolNotification(trimmed) {
				continue
			}
			out = append(out, trimmed)
		}
	}
	return out
}

type claudeHit struct {
	idx  int
	text string
}

func hitTexts(hits []claudeHit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.text
	}
	return out
}

func lastN(items []string, n int) []string {
	if n <= 0 || len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
