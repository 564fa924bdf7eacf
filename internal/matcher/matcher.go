// Package matcher correlates live tmux windows with agent log files by
// searching each candidate log for the window's own recent scrollback text,
// via the real ripgrep binary (spec.md §4.7). It never substitutes a Go regex
// engine for ripgrep — the external contract (rg's own pattern semantics) is
// part of this module's documented behavior, exactly like tmux and ssh are for
// the scanner and terminal proxy.
//
// New relative to the teacher, which never correlates a pane to a log file —
// grounded directly on spec.md §4.7's own algorithm description, with the
// teacher's ANSI-handling helpers (tmux.go) reused for scrollback
// normalization upstream of this package.
package matcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/tiagoefreitas/agentboard/internal/logging"
)

var log = logging.Component("matcher")

// excludedContexts are the JSON field names a genuine user message must never
// have been embedded inside (spec.md §4.7 step 2).
var excludedContexts = []string{"tool_result", "toolUseResult", "custom_tool_call_output"}

// Runner abstracts the ripgrep invocations so tests never depend on the `rg`
// binary actually being installed; RipgrepRunner is the real implementation
// used in production.
type Runner interface {
	// Files returns paths under dir containing at least one line matching
	// pattern (rg -l -e <pattern>, threads-capped).
	Files(ctx context.Context, pattern, dir string, threads int) ([]string, error)
	// Lines returns the 1-based line numbers within path where pattern
	// matches (rg --json -e <pattern> <path>), plus the raw matched line text
	// for each, so callers can apply the tool-result exclusion.
	Lines(ctx context.Context, pattern, path string, threads int) ([]LineMatch, error)
}

// LineMatch is one ripgrep JSON match record.
type LineMatch struct {
	LineNumber int
	Text       string
}

// RipgrepRunner shells out to the real `rg` binary.
type RipgrepRunner struct{}

func (RipgrepRunner) Files(ctx context.Context, pattern, dir string, threads int) ([]string, error) {
	if threads <= 0 {
		threads = 1
	}
	cmd := exec.CommandContext(ctx, "rg", "-l", "--threads", fmt.Sprint(threads), "-e", pattern, dir)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil // rg exit code 1 means "no matches", not an error
		}
		return nil, fmt.Errorf("rg -l: %w", err)
	}
	var files []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

type rgJSONLine struct {
	Type string `json:"type"`
	Data struct {
		Lines struct {
			Text string `json:"text"`
		} `json:"lines"`
		LineNumber int `json:"line_number"`
	} `json:"data"`
}

func (RipgrepRunner) Lines(ctx context.Context, pattern, path string, threads int) ([]LineMatch, error) {
	if threads <= 0 {
		threads = 1
	}
	cmd := exec.CommandContext(ctx, "rg", "--json", "--threads", fmt.Sprint(threads), "-e", pattern, path)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("rg --json: %w", err)
	}

	var matches []LineMatch
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		var rec rgJSONLine
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Type != "match" {
			continue
		}
		matches = append(matches, LineMatch{LineNumber: rec.Data.LineNumber, Text: rec.Data.Lines.Text})
	}
	return matches, nil
}

var wsRe = regexp.MustCompile(`\s+`)
var specialRe = regexp.MustCompile(`[.*+?^${}()|\[\]\\]`)

// normalizeMessage collapses whitespace and unescapes common JSON escapes so
// the built pattern tolerates a log's own re-wrapping/escaping of the same
// text (spec.md §4.7 "Edge policies").
func normalizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, `\"`, `"`)
	msg = strings.ReplaceAll(msg, `\n`, " ")
	msg = wsRe.ReplaceAllString(strings.TrimSpace(msg), " ")
	return msg
}

// BuildPattern turns a user message into a ripgrep -e pattern requiring a
// "text"/"content"/"message" field label to appear on the same JSON line,
// with the message's own text matched literally (regex metacharacters
// escaped) and internal whitespace made flexible.
func BuildPattern(msg string) string {
	norm := normalizeMessage(msg)
	words := strings.Fields(norm)
	for i, w := range words {
		words[i] = specialRe.ReplaceAllString(w, `\$0`)
	}
	body := strings.Join(words, `\s+`)
	return `"(text|content|message)"\s*:\s*"[^"]*` + body
}

// isMatchable reports whether a candidate message is worth building a pattern
// for (spec.md §4.7 "Edge policies": messages under 4 characters are skipped).
func isMatchable(msg string) bool {
	return len(strings.TrimSpace(msg)) >= 4
}

// inExcludedContext reports whether a matched JSON line is embedded inside a
// tool_result/toolUseResult/custom_tool_call_output envelope, which
// disqualifies it as a genuine user message occurrence (spec.md §4.7 step 2).
func inExcludedContext(rawLine string) bool {
	for _, ctx := range excludedContexts {
		if strings.Contains(rawLine, ctx) {
			return true
		}
	}
	return false
}

// codexExecSentinel marks a non-interactive Codex exec invocation, which never
// has a real project directory (SPEC_FULL.md §9(b)'s Open Question decision).
const codexExecSentinel = "<codex-exec>"

// projectPathsCompatible reports whether a window and a candidate log are even
// eligible to be compared: a literal codexExecSentinel on either side
// short-circuits to "never match" (spec.md §9(b)).
func projectPathsCompatible(windowProjectPath, candidateProjectPath string) bool {
	return windowProjectPath != codexExecSentinel && candidateProjectPath != codexExecSentinel
}

// Candidate is one log file eligible to be matched against a window.
type Candidate struct {
	Path        string
	ProjectPath string
	IsSubagent  bool
	MTimeUnix   int64
}

// Outcome is the result of matching a single window against its candidates.
type Outcome struct {
	LogPath string
	Matched bool
	Reason  string // "messages" | "trace-fallback" | "none"
}

// MatchWindow implements spec.md §4.7's single-window algorithm: every
// detected message must appear, in order, in a candidate log; ties broken by
// earliest-finishing chronological alignment, then by most-recent mtime (the
// two recorded Open Question decisions). Falls back to trace-line matching,
// preferring non-subagent logs, when no messages are detectable.
// windowProjectPath gates candidates per the codexExecSentinel decision: if
// either side is the sentinel, no candidate is eligible.
func MatchWindow(ctx context.Context, runner Runner, windowProjectPath string, messages, traceLines []string, candidates []Candidate, threads int) Outcome {
	var eligible []Candidate
	for _, c := range candidates {
		if projectPathsCompatible(windowProjectPath, c.ProjectPath) {
			eligible = append(eligible, c)
		}
	}
	candidates = eligible

	var usable []string
	for _, m := range messages {
		if isMatchable(m) {
			usable = append(usable, m)
		}
	}

	if len(usable) > 0 {
		if out, ok := matchByMessages(ctx, runner, usable, candidates, threads); ok {
			return out
		}
	}

	return matchByTraceLines(ctx, runner, traceLines, candidates, threads)
}

type scoredCandidate struct {
	path        string
	finishLine  int
	mtimeUnix   int64
}

func matchByMessages(ctx context.Context, runner Runner, messages []string, candidates []Candidate, threads int) (Outcome, bool) {
	patterns := make([]string, len(messages))
	for i, m := range messages {
		patterns[i] = BuildPattern(m)
	}

	var scored []scoredCandidate
	for _, cand := range candidates {
		finish, ok := messagesAppearInOrder(ctx, runner, patterns, cand.Path, threads)
		if !ok {
			continue
		}
		scored = append(scored, scoredCandidate{path: cand.Path, finishLine: finish, mtimeUnix: cand.MTimeUnix})
	}
	if len(scored) == 0 {
		return Outcome{}, false
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].finishLine != scored[j].finishLine {
			return scored[i].finishLine < scored[j].finishLine
		}
		return scored[i].mtimeUnix > scored[j].mtimeUnix
	})
	return Outcome{LogPath: scored[0].path, Matched: true, Reason: "messages"}, true
}

// messagesAppearInOrder checks that every pattern matches path at a
// non-decreasing sequence of line numbers (excluding tool-result contexts),
// returning the line number of the final message's match.
func messagesAppearInOrder(ctx context.Context, runner Runner, patterns []string, path string, threads int) (int, bool) {
	cursor := 0
	finish := 0
	for _, pat := range patterns {
		matches, err := runner.Lines(ctx, pat, path, threads)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("rg --json failed")
			return 0, false
		}
		found := -1
		for _, m := range matches {
			if m.LineNumber < cursor {
				continue
			}
			if inExcludedContext(m.Text) {
				continue
			}
			found = m.LineNumber
			break
		}
		if found < 0 {
			return 0, false
		}
		cursor = found
		finish = found
	}
	return finish, true
}

func matchByTraceLines(ctx context.Context, runner Runner, traceLines []string, candidates []Candidate, threads int) Outcome {
	if len(traceLines) == 0 {
		return Outcome{Reason: "none"}
	}
	trace := normalizeMessage(traceLines[len(traceLines)-1])
	if !isMatchable(trace) {
		return Outcome{Reason: "none"}
	}
	pattern := BuildPattern(trace)

	var nonSubagent, subagent []Candidate
	for _, c := range candidates {
		matches, err := runner.Lines(ctx, pattern, c.Path, threads)
		if err != nil || len(matches) == 0 {
			continue
		}
		if c.IsSubagent {
			subagent = append(subagent, c)
		} else {
			nonSubagent = append(nonSubagent, c)
		}
	}
	if len(nonSubagent) > 0 {
		return Outcome{LogPath: pickMostRecent(nonSubagent).Path, Matched: true, Reason: "trace-fallback"}
	}
	if len(subagent) > 0 {
		return Outcome{LogPath: pickMostRecent(subagent).Path, Matched: true, Reason: "trace-fallback"}
	}
	return Outcome{Reason: "none"}
}

func pickMostRecent(cands []Candidate) Candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.MTimeUnix > best.MTimeUnix {
			best = c
		}
	}
	return best
}

// BatchAssignment is the conflict-resolved per-window log assignment
// matchWindowsToLogsByExactRg (spec.md §4.7 step 4) produces.
type BatchAssignment struct {
	WindowID string
	Outcome  Outcome
}

// WindowInput is one window's matching material for MatchBatch.
type WindowInput struct {
	WindowID    string
	ProjectPath string
	Messages    []string
	TraceLines  []string
}

// MatchBatch runs MatchWindow per window, then resolves conflicts by
// requiring uniqueness: a log claimed by one window is removed from every
// other window's candidate pool, processing windows with the most detected
// user messages first (most-specific-first gets first claim).
func MatchBatch(ctx context.Context, runner Runner, windows []WindowInput, candidates []Candidate, threads int) []BatchAssignment {
	order := make([]int, len(windows))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return len(windows[order[i]].Messages) > len(windows[order[j]].Messages)
	})

	available := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		available[c.Path] = c
	}

	results := make([]BatchAssignment, len(windows))
	for _, idx := range order {
		w := windows[idx]
		pool := make([]Candidate, 0, len(available))
		for _, c := range available {
			pool = append(pool, c)
		}
		sort.Slice(pool, func(i, j int) bool { return pool[i].Path < pool[j].Path })

		out := MatchWindow(ctx, runner, w.ProjectPath, w.Messages, w.TraceLines, pool, threads)
		results[idx] = BatchAssignment{WindowID: w.WindowID, Outcome: out}
		if out.Matched {
			delete(available, out.LogPath)
		}
	}
	return results
}

// Verdict is verifyWindowLogAssociation's (spec.md §4.7) tri-state outcome.
type Verdict string

const (
	VerdictVerified    Verdict = "verified"
	VerdictMismatch    Verdict = "mismatch"
	VerdictInconclusive Verdict = "inconclusive"
)

// VerifyAssociation re-checks a previously stored (window, log) pair. Empty
// terminal content always yields inconclusive, never mismatch, so a transient
// empty capture never causes orphaning (spec.md §4.7).
func VerifyAssociation(ctx context.Context, runner Runner, logPath string, messages, traceLines []string, threads int) (Verdict, string) {
	if len(messages) == 0 && len(traceLines) == 0 {
		return VerdictInconclusive, "empty terminal content"
	}

	var usable []string
	for _, m := range messages {
		if isMatchable(m) {
			usable = append(usable, m)
		}
	}
	if len(usable) > 0 {
		patterns := make([]string, len(usable))
		for i, m := range usable {
			patterns[i] = BuildPattern(m)
		}
		if _, ok := messagesAppearInOrder(ctx, runner, patterns, logPath, threads); ok {
			return VerdictVerified, "messages matched in order"
		}
		return VerdictMismatch, "messages not found in order in stored log"
	}

	if len(traceLines) > 0 {
		trace := normalizeMessage(traceLines[len(traceLines)-1])
		if isMatchable(trace) {
			matches, err := runner.Lines(ctx, BuildPattern(trace), logPath, threads)
			if err == nil && len(matches) > 0 {
				return VerdictVerified, "trace line matched"
			}
			return VerdictMismatch, "trace line not found in stored log"
		}
	}
	return VerdictInconclusive, "no matchable content"
}
