// Package statusinfer implements the pure, stateless status-inference function
// used by the scanner and remote poller (spec.md §4.3). It takes no I/O: callers
// capture pane content themselves and pass it in along with a small cache of the
// previous observation.
//
// Grounded on the teacher's DetectStatusFromContent (tmux.go) and per-backend
// permission overrides (backend_claude.go, backend_codex.go), generalized from a
// single priority-ladder tuned for Claude's chrome into an agent-agnostic
// change-detection + permission-regex ladder.
package statusinfer

import (
	"regexp"
	"strings"

	"github.com/tiagoefreitas/agentboard/internal/session"
)

// ansiRe strips terminal escape sequences before any text analysis, same as the
// teacher's ansiRe in tmux.go.
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// decorativeLine matches known chrome/metadata lines that carry no semantic
// content and must not influence change detection (spec.md §4.3 rule 1).
var decorativeLine = regexp.MustCompile(`(?i)` +
	`^\s*\d+%\s*context\s*left\s*$` + `|` +
	`background terminal running` + `|` +
	`esc to interrupt`)

// timerGlyph matches the rotating spinner glyphs and elapsed-time counters the
// teacher's hasDingbat detects, plus a generic mm:ss/Ns timer suffix.
var timerGlyph = regexp.MustCompile(`[\x{2700}-\x{27BF}]|\(\d+s\)|\d+:\d{2}\b`)

var wsRe = regexp.MustCompile(`\s+`)

// PaneState is a single captured pane observation.
type PaneState struct {
	Content string
	Width   int
	Height  int
}

// Cache is the opaque state a caller must round-trip between calls for the same
// session. The zero value represents "no prior observation".
type Cache struct {
	HasPrev        bool
	Last           PaneState
	HasEverChanged bool
	LastChanged    int64 // unix millis; 0 if never changed
}

// Input bundles a single inference call's arguments (spec.md §4.3's
// inferSessionStatus parameter object).
type Input struct {
	Prev               Cache
	Next               PaneState
	NowMillis          int64
	WorkingGraceMillis int64
}

// Result bundles the outcome and the cache to persist for the next call.
type Result struct {
	Status      session.Status
	LastChanged int64
	NextCache   Cache
}

// permissionPatterns covers spec.md §4.3's "Claude/Codex/generic permission
// patterns": numbered "1. Yes" menus with "Esc to cancel", "Do you want to
// proceed?", "[approve] ... [reject]", "[Y/n]" prompts, plus the teacher's
// broader phrase table from backend_claude.go/backend_codex.go.
var permissionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)do you want to proceed`),
	regexp.MustCompile(`(?i)shall i proceed`),
	regexp.MustCompile(`(?i)should i proceed`),
	regexp.MustCompile(`(?i)\[approve\].*\[reject\]`),
	regexp.MustCompile(`(?i)\[y/n\]`),
	regexp.MustCompile(`(?i)\by/n\b`),
	regexp.MustCompile(`(?i)yes/no/always allow`),
	regexp.MustCompile(`(?i)\ballow once\b|\ballow always\b`),
	regexp.MustCompile(`(?i)\(y\)es.*\(n\)o`),
	regexp.MustCompile(`(?i)esc to cancel`),
	regexp.MustCompile(`(?i)^\s*1\.\s*yes`),
	regexp.MustCompile(`(?i)enter to select|space to select`),
	regexp.MustCompile(`(?i)ctrl\+g to edit`),
}

// Infer implements spec.md §4.3's priority ladder exactly.
func Infer(in Input) Result {
	contentChanged := detectChange(in.Prev, in.Next)

	hasPermission := detectPermission(in.Next.Content)

	lastChanged := in.Prev.LastChanged
	hasEverChanged := in.Prev.HasEverChanged
	if contentChanged {
		lastChanged = in.NowMillis
		hasEverChanged = true
	}

	var status session.Status
	switch {
	case !in.Prev.HasPrev && !hasPermission:
		status = session.StatusWaiting
	case contentChanged:
		status = session.StatusWorking
	case hasPermission:
		status = session.StatusPermission
	case hasEverChanged && in.NowMillis-lastChanged < in.WorkingGraceMillis:
		status = session.StatusWorking
	default:
		status = session.StatusWaiting
	}

	return Result{
		Status:      status,
		LastChanged: lastChanged,
		NextCache: Cache{
			HasPrev:        true,
			Last:           in.Next,
			HasEverChanged: hasEverChanged,
			LastChanged:    lastChanged,
		},
	}
}

func detectChange(prev Cache, next PaneState) bool {
	if !prev.HasPrev {
		return false
	}
	if prev.Last.Width == next.Width && prev.Last.Height == next.Height {
		return prev.Last.Content != next.Content
	}
	a := normalizedTokens(prev.Last.Content)
	b := normalizedTokens(next.Content)
	larger := len(a)
	if len(b) > larger {
		larger = len(b)
	}
	if larger < 8 {
		return !tokenSetsEqual(a, b)
	}
	ratio := minOverlapRatio(a, b)
	return ratio < 0.9
}

// normalizedTokens strips ANSI/chrome/timers, collapses whitespace, keeps the
// last ~20 non-empty lines, and tokenizes the result into a set (spec.md §4.3
// rule 1's "else" branch).
func normalizedTokens(content string) map[string]struct{} {
	lines := strings.Split(stripANSI(content), "\n")

	var kept []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if decorativeLine.MatchString(l) {
			continue
		}
		l = timerGlyph.ReplaceAllString(l, "")
		l = wsRe.ReplaceAllString(l, " ")
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		kept = append(kept, l)
	}

	// Drop a leading/trailing decorative border (e.g. a box-drawing rule) if
	// still present after filtering.
	kept = trimBorderLine(kept, true)
	kept = trimBorderLine(kept, false)

	if len(kept) > 20 {
		kept = kept[len(kept)-20:]
	}

	tokens := make(map[string]struct{})
	for _, l := range kept {
		for _, tok := range strings.Fields(l) {
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}

func trimBorderLine(lines []string, fromFront bool) []string {
	if len(lines) == 0 {
		return lines
	}
	idx := 0
	if !fromFront {
		idx = len(lines) - 1
	}
	if isBorder(lines[idx]) {
		if fromFront {
			return lines[1:]
		}
		return lines[:len(lines)-1]
	}
	return lines
}

func isBorder(s string) bool {
	if len(s) < 6 {
		return false
	}
	for _, r := range s {
		if r != '─' && r != '-' && r != '=' && r != '━' {
			return false
		}
	}
	return true
}

func tokenSetsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// minOverlapRatio returns |intersection| / min(|a|,|b|), the "min token-set
// overlap ratio" spec.md §4.3 names.
func minOverlapRatio(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		if len(a) == 0 && len(b) == 0 {
			return 1
		}
		return 0
	}
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	var inter int
	for k := range small {
		if _, ok := big[k]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(small))
}

func detectPermission(content string) bool {
	lines := strings.Split(stripANSI(content), "\n")

	// Drop trailing blank lines (spec.md §4.3 rule 2).
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	lines = lines[:end]

	start := len(lines) - 10
	if start < 0 {
		start = 0
	}
	for _, l := range lines[start:] {
		for _, re := range permissionPatterns {
			if re.MatchString(l) {
				return true
			}
		}
	}
	return false
}
