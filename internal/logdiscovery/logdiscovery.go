// Package logdiscovery enumerates agent log (.jsonl) files under the
// configured Claude/Codex home directories and extracts the cheap per-file
// metadata the log poller needs to decide whether a file is worth matching
// (spec.md §4.6).
//
// Grounded on yashas-salankimatt-sidecar's internal/adapter/claudecode/adapter.go
// projectDirPath path-encoding scheme (the "/", ".", "_" → "-" directory-name
// convention Claude Code itself uses under ~/.claude/projects) for decoding a
// project path back out of a log directory name, and on its watcher.go for the
// fsnotify-debounced dirty-directory tracker used as an optional acceleration.
package logdiscovery

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tiagoefreitas/agentboard/internal/logging"
	"github.com/tiagoefreitas/agentboard/internal/session"
)

var log = logging.Component("logdiscovery")

// LogFile is one discovered agent log, with the cheap metadata spec.md §4.6
// names: a stat-derived mtime/birthtime, an extracted sessionId/projectPath,
// the subagent flag, and a token-count proxy.
type LogFile struct {
	Path        string
	SessionID   string
	ProjectPath string
	AgentType   session.AgentType
	MTime       time.Time
	Birthtime   time.Time
	IsSubagent  bool
	TokenCount  int // 0 = unknown/always-match; callers may overlay a DB-stored -1 sentinel
}

// normalizeEncoded reverses Claude Code's directory-name encoding: "/", ".",
// and "_" are all folded to "-" when Claude Code creates
// ~/.claude/projects/<encoded>, so decoding is lossy and only approximate —
// good enough as a display fallback, never as the authoritative project path
// (a session_meta record at the file head, when present, always wins).
func normalizeEncoded(name string) string {
	name = strings.TrimPrefix(name, "-")
	return "/" + strings.ReplaceAll(name, "-", "/")
}

// EncodeProjectPath mirrors Claude Code's own directory-naming scheme, used to
// build the expected project directory name when resurrecting or looking up a
// known project.
func EncodeProjectPath(projectPath string) string {
	abs := projectPath
	if a, err := filepath.Abs(projectPath); err == nil {
		abs = a
	}
	enc := strings.ReplaceAll(abs, "/", "-")
	enc = strings.ReplaceAll(enc, ".", "-")
	enc = strings.ReplaceAll(enc, "_", "-")
	return enc
}

// sessionMetaPeek is the head-of-file record logdiscovery looks for to recover
// an authoritative project path and to classify Codex subagent logs.
type sessionMetaPeek struct {
	ProjectPath string `json:"projectPath"`
	Cwd         string `json:"cwd"`
	SessionMeta struct {
		Payload struct {
			Source string `json:"source"`
			Cwd    string `json:"cwd"`
		} `json:"payload"`
	} `json:"session_meta"`
}

// peekHead reads the first few lines of a .jsonl log looking for a
// session_meta / projectPath record (spec.md §4.6). Returns zero values if
// none is found; callers fall back to directory-name decoding.
func peekHead(path string, maxLines int) (projectPath string, isSubagent bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for i := 0; i < maxLines && scanner.Scan(); i++ {
		var meta sessionMetaPeek
		if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
			continue
		}
		if meta.SessionMeta.Payload.Cwd != "" || meta.SessionMeta.Payload.Source != "" {
			isSubagent = meta.SessionMeta.Payload.Source != "" && meta.SessionMeta.Payload.Source != "cli"
			if meta.SessionMeta.Payload.Cwd != "" {
				projectPath = meta.SessionMeta.Payload.Cwd
			}
			return
		}
		if meta.ProjectPath != "" {
			return meta.ProjectPath, false
		}
		if meta.Cwd != "" {
			return meta.Cwd, false
		}
	}
	return "", false
}

// Discover walks claudeDir (the projects directory under CLAUDE_CONFIG_DIR)
// and codexDir (CODEX_HOME) for .jsonl logs and returns their metadata. Only
// files exactly one subdirectory below each root (root/<dir>/*.jsonl) are
// found. Missing directories are skipped, not errors — a
// server with only one agent installed is a normal configuration.
func Discover(claudeDir, codexDir string) []LogFile {
	var out []LogFile
	out = append(out, walk(claudeDir, session.AgentClaude)...)
	out = append(out, walk(codexDir, session.AgentCodex)...)
	return out
}

func walk(root string, agentType session.AgentType) []LogFile {
	if root == "" {
		return nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("dir", root).Msg("failed to read log root")
		}
		return nil
	}

	var out []LogFile
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dirPath := filepath.Join(root, e.Name())
		files, err := os.ReadDir(dirPath)
		if err != nil {
			continue
		}
		decodedDirPath := normalizeEncoded(e.Name())
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			full := filepath.Join(dirPath, f.Name())
			info, err := f.Info()
			if err != nil {
				continue
			}
			sessionID := strings.TrimSuffix(f.Name(), ".jsonl")
			projectPath, isSubagent := peekHead(full, 5)
			if projectPath == "" {
				projectPath = decodedDirPath
			}
			out = append(out, LogFile{
				Path:        full,
				SessionID:   sessionID,
				ProjectPath: projectPath,
				AgentType:   agentType,
				MTime:       info.ModTime(),
				Birthtime:   birthtime(info),
				IsSubagent:  isSubagent,
				TokenCount:  0,
			})
		}
	}
	return out
}

// birthtime approximates a file's creation time. The standard library exposes
// no portable creation time (os.FileInfo only guarantees ModTime), so this
// falls back to mtime; on platforms where creation time matters more than this
// approximation, callers only use Birthtime for display, never for matching
// decisions.
func birthtime(info os.FileInfo) time.Time {
	return info.ModTime()
}

// DirWatcher marks log-root subdirectories "dirty" on fsnotify activity so the
// fixed-interval poll (spec.md §4.8) can skip a full os.ReadDir of directories
// known to be unchanged since the last tick. It never replaces the poll: a nil
// or failed watcher degrades to "always dirty", never to a missed scan.
type DirWatcher struct {
	w       *fsnotify.Watcher
	dirty   map[string]bool
	always  bool // true when the watcher could not be constructed
}

// NewDirWatcher watches roots for .jsonl activity. On any setup failure it
// returns a DirWatcher that always reports dirty, never an error — callers
// should treat log discovery as best-effort acceleration only.
func NewDirWatcher(roots ...string) *DirWatcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify unavailable, log discovery will always re-scan")
		return &DirWatcher{always: true}
	}
	dw := &DirWatcher{w: w, dirty: make(map[string]bool)}
	for _, root := range roots {
		if root == "" {
			continue
		}
		if err := w.Add(root); err != nil {
			continue
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				_ = w.Add(filepath.Join(root, e.Name()))
			}
		}
	}
	go dw.run()
	return dw
}

func (dw *DirWatcher) run() {
	for {
		select {
		case ev, ok := <-dw.w.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			dw.dirty[filepath.Dir(ev.Name)] = true
		case _, ok := <-dw.w.Errors:
			if !ok {
				return
			}
		}
	}
}

// Dirty reports whether dir has seen .jsonl activity since the last MarkClean.
func (dw *DirWatcher) Dirty(dir string) bool {
	if dw.always {
		return true
	}
	return dw.dirty[dir]
}

// MarkClean clears the dirty flag for dir after a tick has scanned it.
func (dw *DirWatcher) MarkClean(dir string) {
	if dw.always {
		return
	}
	delete(dw.dirty, dir)
}

// Close releases the underlying fsnotify watcher, if any.
func (dw *DirWatcher) Close() error {
	if dw.w == nil {
		return nil
	}
	return dw.w.Close()
}
