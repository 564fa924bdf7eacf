// Package store is the embedded relational store for agent sessions and app
// settings (spec.md §3, §6): one row per known (sessionId, logFilePath) pair,
// independent of whether a live tmux window currently backs it.
//
// Grounded on yashas-salankimatt-sidecar/internal/plugins/notes/store.go's
// database/sql schema-init/CRUD idiom (CREATE TABLE IF NOT EXISTS, QueryRow +
// manual time.Parse, soft-delete-via-column rather than row deletion). Uses
// modernc.org/sqlite (pure Go, no cgo) rather than the mattn/go-sqlite3
// driver sidecar's go.mod also lists, matching the driver both myT-x and
// sidecar carry — a server binary has no reason to require cgo.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tiagoefreitas/agentboard/internal/logging"
	"github.com/tiagoefreitas/agentboard/internal/session"
)

var log = logging.Component("store")

const schema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
    session_id          TEXT PRIMARY KEY,
    agent_type          TEXT NOT NULL,
    project_path        TEXT NOT NULL,
    log_file_path       TEXT NOT NULL,
    display_name        TEXT NOT NULL,
    current_window      TEXT,
    last_activity_at     INTEGER NOT NULL,
    created_at          INTEGER NOT NULL,
    last_user_message    TEXT,
    is_pinned           INTEGER NOT NULL DEFAULT 0,
    last_resume_error     TEXT,
    row_version         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_agent_sessions_window ON agent_sessions(current_window);
CREATE INDEX IF NOT EXISTS idx_agent_sessions_activity ON agent_sessions(last_activity_at DESC);

CREATE TABLE IF NOT EXISTS app_settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// AgentSession is a persisted record of a known agent session, independent of
// whether a live tmux window currently backs it (spec.md §3).
type AgentSession struct {
	SessionID       string
	AgentType       session.AgentType
	ProjectPath     string
	LogFilePath     string
	DisplayName     string
	CurrentWindow   string // empty means orphaned
	LastActivityAt  time.Time
	CreatedAt       time.Time
	LastUserMessage string
	IsPinned        bool
	LastResumeError string

	rowVersion int64 // internal-only update counter, never serialized to the wire; no write compares it
}

// Store wraps the sqlite connection and every agent_sessions/app_settings
// operation the log poller and HTTP layer need.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer, avoid SQLITE_BUSY under load

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	log.Info().Str("path", path).Msg("opened agent session store")
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanAgentSession reads one row from a *sql.Row/*sql.Rows into an AgentSession.
func scanAgentSession(scan func(dest ...any) error) (AgentSession, error) {
	var a AgentSession
	var agentType string
	var currentWindow, lastUserMessage, lastResumeError sql.NullString
	var lastActivityAt, createdAt int64
	var isPinned int

	err := scan(&a.SessionID, &agentType, &a.ProjectPath, &a.LogFilePath, &a.DisplayName,
		&currentWindow, &lastActivityAt, &createdAt, &lastUserMessage, &isPinned,
		&lastResumeError, &a.rowVersion)
	if err != nil {
		return AgentSession{}, err
	}

	a.AgentType = session.AgentType(agentType)
	a.CurrentWindow = currentWindow.String
	a.LastUserMessage = lastUserMessage.String
	a.LastResumeError = lastResumeError.String
	a.LastActivityAt = time.Unix(lastActivityAt, 0).UTC()
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.IsPinned = isPinned != 0
	return a, nil
}

const selectCols = `session_id, agent_type, project_path, log_file_path, display_name,
	current_window, last_activity_at, created_at, last_user_message, is_pinned,
	last_resume_error, row_version`

// Get returns a single agent session by id.
func (s *Store) Get(sessionID string) (*AgentSession, error) {
	row := s.db.QueryRow(`SELECT `+selectCols+` FROM agent_sessions WHERE session_id = ?`, sessionID)
	a, err := scanAgentSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent session: %w", err)
	}
	return &a, nil
}

// GetByWindow returns the agent session currently bound to a tmux target, if any.
func (s *Store) GetByWindow(window string) (*AgentSession, error) {
	row := s.db.QueryRow(`SELECT `+selectCols+` FROM agent_sessions WHERE current_window = ?`, window)
	a, err := scanAgentSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent session by window: %w", err)
	}
	return &a, nil
}

// All returns every known agent session.
func (s *Store) All() ([]AgentSession, error) {
	rows, err := s.db.Query(`SELECT ` + selectCols + ` FROM agent_sessions`)
	if err != nil {
		return nil, fmt.Errorf("list agent sessions: %w", err)
	}
	defer rows.Close()

	var out []AgentSession
	for rows.Next() {
		a, err := scanAgentSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent session: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PinnedOrphans returns pinned rows with no live window, for startup
// resurrection (spec.md §4.10).
func (s *Store) PinnedOrphans() ([]AgentSession, error) {
	rows, err := s.db.Query(`SELECT ` + selectCols + ` FROM agent_sessions
		WHERE is_pinned = 1 AND (current_window IS NULL OR current_window = '')`)
	if err != nil {
		return nil, fmt.Errorf("query pinned orphans: %w", err)
	}
	defer rows.Close()

	var out []AgentSession
	for rows.Next() {
		a, err := scanAgentSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan pinned orphan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Insert creates a new agent_sessions row (spec.md §4.8 step 4 "New" case).
func (s *Store) Insert(a AgentSession) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_sessions
			(session_id, agent_type, project_path, log_file_path, display_name,
			 current_window, last_activity_at, created_at, last_user_message,
			 is_pinned, last_resume_error, row_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, a.SessionID, string(a.AgentType), a.ProjectPath, a.LogFilePath, a.DisplayName,
		nullable(a.CurrentWindow), a.LastActivityAt.Unix(), a.CreatedAt.Unix(),
		nullable(a.LastUserMessage), boolToInt(a.IsPinned), nullable(a.LastResumeError))
	if err != nil {
		return fmt.Errorf("insert agent session: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// SetWindow updates current_window (the orphan/activate transition of spec.md
// §4.8 step 4) and increments row_version.
func (s *Store) SetWindow(sessionID, window string) error {
	_, err := s.db.Exec(`
		UPDATE agent_sessions SET current_window = ?, row_version = row_version + 1
		WHERE session_id = ?
	`, nullable(window), sessionID)
	if err != nil {
		return fmt.Errorf("set window: %w", err)
	}
	return nil
}

// TouchActivity updates last_activity_at and, unless a per-window lock holds
// (spec.md §4.8 step 4's 60s lastUserMessage lock), last_user_message.
func (s *Store) TouchActivity(sessionID string, lastActivityAt time.Time, lastUserMessage string, applyMessage bool) error {
	if applyMessage {
		_, err := s.db.Exec(`
			UPDATE agent_sessions SET last_activity_at = ?, last_user_message = ?, row_version = row_version + 1
			WHERE session_id = ?
		`, lastActivityAt.Unix(), nullable(lastUserMessage), sessionID)
		if err != nil {
			return fmt.Errorf("touch activity: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(`
		UPDATE agent_sessions SET last_activity_at = ?, row_version = row_version + 1
		WHERE session_id = ?
	`, lastActivityAt.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// SetPinned updates the pin flag (spec.md §6's session-pin operation).
func (s *Store) SetPinned(sessionID string, pinned bool) error {
	_, err := s.db.Exec(`
		UPDATE agent_sessions SET is_pinned = ?, row_version = row_version + 1 WHERE session_id = ?
	`, boolToInt(pinned), sessionID)
	if err != nil {
		return fmt.Errorf("set pinned: %w", err)
	}
	return nil
}

// SetResumeResult records the outcome of a resurrection attempt (spec.md §4.10).
func (s *Store) SetResumeResult(sessionID, newWindow, resumeErr string) error {
	if resumeErr == "" {
		_, err := s.db.Exec(`
			UPDATE agent_sessions
			SET current_window = ?, last_resume_error = NULL, row_version = row_version + 1
			WHERE session_id = ?
		`, nullable(newWindow), sessionID)
		if err != nil {
			return fmt.Errorf("set resume result: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(`
		UPDATE agent_sessions
		SET is_pinned = 0, last_resume_error = ?, row_version = row_version + 1
		WHERE session_id = ?
	`, resumeErr, sessionID)
	if err != nil {
		return fmt.Errorf("set resume failure: %w", err)
	}
	return nil
}

// RenameDisplay updates the display name (spec.md §6 session-rename).
func (s *Store) RenameDisplay(sessionID, name string) error {
	_, err := s.db.Exec(`
		UPDATE agent_sessions SET display_name = ?, row_version = row_version + 1 WHERE session_id = ?
	`, name, sessionID)
	if err != nil {
		return fmt.Errorf("rename display: %w", err)
	}
	return nil
}

// Setting reads a single app_settings value.
func (s *Store) Setting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM app_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts a single app_settings value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO app_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}
