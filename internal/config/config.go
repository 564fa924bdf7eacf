// Package config parses the environment-variable configuration surface
// described in the external interfaces section of the specification. CLI flag
// parsing is explicitly out of scope; environment variables are the only
// configuration input.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-resolved, typed configuration surface for one process.
type Config struct {
	Port     int
	Hostname string

	TmuxSession      string
	RefreshInterval  time.Duration
	DiscoverPrefixes []string
	PruneWSSessions  bool
	TerminalMode     TerminalMode

	TLSCertPath string
	TLSKeyPath  string

	LogPollInterval time.Duration
	LogPollMax      int
	RGThreads       int

	WorkingGracePeriod time.Duration
	EnterRefreshDelay  time.Duration

	RemoteHosts    []string
	RemotePollMs   time.Duration
	RemoteTimeout  time.Duration
	RemoteSSHOpts  []string
	RemoteStaleMs  time.Duration
	RemoteAllowControl bool
	RemoteAllowAttach  bool

	ClaudeConfigDir string
	CodexHome       string

	ClaudeResumeCmd string
	CodexResumeCmd  string
}

// TerminalMode selects how the terminal proxy attaches to tmux.
type TerminalMode string

const (
	TerminalModePTY      TerminalMode = "pty"
	TerminalModePipePane TerminalMode = "pipe-pane"
	TerminalModeAuto     TerminalMode = "auto"
)

// Load reads and validates the configuration from the process environment,
// applying the defaults documented in the external interfaces section.
func Load() (Config, error) {
	home, _ := os.UserHomeDir()

	c := Config{
		Port:     envInt("PORT", 4040),
		Hostname: envStr("HOSTNAME", "0.0.0.0"),

		TmuxSession:      envStr("TMUX_SESSION", "agentboard"),
		RefreshInterval:  envMillis("REFRESH_INTERVAL_MS", 2000),
		DiscoverPrefixes: envList("DISCOVER_PREFIXES"),
		PruneWSSessions:  envBool("PRUNE_WS_SESSIONS", true),
		TerminalMode:     TerminalMode(envStr("TERMINAL_MODE", string(TerminalModePTY))),

		TLSCertPath: envStr("TLS_CERT", ""),
		TLSKeyPath:  envStr("TLS_KEY", ""),

		LogPollInterval: envMillis("AGENTBOARD_LOG_POLL_MS", 5000),
		LogPollMax:      envInt("AGENTBOARD_LOG_POLL_MAX", 25),
		RGThreads:       envInt("AGENTBOARD_RG_THREADS", 1),

		WorkingGracePeriod: envMillis("AGENTBOARD_WORKING_GRACE_MS", 4000),
		EnterRefreshDelay:  envMillis("AGENTBOARD_ENTER_REFRESH_MS", 1000),

		RemoteHosts:   envList("AGENTBOARD_REMOTE_HOSTS"),
		RemotePollMs:  envMillis("AGENTBOARD_REMOTE_POLL_MS", 2000),
		RemoteTimeout: envMillis("AGENTBOARD_REMOTE_TIMEOUT_MS", 4000),
		RemoteSSHOpts: envFields("AGENTBOARD_REMOTE_SSH_OPTS"),

		RemoteAllowControl: envBool("AGENTBOARD_REMOTE_ALLOW_CONTROL", false),
		RemoteAllowAttach:  envBool("AGENTBOARD_REMOTE_ALLOW_ATTACH", false),

		ClaudeConfigDir: envStr("CLAUDE_CONFIG_DIR", filepath.Join(home, ".claude")),
		CodexHome:       envStr("CODEX_HOME", filepath.Join(home, ".codex")),

		ClaudeResumeCmd: envStr("CLAUDE_RESUME_CMD", "claude --resume {sessionId}"),
		CodexResumeCmd:  envStr("CODEX_RESUME_CMD", "codex resume {sessionId}"),
	}

	// AGENTBOARD_REMOTE_STALE_MS defaults to >= 3x the poll interval (§6).
	minStale := 3 * c.RemotePollMs
	staleMs := envMillis("AGENTBOARD_REMOTE_STALE_MS", int64(minStale/time.Millisecond))
	if staleMs < minStale {
		staleMs = minStale
	}
	c.RemoteStaleMs = staleMs

	return c, nil
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envMillis(key string, defMs int64) time.Duration {
	ms := int64(envInt(key, int(defMs)))
	return time.Duration(ms) * time.Millisecond
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envFields(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	return strings.Fields(v)
}
