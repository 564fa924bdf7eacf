package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "PORT", "HOSTNAME", "TMUX_SESSION", "TERMINAL_MODE", "AGENTBOARD_REMOTE_HOSTS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 4040 {
		t.Errorf("Port = %d, want 4040", cfg.Port)
	}
	if cfg.Hostname != "0.0.0.0" {
		t.Errorf("Hostname = %q, want 0.0.0.0", cfg.Hostname)
	}
	if cfg.TmuxSession != "agentboard" {
		t.Errorf("TmuxSession = %q, want agentboard", cfg.TmuxSession)
	}
	if cfg.TerminalMode != TerminalModePTY {
		t.Errorf("TerminalMode = %q, want pty", cfg.TerminalMode)
	}
	if len(cfg.RemoteHosts) != 0 {
		t.Errorf("RemoteHosts = %v, want empty", cfg.RemoteHosts)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t, "PORT", "AGENTBOARD_REMOTE_HOSTS", "AGENTBOARD_REMOTE_POLL_MS", "AGENTBOARD_REMOTE_STALE_MS", "PRUNE_WS_SESSIONS")
	os.Setenv("PORT", "9999")
	os.Setenv("AGENTBOARD_REMOTE_HOSTS", "build1, build2 ,,build3")
	os.Setenv("PRUNE_WS_SESSIONS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	want := []string{"build1", "build2", "build3"}
	if len(cfg.RemoteHosts) != len(want) {
		t.Fatalf("RemoteHosts = %v, want %v", cfg.RemoteHosts, want)
	}
	for i, h := range want {
		if cfg.RemoteHosts[i] != h {
			t.Errorf("RemoteHosts[%d] = %q, want %q", i, cfg.RemoteHosts[i], h)
		}
	}
	if cfg.PruneWSSessions {
		t.Errorf("PruneWSSessions = true, want false")
	}
}

func TestRemoteStaleDefaultsToThreeTimesPoll(t *testing.T) {
	clearEnv(t, "AGENTBOARD_REMOTE_POLL_MS", "AGENTBOARD_REMOTE_STALE_MS")
	os.Setenv("AGENTBOARD_REMOTE_POLL_MS", "1000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RemoteStaleMs != 3*time.Second {
		t.Errorf("RemoteStaleMs = %v, want 3s", cfg.RemoteStaleMs)
	}
}

func TestRemoteStaleFloorEnforced(t *testing.T) {
	clearEnv(t, "AGENTBOARD_REMOTE_POLL_MS", "AGENTBOARD_REMOTE_STALE_MS")
	os.Setenv("AGENTBOARD_REMOTE_POLL_MS", "2000")
	os.Setenv("AGENTBOARD_REMOTE_STALE_MS", "1000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RemoteStaleMs != 6*time.Second {
		t.Errorf("RemoteStaleMs = %v, want 6s (floor of 3x poll interval)", cfg.RemoteStaleMs)
	}
}
