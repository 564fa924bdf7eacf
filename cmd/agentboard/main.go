// Command agentboard runs the dashboard server: it scans tmux, polls remote
// hosts over ssh, correlates agent CLI log files against live windows, and
// serves the result over HTTP and a WebSocket to the browser dashboard.
//
// Grounded on the teacher's main.go (sns45-tickettok) for the
// dependency-check/CLI-surface shape, generalized from a single-process TUI
// entry point into a long-running server that wires one goroutine per
// concurrency unit (spec.md §5): the local scanner, the remote poller, and
// the HTTP+WebSocket server all run concurrently, fused on a shared ticker by
// the log poller.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tiagoefreitas/agentboard/internal/config"
	"github.com/tiagoefreitas/agentboard/internal/logging"
	"github.com/tiagoefreitas/agentboard/internal/logpoller"
	"github.com/tiagoefreitas/agentboard/internal/matcher"
	"github.com/tiagoefreitas/agentboard/internal/remote"
	"github.com/tiagoefreitas/agentboard/internal/scanner"
	"github.com/tiagoefreitas/agentboard/internal/session"
	"github.com/tiagoefreitas/agentboard/internal/store"
	"github.com/tiagoefreitas/agentboard/internal/wsdispatch"
)

const version = "0.1.0"

var log = logging.Component("main")

func main() {
	if err := logging.Init(os.Getenv("AGENTBOARD_LOG_LEVEL"), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "invalid AGENTBOARD_LOG_LEVEL: %v\n", err)
		os.Exit(1)
	}
	log = logging.Component("main")

	checkDeps()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	st, err := store.Open(dbPath())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	registry := session.NewRegistry()
	force := session.NewForceWorking()

	sc := scanner.New(scanner.Config{
		ManagedSession:     cfg.TmuxSession,
		DiscoverPrefixes:   cfg.DiscoverPrefixes,
		WorkingGraceMillis: cfg.WorkingGracePeriod.Milliseconds(),
		PruneWSSessions:    cfg.PruneWSSessions,
	})

	poller := logpoller.New(logpoller.Config{
		MaxCandidates:   cfg.LogPollMax,
		RGThreads:       cfg.RGThreads,
		ClaudeConfigDir: filepath.Join(cfg.ClaudeConfigDir, "projects"),
		CodexHome:       cfg.CodexHome,
		ClaudeResumeCmd: cfg.ClaudeResumeCmd,
		CodexResumeCmd:  cfg.CodexResumeCmd,
	}, st, matcher.RipgrepRunner{}, registry, force, sc)

	var remotePoller *remote.Poller
	var remoteOut chan []session.Session
	if len(cfg.RemoteHosts) > 0 {
		remotePoller = remote.New(remote.Config{
			Hosts:              cfg.RemoteHosts,
			SSHOpts:            cfg.RemoteSSHOpts,
			PollInterval:       cfg.RemotePollMs,
			Timeout:            cfg.RemoteTimeout,
			StaleAfter:         cfg.RemoteStaleMs,
			WorkingGraceMillis: cfg.WorkingGracePeriod.Milliseconds(),
		})
		remoteOut = make(chan []session.Session, 1)
	}

	hub := wsdispatch.New(cfg, registry, st, sc, poller, force)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sc.Run(ctx)
	if remotePoller != nil {
		go remotePoller.Run(ctx, remoteOut)
	}

	if err := sc.PruneStaleWSSessions(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to prune stale ws-proxy sessions at startup")
	}

	if initial, err := sc.Scan(ctx); err != nil {
		log.Warn().Err(err).Msg("initial scan failed, skipping startup re-verification")
	} else {
		liveByTarget := make(map[string]session.Session, len(initial))
		for _, s := range initial {
			liveByTarget[s.ID] = s
		}
		poller.VerifyStartupAssociations(ctx, liveByTarget)
	}

	resurrections := poller.Resurrect(ctx)
	for _, res := range resurrections {
		if res.Err != nil {
			log.Warn().Err(res.Err).Str("sessionId", res.SessionID).Msg("pinned-session resurrection failed")
		}
	}
	hub.BroadcastResurrectionFailures(resurrections)

	go runFusionLoop(ctx, cfg, sc, remotePoller, remoteOut, poller, hub)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	mux.HandleFunc("/api/sessions", handleAPISessions(registry))
	mux.HandleFunc("/api/session-preview/", handleAPISessionPreview(st))
	mux.HandleFunc("/api/health", handleAPIHealth(remotePoller))
	mux.HandleFunc("/api/server-info", handleAPIServerInfo(cfg))

	addr := fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the WebSocket handler manages its own deadlines
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Bool("tls", cfg.TLSCertPath != "").Msg("agentboard listening")
		var err error
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown timed out")
	}
}

// runFusionLoop ticks at cfg.RefreshInterval, running one local scan (and
// consuming the latest remote snapshot, if any) through the log poller's
// Tick, which itself replaces the registry's session set (spec.md §4.9 step
// 5). It also forwards the remote poller's host statuses to every connected
// WebSocket client whenever they're available.
func runFusionLoop(ctx context.Context, cfg config.Config, sc *scanner.Scanner, remotePoller *remote.Poller, remoteOut <-chan []session.Session, poller *logpoller.Poller, hub *wsdispatch.Hub) {
	var latestRemote []session.Session

	ticker := time.NewTicker(cfg.RefreshInterval)
	defer ticker.Stop()

	hostTicker := time.NewTicker(cfg.RemotePollMs)
	defer hostTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case remoteSessions, ok := <-remoteOut:
			if !ok {
				remoteOut = nil
				continue
			}
			latestRemote = remoteSessions
			hub.UpdateRemoteSessions(latestRemote)
		case <-hostTicker.C:
			if remotePoller != nil {
				hub.BroadcastHostStatuses(remotePoller.HostStatuses())
			}
		case <-ticker.C:
			local, err := sc.Scan(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("scan tick failed")
				continue
			}
			if _, err := poller.Tick(ctx, local, latestRemote); err != nil {
				log.Warn().Err(err).Msg("log poller tick failed")
			}
		}
	}
}

func handleAPISessions(registry *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, registry.GetAll())
	}
}

func handleAPISessionPreview(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/session-preview/")
		if id == "" {
			http.Error(w, "missing sessionId", http.StatusBadRequest)
			return
		}
		agent, err := st.Get(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if agent == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		tail, err := tailFile(agent.LogFilePath, 4096)
		if err != nil {
			log.Debug().Err(err).Str("path", agent.LogFilePath).Msg("failed to read log tail for preview")
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session": agent,
			"logTail": tail,
		})
	}
}

func handleAPIHealth(remotePoller *remote.Poller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"ok": true, "version": version}
		if remotePoller != nil {
			resp["hosts"] = remotePoller.HostStatuses()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleAPIServerInfo(cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"version":      version,
			"remoteHosts":  cfg.RemoteHosts,
			"terminalMode": string(cfg.TerminalMode),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func tailFile(path string, maxBytes int64) (string, error) {
	if path == "" {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	start := int64(0)
	if info.Size() > maxBytes {
		start = info.Size() - maxBytes
	}
	if _, err := f.Seek(start, 0); err != nil {
		return "", err
	}
	buf := make([]byte, info.Size()-start)
	if _, err := io.ReadFull(f, buf); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	return string(buf), nil
}

func dbPath() string {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".agentboard")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to create state dir, falling back to cwd")
		return "agentboard.db"
	}
	return filepath.Join(dir, "agentboard.db")
}

func checkDeps() {
	var missing []string
	if _, err := exec.LookPath("tmux"); err != nil {
		missing = append(missing, "tmux")
	}
	if _, err := exec.LookPath("rg"); err != nil {
		missing = append(missing, "ripgrep (rg)")
	}
	if len(missing) > 0 {
		fmt.Fprintln(os.Stderr, "agentboard requires:")
		for _, m := range missing {
			fmt.Fprintf(os.Stderr, "  %s\n", m)
		}
		os.Exit(1)
	}
}
