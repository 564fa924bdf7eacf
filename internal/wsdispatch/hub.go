// Package wsdispatch is the WebSocket dispatcher (spec.md §4.14): it upgrades
// each browser tab to its own WebSocket connection, relays registry events to
// it, and executes the client->server message table (session-create,
// session-kill, session-rename, the terminal-attach family, session-resume,
// session-pin).
//
// Grounded on my-take-dev-myT-x/myT-x/internal/wsserver/hub.go: gorilla
// upgrader reuse, write-deadline discipline around every WriteMessage,
// ping/pong keepalive with read-deadline extension, and panic recovery with
// a stack trace around the read pump. Generalized from that hub's
// single-connection-replaces-previous model (one desktop WebView) to the
// spec's multi-connection model: agentboard keeps one *connection per
// browser tab, each with its own terminal proxy and attach sequence, rather
// than a single shared one.
package wsdispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tiagoefreitas/agentboard/internal/config"
	"github.com/tiagoefreitas/agentboard/internal/logging"
	"github.com/tiagoefreitas/agentboard/internal/logpoller"
	"github.com/tiagoefreitas/agentboard/internal/remote"
	"github.com/tiagoefreitas/agentboard/internal/scanner"
	"github.com/tiagoefreitas/agentboard/internal/session"
	"github.com/tiagoefreitas/agentboard/internal/store"
	"github.com/tiagoefreitas/agentboard/internal/terminalproxy"
)

var log = logging.Component("wsdispatch")

const writeDeadline = 5 * time.Second
const readDeadline = 90 * time.Second
const pingInterval = 30 * time.Second
const maxReadMessageSize = 32 * 1024

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
}

// Hub owns every dependency a connection handler needs and tracks the set of
// live connections for broadcast-style server->client messages (host-status,
// session-resurrection-failed) that don't originate from a per-connection
// registry subscription.
type Hub struct {
	cfg      config.Config
	registry *session.Registry
	store    *store.Store
	scanner  *scanner.Scanner
	poller   *logpoller.Poller
	force    *session.ForceWorking

	remoteMu sync.Mutex
	remote   []session.Session

	connsMu sync.Mutex
	conns   map[string]*connection
}

// New constructs a Hub.
func New(cfg config.Config, registry *session.Registry, st *store.Store, sc *scanner.Scanner, poller *logpoller.Poller, force *session.ForceWorking) *Hub {
	return &Hub{
		cfg:      cfg,
		registry: registry,
		store:    st,
		scanner:  sc,
		poller:   poller,
		force:    force,
		conns:    make(map[string]*connection),
	}
}

// UpdateRemoteSessions is called by the main loop with each remote poller
// tick's output, so session-refresh can fuse against the latest known
// remote snapshot without the dispatcher polling
// ssh itself (spec.md §4.11's poller owns that; the dispatcher only reads).
func (h *Hub) UpdateRemoteSessions(sessions []session.Session) {
	h.remoteMu.Lock()
	h.remote = sessions
	h.remoteMu.Unlock()
}

func (h *Hub) remoteSnapshot() []session.Session {
	h.remoteMu.Lock()
	defer h.remoteMu.Unlock()
	out := make([]session.Session, len(h.remote))
	copy(out, h.remote)
	return out
}

// Refresh runs one out-of-band scan+fuse cycle (session-refresh, spec.md
// §4.14), reusing the same local scanner and log poller the main loop's own
// timer drives.
func (h *Hub) Refresh(ctx context.Context) {
	local, err := h.scanner.Scan(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("on-demand refresh: scan failed")
		return
	}
	if _, err := h.poller.Tick(ctx, local, h.remoteSnapshot()); err != nil {
		log.Warn().Err(err).Msg("on-demand refresh: log poller tick failed")
	}
}

// BroadcastHostStatuses pushes a host-status frame to every live connection
// (spec.md §6 server->client messages); called by the main loop with the
// remote poller's HostStatuses() on every remote-poll interval tick.
func (h *Hub) BroadcastHostStatuses(statuses []remote.HostStatus) {
	entries := make([]hostStatusEntry, len(statuses))
	for i, s := range statuses {
		entry := hostStatusEntry{Host: s.Host, OK: s.OK, LastSuccess: s.LastSuccess.Unix()}
		if s.Error != "" {
			entry.Error = s.Error
		}
		entries[i] = entry
	}
	msg := hostStatusMsg{Type: "host-status", Statuses: entries}
	h.broadcast(msg)
}

// BroadcastResurrectionFailures notifies every connected client of each
// pinned-session resurrection that failed during the startup pass (spec.md
// §4.10, §6's "session-resurrection-failed" message). Results without an
// error are ignored.
func (h *Hub) BroadcastResurrectionFailures(results []logpoller.ResurrectResult) {
	for _, res := range results {
		if res.Err == nil {
			continue
		}
		h.broadcast(sessionResurrectionFailedMsg{
			Type:           "session-resurrection-failed",
			AgentSessionID: res.SessionID,
			Error:          res.Err.Error(),
		})
	}
}

func (h *Hub) broadcast(v any) {
	h.connsMu.Lock()
	targets := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.connsMu.Unlock()

	for _, c := range targets {
		c.writeJSON(v)
	}
}

// HandleWS upgrades the request and runs the connection until it closes.
// Blocks until the connection's read pump exits; call it from its own
// goroutine per incoming request (the standard net/http handler model
// already does this per request).
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxReadMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		log.Warn().Err(err).Msg("initial SetReadDeadline failed")
		conn.Close()
		return
	}

	c := &connection{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	h.connsMu.Lock()
	h.conns[c.id] = c
	h.connsMu.Unlock()

	log.Info().Str("connectionId", c.id).Str("remoteAddr", conn.RemoteAddr().String()).Msg("websocket connected")
	c.run(r.Context())
}

func (h *Hub) removeConnection(id string) {
	h.connsMu.Lock()
	delete(h.conns, id)
	h.connsMu.Unlock()
}

// connection is one browser tab's dispatcher state (spec.md §4.14's "per
// connection state").
type connection struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	writeMu sync.Mutex

	mu                sync.Mutex
	terminal          terminalproxy.Proxy
	terminalHost      string // "" = local
	currentSessionID  string
	currentTmuxTarget string
	attachSeq         int64
	disposed          bool
}

func (c *connection) run(baseCtx context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsub := c.hub.registry.Subscribe(64)
	defer unsub()

	c.writeJSON(sessionsMsg{Type: "sessions", Sessions: c.hub.registry.GetAll()})
	c.writeJSON(serverConfigMsg{
		Type:               "server-config",
		TerminalMode:       string(c.hub.cfg.TerminalMode),
		RemoteHosts:        c.hub.cfg.RemoteHosts,
		RemoteAllowControl: c.hub.cfg.RemoteAllowControl,
		RemoteAllowAttach:  c.hub.cfg.RemoteAllowAttach,
	})

	pingDone := make(chan struct{})
	go c.pingLoop(pingDone)
	go c.relayEvents(ctx, events)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("stack", string(debug.Stack())).Msg("recovered panic in connection read pump")
		}
		close(pingDone)
		cancel()
		c.dispose()
		c.hub.removeConnection(c.id)
		c.conn.Close()
		log.Info().Str("connectionId", c.id).Msg("websocket disconnected")
	}()

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connectionId", c.id).Msg("websocket read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.writeJSON(errorMsg{Type: "error", Message: fmt.Sprintf("invalid JSON: %s", err)})
			continue
		}
		c.dispatch(baseCtx, msg)
	}
}

// relayEvents forwards registry events to the client as the corresponding
// wire frame until ctx is canceled or the channel closes (unsubscribe).
func (c *connection) relayEvents(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case session.EventSessions:
				c.writeJSON(sessionsMsg{Type: "sessions", Sessions: ev.All})
			case session.EventSessionUpdate:
				c.writeJSON(sessionUpdateMsg{Type: "session-update", Session: ev.Session})
			case session.EventSessionRemoved:
				c.writeJSON(sessionRemovedMsg{Type: "session-removed", ID: ev.ID})
			case session.EventSessionOrphaned:
				c.writeJSON(sessionOrphanedMsg{Type: "session-orphaned", AgentSession: ev.AgentSession})
			case session.EventSessionActivated:
				c.writeJSON(sessionActivatedMsg{Type: "session-activated", AgentSession: ev.AgentSession})
			case session.EventAgentSessions:
				c.writeJSON(agentSessionsMsg{Type: "agent-sessions", Active: ev.Active, Inactive: ev.Inactive})
			}
		}
	}
}

func (c *connection) pingLoop(done <-chan struct{}) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("stack", string(debug.Stack())).Msg("recovered panic in ping loop")
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				c.writeMu.Unlock()
				return
			}
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.conn.SetWriteDeadline(time.Time{})
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// writeJSON marshals v and writes it as a single text frame, serialized
// against concurrent writers (the ping loop and any handler goroutine) via
// writeMu, with a write deadline so a stalled client can't block forever.
func (c *connection) writeJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal outbound frame")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return
	}
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		log.Debug().Err(err).Str("connectionId", c.id).Msg("write failed")
	}
}

// sshExec runs a single ssh control command against host (session-create
// remote, session-kill remote, copy-mode queries), matching the remote
// poller's (§4.11) and terminal proxy SSH variant's (§4.13) option handling.
func sshExec(ctx context.Context, host string, sshOpts []string, script string) ([]byte, error) {
	args := append(append([]string{}, sshOpts...), host, script)
	return exec.CommandContext(ctx, "ssh", args...).CombinedOutput()
}

func (c *connection) dispose() {
	c.mu.Lock()
	c.disposed = true
	t := c.terminal
	c.terminal = nil
	c.mu.Unlock()
	if t != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.Dispose(ctx); err != nil {
			log.Debug().Err(err).Msg("terminal proxy dispose failed")
		}
	}
}

func quoteForShell(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
