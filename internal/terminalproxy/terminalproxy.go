// Package terminalproxy implements the six-operation terminal contract
// (spec.md §4.13) shared by two variants: a local PTY attached directly to
// tmux, and the same state machine driven over SSH. Both let a WebSocket
// connection (internal/wsdispatch) ride a single live PTY that can be
// switched between tmux targets without tearing down the connection.
//
// Grounded directly on the teacher's TmuxSession.attachPty/closePty/SetSize
// (tmux.go), which already attaches a PTY to a tmux session with
// github.com/creack/pty/v2 and drains its output; generalized here from one
// PTY per agent for its whole lifetime into one PTY per WebSocket connection
// that can switchTo a different tmux target repeatedly, plus the
// list-clients/switch-client/refresh-client sequence the teacher never needed.
package terminalproxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	pty "github.com/creack/pty/v2"

	"github.com/tiagoefreitas/agentboard/internal/logging"
)

var log = logging.Component("terminalproxy")

// ErrCode classifies a terminal-proxy failure for the terminal-error wire
// frame (spec.md §4.13).
type ErrCode string

const (
	ErrInvalidWindow    ErrCode = "ERR_INVALID_WINDOW"
	ErrTmuxAttachFailed ErrCode = "ERR_TMUX_ATTACH_FAILED"
	ErrTmuxSwitchFailed ErrCode = "ERR_TMUX_SWITCH_FAILED"
)

// Error is a classified terminal-proxy failure with a retryable bit
// (spec.md §4.13's "each carries a retryable bit").
type Error struct {
	Code      ErrCode
	Message   string
	Retryable bool
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

func wrapErr(code ErrCode, retryable bool, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// Proxy is the six-operation contract spec.md §4.13 names.
type Proxy interface {
	Start(ctx context.Context) error
	SwitchTo(ctx context.Context, target string, onReady func()) error
	Write(data []byte) error
	Resize(cols, rows int) error
	Dispose(ctx context.Context) error
	IsReady() bool
}

// clientTtyRetries bounds how long Local.Start waits for
// `tmux list-clients` to report the freshly attached client (spec.md §4.13
// step 2's "retry with short waits until found or a bounded retry budget
// elapses").
const clientTtyRetries = 20
const clientTtyRetryDelay = 50 * time.Millisecond

// Local is the local-PTY variant of the terminal proxy.
type Local struct {
	baseSession  string
	connectionID string
	onData       func([]byte)
	onExit       func(error)

	mu            sync.Mutex
	ptmx          *os.File
	cmd           *exec.Cmd
	clientTty     string
	currentWindow string
	switching     bool
	disposed      bool
}

// wsSessionName is the dedicated per-connection attach session name
// (spec.md §4.13 step 1: "<baseSession>-ws-<connectionId>").
func wsSessionName(base, connectionID string) string {
	return base + "-ws-" + connectionID
}

// NewLocal constructs a Local proxy. onData receives PTY output as it
// arrives; onExit fires once if the PTY process exits unexpectedly.
func NewLocal(baseSession, connectionID string, onData func([]byte), onExit func(error)) *Local {
	return &Local{baseSession: baseSession, connectionID: connectionID, onData: onData, onExit: onExit}
}

// Start idempotently creates the per-connection tmux session and attaches a
// PTY to it (spec.md §4.13 step 1).
func (l *Local) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ptmx != nil {
		return nil
	}

	wsName := wsSessionName(l.baseSession, l.connectionID)
	if err := exec.CommandContext(ctx, "tmux", "has-session", "-t", wsName).Run(); err != nil {
		createCmd := exec.CommandContext(ctx, "tmux", "new-session", "-d", "-t", l.baseSession, "-s", wsName)
		if out, err := createCmd.CombinedOutput(); err != nil {
			return wrapErr(ErrTmuxAttachFailed, true, "tmux new-session: %s: %v", strings.TrimSpace(string(out)), err)
		}
	}
	_ = exec.CommandContext(ctx, "tmux", "set-option", "-t", wsName, "window-size", "manual").Run()

	cmd := exec.Command("tmux", "attach-session", "-d", "-t", wsName)
	cmd.Env = append(filteredEnv(), "TERM=xterm-256color")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 50, Cols: 200})
	if err != nil {
		return wrapErr(ErrTmuxAttachFailed, true, "pty attach: %v", err)
	}
	l.ptmx = ptmx
	l.cmd = cmd

	go l.pump()

	tty, err := discoverClientTty(ctx, cmd.Process.Pid)
	if err != nil {
		log.Warn().Err(err).Str("wsSession", wsName).Msg("client tty discovery failed; switch-client will be unavailable")
	}
	l.clientTty = tty
	return nil
}

// pump forwards PTY output to onData until the process exits.
func (l *Local) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := l.ptmx.Read(buf)
		if n > 0 {
			l.mu.Lock()
			switching := l.switching
			l.mu.Unlock()
			if !switching && l.onData != nil {
				data := make([]byte, n)
				copy(data, buf[:n])
				l.onData(data)
			}
		}
		if err != nil {
			l.mu.Lock()
			disposed := l.disposed
			l.mu.Unlock()
			if !disposed && l.onExit != nil {
				l.onExit(err)
			}
			return
		}
	}
}

// discoverClientTty runs tmux list-clients and picks the row whose pid
// matches the attach process, retrying briefly (spec.md §4.13 step 2).
func discoverClientTty(ctx context.Context, pid int) (string, error) {
	pidStr := strconv.Itoa(pid)
	for i := 0; i < clientTtyRetries; i++ {
		out, err := exec.CommandContext(ctx, "tmux", "list-clients", "-F", "#{client_tty} #{client_pid}").Output()
		if err == nil {
			if tty, ok := pickClientTty(out, pidStr); ok {
				return tty, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(clientTtyRetryDelay):
		}
	}
	return "", fmt.Errorf("client tty not found for pid %d after %d attempts", pid, clientTtyRetries)
}

// pickClientTty scans `tmux list-clients -F "#{client_tty} #{client_pid}"`
// output for the row matching pidStr.
func pickClientTty(out []byte, pidStr string) (string, bool) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[1] == pidStr {
			return fields[0], true
		}
	}
	return "", false
}

// SwitchTo implements spec.md §4.13 step 3: suppress onData while switching,
// issue switch-client/refresh-client, then call onReady before resuming live
// output delivery so prefetched scrollback always precedes live output.
func (l *Local) SwitchTo(ctx context.Context, target string, onReady func()) error {
	if strings.TrimSpace(target) == "" {
		return wrapErr(ErrInvalidWindow, false, "empty tmux target")
	}

	l.mu.Lock()
	if l.ptmx == nil {
		l.mu.Unlock()
		return wrapErr(ErrTmuxSwitchFailed, true, "proxy not started")
	}
	clientTty := l.clientTty
	l.switching = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.switching = false
		l.mu.Unlock()
	}()

	if clientTty == "" {
		return wrapErr(ErrTmuxSwitchFailed, true, "no client tty discovered for switch-client")
	}

	if out, err := exec.CommandContext(ctx, "tmux", "switch-client", "-c", clientTty, "-t", target).CombinedOutput(); err != nil {
		return wrapErr(ErrTmuxSwitchFailed, true, "switch-client: %s: %v", strings.TrimSpace(string(out)), err)
	}
	_ = exec.CommandContext(ctx, "tmux", "refresh-client", "-t", clientTty).Run()

	l.mu.Lock()
	l.currentWindow = target
	l.mu.Unlock()

	if onReady != nil {
		onReady()
	}
	return nil
}

// Write forwards data to the PTY (spec.md §4.13 step 4).
func (l *Local) Write(data []byte) error {
	l.mu.Lock()
	ptmx := l.ptmx
	l.mu.Unlock()
	if ptmx == nil {
		return wrapErr(ErrTmuxAttachFailed, true, "proxy not started")
	}
	_, err := ptmx.Write(data)
	return err
}

// Resize forwards to the PTY (spec.md §4.13 step 4).
func (l *Local) Resize(cols, rows int) error {
	l.mu.Lock()
	ptmx := l.ptmx
	l.mu.Unlock()
	if ptmx == nil {
		return wrapErr(ErrTmuxAttachFailed, true, "proxy not started")
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Dispose kills the tmux attach process and the per-connection session
// (spec.md §4.13 step 4).
func (l *Local) Dispose(ctx context.Context) error {
	l.mu.Lock()
	l.disposed = true
	ptmx := l.ptmx
	l.ptmx = nil
	l.mu.Unlock()

	if ptmx != nil {
		ptmx.Close()
	}
	wsName := wsSessionName(l.baseSession, l.connectionID)
	return exec.CommandContext(ctx, "tmux", "kill-session", "-t", wsName).Run()
}

// IsReady reports whether the PTY is attached.
func (l *Local) IsReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ptmx != nil && !l.disposed
}

func filteredEnv() []string {
	var env []string
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "CLAUDECODE=") {
			env = append(env, e)
		}
	}
	return env
}
