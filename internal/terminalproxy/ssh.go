package terminalproxy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	pty "github.com/creack/pty/v2"
)

// SSH is the remote variant of the terminal proxy (spec.md §4.13 "SSH
// variant"): same contract and state machine as Local, but start() spawns
// `ssh -tt <opts> <host> "tmux new-session ...; tmux attach ..."` and every
// control command runs as an auxiliary bounded-timeout ssh invocation,
// grounded on the remote poller's ssh idiom (§4.11) for consistent option
// handling.
type SSH struct {
	host           string
	sshOpts        []string
	baseSession    string
	connectionID   string
	commandTimeout time.Duration
	onData         func([]byte)
	onExit         func(error)

	mu            sync.Mutex
	ptmx          *os.File
	currentWindow string
	switching     bool
	disposed      bool
}

// NewSSH constructs an SSH proxy targeting host, using sshOpts verbatim on
// every invocation (spec.md §6's AGENTBOARD_REMOTE_SSH_OPTS).
func NewSSH(host string, sshOpts []string, baseSession, connectionID string, commandTimeout time.Duration, onData func([]byte), onExit func(error)) *SSH {
	return &SSH{
		host: host, sshOpts: sshOpts, baseSession: baseSession, connectionID: connectionID,
		commandTimeout: commandTimeout, onData: onData, onExit: onExit,
	}
}

func (s *SSH) wsName() string { return wsSessionName(s.baseSession, s.connectionID) }

// runCommand executes an auxiliary `ssh <host> "tmux ..."` control command
// with a bounded timeout (spec.md §4.13 "auxiliary ssh <host> \"tmux ...\"
// spawn with a bounded commandTimeoutMs").
func (s *SSH) runCommand(ctx context.Context, script string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()
	args := append(append([]string{}, s.sshOpts...), s.host, script)
	return exec.CommandContext(cctx, "ssh", args...).CombinedOutput()
}

// Start spawns `ssh -tt ... "tmux new-session -d -t <base> -s <ws>; tmux attach -t <ws>"`
// attached to a local PTY (spec.md §4.13 "SSH variant").
func (s *SSH) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptmx != nil {
		return nil
	}

	wsName := s.wsName()
	script := fmt.Sprintf(
		`tmux new-session -d -t %s -s %s 2>/dev/null; tmux set-option -t %s window-size manual; tmux attach-session -t %s`,
		shellQuote(s.baseSession), shellQuote(wsName), shellQuote(wsName), shellQuote(wsName))

	args := append(append([]string{"-tt"}, s.sshOpts...), s.host, script)
	cmd := exec.Command("ssh", args...)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 50, Cols: 200})
	if err != nil {
		return wrapErr(ErrTmuxAttachFailed, true, "ssh -tt attach: %v", err)
	}
	s.ptmx = ptmx
	go s.pump()
	return nil
}

func (s *SSH) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.mu.Lock()
			switching := s.switching
			s.mu.Unlock()
			if !switching && s.onData != nil {
				data := make([]byte, n)
				copy(data, buf[:n])
				s.onData(data)
			}
		}
		if err != nil {
			s.mu.Lock()
			disposed := s.disposed
			s.mu.Unlock()
			if !disposed && s.onExit != nil {
				s.onExit(err)
			}
			return
		}
	}
}

// SwitchTo runs switch-client/refresh-client over the auxiliary ssh control
// channel, matching Local's switching-flag/onReady sequencing.
func (s *SSH) SwitchTo(ctx context.Context, target string, onReady func()) error {
	if strings.TrimSpace(target) == "" {
		return wrapErr(ErrInvalidWindow, false, "empty tmux target")
	}

	s.mu.Lock()
	if s.ptmx == nil {
		s.mu.Unlock()
		return wrapErr(ErrTmuxSwitchFailed, true, "proxy not started")
	}
	s.switching = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.switching = false
		s.mu.Unlock()
	}()

	wsName := s.wsName()
	script := fmt.Sprintf(`tmux switch-client -t %s; tmux refresh-client -t %s`, shellQuote(target), shellQuote(wsName))
	if out, err := s.runCommand(ctx, script); err != nil {
		return wrapErr(ErrTmuxSwitchFailed, true, "switch-client: %s: %v", strings.TrimSpace(string(out)), err)
	}

	s.mu.Lock()
	s.currentWindow = target
	s.mu.Unlock()

	if onReady != nil {
		onReady()
	}
	return nil
}

// Write forwards data to the PTY attached to the ssh process.
func (s *SSH) Write(data []byte) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return wrapErr(ErrTmuxAttachFailed, true, "proxy not started")
	}
	_, err := ptmx.Write(data)
	return err
}

// Resize resizes the local PTY that carries the ssh -tt session; like the
// local variant, it issues no tmux resize-window call.
func (s *SSH) Resize(cols, rows int) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return wrapErr(ErrTmuxAttachFailed, true, "proxy not started")
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Dispose kills the ssh attach process and the remote per-connection
// session.
func (s *SSH) Dispose(ctx context.Context) error {
	s.mu.Lock()
	s.disposed = true
	ptmx := s.ptmx
	s.ptmx = nil
	s.mu.Unlock()

	if ptmx != nil {
		ptmx.Close()
	}
	_, err := s.runCommand(ctx, fmt.Sprintf("tmux kill-session -t %s", shellQuote(s.wsName())))
	return err
}

// IsReady reports whether the ssh PTY is attached.
func (s *SSH) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ptmx != nil && !s.disposed
}

// shellQuote wraps a token in single quotes for embedding in a remote shell
// script, escaping any embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
