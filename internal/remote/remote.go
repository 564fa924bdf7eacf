// Package remote polls a fixed list of SSH hosts for tmux windows (spec.md
// §4.11), applying the same parsing and status-inference logic as
// internal/scanner to remotely-captured panes. It never mutates the
// persistent store and never participates in orphan/resurrect — it only
// produces Session[] snapshots to be merged into the registry by the log
// poller (§4.9 step 5).
//
// Grounded on the teacher's exec.Command("tmux", ...) idiom (tmux.go),
// extended per spec.md §1/§6 to shell out to the real `ssh` binary rather
// than a Go ssh client library — ssh gets the same documented
// external-process contract tmux and ripgrep do.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tiagoefreitas/agentboard/internal/agenttype"
	"github.com/tiagoefreitas/agentboard/internal/logging"
	"github.com/tiagoefreitas/agentboard/internal/session"
	"github.com/tiagoefreitas/agentboard/internal/statusinfer"
	"github.com/tiagoefreitas/agentboard/internal/usermsg"
)

var log = logging.Component("remote")

const metaMarker = "AGENTBOARD_META\t"
const paneMarkerPrefix = "===AGENTBOARD_PANE:"
const paneMarkerEnd = "===AGENTBOARD_PANE_END==="

// remoteScript lists every window's metadata, then dumps each window's
// captured pane delimited by a known marker line, in one ssh round trip
// (spec.md §4.11): tmux list-windows supplies the metadata and tmux
// capture-pane runs once per window.
const remoteScript = `tmux list-windows -a -F '` + metaMarker + `#{session_name}\t#{window_id}\t#{window_name}\t#{window_activity}\t#{pane_current_path}\t#{pane_start_command}' 2>/dev/null
tmux list-windows -a -F '#{session_name}:#{window_id}' 2>/dev/null | while IFS= read -r t; do echo '` + paneMarkerPrefix + `'"$t"'==='; tmux capture-pane -p -t "$t" -J 2>/dev/null; echo '` + paneMarkerEnd + `'; done`

// Config configures the remote poller for one host.
type Config struct {
	Hosts              []string
	SSHOpts            []string
	PollInterval       time.Duration
	Timeout            time.Duration
	StaleAfter         time.Duration
	WorkingGraceMillis int64
}

// HostStatus reports one host's last poll outcome (spec.md §4.11).
type HostStatus struct {
	Host        string
	OK          bool
	Error       string
	LastSuccess time.Time
}

// Poller runs the per-tick SSH fan-out.
type Poller struct {
	cfg Config

	mu          sync.Mutex
	hostStatus  map[string]HostStatus
	statusCache map[string]statusinfer.Cache // keyed by "host:session:windowID"
}

// New constructs a Poller; call Run in its own goroutine.
func New(cfg Config) *Poller {
	return &Poller{
		cfg:         cfg,
		hostStatus:  make(map[string]HostStatus),
		statusCache: make(map[string]statusinfer.Cache),
	}
}

// Run ticks at cfg.PollInterval, sending each snapshot to out. It exits when
// ctx is canceled.
func (p *Poller) Run(ctx context.Context, out chan<- []session.Session) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions := p.pollAll(ctx)
			select {
			case out <- sessions:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Poller) pollAll(ctx context.Context) []session.Session {
	var wg sync.WaitGroup
	resultsCh := make(chan []session.Session, len(p.cfg.Hosts))

	for _, host := range p.cfg.Hosts {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			hostCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
			sessions, err := p.pollHost(hostCtx, host)
			p.recordStatus(host, err)
			resultsCh <- sessions
		}(host)
	}
	wg.Wait()
	close(resultsCh)

	var all []session.Session
	for s := range resultsCh {
		all = append(all, s...)
	}
	return all
}

func (p *Poller) recordStatus(host string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		prev := p.hostStatus[host]
		p.hostStatus[host] = HostStatus{Host: host, OK: false, Error: err.Error(), LastSuccess: prev.LastSuccess}
		return
	}
	p.hostStatus[host] = HostStatus{Host: host, OK: true, LastSuccess: time.Now()}
}

// HostStatuses returns every host's current status, marking a host stale if
// its last success is older than cfg.StaleAfter (spec.md §4.11).
func (p *Poller) HostStatuses() []HostStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]HostStatus, 0, len(p.hostStatus))
	now := time.Now()
	for _, hs := range p.hostStatus {
		if hs.OK && !hs.LastSuccess.IsZero() && now.Sub(hs.LastSuccess) > p.cfg.StaleAfter {
			hs.OK = false
			hs.Error = "stale"
		}
		out = append(out, hs)
	}
	return out
}

func (p *Poller) pollHost(ctx context.Context, host string) ([]session.Session, error) {
	args := append(append([]string{}, p.cfg.SSHOpts...), host, remoteScript)
	cmd := exec.CommandContext(ctx, "ssh", args...)
	out, err := cmd.Output()
	if err != nil {
		log.Warn().Err(err).Str("host", host).Msg("ssh poll failed")
		return nil, fmt.Errorf("ssh %s: %w", host, err)
	}
	rows, panes := parseRemoteOutput(out)

	var sessions []session.Session
	for _, row := range rows {
		localTarget := row.sessionName + ":" + row.windowID
		id := "remote:" + host + ":" + row.sessionName + ":" + row.windowID

		content := panes[localTarget]
		cache := p.statusCache[id]
		width, height := dims(content)
		result := statusinfer.Infer(statusinfer.Input{
			Prev:               cache,
			Next:               statusinfer.PaneState{Content: content, Width: width, Height: height},
			NowMillis:          time.Now().UnixMilli(),
			WorkingGraceMillis: p.cfg.WorkingGraceMillis,
		})
		p.statusCache[id] = result.NextCache

		agentT := agenttype.Infer(row.startCmd)
		msgs := allUserMessages(agentT, content)
		last := ""
		if len(msgs) > 0 {
			last = msgs[len(msgs)-1]
		}
		sessions = append(sessions, session.Session{
			ID:              id,
			Name:            row.windowName,
			TmuxTarget:      localTarget,
			ProjectPath:     row.path,
			Status:          result.Status,
			LastActivity:    row.activity,
			CreatedAt:       row.activity,
			Source:          session.SourceExternal,
			Host:            host,
			Remote:          true,
			Command:         row.startCmd,
			AgentType:       agentT,
			LastUserMessage: last,
			UserMessages:    msgs,
			TraceLines:      usermsg.ExtractTraceLines(content),
		})
	}
	return sessions, nil
}

const maxUserMessages = 5

func allUserMessages(agentT session.AgentType, content string) []string {
	switch agentT {
	case session.AgentClaude:
		return usermsg.ExtractClaude(content, maxUserMessages)
	case session.AgentCodex:
		return usermsg.ExtractCodex(content, maxUserMessages)
	case session.AgentPi:
		return usermsg.ExtractPi(content, maxUserMessages)
	default:
		return nil
	}
}

type remoteRow struct {
	sessionName string
	windowID    string
	windowName  string
	activity    time.Time
	path        string
	startCmd    string
}

// parseRemoteOutput splits the combined list-windows + per-window
// capture-pane output (spec.md §4.11's "one ssh round-trip ... separated by a
// known marker line") into metadata rows and a target->content map.
func parseRemoteOutput(out []byte) ([]remoteRow, map[string]string) {
	var rows []remoteRow
	panes := make(map[string]string)

	var currentTarget string
	var currentLines []string
	flush := func() {
		if currentTarget != "" {
			panes[currentTarget] = strings.Join(currentLines, "\n")
		}
		currentTarget = ""
		currentLines = nil
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 8<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, metaMarker):
			fields := strings.Split(strings.TrimPrefix(line, metaMarker), "\t")
			if len(fields) < 5 {
				continue
			}
			row := remoteRow{sessionName: fields[0], windowID: fields[1], windowName: fields[2], path: fields[4]}
			if unixSec, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
				row.activity = time.Unix(unixSec, 0)
			} else {
				row.activity = time.Now()
			}
			if len(fields) > 5 {
				row.startCmd = fields[5]
			}
			rows = append(rows, row)
		case strings.HasPrefix(line, paneMarkerPrefix):
			flush()
			currentTarget = strings.TrimSuffix(strings.TrimPrefix(line, paneMarkerPrefix), "===")
		case line == paneMarkerEnd:
			flush()
		default:
			if currentTarget != "" {
				currentLines = append(currentLines, line)
			}
		}
	}
	flush()
	return rows, panes
}

func dims(content string) (int, int) {
	lines := strings.Split(content, "\n")
	width := 0
	for _, l := range lines {
		if len(l) > width {
			width = len(l)
		}
	}
	return width, len(lines)
}
