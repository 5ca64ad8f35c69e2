// Package tmuxdrv implements the tmux-session driver. Each agent runs in a
// detached tmux session on a dedicated socket; messages are typed into the
// pane with send-keys and output is recovered by polling capture-pane.
//
// There is no structured signal here: activity state is inferred
// heuristically from the tail of the captured text, and the output diff can
// duplicate or drop lines across pane scroll or resize. Lossy but simple.
package tmuxdrv

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/flywheelhq/flywheel/internal/driver"
	"github.com/flywheelhq/flywheel/internal/logging"
	"github.com/flywheelhq/flywheel/internal/naming"
)

// Runner executes tmux commands against an explicit socket. Injectable for
// tests.
type Runner interface {
	// Run executes `tmux -L <socket> args...` and returns trimmed stdout.
	Run(ctx context.Context, args ...string) (string, error)

	// Available reports whether the tmux binary is usable at all.
	Available(ctx context.Context) bool
}

// execRunner shells out to the real tmux binary.
type execRunner struct {
	socket string
}

func (r *execRunner) Run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-L", r.socket}, args...)
	out, err := exec.CommandContext(ctx, "tmux", full...).Output()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func (r *execRunner) Available(ctx context.Context) bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// Config tunes the tmux driver.
type Config struct {
	Core driver.CoreConfig

	// Socket isolates this driver's sessions from the user's tmux server.
	// 0-value means "flywheel".
	Socket string

	// Command is the agent binary launched inside each session.
	Command string
	Args    []string
	Env     map[string]string

	// HistoryLimit is the tmux scrollback applied to new sessions. 0 means
	// 10000.
	HistoryLimit int

	// CaptureInterval is the pane polling period. 0 means 500ms.
	CaptureInterval time.Duration

	// Runner overrides tmux invocation. Nil shells out to tmux.
	Runner Runner
}

// tmuxSession is the driver-private record for one agent.
type tmuxSession struct {
	sessionName string
	paneID      string
	lastCapture string

	// stopPoll cancels the capture loop. Closed before the record is
	// deleted.
	stopPoll chan struct{}
	closed   bool
}

// Driver is the tmux-session backend.
type Driver struct {
	core *driver.Core
	cfg  Config
	tmux Runner
	log  *logging.Logger

	mu       sync.Mutex
	sessions map[string]*tmuxSession
}

// New creates a tmux driver instance.
func New(cfg Config, log *logging.Logger) *Driver {
	if cfg.Socket == "" {
		cfg.Socket = "flywheel"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10000
	}
	if cfg.CaptureInterval <= 0 {
		cfg.CaptureInterval = 500 * time.Millisecond
	}
	runner := cfg.Runner
	if runner == nil {
		runner = &execRunner{socket: cfg.Socket}
	}
	return &Driver{
		core:     driver.NewCore(driver.TypeTmux, cfg.Core, log),
		cfg:      cfg,
		tmux:     runner,
		log:      log.Sub("driver.tmux"),
		sessions: make(map[string]*tmuxSession),
	}
}

// Type implements driver.Driver.
func (d *Driver) Type() driver.DriverType { return driver.TypeTmux }

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		TerminalAttach: true,
		Interrupt:      true,
		Streaming:      true,
	}
}

// Spawn implements driver.Driver: creates a detached tmux session running
// the agent binary with shell-quoted args and environment, then starts the
// capture poll.
func (d *Driver) Spawn(ctx context.Context, cfg driver.AgentConfig) (*driver.AgentState, error) {
	state, err := d.core.Register(cfg)
	if err != nil {
		return nil, err
	}

	sessionName := naming.GenerateNtmSessionName(naming.SessionParams{
		AgentID:          cfg.ID,
		AgentLabel:       cfg.Name,
		WorkingDirectory: cfg.WorkingDirectory,
	})

	args := []string{"new-session", "-d", "-s", sessionName}
	if cfg.WorkingDirectory != "" {
		args = append(args, "-c", cfg.WorkingDirectory)
	}
	args = append(args, d.paneCommand())
	if _, err := d.tmux.Run(ctx, args...); err != nil {
		d.core.Remove(cfg.ID, "error", nil)
		return nil, fmt.Errorf("creating tmux session: %w", err)
	}
	if _, err := d.tmux.Run(ctx, "set-option", "-t", sessionName, "history-limit",
		fmt.Sprintf("%d", d.cfg.HistoryLimit)); err != nil {
		d.log.Warn().Err(err).Str("session", sessionName).Msg("setting history-limit failed")
	}

	sess := &tmuxSession{
		sessionName: sessionName,
		paneID:      naming.PaneID(sessionName),
		stopPoll:    make(chan struct{}),
	}
	d.mu.Lock()
	d.sessions[cfg.ID] = sess
	d.mu.Unlock()

	go d.pollLoop(cfg.ID, sess)

	d.log.Info().Str("agent", cfg.ID).Str("session", sessionName).Msg("tmux session created")
	return state, nil
}

// paneCommand builds the shell command string for the agent pane with env
// assignments and shell-quoted arguments.
func (d *Driver) paneCommand() string {
	var b strings.Builder
	for k, v := range d.cfg.Env {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(shellQuote(v))
		b.WriteString(" ")
	}
	b.WriteString(shellQuote(d.cfg.Command))
	for _, a := range d.cfg.Args {
		b.WriteString(" ")
		b.WriteString(shellQuote(a))
	}
	return b.String()
}

// Send implements driver.Driver. The message is typed literally via
// send-keys -l, then Enter is sent as a separate, non-literal keystroke:
// literal mode cannot also submit Enter.
func (d *Driver) Send(ctx context.Context, agentID, message string) error {
	d.mu.Lock()
	sess, ok := d.sessions[agentID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", driver.ErrAgentNotFound, agentID)
	}
	if err := d.core.BeginSend(agentID); err != nil {
		return err
	}
	if _, err := d.tmux.Run(ctx, "send-keys", "-t", sess.paneID, "-l", message); err != nil {
		d.core.SetState(agentID, driver.StateError)
		return fmt.Errorf("sending message keys: %w", err)
	}
	if _, err := d.tmux.Run(ctx, "send-keys", "-t", sess.paneID, "Enter"); err != nil {
		d.core.SetState(agentID, driver.StateError)
		return fmt.Errorf("sending enter key: %w", err)
	}
	return nil
}

// pollLoop captures the pane at the configured interval, diffs against the
// previous capture and feeds deltas into the output buffer.
func (d *Driver) pollLoop(agentID string, sess *tmuxSession) {
	ticker := time.NewTicker(d.cfg.CaptureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.stopPoll:
			return
		case <-ticker.C:
			if done := d.capture(agentID, sess); done {
				return
			}
		}
	}
}

// capture runs one poll cycle. Returns true when the session is gone and
// the loop should stop.
func (d *Driver) capture(agentID string, sess *tmuxSession) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text, err := d.tmux.Run(ctx, "capture-pane", "-p", "-t", sess.paneID)
	if err != nil {
		// A failed capture alone may be transient; a failed has-session
		// confirms the session is dead.
		if _, herr := d.tmux.Run(ctx, "has-session", "-t", sess.sessionName); herr != nil {
			d.log.Warn().Str("agent", agentID).Msg("tmux session died")
			d.teardown(agentID, "error")
			return true
		}
		return false
	}

	delta := captureDelta(sess.lastCapture, text)
	sess.lastCapture = text

	for _, line := range strings.Split(delta, "\n") {
		if strings.TrimSpace(line) != "" {
			d.core.AppendOutput(agentID, "stdout", line)
		}
	}

	if state, err := d.core.Snapshot(agentID); err == nil {
		next := inferActivity(text, state.ActivityState)
		if next != state.ActivityState {
			d.core.SetState(agentID, next)
		}
	}
	return false
}

// captureDelta reconciles consecutive pane captures. If the new buffer
// extends the old one, the delta is the new content; if the old buffer no
// longer prefixes the new one (scroll or rotation), the entire new buffer
// counts as new. Lossy by design of the heuristic.
func captureDelta(old, new string) string {
	if old == "" {
		return new
	}
	if strings.HasPrefix(new, old) {
		return strings.TrimPrefix(new, old)
	}
	return new
}

var (
	promptRe   = regexp.MustCompile(`(?m)[$%>#]\s*$`)
	thinkingRe = regexp.MustCompile(`(?i)(thinking|…|\.\.\.)\s*$`)
	errorRe    = regexp.MustCompile(`(?i)error:`)
)

// inferActivity guesses the agent's state from the tail of the captured
// pane text. Shell prompt means idle, a thinking marker means thinking, an
// error marker means error; otherwise a previously-thinking agent has
// started working.
func inferActivity(text string, prev driver.ActivityState) driver.ActivityState {
	tail := text
	if idx := strings.LastIndex(strings.TrimRight(text, "\n"), "\n"); idx >= 0 {
		tail = text[idx+1:]
	}

	switch {
	case promptRe.MatchString(tail):
		return driver.StateIdle
	case thinkingRe.MatchString(tail):
		return driver.StateThinking
	case errorRe.MatchString(tail):
		return driver.StateError
	case prev == driver.StateThinking:
		return driver.StateWorking
	default:
		return prev
	}
}

// GetState implements driver.Driver.
func (d *Driver) GetState(agentID string) (*driver.AgentState, error) {
	return d.core.Snapshot(agentID)
}

// Interrupt implements driver.Driver: a literal Ctrl-C keystroke.
func (d *Driver) Interrupt(ctx context.Context, agentID string) error {
	d.mu.Lock()
	sess, ok := d.sessions[agentID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", driver.ErrAgentNotFound, agentID)
	}
	if _, err := d.tmux.Run(ctx, "send-keys", "-t", sess.paneID, "C-c"); err != nil {
		return fmt.Errorf("sending interrupt key: %w", err)
	}
	d.core.Interrupted(agentID)
	return nil
}

// Terminate implements driver.Driver.
func (d *Driver) Terminate(ctx context.Context, agentID string) error {
	d.mu.Lock()
	sess, ok := d.sessions[agentID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", driver.ErrAgentNotFound, agentID)
	}
	if _, err := d.tmux.Run(ctx, "kill-session", "-t", sess.sessionName); err != nil {
		d.log.Warn().Err(err).Str("session", sess.sessionName).Msg("kill-session failed")
	}
	d.teardown(agentID, "requested")
	return nil
}

// teardown stops the poll loop before the session entry is deleted, then
// emits terminated and removes shared and private state in that order.
func (d *Driver) teardown(agentID, reason string) {
	d.mu.Lock()
	sess, ok := d.sessions[agentID]
	if ok && !sess.closed {
		sess.closed = true
		close(sess.stopPoll)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	d.core.Remove(agentID, reason, nil)

	d.mu.Lock()
	delete(d.sessions, agentID)
	d.mu.Unlock()
}

// GetOutput implements driver.Driver.
func (d *Driver) GetOutput(agentID string, limit int, since time.Time) ([]driver.OutputLine, error) {
	return d.core.Output(agentID, limit, since)
}

// Subscribe implements driver.Driver.
func (d *Driver) Subscribe(agentID string) (<-chan driver.Event, error) {
	return d.core.Subscribe(agentID)
}

// IsHealthy implements driver.Driver.
func (d *Driver) IsHealthy(ctx context.Context) bool {
	return d.tmux.Available(ctx)
}

// shellQuote wraps a string in single quotes for safe interpolation into a
// tmux shell command.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$`!#&|;(){}[]<>?*~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
