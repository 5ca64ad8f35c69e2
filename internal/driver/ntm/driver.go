package ntm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flywheelhq/flywheel/internal/driver"
	"github.com/flywheelhq/flywheel/internal/logging"
	"github.com/flywheelhq/flywheel/internal/naming"
)

// Defaults for the zombie detector.
const (
	DefaultMaxConsecutivePollErrors = 5
	DefaultMaxPollStale             = 60 * time.Second
)

// Config tunes the ntm driver.
type Config struct {
	Core driver.CoreConfig

	// Client talks to the ntm tool. Required.
	Client Client

	// PollInterval is the per-agent polling period. 0 means 2s.
	PollInterval time.Duration

	// MaxConsecutivePollErrors trips the zombie detector on repeated
	// failures. 0 means 5.
	MaxConsecutivePollErrors int

	// MaxPollStale trips the zombie detector on staleness regardless of
	// the error count. 0 means 60s.
	MaxPollStale time.Duration

	// TailLines is how many lines each tail call requests. 0 means 50.
	TailLines int
}

// ntmSession is the driver-private correlation state for one agent.
type ntmSession struct {
	sessionName  string
	paneID       string
	cwd          string
	materialized bool
	lastTail     []string

	consecutiveErrors  int
	lastSuccessfulPoll time.Time

	// stopPoll cancels the poll loop. Closed before the session entry is
	// deleted so the timer never fires against a removed session.
	stopPoll chan struct{}
	closed   bool
}

// paneStateTable maps ntm pane states onto the shared activity vocabulary.
var paneStateTable = map[PaneState]driver.ActivityState{
	"idle":         driver.StateIdle,
	"waiting":      driver.StateIdle,
	"working":      driver.StateWorking,
	"thinking":     driver.StateWorking,
	"tool_calling": driver.StateToolCalling,
	"error":        driver.StateError,
	"stalled":      driver.StateStalled,
}

// Driver is the delegated-orchestration backend.
type Driver struct {
	core   *driver.Core
	cfg    Config
	client Client
	log    *logging.Logger

	mu       sync.Mutex
	sessions map[string]*ntmSession
}

// New creates an ntm driver instance.
func New(cfg Config, log *logging.Logger) *Driver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxConsecutivePollErrors <= 0 {
		cfg.MaxConsecutivePollErrors = DefaultMaxConsecutivePollErrors
	}
	if cfg.MaxPollStale <= 0 {
		cfg.MaxPollStale = DefaultMaxPollStale
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = 50
	}
	return &Driver{
		core:     driver.NewCore(driver.TypeNtm, cfg.Core, log),
		cfg:      cfg,
		client:   cfg.Client,
		log:      log.Sub("driver.ntm"),
		sessions: make(map[string]*ntmSession),
	}
}

// Type implements driver.Driver.
func (d *Driver) Type() driver.DriverType { return driver.TypeNtm }

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		TerminalAttach: true,
		Streaming:      true,
	}
}

// Spawn implements driver.Driver: derives the deterministic session name,
// adopts an existing mapped pane when the tool already knows the session,
// and otherwise defers materialization to the first Send.
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
	sess := &ntmSession{
		sessionName:        sessionName,
		paneID:             naming.PaneID(sessionName),
		cwd:                cfg.WorkingDirectory,
		lastSuccessfulPoll: time.Now(),
		stopPoll:           make(chan struct{}),
	}

	if existing, err := d.client.Status(ctx, cfg.WorkingDirectory); err == nil {
		for _, s := range existing {
			if s.Name == sessionName && s.Alive {
				sess.materialized = true
				if s.PaneID != "" {
					sess.paneID = s.PaneID
				}
				break
			}
		}
	} else {
		d.log.Debug().Err(err).Str("session", sessionName).Msg("status probe failed; deferring to first send")
	}

	d.mu.Lock()
	d.sessions[cfg.ID] = sess
	d.mu.Unlock()

	go d.pollLoop(cfg.ID, sess)

	d.log.Info().
		Str("agent", cfg.ID).
		Str("session", sessionName).
		Bool("materialized", sess.materialized).
		Msg("ntm session mapped")
	return state, nil
}

// Send implements driver.Driver, lazily materializing the session on first
// use.
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

	if !sess.materialized {
		if err := d.client.EnsureSession(ctx, sess.sessionName, sess.cwd); err != nil {
			d.core.SetState(agentID, driver.StateError)
			return fmt.Errorf("materializing ntm session: %w", err)
		}
		d.mu.Lock()
		sess.materialized = true
		d.mu.Unlock()
		d.log.Info().Str("agent", agentID).Str("session", sess.sessionName).Msg("ntm session materialized")
	}

	if err := d.client.Send(ctx, sess.sessionName, message, sess.cwd); err != nil {
		d.core.SetState(agentID, driver.StateError)
		return fmt.Errorf("delivering message via ntm: %w", err)
	}
	return nil
}

// pollLoop runs the fixed-interval poll for one agent until cancelled or
// the zombie detector fires.
func (d *Driver) pollLoop(agentID string, sess *ntmSession) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.stopPoll:
			return
		case <-ticker.C:
			if done := d.poll(agentID, sess); done {
				return
			}
		}
	}
}

// poll runs one cycle: tail for output deltas and snapshot for
// authoritative state, each independently fallible. Returns true when the
// agent was marked failed and the loop must stop.
func (d *Driver) poll(agentID string, sess *ntmSession) bool {
	d.mu.Lock()
	materialized := sess.materialized
	d.mu.Unlock()
	if !materialized {
		return false // nothing to poll yet
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PollInterval)
	defer cancel()

	failed := false

	lines, err := d.client.Tail(ctx, sess.sessionName, TailOptions{Lines: d.cfg.TailLines, Cwd: sess.cwd})
	if err != nil {
		failed = true
	} else {
		for _, line := range tailDelta(sess.lastTail, lines) {
			d.core.AppendOutput(agentID, "stdout", line)
		}
		sess.lastTail = lines
	}

	panes, err := d.client.Snapshot(ctx, SnapshotOptions{Cwd: sess.cwd})
	if err != nil {
		failed = true
	} else {
		for _, p := range panes {
			if p.Session != sess.sessionName {
				continue
			}
			if mapped, ok := paneStateTable[p.State]; ok {
				if cur, serr := d.core.Snapshot(agentID); serr == nil && cur.ActivityState != mapped {
					d.core.SetState(agentID, mapped)
				}
			}
			break
		}
	}

	if info, err := d.client.Context(ctx, sess.sessionName, sess.cwd); err == nil {
		d.applyContext(agentID, info)
	}

	// An affirmative unhealthy report counts as a failed cycle; errors from
	// the probe itself are advisory, like the context call.
	if info, err := d.client.Health(ctx, sess.sessionName, sess.cwd); err == nil && info != nil && !info.Healthy {
		d.log.WithAgent(agentID).Warn().Str("detail", info.Detail).Msg("ntm reports session unhealthy")
		failed = true
	}

	if failed {
		return d.recordPollFailure(agentID, sess)
	}

	d.mu.Lock()
	sess.consecutiveErrors = 0
	sess.lastSuccessfulPoll = time.Now()
	d.mu.Unlock()
	return false
}

// applyContext folds the tool's absolute usage report into the monotonic
// counter. Usage only moves forward; a lower report (tool restart) is
// ignored.
func (d *Driver) applyContext(agentID string, info *ContextInfo) {
	cur, err := d.core.Snapshot(agentID)
	if err != nil {
		return
	}
	dIn := info.InputTokens - cur.TokenUsage.InputTokens
	dOut := info.OutputTokens - cur.TokenUsage.OutputTokens
	if dIn < 0 {
		dIn = 0
	}
	if dOut < 0 {
		dOut = 0
	}
	if dIn > 0 || dOut > 0 {
		d.core.AddUsage(agentID, driver.TokenUsage{InputTokens: dIn, OutputTokens: dOut})
	}
}

// recordPollFailure advances the two independent zombie trip wires: the
// consecutive-error counter and the staleness clock. Either alone marks
// the agent failed. Returns true when the agent was removed.
func (d *Driver) recordPollFailure(agentID string, sess *ntmSession) bool {
	d.mu.Lock()
	sess.consecutiveErrors++
	errors := sess.consecutiveErrors
	stale := time.Since(sess.lastSuccessfulPoll)
	d.mu.Unlock()

	if errors >= d.cfg.MaxConsecutivePollErrors {
		d.log.WithAgent(agentID).Warn().
			Int("consecutiveErrors", errors).
			Msg("zombie agent: poll error threshold exceeded")
		d.markFailed(agentID, sess, fmt.Sprintf("ntm poll failed %d consecutive times", errors))
		return true
	}
	if stale > d.cfg.MaxPollStale {
		d.log.WithAgent(agentID).Warn().
			Dur("stale", stale).
			Msg("zombie agent: no successful poll within staleness bound")
		d.markFailed(agentID, sess, fmt.Sprintf("no successful ntm poll for %s", stale.Round(time.Second)))
		return true
	}
	return false
}

// markFailed tears down a zombie agent: error event first, then terminated;
// the poll timer is cancelled before the session entry is deleted.
func (d *Driver) markFailed(agentID string, sess *ntmSession, msg string) {
	d.mu.Lock()
	if sess.closed {
		d.mu.Unlock()
		return
	}
	sess.closed = true
	close(sess.stopPoll)
	d.mu.Unlock()

	d.core.Publish(agentID, driver.Event{
		Type:    driver.EventError,
		AgentID: agentID,
		Message: msg,
	})
	d.core.Remove(agentID, "error", nil)

	d.mu.Lock()
	delete(d.sessions, agentID)
	d.mu.Unlock()
}

// tailDelta returns the lines of cur that were not already seen at the end
// of prev. The two tails overlap when the backend produced fewer new lines
// than the tail window; with no overlap, everything counts as new.
func tailDelta(prev, cur []string) []string {
	if len(prev) == 0 {
		return cur
	}
	maxOverlap := len(prev)
	if len(cur) < maxOverlap {
		maxOverlap = len(cur)
	}
	for k := maxOverlap; k > 0; k-- {
		if linesEqual(prev[len(prev)-k:], cur[:k]) {
			return cur[k:]
		}
	}
	return cur
}

func linesEqual(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GetState implements driver.Driver.
func (d *Driver) GetState(agentID string) (*driver.AgentState, error) {
	return d.core.Snapshot(agentID)
}

// Interrupt implements driver.Driver. The ntm tool exposes no interrupt
// surface, so this is a logged no-op.
func (d *Driver) Interrupt(ctx context.Context, agentID string) error {
	if !d.core.Has(agentID) {
		return fmt.Errorf("%w: %s", driver.ErrAgentNotFound, agentID)
	}
	d.log.Info().Str("agent", agentID).Msg("interrupt requested; not supported by ntm, ignoring")
	return nil
}

// Terminate implements driver.Driver. The poll timer is cancelled before
// the session entry is deleted.
func (d *Driver) Terminate(ctx context.Context, agentID string) error {
	d.mu.Lock()
	sess, ok := d.sessions[agentID]
	if ok && !sess.closed {
		sess.closed = true
		close(sess.stopPoll)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", driver.ErrAgentNotFound, agentID)
	}

	d.core.Remove(agentID, "requested", nil)

	d.mu.Lock()
	delete(d.sessions, agentID)
	d.mu.Unlock()
	return nil
}

// GetOutput implements driver.Driver.
func (d *Driver) GetOutput(agentID string, limit int, since time.Time) ([]driver.OutputLine, error) {
	return d.core.Output(agentID, limit, since)
}

// Subscribe implements driver.Driver.
func (d *Driver) Subscribe(agentID string) (<-chan driver.Event, error) {
	return d.core.Subscribe(agentID)
}

// IsHealthy implements driver.Driver: delegates to the tool's availability
// probe.
func (d *Driver) IsHealthy(ctx context.Context) bool {
	return d.client.IsAvailable(ctx)
}
