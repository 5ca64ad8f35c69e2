package driver

import (
	"fmt"
	"sync"
	"time"

	"github.com/flywheelhq/flywheel/internal/logging"
)

// CoreConfig tunes the shared per-agent runtime.
type CoreConfig struct {
	// MaxAgents caps concurrent agents per driver instance. 0 means 16.
	MaxAgents int

	// OutputBufferSize bounds the per-agent output ring. 0 means 1000.
	OutputBufferSize int

	// StallThreshold marks an active agent stalled after this much
	// inactivity. The watcher ticks at half the threshold. 0 disables
	// stall detection.
	StallThreshold time.Duration

	// MaxHistoryMessages bounds conversation history. The first message is
	// always retained across pruning. 0 means 50.
	MaxHistoryMessages int

	// SubscriberBuffer is the per-subscriber event channel depth. A slow
	// subscriber loses its oldest buffered events, never the terminated
	// event. 0 means 128.
	SubscriberBuffer int
}

func (c CoreConfig) withDefaults() CoreConfig {
	if c.MaxAgents <= 0 {
		c.MaxAgents = 16
	}
	if c.OutputBufferSize <= 0 {
		c.OutputBufferSize = 1000
	}
	if c.MaxHistoryMessages <= 0 {
		c.MaxHistoryMessages = 50
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 128
	}
	return c
}

// session is the driver-private record for one agent. All access goes
// through Core's mutex.
type session struct {
	cfg     AgentConfig
	state   AgentState
	output  *outputRing
	history []Message

	subscribers []chan Event

	// stopStall cancels the stall watcher. Closed before the session is
	// removed from the table so the watcher never fires against a deleted
	// session.
	stopStall chan struct{}
}

func (s *session) maxTokens() int {
	if s.cfg.MaxTokens > 0 {
		return s.cfg.MaxTokens
	}
	return DefaultMaxTokens
}

// Core is the composable per-agent runtime shared by every backend. Each
// driver instance owns exactly one Core; sessions, timers and subscriber
// sets live here so backends only implement transport-specific behavior.
type Core struct {
	driverType DriverType
	cfg        CoreConfig
	log        *logging.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewCore creates the shared runtime for a driver instance.
func NewCore(driverType DriverType, cfg CoreConfig, log *logging.Logger) *Core {
	return &Core{
		driverType: driverType,
		cfg:        cfg.withDefaults(),
		log:        log.Sub("driver." + string(driverType)),
		sessions:   make(map[string]*session),
	}
}

// Config returns the effective runtime configuration.
func (c *Core) Config() CoreConfig { return c.cfg }

// Register creates the session record for a newly spawned agent. It applies
// the capacity and duplicate-id checks and starts the stall watcher when
// enabled.
func (c *Core) Register(cfg AgentConfig) (*AgentState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sessions) >= c.cfg.MaxAgents {
		return nil, fmt.Errorf("%w (max %d)", ErrAtCapacity, c.cfg.MaxAgents)
	}
	if _, ok := c.sessions[cfg.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, cfg.ID)
	}

	now := time.Now()
	sess := &session{
		cfg: cfg,
		state: AgentState{
			ID:             cfg.ID,
			DriverType:     c.driverType,
			ActivityState:  StateIdle,
			ContextHealth:  HealthHealthy,
			StartedAt:      now,
			LastActivityAt: now,
		},
		output: newOutputRing(c.cfg.OutputBufferSize),
	}

	if c.cfg.StallThreshold > 0 {
		sess.stopStall = make(chan struct{})
		go c.watchStall(cfg.ID, sess.stopStall)
	}

	c.sessions[cfg.ID] = sess
	c.log.Debug().Str("agent", cfg.ID).Msg("session registered")

	snapshot := sess.state
	return &snapshot, nil
}

// watchStall periodically checks an agent for inactivity and transitions it
// to stalled when the threshold elapses while the agent is active.
func (c *Core) watchStall(agentID string, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.StallThreshold / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			sess, ok := c.sessions[agentID]
			if !ok {
				c.mu.Unlock()
				return
			}
			st := sess.state.ActivityState
			active := st != StateIdle && st != StateError && st != StateStalled
			if active && time.Since(sess.state.LastActivityAt) >= c.cfg.StallThreshold {
				c.setStateLocked(sess, StateStalled)
				c.log.Warn().Str("agent", agentID).Msg("agent stalled")
			}
			c.mu.Unlock()
		}
	}
}

// Snapshot returns a copy of the agent's current state.
func (c *Core) Snapshot(agentID string) (*AgentState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	snapshot := sess.state
	return &snapshot, nil
}

// Has reports whether the agent is registered.
func (c *Core) Has(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[agentID]
	return ok
}

// IDs returns all registered agent ids.
func (c *Core) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// AgentConfigOf returns the spawn config for a registered agent.
func (c *Core) AgentConfigOf(agentID string) (AgentConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[agentID]
	if !ok {
		return AgentConfig{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return sess.cfg, nil
}

// BeginSend applies the busy rule and moves the agent to thinking. Exactly
// one request may be in flight per agent; a second send while the agent is
// thinking, working or tool_calling is rejected.
func (c *Core) BeginSend(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if sess.state.ActivityState.Busy() {
		return fmt.Errorf("%w: %s is %s", ErrAgentBusy, agentID, sess.state.ActivityState)
	}
	c.setStateLocked(sess, StateThinking)
	return nil
}

// SetState transitions the agent and emits a state_change event. No-op if
// the agent is already in the target state.
func (c *Core) SetState(agentID string, state ActivityState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[agentID]; ok {
		c.setStateLocked(sess, state)
	}
}

func (c *Core) setStateLocked(sess *session, state ActivityState) {
	old := sess.state.ActivityState
	if old == state {
		return
	}
	sess.state.ActivityState = state
	sess.state.LastActivityAt = time.Now()
	c.publishLocked(sess, Event{
		Type:     EventStateChange,
		AgentID:  sess.cfg.ID,
		OldState: old,
		NewState: state,
	})
}

// AppendOutput records a line in the agent's ring buffer and emits an
// output event. Output counts as activity for stall detection.
func (c *Core) AppendOutput(agentID, stream, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[agentID]
	if !ok {
		return
	}
	line := OutputLine{Timestamp: time.Now(), Stream: stream, Text: text}
	sess.output.push(line)
	sess.state.LastActivityAt = line.Timestamp
	c.publishLocked(sess, Event{
		Type:    EventOutput,
		AgentID: agentID,
		Line:    &line,
	})
}

// Output returns up to limit trailing lines, optionally only those strictly
// after since.
func (c *Core) Output(agentID string, limit int, since time.Time) ([]OutputLine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	lines := sess.output.snapshot()
	if !since.IsZero() {
		filtered := lines[:0:0]
		for _, l := range lines {
			if l.Timestamp.After(since) {
				filtered = append(filtered, l)
			}
		}
		lines = filtered
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

// AppendHistory adds a message to the agent's conversation history, pruning
// silently to the configured bound. The very first message survives every
// prune.
func (c *Core) AppendHistory(agentID string, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[agentID]
	if !ok {
		return
	}
	before := len(sess.history)
	sess.history = PruneHistory(append(sess.history, msg), c.cfg.MaxHistoryMessages)
	if len(sess.history) <= before {
		c.log.Debug().
			Str("agent", agentID).
			Int("max", c.cfg.MaxHistoryMessages).
			Msg("conversation history pruned")
	}
}

// History returns a copy of the agent's conversation history.
func (c *Core) History(agentID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[agentID]
	if !ok {
		return nil
	}
	out := make([]Message, len(sess.history))
	copy(out, sess.history)
	return out
}

// ReplaceHistory overwrites the agent's history (checkpoint restore path).
func (c *Core) ReplaceHistory(agentID string, history []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[agentID]
	if !ok {
		return
	}
	sess.history = make([]Message, len(history))
	copy(sess.history, history)
}

// AddUsage accumulates token usage and reclassifies context health,
// emitting a context_warning only when a threshold is crossed.
func (c *Core) AddUsage(agentID string, delta TokenUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[agentID]
	if !ok {
		return
	}
	sess.state.TokenUsage.InputTokens += delta.InputTokens
	sess.state.TokenUsage.OutputTokens += delta.OutputTokens
	c.reclassifyHealthLocked(sess)
}

// SetUsage overwrites token usage. This is the sole sanctioned exception to
// usage monotonicity, used by checkpoint restore.
func (c *Core) SetUsage(agentID string, usage TokenUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[agentID]
	if !ok {
		return
	}
	sess.state.TokenUsage = usage
	c.reclassifyHealthLocked(sess)
}

func (c *Core) reclassifyHealthLocked(sess *session) {
	ratio := float64(sess.state.TokenUsage.Total()) / float64(sess.maxTokens())

	health := HealthHealthy
	var suggestion string
	switch {
	case ratio > 0.95:
		health = HealthEmergency
		suggestion = "context exhausted; restore an earlier checkpoint or restart the agent"
	case ratio > 0.85:
		health = HealthCritical
		suggestion = "create a checkpoint now and plan to compact the conversation"
	case ratio > 0.75:
		health = HealthWarning
		suggestion = "consider creating a checkpoint"
	}

	if health == sess.state.ContextHealth {
		return
	}
	sess.state.ContextHealth = health

	// Advisory only on worsening transitions; recovering to healthy (after
	// a restore) is silent.
	if health == HealthHealthy {
		return
	}
	c.publishLocked(sess, Event{
		Type:       EventContextWarning,
		AgentID:    sess.cfg.ID,
		Health:     health,
		Usage:      sess.state.TokenUsage,
		Suggestion: suggestion,
	})
}

// Publish delivers a backend-originated event (tool calls, file operations,
// errors) to the agent's subscribers.
func (c *Core) Publish(agentID string, evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[agentID]; ok {
		c.publishLocked(sess, evt)
	}
}

func (c *Core) publishLocked(sess *session, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	for _, ch := range sess.subscribers {
		select {
		case ch <- evt:
		default:
			// Full buffer: sacrifice the subscriber's oldest event so the
			// stream keeps moving and terminated always fits.
			select {
			case <-ch:
			default:
			}
			ch <- evt
		}
	}
}

// Subscribe returns a single-pass event channel for the agent. Events are
// FIFO per agent; the channel closes after the terminated event.
func (c *Core) Subscribe(agentID string) (<-chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	ch := make(chan Event, c.cfg.SubscriberBuffer)
	sess.subscribers = append(sess.subscribers, ch)
	return ch, nil
}

// Interrupted emits the interrupt event and resets the agent to idle. Called
// by backends after their transport-specific abort succeeds.
func (c *Core) Interrupted(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[agentID]
	if !ok {
		return
	}
	c.publishLocked(sess, Event{Type: EventInterrupt, AgentID: agentID})
	c.setStateLocked(sess, StateIdle)
}

// Remove tears the session down: the stall watcher is cancelled first, then
// the terminated event is emitted, then subscriber channels are closed, and
// only then is the record deleted. The ordering guarantees that terminated
// is the final event and that no timer fires against a deleted session.
func (c *Core) Remove(agentID, reason string, exitCode *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[agentID]
	if !ok {
		return
	}

	if sess.stopStall != nil {
		close(sess.stopStall)
		sess.stopStall = nil
	}

	c.publishLocked(sess, Event{
		Type:     EventTerminated,
		AgentID:  agentID,
		Reason:   reason,
		ExitCode: exitCode,
	})
	for _, ch := range sess.subscribers {
		close(ch)
	}
	sess.subscribers = nil

	delete(c.sessions, agentID)
	c.log.Debug().Str("agent", agentID).Str("reason", reason).Msg("session removed")
}

// outputRing is a fixed-capacity ring buffer of output lines.
type outputRing struct {
	buf   []OutputLine
	head  int
	count int
}

func newOutputRing(capacity int) *outputRing {
	return &outputRing{buf: make([]OutputLine, capacity)}
}

func (r *outputRing) push(line OutputLine) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = line
		r.count++
		return
	}
	r.buf[r.head] = line
	r.head = (r.head + 1) % len(r.buf)
}

func (r *outputRing) snapshot() []OutputLine {
	out := make([]OutputLine, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
