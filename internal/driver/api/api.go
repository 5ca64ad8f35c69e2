// Package api implements the direct-API driver. Provider calls are
// simulated through a pluggable Completer so the driver's observable
// contract (state transitions, token accounting, checkpoints) can be
// exercised without network access; production wiring swaps in a real
// completer.
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flywheelhq/flywheel/internal/driver"
	"github.com/flywheelhq/flywheel/internal/logging"
)

// Completion is the result of one completer invocation.
type Completion struct {
	Content string
	Usage   driver.TokenUsage
}

// Completer produces an assistant turn for the given conversation. The
// default implementation simulates a provider call with a fixed delay and
// fixed token counts.
type Completer func(ctx context.Context, cfg driver.AgentConfig, history []driver.Message) (Completion, error)

// CheckpointArchive persists checkpoints across process restarts. The
// in-memory table stays authoritative; the archive is write-through.
type CheckpointArchive interface {
	Save(cp *driver.Checkpoint) error
	ListByAgent(agentID string) ([]*driver.Checkpoint, error)
	DeleteByAgent(agentID string) error
}

// Config tunes the API driver.
type Config struct {
	Core driver.CoreConfig

	// Completer overrides the simulated provider call. Nil uses the
	// default simulation.
	Completer Completer

	// Archive, when non-nil, persists checkpoints write-through.
	Archive CheckpointArchive

	// SimulateDelay is the thinking delay of the default completer.
	// 0 means 50ms.
	SimulateDelay time.Duration
}

// Driver is the direct-API backend.
type Driver struct {
	core     *driver.Core
	complete Completer
	archive  CheckpointArchive
	log      *logging.Logger

	mu          sync.Mutex
	inflight    map[string]context.CancelFunc
	checkpoints map[string][]*driver.Checkpoint
}

// New creates a direct-API driver instance.
func New(cfg Config, log *logging.Logger) *Driver {
	d := &Driver{
		core:        driver.NewCore(driver.TypeAPI, cfg.Core, log),
		archive:     cfg.Archive,
		log:         log.Sub("driver.api"),
		inflight:    make(map[string]context.CancelFunc),
		checkpoints: make(map[string][]*driver.Checkpoint),
	}
	d.complete = cfg.Completer
	if d.complete == nil {
		delay := cfg.SimulateDelay
		if delay <= 0 {
			delay = 50 * time.Millisecond
		}
		d.complete = simulatedCompleter(delay)
	}
	return d
}

// simulatedCompleter stands in for a real provider call: a fixed delay and
// fixed token counts per turn.
func simulatedCompleter(delay time.Duration) Completer {
	return func(ctx context.Context, cfg driver.AgentConfig, history []driver.Message) (Completion, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		}
		last := ""
		if len(history) > 0 {
			last = history[len(history)-1].Content
		}
		return Completion{
			Content: fmt.Sprintf("[%s] processed: %s", cfg.Model, last),
			Usage:   driver.TokenUsage{InputTokens: 120, OutputTokens: 80},
		}, nil
	}
}

// Type implements driver.Driver.
func (d *Driver) Type() driver.DriverType { return driver.TypeAPI }

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		StructuredEvents: true,
		Checkpoint:       true,
		Interrupt:        true,
		Streaming:        true,
	}
}

// Spawn implements driver.Driver.
func (d *Driver) Spawn(ctx context.Context, cfg driver.AgentConfig) (*driver.AgentState, error) {
	state, err := d.core.Register(cfg)
	if err != nil {
		return nil, err
	}
	d.log.Info().Str("agent", cfg.ID).Str("model", cfg.Model).Msg("agent spawned")
	return state, nil
}

// GetState implements driver.Driver.
func (d *Driver) GetState(agentID string) (*driver.AgentState, error) {
	return d.core.Snapshot(agentID)
}

// Send implements driver.Driver. The completion runs asynchronously; the
// agent cycles thinking → working → idle and the response is delivered as
// an output event.
func (d *Driver) Send(ctx context.Context, agentID, message string) error {
	if err := d.core.BeginSend(agentID); err != nil {
		return err
	}
	d.core.AppendHistory(agentID, driver.Message{
		Role:      "user",
		Content:   message,
		Timestamp: time.Now(),
	})

	runCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.inflight[agentID] = cancel
	d.mu.Unlock()

	go d.process(runCtx, agentID)
	return nil
}

func (d *Driver) process(ctx context.Context, agentID string) {
	defer func() {
		d.mu.Lock()
		delete(d.inflight, agentID)
		d.mu.Unlock()
	}()

	cfg, err := d.core.AgentConfigOf(agentID)
	if err != nil {
		return // terminated while queued
	}

	result, err := d.complete(ctx, cfg, d.core.History(agentID))
	if err != nil {
		if ctx.Err() != nil {
			// Interrupt already reset the state; nothing to report.
			return
		}
		d.core.Publish(agentID, driver.Event{
			Type:    driver.EventError,
			AgentID: agentID,
			Message: err.Error(),
		})
		d.core.SetState(agentID, driver.StateError)
		return
	}

	d.core.SetState(agentID, driver.StateWorking)
	d.core.AppendOutput(agentID, "stdout", result.Content)
	d.core.AddUsage(agentID, result.Usage)
	d.core.AppendHistory(agentID, driver.Message{
		Role:      "assistant",
		Content:   result.Content,
		Timestamp: time.Now(),
	})
	d.core.SetState(agentID, driver.StateIdle)
}

// Interrupt implements driver.Driver. The in-flight completion context is
// cancelled (the abort-signal analogue), then the agent resets to idle.
func (d *Driver) Interrupt(ctx context.Context, agentID string) error {
	if !d.core.Has(agentID) {
		return fmt.Errorf("%w: %s", driver.ErrAgentNotFound, agentID)
	}
	d.mu.Lock()
	cancel := d.inflight[agentID]
	delete(d.inflight, agentID)
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.core.Interrupted(agentID)
	return nil
}

// Terminate implements driver.Driver.
func (d *Driver) Terminate(ctx context.Context, agentID string) error {
	if !d.core.Has(agentID) {
		return fmt.Errorf("%w: %s", driver.ErrAgentNotFound, agentID)
	}

	d.mu.Lock()
	if cancel, ok := d.inflight[agentID]; ok {
		cancel()
		delete(d.inflight, agentID)
	}
	delete(d.checkpoints, agentID)
	d.mu.Unlock()

	if d.archive != nil {
		if err := d.archive.DeleteByAgent(agentID); err != nil {
			d.log.Warn().Err(err).Str("agent", agentID).Msg("checkpoint archive cleanup failed")
		}
	}

	d.core.Remove(agentID, "requested", nil)
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

// IsHealthy implements driver.Driver. The simulated backend is always
// reachable.
func (d *Driver) IsHealthy(ctx context.Context) bool { return true }

// CreateCheckpoint implements driver.CheckpointDriver.
func (d *Driver) CreateCheckpoint(ctx context.Context, agentID string) (*driver.Checkpoint, error) {
	state, err := d.core.Snapshot(agentID)
	if err != nil {
		return nil, err
	}

	cp := &driver.Checkpoint{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		CreatedAt:  time.Now(),
		History:    d.core.History(agentID),
		TokenUsage: state.TokenUsage,
	}

	d.mu.Lock()
	d.checkpoints[agentID] = append(d.checkpoints[agentID], cp)
	d.mu.Unlock()

	if d.archive != nil {
		if err := d.archive.Save(cp); err != nil {
			d.log.Warn().Err(err).Str("agent", agentID).Msg("checkpoint archive write failed")
		}
	}

	d.core.Publish(agentID, driver.Event{
		Type:         driver.EventCheckpointCreated,
		AgentID:      agentID,
		CheckpointID: cp.ID,
	})
	return cp, nil
}

// ListCheckpoints implements driver.CheckpointDriver. Archived checkpoints
// from earlier runs are included when an archive is configured.
func (d *Driver) ListCheckpoints(agentID string) ([]*driver.Checkpoint, error) {
	if !d.core.Has(agentID) {
		return nil, fmt.Errorf("%w: %s", driver.ErrAgentNotFound, agentID)
	}

	d.mu.Lock()
	cps := make([]*driver.Checkpoint, len(d.checkpoints[agentID]))
	copy(cps, d.checkpoints[agentID])
	d.mu.Unlock()

	if d.archive != nil {
		archived, err := d.archive.ListByAgent(agentID)
		if err != nil {
			return nil, fmt.Errorf("reading checkpoint archive: %w", err)
		}
		seen := make(map[string]bool, len(cps))
		for _, cp := range cps {
			seen[cp.ID] = true
		}
		for _, cp := range archived {
			if !seen[cp.ID] {
				cps = append(cps, cp)
			}
		}
	}
	return cps, nil
}

// GetCheckpoint implements driver.CheckpointDriver.
func (d *Driver) GetCheckpoint(agentID, checkpointID string) (*driver.Checkpoint, error) {
	cps, err := d.ListCheckpoints(agentID)
	if err != nil {
		return nil, err
	}
	for _, cp := range cps {
		if cp.ID == checkpointID {
			return cp, nil
		}
	}
	return nil, fmt.Errorf("checkpoint %s not found for agent %s", checkpointID, agentID)
}

// RestoreCheckpoint implements driver.CheckpointDriver. Token usage is
// overwritten, the sole sanctioned exception to usage monotonicity.
func (d *Driver) RestoreCheckpoint(ctx context.Context, agentID, checkpointID string) error {
	cp, err := d.GetCheckpoint(agentID, checkpointID)
	if err != nil {
		return err
	}
	d.core.ReplaceHistory(agentID, cp.History)
	d.core.SetUsage(agentID, cp.TokenUsage)
	d.log.Info().Str("agent", agentID).Str("checkpoint", checkpointID).Msg("checkpoint restored")
	return nil
}
