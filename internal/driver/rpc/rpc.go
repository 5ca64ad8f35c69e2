// Package rpc implements the JSON-RPC-over-stdio driver. Each agent is a
// real subprocess speaking newline-delimited JSON-RPC 2.0: requests go to
// stdin, responses and streaming notifications come back on stdout. Lines
// that fail to parse as JSON degrade to plain-text output rather than
// propagating an error.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flywheelhq/flywheel/internal/driver"
	"github.com/flywheelhq/flywheel/internal/logging"
)

// Config tunes the RPC driver.
type Config struct {
	Core driver.CoreConfig

	// Command is the agent binary; Args and Env are passed through to every
	// spawn.
	Command string
	Args    []string
	Env     []string

	// RPCTimeout fails a pending call that received no response. 0 means
	// 30s.
	RPCTimeout time.Duration

	// Starter overrides subprocess launching. Nil uses StartExec.
	Starter Starter
}

// pendingCall tracks one in-flight JSON-RPC request.
type pendingCall struct {
	done  chan struct{}
	reply *envelope // set before done closes
	timer *time.Timer
}

// pendingTool correlates tool_use with its eventual tool_result so the end
// event can carry the tool name and duration.
type pendingTool struct {
	name    string
	started time.Time
}

// agentProc is the driver-private record for one agent's subprocess.
type agentProc struct {
	proc   Process
	stdin  io.Writer
	nextID int64

	pending map[int64]*pendingCall
	tools   map[string]pendingTool

	// closed flips exactly once, on whichever of terminate or process exit
	// wins; the loser becomes a no-op.
	closed bool
}

// Driver is the JSON-RPC subprocess backend.
type Driver struct {
	core        *driver.Core
	cfg         Config
	start       Starter
	checkpoints *driver.CheckpointTable
	log         *logging.Logger

	mu    sync.Mutex
	procs map[string]*agentProc
}

// New creates an RPC driver instance.
func New(cfg Config, log *logging.Logger) *Driver {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 30 * time.Second
	}
	start := cfg.Starter
	if start == nil {
		start = StartExec
	}
	return &Driver{
		core:        driver.NewCore(driver.TypeRPC, cfg.Core, log),
		cfg:         cfg,
		start:       start,
		checkpoints: driver.NewCheckpointTable(),
		log:         log.Sub("driver.rpc"),
		procs:       make(map[string]*agentProc),
	}
}

// Type implements driver.Driver.
func (d *Driver) Type() driver.DriverType { return driver.TypeRPC }

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		StructuredEvents: true,
		ToolCalls:        true,
		FileOperations:   true,
		Checkpoint:       true,
		Interrupt:        true,
		Streaming:        true,
	}
}

// Spawn implements driver.Driver: registers the session, launches the
// subprocess and starts the stdout reader and exit watcher.
func (d *Driver) Spawn(ctx context.Context, cfg driver.AgentConfig) (*driver.AgentState, error) {
	state, err := d.core.Register(cfg)
	if err != nil {
		return nil, err
	}

	proc, err := d.start(ctx, cfg, d.cfg.Command, d.cfg.Args, d.cfg.Env)
	if err != nil {
		d.core.Remove(cfg.ID, "error", nil)
		return nil, fmt.Errorf("spawning agent process: %w", err)
	}

	ap := &agentProc{
		proc:    proc,
		stdin:   proc.Stdin(),
		pending: make(map[int64]*pendingCall),
		tools:   make(map[string]pendingTool),
	}
	d.mu.Lock()
	d.procs[cfg.ID] = ap
	d.mu.Unlock()

	go d.readLoop(cfg.ID, proc.Stdout())
	go d.watchExit(cfg.ID, proc)

	d.log.Info().Str("agent", cfg.ID).Str("command", d.cfg.Command).Msg("agent process started")
	return state, nil
}

// readLoop buffers stdout bytes and splits them on newlines; a partial
// trailing line stays buffered until its newline arrives.
func (d *Driver) readLoop(agentID string, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		d.handleLine(agentID, line)
	}
}

// handleLine routes one complete stdout line: responses go to the pending
// table, notifications become runtime events, and anything that is not
// JSON-RPC degrades to plain-text output.
func (d *Driver) handleLine(agentID string, line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil || env.JSONRPC != "2.0" {
		d.core.AppendOutput(agentID, "stdout", string(line))
		return
	}

	if env.isResponse() {
		d.resolveCall(agentID, &env)
		return
	}
	d.handleNotification(agentID, &env)
}

func (d *Driver) resolveCall(agentID string, env *envelope) {
	d.mu.Lock()
	ap, ok := d.procs[agentID]
	if !ok {
		d.mu.Unlock()
		return
	}
	call, ok := ap.pending[*env.ID]
	if ok {
		delete(ap.pending, *env.ID)
	}
	d.mu.Unlock()

	if !ok {
		d.log.Debug().Str("agent", agentID).Int64("id", *env.ID).Msg("response for unknown request id")
		return
	}
	call.timer.Stop()
	call.reply = env
	close(call.done)
}

func (d *Driver) handleNotification(agentID string, env *envelope) {
	switch env.Method {
	case "message_start":
		d.core.SetState(agentID, driver.StateWorking)

	case "content_block_start", "content_block_stop":
		// Block boundaries carry no text; the state is already working.

	case "content_block_delta":
		var p contentBlockParams
		if err := json.Unmarshal(env.Params, &p); err == nil && p.Text != "" {
			d.core.AppendOutput(agentID, "stdout", p.Text)
		}

	case "tool_use":
		var p toolUseParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return
		}
		d.mu.Lock()
		if ap, ok := d.procs[agentID]; ok {
			ap.tools[p.ToolID] = pendingTool{name: p.Name, started: time.Now()}
		}
		d.mu.Unlock()
		d.core.SetState(agentID, driver.StateToolCalling)
		d.core.Publish(agentID, driver.Event{
			Type:     driver.EventToolCallStart,
			AgentID:  agentID,
			ToolID:   p.ToolID,
			ToolName: p.Name,
		})

	case "tool_result":
		var p toolResultParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return
		}
		// Recover the name and compute the duration from the pending tool
		// entry; an unmatched result degrades to "unknown".
		name := "unknown"
		var dur time.Duration
		d.mu.Lock()
		if ap, ok := d.procs[agentID]; ok {
			if t, ok := ap.tools[p.ToolID]; ok {
				name = t.name
				dur = time.Since(t.started)
				delete(ap.tools, p.ToolID)
			}
		}
		d.mu.Unlock()
		d.core.Publish(agentID, driver.Event{
			Type:     driver.EventToolCallEnd,
			AgentID:  agentID,
			ToolID:   p.ToolID,
			ToolName: name,
			Duration: dur,
		})
		d.core.SetState(agentID, driver.StateWorking)

	case "file_read", "file_write", "file_edit":
		var p fileOpParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return
		}
		evtType := driver.EventFileRead
		switch env.Method {
		case "file_write":
			evtType = driver.EventFileWrite
		case "file_edit":
			evtType = driver.EventFileEdit
		}
		d.core.Publish(agentID, driver.Event{Type: evtType, AgentID: agentID, Path: p.Path})

	case "message_stop":
		var p messageStopParams
		if err := json.Unmarshal(env.Params, &p); err == nil {
			d.core.AddUsage(agentID, driver.TokenUsage{
				InputTokens:  p.Usage.InputTokens,
				OutputTokens: p.Usage.OutputTokens,
			})
			if p.Content != "" {
				d.core.AppendHistory(agentID, driver.Message{
					Role:      "assistant",
					Content:   p.Content,
					Timestamp: time.Now(),
				})
			}
		}
		d.core.SetState(agentID, driver.StateIdle)

	case "error":
		var p errorParams
		_ = json.Unmarshal(env.Params, &p)
		d.core.Publish(agentID, driver.Event{
			Type:    driver.EventError,
			AgentID: agentID,
			Message: p.Message,
		})
		d.core.SetState(agentID, driver.StateError)

	default:
		d.log.Debug().Str("agent", agentID).Str("method", env.Method).Msg("unhandled notification")
	}
}

// call writes a request and registers it in the pending table with an
// rpcTimeout deadline. The returned channel closes when the response
// arrives or the timeout rejects the call.
func (d *Driver) call(agentID, method string, params any) (*pendingCall, error) {
	d.mu.Lock()
	ap, ok := d.procs[agentID]
	if !ok || ap.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", driver.ErrAgentNotFound, agentID)
	}
	ap.nextID++
	id := ap.nextID
	call := &pendingCall{done: make(chan struct{})}
	call.timer = time.AfterFunc(d.cfg.RPCTimeout, func() {
		d.expireCall(agentID, id)
	})
	ap.pending[id] = call
	stdin := ap.stdin
	d.mu.Unlock()

	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := stdin.Write(payload); err != nil {
		d.dropCall(agentID, id)
		return nil, fmt.Errorf("writing to agent stdin: %w", err)
	}
	return call, nil
}

func (d *Driver) expireCall(agentID string, id int64) {
	d.mu.Lock()
	ap, ok := d.procs[agentID]
	if !ok {
		d.mu.Unlock()
		return
	}
	call, ok := ap.pending[id]
	if ok {
		delete(ap.pending, id)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	call.reply = &envelope{Error: &rpcError{Code: -32000, Message: "rpc timeout"}}
	close(call.done)
	d.log.Warn().Str("agent", agentID).Int64("id", id).Msg("rpc call timed out")
}

func (d *Driver) dropCall(agentID string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ap, ok := d.procs[agentID]; ok {
		if call, ok := ap.pending[id]; ok {
			call.timer.Stop()
			delete(ap.pending, id)
		}
	}
}

// GetState implements driver.Driver.
func (d *Driver) GetState(agentID string) (*driver.AgentState, error) {
	return d.core.Snapshot(agentID)
}

// Send implements driver.Driver. The message is delivered as a JSON-RPC
// request; streaming notifications drive the state machine from there. The
// acknowledgement is awaited in the background so a dead subprocess
// surfaces as an error event rather than a hung caller.
func (d *Driver) Send(ctx context.Context, agentID, message string) error {
	if err := d.core.BeginSend(agentID); err != nil {
		return err
	}
	d.core.AppendHistory(agentID, driver.Message{
		Role:      "user",
		Content:   message,
		Timestamp: time.Now(),
	})

	call, err := d.call(agentID, "message", map[string]string{"content": message})
	if err != nil {
		d.core.SetState(agentID, driver.StateError)
		return err
	}

	go func() {
		<-call.done
		if call.reply != nil && call.reply.Error != nil {
			d.core.Publish(agentID, driver.Event{
				Type:    driver.EventError,
				AgentID: agentID,
				Message: call.reply.Error.Message,
			})
			d.core.SetState(agentID, driver.StateError)
		}
	}()
	return nil
}

// Interrupt implements driver.Driver: SIGINT to the subprocess.
func (d *Driver) Interrupt(ctx context.Context, agentID string) error {
	d.mu.Lock()
	ap, ok := d.procs[agentID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", driver.ErrAgentNotFound, agentID)
	}
	if err := ap.proc.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("interrupting agent process: %w", err)
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
	ap, ok := d.procs[agentID]
	if ok && !ap.closed {
		ap.closed = true
	} else {
		ap = nil
	}
	d.mu.Unlock()

	if ap != nil {
		_ = ap.proc.Kill()
		d.rejectPending(ap, "agent terminated")
	}
	d.finish(agentID, "requested", nil)
	return nil
}

// watchExit waits for the subprocess to exit and tears the agent down.
// Exit is not an error in itself: code 0 reports reason "normal", nonzero
// reports "error", both via terminated.exitCode.
func (d *Driver) watchExit(agentID string, proc Process) {
	code, err := proc.Wait()

	d.mu.Lock()
	ap, ok := d.procs[agentID]
	if !ok || ap.closed {
		d.mu.Unlock()
		return // terminate already won
	}
	ap.closed = true
	d.mu.Unlock()

	if err != nil {
		d.log.Warn().Err(err).Str("agent", agentID).Msg("process wait failed")
	}

	reason := "normal"
	if code != 0 {
		reason = "error"
	}
	d.rejectPending(ap, "agent process exited")
	d.finish(agentID, reason, &code)
}

// rejectPending fails every pending call. Must run before the terminated
// event so callers observe their rejection first.
func (d *Driver) rejectPending(ap *agentProc, msg string) {
	d.mu.Lock()
	calls := make([]*pendingCall, 0, len(ap.pending))
	for id, call := range ap.pending {
		call.timer.Stop()
		calls = append(calls, call)
		delete(ap.pending, id)
	}
	d.mu.Unlock()

	for _, call := range calls {
		call.reply = &envelope{Error: &rpcError{Code: -32001, Message: msg}}
		close(call.done)
	}
}

// finish emits terminated (which also clears subscribers) and then deletes
// the driver-private record. Ordering matters: shared state goes first so
// terminated is observable, private state last.
func (d *Driver) finish(agentID, reason string, exitCode *int) {
	d.checkpoints.DeleteAgent(agentID)
	d.core.Remove(agentID, reason, exitCode)

	d.mu.Lock()
	delete(d.procs, agentID)
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

// IsHealthy implements driver.Driver: healthy while the configured agent
// binary is resolvable.
func (d *Driver) IsHealthy(ctx context.Context) bool {
	if d.cfg.Starter != nil {
		return true // injected transport, nothing to probe
	}
	return binaryExists(d.cfg.Command)
}

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
	d.checkpoints.Add(cp)
	d.core.Publish(agentID, driver.Event{
		Type:         driver.EventCheckpointCreated,
		AgentID:      agentID,
		CheckpointID: cp.ID,
	})
	return cp, nil
}

// ListCheckpoints implements driver.CheckpointDriver.
func (d *Driver) ListCheckpoints(agentID string) ([]*driver.Checkpoint, error) {
	if !d.core.Has(agentID) {
		return nil, fmt.Errorf("%w: %s", driver.ErrAgentNotFound, agentID)
	}
	return d.checkpoints.List(agentID), nil
}

// GetCheckpoint implements driver.CheckpointDriver.
func (d *Driver) GetCheckpoint(agentID, checkpointID string) (*driver.Checkpoint, error) {
	if !d.core.Has(agentID) {
		return nil, fmt.Errorf("%w: %s", driver.ErrAgentNotFound, agentID)
	}
	return d.checkpoints.Get(agentID, checkpointID)
}

// RestoreCheckpoint implements driver.CheckpointDriver. Token usage is
// overwritten rather than accumulated, the sole sanctioned exception to
// usage monotonicity.
func (d *Driver) RestoreCheckpoint(ctx context.Context, agentID, checkpointID string) error {
	cp, err := d.GetCheckpoint(agentID, checkpointID)
	if err != nil {
		return err
	}
	d.core.ReplaceHistory(agentID, cp.History)
	d.core.SetUsage(agentID, cp.TokenUsage)
	return nil
}
