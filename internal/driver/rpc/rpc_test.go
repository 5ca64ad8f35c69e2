package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheelhq/flywheel/internal/driver"
	"github.com/flywheelhq/flywheel/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.Nop()
}

// fakeProcess is a scripted subprocess: requests written to stdin land on a
// buffered channel, and test code injects stdout lines and the exit code.
type fakeProcess struct {
	stdin   chan []byte
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu       sync.Mutex
	signals  []os.Signal
	killed   bool
	exitCode int
	exited   chan struct{}
}

func newFakeProcess() *fakeProcess {
	or, ow := io.Pipe()
	return &fakeProcess{
		stdin:   make(chan []byte, 16),
		stdoutR: or, stdoutW: ow,
		exited: make(chan struct{}),
	}
}

type stdinWriter struct{ p *fakeProcess }

func (w stdinWriter) Write(b []byte) (int, error) {
	line := make([]byte, len(b))
	copy(line, b)
	w.p.stdin <- line
	return len(b), nil
}

func (p *fakeProcess) Stdin() io.Writer  { return stdinWriter{p} }
func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		close(p.exited)
	}
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

// exit simulates the subprocess exiting on its own.
func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed {
		p.killed = true
		p.exitCode = code
		close(p.exited)
	}
}

// emit writes one stdout line to the driver.
func (p *fakeProcess) emit(t *testing.T, line string) {
	t.Helper()
	_, err := p.stdoutW.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (p *fakeProcess) emitNotification(t *testing.T, method string, params any) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	p.emit(t, fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"params":%s}`, method, raw))
}

// readRequest consumes one JSON-RPC request from the driver's stdin writes.
func (p *fakeProcess) readRequest(t *testing.T) request {
	t.Helper()
	select {
	case line := <-p.stdin:
		var req request
		require.NoError(t, json.Unmarshal(line, &req))
		return req
	case <-time.After(time.Second):
		t.Fatal("no request written to stdin")
		return request{}
	}
}

func newTestDriver(t *testing.T, cfg Config) (*Driver, *fakeProcess) {
	t.Helper()
	proc := newFakeProcess()
	cfg.Starter = func(ctx context.Context, acfg driver.AgentConfig, command string, args, env []string) (Process, error) {
		return proc, nil
	}
	d := New(cfg, testLogger())
	_, err := d.Spawn(context.Background(), driver.AgentConfig{ID: "a1"})
	require.NoError(t, err)
	return d, proc
}

func waitState(t *testing.T, d *Driver, agentID string, want driver.ActivityState) {
	t.Helper()
	assert.Eventually(t, func() bool {
		state, err := d.GetState(agentID)
		return err == nil && state.ActivityState == want
	}, time.Second, 5*time.Millisecond)
}

func TestDriver_TypeAndCapabilities(t *testing.T) {
	d := New(Config{}, testLogger())
	assert.Equal(t, driver.TypeRPC, d.Type())
	caps := d.Capabilities()
	assert.True(t, caps.StructuredEvents)
	assert.True(t, caps.ToolCalls)
	assert.True(t, caps.FileOperations)
	assert.True(t, caps.Checkpoint)
	assert.False(t, caps.TerminalAttach)
}

func TestDriver_SendWritesRequest(t *testing.T) {
	d, proc := newTestDriver(t, Config{})

	require.NoError(t, d.Send(context.Background(), "a1", "hello"))

	req := proc.readRequest(t)
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, "message", req.Method)
	params, ok := req.Params.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", params["content"])

	state, err := d.GetState("a1")
	require.NoError(t, err)
	assert.Equal(t, driver.StateThinking, state.ActivityState)
}

func TestDriver_NotificationsDriveStateMachine(t *testing.T) {
	d, proc := newTestDriver(t, Config{})

	require.NoError(t, d.Send(context.Background(), "a1", "hello"))
	proc.readRequest(t)

	proc.emitNotification(t, "message_start", messageStartParams{Model: "m"})
	waitState(t, d, "a1", driver.StateWorking)

	proc.emitNotification(t, "content_block_delta", contentBlockParams{Text: "partial answer"})
	assert.Eventually(t, func() bool {
		lines, err := d.GetOutput("a1", 0, time.Time{})
		return err == nil && len(lines) == 1 && lines[0].Text == "partial answer"
	}, time.Second, 5*time.Millisecond)

	stop := messageStopParams{Content: "full answer"}
	stop.Usage.InputTokens = 100
	stop.Usage.OutputTokens = 40
	proc.emitNotification(t, "message_stop", stop)
	waitState(t, d, "a1", driver.StateIdle)

	state, err := d.GetState("a1")
	require.NoError(t, err)
	assert.Equal(t, 140, state.TokenUsage.Total())
}

func TestDriver_ToolCallCorrelation(t *testing.T) {
	d, proc := newTestDriver(t, Config{})
	events, err := d.Subscribe("a1")
	require.NoError(t, err)

	require.NoError(t, d.Send(context.Background(), "a1", "use a tool"))
	proc.readRequest(t)

	proc.emitNotification(t, "tool_use", toolUseParams{ToolID: "t1", Name: "read_file"})
	waitState(t, d, "a1", driver.StateToolCalling)

	proc.emitNotification(t, "tool_result", toolResultParams{ToolID: "t1"})
	waitState(t, d, "a1", driver.StateWorking)

	var start, end *driver.Event
	deadline := time.After(time.Second)
	for end == nil {
		select {
		case evt := <-events:
			switch evt.Type {
			case driver.EventToolCallStart:
				e := evt
				start = &e
			case driver.EventToolCallEnd:
				e := evt
				end = &e
			}
		case <-deadline:
			t.Fatal("tool call events not observed")
		}
	}
	require.NotNil(t, start)
	assert.Equal(t, "read_file", start.ToolName)
	assert.Equal(t, "t1", start.ToolID)
	assert.Equal(t, "read_file", end.ToolName, "the end event recovers the name from the pending entry")
	assert.GreaterOrEqual(t, end.Duration, time.Duration(0))
}

func TestDriver_UnmatchedToolResult(t *testing.T) {
	d, proc := newTestDriver(t, Config{})
	events, err := d.Subscribe("a1")
	require.NoError(t, err)

	proc.emitNotification(t, "tool_result", toolResultParams{ToolID: "never-started"})

	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == driver.EventToolCallEnd {
				assert.Equal(t, "unknown", evt.ToolName)
				assert.Zero(t, evt.Duration)
				return
			}
		case <-deadline:
			t.Fatal("tool_call_end not observed")
		}
	}
}

func TestDriver_FileOperationEvents(t *testing.T) {
	d, proc := newTestDriver(t, Config{})
	events, err := d.Subscribe("a1")
	require.NoError(t, err)

	proc.emitNotification(t, "file_read", fileOpParams{Path: "/src/main.go"})
	proc.emitNotification(t, "file_write", fileOpParams{Path: "/src/out.go"})
	proc.emitNotification(t, "file_edit", fileOpParams{Path: "/src/edit.go"})

	want := []struct {
		typ  driver.EventType
		path string
	}{
		{driver.EventFileRead, "/src/main.go"},
		{driver.EventFileWrite, "/src/out.go"},
		{driver.EventFileEdit, "/src/edit.go"},
	}
	for _, w := range want {
		select {
		case evt := <-events:
			assert.Equal(t, w.typ, evt.Type)
			assert.Equal(t, w.path, evt.Path)
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", w.typ)
		}
	}
}

func TestDriver_NonJSONDegradesToOutput(t *testing.T) {
	d, proc := newTestDriver(t, Config{})

	proc.emit(t, "plain log line from the agent binary")
	proc.emit(t, `{"not":"jsonrpc"}`)

	assert.Eventually(t, func() bool {
		lines, err := d.GetOutput("a1", 0, time.Time{})
		return err == nil && len(lines) == 2
	}, time.Second, 5*time.Millisecond)

	lines, err := d.GetOutput("a1", 0, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "plain log line from the agent binary", lines[0].Text)
	assert.Equal(t, `{"not":"jsonrpc"}`, lines[1].Text)
}

func TestDriver_ErrorNotification(t *testing.T) {
	d, proc := newTestDriver(t, Config{})
	events, err := d.Subscribe("a1")
	require.NoError(t, err)

	proc.emitNotification(t, "error", errorParams{Message: "backend blew up"})
	waitState(t, d, "a1", driver.StateError)

	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == driver.EventError {
				assert.Equal(t, "backend blew up", evt.Message)
				return
			}
		case <-deadline:
			t.Fatal("error event not observed")
		}
	}
}

func TestDriver_ErrorResponseFailsSend(t *testing.T) {
	d, proc := newTestDriver(t, Config{})

	require.NoError(t, d.Send(context.Background(), "a1", "hello"))
	req := proc.readRequest(t)

	proc.emit(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32600,"message":"bad request"}}`, req.ID))
	waitState(t, d, "a1", driver.StateError)
}

func TestDriver_RPCTimeout(t *testing.T) {
	d, proc := newTestDriver(t, Config{RPCTimeout: 30 * time.Millisecond})

	require.NoError(t, d.Send(context.Background(), "a1", "hello"))
	proc.readRequest(t)

	// No response ever arrives; the pending call expires.
	waitState(t, d, "a1", driver.StateError)
}

func TestDriver_InterruptSignalsProcess(t *testing.T) {
	d, proc := newTestDriver(t, Config{})

	require.NoError(t, d.Send(context.Background(), "a1", "hello"))
	proc.readRequest(t)

	require.NoError(t, d.Interrupt(context.Background(), "a1"))
	waitState(t, d, "a1", driver.StateIdle)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.signals, 1)
	assert.Equal(t, os.Interrupt, proc.signals[0])
}

func TestDriver_ProcessExitNormal(t *testing.T) {
	d, proc := newTestDriver(t, Config{})
	events, err := d.Subscribe("a1")
	require.NoError(t, err)

	proc.exit(0)

	var last driver.Event
	for evt := range events {
		last = evt
	}
	assert.Equal(t, driver.EventTerminated, last.Type)
	assert.Equal(t, "normal", last.Reason)
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, 0, *last.ExitCode)

	assert.Eventually(t, func() bool {
		_, err := d.GetState("a1")
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestDriver_ProcessExitNonzero(t *testing.T) {
	d, proc := newTestDriver(t, Config{})
	events, err := d.Subscribe("a1")
	require.NoError(t, err)

	proc.exit(3)

	var last driver.Event
	for evt := range events {
		last = evt
	}
	assert.Equal(t, driver.EventTerminated, last.Type)
	assert.Equal(t, "error", last.Reason)
	require.NotNil(t, last.ExitCode)
	assert.Equal(t, 3, *last.ExitCode)
}

func TestDriver_TerminateKillsAndCleansUp(t *testing.T) {
	d, proc := newTestDriver(t, Config{})

	_, err := d.CreateCheckpoint(context.Background(), "a1")
	require.NoError(t, err)

	events, err := d.Subscribe("a1")
	require.NoError(t, err)
	require.NoError(t, d.Terminate(context.Background(), "a1"))

	evt := <-events
	assert.Equal(t, driver.EventTerminated, evt.Type)
	assert.Equal(t, "requested", evt.Reason)

	proc.mu.Lock()
	assert.True(t, proc.killed)
	proc.mu.Unlock()

	_, err = d.GetState("a1")
	assert.ErrorIs(t, err, driver.ErrAgentNotFound)
}

func TestDriver_ExitRejectsPendingBeforeTerminated(t *testing.T) {
	d, proc := newTestDriver(t, Config{})

	require.NoError(t, d.Send(context.Background(), "a1", "hello"))
	proc.readRequest(t)

	events, err := d.Subscribe("a1")
	require.NoError(t, err)

	proc.exit(1)

	// The pending call is rejected before the terminated event closes the
	// stream; terminated is always last.
	var types []driver.EventType
	for evt := range events {
		types = append(types, evt.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, driver.EventTerminated, types[len(types)-1])
}

func TestDriver_CheckpointLifecycle(t *testing.T) {
	d, _ := newTestDriver(t, Config{})

	cp, err := d.CreateCheckpoint(context.Background(), "a1")
	require.NoError(t, err)

	cps, err := d.ListCheckpoints("a1")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, cp.ID, cps[0].ID)

	got, err := d.GetCheckpoint("a1", cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)

	require.NoError(t, d.RestoreCheckpoint(context.Background(), "a1", cp.ID))

	_, err = d.GetCheckpoint("a1", "missing")
	assert.Error(t, err)
}

func TestDriver_SpawnStartFailure(t *testing.T) {
	cfg := Config{
		Starter: func(ctx context.Context, acfg driver.AgentConfig, command string, args, env []string) (Process, error) {
			return nil, fmt.Errorf("binary not found")
		},
	}
	d := New(cfg, testLogger())

	_, err := d.Spawn(context.Background(), driver.AgentConfig{ID: "a1"})
	require.Error(t, err)

	// The session must not leak: the id is reusable.
	_, err = d.GetState("a1")
	assert.ErrorIs(t, err, driver.ErrAgentNotFound)
}
