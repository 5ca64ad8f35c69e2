package driver

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheelhq/flywheel/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.Nop()
}

func newTestCore(cfg CoreConfig) *Core {
	return NewCore(TypeAPI, cfg, testLogger())
}

func TestCore_RegisterInitialState(t *testing.T) {
	core := newTestCore(CoreConfig{})

	state, err := core.Register(AgentConfig{ID: "a1", Name: "coder"})
	require.NoError(t, err)

	assert.Equal(t, "a1", state.ID)
	assert.Equal(t, TypeAPI, state.DriverType)
	assert.Equal(t, StateIdle, state.ActivityState)
	assert.Equal(t, HealthHealthy, state.ContextHealth)
	assert.Zero(t, state.TokenUsage.Total())
	assert.False(t, state.StartedAt.IsZero())
	assert.False(t, state.LastActivityAt.IsZero())
}

func TestCore_RegisterCapacity(t *testing.T) {
	core := newTestCore(CoreConfig{MaxAgents: 2})

	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)
	_, err = core.Register(AgentConfig{ID: "a2"})
	require.NoError(t, err)

	_, err = core.Register(AgentConfig{ID: "a3"})
	assert.ErrorIs(t, err, ErrAtCapacity)

	// Removing one frees a slot.
	core.Remove("a1", "requested", nil)
	_, err = core.Register(AgentConfig{ID: "a3"})
	assert.NoError(t, err)
}

func TestCore_RegisterDuplicate(t *testing.T) {
	core := newTestCore(CoreConfig{})
	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)

	_, err = core.Register(AgentConfig{ID: "a1"})
	assert.ErrorIs(t, err, ErrDuplicateAgent)
}

func TestCore_SnapshotUnknown(t *testing.T) {
	core := newTestCore(CoreConfig{})
	_, err := core.Snapshot("nope")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestCore_BeginSendBusyRule(t *testing.T) {
	tests := []struct {
		state    ActivityState
		rejected bool
	}{
		{StateIdle, false},
		{StateThinking, true},
		{StateWorking, true},
		{StateToolCalling, true},
		{StateWaitingInput, false},
		{StateError, false},
		{StateStalled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			core := newTestCore(CoreConfig{})
			_, err := core.Register(AgentConfig{ID: "a1"})
			require.NoError(t, err)
			core.SetState("a1", tt.state)

			err = core.BeginSend("a1")
			if tt.rejected {
				assert.ErrorIs(t, err, ErrAgentBusy)
				state, serr := core.Snapshot("a1")
				require.NoError(t, serr)
				assert.Equal(t, tt.state, state.ActivityState, "rejected send must not change state")
			} else {
				require.NoError(t, err)
				state, serr := core.Snapshot("a1")
				require.NoError(t, serr)
				assert.Equal(t, StateThinking, state.ActivityState)
			}
		})
	}
}

func TestCore_SetStateEmitsTransition(t *testing.T) {
	core := newTestCore(CoreConfig{})
	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)

	events, err := core.Subscribe("a1")
	require.NoError(t, err)

	core.SetState("a1", StateWorking)
	core.SetState("a1", StateWorking) // no-op: same state

	evt := <-events
	assert.Equal(t, EventStateChange, evt.Type)
	assert.Equal(t, StateIdle, evt.OldState)
	assert.Equal(t, StateWorking, evt.NewState)

	select {
	case extra := <-events:
		t.Fatalf("unexpected event for self-transition: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCore_OutputRingBound(t *testing.T) {
	core := newTestCore(CoreConfig{OutputBufferSize: 3})
	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		core.AppendOutput("a1", "stdout", fmt.Sprintf("line %d", i))
	}

	lines, err := core.Output("a1", 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "line 3", lines[0].Text)
	assert.Equal(t, "line 5", lines[2].Text)
}

func TestCore_OutputLimitAndSince(t *testing.T) {
	core := newTestCore(CoreConfig{})
	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)

	core.AppendOutput("a1", "stdout", "first")
	time.Sleep(2 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(2 * time.Millisecond)
	core.AppendOutput("a1", "stdout", "second")
	core.AppendOutput("a1", "stderr", "third")

	lines, err := core.Output("a1", 1, time.Time{})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "third", lines[0].Text)

	lines, err = core.Output("a1", 0, cutoff)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "second", lines[0].Text)
}

func TestCore_HistoryBoundKeepsFirst(t *testing.T) {
	core := newTestCore(CoreConfig{MaxHistoryMessages: 4})
	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		core.AppendHistory("a1", Message{Role: "user", Content: fmt.Sprintf("msg %d", i)})
	}

	history := core.History("a1")
	require.Len(t, history, 4)
	assert.Equal(t, "msg 0", history[0].Content, "the first message anchors the conversation")
	assert.Equal(t, "msg 7", history[1].Content)
	assert.Equal(t, "msg 9", history[3].Content)
}

func TestCore_ContextHealthTransitions(t *testing.T) {
	core := newTestCore(CoreConfig{})
	_, err := core.Register(AgentConfig{ID: "a1", MaxTokens: 1000})
	require.NoError(t, err)

	events, err := core.Subscribe("a1")
	require.NoError(t, err)

	// 70% of budget: still healthy, no advisory.
	core.AddUsage("a1", TokenUsage{InputTokens: 400, OutputTokens: 300})
	state, err := core.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, state.ContextHealth)

	// 80%: crosses into warning, exactly one advisory.
	core.AddUsage("a1", TokenUsage{InputTokens: 100})
	evt := <-events
	assert.Equal(t, EventContextWarning, evt.Type)
	assert.Equal(t, HealthWarning, evt.Health)
	assert.NotEmpty(t, evt.Suggestion)

	// 84%: still warning, silent.
	core.AddUsage("a1", TokenUsage{InputTokens: 40})
	select {
	case extra := <-events:
		t.Fatalf("advisory repeated within the same band: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	// 90%: critical.
	core.AddUsage("a1", TokenUsage{OutputTokens: 60})
	evt = <-events
	assert.Equal(t, HealthCritical, evt.Health)

	// 96%: emergency.
	core.AddUsage("a1", TokenUsage{OutputTokens: 60})
	evt = <-events
	assert.Equal(t, HealthEmergency, evt.Health)
}

func TestCore_SetUsageRecoveryIsSilent(t *testing.T) {
	core := newTestCore(CoreConfig{})
	_, err := core.Register(AgentConfig{ID: "a1", MaxTokens: 1000})
	require.NoError(t, err)

	core.AddUsage("a1", TokenUsage{InputTokens: 900})
	events, err := core.Subscribe("a1")
	require.NoError(t, err)

	// Restore drops usage back under every threshold without an advisory.
	core.SetUsage("a1", TokenUsage{InputTokens: 100})
	state, serr := core.Snapshot("a1")
	require.NoError(t, serr)
	assert.Equal(t, HealthHealthy, state.ContextHealth)
	assert.Equal(t, 100, state.TokenUsage.InputTokens)

	select {
	case evt := <-events:
		t.Fatalf("unexpected event on recovery: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCore_EventOrderingTerminatedLast(t *testing.T) {
	core := newTestCore(CoreConfig{})
	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)

	events, err := core.Subscribe("a1")
	require.NoError(t, err)

	core.SetState("a1", StateWorking)
	core.AppendOutput("a1", "stdout", "hello")
	code := 0
	core.Remove("a1", "normal", &code)

	var received []EventType
	for evt := range events {
		received = append(received, evt.Type)
	}

	require.NotEmpty(t, received)
	assert.Equal(t, []EventType{EventStateChange, EventOutput, EventTerminated}, received)
	assert.False(t, core.Has("a1"))
}

func TestCore_TerminatedCarriesReasonAndExitCode(t *testing.T) {
	core := newTestCore(CoreConfig{})
	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)

	events, err := core.Subscribe("a1")
	require.NoError(t, err)

	code := 2
	core.Remove("a1", "error", &code)

	evt := <-events
	assert.Equal(t, EventTerminated, evt.Type)
	assert.Equal(t, "error", evt.Reason)
	require.NotNil(t, evt.ExitCode)
	assert.Equal(t, 2, *evt.ExitCode)

	_, open := <-events
	assert.False(t, open, "channel must close after terminated")
}

func TestCore_SlowSubscriberLosesOldestNotTerminated(t *testing.T) {
	core := newTestCore(CoreConfig{SubscriberBuffer: 2})
	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)

	events, err := core.Subscribe("a1")
	require.NoError(t, err)

	// Nobody is draining: overflow the two-slot buffer, then terminate.
	core.AppendOutput("a1", "stdout", "one")
	core.AppendOutput("a1", "stdout", "two")
	core.AppendOutput("a1", "stdout", "three")
	core.Remove("a1", "requested", nil)

	var received []EventType
	for evt := range events {
		received = append(received, evt.Type)
	}
	require.Len(t, received, 2)
	assert.Equal(t, EventTerminated, received[len(received)-1])
}

func TestCore_RemoveIdempotent(t *testing.T) {
	core := newTestCore(CoreConfig{})
	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)

	core.Remove("a1", "requested", nil)
	core.Remove("a1", "requested", nil) // second call is a no-op
	assert.False(t, core.Has("a1"))
}

func TestCore_StallDetection(t *testing.T) {
	core := newTestCore(CoreConfig{StallThreshold: 40 * time.Millisecond})
	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)

	core.SetState("a1", StateWorking)

	assert.Eventually(t, func() bool {
		state, err := core.Snapshot("a1")
		return err == nil && state.ActivityState == StateStalled
	}, time.Second, 10*time.Millisecond)
}

func TestCore_IdleAgentNeverStalls(t *testing.T) {
	core := newTestCore(CoreConfig{StallThreshold: 30 * time.Millisecond})
	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	state, err := core.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state.ActivityState)
}

func TestCore_OutputResetsStallClock(t *testing.T) {
	core := newTestCore(CoreConfig{StallThreshold: 60 * time.Millisecond})
	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)

	core.SetState("a1", StateWorking)
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		core.AppendOutput("a1", "stdout", "still going")
	}

	state, err := core.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, StateWorking, state.ActivityState)
}

func TestCore_Interrupted(t *testing.T) {
	core := newTestCore(CoreConfig{})
	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)
	core.SetState("a1", StateWorking)

	events, err := core.Subscribe("a1")
	require.NoError(t, err)

	core.Interrupted("a1")

	evt := <-events
	assert.Equal(t, EventInterrupt, evt.Type)
	evt = <-events
	assert.Equal(t, EventStateChange, evt.Type)
	assert.Equal(t, StateIdle, evt.NewState)
}

func TestCore_MultipleSubscribersAllReceive(t *testing.T) {
	core := newTestCore(CoreConfig{})
	_, err := core.Register(AgentConfig{ID: "a1"})
	require.NoError(t, err)

	sub1, err := core.Subscribe("a1")
	require.NoError(t, err)
	sub2, err := core.Subscribe("a1")
	require.NoError(t, err)

	core.AppendOutput("a1", "stdout", "fan out")

	evt1 := <-sub1
	evt2 := <-sub2
	assert.Equal(t, evt1.Line.Text, evt2.Line.Text)
}
