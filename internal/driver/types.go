// Package driver defines the uniform runtime contract over heterogeneous
// agent backends: a shared state machine, event model, per-agent session
// runtime and a capability-gated registry.
//
// Each backend (direct API, JSON-RPC subprocess, tmux session, ntm
// delegation) implements the Driver interface and delegates lifecycle
// bookkeeping to a Core instance it owns. Nothing in this package is
// global: two driver instances never share state.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ActivityState is the coarse execution phase of an agent.
type ActivityState string

const (
	StateIdle         ActivityState = "idle"
	StateThinking     ActivityState = "thinking"
	StateWorking      ActivityState = "working"
	StateToolCalling  ActivityState = "tool_calling"
	StateWaitingInput ActivityState = "waiting_input"
	StateError        ActivityState = "error"
	StateStalled      ActivityState = "stalled"
)

// Busy reports whether the state forbids a new send. At most one in-flight
// request per agent is the central backpressure rule.
func (s ActivityState) Busy() bool {
	return s == StateThinking || s == StateWorking || s == StateToolCalling
}

// ContextHealth classifies token-budget consumption.
type ContextHealth string

const (
	HealthHealthy   ContextHealth = "healthy"
	HealthWarning   ContextHealth = "warning"
	HealthCritical  ContextHealth = "critical"
	HealthEmergency ContextHealth = "emergency"
)

// DriverType identifies a backend implementation.
type DriverType string

const (
	TypeAPI  DriverType = "api"
	TypeRPC  DriverType = "rpc"
	TypeTmux DriverType = "tmux"
	TypeNtm  DriverType = "ntm"
)

// DefaultMaxTokens is the context budget assumed when AgentConfig.MaxTokens
// is zero.
const DefaultMaxTokens = 100000

// AgentConfig is the immutable spawn descriptor for an agent. Drivers treat
// it as read-only; the caller owns it.
type AgentConfig struct {
	ID               string   `json:"id" yaml:"id"`
	Name             string   `json:"name" yaml:"name"`
	Provider         string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model            string   `json:"model,omitempty" yaml:"model,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty" yaml:"workingDirectory,omitempty"`
	SystemPrompt     string   `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	MaxTokens        int      `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	AccountID        string   `json:"accountId,omitempty" yaml:"accountId,omitempty"`
}

// TokenUsage tracks cumulative token consumption for an agent. It is
// monotonically non-decreasing except on checkpoint restore, which is an
// explicit overwrite.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Total returns combined input and output tokens.
func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// AgentState is the mutable per-agent record owned by the driver instance
// that spawned the agent. Every state-changing call refreshes
// LastActivityAt.
type AgentState struct {
	ID             string        `json:"id"`
	DriverType     DriverType    `json:"driverType"`
	ActivityState  ActivityState `json:"activityState"`
	TokenUsage     TokenUsage    `json:"tokenUsage"`
	ContextHealth  ContextHealth `json:"contextHealth"`
	StartedAt      time.Time     `json:"startedAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
}

// Capabilities are the static per-driver-type feature flags checked before
// dispatching optional operations.
type Capabilities struct {
	StructuredEvents bool `json:"structuredEvents"`
	ToolCalls        bool `json:"toolCalls"`
	FileOperations   bool `json:"fileOperations"`
	TerminalAttach   bool `json:"terminalAttach"`
	DiffRendering    bool `json:"diffRendering"`
	Checkpoint       bool `json:"checkpoint"`
	Interrupt        bool `json:"interrupt"`
	Streaming        bool `json:"streaming"`
}

// Satisfies reports whether c provides every capability required by req.
func (c Capabilities) Satisfies(req Capabilities) bool {
	if req.StructuredEvents && !c.StructuredEvents {
		return false
	}
	if req.ToolCalls && !c.ToolCalls {
		return false
	}
	if req.FileOperations && !c.FileOperations {
		return false
	}
	if req.TerminalAttach && !c.TerminalAttach {
		return false
	}
	if req.DiffRendering && !c.DiffRendering {
		return false
	}
	if req.Checkpoint && !c.Checkpoint {
		return false
	}
	if req.Interrupt && !c.Interrupt {
		return false
	}
	if req.Streaming && !c.Streaming {
		return false
	}
	return true
}

// OutputLine is one entry of an agent's bounded output ring buffer.
type OutputLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // "stdout" | "stderr" | "system"
	Text      string    `json:"text"`
}

// Message is a single turn in an agent's conversation history.
type Message struct {
	Role      string    `json:"role"` // "user" | "assistant" | "tool"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Checkpoint is an immutable snapshot of an agent's conversation history and
// token usage. Never mutated after creation; discarded on termination.
type Checkpoint struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agentId"`
	CreatedAt  time.Time  `json:"createdAt"`
	History    []Message  `json:"history"`
	TokenUsage TokenUsage `json:"tokenUsage"`
	ToolState  string     `json:"toolState,omitempty"` // opaque backend blob
}

// Sentinel errors for synchronous, local failures. These are surfaced to the
// caller and never retried.
var (
	ErrAtCapacity       = errors.New("driver at agent capacity")
	ErrDuplicateAgent   = errors.New("agent id already spawned")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentBusy        = errors.New("agent is busy")
	ErrUnsupported      = errors.New("operation not supported by driver")
	ErrUnknownDriver    = errors.New("driver type not registered")
	ErrNoSuitableDriver = errors.New("no suitable driver")
)

// Driver is the uniform surface every backend implements.
type Driver interface {
	// Type returns the backend identifier.
	Type() DriverType

	// Capabilities returns the static feature flags for this backend.
	Capabilities() Capabilities

	// Spawn creates an agent from the config and returns its initial state.
	Spawn(ctx context.Context, cfg AgentConfig) (*AgentState, error)

	// GetState returns a snapshot of the agent's current state.
	GetState(agentID string) (*AgentState, error)

	// Send delivers a user message to the agent. Rejected with ErrAgentBusy
	// while a previous request is still in flight.
	Send(ctx context.Context, agentID, message string) error

	// Interrupt aborts the agent's in-flight work. Capability-gated.
	Interrupt(ctx context.Context, agentID string) error

	// Terminate tears the agent down. The terminated event is always the
	// final event delivered to subscribers.
	Terminate(ctx context.Context, agentID string) error

	// GetOutput returns up to limit trailing output lines, optionally only
	// those after since.
	GetOutput(agentID string, limit int, since time.Time) ([]OutputLine, error)

	// Subscribe returns a single-pass event stream for the agent. The
	// channel closes after the terminated event.
	Subscribe(agentID string) (<-chan Event, error)

	// IsHealthy reports whether the backend is currently usable.
	IsHealthy(ctx context.Context) bool
}

// CheckpointDriver is the optional checkpoint surface, present when
// Capabilities().Checkpoint is true.
type CheckpointDriver interface {
	CreateCheckpoint(ctx context.Context, agentID string) (*Checkpoint, error)
	ListCheckpoints(agentID string) ([]*Checkpoint, error)
	GetCheckpoint(agentID, checkpointID string) (*Checkpoint, error)
	RestoreCheckpoint(ctx context.Context, agentID, checkpointID string) error
}

// Checkpointer returns the checkpoint surface of d. The capability flag
// gates it: a driver that happens to satisfy the interface without
// advertising the capability still fails with ErrUnsupported.
func Checkpointer(d Driver) (CheckpointDriver, error) {
	cd, ok := d.(CheckpointDriver)
	if !ok || !d.Capabilities().Checkpoint {
		return nil, fmt.Errorf("%w: checkpoint on %s driver", ErrUnsupported, d.Type())
	}
	return cd, nil
}
