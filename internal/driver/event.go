package driver

import "time"

// EventType tags the variants of the agent event union.
type EventType string

const (
	EventStateChange       EventType = "state_change"
	EventOutput            EventType = "output"
	EventToolCallStart     EventType = "tool_call_start"
	EventToolCallEnd       EventType = "tool_call_end"
	EventFileRead          EventType = "file_read"
	EventFileWrite         EventType = "file_write"
	EventFileEdit          EventType = "file_edit"
	EventError             EventType = "error"
	EventInterrupt         EventType = "interrupt"
	EventContextWarning    EventType = "context_warning"
	EventTerminated        EventType = "terminated"
	EventCheckpointCreated EventType = "checkpoint_created"
)

// Event is the sole externally observable stream item. Only the fields
// relevant to the Type are populated.
type Event struct {
	Type      EventType `json:"type"`
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`

	// EventStateChange
	OldState ActivityState `json:"oldState,omitempty"`
	NewState ActivityState `json:"newState,omitempty"`

	// EventOutput
	Line *OutputLine `json:"line,omitempty"`

	// EventToolCallStart / EventToolCallEnd
	ToolID   string        `json:"toolId,omitempty"`
	ToolName string        `json:"toolName,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`

	// EventFileRead / EventFileWrite / EventFileEdit
	Path string `json:"path,omitempty"`

	// EventError
	Message string `json:"message,omitempty"`

	// EventContextWarning
	Health     ContextHealth `json:"health,omitempty"`
	Usage      TokenUsage    `json:"usage,omitempty"`
	Suggestion string        `json:"suggestion,omitempty"`

	// EventTerminated
	Reason   string `json:"reason,omitempty"` // "normal" | "error" | "requested"
	ExitCode *int   `json:"exitCode,omitempty"`

	// EventCheckpointCreated
	CheckpointID string `json:"checkpointId,omitempty"`
}
