// Package ntm implements the delegated-orchestration driver. Agents run in
// tmux panes owned by the external ntm multi-agent tool; this driver only
// polls the tool for output and state, and detects zombie sessions whose
// backend stopped answering.
package ntm

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/flywheelhq/flywheel/internal/logging"
)

// PaneState is the per-pane state vocabulary reported by ntm snapshots.
type PaneState string

// SessionInfo is one session as reported by ntm status.
type SessionInfo struct {
	Name   string `json:"name"`
	PaneID string `json:"paneId"`
	Alive  bool   `json:"alive"`
}

// PaneSnapshot is the authoritative state of one pane.
type PaneSnapshot struct {
	Session string    `json:"session"`
	State   PaneState `json:"state"`
}

// ContextInfo reports a session's token consumption.
type ContextInfo struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	MaxTokens    int `json:"maxTokens"`
}

// HealthInfo reports a session's backend health.
type HealthInfo struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// TailOptions narrows a tail call.
type TailOptions struct {
	Lines int
	Cwd   string
}

// SnapshotOptions narrows a snapshot call.
type SnapshotOptions struct {
	Since string
	Cwd   string
}

// Client is the ntm orchestration tool contract. All calls are fallible and
// may block on the external tool; failures must never crash the poll loop.
//
// The polling surface (IsAvailable/Status/Tail/Snapshot/Context/Health) is
// the tool's read contract; EnsureSession and Send exist because spawn and
// send have to materialize sessions and deliver prompts through the same
// tool.
type Client interface {
	IsAvailable(ctx context.Context) bool
	Status(ctx context.Context, cwd string) ([]SessionInfo, error)
	Tail(ctx context.Context, session string, opts TailOptions) ([]string, error)
	Snapshot(ctx context.Context, opts SnapshotOptions) ([]PaneSnapshot, error)
	Context(ctx context.Context, session, cwd string) (*ContextInfo, error)
	Health(ctx context.Context, session, cwd string) (*HealthInfo, error)
	EnsureSession(ctx context.Context, session, cwd string) error
	Send(ctx context.Context, session, message, cwd string) error
}

// CommandRunner executes an external command and returns its stdout.
// Injectable so tests can script the ntm tool.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// execCommandRunner shells out for real.
func execCommandRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%s %s: exit %d: %s", name, strings.Join(args, " "),
				exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// CLIClient drives the ntm binary with JSON output.
type CLIClient struct {
	binary string
	run    CommandRunner
	log    *logging.Logger
}

// NewCLIClient wraps the ntm binary. A nil runner shells out.
func NewCLIClient(binary string, run CommandRunner, log *logging.Logger) *CLIClient {
	if binary == "" {
		binary = "ntm"
	}
	if run == nil {
		run = execCommandRunner
	}
	return &CLIClient{binary: binary, run: run, log: log.Sub("ntm.client")}
}

// IsAvailable implements Client.
func (c *CLIClient) IsAvailable(ctx context.Context) bool {
	_, err := c.run(ctx, c.binary, "version")
	return err == nil
}

// Status implements Client.
func (c *CLIClient) Status(ctx context.Context, cwd string) ([]SessionInfo, error) {
	args := []string{"status", "--json"}
	args = appendCwd(args, cwd)
	out, err := c.run(ctx, c.binary, args...)
	if err != nil {
		return nil, err
	}
	var sessions []SessionInfo
	if err := json.Unmarshal(out, &sessions); err != nil {
		return nil, fmt.Errorf("parsing ntm status: %w", err)
	}
	return sessions, nil
}

// Tail implements Client.
func (c *CLIClient) Tail(ctx context.Context, session string, opts TailOptions) ([]string, error) {
	lines := opts.Lines
	if lines <= 0 {
		lines = 50
	}
	args := []string{"tail", session, "--lines", strconv.Itoa(lines)}
	args = appendCwd(args, opts.Cwd)
	out, err := c.run(ctx, c.binary, args...)
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(string(out), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// Snapshot implements Client.
func (c *CLIClient) Snapshot(ctx context.Context, opts SnapshotOptions) ([]PaneSnapshot, error) {
	args := []string{"snapshot", "--json"}
	if opts.Since != "" {
		args = append(args, "--since", opts.Since)
	}
	args = appendCwd(args, opts.Cwd)
	out, err := c.run(ctx, c.binary, args...)
	if err != nil {
		return nil, err
	}
	var panes []PaneSnapshot
	if err := json.Unmarshal(out, &panes); err != nil {
		return nil, fmt.Errorf("parsing ntm snapshot: %w", err)
	}
	return panes, nil
}

// Context implements Client.
func (c *CLIClient) Context(ctx context.Context, session, cwd string) (*ContextInfo, error) {
	args := appendCwd([]string{"context", session, "--json"}, cwd)
	out, err := c.run(ctx, c.binary, args...)
	if err != nil {
		return nil, err
	}
	var info ContextInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("parsing ntm context: %w", err)
	}
	return &info, nil
}

// Health implements Client.
func (c *CLIClient) Health(ctx context.Context, session, cwd string) (*HealthInfo, error) {
	args := appendCwd([]string{"health", session, "--json"}, cwd)
	out, err := c.run(ctx, c.binary, args...)
	if err != nil {
		return nil, err
	}
	var info HealthInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("parsing ntm health: %w", err)
	}
	return &info, nil
}

// EnsureSession implements Client.
func (c *CLIClient) EnsureSession(ctx context.Context, session, cwd string) error {
	args := appendCwd([]string{"spawn", session}, cwd)
	_, err := c.run(ctx, c.binary, args...)
	return err
}

// Send implements Client.
func (c *CLIClient) Send(ctx context.Context, session, message, cwd string) error {
	args := appendCwd([]string{"send", session, message}, cwd)
	_, err := c.run(ctx, c.binary, args...)
	return err
}

func appendCwd(args []string, cwd string) []string {
	if cwd != "" {
		args = append(args, "--cwd", cwd)
	}
	return args
}
