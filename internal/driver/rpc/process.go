package rpc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/flywheelhq/flywheel/internal/driver"
)

// Process is the subprocess surface the driver drives. Tests substitute a
// scripted implementation; production uses os/exec.
type Process interface {
	// Stdin is the process's input stream. Requests are written here,
	// newline-delimited.
	Stdin() io.Writer

	// Stdout is the process's output stream. Responses and notifications
	// arrive here, newline-delimited.
	Stdout() io.Reader

	// Signal delivers an OS signal (SIGINT for interrupt).
	Signal(sig os.Signal) error

	// Kill forcibly stops the process.
	Kill() error

	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
}

// Starter launches the agent subprocess for a spawn. Injectable for tests.
type Starter func(ctx context.Context, cfg driver.AgentConfig, command string, args, env []string) (Process, error)

// execProcess wraps an os/exec command as a Process.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// binaryExists reports whether a command resolves in PATH.
func binaryExists(command string) bool {
	_, err := exec.LookPath(command)
	return err == nil
}

// StartExec is the default Starter: it launches the agent binary with the
// agent's working directory and environment, wiring stdin/stdout pipes.
func StartExec(ctx context.Context, cfg driver.AgentConfig, command string, args, env []string) (Process, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = cfg.WorkingDirectory
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", command, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}
