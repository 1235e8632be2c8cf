package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// DefaultWaitDelay is how long a cancelled agent gets between SIGTERM and
// SIGKILL.
const DefaultWaitDelay = 10 * time.Second

// Process is a launched agent instance.
type Process interface {
	Pid() int
	// Wait blocks until the process exits and returns its exit code. A
	// process killed by a signal reports -1.
	Wait() (int, error)
}

// Launcher starts agent processes. Cancelling ctx must terminate the process.
type Launcher interface {
	Launch(ctx context.Context, argv []string) (Process, error)
}

// ExecLauncher starts agents as child processes.
type ExecLauncher struct {
	Dir       string
	Env       []string
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
	WaitDelay time.Duration
}

// Launch starts argv. On cancellation the child receives SIGTERM and, after
// WaitDelay, SIGKILL.
func (l *ExecLauncher) Launch(ctx context.Context, argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // argv is operator configuration
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdin = l.Stdin
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ExitCode is -1 when the process was killed by a signal.
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
