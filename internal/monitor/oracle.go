package monitor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gcamilo/phoenix-protocol/internal/marker"
)

// DefaultCheckTimeout bounds one liveness check.
const DefaultCheckTimeout = 2 * time.Second

// Oracle answers whether a domain's agent process exists. It is the ground
// truth for restart decisions; the state document's status is never used.
// An error means the answer is unknown.
type Oracle interface {
	Alive(ctx context.Context, domain string) (bool, error)
}

// PIDOracle checks the pid the supervisor recorded for the domain.
type PIDOracle struct {
	DomainDir func(domain string) string
}

// Alive reports whether the recorded pid is a live, non-zombie process. A
// domain without a pid file has no running agent.
func (o PIDOracle) Alive(ctx context.Context, domain string) (bool, error) {
	pid, err := marker.For(o.DomainDir(domain)).PID()
	if err != nil {
		return false, err
	}
	if pid == 0 {
		return false, nil
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return false, fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !exists {
		return false, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		// The process exists; its status is only a refinement.
		return true, nil
	}
	return !slices.Contains(status, process.Zombie), nil
}

// TmuxOracle checks for a tmux session named after the domain.
type TmuxOracle struct {
	Command         string
	SessionTemplate string
	Timeout         time.Duration
}

// SessionName expands the session template for a domain.
func (o TmuxOracle) SessionName(domain string) string {
	tmpl := o.SessionTemplate
	if tmpl == "" {
		tmpl = "phoenix-{domain}"
	}
	return strings.ReplaceAll(tmpl, "{domain}", domain)
}

// Alive runs `tmux has-session`. A non-zero exit means no such session; a
// missing binary or a timeout is an unknown answer.
func (o TmuxOracle) Alive(ctx context.Context, domain string) (bool, error) {
	command := o.Command
	if command == "" {
		command = "tmux"
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := exec.CommandContext(checkCtx, command, "has-session", "-t", o.SessionName(domain)).Run() //nolint:gosec // command is operator configuration
	if err == nil {
		return true, nil
	}
	if checkCtx.Err() != nil {
		return false, fmt.Errorf("tmux has-session timed out after %s", timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("tmux has-session: %w", err)
}
