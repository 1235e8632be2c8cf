package monitor

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/gcamilo/phoenix-protocol/internal/marker"
	"github.com/gcamilo/phoenix-protocol/internal/supervisor"
)

// DefaultStartupGrace is how long a restart instruction suppresses further
// ones while the supervisor comes up.
const DefaultStartupGrace = 2 * time.Minute

// Restarter asks for a supervisor to be started for a domain. It reports
// whether an instruction was actually issued; redundant instructions are
// dropped, never duplicated into a second agent instance.
type Restarter interface {
	Restart(ctx context.Context, domain string) (bool, error)
}

// CommandRestarter spawns a detached supervisor command.
type CommandRestarter struct {
	// Command is the argv to run; "{domain}" is replaced in every element.
	Command   []string
	DomainDir func(domain string) string
	Grace     time.Duration
	Now       func() time.Time

	// start launches argv detached. Replaced in tests.
	start func(argv []string) error
}

// Restart spawns the supervisor unless one already holds the domain lease or
// an earlier instruction is still within its startup grace window.
func (r *CommandRestarter) Restart(_ context.Context, domain string) (bool, error) {
	if len(r.Command) == 0 {
		return false, errors.New("restart command is not configured")
	}
	dir := r.DomainDir(domain)
	if supervisor.LeaseHeld(dir) {
		return false, nil
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	grace := r.Grace
	if grace <= 0 {
		grace = DefaultStartupGrace
	}
	markers := marker.For(dir)
	if at, ok := markers.RestartRequestedAt(); ok && now().Sub(at) < grace {
		return false, nil
	}

	argv := ExpandCommand(r.Command, domain)
	start := r.start
	if start == nil {
		start = startDetached
	}
	if err := markers.WriteRestartRequested(now()); err != nil {
		return false, err
	}
	if err := start(argv); err != nil {
		_, _ = markers.ConsumeRestartRequested()
		return false, err
	}
	return true, nil
}

// ExpandCommand substitutes the domain into a command template.
func ExpandCommand(tmpl []string, domain string) []string {
	argv := make([]string, len(tmpl))
	for i, a := range tmpl {
		argv[i] = strings.ReplaceAll(a, "{domain}", domain)
	}
	return argv
}

func startDetached(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // argv is operator configuration
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
