// Package supervisor owns one agent process at a time: it launches it with
// the resume-then-fallback policy, restarts it after crashes with bounded
// exponential backoff, and leaves a clean-exit marker when it stops on
// purpose. After too many consecutive crashes it fails stop into safe mode.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/gcamilo/phoenix-protocol/internal/ledger"
	"github.com/gcamilo/phoenix-protocol/internal/marker"
	"github.com/gcamilo/phoenix-protocol/internal/state"
	"github.com/gcamilo/phoenix-protocol/internal/telemetry"
)

// Config describes what to supervise.
type Config struct {
	Domain    string
	DomainDir string

	// Command is the base launch argv. The resume argument is appended to a
	// fresh copy on every launch.
	Command    []string
	ResumeFlag string

	Policy   Policy
	Launcher Launcher
	Ops      *ledger.OpsLog

	// SafeModeIn and SafeModeOut carry the safe-mode inspection loop. When
	// SafeModeIn is nil, Run returns ErrSafeMode without serving it.
	SafeModeIn  io.Reader
	SafeModeOut io.Writer

	LeaseTTL time.Duration
}

// Supervisor runs the launch/restart loop for one domain.
type Supervisor struct {
	cfg        Config
	markers    marker.Set
	instanceID string
	logger     *slog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	crashes    metric.Int64Counter

	// observe, when set, sees every phase the loop enters.
	observe func(Machine)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used to measure uptime.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithSleep overrides the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) { s.sleep = sleep }
}

// New validates cfg and returns a Supervisor.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if err := state.ValidateDomain(cfg.Domain); err != nil {
		return nil, err
	}
	if len(cfg.Command) == 0 {
		return nil, ErrEmptyCommand
	}
	if cfg.DomainDir == "" {
		return nil, errors.New("supervisor: domain directory is required")
	}
	if cfg.Launcher == nil {
		cfg.Launcher = &ExecLauncher{Stdout: os.Stdout, Stderr: os.Stderr}
	}
	if cfg.ResumeFlag == "" {
		cfg.ResumeFlag = DefaultResumeFlag
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.SafeModeOut == nil {
		cfg.SafeModeOut = io.Discard
	}
	s := &Supervisor{
		cfg:        cfg,
		markers:    marker.For(cfg.DomainDir),
		instanceID: uuid.NewString(),
		logger:     slog.Default(),
		now:        time.Now,
		sleep:      sleepCtx,
		crashes: telemetry.Counter(telemetry.Meter("phoenix/supervisor"),
			"phoenix.supervisor.crashes", "Agent process crashes"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("domain", cfg.Domain, "instance", s.instanceID)
	return s, nil
}

// InstanceID identifies this supervisor run in markers and the lease.
func (s *Supervisor) InstanceID() string {
	return s.instanceID
}

// Run supervises until the agent exits cleanly, ctx is cancelled, or the
// crash threshold is reached. Reaching the threshold leaves the safe-mode
// marker, and Run refuses to launch while it is present. A cancelled ctx is a voluntary stop: the agent
// is terminated and the clean-exit marker written, so the liveness monitor
// does not restart it. Run fails with ErrAlreadySupervised when another
// supervisor owns the domain, which makes redundant restarts no-ops.
func (s *Supervisor) Run(ctx context.Context) error {
	lease, err := AcquireLease(s.cfg.DomainDir, s.cfg.Domain, s.instanceID, s.cfg.LeaseTTL, s.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(); err != nil {
			s.logger.Warn("release lease", "error", err)
		}
	}()

	if reason, ok := s.markers.SafeMode(); ok {
		s.logger.Error("domain is in safe mode, not launching", "reason", reason)
		s.record(ledger.KindSafeMode, ledger.StatusWarn, "launch refused: "+reason)
		return fmt.Errorf("%w: %s: %s", ErrSafeMode, s.cfg.Domain, reason)
	}

	s.record(ledger.KindSupervisorStart, ledger.StatusOK, strings.Join(s.cfg.Command, " "))
	m := NewMachine()
	var (
		proc    Process
		started time.Time
	)
	for {
		lease.Update(m)
		if s.observe != nil {
			s.observe(m)
		}

		var ev Event
		switch m.Phase {
		case PhaseStarting:
			if ctx.Err() != nil {
				return s.stopVoluntarily("cancelled before launch")
			}
			proc, err = s.launch(ctx)
			if err != nil {
				s.logger.Error("launch failed", "error", err)
				s.record(ledger.KindAgentCrash, ledger.StatusError, "launch: "+err.Error())
				ev = Event{Kind: EventLaunchFailed}
				break
			}
			started = s.now()
			ev = Event{Kind: EventLaunched}

		case PhaseRunning:
			code, waitErr := proc.Wait()
			uptime := s.now().Sub(started)
			if err := s.markers.ClearPID(); err != nil {
				s.logger.Warn("clear pid file", "error", err)
			}
			if ctx.Err() != nil {
				return s.stopVoluntarily(fmt.Sprintf("stopped by operator after %s", uptime.Round(time.Second)))
			}
			if waitErr != nil {
				s.logger.Warn("wait for agent", "error", waitErr)
			}
			ev = Event{Kind: EventExited, ExitCode: code, Uptime: uptime}
			if code == 0 {
				// The marker must exist before the supervisor reports the exit.
				if err := s.markers.WriteCleanExit(s.instanceID); err != nil {
					s.logger.Error("write clean-exit marker", "error", err)
				}
				break
			}
			if err := s.markers.ClearToken(); err != nil {
				s.logger.Warn("clear continuation token", "error", err)
			}
			telemetry.Inc(context.WithoutCancel(ctx), s.crashes, s.cfg.Domain)
			s.record(ledger.KindAgentCrash, ledger.StatusWarn,
				fmt.Sprintf("exit_code=%d uptime=%s", code, uptime.Round(time.Second)))

		case PhaseCrashedRetry:
			delay := s.cfg.Policy.Delay(m.Crashes)
			s.logger.Info("agent crashed, backing off", "crashes", m.Crashes, "delay", delay)
			if err := s.sleep(ctx, delay); err != nil {
				return s.stopVoluntarily("stopped by operator during backoff")
			}
			ev = Event{Kind: EventBackoffElapsed}

		case PhaseCleanExit:
			s.logger.Info("agent exited cleanly")
			s.record(ledger.KindCleanExit, ledger.StatusOK, "")
			return nil

		case PhaseSafeMode:
			reason := fmt.Sprintf("%d consecutive crashes", m.Crashes)
			s.logger.Error("entering safe mode", "crashes", m.Crashes)
			// The marker outlives this process; it is what keeps the monitor
			// and later supervisors from relaunching.
			if err := s.markers.WriteSafeMode(reason); err != nil {
				s.logger.Error("write safe-mode marker", "error", err)
			}
			s.record(ledger.KindSafeMode, ledger.StatusError, reason)
			if s.cfg.SafeModeIn != nil {
				if err := RunSafeMode(ctx, s.cfg.SafeModeIn, s.cfg.SafeModeOut, s.cfg.Domain, reason); err != nil {
					s.logger.Warn("safe mode input", "error", err)
				}
			}
			return fmt.Errorf("%w: %s: %s", ErrSafeMode, s.cfg.Domain, reason)
		}

		next, err := Transition(m, ev, s.cfg.Policy)
		if err != nil {
			return err
		}
		m = next
	}
}

// LaunchCommand returns the argv the next launch would use, without
// consuming the fresh-start marker.
func (s *Supervisor) LaunchCommand() ([]string, error) {
	token, err := s.markers.Token()
	if err != nil {
		return nil, err
	}
	return BuildLaunchCommand(s.cfg.Command, s.cfg.ResumeFlag, token), nil
}

func (s *Supervisor) launch(ctx context.Context) (Process, error) {
	// A marker left by an earlier clean exit no longer describes this
	// instance.
	if _, err := s.markers.ConsumeCleanExit(); err != nil {
		s.logger.Warn("clear stale clean-exit marker", "error", err)
	}
	if _, err := s.markers.ConsumeRestartRequested(); err != nil {
		s.logger.Warn("consume restart request", "error", err)
	}

	token, err := s.markers.Token()
	if err != nil {
		s.logger.Warn("read continuation token, launching fresh", "error", err)
		token = ""
	}
	fresh, err := s.markers.ConsumeFreshStart()
	if err != nil {
		s.logger.Warn("consume fresh-start marker", "error", err)
	}
	if fresh {
		s.logger.Info("fresh start requested, ignoring continuation token")
		token = ""
		if err := s.markers.ClearToken(); err != nil {
			s.logger.Warn("clear continuation token", "error", err)
		}
	}

	argv := BuildLaunchCommand(s.cfg.Command, s.cfg.ResumeFlag, token)
	proc, err := s.cfg.Launcher.Launch(ctx, argv)
	if err != nil {
		return nil, err
	}
	if err := s.markers.WritePID(proc.Pid()); err != nil {
		s.logger.Warn("write pid file", "error", err)
	}
	mode := "fresh"
	if token != "" {
		mode = "resume"
	}
	s.logger.Info("agent launched", "pid", proc.Pid(), "mode", mode)
	s.record(ledger.KindAgentLaunch, ledger.StatusOK, fmt.Sprintf("pid=%d mode=%s", proc.Pid(), mode))
	return proc, nil
}

func (s *Supervisor) stopVoluntarily(detail string) error {
	if err := s.markers.WriteCleanExit(s.instanceID); err != nil {
		s.logger.Error("write clean-exit marker", "error", err)
	}
	s.logger.Info("supervisor stopping", "reason", detail)
	s.record(ledger.KindSupervisorStop, ledger.StatusOK, detail)
	return nil
}

func (s *Supervisor) record(kind string, status ledger.EventStatus, detail string) {
	if err := s.cfg.Ops.Record(s.cfg.Domain, kind, status, detail); err != nil {
		s.logger.Warn("record ops event", "kind", kind, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
