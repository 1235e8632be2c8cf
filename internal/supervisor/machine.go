package supervisor

import (
	"fmt"
	"time"
)

// Phase is the supervisor's lifecycle phase for one agent instance.
type Phase string

const (
	PhaseStarting     Phase = "starting"
	PhaseRunning      Phase = "running"
	PhaseCleanExit    Phase = "clean_exit"
	PhaseCrashedRetry Phase = "crashed_retry"
	PhaseSafeMode     Phase = "safe_mode"
)

// Terminal reports whether the phase ends the supervisor's run loop.
func (p Phase) Terminal() bool {
	return p == PhaseCleanExit || p == PhaseSafeMode
}

// EventKind tags an Event.
type EventKind int

const (
	// EventLaunched: the agent process started.
	EventLaunched EventKind = iota
	// EventLaunchFailed: the agent process could not be started.
	EventLaunchFailed
	// EventExited: the agent process exited. ExitCode and Uptime are set.
	EventExited
	// EventBackoffElapsed: the crash cooldown is over.
	EventBackoffElapsed
	// EventRestartRequested: an external party (the liveness monitor or an
	// operator) asked for a restart.
	EventRestartRequested
)

func (k EventKind) String() string {
	switch k {
	case EventLaunched:
		return "launched"
	case EventLaunchFailed:
		return "launch_failed"
	case EventExited:
		return "exited"
	case EventBackoffElapsed:
		return "backoff_elapsed"
	case EventRestartRequested:
		return "restart_requested"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is an input to Transition.
type Event struct {
	Kind     EventKind
	ExitCode int
	Uptime   time.Duration
}

// Machine is the supervisor state: the phase plus the consecutive crash count.
type Machine struct {
	Phase   Phase
	Crashes int
}

// NewMachine returns a machine about to launch.
func NewMachine() Machine {
	return Machine{Phase: PhaseStarting}
}

// Transition is the single authority over supervisor phase changes. It is
// pure: side effects belong to the caller.
func Transition(m Machine, ev Event, p Policy) (Machine, error) {
	switch m.Phase {
	case PhaseStarting:
		switch ev.Kind {
		case EventLaunched:
			m.Phase = PhaseRunning
			return m, nil
		case EventLaunchFailed:
			return crash(m, 0, p), nil
		case EventRestartRequested:
			return m, nil
		}
	case PhaseRunning:
		switch ev.Kind {
		case EventExited:
			if ev.ExitCode == 0 {
				m.Phase = PhaseCleanExit
				m.Crashes = 0
				return m, nil
			}
			return crash(m, ev.Uptime, p), nil
		case EventRestartRequested:
			return m, nil
		}
	case PhaseCrashedRetry:
		switch ev.Kind {
		case EventBackoffElapsed:
			m.Phase = PhaseStarting
			return m, nil
		case EventRestartRequested:
			return m, nil
		}
	case PhaseCleanExit:
		if ev.Kind == EventRestartRequested {
			return Machine{Phase: PhaseStarting}, nil
		}
	case PhaseSafeMode:
		// Terminal for this machine. The safe-mode marker keeps later
		// supervisors from launching until an operator clears it.
		if ev.Kind == EventRestartRequested {
			return m, nil
		}
	}
	return m, fmt.Errorf("%w: %s in phase %s", ErrInvalidTransition, ev.Kind, m.Phase)
}

func crash(m Machine, uptime time.Duration, p Policy) Machine {
	if p.StableAfter > 0 && uptime >= p.StableAfter {
		m.Crashes = 0
	}
	m.Crashes++
	if m.Crashes >= p.threshold() {
		m.Phase = PhaseSafeMode
	} else {
		m.Phase = PhaseCrashedRetry
	}
	return m
}
