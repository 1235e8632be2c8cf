package monitor

// Action is what one liveness check decided for a domain.
type Action string

const (
	// ActionNone: the agent is alive.
	ActionNone Action = "none"
	// ActionIntentionalStop: the agent is gone but left a clean-exit marker,
	// which was consumed.
	ActionIntentionalStop Action = "intentional_stop"
	// ActionRestart: the agent is gone without a marker; a restart was issued.
	ActionRestart Action = "restart"
	// ActionRestartSkipped: a restart was due but a supervisor is already
	// running or starting.
	ActionRestartSkipped Action = "restart_skipped"
	// ActionSafeMode: the agent is gone and its supervisor gave up; nothing
	// is done until an operator clears safe mode.
	ActionSafeMode Action = "safe_mode"
	// ActionUnknown: the liveness check failed; nothing was done.
	ActionUnknown Action = "unknown"
)

// Decide applies the decision table to a liveness answer and the presence of
// the clean-exit marker. It returns ActionRestart when a restart is due;
// whether one is actually issued is up to the Restarter.
func Decide(alive, cleanExit bool) Action {
	switch {
	case alive:
		return ActionNone
	case cleanExit:
		return ActionIntentionalStop
	default:
		return ActionRestart
	}
}

// Decision is the outcome of checking one domain.
type Decision struct {
	Domain string `json:"domain"`
	Alive  bool   `json:"alive"`
	Action Action `json:"action"`

	// NewlyStale is how many open loops this check flagged stale.
	NewlyStale int `json:"newly_stale,omitempty"`

	Err error `json:"-"`
}
