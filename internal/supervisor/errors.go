package supervisor

import "errors"

var (
	// ErrInvalidTransition is returned by Transition for an event the
	// current phase does not accept.
	ErrInvalidTransition = errors.New("invalid supervisor transition")

	// ErrAlreadySupervised means another supervisor holds the domain lease.
	ErrAlreadySupervised = errors.New("domain already supervised")

	// ErrSafeMode is returned by Run after the crash threshold was reached
	// and by every later Run until the safe-mode marker is cleared.
	ErrSafeMode = errors.New("crash threshold reached, supervisor in safe mode")

	// ErrEmptyCommand is returned when no base launch command is configured.
	ErrEmptyCommand = errors.New("launch command is empty")
)
