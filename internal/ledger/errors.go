package ledger

import "errors"

// Sentinel errors for the ledger package.
var (
	// ErrLockTimeout is returned when the resolution log lock could not be
	// acquired in time.
	ErrLockTimeout = errors.New("resolution log lock not acquired")

	// ErrMissingField is returned when an entry lacks a required field.
	ErrMissingField = errors.New("missing required field")
)
