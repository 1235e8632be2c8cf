package storage

import "errors"

// Sentinel errors for the storage package. Using sentinels instead of ad-hoc
// fmt.Errorf allows callers to match with errors.Is for reliable error handling.
var (
	// ErrWrite wraps any failure while producing or publishing a file. Callers
	// treat it as transient.
	ErrWrite = errors.New("storage write failed")

	// ErrEmptyPath is returned when a helper is called without a target path.
	ErrEmptyPath = errors.New("path is required")
)
