package state

import "errors"

// Sentinel errors for the state package. Using sentinels instead of ad-hoc
// fmt.Errorf allows callers to match with errors.Is for reliable error handling.
var (
	// ErrNotFound is returned by Load when a domain has no state document yet.
	ErrNotFound = errors.New("state document not found")

	// ErrMalformed is returned by Load when the document on disk cannot be
	// decoded or violates the document invariants. Callers treat it as
	// ErrNotFound for read purposes.
	ErrMalformed = errors.New("state document malformed")

	// ErrNoChange may be returned by a Mutator to skip the write.
	ErrNoChange = errors.New("no change")

	// ErrLockTimeout is returned when the per-domain lock could not be taken
	// within the configured timeout.
	ErrLockTimeout = errors.New("state lock not acquired")

	// ErrInvalidDomain is returned for domain identifiers that are empty or
	// not safe to use as a directory name.
	ErrInvalidDomain = errors.New("invalid domain")

	// ErrAgentIDImmutable is returned when a mutator rewrites agent_id.
	ErrAgentIDImmutable = errors.New("agent_id is immutable")

	// ErrInvalidStatus is returned for status values outside idle/working/error.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrDuplicateLoop is returned when an open loop id is already present.
	ErrDuplicateLoop = errors.New("open loop already exists")

	// ErrLoopResolved is returned when adding an open loop whose id is still
	// inside the resolved retention window.
	ErrLoopResolved = errors.New("open loop id already resolved")
)
