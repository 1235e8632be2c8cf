package state

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/gcamilo/phoenix-protocol/internal/storage"
)

// DefaultRetryDelay is the first backoff step of UpdateWithRetry.
const DefaultRetryDelay = 25 * time.Millisecond

// IsTransient reports whether an AtomicUpdate failure is worth retrying:
// lock contention and filesystem write failures.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, storage.ErrWrite)
}

// UpdateWithRetry runs AtomicUpdate up to attempts times while it fails with a
// transient error. Retries use jittered exponential backoff. Mutator errors
// are returned immediately; the mutator must be safe to run more than once.
func (s *Store) UpdateWithRetry(ctx context.Context, domain string, attempts int, fn Mutator) (*AgentState, error) {
	if attempts < 1 {
		attempts = 1
	}
	delay := DefaultRetryDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var st *AgentState
		st, err = s.AtomicUpdate(ctx, domain, fn)
		if err == nil || !IsTransient(err) {
			return st, err
		}
		if attempt == attempts {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		s.logger.Debug("retrying state update", "domain", domain, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return nil, err
}
