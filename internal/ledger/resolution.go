// Package ledger implements the two append-only JSONL logs shared by every
// phoenix process: the resolution log, consumed by reconciliation, and the
// ops log, written for external observability.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/gcamilo/phoenix-protocol/internal/storage"
)

const (
	// ResolutionFile holds unprocessed resolution entries.
	ResolutionFile = "resolutions.jsonl"

	// ResolutionArchiveFile receives entries once reconciliation consumed them.
	ResolutionArchiveFile = "resolutions.archive.jsonl"

	resolutionLockFile = "resolutions.lock"

	defaultLockTimeout = 5 * time.Second
	lockRetryDelay     = 10 * time.Millisecond
)

// Entry is one resolution of an open loop. Entries are written once and never
// edited; EntryID distinguishes two resolutions of the same loop id.
type Entry struct {
	EntryID   string    `json:"entry_id"`
	ID        string    `json:"id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
}

// ResolutionLog is the shared resolution log under a base directory.
type ResolutionLog struct {
	dir         string
	lockTimeout time.Duration
	now         func() time.Time
}

// NewResolutionLog returns the log rooted at baseDir.
func NewResolutionLog(baseDir string) *ResolutionLog {
	return &ResolutionLog{
		dir:         baseDir,
		lockTimeout: defaultLockTimeout,
		now:         time.Now,
	}
}

// WithClock overrides the timestamp source. Intended for tests.
func (l *ResolutionLog) WithClock(now func() time.Time) *ResolutionLog {
	l.now = now
	return l
}

// Path returns the live log path.
func (l *ResolutionLog) Path() string {
	return filepath.Join(l.dir, ResolutionFile)
}

// ArchivePath returns the archive path.
func (l *ResolutionLog) ArchivePath() string {
	return filepath.Join(l.dir, ResolutionArchiveFile)
}

// Append records that loop id of agentID was resolved. The append holds the
// log lock so it cannot land in a file that Archive is about to replace.
func (l *ResolutionLog) Append(ctx context.Context, agentID, id, reason string) (Entry, error) {
	if agentID == "" {
		return Entry{}, fmt.Errorf("%w: agent_id", ErrMissingField)
	}
	if id == "" {
		return Entry{}, fmt.Errorf("%w: id", ErrMissingField)
	}
	entry := Entry{
		EntryID:   uuid.NewString(),
		ID:        id,
		Reason:    reason,
		Timestamp: l.now().UTC(),
		AgentID:   agentID,
	}

	unlock, err := l.lock(ctx)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	if err := storage.AppendJSONL(l.Path(), entry); err != nil {
		return Entry{}, fmt.Errorf("append resolution: %w", err)
	}
	return entry, nil
}

// Pending returns the unprocessed entries for agentID in log order.
func (l *ResolutionLog) Pending(agentID string) ([]Entry, error) {
	all, err := storage.ReadJSONL[Entry](l.Path())
	if err != nil {
		return nil, fmt.Errorf("read resolution log: %w", err)
	}
	var out []Entry
	for _, e := range all {
		if e.AgentID == agentID && e.EntryID != "" {
			out = append(out, e)
		}
	}
	return out, nil
}

// Archived returns every archived entry.
func (l *ResolutionLog) Archived() ([]Entry, error) {
	return storage.ReadJSONL[Entry](l.ArchivePath())
}

// Archive moves the named entries from the live log to the archive and
// returns how many moved. Entries are appended to the archive first and only
// then removed from the live log by a temp+rename rewrite, so a crash between
// the two steps duplicates an entry in the archive rather than losing it.
func (l *ResolutionLog) Archive(ctx context.Context, entryIDs []string) (int, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}
	want := make(map[string]struct{}, len(entryIDs))
	for _, id := range entryIDs {
		want[id] = struct{}{}
	}

	unlock, err := l.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	// Work on raw lines: a line that does not decode as an Entry is not ours
	// to drop, so it stays in the live log untouched.
	lines, err := storage.ReadLines(l.Path())
	if err != nil {
		return 0, fmt.Errorf("read resolution log: %w", err)
	}

	var keep [][]byte
	var moved []Entry
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal(line, &e); err == nil {
			if _, ok := want[e.EntryID]; ok && e.EntryID != "" {
				moved = append(moved, e)
				continue
			}
		}
		keep = append(keep, line)
	}
	if len(moved) == 0 {
		return 0, nil
	}

	for _, e := range moved {
		if err := storage.AppendJSONL(l.ArchivePath(), e); err != nil {
			return 0, fmt.Errorf("append archive: %w", err)
		}
	}
	if err := storage.WriteLines(l.Path(), keep); err != nil {
		return 0, fmt.Errorf("rewrite resolution log: %w", err)
	}
	return len(moved), nil
}

func (l *ResolutionLog) lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(l.dir, storage.DirPerm); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	fl := flock.New(filepath.Join(l.dir, resolutionLockFile))

	lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %w", ErrLockTimeout, err)
		}
		return nil, fmt.Errorf("acquire resolution log lock: %w", err)
	}
	if !locked {
		return nil, ErrLockTimeout
	}
	return func() { _ = fl.Unlock() }, nil //nolint:errcheck // unlock on a closing descriptor
}
