package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/gofrs/flock"

	"github.com/gcamilo/phoenix-protocol/internal/storage"
)

const (
	// StateFile is the canonical document name inside a domain directory.
	StateFile = "state.json"

	// LockFile is the advisory lock guarding StateFile.
	LockFile = "state.lock"

	// DefaultLockTimeout bounds how long AtomicUpdate waits for the lock.
	DefaultLockTimeout = 5 * time.Second

	lockRetryDelay = 10 * time.Millisecond
)

var domainPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateDomain rejects identifiers that cannot be used as a directory name.
func ValidateDomain(domain string) error {
	if domain == "" || domain == "." || domain == ".." || !domainPattern.MatchString(domain) {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return nil
}

// Mutator edits a document in place. Returning ErrNoChange skips the write.
type Mutator func(st *AgentState) error

// Store reads and writes AgentState documents under a base directory, one
// subdirectory per domain.
type Store struct {
	baseDir     string
	lockTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
	onMalformed func(domain, quarantined string, cause error)
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets how long AtomicUpdate waits for the domain lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithClock overrides the time source used for staleness.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMalformedHandler registers fn to hear about every malformed document
// AtomicUpdate replaces. quarantined is the path the document was moved to,
// or "" when the move failed. fn runs with the domain lock held.
func WithMalformedHandler(fn func(domain, quarantined string, cause error)) Option {
	return func(s *Store) {
		s.onMalformed = fn
	}
}

// NewStore creates a store rooted at baseDir.
func NewStore(baseDir string, opts ...Option) *Store {
	s := &Store{
		baseDir:     baseDir,
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BaseDir returns the root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// DomainDir returns the directory holding a domain's files.
func (s *Store) DomainDir(domain string) string {
	return filepath.Join(s.baseDir, domain)
}

// Path returns the canonical document path for a domain.
func (s *Store) Path(domain string) string {
	return filepath.Join(s.baseDir, domain, StateFile)
}

// Load returns the current document with stale flags recomputed. It never
// takes the lock: the canonical path only ever holds a complete document.
func (s *Store) Load(domain string) (*AgentState, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	st, err := s.read(domain)
	if err != nil {
		return nil, err
	}
	st.RefreshStale(s.now())
	return st, nil
}

// AtomicUpdate applies fn to the current document, or to the default document
// when none exists, and publishes the result. The domain lock is held for the
// whole read-modify-write cycle, so updates on one domain are linearizable.
func (s *Store) AtomicUpdate(ctx context.Context, domain string, fn Mutator) (*AgentState, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.DomainDir(domain), storage.DirPerm); err != nil {
		return nil, fmt.Errorf("%w: create domain directory: %w", storage.ErrWrite, err)
	}

	unlock, err := s.lock(ctx, domain)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.read(domain)
	switch {
	case errors.Is(err, ErrNotFound):
		cur = New(domain)
	case errors.Is(err, ErrMalformed):
		s.quarantine(domain, err)
		cur = New(domain)
	case err != nil:
		return nil, err
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return cur, nil
		}
		return nil, err
	}
	if next.AgentID != cur.AgentID {
		return nil, fmt.Errorf("%w: %q -> %q", ErrAgentIDImmutable, cur.AgentID, next.AgentID)
	}
	next.RefreshStale(s.now())
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to write invalid document: %w", err)
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	if err := storage.WriteFileAtomic(s.Path(domain), append(data, '\n')); err != nil {
		return nil, err
	}
	return next, nil
}

// Domains lists every domain that has a state document.
func (s *Store) Domains() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var domains []string
	for _, e := range entries {
		if !e.IsDir() || ValidateDomain(e.Name()) != nil {
			continue
		}
		if storage.Exists(s.Path(e.Name())) {
			domains = append(domains, e.Name())
		}
	}
	slices.Sort(domains)
	return domains, nil
}

func (s *Store) read(domain string) (*AgentState, error) {
	data, err := os.ReadFile(s.Path(domain))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, domain)
	}
	if err != nil {
		return nil, err
	}

	var st AgentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, domain, err)
	}
	if st.AgentID != domain {
		return nil, fmt.Errorf("%w: %s: agent_id %q does not match domain", ErrMalformed, domain, st.AgentID)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, domain, err)
	}
	if st.OpenLoops == nil {
		st.OpenLoops = []OpenLoop{}
	}
	if st.Resolved == nil {
		st.Resolved = []ResolvedItem{}
	}
	return &st, nil
}

func (s *Store) lock(ctx context.Context, domain string) (func(), error) {
	fl := flock.New(filepath.Join(s.DomainDir(domain), LockFile))

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, domain, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, domain, s.lockTimeout)
		}
		return nil, fmt.Errorf("acquire state lock %s: %w", domain, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, domain)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("release state lock", "domain", domain, "error", err)
		}
	}, nil
}

// quarantine moves a malformed document aside so the operator can inspect it.
// Called with the domain lock held.
func (s *Store) quarantine(domain string, cause error) {
	src := s.Path(domain)
	dst := fmt.Sprintf("%s.corrupt-%d", src, s.now().UnixNano())
	if err := os.Rename(src, dst); err != nil {
		s.logger.Error("quarantine malformed state", "domain", domain, "error", err)
		dst = ""
	} else {
		s.logger.Warn("malformed state moved aside", "domain", domain, "path", dst, "cause", cause)
	}
	if s.onMalformed != nil {
		s.onMalformed(domain, dst, cause)
	}
}
