// Package state defines the per-domain AgentState document and the store
// that persists it. Every write goes through Store.AtomicUpdate, which holds
// the domain's advisory lock for one read-modify-write cycle and publishes
// the result with an atomic rename.
package state

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Status is the agent's self-reported task status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusError   Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusWorking, StatusError:
		return true
	}
	return false
}

// NeedsRecovery reports whether a fresh instance should be told where the
// previous one left off.
func (s Status) NeedsRecovery() bool {
	return s == StatusWorking || s == StatusError
}

// ParseStatus converts user input into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

const (
	// StaleAfter is how long an open loop may stay open before it is flagged.
	// A loop exactly StaleAfter old is not stale.
	StaleAfter = 14 * 24 * time.Hour

	// ResolvedRetention is how long resolved items stay in the document. An
	// item exactly ResolvedRetention old is kept.
	ResolvedRetention = 7 * 24 * time.Hour
)

// OpenLoop is a tracked unit of unresolved work.
type OpenLoop struct {
	ID    string    `json:"id"`
	Text  string    `json:"text"`
	Added time.Time `json:"added"`

	// Stale is derived from Added on every read and write. It is persisted so
	// external readers see it, never authored.
	Stale bool `json:"stale"`
}

// ResolvedItem records a loop that was closed.
type ResolvedItem struct {
	ID           string    `json:"id"`
	Reason       string    `json:"reason,omitempty"`
	ResolvedDate time.Time `json:"resolved_date"`
}

// AgentState is the persisted task state of one domain.
type AgentState struct {
	AgentID     string            `json:"agent_id"`
	Status      Status            `json:"status"`
	CurrentTask string            `json:"current_task,omitempty"`
	LastActive  time.Time         `json:"last_active"`
	OpenLoops   []OpenLoop        `json:"open_loops"`
	Resolved    []ResolvedItem    `json:"resolved"`
	Numbers     map[string]string `json:"numbers,omitempty"`
}

// New returns the default document for a domain that has never been written.
func New(agentID string) *AgentState {
	return &AgentState{
		AgentID:   agentID,
		Status:    StatusIdle,
		OpenLoops: []OpenLoop{},
		Resolved:  []ResolvedItem{},
	}
}

// Clone returns a deep copy.
func (s *AgentState) Clone() *AgentState {
	c := *s
	c.OpenLoops = slices.Clone(s.OpenLoops)
	c.Resolved = slices.Clone(s.Resolved)
	c.Numbers = maps.Clone(s.Numbers)
	if c.OpenLoops == nil {
		c.OpenLoops = []OpenLoop{}
	}
	if c.Resolved == nil {
		c.Resolved = []ResolvedItem{}
	}
	return &c
}

// IsStale reports whether a loop added at added is stale at now.
func IsStale(added, now time.Time) bool {
	return now.Sub(added) > StaleAfter
}

// RefreshStale recomputes every loop's Stale flag and reports whether any
// value changed.
func (s *AgentState) RefreshStale(now time.Time) bool {
	changed := false
	for i := range s.OpenLoops {
		stale := IsStale(s.OpenLoops[i].Added, now)
		if s.OpenLoops[i].Stale != stale {
			s.OpenLoops[i].Stale = stale
			changed = true
		}
	}
	return changed
}

// LoopCounts returns the number of open loops and how many of them are not
// stale. Stale flags must be current.
func (s *AgentState) LoopCounts() (total, active int) {
	for _, l := range s.OpenLoops {
		if !l.Stale {
			active++
		}
	}
	return len(s.OpenLoops), active
}

// Touch advances LastActive to at. It never moves LastActive backwards.
func (s *AgentState) Touch(at time.Time) {
	if at.After(s.LastActive) {
		s.LastActive = at
	}
}

// AddLoop appends an open loop.
func (s *AgentState) AddLoop(loop OpenLoop) error {
	if loop.ID == "" {
		return errors.New("open loop id is required")
	}
	if s.loopIndex(loop.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateLoop, loop.ID)
	}
	if s.resolvedIndex(loop.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrLoopResolved, loop.ID)
	}
	s.OpenLoops = append(s.OpenLoops, loop)
	return nil
}

// Resolve moves the open loop id into Resolved. It reports false, and leaves
// the document untouched, when no open loop has that id.
func (s *AgentState) Resolve(id, reason string, at time.Time) bool {
	idx := s.loopIndex(id)
	if idx < 0 {
		return false
	}
	s.OpenLoops = slices.Delete(s.OpenLoops, idx, idx+1)
	if s.resolvedIndex(id) < 0 {
		s.Resolved = append(s.Resolved, ResolvedItem{ID: id, Reason: reason, ResolvedDate: at})
	}
	return true
}

// PruneResolved drops resolved items older than ResolvedRetention and returns
// how many were dropped.
func (s *AgentState) PruneResolved(now time.Time) int {
	before := len(s.Resolved)
	s.Resolved = slices.DeleteFunc(s.Resolved, func(r ResolvedItem) bool {
		return now.Sub(r.ResolvedDate) > ResolvedRetention
	})
	return before - len(s.Resolved)
}

// DropResolvedLoops removes open loops whose id is present in Resolved.
func (s *AgentState) DropResolvedLoops() int {
	before := len(s.OpenLoops)
	s.OpenLoops = slices.DeleteFunc(s.OpenLoops, func(l OpenLoop) bool {
		return s.resolvedIndex(l.ID) >= 0
	})
	return before - len(s.OpenLoops)
}

// Validate checks the document invariants.
func (s *AgentState) Validate() error {
	var errs []error
	if s.AgentID == "" {
		errs = append(errs, errors.New("agent_id is empty"))
	}
	if !s.Status.Valid() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidStatus, s.Status))
	}

	open := make(map[string]struct{}, len(s.OpenLoops))
	for _, l := range s.OpenLoops {
		if l.ID == "" {
			errs = append(errs, errors.New("open loop with empty id"))
			continue
		}
		if _, dup := open[l.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateLoop, l.ID))
		}
		open[l.ID] = struct{}{}
	}

	resolved := make(map[string]struct{}, len(s.Resolved))
	for _, r := range s.Resolved {
		if r.ID == "" {
			errs = append(errs, errors.New("resolved item with empty id"))
			continue
		}
		if _, dup := resolved[r.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate resolved id: %s", r.ID))
		}
		resolved[r.ID] = struct{}{}
		if _, both := open[r.ID]; both {
			errs = append(errs, fmt.Errorf("id %s is both open and resolved", r.ID))
		}
	}
	return errors.Join(errs...)
}

func (s *AgentState) loopIndex(id string) int {
	return slices.IndexFunc(s.OpenLoops, func(l OpenLoop) bool { return l.ID == id })
}

func (s *AgentState) resolvedIndex(id string) int {
	return slices.IndexFunc(s.Resolved, func(r ResolvedItem) bool { return r.ID == id })
}
