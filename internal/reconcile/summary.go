package reconcile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gcamilo/phoenix-protocol/internal/state"
)

// Summary is the artifact the offline summarizer leaves for a domain. It is
// YAML; JSON is accepted since it parses as YAML.
type Summary struct {
	Brief string    `yaml:"brief"`
	State *Fragment `yaml:"state"`
}

// Fragment is a partial AgentState. Nil fields are absent and leave the
// prior value alone.
type Fragment struct {
	AgentID     *string             `yaml:"agent_id"`
	Status      *string             `yaml:"status"`
	CurrentTask *string             `yaml:"current_task"`
	OpenLoops   *[]LoopFragment     `yaml:"open_loops"`
	Resolved    *[]ResolvedFragment `yaml:"resolved"`
	Numbers     *map[string]string  `yaml:"numbers"`

	// LastActive is accepted so summarizers may echo the whole document,
	// but it is never merged.
	LastActive *string `yaml:"last_active"`
}

// LoopFragment is an open loop as written by the summarizer.
type LoopFragment struct {
	ID    string `yaml:"id"`
	Text  string `yaml:"text"`
	Added string `yaml:"added"`

	// Stale is derived by the store; an authored value is ignored.
	Stale *bool `yaml:"stale"`
}

// ResolvedFragment is a resolved item as written by the summarizer.
type ResolvedFragment struct {
	ID           string `yaml:"id"`
	Reason       string `yaml:"reason"`
	ResolvedDate string `yaml:"resolved_date"`
}

// ParseSummary decodes a summary artifact. Unknown fields are rejected.
func ParseSummary(data []byte) (*Summary, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Summary
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty summary", ErrInvalidFragment)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidFragment, err)
	}
	return &s, nil
}

// Validate checks the fragment against the AgentState schema for domain.
func (f *Fragment) Validate(domain string) error {
	var errs []error
	if f.AgentID != nil && *f.AgentID != domain {
		errs = append(errs, fmt.Errorf("agent_id %q does not match domain %q", *f.AgentID, domain))
	}
	if f.Status != nil {
		if _, err := state.ParseStatus(*f.Status); err != nil {
			errs = append(errs, err)
		}
	}

	loopIDs := map[string]bool{}
	if f.OpenLoops != nil {
		for i, l := range *f.OpenLoops {
			if l.ID == "" {
				errs = append(errs, fmt.Errorf("open_loops[%d]: id is required", i))
				continue
			}
			if loopIDs[l.ID] {
				errs = append(errs, fmt.Errorf("open_loops[%d]: duplicate id %q", i, l.ID))
			}
			loopIDs[l.ID] = true
			if _, err := parseDate(l.Added); err != nil {
				errs = append(errs, fmt.Errorf("open_loops[%d] %s: added: %w", i, l.ID, err))
			}
		}
	}
	if f.Resolved != nil {
		seen := map[string]bool{}
		for i, r := range *f.Resolved {
			if r.ID == "" {
				errs = append(errs, fmt.Errorf("resolved[%d]: id is required", i))
				continue
			}
			if seen[r.ID] {
				errs = append(errs, fmt.Errorf("resolved[%d]: duplicate id %q", i, r.ID))
			}
			seen[r.ID] = true
			if loopIDs[r.ID] {
				errs = append(errs, fmt.Errorf("resolved[%d]: %q is also an open loop", i, r.ID))
			}
			if _, err := parseDate(r.ResolvedDate); err != nil {
				errs = append(errs, fmt.Errorf("resolved[%d] %s: resolved_date: %w", i, r.ID, err))
			}
		}
	}
	if f.Numbers != nil {
		for k := range *f.Numbers {
			if k == "" {
				errs = append(errs, errors.New("numbers: empty key"))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFragment, err)
	}
	return nil
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("missing date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", v)
}
