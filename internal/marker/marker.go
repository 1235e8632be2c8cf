// Package marker manages the small per-domain side files exchanged between
// the supervisor, the liveness monitor, the hooks and reconciliation. For the
// signal files presence is the signal and content is informational only.
package marker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gcamilo/phoenix-protocol/internal/storage"
)

const (
	// CleanExitFile is written by the supervisor before a voluntary shutdown.
	CleanExitFile = "clean-exit"

	// FreshStartFile asks the next launch to ignore the continuation token.
	FreshStartFile = "fresh-start"

	// TokenFile holds the continuation token of the last session.
	TokenFile = "resume-token"

	// PIDFile holds the pid of the running agent process.
	PIDFile = "agent.pid"

	// RestartRequestedFile records when the liveness monitor last asked for
	// a supervisor. The supervisor consumes it on start.
	RestartRequestedFile = "restart-requested"

	// BriefFile holds the latest free-text brief produced by reconciliation.
	BriefFile = "brief.md"

	// SafeModeFile is left by a supervisor that reached the crash threshold.
	// Only an operator removes it; while present nothing relaunches the agent.
	SafeModeFile = "safe-mode"
)

// Set addresses the marker files of one domain directory.
type Set struct {
	dir string
}

// For returns the marker set stored in domainDir.
func For(domainDir string) Set {
	return Set{dir: domainDir}
}

// Dir returns the domain directory.
func (s Set) Dir() string {
	return s.dir
}

func (s Set) path(name string) string {
	return filepath.Join(s.dir, name)
}

// WriteCleanExit records a voluntary shutdown of instanceID.
func (s Set) WriteCleanExit(instanceID string) error {
	return storage.WriteFileAtomic(s.path(CleanExitFile), []byte(instanceID+"\n"))
}

// HasCleanExit reports whether the clean-exit marker is present.
func (s Set) HasCleanExit() bool {
	return storage.Exists(s.path(CleanExitFile))
}

// ConsumeCleanExit removes the clean-exit marker and reports whether this
// call found it. Two concurrent consumers never both see true.
func (s Set) ConsumeCleanExit() (bool, error) {
	return storage.RemoveIfExists(s.path(CleanExitFile))
}

// WriteFreshStart requests a clean-slate launch.
func (s Set) WriteFreshStart() error {
	return storage.WriteFileAtomic(s.path(FreshStartFile), nil)
}

// ConsumeFreshStart removes the fresh-start marker and reports whether it
// was present.
func (s Set) ConsumeFreshStart() (bool, error) {
	return storage.RemoveIfExists(s.path(FreshStartFile))
}

// SaveToken stores the continuation token for the next launch.
func (s Set) SaveToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("continuation token is empty")
	}
	return storage.WriteFileAtomic(s.path(TokenFile), []byte(token+"\n"))
}

// Token returns the saved continuation token, or "" when none is saved.
func (s Set) Token() (string, error) {
	data, err := os.ReadFile(s.path(TokenFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ClearToken forgets the continuation token.
func (s Set) ClearToken() error {
	_, err := storage.RemoveIfExists(s.path(TokenFile))
	return err
}

// WritePID records the running agent's pid.
func (s Set) WritePID(pid int) error {
	return storage.WriteFileAtomic(s.path(PIDFile), []byte(strconv.Itoa(pid)+"\n"))
}

// PID returns the recorded agent pid, or 0 when none is recorded.
func (s Set) PID() (int, error) {
	data, err := os.ReadFile(s.path(PIDFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s: %q", s.path(PIDFile), data)
	}
	return pid, nil
}

// ClearPID removes the pid file.
func (s Set) ClearPID() error {
	_, err := storage.RemoveIfExists(s.path(PIDFile))
	return err
}

// WriteBrief replaces the brief text.
func (s Set) WriteBrief(text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return storage.WriteFileAtomic(s.path(BriefFile), []byte(text))
}

// Brief returns the brief text, or "" when there is none.
func (s Set) Brief() (string, error) {
	data, err := os.ReadFile(s.path(BriefFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteRestartRequested records a restart instruction issued at.
func (s Set) WriteRestartRequested(at time.Time) error {
	return storage.WriteFileAtomic(s.path(RestartRequestedFile), []byte(at.UTC().Format(time.RFC3339Nano)+"\n"))
}

// RestartRequestedAt returns when the pending restart instruction was issued.
// ok is false when none is pending or the file is unreadable.
func (s Set) RestartRequestedAt() (at time.Time, ok bool) {
	data, err := os.ReadFile(s.path(RestartRequestedFile))
	if err != nil {
		return time.Time{}, false
	}
	at, err = time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// ConsumeRestartRequested removes the pending restart instruction.
func (s Set) ConsumeRestartRequested() (bool, error) {
	return storage.RemoveIfExists(s.path(RestartRequestedFile))
}

// WriteSafeMode records that the domain's supervisor gave up, with reason.
func (s Set) WriteSafeMode(reason string) error {
	return storage.WriteFileAtomic(s.path(SafeModeFile), []byte(strings.TrimSpace(reason)+"\n"))
}

// SafeMode reports whether the domain is in safe mode and why.
func (s Set) SafeMode() (reason string, ok bool) {
	data, err := os.ReadFile(s.path(SafeModeFile))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// ClearSafeMode removes the safe-mode marker and reports whether it was set.
func (s Set) ClearSafeMode() (bool, error) {
	return storage.RemoveIfExists(s.path(SafeModeFile))
}
