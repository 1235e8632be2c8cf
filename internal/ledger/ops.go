package ledger

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/gcamilo/phoenix-protocol/internal/storage"
)

// OpsFile is the ops event log name under the base directory.
const OpsFile = "ops.jsonl"

// EventStatus grades an ops event.
type EventStatus string

const (
	StatusOK    EventStatus = "ok"
	StatusWarn  EventStatus = "warn"
	StatusError EventStatus = "error"
)

// Event kinds written by phoenix components.
const (
	KindSessionStart    = "session_start"
	KindSessionEnd      = "session_end"
	KindStateMalformed  = "state_malformed"
	KindUpdateFailed    = "update_failed"
	KindSupervisorStart = "supervisor_start"
	KindAgentLaunch     = "agent_launch"
	KindAgentCrash      = "agent_crash"
	KindCleanExit       = "clean_exit"
	KindSupervisorStop  = "supervisor_stop"
	KindSafeMode        = "safe_mode"
	KindSafeModeCleared = "safe_mode_cleared"
	KindIntentionalStop = "intentional_stop"
	KindRestart         = "restart"
	KindLivenessUnknown = "liveness_unknown"
	KindStaleLoops      = "stale_loops"
	KindReconcile       = "reconcile"
	KindSummaryRejected = "summary_rejected"
)

// Event is one ops log record.
type Event struct {
	Timestamp time.Time   `json:"timestamp"`
	Kind      string      `json:"event_kind"`
	Status    EventStatus `json:"status"`
	Domain    string      `json:"domain,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// OpsLog appends ops events. It is write-only for phoenix; Events exists for
// tests and the status command.
type OpsLog struct {
	path string
	now  func() time.Time
}

// NewOpsLog returns the ops log under baseDir.
func NewOpsLog(baseDir string) *OpsLog {
	return &OpsLog{path: filepath.Join(baseDir, OpsFile), now: time.Now}
}

// WithClock overrides the timestamp source. Intended for tests.
func (o *OpsLog) WithClock(now func() time.Time) *OpsLog {
	o.now = now
	return o
}

// Path returns the log path.
func (o *OpsLog) Path() string {
	return o.path
}

// Record appends one event. A nil OpsLog discards events.
func (o *OpsLog) Record(domain, kind string, status EventStatus, detail string) error {
	if o == nil {
		return nil
	}
	return storage.AppendJSONL(o.path, Event{
		Timestamp: o.now().UTC(),
		Kind:      kind,
		Status:    status,
		Domain:    domain,
		Detail:    detail,
	})
}

// RecordMalformed records a malformed state document as an error event.
// quarantined is where the document was moved, or "" when it stayed put.
// Its signature matches state.WithMalformedHandler.
func (o *OpsLog) RecordMalformed(domain, quarantined string, cause error) {
	detail := cause.Error()
	if quarantined != "" {
		detail = fmt.Sprintf("%s (moved to %s)", detail, quarantined)
	}
	_ = o.Record(domain, KindStateMalformed, StatusError, detail) //nolint:errcheck // best-effort from inside a locked update
}

// Events reads the whole log.
func (o *OpsLog) Events() ([]Event, error) {
	return storage.ReadJSONL[Event](o.path)
}
