// Package hooks implements the lifecycle hook entry points an agent platform
// calls on session start, on tool activity and on session end.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/gcamilo/phoenix-protocol/internal/ledger"
	"github.com/gcamilo/phoenix-protocol/internal/marker"
	"github.com/gcamilo/phoenix-protocol/internal/state"
	"github.com/gcamilo/phoenix-protocol/internal/telemetry"
)

const (
	// DefaultHeartbeatTimeout bounds how long OnActivity may hold up the agent.
	DefaultHeartbeatTimeout = 250 * time.Millisecond

	// createAttempts bounds the retries when the start hook creates a
	// domain's first document.
	createAttempts = 3
)

// Coordinator runs the hook logic for every domain under one state store.
type Coordinator struct {
	store            *state.Store
	ops              *ledger.OpsLog
	now              func() time.Time
	heartbeatTimeout time.Duration
	logger           *slog.Logger
	dropped          metric.Int64Counter
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithHeartbeatTimeout sets the heartbeat deadline.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.heartbeatTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoordinator creates a Coordinator. ops may be nil.
func NewCoordinator(store *state.Store, ops *ledger.OpsLog, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:            store,
		ops:              ops,
		now:              time.Now,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		logger:           slog.Default(),
		dropped: telemetry.Counter(telemetry.Meter("phoenix/hooks"),
			"phoenix.hooks.heartbeat_dropped", "Heartbeats abandoned before they were written"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnSessionStart returns the text to inject into a new agent instance's
// context. An unknown or unreadable domain yields an empty payload, never an
// error: the agent must always be able to start. sessionToken, when set, is
// saved as the continuation token for the supervisor's next launch.
func (c *Coordinator) OnSessionStart(ctx context.Context, domain, sessionToken string) (string, error) {
	if err := state.ValidateDomain(domain); err != nil {
		return "", err
	}
	c.record(domain, ledger.KindSessionStart, ledger.StatusOK, "")

	markers := marker.For(c.store.DomainDir(domain))
	if sessionToken != "" {
		if err := markers.SaveToken(sessionToken); err != nil {
			c.logger.Warn("save continuation token", "domain", domain, "error", err)
		}
	}

	st, err := c.store.Load(domain)
	switch {
	case errors.Is(err, state.ErrNotFound):
		if _, err := c.store.UpdateWithRetry(ctx, domain, createAttempts, func(*state.AgentState) error {
			return nil
		}); err != nil {
			c.logger.Warn("create state document", "domain", domain, "error", err)
			c.record(domain, ledger.KindUpdateFailed, ledger.StatusError, err.Error())
		}
		return "", nil
	case errors.Is(err, state.ErrMalformed):
		c.logger.Error("state document unreadable, starting without recovery", "domain", domain, "error", err)
		c.record(domain, ledger.KindStateMalformed, ledger.StatusError, err.Error())
		return "", nil
	case err != nil:
		c.logger.Error("load state", "domain", domain, "error", err)
		c.record(domain, ledger.KindUpdateFailed, ledger.StatusError, err.Error())
		return "", nil
	}

	brief, err := markers.Brief()
	if err != nil {
		c.logger.Warn("read brief", "domain", domain, "error", err)
	}
	return RenderPayload(st, brief), nil
}

// OnActivity advances the domain's lastActive to now. It waits at most the
// heartbeat timeout and reports whether the write landed in time. Failures
// are logged at debug level and otherwise swallowed.
func (c *Coordinator) OnActivity(ctx context.Context, domain string) bool {
	at := c.now()
	hbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.heartbeatTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.store.AtomicUpdate(hbCtx, domain, func(st *state.AgentState) error {
			st.Touch(at)
			return nil
		})
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-hbCtx.Done():
		select {
		case err = <-done:
		default:
			err = hbCtx.Err()
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		c.logger.Debug("heartbeat dropped", "domain", domain, "error", err)
		telemetry.Inc(context.WithoutCancel(ctx), c.dropped, domain)
		return false
	}
	return true
}

// OnSessionEnd records the end of a session. It never touches the state
// document: a hard crash skips this hook, so status must not depend on it.
func (c *Coordinator) OnSessionEnd(_ context.Context, domain string, exitStatus int) error {
	if err := state.ValidateDomain(domain); err != nil {
		return err
	}
	status := ledger.StatusOK
	if exitStatus != 0 {
		status = ledger.StatusWarn
	}
	return c.ops.Record(domain, ledger.KindSessionEnd, status, fmt.Sprintf("exit_status=%d", exitStatus))
}

func (c *Coordinator) record(domain, kind string, status ledger.EventStatus, detail string) {
	if err := c.ops.Record(domain, kind, status, detail); err != nil {
		c.logger.Warn("record ops event", "kind", kind, "domain", domain, "error", err)
	}
}

// RenderPayload formats the recovery context for st. The recovery block is
// present only when st.Status needs recovery; the brief follows whenever it is
// non-empty.
func RenderPayload(st *state.AgentState, brief string) string {
	var sb strings.Builder
	if st.Status.NeedsRecovery() {
		writeRecoverySection(&sb, st)
	}
	if brief != "" {
		sb.WriteString("## Latest brief\n")
		sb.WriteString(brief)
		sb.WriteString("\n")
	}
	return sb.String()
}

func writeRecoverySection(sb *strings.Builder, st *state.AgentState) {
	total, active := st.LoopCounts()
	sb.WriteString("## Recovered session state\n")
	fmt.Fprintf(sb, "status: %s\n", st.Status)
	if st.CurrentTask != "" {
		fmt.Fprintf(sb, "current_task: %s\n", st.CurrentTask)
	}
	if !st.LastActive.IsZero() {
		fmt.Fprintf(sb, "last_active: %s\n", st.LastActive.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(sb, "open_loops: %d (active: %d, stale: %d)\n", total, active, total-active)
	for _, l := range st.OpenLoops {
		if l.Stale {
			continue
		}
		fmt.Fprintf(sb, "- %s: %s\n", l.ID, l.Text)
	}
	sb.WriteString("\n")
}
