// Package monitor is the periodic liveness check. It asks an external oracle
// whether each domain's agent exists, arbitrates restarts with the clean-exit
// marker, and keeps open-loop staleness flags current on disk.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gcamilo/phoenix-protocol/internal/ledger"
	"github.com/gcamilo/phoenix-protocol/internal/marker"
	"github.com/gcamilo/phoenix-protocol/internal/state"
	"github.com/gcamilo/phoenix-protocol/internal/telemetry"
	"github.com/gcamilo/phoenix-protocol/internal/worker"
)

const (
	// DefaultInterval is the reference monitor period.
	DefaultInterval = 15 * time.Minute

	updateAttempts = 3
)

// Monitor checks domains against an Oracle and issues restarts through a
// Restarter.
type Monitor struct {
	store       *state.Store
	ops         *ledger.OpsLog
	oracle      Oracle
	restarter   Restarter
	concurrency int
	now         func() time.Time
	logger      *slog.Logger

	checks   metric.Int64Counter
	restarts metric.Int64Counter
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source used for staleness.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithConcurrency bounds how many domains a sweep checks at once.
func WithConcurrency(n int) Option {
	return func(m *Monitor) { m.concurrency = n }
}

// New creates a Monitor. ops may be nil.
func New(store *state.Store, ops *ledger.OpsLog, oracle Oracle, restarter Restarter, opts ...Option) *Monitor {
	meter := telemetry.Meter("phoenix/monitor")
	m := &Monitor{
		store:       store,
		ops:         ops,
		oracle:      oracle,
		restarter:   restarter,
		concurrency: 4,
		now:         time.Now,
		logger:      slog.Default(),
		checks:      telemetry.Counter(meter, "phoenix.monitor.checks", "Liveness checks by outcome"),
		restarts:    telemetry.Counter(meter, "phoenix.monitor.restarts", "Restart instructions issued"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check runs one liveness check for domain.
func (m *Monitor) Check(ctx context.Context, domain string) Decision {
	d := Decision{Domain: domain}
	if err := state.ValidateDomain(domain); err != nil {
		d.Action, d.Err = ActionUnknown, err
		return d
	}

	n, err := m.refreshStale(ctx, domain)
	if err != nil {
		m.logger.Warn("staleness refresh failed", "domain", domain, "error", err)
		kind := ledger.KindUpdateFailed
		if errors.Is(err, state.ErrMalformed) {
			kind = ledger.KindStateMalformed
		}
		m.record(domain, kind, ledger.StatusError, "stale refresh: "+err.Error())
	}
	d.NewlyStale = n

	alive, err := m.oracle.Alive(ctx, domain)
	if err != nil {
		d.Action, d.Err = ActionUnknown, err
		m.logger.Warn("liveness unknown, no action", "domain", domain, "error", err)
		m.record(domain, ledger.KindLivenessUnknown, ledger.StatusWarn, err.Error())
		m.count(ctx, domain, d.Action)
		return d
	}
	d.Alive = alive

	markers := marker.For(m.store.DomainDir(domain))
	if !alive {
		if reason, ok := markers.SafeMode(); ok {
			d.Action = ActionSafeMode
			m.logger.Warn("agent in safe mode, not restarting", "domain", domain, "reason", reason)
			m.record(domain, ledger.KindSafeMode, ledger.StatusWarn, "restart withheld: "+reason)
			m.count(ctx, domain, d.Action)
			return d
		}
	}

	cleanExit := false
	if !alive {
		// Consuming is the check: of two concurrent monitors only one sees
		// the marker.
		cleanExit, err = markers.ConsumeCleanExit()
		if err != nil {
			m.logger.Warn("consume clean-exit marker", "domain", domain, "error", err)
		}
	}

	d.Action = Decide(alive, cleanExit)
	switch d.Action {
	case ActionIntentionalStop:
		m.logger.Info("agent stopped intentionally, not restarting", "domain", domain)
		m.record(domain, ledger.KindIntentionalStop, ledger.StatusOK, "")
	case ActionRestart:
		issued, err := m.restarter.Restart(ctx, domain)
		switch {
		case err != nil:
			d.Err = err
			m.logger.Error("restart failed", "domain", domain, "error", err)
			m.record(domain, ledger.KindRestart, ledger.StatusError, err.Error())
		case issued:
			m.logger.Info("agent dead without clean exit, restart issued", "domain", domain)
			m.record(domain, ledger.KindRestart, ledger.StatusWarn, "process dead, no clean-exit marker")
			telemetry.Inc(ctx, m.restarts, domain)
		default:
			d.Action = ActionRestartSkipped
			m.logger.Debug("restart already in progress", "domain", domain)
		}
	}
	m.count(ctx, domain, d.Action)
	return d
}

// Sweep checks every domain. An empty list means every domain in the store.
func (m *Monitor) Sweep(ctx context.Context, domains []string) ([]Decision, error) {
	if len(domains) == 0 {
		var err error
		domains, err = m.store.Domains()
		if err != nil {
			return nil, fmt.Errorf("list domains: %w", err)
		}
	}
	pool := worker.NewPool[Decision](m.concurrency)
	results := pool.Process(ctx, domains, func(ctx context.Context, domain string) (Decision, error) {
		d := m.Check(ctx, domain)
		return d, d.Err
	})
	decisions := make([]Decision, len(results))
	for i, r := range results {
		decisions[i] = r.Value
		if r.Value.Domain == "" {
			decisions[i] = Decision{Domain: r.Domain, Action: ActionUnknown, Err: r.Err}
		}
	}
	return decisions, nil
}

// Run sweeps immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, domains []string) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.Sweep(ctx, domains); err != nil {
			m.logger.Error("monitor sweep", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// refreshStale persists recomputed stale flags when any changed and returns
// how many loops became stale.
func (m *Monitor) refreshStale(ctx context.Context, domain string) (int, error) {
	if _, err := m.store.Load(domain); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	newlyStale := 0
	_, err := m.store.UpdateWithRetry(ctx, domain, updateAttempts, func(st *state.AgentState) error {
		newlyStale = 0
		before := make(map[string]bool, len(st.OpenLoops))
		for _, l := range st.OpenLoops {
			before[l.ID] = l.Stale
		}
		if !st.RefreshStale(m.now()) {
			return state.ErrNoChange
		}
		for _, l := range st.OpenLoops {
			if l.Stale && !before[l.ID] {
				newlyStale++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if newlyStale > 0 {
		m.record(domain, ledger.KindStaleLoops, ledger.StatusWarn, fmt.Sprintf("%d open loop(s) became stale", newlyStale))
	}
	return newlyStale, nil
}

func (m *Monitor) record(domain, kind string, status ledger.EventStatus, detail string) {
	if err := m.ops.Record(domain, kind, status, detail); err != nil {
		m.logger.Warn("record ops event", "kind", kind, "domain", domain, "error", err)
	}
}

func (m *Monitor) count(ctx context.Context, domain string, a Action) {
	telemetry.Inc(context.WithoutCancel(ctx), m.checks, domain, attribute.String("action", string(a)))
}
