// Package reconcile merges offline summaries into live state. Each run
// validates the domain's summary fragment, merges it, applies pending
// resolution log entries, prunes expired resolved items, persists everything
// in one atomic update and then archives the consumed log entries.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gcamilo/phoenix-protocol/internal/ledger"
	"github.com/gcamilo/phoenix-protocol/internal/marker"
	"github.com/gcamilo/phoenix-protocol/internal/state"
	"github.com/gcamilo/phoenix-protocol/internal/telemetry"
)

const (
	// DefaultInterval is the reference reconciliation period.
	DefaultInterval = 24 * time.Hour

	// AppliedSuffix and RejectedSuffix are appended to a summary file once
	// it has been merged or discarded.
	AppliedSuffix  = ".applied"
	RejectedSuffix = ".rejected"

	updateAttempts = 5
)

// DefaultSummaryFiles are tried in order when no summary file is configured.
var DefaultSummaryFiles = []string{"summary.yaml", "summary.json"}

// Result describes one domain's reconciliation.
type Result struct {
	Domain      string `json:"domain"`
	SummaryFile string `json:"summary_file,omitempty"`
	Merged      bool   `json:"merged"`
	Rejected    bool   `json:"rejected"`
	Resolved    int    `json:"resolved"`
	NoOp        int    `json:"noop_resolutions"`
	Pruned      int    `json:"pruned"`
	Archived    int    `json:"archived"`
}

// Pipeline runs reconciliation against one base directory.
type Pipeline struct {
	store       *state.Store
	log         *ledger.ResolutionLog
	ops         *ledger.OpsLog
	summaryFile string
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
	runs        metric.Int64Counter
	inflight    singleflight.Group

	// afterLoad runs between reading the inputs and the atomic update.
	afterLoad func(domain string)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSummaryFile fixes the summary file name inside each domain directory.
func WithSummaryFile(name string) Option {
	return func(p *Pipeline) { p.summaryFile = name }
}

// WithClock overrides the time source used for retention.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithConcurrency bounds how many domains RunAll reconciles at once.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) { p.concurrency = n }
}

// New creates a Pipeline. ops may be nil.
func New(store *state.Store, log *ledger.ResolutionLog, ops *ledger.OpsLog, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       store,
		log:         log,
		ops:         ops,
		concurrency: 4,
		now:         time.Now,
		logger:      slog.Default(),
		runs: telemetry.Counter(telemetry.Meter("phoenix/reconcile"),
			"phoenix.reconcile.runs", "Reconciliation runs by outcome"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run reconciles one domain. Concurrent calls for the same domain share a
// single run. An invalid summary is discarded, leaves state and pending
// resolutions untouched, and is reported as ErrInvalidFragment.
func (p *Pipeline) Run(ctx context.Context, domain string) (Result, error) {
	if err := state.ValidateDomain(domain); err != nil {
		return Result{Domain: domain}, err
	}
	v, err, _ := p.inflight.Do(domain, func() (any, error) {
		return p.run(ctx, domain)
	})
	res, _ := v.(Result)
	return res, err
}

func (p *Pipeline) run(ctx context.Context, domain string) (Result, error) {
	res := Result{Domain: domain}

	summaryPath, summary, err := p.readSummary(domain)
	res.SummaryFile = summaryPath
	if err != nil {
		res.Rejected = true
		p.reject(ctx, domain, summaryPath, err)
		return res, err
	}
	var fragment *Fragment
	if summary != nil {
		fragment = summary.State
	}

	pending, err := p.log.Pending(domain)
	if err != nil {
		return res, fmt.Errorf("read resolution log: %w", err)
	}
	if summary == nil {
		// Without a summary there is nothing to create a document from.
		if _, err := p.store.Load(domain); errors.Is(err, state.ErrNotFound) {
			return res, nil
		}
	}

	if p.afterLoad != nil {
		p.afterLoad(domain)
	}

	now := p.now()
	_, err = p.store.UpdateWithRetry(ctx, domain, updateAttempts, func(st *state.AgentState) error {
		res.Resolved, res.NoOp = 0, 0
		Merge(st, fragment)
		for _, e := range pending {
			if st.Resolve(e.ID, e.Reason, e.Timestamp) {
				res.Resolved++
			} else {
				res.NoOp++
			}
		}
		res.Pruned = st.PruneResolved(now)
		return nil
	})
	if err != nil {
		p.record(domain, ledger.KindUpdateFailed, ledger.StatusError, err.Error())
		p.count(ctx, domain, "error")
		return res, fmt.Errorf("reconcile %s: %w", domain, err)
	}
	res.Merged = fragment != nil

	// State is durable from here on. Failures below leave work that the next
	// run redoes idempotently.
	if summary != nil && summary.Brief != "" {
		if err := marker.For(p.store.DomainDir(domain)).WriteBrief(summary.Brief); err != nil {
			p.logger.Warn("write brief", "domain", domain, "error", err)
		}
	}
	if len(pending) > 0 {
		ids := make([]string, len(pending))
		for i, e := range pending {
			ids[i] = e.EntryID
		}
		res.Archived, err = p.log.Archive(ctx, ids)
		if err != nil {
			p.logger.Warn("archive resolution entries", "domain", domain, "error", err)
		}
	}
	if summaryPath != "" {
		if err := os.Rename(summaryPath, summaryPath+AppliedSuffix); err != nil {
			p.logger.Warn("retire applied summary", "domain", domain, "error", err)
		}
	}

	p.logger.Info("reconciled", "domain", domain, "merged", res.Merged,
		"resolved", res.Resolved, "noop", res.NoOp, "pruned", res.Pruned, "archived", res.Archived)
	p.record(domain, ledger.KindReconcile, ledger.StatusOK,
		fmt.Sprintf("merged=%t resolved=%d noop=%d pruned=%d archived=%d",
			res.Merged, res.Resolved, res.NoOp, res.Pruned, res.Archived))
	p.count(ctx, domain, "ok")
	return res, nil
}

// RunAll reconciles every listed domain, or every domain in the store when
// the list is empty. A failing domain does not stop the others.
func (p *Pipeline) RunAll(ctx context.Context, domains []string) ([]Result, error) {
	if len(domains) == 0 {
		var err error
		domains, err = p.store.Domains()
		if err != nil {
			return nil, fmt.Errorf("list domains: %w", err)
		}
	}

	results := make([]Result, len(domains))
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.concurrency, 1))
	for i, domain := range domains {
		g.Go(func() error {
			res, err := p.Run(gctx, domain)
			results[i] = res
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// Loop runs RunAll immediately and then every interval until ctx ends.
func (p *Pipeline) Loop(ctx context.Context, interval time.Duration, domains []string) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.RunAll(ctx, domains); err != nil {
			p.logger.Warn("reconciliation finished with errors", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// readSummary returns the domain's summary file path and its parsed content.
// No summary file yields an empty path and a nil summary.
func (p *Pipeline) readSummary(domain string) (string, *Summary, error) {
	dir := p.store.DomainDir(domain)
	names := DefaultSummaryFiles
	if p.summaryFile != "" {
		names = []string{p.summaryFile}
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return path, nil, fmt.Errorf("read summary: %w", err)
		}
		s, err := ParseSummary(data)
		if err != nil {
			return path, nil, err
		}
		if s.State != nil {
			if err := s.State.Validate(domain); err != nil {
				return path, nil, err
			}
		}
		return path, s, nil
	}
	return "", nil, nil
}

func (p *Pipeline) reject(ctx context.Context, domain, path string, cause error) {
	p.logger.Error("summary rejected, state left unchanged", "domain", domain, "path", path, "error", cause)
	p.record(domain, ledger.KindSummaryRejected, ledger.StatusError, cause.Error())
	p.count(ctx, domain, "rejected")
	if path == "" || !errors.Is(cause, ErrInvalidFragment) {
		return
	}
	if err := os.Rename(path, path+RejectedSuffix); err != nil {
		p.logger.Warn("retire rejected summary", "domain", domain, "error", err)
	}
}

func (p *Pipeline) record(domain, kind string, status ledger.EventStatus, detail string) {
	if err := p.ops.Record(domain, kind, status, detail); err != nil {
		p.logger.Warn("record ops event", "kind", kind, "domain", domain, "error", err)
	}
}

func (p *Pipeline) count(ctx context.Context, domain, outcome string) {
	telemetry.Inc(context.WithoutCancel(ctx), p.runs, domain, attribute.String("outcome", outcome))
}
