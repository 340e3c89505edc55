package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/bambooguild/internal/desired"
	"github.com/kazz187/bambooguild/internal/diff"
	"github.com/kazz187/bambooguild/internal/record"
	"github.com/kazz187/bambooguild/internal/report"
	"github.com/kazz187/bambooguild/pkg/clog"
)

// Fetcher retrieves the current permission records for one domain from the
// permission service. The returned records are deduplicated into a set before
// diffing, so a fetcher repeating an entry cannot corrupt add/remove counts.
type Fetcher interface {
	FetchDomain(ctx context.Context, domain record.Domain) ([]record.Record, error)
}

// Applier issues the grant and revoke calls for one record. Calls must be
// idempotent on the service side: granting an existing permission or revoking
// an absent one succeeds.
type Applier interface {
	Grant(ctx context.Context, domain record.Domain, r record.Record) error
	Revoke(ctx context.Context, domain record.Domain, r record.Record) error
}

// DomainSpec binds one domain to its fetch and apply operations. The
// reconciler is a single pipeline driven by a table of these, one per domain.
type DomainSpec struct {
	Domain record.Domain
	Fetch  func(ctx context.Context) ([]record.Record, error)
	Grant  func(ctx context.Context, r record.Record) error
	Revoke func(ctx context.Context, r record.Record) error
}

// Specs builds the domain table covering all six domains in reconciliation
// order.
func Specs(f Fetcher, a Applier) []DomainSpec {
	specs := make([]DomainSpec, 0, len(record.Domains))
	for _, domain := range record.Domains {
		domain := domain
		specs = append(specs, DomainSpec{
			Domain: domain,
			Fetch: func(ctx context.Context) ([]record.Record, error) {
				return f.FetchDomain(ctx, domain)
			},
			Grant: func(ctx context.Context, r record.Record) error {
				return a.Grant(ctx, domain, r)
			},
			Revoke: func(ctx context.Context, r record.Record) error {
				return a.Revoke(ctx, domain, r)
			},
		})
	}
	return specs
}

type Option func(*Reconciler)

// WithDryRun computes and persists diffs without issuing any apply calls.
func WithDryRun(dryRun bool) Option {
	return func(r *Reconciler) {
		r.dryRun = dryRun
	}
}

// WithIncludeUnchanged includes unchanged records in persisted reports.
func WithIncludeUnchanged(include bool) Option {
	return func(r *Reconciler) {
		r.includeUnchanged = include
	}
}

// Reconciler converges current permission state to desired state, one domain
// at a time. Domains are independent: a failing domain is reported and
// skipped, the remaining domains still run.
type Reconciler struct {
	specs            []DomainSpec
	reports          report.Repository
	dryRun           bool
	includeUnchanged bool
}

func New(f Fetcher, a Applier, reports report.Repository, opts ...Option) *Reconciler {
	r := &Reconciler{
		specs:   Specs(f, a),
		reports: reports,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one reconciliation pass over all domains in fixed order and
// returns the run summary. Per-domain and per-record failures are collected
// into the summary rather than aborting the run; Run itself fails only on
// cancellation.
func (r *Reconciler) Run(ctx context.Context, state desired.State) (*report.Summary, error) {
	runID := ulid.Make().String()
	ctx = clog.ContextWithSlog(ctx)
	clog.AddAttribute(ctx, "run", runID)

	summary := &report.Summary{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		DryRun:    r.dryRun,
	}
	slog.InfoContext(ctx, "reconciliation run started", "dry_run", r.dryRun)

	for _, spec := range r.specs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		summary.Domains = append(summary.Domains, r.reconcileDomain(ctx, spec, state, runID))
	}

	summary.FinishedAt = time.Now().UTC()
	if err := r.reports.CreateSummary(ctx, summary); err != nil {
		slog.ErrorContext(ctx, "failed to persist run summary", "error", err)
	}
	slog.InfoContext(ctx, "reconciliation run finished",
		"converged", summary.Converged(), "failures", summary.FailureCount())
	return summary, nil
}

// reconcileDomain runs the fetch → diff → persist → apply pipeline for one
// domain and returns its summary line.
func (r *Reconciler) reconcileDomain(ctx context.Context, spec DomainSpec, state desired.State, runID string) report.DomainOutcome {
	domain := spec.Domain
	outcome := report.DomainOutcome{Domain: domain}

	current, err := spec.Fetch(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to fetch current state, skipping domain",
			"domain", domain, "error", err)
		outcome.Skipped = true
		outcome.Error = err.Error()
		r.persist(ctx, &report.Report{
			RunID:       runID,
			Domain:      domain,
			GeneratedAt: time.Now().UTC(),
			FetchError:  err.Error(),
		})
		return outcome
	}

	currentSet := record.NewSet(current...)
	desiredSet := state.Domain(domain)
	result := diff.Diff(currentSet, desiredSet)

	rep := &report.Report{
		RunID:       runID,
		Domain:      domain,
		GeneratedAt: time.Now().UTC(),
		Added:       result.Added.Records(),
		Removed:     result.Removed.Records(),
	}
	if r.includeUnchanged {
		rep.Unchanged = result.Unchanged.Records()
	}
	r.persist(ctx, rep)

	outcome.Added = len(rep.Added)
	outcome.Removed = len(rep.Removed)
	outcome.Unchanged = len(result.Unchanged)
	slog.InfoContext(ctx, "domain diffed", "domain", domain,
		"added", outcome.Added, "removed", outcome.Removed, "unchanged", outcome.Unchanged)

	if r.dryRun || result.Empty() {
		return outcome
	}

	failures := r.apply(ctx, spec, rep)
	if len(failures) > 0 {
		rep.ApplyFailures = failures
		outcome.FailedApplies = len(failures)
		// Re-persist so the stored report carries the apply failures.
		r.persist(ctx, rep)
	}
	return outcome
}

// apply issues all grants before all revokes. Granting first keeps a subject
// whose permission set is being replaced from passing through a window with
// no applicable permission at all. Every failure is attributed to its record
// and the batch keeps going.
func (r *Reconciler) apply(ctx context.Context, spec DomainSpec, rep *report.Report) []report.ApplyFailure {
	var failures []report.ApplyFailure
	for _, rec := range rep.Added {
		if err := spec.Grant(ctx, rec); err != nil {
			slog.WarnContext(ctx, "grant failed", "domain", spec.Domain,
				"record", rec.String(), "error", err)
			failures = append(failures, report.ApplyFailure{
				Op:     "grant",
				Record: rec,
				Error:  err.Error(),
			})
		}
	}
	for _, rec := range rep.Removed {
		if err := spec.Revoke(ctx, rec); err != nil {
			slog.WarnContext(ctx, "revoke failed", "domain", spec.Domain,
				"record", rec.String(), "error", err)
			failures = append(failures, report.ApplyFailure{
				Op:     "revoke",
				Record: rec,
				Error:  err.Error(),
			})
		}
	}
	return failures
}

func (r *Reconciler) persist(ctx context.Context, rep *report.Report) {
	if err := r.reports.Create(ctx, rep); err != nil {
		slog.ErrorContext(ctx, "failed to persist report",
			"domain", rep.Domain, "error", err)
	}
}
