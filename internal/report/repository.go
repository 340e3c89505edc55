package report

import (
	"context"

	"github.com/kazz187/bambooguild/internal/record"
)

// Repository provides persistence for reconciliation reports, one report per
// (run, domain) plus a summary per run.
type Repository interface {
	// Create stores a domain report for a run.
	Create(ctx context.Context, r *Report) error

	// CreateSummary stores the run summary.
	CreateSummary(ctx context.Context, s *Summary) error

	// Get returns the stored report for a run and domain.
	Get(ctx context.Context, runID string, domain record.Domain) (*Report, error)

	// GetSummary returns the stored summary for a run.
	GetSummary(ctx context.Context, runID string) (*Summary, error)

	// ListRuns returns stored run IDs, oldest first. ULID run IDs sort
	// chronologically.
	ListRuns(ctx context.Context) ([]string, error)

	// DeleteRun removes all reports of one run.
	DeleteRun(ctx context.Context, runID string) error
}
