package repositoryimpl

import (
	"context"
	"testing"
	"time"

	"github.com/kazz187/bambooguild/internal/record"
	"github.com/kazz187/bambooguild/internal/report"
	"github.com/kazz187/bambooguild/pkg/cerr"
	"github.com/kazz187/bambooguild/pkg/storage"
)

func newTestRepository(t *testing.T) *YAMLRepository {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	return NewYAMLRepository(store)
}

func TestYAMLRepository(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rep := &report.Report{
		RunID:       "01J8TESTRUN",
		Domain:      record.DomainGlobal,
		GeneratedAt: time.Now().UTC().Truncate(time.Second),
		Added: []record.Record{
			{User: "alice", Permission: "ACCESS", Value: true},
		},
		Removed: []record.Record{
			{Group: "contractors", Permission: "ACCESS", Value: true},
		},
	}
	if err := repo.Create(ctx, rep); err != nil {
		t.Fatalf("Failed to create report: %v", err)
	}

	got, err := repo.Get(ctx, "01J8TESTRUN", record.DomainGlobal)
	if err != nil {
		t.Fatalf("Failed to get report: %v", err)
	}
	if got.RunID != rep.RunID {
		t.Errorf("Expected run ID %s, got %s", rep.RunID, got.RunID)
	}
	if len(got.Added) != 1 || got.Added[0].User != "alice" {
		t.Errorf("Added records did not round-trip: %+v", got.Added)
	}
	if len(got.Removed) != 1 || got.Removed[0].Group != "contractors" {
		t.Errorf("Removed records did not round-trip: %+v", got.Removed)
	}
}

func TestYAMLRepositorySummary(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	summary := &report.Summary{
		RunID:     "01J8TESTRUN",
		StartedAt: time.Now().UTC().Truncate(time.Second),
		DryRun:    true,
		Domains: []report.DomainOutcome{
			{Domain: record.DomainGlobal, Added: 2, Removed: 1},
			{Domain: record.DomainProject, Skipped: true, Error: "fetch failed"},
		},
	}
	if err := repo.CreateSummary(ctx, summary); err != nil {
		t.Fatalf("Failed to create summary: %v", err)
	}

	got, err := repo.GetSummary(ctx, "01J8TESTRUN")
	if err != nil {
		t.Fatalf("Failed to get summary: %v", err)
	}
	if !got.DryRun {
		t.Error("DryRun flag did not round-trip")
	}
	if len(got.Domains) != 2 {
		t.Fatalf("Expected 2 domain outcomes, got %d", len(got.Domains))
	}
	if !got.Domains[1].Skipped {
		t.Error("Skipped flag did not round-trip")
	}
	if got.FailureCount() != 1 {
		t.Errorf("Expected failure count 1, got %d", got.FailureCount())
	}
}

func TestYAMLRepositoryGetNotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.Get(context.Background(), "missing", record.DomainGlobal)
	if err == nil {
		t.Fatal("Expected error for missing report")
	}
	if !cerr.IsCode(err, cerr.NotFound) {
		t.Errorf("Expected not_found code, got %v", err)
	}
}

func TestYAMLRepositoryListRuns(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	// ULIDs are lexicographically ordered by creation time; storing out of
	// order must not affect the listing order.
	for _, runID := range []string{"01J8RUN02", "01J8RUN00", "01J8RUN01"} {
		rep := &report.Report{RunID: runID, Domain: record.DomainGlobal, GeneratedAt: time.Now()}
		if err := repo.Create(ctx, rep); err != nil {
			t.Fatalf("Failed to create report: %v", err)
		}
	}

	runs, err := repo.ListRuns(ctx)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	want := []string{"01J8RUN00", "01J8RUN01", "01J8RUN02"}
	if len(runs) != len(want) {
		t.Fatalf("Expected %d runs, got %d", len(want), len(runs))
	}
	for i := range want {
		if runs[i] != want[i] {
			t.Errorf("Run %d: expected %s, got %s", i, want[i], runs[i])
		}
	}
}

func TestYAMLRepositoryDeleteRun(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rep := &report.Report{RunID: "01J8TESTRUN", Domain: record.DomainGlobal, GeneratedAt: time.Now()}
	if err := repo.Create(ctx, rep); err != nil {
		t.Fatalf("Failed to create report: %v", err)
	}
	if err := repo.DeleteRun(ctx, "01J8TESTRUN"); err != nil {
		t.Fatalf("Failed to delete run: %v", err)
	}

	if _, err := repo.Get(ctx, "01J8TESTRUN", record.DomainGlobal); !cerr.IsCode(err, cerr.NotFound) {
		t.Errorf("Expected not_found after delete, got %v", err)
	}
}
