package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/bambooguild/internal/record"
	"github.com/kazz187/bambooguild/internal/report"
	"github.com/kazz187/bambooguild/pkg/cerr"
	"github.com/kazz187/bambooguild/pkg/storage"
)

const reportsPrefix = "reports"

const summaryName = "summary"

// YAMLRepository stores reconciliation reports as YAML files laid out as
// reports/<run-id>/<domain>.yaml with a reports/<run-id>/summary.yaml.
type YAMLRepository struct {
	storage storage.Storage
}

// NewYAMLRepository creates a new YAML-backed report repository.
func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(runID, name string) string {
	return fmt.Sprintf("%s/%s/%s.yaml", reportsPrefix, runID, name)
}

func (r *YAMLRepository) Create(ctx context.Context, rep *report.Report) error {
	data, err := yaml.Marshal(rep)
	if err != nil {
		return cerr.NewError(cerr.Internal, "internal error", fmt.Errorf("failed to marshal report: %w", err))
	}
	if err := r.storage.Write(ctx, path(rep.RunID, rep.Domain.String()), data); err != nil {
		return cerr.WrapStorageWriteError("report", err)
	}
	return nil
}

func (r *YAMLRepository) CreateSummary(ctx context.Context, s *report.Summary) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return cerr.NewError(cerr.Internal, "internal error", fmt.Errorf("failed to marshal summary: %w", err))
	}
	if err := r.storage.Write(ctx, path(s.RunID, summaryName), data); err != nil {
		return cerr.WrapStorageWriteError("summary", err)
	}
	return nil
}

func (r *YAMLRepository) Get(ctx context.Context, runID string, domain record.Domain) (*report.Report, error) {
	data, err := r.storage.Read(ctx, path(runID, domain.String()))
	if err != nil {
		return nil, cerr.WrapStorageReadError("report", err)
	}
	var rep report.Report
	if err := yaml.Unmarshal(data, &rep); err != nil {
		return nil, cerr.NewError(cerr.Internal, "internal error", fmt.Errorf("failed to unmarshal report: %w", err))
	}
	return &rep, nil
}

func (r *YAMLRepository) GetSummary(ctx context.Context, runID string) (*report.Summary, error) {
	data, err := r.storage.Read(ctx, path(runID, summaryName))
	if err != nil {
		return nil, cerr.WrapStorageReadError("summary", err)
	}
	var s report.Summary
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, cerr.NewError(cerr.Internal, "internal error", fmt.Errorf("failed to unmarshal summary: %w", err))
	}
	return &s, nil
}

func (r *YAMLRepository) ListRuns(ctx context.Context) ([]string, error) {
	runs, err := r.storage.ListDirs(ctx, reportsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("reports", err)
	}
	sort.Strings(runs)
	return runs, nil
}

func (r *YAMLRepository) DeleteRun(ctx context.Context, runID string) error {
	paths, err := r.storage.List(ctx, fmt.Sprintf("%s/%s", reportsPrefix, runID))
	if err != nil {
		return cerr.WrapStorageReadError("reports", err)
	}
	for _, p := range paths {
		if err := r.storage.Delete(ctx, p); err != nil {
			return cerr.WrapStorageDeleteError("report", err)
		}
	}
	return nil
}
