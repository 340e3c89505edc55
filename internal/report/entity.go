package report

import (
	"time"

	"github.com/kazz187/bambooguild/internal/record"
)

// Report is the persisted outcome of one domain's reconciliation pass.
// Added and Removed are sorted by identity then permission so two runs over
// the same state serialize identically.
type Report struct {
	RunID       string          `yaml:"run_id" json:"run_id"`
	Domain      record.Domain   `yaml:"domain" json:"domain"`
	GeneratedAt time.Time       `yaml:"generated_at" json:"generated_at"`
	Added       []record.Record `yaml:"added" json:"added"`
	Removed     []record.Record `yaml:"removed" json:"removed"`
	Unchanged   []record.Record `yaml:"unchanged,omitempty" json:"unchanged,omitempty"`
	// FetchError is set when current state could not be retrieved and the
	// domain was skipped. The diff fields are empty in that case.
	FetchError string `yaml:"fetch_error,omitempty" json:"fetch_error,omitempty"`
	// ApplyFailures records every grant or revoke call that failed, each
	// attributed to its specific record. Remaining calls in the batch were
	// still attempted.
	ApplyFailures []ApplyFailure `yaml:"apply_failures,omitempty" json:"apply_failures,omitempty"`
}

// ApplyFailure attributes one failed grant or revoke to its record.
type ApplyFailure struct {
	Op     string        `yaml:"op" json:"op"` // "grant" or "revoke"
	Record record.Record `yaml:"record" json:"record"`
	Error  string        `yaml:"error" json:"error"`
}

// Summary aggregates one run across all domains. It is what the watch
// daemon's status endpoint serves and what the CLI prints at the end.
type Summary struct {
	RunID      string          `yaml:"run_id" json:"run_id"`
	StartedAt  time.Time       `yaml:"started_at" json:"started_at"`
	FinishedAt time.Time       `yaml:"finished_at" json:"finished_at"`
	DryRun     bool            `yaml:"dry_run" json:"dry_run"`
	Domains    []DomainOutcome `yaml:"domains" json:"domains"`
}

// DomainOutcome is one domain's line in the run summary.
type DomainOutcome struct {
	Domain        record.Domain `yaml:"domain" json:"domain"`
	Added         int           `yaml:"added" json:"added"`
	Removed       int           `yaml:"removed" json:"removed"`
	Unchanged     int           `yaml:"unchanged" json:"unchanged"`
	FailedApplies int           `yaml:"failed_applies,omitempty" json:"failed_applies,omitempty"`
	Skipped       bool          `yaml:"skipped,omitempty" json:"skipped,omitempty"`
	Error         string        `yaml:"error,omitempty" json:"error,omitempty"`
}

// Converged reports whether the run found and left nothing to change.
func (s *Summary) Converged() bool {
	for _, d := range s.Domains {
		if d.Added > 0 || d.Removed > 0 || d.FailedApplies > 0 || d.Skipped {
			return false
		}
	}
	return true
}

// FailureCount returns the number of failed applies plus skipped domains,
// used for the process exit status.
func (s *Summary) FailureCount() int {
	n := 0
	for _, d := range s.Domains {
		n += d.FailedApplies
		if d.Skipped {
			n++
		}
	}
	return n
}
