package diff

import (
	"github.com/pmezard/go-difflib/difflib"

	"github.com/kazz187/bambooguild/internal/record"
)

// Result is the three-way classification of one domain's records. Every record
// in the union of current and desired lands in exactly one bucket.
type Result struct {
	Added     record.Set // present in desired only, must be granted
	Removed   record.Set // present in current only, must be revoked
	Unchanged record.Set // present in both, no action
}

// Diff set-compares current against desired state:
//
//	added     = desired − current
//	removed   = current − desired
//	unchanged = current ∩ desired
//
// Comparison is structural over identity, scope qualifiers and permission.
// Value never participates: records are presence-only, so there is no
// "change value" classification.
func Diff(current, desired record.Set) Result {
	res := Result{
		Added:     record.NewSet(),
		Removed:   record.NewSet(),
		Unchanged: record.NewSet(),
	}
	for _, r := range desired {
		if current.Has(r) {
			res.Unchanged.Add(r)
		} else {
			res.Added.Add(r)
		}
	}
	for _, r := range current {
		if !desired.Has(r) {
			res.Removed.Add(r)
		}
	}
	return res
}

// Empty reports whether the diff requires no apply calls.
func (r Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0
}

// Unified renders current vs. desired as a unified text diff for human
// review. Both sides are sorted by identity then permission so the output is
// deterministic.
func Unified(domain record.Domain, current, desired record.Set) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        lines(current),
		B:        lines(desired),
		FromFile: domain.String() + " (current)",
		ToFile:   domain.String() + " (desired)",
		Context:  3,
	})
}

func lines(s record.Set) []string {
	records := s.Records()
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.String()+"\n")
	}
	return out
}
