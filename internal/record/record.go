package record

import (
	"fmt"
	"sort"
	"strings"
)

// Domain identifies one of the six Bamboo permission scopes. Reconciliation
// always walks domains in the order given by Domains.
type Domain string

const (
	DomainGlobal                Domain = "global"
	DomainBuildPlan             Domain = "build_plan"
	DomainProject               Domain = "project"
	DomainDeployment            Domain = "deployment"
	DomainDeploymentProject     Domain = "deployment_project"
	DomainDeploymentEnvironment Domain = "deployment_environment"
)

// Domains lists every permission domain in reconciliation order. The order is
// fixed so that report output stays stable between runs.
var Domains = []Domain{
	DomainGlobal,
	DomainBuildPlan,
	DomainProject,
	DomainDeployment,
	DomainDeploymentProject,
	DomainDeploymentEnvironment,
}

func (d Domain) String() string {
	return string(d)
}

func (d Domain) Valid() bool {
	switch d {
	case DomainGlobal, DomainBuildPlan, DomainProject,
		DomainDeployment, DomainDeploymentProject, DomainDeploymentEnvironment:
		return true
	}
	return false
}

// Scoped reports whether desired-state entries for the domain are nested
// under a scope name (plan, project, deployment or environment).
func (d Domain) Scoped() bool {
	return d != DomainGlobal
}

// SubjectKind distinguishes user grants from group grants.
type SubjectKind string

const (
	KindUser  SubjectKind = "user"
	KindGroup SubjectKind = "group"
)

// Record is the normalized unit of grant: who has what, where. Exactly one of
// User/Group is set. Value is always true for a materialized record; Bamboo
// has no explicit negative grant, absence means not granted. Value is kept in
// the serialized form for fidelity with exported permission documents but is
// never part of the comparison identity.
type Record struct {
	User          string `yaml:"user,omitempty" json:"user,omitempty"`
	Group         string `yaml:"group,omitempty" json:"group,omitempty"`
	Permission    string `yaml:"permission" json:"permission"`
	ProjectKey    string `yaml:"project_key,omitempty" json:"project_key,omitempty"`
	PlanKey       string `yaml:"plan_key,omitempty" json:"plan_key,omitempty"`
	EnvironmentID string `yaml:"environment_id,omitempty" json:"environment_id,omitempty"`
	Value         bool   `yaml:"value" json:"value"`
}

// Validate checks the structural invariants: exactly one subject identity and
// a non-empty permission. Per-domain permission vocabularies are advisory
// and not enforced here.
func (r Record) Validate() error {
	if r.User == "" && r.Group == "" {
		return fmt.Errorf("record has neither user nor group identity")
	}
	if r.User != "" && r.Group != "" {
		return fmt.Errorf("record has both user %q and group %q", r.User, r.Group)
	}
	if r.Permission == "" {
		return fmt.Errorf("record has no permission")
	}
	return nil
}

// SubjectKind returns whether the record grants to a user or a group.
func (r Record) SubjectKind() SubjectKind {
	if r.Group != "" {
		return KindGroup
	}
	return KindUser
}

// SubjectName returns the user or group name, whichever is set.
func (r Record) SubjectName() string {
	if r.Group != "" {
		return r.Group
	}
	return r.User
}

// Key is the comparison identity: subject + scope qualifiers + permission.
// Value is excluded, so a record is either present or absent with no
// true-to-false transition. Identity fields come before the permission so
// that sorting keys orders records by identity first.
func (r Record) Key() string {
	return strings.Join([]string{
		string(r.SubjectKind()),
		r.SubjectName(),
		r.ProjectKey,
		r.PlanKey,
		r.EnvironmentID,
		r.Permission,
	}, "\x00")
}

func (r Record) String() string {
	parts := []string{fmt.Sprintf("%s:%s", r.SubjectKind(), r.SubjectName())}
	if r.ProjectKey != "" {
		parts = append(parts, "project="+r.ProjectKey)
	}
	if r.PlanKey != "" {
		parts = append(parts, "plan="+r.PlanKey)
	}
	if r.EnvironmentID != "" {
		parts = append(parts, "environment="+r.EnvironmentID)
	}
	parts = append(parts, r.Permission)
	return strings.Join(parts, " ")
}

// Set holds records unique by comparison identity. Adding a duplicate is a
// no-op, which keeps diffs pure set operations even when the source document
// repeats an entry.
type Set map[string]Record

func NewSet(records ...Record) Set {
	s := make(Set, len(records))
	for _, r := range records {
		s.Add(r)
	}
	return s
}

func (s Set) Add(r Record) {
	if _, ok := s[r.Key()]; ok {
		return
	}
	s[r.Key()] = r
}

func (s Set) Has(r Record) bool {
	_, ok := s[r.Key()]
	return ok
}

// Records returns the set's contents sorted by identity then permission.
func (s Set) Records() []Record {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		records = append(records, s[k])
	}
	return records
}
