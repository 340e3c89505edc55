package desired

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/bambooguild/internal/record"
	"github.com/kazz187/bambooguild/pkg/cerr"
)

// Sentinel causes for desired-state failures. Both are fatal to a run: the
// reconciler cannot proceed without a trustworthy desired state.
var (
	// ErrParse marks a document that is not well-formed YAML.
	ErrParse = errors.New("desired state not parseable")
	// ErrSchema marks a well-formed document missing a required key.
	ErrSchema = errors.New("desired state schema violation")
)

// State holds the desired records for every domain, parsed once per run and
// sliced per domain by the reconciler.
type State map[record.Domain]record.Set

// Domain returns the desired record set for a domain. A domain that parsed to
// no entries yields an empty set, never nil.
func (s State) Domain(d record.Domain) record.Set {
	if set, ok := s[d]; ok {
		return set
	}
	return record.NewSet()
}

// domainKeys maps each domain to its top-level document key. The key names
// match the documents produced by the permission export, so an exported
// current state is itself a valid desired state.
var domainKeys = map[record.Domain]string{
	record.DomainGlobal:                "global_permissions",
	record.DomainBuildPlan:             "build_plan_permissions",
	record.DomainProject:               "project_permissions",
	record.DomainDeployment:            "deployment_permissions",
	record.DomainDeploymentProject:     "deployment_project_permissions",
	record.DomainDeploymentEnvironment: "deployment_environment_permissions",
}

// subjectEntry is one subject with its granted permission list. Exactly one
// of Name/Group identifies the subject.
type subjectEntry struct {
	Name        string   `yaml:"name,omitempty"`
	Group       string   `yaml:"group,omitempty"`
	Permissions []string `yaml:"permissions"`
}

// scopeEntry names a scope (plan, project, deployment or environment) and
// holds the subject entries granted within it.
type scopeEntry struct {
	Name          string         `yaml:"name"`
	ProjectKey    string         `yaml:"project_key,omitempty"`
	EnvironmentID string         `yaml:"environment_id,omitempty"`
	Permissions   []subjectEntry `yaml:"permissions"`
}

// Load reads and parses the desired-state document at path.
func Load(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "cannot read desired state file", err)
	}
	return Parse(data)
}

// Parse decodes a desired-state document into per-domain record sets. All six
// domain keys must be present (an intentionally empty domain is an empty
// list, not an absent key), and every subject entry expands to one record per
// listed permission with value=true.
func Parse(data []byte) (State, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "malformed desired state document",
			fmt.Errorf("%w: %w", ErrParse, err))
	}

	state := make(State, len(record.Domains))
	for _, domain := range record.Domains {
		key := domainKeys[domain]
		node, ok := doc[key]
		if !ok {
			return nil, schemaError(fmt.Sprintf("missing domain key %q", key))
		}
		set, err := parseDomain(domain, node)
		if err != nil {
			return nil, err
		}
		warnUnknownPermissions(domain, set)
		state[domain] = set
	}
	return state, nil
}

// warnUnknownPermissions flags permission names outside the domain's known
// vocabulary. Bamboo rejects unknown names server side, so this is a
// heads-up at parse time, not a validation failure.
func warnUnknownPermissions(domain record.Domain, set record.Set) {
	known := map[string]bool{}
	for _, p := range record.Vocabulary(domain) {
		known[p] = true
	}
	warned := map[string]bool{}
	for _, r := range set.Records() {
		if known[r.Permission] || warned[r.Permission] {
			continue
		}
		warned[r.Permission] = true
		slog.Warn("permission name outside the known vocabulary",
			"domain", domain, "permission", r.Permission)
	}
}

func parseDomain(domain record.Domain, node yaml.Node) (record.Set, error) {
	set := record.NewSet()
	if node.Kind == 0 || node.Tag == "!!null" {
		// Key present with an empty value: treated as an empty list.
		return set, nil
	}

	if !domain.Scoped() {
		var entries []subjectEntry
		if err := node.Decode(&entries); err != nil {
			return nil, cerr.NewError(cerr.InvalidArgument, "malformed desired state document",
				fmt.Errorf("%w: domain %s: %w", ErrParse, domain, err))
		}
		for _, entry := range entries {
			if err := expand(domain, entry, scopeEntry{}, set); err != nil {
				return nil, err
			}
		}
		return set, nil
	}

	var scopes []scopeEntry
	if err := node.Decode(&scopes); err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "malformed desired state document",
			fmt.Errorf("%w: domain %s: %w", ErrParse, domain, err))
	}
	for _, scope := range scopes {
		if err := validateScope(domain, scope); err != nil {
			return nil, err
		}
		for _, entry := range scope.Permissions {
			if err := expand(domain, entry, scope, set); err != nil {
				return nil, err
			}
		}
	}
	return set, nil
}

func validateScope(domain record.Domain, scope scopeEntry) error {
	if scope.Name == "" {
		return schemaError(fmt.Sprintf("domain %s: scope entry without name", domain))
	}
	switch domain {
	case record.DomainBuildPlan:
		if scope.ProjectKey == "" {
			return schemaError(fmt.Sprintf("domain %s: plan %s missing project_key", domain, scope.Name))
		}
	case record.DomainDeploymentEnvironment:
		if scope.ProjectKey == "" {
			return schemaError(fmt.Sprintf("domain %s: environment %s missing project_key", domain, scope.Name))
		}
		if scope.EnvironmentID == "" {
			return schemaError(fmt.Sprintf("domain %s: environment %s missing environment_id", domain, scope.Name))
		}
	}
	return nil
}

// expand turns one subject entry into one record per listed permission.
func expand(domain record.Domain, entry subjectEntry, scope scopeEntry, set record.Set) error {
	if entry.Permissions == nil {
		return schemaError(fmt.Sprintf("domain %s: subject %q has no permission list",
			domain, entry.Name+entry.Group))
	}
	for _, perm := range entry.Permissions {
		r := record.Record{
			User:       entry.Name,
			Group:      entry.Group,
			Permission: perm,
			Value:      true,
		}
		switch domain {
		case record.DomainBuildPlan:
			r.PlanKey = scope.Name
			r.ProjectKey = scope.ProjectKey
		case record.DomainProject, record.DomainDeploymentProject:
			r.ProjectKey = scope.Name
		case record.DomainDeploymentEnvironment:
			r.ProjectKey = scope.ProjectKey
			r.EnvironmentID = scope.EnvironmentID
		case record.DomainDeployment:
			// Deployment grants are unscoped on the Bamboo side; the scope
			// name only groups subjects in the document.
		}
		if err := r.Validate(); err != nil {
			return schemaError(fmt.Sprintf("domain %s: %v", domain, err))
		}
		set.Add(r)
	}
	return nil
}

func schemaError(msg string) error {
	return cerr.NewError(cerr.InvalidArgument, "invalid desired state document",
		fmt.Errorf("%w: %s", ErrSchema, msg))
}
