package desired

import (
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/bambooguild/internal/record"
)

// document mirrors the desired-state file layout. All six keys are always
// emitted so the output parses back without schema errors.
type document struct {
	Global                []subjectEntry `yaml:"global_permissions"`
	BuildPlan             []scopeEntry   `yaml:"build_plan_permissions"`
	Project               []scopeEntry   `yaml:"project_permissions"`
	Deployment            []scopeEntry   `yaml:"deployment_permissions"`
	DeploymentProject     []scopeEntry   `yaml:"deployment_project_permissions"`
	DeploymentEnvironment []scopeEntry   `yaml:"deployment_environment_permissions"`
}

// Marshal serializes per-domain record sets into the desired-state document
// format. The output of a fetch is a valid input for a later plan or apply.
func Marshal(state State) ([]byte, error) {
	doc := document{
		Global:                exportSubjects(state.Domain(record.DomainGlobal).Records()),
		BuildPlan:             exportScopes(record.DomainBuildPlan, state.Domain(record.DomainBuildPlan)),
		Project:               exportScopes(record.DomainProject, state.Domain(record.DomainProject)),
		Deployment:            exportScopes(record.DomainDeployment, state.Domain(record.DomainDeployment)),
		DeploymentProject:     exportScopes(record.DomainDeploymentProject, state.Domain(record.DomainDeploymentProject)),
		DeploymentEnvironment: exportScopes(record.DomainDeploymentEnvironment, state.Domain(record.DomainDeploymentEnvironment)),
	}
	return yaml.Marshal(doc)
}

// exportSubjects folds a flat record list into subject entries, one entry per
// subject with its permissions sorted. Records() yields records sorted by
// subject first, so one pass suffices.
func exportSubjects(records []record.Record) []subjectEntry {
	entries := []subjectEntry{}
	for _, r := range records {
		if n := len(entries); n > 0 &&
			entries[n-1].Name == r.User && entries[n-1].Group == r.Group {
			entries[n-1].Permissions = append(entries[n-1].Permissions, r.Permission)
			continue
		}
		entries = append(entries, subjectEntry{
			Name:        r.User,
			Group:       r.Group,
			Permissions: []string{r.Permission},
		})
	}
	return entries
}

func exportScopes(domain record.Domain, set record.Set) []scopeEntry {
	grouped := map[string][]record.Record{}
	for _, r := range set.Records() {
		key := scopeKeyOf(domain, r)
		grouped[key] = append(grouped[key], r)
	}
	keys := make([]string, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	scopes := make([]scopeEntry, 0, len(keys))
	for _, key := range keys {
		records := grouped[key]
		scope := scopeEntry{
			Name:        scopeNameOf(domain, records[0]),
			Permissions: exportSubjects(records),
		}
		switch domain {
		case record.DomainBuildPlan:
			scope.ProjectKey = records[0].ProjectKey
		case record.DomainDeploymentEnvironment:
			scope.ProjectKey = records[0].ProjectKey
			scope.EnvironmentID = records[0].EnvironmentID
		}
		scopes = append(scopes, scope)
	}
	return scopes
}

func scopeKeyOf(domain record.Domain, r record.Record) string {
	switch domain {
	case record.DomainBuildPlan:
		return r.ProjectKey + "\x00" + r.PlanKey
	case record.DomainProject, record.DomainDeploymentProject:
		return r.ProjectKey
	case record.DomainDeploymentEnvironment:
		return r.ProjectKey + "\x00" + r.EnvironmentID
	default:
		// Deployment grants carry no scope qualifiers; everything folds into
		// a single entry.
		return ""
	}
}

func scopeNameOf(domain record.Domain, r record.Record) string {
	switch domain {
	case record.DomainBuildPlan:
		return r.PlanKey
	case record.DomainProject, record.DomainDeploymentProject:
		return r.ProjectKey
	case record.DomainDeploymentEnvironment:
		return r.EnvironmentID
	default:
		return "all"
	}
}
