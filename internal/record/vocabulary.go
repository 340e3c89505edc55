package record

// Permission vocabularies per domain. Bamboo accepts these as opaque strings
// and rejects unknown ones server side, so the reconciler treats them as
// advisory rather than a validation table.

// Scoped permissions shared across plan, project and deployment domains.
const (
	PermAdminister = "ADMINISTER"
	PermBuild      = "BUILD"
	PermClone      = "CLONE"
	PermCreate     = "CREATE"
	PermDeploy     = "DEPLOY"
	PermEdit       = "EDIT"
	PermView       = "VIEW"

	PermViewConfiguration = "VIEWCONFIGURATION"
)

// Global permissions.
const (
	PermAccess                   = "ACCESS"
	PermCreatePlan               = "CREATEPLAN"
	PermAdministration           = "ADMINISTRATION"
	PermRestrictedAdministration = "RESTRICTEDADMINISTRATION"
)

// Vocabulary returns the advisory permission set for a domain.
func Vocabulary(d Domain) []string {
	switch d {
	case DomainGlobal:
		return []string{PermAccess, PermCreatePlan, PermAdministration, PermRestrictedAdministration}
	case DomainBuildPlan:
		return []string{PermView, PermViewConfiguration, PermEdit, PermBuild, PermClone, PermAdminister}
	case DomainProject:
		return []string{PermView, PermCreate, PermAdminister}
	case DomainDeployment:
		return []string{PermCreate}
	case DomainDeploymentProject:
		return []string{PermView, PermEdit, PermAdminister}
	case DomainDeploymentEnvironment:
		return []string{PermView, PermEdit, PermDeploy}
	default:
		return nil
	}
}
