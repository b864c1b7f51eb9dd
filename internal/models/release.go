package models

// Variant selects which branch of a repository a release target promotes.
type Variant int

const (
	// VariantStable releases the repository's default branch.
	VariantStable Variant = iota
	// VariantExperimental releases the integration branch with a
	// pre-release version suffix.
	VariantExperimental
)

// String returns a short name used in log output and graph keys.
func (v Variant) String() string {
	if v == VariantExperimental {
		return "experimental"
	}
	return "stable"
}

// ReleaseTarget is a (repository, variant) pair eligible for independent
// version tagging. Targets form the node set of the cross-repo scheduler.
type ReleaseTarget struct {
	Repo    RepositoryID
	Variant Variant
}

// Key returns the graph node key for the target.
func (t ReleaseTarget) Key() string {
	return t.Repo.String() + "@" + t.Variant.String()
}

func (t ReleaseTarget) String() string {
	return t.Key()
}
