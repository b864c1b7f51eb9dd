package models

import "strings"

// DefaultOrganization is assumed when a repository reference carries no
// organization segment.
const DefaultOrganization = "GTNewHorizons"

// RepositoryID identifies a hosted repository as an (organization, name) pair.
type RepositoryID struct {
	Organization string
	Name         string
}

// ParseRepositoryID parses "organization/name"; a bare name implies the
// default organization.
func ParseRepositoryID(s string) RepositoryID {
	s = strings.TrimSpace(s)
	if org, name, ok := strings.Cut(s, "/"); ok {
		return RepositoryID{Organization: org, Name: name}
	}
	return RepositoryID{Organization: DefaultOrganization, Name: s}
}

// String returns the canonical "organization/name" form.
func (r RepositoryID) String() string {
	return r.Organization + "/" + r.Name
}

// IsZero reports whether the identifier is empty.
func (r RepositoryID) IsZero() bool {
	return r.Organization == "" && r.Name == ""
}
