package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const hostBaseURL = "https://github.com"

// DependsOnMarker introduces a dependency declaration line in a change
// request description. Matching is case-insensitive.
const DependsOnMarker = "depends on:"

// ChangeID identifies a change request globally. Its string form is the
// canonical hosted-review URL and doubles as the graph node key and the
// persisted identity, so ParseChangeID must be the exact inverse of String.
type ChangeID struct {
	Repo   RepositoryID
	Number int
}

// String returns the canonical review URL for the change.
func (c ChangeID) String() string {
	return fmt.Sprintf("%s/%s/pull/%d", hostBaseURL, c.Repo, c.Number)
}

// ParseChangeID parses a change reference. Accepted forms:
//
//	https://github.com/org/name/pull/17
//	org/name#17
//	name#17   (default organization)
//	#17       (resolved against owner)
func ParseChangeID(s string, owner RepositoryID) (ChangeID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChangeID{}, fmt.Errorf("empty change reference")
	}

	if rest, ok := strings.CutPrefix(s, hostBaseURL+"/"); ok {
		parts := strings.Split(rest, "/")
		if len(parts) != 4 || parts[2] != "pull" {
			return ChangeID{}, fmt.Errorf("malformed change URL %q", s)
		}
		n, err := strconv.Atoi(parts[3])
		if err != nil || n <= 0 {
			return ChangeID{}, fmt.Errorf("malformed change number in %q", s)
		}
		return ChangeID{Repo: RepositoryID{Organization: parts[0], Name: parts[1]}, Number: n}, nil
	}

	repoPart, numPart, ok := strings.Cut(s, "#")
	if !ok {
		return ChangeID{}, fmt.Errorf("unrecognized change reference %q", s)
	}
	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return ChangeID{}, fmt.Errorf("malformed change number in %q", s)
	}
	if repoPart == "" {
		if owner.IsZero() {
			return ChangeID{}, fmt.Errorf("short reference %q needs an owning repository", s)
		}
		return ChangeID{Repo: owner, Number: n}, nil
	}
	return ChangeID{Repo: ParseRepositoryID(repoPart), Number: n}, nil
}

// ChangeRequest is a hosted review unit fetched from the provider each cycle.
type ChangeRequest struct {
	ID           ChangeID
	Title        string
	Description  string
	TargetBranch string
	Draft        bool
	Locked       bool
	Merged       bool
	Labels       []string
	UpdatedAt    time.Time
}

// HasLabel reports whether the change carries the label, case-insensitively.
func (c *ChangeRequest) HasLabel(name string) bool {
	for _, l := range c.Labels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}

// HasAnyLabel reports whether the change carries any of the given labels.
func (c *ChangeRequest) HasAnyLabel(names []string) bool {
	for _, n := range names {
		if c.HasLabel(n) {
			return true
		}
	}
	return false
}

// DeclaredDependencies parses dependency declarations from the description.
// Every line starting with DependsOnMarker contributes one reference. A
// single malformed reference poisons the whole change: the error identifies
// the offending token and the caller must exclude the change entirely.
func (c *ChangeRequest) DeclaredDependencies() ([]ChangeID, error) {
	var deps []ChangeID
	for _, line := range strings.Split(c.Description, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < len(DependsOnMarker) || !strings.EqualFold(line[:len(DependsOnMarker)], DependsOnMarker) {
			continue
		}
		ref := strings.TrimSpace(line[len(DependsOnMarker):])
		id, err := ParseChangeID(ref, c.ID.Repo)
		if err != nil {
			return nil, fmt.Errorf("change %s declares invalid dependency: %w", c.ID, err)
		}
		deps = append(deps, id)
	}
	return deps, nil
}
