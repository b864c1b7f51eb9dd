// Package resolver turns a repository's open change requests into a
// deterministic merge order. It applies the configured label policy, parses
// declared dependencies from change descriptions, and orders the surviving
// changes so that every change merges after the changes it depends on.
// Dependencies on changes in other repositories are extracted for the
// release scheduler.
package resolver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/config"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/graph"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/hosting"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
)

// mergedOverFetch bounds the provenance scan: fetch up to this multiple of
// the allow-list size to tolerate paging gaps between merges.
const mergedOverFetch = 3

// Excluded records a change dropped from the cycle and why.
type Excluded struct {
	ID     models.ChangeID
	Reason string
}

// Result is the resolver output for one repository.
type Result struct {
	// Ordered lists mergeable changes, dependencies first.
	Ordered []*models.ChangeRequest
	// CrossRepo lists declared dependencies owned by other repositories.
	CrossRepo []models.ChangeID
	// Excluded lists changes dropped because of invalid dependency
	// declarations.
	Excluded []Excluded
}

// Resolver builds per-repository change graphs.
type Resolver struct {
	host   hosting.Client
	policy config.LabelPolicy
	log    zerolog.Logger
}

// New constructs a Resolver with the given label policy.
func New(host hosting.Client, policy config.LabelPolicy, log zerolog.Logger) *Resolver {
	return &Resolver{host: host, policy: policy, log: log}
}

// Resolve fetches and orders the mergeable changes for a repository.
// external changes owned by the repository are spliced in verbatim,
// bypassing the label policy.
func (r *Resolver) Resolve(ctx context.Context, repo models.RepositoryID, targetBranch string, external []models.ChangeID) (*Result, error) {
	open, err := r.host.OpenChanges(ctx, repo, targetBranch)
	if err != nil {
		return nil, fmt.Errorf("list open changes for %s: %w", repo, err)
	}

	candidates := r.filter(open)
	candidates = r.splice(ctx, repo, candidates, external)

	result := &Result{}
	g := graph.New[*models.ChangeRequest]()

	// Two passes so the node set is complete before edges go in, and both
	// passes walk candidates in fetch order to keep the topological
	// tie-breaking deterministic across runs.
	type entry struct {
		key      string
		declared []models.ChangeID
	}
	var entries []entry
	for _, c := range candidates {
		declared, err := c.DeclaredDependencies()
		if err != nil {
			// An unparsable declaration poisons only the owning
			// change; its siblings keep their ordering.
			r.log.Warn().Str("change", c.ID.String()).Err(err).Msg("excluding change with invalid dependency")
			result.Excluded = append(result.Excluded, Excluded{ID: c.ID, Reason: err.Error()})
			continue
		}
		g.AddNode(c.ID.String(), c)
		entries = append(entries, entry{key: c.ID.String(), declared: declared})
	}

	seenCross := make(map[models.ChangeID]bool)
	for _, e := range entries {
		key := e.key
		for _, dep := range e.declared {
			depKey := dep.String()
			if !g.HasNode(depKey) {
				// A dependency outside the mergeable set still
				// participates in ordering as a synthetic node.
				g.AddNode(depKey, nil)
			}
			if err := g.AddDependency(key, depKey); err != nil {
				return nil, fmt.Errorf("dependency graph for %s: %w", repo, err)
			}
			if dep.Repo != repo && !seenCross[dep] {
				seenCross[dep] = true
				result.CrossRepo = append(result.CrossRepo, dep)
			}
		}
	}

	for _, key := range g.OverallOrder() {
		if c, _ := g.Payload(key); c != nil {
			result.Ordered = append(result.Ordered, c)
		}
	}
	return result, nil
}

// filter applies the label policy: blocking labels first, then the
// ready-label requirement.
func (r *Resolver) filter(changes []*models.ChangeRequest) []*models.ChangeRequest {
	var out []*models.ChangeRequest
	for _, c := range changes {
		if c.HasAnyLabel(r.policy.Blocking) {
			r.log.Debug().Str("change", c.ID.String()).Msg("skipping change with blocking label")
			continue
		}
		if !c.HasAnyLabel(r.policy.Ready) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// splice appends the configured external changes owned by the repository,
// fetched verbatim and exempt from the label policy.
func (r *Resolver) splice(ctx context.Context, repo models.RepositoryID, changes []*models.ChangeRequest, external []models.ChangeID) []*models.ChangeRequest {
	present := make(map[models.ChangeID]bool, len(changes))
	for _, c := range changes {
		present[c.ID] = true
	}
	for _, id := range external {
		if id.Repo != repo || present[id] {
			continue
		}
		c, err := r.host.Change(ctx, id)
		if err != nil {
			r.log.Warn().Str("change", id.String()).Err(err).Msg("external change not fetchable, skipping")
			continue
		}
		changes = append(changes, c)
	}
	return changes
}

// ResolveMerged reconstructs dependency provenance after the fact: it
// returns the recently merged changes matching the allow-list, in the
// allow-list's order. The fetch is bounded by a generous multiple of the
// allow-list size to tolerate paging gaps.
func (r *Resolver) ResolveMerged(ctx context.Context, repo models.RepositoryID, allow []models.ChangeID) ([]*models.ChangeRequest, error) {
	if len(allow) == 0 {
		return nil, nil
	}
	merged, err := r.host.MergedChanges(ctx, repo, mergedOverFetch*len(allow))
	if err != nil {
		return nil, fmt.Errorf("list merged changes for %s: %w", repo, err)
	}
	byID := make(map[models.ChangeID]*models.ChangeRequest, len(merged))
	for _, c := range merged {
		byID[c.ID] = c
	}
	var out []*models.ChangeRequest
	for _, id := range allow {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}
