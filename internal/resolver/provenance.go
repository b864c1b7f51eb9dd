package resolver

import (
	"context"
	"regexp"
	"strconv"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
)

// Merge commits and squash commits reference the originating change in the
// subject line; both provider styles are recognized.
var (
	mergeSubjectPattern  = regexp.MustCompile(`^Merge pull request #(\d+) `)
	squashSubjectPattern = regexp.MustCompile(`\(#(\d+)\)$`)
)

// ChangeIDsFromCommits derives a change allow-list from commit subjects,
// newest first, deduplicated. Commits whose subject references no change
// are ignored.
func ChangeIDsFromCommits(repo models.RepositoryID, commits []models.Commit) []models.ChangeID {
	seen := make(map[int]bool)
	var out []models.ChangeID
	for _, c := range commits {
		n := changeNumberFromSubject(c.Subject)
		if n == 0 || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, models.ChangeID{Repo: repo, Number: n})
	}
	return out
}

// StableState reconstructs the default branch's change set and cross-repo
// dependency set from its recent merge history. Changes whose dependency
// declarations no longer parse keep their place in the change set but
// contribute no dependencies.
func (r *Resolver) StableState(ctx context.Context, repo models.RepositoryID, commits []models.Commit) (included, crossRepo []models.ChangeID, err error) {
	allow := ChangeIDsFromCommits(repo, commits)
	merged, err := r.ResolveMerged(ctx, repo, allow)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[models.ChangeID]bool)
	for _, c := range merged {
		included = append(included, c.ID)
		declared, err := c.DeclaredDependencies()
		if err != nil {
			r.log.Warn().Str("change", c.ID.String()).Err(err).Msg("merged change has invalid dependency declaration")
			continue
		}
		for _, dep := range declared {
			if dep.Repo == repo || seen[dep] {
				continue
			}
			seen[dep] = true
			crossRepo = append(crossRepo, dep)
		}
	}
	return included, crossRepo, nil
}

func changeNumberFromSubject(subject string) int {
	if m := mergeSubjectPattern.FindStringSubmatch(subject); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if m := squashSubjectPattern.FindStringSubmatch(subject); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}
