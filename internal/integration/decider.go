// Package integration owns the integration branch: deciding whether it
// needs rebuilding, and the rebuild state machine itself.
package integration

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/state"
)

// Decision is the outcome of the incremental rebuild check.
type Decision int

const (
	// DecisionNone means the branch is current; reuse the prior state.
	DecisionNone Decision = iota
	// DecisionSkip means there is nothing to do at all.
	DecisionSkip
	// DecisionTearDown means the integration branch is stale and must be
	// deleted.
	DecisionTearDown
	// DecisionRebuild means the branch must be rebuilt from scratch.
	DecisionRebuild
)

func (d Decision) String() string {
	switch d {
	case DecisionSkip:
		return "skip"
	case DecisionTearDown:
		return "tear down"
	case DecisionRebuild:
		return "rebuild"
	default:
		return "none"
	}
}

// BranchStatus carries the upstream timestamps the decision consumes.
type BranchStatus struct {
	IntegrationExists bool
	IntegrationTip    time.Time
	OverlayExists     bool
	OverlayTip        time.Time
}

// Assessment is the decision plus the state diff that produced it.
type Assessment struct {
	Decision Decision
	Added    []models.ChangeID
	Removed  []models.ChangeID
}

// Assess runs the incremental rebuild decision table. It must be exact:
// a false negative silently drops changes from releases, a false positive
// is merely a wasted rebuild.
func Assess(resolved []*models.ChangeRequest, prior *state.BranchState, status BranchStatus, log zerolog.Logger) Assessment {
	if !status.OverlayExists && len(resolved) == 0 {
		if !status.IntegrationExists {
			return Assessment{Decision: DecisionSkip}
		}
		return Assessment{Decision: DecisionTearDown}
	}

	if !status.IntegrationExists || prior == nil {
		// Nothing to diff against; build from scratch.
		return Assessment{Decision: DecisionRebuild}
	}

	a := Assessment{}
	current := make(map[models.ChangeID]bool, len(resolved))
	for _, c := range resolved {
		current[c.ID] = true
		if !prior.Includes(c.ID) {
			a.Added = append(a.Added, c.ID)
		}
	}
	for _, id := range prior.Included {
		if !current[id] {
			a.Removed = append(a.Removed, id)
		}
	}
	if len(a.Added) > 0 || len(a.Removed) > 0 {
		a.Decision = DecisionRebuild
	}

	for _, c := range resolved {
		if c.UpdatedAt.After(status.IntegrationTip) {
			log.Debug().Str("change", c.ID.String()).Msg("change updated since last integration commit")
			a.Decision = DecisionRebuild
			break
		}
	}

	// Overlay freshness is informational only: overlay content is not
	// independently diffable, so it never forces or suppresses a rebuild.
	if status.OverlayExists && status.OverlayTip.After(status.IntegrationTip) {
		log.Info().Time("overlay", status.OverlayTip).Time("integration", status.IntegrationTip).
			Msg("overlay branch is newer than the integration branch")
	}

	return a
}
