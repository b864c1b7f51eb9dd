package integration

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/gitcmd"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/hosting"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/resolver"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/state"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/storage"
)

// Git is the subset of the VCS adapter the orchestrator drives.
type Git interface {
	EnsureClone(ctx context.Context, repo models.RepositoryID) (string, error)
	Checkout(ctx context.Context, dir, ref string) error
	CreateBranch(ctx context.Context, dir, name, startPoint string) error
	DeleteLocalBranch(ctx context.Context, dir, name string) error
	RemoteBranchExists(ctx context.Context, dir, name string) bool
	FetchChange(ctx context.Context, dir string, number int, branch string) error
	Merge(ctx context.Context, dir, ref, message string) error
	AbortMerge(ctx context.Context, dir string) error
	HasChanges(ctx context.Context, dir string) (bool, error)
	CommitAll(ctx context.Context, dir, message, authorName, authorEmail string, allowEmpty bool) error
	Push(ctx context.Context, dir, branch string, force bool) error
	PushBranchTo(ctx context.Context, dir, localRef, remoteBranch string) error
	Head(ctx context.Context, dir, ref string) (string, error)
	Log(ctx context.Context, dir, ref string, limit int) ([]models.Commit, error)
}

// Formatter is the formatting-normalization side of the build tool.
type Formatter interface {
	Available(dir string) bool
	ApplyFormatting(ctx context.Context, dir string) error
}

// Branches names the branches one rebuild works with.
type Branches struct {
	Default     string
	Integration string
	Overlay     string
	Error       string
}

// Outcome reports one repository's rebuild.
type Outcome struct {
	State            *state.BranchState
	Merged           []models.ChangeID
	Dropped          []models.ChangeID
	Escalated        bool
	EscalationReason string
}

// Orchestrator rebuilds integration branches. One orchestrator processes
// one repository at a time; working copies are never shared.
type Orchestrator struct {
	git                Git
	host               hosting.Client
	formatter          Formatter
	archive            *storage.Archive
	nonRevertibleLabel string
	dryRun             bool
	log                zerolog.Logger
}

// NewOrchestrator wires the orchestrator. archive may be nil.
func NewOrchestrator(git Git, host hosting.Client, formatter Formatter, archive *storage.Archive, nonRevertibleLabel string, dryRun bool, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		git:                git,
		host:               host,
		formatter:          formatter,
		archive:            archive,
		nonRevertibleLabel: nonRevertibleLabel,
		dryRun:             dryRun,
		log:                log,
	}
}

// PriorState recovers the persisted state from the integration branch tip,
// tolerating a few intervening maintenance commits.
func (o *Orchestrator) PriorState(ctx context.Context, dir string, branches Branches) (*state.BranchState, bool) {
	commits, err := o.git.Log(ctx, dir, "origin/"+branches.Integration, state.SearchDepth)
	if err != nil {
		// Discovery failure means absence, not error.
		return nil, false
	}
	return state.FromCommits(commits)
}

// TearDown deletes a stale integration branch.
func (o *Orchestrator) TearDown(ctx context.Context, repo models.RepositoryID, branches Branches) error {
	if o.dryRun {
		o.log.Info().Str("repo", repo.String()).Str("branch", branches.Integration).Msg("dry run: would delete stale integration branch")
		return nil
	}
	o.log.Info().Str("repo", repo.String()).Str("branch", branches.Integration).Msg("deleting stale integration branch")
	return o.host.DeleteBranch(ctx, repo, branches.Integration)
}

// Rebuild replays the resolved changes onto a fresh integration branch and
// commits the new state. A failed merge of a revertible change drops the
// change; a failed merge of a non-revertible, previously included change
// (or of the overlay branch) escalates, publishing the pre-merge tip to the
// error branch and halting this repository's cycle.
func (o *Orchestrator) Rebuild(ctx context.Context, repo models.RepositoryID, branches Branches, res *resolver.Result, prior *state.BranchState, skipFormatting bool) (*Outcome, error) {
	log := o.log.With().Str("repo", repo.String()).Logger()

	dir, err := o.git.EnsureClone(ctx, repo)
	if err != nil {
		return nil, err
	}

	// Reset: recreate the integration branch from the default branch tip.
	if err := o.git.Checkout(ctx, dir, branches.Default); err != nil {
		return nil, err
	}
	if err := o.git.CreateBranch(ctx, dir, branches.Integration, "origin/"+branches.Default); err != nil {
		return nil, err
	}

	outcome := &Outcome{}
	for _, change := range res.Ordered {
		if err := o.replay(ctx, dir, branches, change); err != nil {
			if !errors.Is(err, gitcmd.ErrMergeConflict) {
				return nil, err
			}
			if change.HasLabel(o.nonRevertibleLabel) && prior != nil && prior.Includes(change.ID) {
				reason := fmt.Sprintf("non-revertible change %s no longer merges", change.ID)
				if err := o.escalate(ctx, repo, dir, branches, change.ID.String(), reason); err != nil {
					return nil, err
				}
				outcome.Escalated = true
				outcome.EscalationReason = reason
				return outcome, nil
			}
			log.Warn().Str("change", change.ID.String()).Msg("change does not merge cleanly, dropping for this cycle")
			outcome.Dropped = append(outcome.Dropped, change.ID)
			continue
		}
		outcome.Merged = append(outcome.Merged, change.ID)
	}

	if o.git.RemoteBranchExists(ctx, dir, branches.Overlay) {
		if err := o.git.Merge(ctx, dir, "origin/"+branches.Overlay, "Merge "+branches.Overlay); err != nil {
			if !errors.Is(err, gitcmd.ErrMergeConflict) {
				return nil, err
			}
			if abortErr := o.git.AbortMerge(ctx, dir); abortErr != nil {
				return nil, abortErr
			}
			reason := "overlay branch " + branches.Overlay + " does not merge"
			if err := o.escalate(ctx, repo, dir, branches, "", reason); err != nil {
				return nil, err
			}
			outcome.Escalated = true
			outcome.EscalationReason = reason
			return outcome, nil
		}
	}

	if !skipFormatting && o.formatter != nil && o.formatter.Available(dir) {
		if err := o.normalize(ctx, dir); err != nil {
			return nil, err
		}
	}

	outcome.State = o.buildState(res, prior, outcome.Merged)
	if err := o.commitState(ctx, dir, outcome.State); err != nil {
		return nil, err
	}

	if o.dryRun {
		log.Info().Str("branch", branches.Integration).Msg("dry run: skipping integration branch push")
		return outcome, nil
	}
	if err := o.git.Push(ctx, dir, branches.Integration, true); err != nil {
		return nil, err
	}
	log.Info().Int("merged", len(outcome.Merged)).Int("dropped", len(outcome.Dropped)).Msg("integration branch rebuilt")
	return outcome, nil
}

// replay fetches one change into a throwaway branch and merges it into the
// integration branch. On conflict the merge is aborted and
// gitcmd.ErrMergeConflict is returned.
func (o *Orchestrator) replay(ctx context.Context, dir string, branches Branches, change *models.ChangeRequest) error {
	temp := fmt.Sprintf("mergemaster/change-%d", change.ID.Number)
	if err := o.git.DeleteLocalBranch(ctx, dir, temp); err != nil {
		return err
	}
	if err := o.git.FetchChange(ctx, dir, change.ID.Number, temp); err != nil {
		return err
	}
	defer func() {
		_ = o.git.DeleteLocalBranch(ctx, dir, temp)
	}()

	if err := o.git.Checkout(ctx, dir, branches.Integration); err != nil {
		return err
	}
	if err := o.git.Merge(ctx, dir, temp, "Merge "+change.ID.String()); err != nil {
		if abortErr := o.git.AbortMerge(ctx, dir); abortErr != nil {
			return abortErr
		}
		return err
	}
	return nil
}

// escalate publishes the integration branch's pre-failure tip to the error
// branch and archives a snapshot for operators.
func (o *Orchestrator) escalate(ctx context.Context, repo models.RepositoryID, dir string, branches Branches, failedChange, reason string) error {
	o.log.Error().Str("repo", repo.String()).Str("reason", reason).Msg("escalating integration failure")

	tip := ""
	if sha, err := o.git.Head(ctx, dir, branches.Integration); err == nil {
		tip = sha
	}
	if !o.dryRun {
		if err := o.git.PushBranchTo(ctx, dir, branches.Integration, branches.Error); err != nil {
			return err
		}
	}
	if o.archive != nil {
		snap := storage.EscalationSnapshot{
			FailedChange:  failedChange,
			ErrorBranch:   branches.Error,
			IntegrationAt: tip,
			Reason:        reason,
		}
		if err := o.archive.SaveEscalation(ctx, repo, snap); err != nil {
			o.log.Warn().Err(err).Msg("escalation snapshot archive failed")
		}
	}
	return nil
}

// normalize runs the formatting pass and commits its output separately.
func (o *Orchestrator) normalize(ctx context.Context, dir string) error {
	if err := o.formatter.ApplyFormatting(ctx, dir); err != nil {
		return err
	}
	dirty, err := o.git.HasChanges(ctx, dir)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return o.git.CommitAll(ctx, dir, "Apply formatting", state.CommitAuthorName, state.CommitAuthorEmail, false)
}

// buildState derives the new persisted state: merged changes, previously
// included changes that disappeared, and the resolver's cross-repo
// dependencies.
func (o *Orchestrator) buildState(res *resolver.Result, prior *state.BranchState, merged []models.ChangeID) *state.BranchState {
	st := &state.BranchState{
		Included:     merged,
		Dependencies: res.CrossRepo,
	}
	mergedSet := make(map[models.ChangeID]bool, len(merged))
	for _, id := range merged {
		mergedSet[id] = true
	}
	if prior != nil {
		for _, id := range prior.Included {
			if !mergedSet[id] {
				st.Removed = append(st.Removed, id)
			}
		}
	}
	return st
}

func (o *Orchestrator) commitState(ctx context.Context, dir string, st *state.BranchState) error {
	body, err := st.Encode()
	if err != nil {
		return err
	}
	message := state.CommitSubject + "\n\n" + body
	return o.git.CommitAll(ctx, dir, message, state.CommitAuthorName, state.CommitAuthorEmail, true)
}
