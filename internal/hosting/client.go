// Package hosting is the hosted-review API adapter. It exposes the data
// shapes the core consumes (change requests, branch metadata, pipeline runs)
// behind a small interface so the scheduling logic can be exercised against
// fakes.
package hosting

import (
	"context"
	"errors"
	"time"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
)

// ErrNotFound reports that a branch, change, or pipeline run is absent.
// Callers treat absence during discovery as a meaningful outcome, not a
// failure.
var ErrNotFound = errors.New("not found")

// BranchInfo is the branch metadata the core consumes.
type BranchInfo struct {
	Name        string
	SHA         string
	CommittedAt time.Time
}

// Pipeline run status/conclusion values, mirroring the provider's wire
// strings.
const (
	RunStatusCompleted = "completed"

	RunConclusionSuccess   = "success"
	RunConclusionCancelled = "cancelled"
)

// PipelineRun is a remote CI execution triggered by a push.
type PipelineRun struct {
	ID         int64
	Status     string
	Conclusion string
	HeadSHA    string
	Branch     string
}

// Done reports whether the run has finished, regardless of outcome.
func (p *PipelineRun) Done() bool {
	return p.Status == RunStatusCompleted
}

// Succeeded reports whether the run finished successfully.
func (p *PipelineRun) Succeeded() bool {
	return p.Done() && p.Conclusion == RunConclusionSuccess
}

// Client is the hosting-provider contract consumed by the core.
type Client interface {
	// OpenChanges returns every open, non-draft, non-locked change
	// targeting the given branch, paging internally.
	OpenChanges(ctx context.Context, repo models.RepositoryID, targetBranch string) ([]*models.ChangeRequest, error)
	// MergedChanges returns recently merged changes, newest first,
	// bounded by limit.
	MergedChanges(ctx context.Context, repo models.RepositoryID, limit int) ([]*models.ChangeRequest, error)
	// Change fetches a single change by id.
	Change(ctx context.Context, id models.ChangeID) (*models.ChangeRequest, error)
	// Branch returns branch metadata, or ErrNotFound.
	Branch(ctx context.Context, repo models.RepositoryID, name string) (*BranchInfo, error)
	// DeleteBranch removes a remote branch.
	DeleteBranch(ctx context.Context, repo models.RepositoryID, name string) error
	// PipelineRunFor locates the run triggered by the given commit on the
	// given branch, or ErrNotFound. The remote side is eventually
	// consistent; callers retry with bounded patience.
	PipelineRunFor(ctx context.Context, repo models.RepositoryID, headSHA, branch string) (*PipelineRun, error)
	// PipelineRun returns the current state of a run by id.
	PipelineRun(ctx context.Context, repo models.RepositoryID, id int64) (*PipelineRun, error)
	// HasReleaseWorkflow reports whether the repository defines a
	// release-triggering workflow.
	HasReleaseWorkflow(ctx context.Context, repo models.RepositoryID) (bool, error)
}
