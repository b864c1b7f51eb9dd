// Package gitcmd is the version-control adapter. Every operation shells out
// to the git binary inside a working copy whose path is derived
// deterministically from the repository identifier. Discovery reads (does a
// branch exist, is this ref tagged) report absence as a plain boolean, never
// as an error.
package gitcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
)

// ErrMergeConflict marks a merge the underlying tool could not complete.
var ErrMergeConflict = errors.New("merge conflict")

// Runner executes git operations for repository working copies rooted under
// a base directory.
type Runner struct {
	baseDir string
	token   string
	log     zerolog.Logger
}

// NewRunner constructs a Runner. token, when non-empty, is embedded in
// clone URLs for private repositories.
func NewRunner(baseDir, token string, log zerolog.Logger) *Runner {
	return &Runner{baseDir: baseDir, token: token, log: log}
}

// Workdir returns the deterministic working-copy path for a repository.
func (r *Runner) Workdir(repo models.RepositoryID) string {
	return filepath.Join(r.baseDir, repo.Organization, repo.Name)
}

func (r *Runner) remoteURL(repo models.RepositoryID) string {
	if r.token != "" {
		return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", r.token, repo)
	}
	return fmt.Sprintf("https://github.com/%s.git", repo)
}

func (r *Runner) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s failed: %s: %w", args[0], strings.TrimSpace(string(output)), err)
	}
	return string(output), nil
}

// EnsureClone makes sure a fresh working copy exists for the repository and
// returns its path. An existing copy is reused after fetching.
func (r *Runner) EnsureClone(ctx context.Context, repo models.RepositoryID) (string, error) {
	dir := r.Workdir(repo)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		if _, err := r.run(ctx, dir, "fetch", "--prune", "origin"); err != nil {
			return "", err
		}
		return dir, nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", err
	}
	r.log.Debug().Str("repo", repo.String()).Msg("cloning working copy")
	if _, err := r.run(ctx, filepath.Dir(dir), "clone", r.remoteURL(repo), filepath.Base(dir)); err != nil {
		return "", err
	}
	return dir, nil
}

// RemoveWorkdir deletes the repository's working copy.
func (r *Runner) RemoveWorkdir(repo models.RepositoryID) error {
	return os.RemoveAll(r.Workdir(repo))
}

// Checkout switches the working copy to the given ref.
func (r *Runner) Checkout(ctx context.Context, dir, ref string) error {
	_, err := r.run(ctx, dir, "checkout", ref)
	return err
}

// CreateBranch force-creates a branch at the start point and checks it out.
func (r *Runner) CreateBranch(ctx context.Context, dir, name, startPoint string) error {
	_, err := r.run(ctx, dir, "checkout", "-B", name, startPoint)
	return err
}

// DeleteLocalBranch removes a local branch if it exists.
func (r *Runner) DeleteLocalBranch(ctx context.Context, dir, name string) error {
	if !r.BranchExists(ctx, dir, name) {
		return nil
	}
	_, err := r.run(ctx, dir, "branch", "-D", name)
	return err
}

// BranchExists reports whether a local branch exists.
func (r *Runner) BranchExists(ctx context.Context, dir, name string) bool {
	_, err := r.run(ctx, dir, "rev-parse", "--verify", "refs/heads/"+name)
	return err == nil
}

// RemoteBranchExists reports whether the branch exists on origin.
func (r *Runner) RemoteBranchExists(ctx context.Context, dir, name string) bool {
	out, err := r.run(ctx, dir, "ls-remote", "--heads", "origin", name)
	return err == nil && strings.TrimSpace(out) != ""
}

// FetchChange fetches a change request's head into a local branch.
func (r *Runner) FetchChange(ctx context.Context, dir string, number int, branch string) error {
	_, err := r.run(ctx, dir, "fetch", "origin", fmt.Sprintf("pull/%d/head:%s", number, branch))
	return err
}

// Merge merges the ref into the current branch. A content conflict is
// reported as ErrMergeConflict with the merge left in place; callers abort
// explicitly. Any other failure (unknown ref, dirty tree, I/O) is returned
// as-is so it fails the cycle instead of getting the conflict treatment.
func (r *Runner) Merge(ctx context.Context, dir, ref, message string) error {
	out, err := r.run(ctx, dir, "merge", "--no-ff", "-m", message, ref)
	if err == nil {
		return nil
	}
	if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
		return fmt.Errorf("%w: %s", ErrMergeConflict, ref)
	}
	return err
}

// AbortMerge cleanly unwinds an in-progress merge.
func (r *Runner) AbortMerge(ctx context.Context, dir string) error {
	_, err := r.run(ctx, dir, "merge", "--abort")
	return err
}

// HasChanges reports whether the working tree is dirty.
func (r *Runner) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := r.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages everything and commits with the given author identity.
// allowEmpty permits bookkeeping commits with no tree changes.
func (r *Runner) CommitAll(ctx context.Context, dir, message, authorName, authorEmail string, allowEmpty bool) error {
	if _, err := r.run(ctx, dir, "add", "-A"); err != nil {
		return err
	}
	args := []string{
		"-c", "user.name=" + authorName,
		"-c", "user.email=" + authorEmail,
		"commit", "-m", message,
		"--author", fmt.Sprintf("%s <%s>", authorName, authorEmail),
	}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	_, err := r.run(ctx, dir, args...)
	return err
}

// Push pushes a branch to origin. force is required for rewritten branches.
func (r *Runner) Push(ctx context.Context, dir, branch string, force bool) error {
	args := []string{"push", "origin", branch}
	if force {
		args = append(args, "--force")
	}
	_, err := r.run(ctx, dir, args...)
	return err
}

// PushBranchTo publishes the current local ref to a differently named
// remote branch, force-overwriting it.
func (r *Runner) PushBranchTo(ctx context.Context, dir, localRef, remoteBranch string) error {
	_, err := r.run(ctx, dir, "push", "origin", "--force", localRef+":refs/heads/"+remoteBranch)
	return err
}

// Tag creates or moves a tag at HEAD and force-pushes it.
func (r *Runner) Tag(ctx context.Context, dir, name string) error {
	if _, err := r.run(ctx, dir, "tag", "--force", name); err != nil {
		return err
	}
	_, err := r.run(ctx, dir, "push", "origin", "--force", "refs/tags/"+name)
	return err
}

// TagsAt returns the tags pointing at the ref. An empty result means the
// ref is untagged; errors from discovery are treated the same way.
func (r *Runner) TagsAt(ctx context.Context, dir, ref string) []string {
	out, err := r.run(ctx, dir, "tag", "--points-at", ref)
	if err != nil {
		return nil
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names
}

// ListTags returns every tag name in the repository.
func (r *Runner) ListTags(ctx context.Context, dir string) ([]string, error) {
	out, err := r.run(ctx, dir, "tag", "--list")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// Head returns the commit hash the ref points at.
func (r *Runner) Head(ctx context.Context, dir, ref string) (string, error) {
	out, err := r.run(ctx, dir, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Log field/record separators; unit and record separator bytes cannot occur
// in commit text.
const (
	logFormat    = "%H%x1f%an%x1f%ae%x1f%aI%x1f%cI%x1f%s%x1f%b%x1e"
	fieldSep     = "\x1f"
	recordSep    = "\x1e"
	logFieldsLen = 7
)

// Log returns structured commit records for the ref expression, newest
// first, bounded by limit.
func (r *Runner) Log(ctx context.Context, dir, ref string, limit int) ([]models.Commit, error) {
	out, err := r.run(ctx, dir, "log", fmt.Sprintf("--max-count=%d", limit), "--format="+logFormat, ref)
	if err != nil {
		return nil, err
	}
	var commits []models.Commit
	for _, record := range strings.Split(out, recordSep) {
		record = strings.TrimLeft(record, "\n")
		if strings.TrimSpace(record) == "" {
			continue
		}
		fields := strings.SplitN(record, fieldSep, logFieldsLen)
		if len(fields) != logFieldsLen {
			continue
		}
		authorDate, _ := time.Parse(time.RFC3339, fields[3])
		commitDate, _ := time.Parse(time.RFC3339, fields[4])
		commits = append(commits, models.Commit{
			Hash:        fields[0],
			AuthorName:  fields[1],
			AuthorEmail: fields[2],
			AuthorDate:  authorDate,
			CommitDate:  commitDate,
			Subject:     fields[5],
			Body:        strings.TrimSpace(fields[6]),
		})
	}
	return commits, nil
}

// LastCommitTime returns the commit time of the ref tip. The boolean is
// false when the ref does not resolve.
func (r *Runner) LastCommitTime(ctx context.Context, dir, ref string) (time.Time, bool) {
	commits, err := r.Log(ctx, dir, ref, 1)
	if err != nil || len(commits) == 0 {
		return time.Time{}, false
	}
	return commits[0].CommitDate, true
}
