package hosting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
)

const (
	defaultBaseURL = "https://api.github.com"
	pageSize       = 100
	// releaseWorkflowPath is the workflow definition whose presence marks
	// a repository as release-pipeline capable.
	releaseWorkflowPath = ".github/workflows/release-tags.yml"
)

// GitHubClient implements Client against the GitHub REST API.
type GitHubClient struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewGitHubClient constructs a client. baseURL is overridable for tests;
// pass "" for the public API.
func NewGitHubClient(baseURL, token string, log zerolog.Logger) *GitHubClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &GitHubClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

type wirePull struct {
	Number   int        `json:"number"`
	Title    string     `json:"title"`
	Body     string     `json:"body"`
	Draft    bool       `json:"draft"`
	Locked   bool       `json:"locked"`
	MergedAt *time.Time `json:"merged_at"`
	Labels   []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	UpdatedAt time.Time `json:"updated_at"`
}

type wireBranch struct {
	Name   string `json:"name"`
	Commit struct {
		SHA    string `json:"sha"`
		Commit struct {
			Committer struct {
				Date time.Time `json:"date"`
			} `json:"committer"`
		} `json:"commit"`
	} `json:"commit"`
}

type wireRun struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HeadSHA    string `json:"head_sha"`
	HeadBranch string `json:"head_branch"`
}

func (c *GitHubClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *GitHubClient) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hosting API %s: %s: %s", req.URL.Path, resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p wirePull) toModel(repo models.RepositoryID) *models.ChangeRequest {
	labels := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		labels = append(labels, l.Name)
	}
	return &models.ChangeRequest{
		ID:           models.ChangeID{Repo: repo, Number: p.Number},
		Title:        p.Title,
		Description:  p.Body,
		TargetBranch: p.Base.Ref,
		Draft:        p.Draft,
		Locked:       p.Locked,
		Merged:       p.MergedAt != nil,
		Labels:       labels,
		UpdatedAt:    p.UpdatedAt,
	}
}

func (c *GitHubClient) listPulls(ctx context.Context, repo models.RepositoryID, state, base string, limit int) ([]*models.ChangeRequest, error) {
	var all []*models.ChangeRequest
	for page := 1; ; page++ {
		q := url.Values{
			"state":     {state},
			"per_page":  {fmt.Sprint(pageSize)},
			"page":      {fmt.Sprint(page)},
			"sort":      {"updated"},
			"direction": {"desc"},
		}
		if base != "" {
			q.Set("base", base)
		}
		var pulls []wirePull
		if err := c.get(ctx, fmt.Sprintf("/repos/%s/pulls", repo), q, &pulls); err != nil {
			return nil, err
		}
		for _, p := range pulls {
			all = append(all, p.toModel(repo))
			if limit > 0 && len(all) >= limit {
				return all, nil
			}
		}
		if len(pulls) < pageSize {
			return all, nil
		}
	}
}

// OpenChanges returns open, non-draft, non-locked changes targeting the branch.
func (c *GitHubClient) OpenChanges(ctx context.Context, repo models.RepositoryID, targetBranch string) ([]*models.ChangeRequest, error) {
	pulls, err := c.listPulls(ctx, repo, "open", targetBranch, 0)
	if err != nil {
		return nil, err
	}
	var out []*models.ChangeRequest
	for _, p := range pulls {
		if p.Draft || p.Locked {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// MergedChanges returns recently merged changes, newest first.
func (c *GitHubClient) MergedChanges(ctx context.Context, repo models.RepositoryID, limit int) ([]*models.ChangeRequest, error) {
	pulls, err := c.listPulls(ctx, repo, "closed", "", limit)
	if err != nil {
		return nil, err
	}
	var out []*models.ChangeRequest
	for _, p := range pulls {
		if p.Merged {
			out = append(out, p)
		}
	}
	return out, nil
}

// Change fetches a single change by id.
func (c *GitHubClient) Change(ctx context.Context, id models.ChangeID) (*models.ChangeRequest, error) {
	var pull wirePull
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/pulls/%d", id.Repo, id.Number), nil, &pull); err != nil {
		return nil, err
	}
	return pull.toModel(id.Repo), nil
}

// Branch returns branch metadata, or ErrNotFound.
func (c *GitHubClient) Branch(ctx context.Context, repo models.RepositoryID, name string) (*BranchInfo, error) {
	var b wireBranch
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/branches/%s", repo, url.PathEscape(name)), nil, &b); err != nil {
		return nil, err
	}
	return &BranchInfo{
		Name:        b.Name,
		SHA:         b.Commit.SHA,
		CommittedAt: b.Commit.Commit.Committer.Date,
	}, nil
}

// DeleteBranch removes a remote branch.
func (c *GitHubClient) DeleteBranch(ctx context.Context, repo models.RepositoryID, name string) error {
	u := fmt.Sprintf("%s/repos/%s/git/refs/heads/%s", c.baseURL, repo, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// PipelineRunFor locates the workflow run triggered by the commit on the branch.
func (c *GitHubClient) PipelineRunFor(ctx context.Context, repo models.RepositoryID, headSHA, branch string) (*PipelineRun, error) {
	q := url.Values{
		"head_sha": {headSHA},
		"branch":   {branch},
		"per_page": {"10"},
	}
	var resp struct {
		WorkflowRuns []wireRun `json:"workflow_runs"`
	}
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/actions/runs", repo), q, &resp); err != nil {
		return nil, err
	}
	for _, r := range resp.WorkflowRuns {
		if r.HeadSHA == headSHA && r.HeadBranch == branch {
			return runToModel(r), nil
		}
	}
	return nil, ErrNotFound
}

// PipelineRun returns the current state of a run by id.
func (c *GitHubClient) PipelineRun(ctx context.Context, repo models.RepositoryID, id int64) (*PipelineRun, error) {
	var r wireRun
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/actions/runs/%d", repo, id), nil, &r); err != nil {
		return nil, err
	}
	return runToModel(r), nil
}

// HasReleaseWorkflow reports whether the release workflow definition exists.
func (c *GitHubClient) HasReleaseWorkflow(ctx context.Context, repo models.RepositoryID) (bool, error) {
	err := c.get(ctx, fmt.Sprintf("/repos/%s/contents/%s", repo, releaseWorkflowPath), nil, nil)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func runToModel(r wireRun) *PipelineRun {
	return &PipelineRun{
		ID:         r.ID,
		Status:     r.Status,
		Conclusion: r.Conclusion,
		HeadSHA:    r.HeadSHA,
		Branch:     r.HeadBranch,
	}
}
