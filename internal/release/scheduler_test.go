package release

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/config"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/graph"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/hosting"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/state"
)

var (
	repoA = models.RepositoryID{Organization: "GTNewHorizons", Name: "GT5-Unofficial"}
	repoB = models.RepositoryID{Organization: "GTNewHorizons", Name: "NewHorizonsCoreMod"}
)

func changeID(repo models.RepositoryID, n int) models.ChangeID {
	return models.ChangeID{Repo: repo, Number: n}
}

// schedGit simulates per-repository tag stores keyed by working-copy path.
type schedGit struct {
	tags    map[string][]string // all tags in the repository
	tipTags map[string][]string // tags pointing at the branch tip
	dirty   map[string]bool

	tagged  []string // "dir name" in call order
	commits []string
	pushes  []string
}

func newSchedGit() *schedGit {
	return &schedGit{
		tags:    make(map[string][]string),
		tipTags: make(map[string][]string),
		dirty:   make(map[string]bool),
	}
}

func dirFor(repo models.RepositoryID) string {
	return "/work/" + repo.Organization + "/" + repo.Name
}

func (g *schedGit) EnsureClone(ctx context.Context, repo models.RepositoryID) (string, error) {
	return dirFor(repo), nil
}
func (g *schedGit) CreateBranch(ctx context.Context, dir, name, startPoint string) error {
	return nil
}
func (g *schedGit) HasChanges(ctx context.Context, dir string) (bool, error) {
	return g.dirty[dir], nil
}
func (g *schedGit) CommitAll(ctx context.Context, dir, message, authorName, authorEmail string, allowEmpty bool) error {
	g.commits = append(g.commits, dir+" "+message)
	return nil
}
func (g *schedGit) Push(ctx context.Context, dir, branch string, force bool) error {
	g.pushes = append(g.pushes, dir+" "+branch)
	return nil
}
func (g *schedGit) Tag(ctx context.Context, dir, name string) error {
	g.tags[dir] = append(g.tags[dir], name)
	g.tagged = append(g.tagged, dir+" "+name)
	return nil
}
func (g *schedGit) TagsAt(ctx context.Context, dir, ref string) []string {
	return g.tipTags[dir]
}
func (g *schedGit) ListTags(ctx context.Context, dir string) ([]string, error) {
	return g.tags[dir], nil
}
func (g *schedGit) Head(ctx context.Context, dir, ref string) (string, error) {
	return "sha-" + dir, nil
}

// schedTool records pins.
type schedTool struct {
	pins    []string
	updates []string
}

func (t *schedTool) Available(dir string) bool { return true }
func (t *schedTool) UpdateBuildscript(ctx context.Context, dir string) error {
	t.updates = append(t.updates, dir)
	return nil
}
func (t *schedTool) PinDependency(dir, organization, name, version string) (bool, error) {
	t.pins = append(t.pins, fmt.Sprintf("%s %s:%s:%s", dir, organization, name, version))
	return true, nil
}

// schedHost hands out one pipeline run per repository.
type schedHost struct {
	hosting.Client

	workflows   map[string]bool
	conclusions map[string]string // repo -> conclusion, default success
	nextID      int64
	runs        map[int64]*hosting.PipelineRun
	awaited     []int64
}

func newSchedHost() *schedHost {
	return &schedHost{
		workflows:   make(map[string]bool),
		conclusions: make(map[string]string),
		runs:        make(map[int64]*hosting.PipelineRun),
	}
}

func (h *schedHost) HasReleaseWorkflow(ctx context.Context, repo models.RepositoryID) (bool, error) {
	return h.workflows[repo.String()], nil
}

func (h *schedHost) PipelineRunFor(ctx context.Context, repo models.RepositoryID, sha, branch string) (*hosting.PipelineRun, error) {
	h.nextID++
	conclusion := h.conclusions[repo.String()]
	if conclusion == "" {
		conclusion = hosting.RunConclusionSuccess
	}
	run := &hosting.PipelineRun{
		ID:         h.nextID,
		Status:     hosting.RunStatusCompleted,
		Conclusion: conclusion,
		HeadSHA:    sha,
		Branch:     branch,
	}
	h.runs[run.ID] = run
	return run, nil
}

func (h *schedHost) PipelineRun(ctx context.Context, repo models.RepositoryID, id int64) (*hosting.PipelineRun, error) {
	h.awaited = append(h.awaited, id)
	run, ok := h.runs[id]
	if !ok {
		return nil, hosting.ErrNotFound
	}
	return run, nil
}

func newTestScheduler(git Git, host hosting.Client, tool DependencyTool, dryRun bool) *Scheduler {
	poller := NewPoller(host, zerolog.Nop())
	poller.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	branches := config.BranchNames{
		Default:     "master",
		Integration: "experimental",
	}
	return NewScheduler(git, host, tool, poller, branches, config.Blacklists{}, dryRun, zerolog.Nop())
}

// twoRepoInputs models repoA's integration branch depending on a change
// carried by repoB's integration branch.
func twoRepoInputs() []Input {
	return []Input{
		{
			Repo: repoA,
			Integration: &state.BranchState{
				Included:     []models.ChangeID{changeID(repoA, 1)},
				Dependencies: []models.ChangeID{changeID(repoB, 8)},
			},
		},
		{
			Repo: repoB,
			Integration: &state.BranchState{
				Included: []models.ChangeID{changeID(repoB, 8)},
			},
		},
	}
}

func TestRunTagsInDependencyOrder(t *testing.T) {
	git := newSchedGit()
	git.tags[dirFor(repoA)] = []string{"2.3.1"}
	git.tags[dirFor(repoB)] = []string{"1.0.0"}
	host := newSchedHost()
	host.workflows[repoB.String()] = true
	tool := &schedTool{}

	s := newTestScheduler(git, host, tool, false)
	report, err := s.Run(context.Background(), twoRepoInputs())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		dirFor(repoA) + " 2.3.2",
		dirFor(repoB) + " 1.0.1",
		dirFor(repoB) + " 1.0.2-pre",
		dirFor(repoA) + " 2.3.3-pre",
	}
	if len(git.tagged) != len(want) {
		t.Fatalf("tagged = %v, want %v", git.tagged, want)
	}
	for i := range want {
		if git.tagged[i] != want[i] {
			t.Errorf("tagged[%d] = %q, want %q", i, git.tagged[i], want[i])
		}
	}

	// The experimental release of repoA pins repoB's fresh pre-release.
	wantPin := dirFor(repoA) + " GTNewHorizons:NewHorizonsCoreMod:1.0.2-pre"
	found := false
	for _, pin := range tool.pins {
		if pin == wantPin {
			found = true
		}
	}
	if !found {
		t.Errorf("pins = %v, want %q", tool.pins, wantPin)
	}

	entry, ok := report.Lookup(repoA.String() + "@experimental")
	if !ok || entry.Outcome != OutcomeTagged || entry.Version != "2.3.3-pre" {
		t.Errorf("report entry = %+v, %v", entry, ok)
	}
}

func TestRunGatesOnDependencyPipeline(t *testing.T) {
	git := newSchedGit()
	host := newSchedHost()
	host.workflows[repoB.String()] = true

	s := newTestScheduler(git, host, &schedTool{}, false)
	if _, err := s.Run(context.Background(), twoRepoInputs()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(host.awaited) == 0 {
		t.Fatal("no pipeline was awaited")
	}
}

func TestRunDependencyPipelineFailureAborts(t *testing.T) {
	git := newSchedGit()
	host := newSchedHost()
	host.workflows[repoB.String()] = true
	host.conclusions[repoB.String()] = "failure"

	s := newTestScheduler(git, host, &schedTool{}, false)
	report, err := s.Run(context.Background(), twoRepoInputs())
	if !errors.Is(err, ErrPipelineFailed) {
		t.Fatalf("err = %v, want ErrPipelineFailed", err)
	}

	// repoA's experimental target was never tagged.
	expDir := dirFor(repoA)
	for _, tagged := range git.tagged {
		if tagged == expDir+" 1.0.1-pre" {
			t.Errorf("dependent was tagged despite failed upstream: %v", git.tagged)
		}
	}
	entry, ok := report.Lookup(repoA.String() + "@experimental")
	if !ok || entry.Outcome != OutcomeFailed {
		t.Errorf("report entry = %+v, %v", entry, ok)
	}
}

func TestRunSkipsAlreadyTaggedTip(t *testing.T) {
	git := newSchedGit()
	git.tags[dirFor(repoB)] = []string{"1.0.0"}
	git.tipTags[dirFor(repoB)] = []string{"1.0.0"}
	host := newSchedHost()
	tool := &schedTool{}

	s := newTestScheduler(git, host, tool, false)
	report, err := s.Run(context.Background(), twoRepoInputs())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Both of repoB's targets share the tip, so neither re-tags, and the
	// dependent pins the existing version.
	for _, tagged := range git.tagged {
		if tagged == dirFor(repoB)+" 1.0.1" || tagged == dirFor(repoB)+" 1.0.1-pre" {
			t.Errorf("already-tagged tip was re-tagged: %v", git.tagged)
		}
	}
	entry, _ := report.Lookup(repoB.String() + "@experimental")
	if entry.Outcome != OutcomeAlreadyTagged || entry.Version != "1.0.0" {
		t.Errorf("report entry = %+v", entry)
	}
	wantPin := dirFor(repoA) + " GTNewHorizons:NewHorizonsCoreMod:1.0.0"
	found := false
	for _, pin := range tool.pins {
		if pin == wantPin {
			found = true
		}
	}
	if !found {
		t.Errorf("pins = %v, want %q", tool.pins, wantPin)
	}
}

func TestRunSeedsNeverTaggedRepository(t *testing.T) {
	git := newSchedGit()
	host := newSchedHost()

	s := newTestScheduler(git, host, &schedTool{}, false)
	inputs := []Input{{Repo: repoA}}
	if _, err := s.Run(context.Background(), inputs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(git.tagged) != 1 || git.tagged[0] != dirFor(repoA)+" 1.0.0" {
		t.Errorf("tagged = %v, want seed version", git.tagged)
	}
}

func TestRunExperimentalOwnershipPrecedence(t *testing.T) {
	git := newSchedGit()
	git.tags[dirFor(repoB)] = []string{"1.0.0"}
	host := newSchedHost()
	tool := &schedTool{}

	// The depended-on change is on both of repoB's branches; the
	// experimental target must claim it.
	inputs := twoRepoInputs()
	inputs[1].StableIncluded = []models.ChangeID{changeID(repoB, 8)}

	s := newTestScheduler(git, host, tool, false)
	if _, err := s.Run(context.Background(), inputs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantPin := dirFor(repoA) + " GTNewHorizons:NewHorizonsCoreMod:1.0.2-pre"
	found := false
	for _, pin := range tool.pins {
		if pin == wantPin {
			found = true
		}
	}
	if !found {
		t.Errorf("pins = %v, want %q", tool.pins, wantPin)
	}
}

func TestRunUnparseableTipTagsWarnAndSkipPinning(t *testing.T) {
	git := newSchedGit()
	git.tipTags[dirFor(repoB)] = []string{"nightly"}
	host := newSchedHost()
	tool := &schedTool{}

	var logs bytes.Buffer
	poller := NewPoller(host, zerolog.Nop())
	poller.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	branches := config.BranchNames{Default: "master", Integration: "experimental"}
	s := NewScheduler(git, host, tool, poller, branches, config.Blacklists{}, false, zerolog.New(&logs))

	report, err := s.Run(context.Background(), twoRepoInputs())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	entry, _ := report.Lookup(repoB.String() + "@experimental")
	if entry.Outcome != OutcomeAlreadyTagged || entry.Version != "" {
		t.Errorf("report entry = %+v", entry)
	}
	for _, pin := range tool.pins {
		if strings.Contains(pin, "NewHorizonsCoreMod") {
			t.Errorf("pinned against an unversioned target: %v", tool.pins)
		}
	}
	if !strings.Contains(logs.String(), "nightly") {
		t.Errorf("log does not name the unparseable tags: %s", logs.String())
	}
}

func TestRunCrossRepoCycleIsFatal(t *testing.T) {
	git := newSchedGit()
	host := newSchedHost()

	inputs := twoRepoInputs()
	inputs[1].Integration.Dependencies = []models.ChangeID{changeID(repoA, 1)}

	s := newTestScheduler(git, host, &schedTool{}, false)
	if _, err := s.Run(context.Background(), inputs); !errors.Is(err, graph.ErrCycle) {
		t.Fatalf("err = %v, want ErrCycle", err)
	}
	if len(git.tagged) != 0 {
		t.Errorf("tagged despite cyclic graph: %v", git.tagged)
	}
}

func TestRunUnknownDependencyIsIgnored(t *testing.T) {
	git := newSchedGit()
	host := newSchedHost()

	inputs := []Input{{
		Repo: repoA,
		Integration: &state.BranchState{
			Included:     []models.ChangeID{changeID(repoA, 1)},
			Dependencies: []models.ChangeID{changeID(repoB, 99)},
		},
	}}

	s := newTestScheduler(git, host, &schedTool{}, false)
	if _, err := s.Run(context.Background(), inputs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(git.tagged) != 2 {
		t.Errorf("tagged = %v, want both of repoA's targets", git.tagged)
	}
}

func TestRunDryRunSkipsPushAndTag(t *testing.T) {
	git := newSchedGit()
	git.tags[dirFor(repoA)] = []string{"2.3.1"}
	host := newSchedHost()
	host.workflows[repoA.String()] = true

	s := newTestScheduler(git, host, &schedTool{}, true)
	report, err := s.Run(context.Background(), []Input{{Repo: repoA}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(git.tagged) != 0 || len(git.pushes) != 0 {
		t.Errorf("dry run published: tags %v, pushes %v", git.tagged, git.pushes)
	}
	entry, _ := report.Lookup(repoA.String() + "@stable")
	if entry.Outcome != OutcomeDryRun || entry.Version != "2.3.2" {
		t.Errorf("report entry = %+v", entry)
	}
}
