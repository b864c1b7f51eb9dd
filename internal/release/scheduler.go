package release

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/config"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/graph"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/hosting"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/state"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/tags"
)

// Git is the subset of the VCS adapter the scheduler drives.
type Git interface {
	EnsureClone(ctx context.Context, repo models.RepositoryID) (string, error)
	CreateBranch(ctx context.Context, dir, name, startPoint string) error
	HasChanges(ctx context.Context, dir string) (bool, error)
	CommitAll(ctx context.Context, dir, message, authorName, authorEmail string, allowEmpty bool) error
	Push(ctx context.Context, dir, branch string, force bool) error
	Tag(ctx context.Context, dir, name string) error
	TagsAt(ctx context.Context, dir, ref string) []string
	ListTags(ctx context.Context, dir string) ([]string, error)
	Head(ctx context.Context, dir, ref string) (string, error)
}

// DependencyTool pins cross-repo versions and refreshes build plumbing.
type DependencyTool interface {
	Available(dir string) bool
	UpdateBuildscript(ctx context.Context, dir string) error
	PinDependency(dir, organization, name, version string) (bool, error)
}

// Target is one schedulable (repository, variant) node.
type Target struct {
	models.ReleaseTarget
	// Branch is the branch this target tags.
	Branch string
	// Included is the change set the branch currently carries.
	Included []models.ChangeID
	// Dependencies are the cross-repo changes the branch depends on.
	Dependencies []models.ChangeID
}

// Input is one repository's contribution to a scheduling pass.
type Input struct {
	Repo models.RepositoryID
	// Integration is the persisted integration-branch state, nil when the
	// repository has no live integration branch this cycle.
	Integration *state.BranchState
	// StableIncluded and StableDependencies are reconstructed from the
	// default branch's recent merge history.
	StableIncluded     []models.ChangeID
	StableDependencies []models.ChangeID
}

// seedVersion starts a repository that has never been tagged.
const seedVersion = "1.0.0"

// Scheduler orders release targets across repositories, derives versions,
// tags, and gates dependents on upstream build pipelines.
type Scheduler struct {
	git        Git
	host       hosting.Client
	tool       DependencyTool
	poller     *Poller
	branches   config.BranchNames
	blacklists config.Blacklists
	dryRun     bool
	log        zerolog.Logger
}

// NewScheduler wires the scheduler.
func NewScheduler(git Git, host hosting.Client, tool DependencyTool, poller *Poller, branches config.BranchNames, blacklists config.Blacklists, dryRun bool, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		git:        git,
		host:       host,
		tool:       tool,
		poller:     poller,
		branches:   branches,
		blacklists: blacklists,
		dryRun:     dryRun,
		log:        log,
	}
}

// Run promotes every target derivable from the inputs, in dependency order.
// A dependency pipeline failure or timeout aborts the whole pass: tagging a
// dependent against a broken upstream would publish a known-bad release.
// The partial report is returned alongside the error.
func (s *Scheduler) Run(ctx context.Context, inputs []Input) (*Report, error) {
	report := NewReport()

	g, err := s.buildGraph(inputs)
	if err != nil {
		return report, err
	}

	versions := make(map[string]string)
	pipelines := make(map[string]*hosting.PipelineRun)
	passed := make(map[string]bool)

	order := g.OverallOrder()
	for _, key := range order {
		t, _ := g.Payload(key)
		if err := s.promote(ctx, g, key, t, versions, pipelines, passed, report); err != nil {
			report.Fail(key, err)
			return report, err
		}
	}

	// Drain: leaves have no dependents to gate on them, so their pipelines
	// have not been observed yet. A broken leaf still fails the pass.
	for _, key := range order {
		run := pipelines[key]
		if run == nil || passed[key] {
			continue
		}
		t, _ := g.Payload(key)
		if err := s.poller.Await(ctx, t.Repo, run.ID); err != nil {
			report.Fail(key, err)
			return report, fmt.Errorf("target %s: %w", key, err)
		}
		passed[key] = true
	}
	return report, nil
}

// buildGraph turns the inputs into the target DAG. Every repository yields a
// stable target; a live integration branch adds an experimental target that
// is ordered after its own stable target. Cross-repo change dependencies
// become edges toward whichever target carries the depended-on change, with
// the experimental variant taking precedence over stable.
func (s *Scheduler) buildGraph(inputs []Input) (*graph.Graph[*Target], error) {
	g := graph.New[*Target]()

	for _, in := range inputs {
		stable := &Target{
			ReleaseTarget: models.ReleaseTarget{Repo: in.Repo, Variant: models.VariantStable},
			Branch:        s.branches.Default,
			Included:      in.StableIncluded,
			Dependencies:  in.StableDependencies,
		}
		g.AddNode(stable.Key(), stable)

		if in.Integration == nil {
			continue
		}
		exp := &Target{
			ReleaseTarget: models.ReleaseTarget{Repo: in.Repo, Variant: models.VariantExperimental},
			Branch:        s.branches.Integration,
			Included:      in.Integration.Included,
			Dependencies:  in.Integration.Dependencies,
		}
		g.AddNode(exp.Key(), exp)
		if err := g.AddDependency(exp.Key(), stable.Key()); err != nil {
			return nil, err
		}
	}

	// Change ownership index. A change present on both an integration
	// branch and a default branch is claimed by the experimental target:
	// dependents built against the integration line must follow it.
	owner := make(map[models.ChangeID]string)
	for _, in := range inputs {
		if in.Integration == nil {
			continue
		}
		key := models.ReleaseTarget{Repo: in.Repo, Variant: models.VariantExperimental}.Key()
		for _, id := range in.Integration.Included {
			if _, ok := owner[id]; !ok {
				owner[id] = key
			}
		}
	}
	for _, in := range inputs {
		key := models.ReleaseTarget{Repo: in.Repo, Variant: models.VariantStable}.Key()
		for _, id := range in.StableIncluded {
			if _, ok := owner[id]; !ok {
				owner[id] = key
			}
		}
	}

	for _, key := range g.Keys() {
		t, _ := g.Payload(key)
		for _, dep := range t.Dependencies {
			depKey, ok := owner[dep]
			if !ok {
				// The depended-on change is on no branch this pass is
				// scheduling. It may already be released; the pin keeps
				// whatever version the manifest names.
				s.log.Warn().Str("target", key).Str("dependency", dep.String()).
					Msg("dependency change owned by no release target, ignoring")
				continue
			}
			if depKey == key {
				continue
			}
			if err := g.AddDependency(key, depKey); err != nil {
				return nil, fmt.Errorf("release graph: %w", err)
			}
		}
	}
	return g, nil
}

// promote handles one target: skip if already tagged, otherwise gate on
// dependency pipelines, pin dependency versions, derive and publish the tag.
func (s *Scheduler) promote(ctx context.Context, g *graph.Graph[*Target], key string, t *Target, versions map[string]string, pipelines map[string]*hosting.PipelineRun, passed map[string]bool, report *Report) error {
	log := s.log.With().Str("target", key).Logger()

	dir, err := s.git.EnsureClone(ctx, t.Repo)
	if err != nil {
		return err
	}
	if err := s.git.CreateBranch(ctx, dir, t.Branch, "origin/"+t.Branch); err != nil {
		return err
	}
	tip, err := s.git.Head(ctx, dir, "HEAD")
	if err != nil {
		return err
	}

	if existing := s.git.TagsAt(ctx, dir, "HEAD"); len(existing) > 0 {
		// Idempotent: the tip already carries a release. Its version
		// still feeds dependent pins, and its pipeline still gates
		// dependents.
		if latest, ok := tags.Latest(existing); ok {
			versions[key] = latest.String()
		} else {
			// Dependents have no version to pin against this target.
			log.Warn().Strs("tags", existing).Msg("no tag at tip parses as a version, dependents will not be pinned")
		}
		s.trackPipeline(ctx, key, t, tip, pipelines, report)
		log.Info().Strs("tags", existing).Msg("tip already tagged, skipping")
		report.AlreadyTagged(key, versions[key])
		return nil
	}

	dirty := false
	for _, depKey := range g.DependenciesOf(key) {
		depT, _ := g.Payload(depKey)
		if depT.Repo == t.Repo {
			// The experimental-after-stable edge of the same repository
			// is ordering only: nothing to wait for, nothing to pin.
			continue
		}
		if err := s.gate(ctx, depT, depKey, pipelines, passed); err != nil {
			return err
		}
		version, ok := versions[depKey]
		if !ok || s.blacklists.DependencyUpdatesBlacklisted(t.Repo) {
			continue
		}
		changed, err := s.tool.PinDependency(dir, depT.Repo.Organization, depT.Repo.Name, version)
		if err != nil {
			return fmt.Errorf("pin %s in %s: %w", depKey, key, err)
		}
		if changed {
			log.Info().Str("dependency", depT.Repo.String()).Str("version", version).Msg("pinned dependency")
			dirty = true
		}
	}

	if !s.blacklists.DependencyUpdatesBlacklisted(t.Repo) && s.tool.Available(dir) {
		if err := s.tool.UpdateBuildscript(ctx, dir); err != nil {
			return fmt.Errorf("update buildscript for %s: %w", key, err)
		}
	}

	hasChanges, err := s.git.HasChanges(ctx, dir)
	if err != nil {
		return err
	}
	dirty = dirty || hasChanges
	if dirty {
		if err := s.git.CommitAll(ctx, dir, "Update dependencies", state.CommitAuthorName, state.CommitAuthorEmail, false); err != nil {
			return err
		}
	}

	version := s.nextVersion(ctx, dir, t, log)
	versions[key] = version

	if s.dryRun {
		log.Info().Str("version", version).Msg("dry run: would push and tag")
		report.Tagged(key, version, true)
		return nil
	}

	if dirty {
		// The integration branch was force-rebuilt this cycle; the stable
		// branch only ever moves forward.
		force := t.Variant == models.VariantExperimental
		if err := s.git.Push(ctx, dir, t.Branch, force); err != nil {
			return err
		}
	}
	if err := s.git.Tag(ctx, dir, version); err != nil {
		return err
	}
	log.Info().Str("version", version).Msg("tagged release")
	report.Tagged(key, version, false)

	newTip, err := s.git.Head(ctx, dir, "HEAD")
	if err != nil {
		return err
	}
	s.trackPipeline(ctx, key, t, newTip, pipelines, report)
	return nil
}

// gate waits for a dependency target's pipeline. Memoized successes return
// immediately; an unobservable dependency does not block.
func (s *Scheduler) gate(ctx context.Context, depT *Target, depKey string, pipelines map[string]*hosting.PipelineRun, passed map[string]bool) error {
	if passed[depKey] {
		return nil
	}
	run := pipelines[depKey]
	if run == nil {
		return nil
	}
	if err := s.poller.Await(ctx, depT.Repo, run.ID); err != nil {
		return fmt.Errorf("dependency %s: %w", depKey, err)
	}
	passed[depKey] = true
	return nil
}

// nextVersion derives the target's version from the greatest known tag. A
// never-tagged repository starts from the seed version unincremented.
func (s *Scheduler) nextVersion(ctx context.Context, dir string, t *Target, log zerolog.Logger) string {
	prerelease := t.Variant == models.VariantExperimental

	known, err := s.git.ListTags(ctx, dir)
	if err != nil {
		log.Warn().Err(err).Msg("tag listing failed, seeding version")
		known = nil
	}
	latest, ok := tags.Latest(known)
	if !ok {
		version := seedVersion
		if prerelease {
			version += tags.PreReleaseSuffix
		}
		return version
	}
	return latest.Increment(prerelease)
}

// trackPipeline records the pipeline run triggered at the tip so dependents
// can gate on it. Repositories without a release workflow, and runs the
// provider never surfaces, degrade to untracked.
func (s *Scheduler) trackPipeline(ctx context.Context, key string, t *Target, tip string, pipelines map[string]*hosting.PipelineRun, report *Report) {
	has, err := s.host.HasReleaseWorkflow(ctx, t.Repo)
	if err != nil {
		s.log.Warn().Str("target", key).Err(err).Msg("release workflow discovery failed")
		return
	}
	if !has {
		return
	}
	if run, ok := s.poller.Locate(ctx, t.Repo, tip, t.Branch); ok {
		pipelines[key] = run
		report.TrackPipeline(key)
	}
}
