// Command train_cli drives the full experimental release train: it resolves
// mergeable changes per repository, rebuilds integration branches where
// needed, then schedules version tags across the repository set.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/buildtool"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/config"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/gitcmd"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/hosting"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/integration"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/release"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/resolver"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/state"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/storage"
)

var (
	configPath = flag.String("config", "mergemaster.yaml", "Run configuration file")
	dryRun     = flag.Bool("dry-run", false, "Compute everything, push and tag nothing")
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
)

// provenanceDepth bounds the default-branch history scan used to reconstruct
// the stable change set.
const provenanceDepth = 30

// App holds the wired components for one invocation.
type App struct {
	cfg          *config.Config
	log          zerolog.Logger
	git          *gitcmd.Runner
	host         hosting.Client
	resolver     *resolver.Resolver
	orchestrator *integration.Orchestrator
	scheduler    *release.Scheduler
	archive      *storage.Archive
}

func main() {
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().Level(level)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration failed")
	}
	if *dryRun {
		cfg.DryRun = true
	}

	app := NewApp(cfg, log)
	ctx := context.Background()

	cmd := "run"
	if args := flag.Args(); len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "run":
		err = app.Run(ctx)
	case "rebuild":
		_, _, err = app.RebuildAll(ctx)
	case "release":
		err = app.ReleaseOnly(ctx)
	case "help":
		printHelp()
	default:
		log.Error().Str("command", cmd).Msg("unknown command")
		printHelp()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("release train failed")
	}
}

func printHelp() {
	fmt.Println(`Usage: train_cli [flags] <command>

Commands:
  run      Rebuild integration branches, then schedule releases (default)
  rebuild  Rebuild integration branches only
  release  Schedule releases from current branch state, without rebuilding
  help     Show this help

Flags:
  -config   Run configuration file (default "mergemaster.yaml")
  -dry-run  Compute everything, push and tag nothing
  -verbose  Enable debug logging`)
}

// NewApp wires every component from the configuration. Redis and the object
// store are optional; absent, the train runs uncached and unarchived.
func NewApp(cfg *config.Config, log zerolog.Logger) *App {
	token := cfg.Token()
	git := gitcmd.NewRunner(cfg.Workdir, token, log)

	var host hosting.Client = hosting.NewGitHubClient("https://api.github.com", token, log)
	if cfg.Redis != nil {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		host = hosting.NewCachedClient(host, rdb, cfg.Redis.KeyPrefix, log)
	}

	var archive *storage.Archive
	if cfg.Archive != nil {
		archive = storage.NewArchive(newS3Store(cfg.Archive), cfg.Archive.KeyPrefix)
	}

	gradle := buildtool.NewGradle(log)
	poller := release.NewPoller(host, log)

	return &App{
		cfg:          cfg,
		log:          log,
		git:          git,
		host:         host,
		resolver:     resolver.New(host, cfg.Labels, log),
		orchestrator: integration.NewOrchestrator(git, host, gradle, archive, cfg.Labels.NonRevertible, cfg.DryRun, log),
		scheduler:    release.NewScheduler(git, host, gradle, poller, cfg.Branches, cfg.Blacklists, cfg.DryRun, log),
		archive:      archive,
	}
}

func newS3Store(cfg *config.ArchiveConfig) *storage.S3ObjectStore {
	creds := aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		}, nil
	})
	opts := s3.Options{Region: cfg.Region, Credentials: creds}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return storage.NewS3ObjectStore(s3.New(opts), cfg.Bucket)
}

func (a *App) branches() integration.Branches {
	return integration.Branches{
		Default:     a.cfg.Branches.Default,
		Integration: a.cfg.Branches.Integration,
		Overlay:     a.cfg.Branches.Overlay,
		Error:       a.cfg.Branches.Error,
	}
}

// Run is the full train: rebuild every integration branch that needs it,
// then schedule releases over the resulting state.
func (a *App) Run(ctx context.Context) error {
	inputs, outcomes, err := a.RebuildAll(ctx)
	if err != nil {
		return err
	}
	return a.schedule(ctx, inputs, outcomes)
}

// ReleaseOnly schedules releases from the branches as they stand.
func (a *App) ReleaseOnly(ctx context.Context) error {
	var inputs []release.Input
	for _, repo := range a.cfg.RepositoryIDs() {
		if a.cfg.Blacklists.ProcessingBlacklisted(repo) {
			continue
		}
		in, err := a.currentInput(ctx, repo)
		if err != nil {
			a.log.Error().Str("repo", repo.String()).Err(err).Msg("skipping repository")
			continue
		}
		inputs = append(inputs, in)
	}
	return a.schedule(ctx, inputs, nil)
}

// RebuildAll processes every configured repository and returns the release
// inputs derived from the resulting branch state. A repository that fails or
// escalates is logged and withheld from release scheduling; the rest of the
// set proceeds.
func (a *App) RebuildAll(ctx context.Context) ([]release.Input, []release.RepoOutcome, error) {
	external, err := a.cfg.ExternalChangeIDs()
	if err != nil {
		return nil, nil, err
	}

	var (
		inputs   []release.Input
		outcomes []release.RepoOutcome
	)
	for _, repo := range a.cfg.RepositoryIDs() {
		if a.cfg.Blacklists.ProcessingBlacklisted(repo) {
			a.log.Info().Str("repo", repo.String()).Msg("repository blacklisted, skipping")
			continue
		}
		in, outcome, err := a.processRepo(ctx, repo, external)
		if err != nil {
			a.log.Error().Str("repo", repo.String()).Err(err).Msg("repository cycle failed")
			outcomes = append(outcomes, release.RepoOutcome{Repo: repo.String(), Decision: "failed"})
			continue
		}
		inputs = append(inputs, in)
		outcomes = append(outcomes, outcome)
	}
	return inputs, outcomes, nil
}

// processRepo runs one repository's integration cycle: resolve, decide,
// rebuild or tear down, and package the outcome for the scheduler.
func (a *App) processRepo(ctx context.Context, repo models.RepositoryID, external []models.ChangeID) (release.Input, release.RepoOutcome, error) {
	branches := a.branches()
	outcome := release.RepoOutcome{Repo: repo.String()}

	res, err := a.resolver.Resolve(ctx, repo, branches.Default, external)
	if err != nil {
		return release.Input{}, outcome, err
	}

	dir, err := a.git.EnsureClone(ctx, repo)
	if err != nil {
		return release.Input{}, outcome, err
	}

	status := a.branchStatus(ctx, repo, branches)
	var prior *state.BranchState
	if status.IntegrationExists {
		prior, _ = a.orchestrator.PriorState(ctx, dir, branches)
	}

	assessment := integration.Assess(res.Ordered, prior, status, a.log)
	outcome.Decision = assessment.Decision.String()
	a.log.Info().Str("repo", repo.String()).Stringer("decision", assessment.Decision).
		Int("added", len(assessment.Added)).Int("removed", len(assessment.Removed)).
		Msg("integration branch assessed")

	var branchState *state.BranchState
	switch assessment.Decision {
	case integration.DecisionSkip:
	case integration.DecisionTearDown:
		if err := a.orchestrator.TearDown(ctx, repo, branches); err != nil {
			return release.Input{}, outcome, err
		}
	case integration.DecisionNone:
		branchState = prior
	case integration.DecisionRebuild:
		out, err := a.orchestrator.Rebuild(ctx, repo, branches, res, prior, a.cfg.Blacklists.FormattingBlacklisted(repo))
		if err != nil {
			return release.Input{}, outcome, err
		}
		outcome.Merged = len(out.Merged)
		outcome.Dropped = len(out.Dropped)
		outcome.Escalated = out.Escalated
		if out.Escalated {
			// The error branch carries the failure; the integration line
			// sits out release scheduling until an operator resolves it.
			a.log.Error().Str("repo", repo.String()).Str("reason", out.EscalationReason).
				Msg("integration escalated, withholding experimental release")
		} else {
			branchState = out.State
		}
	}

	included, deps, err := a.stableState(ctx, repo, dir)
	if err != nil {
		return release.Input{}, outcome, err
	}
	return release.Input{
		Repo:               repo,
		Integration:        branchState,
		StableIncluded:     included,
		StableDependencies: deps,
	}, outcome, nil
}

// currentInput reads branch state without rebuilding anything.
func (a *App) currentInput(ctx context.Context, repo models.RepositoryID) (release.Input, error) {
	branches := a.branches()
	dir, err := a.git.EnsureClone(ctx, repo)
	if err != nil {
		return release.Input{}, err
	}

	var branchState *state.BranchState
	if _, err := a.host.Branch(ctx, repo, branches.Integration); err == nil {
		branchState, _ = a.orchestrator.PriorState(ctx, dir, branches)
	} else if !errors.Is(err, hosting.ErrNotFound) {
		return release.Input{}, err
	}

	included, deps, err := a.stableState(ctx, repo, dir)
	if err != nil {
		return release.Input{}, err
	}
	return release.Input{
		Repo:               repo,
		Integration:        branchState,
		StableIncluded:     included,
		StableDependencies: deps,
	}, nil
}

// branchStatus collects the remote branch facts the decision table consumes.
// Discovery failures read as absence.
func (a *App) branchStatus(ctx context.Context, repo models.RepositoryID, branches integration.Branches) integration.BranchStatus {
	var status integration.BranchStatus
	if info, err := a.host.Branch(ctx, repo, branches.Integration); err == nil {
		status.IntegrationExists = true
		status.IntegrationTip = info.CommittedAt
	}
	if info, err := a.host.Branch(ctx, repo, branches.Overlay); err == nil {
		status.OverlayExists = true
		status.OverlayTip = info.CommittedAt
	}
	return status
}

// stableState reconstructs the default branch's change provenance.
func (a *App) stableState(ctx context.Context, repo models.RepositoryID, dir string) ([]models.ChangeID, []models.ChangeID, error) {
	commits, err := a.git.Log(ctx, dir, "origin/"+a.cfg.Branches.Default, provenanceDepth)
	if err != nil {
		return nil, nil, err
	}
	return a.resolver.StableState(ctx, repo, commits)
}

// schedule runs the release scheduler and archives the report.
func (a *App) schedule(ctx context.Context, inputs []release.Input, outcomes []release.RepoOutcome) error {
	report, err := a.scheduler.Run(ctx, inputs)
	report.Repositories = outcomes
	if a.archive != nil {
		if raw, encErr := report.Encode(); encErr == nil {
			if saveErr := a.archive.SaveReport(ctx, report.StartedAt, raw); saveErr != nil {
				a.log.Warn().Err(saveErr).Msg("report archive failed")
			}
		}
	}
	for _, entry := range report.Targets {
		a.log.Info().Str("target", entry.Target).Str("outcome", string(entry.Outcome)).
			Str("version", entry.Version).Msg("release outcome")
	}
	return err
}
