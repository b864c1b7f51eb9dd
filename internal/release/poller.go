// Package release promotes stable and experimental branches across the
// repository set: it orders release targets by dependency, derives and pins
// versions, tags, and gates dependents on upstream build pipelines.
package release

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/hosting"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
)

var (
	// ErrPipelineFailed reports a dependency pipeline that completed
	// unsuccessfully. Dependents must never tag against it.
	ErrPipelineFailed = errors.New("pipeline failed")
	// ErrPipelineTimeout reports a pipeline that did not complete within
	// the polling budget. Treated like failure: an unresponsive pipeline
	// blocks dependents rather than silently unblocking them.
	ErrPipelineTimeout = errors.New("pipeline poll timed out")
)

const (
	// The remote side is eventually consistent: a run triggered by a push
	// may take a few seconds to become visible.
	defaultLookupAttempts = 5
	defaultLookupPause    = 10 * time.Second

	// Observed latency before a run's status changes meaningfully.
	defaultInitialDelay = 2 * time.Minute
	defaultPollInterval = 30 * time.Second
	defaultPollAttempts = 40

	pollMemoSize = 256
)

// Poller tracks remote pipeline runs. Completed conclusions are memoized so
// a run is never re-polled within one scheduling pass.
type Poller struct {
	host           hosting.Client
	lookupAttempts int
	lookupPause    time.Duration
	initialDelay   time.Duration
	pollInterval   time.Duration
	pollAttempts   int
	sleep          func(ctx context.Context, d time.Duration) error
	memo           *lru.Cache[string, bool]
	log            zerolog.Logger
}

// NewPoller constructs a Poller with production timing.
func NewPoller(host hosting.Client, log zerolog.Logger) *Poller {
	memo, _ := lru.New[string, bool](pollMemoSize)
	return &Poller{
		host:           host,
		lookupAttempts: defaultLookupAttempts,
		lookupPause:    defaultLookupPause,
		initialDelay:   defaultInitialDelay,
		pollInterval:   defaultPollInterval,
		pollAttempts:   defaultPollAttempts,
		sleep:          sleepCtx,
		memo:           memo,
		log:            log,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func memoKey(repo models.RepositoryID, id int64) string {
	return fmt.Sprintf("%s#%d", repo, id)
}

// Locate finds the pipeline run triggered by the pushed commit, retrying a
// bounded number of times. A false result means the target has no
// trackable pipeline. That is degraded observability, not a failure.
func (p *Poller) Locate(ctx context.Context, repo models.RepositoryID, headSHA, branch string) (*hosting.PipelineRun, bool) {
	for attempt := 0; attempt < p.lookupAttempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, p.lookupPause); err != nil {
				return nil, false
			}
		}
		run, err := p.host.PipelineRunFor(ctx, repo, headSHA, branch)
		if err == nil {
			return run, true
		}
		if !errors.Is(err, hosting.ErrNotFound) {
			p.log.Warn().Str("repo", repo.String()).Err(err).Msg("pipeline run lookup failed")
		}
	}
	p.log.Info().Str("repo", repo.String()).Str("sha", headSHA).Msg("no pipeline run found, treating target as unobservable")
	return nil, false
}

// Await blocks until the run completes. It returns nil on success,
// ErrPipelineFailed on an unsuccessful conclusion, and ErrPipelineTimeout
// when the polling budget is exhausted.
func (p *Poller) Await(ctx context.Context, repo models.RepositoryID, id int64) error {
	key := memoKey(repo, id)
	if ok, found := p.memo.Get(key); found && ok {
		return nil
	}

	run, err := p.host.PipelineRun(ctx, repo, id)
	if err != nil {
		return fmt.Errorf("pipeline %s: %w", key, err)
	}
	if run.Done() {
		return p.conclude(key, run)
	}

	if err := p.sleep(ctx, p.initialDelay); err != nil {
		return err
	}
	for attempt := 0; attempt < p.pollAttempts; attempt++ {
		run, err = p.host.PipelineRun(ctx, repo, id)
		if err != nil {
			return fmt.Errorf("pipeline %s: %w", key, err)
		}
		if run.Done() {
			return p.conclude(key, run)
		}
		if err := p.sleep(ctx, p.pollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s", ErrPipelineTimeout, key)
}

func (p *Poller) conclude(key string, run *hosting.PipelineRun) error {
	if run.Succeeded() {
		p.memo.Add(key, true)
		return nil
	}
	return fmt.Errorf("%w: %s concluded %s", ErrPipelineFailed, key, run.Conclusion)
}
