package release

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/hosting"
	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
)

var pollRepo = models.RepositoryID{Organization: "GTNewHorizons", Name: "GT5-Unofficial"}

// pollHost serves a scripted sequence of run states for a single run id.
type pollHost struct {
	hosting.Client

	states   []*hosting.PipelineRun
	fetches  int
	locates  int
	located  *hosting.PipelineRun
	notFound int // PipelineRunFor errors before the run becomes visible
}

func (h *pollHost) PipelineRun(ctx context.Context, repo models.RepositoryID, id int64) (*hosting.PipelineRun, error) {
	h.fetches++
	if h.fetches > len(h.states) {
		return h.states[len(h.states)-1], nil
	}
	return h.states[h.fetches-1], nil
}

func (h *pollHost) PipelineRunFor(ctx context.Context, repo models.RepositoryID, sha, branch string) (*hosting.PipelineRun, error) {
	h.locates++
	if h.locates <= h.notFound {
		return nil, hosting.ErrNotFound
	}
	if h.located == nil {
		return nil, hosting.ErrNotFound
	}
	return h.located, nil
}

func run(status, conclusion string) *hosting.PipelineRun {
	return &hosting.PipelineRun{ID: 42, Status: status, Conclusion: conclusion}
}

func newTestPoller(host hosting.Client) *Poller {
	p := NewPoller(host, zerolog.Nop())
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func TestAwaitEventualSuccess(t *testing.T) {
	host := &pollHost{states: []*hosting.PipelineRun{
		run("in_progress", ""),
		run("in_progress", ""),
		run(hosting.RunStatusCompleted, hosting.RunConclusionSuccess),
	}}
	p := newTestPoller(host)

	if err := p.Await(context.Background(), pollRepo, 42); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if host.fetches != 3 {
		t.Errorf("fetches = %d, want 3", host.fetches)
	}
}

func TestAwaitSuccessIsMemoized(t *testing.T) {
	host := &pollHost{states: []*hosting.PipelineRun{
		run(hosting.RunStatusCompleted, hosting.RunConclusionSuccess),
	}}
	p := newTestPoller(host)

	if err := p.Await(context.Background(), pollRepo, 42); err != nil {
		t.Fatal(err)
	}
	if err := p.Await(context.Background(), pollRepo, 42); err != nil {
		t.Fatal(err)
	}
	if host.fetches != 1 {
		t.Errorf("fetches = %d, want 1 (second await must hit the memo)", host.fetches)
	}
}

func TestAwaitFailureConclusion(t *testing.T) {
	host := &pollHost{states: []*hosting.PipelineRun{
		run(hosting.RunStatusCompleted, hosting.RunConclusionCancelled),
	}}
	p := newTestPoller(host)

	err := p.Await(context.Background(), pollRepo, 42)
	if !errors.Is(err, ErrPipelineFailed) {
		t.Fatalf("err = %v, want ErrPipelineFailed", err)
	}
	// Failures are never memoized as successes.
	if err := p.Await(context.Background(), pollRepo, 42); !errors.Is(err, ErrPipelineFailed) {
		t.Fatalf("second await err = %v", err)
	}
}

func TestAwaitTimeout(t *testing.T) {
	host := &pollHost{states: []*hosting.PipelineRun{run("in_progress", "")}}
	p := newTestPoller(host)
	p.pollAttempts = 3

	err := p.Await(context.Background(), pollRepo, 42)
	if !errors.Is(err, ErrPipelineTimeout) {
		t.Fatalf("err = %v, want ErrPipelineTimeout", err)
	}
	// One initial fetch plus one per bounded attempt.
	if host.fetches != 4 {
		t.Errorf("fetches = %d, want 4", host.fetches)
	}
}

func TestAwaitCancelledContext(t *testing.T) {
	host := &pollHost{states: []*hosting.PipelineRun{run("in_progress", "")}}
	p := NewPoller(host, zerolog.Nop())
	p.sleep = sleepCtx
	p.initialDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Await(ctx, pollRepo, 42); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestLocateRetriesUntilVisible(t *testing.T) {
	host := &pollHost{
		notFound: 2,
		located:  run("in_progress", ""),
	}
	p := newTestPoller(host)

	got, ok := p.Locate(context.Background(), pollRepo, "abc", "master")
	if !ok || got.ID != 42 {
		t.Fatalf("Locate = %v, %v", got, ok)
	}
	if host.locates != 3 {
		t.Errorf("locates = %d, want 3", host.locates)
	}
}

func TestLocateExhaustionIsUnobservable(t *testing.T) {
	host := &pollHost{notFound: 100}
	p := newTestPoller(host)
	p.lookupAttempts = 4

	if _, ok := p.Locate(context.Background(), pollRepo, "abc", "master"); ok {
		t.Fatal("expected unobservable result")
	}
	if host.locates != 4 {
		t.Errorf("locates = %d, want 4", host.locates)
	}
}
