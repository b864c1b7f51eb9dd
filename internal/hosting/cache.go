package hosting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
)

// Cache TTLs. Only facts that cannot go stale dangerously are cached:
// a successful pipeline conclusion is terminal, and workflow definitions
// change rarely enough that a bounded TTL is acceptable. Failed conclusions
// are never cached: a workflow re-run keeps the same run id and can flip
// the conclusion to success.
const (
	workflowPresenceTTL = 24 * time.Hour
	successfulRunTTL    = 7 * 24 * time.Hour
)

// CachedClient wraps a Client with a Redis cache so repeated cron runs skip
// refetching facts that cannot have changed. Live data (open changes, branch
// tips, in-progress runs) is never cached: a stale read there could silently
// drop changes from a release.
type CachedClient struct {
	Client
	rdb       redis.UniversalClient
	keyPrefix string
	log       zerolog.Logger
}

// NewCachedClient wraps inner with a Redis cache under the given key prefix.
func NewCachedClient(inner Client, rdb redis.UniversalClient, keyPrefix string, log zerolog.Logger) *CachedClient {
	return &CachedClient{Client: inner, rdb: rdb, keyPrefix: keyPrefix, log: log}
}

func (c *CachedClient) key(parts ...string) string {
	key := c.keyPrefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// PipelineRun serves successfully concluded runs from cache and stores newly
// observed successes. In-progress and failed runs always hit the provider,
// so a re-run that flips a failure to success is observed promptly.
func (c *CachedClient) PipelineRun(ctx context.Context, repo models.RepositoryID, id int64) (*PipelineRun, error) {
	key := c.key("run", repo.String(), fmt.Sprint(id))
	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var run PipelineRun
		if err := json.Unmarshal(raw, &run); err == nil {
			return &run, nil
		}
	}

	run, err := c.Client.PipelineRun(ctx, repo, id)
	if err != nil {
		return nil, err
	}
	if run.Succeeded() {
		if raw, err := json.Marshal(run); err == nil {
			if err := c.rdb.Set(ctx, key, raw, successfulRunTTL).Err(); err != nil {
				c.log.Warn().Err(err).Str("repo", repo.String()).Msg("pipeline run cache write failed")
			}
		}
	}
	return run, nil
}

// HasReleaseWorkflow caches the presence check per repository.
func (c *CachedClient) HasReleaseWorkflow(ctx context.Context, repo models.RepositoryID) (bool, error) {
	key := c.key("release-workflow", repo.String())
	if val, err := c.rdb.Get(ctx, key).Result(); err == nil {
		return val == "1", nil
	}

	has, err := c.Client.HasReleaseWorkflow(ctx, repo)
	if err != nil {
		return false, err
	}
	val := "0"
	if has {
		val = "1"
	}
	if err := c.rdb.Set(ctx, key, val, workflowPresenceTTL).Err(); err != nil {
		c.log.Warn().Err(err).Str("repo", repo.String()).Msg("workflow presence cache write failed")
	}
	return has, nil
}
