package backlink

import (
	"context"
	"fmt"

	"github.com/seoscope/crawler/internal/domain"
	"github.com/seoscope/crawler/internal/logger"
	"github.com/seoscope/crawler/internal/queue"
	"github.com/seoscope/crawler/internal/urlnorm"
)

// How many deferred targets one drain pass retries.
const drainBatch = 10

func (g *Graph) discoveryKey(host string) string {
	return fmt.Sprintf("%s:extdisc:%s", g.prefix, host)
}

func (g *Graph) deferKey(runID string) string {
	return fmt.Sprintf("%s:run:%s:extdefer", g.prefix, runID)
}

// DiscoverExternal asks the finder for pages that may link at targetURL and
// enqueues each candidate as a backlink-discovery job. One query covers a
// target host for the discovery TTL. Discovery is deferred, not dropped,
// while ordinary crawl work is backed up or the finder rate is exhausted;
// deferred targets are retried by DrainDeferred.
func (g *Graph) DiscoverExternal(ctx context.Context, run *domain.CrawlRun, targetURL string) (enqueued int, deferred bool, err error) {
	host := urlnorm.Host(targetURL)
	if host == "" {
		return 0, false, nil
	}

	ordinary, err := g.ordinaryDepth(ctx)
	if err != nil {
		return 0, false, err
	}
	if ordinary > g.deferThreshold {
		return 0, true, g.deferTarget(ctx, run.ID, targetURL)
	}
	if !g.limiter.Allow() {
		return 0, true, g.deferTarget(ctx, run.ID, targetURL)
	}

	claimed, err := g.client.SetNX(ctx, g.discoveryKey(host), run.ID, g.discoveryTTL).Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to claim discovery window: %w", err)
	}
	if !claimed {
		return 0, false, nil // Queried within the TTL already
	}

	sources, err := g.finder.FindSources(ctx, targetURL, g.maxResults)
	if err != nil {
		// Give the window back so a later page from this host can retry.
		if delErr := g.client.Del(ctx, g.discoveryKey(host)).Err(); delErr != nil {
			g.log.Warn("failed to release discovery window",
				logger.String("host", host), logger.Error(delErr))
		}
		return 0, false, fmt.Errorf("finder query for %s failed: %w", host, err)
	}
	if len(sources) == 0 {
		return 0, false, nil
	}

	jobs := make([]*domain.CrawlJob, 0, len(sources))
	for _, source := range sources {
		normalized := urlnorm.Normalize(source.URL)
		if urlnorm.Host(normalized) == "" {
			continue
		}
		// A page on the target's own host is an internal link, not a
		// backlink source.
		if urlnorm.SameDomain(normalized, targetURL) {
			continue
		}
		jobs = append(jobs, &domain.CrawlJob{
			RunID:     run.ID,
			SiteID:    run.SiteID,
			ProjectID: run.ProjectID,
			URL:       normalized,
			Origin:    domain.OriginBacklink,
			SourceURL: targetURL,
			Metadata: map[string]any{
				MetadataTargetKey: domain.BacklinkTarget{
					TargetURL:       targetURL,
					TargetProjectID: run.ProjectID,
				},
			},
		})
	}
	if len(jobs) == 0 {
		return 0, false, nil
	}

	enqueued, err = g.jobs.EnqueueBatch(ctx, jobs)
	if err != nil {
		return enqueued, false, fmt.Errorf("failed to enqueue discovery jobs: %w", err)
	}

	g.log.Info("external backlink sources enqueued",
		logger.String("run_id", run.ID),
		logger.String("host", host),
		logger.Int("candidates", len(sources)),
		logger.Int("enqueued", enqueued))

	return enqueued, false, nil
}

// DrainDeferred retries targets that were deferred while the queue was busy.
// The reconciliation loop calls this once ordinary work has drained. It
// stops early when discovery defers again.
func (g *Graph) DrainDeferred(ctx context.Context, run *domain.CrawlRun) (int, error) {
	targets, err := g.client.SPopN(ctx, g.deferKey(run.ID), drainBatch).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to pop deferred targets: %w", err)
	}

	total := 0
	for i, target := range targets {
		enqueued, deferred, discoverErr := g.DiscoverExternal(ctx, run, target)
		total += enqueued
		if discoverErr != nil {
			g.log.Warn("deferred discovery failed",
				logger.String("target", target), logger.Error(discoverErr))
			continue
		}
		if deferred {
			// Still busy; put the rest back and let the next pass retry.
			rest := targets[i+1:]
			if len(rest) > 0 {
				members := make([]any, len(rest))
				for j, url := range rest {
					members[j] = url
				}
				if addErr := g.client.SAdd(ctx, g.deferKey(run.ID), members...).Err(); addErr != nil {
					g.log.Warn("failed to restore deferred targets", logger.Error(addErr))
				}
			}
			break
		}
	}

	return total, nil
}

// DeferredCount reports how many discovery targets a run has waiting.
func (g *Graph) DeferredCount(ctx context.Context, runID string) (int64, error) {
	return g.client.SCard(ctx, g.deferKey(runID)).Result()
}

// ClearRun drops the run's deferred discovery targets.
func (g *Graph) ClearRun(ctx context.Context, runID string) error {
	if err := g.client.Del(ctx, g.deferKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to clear deferred targets: %w", err)
	}
	return nil
}

func (g *Graph) deferTarget(ctx context.Context, runID, targetURL string) error {
	key := g.deferKey(runID)
	pipe := g.client.Pipeline()
	pipe.SAdd(ctx, key, targetURL)
	pipe.Expire(ctx, key, g.discoveryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to defer discovery target: %w", err)
	}
	return nil
}

func (g *Graph) ordinaryDepth(ctx context.Context) (int64, error) {
	depths, err := g.jobs.Depths(ctx)
	if err != nil {
		return 0, err
	}
	return depths[queue.PrioritySeed] + depths[queue.PrioritySitemap] + depths[queue.PriorityLink], nil
}
