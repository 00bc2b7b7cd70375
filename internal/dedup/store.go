// Package dedup decides whether a URL still needs crawling. It layers three
// checks: the run's crawled set in Redis, outstanding job identities in the
// queue, and the site's recent page records in the database.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seoscope/crawler/internal/logger"
)

const (
	// DefaultRetention is how long crawled-set entries and page records
	// count as fresh before a URL becomes eligible for recrawl.
	DefaultRetention = 14 * 24 * time.Hour

	defaultPrefix = "crawler"

	// Chunk size for replaying page records into the crawled set.
	rebuildChunk = 500
)

// OutstandingChecker reports which URLs already hold a queued or in-flight
// job identity for a run. The queue producer satisfies this.
type OutstandingChecker interface {
	OutstandingBatch(ctx context.Context, runID string, urls []string) ([]bool, error)
}

// PageSource exposes the persisted crawl history the store needs. The page
// repository satisfies this.
type PageSource interface {
	RecentNormalizedURLs(ctx context.Context, siteID string, urls []string, window time.Duration) ([]string, error)
	NormalizedURLsByRun(ctx context.Context, runID string) ([]string, error)
}

// Config holds deduplication store settings.
type Config struct {
	Prefix    string        // Redis key prefix (default "crawler")
	Retention time.Duration // Recrawl-avoidance window (default 14 days)
}

// Store answers "should this URL be crawled" for enqueue and dispatch.
type Store struct {
	client      *redis.Client
	outstanding OutstandingChecker
	pages       PageSource
	prefix      string
	retention   time.Duration
	log         logger.Logger
}

// New creates a deduplication store.
func New(client *redis.Client, outstanding OutstandingChecker, pages PageSource, cfg Config, log logger.Logger) *Store {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}

	return &Store{
		client:      client,
		outstanding: outstanding,
		pages:       pages,
		prefix:      prefix,
		retention:   retention,
		log:         log,
	}
}

func (s *Store) crawledKey(runID string) string {
	return fmt.Sprintf("%s:run:%s:crawled", s.prefix, runID)
}

func (s *Store) skipKey(runID string) string {
	return fmt.Sprintf("%s:run:%s:skip", s.prefix, runID)
}

// MarkCrawled records a normalized URL in the run's crawled set. Workers call
// this right after persisting the page record.
func (s *Store) MarkCrawled(ctx context.Context, runID, normalizedURL string) error {
	key := s.crawledKey(runID)

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, normalizedURL)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark url crawled: %w", err)
	}

	return nil
}

// FilterNew returns, in input order, the URLs that have no page record in the
// run, no outstanding job, and no operator skip. All three checks are batch
// set lookups so sitemap-scale fan-out stays cheap.
func (s *Store) FilterNew(ctx context.Context, runID string, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return []string{}, nil
	}

	members := make([]any, len(urls))
	for i, url := range urls {
		members[i] = url
	}

	crawled, err := s.client.SMIsMember(ctx, s.crawledKey(runID), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check crawled set: %w", err)
	}

	skipped, err := s.client.SMIsMember(ctx, s.skipKey(runID), members...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check skip set: %w", err)
	}

	queued, err := s.outstanding.OutstandingBatch(ctx, runID, urls)
	if err != nil {
		return nil, fmt.Errorf("failed to check outstanding jobs: %w", err)
	}

	fresh := make([]string, 0, len(urls))
	for i, url := range urls {
		if crawled[i] || skipped[i] || queued[i] {
			continue
		}
		fresh = append(fresh, url)
	}

	return fresh, nil
}

// ShouldCrawl is the single-URL form of FilterNew.
func (s *Store) ShouldCrawl(ctx context.Context, runID, normalizedURL string) (bool, error) {
	fresh, err := s.FilterNew(ctx, runID, []string{normalizedURL})
	if err != nil {
		return false, err
	}
	return len(fresh) == 1, nil
}

// RecentlyCrawled reports whether any run for the site stored the URL within
// the retention window. Workers consult this at dispatch time only; enqueue
// deliberately skips it so link discovery can still walk the full site graph.
func (s *Store) RecentlyCrawled(ctx context.Context, siteID, normalizedURL string) (bool, error) {
	recent, err := s.pages.RecentNormalizedURLs(ctx, siteID, []string{normalizedURL}, s.retention)
	if err != nil {
		return false, err
	}
	return len(recent) > 0, nil
}

// FilterRecent returns the subset of urls the site crawled within the
// retention window, in the page store's order.
func (s *Store) FilterRecent(ctx context.Context, siteID string, urls []string) ([]string, error) {
	return s.pages.RecentNormalizedURLs(ctx, siteID, urls, s.retention)
}

// RebuildCrawledSet replays the run's page records into the crawled set and
// returns how many URLs landed. Called on start and resume so lost Redis
// state cannot cause duplicate page records.
func (s *Store) RebuildCrawledSet(ctx context.Context, runID string) (int, error) {
	urls, err := s.pages.NormalizedURLsByRun(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to load run history: %w", err)
	}
	if len(urls) == 0 {
		return 0, nil
	}

	key := s.crawledKey(runID)
	for start := 0; start < len(urls); start += rebuildChunk {
		end := start + rebuildChunk
		if end > len(urls) {
			end = len(urls)
		}

		members := make([]any, 0, end-start)
		for _, url := range urls[start:end] {
			members = append(members, url)
		}

		pipe := s.client.Pipeline()
		pipe.SAdd(ctx, key, members...)
		pipe.Expire(ctx, key, s.retention)
		if _, execErr := pipe.Exec(ctx); execErr != nil {
			return 0, fmt.Errorf("failed to rebuild crawled set: %w", execErr)
		}
	}

	s.log.Info("rebuilt crawled set",
		logger.String("run_id", runID), logger.Int("urls", len(urls)))

	return len(urls), nil
}

// AddSkips merges operator-provided URLs into the run's skip set. Resume
// passes its skip-recent list through here.
func (s *Store) AddSkips(ctx context.Context, runID string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	members := make([]any, len(urls))
	for i, url := range urls {
		members[i] = url
	}

	key := s.skipKey(runID)
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add skips: %w", err)
	}

	return nil
}

// IsSkipped reports whether a URL is in the run's skip set.
func (s *Store) IsSkipped(ctx context.Context, runID, normalizedURL string) (bool, error) {
	skipped, err := s.client.SIsMember(ctx, s.skipKey(runID), normalizedURL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check skip set: %w", err)
	}
	return skipped, nil
}

// ClearRun drops the run's Redis state. Called once a run reaches a terminal
// status; the retention TTL covers runs that never get here.
func (s *Store) ClearRun(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, s.crawledKey(runID), s.skipKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to clear run state: %w", err)
	}
	return nil
}
