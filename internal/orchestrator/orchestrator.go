// Package orchestrator drives the crawl run lifecycle: starting runs through
// robots verification and sitemap seeding, operator pause/resume/stop, and
// the reconciliation loop that detects completion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/seoscope/crawler/internal/domain"
	"github.com/seoscope/crawler/internal/logger"
	"github.com/seoscope/crawler/internal/logs"
	"github.com/seoscope/crawler/internal/metrics"
	"github.com/seoscope/crawler/internal/queue"
	"github.com/seoscope/crawler/internal/robots"
	"github.com/seoscope/crawler/internal/sitemap"
	"github.com/seoscope/crawler/internal/urlnorm"
)

const (
	// seedTimeout bounds the background sitemap seeding of one run.
	seedTimeout = 10 * time.Minute

	// seedBatchSize chunks sitemap URL enqueues.
	seedBatchSize = 200

	// DefaultReconcileInterval is how often active runs are checked for
	// completion.
	DefaultReconcileInterval = 2 * time.Second
)

// ErrApprovalRequired means robots.txt could not be verified and the run is
// parked in pending_approval until an operator starts it again.
var ErrApprovalRequired = errors.New("robots.txt unavailable, operator approval required")

// RunStore is the slice of the run repository the orchestrator uses.
type RunStore interface {
	GetByID(ctx context.Context, id string) (*domain.CrawlRun, error)
	UpdateStatus(ctx context.Context, id string, from []domain.RunStatus, to domain.RunStatus) error
	SetError(ctx context.Context, id, message string) error
	AddPagesTotal(ctx context.Context, id string, delta int) error
	ListActive(ctx context.Context) ([]*domain.CrawlRun, error)
}

// JobQueue is the producer surface the orchestrator uses.
type JobQueue interface {
	Enqueue(ctx context.Context, job *domain.CrawlJob) (string, error)
	EnqueueBatch(ctx context.Context, jobs []*domain.CrawlJob) (int, error)
	Remove(ctx context.Context, runID string) (int, error)
	OutstandingCount(ctx context.Context, runID string) (int64, error)
	Depths(ctx context.Context) (map[queue.Priority]int64, error)
}

// RobotsPolicy verifies and filters against robots.txt.
type RobotsPolicy interface {
	Verify(ctx context.Context, rawURL string) error
	IsAllowed(ctx context.Context, rawURL string) (bool, error)
}

// SitemapSource locates and expands a site's sitemaps.
type SitemapSource interface {
	Discover(ctx context.Context, baseURL string) []string
	Expand(ctx context.Context, sitemapURL string) ([]sitemap.Entry, error)
}

// DedupStore is the dedup surface the orchestrator uses.
type DedupStore interface {
	RebuildCrawledSet(ctx context.Context, runID string) (int, error)
	FilterNew(ctx context.Context, runID string, urls []string) ([]string, error)
	AddSkips(ctx context.Context, runID string, urls []string) error
	ClearRun(ctx context.Context, runID string) error
}

// BacklinkGraph is the backlink surface the orchestrator uses.
type BacklinkGraph interface {
	DiscoverExternal(ctx context.Context, run *domain.CrawlRun, targetURL string) (int, bool, error)
	DrainDeferred(ctx context.Context, run *domain.CrawlRun) (int, error)
	DeferredCount(ctx context.Context, runID string) (int64, error)
	ClearRun(ctx context.Context, runID string) error
}

// InFlightCounter reports per-run in-flight job counts. The worker pool
// satisfies this.
type InFlightCounter interface {
	InFlight(runID string) int
}

// GateInvalidator drops cached run statuses so operator transitions take
// effect within one gate check instead of one TTL.
type GateInvalidator interface {
	Invalidate(runID string)
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Runs      RunStore
	Queue     JobQueue
	Robots    RobotsPolicy
	Sitemaps  SitemapSource
	Dedup     DedupStore
	Backlinks BacklinkGraph
	Pool      InFlightCounter
	Gate      GateInvalidator
	RunLog    logs.RunLog
	Metrics   *metrics.Metrics
}

// Orchestrator owns run lifecycle transitions. All methods are safe for
// concurrent use.
type Orchestrator struct {
	deps Deps
	log  logger.Logger

	reconcileInterval time.Duration

	// seeding tracks runs whose sitemap seeding this process started.
	// A run is only eligible for completion once its seeding finished,
	// otherwise an empty queue during seeding would complete it early.
	mu      sync.Mutex
	seeding map[string]bool // true = done
}

// New creates an orchestrator.
func New(deps Deps, reconcileInterval time.Duration, log logger.Logger) *Orchestrator {
	if deps.RunLog == nil {
		deps.RunLog = logs.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if reconcileInterval <= 0 {
		reconcileInterval = DefaultReconcileInterval
	}
	return &Orchestrator{
		deps:              deps,
		log:               log,
		reconcileInterval: reconcileInterval,
		seeding:           make(map[string]bool),
	}
}

// Start moves a pending or pending_approval run into in_progress: verifies
// robots.txt, rebuilds the run's crawled set, enqueues the seed job, and
// kicks off sitemap seeding in the background.
//
// When robots.txt cannot be verified on a first start, the run is parked in
// pending_approval and ErrApprovalRequired is returned. Starting a
// pending_approval run counts as the operator's approval and proceeds.
func (o *Orchestrator) Start(ctx context.Context, runID string) error {
	run, err := o.deps.Runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if err = ValidateTransition(run.Status, domain.RunStatusInProgress); err != nil {
		return err
	}
	approved := run.Status == domain.RunStatusPendingApproval

	if err = o.deps.Robots.Verify(ctx, run.BaseURL); err != nil {
		if !errors.Is(err, robots.ErrUnavailable) {
			return fmt.Errorf("verify robots: %w", err)
		}
		if !approved {
			if parkErr := o.deps.Runs.UpdateStatus(ctx, runID,
				[]domain.RunStatus{domain.RunStatusPending}, domain.RunStatusPendingApproval); parkErr != nil {
				return fmt.Errorf("park run for approval: %w", parkErr)
			}
			o.deps.Gate.Invalidate(runID)
			o.deps.RunLog.Log(runID, logs.CategorySetup, logs.LevelWarn,
				"robots.txt unavailable, awaiting operator approval", map[string]any{"base_url": run.BaseURL})
			return ErrApprovalRequired
		}
		o.deps.RunLog.Log(runID, logs.CategorySetup, logs.LevelWarn,
			"crawling without robots.txt on operator approval", map[string]any{"base_url": run.BaseURL})
	}

	// Rebuild the crawled set from persisted pages so a restarted or
	// resumed run never re-crawls what it already has.
	rebuilt, err := o.deps.Dedup.RebuildCrawledSet(ctx, runID)
	if err != nil {
		return fmt.Errorf("rebuild crawled set: %w", err)
	}
	if rebuilt > 0 {
		o.deps.RunLog.Log(runID, logs.CategorySetup, logs.LevelInfo,
			"crawled set rebuilt", map[string]any{"urls": rebuilt})
	}

	if err = o.deps.Runs.UpdateStatus(ctx, runID,
		[]domain.RunStatus{domain.RunStatusPending, domain.RunStatusPendingApproval},
		domain.RunStatusInProgress); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	o.deps.Gate.Invalidate(runID)
	run.Status = domain.RunStatusInProgress

	seedURL := urlnorm.Normalize(run.BaseURL)
	_, err = o.deps.Queue.Enqueue(ctx, &domain.CrawlJob{
		RunID:     runID,
		SiteID:    run.SiteID,
		ProjectID: run.ProjectID,
		URL:       seedURL,
		Origin:    domain.OriginSeed,
	})
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		return fmt.Errorf("enqueue seed: %w", err)
	}

	o.deps.RunLog.Log(runID, logs.CategorySetup, logs.LevelInfo, "run started", map[string]any{
		"base_url": run.BaseURL,
		"approved": approved,
	})

	o.mu.Lock()
	o.seeding[runID] = false
	o.mu.Unlock()
	go o.seed(run)

	return nil
}

// Pause suspends an in_progress run. In-flight jobs defer themselves at
// their next gate check; pending jobs stay queued.
func (o *Orchestrator) Pause(ctx context.Context, runID string) error {
	if err := o.deps.Runs.UpdateStatus(ctx, runID,
		[]domain.RunStatus{domain.RunStatusInProgress}, domain.RunStatusPaused); err != nil {
		return err
	}
	o.deps.Gate.Invalidate(runID)
	o.deps.RunLog.Log(runID, logs.CategorySetup, logs.LevelInfo, "run paused", nil)
	return nil
}

// Resume moves a paused run back to in_progress. skipURLs, when present,
// are added to the run's operator skip set first so their queued jobs finish
// as skips instead of crawls.
func (o *Orchestrator) Resume(ctx context.Context, runID string, skipURLs []string) error {
	if len(skipURLs) > 0 {
		normalized := make([]string, 0, len(skipURLs))
		for _, u := range skipURLs {
			if n := urlnorm.Normalize(u); n != "" {
				normalized = append(normalized, n)
			}
		}
		if err := o.deps.Dedup.AddSkips(ctx, runID, normalized); err != nil {
			return fmt.Errorf("add operator skips: %w", err)
		}
		o.deps.RunLog.Log(runID, logs.CategorySetup, logs.LevelInfo,
			"operator skip list applied", map[string]any{"urls": len(normalized)})
	}

	if err := o.deps.Runs.UpdateStatus(ctx, runID,
		[]domain.RunStatus{domain.RunStatusPaused}, domain.RunStatusInProgress); err != nil {
		return err
	}
	o.deps.Gate.Invalidate(runID)
	o.deps.RunLog.Log(runID, logs.CategorySetup, logs.LevelInfo, "run resumed", nil)
	return nil
}

// Stop cancels a run permanently and purges its queued jobs. Stopped is
// terminal; the run can never be resumed.
func (o *Orchestrator) Stop(ctx context.Context, runID string) error {
	err := o.deps.Runs.UpdateStatus(ctx, runID,
		[]domain.RunStatus{
			domain.RunStatusPending,
			domain.RunStatusPendingApproval,
			domain.RunStatusInProgress,
			domain.RunStatusPaused,
		}, domain.RunStatusStopped)
	if err != nil {
		return err
	}
	o.deps.Gate.Invalidate(runID)
	o.forget(runID)

	// Purge and cleanup are best-effort: the status flip alone guarantees
	// no further page is persisted, and leftover jobs abort at dispatch.
	purged, purgeErr := o.deps.Queue.Remove(ctx, runID)
	if purgeErr != nil {
		o.log.Warn("failed to purge stopped run's jobs",
			logger.Error(purgeErr), logger.String("run_id", runID))
	}
	o.cleanup(ctx, runID)

	o.deps.RunLog.Log(runID, logs.CategorySetup, logs.LevelInfo, "run stopped", map[string]any{
		"jobs_purged": purged,
	})
	return nil
}

// OnQueueFull pauses every in_progress run. Workers call this when a
// priority stream hits its length cap; the operator resumes runs once the
// backlog drains. Implements the worker's exhaustion notifier.
func (o *Orchestrator) OnQueueFull(ctx context.Context) {
	runs, err := o.deps.Runs.ListActive(ctx)
	if err != nil {
		o.log.Error("failed to list active runs on queue exhaustion", logger.Error(err))
		return
	}

	o.log.Warn("job queue full, pausing active runs", logger.Int("runs", len(runs)))
	for _, run := range runs {
		if run.Status != domain.RunStatusInProgress {
			continue
		}
		if err := o.Pause(ctx, run.ID); err != nil {
			o.log.Warn("failed to pause run on queue exhaustion",
				logger.Error(err), logger.String("run_id", run.ID))
		}
	}
}

// seed discovers and expands the site's sitemaps and enqueues their URLs at
// sitemap priority, ordered by the sitemaps' priority hints. It runs in the
// background; seeding failures degrade the run to link discovery only.
func (o *Orchestrator) seed(run *domain.CrawlRun) {
	ctx, cancel := context.WithTimeout(context.Background(), seedTimeout)
	defer cancel()
	defer o.markSeeded(run.ID)

	entries := o.collectSitemapEntries(ctx, run)
	enqueued := 0
	if len(entries) > 0 {
		enqueued = o.enqueueSitemapEntries(ctx, run, entries)
	}

	// The seed page counts toward the total alongside the sitemap URLs.
	if err := o.deps.Runs.AddPagesTotal(ctx, run.ID, enqueued+1); err != nil {
		o.log.Warn("failed to record run page total",
			logger.Error(err), logger.String("run_id", run.ID))
	}

	// Backlink discovery probes run at the lowest priority, after the
	// site's own URLs are queued.
	sources, deferred, err := o.deps.Backlinks.DiscoverExternal(ctx, run, run.BaseURL)
	if err != nil {
		o.log.Warn("backlink discovery failed",
			logger.Error(err), logger.String("run_id", run.ID))
	}
	if sources > 0 || deferred {
		o.deps.RunLog.Log(run.ID, logs.CategoryBacklink, logs.LevelInfo,
			"backlink source probes queued", map[string]any{
				"sources":  sources,
				"deferred": deferred,
			})
	}
}

// collectSitemapEntries expands every discovered sitemap and returns the
// entries ordered by priority hint, highest first. Order within the sitemap
// priority tier is the only effect the hint has.
func (o *Orchestrator) collectSitemapEntries(ctx context.Context, run *domain.CrawlRun) []sitemap.Entry {
	sitemapURLs := o.deps.Sitemaps.Discover(ctx, run.BaseURL)
	if len(sitemapURLs) == 0 {
		o.deps.RunLog.Log(run.ID, logs.CategorySetup, logs.LevelInfo,
			"no sitemaps found, relying on link discovery", nil)
		return nil
	}

	var entries []sitemap.Entry
	for _, sitemapURL := range sitemapURLs {
		expanded, err := o.deps.Sitemaps.Expand(ctx, sitemapURL)
		if err != nil {
			o.deps.RunLog.Log(run.ID, logs.CategorySetup, logs.LevelWarn,
				"sitemap could not be expanded", map[string]any{
					"sitemap": sitemapURL,
					"error":   err.Error(),
				})
			continue
		}
		entries = append(entries, expanded...)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Priority > entries[j].Priority
	})

	o.deps.RunLog.Log(run.ID, logs.CategorySetup, logs.LevelInfo, "sitemaps expanded", map[string]any{
		"sitemaps": len(sitemapURLs),
		"urls":     len(entries),
	})
	return entries
}

// enqueueSitemapEntries filters sitemap URLs through domain, robots, and
// dedup checks, then enqueues the survivors in priority-hint order.
func (o *Orchestrator) enqueueSitemapEntries(ctx context.Context, run *domain.CrawlRun, entries []sitemap.Entry) int {
	seen := make(map[string]bool, len(entries))
	candidates := make([]string, 0, len(entries))
	for _, entry := range entries {
		normalized := urlnorm.Normalize(entry.URL)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true

		if !urlnorm.SameDomain(run.BaseURL, normalized) {
			o.deps.RunLog.Log(run.ID, logs.CategoryFiltering, logs.LevelDebug,
				"foreign-domain sitemap url dropped", map[string]any{"url": normalized})
			continue
		}

		allowed, err := o.deps.Robots.IsAllowed(ctx, normalized)
		if err != nil || !allowed {
			o.deps.RunLog.Log(run.ID, logs.CategorySkipped, logs.LevelInfo, "url skipped", map[string]any{
				"url":    normalized,
				"reason": logs.ReasonRobots,
			})
			continue
		}

		candidates = append(candidates, normalized)
	}

	fresh, err := o.deps.Dedup.FilterNew(ctx, run.ID, candidates)
	if err != nil {
		o.log.Warn("failed to dedup sitemap urls",
			logger.Error(err), logger.String("run_id", run.ID))
		fresh = candidates
	}
	if filtered := len(candidates) - len(fresh); filtered > 0 {
		o.deps.RunLog.Log(run.ID, logs.CategoryFiltering, logs.LevelDebug,
			"duplicate sitemap urls filtered", map[string]any{"count": filtered})
	}

	enqueued := 0
	for start := 0; start < len(fresh); start += seedBatchSize {
		end := start + seedBatchSize
		if end > len(fresh) {
			end = len(fresh)
		}

		batch := make([]*domain.CrawlJob, 0, end-start)
		for _, u := range fresh[start:end] {
			batch = append(batch, &domain.CrawlJob{
				RunID:     run.ID,
				SiteID:    run.SiteID,
				ProjectID: run.ProjectID,
				URL:       u,
				Origin:    domain.OriginSitemap,
			})
		}

		n, err := o.deps.Queue.EnqueueBatch(ctx, batch)
		enqueued += n
		if err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				o.OnQueueFull(ctx)
			} else {
				o.log.Warn("failed to enqueue sitemap batch",
					logger.Error(err), logger.String("run_id", run.ID))
			}
			break
		}
	}

	if enqueued > 0 {
		o.deps.RunLog.Log(run.ID, logs.CategoryQueued, logs.LevelInfo, "sitemap urls enqueued", map[string]any{
			"count": enqueued,
		})
	}
	return enqueued
}

// cleanup drops the run's transient Redis state. Persisted pages, links,
// and backlinks stay.
func (o *Orchestrator) cleanup(ctx context.Context, runID string) {
	if err := o.deps.Dedup.ClearRun(ctx, runID); err != nil {
		o.log.Warn("failed to clear dedup state",
			logger.Error(err), logger.String("run_id", runID))
	}
	if err := o.deps.Backlinks.ClearRun(ctx, runID); err != nil {
		o.log.Warn("failed to clear backlink state",
			logger.Error(err), logger.String("run_id", runID))
	}
}

func (o *Orchestrator) markSeeded(runID string) {
	o.mu.Lock()
	if _, tracked := o.seeding[runID]; tracked {
		o.seeding[runID] = true
	}
	o.mu.Unlock()
}

// seeded reports whether the run's seeding is known to have finished. Runs
// this process never seeded (adopted after a restart) are treated as seeded,
// since their sitemap jobs are already in the queue or lost for good.
func (o *Orchestrator) seeded(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	done, tracked := o.seeding[runID]
	return !tracked || done
}

func (o *Orchestrator) forget(runID string) {
	o.mu.Lock()
	delete(o.seeding, runID)
	o.mu.Unlock()
}
