package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seoscope/crawler/internal/database"
	"github.com/seoscope/crawler/internal/domain"
	"github.com/seoscope/crawler/internal/extractor"
	"github.com/seoscope/crawler/internal/fetch"
	"github.com/seoscope/crawler/internal/logger"
	"github.com/seoscope/crawler/internal/logs"
	"github.com/seoscope/crawler/internal/metrics"
	"github.com/seoscope/crawler/internal/queue"
	"github.com/seoscope/crawler/internal/robots"
	"github.com/seoscope/crawler/internal/urlnorm"
)

// Dedup is the slice of the deduplication store the worker consumes.
type Dedup interface {
	RecentlyCrawled(ctx context.Context, siteID, normalizedURL string) (bool, error)
	IsSkipped(ctx context.Context, runID, normalizedURL string) (bool, error)
	MarkCrawled(ctx context.Context, runID, normalizedURL string) error
	FilterNew(ctx context.Context, runID string, urls []string) ([]string, error)
}

// Robots is the slice of the robots policy the worker consumes.
type Robots interface {
	IsAllowed(ctx context.Context, rawURL string) (bool, error)
	CrawlDelay(host string) time.Duration
}

// Fetcher fetches one page. The fetch pipeline satisfies this.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts fetch.Options) (*fetch.Result, error)
}

// Extractor parses fetched HTML. The goquery extractor satisfies this.
type Extractor interface {
	Extract(body []byte, finalURL string) (*extractor.Extraction, error)
}

// PageStore persists page records.
type PageStore interface {
	Create(ctx context.Context, page *domain.PageRecord) error
}

// LinkStore persists extracted links.
type LinkStore interface {
	CreateBatch(ctx context.Context, links []*domain.Link) error
}

// RunCounter updates run progress.
type RunCounter interface {
	IncrementPagesCrawled(ctx context.Context, id string) error
}

// BacklinkSink receives crawled pages for backlink derivation. Failures are
// contained inside the sink.
type BacklinkSink interface {
	OnPageCrawled(ctx context.Context, run *domain.CrawlRun, page *domain.PageRecord, links []*domain.Link, origin domain.OriginKind)
}

// JobSink enqueues discovered links and releases finished job identities.
type JobSink interface {
	EnqueueBatch(ctx context.Context, jobs []*domain.CrawlJob) (int, error)
	Release(ctx context.Context, job *domain.CrawlJob) error
}

// ExhaustionNotifier hears about a full queue so it can pause active runs.
// The orchestrator satisfies this.
type ExhaustionNotifier interface {
	OnQueueFull(ctx context.Context)
}

// Deps are the collaborators one worker needs.
type Deps struct {
	Gate       *Gate
	Dedup      Dedup
	Robots     Robots
	Fetcher    Fetcher
	Extractor  Extractor
	Pages      PageStore
	Links      LinkStore
	Runs       RunCounter
	Backlinks  BacklinkSink
	Jobs       JobSink
	Exhaustion ExhaustionNotifier // optional
	RunLog     logs.RunLog
	Metrics    *metrics.Metrics
}

// Worker executes crawl jobs. One Worker instance serves the whole pool;
// all state is either per-call or concurrency-safe.
type Worker struct {
	cfg   Config
	deps  Deps
	acker Acker
	hosts *hostLimiter
	log   logger.Logger
}

// NewWorker creates a worker.
func NewWorker(cfg Config, deps Deps, log logger.Logger) *Worker {
	if deps.RunLog == nil {
		deps.RunLog = logs.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	return &Worker{
		cfg:   cfg,
		deps:  deps,
		hosts: newHostLimiter(),
		log:   log,
	}
}

// Handle runs one consumed job to a terminal outcome and settles it against
// the queue. The job body runs under the hard wall-clock timeout; queue
// settlement uses the parent context so a timed-out job can still be acked.
func (w *Worker) Handle(ctx context.Context, consumed *queue.ConsumedJob) {
	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	out := w.process(jobCtx, consumed.Job)
	cancel()

	w.settle(ctx, consumed, out)
}

// process is the per-job pipeline. Before and after every potentially slow
// step it re-reads the run status and bails out, so pause and stop take
// effect on in-flight work without preemptive cancellation.
func (w *Worker) process(ctx context.Context, job *domain.CrawlJob) outcome {
	if out, proceed := w.gateCheck(ctx, job.RunID); !proceed {
		return out
	}

	opSkipped, err := w.deps.Dedup.IsSkipped(ctx, job.RunID, job.URL)
	if err != nil {
		return retry(fmt.Errorf("check skip set: %w", err))
	}
	if opSkipped {
		return skipped(logs.ReasonOperatorSkip)
	}

	// Tier-3 retention check happens here, at dispatch time, never at
	// enqueue, so link discovery still enumerates the full site graph.
	recent, err := w.deps.Dedup.RecentlyCrawled(ctx, job.SiteID, job.URL)
	if err != nil {
		return retry(fmt.Errorf("check retention window: %w", err))
	}
	if recent {
		return skipped(logs.ReasonRecentlyCrawled)
	}

	// Robots re-check at dispatch time: rules may have changed since the
	// URL was enqueued, and compliance must win over queued work.
	allowed, err := w.deps.Robots.IsAllowed(ctx, job.URL)
	if err != nil {
		if errors.Is(err, robots.ErrUnavailable) {
			return abandoned(logs.ReasonRobots)
		}
		return retry(fmt.Errorf("robots check: %w", err))
	}
	if !allowed {
		return abandoned(logs.ReasonRobots)
	}

	host := urlnorm.Host(job.URL)
	wait := w.hosts.reserve(host, w.deps.Robots.CrawlDelay(host))
	if out, proceed := w.waitDelay(ctx, job.RunID, wait); !proceed {
		return out
	}

	started := time.Now()
	result, err := w.deps.Fetcher.Fetch(ctx, job.URL, fetch.Options{Aggressive: w.cfg.Aggressive})
	w.deps.Metrics.FetchDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return w.classifyFetchError(err)
	}
	w.recordFetch(result)

	// The stop-finality gate: a stop or pause issued during the fetch
	// suppresses persistence of the response we just paid for.
	if out, proceed := w.gateCheck(ctx, job.RunID); !proceed {
		return out
	}

	if out, terminal := classifyStatus(result.StatusCode); terminal {
		return out
	}

	ext, err := w.deps.Extractor.Extract(result.Body, result.FinalURL)
	if err != nil {
		return skipped(logs.ReasonUnparseable)
	}

	run, err := w.deps.Gate.Run(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, ErrRunGone) {
			return aborted()
		}
		return retry(err)
	}

	page, links := w.buildRecords(job, result, ext)

	if err = w.deps.Pages.Create(ctx, page); err != nil {
		if errors.Is(err, database.ErrDuplicatePage) {
			// Another path persisted this URL first; the unique index is
			// the authority, so finish without double-counting.
			if markErr := w.deps.Dedup.MarkCrawled(ctx, job.RunID, job.URL); markErr != nil {
				w.log.Warn("failed to mark crawled", logger.Error(markErr))
			}
			return skipped(logs.ReasonDuplicate)
		}
		return retry(fmt.Errorf("persist page: %w", err))
	}

	if err = w.deps.Dedup.MarkCrawled(ctx, job.RunID, job.URL); err != nil {
		w.log.Warn("failed to mark crawled",
			logger.Error(err), logger.String("url", job.URL))
	}

	if err = w.deps.Runs.IncrementPagesCrawled(ctx, job.RunID); err != nil {
		if errors.Is(err, database.ErrRunNotFound) {
			return aborted()
		}
		w.log.Warn("failed to increment pages crawled",
			logger.Error(err), logger.String("run_id", job.RunID))
	}

	if len(links) > 0 {
		if err = w.deps.Links.CreateBatch(ctx, links); err != nil {
			// The page is already persisted; losing its links costs backlink
			// coverage, not crawl correctness.
			w.log.Warn("failed to persist links",
				logger.Error(err), logger.String("url", job.URL))
		}
	}

	w.deps.Backlinks.OnPageCrawled(ctx, run, page, links, job.Origin)

	if job.Origin != domain.OriginBacklink && !ext.NoFollow {
		w.discoverLinks(ctx, job, page, links)
	}

	w.deps.RunLog.Log(job.RunID, logs.CategoryCrawled, logs.LevelInfo, "page crawled", map[string]any{
		"url":    job.URL,
		"status": result.StatusCode,
		"links":  len(links),
	})
	w.deps.Metrics.PagesCrawled.WithLabelValues(job.Origin.String()).Inc()

	return completed()
}

// gateCheck maps the run's current status onto a continue/bail decision.
func (w *Worker) gateCheck(ctx context.Context, runID string) (outcome, bool) {
	status, err := w.deps.Gate.Status(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrRunGone) {
			return aborted(), false
		}
		return retry(err), false
	}

	switch status {
	case domain.RunStatusInProgress:
		return outcome{}, true
	case domain.RunStatusPaused:
		return deferred(), false
	default:
		return aborted(), false
	}
}

// waitDelay honors the host's crawl-delay in small increments, re-checking
// the run status at each one so a pause or stop is observed within one
// increment instead of after the full delay.
func (w *Worker) waitDelay(ctx context.Context, runID string, wait time.Duration) (outcome, bool) {
	for wait > 0 {
		step := w.cfg.DelayIncrement
		if step > wait {
			step = wait
		}

		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return retry(ctx.Err()), false
		case <-timer.C:
		}
		wait -= step

		if out, proceed := w.gateCheck(ctx, runID); !proceed {
			return out, false
		}
	}
	return outcome{}, true
}

func (w *Worker) classifyFetchError(err error) outcome {
	switch {
	case errors.Is(err, fetch.ErrRedirectLoop), errors.Is(err, fetch.ErrTooManyRedirects):
		return abandoned(logs.ReasonRedirectLoop)
	case errors.Is(err, fetch.ErrCaptchaBlocked):
		w.deps.Metrics.CaptchaEncounters.Inc()
		return abandoned(logs.ReasonCaptchaUnsolved)
	default:
		return retry(fmt.Errorf("fetch: %w", err))
	}
}

func (w *Worker) recordFetch(result *fetch.Result) {
	route := domain.FetchRouteDirect
	if result.ProxyUsed != "" {
		route = domain.FetchRouteProxy
	}
	w.deps.Metrics.FetchAttempts.WithLabelValues(route, "success").Inc()
	if result.Captcha != nil {
		w.deps.Metrics.CaptchaEncounters.Inc()
	}
}

// classifyStatus decides whether a status code ends the job. 404/410 count
// as completed-without-persisting, 5xx as transient, other non-2xx as a
// logged skip.
func classifyStatus(status int) (outcome, bool) {
	switch {
	case status >= 200 && status < 300:
		return outcome{}, false
	case status == 404 || status == 410:
		return skipped(logs.ReasonNotFound), true
	case status >= 500:
		return retry(fmt.Errorf("server error %d", status)), true
	default:
		return skipped(logs.ReasonHTTPError), true
	}
}

// buildRecords turns a fetch result and its extraction into the page record
// and link rows to persist.
func (w *Worker) buildRecords(job *domain.CrawlJob, result *fetch.Result, ext *extractor.Extraction) (*domain.PageRecord, []*domain.Link) {
	route := domain.FetchRouteDirect
	if result.ProxyUsed != "" {
		route = domain.FetchRouteProxy
	}

	now := time.Now().UTC()
	page := &domain.PageRecord{
		ID:            uuid.New().String(),
		RunID:         job.RunID,
		SiteID:        job.SiteID,
		ProjectID:     job.ProjectID,
		URL:           job.URL,
		NormalizedURL: urlnorm.Normalize(job.URL),
		FinalURL:      result.FinalURL,
		StatusCode:    result.StatusCode,
		FetchRoute:    route,
		Title:         ext.Title,
		Description:   ext.Description,
		ContentHash:   ext.ContentHash,
		NoIndex:       ext.NoIndex,
		NoFollow:      ext.NoFollow,
		CrawledAt:     now,
	}
	if ext.Canonical != "" || len(result.RedirectChain) > 0 {
		page.Metadata = domain.JSONBMap{}
		if ext.Canonical != "" {
			page.Metadata["canonical"] = ext.Canonical
		}
		if len(result.RedirectChain) > 0 {
			page.Metadata["redirect_chain"] = result.RedirectChain
		}
	}

	links := make([]*domain.Link, 0, len(ext.Links))
	for _, l := range ext.Links {
		links = append(links, &domain.Link{
			ID:            uuid.New().String(),
			PageRecordID:  page.ID,
			RunID:         job.RunID,
			ProjectID:     job.ProjectID,
			Href:          l.Href,
			NormalizedURL: urlnorm.Normalize(l.Href),
			IsExternal:    l.IsExternal,
			Anchor:        l.Anchor,
			Rel:           l.Rel,
			NoFollow:      l.NoFollow,
			Sponsored:     l.Sponsored,
			UGC:           l.UGC,
		})
	}

	return page, links
}

// discoverLinks filters the page's same-domain links through robots and
// dedup and enqueues the survivors at link priority. Failures here are
// logged; the crawled page already counts.
func (w *Worker) discoverLinks(ctx context.Context, job *domain.CrawlJob, page *domain.PageRecord, links []*domain.Link) {
	seen := make(map[string]bool, len(links))
	var candidates []string
	for _, link := range links {
		if link.IsExternal || link.NormalizedURL == "" || link.NormalizedURL == page.NormalizedURL {
			continue
		}
		if seen[link.NormalizedURL] {
			continue
		}
		seen[link.NormalizedURL] = true
		candidates = append(candidates, link.NormalizedURL)
	}
	if len(candidates) == 0 {
		return
	}

	allowed := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		ok, err := w.deps.Robots.IsAllowed(ctx, candidate)
		if err != nil || !ok {
			w.deps.RunLog.Log(job.RunID, logs.CategorySkipped, logs.LevelInfo, "url skipped", map[string]any{
				"url":    candidate,
				"reason": logs.ReasonRobots,
			})
			continue
		}
		allowed = append(allowed, candidate)
	}
	if len(allowed) == 0 {
		return
	}

	fresh, err := w.deps.Dedup.FilterNew(ctx, job.RunID, allowed)
	if err != nil {
		w.log.Warn("failed to dedup discovered links",
			logger.Error(err), logger.String("url", page.URL))
		return
	}
	if filtered := len(allowed) - len(fresh); filtered > 0 {
		w.deps.RunLog.Log(job.RunID, logs.CategoryFiltering, logs.LevelDebug, "duplicate links filtered", map[string]any{
			"source": page.URL,
			"count":  filtered,
		})
	}
	if len(fresh) == 0 {
		return
	}

	jobs := make([]*domain.CrawlJob, 0, len(fresh))
	for _, u := range fresh {
		jobs = append(jobs, &domain.CrawlJob{
			RunID:     job.RunID,
			SiteID:    job.SiteID,
			ProjectID: job.ProjectID,
			URL:       u,
			Origin:    domain.OriginLink,
			SourceURL: page.URL,
		})
	}

	enqueued, err := w.deps.Jobs.EnqueueBatch(ctx, jobs)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) && w.deps.Exhaustion != nil {
			w.deps.Exhaustion.OnQueueFull(ctx)
		}
		w.log.Warn("failed to enqueue discovered links",
			logger.Error(err), logger.String("url", page.URL))
	}
	if enqueued > 0 {
		w.deps.RunLog.Log(job.RunID, logs.CategoryQueued, logs.LevelInfo, "links enqueued", map[string]any{
			"source": page.URL,
			"count":  enqueued,
		})
	}
}

// settle resolves the job against the queue per its outcome and records the
// operator-visible event.
func (w *Worker) settle(ctx context.Context, consumed *queue.ConsumedJob, out outcome) {
	job := consumed.Job

	switch out.kind {
	case kindCompleted:
		w.ackAndRelease(ctx, consumed)
		w.deps.Metrics.JobsProcessed.WithLabelValues(metrics.OutcomeCompleted).Inc()

	case kindSkipped:
		w.ackAndRelease(ctx, consumed)
		w.deps.RunLog.Log(job.RunID, logs.CategorySkipped, logs.LevelInfo, "url skipped", map[string]any{
			"url":    job.URL,
			"reason": out.reason,
		})
		w.deps.Metrics.JobsProcessed.WithLabelValues(metrics.OutcomeSkipped).Inc()

	case kindAbandoned:
		w.ackAndRelease(ctx, consumed)
		w.deps.RunLog.Log(job.RunID, logs.CategorySkipped, logs.LevelWarn, "job abandoned", map[string]any{
			"url":    job.URL,
			"reason": out.reason,
		})
		w.deps.Metrics.JobsProcessed.WithLabelValues(metrics.OutcomeAbandoned).Inc()

	case kindAborted:
		w.ackAndRelease(ctx, consumed)
		w.deps.Metrics.JobsProcessed.WithLabelValues(metrics.OutcomeAborted).Inc()

	case kindDeferred:
		// Leave the delivery pending; the reclaim loop redelivers it after
		// the stall window, by which time the run may have resumed.
		w.log.Debug("job deferred while run is paused",
			logger.String("url", job.URL), logger.String("run_id", job.RunID))

	case kindRetry:
		// No ack: the pending entry is reclaimed after the stall timeout
		// and retried up to the budget.
		w.log.Warn("job failed, leaving for retry",
			logger.String("url", job.URL),
			logger.String("run_id", job.RunID),
			logger.Int64("delivery", consumed.Deliveries),
			logger.Error(out.err))
		w.deps.Metrics.JobsProcessed.WithLabelValues(metrics.OutcomeRetried).Inc()
	}
}

// Ack consumers settle terminal outcomes with an acknowledge plus an
// identity release, so the URL becomes enqueueable again for later runs.
type Acker interface {
	Ack(ctx context.Context, job *queue.ConsumedJob) error
}

// SetAcker injects the queue consumer used for settlement. Kept separate
// from Deps because the pool owns the consumer lifecycle.
func (w *Worker) SetAcker(acker Acker) {
	w.acker = acker
}

// SetExhaustion injects the queue-full notifier. Kept separate from Deps
// because the orchestrator is constructed after the workers it supervises.
func (w *Worker) SetExhaustion(notifier ExhaustionNotifier) {
	w.deps.Exhaustion = notifier
}

func (w *Worker) ackAndRelease(ctx context.Context, consumed *queue.ConsumedJob) {
	if w.acker != nil {
		if err := w.acker.Ack(ctx, consumed); err != nil {
			w.log.Warn("failed to ack job", logger.Error(err))
		}
	}
	if err := w.deps.Jobs.Release(ctx, consumed.Job); err != nil {
		w.log.Warn("failed to release job identity", logger.Error(err))
	}
}

// hostLimiter spaces fetches against the same host by its crawl-delay.
type hostLimiter struct {
	mu   sync.Mutex
	next map[string]time.Time
}

func newHostLimiter() *hostLimiter {
	return &hostLimiter{next: make(map[string]time.Time)}
}

// reserve books the host's next fetch slot and returns how long the caller
// must wait before using it.
func (l *hostLimiter) reserve(host string, delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	slot := l.next[host]
	if slot.Before(now) {
		slot = now
	}
	l.next[host] = slot.Add(delay)

	return slot.Sub(now)
}
