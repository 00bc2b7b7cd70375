package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/seoscope/crawler/internal/database"
	"github.com/seoscope/crawler/internal/domain"
	"github.com/seoscope/crawler/internal/logger"
	"github.com/seoscope/crawler/internal/logs"
)

// Reconcile runs the completion loop until ctx is cancelled. It blocks;
// callers start it in a goroutine.
func (o *Orchestrator) Reconcile(ctx context.Context) {
	ticker := time.NewTicker(o.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce checks every active run for completion and refreshes the
// queue depth gauges.
func (o *Orchestrator) reconcileOnce(ctx context.Context) {
	runs, err := o.deps.Runs.ListActive(ctx)
	if err != nil {
		o.log.Error("failed to list active runs", logger.Error(err))
		return
	}

	active := 0
	for _, run := range runs {
		if run.Status != domain.RunStatusInProgress {
			continue
		}
		active++
		o.reconcileRun(ctx, run)
	}
	o.deps.Metrics.RunsActive.Set(float64(active))

	if depths, err := o.deps.Queue.Depths(ctx); err == nil {
		for priority, depth := range depths {
			o.deps.Metrics.QueueDepth.WithLabelValues(priority.String()).Set(float64(depth))
		}
	}
}

// reconcileRun drains deferred backlink targets and completes the run once
// nothing is left: seeding done, no outstanding jobs, no in-flight workers,
// and no deferred backlink probes.
func (o *Orchestrator) reconcileRun(ctx context.Context, run *domain.CrawlRun) {
	drained, err := o.deps.Backlinks.DrainDeferred(ctx, run)
	if err != nil {
		o.log.Warn("failed to drain deferred backlink targets",
			logger.Error(err), logger.String("run_id", run.ID))
		return
	}
	if drained > 0 {
		o.deps.RunLog.Log(run.ID, logs.CategoryBacklink, logs.LevelInfo,
			"deferred backlink probes queued", map[string]any{"count": drained})
		return
	}

	if !o.seeded(run.ID) {
		return
	}
	if o.deps.Pool.InFlight(run.ID) > 0 {
		return
	}

	outstanding, err := o.deps.Queue.OutstandingCount(ctx, run.ID)
	if err != nil {
		o.log.Warn("failed to count outstanding jobs",
			logger.Error(err), logger.String("run_id", run.ID))
		return
	}
	if outstanding > 0 {
		return
	}

	deferred, err := o.deps.Backlinks.DeferredCount(ctx, run.ID)
	if err != nil || deferred > 0 {
		return
	}

	// A job may have been enqueued between the in-flight and outstanding
	// reads only by an in-flight worker, and there were none; the run is
	// done.
	o.complete(ctx, run)
}

// complete transitions the run to completed and drops its transient state.
func (o *Orchestrator) complete(ctx context.Context, run *domain.CrawlRun) {
	err := o.deps.Runs.UpdateStatus(ctx, run.ID,
		[]domain.RunStatus{domain.RunStatusInProgress}, domain.RunStatusCompleted)
	if err != nil {
		// Losing the race to an operator pause or stop is fine.
		if !errors.Is(err, database.ErrRunStatusConflict) && !errors.Is(err, database.ErrRunNotFound) {
			o.log.Error("failed to complete run",
				logger.Error(err), logger.String("run_id", run.ID))
		}
		return
	}
	o.deps.Gate.Invalidate(run.ID)
	o.forget(run.ID)
	o.cleanup(ctx, run.ID)

	o.deps.RunLog.Log(run.ID, logs.CategorySetup, logs.LevelInfo, "run completed", map[string]any{
		"pages_crawled": run.PagesCrawled,
	})
	o.log.Info("crawl run completed",
		logger.String("run_id", run.ID),
		logger.Int("pages_crawled", run.PagesCrawled))
}
