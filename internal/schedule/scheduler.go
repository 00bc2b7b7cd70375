// Package schedule fires recurring audit crawls from each site's cron
// expression. A site with an audit already active is skipped, never queued
// twice.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seoscope/crawler/internal/database"
	"github.com/seoscope/crawler/internal/domain"
	"github.com/seoscope/crawler/internal/logger"
)

// DefaultReloadInterval is how often site schedules are re-read from the
// database.
const DefaultReloadInterval = 5 * time.Minute

// SiteSource lists sites with an audit schedule. The site repository
// satisfies this.
type SiteSource interface {
	ListScheduled(ctx context.Context) ([]*domain.Site, error)
}

// RunSource creates and inspects runs.
type RunSource interface {
	Create(ctx context.Context, run *domain.CrawlRun) error
	List(ctx context.Context, filters database.RunListFilters) ([]*domain.CrawlRun, error)
}

// RunStarter starts a created run. The orchestrator satisfies this.
type RunStarter interface {
	Start(ctx context.Context, runID string) error
}

// Scheduler maps site audit schedules onto cron entries.
type Scheduler struct {
	sites   SiteSource
	runs    RunSource
	starter RunStarter
	log     logger.Logger

	cron           *cron.Cron
	reloadInterval time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID // site ID -> cron entry
}

// New creates a scheduler. reloadInterval <= 0 falls back to the default.
func New(sites SiteSource, runs RunSource, starter RunStarter, reloadInterval time.Duration, log logger.Logger) *Scheduler {
	if reloadInterval <= 0 {
		reloadInterval = DefaultReloadInterval
	}
	return &Scheduler{
		sites:          sites,
		runs:           runs,
		starter:        starter,
		log:            log,
		cron:           cron.New(),
		reloadInterval: reloadInterval,
		entries:        make(map[string]cron.EntryID),
	}
}

// Run loads schedules, starts the cron loop, and reloads periodically until
// ctx is cancelled. It blocks; callers start it in a goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.Reload(ctx); err != nil {
		s.log.Error("failed to load audit schedules", logger.Error(err))
	}
	s.cron.Start()
	defer s.cron.Stop()

	ticker := time.NewTicker(s.reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				s.log.Error("failed to reload audit schedules", logger.Error(err))
			}
		}
	}
}

// Reload re-reads every scheduled site and replaces the cron entries.
// Schedule edits and removals take effect within one reload interval.
func (s *Scheduler) Reload(ctx context.Context) error {
	sites, err := s.sites.ListScheduled(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for siteID, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, siteID)
	}

	for _, site := range sites {
		site := site
		entryID, addErr := s.cron.AddFunc(site.AuditSchedule, func() {
			s.fire(site)
		})
		if addErr != nil {
			s.log.Error("invalid audit schedule",
				logger.Error(addErr),
				logger.String("site_id", site.ID),
				logger.String("schedule", site.AuditSchedule))
			continue
		}
		s.entries[site.ID] = entryID
	}

	s.log.Debug("audit schedules loaded", logger.Int("sites", len(s.entries)))
	return nil
}

// Scheduled reports how many sites currently have a cron entry.
func (s *Scheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// fire creates and starts an audit run for the site, unless one is already
// underway.
func (s *Scheduler) fire(site *domain.Site) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	active, err := s.hasActiveRun(ctx, site.ID)
	if err != nil {
		s.log.Error("failed to check for active runs",
			logger.Error(err), logger.String("site_id", site.ID))
		return
	}
	if active {
		s.log.Info("scheduled audit skipped, run already active",
			logger.String("site_id", site.ID))
		return
	}

	run := &domain.CrawlRun{
		SiteID:    site.ID,
		ProjectID: site.ProjectID,
		BaseURL:   site.BaseURL,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		s.log.Error("failed to create scheduled run",
			logger.Error(err), logger.String("site_id", site.ID))
		return
	}

	if err := s.starter.Start(ctx, run.ID); err != nil {
		// A parked pending_approval run stays visible to the operator;
		// anything else is logged and retried on the next firing.
		s.log.Warn("scheduled run could not start",
			logger.Error(err),
			logger.String("site_id", site.ID),
			logger.String("run_id", run.ID))
		return
	}

	s.log.Info("scheduled audit started",
		logger.String("site_id", site.ID),
		logger.String("run_id", run.ID))
}

// hasActiveRun reports whether the site has a run in a non-terminal status.
func (s *Scheduler) hasActiveRun(ctx context.Context, siteID string) (bool, error) {
	for _, status := range []domain.RunStatus{
		domain.RunStatusPending,
		domain.RunStatusPendingApproval,
		domain.RunStatusInProgress,
		domain.RunStatusPaused,
	} {
		runs, err := s.runs.List(ctx, database.RunListFilters{
			SiteID: siteID,
			Status: status.String(),
			Limit:  1,
		})
		if err != nil {
			return false, err
		}
		if len(runs) > 0 {
			return true, nil
		}
	}
	return false, nil
}
