package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoscope/crawler/internal/database"
	"github.com/seoscope/crawler/internal/domain"
	"github.com/seoscope/crawler/internal/logger"
	"github.com/seoscope/crawler/internal/logs"
	"github.com/seoscope/crawler/internal/queue"
	"github.com/seoscope/crawler/internal/robots"
	"github.com/seoscope/crawler/internal/sitemap"
)

// --- fakes ---

type fakeRunStore struct {
	mu   sync.Mutex
	runs map[string]*domain.CrawlRun
}

func newFakeRunStore(runs ...*domain.CrawlRun) *fakeRunStore {
	s := &fakeRunStore{runs: make(map[string]*domain.CrawlRun)}
	for _, run := range runs {
		s.runs[run.ID] = run
	}
	return s
}

func (s *fakeRunStore) GetByID(_ context.Context, id string) (*domain.CrawlRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, database.ErrRunNotFound
	}
	copied := *run
	return &copied, nil
}

func (s *fakeRunStore) UpdateStatus(_ context.Context, id string, from []domain.RunStatus, to domain.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return database.ErrRunNotFound
	}
	for _, f := range from {
		if run.Status == f {
			run.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: run %s is %s", database.ErrRunStatusConflict, id, run.Status)
}

func (s *fakeRunStore) SetError(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		run.ErrorMessage = &message
	}
	return nil
}

func (s *fakeRunStore) AddPagesTotal(_ context.Context, id string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		run.PagesTotal += delta
	}
	return nil
}

func (s *fakeRunStore) ListActive(context.Context) ([]*domain.CrawlRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*domain.CrawlRun
	for _, run := range s.runs {
		if run.Status == domain.RunStatusInProgress || run.Status == domain.RunStatusPaused {
			copied := *run
			active = append(active, &copied)
		}
	}
	return active, nil
}

func (s *fakeRunStore) status(id string) domain.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id].Status
}

func (s *fakeRunStore) pagesTotal(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id].PagesTotal
}

type fakeQueue struct {
	mu          sync.Mutex
	enqueued    []*domain.CrawlJob
	removed     []string
	outstanding int64
	full        bool
}

func (q *fakeQueue) Enqueue(_ context.Context, job *domain.CrawlJob) (string, error) {
	if q.full {
		return "", queue.ErrQueueFull
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, job)
	return fmt.Sprintf("%d-0", len(q.enqueued)), nil
}

func (q *fakeQueue) EnqueueBatch(_ context.Context, jobs []*domain.CrawlJob) (int, error) {
	if q.full {
		return 0, queue.ErrQueueFull
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, jobs...)
	return len(jobs), nil
}

func (q *fakeQueue) Remove(_ context.Context, runID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, runID)
	return 0, nil
}

func (q *fakeQueue) OutstandingCount(context.Context, string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding, nil
}

func (q *fakeQueue) Depths(context.Context) (map[queue.Priority]int64, error) {
	return map[queue.Priority]int64{}, nil
}

func (q *fakeQueue) urls() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	urls := make([]string, len(q.enqueued))
	for i, job := range q.enqueued {
		urls[i] = job.URL
	}
	return urls
}

type fakeRobots struct {
	verifyErr  error
	disallowed map[string]bool
}

func (f *fakeRobots) Verify(context.Context, string) error { return f.verifyErr }

func (f *fakeRobots) IsAllowed(_ context.Context, url string) (bool, error) {
	return !f.disallowed[url], nil
}

type fakeSitemaps struct {
	sitemaps []string
	entries  map[string][]sitemap.Entry
}

func (f *fakeSitemaps) Discover(context.Context, string) []string { return f.sitemaps }

func (f *fakeSitemaps) Expand(_ context.Context, sitemapURL string) ([]sitemap.Entry, error) {
	entries, ok := f.entries[sitemapURL]
	if !ok {
		return nil, errors.New("sitemap fetch failed")
	}
	return entries, nil
}

type fakeDedup struct {
	mu      sync.Mutex
	skips   map[string][]string
	cleared []string
}

func (f *fakeDedup) RebuildCrawledSet(context.Context, string) (int, error) { return 0, nil }

func (f *fakeDedup) FilterNew(_ context.Context, _ string, urls []string) ([]string, error) {
	return urls, nil
}

func (f *fakeDedup) AddSkips(_ context.Context, runID string, urls []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.skips == nil {
		f.skips = make(map[string][]string)
	}
	f.skips[runID] = append(f.skips[runID], urls...)
	return nil
}

func (f *fakeDedup) ClearRun(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, runID)
	return nil
}

type fakeBacklinks struct {
	mu         sync.Mutex
	deferred   int64
	discovered []string
}

func (f *fakeBacklinks) DiscoverExternal(_ context.Context, _ *domain.CrawlRun, targetURL string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovered = append(f.discovered, targetURL)
	return 0, false, nil
}

func (f *fakeBacklinks) DrainDeferred(context.Context, *domain.CrawlRun) (int, error) {
	return 0, nil
}

func (f *fakeBacklinks) DeferredCount(context.Context, string) (int64, error) {
	return f.deferred, nil
}

func (f *fakeBacklinks) ClearRun(context.Context, string) error { return nil }

type fakePool struct{ inFlight int }

func (f *fakePool) InFlight(string) int { return f.inFlight }

type fakeGate struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeGate) Invalidate(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, runID)
}

type recordedEvent struct {
	category logs.Category
	fields   map[string]any
}

type fakeRunLog struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeRunLog) Log(_ string, category logs.Category, _, _ string, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{category: category, fields: fields})
}

func (f *fakeRunLog) Entries(string, logs.Category) []logs.Entry { return nil }
func (f *fakeRunLog) Counts(string) map[logs.Category]int        { return nil }
func (f *fakeRunLog) DropRun(string)                             {}

func (f *fakeRunLog) skippedURLs(reason string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var urls []string
	for _, ev := range f.events {
		if ev.category != logs.CategorySkipped {
			continue
		}
		if r, _ := ev.fields["reason"].(string); r != reason {
			continue
		}
		if u, ok := ev.fields["url"].(string); ok {
			urls = append(urls, u)
		}
	}
	return urls
}

// --- harness ---

type harness struct {
	orch      *Orchestrator
	runs      *fakeRunStore
	queue     *fakeQueue
	robots    *fakeRobots
	sitemaps  *fakeSitemaps
	dedup     *fakeDedup
	backlinks *fakeBacklinks
	pool      *fakePool
	gate      *fakeGate
	runlog    *fakeRunLog
}

func pendingRun() *domain.CrawlRun {
	return &domain.CrawlRun{
		ID:        "run-1",
		SiteID:    "site-1",
		ProjectID: "proj-1",
		BaseURL:   "https://example.com",
		Status:    domain.RunStatusPending,
	}
}

func newHarness(t *testing.T, runs ...*domain.CrawlRun) *harness {
	t.Helper()

	h := &harness{
		runs:      newFakeRunStore(runs...),
		queue:     &fakeQueue{},
		robots:    &fakeRobots{disallowed: map[string]bool{}},
		sitemaps:  &fakeSitemaps{},
		dedup:     &fakeDedup{},
		backlinks: &fakeBacklinks{},
		pool:      &fakePool{},
		gate:      &fakeGate{},
		runlog:    &fakeRunLog{},
	}

	h.orch = New(Deps{
		Runs:      h.runs,
		Queue:     h.queue,
		Robots:    h.robots,
		Sitemaps:  h.sitemaps,
		Dedup:     h.dedup,
		Backlinks: h.backlinks,
		Pool:      h.pool,
		Gate:      h.gate,
		RunLog:    h.runlog,
	}, time.Hour, logger.NewNop())

	return h
}

func (h *harness) waitSeeded(t *testing.T, runID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.orch.seeded(runID)
	}, 2*time.Second, 5*time.Millisecond, "seeding did not finish")
}

// --- tests ---

func TestStartSeedsRunInPriorityOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pendingRun())
	h.sitemaps.sitemaps = []string{"https://example.com/sitemap.xml"}
	h.sitemaps.entries = map[string][]sitemap.Entry{
		"https://example.com/sitemap.xml": {
			{URL: "https://example.com/b", Priority: 0.2},
			{URL: "https://example.com/a", Priority: 0.8},
		},
	}

	require.NoError(t, h.orch.Start(context.Background(), "run-1"))
	assert.Equal(t, domain.RunStatusInProgress, h.runs.status("run-1"))
	h.waitSeeded(t, "run-1")

	// Seed first, then sitemap URLs ordered by their priority hints.
	assert.Equal(t, []string{
		"https://example.com",
		"https://example.com/a",
		"https://example.com/b",
	}, h.queue.urls())
	assert.Equal(t, domain.OriginSeed, h.queue.enqueued[0].Origin)
	assert.Equal(t, domain.OriginSitemap, h.queue.enqueued[1].Origin)

	// Seed page plus two sitemap URLs.
	assert.Equal(t, 3, h.runs.pagesTotal("run-1"))

	// Backlink discovery is kicked off for the site.
	assert.Equal(t, []string{"https://example.com"}, h.backlinks.discovered)
}

func TestStartParksRunWhenRobotsUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pendingRun())
	h.robots.verifyErr = fmt.Errorf("robots: %w", robots.ErrUnavailable)

	err := h.orch.Start(context.Background(), "run-1")
	require.ErrorIs(t, err, ErrApprovalRequired)
	assert.Equal(t, domain.RunStatusPendingApproval, h.runs.status("run-1"))
	assert.Empty(t, h.queue.urls(), "parked run must not enqueue anything")
}

func TestStartFromPendingApprovalProceedsWithoutRobots(t *testing.T) {
	t.Parallel()

	run := pendingRun()
	run.Status = domain.RunStatusPendingApproval
	h := newHarness(t, run)
	h.robots.verifyErr = fmt.Errorf("robots: %w", robots.ErrUnavailable)

	require.NoError(t, h.orch.Start(context.Background(), "run-1"))
	assert.Equal(t, domain.RunStatusInProgress, h.runs.status("run-1"))
	h.waitSeeded(t, "run-1")
	assert.Equal(t, []string{"https://example.com"}, h.queue.urls())
}

func TestStartRejectsActiveRun(t *testing.T) {
	t.Parallel()

	run := pendingRun()
	run.Status = domain.RunStatusInProgress
	h := newHarness(t, run)

	assert.Error(t, h.orch.Start(context.Background(), "run-1"))
}

func TestSeedSkipsDisallowedSitemapURLs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pendingRun())
	h.sitemaps.sitemaps = []string{"https://example.com/sitemap.xml"}
	h.sitemaps.entries = map[string][]sitemap.Entry{
		"https://example.com/sitemap.xml": {
			{URL: "https://example.com/public", Priority: 0.5},
			{URL: "https://example.com/private/x", Priority: 0.9},
		},
	}
	h.robots.disallowed["https://example.com/private/x"] = true

	require.NoError(t, h.orch.Start(context.Background(), "run-1"))
	h.waitSeeded(t, "run-1")

	assert.NotContains(t, h.queue.urls(), "https://example.com/private/x")
	assert.Contains(t, h.queue.urls(), "https://example.com/public")
	assert.Equal(t, []string{"https://example.com/private/x"},
		h.runlog.skippedURLs(logs.ReasonRobots))
}

func TestPauseAndResumeWithSkips(t *testing.T) {
	t.Parallel()

	run := pendingRun()
	run.Status = domain.RunStatusInProgress
	h := newHarness(t, run)

	require.NoError(t, h.orch.Pause(context.Background(), "run-1"))
	assert.Equal(t, domain.RunStatusPaused, h.runs.status("run-1"))

	require.NoError(t, h.orch.Resume(context.Background(), "run-1",
		[]string{"https://example.com/old?utm_source=x"}))
	assert.Equal(t, domain.RunStatusInProgress, h.runs.status("run-1"))
	assert.Equal(t, []string{"https://example.com/old"}, h.dedup.skips["run-1"],
		"skip URLs must be normalized before landing in the skip set")
}

func TestStopIsTerminalAndPurges(t *testing.T) {
	t.Parallel()

	run := pendingRun()
	run.Status = domain.RunStatusInProgress
	h := newHarness(t, run)

	require.NoError(t, h.orch.Stop(context.Background(), "run-1"))
	assert.Equal(t, domain.RunStatusStopped, h.runs.status("run-1"))
	assert.Equal(t, []string{"run-1"}, h.queue.removed)
	assert.Contains(t, h.dedup.cleared, "run-1")

	// Stopped runs cannot be restarted or resumed.
	assert.Error(t, h.orch.Resume(context.Background(), "run-1", nil))
	assert.Error(t, h.orch.Start(context.Background(), "run-1"))
}

func TestOnQueueFullPausesActiveRuns(t *testing.T) {
	t.Parallel()

	first := pendingRun()
	first.Status = domain.RunStatusInProgress
	second := pendingRun()
	second.ID = "run-2"
	second.Status = domain.RunStatusPaused
	h := newHarness(t, first, second)

	h.orch.OnQueueFull(context.Background())

	assert.Equal(t, domain.RunStatusPaused, h.runs.status("run-1"))
	assert.Equal(t, domain.RunStatusPaused, h.runs.status("run-2"))
}

func TestReconcileCompletesIdleRun(t *testing.T) {
	t.Parallel()

	run := pendingRun()
	run.Status = domain.RunStatusInProgress
	h := newHarness(t, run)

	// Adopted run (no local seeding record), nothing outstanding.
	h.orch.reconcileOnce(context.Background())
	assert.Equal(t, domain.RunStatusCompleted, h.runs.status("run-1"))
	assert.Contains(t, h.dedup.cleared, "run-1")
}

func TestReconcileWaitsForOutstandingJobs(t *testing.T) {
	t.Parallel()

	run := pendingRun()
	run.Status = domain.RunStatusInProgress
	h := newHarness(t, run)
	h.queue.outstanding = 2

	h.orch.reconcileOnce(context.Background())
	assert.Equal(t, domain.RunStatusInProgress, h.runs.status("run-1"))
}

func TestReconcileWaitsForInFlightWorkers(t *testing.T) {
	t.Parallel()

	run := pendingRun()
	run.Status = domain.RunStatusInProgress
	h := newHarness(t, run)
	h.pool.inFlight = 1

	h.orch.reconcileOnce(context.Background())
	assert.Equal(t, domain.RunStatusInProgress, h.runs.status("run-1"))
}

func TestReconcileWaitsForSeeding(t *testing.T) {
	t.Parallel()

	run := pendingRun()
	run.Status = domain.RunStatusInProgress
	h := newHarness(t, run)

	h.orch.mu.Lock()
	h.orch.seeding["run-1"] = false
	h.orch.mu.Unlock()

	h.orch.reconcileOnce(context.Background())
	assert.Equal(t, domain.RunStatusInProgress, h.runs.status("run-1"))
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    domain.RunStatus
		to      domain.RunStatus
		wantErr bool
	}{
		{"pending to in_progress", domain.RunStatusPending, domain.RunStatusInProgress, false},
		{"pending to pending_approval", domain.RunStatusPending, domain.RunStatusPendingApproval, false},
		{"in_progress to paused", domain.RunStatusInProgress, domain.RunStatusPaused, false},
		{"paused to in_progress", domain.RunStatusPaused, domain.RunStatusInProgress, false},
		{"paused to stopped", domain.RunStatusPaused, domain.RunStatusStopped, false},
		{"in_progress to completed", domain.RunStatusInProgress, domain.RunStatusCompleted, false},
		{"stopped to in_progress", domain.RunStatusStopped, domain.RunStatusInProgress, true},
		{"completed to in_progress", domain.RunStatusCompleted, domain.RunStatusInProgress, true},
		{"pending to completed", domain.RunStatusPending, domain.RunStatusCompleted, true},
		{"paused to completed", domain.RunStatusPaused, domain.RunStatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
