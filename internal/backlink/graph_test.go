package backlink_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/seoscope/crawler/internal/backlink"
	"github.com/seoscope/crawler/internal/database"
	"github.com/seoscope/crawler/internal/domain"
	"github.com/seoscope/crawler/internal/logger"
	"github.com/seoscope/crawler/internal/queue"
)

type fakeBacklinkStore struct {
	created [][]*domain.Backlink
	err     error
}

func (f *fakeBacklinkStore) CreateBatch(_ context.Context, backlinks []*domain.Backlink, _ bool) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.created = append(f.created, backlinks)
	return len(backlinks), nil
}

type fakeOwners struct {
	byURL map[string]database.PageOwner
}

func (f *fakeOwners) OwnersByNormalizedURLs(_ context.Context, urls []string) ([]database.PageOwner, error) {
	owners := []database.PageOwner{}
	for _, url := range urls {
		if owner, ok := f.byURL[url]; ok {
			owners = append(owners, owner)
		}
	}
	return owners, nil
}

type fakeInbound struct {
	byURL map[string][]database.LinkSource
}

func (f *fakeInbound) PointingAt(_ context.Context, normalizedURL string) ([]database.LinkSource, error) {
	return f.byURL[normalizedURL], nil
}

type fakeFinder struct {
	sources []backlink.Source
	errOnce error
	calls   int
}

func (f *fakeFinder) FindSources(_ context.Context, _ string, _ int) ([]backlink.Source, error) {
	f.calls++
	if f.errOnce != nil {
		err := f.errOnce
		f.errOnce = nil
		return nil, err
	}
	return f.sources, nil
}

type fakeEnqueuer struct {
	jobs   []*domain.CrawlJob
	depths map[queue.Priority]int64
}

func (f *fakeEnqueuer) EnqueueBatch(_ context.Context, jobs []*domain.CrawlJob) (int, error) {
	f.jobs = append(f.jobs, jobs...)
	return len(jobs), nil
}

func (f *fakeEnqueuer) Depths(_ context.Context) (map[queue.Priority]int64, error) {
	if f.depths == nil {
		return map[queue.Priority]int64{}, nil
	}
	return f.depths, nil
}

type graphFixture struct {
	graph     *backlink.Graph
	backlinks *fakeBacklinkStore
	finder    *fakeFinder
	enqueuer  *fakeEnqueuer
}

func newTestGraph(t *testing.T, deps backlink.Deps, cfg backlink.Config) *graphFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fixture := &graphFixture{
		backlinks: &fakeBacklinkStore{},
		finder:    &fakeFinder{},
		enqueuer:  &fakeEnqueuer{},
	}

	if deps.Backlinks == nil {
		deps.Backlinks = fixture.backlinks
	}
	if deps.Owners == nil {
		deps.Owners = &fakeOwners{}
	}
	if deps.Inbound == nil {
		deps.Inbound = &fakeInbound{}
	}
	if deps.Finder == nil {
		deps.Finder = fixture.finder
	}
	if deps.Queue == nil {
		deps.Queue = fixture.enqueuer
	} else if enq, ok := deps.Queue.(*fakeEnqueuer); ok {
		fixture.enqueuer = enq
	}
	deps.Redis = rdb

	if cfg.Prefix == "" {
		cfg.Prefix = "test"
	}
	if cfg.FinderRate == 0 {
		// Generous budget so tests exercise the claim and defer paths
		// deliberately, not by running out of tokens.
		cfg.FinderRate = rate.Limit(1000)
		cfg.FinderBurst = 100
	}

	fixture.graph = backlink.New(deps, cfg, logger.NewNop())
	return fixture
}

func testRun() *domain.CrawlRun {
	return &domain.CrawlRun{
		ID:        "run-1",
		SiteID:    "site-1",
		ProjectID: "project-1",
		BaseURL:   "https://example.com",
	}
}

func testPage() *domain.PageRecord {
	return &domain.PageRecord{
		ID:            "page-1",
		RunID:         "run-1",
		SiteID:        "site-1",
		ProjectID:     "project-1",
		URL:           "https://example.com/post",
		NormalizedURL: "https://example.com/post",
	}
}

func TestGraph_Forward(t *testing.T) {
	owners := &fakeOwners{byURL: map[string]database.PageOwner{
		"https://tracked.example/pricing": {
			PageID:        "page-9",
			ProjectID:     "project-2",
			NormalizedURL: "https://tracked.example/pricing",
			URL:           "https://tracked.example/pricing",
		},
	}}
	fixture := newTestGraph(t, backlink.Deps{Owners: owners}, backlink.Config{})

	links := []*domain.Link{
		{
			ID:            "link-1",
			NormalizedURL: "https://tracked.example/pricing",
			IsExternal:    true,
			Anchor:        "pricing",
			Sponsored:     true,
		},
		{
			ID:            "link-2",
			NormalizedURL: "https://untracked.example/",
			IsExternal:    true,
		},
		{
			ID:            "link-3",
			NormalizedURL: "https://example.com/about",
			IsExternal:    false,
		},
	}

	created, err := fixture.graph.Forward(context.Background(), testPage(), links)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	require.Len(t, fixture.backlinks.created, 1)
	got := fixture.backlinks.created[0][0]
	assert.Equal(t, "project-2", got.TargetProjectID)
	assert.Equal(t, "page-1", got.SourcePageID)
	assert.Equal(t, "link-1", got.LinkID)
	assert.Equal(t, "https://tracked.example/pricing", got.TargetURL)
	assert.Equal(t, "https://example.com/post", got.SourceURL)
	assert.Equal(t, "pricing", got.AnchorText)
	assert.True(t, got.IsDofollow)
	assert.True(t, got.IsSponsored)
	assert.Equal(t, domain.BacklinkPathForward, got.DiscoveredVia)
}

func TestGraph_Forward_NoTrackedTargets(t *testing.T) {
	fixture := newTestGraph(t, backlink.Deps{}, backlink.Config{})

	links := []*domain.Link{
		{ID: "link-1", NormalizedURL: "https://untracked.example/", IsExternal: true},
	}

	created, err := fixture.graph.Forward(context.Background(), testPage(), links)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Empty(t, fixture.backlinks.created)
}

func TestGraph_Retroactive(t *testing.T) {
	inbound := &fakeInbound{byURL: map[string][]database.LinkSource{
		"https://example.com/post": {
			{
				LinkID:        "link-7",
				SourcePageID:  "page-4",
				SourceProject: "project-3",
				SourceURL:     "https://blog.example/review",
				Anchor:        "great post",
				NoFollow:      true,
			},
			{
				// A row for the page itself never becomes a backlink.
				LinkID:       "link-8",
				SourcePageID: "page-1",
				SourceURL:    "https://example.com/post",
			},
		},
	}}
	fixture := newTestGraph(t, backlink.Deps{Inbound: inbound}, backlink.Config{})

	created, err := fixture.graph.Retroactive(context.Background(), testPage())
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	require.Len(t, fixture.backlinks.created, 1)
	got := fixture.backlinks.created[0][0]
	assert.Equal(t, "project-1", got.TargetProjectID)
	assert.Equal(t, "page-4", got.SourcePageID)
	assert.Equal(t, "link-7", got.LinkID)
	assert.Equal(t, "https://blog.example/review", got.SourceURL)
	assert.False(t, got.IsDofollow)
	assert.Equal(t, domain.BacklinkPathRetroactive, got.DiscoveredVia)
}

func TestGraph_Retroactive_NoInboundLinks(t *testing.T) {
	fixture := newTestGraph(t, backlink.Deps{}, backlink.Config{})

	created, err := fixture.graph.Retroactive(context.Background(), testPage())
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestGraph_DiscoverExternal(t *testing.T) {
	finder := &fakeFinder{sources: []backlink.Source{
		{URL: "https://blog.example/review", Title: "Review"},
		{URL: "https://news.example/roundup"},
		{URL: "https://example.com/self"}, // same host as the target
	}}
	fixture := newTestGraph(t, backlink.Deps{Finder: finder}, backlink.Config{})
	ctx := context.Background()

	enqueued, deferred, err := fixture.graph.DiscoverExternal(ctx, testRun(), "https://example.com/post")
	require.NoError(t, err)
	assert.False(t, deferred)
	assert.Equal(t, 2, enqueued)

	require.Len(t, fixture.enqueuer.jobs, 2)
	job := fixture.enqueuer.jobs[0]
	assert.Equal(t, domain.OriginBacklink, job.Origin)
	assert.Equal(t, "run-1", job.RunID)
	assert.Equal(t, "https://example.com/post", job.SourceURL)

	target, ok := backlink.TargetFromJob(job)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/post", target.TargetURL)
	assert.Equal(t, "project-1", target.TargetProjectID)
}

func TestGraph_DiscoverExternal_OncePerHost(t *testing.T) {
	finder := &fakeFinder{sources: []backlink.Source{{URL: "https://blog.example/review"}}}
	fixture := newTestGraph(t, backlink.Deps{Finder: finder}, backlink.Config{})
	ctx := context.Background()

	_, _, err := fixture.graph.DiscoverExternal(ctx, testRun(), "https://example.com/post")
	require.NoError(t, err)

	enqueued, deferred, err := fixture.graph.DiscoverExternal(ctx, testRun(), "https://example.com/other")
	require.NoError(t, err)
	assert.False(t, deferred)
	assert.Zero(t, enqueued)

	assert.Equal(t, 1, finder.calls)
}

func TestGraph_DiscoverExternal_DefersWhenQueueBusy(t *testing.T) {
	finder := &fakeFinder{sources: []backlink.Source{{URL: "https://blog.example/review"}}}
	enqueuer := &fakeEnqueuer{depths: map[queue.Priority]int64{queue.PriorityLink: 100}}
	fixture := newTestGraph(t, backlink.Deps{Finder: finder, Queue: enqueuer}, backlink.Config{DeferThreshold: 50})
	ctx := context.Background()

	enqueued, deferred, err := fixture.graph.DiscoverExternal(ctx, testRun(), "https://example.com/post")
	require.NoError(t, err)
	assert.True(t, deferred)
	assert.Zero(t, enqueued)
	assert.Zero(t, finder.calls)

	count, err := fixture.graph.DeferredCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestGraph_DiscoverExternal_FinderFailureReleasesWindow(t *testing.T) {
	finder := &fakeFinder{
		sources: []backlink.Source{{URL: "https://blog.example/review"}},
		errOnce: errors.New("rate limited upstream"),
	}
	fixture := newTestGraph(t, backlink.Deps{Finder: finder}, backlink.Config{})
	ctx := context.Background()

	_, _, err := fixture.graph.DiscoverExternal(ctx, testRun(), "https://example.com/post")
	require.Error(t, err)

	// The window was released, so the host is retried.
	enqueued, deferred, err := fixture.graph.DiscoverExternal(ctx, testRun(), "https://example.com/post")
	require.NoError(t, err)
	assert.False(t, deferred)
	assert.Equal(t, 1, enqueued)
	assert.Equal(t, 2, finder.calls)
}

func TestGraph_DrainDeferred(t *testing.T) {
	finder := &fakeFinder{sources: []backlink.Source{{URL: "https://blog.example/review"}}}
	enqueuer := &fakeEnqueuer{depths: map[queue.Priority]int64{queue.PriorityLink: 100}}
	fixture := newTestGraph(t, backlink.Deps{Finder: finder, Queue: enqueuer}, backlink.Config{DeferThreshold: 50})
	ctx := context.Background()
	run := testRun()

	_, deferred, err := fixture.graph.DiscoverExternal(ctx, run, "https://example.com/post")
	require.NoError(t, err)
	require.True(t, deferred)

	// Ordinary work drained; the deferred target is picked up.
	enqueuer.depths = map[queue.Priority]int64{queue.PriorityLink: 3}

	enqueued, err := fixture.graph.DrainDeferred(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 1, enqueued)
	assert.Equal(t, 1, finder.calls)

	count, err := fixture.graph.DeferredCount(ctx, run.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGraph_OnPageCrawled_ContainsFailures(t *testing.T) {
	store := &fakeBacklinkStore{err: errors.New("db down")}
	owners := &fakeOwners{byURL: map[string]database.PageOwner{
		"https://tracked.example/": {PageID: "page-9", ProjectID: "project-2", NormalizedURL: "https://tracked.example/", URL: "https://tracked.example/"},
	}}
	finder := &fakeFinder{}
	fixture := newTestGraph(t, backlink.Deps{Backlinks: store, Owners: owners, Finder: finder}, backlink.Config{})

	links := []*domain.Link{
		{ID: "link-1", NormalizedURL: "https://tracked.example/", IsExternal: true},
	}

	// The store error is logged, never propagated.
	fixture.graph.OnPageCrawled(context.Background(), testRun(), testPage(), links, domain.OriginSeed)

	// Backlink-origin pages never trigger further discovery.
	finder.calls = 0
	fixture.graph.OnPageCrawled(context.Background(), testRun(), testPage(), links, domain.OriginBacklink)
	assert.Zero(t, finder.calls)
}

func TestTargetFromJob_AfterWireRoundTrip(t *testing.T) {
	// Metadata arrives as plain maps once a job has crossed the queue.
	job := &domain.CrawlJob{
		Metadata: map[string]any{
			backlink.MetadataTargetKey: map[string]any{
				"target_url":        "https://example.com/post",
				"target_project_id": "project-1",
			},
		},
	}

	target, ok := backlink.TargetFromJob(job)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/post", target.TargetURL)
	assert.Equal(t, "project-1", target.TargetProjectID)
}

func TestTargetFromJob_MissingMetadata(t *testing.T) {
	_, ok := backlink.TargetFromJob(&domain.CrawlJob{})
	assert.False(t, ok)

	_, ok = backlink.TargetFromJob(nil)
	assert.False(t, ok)
}
