// Package backlink maintains the backlink graph. Edges are derived over
// three independent paths that all land on the same uniqueness constraint:
// forward (a new page links at an already-tracked target), retroactive
// (stored links point at a newly crawled page), and external discovery
// through a pluggable finder.
package backlink

import (
	"context"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/seoscope/crawler/internal/database"
	"github.com/seoscope/crawler/internal/domain"
	"github.com/seoscope/crawler/internal/logger"
	"github.com/seoscope/crawler/internal/queue"
)

const (
	// DefaultDiscoveryTTL is how long one external query covers a target
	// domain before another is allowed.
	DefaultDiscoveryTTL = 24 * time.Hour

	// DefaultDeferThreshold is the number of pending ordinary jobs above
	// which external discovery is deferred, so organic crawling is not
	// starved by external branching.
	DefaultDeferThreshold = 50

	// DefaultMaxResults is how many candidate sources one finder query asks
	// for.
	DefaultMaxResults = 10

	defaultPrefix      = "crawler"
	defaultFinderRate  = rate.Limit(1)
	defaultFinderBurst = 1

	// MetadataTargetKey is the job metadata key carrying the discovery
	// target for backlink-origin jobs.
	MetadataTargetKey = "backlink_target"
)

// BacklinkStore persists derived backlinks. The backlink repository
// satisfies this.
type BacklinkStore interface {
	CreateBatch(ctx context.Context, backlinks []*domain.Backlink, skipDuplicates bool) (int, error)
}

// OwnerSource resolves which projects own normalized URLs. The page
// repository satisfies this.
type OwnerSource interface {
	OwnersByNormalizedURLs(ctx context.Context, urls []string) ([]database.PageOwner, error)
}

// InboundSource finds stored links pointing at a normalized URL. The link
// repository satisfies this.
type InboundSource interface {
	PointingAt(ctx context.Context, normalizedURL string) ([]database.LinkSource, error)
}

// Enqueuer schedules backlink-discovery jobs and exposes queue depths for
// the deferral check. The queue producer satisfies this.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, jobs []*domain.CrawlJob) (int, error)
	Depths(ctx context.Context) (map[queue.Priority]int64, error)
}

// Deps are the collaborators the graph writes through.
type Deps struct {
	Backlinks BacklinkStore
	Owners    OwnerSource
	Inbound   InboundSource
	Finder    Finder
	Queue     Enqueuer
	Redis     *redis.Client
}

// Config holds backlink graph settings.
type Config struct {
	Prefix         string        // Redis key prefix (default "crawler")
	DiscoveryTTL   time.Duration // Per-domain external query window (default 24h)
	DeferThreshold int64         // Pending ordinary jobs above which discovery defers (default 50)
	MaxResults     int           // Candidates per finder query (default 10)
	FinderRate     rate.Limit    // Finder queries per second (default 1)
	FinderBurst    int           // Finder burst allowance (default 1)
}

// Graph derives and records backlinks.
type Graph struct {
	backlinks BacklinkStore
	owners    OwnerSource
	inbound   InboundSource
	finder    Finder
	jobs      Enqueuer
	client    *redis.Client
	limiter   *rate.Limiter

	prefix         string
	discoveryTTL   time.Duration
	deferThreshold int64
	maxResults     int

	log logger.Logger
}

// New creates a backlink graph. A nil finder falls back to NopFinder.
func New(deps Deps, cfg Config, log logger.Logger) *Graph {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	discoveryTTL := cfg.DiscoveryTTL
	if discoveryTTL <= 0 {
		discoveryTTL = DefaultDiscoveryTTL
	}
	deferThreshold := cfg.DeferThreshold
	if deferThreshold <= 0 {
		deferThreshold = DefaultDeferThreshold
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	finderRate := cfg.FinderRate
	if finderRate <= 0 {
		finderRate = defaultFinderRate
	}
	finderBurst := cfg.FinderBurst
	if finderBurst <= 0 {
		finderBurst = defaultFinderBurst
	}

	finder := deps.Finder
	if finder == nil {
		finder = NopFinder{}
	}

	return &Graph{
		backlinks:      deps.Backlinks,
		owners:         deps.Owners,
		inbound:        deps.Inbound,
		finder:         finder,
		jobs:           deps.Queue,
		client:         deps.Redis,
		limiter:        rate.NewLimiter(finderRate, finderBurst),
		prefix:         prefix,
		discoveryTTL:   discoveryTTL,
		deferThreshold: deferThreshold,
		maxResults:     maxResults,
		log:            log,
	}
}

// OnPageCrawled runs every derivation path for a freshly persisted page.
// Each path's failure is logged and contained; backlink bookkeeping never
// fails the crawl that produced it.
func (g *Graph) OnPageCrawled(ctx context.Context, run *domain.CrawlRun, page *domain.PageRecord, links []*domain.Link, origin domain.OriginKind) {
	if created, err := g.Forward(ctx, page, links); err != nil {
		g.log.Warn("forward backlink pass failed",
			logger.String("page", page.URL), logger.Error(err))
	} else if created > 0 {
		g.log.Info("forward backlinks created",
			logger.String("page", page.URL), logger.Int("count", created))
	}

	if created, err := g.Retroactive(ctx, page); err != nil {
		g.log.Warn("retroactive backlink pass failed",
			logger.String("page", page.URL), logger.Error(err))
	} else if created > 0 {
		g.log.Info("retroactive backlinks created",
			logger.String("page", page.URL), logger.Int("count", created))
	}

	// Pages crawled to confirm a backlink source do not themselves become
	// discovery targets.
	if origin != domain.OriginBacklink {
		if _, _, err := g.DiscoverExternal(ctx, run, page.URL); err != nil {
			g.log.Warn("external backlink discovery failed",
				logger.String("page", page.URL), logger.Error(err))
		}
	}
}

// Forward creates backlinks for extracted links whose normalized target
// already has a page record in any project. Called with the links exactly as
// persisted, so link IDs are set.
func (g *Graph) Forward(ctx context.Context, page *domain.PageRecord, links []*domain.Link) (int, error) {
	candidates := make([]*domain.Link, 0, len(links))
	targets := make([]string, 0, len(links))
	seen := make(map[string]bool, len(links))
	for _, link := range links {
		if !link.IsExternal || link.NormalizedURL == "" {
			continue
		}
		candidates = append(candidates, link)
		if !seen[link.NormalizedURL] {
			seen[link.NormalizedURL] = true
			targets = append(targets, link.NormalizedURL)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	owners, err := g.owners.OwnersByNormalizedURLs(ctx, targets)
	if err != nil {
		return 0, err
	}
	ownerByURL := make(map[string]database.PageOwner, len(owners))
	for _, owner := range owners {
		ownerByURL[owner.NormalizedURL] = owner
	}

	backlinks := make([]*domain.Backlink, 0, len(candidates))
	for _, link := range candidates {
		owner, tracked := ownerByURL[link.NormalizedURL]
		if !tracked {
			continue
		}
		backlinks = append(backlinks, &domain.Backlink{
			TargetProjectID: owner.ProjectID,
			SourcePageID:    page.ID,
			LinkID:          link.ID,
			TargetURL:       owner.URL,
			SourceURL:       page.URL,
			AnchorText:      link.Anchor,
			IsDofollow:      !link.NoFollow,
			IsSponsored:     link.Sponsored,
			IsUGC:           link.UGC,
			DiscoveredVia:   domain.BacklinkPathForward,
		})
	}
	if len(backlinks) == 0 {
		return 0, nil
	}

	return g.backlinks.CreateBatch(ctx, backlinks, true)
}

// Retroactive creates backlinks from links that were extracted before their
// target was crawled. Called right after a page record is persisted.
func (g *Graph) Retroactive(ctx context.Context, page *domain.PageRecord) (int, error) {
	inbound, err := g.inbound.PointingAt(ctx, page.NormalizedURL)
	if err != nil {
		return 0, err
	}
	if len(inbound) == 0 {
		return 0, nil
	}

	backlinks := make([]*domain.Backlink, 0, len(inbound))
	for _, src := range inbound {
		if src.SourcePageID == page.ID {
			continue
		}
		backlinks = append(backlinks, &domain.Backlink{
			TargetProjectID: page.ProjectID,
			SourcePageID:    src.SourcePageID,
			LinkID:          src.LinkID,
			TargetURL:       page.URL,
			SourceURL:       src.SourceURL,
			AnchorText:      src.Anchor,
			IsDofollow:      !src.NoFollow,
			IsSponsored:     src.Sponsored,
			IsUGC:           src.UGC,
			DiscoveredVia:   domain.BacklinkPathRetroactive,
		})
	}
	if len(backlinks) == 0 {
		return 0, nil
	}

	return g.backlinks.CreateBatch(ctx, backlinks, true)
}

// TargetFromJob decodes the discovery target a backlink-origin job carries.
func TargetFromJob(job *domain.CrawlJob) (*domain.BacklinkTarget, bool) {
	if job == nil || job.Metadata == nil {
		return nil, false
	}
	raw, ok := job.Metadata[MetadataTargetKey]
	if !ok {
		return nil, false
	}

	var target domain.BacklinkTarget
	if err := mapstructure.Decode(raw, &target); err != nil || target.TargetURL == "" {
		return nil, false
	}
	return &target, true
}
