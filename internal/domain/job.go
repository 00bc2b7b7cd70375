package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// OriginKind identifies how a URL entered the crawl.
type OriginKind string

const (
	// OriginSeed is the run's base URL.
	OriginSeed OriginKind = "seed"
	// OriginSitemap is a URL discovered from a sitemap.
	OriginSitemap OriginKind = "sitemap"
	// OriginLink is a same-domain URL extracted from a crawled page.
	OriginLink OriginKind = "link"
	// OriginBacklink is an external URL crawled to confirm a backlink source.
	OriginBacklink OriginKind = "backlink"
)

// String returns the origin as a string.
func (o OriginKind) String() string {
	return string(o)
}

// IsValid reports whether the origin is one of the known kinds.
func (o OriginKind) IsValid() bool {
	switch o {
	case OriginSeed, OriginSitemap, OriginLink, OriginBacklink:
		return true
	default:
		return false
	}
}

// CrawlJob is the unit of work carried on the job queue.
// URL is already normalized at enqueue time; IdempotencyKey is derived from
// (RunID, URL) so re-enqueues of the same URL within a run collapse.
type CrawlJob struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	SiteID         string     `json:"site_id"`
	ProjectID      string     `json:"project_id"`
	URL            string     `json:"url"`
	Origin         OriginKind `json:"origin"`
	IdempotencyKey string     `json:"idempotency_key"`

	// SourceURL is the page the URL was discovered on, empty for seeds.
	SourceURL string `json:"source_url,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// Metadata carries origin-specific extras, e.g. the backlink target for
	// external discovery jobs. Decoded by consumers with mapstructure.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// BacklinkTarget is the metadata payload of an external discovery job: the
// page the external source is expected to link back to.
type BacklinkTarget struct {
	TargetURL       string `json:"target_url"        mapstructure:"target_url"`
	TargetProjectID string `json:"target_project_id" mapstructure:"target_project_id"`
}

// JobIdempotencyKey derives the stable job identity for a normalized URL
// within a run. Every code path that might enqueue the same URL concurrently
// derives the same key, so the queue's claim check collapses them.
func JobIdempotencyKey(runID, normalizedURL string) string {
	sum := sha256.Sum256([]byte(runID + "\x00" + normalizedURL))
	return hex.EncodeToString(sum[:])
}
