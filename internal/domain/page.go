package domain

import "time"

// Fetch route constants recorded on a PageRecord.
const (
	FetchRouteDirect = "direct"
	FetchRouteProxy  = "proxy"
)

// PageRecord represents a crawled page's extracted content and metadata.
// Records are unique per (RunID, NormalizedURL).
type PageRecord struct {
	// Identity
	ID            string `db:"id"             json:"id"`
	RunID         string `db:"run_id"         json:"run_id"`
	SiteID        string `db:"site_id"        json:"site_id"`
	ProjectID     string `db:"project_id"     json:"project_id"`
	URL           string `db:"url"            json:"url"`
	NormalizedURL string `db:"normalized_url" json:"normalized_url"`

	// Fetch outcome
	FinalURL   string `db:"final_url"   json:"final_url"`
	StatusCode int    `db:"status_code" json:"status_code"`
	FetchRoute string `db:"fetch_route" json:"fetch_route"`

	// Extracted content
	Title       string `db:"title"        json:"title"`
	Description string `db:"description"  json:"description"`
	ContentHash string `db:"content_hash" json:"content_hash"`
	NoIndex     bool   `db:"no_index"     json:"no_index"`
	NoFollow    bool   `db:"no_follow"    json:"no_follow"`

	// Extras from the extractor (headings, canonical, hreflang, ...).
	Metadata JSONBMap `db:"metadata" json:"metadata,omitempty"`

	// Timestamps
	CrawledAt time.Time `db:"crawled_at" json:"crawled_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Link represents a single anchor extracted from a crawled page.
// Every extracted link is persisted so later runs can discover backlinks
// retroactively across projects.
type Link struct {
	// Identity
	ID           string `db:"id"             json:"id"`
	PageRecordID string `db:"page_record_id" json:"page_record_id"`
	RunID        string `db:"run_id"         json:"run_id"`
	ProjectID    string `db:"project_id"     json:"project_id"`

	// Target
	Href          string `db:"href"           json:"href"`
	NormalizedURL string `db:"normalized_url" json:"normalized_url"`
	IsExternal    bool   `db:"is_external"    json:"is_external"`

	// Anchor attributes
	Anchor    string `db:"anchor"    json:"anchor"`
	Rel       string `db:"rel"       json:"rel"`
	NoFollow  bool   `db:"no_follow" json:"no_follow"`
	Sponsored bool   `db:"sponsored" json:"sponsored"`
	UGC       bool   `db:"ugc"       json:"ugc"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
