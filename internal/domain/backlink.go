package domain

import "time"

// Backlink discovery path constants.
const (
	BacklinkPathForward     = "forward"
	BacklinkPathRetroactive = "retroactive"
	BacklinkPathExternal    = "external"
)

// Backlink records that a crawled page links to a page owned by a project.
// Rows are unique per (TargetProjectID, SourcePageID, LinkID); duplicate
// discoveries across paths collapse on that constraint.
type Backlink struct {
	// Identity
	ID              string `db:"id"                json:"id"`
	TargetProjectID string `db:"target_project_id" json:"target_project_id"`
	SourcePageID    string `db:"source_page_id"    json:"source_page_id"`
	LinkID          string `db:"link_id"           json:"link_id"`

	// Denormalized for reporting
	TargetURL   string `db:"target_url"   json:"target_url"`
	SourceURL   string `db:"source_url"   json:"source_url"`
	AnchorText  string `db:"anchor_text"  json:"anchor_text"`
	IsDofollow  bool   `db:"is_dofollow"  json:"is_dofollow"`
	IsSponsored bool   `db:"is_sponsored" json:"is_sponsored"`
	IsUGC       bool   `db:"is_ugc"       json:"is_ugc"`

	// DiscoveredVia is one of the BacklinkPath constants.
	DiscoveredVia string `db:"discovered_via" json:"discovered_via"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
