package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/seoscope/crawler/internal/domain"
)

// linkInsertChunk bounds the rows per multi-value INSERT so the statement
// stays well under PostgreSQL's bind-parameter limit.
const linkInsertChunk = 500

// LinkRepository handles database operations for links extracted from
// crawled pages.
type LinkRepository struct {
	db *sqlx.DB
}

// NewLinkRepository creates a new extracted-link repository.
func NewLinkRepository(db *sqlx.DB) *LinkRepository {
	return &LinkRepository{db: db}
}

// CreateBatch inserts the links extracted from one page. Missing IDs and
// timestamps are filled in, so callers can read link.ID back after the call
// when building backlinks from the same slice.
func (r *LinkRepository) CreateBatch(ctx context.Context, links []*domain.Link) error {
	if len(links) == 0 {
		return nil
	}

	now := time.Now()
	for _, link := range links {
		if link.ID == "" {
			link.ID = uuid.New().String()
		}
		if link.CreatedAt.IsZero() {
			link.CreatedAt = now
		}
	}

	query := `
		INSERT INTO links (id, page_record_id, run_id, project_id, href,
		                   normalized_url, is_external, anchor, rel,
		                   no_follow, sponsored, ugc, created_at)
		VALUES (:id, :page_record_id, :run_id, :project_id, :href,
		        :normalized_url, :is_external, :anchor, :rel,
		        :no_follow, :sponsored, :ugc, :created_at)
	`

	for start := 0; start < len(links); start += linkInsertChunk {
		end := start + linkInsertChunk
		if end > len(links) {
			end = len(links)
		}

		if _, err := r.db.NamedExecContext(ctx, query, links[start:end]); err != nil {
			return fmt.Errorf("failed to create links: %w", err)
		}
	}

	return nil
}

// LinkSource is a stored link joined with the page that contains it.
type LinkSource struct {
	LinkID        string `db:"link_id"`
	SourcePageID  string `db:"source_page_id"`
	SourceProject string `db:"source_project_id"`
	SourceURL     string `db:"source_url"`
	Href          string `db:"href"`
	Anchor        string `db:"anchor"`
	NoFollow      bool   `db:"no_follow"`
	Sponsored     bool   `db:"sponsored"`
	UGC           bool   `db:"ugc"`
}

// PointingAt returns previously stored external links whose normalized
// target matches the given URL, joined with their source pages. Retroactive
// backlink discovery runs this when a page is crawled after its referrers.
func (r *LinkRepository) PointingAt(ctx context.Context, normalizedURL string) ([]LinkSource, error) {
	query := `
		SELECT l.id AS link_id, l.page_record_id AS source_page_id,
		       p.project_id AS source_project_id, p.url AS source_url,
		       l.href, l.anchor, l.no_follow, l.sponsored, l.ugc
		FROM links l
		JOIN page_records p ON p.id = l.page_record_id
		WHERE l.normalized_url = $1 AND l.is_external = TRUE
	`

	var sources []LinkSource
	err := r.db.SelectContext(ctx, &sources, query, normalizedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to query links pointing at url: %w", err)
	}

	if sources == nil {
		sources = []LinkSource{}
	}

	return sources, nil
}

// ListByPage retrieves the links stored for one page record.
func (r *LinkRepository) ListByPage(ctx context.Context, pageRecordID string) ([]*domain.Link, error) {
	var links []*domain.Link
	query := `
		SELECT id, page_record_id, run_id, project_id, href, normalized_url,
		       is_external, anchor, rel, no_follow, sponsored, ugc, created_at
		FROM links
		WHERE page_record_id = $1
		ORDER BY created_at ASC, id ASC
	`

	err := r.db.SelectContext(ctx, &links, query, pageRecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	if links == nil {
		links = []*domain.Link{}
	}

	return links, nil
}

// CountByRun returns the number of links stored for a run.
func (r *LinkRepository) CountByRun(ctx context.Context, runID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM links WHERE run_id = $1`

	err := r.db.GetContext(ctx, &count, query, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to count links: %w", err)
	}

	return count, nil
}
