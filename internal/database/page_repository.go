package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/seoscope/crawler/internal/domain"
)

// ErrPageNotFound is returned when a page record does not exist.
var ErrPageNotFound = errors.New("page record not found")

// ErrDuplicatePage is returned when a page record already exists for the
// same run and normalized URL. Callers skip the pages-crawled increment on
// this error and otherwise carry on.
var ErrDuplicatePage = errors.New("page record already exists for run")

// PageRepository handles database operations for crawled page records.
type PageRepository struct {
	db *sqlx.DB
}

// NewPageRepository creates a new page record repository.
func NewPageRepository(db *sqlx.DB) *PageRepository {
	return &PageRepository{db: db}
}

// Create persists a crawled page. Rows are unique per (run_id,
// normalized_url); a concurrent duplicate crawl surfaces as ErrDuplicatePage
// rather than a constraint violation.
func (r *PageRepository) Create(ctx context.Context, page *domain.PageRecord) error {
	if page.ID == "" {
		page.ID = uuid.New().String()
	}
	now := time.Now()
	if page.CrawledAt.IsZero() {
		page.CrawledAt = now
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = now
	}

	query := `
		INSERT INTO page_records (id, run_id, site_id, project_id, url,
		                          normalized_url, final_url, status_code,
		                          fetch_route, title, description,
		                          content_hash, no_index, no_follow,
		                          metadata, crawled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (run_id, normalized_url) DO NOTHING
	`

	result, err := r.db.ExecContext(
		ctx,
		query,
		page.ID,
		page.RunID,
		page.SiteID,
		page.ProjectID,
		page.URL,
		page.NormalizedURL,
		page.FinalURL,
		page.StatusCode,
		page.FetchRoute,
		page.Title,
		page.Description,
		page.ContentHash,
		page.NoIndex,
		page.NoFollow,
		page.Metadata,
		page.CrawledAt,
		page.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create page record: %w", err)
	}

	return execRequireRows(result, nil, ErrDuplicatePage)
}

// GetByID retrieves a page record by its ID.
func (r *PageRepository) GetByID(ctx context.Context, id string) (*domain.PageRecord, error) {
	var page domain.PageRecord
	query := `
		SELECT id, run_id, site_id, project_id, url, normalized_url,
		       final_url, status_code, fetch_route, title, description,
		       content_hash, no_index, no_follow, metadata, crawled_at,
		       created_at
		FROM page_records
		WHERE id = $1
	`

	err := r.db.GetContext(ctx, &page, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPageNotFound
		}
		return nil, fmt.Errorf("failed to get page record: %w", err)
	}

	return &page, nil
}

// FindByNormalizedURL retrieves the page record a run stored for a
// normalized URL, or ErrPageNotFound if the run has not crawled it.
func (r *PageRepository) FindByNormalizedURL(ctx context.Context, runID, normalizedURL string) (*domain.PageRecord, error) {
	var page domain.PageRecord
	query := `
		SELECT id, run_id, site_id, project_id, url, normalized_url,
		       final_url, status_code, fetch_route, title, description,
		       content_hash, no_index, no_follow, metadata, crawled_at,
		       created_at
		FROM page_records
		WHERE run_id = $1 AND normalized_url = $2
	`

	err := r.db.GetContext(ctx, &page, query, runID, normalizedURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPageNotFound
		}
		return nil, fmt.Errorf("failed to find page record: %w", err)
	}

	return &page, nil
}

// RecentNormalizedURLs returns the subset of urls that the site already has
// page records for within the retention window. The dedup layer uses this as
// its source-of-truth tier when Redis has no verdict.
func (r *PageRepository) RecentNormalizedURLs(ctx context.Context, siteID string, urls []string, window time.Duration) ([]string, error) {
	if len(urls) == 0 {
		return []string{}, nil
	}

	cutoff := time.Now().Add(-window)
	query := `
		SELECT DISTINCT normalized_url
		FROM page_records
		WHERE site_id = $1 AND normalized_url = ANY($2) AND crawled_at >= $3
	`

	var recent []string
	err := r.db.SelectContext(ctx, &recent, query, siteID, pq.Array(urls), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent normalized urls: %w", err)
	}

	if recent == nil {
		recent = []string{}
	}

	return recent, nil
}

// NormalizedURLsByRun returns every normalized URL a run has stored page
// records for. The dedup layer replays these into the crawled set when Redis
// state is lost mid-run.
func (r *PageRepository) NormalizedURLsByRun(ctx context.Context, runID string) ([]string, error) {
	query := `
		SELECT normalized_url
		FROM page_records
		WHERE run_id = $1
		ORDER BY crawled_at ASC
	`

	var urls []string
	err := r.db.SelectContext(ctx, &urls, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run normalized urls: %w", err)
	}

	if urls == nil {
		urls = []string{}
	}

	return urls, nil
}

// PageOwner identifies the project that owns a crawled normalized URL.
type PageOwner struct {
	PageID        string `db:"id"`
	ProjectID     string `db:"project_id"`
	NormalizedURL string `db:"normalized_url"`
	URL           string `db:"url"`
}

// OwnersByNormalizedURLs returns one owner per normalized URL that any
// project holds a page record for. When several records match a URL the most
// recently crawled one wins. Forward backlink discovery uses this to decide
// which extracted links point at tracked pages.
func (r *PageRepository) OwnersByNormalizedURLs(ctx context.Context, urls []string) ([]PageOwner, error) {
	if len(urls) == 0 {
		return []PageOwner{}, nil
	}

	query := `
		SELECT DISTINCT ON (normalized_url) id, project_id, normalized_url, url
		FROM page_records
		WHERE normalized_url = ANY($1)
		ORDER BY normalized_url, crawled_at DESC
	`

	var owners []PageOwner
	err := r.db.SelectContext(ctx, &owners, query, pq.Array(urls))
	if err != nil {
		return nil, fmt.Errorf("failed to query page owners: %w", err)
	}

	if owners == nil {
		owners = []PageOwner{}
	}

	return owners, nil
}

// ListByRun retrieves page records for a run, oldest first, paginated.
func (r *PageRepository) ListByRun(ctx context.Context, runID string, limit, offset int) ([]*domain.PageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var pages []*domain.PageRecord
	query := `
		SELECT id, run_id, site_id, project_id, url, normalized_url,
		       final_url, status_code, fetch_route, title, description,
		       content_hash, no_index, no_follow, metadata, crawled_at,
		       created_at
		FROM page_records
		WHERE run_id = $1
		ORDER BY crawled_at ASC
		LIMIT $2 OFFSET $3
	`

	err := r.db.SelectContext(ctx, &pages, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list page records: %w", err)
	}

	if pages == nil {
		pages = []*domain.PageRecord{}
	}

	return pages, nil
}

// CountByRun returns the number of page records stored for a run.
func (r *PageRepository) CountByRun(ctx context.Context, runID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM page_records WHERE run_id = $1`

	err := r.db.GetContext(ctx, &count, query, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to count page records: %w", err)
	}

	return count, nil
}
