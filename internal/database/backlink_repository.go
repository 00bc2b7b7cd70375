package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/seoscope/crawler/internal/domain"
)

// ErrDuplicateBacklink is returned when an insert without skipDuplicates
// collides on (target_project_id, source_page_id, link_id).
var ErrDuplicateBacklink = errors.New("backlink already exists")

// BacklinkRepository handles database operations for discovered backlinks.
type BacklinkRepository struct {
	db *sqlx.DB
}

// NewBacklinkRepository creates a new backlink repository.
func NewBacklinkRepository(db *sqlx.DB) *BacklinkRepository {
	return &BacklinkRepository{db: db}
}

// CreateBatch inserts discovered backlinks and returns how many rows were
// actually written. With skipDuplicates, rows colliding on the uniqueness
// constraint are silently dropped; all three discovery paths rely on that to
// converge without coordinating with each other.
func (r *BacklinkRepository) CreateBatch(ctx context.Context, backlinks []*domain.Backlink, skipDuplicates bool) (int, error) {
	if len(backlinks) == 0 {
		return 0, nil
	}

	now := time.Now()
	for _, backlink := range backlinks {
		if backlink.ID == "" {
			backlink.ID = uuid.New().String()
		}
		if backlink.CreatedAt.IsZero() {
			backlink.CreatedAt = now
		}
	}

	query := `
		INSERT INTO backlinks (id, target_project_id, source_page_id, link_id,
		                       target_url, source_url, anchor_text,
		                       is_dofollow, is_sponsored, is_ugc,
		                       discovered_via, created_at)
		VALUES (:id, :target_project_id, :source_page_id, :link_id,
		        :target_url, :source_url, :anchor_text,
		        :is_dofollow, :is_sponsored, :is_ugc,
		        :discovered_via, :created_at)
	`
	if skipDuplicates {
		query += ` ON CONFLICT (target_project_id, source_page_id, link_id) DO NOTHING`
	}

	result, err := r.db.NamedExecContext(ctx, query, backlinks)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateBacklink
		}
		return 0, fmt.Errorf("failed to create backlinks: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rowsAffected), nil
}

// ListByProject retrieves backlinks pointing at a project, newest first.
func (r *BacklinkRepository) ListByProject(ctx context.Context, targetProjectID string, limit, offset int) ([]*domain.Backlink, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var backlinks []*domain.Backlink
	query := `
		SELECT id, target_project_id, source_page_id, link_id, target_url,
		       source_url, anchor_text, is_dofollow, is_sponsored, is_ugc,
		       discovered_via, created_at
		FROM backlinks
		WHERE target_project_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	err := r.db.SelectContext(ctx, &backlinks, query, targetProjectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list backlinks: %w", err)
	}

	if backlinks == nil {
		backlinks = []*domain.Backlink{}
	}

	return backlinks, nil
}

// CountByProject returns backlink totals for a project split by discovery
// path, for reporting.
func (r *BacklinkRepository) CountByProject(ctx context.Context, targetProjectID string) (*BacklinkStats, error) {
	var stats BacklinkStats
	query := `
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE discovered_via = 'forward') AS forward,
		       COUNT(*) FILTER (WHERE discovered_via = 'retroactive') AS retroactive,
		       COUNT(*) FILTER (WHERE discovered_via = 'external') AS external,
		       COUNT(*) FILTER (WHERE is_dofollow) AS dofollow
		FROM backlinks
		WHERE target_project_id = $1
	`

	err := r.db.GetContext(ctx, &stats, query, targetProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to count backlinks: %w", err)
	}

	return &stats, nil
}

// BacklinkStats summarizes a project's backlinks by discovery path.
type BacklinkStats struct {
	Total       int `db:"total"       json:"total"`
	Forward     int `db:"forward"     json:"forward"`
	Retroactive int `db:"retroactive" json:"retroactive"`
	External    int `db:"external"    json:"external"`
	Dofollow    int `db:"dofollow"    json:"dofollow"`
}
