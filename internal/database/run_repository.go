package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/seoscope/crawler/internal/domain"
)

// ErrRunNotFound is returned when a crawl run does not exist.
var ErrRunNotFound = errors.New("crawl run not found")

// ErrRunStatusConflict is returned when a status transition loses a
// compare-and-set race: the run's current status does not match any of the
// expected source statuses.
var ErrRunStatusConflict = errors.New("crawl run status conflict")

const defaultRunSortBy = "created_at"

// RunRepository handles database operations for crawl runs.
type RunRepository struct {
	db *sqlx.DB
}

// NewRunRepository creates a new crawl run repository.
func NewRunRepository(db *sqlx.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create persists a new crawl run. A missing ID, status, and timestamps are
// filled in before the insert.
func (r *RunRepository) Create(ctx context.Context, run *domain.CrawlRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusPending
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}

	query := `
		INSERT INTO crawl_runs (id, site_id, project_id, base_url, status,
		                        error_message, pages_crawled, pages_total,
		                        started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		run.ID,
		run.SiteID,
		run.ProjectID,
		run.BaseURL,
		run.Status,
		run.ErrorMessage,
		run.PagesCrawled,
		run.PagesTotal,
		run.StartedAt,
		run.CompletedAt,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create crawl run: %w", err)
	}

	return nil
}

// GetByID retrieves a crawl run by its ID. Returns ErrRunNotFound when the
// run does not exist, which callers treat as "run deleted, abandon quietly".
func (r *RunRepository) GetByID(ctx context.Context, id string) (*domain.CrawlRun, error) {
	var run domain.CrawlRun
	query := `
		SELECT id, site_id, project_id, base_url, status, error_message,
		       pages_crawled, pages_total, started_at, completed_at,
		       created_at, updated_at
		FROM crawl_runs
		WHERE id = $1
	`

	err := r.db.GetContext(ctx, &run, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get crawl run: %w", err)
	}

	return &run, nil
}

// UpdateStatus transitions a crawl run to a new status. The update is
// compare-and-set: it only applies while the run's current status is one of
// from, otherwise ErrRunStatusConflict (or ErrRunNotFound) is returned and
// the row is untouched. started_at is stamped on the first entry to
// in_progress and completed_at on entry to any terminal status.
func (r *RunRepository) UpdateStatus(ctx context.Context, id string, from []domain.RunStatus, to domain.RunStatus) error {
	query := `
		UPDATE crawl_runs
		SET status = $1,
		    started_at = CASE WHEN $1 = 'in_progress' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		    completed_at = CASE WHEN $1 IN ('completed', 'failed', 'stopped') THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`

	fromValues := make([]string, len(from))
	for i, s := range from {
		fromValues[i] = s.String()
	}

	result, err := r.db.ExecContext(ctx, query, to.String(), id, pq.Array(fromValues))
	if err != nil {
		return fmt.Errorf("failed to update crawl run status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Zero rows means either the run vanished or the transition lost a
		// race. Look at the current status to tell the two apart.
		var current string
		getErr := r.db.GetContext(ctx, &current, `SELECT status FROM crawl_runs WHERE id = $1`, id)
		if errors.Is(getErr, sql.ErrNoRows) {
			return ErrRunNotFound
		}
		if getErr != nil {
			return fmt.Errorf("failed to update crawl run status: %w", getErr)
		}
		return fmt.Errorf("%w: run %s is %s", ErrRunStatusConflict, id, current)
	}

	return nil
}

// SetError records a human-readable failure reason on a run.
func (r *RunRepository) SetError(ctx context.Context, id, message string) error {
	query := `UPDATE crawl_runs SET error_message = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, message, id)
	return execRequireRows(result, err, ErrRunNotFound)
}

// IncrementPagesCrawled bumps the crawled-page counter by one. Workers call
// this once per page record actually inserted, so duplicate crawls never
// inflate the count.
func (r *RunRepository) IncrementPagesCrawled(ctx context.Context, id string) error {
	query := `UPDATE crawl_runs SET pages_crawled = pages_crawled + 1, updated_at = NOW() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	return execRequireRows(result, err, ErrRunNotFound)
}

// AddPagesTotal grows the discovered-page estimate. Seeding enqueues sitemap
// batches incrementally, so the total accumulates rather than being set once.
func (r *RunRepository) AddPagesTotal(ctx context.Context, id string, delta int) error {
	if delta <= 0 {
		return nil
	}

	query := `UPDATE crawl_runs SET pages_total = pages_total + $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, delta, id)
	return execRequireRows(result, err, ErrRunNotFound)
}

// RunListFilters represents filtering options for listing crawl runs.
type RunListFilters struct {
	SiteID    string
	ProjectID string
	Status    string
	SortBy    string // created_at, updated_at, started_at
	SortOrder string // asc, desc
	Limit     int
	Offset    int
}

func buildRunWhere(filters RunListFilters) (string, []any, int) {
	whereClauses := []string{}
	args := []any{}
	argIndex := 1

	if filters.SiteID != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("site_id = $%d", argIndex))
		args = append(args, filters.SiteID)
		argIndex++
	}

	if filters.ProjectID != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("project_id = $%d", argIndex))
		args = append(args, filters.ProjectID)
		argIndex++
	}

	if filters.Status != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, filters.Status)
		argIndex++
	}

	whereClause := ""
	if len(whereClauses) > 0 {
		whereClause = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	return whereClause, args, argIndex
}

// List retrieves crawl runs with optional filtering, newest first by default.
func (r *RunRepository) List(ctx context.Context, filters RunListFilters) ([]*domain.CrawlRun, error) {
	var runs []*domain.CrawlRun

	whereClause, args, argIndex := buildRunWhere(filters)

	sortBy := filters.SortBy
	if sortBy != "updated_at" && sortBy != "started_at" {
		sortBy = defaultRunSortBy
	}

	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT id, site_id, project_id, base_url, status, error_message,
		       pages_crawled, pages_total, started_at, completed_at,
		       created_at, updated_at
		FROM crawl_runs
		%s
		ORDER BY %s %s
		LIMIT $%d OFFSET $%d
	`, whereClause, sortBy, sortOrder, argIndex, argIndex+1)

	args = append(args, limit, offset)

	err := r.db.SelectContext(ctx, &runs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list crawl runs: %w", err)
	}

	if runs == nil {
		runs = []*domain.CrawlRun{}
	}

	return runs, nil
}

// Count returns the total number of crawl runs matching the filters.
func (r *RunRepository) Count(ctx context.Context, filters RunListFilters) (int, error) {
	var count int

	whereClause, args, _ := buildRunWhere(filters)

	query := fmt.Sprintf(`SELECT COUNT(*) FROM crawl_runs %s`, whereClause)

	err := r.db.GetContext(ctx, &count, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to count crawl runs: %w", err)
	}

	return count, nil
}

// ListActive returns runs whose status still allows work, oldest first.
// The reconciliation loop sweeps these looking for runs to complete.
func (r *RunRepository) ListActive(ctx context.Context) ([]*domain.CrawlRun, error) {
	var runs []*domain.CrawlRun
	query := `
		SELECT id, site_id, project_id, base_url, status, error_message,
		       pages_crawled, pages_total, started_at, completed_at,
		       created_at, updated_at
		FROM crawl_runs
		WHERE status IN ('in_progress', 'paused')
		ORDER BY created_at ASC
	`

	err := r.db.SelectContext(ctx, &runs, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active crawl runs: %w", err)
	}

	if runs == nil {
		runs = []*domain.CrawlRun{}
	}

	return runs, nil
}
