package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/seoscope/crawler/internal/domain"
)

// ErrSiteNotFound is returned when a site does not exist.
var ErrSiteNotFound = errors.New("site not found")

// ErrSiteExists is returned when a site with the same project and domain is
// already registered.
var ErrSiteExists = errors.New("site already exists")

// SiteRepository handles database operations for audited sites.
type SiteRepository struct {
	db *sqlx.DB
}

// NewSiteRepository creates a new site repository.
func NewSiteRepository(db *sqlx.DB) *SiteRepository {
	return &SiteRepository{db: db}
}

// Create registers a site for auditing. Sites are unique per (project_id,
// domain).
func (r *SiteRepository) Create(ctx context.Context, site *domain.Site) error {
	if site.ID == "" {
		site.ID = uuid.New().String()
	}
	now := time.Now()
	if site.CreatedAt.IsZero() {
		site.CreatedAt = now
	}
	if site.UpdatedAt.IsZero() {
		site.UpdatedAt = now
	}

	query := `
		INSERT INTO sites (id, project_id, base_url, domain, audit_schedule,
		                   created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		site.ID,
		site.ProjectID,
		site.BaseURL,
		site.Domain,
		site.AuditSchedule,
		site.CreatedAt,
		site.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrSiteExists, site.Domain)
		}
		return fmt.Errorf("failed to create site: %w", err)
	}

	return nil
}

// GetByID retrieves a site by its ID.
func (r *SiteRepository) GetByID(ctx context.Context, id string) (*domain.Site, error) {
	var site domain.Site
	query := `
		SELECT id, project_id, base_url, domain, audit_schedule, created_at,
		       updated_at
		FROM sites
		WHERE id = $1
	`

	err := r.db.GetContext(ctx, &site, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSiteNotFound
		}
		return nil, fmt.Errorf("failed to get site: %w", err)
	}

	return &site, nil
}

// List retrieves sites, optionally scoped to a project.
func (r *SiteRepository) List(ctx context.Context, projectID string) ([]*domain.Site, error) {
	var sites []*domain.Site
	var err error

	if projectID != "" {
		query := `
			SELECT id, project_id, base_url, domain, audit_schedule,
			       created_at, updated_at
			FROM sites
			WHERE project_id = $1
			ORDER BY domain ASC
		`
		err = r.db.SelectContext(ctx, &sites, query, projectID)
	} else {
		query := `
			SELECT id, project_id, base_url, domain, audit_schedule,
			       created_at, updated_at
			FROM sites
			ORDER BY domain ASC
		`
		err = r.db.SelectContext(ctx, &sites, query)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}

	if sites == nil {
		sites = []*domain.Site{}
	}

	return sites, nil
}

// ListScheduled retrieves sites that carry a recurring audit schedule.
func (r *SiteRepository) ListScheduled(ctx context.Context) ([]*domain.Site, error) {
	var sites []*domain.Site
	query := `
		SELECT id, project_id, base_url, domain, audit_schedule, created_at,
		       updated_at
		FROM sites
		WHERE audit_schedule <> ''
		ORDER BY domain ASC
	`

	err := r.db.SelectContext(ctx, &sites, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled sites: %w", err)
	}

	if sites == nil {
		sites = []*domain.Site{}
	}

	return sites, nil
}

// UpdateSchedule replaces a site's recurring audit schedule. An empty
// expression disables scheduled audits.
func (r *SiteRepository) UpdateSchedule(ctx context.Context, id, schedule string) error {
	query := `UPDATE sites SET audit_schedule = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, schedule, id)
	return execRequireRows(result, err, ErrSiteNotFound)
}
