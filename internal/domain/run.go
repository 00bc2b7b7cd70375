// Package domain provides domain models used across the crawl engine.
package domain

import (
	"time"
)

// RunStatus represents the lifecycle state of a crawl run.
type RunStatus string

const (
	// RunStatusPending means the run is created but not yet started.
	RunStatusPending RunStatus = "pending"
	// RunStatusPendingApproval means robots.txt could not be verified and an
	// operator must approve the run before it may start.
	RunStatusPendingApproval RunStatus = "pending_approval"
	// RunStatusInProgress means workers are actively crawling the run.
	RunStatusInProgress RunStatus = "in_progress"
	// RunStatusPaused means the run is suspended and may be resumed.
	RunStatusPaused RunStatus = "paused"
	// RunStatusStopped means the run was cancelled by an operator. Terminal.
	RunStatusStopped RunStatus = "stopped"
	// RunStatusCompleted means all discovered work finished. Terminal.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed means the run aborted on a setup error. Terminal.
	RunStatusFailed RunStatus = "failed"
)

// String returns the status as a string.
func (s RunStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further work may happen for the run.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusStopped || s == RunStatusCompleted || s == RunStatusFailed
}

// IsActive reports whether workers should process jobs for the run.
func (s RunStatus) IsActive() bool {
	return s == RunStatusInProgress
}

// CrawlRun represents a single audit crawl of a site.
type CrawlRun struct {
	// Identity
	ID        string `db:"id"         json:"id"`
	SiteID    string `db:"site_id"    json:"site_id"`
	ProjectID string `db:"project_id" json:"project_id"`
	BaseURL   string `db:"base_url"   json:"base_url"`

	// Lifecycle
	Status       RunStatus `db:"status"        json:"status"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`

	// Progress
	PagesCrawled int `db:"pages_crawled" json:"pages_crawled"`
	PagesTotal   int `db:"pages_total"   json:"pages_total"`

	// Timestamps
	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updated_at"`
}

// Site represents a project's website registered for auditing.
type Site struct {
	ID        string `db:"id"         json:"id"`
	ProjectID string `db:"project_id" json:"project_id"`
	BaseURL   string `db:"base_url"   json:"base_url"`
	Domain    string `db:"domain"     json:"domain"`

	// AuditSchedule is an optional cron expression for recurring audits.
	AuditSchedule string `db:"audit_schedule" json:"audit_schedule,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
