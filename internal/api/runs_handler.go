package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/seoscope/crawler/internal/database"
	"github.com/seoscope/crawler/internal/domain"
	"github.com/seoscope/crawler/internal/logs"
	"github.com/seoscope/crawler/internal/orchestrator"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// RunController drives run lifecycle transitions. The orchestrator
// satisfies this.
type RunController interface {
	Start(ctx context.Context, runID string) error
	Pause(ctx context.Context, runID string) error
	Resume(ctx context.Context, runID string, skipURLs []string) error
	Stop(ctx context.Context, runID string) error
}

// RunReader loads run rows for inspection.
type RunReader interface {
	GetByID(ctx context.Context, id string) (*domain.CrawlRun, error)
	List(ctx context.Context, filters database.RunListFilters) ([]*domain.CrawlRun, error)
	Count(ctx context.Context, filters database.RunListFilters) (int, error)
}

// RunsHandler handles run-related HTTP requests.
type RunsHandler struct {
	controller RunController
	runs       RunReader
	runlog     logs.RunLog
}

// NewRunsHandler creates a runs handler.
func NewRunsHandler(controller RunController, runs RunReader, runlog logs.RunLog) *RunsHandler {
	if runlog == nil {
		runlog = logs.Nop{}
	}
	return &RunsHandler{
		controller: controller,
		runs:       runs,
		runlog:     runlog,
	}
}

// Register mounts the run routes on the given group.
func (h *RunsHandler) Register(group *gin.RouterGroup) {
	group.GET("/runs", h.ListRuns)
	group.GET("/runs/:id", h.GetRun)
	group.GET("/runs/:id/logs", h.GetRunLogs)
	group.POST("/runs/:id/start", h.StartRun)
	group.POST("/runs/:id/pause", h.PauseRun)
	group.POST("/runs/:id/resume", h.ResumeRun)
	group.POST("/runs/:id/stop", h.StopRun)
}

// ListRuns handles GET /api/v1/runs.
func (h *RunsHandler) ListRuns(c *gin.Context) {
	filters := database.RunListFilters{
		SiteID:    c.Query("site_id"),
		ProjectID: c.Query("project_id"),
		Status:    c.Query("status"),
		SortBy:    c.DefaultQuery("sort_by", "created_at"),
		SortOrder: c.DefaultQuery("sort_order", "desc"),
		Limit:     queryInt(c, "limit", defaultListLimit),
		Offset:    queryInt(c, "offset", 0),
	}
	if filters.Limit > maxListLimit {
		filters.Limit = maxListLimit
	}

	runs, err := h.runs.List(c.Request.Context(), filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve runs"})
		return
	}
	total, err := h.runs.Count(c.Request.Context(), filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get total count"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"total": total,
	})
}

// GetRun handles GET /api/v1/runs/:id.
func (h *RunsHandler) GetRun(c *gin.Context) {
	id := c.Param("id")
	if id == "" || id == "undefined" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}

	run, err := h.runs.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve run"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":        run,
		"log_counts": h.runlog.Counts(id),
	})
}

// GetRunLogs handles GET /api/v1/runs/:id/logs?category=crawled.
func (h *RunsHandler) GetRunLogs(c *gin.Context) {
	id := c.Param("id")

	category := logs.Category(c.Query("category"))
	if category != "" && !category.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "Unknown log category",
			"categories": logs.AllCategories(),
		})
		return
	}

	entries := h.runlog.Entries(id, category)
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"counts":  h.runlog.Counts(id),
	})
}

// StartRun handles POST /api/v1/runs/:id/start.
func (h *RunsHandler) StartRun(c *gin.Context) {
	id := c.Param("id")

	err := h.controller.Start(c.Request.Context(), id)
	if errors.Is(err, orchestrator.ErrApprovalRequired) {
		// Parked rather than started: robots.txt could not be verified.
		// Starting again counts as operator approval.
		c.JSON(http.StatusAccepted, gin.H{
			"status":  domain.RunStatusPendingApproval,
			"message": "robots.txt unavailable; start again to approve crawling without it",
		})
		return
	}
	if err != nil {
		h.transitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": domain.RunStatusInProgress})
}

// PauseRun handles POST /api/v1/runs/:id/pause.
func (h *RunsHandler) PauseRun(c *gin.Context) {
	if err := h.controller.Pause(c.Request.Context(), c.Param("id")); err != nil {
		h.transitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": domain.RunStatusPaused})
}

// ResumeRequest is the body of POST /api/v1/runs/:id/resume.
type ResumeRequest struct {
	// SkipURLs are added to the run's operator skip set before resuming,
	// so their queued jobs finish as skips.
	SkipURLs []string `json:"skip_urls"`
}

// ResumeRun handles POST /api/v1/runs/:id/resume.
func (h *RunsHandler) ResumeRun(c *gin.Context) {
	var req ResumeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
	}

	if err := h.controller.Resume(c.Request.Context(), c.Param("id"), req.SkipURLs); err != nil {
		h.transitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": domain.RunStatusInProgress})
}

// StopRun handles POST /api/v1/runs/:id/stop.
func (h *RunsHandler) StopRun(c *gin.Context) {
	if err := h.controller.Stop(c.Request.Context(), c.Param("id")); err != nil {
		h.transitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": domain.RunStatusStopped})
}

// transitionError maps lifecycle errors onto HTTP statuses: missing runs are
// 404, lost transition races and invalid transitions are 409.
func (h *RunsHandler) transitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, database.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
	case errors.Is(err, database.ErrRunStatusConflict), errors.Is(err, orchestrator.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Run transition failed"})
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.DefaultQuery(key, strconv.Itoa(fallback))
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
