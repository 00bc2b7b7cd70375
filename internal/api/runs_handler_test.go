package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoscope/crawler/internal/api"
	"github.com/seoscope/crawler/internal/database"
	"github.com/seoscope/crawler/internal/domain"
	"github.com/seoscope/crawler/internal/logger"
	"github.com/seoscope/crawler/internal/logs"
	"github.com/seoscope/crawler/internal/orchestrator"
)

type fakeController struct {
	startErr  error
	pauseErr  error
	resumeErr error
	stopErr   error

	resumedWith []string
}

func (f *fakeController) Start(context.Context, string) error { return f.startErr }
func (f *fakeController) Pause(context.Context, string) error { return f.pauseErr }

func (f *fakeController) Resume(_ context.Context, _ string, skipURLs []string) error {
	f.resumedWith = skipURLs
	return f.resumeErr
}

func (f *fakeController) Stop(context.Context, string) error { return f.stopErr }

type fakeRunReader struct {
	runs map[string]*domain.CrawlRun
}

func (f *fakeRunReader) GetByID(_ context.Context, id string) (*domain.CrawlRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, database.ErrRunNotFound
	}
	return run, nil
}

func (f *fakeRunReader) List(context.Context, database.RunListFilters) ([]*domain.CrawlRun, error) {
	out := make([]*domain.CrawlRun, 0, len(f.runs))
	for _, run := range f.runs {
		out = append(out, run)
	}
	return out, nil
}

func (f *fakeRunReader) Count(context.Context, database.RunListFilters) (int, error) {
	return len(f.runs), nil
}

func newTestRouter(controller *fakeController, reader *fakeRunReader, runlog logs.RunLog) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := api.NewRunsHandler(controller, reader, runlog)
	handler.Register(router.Group("/api/v1"))
	return router
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStartRun(t *testing.T) {
	t.Parallel()

	router := newTestRouter(&fakeController{}, &fakeRunReader{}, nil)

	rec := doRequest(router, http.MethodPost, "/api/v1/runs/run-1/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "in_progress")
}

func TestStartRunRequiringApproval(t *testing.T) {
	t.Parallel()

	controller := &fakeController{startErr: orchestrator.ErrApprovalRequired}
	router := newTestRouter(controller, &fakeRunReader{}, nil)

	rec := doRequest(router, http.MethodPost, "/api/v1/runs/run-1/start", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "pending_approval")
}

func TestStartRunNotFound(t *testing.T) {
	t.Parallel()

	controller := &fakeController{startErr: database.ErrRunNotFound}
	router := newTestRouter(controller, &fakeRunReader{}, nil)

	rec := doRequest(router, http.MethodPost, "/api/v1/runs/missing/start", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRunConflict(t *testing.T) {
	t.Parallel()

	controller := &fakeController{
		startErr: fmt.Errorf("%w: in_progress -> in_progress", orchestrator.ErrInvalidTransition),
	}
	router := newTestRouter(controller, &fakeRunReader{}, nil)

	rec := doRequest(router, http.MethodPost, "/api/v1/runs/run-1/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResumeRunWithSkipList(t *testing.T) {
	t.Parallel()

	controller := &fakeController{}
	router := newTestRouter(controller, &fakeRunReader{}, nil)

	rec := doRequest(router, http.MethodPost, "/api/v1/runs/run-1/resume",
		`{"skip_urls":["https://example.com/a","https://example.com/b"]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"},
		controller.resumedWith)
}

func TestResumeRunWithoutBody(t *testing.T) {
	t.Parallel()

	controller := &fakeController{}
	router := newTestRouter(controller, &fakeRunReader{}, nil)

	rec := doRequest(router, http.MethodPost, "/api/v1/runs/run-1/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, controller.resumedWith)
}

func TestStopRunConflictWhenTerminal(t *testing.T) {
	t.Parallel()

	controller := &fakeController{
		stopErr: fmt.Errorf("%w: run run-1 is completed", database.ErrRunStatusConflict),
	}
	router := newTestRouter(controller, &fakeRunReader{}, nil)

	rec := doRequest(router, http.MethodPost, "/api/v1/runs/run-1/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	reader := &fakeRunReader{runs: map[string]*domain.CrawlRun{
		"run-1": {ID: "run-1", Status: domain.RunStatusInProgress, PagesCrawled: 7},
	}}
	router := newTestRouter(&fakeController{}, reader, nil)

	rec := doRequest(router, http.MethodGet, "/api/v1/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Run domain.CrawlRun `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 7, body.Run.PagesCrawled)
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	router := newTestRouter(&fakeController{}, &fakeRunReader{}, nil)

	rec := doRequest(router, http.MethodGet, "/api/v1/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunLogsFiltersByCategory(t *testing.T) {
	t.Parallel()

	runlog := logs.NewStream(logs.Config{}, nil, logger.NewNop())
	runlog.Log("run-1", logs.CategoryCrawled, logs.LevelInfo, "page crawled",
		map[string]any{"url": "https://example.com/a"})
	runlog.Log("run-1", logs.CategorySkipped, logs.LevelInfo, "url skipped",
		map[string]any{"url": "https://example.com/b", "reason": logs.ReasonRobots})

	router := newTestRouter(&fakeController{}, &fakeRunReader{}, runlog)

	rec := doRequest(router, http.MethodGet, "/api/v1/runs/run-1/logs?category=skipped", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entries []logs.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, logs.CategorySkipped, body.Entries[0].Category)
}

func TestGetRunLogsRejectsUnknownCategory(t *testing.T) {
	t.Parallel()

	router := newTestRouter(&fakeController{}, &fakeRunReader{}, nil)

	rec := doRequest(router, http.MethodGet, "/api/v1/runs/run-1/logs?category=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	reader := &fakeRunReader{runs: map[string]*domain.CrawlRun{
		"run-1": {ID: "run-1", Status: domain.RunStatusCompleted},
		"run-2": {ID: "run-2", Status: domain.RunStatusInProgress},
	}}
	router := newTestRouter(&fakeController{}, reader, nil)

	rec := doRequest(router, http.MethodGet, "/api/v1/runs?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
}
