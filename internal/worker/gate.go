package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seoscope/crawler/internal/database"
	"github.com/seoscope/crawler/internal/domain"
)

// ErrRunGone means the run row no longer exists; in-flight work for it is
// aborted silently.
var ErrRunGone = errors.New("crawl run no longer exists")

// RunSource loads run rows. The run repository satisfies this.
type RunSource interface {
	GetByID(ctx context.Context, id string) (*domain.CrawlRun, error)
}

// Gate answers "may work for this run proceed" before and after every slow
// step. Statuses are cached briefly so the per-step checks stay cheap under
// a full worker pool.
type Gate struct {
	runs RunSource
	ttl  time.Duration

	mu    sync.RWMutex
	cache map[string]gateEntry
}

type gateEntry struct {
	run       *domain.CrawlRun
	fetchedAt time.Time
}

// NewGate creates a gate. ttl <= 0 falls back to DefaultGateTTL.
func NewGate(runs RunSource, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultGateTTL
	}
	return &Gate{
		runs:  runs,
		ttl:   ttl,
		cache: make(map[string]gateEntry),
	}
}

// Run returns the run, from cache when fresh. A missing row maps to
// ErrRunGone; other load errors pass through for the caller's retry policy.
func (g *Gate) Run(ctx context.Context, runID string) (*domain.CrawlRun, error) {
	g.mu.RLock()
	entry, ok := g.cache[runID]
	g.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < g.ttl {
		return entry.run, nil
	}

	run, err := g.runs.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, database.ErrRunNotFound) {
			g.Invalidate(runID)
			return nil, ErrRunGone
		}
		return nil, fmt.Errorf("load run status: %w", err)
	}

	g.mu.Lock()
	g.cache[runID] = gateEntry{run: run, fetchedAt: time.Now()}
	g.mu.Unlock()

	return run, nil
}

// Status returns the run's current status.
func (g *Gate) Status(ctx context.Context, runID string) (domain.RunStatus, error) {
	run, err := g.Run(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// Invalidate drops the cached entry so the next check reads fresh. The
// orchestrator calls this on every operator transition.
func (g *Gate) Invalidate(runID string) {
	g.mu.Lock()
	delete(g.cache, runID)
	g.mu.Unlock()
}
