package logs

import (
	"time"

	"github.com/seoscope/crawler/internal/logger"
)

// RunLog records categorized events per run and serves them back to the
// operator surface. All methods are safe for concurrent use by the worker
// pool and the orchestrator.
type RunLog interface {
	Log(runID string, category Category, level, msg string, fields map[string]any)
	Entries(runID string, category Category) []Entry
	Counts(runID string) map[Category]int
	DropRun(runID string)
}

// Publisher pushes entries to an external channel, e.g. a Redis stream read
// by the dashboard. Publish failures are contained inside the stream.
type Publisher interface {
	Publish(entry Entry) error
}

// Config holds run log settings.
type Config struct {
	BufferSize int // entries retained per run (default 1000)
}

// Stream is the production RunLog: a per-run ring buffer teed to the process
// logger and an optional publisher.
type Stream struct {
	cfg       Config
	publisher Publisher
	log       logger.Logger

	mu      syncMap
	counts  countMap
	started time.Time
}

// NewStream creates a run log stream. publisher may be nil.
func NewStream(cfg Config, publisher Publisher, log logger.Logger) *Stream {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return &Stream{
		cfg:       cfg,
		publisher: publisher,
		log:       log,
		mu:        newSyncMap(cfg.BufferSize),
		counts:    newCountMap(),
		started:   time.Now().UTC(),
	}
}

// Log records one event. The entry lands in the run's buffer, increments the
// category counter, mirrors to the process logger, and is published when a
// publisher is configured.
func (s *Stream) Log(runID string, category Category, level, msg string, fields map[string]any) {
	if !category.IsValid() {
		category = CategorySetup
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Category:  category,
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}

	s.mu.buffer(runID).Write(entry)
	s.counts.increment(runID, category)
	s.tee(entry)

	if s.publisher != nil {
		if err := s.publisher.Publish(entry); err != nil {
			s.log.Warn("failed to publish run log entry",
				logger.Error(err), logger.String("run_id", runID))
		}
	}
}

// Entries returns the run's buffered entries, oldest first, optionally
// filtered to one category (empty category returns all).
func (s *Stream) Entries(runID string, category Category) []Entry {
	all := s.mu.buffer(runID).ReadAll()
	if category == "" {
		return all
	}

	out := make([]Entry, 0, len(all))
	for _, entry := range all {
		if entry.Category == category {
			out = append(out, entry)
		}
	}
	return out
}

// Counts returns per-category event totals for the run, including entries
// already evicted from the buffer.
func (s *Stream) Counts(runID string) map[Category]int {
	return s.counts.snapshot(runID)
}

// DropRun releases the run's buffer and counters. Called once a run reaches
// a terminal status.
func (s *Stream) DropRun(runID string) {
	s.mu.drop(runID)
	s.counts.drop(runID)
}

func (s *Stream) tee(entry Entry) {
	fields := []logger.Field{
		logger.String("run_id", entry.RunID),
		logger.String("category", entry.Category.String()),
	}
	for k, v := range entry.Fields {
		fields = append(fields, logger.Any(k, v))
	}

	switch entry.Level {
	case LevelDebug:
		s.log.Debug(entry.Message, fields...)
	case LevelWarn:
		s.log.Warn(entry.Message, fields...)
	case LevelError:
		s.log.Error(entry.Message, fields...)
	default:
		s.log.Info(entry.Message, fields...)
	}
}

// Nop is a RunLog that discards everything. Used in tests.
type Nop struct{}

// Log discards the event.
func (Nop) Log(string, Category, string, string, map[string]any) {}

// Entries returns nothing.
func (Nop) Entries(string, Category) []Entry { return nil }

// Counts returns an empty map.
func (Nop) Counts(string) map[Category]int { return map[Category]int{} }

// DropRun does nothing.
func (Nop) DropRun(string) {}
