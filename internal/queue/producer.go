package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seoscope/crawler/internal/domain"
	"github.com/seoscope/crawler/internal/logger"
)

const (
	// JobDataField is the field name for serialized job data in stream messages.
	JobDataField = "job"

	// RunIDField duplicates the job's run so purges can match without
	// deserializing every payload.
	RunIDField = "run_id"

	// EnqueuedAtField is the field name for enqueue timestamp.
	EnqueuedAtField = "enqueued_at"

	// DefaultMaxStreamLen caps each priority stream; beyond it enqueues fail
	// with ErrQueueFull and the orchestrator pauses active runs.
	DefaultMaxStreamLen = 10000

	// DefaultIdempotencyTTL bounds how long a job identity claim survives if
	// nothing ever releases it.
	DefaultIdempotencyTTL = 24 * time.Hour

	// removeDeadline bounds the best-effort purge scan on stop.
	removeDeadline = 5 * time.Second

	// removeBatch is the XRANGE page size used by the purge scan.
	removeBatch = 100
)

// ErrDuplicateJob is returned when the URL already has an outstanding job in
// the run, queued or executing.
var ErrDuplicateJob = errors.New("job already outstanding for this URL and run")

// ErrQueueFull is returned when a priority stream has reached its length cap.
var ErrQueueFull = errors.New("job queue is full")

// Producer enqueues crawl jobs onto the priority streams.
type Producer struct {
	client       *StreamsClient
	maxStreamLen int64
	keyTTL       time.Duration
	log          logger.Logger
}

// ProducerConfig holds configuration for the Producer.
type ProducerConfig struct {
	MaxStreamLen   int64         // Maximum stream length (0 = default)
	IdempotencyTTL time.Duration // Job identity claim TTL (0 = default)
}

// NewProducer creates a new job producer.
func NewProducer(client *StreamsClient, cfg ProducerConfig, log logger.Logger) *Producer {
	maxLen := cfg.MaxStreamLen
	if maxLen <= 0 {
		maxLen = DefaultMaxStreamLen
	}
	keyTTL := cfg.IdempotencyTTL
	if keyTTL <= 0 {
		keyTTL = DefaultIdempotencyTTL
	}

	return &Producer{
		client:       client,
		maxStreamLen: maxLen,
		keyTTL:       keyTTL,
		log:          log,
	}
}

// Enqueue adds a job to the stream matching its origin. The job's
// idempotency key is claimed with SETNX before the stream write, so however
// many code paths race to enqueue the same URL, exactly one job lands;
// the rest get ErrDuplicateJob.
func (p *Producer) Enqueue(ctx context.Context, job *domain.CrawlJob) (string, error) {
	if job == nil {
		return "", errors.New("job cannot be nil")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.IdempotencyKey == "" {
		job.IdempotencyKey = domain.JobIdempotencyKey(job.RunID, job.URL)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	priority := PriorityFor(job.Origin)
	stream := p.client.StreamName(priority)

	depth, err := p.client.XLen(ctx, stream)
	if err != nil {
		return "", fmt.Errorf("failed to check stream depth: %w", err)
	}
	if depth >= p.maxStreamLen {
		return "", fmt.Errorf("%w: stream %s at %d entries", ErrQueueFull, stream, depth)
	}

	claimed, err := p.client.SetNX(ctx, p.client.JobKeyName(job.IdempotencyKey), job.ID, p.keyTTL)
	if err != nil {
		return "", fmt.Errorf("failed to claim job identity: %w", err)
	}
	if !claimed {
		return "", ErrDuplicateJob
	}

	jobData, marshalErr := json.Marshal(job)
	if marshalErr != nil {
		p.releaseKey(ctx, job)
		return "", fmt.Errorf("failed to serialize job: %w", marshalErr)
	}

	values := map[string]any{
		JobDataField:    string(jobData),
		RunIDField:      job.RunID,
		EnqueuedAtField: job.EnqueuedAt.Format(time.RFC3339),
	}

	messageID, addErr := p.client.XAdd(ctx, stream, values)
	if addErr != nil {
		// The claim must not outlive a failed write, or the URL would be
		// unenqueueable until the TTL expires.
		p.releaseKey(ctx, job)
		return "", fmt.Errorf("failed to enqueue job to stream %s: %w", stream, addErr)
	}

	outstandingKey := p.client.OutstandingSetName(job.RunID)
	if err := p.client.SAddExpire(ctx, outstandingKey, p.keyTTL, job.IdempotencyKey); err != nil {
		p.log.Warn("failed to track outstanding job",
			logger.Error(err), logger.String("run_id", job.RunID))
	}

	return messageID, nil
}

// EnqueueBatch enqueues jobs one by one, skipping duplicates. It returns how
// many jobs actually landed. ErrQueueFull and other errors stop the batch.
func (p *Producer) EnqueueBatch(ctx context.Context, jobs []*domain.CrawlJob) (int, error) {
	enqueued := 0

	for _, job := range jobs {
		_, err := p.Enqueue(ctx, job)
		if errors.Is(err, ErrDuplicateJob) {
			continue
		}
		if err != nil {
			return enqueued, err
		}
		enqueued++
	}

	return enqueued, nil
}

// Release drops the job's idempotency claim and its outstanding-set entry.
// Workers call this on every terminal outcome so the URL could be enqueued
// again by a later run.
func (p *Producer) Release(ctx context.Context, job *domain.CrawlJob) error {
	if job == nil || job.IdempotencyKey == "" {
		return nil
	}
	if err := p.client.Del(ctx, p.client.JobKeyName(job.IdempotencyKey)); err != nil {
		return err
	}
	return p.client.SRem(ctx, p.client.OutstandingSetName(job.RunID), job.IdempotencyKey)
}

// OutstandingCount returns how many job identities are still outstanding for
// a run, queued or executing. Zero is a precondition for declaring the run
// completed.
func (p *Producer) OutstandingCount(ctx context.Context, runID string) (int64, error) {
	return p.client.SCard(ctx, p.client.OutstandingSetName(runID))
}

// OutstandingBatch reports, per URL, whether the run already has an
// outstanding job for it. The dedup layer consults this as its second tier.
func (p *Producer) OutstandingBatch(ctx context.Context, runID string, urls []string) ([]bool, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	keys := make([]string, len(urls))
	for i, url := range urls {
		keys[i] = p.client.JobKeyName(domain.JobIdempotencyKey(runID, url))
	}

	return p.client.ExistsBatch(ctx, keys)
}

// Remove purges a run's queued jobs from all priority streams, best effort:
// the scan walks each stream in pages and stops at a hard deadline. Entries
// already delivered to a worker are not touched; the worker's own run-status
// gate abandons those.
func (p *Producer) Remove(ctx context.Context, runID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, removeDeadline)
	defer cancel()

	removed := 0
	for _, priority := range AllPriorities() {
		stream := p.client.StreamName(priority)
		start := "-"

		for {
			messages, err := p.client.XRangeN(ctx, stream, start, "+", removeBatch)
			if err != nil {
				if ctx.Err() != nil {
					return removed, nil
				}
				return removed, fmt.Errorf("failed to scan stream %s: %w", stream, err)
			}
			if len(messages) == 0 {
				break
			}

			var ids []string
			var keys []string
			var members []any
			for _, msg := range messages {
				if msgRunID, ok := msg.Values[RunIDField].(string); !ok || msgRunID != runID {
					continue
				}
				ids = append(ids, msg.ID)
				if jobData, ok := msg.Values[JobDataField].(string); ok {
					var job domain.CrawlJob
					if unmarshalErr := json.Unmarshal([]byte(jobData), &job); unmarshalErr == nil && job.IdempotencyKey != "" {
						keys = append(keys, p.client.JobKeyName(job.IdempotencyKey))
						members = append(members, job.IdempotencyKey)
					}
				}
			}

			if len(ids) > 0 {
				if err := p.client.XDel(ctx, stream, ids...); err != nil {
					return removed, fmt.Errorf("failed to delete jobs from stream %s: %w", stream, err)
				}
				removed += len(ids)
			}
			if len(keys) > 0 {
				if err := p.client.Del(ctx, keys...); err != nil {
					p.log.Warn("failed to release idempotency keys during purge",
						logger.Error(err), logger.String("run_id", runID))
				}
				if err := p.client.SRem(ctx, p.client.OutstandingSetName(runID), members...); err != nil {
					p.log.Warn("failed to untrack purged jobs",
						logger.Error(err), logger.String("run_id", runID))
				}
			}

			if len(messages) < removeBatch {
				break
			}
			// Resume after the last seen entry; "(" makes the range exclusive.
			start = "(" + messages[len(messages)-1].ID

			if ctx.Err() != nil {
				return removed, nil
			}
		}
	}

	return removed, nil
}

// Depth returns the current depth of one priority stream. Completed jobs are
// deleted on acknowledge, so depth counts queued plus in-flight work.
func (p *Producer) Depth(ctx context.Context, priority Priority) (int64, error) {
	return p.client.XLen(ctx, p.client.StreamName(priority))
}

// Depths returns the depth of every priority stream.
func (p *Producer) Depths(ctx context.Context) (map[Priority]int64, error) {
	depths := make(map[Priority]int64, len(AllPriorities()))

	for _, priority := range AllPriorities() {
		depth, err := p.Depth(ctx, priority)
		if err != nil {
			return depths, fmt.Errorf("failed to get depth for %s: %w", priority.String(), err)
		}
		depths[priority] = depth
	}

	return depths, nil
}

// TotalDepth sums all priority stream depths.
func (p *Producer) TotalDepth(ctx context.Context) (int64, error) {
	depths, err := p.Depths(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, depth := range depths {
		total += depth
	}

	return total, nil
}

func (p *Producer) releaseKey(ctx context.Context, job *domain.CrawlJob) {
	if err := p.client.Del(ctx, p.client.JobKeyName(job.IdempotencyKey)); err != nil {
		p.log.Warn("failed to release idempotency key",
			logger.Error(err), logger.String("url", job.URL))
	}
}
