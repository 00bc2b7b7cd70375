package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seoscope/crawler/internal/domain"
	"github.com/seoscope/crawler/internal/logger"
)

const (
	// Default consumer group name.
	defaultConsumerGroup = "crawlers"

	// Default block timeout for reading from streams.
	defaultBlockTimeout = 5 * time.Second

	// Default count of messages to read per batch.
	defaultBatchSize = 10

	// DefaultClaimMinIdle is how long a delivered job may sit unacknowledged
	// before it counts as stalled and another consumer may claim it. It
	// matches the per-job wall-clock timeout.
	DefaultClaimMinIdle = 5 * time.Minute

	// DefaultMaxRetries bounds reclaim attempts: a job is delivered at most
	// 1+DefaultMaxRetries times before it is abandoned.
	DefaultMaxRetries = 3

	// Maximum pending messages to check at once.
	maxPendingCheck = 100
)

// Consumer reads crawl jobs from the priority streams.
type Consumer struct {
	client        *StreamsClient
	consumerGroup string
	consumerID    string
	blockTimeout  time.Duration
	batchSize     int64
	claimMinIdle  time.Duration
	maxRetries    int
	log           logger.Logger
}

// ConsumerConfig holds configuration for the Consumer.
type ConsumerConfig struct {
	ConsumerGroup string        // Consumer group name
	ConsumerID    string        // Unique consumer identifier
	BlockTimeout  time.Duration // Block timeout for reads (0 = default)
	BatchSize     int64         // Number of messages per read (0 = default)
	ClaimMinIdle  time.Duration // Min idle time before claiming (0 = default)
	MaxRetries    int           // Reclaim budget per job (0 = default)
}

// ConsumedJob represents a job read from the queue.
type ConsumedJob struct {
	MessageID  string
	Job        *domain.CrawlJob
	Priority   Priority
	EnqueuedAt time.Time

	// Deliveries counts how many times the job has been handed to a
	// consumer, including this one. 1 means first delivery.
	Deliveries int64
}

// NewConsumer creates a new job consumer.
func NewConsumer(client *StreamsClient, cfg ConsumerConfig, log logger.Logger) (*Consumer, error) {
	if cfg.ConsumerID == "" {
		return nil, errors.New("consumer ID is required")
	}

	group := cfg.ConsumerGroup
	if group == "" {
		group = defaultConsumerGroup
	}

	blockTimeout := cfg.BlockTimeout
	if blockTimeout <= 0 {
		blockTimeout = defaultBlockTimeout
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	claimMinIdle := cfg.ClaimMinIdle
	if claimMinIdle <= 0 {
		claimMinIdle = DefaultClaimMinIdle
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return &Consumer{
		client:        client,
		consumerGroup: group,
		consumerID:    cfg.ConsumerID,
		blockTimeout:  blockTimeout,
		batchSize:     batchSize,
		claimMinIdle:  claimMinIdle,
		maxRetries:    maxRetries,
		log:           log,
	}, nil
}

// Initialize creates consumer groups for all priority streams.
func (c *Consumer) Initialize(ctx context.Context) error {
	for _, priority := range AllPriorities() {
		stream := c.client.StreamName(priority)
		if err := c.client.CreateConsumerGroup(ctx, stream, c.consumerGroup); err != nil {
			return fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
		}
	}
	return nil
}

// Read returns the next batch of jobs. Stalled deliveries are reclaimed
// ahead of new messages so a crashed worker's jobs are retried promptly.
func (c *Consumer) Read(ctx context.Context) ([]*ConsumedJob, error) {
	reclaimed := c.reclaimStalled(ctx)
	if len(reclaimed) > 0 {
		return reclaimed, nil
	}

	return c.readNewMessages(ctx)
}

// Ack marks a job as done. The entry is acknowledged and deleted from its
// stream, so stream length keeps counting only queued plus in-flight jobs.
func (c *Consumer) Ack(ctx context.Context, job *ConsumedJob) error {
	if job == nil {
		return errors.New("job cannot be nil")
	}

	stream := c.client.StreamName(job.Priority)
	if err := c.client.XAck(ctx, stream, c.consumerGroup, job.MessageID); err != nil {
		return fmt.Errorf("failed to acknowledge job: %w", err)
	}
	if err := c.client.XDel(ctx, stream, job.MessageID); err != nil {
		return fmt.Errorf("failed to delete acknowledged job: %w", err)
	}

	return nil
}

// ConsumerGroup returns the consumer group name.
func (c *Consumer) ConsumerGroup() string {
	return c.consumerGroup
}

// ConsumerID returns the consumer ID.
func (c *Consumer) ConsumerID() string {
	return c.consumerID
}

// readNewMessages reads new messages from streams in priority order.
func (c *Consumer) readNewMessages(ctx context.Context) ([]*ConsumedJob, error) {
	priorities := AllPriorities()
	streams := make([]string, 0, len(priorities)*2)
	for _, priority := range priorities {
		streams = append(streams, c.client.StreamName(priority))
	}
	for range priorities {
		streams = append(streams, ">") // Read new messages
	}

	messages, err := c.client.XReadGroup(ctx, c.consumerGroup, c.consumerID, streams, c.batchSize, c.blockTimeout)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // No messages available
		}
		return nil, fmt.Errorf("failed to read from streams: %w", err)
	}

	return c.parseStreams(messages)
}

// reclaimStalled claims deliveries idle past the job timeout. Jobs that have
// exhausted their retry budget are abandoned: acknowledged, deleted, and
// their idempotency claim released so the URL is not wedged forever.
func (c *Consumer) reclaimStalled(ctx context.Context) []*ConsumedJob {
	var reclaimed []*ConsumedJob

	for _, priority := range AllPriorities() {
		stream := c.client.StreamName(priority)

		pending, err := c.client.XPendingExt(ctx, stream, c.consumerGroup, "-", "+", maxPendingCheck)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				c.log.Warn("failed to inspect pending jobs",
					logger.String("stream", stream), logger.Error(err))
			}
			continue
		}

		deliveries := make(map[string]int64, len(pending))
		var stalled []string
		for _, entry := range pending {
			if entry.Idle < c.claimMinIdle {
				continue
			}
			deliveries[entry.ID] = entry.RetryCount
			stalled = append(stalled, entry.ID)
		}
		if len(stalled) == 0 {
			continue
		}

		claimed, claimErr := c.client.XClaim(ctx, stream, c.consumerGroup, c.consumerID, c.claimMinIdle, stalled...)
		if claimErr != nil {
			c.log.Warn("failed to claim stalled jobs",
				logger.String("stream", stream), logger.Error(claimErr))
			continue
		}

		for _, msg := range claimed {
			job, parseErr := c.parseMessage(msg, priority)
			if parseErr != nil {
				// Undecodable entries can never complete; drop them.
				c.abandon(ctx, stream, msg.ID, nil)
				continue
			}
			job.Deliveries = deliveries[msg.ID] + 1

			if deliveries[msg.ID] >= int64(c.maxRetries)+1 {
				c.log.Warn("abandoning job after retry budget exhausted",
					logger.String("url", job.Job.URL),
					logger.String("run_id", job.Job.RunID),
					logger.Int64("deliveries", deliveries[msg.ID]))
				c.abandon(ctx, stream, msg.ID, job.Job)
				continue
			}

			reclaimed = append(reclaimed, job)
		}
	}

	return reclaimed
}

func (c *Consumer) abandon(ctx context.Context, stream, messageID string, job *domain.CrawlJob) {
	if err := c.client.XAck(ctx, stream, c.consumerGroup, messageID); err != nil {
		c.log.Warn("failed to acknowledge abandoned job", logger.Error(err))
	}
	if err := c.client.XDel(ctx, stream, messageID); err != nil {
		c.log.Warn("failed to delete abandoned job", logger.Error(err))
	}
	if job != nil && job.IdempotencyKey != "" {
		if err := c.client.Del(ctx, c.client.JobKeyName(job.IdempotencyKey)); err != nil {
			c.log.Warn("failed to release abandoned job identity", logger.Error(err))
		}
		if err := c.client.SRem(ctx, c.client.OutstandingSetName(job.RunID), job.IdempotencyKey); err != nil {
			c.log.Warn("failed to untrack abandoned job", logger.Error(err))
		}
	}
}

// parseStreams parses messages from an XReadGroup result. Stream names are
// mapped back to priorities by name: Redis only returns streams that had
// messages, so positional mapping would misattribute tiers.
func (c *Consumer) parseStreams(streams []redis.XStream) ([]*ConsumedJob, error) {
	byName := make(map[string]Priority, len(AllPriorities()))
	for _, priority := range AllPriorities() {
		byName[c.client.StreamName(priority)] = priority
	}

	var jobs []*ConsumedJob
	for _, stream := range streams {
		priority, ok := byName[stream.Stream]
		if !ok {
			continue
		}
		for _, msg := range stream.Messages {
			job, err := c.parseMessage(msg, priority)
			if err != nil {
				c.log.Warn("skipping malformed job message",
					logger.String("stream", stream.Stream),
					logger.String("message_id", msg.ID),
					logger.Error(err))
				continue
			}
			job.Deliveries = 1
			jobs = append(jobs, job)
		}
	}

	return jobs, nil
}

// parseMessage parses a single stream message into a ConsumedJob.
func (c *Consumer) parseMessage(msg redis.XMessage, priority Priority) (*ConsumedJob, error) {
	jobData, ok := msg.Values[JobDataField].(string)
	if !ok {
		return nil, errors.New("missing or invalid job data")
	}

	var job domain.CrawlJob
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	consumed := &ConsumedJob{
		MessageID: msg.ID,
		Job:       &job,
		Priority:  priority,
	}

	if enqueuedStr, hasEnqueued := msg.Values[EnqueuedAtField].(string); hasEnqueued {
		if t, parseErr := time.Parse(time.RFC3339, enqueuedStr); parseErr == nil {
			consumed.EnqueuedAt = t
		}
	}

	return consumed, nil
}
