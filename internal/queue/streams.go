// Package queue provides the durable crawl job queue on Redis Streams, one
// stream per priority tier, with idempotent enqueue and stalled-job reclaim.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Default connection timeout for Redis operations.
	defaultConnectionTimeout = 2 * time.Second

	// defaultPrefix namespaces every key the queue touches.
	defaultPrefix = "crawler"
)

// StreamsClient wraps a Redis client with streams-specific operations.
type StreamsClient struct {
	client *redis.Client
	prefix string
}

// StreamsConfig holds configuration for the Redis Streams client.
type StreamsConfig struct {
	Addr     string
	Password string `json:"-"`
	DB       int
	Prefix   string // Key prefix (e.g., "crawler")
}

// NewStreamsClient creates a new Redis Streams client.
func NewStreamsClient(cfg StreamsConfig) (*StreamsClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStreamsClientFromRedis(client, cfg.Prefix), nil
}

// NewStreamsClientFromRedis creates a StreamsClient from an existing Redis client.
func NewStreamsClientFromRedis(client *redis.Client, prefix string) *StreamsClient {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &StreamsClient{
		client: client,
		prefix: prefix,
	}
}

// StreamName returns the full stream name for a priority level.
func (c *StreamsClient) StreamName(priority Priority) string {
	return fmt.Sprintf("%s:jobs:%s", c.prefix, priority.String())
}

// JobKeyName returns the Redis key holding a job's idempotency claim.
func (c *StreamsClient) JobKeyName(idempotencyKey string) string {
	return fmt.Sprintf("%s:job:%s", c.prefix, idempotencyKey)
}

// OutstandingSetName returns the key of the set tracking a run's outstanding
// job identities. Reconciliation reads its cardinality to decide completion.
func (c *StreamsClient) OutstandingSetName(runID string) string {
	return fmt.Sprintf("%s:run:%s:outstanding", c.prefix, runID)
}

// Close closes the underlying Redis client.
func (c *StreamsClient) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *StreamsClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client for advanced operations.
func (c *StreamsClient) Client() *redis.Client {
	return c.client
}

// CreateConsumerGroup creates a consumer group for a stream if it doesn't exist.
func (c *StreamsClient) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	// Try to create the group starting from the beginning of the stream
	err := c.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// XAdd adds a message to a stream.
func (c *StreamsClient) XAdd(ctx context.Context, stream string, values map[string]any) (string, error) {
	result := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	})
	return result.Result()
}

// XReadGroup reads messages from a stream using a consumer group.
func (c *StreamsClient) XReadGroup(
	ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration,
) ([]redis.XStream, error) {
	result := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	})
	return result.Result()
}

// XAck acknowledges messages in a stream.
func (c *StreamsClient) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return c.client.XAck(ctx, stream, group, ids...).Err()
}

// XDel removes messages from a stream.
func (c *StreamsClient) XDel(ctx context.Context, stream string, ids ...string) error {
	return c.client.XDel(ctx, stream, ids...).Err()
}

// XPendingExt returns detailed pending entries for a stream.
func (c *StreamsClient) XPendingExt(
	ctx context.Context, stream, group, start, end string, count int64,
) ([]redis.XPendingExt, error) {
	return c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  start,
		End:    end,
		Count:  count,
	}).Result()
}

// XClaim claims pending messages for a consumer.
func (c *StreamsClient) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]redis.XMessage, error) {
	return c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
}

// XRangeN returns up to count messages from a stream starting at start.
func (c *StreamsClient) XRangeN(ctx context.Context, stream, start, stop string, count int64) ([]redis.XMessage, error) {
	return c.client.XRangeN(ctx, stream, start, stop, count).Result()
}

// XLen returns the length of a stream.
func (c *StreamsClient) XLen(ctx context.Context, stream string) (int64, error) {
	return c.client.XLen(ctx, stream).Result()
}

// SetNX sets a key only if it does not already exist, with a TTL.
func (c *StreamsClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

// Del removes keys.
func (c *StreamsClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// SAddExpire adds members to a set and refreshes its TTL in one pipeline.
func (c *StreamsClient) SAddExpire(ctx context.Context, key string, ttl time.Duration, members ...any) error {
	if len(members) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add set members: %w", err)
	}
	return nil
}

// SRem removes members from a set.
func (c *StreamsClient) SRem(ctx context.Context, key string, members ...any) error {
	if len(members) == 0 {
		return nil
	}
	return c.client.SRem(ctx, key, members...).Err()
}

// SCard returns the cardinality of a set.
func (c *StreamsClient) SCard(ctx context.Context, key string) (int64, error) {
	return c.client.SCard(ctx, key).Result()
}

// ExistsBatch reports, per key, whether the key currently exists. The checks
// go through one pipeline so batch callers avoid per-key round trips.
func (c *StreamsClient) ExistsBatch(ctx context.Context, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Exists(ctx, key)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check key existence: %w", err)
	}

	out := make([]bool, len(keys))
	for i, cmd := range cmds {
		out[i] = cmd.Val() > 0
	}

	return out, nil
}
