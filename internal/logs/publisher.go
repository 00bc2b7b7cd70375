package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// defaultStreamMaxLen caps the published stream so an abandoned dashboard
	// cannot grow Redis unboundedly.
	defaultStreamMaxLen = 5000

	publishTimeout = 2 * time.Second
)

// RedisPublisher mirrors run log entries onto a capped Redis stream per run,
// where the operator dashboard tails them.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	maxLen int64
}

// NewRedisPublisher creates a publisher. prefix defaults to "crawler".
func NewRedisPublisher(client *redis.Client, prefix string, maxLen int64) *RedisPublisher {
	if prefix == "" {
		prefix = "crawler"
	}
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisPublisher{
		client: client,
		prefix: prefix,
		maxLen: maxLen,
	}
}

func (p *RedisPublisher) streamName(runID string) string {
	return fmt.Sprintf("%s:run:%s:log", p.prefix, runID)
}

// Publish appends the entry to the run's log stream.
func (p *RedisPublisher) Publish(entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize log entry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.streamName(entry.RunID),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"entry": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish log entry: %w", err)
	}

	return nil
}
