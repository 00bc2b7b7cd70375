// Package coordination elects one crawler replica as leader through a Redis
// key. Singleton duties - the reconcile loop and the audit scheduler - run
// only on the leader, while every replica consumes jobs.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/seoscope/crawler/internal/logger"
)

const (
	// DefaultTTL is how long leadership holds without renewal.
	DefaultTTL = 30 * time.Second

	// DefaultRenewalInterval is how often the leader extends its claim.
	DefaultRenewalInterval = 10 * time.Second

	// DefaultElectionInterval is how often a follower retries the election.
	DefaultElectionInterval = 5 * time.Second
)

// ErrNotLeader is returned when a leader-only operation runs on a follower.
var ErrNotLeader = errors.New("not the leader")

// renewScript extends the claim only while this instance still holds it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// resignScript releases the claim only if this instance holds it.
var resignScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Config holds election settings. Zero durations fall back to defaults.
type Config struct {
	Key              string
	TTL              time.Duration
	RenewalInterval  time.Duration
	ElectionInterval time.Duration
}

// Elector competes for a Redis leadership key and runs the given duties
// while it holds it.
type Elector struct {
	client           *redis.Client
	key              string
	id               string
	ttl              time.Duration
	renewalInterval  time.Duration
	electionInterval time.Duration
	log              logger.Logger

	mu       sync.Mutex
	isLeader bool
	cancel   context.CancelFunc
	duties   sync.WaitGroup
}

// NewElector creates an elector.
func NewElector(client *redis.Client, cfg Config, log logger.Logger) (*Elector, error) {
	if cfg.Key == "" {
		return nil, errors.New("leader key is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RenewalInterval <= 0 {
		cfg.RenewalInterval = DefaultRenewalInterval
	}
	if cfg.ElectionInterval <= 0 {
		cfg.ElectionInterval = DefaultElectionInterval
	}
	if cfg.RenewalInterval >= cfg.TTL {
		cfg.RenewalInterval = cfg.TTL / 3
	}

	return &Elector{
		client:           client,
		key:              cfg.Key,
		id:               uuid.New().String(),
		ttl:              cfg.TTL,
		renewalInterval:  cfg.RenewalInterval,
		electionInterval: cfg.ElectionInterval,
		log:              log,
	}, nil
}

// ID returns this instance's election identity.
func (e *Elector) ID() string { return e.id }

// IsLeader reports whether this instance currently leads.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// LeaderID returns the current leader's ID, or empty when there is none.
func (e *Elector) LeaderID(ctx context.Context) (string, error) {
	val, err := e.client.Get(ctx, e.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get leader: %w", err)
	}
	return val, nil
}

// Run competes for leadership until ctx is cancelled. Whenever leadership is
// acquired, duty is started with a context that is cancelled when leadership
// is lost. It blocks; callers start it in a goroutine.
func (e *Elector) Run(ctx context.Context, duty func(ctx context.Context)) {
	electionTicker := time.NewTicker(e.electionInterval)
	defer electionTicker.Stop()
	renewalTicker := time.NewTicker(e.renewalInterval)
	defer renewalTicker.Stop()

	e.tryAcquire(ctx, duty)

	for {
		select {
		case <-ctx.Done():
			e.resign()
			e.duties.Wait()
			return
		case <-electionTicker.C:
			if !e.IsLeader() {
				e.tryAcquire(ctx, duty)
			}
		case <-renewalTicker.C:
			if e.IsLeader() {
				e.renew(ctx)
			}
		}
	}
}

func (e *Elector) tryAcquire(ctx context.Context, duty func(ctx context.Context)) {
	acquired, err := e.client.SetNX(ctx, e.key, e.id, e.ttl).Result()
	if err != nil {
		if ctx.Err() == nil {
			e.log.Warn("leadership election attempt failed", logger.Error(err))
		}
		return
	}
	if !acquired {
		return
	}

	e.log.Info("acquired leadership", logger.String("leader_id", e.id))

	dutyCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.isLeader = true
	e.cancel = cancel
	e.mu.Unlock()

	if duty != nil {
		e.duties.Add(1)
		go func() {
			defer e.duties.Done()
			duty(dutyCtx)
		}()
	}
}

func (e *Elector) renew(ctx context.Context) {
	result, err := renewScript.Run(ctx, e.client, []string{e.key}, e.id, e.ttl.Milliseconds()).Int()
	if err != nil || result == 0 {
		if err != nil && ctx.Err() == nil {
			e.log.Warn("failed to renew leadership", logger.Error(err))
		}
		e.demote()
	}
}

// resign releases the key on shutdown so a follower takes over immediately
// instead of waiting out the TTL.
func (e *Elector) resign() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := resignScript.Run(ctx, e.client, []string{e.key}, e.id).Int(); err != nil {
		e.log.Warn("failed to resign leadership", logger.Error(err))
	}
	e.demote()
}

func (e *Elector) demote() {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if wasLeader {
		e.log.Info("lost leadership", logger.String("leader_id", e.id))
	}
	if cancel != nil {
		cancel()
	}
}
