package coordination_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoscope/crawler/internal/coordination"
	"github.com/seoscope/crawler/internal/logger"
)

func newTestElector(t *testing.T, mr *miniredis.Miniredis, cfg coordination.Config) *coordination.Elector {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if cfg.Key == "" {
		cfg.Key = "test:leader"
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Second
	}
	if cfg.RenewalInterval == 0 {
		cfg.RenewalInterval = 50 * time.Millisecond
	}
	if cfg.ElectionInterval == 0 {
		cfg.ElectionInterval = 20 * time.Millisecond
	}

	elector, err := coordination.NewElector(rdb, cfg, logger.NewNop())
	require.NoError(t, err)
	return elector
}

func TestNewElectorRequiresKey(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	_, err := coordination.NewElector(rdb, coordination.Config{}, logger.NewNop())
	require.Error(t, err)
}

func TestElectorAcquiresLeadershipAndRunsDuty(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	elector := newTestElector(t, mr, coordination.Config{})

	var dutyStarted atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		elector.Run(ctx, func(ctx context.Context) {
			dutyStarted.Store(true)
			<-ctx.Done()
		})
	}()

	require.Eventually(t, elector.IsLeader, time.Second, 5*time.Millisecond)
	require.Eventually(t, dutyStarted.Load, time.Second, 5*time.Millisecond)

	leaderID, err := elector.LeaderID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, elector.ID(), leaderID)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("elector did not stop")
	}
	assert.False(t, elector.IsLeader())
}

func TestElectorResignsOnShutdown(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	elector := newTestElector(t, mr, coordination.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		elector.Run(ctx, nil)
	}()

	require.Eventually(t, elector.IsLeader, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	// The key is released instead of waiting out the TTL.
	leaderID, err := elector.LeaderID(context.Background())
	require.NoError(t, err)
	assert.Empty(t, leaderID)
}

func TestSecondElectorWaitsForFirst(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	first := newTestElector(t, mr, coordination.Config{})
	second := newTestElector(t, mr, coordination.Config{})

	firstCtx, stopFirst := context.WithCancel(context.Background())
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		first.Run(firstCtx, nil)
	}()
	require.Eventually(t, first.IsLeader, time.Second, 5*time.Millisecond)

	secondCtx, stopSecond := context.WithCancel(context.Background())
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		second.Run(secondCtx, nil)
	}()

	// The follower cannot take the key while the leader holds it.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, second.IsLeader())

	stopFirst()
	<-firstDone

	require.Eventually(t, second.IsLeader, time.Second, 5*time.Millisecond)

	stopSecond()
	<-secondDone
}

func TestElectorDemotesWhenKeyStolen(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	elector := newTestElector(t, mr, coordination.Config{Key: "steal:leader"})

	var dutyCancelled atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		elector.Run(ctx, func(ctx context.Context) {
			<-ctx.Done()
			dutyCancelled.Store(true)
		})
	}()

	require.Eventually(t, elector.IsLeader, time.Second, 5*time.Millisecond)

	// Another instance grabs the key; the next renewal must demote.
	require.NoError(t, mr.Set("steal:leader", "intruder"))

	require.Eventually(t, func() bool { return !elector.IsLeader() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, dutyCancelled.Load, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
