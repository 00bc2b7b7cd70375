package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seoscope/crawler/internal/logger"
	"github.com/seoscope/crawler/internal/queue"
)

// Pool states.
const (
	poolIdle int32 = iota
	poolRunning
	poolStopping
	poolStopped
)

// ErrPoolRunning is returned when Start is called on a running pool.
var ErrPoolRunning = errors.New("worker pool already running")

// JobSource reads jobs from the queue. The streams consumer satisfies this.
type JobSource interface {
	Read(ctx context.Context) ([]*queue.ConsumedJob, error)
	Ack(ctx context.Context, job *queue.ConsumedJob) error
}

// Pool reads jobs from the queue and fans them out to a bounded set of
// workers. Concurrency is capped by a semaphore channel rather than a fixed
// goroutine set, so an idle pool holds no goroutines beyond the read loop.
type Pool struct {
	worker *Worker
	source JobSource
	size   int
	log    logger.Logger

	state atomic.Int32
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]int
}

// NewPool creates a pool over the given worker and job source.
func NewPool(worker *Worker, source JobSource, cfg Config, log logger.Logger) *Pool {
	worker.SetAcker(source)
	return &Pool{
		worker:   worker,
		source:   source,
		size:     cfg.PoolSize,
		log:      log,
		inFlight: make(map[string]int),
	}
}

// Run consumes jobs until ctx is cancelled, then drains in-flight work.
// It blocks; callers start it in a goroutine.
func (p *Pool) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(poolIdle, poolRunning) {
		return ErrPoolRunning
	}

	p.log.Info("worker pool started", logger.Int("size", p.size))

	sem := make(chan struct{}, p.size)

	for {
		select {
		case <-ctx.Done():
			return p.drain()
		default:
		}

		jobs, err := p.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return p.drain()
			}
			p.log.Error("failed to read jobs", logger.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, consumed := range jobs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Leave the rest of the batch pending; the reclaim loop
				// redelivers it to the next consumer.
				return p.drain()
			}

			p.wg.Add(1)
			p.track(consumed.Job.RunID, 1)

			go func(consumed *queue.ConsumedJob) {
				defer func() {
					p.track(consumed.Job.RunID, -1)
					p.wg.Done()
					<-sem
				}()
				// Detached from the read context so an in-flight job can
				// finish (and ack) during graceful shutdown.
				jobCtx, cancel := context.WithTimeout(context.Background(), p.worker.cfg.JobTimeout+p.worker.cfg.DrainTimeout)
				defer cancel()
				p.worker.Handle(jobCtx, consumed)
			}(consumed)
		}
	}
}

// drain waits for in-flight jobs up to the drain timeout.
func (p *Pool) drain() error {
	if !p.state.CompareAndSwap(poolRunning, poolStopping) {
		return nil
	}
	defer p.state.Store(poolStopped)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool drained")
		return nil
	case <-time.After(p.worker.cfg.DrainTimeout):
		p.log.Warn("worker pool drain timed out",
			logger.Duration("timeout", p.worker.cfg.DrainTimeout))
		return errors.New("worker pool drain timed out")
	}
}

// InFlight reports how many of the run's jobs are currently executing. The
// reconciler combines this with the outstanding set to detect completion.
func (p *Pool) InFlight(runID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight[runID]
}

func (p *Pool) track(runID string, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.inFlight[runID] + delta
	if n <= 0 {
		delete(p.inFlight, runID)
		return
	}
	p.inFlight[runID] = n
}
