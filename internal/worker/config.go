// Package worker executes crawl jobs: the per-job pipeline of dedup,
// robots, crawl-delay, fetch, extract, persist, and link discovery, plus the
// bounded pool that runs it.
package worker

import (
	"errors"
	"time"
)

const (
	// DefaultPoolSize is the default number of concurrent workers.
	DefaultPoolSize = 10

	// DefaultJobTimeout is the hard wall-clock budget for one job.
	DefaultJobTimeout = 5 * time.Minute

	// DefaultDelayIncrement is how often a crawl-delay wait re-checks the
	// run status, so pause and stop take effect within one increment.
	DefaultDelayIncrement = 500 * time.Millisecond

	// DefaultDrainTimeout bounds graceful shutdown.
	DefaultDrainTimeout = 30 * time.Second

	// DefaultGateTTL is how long a cached run status stays fresh. Short
	// enough that pause and stop propagate promptly, long enough that the
	// per-step gate checks do not hammer the database.
	DefaultGateTTL = 500 * time.Millisecond

	// MinPoolSize and MaxPoolSize bound the configurable pool size.
	MinPoolSize = 1
	MaxPoolSize = 100
)

// Config holds worker pool settings.
type Config struct {
	// PoolSize is the number of concurrent workers.
	PoolSize int

	// JobTimeout is the hard wall-clock budget for one job.
	JobTimeout time.Duration

	// DelayIncrement slices crawl-delay waits into gate-checked steps.
	DelayIncrement time.Duration

	// DrainTimeout is the maximum wait for in-flight jobs on shutdown.
	DrainTimeout time.Duration

	// Aggressive widens the fetch retry budget on challenged responses.
	Aggressive bool
}

// DefaultConfig returns a Config with the package defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:       DefaultPoolSize,
		JobTimeout:     DefaultJobTimeout,
		DelayIncrement: DefaultDelayIncrement,
		DrainTimeout:   DefaultDrainTimeout,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.PoolSize < MinPoolSize {
		return errors.New("pool size must be at least 1")
	}
	if c.PoolSize > MaxPoolSize {
		return errors.New("pool size cannot exceed 100")
	}
	if c.JobTimeout <= 0 {
		return errors.New("job timeout must be positive")
	}
	if c.DelayIncrement <= 0 {
		return errors.New("delay increment must be positive")
	}
	return nil
}
