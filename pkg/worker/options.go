package worker

import (
	"time"

	"go.uber.org/zap"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/retry"
	"github.com/jdziat/taxsync/pkg/security"
)

// DefaultConcurrency is used for queues added without an explicit concurrency.
const DefaultConcurrency = 4

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Queues       map[core.QueueName]int // queue name -> concurrency
	PollInterval time.Duration
	WorkerID     string
	Logger       *zap.SugaredLogger

	EnableScheduler   bool
	SchedulerInterval time.Duration

	// Job retry backoff: RetryBackoffBase << attempt, capped at RetryBackoffMax.
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration

	HeartbeatInterval time.Duration

	// Running jobs whose lock expired more than StaleLockAge ago are returned
	// to waiting every StaleLockInterval. Zero interval disables the loop.
	StaleLockInterval time.Duration
	StaleLockAge      time.Duration

	StorageRetry retry.Config
	DequeueRetry retry.Config
}

func defaultConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:      100 * time.Millisecond,
		SchedulerInterval: time.Second,
		RetryBackoffBase:  time.Second,
		RetryBackoffMax:   time.Minute,
		HeartbeatInterval: 2 * time.Minute,
		StaleLockInterval: time.Minute,
		StaleLockAge:      5 * time.Minute,
		StorageRetry:      retry.DefaultConfig(),
		DequeueRetry: retry.Config{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.2,
			Retryable:         core.IsRetryable,
		},
	}
}

// Concurrency sets the concurrency for every queue configured so far.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		clamped := security.ClampConcurrency(n)
		for k := range c.Queues {
			c.Queues[k] = clamped
		}
	})
}

// WorkerQueue adds a queue to process with optional concurrency.
func WorkerQueue(name core.QueueName, opts ...WorkerOption) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if c.Queues == nil {
			c.Queues = make(map[core.QueueName]int)
		}
		c.Queues[name] = DefaultConcurrency
		if len(opts) == 0 {
			return
		}
		// Apply nested options to this queue only.
		scoped := WorkerConfig{Queues: map[core.QueueName]int{name: DefaultConcurrency}}
		for _, opt := range opts {
			opt.ApplyWorker(&scoped)
		}
		c.Queues[name] = scoped.Queues[name]
	})
}

// WithScheduler enables the recurring job scheduler in the worker.
func WithScheduler(enabled bool) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.EnableScheduler = enabled
	})
}

// WithSchedulerInterval sets how often recurring definitions are checked.
func WithSchedulerInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.SchedulerInterval = d
		}
	})
}

// WithPollInterval sets the idle poll interval per queue.
func WithPollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// WithWorkerID overrides the generated worker id used for job locks.
func WithWorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}

// WithLogger sets the worker logger.
func WithLogger(l *zap.SugaredLogger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithRetryBackoff sets the base and cap of the job retry backoff.
func WithRetryBackoff(base, limit time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if base > 0 {
			c.RetryBackoffBase = base
		}
		if limit > 0 {
			c.RetryBackoffMax = limit
		}
	})
}

// WithHeartbeatInterval sets how often running jobs extend their lock.
func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.HeartbeatInterval = d
		}
	})
}

// WithStaleLockRelease configures the stale lock release loop.
func WithStaleLockRelease(interval, age time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StaleLockInterval = interval
		if age > 0 {
			c.StaleLockAge = age
		}
	})
}

// WithStorageRetry sets the retry policy for complete/fail/heartbeat writes.
func WithStorageRetry(cfg retry.Config) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = cfg
	})
}

// WithDequeueRetry sets the retry policy for dequeue calls.
func WithDequeueRetry(cfg retry.Config) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DequeueRetry = cfg
	})
}
