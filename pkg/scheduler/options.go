package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/retry"
)

const (
	// DefaultManualUpdateTimeout bounds how long ManualUpdate waits for the
	// job to finish.
	DefaultManualUpdateTimeout = 10 * time.Minute
	// DefaultPollInterval is how often ManualUpdate checks the job.
	DefaultPollInterval = 250 * time.Millisecond
)

// Config selects which built-in schedules run.
type Config struct {
	Daily     bool
	Weekly    bool
	Monthly   bool
	Quarterly bool

	// InitialUpdateOnBoot enqueues one update of all tracked states on Start.
	InitialUpdateOnBoot bool

	// TrackedStates are passed in scheduled payloads; empty leaves the choice
	// to the processor.
	TrackedStates []string
}

// DefaultConfig enables every built-in schedule.
func DefaultConfig() Config {
	return Config{Daily: true, Weekly: true, Monthly: true, Quarterly: true}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithManualUpdateTimeout bounds ManualUpdate.
func WithManualUpdateTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.manualTimeout = d
		}
	}
}

// WithPollInterval sets how often ManualUpdate polls the job.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithEnqueueRetry sets the retry policy for enqueueing manual updates.
func WithEnqueueRetry(cfg retry.Config) Option {
	return func(s *Scheduler) {
		s.enqueueRetry = cfg
	}
}

// WithClock overrides the time source used for status reporting.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func defaultEnqueueRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.Retryable = func(err error) bool {
		return errors.Is(err, core.ErrBrokerUnavailable)
	}
	return cfg
}
