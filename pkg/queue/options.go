package queue

import (
	"time"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/security"
)

// DefaultJobRetries is the retry budget for jobs that don't set one.
const DefaultJobRetries = 3

// DefaultEnqueueTimeout bounds how long AddJob waits on the broker.
const DefaultEnqueueTimeout = 5 * time.Second

// Options holds configuration for a single enqueue.
type Options struct {
	Priority   core.Priority
	MaxRetries int
	Delay      time.Duration
	RunAt      *time.Time
	UniqueKey  string
	CreatedBy  string
	BusinessID string
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		Priority:   core.PriorityNormal,
		MaxRetries: DefaultJobRetries,
	}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// WithPriority sets the job priority.
func WithPriority(p core.Priority) Option {
	return optionFunc(func(o *Options) {
		o.Priority = p
	})
}

// WithMaxRetries sets the maximum retry count.
// Values are clamped to [0, security.MaxRetries].
func WithMaxRetries(n int) Option {
	return optionFunc(func(o *Options) {
		o.MaxRetries = security.ClampRetries(n)
	})
}

// WithDelay schedules the job to run after a duration.
func WithDelay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Delay = d
	})
}

// WithRunAt schedules the job to run at a specific time.
func WithRunAt(t time.Time) Option {
	return optionFunc(func(o *Options) {
		o.RunAt = &t
	})
}

// WithUniqueKey rejects the job while another pending or running job holds the same key.
func WithUniqueKey(key string) Option {
	return optionFunc(func(o *Options) {
		o.UniqueKey = key
	})
}

// WithCreatedBy records the user that requested the job.
func WithCreatedBy(userID string) Option {
	return optionFunc(func(o *Options) {
		o.CreatedBy = userID
	})
}

// WithBusinessID records the tenant the job belongs to.
func WithBusinessID(id string) Option {
	return optionFunc(func(o *Options) {
		o.BusinessID = id
	})
}
