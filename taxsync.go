// Package taxsync keeps sales tax rates in sync with their authoritative
// source and serves them from a cache.
//
// This is the main package users should import. It re-exports the public
// types of the pkg/ packages and builds a wired application:
//
//	cfg, _ := taxsync.LoadConfig("")
//	app, _ := taxsync.New(cfg)
//	app.Migrate(ctx)
//	app.Serve(ctx) // blocks until ctx is cancelled
//
// Jobs can be enqueued directly on the application's queue:
//
//	app.Queue.AddJob(ctx, taxsync.QueueTaxRateUpdate,
//	    taxsync.UpdatePayload{States: []string{"CA"}},
//	    taxsync.WithPriority(taxsync.PriorityCritical))
package taxsync

import (
	"go.uber.org/zap"

	"github.com/jdziat/taxsync/pkg/app"
	"github.com/jdziat/taxsync/pkg/audit"
	"github.com/jdziat/taxsync/pkg/config"
	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/monitoring"
	"github.com/jdziat/taxsync/pkg/queue"
	"github.com/jdziat/taxsync/pkg/ratecache"
	"github.com/jdziat/taxsync/pkg/rateupdate"
	"github.com/jdziat/taxsync/pkg/scheduler"
)

type (
	// App is a fully wired taxsync instance.
	App = app.App

	// AppOption configures New.
	AppOption = app.Option

	// Config is the service configuration.
	Config = config.Config

	Job        = core.Job
	JobStatus  = core.JobStatus
	QueueName  = core.QueueName
	Priority   = core.Priority
	JobOption  = queue.Option
	QueueStats = queue.Metrics

	// Jurisdiction scopes a tax rate.
	Jurisdiction = ratecache.Jurisdiction

	// RateRecord is an authoritative rate.
	RateRecord = ratecache.RateRecord

	// LookupResult is the answer of a rate lookup.
	LookupResult = ratecache.LookupResult

	// UpdatePayload is the payload of a tax-rate-update job.
	UpdatePayload = rateupdate.Payload

	// UpdateSummary is the result of a rate update.
	UpdateSummary = rateupdate.Summary

	// ManualUpdateRequest asks the scheduler for an immediate update.
	ManualUpdateRequest = scheduler.ManualUpdateRequest

	AuditEntry      = audit.Entry
	ComplianceCheck = audit.ComplianceCheck

	NoRetryError    = core.NoRetryError
	RetryAfterError = core.RetryAfterError
)

// Queues
const (
	QueueTaxCalculation        = core.QueueTaxCalculation
	QueueTransactionProcessing = core.QueueTransactionProcessing
	QueuePOSSync               = core.QueuePOSSync
	QueueTaxRateUpdate         = core.QueueTaxRateUpdate
	QueueComplianceMonitoring  = core.QueueComplianceMonitoring
	QueueAuditProcessing       = core.QueueAuditProcessing
	QueueEmailNotifications    = core.QueueEmailNotifications
	QueueReportGeneration      = core.QueueReportGeneration
)

// Priorities
const (
	PriorityLow      = core.PriorityLow
	PriorityNormal   = core.PriorityNormal
	PriorityHigh     = core.PriorityHigh
	PriorityCritical = core.PriorityCritical
)

// Status constants
const (
	StatusPending   = core.StatusPending
	StatusRunning   = core.StatusRunning
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
)

// Error variables
var (
	ErrUnknownQueue          = core.ErrUnknownQueue
	ErrBrokerUnavailable     = core.ErrBrokerUnavailable
	ErrCacheStoreUnavailable = core.ErrCacheStoreUnavailable
	ErrUpstreamFetchFailed   = core.ErrUpstreamFetchFailed
	ErrInvalidCronExpression = core.ErrInvalidCronExpression
	ErrQueueDraining         = core.ErrQueueDraining
	ErrScheduleNotFound      = core.ErrScheduleNotFound
	ErrDuplicateJob          = core.ErrDuplicateJob
	ErrJobNotOwned           = core.ErrJobNotOwned
)

// LoadConfig reads defaults, the optional config file and TAXSYNC_
// environment variables.
func LoadConfig(configFile string) (*Config, error) {
	return config.Load(configFile)
}

// New builds an application from cfg. Nothing is started.
func New(cfg *Config, opts ...AppOption) (*App, error) {
	return app.New(cfg, opts...)
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *zap.SugaredLogger) AppOption {
	return app.WithLogger(l)
}

// WithSender sets how email notifications are delivered.
func WithSender(s rateupdate.Sender) AppOption {
	return app.WithSender(s)
}

// WithMemory replaces the host memory source of the health check; nil
// disables the check.
func WithMemory(fn monitoring.MemoryFunc) AppOption {
	return app.WithMemory(fn)
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	return core.IsRetryable(err)
}

// NoRetry marks an error as permanent.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// ParseQueueName validates a queue name against the known queues.
func ParseQueueName(name string) (QueueName, error) {
	return core.ParseQueueName(name)
}

// Job option functions

// WithPriority sets the job priority.
func WithPriority(p Priority) JobOption {
	return queue.WithPriority(p)
}

// WithUniqueKey rejects the job while another job with the key is waiting
// or active.
func WithUniqueKey(key string) JobOption {
	return queue.WithUniqueKey(key)
}

// WithCreatedBy records who enqueued the job.
func WithCreatedBy(userID string) JobOption {
	return queue.WithCreatedBy(userID)
}

// WithBusinessID tags the job with a business.
func WithBusinessID(id string) JobOption {
	return queue.WithBusinessID(id)
}
