package core

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// Validation errors
var (
	ErrUnknownQueue     = errors.New("taxsync: unknown queue")
	ErrPayloadTooLarge  = errors.New("taxsync: job payload exceeds size limit")
	ErrJobNotOwned      = errors.New("taxsync: job not owned by this worker")
	ErrJobNotFound      = errors.New("taxsync: job not found")
	ErrDuplicateJob     = errors.New("taxsync: duplicate job with same unique key")
	ErrUniqueKeyTooLong = errors.New("taxsync: unique key exceeds maximum length")
	ErrQueueDraining    = errors.New("taxsync: queue is draining")
)

// Infrastructure errors. These are transient and safe to retry.
var (
	ErrBrokerUnavailable     = errors.New("taxsync: broker unavailable")
	ErrCacheStoreUnavailable = errors.New("taxsync: cache store unavailable")
	ErrUpstreamFetchFailed   = errors.New("taxsync: upstream fetch failed")
)

// Scheduling errors
var (
	ErrInvalidCronExpression = errors.New("taxsync: invalid cron expression")
	ErrScheduleNotFound      = errors.New("taxsync: schedule not found")
	ErrSchedulerNotRunning   = errors.New("taxsync: scheduler not running")
)

// IsRetryable reports whether err is a transient infrastructure failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var noRetry *NoRetryError
	if errors.As(err, &noRetry) {
		return false
	}
	return errors.IsAny(err, ErrBrokerUnavailable, ErrCacheStoreUnavailable, ErrUpstreamFetchFailed)
}

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
