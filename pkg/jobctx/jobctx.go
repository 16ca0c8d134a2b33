// Package jobctx gives processors access to the job they are running.
package jobctx

import (
	"context"

	"github.com/jdziat/taxsync/pkg/core"
)

type jobKey struct{}

// WithJob returns a context carrying the running job.
func WithJob(ctx context.Context, job *core.Job) context.Context {
	return context.WithValue(ctx, jobKey{}, job)
}

// JobFromContext returns the current Job from context, or nil if not in a processor.
func JobFromContext(ctx context.Context) *core.Job {
	job, _ := ctx.Value(jobKey{}).(*core.Job)
	return job
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a processor.
func JobIDFromContext(ctx context.Context) string {
	if job := JobFromContext(ctx); job != nil {
		return job.ID
	}
	return ""
}

// Attempt returns the 1-based attempt number of the running job, or 0.
func Attempt(ctx context.Context) int {
	if job := JobFromContext(ctx); job != nil {
		return job.Attempt
	}
	return 0
}
