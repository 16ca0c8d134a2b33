package jobctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jdziat/taxsync/pkg/core"
)

func TestJobFromContext_OutsideProcessor(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, JobFromContext(ctx))
	assert.Empty(t, JobIDFromContext(ctx))
	assert.Zero(t, Attempt(ctx))
}

func TestJobFromContext_InsideProcessor(t *testing.T) {
	job := &core.Job{ID: "job-1", Queue: core.QueueTaxRateUpdate, Attempt: 2}
	ctx := WithJob(context.Background(), job)

	assert.Same(t, job, JobFromContext(ctx))
	assert.Equal(t, "job-1", JobIDFromContext(ctx))
	assert.Equal(t, 2, Attempt(ctx))
}
