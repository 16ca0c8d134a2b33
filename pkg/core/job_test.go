package core

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_Values(t *testing.T) {
	assert.Equal(t, JobStatus("pending"), StatusPending)
	assert.Equal(t, JobStatus("running"), StatusRunning)
	assert.Equal(t, JobStatus("completed"), StatusCompleted)
	assert.Equal(t, JobStatus("failed"), StatusFailed)
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestJob_WithValues(t *testing.T) {
	now := time.Now()
	job := &Job{
		ID:         "test-123",
		Queue:      QueueTaxRateUpdate,
		Payload:    []byte(`{"states":["TX"]}`),
		Priority:   PriorityCritical,
		Status:     StatusPending,
		MaxRetries: 3,
		RunAt:      &now,
		CreatedBy:  "user-1",
		BusinessID: "biz-9",
	}

	assert.Equal(t, "test-123", job.ID)
	assert.Equal(t, QueueTaxRateUpdate, job.Queue)
	assert.Equal(t, PriorityCritical, job.Priority)
	assert.Equal(t, "user-1", job.CreatedBy)
	assert.Equal(t, "biz-9", job.BusinessID)
	assert.Equal(t, &now, job.RunAt)
}

func TestParseQueueName(t *testing.T) {
	for _, q := range KnownQueues {
		got, err := ParseQueueName(string(q))
		require.NoError(t, err)
		assert.Equal(t, q, got)
	}

	_, err := ParseQueueName("tax-rate-updates")
	assert.True(t, errors.Is(err, ErrUnknownQueue))

	_, err = ParseQueueName("")
	assert.True(t, errors.Is(err, ErrUnknownQueue))
}

func TestKnownQueues_Count(t *testing.T) {
	assert.Len(t, KnownQueues, 8)
	assert.True(t, QueueEmailNotifications.IsKnown())
	assert.False(t, QueueName("default").IsKnown())
}

func TestPriority_Ordering(t *testing.T) {
	assert.Less(t, int(PriorityLow), int(PriorityNormal))
	assert.Less(t, int(PriorityNormal), int(PriorityHigh))
	assert.Less(t, int(PriorityHigh), int(PriorityCritical))
}

func TestParsePriority(t *testing.T) {
	tests := map[string]Priority{
		"":         PriorityNormal,
		"low":      PriorityLow,
		"Normal":   PriorityNormal,
		"HIGH":     PriorityHigh,
		"critical": PriorityCritical,
	}
	for in, want := range tests {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		if in != "" {
			assert.Equal(t, want.String(), got.String())
		}
	}

	_, err := ParsePriority("urgent")
	assert.Error(t, err)
	assert.Equal(t, "custom", Priority(7).String())
}
