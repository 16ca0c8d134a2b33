package core

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestEvent_EventQueue(t *testing.T) {
	job := &Job{ID: "j1", Queue: QueueTaxRateUpdate}
	now := time.Now()

	tests := []struct {
		name  string
		event Event
		want  QueueName
	}{
		{"started", &JobStarted{Job: job, Timestamp: now}, QueueTaxRateUpdate},
		{"completed", &JobCompleted{Job: job, Duration: time.Second}, QueueTaxRateUpdate},
		{"failed", &JobFailed{Job: job, Error: errors.New("boom")}, QueueTaxRateUpdate},
		{"retrying", &JobRetrying{Job: job, Attempt: 1, NextRunAt: now.Add(time.Minute)}, QueueTaxRateUpdate},
		{"nil job", &JobStarted{}, ""},
		{"paused", &QueuePaused{Queue: QueuePOSSync}, QueuePOSSync},
		{"resumed", &QueueResumed{Queue: QueuePOSSync}, QueuePOSSync},
		{"drained", &QueueDrained{Queue: QueueAuditProcessing, Duration: time.Second}, QueueAuditProcessing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.EventQueue())
		})
	}
}
