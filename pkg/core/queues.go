package core

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// QueueName identifies one of the fixed named queues.
type QueueName string

const (
	QueueTaxCalculation        QueueName = "tax-calculation"
	QueueTransactionProcessing QueueName = "transaction-processing"
	QueuePOSSync               QueueName = "pos-sync"
	QueueTaxRateUpdate         QueueName = "tax-rate-update"
	QueueComplianceMonitoring  QueueName = "compliance-monitoring"
	QueueAuditProcessing       QueueName = "audit-processing"
	QueueEmailNotifications    QueueName = "email-notifications"
	QueueReportGeneration      QueueName = "report-generation"
)

// KnownQueues lists every queue in a stable order.
var KnownQueues = []QueueName{
	QueueTaxCalculation,
	QueueTransactionProcessing,
	QueuePOSSync,
	QueueTaxRateUpdate,
	QueueComplianceMonitoring,
	QueueAuditProcessing,
	QueueEmailNotifications,
	QueueReportGeneration,
}

// IsKnown reports whether the queue name belongs to the enumerated set.
func (q QueueName) IsKnown() bool {
	for _, k := range KnownQueues {
		if k == q {
			return true
		}
	}
	return false
}

func (q QueueName) String() string { return string(q) }

// ParseQueueName resolves a name to a known queue.
func ParseQueueName(name string) (QueueName, error) {
	q := QueueName(strings.TrimSpace(name))
	if !q.IsKnown() {
		return "", errors.Wrapf(ErrUnknownQueue, "queue %q", name)
	}
	return q, nil
}

// Priority is the job priority. Higher values are dequeued first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "custom"
	}
}

// ParsePriority maps a priority label to its value. An empty label is normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, errors.Newf("unknown priority %q", s)
}
