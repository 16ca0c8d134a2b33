package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/jdziat/taxsync/pkg/audit"
	"github.com/jdziat/taxsync/pkg/core"
)

// ReportWindow is the period covered by Report.
const ReportWindow = 24 * time.Hour

// QueueReport aggregates one queue's stats history.
type QueueReport struct {
	Queue         core.QueueName `json:"queue"`
	Completed     int64          `json:"completed"`
	Failed        int64          `json:"failed"`
	Retried       int64          `json:"retried"`
	PeakPending   int64          `json:"peakPending"`
	PeakRunning   int64          `json:"peakRunning"`
	FailureRate   float64        `json:"failureRate"`
	AvgDurationMs float64        `json:"avgDurationMs"`

	busyMillis int64
}

// Report is an aggregate over ReportWindow.
type Report struct {
	Since     time.Time         `json:"since"`
	Until     time.Time         `json:"until"`
	Health    Status            `json:"health"`
	Queues    []QueueReport     `json:"queues"`
	Completed int64             `json:"completed"`
	Failed    int64             `json:"failed"`
	Retried   int64             `json:"retried"`
	Audit     *audit.Report     `json:"audit,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Report aggregates the last 24 hours of queue stats and audit activity.
func (s *Service) Report(ctx context.Context) *Report {
	until := s.now()
	r := &Report{
		Since:  until.Add(-ReportWindow),
		Until:  until,
		Health: s.Health(ctx).Status,
		Queues: []QueueReport{},
	}
	fail := func(component string, err error) {
		if r.Errors == nil {
			r.Errors = map[string]string{}
		}
		r.Errors[component] = err.Error()
	}

	if s.stats != nil {
		history, err := s.stats.GetStatsHistory(ctx, "", r.Since, until)
		if err != nil {
			fail("stats", err)
		} else {
			r.Queues = aggregate(history)
			for _, q := range r.Queues {
				r.Completed += q.Completed
				r.Failed += q.Failed
				r.Retried += q.Retried
			}
		}
	}
	if s.audit != nil {
		ar, err := s.audit.GenerateAuditReport(ctx, r.Since, until, "")
		if err != nil {
			fail("audit", err)
		} else {
			r.Audit = ar
		}
	}
	return r
}

func aggregate(history []JobStat) []QueueReport {
	byQueue := map[core.QueueName]*QueueReport{}
	for _, st := range history {
		q, ok := byQueue[st.Queue]
		if !ok {
			q = &QueueReport{Queue: st.Queue}
			byQueue[st.Queue] = q
		}
		q.Completed += st.Completed
		q.Failed += st.Failed
		q.Retried += st.Retried
		q.busyMillis += st.BusyMillis
		q.PeakPending = max(q.PeakPending, st.Pending)
		q.PeakRunning = max(q.PeakRunning, st.Running)
	}
	out := make([]QueueReport, 0, len(byQueue))
	for _, q := range byQueue {
		if processed := q.Completed + q.Failed; processed > 0 {
			q.FailureRate = float64(q.Failed) / float64(processed)
		}
		if q.Completed > 0 {
			q.AvgDurationMs = float64(q.busyMillis) / float64(q.Completed)
		}
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}
