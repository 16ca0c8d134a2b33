package audit

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
)

// Report aggregates the audit trail over a window.
type Report struct {
	Start          time.Time             `json:"start"`
	End            time.Time             `json:"end"`
	State          string                `json:"state,omitempty"`
	TotalEntries   int64                 `json:"totalEntries"`
	BySeverity     map[Severity]int64    `json:"bySeverity"`
	ByType         map[EventType]int64   `json:"byType"`
	PendingReviews int64                 `json:"pendingReviews"`
	Approved       int64                 `json:"approved"`
	ChecksByStatus map[CheckStatus]int64 `json:"checksByStatus"`
	AverageScore   float64               `json:"averageScore"`
}

type groupCount struct {
	Grp   string
	Count int64
}

// GenerateAuditReport counts entries and checks in [start, end].
func (a *Logger) GenerateAuditReport(ctx context.Context, start, end time.Time, state string) (*Report, error) {
	if end.Before(start) {
		return nil, errors.Newf("report window end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	state = strings.ToUpper(state)

	entries := func() *gorm.DB {
		q := a.db.WithContext(ctx).Model(&Entry{}).Where("created_at >= ? AND created_at <= ?", start, end)
		if state != "" {
			q = q.Where("state = ?", state)
		}
		return q
	}
	checks := func() *gorm.DB {
		q := a.db.WithContext(ctx).Model(&ComplianceCheck{}).Where("created_at >= ? AND created_at <= ?", start, end)
		if state != "" {
			q = q.Where("state = ?", state)
		}
		return q
	}

	r := &Report{
		Start:          start,
		End:            end,
		State:          state,
		BySeverity:     make(map[Severity]int64),
		ByType:         make(map[EventType]int64),
		ChecksByStatus: make(map[CheckStatus]int64),
	}

	var rows []groupCount
	if err := entries().Select("severity AS grp, COUNT(*) AS count").Group("severity").Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "count by severity")
	}
	for _, row := range rows {
		r.BySeverity[Severity(row.Grp)] = row.Count
		r.TotalEntries += row.Count
	}

	rows = nil
	if err := entries().Select("type AS grp, COUNT(*) AS count").Group("type").Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "count by type")
	}
	for _, row := range rows {
		r.ByType[EventType(row.Grp)] = row.Count
	}

	if err := entries().Where("review_status = ?", ReviewPending).Count(&r.PendingReviews).Error; err != nil {
		return nil, errors.Wrap(err, "count pending reviews")
	}
	if err := entries().Where("review_status = ?", ReviewApproved).Count(&r.Approved).Error; err != nil {
		return nil, errors.Wrap(err, "count approved reviews")
	}

	rows = nil
	if err := checks().Select("status AS grp, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "count checks by status")
	}
	var totalChecks int64
	for _, row := range rows {
		r.ChecksByStatus[CheckStatus(row.Grp)] = row.Count
		totalChecks += row.Count
	}
	if totalChecks > 0 {
		var avg struct{ Avg float64 }
		if err := checks().Select("AVG(score) AS avg").Scan(&avg).Error; err != nil {
			return nil, errors.Wrap(err, "average score")
		}
		r.AverageScore = avg.Avg
	}
	return r, nil
}
