package audit

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
)

// Filter selects audit trail entries.
type Filter struct {
	State        string
	Jurisdiction string
	Type         EventType
	Severity     Severity
	BusinessID   string
	ReviewStatus ReviewStatus
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.State != "" {
		q = q.Where("state = ?", strings.ToUpper(f.State))
	}
	if f.Jurisdiction != "" {
		q = q.Where("jurisdiction = ?", jurisdictionLabel(f.Jurisdiction))
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.BusinessID != "" {
		q = q.Where("business_id = ?", f.BusinessID)
	}
	if f.ReviewStatus != "" {
		q = q.Where("review_status = ?", f.ReviewStatus)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at <= ?", f.To)
	}
	return q
}

// GetAuditTrail returns matching entries, newest first.
func (a *Logger) GetAuditTrail(ctx context.Context, f Filter) ([]Entry, error) {
	var out []Entry
	err := f.apply(a.db.WithContext(ctx).Model(&Entry{})).
		Order("created_at DESC").
		Limit(clampLimit(f.Limit)).
		Offset(f.Offset).
		Find(&out).Error
	return out, errors.Wrap(err, "query audit trail")
}

// GetEntry returns a single entry.
func (a *Logger) GetEntry(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	err := a.db.WithContext(ctx).First(&e, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrEntryNotFound, "id %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get audit entry")
	}
	return &e, nil
}

// ApproveAuditLog moves a pending entry to approved.
func (a *Logger) ApproveAuditLog(ctx context.Context, id, reviewedBy, notes string) (*Entry, error) {
	if strings.TrimSpace(reviewedBy) == "" {
		return nil, errors.Wrap(ErrInvalidEntry, "reviewer is required")
	}
	now := a.now()
	res := a.db.WithContext(ctx).Model(&Entry{}).
		Where("id = ? AND review_status = ?", id, ReviewPending).
		Updates(map[string]any{
			"review_status": ReviewApproved,
			"reviewed_by":   reviewedBy,
			"review_notes":  notes,
			"reviewed_at":   now,
		})
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "approve audit entry")
	}
	if res.RowsAffected == 0 {
		if _, err := a.GetEntry(ctx, id); err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(ErrNotPendingReview, "id %s", id)
	}
	a.logger.Infow("audit entry approved", "entry_id", id, "reviewed_by", reviewedBy)
	return a.GetEntry(ctx, id)
}

// GetPendingReviews lists entries awaiting sign-off, optionally for one state.
func (a *Logger) GetPendingReviews(ctx context.Context, state string) ([]Entry, error) {
	return a.GetAuditTrail(ctx, Filter{State: state, ReviewStatus: ReviewPending, Limit: maxLimit})
}

// Alerts groups compliance problems.
type Alerts struct {
	Checks  []ComplianceCheck `json:"checks"`
	Entries []Entry           `json:"entries"`
}

// AlertFilter selects compliance alerts.
type AlertFilter struct {
	State      string
	BusinessID string
	Since      time.Time
	Limit      int
}

// GetComplianceAlerts returns warning and failing checks plus critical
// audit entries, newest first.
func (a *Logger) GetComplianceAlerts(ctx context.Context, f AlertFilter) (*Alerts, error) {
	limit := clampLimit(f.Limit)

	q := a.db.WithContext(ctx).Model(&ComplianceCheck{}).
		Where("status IN ?", []CheckStatus{CheckWarning, CheckFail})
	if f.State != "" {
		q = q.Where("state = ?", strings.ToUpper(f.State))
	}
	if f.BusinessID != "" {
		q = q.Where("business_id = ?", f.BusinessID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	out := &Alerts{}
	if err := q.Order("created_at DESC").Limit(limit).Find(&out.Checks).Error; err != nil {
		return nil, errors.Wrap(err, "query compliance checks")
	}

	entries, err := a.GetAuditTrail(ctx, Filter{
		State:      f.State,
		BusinessID: f.BusinessID,
		Severity:   SeverityCritical,
		From:       f.Since,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	out.Entries = entries
	return out, nil
}
