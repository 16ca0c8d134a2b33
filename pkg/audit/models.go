package audit

import (
	"time"
)

// EventType classifies audit entries.
type EventType string

const (
	EventRateChanged      EventType = "rate_changed"
	EventRateUnchanged    EventType = "rate_unchanged"
	EventRateAnomaly      EventType = "rate_anomaly"
	EventUpdateFailed     EventType = "update_failed"
	EventCacheInvalidated EventType = "cache_invalidated"
)

// Severity of an audit entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ReviewStatus is the sign-off state of an entry.
type ReviewStatus string

const (
	ReviewNone     ReviewStatus = "none"
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
)

// Entry is one append-only audit trail record.
type Entry struct {
	ID           string       `gorm:"primaryKey;size:36" json:"id"`
	Type         EventType    `gorm:"index;size:32;not null" json:"type"`
	State        string       `gorm:"index;size:2" json:"state"`
	Jurisdiction string       `gorm:"index;size:255" json:"jurisdiction,omitempty"`
	BusinessID   string       `gorm:"index;size:255" json:"businessId,omitempty"`
	Severity     Severity     `gorm:"index;size:16" json:"severity"`
	Message      string       `gorm:"type:text" json:"message"`
	OldRate      *float64     `json:"oldRate,omitempty"`
	NewRate      *float64     `json:"newRate,omitempty"`
	JobID        string       `gorm:"index;size:36" json:"jobId,omitempty"`
	Details      string       `gorm:"type:text" json:"details,omitempty"`
	ReviewStatus ReviewStatus `gorm:"index;size:16;default:'none'" json:"reviewStatus"`
	ReviewedBy   string       `gorm:"size:255" json:"reviewedBy,omitempty"`
	ReviewNotes  string       `gorm:"type:text" json:"reviewNotes,omitempty"`
	ReviewedAt   *time.Time   `json:"reviewedAt,omitempty"`
	CreatedAt    time.Time    `gorm:"index" json:"createdAt"`
}

// TableName pins the table name.
func (Entry) TableName() string { return "audit_entries" }

// CheckType classifies compliance checks.
type CheckType string

const (
	CheckAccuracy       CheckType = "accuracy"
	CheckFiling         CheckType = "filing"
	CheckRateCompliance CheckType = "rate_compliance"
	CheckThreshold      CheckType = "threshold"
)

// CheckStatus is the outcome of a compliance check.
type CheckStatus string

const (
	CheckPass    CheckStatus = "pass"
	CheckWarning CheckStatus = "warning"
	CheckFail    CheckStatus = "fail"
)

// ComplianceCheck is the result of one compliance check.
type ComplianceCheck struct {
	ID           string      `gorm:"primaryKey;size:36" json:"id"`
	Type         CheckType   `gorm:"index;size:32;not null" json:"type"`
	State        string      `gorm:"index;size:2" json:"state,omitempty"`
	Jurisdiction string      `gorm:"index;size:255" json:"jurisdiction,omitempty"`
	BusinessID   string      `gorm:"index;size:255" json:"businessId,omitempty"`
	Status       CheckStatus `gorm:"index;size:16;not null" json:"status"`
	Score        int         `json:"score"`
	Details      string      `gorm:"type:text" json:"details,omitempty"`
	CreatedAt    time.Time   `gorm:"index" json:"createdAt"`
}

func (ComplianceCheck) TableName() string { return "compliance_checks" }
