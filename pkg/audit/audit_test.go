package audit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/jdziat/taxsync/pkg/retry"
	"github.com/jdziat/taxsync/pkg/storage"
)

// failSwitch makes every gorm create fail while on.
type failSwitch struct {
	on atomic.Bool
}

func (f *failSwitch) install(t *testing.T, db *gorm.DB) {
	t.Helper()
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_create", func(tx *gorm.DB) {
		if f.on.Load() {
			_ = tx.AddError(errors.New("disk I/O error"))
		}
	})
	require.NoError(t, err)
}

func newTestLogger(t *testing.T, opts ...Option) (*Logger, *failSwitch) {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	sw := &failSwitch{}
	sw.install(t, db)

	opts = append([]Option{WithRetry(retry.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1})}, opts...)
	l := NewLogger(db, opts...)
	require.NoError(t, l.Migrate(context.Background()))
	return l, sw
}

func ptr(f float64) *float64 { return &f }

func TestLogEvent_Defaults(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()

	e := &Entry{Type: EventRateUnchanged, State: "ca", Jurisdiction: " Los Angeles ", Message: "checked, unchanged"}
	require.NoError(t, l.LogEvent(ctx, e))
	assert.NotEmpty(t, e.ID)

	got, err := l.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "CA", got.State)
	assert.Equal(t, "los angeles", got.Jurisdiction)
	assert.Equal(t, SeverityInfo, got.Severity)
	assert.Equal(t, ReviewNone, got.ReviewStatus)
	assert.EqualValues(t, 1, l.Stats().Written)
}

func TestLogEvent_Validation(t *testing.T) {
	l, _ := newTestLogger(t)
	assert.True(t, errors.Is(l.LogEvent(context.Background(), &Entry{}), ErrInvalidEntry))
	assert.True(t, errors.Is(l.LogEvent(context.Background(), nil), ErrInvalidEntry))
}

func TestLogEvent_AnomalousChangeNeedsReview(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()

	small := &Entry{Type: EventRateChanged, State: "TX", OldRate: ptr(6.25), NewRate: ptr(6.5)}
	big := &Entry{Type: EventRateChanged, State: "TX", OldRate: ptr(6.25), NewRate: ptr(8.25)}
	require.NoError(t, l.LogEvent(ctx, small))
	require.NoError(t, l.LogEvent(ctx, big))

	assert.Equal(t, EventRateChanged, small.Type)
	assert.Equal(t, EventRateAnomaly, big.Type)
	assert.Equal(t, SeverityCritical, big.Severity)

	pending, err := l.GetPendingReviews(ctx, "tx")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, big.ID, pending[0].ID)

	none, err := l.GetPendingReviews(ctx, "CA")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestApproveAuditLog(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()

	e := &Entry{Type: EventRateChanged, State: "NY", OldRate: ptr(4), NewRate: ptr(8)}
	require.NoError(t, l.LogEvent(ctx, e))

	approved, err := l.ApproveAuditLog(ctx, e.ID, "reviewer@example.com", "confirmed with DOR")
	require.NoError(t, err)
	assert.Equal(t, ReviewApproved, approved.ReviewStatus)
	assert.Equal(t, "reviewer@example.com", approved.ReviewedBy)
	require.NotNil(t, approved.ReviewedAt)

	_, err = l.ApproveAuditLog(ctx, e.ID, "someone", "")
	assert.True(t, errors.Is(err, ErrNotPendingReview))

	_, err = l.ApproveAuditLog(ctx, "missing", "someone", "")
	assert.True(t, errors.Is(err, ErrEntryNotFound))

	_, err = l.ApproveAuditLog(ctx, e.ID, " ", "")
	assert.True(t, errors.Is(err, ErrInvalidEntry))

	pending, err := l.GetPendingReviews(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGetAuditTrail_FiltersNewestFirst(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l, _ := newTestLogger(t)
	ctx := context.Background()

	for i, st := range []string{"CA", "TX", "CA", "CA"} {
		e := &Entry{Type: EventRateUnchanged, State: st, Jurisdiction: "j" + st, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if i == 3 {
			e.Type = EventUpdateFailed
			e.Severity = SeverityWarning
		}
		require.NoError(t, l.LogEvent(ctx, e))
	}

	ca, err := l.GetAuditTrail(ctx, Filter{State: "ca"})
	require.NoError(t, err)
	require.Len(t, ca, 3)
	assert.True(t, ca[0].CreatedAt.After(ca[1].CreatedAt))
	assert.True(t, ca[1].CreatedAt.After(ca[2].CreatedAt))

	failed, err := l.GetAuditTrail(ctx, Filter{Type: EventUpdateFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	window, err := l.GetAuditTrail(ctx, Filter{From: base.Add(30 * time.Minute), To: base.Add(150 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	page, err := l.GetAuditTrail(ctx, Filter{Limit: 1, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "TX", page[0].State)
}

func TestStoreFailure_DefersAndReplays(t *testing.T) {
	var notified atomic.Int32
	l, sw := newTestLogger(t, WithDegradedFunc(func(err error, backlog int) { notified.Add(1) }))
	ctx := context.Background()

	sw.on.Store(true)
	require.NoError(t, l.LogEvent(ctx, &Entry{Type: EventRateChanged, State: "CA", OldRate: ptr(7), NewRate: ptr(7.25)}))
	require.NoError(t, l.RecordComplianceCheck(ctx, &ComplianceCheck{Type: CheckAccuracy, Status: CheckWarning, Score: 70}))

	st := l.Stats()
	assert.EqualValues(t, 2, st.DegradedWrites)
	assert.Equal(t, 2, st.Backlog)
	assert.EqualValues(t, 2, notified.Load())
	assert.False(t, st.LastFailure.IsZero())

	trail, err := l.GetAuditTrail(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, trail)

	sw.on.Store(false)
	require.NoError(t, l.LogEvent(ctx, &Entry{Type: EventRateUnchanged, State: "TX"}))

	st = l.Stats()
	assert.Zero(t, st.Backlog)
	assert.EqualValues(t, 3, st.Written)

	trail, err = l.GetAuditTrail(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, trail, 2)

	alerts, err := l.GetComplianceAlerts(ctx, AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, alerts.Checks, 1)
}

func TestBacklog_RejectedRecordDoesNotBlockReplay(t *testing.T) {
	obs, logs := observer.New(zapcore.WarnLevel)
	l, sw := newTestLogger(t, WithLogger(zap.New(obs).Sugar()))
	ctx := context.Background()

	sw.on.Store(true)
	conflict := &Entry{Type: EventRateUnchanged, State: "CA"}
	later := &Entry{Type: EventRateUnchanged, State: "TX"}
	require.NoError(t, l.LogEvent(ctx, conflict))
	require.NoError(t, l.LogEvent(ctx, later))
	require.Equal(t, 2, l.Stats().Backlog)

	// Another writer stored the same ID while the store was failing.
	sw.on.Store(false)
	require.NoError(t, l.db.Create(&Entry{ID: conflict.ID, Type: EventRateUnchanged, State: "CA", CreatedAt: time.Now()}).Error)

	require.NoError(t, l.Flush(ctx))
	st := l.Stats()
	assert.Zero(t, st.Backlog)
	assert.EqualValues(t, 1, st.Rejected)
	assert.EqualValues(t, 1, st.Written)

	got, err := l.GetEntry(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, "TX", got.State)

	rejected := logs.FilterMessage("audit record rejected by store, dropped").All()
	require.Len(t, rejected, 1)
	assert.Equal(t, conflict.ID, rejected[0].ContextMap()["id"])
}

func TestBacklog_BoundedDropsOldest(t *testing.T) {
	l, sw := newTestLogger(t, WithBacklogSize(2))
	ctx := context.Background()
	sw.on.Store(true)

	for _, st := range []string{"CA", "TX", "NY"} {
		require.NoError(t, l.LogEvent(ctx, &Entry{Type: EventRateUnchanged, State: st}))
	}
	stats := l.Stats()
	assert.Equal(t, 2, stats.Backlog)
	assert.EqualValues(t, 1, stats.Dropped)
	assert.Error(t, l.Flush(ctx))

	sw.on.Store(false)
	require.NoError(t, l.Flush(ctx))

	trail, err := l.GetAuditTrail(ctx, Filter{})
	require.NoError(t, err)
	states := []string{trail[0].State, trail[1].State}
	assert.ElementsMatch(t, []string{"TX", "NY"}, states)
}

func TestRecordComplianceCheck_Validation(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()

	assert.Error(t, l.RecordComplianceCheck(ctx, &ComplianceCheck{Type: CheckFiling}))
	assert.Error(t, l.RecordComplianceCheck(ctx, &ComplianceCheck{Type: CheckFiling, Status: CheckPass, Score: 101}))
	assert.NoError(t, l.RecordComplianceCheck(ctx, &ComplianceCheck{Type: CheckFiling, Status: CheckPass, Score: 100}))
}

func TestGetComplianceAlerts(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()

	require.NoError(t, l.RecordComplianceCheck(ctx, &ComplianceCheck{Type: CheckThreshold, State: "CA", Status: CheckFail, Score: 20, BusinessID: "b1"}))
	require.NoError(t, l.RecordComplianceCheck(ctx, &ComplianceCheck{Type: CheckThreshold, State: "CA", Status: CheckPass, Score: 95, BusinessID: "b1"}))
	require.NoError(t, l.RecordComplianceCheck(ctx, &ComplianceCheck{Type: CheckRateCompliance, State: "TX", Status: CheckWarning, Score: 60}))
	require.NoError(t, l.LogEvent(ctx, &Entry{Type: EventRateChanged, State: "CA", OldRate: ptr(7), NewRate: ptr(9)}))

	all, err := l.GetComplianceAlerts(ctx, AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, all.Checks, 2)
	assert.Len(t, all.Entries, 1)

	ca, err := l.GetComplianceAlerts(ctx, AlertFilter{State: "CA", BusinessID: "b1"})
	require.NoError(t, err)
	require.Len(t, ca.Checks, 1)
	assert.Equal(t, CheckFail, ca.Checks[0].Status)
	assert.Empty(t, ca.Entries, "system-wide entries have no business id")
}

func TestGenerateAuditReport(t *testing.T) {
	l, _ := newTestLogger(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)

	require.NoError(t, l.LogEvent(ctx, &Entry{Type: EventRateChanged, State: "CA", OldRate: ptr(7), NewRate: ptr(7.5)}))
	require.NoError(t, l.LogEvent(ctx, &Entry{Type: EventRateChanged, State: "CA", OldRate: ptr(7), NewRate: ptr(10)}))
	require.NoError(t, l.LogEvent(ctx, &Entry{Type: EventRateUnchanged, State: "CA"}))
	require.NoError(t, l.LogEvent(ctx, &Entry{Type: EventRateUnchanged, State: "TX"}))
	require.NoError(t, l.RecordComplianceCheck(ctx, &ComplianceCheck{Type: CheckAccuracy, State: "CA", Status: CheckPass, Score: 90}))
	require.NoError(t, l.RecordComplianceCheck(ctx, &ComplianceCheck{Type: CheckAccuracy, State: "CA", Status: CheckFail, Score: 30}))

	r, err := l.GenerateAuditReport(ctx, start, time.Now().Add(time.Minute), "ca")
	require.NoError(t, err)
	assert.Equal(t, "CA", r.State)
	assert.EqualValues(t, 3, r.TotalEntries)
	assert.EqualValues(t, 2, r.BySeverity[SeverityInfo])
	assert.EqualValues(t, 1, r.BySeverity[SeverityCritical])
	assert.EqualValues(t, 1, r.ByType[EventRateAnomaly])
	assert.EqualValues(t, 1, r.ByType[EventRateChanged])
	assert.EqualValues(t, 1, r.PendingReviews)
	assert.EqualValues(t, 1, r.ChecksByStatus[CheckFail])
	assert.InDelta(t, 60.0, r.AverageScore, 0.001)

	_, err = l.GenerateAuditReport(ctx, time.Now(), start, "")
	assert.Error(t, err)
}
