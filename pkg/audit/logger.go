package audit

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jdziat/taxsync/pkg/retry"
	"github.com/jdziat/taxsync/pkg/security"
)

// Defaults for Logger.
const (
	DefaultAnomalyThreshold = 1.0
	DefaultBacklogSize      = 1000
)

var (
	// ErrEntryNotFound is returned when an audit entry does not exist.
	ErrEntryNotFound = errors.New("taxsync: audit entry not found")
	// ErrNotPendingReview is returned when approving an entry that is not awaiting review.
	ErrNotPendingReview = errors.New("taxsync: audit entry is not pending review")
	// ErrInvalidEntry is returned for entries missing required fields.
	ErrInvalidEntry = errors.New("taxsync: invalid audit entry")
)

// DegradedFunc is called whenever a write could not be persisted.
type DegradedFunc func(err error, backlog int)

// WriteStats reports the health of the write path.
type WriteStats struct {
	Written        int64     `json:"written"`
	DegradedWrites int64     `json:"degradedWrites"`
	Backlog        int       `json:"backlog"`
	Dropped        int64     `json:"dropped"`
	Rejected       int64     `json:"rejected"`
	LastFailure    time.Time `json:"lastFailure,omitempty"`
}

// Logger records rate-update outcomes and compliance results.
type Logger struct {
	db               *gorm.DB
	logger           *zap.SugaredLogger
	retry            retry.Config
	anomalyThreshold float64
	backlogSize      int
	now              func() time.Time

	mu          sync.Mutex
	backlog     []any
	onDegraded  []DegradedFunc
	lastFailure time.Time

	written  atomic.Int64
	degraded atomic.Int64
	dropped  atomic.Int64
	rejected atomic.Int64
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Logger) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRetry sets the retry policy for writes.
func WithRetry(cfg retry.Config) Option {
	return func(a *Logger) { a.retry = cfg }
}

// WithAnomalyThreshold sets the rate change, in percentage points, above
// which a change is flagged for review.
func WithAnomalyThreshold(points float64) Option {
	return func(a *Logger) {
		if points > 0 {
			a.anomalyThreshold = points
		}
	}
}

// WithBacklogSize bounds the number of unwritten records kept in memory.
func WithBacklogSize(n int) Option {
	return func(a *Logger) {
		if n > 0 {
			a.backlogSize = n
		}
	}
}

// WithDegradedFunc registers a callback for failed writes.
func WithDegradedFunc(fn DegradedFunc) Option {
	return func(a *Logger) { a.onDegraded = append(a.onDegraded, fn) }
}

// NewLogger creates an audit logger over db.
func NewLogger(db *gorm.DB, opts ...Option) *Logger {
	a := &Logger{
		db:     db,
		logger: zap.NewNop().Sugar(),
		retry: retry.Config{
			MaxAttempts:       3,
			InitialBackoff:    50 * time.Millisecond,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.1,
		},
		anomalyThreshold: DefaultAnomalyThreshold,
		backlogSize:      DefaultBacklogSize,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "audit")
	return a
}

// Migrate creates the audit tables.
func (a *Logger) Migrate(ctx context.Context) error {
	return a.db.WithContext(ctx).AutoMigrate(&Entry{}, &ComplianceCheck{})
}

// OnDegraded registers a callback for failed writes.
func (a *Logger) OnDegraded(fn DegradedFunc) {
	a.mu.Lock()
	a.onDegraded = append(a.onDegraded, fn)
	a.mu.Unlock()
}

// AnomalyThreshold returns the configured threshold in percentage points.
func (a *Logger) AnomalyThreshold() float64 {
	return a.anomalyThreshold
}

// IsAnomalous reports whether a change from old to new exceeds the threshold.
func (a *Logger) IsAnomalous(oldRate, newRate float64) bool {
	return math.Abs(newRate-oldRate) > a.anomalyThreshold
}

// LogEvent appends an entry to the audit trail.
//
// Only validation errors are returned. When the store cannot be written the
// entry is kept in a bounded backlog that is replayed on the next successful
// write, and the registered DegradedFunc callbacks are notified.
// A rate_changed entry whose change exceeds the anomaly threshold is
// recorded as rate_anomaly with critical severity and pending review.
func (a *Logger) LogEvent(ctx context.Context, e *Entry) error {
	if e == nil || e.Type == "" {
		return errors.Wrap(ErrInvalidEntry, "type is required")
	}
	e.State = strings.ToUpper(e.State)
	e.Jurisdiction = jurisdictionLabel(e.Jurisdiction)
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = a.now()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.ReviewStatus == "" {
		e.ReviewStatus = ReviewNone
	}
	if e.Type == EventRateChanged && e.OldRate != nil && e.NewRate != nil && a.IsAnomalous(*e.OldRate, *e.NewRate) {
		e.Type = EventRateAnomaly
		e.Severity = SeverityCritical
		e.ReviewStatus = ReviewPending
	}

	a.write(ctx, e)
	return nil
}

// RecordComplianceCheck stores a compliance check result. Storage failures
// are handled like LogEvent.
func (a *Logger) RecordComplianceCheck(ctx context.Context, c *ComplianceCheck) error {
	if c == nil || c.Type == "" || c.Status == "" {
		return errors.Wrap(ErrInvalidEntry, "check type and status are required")
	}
	if c.Score < 0 || c.Score > 100 {
		return errors.Wrapf(ErrInvalidEntry, "score %d outside 0-100", c.Score)
	}
	c.State = strings.ToUpper(c.State)
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = a.now()
	}
	a.write(ctx, c)
	return nil
}

func (a *Logger) write(ctx context.Context, record any) {
	err := retry.Do(ctx, a.retry, func(ctx context.Context) error {
		return a.db.WithContext(ctx).Create(record).Error
	})
	if err != nil {
		if isPermanentWriteError(err) {
			a.reject(record, err)
			return
		}
		a.deferRecord(record, err)
		return
	}
	a.written.Add(1)
	a.replay(ctx)
}

// permanentErrorFragments identify constraint failures the driver did not
// translate into a gorm error.
var permanentErrorFragments = []string{
	"constraint failed",
	"violates unique constraint",
	"violates foreign key constraint",
	"violates check constraint",
}

// isPermanentWriteError reports whether writing the same record again can
// never succeed.
func isPermanentWriteError(err error) bool {
	if errors.IsAny(err,
		gorm.ErrDuplicatedKey,
		gorm.ErrForeignKeyViolated,
		gorm.ErrInvalidData,
		gorm.ErrInvalidValue,
		gorm.ErrInvalidField,
		gorm.ErrPrimaryKeyRequired,
		gorm.ErrModelValueRequired,
	) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range permanentErrorFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func (a *Logger) reject(record any, err error) {
	a.rejected.Add(1)
	a.logger.Errorw("audit record rejected by store, dropped", "id", recordID(record), "error", err)
}

func recordID(record any) string {
	switch r := record.(type) {
	case *Entry:
		return r.ID
	case *ComplianceCheck:
		return r.ID
	}
	return ""
}

// jurisdictionLabel lower-cases a jurisdiction segment. Input that is not a
// valid segment is kept verbatim.
func jurisdictionLabel(in string) string {
	seg, err := security.NormalizeSegment(in)
	if err != nil {
		return in
	}
	return seg
}

func (a *Logger) deferRecord(record any, err error) {
	a.mu.Lock()
	if len(a.backlog) >= a.backlogSize {
		a.backlog = a.backlog[1:]
		a.dropped.Add(1)
		a.logger.Errorw("audit backlog full, oldest record dropped", "backlog", a.backlogSize)
	}
	a.backlog = append(a.backlog, record)
	a.lastFailure = a.now()
	size := len(a.backlog)
	callbacks := make([]DegradedFunc, len(a.onDegraded))
	copy(callbacks, a.onDegraded)
	a.mu.Unlock()

	a.degraded.Add(1)
	a.logger.Warnw("audit write failed, record deferred", "error", err, "backlog", size)
	for _, fn := range callbacks {
		fn(err, size)
	}
}

// replay writes deferred records in order, stopping at the first transient
// failure. Records the store rejects outright are dropped.
func (a *Logger) replay(ctx context.Context) {
	a.mu.Lock()
	pending := a.backlog
	a.backlog = nil
	a.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	written := 0
	for i, record := range pending {
		if err := a.db.WithContext(ctx).Create(record).Error; err != nil {
			if isPermanentWriteError(err) {
				a.reject(record, err)
				continue
			}
			a.mu.Lock()
			a.backlog = append(pending[i:], a.backlog...)
			if over := len(a.backlog) - a.backlogSize; over > 0 {
				a.backlog = a.backlog[over:]
				a.dropped.Add(int64(over))
			}
			a.mu.Unlock()
			a.logger.Warnw("audit backlog replay interrupted", "error", err, "remaining", len(pending)-i)
			return
		}
		a.written.Add(1)
		written++
	}
	a.logger.Infow("audit backlog replayed", "count", written)
}

// Flush retries every deferred record.
func (a *Logger) Flush(ctx context.Context) error {
	a.replay(ctx)
	a.mu.Lock()
	remaining := len(a.backlog)
	a.mu.Unlock()
	if remaining > 0 {
		return errors.Newf("%d audit records still deferred", remaining)
	}
	return nil
}

// Stats reports the write path health.
func (a *Logger) Stats() WriteStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return WriteStats{
		Written:        a.written.Load(),
		DegradedWrites: a.degraded.Load(),
		Backlog:        len(a.backlog),
		Dropped:        a.dropped.Load(),
		Rejected:       a.rejected.Load(),
		LastFailure:    a.lastFailure,
	}
}

// Ping checks the audit store.
func (a *Logger) Ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
