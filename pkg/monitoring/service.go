package monitoring

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jdziat/taxsync/pkg/audit"
	"github.com/jdziat/taxsync/pkg/queue"
	"github.com/jdziat/taxsync/pkg/ratecache"
	"github.com/jdziat/taxsync/pkg/scheduler"
)

// Status is the tri-state health of the system or one component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// HTTPStatus maps a health status to its response code.
func (s Status) HTTPStatus() int {
	switch s {
	case StatusHealthy:
		return http.StatusOK
	case StatusDegraded:
		return http.StatusPartialContent
	default:
		return http.StatusServiceUnavailable
	}
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Broker is the job queue as seen by monitoring.
type Broker interface {
	Ping(ctx context.Context) error
	GetAllQueueMetrics(ctx context.Context) ([]*queue.Metrics, error)
}

// Cache is the rate cache as seen by monitoring.
type Cache interface {
	Ping(ctx context.Context) error
	GetCacheStats(ctx context.Context) *ratecache.Stats
}

// AuditLog is the audit logger as seen by monitoring.
type AuditLog interface {
	Stats() audit.WriteStats
	GenerateAuditReport(ctx context.Context, start, end time.Time, state string) (*audit.Report, error)
}

// Scheduler reports schedule state.
type Scheduler interface {
	GetScheduleStatus() scheduler.Status
}

// MemoryFunc returns total and available host memory in bytes.
type MemoryFunc func() (total, available uint64, err error)

// Thresholds above which a component is reported degraded.
type Thresholds struct {
	// MaxWaiting is the per-queue backlog limit.
	MaxWaiting int64
	// MaxFailureRate is the per-queue failed/processed ratio limit, applied
	// once a queue has processed MinProcessed jobs.
	MaxFailureRate float64
	MinProcessed   int64
	// MaxMemoryPercent is the host memory usage limit.
	MaxMemoryPercent float64
	// AuditFailureWindow keeps audit degraded after a write failure.
	AuditFailureWindow time.Duration
}

// DefaultThresholds returns the default degradation thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxWaiting:         1000,
		MaxFailureRate:     0.1,
		MinProcessed:       20,
		MaxMemoryPercent:   95,
		AuditFailureWindow: 5 * time.Minute,
	}
}

// Check is the result for one component.
type Check struct {
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Health is returned by Service.Health.
type Health struct {
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	Checks    []Check       `json:"checks"`
}

// Service aggregates health, metrics and reports across components.
// Components left nil are skipped.
type Service struct {
	broker     Broker
	cache      Cache
	audit      AuditLog
	scheduler  Scheduler
	stats      StatsStorage
	memory     MemoryFunc
	thresholds Thresholds
	timeout    time.Duration
	logger     *zap.SugaredLogger
	now        func() time.Time
	started    time.Time

	mu               sync.Mutex
	auditDegradedAt  time.Time
	auditDegradedErr string
	auditBacklog     int
}

// Option configures a Service.
type Option func(*Service)

// WithBroker sets the job queue to check.
func WithBroker(b Broker) Option { return func(s *Service) { s.broker = b } }

func WithCache(c Cache) Option { return func(s *Service) { s.cache = c } }

func WithAudit(a AuditLog) Option { return func(s *Service) { s.audit = a } }

func WithScheduler(sc Scheduler) Option { return func(s *Service) { s.scheduler = sc } }

// WithStats sets the per-minute stats history used by Report.
func WithStats(st StatsStorage) Option { return func(s *Service) { s.stats = st } }

// WithMemory overrides the host memory source; nil disables the check.
func WithMemory(fn MemoryFunc) Option { return func(s *Service) { s.memory = fn } }

func WithThresholds(t Thresholds) Option { return func(s *Service) { s.thresholds = t } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithCheckTimeout bounds each component check.
func WithCheckTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a monitoring Service. Host memory is read with
// gopsutil unless WithMemory overrides it.
func NewService(opts ...Option) *Service {
	s := &Service{
		memory:     VirtualMemory,
		thresholds: DefaultThresholds(),
		timeout:    2 * time.Second,
		logger:     zap.NewNop().Sugar(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	s.logger = s.logger.With("component", "monitoring")
	return s
}

// AuditDegraded records an audit write failure. It matches
// audit.DegradedFunc and is registered with the audit logger.
func (s *Service) AuditDegraded(err error, backlog int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditDegradedAt = s.now()
	s.auditBacklog = backlog
	if err != nil {
		s.auditDegradedErr = err.Error()
	}
	s.logger.Warnw("audit writes degraded", "backlog", backlog, "error", err)
}

// Health runs every component check. The broker being down makes the
// system unhealthy; any other failing check makes it degraded.
func (s *Service) Health(ctx context.Context) *Health {
	h := &Health{Status: StatusHealthy, Timestamp: s.now(), Uptime: s.now().Sub(s.started)}
	add := func(c Check) {
		h.Checks = append(h.Checks, c)
		h.Status = worse(h.Status, c.Status)
	}

	if s.broker != nil {
		add(s.checkBroker(ctx))
		add(s.checkQueues(ctx))
	}
	if s.cache != nil {
		add(s.checkCache(ctx))
	}
	if s.audit != nil {
		add(s.checkAudit())
	}
	if s.memory != nil {
		add(s.checkMemory())
	}
	return h
}

func (s *Service) checkBroker(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.broker.Ping(ctx); err != nil {
		return Check{Name: "broker", Status: StatusUnhealthy, Message: err.Error()}
	}
	return Check{Name: "broker", Status: StatusHealthy}
}

func (s *Service) checkQueues(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	metrics, err := s.broker.GetAllQueueMetrics(ctx)
	if err != nil {
		return Check{Name: "queues", Status: StatusDegraded, Message: err.Error()}
	}

	c := Check{Name: "queues", Status: StatusHealthy, Details: map[string]any{}}
	var backlogged, failing []string
	t := s.thresholds
	for _, m := range metrics {
		if t.MaxWaiting > 0 && m.Waiting > t.MaxWaiting {
			backlogged = append(backlogged, string(m.Queue))
		}
		if t.MaxFailureRate > 0 && m.Processed >= t.MinProcessed && m.Processed > 0 &&
			float64(m.Failed)/float64(m.Processed) > t.MaxFailureRate {
			failing = append(failing, string(m.Queue))
		}
	}
	if len(backlogged) > 0 {
		c.Details["backlogged"] = backlogged
	}
	if len(failing) > 0 {
		c.Details["failing"] = failing
	}
	if len(backlogged)+len(failing) > 0 {
		c.Status = StatusDegraded
		c.Message = "queue thresholds exceeded"
	}
	return c
}

func (s *Service) checkCache(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.cache.Ping(ctx); err != nil {
		return Check{Name: "cache", Status: StatusDegraded, Message: "cache store unavailable, serving from upstream: " + err.Error()}
	}
	return Check{Name: "cache", Status: StatusHealthy}
}

func (s *Service) checkAudit() Check {
	ws := s.audit.Stats()
	c := Check{Name: "audit", Status: StatusHealthy, Details: map[string]any{
		"written":        ws.Written,
		"degradedWrites": ws.DegradedWrites,
		"backlog":        ws.Backlog,
		"dropped":        ws.Dropped,
		"rejected":       ws.Rejected,
	}}

	s.mu.Lock()
	recent := !s.auditDegradedAt.IsZero() && s.now().Sub(s.auditDegradedAt) < s.thresholds.AuditFailureWindow
	lastErr := s.auditDegradedErr
	s.mu.Unlock()

	if ws.Backlog > 0 || recent {
		c.Status = StatusDegraded
		c.Message = "audit writes are being deferred"
		if lastErr != "" {
			c.Details["lastError"] = lastErr
		}
	}
	return c
}

func (s *Service) checkMemory() Check {
	total, available, err := s.memory()
	if err != nil || total == 0 {
		msg := "memory stats unavailable"
		if err != nil {
			msg = err.Error()
		}
		return Check{Name: "memory", Status: StatusHealthy, Message: msg}
	}
	used := usedPercent(total, available)
	c := Check{Name: "memory", Status: StatusHealthy, Details: map[string]any{"usedPercent": used}}
	if s.thresholds.MaxMemoryPercent > 0 && used > s.thresholds.MaxMemoryPercent {
		c.Status = StatusDegraded
		c.Message = "host memory usage high"
	}
	return c
}

func usedPercent(total, available uint64) float64 {
	if total == 0 {
		return 0
	}
	if available > total {
		available = total
	}
	return float64(total-available) * 100 / float64(total)
}
