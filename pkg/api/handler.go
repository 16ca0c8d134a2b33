package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jdziat/taxsync/pkg/audit"
	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/monitoring"
	"github.com/jdziat/taxsync/pkg/queue"
	"github.com/jdziat/taxsync/pkg/ratecache"
	"github.com/jdziat/taxsync/pkg/scheduler"
	"github.com/jdziat/taxsync/pkg/security"
)

// Queues is the job queue surface used by the handlers.
type Queues interface {
	AddJob(ctx context.Context, name core.QueueName, payload any, opts ...queue.Option) (*core.Job, error)
	GetJob(ctx context.Context, jobID string) (*core.Job, error)
	GetQueueMetrics(ctx context.Context, name core.QueueName) (*queue.Metrics, error)
	GetAllQueueMetrics(ctx context.Context) ([]*queue.Metrics, error)
	GetFailedJobs(ctx context.Context, name core.QueueName, limit int) ([]*core.Job, error)
	RetryFailedJobs(ctx context.Context, name core.QueueName) (int, error)
	PauseQueue(ctx context.Context, name core.QueueName) error
	ResumeQueue(ctx context.Context, name core.QueueName) error
	DrainQueue(ctx context.Context, name core.QueueName) error
}

// RateCache is the rate cache surface used by the handlers.
type RateCache interface {
	Lookup(ctx context.Context, j ratecache.Jurisdiction) (*ratecache.LookupResult, error)
	GetCacheStats(ctx context.Context) *ratecache.Stats
	GetExpiringSoon(ctx context.Context, within time.Duration) ([]ratecache.ExpiringEntry, error)
	InvalidateCache(ctx context.Context, pattern string) (int64, error)
	InvalidateForJurisdiction(ctx context.Context, state, jurisdiction string) (int64, error)
	WarmupCache(ctx context.Context) (*ratecache.WarmupResult, error)
	PreloadFrequentlyAccessedRates(ctx context.Context, limit int) (*ratecache.WarmupResult, error)
}

// Scheduler is the scheduler surface used by the handlers.
type Scheduler interface {
	ManualUpdate(ctx context.Context, req scheduler.ManualUpdateRequest) (*scheduler.UpdateSummary, error)
	GetScheduleStatus() scheduler.Status
	ScheduleCustomUpdate(expr, description string) (string, error)
	RemoveCustomSchedule(id string) (bool, error)
	EnableEmergencyMode(ctx context.Context) error
	DisableEmergencyMode(ctx context.Context) error
}

// AuditLog is the audit surface used by the handlers.
type AuditLog interface {
	LogEvent(ctx context.Context, e *audit.Entry) error
	GetAuditTrail(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
	GetComplianceAlerts(ctx context.Context, f audit.AlertFilter) (*audit.Alerts, error)
	GenerateAuditReport(ctx context.Context, start, end time.Time, state string) (*audit.Report, error)
	ApproveAuditLog(ctx context.Context, id, reviewedBy, notes string) (*audit.Entry, error)
	GetPendingReviews(ctx context.Context, state string) ([]audit.Entry, error)
}

// Monitor is the monitoring surface used by the handlers.
type Monitor interface {
	Health(ctx context.Context) *monitoring.Health
	Metrics(ctx context.Context) *monitoring.Metrics
	Report(ctx context.Context) *monitoring.Report
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Queues    Queues
	Cache     RateCache
	Scheduler Scheduler
	Audit     AuditLog
	Monitor   Monitor
	Logger    *zap.SugaredLogger
}

// Handler serves the operator HTTP API.
type Handler struct {
	queues    Queues
	cache     RateCache
	scheduler Scheduler
	audit     AuditLog
	monitor   Monitor
	logger    *zap.SugaredLogger
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{
		queues:    d.Queues,
		cache:     d.Cache,
		scheduler: d.Scheduler,
		audit:     d.Audit,
		monitor:   d.Monitor,
		logger:    logger.With("component", "api"),
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// System routes
	r.GET("/health", h.Health)
	r.GET("/metrics", h.Metrics)
	r.GET("/report", h.Report)

	// Cache routes
	r.GET("/cache/stats", h.CacheStats)
	r.POST("/cache/invalidate", h.InvalidateCache)
	r.POST("/cache/warmup", h.WarmupCache)
	r.POST("/cache/preload-frequent", h.PreloadFrequent)
	r.GET("/rates/:state", h.LookupRate)

	// Queue routes
	r.GET("/queues", h.ListQueues)
	r.GET("/queues/:name", h.GetQueue)
	r.POST("/queues/:name", h.QueueAction)
	r.GET("/jobs/:id", h.GetJob)

	// Scheduler routes
	r.POST("/manual-update", h.ManualUpdate)
	r.GET("/scheduler-status", h.SchedulerStatus)
	r.POST("/schedule", h.CreateSchedule)
	r.DELETE("/schedule/:taskId", h.DeleteSchedule)
	r.POST("/emergency-mode", h.EnableEmergencyMode)
	r.DELETE("/emergency-mode", h.DisableEmergencyMode)

	// Audit routes
	r.GET("/compliance-alerts", h.ComplianceAlerts)
	r.GET("/audit-trail", h.AuditTrail)
	r.GET("/audit-report", h.AuditReport)
	r.GET("/audit/pending-reviews", h.PendingReviews)
	r.POST("/audit/:id/approve", h.ApproveAudit)
}

// NewRouter builds a gin engine with recovery, request logging and every
// route registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))
	h.RegisterRoutes(r)
	return r
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{core.ErrUnknownQueue, http.StatusNotFound, "UNKNOWN_QUEUE"},
	{core.ErrJobNotFound, http.StatusNotFound, "JOB_NOT_FOUND"},
	{core.ErrScheduleNotFound, http.StatusNotFound, "SCHEDULE_NOT_FOUND"},
	{audit.ErrEntryNotFound, http.StatusNotFound, "AUDIT_ENTRY_NOT_FOUND"},
	{core.ErrInvalidCronExpression, http.StatusBadRequest, "INVALID_CRON_EXPRESSION"},
	{security.ErrInvalidState, http.StatusBadRequest, "INVALID_STATE"},
	{security.ErrInvalidSegment, http.StatusBadRequest, "INVALID_JURISDICTION"},
	{security.ErrInvalidPattern, http.StatusBadRequest, "INVALID_PATTERN"},
	{audit.ErrInvalidEntry, http.StatusBadRequest, "INVALID_ENTRY"},
	{core.ErrUniqueKeyTooLong, http.StatusBadRequest, "INVALID_UNIQUE_KEY"},
	{core.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
	{core.ErrQueueDraining, http.StatusConflict, "QUEUE_DRAINING"},
	{core.ErrDuplicateJob, http.StatusConflict, "DUPLICATE_JOB"},
	{core.ErrSchedulerNotRunning, http.StatusConflict, "SCHEDULER_NOT_RUNNING"},
	{audit.ErrNotPendingReview, http.StatusConflict, "NOT_PENDING_REVIEW"},
	{core.ErrBrokerUnavailable, http.StatusServiceUnavailable, "BROKER_UNAVAILABLE"},
	{core.ErrCacheStoreUnavailable, http.StatusServiceUnavailable, "CACHE_STORE_UNAVAILABLE"},
	{core.ErrUpstreamFetchFailed, http.StatusServiceUnavailable, "UPSTREAM_FETCH_FAILED"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
}

// classify maps an error to its status code and stable error code.
func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// serverMessages replace the error text of 5xx replies, which can carry
// hostnames, DSNs or driver output.
var serverMessages = map[string]string{
	"BROKER_UNAVAILABLE":      "job broker unavailable",
	"CACHE_STORE_UNAVAILABLE": "rate cache store unavailable",
	"UPSTREAM_FETCH_FAILED":   "upstream rate source unavailable",
	"TIMEOUT":                 "request timed out",
}

func (h *Handler) sendError(c *gin.Context, err error) {
	status, code := classify(err)
	msg := security.SanitizeErrorMessage(err.Error())
	switch {
	case status == http.StatusInternalServerError:
		h.logger.Errorw("request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	case status >= http.StatusInternalServerError:
		h.logger.Warnw("request failed", "path", c.FullPath(), "code", code, "error", err)
		msg = serverMessages[code]
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_REQUEST", Message: msg})
}

func sendJSON(c *gin.Context, status int, data any) {
	c.JSON(status, data)
}

func requestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugw("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
