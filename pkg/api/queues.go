package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/queue"
)

const failedJobsLimit = 20

// jobView is the JSON form of a job.
type jobView struct {
	ID          string          `json:"id"`
	Queue       core.QueueName  `json:"queue"`
	Status      core.JobStatus  `json:"status"`
	Priority    core.Priority   `json:"priority"`
	Attempt     int             `json:"attempt"`
	MaxRetries  int             `json:"maxRetries"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedBy   string          `json:"createdBy,omitempty"`
	BusinessID  string          `json:"businessId,omitempty"`
	RunAt       *time.Time      `json:"runAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

func newJobView(j *core.Job) jobView {
	v := jobView{
		ID:          j.ID,
		Queue:       j.Queue,
		Status:      j.Status,
		Priority:    j.Priority,
		Attempt:     j.Attempt,
		MaxRetries:  j.MaxRetries,
		LastError:   j.LastError,
		CreatedBy:   j.CreatedBy,
		BusinessID:  j.BusinessID,
		RunAt:       j.RunAt,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
	if json.Valid(j.Payload) {
		v.Payload = j.Payload
	}
	if json.Valid(j.Result) {
		v.Result = j.Result
	}
	return v
}

// ListQueues returns metrics for every known queue.
func (h *Handler) ListQueues(c *gin.Context) {
	metrics, err := h.queues.GetAllQueueMetrics(c.Request.Context())
	if err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, metrics)
}

type queueDetail struct {
	*queue.Metrics
	FailedJobs []jobView `json:"failedJobs"`
}

// GetQueue returns one queue's metrics and its most recent failures.
func (h *Handler) GetQueue(c *gin.Context) {
	name, err := core.ParseQueueName(c.Param("name"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	ctx := c.Request.Context()
	metrics, err := h.queues.GetQueueMetrics(ctx, name)
	if err != nil {
		h.sendError(c, err)
		return
	}
	failed, err := h.queues.GetFailedJobs(ctx, name, failedJobsLimit)
	if err != nil {
		h.sendError(c, err)
		return
	}
	resp := queueDetail{Metrics: metrics, FailedJobs: make([]jobView, 0, len(failed))}
	for _, j := range failed {
		resp.FailedJobs = append(resp.FailedJobs, newJobView(j))
	}
	sendJSON(c, http.StatusOK, resp)
}

type queueActionRequest struct {
	Action       string          `json:"action" binding:"required"`
	Payload      json.RawMessage `json:"payload"`
	Priority     string          `json:"priority"`
	DelaySeconds int             `json:"delaySeconds"`
	MaxRetries   *int            `json:"maxRetries"`
	UniqueKey    string          `json:"uniqueKey"`
	CreatedBy    string          `json:"createdBy"`
	BusinessID   string          `json:"businessId"`
}

// QueueAction runs pause, resume, drain, retry-failed or add on a queue.
func (h *Handler) QueueAction(c *gin.Context) {
	name, err := core.ParseQueueName(c.Param("name"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	var req queueActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	switch req.Action {
	case "pause":
		err = h.queues.PauseQueue(ctx, name)
	case "resume":
		err = h.queues.ResumeQueue(ctx, name)
	case "drain":
		err = h.queues.DrainQueue(ctx, name)
	case "retry-failed":
		var n int
		if n, err = h.queues.RetryFailedJobs(ctx, name); err == nil {
			sendJSON(c, http.StatusOK, gin.H{"queue": name, "action": req.Action, "retried": n})
			return
		}
	case "add":
		h.addJob(c, name, req)
		return
	default:
		badRequest(c, "unknown action "+req.Action)
		return
	}
	if err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, gin.H{"queue": name, "action": req.Action})
}

func (h *Handler) addJob(c *gin.Context, name core.QueueName, req queueActionRequest) {
	priority, err := core.ParsePriority(req.Priority)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.DelaySeconds < 0 {
		badRequest(c, "delaySeconds must not be negative")
		return
	}
	opts := []queue.Option{queue.WithPriority(priority)}
	if req.DelaySeconds > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(req.DelaySeconds)*time.Second))
	}
	if req.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}
	if req.UniqueKey != "" {
		opts = append(opts, queue.WithUniqueKey(req.UniqueKey))
	}
	if req.CreatedBy != "" {
		opts = append(opts, queue.WithCreatedBy(req.CreatedBy))
	}
	if req.BusinessID != "" {
		opts = append(opts, queue.WithBusinessID(req.BusinessID))
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	job, err := h.queues.AddJob(c.Request.Context(), name, payload, opts...)
	if err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusAccepted, newJobView(job))
}

// GetJob returns one job.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.queues.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, newJobView(job))
}
