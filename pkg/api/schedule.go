package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jdziat/taxsync/pkg/scheduler"
)

// ManualUpdate runs an update immediately and blocks until it finishes.
func (h *Handler) ManualUpdate(c *gin.Context) {
	var req scheduler.ManualUpdateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	sum, err := h.scheduler.ManualUpdate(c.Request.Context(), req)
	if err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, sum)
}

func (h *Handler) SchedulerStatus(c *gin.Context) {
	sendJSON(c, http.StatusOK, h.scheduler.GetScheduleStatus())
}

type createScheduleRequest struct {
	CronExpression string `json:"cronExpression"`
	// Cron is accepted as a shorter alias of cronExpression.
	Cron           string `json:"cron"`
	Description    string `json:"description"`
}

// CreateSchedule adds a custom update schedule.
func (h *Handler) CreateSchedule(c *gin.Context) {
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	expr := req.CronExpression
	if expr == "" {
		expr = req.Cron
	}
	if expr == "" {
		badRequest(c, "cronExpression is required")
		return
	}
	id, err := h.scheduler.ScheduleCustomUpdate(expr, req.Description)
	if err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusCreated, gin.H{"taskId": id, "cronExpression": expr})
}

// DeleteSchedule removes a custom schedule. Built-in schedules are reported
// with removed=false.
func (h *Handler) DeleteSchedule(c *gin.Context) {
	id := c.Param("taskId")
	removed, err := h.scheduler.RemoveCustomSchedule(id)
	if err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, gin.H{"taskId": id, "removed": removed})
}

func (h *Handler) EnableEmergencyMode(c *gin.Context) {
	if err := h.scheduler.EnableEmergencyMode(c.Request.Context()); err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, h.scheduler.GetScheduleStatus())
}

func (h *Handler) DisableEmergencyMode(c *gin.Context) {
	if err := h.scheduler.DisableEmergencyMode(c.Request.Context()); err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, h.scheduler.GetScheduleStatus())
}
