package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jdziat/taxsync/pkg/audit"
)

const defaultReportWindow = 30 * 24 * time.Hour

// queryTime parses an RFC 3339 query parameter. ok is false after a 400
// has been written.
func queryTime(c *gin.Context, name string) (t time.Time, ok bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		badRequest(c, name+" must be an RFC 3339 timestamp")
		return time.Time{}, false
	}
	return t, true
}

func queryInt(c *gin.Context, name string) (n int, ok bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// ComplianceAlerts lists failing or warning checks and critical entries.
func (h *Handler) ComplianceAlerts(c *gin.Context) {
	since, ok := queryTime(c, "since")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	alerts, err := h.audit.GetComplianceAlerts(c.Request.Context(), audit.AlertFilter{
		State:      c.Query("state"),
		BusinessID: c.Query("businessId"),
		Since:      since,
		Limit:      limit,
	})
	if err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, alerts)
}

// AuditTrail lists audit entries, newest first.
func (h *Handler) AuditTrail(c *gin.Context) {
	from, ok := queryTime(c, "from")
	if !ok {
		return
	}
	to, ok := queryTime(c, "to")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset")
	if !ok {
		return
	}
	entries, err := h.audit.GetAuditTrail(c.Request.Context(), audit.Filter{
		State:        c.Query("state"),
		Jurisdiction: c.Query("jurisdiction"),
		Type:         audit.EventType(c.Query("type")),
		Severity:     audit.Severity(c.Query("severity")),
		BusinessID:   c.Query("businessId"),
		ReviewStatus: audit.ReviewStatus(c.Query("reviewStatus")),
		From:         from,
		To:           to,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// AuditReport summarizes audit activity between start and end, defaulting
// to the last 30 days.
func (h *Handler) AuditReport(c *gin.Context) {
	start, ok := queryTime(c, "start")
	if !ok {
		return
	}
	end, ok := queryTime(c, "end")
	if !ok {
		return
	}
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() {
		start = end.Add(-defaultReportWindow)
	}
	if !start.Before(end) {
		badRequest(c, "start must be before end")
		return
	}
	report, err := h.audit.GenerateAuditReport(c.Request.Context(), start, end, c.Query("state"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, report)
}

func (h *Handler) PendingReviews(c *gin.Context) {
	entries, err := h.audit.GetPendingReviews(c.Request.Context(), c.Query("state"))
	if err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type approveRequest struct {
	ReviewedBy string `json:"reviewedBy" binding:"required"`
	Notes      string `json:"notes"`
}

// ApproveAudit marks an entry pending review as approved.
func (h *Handler) ApproveAudit(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	entry, err := h.audit.ApproveAuditLog(c.Request.Context(), c.Param("id"), req.ReviewedBy, req.Notes)
	if err != nil {
		h.sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, entry)
}
