package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health reports tri-state health: 200 healthy, 206 degraded, 503 unhealthy.
func (h *Handler) Health(c *gin.Context) {
	health := h.monitor.Health(c.Request.Context())
	sendJSON(c, health.Status.HTTPStatus(), health)
}

func (h *Handler) Metrics(c *gin.Context) {
	sendJSON(c, http.StatusOK, h.monitor.Metrics(c.Request.Context()))
}

// Report returns the 24 hour aggregate with the health status code.
func (h *Handler) Report(c *gin.Context) {
	report := h.monitor.Report(c.Request.Context())
	sendJSON(c, report.Health.HTTPStatus(), report)
}
