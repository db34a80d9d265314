package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/healthincentive/internal/events"
	"github.com/jmerrifield20/healthincentive/internal/health"
)

// HealthHandler serves the daemon's health endpoint.
type HealthHandler struct {
	checker *health.HealthChecker
	bridge  *events.Bridge // nil = subscriptions not reported
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(checker *health.HealthChecker, bridge *events.Bridge) *HealthHandler {
	return &HealthHandler{checker: checker, bridge: bridge}
}

// Healthz handles GET /healthz. It reports 503 while the ledger node is degraded.
func (h *HealthHandler) Healthz(c *gin.Context) {
	s := h.checker.Status()

	body := gin.H{
		"status": s.Status,
		"node":   s,
	}
	if h.bridge != nil {
		subs := gin.H{}
		for _, k := range events.Kinds() {
			subs[k.EventName()] = h.bridge.Active(k)
		}
		body["subscriptions"] = subs
		body["delivery_failures"] = h.bridge.Failures()
	}

	status := http.StatusOK
	if s.Status == health.StatusDegraded {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}
