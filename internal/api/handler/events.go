package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/healthincentive/internal/events"
	"go.uber.org/zap"
)

// EventsHandler exposes contract event notifications.
type EventsHandler struct {
	bridge    *events.Bridge
	keepAlive time.Duration
	logger    *zap.Logger
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(bridge *events.Bridge, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{bridge: bridge, keepAlive: 15 * time.Second, logger: logger}
}

// Register mounts the event routes on the given router group.
func (h *EventsHandler) Register(rg *gin.RouterGroup) {
	e := rg.Group("/events")
	{
		e.GET("/latest", h.Latest)
		e.GET("/stream", h.Stream)
	}
}

// Latest handles GET /events/latest: returns the most recent notification.
func (h *EventsHandler) Latest(c *gin.Context) {
	n, ok := h.bridge.LatestNotification()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, n)
}

// Stream handles GET /events/stream: a Server-Sent Events feed of every
// notification delivered after the client connected.
func (h *EventsHandler) Stream(c *gin.Context) {
	ch, cancel := h.bridge.Listen(16)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	h.logger.Debug("event stream opened", zap.String("client_ip", c.ClientIP()))
	c.Stream(func(w io.Writer) bool {
		select {
		case n, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(n.Name, n)
			return true
		case <-ticker.C:
			c.SSEvent("keepalive", gin.H{"at": time.Now().UTC()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
