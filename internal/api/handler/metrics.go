package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	hicRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hic_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	hicRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hic_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	hicHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hic_health_checks_total",
		Help: "Total ledger node probes by result.",
	}, []string{"result"})

	hicJournalEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hic_journal_entries_total",
		Help: "Total receipt journal entries appended.",
	})

	hicEventDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hic_event_deliveries_total",
		Help: "Total contract event deliveries by event and result.",
	}, []string{"event", "result"})

	hicWorkflowOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hic_workflow_operations_total",
		Help: "Total patient workflow operations by operation and result.",
	}, []string{"op", "result"})

	hicWorkflowOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hic_workflow_operation_duration_seconds",
		Help:    "Workflow operation duration in seconds, including transaction confirmation.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"op"})

	hicWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hic_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})

	hicSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hic_sessions_active",
		Help: "Number of live operator sessions.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		hicRequestsTotal.WithLabelValues(method, path, status).Inc()
		hicRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordHealthCheck records a ledger node probe result.
func RecordHealthCheck(success bool) {
	hicHealthChecksTotal.WithLabelValues(result(success)).Inc()
}

// RecordJournalAppend records a receipt journal append.
func RecordJournalAppend() {
	hicJournalEntriesTotal.Inc()
}

// RecordEventDelivery records a contract event delivery attempt.
func RecordEventDelivery(event string, delivered bool) {
	hicEventDeliveriesTotal.WithLabelValues(event, result(delivered)).Inc()
}

// RecordWorkflowOp records a completed workflow operation.
func RecordWorkflowOp(op string, success bool, elapsed time.Duration) {
	hicWorkflowOpsTotal.WithLabelValues(op, result(success)).Inc()
	hicWorkflowOpDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	hicWebhookDeliveriesTotal.WithLabelValues(result(success)).Inc()
}

// SetSessionsGauge sets the live session gauge.
func SetSessionsGauge(count int) {
	hicSessionsActive.Set(float64(count))
}
