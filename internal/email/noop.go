package email

import (
	"context"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// NoopSender stands in when no SMTP relay is configured: alerts go to the
// log at warn level and are counted.
type NoopSender struct {
	logger     *zap.Logger
	suppressed atomic.Int64
}

// NewNoopSender creates a NoopSender backed by the given logger.
func NewNoopSender(logger *zap.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

// Send logs the alert's subject and first body line and returns nil.
func (n *NoopSender) Send(_ context.Context, to, subject, body string) error {
	summary, _, _ := strings.Cut(body, "\n")
	total := n.suppressed.Add(1)
	n.logger.Warn("alert mail suppressed, email.smtp_host not set",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("summary", summary),
		zap.Int64("suppressed_total", total),
	)
	return nil
}

// Suppressed returns how many alerts were logged instead of sent.
func (n *NoopSender) Suppressed() int64 { return n.suppressed.Load() }
