package email

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/healthincentive/internal/health"
	"go.uber.org/zap"
)

// Alerter mails the operator when the ledger node degrades or recovers.
type Alerter struct {
	sender  EmailSender
	to      []string
	timeout time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	last string
}

// NewAlerter creates an Alerter sending to every address in to.
func NewAlerter(sender EmailSender, to []string, logger *zap.Logger) *Alerter {
	return &Alerter{sender: sender, to: to, timeout: 30 * time.Second, logger: logger}
}

// NotifyHealth is a health.StatusChangeFunc. Send failures are logged and
// never block the checker for longer than the send timeout.
func (a *Alerter) NotifyHealth(ctx context.Context, st health.Status) {
	a.mu.Lock()
	prev := a.last
	a.last = st.Status
	a.mu.Unlock()

	subject, body, ok := healthMessage(prev, st)
	if !ok || len(a.to) == 0 {
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()
	for _, to := range a.to {
		if err := a.sender.Send(sendCtx, to, subject, body); err != nil {
			a.logger.Warn("alert email failed", zap.String("to", to), zap.Error(err))
		}
	}
}

// healthMessage renders the alert for a transition from prev to st.
// The first healthy probe is not a recovery.
func healthMessage(prev string, st health.Status) (subject, body string, ok bool) {
	var b strings.Builder
	switch {
	case st.Status == health.StatusDegraded:
		subject = "[incentived] ledger node degraded"
		fmt.Fprintf(&b, "The ledger node failed %d consecutive probes.\n\n", st.FailCount)
		fmt.Fprintf(&b, "Last error: %s\n", st.LastError)
		fmt.Fprintf(&b, "Last block seen: %d\n", st.LastBlock)
	case st.Status == health.StatusHealthy && prev == health.StatusDegraded:
		subject = "[incentived] ledger node recovered"
		fmt.Fprintf(&b, "The ledger node is answering again at block %d.\n", st.LastBlock)
	default:
		return "", "", false
	}
	fmt.Fprintf(&b, "Checked at: %s\n", st.CheckedAt.Format(time.RFC3339))
	return subject, b.String(), true
}
