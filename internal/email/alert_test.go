package email

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jmerrifield20/healthincentive/internal/health"
	"go.uber.org/zap"
)

// ── Stubs ─────────────────────────────────────────────────────────────────

type sentMail struct {
	to, subject, body string
}

type stubSender struct {
	sent []sentMail
	err  error
}

func (s *stubSender) Send(_ context.Context, to, subject, body string) error {
	s.sent = append(s.sent, sentMail{to, subject, body})
	return s.err
}

// ── Tests ─────────────────────────────────────────────────────────────────

func TestAlerter_degradedThenRecovered(t *testing.T) {
	sender := &stubSender{}
	a := NewAlerter(sender, []string{"ops@example.com", "oncall@example.com"}, zap.NewNop())
	ctx := context.Background()

	a.NotifyHealth(ctx, health.Status{Status: health.StatusHealthy, LastBlock: 1})
	if len(sender.sent) != 0 {
		t.Fatalf("expected no mail for the first healthy probe, got %d", len(sender.sent))
	}

	a.NotifyHealth(ctx, health.Status{Status: health.StatusDegraded, FailCount: 3, LastError: "connection refused"})
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 mails (one per recipient), got %d", len(sender.sent))
	}
	if !strings.Contains(sender.sent[0].subject, "degraded") || !strings.Contains(sender.sent[0].body, "connection refused") {
		t.Errorf("unexpected degraded mail: %+v", sender.sent[0])
	}

	a.NotifyHealth(ctx, health.Status{Status: health.StatusHealthy, LastBlock: 12})
	if len(sender.sent) != 4 || !strings.Contains(sender.sent[3].subject, "recovered") {
		t.Errorf("expected recovery mails, got %+v", sender.sent)
	}
}

func TestAlerter_sendFailureIsLogged(t *testing.T) {
	sender := &stubSender{err: errors.New("smtp: 421 service not available")}
	a := NewAlerter(sender, []string{"ops@example.com"}, zap.NewNop())

	a.NotifyHealth(context.Background(), health.Status{Status: health.StatusDegraded, FailCount: 3})
	if len(sender.sent) != 1 {
		t.Errorf("expected 1 attempted mail, got %d", len(sender.sent))
	}
}

func TestAlerter_noRecipients(t *testing.T) {
	sender := &stubSender{}
	a := NewAlerter(sender, nil, zap.NewNop())

	a.NotifyHealth(context.Background(), health.Status{Status: health.StatusDegraded})
	if len(sender.sent) != 0 {
		t.Errorf("expected no mail without recipients, got %d", len(sender.sent))
	}
}
