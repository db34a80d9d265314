package email

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSMTPSender_message(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "mail.example.com", Port: 587, From: "incentived@example.com"})
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	msg := string(s.message("ops@example.com", "[incentived] ledger node degraded", "line one\nline two\n"))

	head, body, ok := strings.Cut(msg, "\r\n\r\n")
	if !ok {
		t.Fatalf("expected a blank line between headers and body: %q", msg)
	}
	for _, want := range []string{
		"To: ops@example.com",
		"Subject: [incentived] ledger node degraded",
		"Date: Sun, 01 Mar 2026 12:00:00 +0000",
		"Auto-Submitted: auto-generated",
		"X-Incentived-Alert: node-health",
	} {
		if !strings.Contains(head, want) {
			t.Errorf("expected header %q in %q", want, head)
		}
	}
	if !strings.Contains(head, "@example.com>") {
		t.Errorf("expected Message-ID in the sender's domain: %q", head)
	}
	if body != "line one\r\nline two\r\n" {
		t.Errorf("expected CRLF body, got %q", body)
	}
}

// fakeRelay accepts one SMTP conversation without STARTTLS or AUTH and
// returns the DATA payload.
func fakeRelay(t *testing.T) (port int, data <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(s string) { conn.Write([]byte(s + "\r\n")) } //nolint:errcheck

		reply("220 relay ready")
		var payload strings.Builder
		inData := false
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if inData {
				if line == ".\r\n" {
					inData = false
					out <- payload.String()
					reply("250 queued")
					continue
				}
				payload.WriteString(line)
				continue
			}
			switch cmd := strings.ToUpper(strings.TrimSpace(line)); {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 relay")
			case cmd == "DATA":
				inData = true
				reply("354 go ahead")
			case cmd == "QUIT":
				reply("221 bye")
				return
			default:
				reply("250 ok")
			}
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, out
}

func TestSMTPSender_Send(t *testing.T) {
	port, data := fakeRelay(t)
	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: port, From: "incentived@example.com"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Send(ctx, "ops@example.com", "[incentived] ledger node recovered", "answering again"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	select {
	case got := <-data:
		if !strings.Contains(got, "Subject: [incentived] ledger node recovered") || !strings.Contains(got, "answering again") {
			t.Errorf("unexpected payload: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not receive DATA")
	}
}

func TestSMTPSender_dialRespectsContext(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "127.0.0.1", Port: 1, From: "incentived@example.com"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Send(ctx, "ops@example.com", "s", "b"); err == nil {
		t.Error("expected an error with a cancelled context")
	}
}

func TestNoopSender_countsSuppressed(t *testing.T) {
	n := NewNoopSender(zap.NewNop())
	for i := 0; i < 3; i++ {
		if err := n.Send(context.Background(), "ops@example.com", "s"+strconv.Itoa(i), "first\nsecond"); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
	}
	if got := n.Suppressed(); got != 3 {
		t.Errorf("expected 3 suppressed alerts, got %d", got)
	}
}
