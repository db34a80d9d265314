// Package webhooks posts signed JSON notifications of contract events and
// ledger node health transitions to configured HTTP endpoints.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/healthincentive/internal/events"
	"github.com/jmerrifield20/healthincentive/internal/health"
	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-HIC-Signature"

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Service dispatches events to the configured subscriptions.
type Service struct {
	subs       []*Subscription
	log        DeliveryLog // nil = attempts are not persisted
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger

	wg sync.WaitGroup

	mu         sync.Mutex
	nodeStatus string
}

// NewService creates a Service for subs. Subscriptions without an id get one.
func NewService(subs []Subscription, logger *zap.Logger) *Service {
	s := &Service{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Retry with exponential backoff: 1s, 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
	}
	for i := range subs {
		sub := subs[i]
		if sub.ID == uuid.Nil {
			sub.ID = uuid.New()
		}
		s.subs = append(s.subs, &sub)
	}
	return s
}

// SetDeliveryLog configures persistence of delivery attempts.
func (s *Service) SetDeliveryLog(l DeliveryLog) {
	s.log = l
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// SetRetryDelays replaces the wait before each attempt. The first delay
// applies to the first attempt and is normally zero.
func (s *Service) SetRetryDelays(delays ...time.Duration) {
	if len(delays) > 0 {
		s.delays = delays
	}
}

// Subscriptions returns the number of configured subscriptions.
func (s *Service) Subscriptions() int { return len(s.subs) }

// Dispatch fans out an event to all matching subscriptions. Deliveries run
// in the background until they succeed, exhaust their retries or ctx ends.
func (s *Service) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	for _, sub := range s.subs {
		if !sub.matches(eventType) {
			continue
		}
		s.wg.Add(1)
		go func(sub *Subscription) {
			defer s.wg.Done()
			s.deliver(ctx, sub, event)
		}(sub)
	}
}

// Wait blocks until every in-flight delivery finished.
func (s *Service) Wait() { s.wg.Wait() }

// NotifyEvent returns an events.DisplayFunc that dispatches bridge
// notifications under their contract event name. Replayed history is not
// dispatched, so a restart does not resend it.
func (s *Service) NotifyEvent(ctx context.Context) events.DisplayFunc {
	return func(n events.Notification) {
		if n.Replayed {
			return
		}
		s.Dispatch(ctx, n.Name, map[string]string{
			"message":      n.Message,
			"block_number": strconv.FormatUint(n.BlockNumber, 10),
			"tx_hash":      n.TxHash.Hex(),
		})
	}
}

// NotifyHealth is a health.StatusChangeFunc that dispatches node
// degraded and recovered transitions. The first healthy probe is not a
// recovery.
func (s *Service) NotifyHealth(ctx context.Context, st health.Status) {
	s.mu.Lock()
	prev := s.nodeStatus
	s.nodeStatus = st.Status
	s.mu.Unlock()

	var eventType string
	switch {
	case st.Status == health.StatusDegraded:
		eventType = EventNodeDegraded
	case st.Status == health.StatusHealthy && prev == health.StatusDegraded:
		eventType = EventNodeRecovered
	default:
		return
	}
	s.Dispatch(context.WithoutCancel(ctx), eventType, map[string]string{
		"status":     st.Status,
		"last_block": strconv.FormatUint(st.LastBlock, 10),
		"fail_count": strconv.Itoa(st.FailCount),
		"last_error": st.LastError,
	})
}

// deliver sends the event to a single subscription with retries.
func (s *Service) deliver(ctx context.Context, sub *Subscription, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	signature := signPayload(body, sub.Secret)

	for attempt := 1; attempt <= len(s.delays); attempt++ {
		if d := s.delays[attempt-1]; d > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}

		success, statusCode, errMsg := s.doDelivery(ctx, sub.URL, body, signature)

		if s.log != nil {
			delivery := &Delivery{
				SubscriptionID: sub.ID,
				EventType:      event.Type,
				StatusCode:     statusCode,
				Attempt:        attempt,
				Success:        success,
				ErrorMessage:   errMsg,
			}
			if recordErr := s.log.RecordDelivery(ctx, delivery, event); recordErr != nil {
				s.logger.Warn("webhook: record delivery", zap.Error(recordErr))
			}
		}

		if s.onMetrics != nil {
			s.onMetrics(success)
		}

		if success {
			return
		}

		s.logger.Warn("webhook: delivery failed",
			zap.String("url", sub.URL),
			zap.String("event", event.Type),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

// signPayload computes an HMAC-SHA256 signature. An empty secret disables signing.
func signPayload(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
// Receivers use it to authenticate deliveries.
func VerifySignature(body []byte, secret, signature string) bool {
	expected := signPayload(body, secret)
	return expected != "" && hmac.Equal([]byte(expected), []byte(signature))
}
