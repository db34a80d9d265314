package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

// stubNode fails the first failures probes, then reports block.
type stubNode struct {
	mu       sync.Mutex
	failures int
	block    uint64
	calls    int
}

func (s *stubNode) BlockNumber(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return 0, errors.New("connection refused")
	}
	return s.block, nil
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheck_success(t *testing.T) {
	checker := New(&stubNode{block: 42}, Config{}, zap.NewNop())

	s := checker.Check(context.Background())
	if s.Status != StatusHealthy || s.LastBlock != 42 {
		t.Errorf("expected healthy at block 42, got %+v", s)
	}
}

func TestCheck_degradesAfterThreshold(t *testing.T) {
	node := &stubNode{failures: 10}
	checker := New(node, Config{FailThreshold: 3}, zap.NewNop())

	var changes []string
	checker.SetStatusChange(func(_ context.Context, s Status) { changes = append(changes, s.Status) })

	for i := 0; i < 2; i++ {
		checker.Check(context.Background())
	}
	if checker.Status().Status == StatusDegraded {
		t.Fatal("degraded before reaching the threshold")
	}

	checker.Check(context.Background())
	checker.Check(context.Background())

	if s := checker.Status(); s.Status != StatusDegraded || s.FailCount != 4 {
		t.Errorf("expected degraded with 4 failures, got %+v", s)
	}
	if len(changes) != 1 || changes[0] != StatusDegraded {
		t.Errorf("expected one degraded transition, got %v", changes)
	}
}

func TestCheck_recoversOnSuccess(t *testing.T) {
	node := &stubNode{failures: 3, block: 7}
	checker := New(node, Config{FailThreshold: 3}, zap.NewNop())

	var results []bool
	checker.SetMetricsRecord(func(ok bool) { results = append(results, ok) })

	// Fail 3 times, then succeed.
	for i := 0; i < 4; i++ {
		checker.Check(context.Background())
	}

	if s := checker.Status(); s.Status != StatusHealthy || s.FailCount != 0 || s.LastError != "" {
		t.Errorf("expected healthy after recovery, got %+v", s)
	}
	if len(results) != 4 || results[2] || !results[3] {
		t.Errorf("unexpected metrics %v", results)
	}
}

func TestStart_stopsOnCancel(t *testing.T) {
	node := &stubNode{block: 1}
	checker := New(node, Config{CheckInterval: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if checker.Status().Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", checker.Status().Status)
	}
}
