package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Node health statuses.
const (
	StatusUnknown  = "unknown"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// BlockReader reads the node's latest block number. ledger.Backend satisfies it.
type BlockReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Status is the last known health of the ledger node.
type Status struct {
	Status    string    `json:"status"`
	LastBlock uint64    `json:"last_block"`
	FailCount int       `json:"fail_count"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// StatusChangeFunc is an optional callback invoked on healthy/degraded transitions.
type StatusChangeFunc func(ctx context.Context, status Status)

// MetricsRecordFunc is an optional callback for recording health check results.
type MetricsRecordFunc func(success bool)

// HealthChecker periodically probes the ledger node.
type HealthChecker struct {
	node      BlockReader
	cfg       Config
	onChange  StatusChangeFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu     sync.Mutex
	status Status
}

// New creates a new HealthChecker.
func New(node BlockReader, cfg Config, logger *zap.Logger) *HealthChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &HealthChecker{
		node:   node,
		cfg:    cfg,
		status: Status{Status: StatusUnknown},
		logger: logger,
	}
}

// SetStatusChange configures the status transition callback.
func (h *HealthChecker) SetStatusChange(fn StatusChangeFunc) {
	h.onChange = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *HealthChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start probes immediately and then every CheckInterval until ctx is done.
func (h *HealthChecker) Start(ctx context.Context) {
	h.Check(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Status returns the result of the most recent probe.
func (h *HealthChecker) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Check probes the node once and returns the updated status.
func (h *HealthChecker) Check(ctx context.Context) Status {
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	block, err := h.node.BlockNumber(probeCtx)
	cancel()

	success := err == nil
	if h.onMetrics != nil {
		h.onMetrics(success)
	}

	h.mu.Lock()
	prev := h.status
	next := prev
	next.CheckedAt = time.Now().UTC()
	if success {
		next.FailCount = 0
		next.LastBlock = block
		next.LastError = ""
		next.Status = StatusHealthy
	} else {
		next.FailCount++
		next.LastError = err.Error()
		if next.FailCount >= h.cfg.FailThreshold {
			next.Status = StatusDegraded
		}
	}
	h.status = next
	h.mu.Unlock()

	switch {
	case success && prev.Status == StatusDegraded:
		// Transition: degraded → healthy
		h.logger.Info("health: ledger node recovered", zap.Uint64("block", block))
		h.notify(ctx, next)
	case success && prev.Status == StatusUnknown:
		h.notify(ctx, next)
	case !success && next.FailCount == h.cfg.FailThreshold:
		// Transition: healthy → degraded (exactly at threshold)
		h.logger.Warn("health: ledger node degraded",
			zap.Int("fail_count", next.FailCount),
			zap.Error(err),
		)
		h.notify(ctx, next)
	case !success:
		h.logger.Debug("health: probe failed", zap.Int("fail_count", next.FailCount), zap.Error(err))
	}
	return next
}

func (h *HealthChecker) notify(ctx context.Context, s Status) {
	if h.onChange != nil {
		h.onChange(ctx, s)
	}
}
