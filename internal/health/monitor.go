package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ncecere/open_model_server/internal/config"
)

// Prober checks the inference backend.
type Prober interface {
	Health(ctx context.Context) error
}

// Reporter receives probe results.
type Reporter interface {
	SetBackendHealthy(healthy bool)
}

// Status is the last observed backend health.
type Status struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Monitor periodically probes the backend and keeps the latest result for /healthz.
type Monitor struct {
	prober    Prober
	reporter  Reporter
	logger    *slog.Logger
	interval  time.Duration
	timeout   time.Duration
	startOnce sync.Once

	mu     sync.RWMutex
	status Status
}

// NewMonitor constructs a monitor using the health configuration.
func NewMonitor(prober Prober, cfg config.HealthConfig, reporter Reporter, logger *slog.Logger) *Monitor {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 || timeout > interval {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		prober:   prober,
		reporter: reporter,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// Start begins the monitoring loop until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil || m.prober == nil {
		return
	}
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

// Status returns the last probe result.
func (m *Monitor) Status() Status {
	if m == nil {
		return Status{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Initial sweep
	m.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes the backend once and records the outcome.
func (m *Monitor) Check(ctx context.Context) Status {
	timeoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Health(timeoutCtx)
	status := Status{Healthy: err == nil, CheckedAt: time.Now().UTC()}
	if err != nil {
		status.Error = err.Error()
	}

	m.mu.Lock()
	previous := m.status
	m.status = status
	m.mu.Unlock()

	if m.reporter != nil {
		m.reporter.SetBackendHealthy(status.Healthy)
	}
	switch {
	case err != nil && (previous.Healthy || previous.CheckedAt.IsZero()):
		m.logger.Warn("inference backend unhealthy", "error", err)
	case err == nil && !previous.Healthy && !previous.CheckedAt.IsZero():
		m.logger.Info("inference backend recovered")
	}
	return status
}
