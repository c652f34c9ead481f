package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus is the health of one component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

func (s ComponentStatus) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the result of one probe.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Latency     time.Duration   `json:"latency_ns"`
}

// SystemHealth is the worst component status plus every component result.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     time.Duration              `json:"uptime_ns"`
}

// PingCheck reports unhealthy when ping fails, e.g. a ledger session.
func PingCheck(timeout time.Duration, ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// FlagCheck reports degraded while up returns false, e.g. a reconnecting
// websocket.
func FlagCheck(up func() bool, downMsg string) HealthCheck {
	return func(context.Context) ComponentHealth {
		if up() {
			return ComponentHealth{Status: StatusHealthy}
		}
		return ComponentHealth{Status: StatusDegraded, Message: downMsg}
	}
}

// HealthMonitor runs registered checks periodically and on demand.
type HealthMonitor struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	results   map[string]ComponentHealth
	startTime time.Time
	interval  time.Duration
}

// NewHealthMonitor creates a monitor that re-checks every interval.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HealthMonitor{
		checks:    make(map[string]HealthCheck),
		results:   make(map[string]ComponentHealth),
		startTime: time.Now(),
		interval:  interval,
	}
}

// Register adds a named check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Start checks every interval until ctx is cancelled.
func (m *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.runChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

// Check runs every check now and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.snapshot()
}

// ServeHTTP answers /health: 200 unless a component is unhealthy.
func (m *HealthMonitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := m.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if h.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

func (m *HealthMonitor) runChecks(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(checks))
	for name, fn := range checks {
		start := time.Now()
		res := fn(ctx)
		res.Name = name
		res.LastChecked = time.Now()
		res.Latency = time.Since(start)
		results[name] = res
	}

	m.mu.Lock()
	prev := m.results
	m.results = results
	m.mu.Unlock()

	for name, cur := range results {
		if old, ok := prev[name]; ok && old.Status == cur.Status {
			continue
		}
		ev := log.Info()
		switch cur.Status {
		case StatusUnhealthy:
			ev = log.Error()
		case StatusDegraded:
			ev = log.Warn()
		}
		ev.Str("component", name).Str("status", string(cur.Status)).Str("message", cur.Message).Msg("health: status changed")
	}
}

func (m *HealthMonitor) snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := SystemHealth{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth, len(m.results)),
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime),
	}
	for name, h := range m.results {
		out.Components[name] = h
		if h.Status.severity() > out.Status.severity() {
			out.Status = h.Status
		}
	}
	return out
}
