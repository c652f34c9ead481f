package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------
// Metric types
// -----------------------------------------------------------------------

func TestCounter_IncAndAdd(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("test_total", "test", nil)
	c.Inc()
	c.Add(2.5)
	c.Add(-10)
	assert.InDelta(t, 3.5, c.Value(), 1e-9)
}

func TestCounter_Concurrent(t *testing.T) {
	c := NewRegistry().Counter("concurrent_total", "test", nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5000.0, c.Value())
}

func TestGauge_SetAndAdd(t *testing.T) {
	g := NewRegistry().Gauge("g", "test", nil)
	g.Set(10)
	g.Add(-2.5)
	assert.InDelta(t, 7.5, g.Value(), 1e-9)
}

func TestHistogram_Quantile(t *testing.T) {
	h := NewRegistry().Histogram("h", "test", nil, []float64{100, 10, 50})
	assert.Zero(t, h.Quantile(0.5))

	h.Observe(5)
	h.Observe(20)
	h.Observe(70)
	assert.Equal(t, int64(3), h.Count())
	assert.InDelta(t, 30, h.Quantile(0.5), 1e-9)
	assert.Equal(t, 100.0, h.Quantile(1))
	assert.Zero(t, h.Quantile(1.5))

	h.Observe(1000)
	assert.Equal(t, 100.0, h.Quantile(1), "overflow clamps to the last bound")
}

func TestRegistry_GetOrRegister(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("same", "first", nil)
	b := r.Counter("same", "second", nil)
	assert.Same(t, a, b)

	a.Inc()
	r.Gauge("g", "", nil).Set(4)
	r.Histogram("h", "", nil, LatencyBuckets).Observe(12)

	snap := r.Snapshot()
	assert.Equal(t, 1.0, snap["same"])
	assert.Equal(t, 4.0, snap["g"])
	assert.Equal(t, 1.0, snap["h_count"])
}

func TestNewMetrics_SharedRegistry(t *testing.T) {
	r := NewRegistry()
	m1 := NewMetrics(r)
	m2 := NewMetrics(r)
	m1.AssetPasses.Inc()
	m2.AssetPasses.Inc()
	assert.Equal(t, 2.0, r.Snapshot()["pumpscope_asset_passes_total"])
}

// -----------------------------------------------------------------------
// Exporter
// -----------------------------------------------------------------------

func TestPrometheusExporter_Format(t *testing.T) {
	r := NewRegistry()
	r.Counter("a_total", "A things", map[string]string{"mode": "new"}).Add(3)
	r.Gauge("b_gauge", "B level", nil).Set(1.5)
	h := r.Histogram("c_ms", "C latency", nil, []float64{10, 50})
	h.Observe(5)
	h.Observe(20)
	h.Observe(90)

	out := NewPrometheusExporter(r).Format()

	assert.Contains(t, out, "# HELP a_total A things\n# TYPE a_total counter\n")
	assert.Contains(t, out, `a_total{mode="new"} 3`)
	assert.Contains(t, out, "# TYPE b_gauge gauge\n")
	assert.Contains(t, out, "b_gauge 1.5\n")
	assert.Contains(t, out, `c_ms_bucket{le="10"} 1`)
	assert.Contains(t, out, `c_ms_bucket{le="50"} 2`)
	assert.Contains(t, out, `c_ms_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "c_ms_sum 115\n")
	assert.Contains(t, out, "c_ms_count 3\n")
}

func TestPrometheusExporter_ServeHTTP(t *testing.T) {
	r := NewRegistry()
	NewMetrics(r).TradesInserted.Add(7)

	rec := httptest.NewRecorder()
	NewPrometheusExporter(r).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, rec.Body.String(), "pumpscope_trades_inserted_total 7")
}

// -----------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------

func TestHealthMonitor_Aggregate(t *testing.T) {
	tests := []struct {
		name     string
		statuses []ComponentStatus
		want     ComponentStatus
	}{
		{"none", nil, StatusHealthy},
		{"all healthy", []ComponentStatus{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []ComponentStatus{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"worst wins", []ComponentStatus{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon := NewHealthMonitor(time.Second)
			for i, s := range tt.statuses {
				s := s
				mon.Register(string(rune('a'+i)), func(context.Context) ComponentHealth {
					return ComponentHealth{Status: s}
				})
			}
			h := mon.Check(context.Background())
			assert.Equal(t, tt.want, h.Status)
			assert.Len(t, h.Components, len(tt.statuses))
		})
	}
}

func TestPingAndFlagChecks(t *testing.T) {
	up := false
	mon := NewHealthMonitor(time.Second)
	mon.Register("ledger", PingCheck(time.Second, func(context.Context) error { return nil }))
	mon.Register("stream", FlagCheck(func() bool { return up }, "reconnecting"))

	h := mon.Check(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, "reconnecting", h.Components["stream"].Message)
	assert.Equal(t, "ledger", h.Components["ledger"].Name)

	up = true
	assert.Equal(t, StatusHealthy, mon.Check(context.Background()).Status)

	mon.Register("ledger", PingCheck(time.Second, func(context.Context) error { return errors.New("dial tcp: refused") }))
	h = mon.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Contains(t, h.Components["ledger"].Message, "refused")
}

func TestHealthMonitor_ServeHTTP(t *testing.T) {
	mon := NewHealthMonitor(time.Second)
	healthy := true
	mon.Register("ledger", PingCheck(time.Second, func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("down")
	}))

	rec := httptest.NewRecorder()
	mon.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusHealthy, body.Status)

	healthy = false
	rec = httptest.NewRecorder()
	mon.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthMonitor_StartStops(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	mon := NewHealthMonitor(10 * time.Millisecond)
	mon.Register("tick", func(context.Context) ComponentHealth {
		mu.Lock()
		calls++
		mu.Unlock()
		return ComponentHealth{Status: StatusHealthy}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		mon.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2)
}
