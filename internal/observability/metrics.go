package observability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// MetricType identifies the kind of metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// -----------------------------------------------------------------------
// Counter
// -----------------------------------------------------------------------

// Counter is a monotonically increasing value, stored in thousandths so it
// stays lock-free.
type Counter struct {
	name   string
	help   string
	labels map[string]string
	milli  atomic.Int64
}

// Inc adds one.
func (c *Counter) Inc() { c.milli.Add(1000) }

// Add adds delta; negative deltas are ignored.
func (c *Counter) Add(delta float64) {
	if delta <= 0 {
		return
	}
	c.milli.Add(int64(math.Round(delta * 1000)))
}

// Value returns the current count.
func (c *Counter) Value() float64 { return float64(c.milli.Load()) / 1000 }

// -----------------------------------------------------------------------
// Gauge
// -----------------------------------------------------------------------

// Gauge holds a float that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels map[string]string
	bits   atomic.Uint64
}

// Set stores v.
func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

// Add adds delta, which may be negative.
func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Value returns the current value.
func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// -----------------------------------------------------------------------
// Histogram
// -----------------------------------------------------------------------

// Histogram counts observations into cumulative upper-bound buckets.
type Histogram struct {
	name    string
	help    string
	labels  map[string]string
	mu      sync.Mutex
	buckets []float64
	counts  []int64 // counts[i] = observations <= buckets[i]
	sum     float64
	count   int64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Quantile estimates the q-th quantile (0..1) by interpolating inside the
// bucket that holds the target rank.
func (h *Histogram) Quantile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 || q < 0 || q > 1 {
		return 0
	}
	target := q * float64(h.count)
	var lower, below float64
	for i, b := range h.buckets {
		cum := float64(h.counts[i])
		if cum >= target {
			in := cum - below
			if in == 0 {
				return b
			}
			return lower + (target-below)/in*(b-lower)
		}
		lower, below = b, cum
	}
	if n := len(h.buckets); n > 0 {
		return h.buckets[n-1]
	}
	return 0
}

// snapshot copies the bucket state for the exporter.
func (h *Histogram) snapshot() (buckets []float64, counts []int64, sum float64, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.buckets...), append([]int64(nil), h.counts...), h.sum, h.count
}

// -----------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------

// Registry owns every metric of the process. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter returns the named counter, registering it on first use.
func (r *Registry) Counter(name, help string, labels map[string]string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: name, help: help, labels: copyLabels(labels)}
	r.counters[name] = c
	return c
}

// Gauge returns the named gauge, registering it on first use.
func (r *Registry) Gauge(name, help string, labels map[string]string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help, labels: copyLabels(labels)}
	r.gauges[name] = g
	return g
}

// Histogram returns the named histogram, registering it on first use.
func (r *Registry) Histogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	h := &Histogram{
		name:    name,
		help:    help,
		labels:  copyLabels(labels),
		buckets: sorted,
		counts:  make([]int64, len(sorted)),
	}
	r.histograms[name] = h
	return h
}

// Snapshot returns counter and gauge values, plus histogram counts, by name.
func (r *Registry) Snapshot() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.counters)+len(r.gauges)+len(r.histograms))
	for n, c := range r.counters {
		out[n] = c.Value()
	}
	for n, g := range r.gauges {
		out[n] = g.Value()
	}
	for n, h := range r.histograms {
		out[n+"_count"] = float64(h.Count())
	}
	return out
}

// -----------------------------------------------------------------------
// Service metrics
// -----------------------------------------------------------------------

// LatencyBuckets are millisecond bounds for pass and request latencies.
var LatencyBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// Metrics bundles the handles the pipeline, discovery and scoring update.
type Metrics struct {
	Registry *Registry

	AssetPasses    *Counter
	AssetFailures  *Counter
	TradesFetched  *Counter
	TradesInserted *Counter
	AlertsSent     *Counter
	AlertFailures  *Counter
	AssetsSighted  *Counter
	WalletsScored  *Counter
	WalletFailures *Counter
	ScoreCycles    *Counter

	WatchSetSize  *Gauge
	LastCycleSecs *Gauge
	StreamUp      *Gauge
	PassLatency   *Histogram // ms
}

// NewMetrics registers the service metrics in r.
func NewMetrics(r *Registry) *Metrics {
	return &Metrics{
		Registry:       r,
		AssetPasses:    r.Counter("pumpscope_asset_passes_total", "Asset ingestion passes attempted", nil),
		AssetFailures:  r.Counter("pumpscope_asset_failures_total", "Asset ingestion passes abandoned", nil),
		TradesFetched:  r.Counter("pumpscope_trades_fetched_total", "Trades read from the feed", nil),
		TradesInserted: r.Counter("pumpscope_trades_inserted_total", "Trades newly written to the ledger", nil),
		AlertsSent:     r.Counter("pumpscope_alerts_sent_total", "Smart trade alerts delivered", nil),
		AlertFailures:  r.Counter("pumpscope_alert_failures_total", "Smart trade alerts that failed", nil),
		AssetsSighted:  r.Counter("pumpscope_assets_sighted_total", "Assets created on first sighting", nil),
		WalletsScored:  r.Counter("pumpscope_wallets_scored_total", "Wallet scores written", nil),
		WalletFailures: r.Counter("pumpscope_wallet_failures_total", "Wallets skipped in a scoring cycle", nil),
		ScoreCycles:    r.Counter("pumpscope_score_cycles_total", "Scoring cycles completed", nil),
		WatchSetSize:   r.Gauge("pumpscope_watch_set_size", "Wallets in the current watch set", nil),
		LastCycleSecs:  r.Gauge("pumpscope_score_cycle_seconds", "Duration of the last scoring cycle", nil),
		StreamUp:       r.Gauge("pumpscope_stream_connected", "1 while the new-token stream is connected", nil),
		PassLatency:    r.Histogram("pumpscope_asset_pass_ms", "Asset pass latency in milliseconds", nil, LatencyBuckets),
	}
}

func copyLabels(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
