package observability

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// PrometheusExporter serves a Registry in the Prometheus text format at
// /metrics.
type PrometheusExporter struct {
	registry *Registry
}

// NewPrometheusExporter creates an exporter for registry.
func NewPrometheusExporter(registry *Registry) *PrometheusExporter {
	return &PrometheusExporter{registry: registry}
}

// ServeHTTP implements http.Handler.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(e.Format()))
}

// Format renders every metric:
//
//	# HELP <name> <help>
//	# TYPE <name> <type>
//	<name>{labels} <value>
func (e *PrometheusExporter) Format() string {
	var b strings.Builder
	r := e.registry

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		header(&b, c.name, c.help, MetricCounter)
		fmt.Fprintf(&b, "%s%s %s\n\n", c.name, formatLabels(c.labels), formatFloat(c.Value()))
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		header(&b, g.name, g.help, MetricGauge)
		fmt.Fprintf(&b, "%s%s %s\n\n", g.name, formatLabels(g.labels), formatFloat(g.Value()))
	}
	for _, name := range sortedKeys(r.histograms) {
		h := r.histograms[name]
		buckets, counts, sum, count := h.snapshot()
		header(&b, h.name, h.help, MetricHistogram)
		for i, bound := range buckets {
			fmt.Fprintf(&b, "%s_bucket%s %d\n", h.name, withLabel(h.labels, "le", formatFloat(bound)), counts[i])
		}
		fmt.Fprintf(&b, "%s_bucket%s %d\n", h.name, withLabel(h.labels, "le", "+Inf"), count)
		fmt.Fprintf(&b, "%s_sum%s %s\n", h.name, formatLabels(h.labels), formatFloat(sum))
		fmt.Fprintf(&b, "%s_count%s %d\n\n", h.name, formatLabels(h.labels), count)
	}
	return b.String()
}

func header(b *strings.Builder, name, help string, t MetricType) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, t)
}

// formatLabels renders {k1="v1",k2="v2"} with sorted keys, or "" when empty.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func withLabel(base map[string]string, key, value string) string {
	merged := copyLabels(base)
	if merged == nil {
		merged = make(map[string]string, 1)
	}
	merged[key] = value
	return formatLabels(merged)
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
