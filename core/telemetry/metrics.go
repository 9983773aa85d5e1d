package telemetry

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the in-process home for counters, histograms, and gauges.
// Each metric is also exported through a matching Prometheus collector so
// counters/histograms/gauges observed here are scrapeable, while the
// in-process copies let callers compute exact percentiles without a
// round-trip through a metrics backend. Collectors are created lazily per
// metric name, so new names don't require new struct fields.
type Registry struct {
	namespace string

	mu         sync.Mutex
	counters   map[string]*counterMetric
	gauges     map[string]*gaugeMetric
	histograms map[string]*histogramMetric
}

// NewRegistry creates a Registry whose Prometheus collectors are namespaced
// under namespace (empty string for no namespace prefix).
func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace:  namespace,
		counters:   make(map[string]*counterMetric),
		gauges:     make(map[string]*gaugeMetric),
		histograms: make(map[string]*histogramMetric),
	}
}

func tagKey(tags map[string]string) (string, []string, []string) {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = tags[n]
	}
	return strings.Join(names, ",") + "|" + strings.Join(values, ","), names, values
}

// ---------------------------------------------------------------------
// Counter: monotonic, tagged
// ---------------------------------------------------------------------

type counterMetric struct {
	vec *prometheus.CounterVec

	mu    sync.Mutex
	total map[string]float64 // per label-combination running total
}

// Inc adds delta (must be >= 0) to the named counter under the given tags.
func (r *Registry) Inc(name string, tags map[string]string, delta float64) {
	if delta < 0 {
		delta = 0
	}
	r.mu.Lock()
	c, ok := r.counters[name]
	if !ok {
		names := sortedKeys(tags)
		c = &counterMetric{
			vec: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: r.namespace, Name: name, Help: name,
			}, names),
			total: make(map[string]float64),
		}
		r.counters[name] = c
	}
	r.mu.Unlock()

	key, names, values := tagKey(tags)
	c.mu.Lock()
	c.total[key] += delta
	c.mu.Unlock()
	if len(names) > 0 {
		c.vec.WithLabelValues(values...).Add(delta)
	} else {
		c.vec.WithLabelValues().Add(delta)
	}
}

// CounterValue returns the in-process running total for name/tags.
func (r *Registry) CounterValue(name string, tags map[string]string) float64 {
	r.mu.Lock()
	c, ok := r.counters[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	key, _, _ := tagKey(tags)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total[key]
}

// ---------------------------------------------------------------------
// Gauge: last-writer-wins
// ---------------------------------------------------------------------

type gaugeMetric struct {
	vec *prometheus.GaugeVec

	mu     sync.Mutex
	values map[string]float64
}

// Set overwrites the named gauge under the given tags.
func (r *Registry) Set(name string, tags map[string]string, value float64) {
	r.mu.Lock()
	g, ok := r.gauges[name]
	if !ok {
		names := sortedKeys(tags)
		g = &gaugeMetric{
			vec: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: r.namespace, Name: name, Help: name,
			}, names),
			values: make(map[string]float64),
		}
		r.gauges[name] = g
	}
	r.mu.Unlock()

	key, _, values := tagKey(tags)
	g.mu.Lock()
	g.values[key] = value
	g.mu.Unlock()
	g.vec.WithLabelValues(values...).Set(value)
}

// GaugeValue returns the last value set for name/tags.
func (r *Registry) GaugeValue(name string, tags map[string]string) float64 {
	r.mu.Lock()
	g, ok := r.gauges[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	key, _, _ := tagKey(tags)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.values[key]
}

// ---------------------------------------------------------------------
// Histogram: percentile via sorted samples
// ---------------------------------------------------------------------

type histogramMetric struct {
	vec *prometheus.HistogramVec

	mu      sync.Mutex
	samples map[string][]float64
}

// Observe records value for the named histogram under the given tags.
func (r *Registry) Observe(name string, tags map[string]string, value float64) {
	r.mu.Lock()
	h, ok := r.histograms[name]
	if !ok {
		names := sortedKeys(tags)
		h = &histogramMetric{
			vec: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: r.namespace, Name: name, Help: name, Buckets: prometheus.DefBuckets,
			}, names),
			samples: make(map[string][]float64),
		}
		r.histograms[name] = h
	}
	r.mu.Unlock()

	key, _, values := tagKey(tags)
	h.mu.Lock()
	h.samples[key] = append(h.samples[key], value)
	h.mu.Unlock()
	h.vec.WithLabelValues(values...).Observe(value)
}

// HistogramSnapshot summarizes the samples recorded for name/tags.
type HistogramSnapshot struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
	P50   float64
	P95   float64
	P99   float64
}

// Snapshot returns count, sum, min, max, and p50/p95/p99 over the samples
// recorded for name/tags so far. A never-observed metric returns the zero
// snapshot.
func (r *Registry) Snapshot(name string, tags map[string]string) HistogramSnapshot {
	r.mu.Lock()
	h, ok := r.histograms[name]
	r.mu.Unlock()
	if !ok {
		return HistogramSnapshot{}
	}
	key, _, _ := tagKey(tags)
	h.mu.Lock()
	samples := append([]float64(nil), h.samples[key]...)
	h.mu.Unlock()

	if len(samples) == 0 {
		return HistogramSnapshot{}
	}
	sort.Float64s(samples)
	snap := HistogramSnapshot{
		Count: len(samples),
		Min:   samples[0],
		Max:   samples[len(samples)-1],
	}
	for _, s := range samples {
		snap.Sum += s
	}
	snap.P50 = percentileOf(samples, 50)
	snap.P95 = percentileOf(samples, 95)
	snap.P99 = percentileOf(samples, 99)
	return snap
}

func percentileOf(sorted []float64, p float64) float64 {
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	idx := int(p / 100 * float64(len(sorted)-1))
	return sorted[idx]
}

// Percentile returns the p-th percentile (0 <= p <= 100) of samples
// recorded for name/tags, computed by sorting a copy of the sample slice.
// Returns 0 if no samples exist.
func (r *Registry) Percentile(name string, tags map[string]string, p float64) float64 {
	r.mu.Lock()
	h, ok := r.histograms[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	key, _, _ := tagKey(tags)
	h.mu.Lock()
	samples := append([]float64(nil), h.samples[key]...)
	h.mu.Unlock()

	if len(samples) == 0 {
		return 0
	}
	sort.Float64s(samples)
	return percentileOf(samples, p)
}

func sortedKeys(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
