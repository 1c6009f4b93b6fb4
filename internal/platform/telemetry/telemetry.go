// Package telemetry keeps in-process metrics and serves them in the
// Prometheus text exposition format at /metrics.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sultanranait/Claraly/internal/platform/capture"
)

const labelSep = "\x1f"

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled vectors
// ---------------------------------------------------------------------------

type CounterVec struct {
	name   string
	help   string
	labels []string

	mu    sync.RWMutex
	items map[string]*int64
}

// Inc adds one to the series identified by values, which must match the
// vector's label names in order.
func (v *CounterVec) Inc(values ...string) {
	v.Add(1, values...)
}

func (v *CounterVec) Add(n int64, values ...string) {
	key := strings.Join(values, labelSep)

	v.mu.RLock()
	p, ok := v.items[key]
	v.mu.RUnlock()
	if !ok {
		v.mu.Lock()
		if p, ok = v.items[key]; !ok {
			p = new(int64)
			v.items[key] = p
		}
		v.mu.Unlock()
	}
	atomic.AddInt64(p, n)
}

func (v *CounterVec) Get(values ...string) int64 {
	v.mu.RLock()
	p, ok := v.items[strings.Join(values, labelSep)]
	v.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (v *CounterVec) snapshot() map[string]int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cp := make(map[string]int64, len(v.items))
	for k, p := range v.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

type HistogramVec struct {
	name       string
	help       string
	labels     []string
	boundaries []float64

	mu    sync.RWMutex
	items map[string]*histogram
}

func (v *HistogramVec) Observe(value float64, values ...string) {
	key := strings.Join(values, labelSep)

	v.mu.RLock()
	h, ok := v.items[key]
	v.mu.RUnlock()
	if !ok {
		v.mu.Lock()
		if h, ok = v.items[key]; !ok {
			h = newHistogram(v.boundaries)
			v.items[key] = h
		}
		v.mu.Unlock()
	}
	h.Observe(value)
}

func (v *HistogramVec) Count(values ...string) int64 {
	v.mu.RLock()
	h, ok := v.items[strings.Join(values, labelSep)]
	v.mu.RUnlock()
	if !ok {
		return 0
	}
	return h.Count()
}

func (v *HistogramVec) snapshot() map[string]*histogram {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cp := make(map[string]*histogram, len(v.items))
	for k, h := range v.items {
		cp[k] = h
	}
	return cp
}

type gaugeFunc struct {
	name string
	help string
	fn   func() float64
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

type Provider struct {
	mu         sync.RWMutex
	counters   []*CounterVec
	histograms []*HistogramVec
	gauges     []gaugeFunc

	activeRequests int64

	requestDuration *HistogramVec
	captured        *CounterVec
}

func NewProvider() *Provider {
	p := &Provider{}
	p.requestDuration = p.Histogram("http_server_request_duration_seconds",
		"Duration of HTTP requests in seconds.", defaultDurationBuckets, "method", "route", "status_code")
	p.captured = p.Counter("errors_captured_total",
		"Errors handed to the error sink, by operation.", "operation")
	p.GaugeFunc("http_server_active_requests", "Number of in-flight HTTP requests.", func() float64 {
		return float64(atomic.LoadInt64(&p.activeRequests))
	})
	return p
}

// Counter registers a counter vector.
func (p *Provider) Counter(name, help string, labels ...string) *CounterVec {
	v := &CounterVec{name: name, help: help, labels: labels, items: make(map[string]*int64)}
	p.mu.Lock()
	p.counters = append(p.counters, v)
	p.mu.Unlock()
	return v
}

func (p *Provider) Histogram(name, help string, boundaries []float64, labels ...string) *HistogramVec {
	v := &HistogramVec{name: name, help: help, labels: labels, boundaries: boundaries, items: make(map[string]*histogram)}
	p.mu.Lock()
	p.histograms = append(p.histograms, v)
	p.mu.Unlock()
	return v
}

// GaugeFunc registers a gauge sampled at scrape time.
func (p *Provider) GaugeFunc(name, help string, fn func() float64) {
	p.mu.Lock()
	p.gauges = append(p.gauges, gaugeFunc{name: name, help: help, fn: fn})
	p.mu.Unlock()
}

// Reporter wraps next so every captured error is also counted under
// errors_captured_total.
func (p *Provider) Reporter(next capture.Reporter) capture.Reporter {
	next = capture.OrNop(next)
	return capture.ReporterFunc(func(ctx context.Context, err error, cc capture.Context) {
		p.captured.Inc(cc.Operation)
		next.Capture(ctx, err, cc)
	})
}

func (p *Provider) CapturedErrors(operation string) int64 {
	return p.captured.Get(operation)
}

// ---------------------------------------------------------------------------
// Middleware and exposition
// ---------------------------------------------------------------------------

func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.activeRequests, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&p.activeRequests, -1)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			p.requestDuration.Observe(time.Since(start).Seconds(),
				c.Request().Method, route, strconv.Itoa(status))
			return err
		}
	}
}

func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(p.Render()))
	}
}

// Render writes every registered metric with series sorted by labels.
func (p *Provider) Render() string {
	p.mu.RLock()
	counters := append([]*CounterVec(nil), p.counters...)
	histograms := append([]*HistogramVec(nil), p.histograms...)
	gauges := append([]gaugeFunc(nil), p.gauges...)
	p.mu.RUnlock()

	var b strings.Builder
	for _, v := range counters {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n", v.name, v.help, v.name)
		snap := v.snapshot()
		for _, key := range sortedKeys(snap) {
			fmt.Fprintf(&b, "%s%s %d\n", v.name, formatLabels(v.labels, key, ""), snap[key])
		}
		b.WriteByte('\n')
	}
	for _, v := range histograms {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s histogram\n", v.name, v.help, v.name)
		snap := v.snapshot()
		for _, key := range sortedKeys(snap) {
			writeHistogram(&b, v, key, snap[key])
		}
		b.WriteByte('\n')
	}
	for _, g := range gauges {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n\n", g.name, g.help, g.name, g.name, g.fn())
	}
	return b.String()
}

func writeHistogram(b *strings.Builder, v *HistogramVec, key string, h *histogram) {
	cum := h.cumulativeBuckets()
	for i, boundary := range v.boundaries {
		le := strconv.FormatFloat(boundary, 'g', -1, 64)
		fmt.Fprintf(b, "%s_bucket%s %d\n", v.name, formatLabels(v.labels, key, le), cum[i])
	}
	fmt.Fprintf(b, "%s_bucket%s %d\n", v.name, formatLabels(v.labels, key, "+Inf"), h.Count())
	fmt.Fprintf(b, "%s_sum%s %g\n", v.name, formatLabels(v.labels, key, ""), h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", v.name, formatLabels(v.labels, key, ""), h.Count())
}

func formatLabels(names []string, key, le string) string {
	var parts []string
	if len(names) > 0 {
		values := strings.Split(key, labelSep)
		for i, name := range names {
			val := ""
			if i < len(values) {
				val = values[i]
			}
			parts = append(parts, fmt.Sprintf("%s=%q", name, val))
		}
	}
	if le != "" {
		parts = append(parts, fmt.Sprintf("le=%q", le))
	}
	if len(parts) == 0 {
		return ""
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
