// Package metrics exposes service counters in the Prometheus text format.
//
// HTTP traffic is tracked per normalized endpoint; everything else (job,
// acquisition and sweep counters, registry gauges) goes through the named
// counter and gauge helpers so packages can depend on a one-method interface.
package metrics

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const namespace = "spotidown"

// latencyBuckets are upper bounds in seconds. Conversions run on the request
// goroutine, so the tail reaches well past typical API latencies.
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

type endpointKey struct {
	endpoint string
	method   string
}

type statusKey struct {
	endpointKey
	class int
}

// Histogram is a cumulative latency histogram.
type Histogram struct {
	mu     sync.Mutex
	count  uint64
	sum    float64
	counts []uint64
}

func NewHistogram() *Histogram {
	return &Histogram{counts: make([]uint64, len(latencyBuckets))}
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range latencyBuckets {
		if v <= le {
			h.counts[i]++
		}
	}
}

type Metrics struct {
	mu       sync.RWMutex
	requests map[endpointKey]*atomic.Uint64
	latency  map[endpointKey]*Histogram
	errors   map[statusKey]*atomic.Uint64
	counters map[string]*atomic.Uint64
	gauges   map[string]float64

	wsConnections atomic.Int64
	startTime     time.Time
}

func New() *Metrics {
	return &Metrics{
		requests:  make(map[endpointKey]*atomic.Uint64),
		latency:   make(map[endpointKey]*Histogram),
		errors:    make(map[statusKey]*atomic.Uint64),
		counters:  make(map[string]*atomic.Uint64),
		gauges:    make(map[string]float64),
		startTime: time.Now(),
	}
}

var defaultMetrics = New()

// Default returns the process-wide instance served on /metrics.
func Default() *Metrics {
	return defaultMetrics
}

// lookup returns the entry for k, creating it with mk under the write lock.
func lookup[K comparable, V any](mu *sync.RWMutex, m map[K]*V, k K, mk func() *V) *V {
	mu.RLock()
	v := m[k]
	mu.RUnlock()
	if v != nil {
		return v
	}
	mu.Lock()
	defer mu.Unlock()
	if v = m[k]; v == nil {
		v = mk()
		m[k] = v
	}
	return v
}

func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	key := endpointKey{endpoint: normalizeEndpoint(path), method: method}

	lookup(&m.mu, m.requests, key, newCounter).Add(1)
	lookup(&m.mu, m.latency, key, NewHistogram).Observe(duration.Seconds())
	if statusCode >= 400 {
		lookup(&m.mu, m.errors, statusKey{key, statusCode / 100}, newCounter).Add(1)
	}
}

func newCounter() *atomic.Uint64 { return new(atomic.Uint64) }

// normalizeEndpoint collapses job and artifact ids so each route is one series.
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if isID(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isID(s string) bool {
	if len(s) == 36 && strings.Count(s, "-") == 4 {
		return true
	}
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (m *Metrics) IncWSConnections() { m.wsConnections.Add(1) }

func (m *Metrics) DecWSConnections() { m.wsConnections.Add(-1) }

func (m *Metrics) SetGauge(name string, value float64) {
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

func (m *Metrics) Gauge(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[name]
}

func (m *Metrics) IncCounter(name string) {
	m.AddCounter(name, 1)
}

func (m *Metrics) AddCounter(name string, delta uint64) {
	lookup(&m.mu, m.counters, name, newCounter).Add(delta)
}

// Counter returns the current value of a named counter, 0 if never touched.
func (m *Metrics) Counter(name string) uint64 {
	m.mu.RLock()
	c := m.counters[name]
	m.mu.RUnlock()
	if c == nil {
		return 0
	}
	return c.Load()
}

func sortedKeys[K comparable, V any](m map[K]V, less func(a, b K) bool) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}

func endpointLess(a, b endpointKey) bool {
	if a.endpoint != b.endpoint {
		return a.endpoint < b.endpoint
	}
	return a.method < b.method
}

func family(b *bytes.Buffer, name, kind, help string) string {
	full := namespace + "_" + name
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", full, help, full, kind)
	return full
}

// Handler serves the text exposition format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var b bytes.Buffer

		name := family(&b, "uptime_seconds", "gauge", "Time since the server started")
		fmt.Fprintf(&b, "%s %f\n\n", name, time.Since(m.startTime).Seconds())

		name = family(&b, "websocket_connections_active", "gauge", "Open job progress sockets")
		fmt.Fprintf(&b, "%s %d\n\n", name, m.wsConnections.Load())

		m.mu.RLock()
		m.writeHTTP(&b)
		m.writeNamed(&b)
		m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write(b.Bytes())
	}
}

func (m *Metrics) writeHTTP(b *bytes.Buffer) {
	if len(m.requests) > 0 {
		name := family(b, "http_requests_total", "counter", "Total HTTP requests")
		for _, k := range sortedKeys(m.requests, endpointLess) {
			fmt.Fprintf(b, "%s{endpoint=%q,method=%q} %d\n", name, k.endpoint, k.method, m.requests[k].Load())
		}
		b.WriteByte('\n')
	}

	if len(m.latency) > 0 {
		name := family(b, "http_request_duration_seconds", "histogram", "HTTP request latency")
		for _, k := range sortedKeys(m.latency, endpointLess) {
			h := m.latency[k]
			labels := fmt.Sprintf("endpoint=%q,method=%q", k.endpoint, k.method)
			h.mu.Lock()
			for i, le := range latencyBuckets {
				fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, le, h.counts[i])
			}
			fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.count)
			fmt.Fprintf(b, "%s_sum{%s} %f\n", name, labels, h.sum)
			fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.count)
			h.mu.Unlock()
		}
		b.WriteByte('\n')
	}

	if len(m.errors) > 0 {
		name := family(b, "http_errors_total", "counter", "HTTP errors by status class")
		keys := sortedKeys(m.errors, func(a, c statusKey) bool {
			if a.endpointKey != c.endpointKey {
				return endpointLess(a.endpointKey, c.endpointKey)
			}
			return a.class < c.class
		})
		for _, k := range keys {
			fmt.Fprintf(b, "%s{endpoint=%q,method=%q,status_class=\"%dxx\"} %d\n", name, k.endpoint, k.method, k.class, m.errors[k].Load())
		}
		b.WriteByte('\n')
	}
}

func (m *Metrics) writeNamed(b *bytes.Buffer) {
	byName := func(a, c string) bool { return a < c }

	if len(m.gauges) > 0 {
		name := family(b, "gauge", "gauge", "Service gauges")
		for _, k := range sortedKeys(m.gauges, byName) {
			fmt.Fprintf(b, "%s{name=%q} %f\n", name, k, m.gauges[k])
		}
		b.WriteByte('\n')
	}

	if len(m.counters) > 0 {
		name := family(b, "counter", "counter", "Service counters")
		for _, k := range sortedKeys(m.counters, byName) {
			fmt.Fprintf(b, "%s{name=%q} %d\n", name, k, m.counters[k].Load())
		}
	}
}

// MetricsMiddleware records count, latency and error class per request.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(sw, r)
			m.RecordRequest(r.Method, r.URL.Path, sw.statusCode, time.Since(start))
		})
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through; the request is counted as 101.
func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
