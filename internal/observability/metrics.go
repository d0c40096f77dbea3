package observability

import (
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MetricsRegistry holds all registered metrics and renders them in the
// Prometheus text exposition format.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	histos   map[string]*Histogram
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name   string
	help   string
	labels map[string]string
	value  float64
	mu     sync.Mutex
}

// Gauge is a metric that can go up or down.
type Gauge struct {
	name   string
	help   string
	labels map[string]string
	value  float64
	mu     sync.Mutex
}

// Histogram tracks distribution of values. counts[i] holds observations
// that fell in (buckets[i-1], buckets[i]]; output is cumulative.
type Histogram struct {
	name    string
	help    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
	mu      sync.Mutex
}

// NewMetricsRegistry creates a new metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		histos:   make(map[string]*Histogram),
	}
}

// NewCounter creates and registers a counter.
func (r *MetricsRegistry) NewCounter(name, help string, labels map[string]string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &Counter{name: name, help: help, labels: labels}
	r.counters[name] = c
	return c
}

// NewGauge creates and registers a gauge.
func (r *MetricsRegistry) NewGauge(name, help string, labels map[string]string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := &Gauge{name: name, help: help, labels: labels}
	r.gauges[name] = g
	return g
}

// NewHistogram creates and registers a histogram. Buckets must ascend.
func (r *MetricsRegistry) NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	if buckets == nil {
		buckets = DefaultBuckets()
	}
	h := &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
	r.histos[name] = h
	return h
}

// DefaultBuckets returns default histogram buckets for latency in seconds.
func DefaultBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
}

func (c *Counter) Inc() { c.Add(1) }

// Add adds a non-negative value to the counter.
func (c *Counter) Add(v float64) {
	if v < 0 {
		return
	}
	c.mu.Lock()
	c.value += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	if i := sort.SearchFloat64s(h.buckets, v); i < len(h.buckets) {
		h.counts[i]++
	}
}

// ObserveDuration records the time elapsed since start, in seconds.
func (h *Histogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Handler returns an HTTP handler for Prometheus metrics.
func (r *MetricsRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WritePrometheus(w)
	})
}

// WritePrometheus writes all metrics sorted by name.
func (r *MetricsRegistry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		c.mu.Lock()
		writeMetric(&b, c.name, "counter", c.help, c.labels, c.value)
		c.mu.Unlock()
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		g.mu.Lock()
		writeMetric(&b, g.name, "gauge", g.help, g.labels, g.value)
		g.mu.Unlock()
	}
	for _, name := range sortedKeys(r.histos) {
		h := r.histos[name]
		h.mu.Lock()
		writeHistogram(&b, h)
		h.mu.Unlock()
	}
	io.WriteString(w, b.String())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeMetric(b *strings.Builder, name, metricType, help string, labels map[string]string, value float64) {
	b.WriteString("# HELP " + name + " " + help + "\n")
	b.WriteString("# TYPE " + name + " " + metricType + "\n")
	b.WriteString(name + formatLabels(labels) + " " + formatFloat(value) + "\n")
}

func writeHistogram(b *strings.Builder, h *Histogram) {
	b.WriteString("# HELP " + h.name + " " + h.help + "\n")
	b.WriteString("# TYPE " + h.name + " histogram\n")

	var cumulative uint64
	for i, bound := range h.buckets {
		cumulative += h.counts[i]
		b.WriteString(h.name + "_bucket" + formatLabels(withLabel(h.labels, "le", formatFloat(bound))) + " ")
		b.WriteString(strconv.FormatUint(cumulative, 10) + "\n")
	}
	b.WriteString(h.name + "_bucket" + formatLabels(withLabel(h.labels, "le", "+Inf")) + " ")
	b.WriteString(strconv.FormatUint(h.count, 10) + "\n")

	b.WriteString(h.name + "_sum" + formatLabels(h.labels) + " " + formatFloat(h.sum) + "\n")
	b.WriteString(h.name + "_count" + formatLabels(h.labels) + " " + strconv.FormatUint(h.count, 10) + "\n")
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		parts = append(parts, k+"="+strconv.Quote(labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func withLabel(labels map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for lk, lv := range labels {
		out[lk] = lv
	}
	out[k] = v
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ChatMetrics contains the groundchat service metrics.
type ChatMetrics struct {
	Registry *MetricsRegistry

	// Chat turns
	ChatRequestsTotal   *Counter
	ChatErrorsTotal     *Counter
	ChatGroundedTotal   *Counter
	ChatUngroundedTotal *Counter
	ChatDuration        *Histogram

	// Retrieval
	RetrievalCandidates    *Histogram
	RetrievalFailuresTotal *Counter

	// LLM
	LLMRequestsTotal   *Counter
	LLMRequestDuration *Histogram
	LLMTokensTotal     *Counter
	LLMErrorsTotal     *Counter

	// Memory
	MemoryErrorsTotal *Counter

	// Ingestion
	IngestFilesTotal  *Counter
	IngestChunksTotal *Counter
	IngestErrorsTotal *Counter
}

// NewChatMetrics creates the service metrics on a fresh registry.
func NewChatMetrics() *ChatMetrics {
	r := NewMetricsRegistry()

	return &ChatMetrics{
		Registry: r,

		ChatRequestsTotal:   r.NewCounter("groundchat_chat_requests_total", "Total chat turns", nil),
		ChatErrorsTotal:     r.NewCounter("groundchat_chat_errors_total", "Chat turns that returned an error", nil),
		ChatGroundedTotal:   r.NewCounter("groundchat_chat_grounded_total", "Chat turns answered with document context", nil),
		ChatUngroundedTotal: r.NewCounter("groundchat_chat_ungrounded_total", "Chat turns answered without document context", nil),
		ChatDuration:        r.NewHistogram("groundchat_chat_duration_seconds", "End-to-end chat turn duration", nil, nil),

		RetrievalCandidates:    r.NewHistogram("groundchat_retrieval_candidates", "Candidates kept per retrieval", nil, []float64{0, 1, 2, 4, 6, 8, 12, 20}),
		RetrievalFailuresTotal: r.NewCounter("groundchat_retrieval_failures_total", "Retrievals that failed closed", nil),

		LLMRequestsTotal:   r.NewCounter("groundchat_llm_requests_total", "Total chat completion requests", nil),
		LLMRequestDuration: r.NewHistogram("groundchat_llm_request_duration_seconds", "Chat completion duration", nil, nil),
		LLMTokensTotal:     r.NewCounter("groundchat_llm_tokens_total", "Total tokens reported by the provider", nil),
		LLMErrorsTotal:     r.NewCounter("groundchat_llm_errors_total", "Failed chat completions", nil),

		MemoryErrorsTotal: r.NewCounter("groundchat_memory_errors_total", "Conversation memory read/write failures", nil),

		IngestFilesTotal:  r.NewCounter("groundchat_ingest_files_total", "Files ingested", nil),
		IngestChunksTotal: r.NewCounter("groundchat_ingest_chunks_total", "Chunks written to the vector store", nil),
		IngestErrorsTotal: r.NewCounter("groundchat_ingest_errors_total", "Files that failed to ingest", nil),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *ChatMetrics) Handler() http.Handler {
	return m.Registry.Handler()
}

// RecordChat records one finished chat turn.
func (m *ChatMetrics) RecordChat(duration time.Duration, grounded bool, err error) {
	m.ChatRequestsTotal.Inc()
	m.ChatDuration.Observe(duration.Seconds())
	switch {
	case err != nil:
		m.ChatErrorsTotal.Inc()
	case grounded:
		m.ChatGroundedTotal.Inc()
	default:
		m.ChatUngroundedTotal.Inc()
	}
}

// RecordLLMRequest records a chat completion call.
func (m *ChatMetrics) RecordLLMRequest(duration time.Duration, tokens int, err error) {
	m.LLMRequestsTotal.Inc()
	m.LLMRequestDuration.Observe(duration.Seconds())
	m.LLMTokensTotal.Add(float64(tokens))
	if err != nil {
		m.LLMErrorsTotal.Inc()
	}
}

// RecordIngest records one ingested file.
func (m *ChatMetrics) RecordIngest(chunks int, err error) {
	if err != nil {
		m.IngestErrorsTotal.Inc()
		return
	}
	m.IngestFilesTotal.Inc()
	m.IngestChunksTotal.Add(float64(chunks))
}

var globalMetrics *ChatMetrics
var metricsOnce sync.Once

// Metrics returns the process-wide metrics instance.
func Metrics() *ChatMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewChatMetrics()
	})
	return globalMetrics
}
