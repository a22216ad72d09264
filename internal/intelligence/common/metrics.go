package common

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsNamespace prefixes every intelligence-layer metric.
const metricsNamespace = "medcode_intelligence"

// InferenceMetricParams describes one model inference for metrics purposes.
type InferenceMetricParams struct {
	ModelName    string
	ModelVersion string
	TaskType     string
	DurationMs   float64
	Success      bool
}

// BatchMetricParams describes one completed batch run.
type BatchMetricParams struct {
	BatchSize    int
	SuccessCount int
	FailureCount int
	DurationMs   float64
}

// IntelligenceMetrics is the metrics surface shared by the intelligence
// packages. Implementations must be safe for concurrent use.
type IntelligenceMetrics interface {
	// RecordInference records one model call.
	RecordInference(ctx context.Context, p *InferenceMetricParams)

	// RecordBatchProcessing records one batch run.
	RecordBatchProcessing(ctx context.Context, p *BatchMetricParams)

	// RecordCacheAccess records a hit or miss against a named cache.
	RecordCacheAccess(ctx context.Context, cache string, hit bool)

	// RecordCircuitBreakerState records a breaker transition for a component.
	RecordCircuitBreakerState(ctx context.Context, component string, state string)

	// RecordAdjudication records one corrective-pass adjudication outcome.
	RecordAdjudication(ctx context.Context, outcome string, durationMs float64)

	// RecordModelLoad records a model registry load attempt.
	RecordModelLoad(ctx context.Context, modelName string, success bool, durationMs float64)
}

// ─────────────────────────────────────────────────────────────────────────────
// Prometheus implementation
// ─────────────────────────────────────────────────────────────────────────────

// PrometheusIntelligenceMetrics reports through a prometheus registry.
type PrometheusIntelligenceMetrics struct {
	inferenceTotal      *prometheus.CounterVec
	inferenceDuration   *prometheus.HistogramVec
	batchItemsTotal     *prometheus.CounterVec
	batchDuration       prometheus.Histogram
	cacheAccessTotal    *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	adjudicationTotal   *prometheus.CounterVec
	adjudicationLatency prometheus.Histogram
	modelLoadTotal      *prometheus.CounterVec
	modelLoadDuration   prometheus.Histogram
}

// NewPrometheusIntelligenceMetrics registers the intelligence metric set
// with reg. Registering twice against the same registry fails.
func NewPrometheusIntelligenceMetrics(reg prometheus.Registerer) (*PrometheusIntelligenceMetrics, error) {
	m := &PrometheusIntelligenceMetrics{
		inferenceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "inference_total",
			Help:      "Model inference calls by model, task, and status.",
		}, []string{"model", "task", "status"}),
		inferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "inference_duration_ms",
			Help:      "Model inference latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"model", "task"}),
		batchItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batch_items_total",
			Help:      "Batch items processed by status.",
		}, []string{"status"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "batch_duration_ms",
			Help:      "End-to-end batch run duration in milliseconds.",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000},
		}),
		cacheAccessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_access_total",
			Help:      "Cache lookups by cache name and result.",
		}, []string{"cache", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per component (0 closed, 1 open, 2 half-open).",
		}, []string{"component"}),
		adjudicationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "adjudications_total",
			Help:      "Corrective-pass adjudications by outcome.",
		}, []string{"outcome"}),
		adjudicationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "adjudication_duration_ms",
			Help:      "Corrective-pass adjudication latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 20000, 40000},
		}),
		modelLoadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "model_load_total",
			Help:      "Model registry load attempts by model and status.",
		}, []string{"model", "status"}),
		modelLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "model_load_duration_ms",
			Help:      "Model load duration in milliseconds.",
			Buckets:   []float64{100, 500, 1000, 5000, 15000, 60000, 180000},
		}),
	}

	collectors := []prometheus.Collector{
		m.inferenceTotal, m.inferenceDuration,
		m.batchItemsTotal, m.batchDuration,
		m.cacheAccessTotal, m.breakerState,
		m.adjudicationTotal, m.adjudicationLatency,
		m.modelLoadTotal, m.modelLoadDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register intelligence metrics: %w", err)
		}
	}
	return m, nil
}

func (m *PrometheusIntelligenceMetrics) RecordInference(_ context.Context, p *InferenceMetricParams) {
	if p == nil {
		return
	}
	status := "success"
	if !p.Success {
		status = "failure"
	}
	m.inferenceTotal.WithLabelValues(p.ModelName, p.TaskType, status).Inc()
	m.inferenceDuration.WithLabelValues(p.ModelName, p.TaskType).Observe(p.DurationMs)
}

func (m *PrometheusIntelligenceMetrics) RecordBatchProcessing(_ context.Context, p *BatchMetricParams) {
	if p == nil {
		return
	}
	m.batchItemsTotal.WithLabelValues("success").Add(float64(p.SuccessCount))
	m.batchItemsTotal.WithLabelValues("failure").Add(float64(p.FailureCount))
	m.batchDuration.Observe(p.DurationMs)
}

func (m *PrometheusIntelligenceMetrics) RecordCacheAccess(_ context.Context, cache string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	m.cacheAccessTotal.WithLabelValues(cache, result).Inc()
}

func (m *PrometheusIntelligenceMetrics) RecordCircuitBreakerState(_ context.Context, component string, state string) {
	var v float64
	switch state {
	case "open":
		v = 1
	case "half_open":
		v = 2
	}
	m.breakerState.WithLabelValues(component).Set(v)
}

func (m *PrometheusIntelligenceMetrics) RecordAdjudication(_ context.Context, outcome string, durationMs float64) {
	m.adjudicationTotal.WithLabelValues(outcome).Inc()
	m.adjudicationLatency.Observe(durationMs)
}

func (m *PrometheusIntelligenceMetrics) RecordModelLoad(_ context.Context, modelName string, success bool, durationMs float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.modelLoadTotal.WithLabelValues(modelName, status).Inc()
	m.modelLoadDuration.Observe(durationMs)
}

// ─────────────────────────────────────────────────────────────────────────────
// Noop implementation
// ─────────────────────────────────────────────────────────────────────────────

type nopIntelligenceMetrics struct{}

// NewNopIntelligenceMetrics returns a metrics sink that discards everything.
func NewNopIntelligenceMetrics() IntelligenceMetrics {
	return nopIntelligenceMetrics{}
}

func (nopIntelligenceMetrics) RecordInference(context.Context, *InferenceMetricParams)   {}
func (nopIntelligenceMetrics) RecordBatchProcessing(context.Context, *BatchMetricParams) {}
func (nopIntelligenceMetrics) RecordCacheAccess(context.Context, string, bool)           {}
func (nopIntelligenceMetrics) RecordCircuitBreakerState(context.Context, string, string) {}
func (nopIntelligenceMetrics) RecordAdjudication(context.Context, string, float64)       {}
func (nopIntelligenceMetrics) RecordModelLoad(context.Context, string, bool, float64)    {}

// ─────────────────────────────────────────────────────────────────────────────
// In-memory implementation
// ─────────────────────────────────────────────────────────────────────────────

// InMemoryIntelligenceMetrics accumulates counters and latencies in memory.
// Intended for tests and local debugging.
type InMemoryIntelligenceMetrics struct {
	mu        sync.Mutex
	counters  map[string]int64
	latencies map[string]*latencyHistogram
}

// NewInMemoryIntelligenceMetrics returns an empty in-memory sink.
func NewInMemoryIntelligenceMetrics() *InMemoryIntelligenceMetrics {
	return &InMemoryIntelligenceMetrics{
		counters:  make(map[string]int64),
		latencies: make(map[string]*latencyHistogram),
	}
}

func (m *InMemoryIntelligenceMetrics) inc(key string, n int64) {
	m.mu.Lock()
	m.counters[key] += n
	m.mu.Unlock()
}

func (m *InMemoryIntelligenceMetrics) observe(key string, v float64) {
	m.mu.Lock()
	h, ok := m.latencies[key]
	if !ok {
		h = &latencyHistogram{}
		m.latencies[key] = h
	}
	h.add(v)
	m.mu.Unlock()
}

func (m *InMemoryIntelligenceMetrics) RecordInference(_ context.Context, p *InferenceMetricParams) {
	if p == nil {
		return
	}
	status := "success"
	if !p.Success {
		status = "failure"
	}
	m.inc("inference."+p.ModelName+"."+status, 1)
	m.observe("inference."+p.ModelName, p.DurationMs)
}

func (m *InMemoryIntelligenceMetrics) RecordBatchProcessing(_ context.Context, p *BatchMetricParams) {
	if p == nil {
		return
	}
	m.inc("batch.success", int64(p.SuccessCount))
	m.inc("batch.failure", int64(p.FailureCount))
	m.observe("batch", p.DurationMs)
}

func (m *InMemoryIntelligenceMetrics) RecordCacheAccess(_ context.Context, cache string, hit bool) {
	if hit {
		m.inc("cache."+cache+".hit", 1)
	} else {
		m.inc("cache."+cache+".miss", 1)
	}
}

func (m *InMemoryIntelligenceMetrics) RecordCircuitBreakerState(_ context.Context, component, state string) {
	m.inc("breaker."+component+"."+state, 1)
}

func (m *InMemoryIntelligenceMetrics) RecordAdjudication(_ context.Context, outcome string, durationMs float64) {
	m.inc("adjudication."+outcome, 1)
	m.observe("adjudication", durationMs)
}

func (m *InMemoryIntelligenceMetrics) RecordModelLoad(_ context.Context, modelName string, success bool, durationMs float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.inc("model_load."+modelName+"."+status, 1)
	m.observe("model_load."+modelName, durationMs)
}

// Counter returns the accumulated count for key, zero if never written.
func (m *InMemoryIntelligenceMetrics) Counter(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

// Percentile returns the p-th percentile (0 < p <= 100) of latencies
// observed under key, or zero if nothing was observed.
func (m *InMemoryIntelligenceMetrics) Percentile(key string, p float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.latencies[key]
	if !ok {
		return 0
	}
	return h.percentile(p)
}

// latencyHistogram keeps raw observations and answers percentile queries by
// sorting on demand. Fine for test-scale cardinality.
type latencyHistogram struct {
	values []float64
	sorted bool
}

func (h *latencyHistogram) add(v float64) {
	h.values = append(h.values, v)
	h.sorted = false
}

func (h *latencyHistogram) percentile(p float64) float64 {
	if len(h.values) == 0 {
		return 0
	}
	if !h.sorted {
		sort.Float64s(h.values)
		h.sorted = true
	}
	if p <= 0 {
		return h.values[0]
	}
	if p >= 100 {
		return h.values[len(h.values)-1]
	}
	// Linear interpolation between closest ranks.
	rank := p / 100 * float64(len(h.values)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(h.values) {
		return h.values[lo]
	}
	frac := rank - float64(lo)
	return h.values[lo] + frac*(h.values[hi]-h.values[lo])
}
