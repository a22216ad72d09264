package common

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherFamilies(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestNewPrometheusIntelligenceMetrics_Success(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewPrometheusIntelligenceMetrics(registry)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestNewPrometheusIntelligenceMetrics_DuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewPrometheusIntelligenceMetrics(registry)
	require.NoError(t, err)

	_, err = NewPrometheusIntelligenceMetrics(registry)
	assert.Error(t, err)
}

func TestPrometheus_RecordInference(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewPrometheusIntelligenceMetrics(registry)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordInference(ctx, &InferenceMetricParams{
		ModelName:  "note_bert_v2",
		TaskType:   "span_tagging",
		DurationMs: 120,
		Success:    true,
	})
	m.RecordInference(ctx, &InferenceMetricParams{
		ModelName:  "note_bert_v2",
		TaskType:   "span_tagging",
		DurationMs: 400,
		Success:    false,
	})
	m.RecordInference(ctx, nil)

	families := gatherFamilies(t, registry)
	total := families["medcode_intelligence_inference_total"]
	require.NotNil(t, total)
	assert.Len(t, total.GetMetric(), 2)

	duration := families["medcode_intelligence_inference_duration_ms"]
	require.NotNil(t, duration)
	assert.Equal(t, uint64(2), duration.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestPrometheus_RecordAdjudication(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewPrometheusIntelligenceMetrics(registry)
	require.NoError(t, err)

	m.RecordAdjudication(context.Background(), "applied", 1800)
	m.RecordAdjudication(context.Background(), "rejected_no_evidence", 950)

	families := gatherFamilies(t, registry)
	total := families["medcode_intelligence_adjudications_total"]
	require.NotNil(t, total)
	assert.Len(t, total.GetMetric(), 2)
	for _, metric := range total.GetMetric() {
		assert.Equal(t, float64(1), metric.GetCounter().GetValue())
	}
}

func TestPrometheus_RecordBatchProcessing(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewPrometheusIntelligenceMetrics(registry)
	require.NoError(t, err)

	m.RecordBatchProcessing(context.Background(), &BatchMetricParams{
		BatchSize:    4,
		SuccessCount: 3,
		FailureCount: 1,
		DurationMs:   250,
	})

	families := gatherFamilies(t, registry)
	items := families["medcode_intelligence_batch_items_total"]
	require.NotNil(t, items)

	byStatus := map[string]float64{}
	for _, metric := range items.GetMetric() {
		byStatus[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, float64(3), byStatus["success"])
	assert.Equal(t, float64(1), byStatus["failure"])
}

func TestInMemory_CountersAndPercentiles(t *testing.T) {
	m := NewInMemoryIntelligenceMetrics()
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		m.RecordInference(ctx, &InferenceMetricParams{
			ModelName:  "code_net_v1",
			TaskType:   "code_prediction",
			DurationMs: float64(i * 10),
			Success:    true,
		})
	}

	assert.Equal(t, int64(10), m.Counter("inference.code_net_v1.success"))
	assert.Equal(t, int64(0), m.Counter("inference.code_net_v1.failure"))

	assert.InDelta(t, 55.0, m.Percentile("inference.code_net_v1", 50), 0.001)
	assert.InDelta(t, 100.0, m.Percentile("inference.code_net_v1", 100), 0.001)
	assert.Equal(t, 0.0, m.Percentile("unknown", 50))
}

func TestInMemory_CacheAndAdjudication(t *testing.T) {
	m := NewInMemoryIntelligenceMetrics()
	ctx := context.Background()

	m.RecordCacheAccess(ctx, "adjudication", true)
	m.RecordCacheAccess(ctx, "adjudication", true)
	m.RecordCacheAccess(ctx, "adjudication", false)
	m.RecordAdjudication(ctx, "applied", 1500)

	assert.Equal(t, int64(2), m.Counter("cache.adjudication.hit"))
	assert.Equal(t, int64(1), m.Counter("cache.adjudication.miss"))
	assert.Equal(t, int64(1), m.Counter("adjudication.applied"))
}

func TestNopIntelligenceMetrics(t *testing.T) {
	m := NewNopIntelligenceMetrics()
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordInference(ctx, &InferenceMetricParams{ModelName: "m"})
		m.RecordBatchProcessing(ctx, &BatchMetricParams{})
		m.RecordCacheAccess(ctx, "c", true)
		m.RecordCircuitBreakerState(ctx, "batch", "open")
		m.RecordAdjudication(ctx, "applied", 10)
		m.RecordModelLoad(ctx, "m", true, 5)
	})
}
