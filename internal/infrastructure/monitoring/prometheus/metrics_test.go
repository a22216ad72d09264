package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestPipelineMetrics(t *testing.T) (*PipelineMetrics, MetricsCollector) {
	t.Helper()
	c := newTestCollector(t)
	return NewPipelineMetrics(c), c
}

func TestNewPipelineMetrics_AllRegistered(t *testing.T) {
	m, c := newTestPipelineMetrics(t)
	assert.NotNil(t, m)

	// Touch one metric per layer so they show up in the scrape.
	m.NotesProcessedTotal.WithLabelValues("completed").Inc()
	m.CandidatesTotal.WithLabelValues("proc_narrative").Inc()
	m.GuardrailSuppressions.WithLabelValues("status_mention").Inc()
	m.CorrectiveSkipsTotal.WithLabelValues("keyword_guard_failed").Inc()
	m.CodesDerivedTotal.WithLabelValues("31653").Inc()
	m.RecommendationsTotal.WithLabelValues("auto_approve").Inc()

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_notes_processed_total{status="completed"} 1`)
	assert.Contains(t, output, `test_unit_candidates_total{extractor="proc_narrative"} 1`)
	assert.Contains(t, output, `test_unit_guardrail_suppressions_total{rule="status_mention"} 1`)
	assert.Contains(t, output, `test_unit_corrective_skips_total{reason="keyword_guard_failed"} 1`)
	assert.Contains(t, output, `test_unit_codes_derived_total{code="31653"} 1`)
	assert.Contains(t, output, `test_unit_recommendations_total{recommendation="auto_approve"} 1`)
}

func TestNewNopPipelineMetrics_NoPanics(t *testing.T) {
	m := NewNopPipelineMetrics()
	assert.NotPanics(t, func() {
		m.NotesProcessedTotal.WithLabelValues("failed").Inc()
		m.StageDuration.WithLabelValues("assembler").Observe(0.02)
		m.HTTPActiveRequests.WithLabelValues("POST", "/api/v1/coding").Inc()
		m.PredictorOnlyCodeCount.WithLabelValues().Observe(2)
		RecordStage(m, "derivation", time.Millisecond)
		RecordError(m, "adjudicator", "timeout", "warn")
	})
}

func TestRecordHTTPRequest(t *testing.T) {
	m, c := newTestPipelineMetrics(t)
	RecordHTTPRequest(m, "POST", "/api/v1/coding", 200, 42*time.Millisecond)

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_http_requests_total{method="POST",path="/api/v1/coding",status_code="200"} 1`)
	assert.Contains(t, output, "test_unit_http_request_duration_seconds_bucket")
}

func TestRecordServingCall_SuccessAndFailure(t *testing.T) {
	m, c := newTestPipelineMetrics(t)
	RecordServingCall(m, "note_bert_v2", nil, 80*time.Millisecond)
	RecordServingCall(m, "note_bert_v2", errors.New("deadline exceeded"), time.Second)

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_serving_requests_total{model="note_bert_v2",status="success"} 1`)
	assert.Contains(t, output, `test_unit_serving_requests_total{model="note_bert_v2",status="failure"} 1`)
}

func TestRecordDBQuery_ErrorIncrementsErrorsTotal(t *testing.T) {
	m, c := newTestPipelineMetrics(t)
	RecordDBQuery(m, "postgres", "insert_result", 3*time.Millisecond, errors.New("boom"))

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_errors_total{component="postgres",error_type="query_error",severity="error"} 1`)
}

func TestRecordCacheAccess(t *testing.T) {
	m, c := newTestPipelineMetrics(t)
	RecordCacheAccess(m, "adjudication", true)
	RecordCacheAccess(m, "adjudication", true)
	RecordCacheAccess(m, "adjudication", false)

	output := scrapeMetrics(t, c)
	assert.Contains(t, output, `test_unit_cache_hits_total{cache="adjudication"} 2`)
	assert.Contains(t, output, `test_unit_cache_misses_total{cache="adjudication"} 1`)
}
