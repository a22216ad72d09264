package prometheus

import (
	"fmt"
	"time"
)

// PipelineMetrics holds every metric the coding pipeline and its transports
// emit.  All fields are interface-typed so a zero-dependency no-op set can be
// swapped in for tests and for deployments that disable metrics.
type PipelineMetrics struct {
	// HTTP layer
	HTTPRequestsTotal   CounterVec
	HTTPRequestDuration HistogramVec
	HTTPActiveRequests  GaugeVec

	// Coding pipeline
	NotesProcessedTotal    CounterVec
	StageDuration          HistogramVec
	CandidatesTotal        CounterVec
	GuardrailSuppressions  CounterVec
	BackstopUpliftsTotal   CounterVec
	ConflictTieWarnings    CounterVec
	OmissionWarningsTotal  CounterVec
	CorrectiveInvocations  CounterVec
	CorrectiveSkipsTotal   CounterVec
	CorrectiveCacheHits    CounterVec
	CodesDerivedTotal      CounterVec
	DerivationDropsTotal   CounterVec
	RecommendationsTotal   CounterVec
	PredictorOnlyCodeCount HistogramVec

	// Model serving
	ServingRequestsTotal CounterVec
	ServingDuration      HistogramVec

	// Infrastructure
	DBConnectionPoolActive GaugeVec
	DBQueryDuration        HistogramVec
	CacheHitsTotal         CounterVec
	CacheMissesTotal       CounterVec
	MessageQueueDepth      GaugeVec
	MessageProcessDuration HistogramVec

	// System health
	ServiceUptime     GaugeVec
	HealthCheckStatus GaugeVec
	ErrorsTotal       CounterVec
}

// Default buckets, tuned per layer: HTTP and DB calls are sub-second, pipeline
// stages run milliseconds to tens of seconds, and the adjudication backend can
// legitimately take the better part of a minute.
var (
	DefaultHTTPDurationBuckets    = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	DefaultStageDurationBuckets   = []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 30, 60}
	DefaultServingDurationBuckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}
	DefaultDBDurationBuckets      = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5}
	DefaultCodeCountBuckets       = []float64{0, 1, 2, 3, 5, 8, 13}
)

// NewPipelineMetrics registers the full metric set on collector and returns it.
func NewPipelineMetrics(collector MetricsCollector) *PipelineMetrics {
	m := &PipelineMetrics{}

	// HTTP
	m.HTTPRequestsTotal = collector.RegisterCounter("http_requests_total", "Total HTTP requests", "method", "path", "status_code")
	m.HTTPRequestDuration = collector.RegisterHistogram("http_request_duration_seconds", "HTTP request duration", DefaultHTTPDurationBuckets, "method", "path")
	m.HTTPActiveRequests = collector.RegisterGauge("http_active_requests", "Active HTTP requests", "method", "path")

	// Coding pipeline
	m.NotesProcessedTotal = collector.RegisterCounter("notes_processed_total", "Notes run through the coding pipeline", "status")
	m.StageDuration = collector.RegisterHistogram("stage_duration_seconds", "Pipeline stage duration", DefaultStageDurationBuckets, "stage")
	m.CandidatesTotal = collector.RegisterCounter("candidates_total", "Candidate detections emitted", "extractor")
	m.GuardrailSuppressions = collector.RegisterCounter("guardrail_suppressions_total", "Candidates suppressed or rewritten by guardrails", "rule")
	m.BackstopUpliftsTotal = collector.RegisterCounter("backstop_uplifts_total", "Fields set by lexicon backstops", "lexicon")
	m.ConflictTieWarnings = collector.RegisterCounter("conflict_tie_warnings_total", "Unresolvable candidate ties decided by extractor priority", "field")
	m.OmissionWarningsTotal = collector.RegisterCounter("omission_warnings_total", "Omission warnings raised", "code_hint")
	m.CorrectiveInvocations = collector.RegisterCounter("corrective_invocations_total", "Corrective adjudications attempted", "outcome")
	m.CorrectiveSkipsTotal = collector.RegisterCounter("corrective_skips_total", "Corrective adjudications skipped", "reason")
	m.CorrectiveCacheHits = collector.RegisterCounter("corrective_cache_hits_total", "Adjudication verdicts served from cache")
	m.CodesDerivedTotal = collector.RegisterCounter("codes_derived_total", "Billing codes derived", "code")
	m.DerivationDropsTotal = collector.RegisterCounter("derivation_drops_total", "Codes dropped at the final evidence check", "reason")
	m.RecommendationsTotal = collector.RegisterCounter("recommendations_total", "Reconciliation recommendations issued", "recommendation")
	m.PredictorOnlyCodeCount = collector.RegisterHistogram("predictor_only_codes", "Codes the secondary predictor saw but derivation did not", DefaultCodeCountBuckets)

	// Model serving
	m.ServingRequestsTotal = collector.RegisterCounter("serving_requests_total", "Model serving calls", "model", "status")
	m.ServingDuration = collector.RegisterHistogram("serving_duration_seconds", "Model serving call duration", DefaultServingDurationBuckets, "model")

	// Infrastructure
	m.DBConnectionPoolActive = collector.RegisterGauge("db_pool_active", "Database active connections", "db")
	m.DBQueryDuration = collector.RegisterHistogram("db_query_duration_seconds", "Database query duration", DefaultDBDurationBuckets, "db", "operation")
	m.CacheHitsTotal = collector.RegisterCounter("cache_hits_total", "Cache hits", "cache")
	m.CacheMissesTotal = collector.RegisterCounter("cache_misses_total", "Cache misses", "cache")
	m.MessageQueueDepth = collector.RegisterGauge("mq_depth", "Message queue depth", "queue")
	m.MessageProcessDuration = collector.RegisterHistogram("mq_process_duration_seconds", "Message processing duration", DefaultHTTPDurationBuckets, "queue", "message_type")

	// System health
	m.ServiceUptime = collector.RegisterGauge("service_uptime_seconds", "Service uptime", "service")
	m.HealthCheckStatus = collector.RegisterGauge("health_check_status", "Health check status (1=up, 0=down)", "component")
	m.ErrorsTotal = collector.RegisterCounter("errors_total", "Total errors", "component", "error_type", "severity")

	return m
}

// NewNopPipelineMetrics returns a PipelineMetrics whose every metric discards
// observations.  Pipeline constructors accept it when no collector is wired.
func NewNopPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		HTTPRequestsTotal:      &noopCounterVec{},
		HTTPRequestDuration:    &noopHistogramVec{},
		HTTPActiveRequests:     &noopGaugeVec{},
		NotesProcessedTotal:    &noopCounterVec{},
		StageDuration:          &noopHistogramVec{},
		CandidatesTotal:        &noopCounterVec{},
		GuardrailSuppressions:  &noopCounterVec{},
		BackstopUpliftsTotal:   &noopCounterVec{},
		ConflictTieWarnings:    &noopCounterVec{},
		OmissionWarningsTotal:  &noopCounterVec{},
		CorrectiveInvocations:  &noopCounterVec{},
		CorrectiveSkipsTotal:   &noopCounterVec{},
		CorrectiveCacheHits:    &noopCounterVec{},
		CodesDerivedTotal:      &noopCounterVec{},
		DerivationDropsTotal:   &noopCounterVec{},
		RecommendationsTotal:   &noopCounterVec{},
		PredictorOnlyCodeCount: &noopHistogramVec{},
		ServingRequestsTotal:   &noopCounterVec{},
		ServingDuration:        &noopHistogramVec{},
		DBConnectionPoolActive: &noopGaugeVec{},
		DBQueryDuration:        &noopHistogramVec{},
		CacheHitsTotal:         &noopCounterVec{},
		CacheMissesTotal:       &noopCounterVec{},
		MessageQueueDepth:      &noopGaugeVec{},
		MessageProcessDuration: &noopHistogramVec{},
		ServiceUptime:          &noopGaugeVec{},
		HealthCheckStatus:      &noopGaugeVec{},
		ErrorsTotal:            &noopCounterVec{},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Recording helpers
// ─────────────────────────────────────────────────────────────────────────────

func RecordHTTPRequest(m *PipelineMetrics, method, path string, statusCode int, duration time.Duration) {
	status := fmt.Sprintf("%d", statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func RecordStage(m *PipelineMetrics, stage string, duration time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordServingCall(m *PipelineMetrics, model string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.ServingRequestsTotal.WithLabelValues(model, status).Inc()
	m.ServingDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func RecordDBQuery(m *PipelineMetrics, db, operation string, duration time.Duration, err error) {
	m.DBQueryDuration.WithLabelValues(db, operation).Observe(duration.Seconds())
	if err != nil {
		m.ErrorsTotal.WithLabelValues(db, "query_error", "error").Inc()
	}
}

func RecordCacheAccess(m *PipelineMetrics, cache string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

func RecordError(m *PipelineMetrics, component, errorType, severity string) {
	m.ErrorsTotal.WithLabelValues(component, errorType, severity).Inc()
}
