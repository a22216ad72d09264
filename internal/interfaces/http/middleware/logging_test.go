package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/prometheus"
)

func TestRequestLogging_PassesThrough(t *testing.T) {
	handler := RequestLogging(logging.NewNopLogger(), DefaultLoggingConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("done"))
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/coding", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "done", w.Body.String())
}

func TestRequestLogging_SkipsConfiguredPaths(t *testing.T) {
	called := false
	handler := RequestLogging(logging.NewNopLogger(), DefaultLoggingConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	handler.ServeHTTP(w, r)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWrappedResponseWriter_CapturesStatusAndBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	wrapped := newWrappedResponseWriter(rec)

	wrapped.WriteHeader(http.StatusAccepted)
	wrapped.WriteHeader(http.StatusTeapot) // second call must not override
	n, err := wrapped.Write([]byte("hello"))

	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusAccepted, wrapped.statusCode)
	assert.Equal(t, int64(5), wrapped.bytesWritten)
}

func TestWrappedResponseWriter_DefaultsTo200OnWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	wrapped := newWrappedResponseWriter(rec)

	wrapped.Write([]byte("implicit"))

	assert.Equal(t, http.StatusOK, wrapped.statusCode)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestMetrics_NilMetricsIsNoop(t *testing.T) {
	handler := RequestMetrics(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/results", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestMetrics_RecordsRequest(t *testing.T) {
	metrics := prometheus.NewNopPipelineMetrics()
	handler := RequestMetrics(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/results", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}
