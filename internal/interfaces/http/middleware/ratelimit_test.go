package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketLimiter_AllowsWithinBurst(t *testing.T) {
	limiter := NewTokenBucketLimiter(1, 3, 0)

	for i := 0; i < 3; i++ {
		allowed, _ := limiter.Allow("client-a")
		assert.True(t, allowed, "request %d within burst should pass", i+1)
	}

	allowed, info := limiter.Allow("client-a")
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
	assert.Equal(t, 3, info.Limit)
}

func TestTokenBucketLimiter_KeysAreIndependent(t *testing.T) {
	limiter := NewTokenBucketLimiter(1, 1, 0)

	allowed, _ := limiter.Allow("client-a")
	assert.True(t, allowed)
	allowed, _ = limiter.Allow("client-a")
	assert.False(t, allowed)

	allowed, _ = limiter.Allow("client-b")
	assert.True(t, allowed)
}

func TestTokenBucketLimiter_Refills(t *testing.T) {
	limiter := NewTokenBucketLimiter(100, 1, 0)

	allowed, _ := limiter.Allow("client-a")
	assert.True(t, allowed)
	allowed, _ = limiter.Allow("client-a")
	assert.False(t, allowed)

	time.Sleep(30 * time.Millisecond)

	allowed, _ = limiter.Allow("client-a")
	assert.True(t, allowed, "bucket should refill at 100 tokens/s")
}

func TestTokenBucketLimiter_BucketCount(t *testing.T) {
	limiter := NewTokenBucketLimiter(1, 1, 0)

	limiter.Allow("a")
	limiter.Allow("b")
	limiter.Allow("c")

	assert.Equal(t, 3, limiter.BucketCount())
}

func TestRateLimit_SetsHeadersAndRejects(t *testing.T) {
	limiter := NewTokenBucketLimiter(1, 1, 0)
	config := DefaultRateLimitConfig()

	handler := RateLimit(limiter, config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/coding", nil)
	r.RemoteAddr = "10.0.0.1:1234"

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, r)
	assert.Equal(t, http.StatusOK, w1.Code)
	assert.Equal(t, "1", w1.Header().Get("X-RateLimit-Limit"))

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, r)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
	assert.Equal(t, "0", w2.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w2.Header().Get("Retry-After"))
	assert.Contains(t, w2.Body.String(), "RATE_LIMITED")
}

func TestRateLimit_SkipsProbePaths(t *testing.T) {
	limiter := NewTokenBucketLimiter(1, 1, 0)
	config := DefaultRateLimitConfig()

	handler := RateLimit(limiter, config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.RemoteAddr = "10.0.0.2:1234"

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, 0, limiter.BucketCount())
}

func TestClientIPKeyFunc_PrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.3:1234"
	assert.Equal(t, "10.0.0.3:1234", ClientIPKeyFunc(r))

	r.Header.Set("X-Real-IP", "203.0.113.7")
	assert.Equal(t, "203.0.113.7", ClientIPKeyFunc(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.4")
	assert.Equal(t, "198.51.100.4", ClientIPKeyFunc(r))
}
