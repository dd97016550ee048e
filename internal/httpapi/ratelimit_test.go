package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenLimiterRefills(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	l := newTokenLimiter(60, 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"))

	now = now.Add(time.Second)
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
}

func TestRateLimiterByActor(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{PerMinute: 1, Burst: 1})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := limiter.Middleware(next)

	do := func(ip, actor string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/statistics", nil)
		req.Header.Set("X-Forwarded-For", ip)
		req.Header.Set("X-Actor-ID", actor)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		return resp.Code
	}
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1", "nurse-1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.2", "nurse-1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1", "nurse-2"))
	assert.Equal(t, http.StatusNoContent, do("10.0.0.3", "nurse-3"))
}
