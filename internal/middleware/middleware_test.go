package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/auth"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func withTenant(r *http.Request, tenant uuid.UUID) *http.Request {
	return r.WithContext(auth.WithUser(r.Context(), &auth.UserContext{
		UserID:   uuid.New(),
		TenantID: tenant,
		Scopes:   auth.AllScopes,
	}))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimiterRedisWindow(t *testing.T) {
	_, client := newRedis(t)
	rl := NewRateLimiter(client, 2, zaptest.NewLogger(t))
	h := rl.Middleware(okHandler)
	tenant := uuid.New()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, withTenant(httptest.NewRequest(http.MethodGet, "/v1/operations/hub", nil), tenant))
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			assert.Contains(t, rec.Body.String(), "rate_limited")
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// Other tenants have their own budget.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withTenant(httptest.NewRequest(http.MethodGet, "/v1/operations/hub", nil), uuid.New()))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimiterFailsOpen(t *testing.T) {
	mr, client := newRedis(t)
	mr.Close()
	rl := NewRateLimiter(client, 1, zaptest.NewLogger(t))
	h := rl.Middleware(okHandler)
	tenant := uuid.New()

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, withTenant(httptest.NewRequest(http.MethodGet, "/", nil), tenant))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimiterLocalBucket(t *testing.T) {
	rl := NewRateLimiter(nil, 1, zaptest.NewLogger(t))
	frozen := time.Now()
	rl.now = func() time.Time { return frozen }
	h := rl.Middleware(okHandler)
	tenant := uuid.New()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withTenant(httptest.NewRequest(http.MethodGet, "/", nil), tenant))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, withTenant(httptest.NewRequest(http.MethodGet, "/", nil), tenant))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimiterSkipsAnonymous(t *testing.T) {
	rl := NewRateLimiter(nil, 1, zaptest.NewLogger(t))
	h := rl.Middleware(okHandler)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestIdempotencyReplaysSuccess(t *testing.T) {
	_, client := newRedis(t)
	var calls atomic.Int32
	h := NewIdempotencyMiddleware(client, time.Hour, zaptest.NewLogger(t)).Middleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(body)
		}))
	tenant := uuid.New()

	send := func(key, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/multimodal/requests", strings.NewReader(body))
		req.Header.Set("Idempotency-Key", key)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, withTenant(req, tenant))
		return rec
	}

	first := send("k1", `{"modality":"text"}`)
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get("X-Idempotency-Cached"))

	second := send("k1", `{"modality":"text"}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Cached"))
	assert.Equal(t, `{"modality":"text"}`, second.Body.String())
	assert.Equal(t, int32(1), calls.Load())

	// A different body is a different request.
	third := send("k1", `{"modality":"audio"}`)
	assert.Empty(t, third.Header().Get("X-Idempotency-Cached"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencySkipsFailuresAndGets(t *testing.T) {
	_, client := newRedis(t)
	var calls atomic.Int32
	h := NewIdempotencyMiddleware(client, time.Hour, zaptest.NewLogger(t)).Middleware(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusConflict)
		}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("{}"))
		req.Header.Set("Idempotency-Key", "same")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, int32(2), calls.Load())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Idempotency-Key", "same")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, int32(4), calls.Load())
}

func TestTracingSetsTraceIDAndRoute(t *testing.T) {
	mux := http.NewServeMux()
	var pattern string
	mux.HandleFunc("GET /v1/operations/processes/{id}", func(w http.ResponseWriter, r *http.Request) {
		pattern = r.Pattern
		w.WriteHeader(http.StatusNoContent)
	})
	h := NewTracingMiddleware(zaptest.NewLogger(t)).Middleware(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/operations/processes/trc_1", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Trace-ID"))
	assert.Equal(t, "GET /v1/operations/processes/{id}", pattern)
}

func TestTracingUsesTraceparent(t *testing.T) {
	h := NewTracingMiddleware(zaptest.NewLogger(t)).Middleware(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec.Header().Get("X-Trace-ID"))
}
