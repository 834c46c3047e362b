package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/auth"
)

// IdempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key so retried submissions and controls run once.
type IdempotencyMiddleware struct {
	redis  *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewIdempotencyMiddleware creates a new idempotency middleware
func NewIdempotencyMiddleware(client *redis.Client, ttl time.Duration, logger *zap.Logger) *IdempotencyMiddleware {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdempotencyMiddleware{redis: client, logger: logger, ttl: ttl}
}

// IdempotencyResult stores the cached result of an idempotent request
type IdempotencyResult struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
	Timestamp  time.Time           `json:"timestamp"`
}

// responseRecorder captures the response for caching
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	written    bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware returns the HTTP middleware function
func (im *IdempotencyMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idempotencyKey := r.Header.Get("Idempotency-Key")
		if r.Method != http.MethodPost || idempotencyKey == "" || im.redis == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		cacheKey := im.generateCacheKey(r, idempotencyKey)

		if cached, err := im.getCachedResult(ctx, cacheKey); err == nil && cached != nil {
			im.logger.Debug("Returning cached idempotent response",
				zap.String("idempotency_key", idempotencyKey),
				zap.String("path", r.URL.Path),
			)
			for key, values := range cached.Headers {
				for _, value := range values {
					w.Header().Add(key, value)
				}
			}
			w.Header().Set("X-Idempotency-Cached", "true")
			w.Header().Set("X-Idempotency-Key", idempotencyKey)
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}

		recorder := newResponseRecorder(w)
		next.ServeHTTP(recorder, r)

		// Only 2xx responses are replayed.
		if recorder.statusCode < 200 || recorder.statusCode >= 300 {
			return
		}
		result := &IdempotencyResult{
			StatusCode: recorder.statusCode,
			Headers:    recorder.Header().Clone(),
			Body:       recorder.body.Bytes(),
			Timestamp:  time.Now(),
		}
		if err := im.cacheResult(context.WithoutCancel(ctx), cacheKey, result); err != nil {
			im.logger.Error("Failed to cache idempotent response",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	})
}

// generateCacheKey scopes the key to the caller's tenant, the path and
// the body so a reused key with a different payload is not replayed.
func (im *IdempotencyMiddleware) generateCacheKey(r *http.Request, idempotencyKey string) string {
	tenant := ""
	if uc, ok := auth.UserFromContext(r.Context()); ok && uc != nil {
		tenant = uc.TenantID.String()
	}

	h := sha256.New()
	h.Write([]byte(idempotencyKey))
	h.Write([]byte(tenant))
	h.Write([]byte(r.URL.Path))
	if r.Body != nil {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		h.Write(body)
	}
	return fmt.Sprintf("opshub:idempotency:%s", hex.EncodeToString(h.Sum(nil))[:32])
}

func (im *IdempotencyMiddleware) getCachedResult(ctx context.Context, key string) (*IdempotencyResult, error) {
	data, err := im.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var result IdempotencyResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (im *IdempotencyMiddleware) cacheResult(ctx context.Context, key string, result *IdempotencyResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return im.redis.Set(ctx, key, data, im.ttl).Err()
}
