package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/auth"
)

// RateLimitConfig holds the per-tenant request budget.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

// RateLimiter limits requests per tenant. With redis the budget is a
// shared fixed window; without it each process keeps a token bucket.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	locals map[string]*rate.Limiter
}

// NewRateLimiter creates a new rate limiter. client may be nil.
func NewRateLimiter(client *redis.Client, requestsPerMinute int, logger *zap.Logger) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 600
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:  client,
		logger: logger,
		limit:  requestsPerMinute,
		now:    time.Now,
		locals: make(map[string]*rate.Limiter),
	}
}

// Middleware returns the HTTP middleware function
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userCtx, ok := auth.UserFromContext(r.Context())
		if !ok || userCtx == nil {
			// Auth rejects the request later.
			next.ServeHTTP(w, r)
			return
		}

		tenant := userCtx.TenantID.String()
		allowed, remaining, resetAt := rl.check(r.Context(), tenant)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if !allowed {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("tenant_id", tenant),
				zap.String("path", r.URL.Path),
			)
			retry := resetAt.Unix() - rl.now().Unix()
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
			sendRateLimitError(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) check(ctx context.Context, tenant string) (allowed bool, remaining int, resetAt time.Time) {
	if rl.redis == nil {
		return rl.checkLocal(tenant)
	}

	now := rl.now()
	window := now.Truncate(time.Minute)
	windowKey := fmt.Sprintf("opshub:ratelimit:tenant:%s:%d", tenant, window.Unix())

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, time.Minute+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Error("Rate limit check failed", zap.Error(err))
		// Fail open: redis trouble must not take the hub down.
		return true, rl.limit, window.Add(time.Minute)
	}

	count := incr.Val()
	remaining = rl.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(rl.limit), remaining, window.Add(time.Minute)
}

func (rl *RateLimiter) checkLocal(tenant string) (bool, int, time.Time) {
	rl.mu.Lock()
	lim, ok := rl.locals[tenant]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(rl.limit)/60), rl.limit)
		rl.locals[tenant] = lim
	}
	rl.mu.Unlock()

	now := rl.now()
	allowed := lim.AllowN(now, 1)
	remaining := int(lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, now.Add(time.Minute)
}

func sendRateLimitError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   "rate_limited",
		"message": "Too many requests. Please retry after the rate limit window resets.",
	})
}
