package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/circuitbreaker"
)

// slowThreshold marks a responding dependency as degraded.
const slowThreshold = 100 * time.Millisecond

// RedisHealthChecker checks Redis connectivity. Redis only backs rate
// limiting and idempotency, both of which fail open, so it is not critical.
type RedisHealthChecker struct {
	client  redis.UniversalClient
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker
func NewRedisHealthChecker(client redis.UniversalClient, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{client: client, logger: logger, timeout: 2 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "redis", Timestamp: start}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}

	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
	case result.Duration > slowThreshold:
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}
	return result
}

// DatabaseHealthChecker checks the audit and API key database.
type DatabaseHealthChecker struct {
	db      *sqlx.DB
	logger  *zap.Logger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(db *sqlx.DB, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db, logger: logger, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "database", Critical: true, Timestamp: start}

	err := d.db.PingContext(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Database ping failed"
		result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
		return result
	}

	stats := d.db.Stats()
	switch {
	case stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections:
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	case result.Duration > slowThreshold:
		result.Status = StatusDegraded
		result.Message = "Database responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = "Database healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms":           result.Duration.Milliseconds(),
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"idle_connections":     stats.Idle,
		"in_use_connections":   stats.InUse,
	}
	return result
}

// BreakerHealthChecker reports a set of circuit breakers: any open breaker
// degrades the component, all open makes it unhealthy.
type BreakerHealthChecker struct {
	name     string
	critical bool
	states   func() map[string]circuitbreaker.State
}

// NewBreakerHealthChecker creates a checker over states, e.g. the
// registry's adapter breakers or the multimodal provider breakers.
func NewBreakerHealthChecker(name string, critical bool, states func() map[string]circuitbreaker.State) *BreakerHealthChecker {
	return &BreakerHealthChecker{name: name, critical: critical, states: states}
}

func (b *BreakerHealthChecker) Name() string           { return b.name }
func (b *BreakerHealthChecker) IsCritical() bool       { return b.critical }
func (b *BreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: b.name, Critical: b.critical, Timestamp: start}

	states := b.states()
	var open []string
	details := make(map[string]interface{}, len(states))
	for name, st := range states {
		details[name] = st.String()
		if st == circuitbreaker.StateOpen {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	result.Details = details
	result.Duration = time.Since(start)

	switch {
	case len(states) > 0 && len(open) == len(states):
		result.Status = StatusUnhealthy
		result.Message = "all circuit breakers open"
	case len(open) > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("circuit breaker open: %v", open)
	default:
		result.Status = StatusHealthy
		result.Message = "all circuit breakers closed"
	}
	return result
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
