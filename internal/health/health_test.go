package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/circuitbreaker"
)

func fixed(name string, critical bool, status CheckStatus) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: status, Message: name}
	})
}

func TestOverallStatus(t *testing.T) {
	cases := []struct {
		name   string
		checks []Checker
		status CheckStatus
		ready  bool
	}{
		{"none registered", nil, StatusHealthy, true},
		{"all healthy", []Checker{fixed("a", true, StatusHealthy), fixed("b", false, StatusHealthy)}, StatusHealthy, true},
		{"critical down", []Checker{fixed("a", true, StatusUnhealthy), fixed("b", false, StatusHealthy)}, StatusUnhealthy, false},
		{"non-critical down", []Checker{fixed("a", true, StatusHealthy), fixed("b", false, StatusUnhealthy)}, StatusDegraded, true},
		{"degraded", []Checker{fixed("a", true, StatusDegraded)}, StatusDegraded, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(time.Minute, zaptest.NewLogger(t))
			for _, c := range tc.checks {
				require.NoError(t, m.RegisterChecker(c))
			}
			overall := m.GetOverallHealth(context.Background())
			assert.Equal(t, tc.status, overall.Status)
			assert.Equal(t, tc.ready, overall.Ready)
			assert.True(t, overall.Live)
		})
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager(time.Minute, zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(fixed("a", true, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(fixed("a", true, StatusHealthy)))
	require.NoError(t, m.UnregisterChecker("a"))
	assert.Error(t, m.UnregisterChecker("a"))
}

func TestDisabledCheckerSkipped(t *testing.T) {
	m := NewManager(time.Minute, zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(fixed("db", true, StatusUnhealthy)))
	require.NoError(t, m.SetEnabled("db", false))
	assert.True(t, m.IsReady(context.Background()))
}

func TestCheckTimeoutApplied(t *testing.T) {
	m := NewManager(time.Minute, zaptest.NewLogger(t))
	slow := NewCustomHealthChecker("slow", true, 20*time.Millisecond, func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
	})
	require.NoError(t, m.RegisterChecker(slow))

	start := time.Now()
	detailed := m.GetDetailedHealth(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, detailed.Components["slow"].Status)
	assert.True(t, detailed.Components["slow"].Critical)
}

func TestBreakerHealthChecker(t *testing.T) {
	states := map[string]circuitbreaker.State{"trace": circuitbreaker.StateClosed, "budget": circuitbreaker.StateClosed}
	c := NewBreakerHealthChecker("adapters", false, func() map[string]circuitbreaker.State { return states })

	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	states["budget"] = circuitbreaker.StateOpen
	res := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.Message, "budget")
	assert.Equal(t, "open", res.Details["budget"])

	states["trace"] = circuitbreaker.StateOpen
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestRedisHealthChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewRedisHealthChecker(client, zaptest.NewLogger(t))
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)
	assert.False(t, c.IsCritical())

	mr.Close()
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestDatabaseHealthChecker(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()
	db := sqlx.NewDb(sqlDB, "postgres")

	c := NewDatabaseHealthChecker(db, zaptest.NewLogger(t))
	mock.ExpectPing()
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	mock.ExpectPing().WillReturnError(assert.AnError)
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.True(t, res.Critical)
}

func TestGRPCServingStatusFollowsReadiness(t *testing.T) {
	m := NewManager(time.Minute, zaptest.NewLogger(t))
	srv := grpchealth.NewServer()
	m.AttachGRPC(srv)

	healthy := true
	require.NoError(t, m.RegisterChecker(NewCustomHealthChecker("db", true, time.Second, func(context.Context) CheckResult {
		if healthy {
			return CheckResult{Status: StatusHealthy}
		}
		return CheckResult{Status: StatusUnhealthy}
	})))

	m.GetDetailedHealth(context.Background())
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	healthy = false
	m.GetDetailedHealth(context.Background())
	resp, err = srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(time.Minute, zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(fixed("db", true, StatusUnhealthy)))
	require.NoError(t, m.RegisterChecker(fixed("redis", false, StatusHealthy)))
	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	assert.Equal(t, http.StatusOK, get("/health/live").Code)

	rec := get("/health/detailed")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var detailed struct {
		Overall struct {
			Status string `json:"status"`
		} `json:"overall"`
		Components map[string]struct {
			Status string `json:"status"`
		} `json:"components"`
		Summary HealthSummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detailed))
	assert.Equal(t, "unhealthy", detailed.Overall.Status)
	assert.Equal(t, "healthy", detailed.Components["redis"].Status)
	assert.Equal(t, 2, detailed.Summary.Total)

	rec = get("/health/detailed?cached=true")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStartStop(t *testing.T) {
	m := NewManager(10*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(fixed("a", true, StatusHealthy)))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))

	assert.Eventually(t, func() bool { return len(m.GetLastResults()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}
