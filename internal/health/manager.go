package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the hub.
const ServiceName = "opshub.OperationsHub"

// checkerState is the runtime state of a registered checker.
type checkerState struct {
	checker   Checker
	enabled   bool
	timeout   time.Duration
	critical  bool
	lastCheck time.Time
}

// Manager runs registered checks on demand and in the background, and
// mirrors readiness into a gRPC health server when one is attached.
type Manager struct {
	checkers      map[string]*checkerState
	lastResults   map[string]CheckResult
	checkInterval time.Duration
	grpc          *grpchealth.Server
	started       bool
	stopCh        chan struct{}
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewManager creates a new health manager
func NewManager(checkInterval time.Duration, logger *zap.Logger) *Manager {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:      make(map[string]*checkerState),
		lastResults:   make(map[string]CheckResult),
		checkInterval: checkInterval,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}
}

// AttachGRPC makes every evaluation update srv's serving status.
func (m *Manager) AttachGRPC(srv *grpchealth.Server) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grpc = srv
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = &checkerState{
		checker:  checker,
		enabled:  true,
		timeout:  checker.Timeout(),
		critical: checker.IsCritical(),
	}
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// UnregisterChecker removes a health check
func (m *Manager) UnregisterChecker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[name]; !exists {
		return fmt.Errorf("checker %s not found", name)
	}
	delete(m.checkers, name)
	delete(m.lastResults, name)
	return nil
}

// SetEnabled enables or disables a registered checker.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, exists := m.checkers[name]
	if !exists {
		return fmt.Errorf("checker %s not found", name)
	}
	state.enabled = enabled
	return nil
}

// GetOverallHealth returns the overall health status
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	start := time.Now()
	detailed := m.GetDetailedHealth(ctx)
	overall := detailed.Overall
	overall.Timestamp = detailed.Timestamp
	overall.Duration = time.Since(start)
	return overall
}

// GetDetailedHealth runs every enabled check concurrently and aggregates.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	states := make([]*checkerState, 0, len(m.checkers))
	for _, state := range m.checkers {
		if state.enabled {
			states = append(states, state)
		}
	}
	m.mu.RUnlock()

	timestamp := time.Now()
	results := make([]CheckResult, len(states))
	var wg sync.WaitGroup
	for i, state := range states {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.runCheck(ctx, state)
		}()
	}
	wg.Wait()

	components := make(map[string]CheckResult, len(results))
	m.mu.Lock()
	for i, result := range results {
		components[result.Component] = result
		m.lastResults[result.Component] = result
		states[i].lastCheck = result.Timestamp
	}
	m.mu.Unlock()

	detailed := Aggregate(components)
	detailed.Timestamp = timestamp
	m.publish(detailed.Overall)
	return detailed
}

// runCheck executes one check with its timeout and fills in the fields
// the checker is not trusted to set.
func (m *Manager) runCheck(ctx context.Context, state *checkerState) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, state.timeout)
	defer cancel()

	start := time.Now()
	result := state.checker.Check(checkCtx)
	result.Component = state.checker.Name()
	result.Critical = state.critical
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}

// Aggregate computes the summary and overall status for components.
func Aggregate(components map[string]CheckResult) DetailedHealth {
	summary := HealthSummary{Total: len(components)}
	for _, result := range components {
		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if result.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}
	return DetailedHealth{
		Overall:    overallStatus(components, summary),
		Components: components,
		Summary:    summary,
		Timestamp:  time.Now(),
	}
}

func overallStatus(components map[string]CheckResult, summary HealthSummary) OverallHealth {
	// The process is alive even when nothing is registered.
	if summary.Total == 0 {
		return OverallHealth{Status: StatusHealthy, Message: "No health checks registered", Ready: true, Live: true}
	}

	criticalFailures, nonCriticalFailures, degraded := 0, 0, 0
	for _, result := range components {
		switch {
		case result.Status == StatusDegraded:
			degraded++
		case result.Status == StatusUnhealthy && result.Critical:
			criticalFailures++
		case result.Status == StatusUnhealthy:
			nonCriticalFailures++
		}
	}

	overall := OverallHealth{Ready: true, Live: true}
	switch {
	case criticalFailures > 0:
		overall.Status = StatusUnhealthy
		overall.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		overall.Ready = false
	case degraded > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d component(s) degraded", degraded)
	case nonCriticalFailures > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures)
	default:
		overall.Status = StatusHealthy
		overall.Message = fmt.Sprintf("All %d components healthy", summary.Total)
	}
	overall.Degraded = overall.Status == StatusDegraded || degraded > 0
	return overall
}

func (m *Manager) publish(overall OverallHealth) {
	m.mu.RLock()
	srv := m.grpc
	m.mu.RUnlock()
	if srv == nil {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if !overall.Ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	srv.SetServingStatus("", status)
	srv.SetServingStatus(ServiceName, status)
}

// IsReady returns true if the service is ready to serve requests
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports liveness. It never runs dependency checks: a hung
// dependency must not get the process restarted.
func (m *Manager) IsLive(context.Context) bool {
	return true
}

// GetLastResults returns the most recent results without running checks.
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		results[name] = result
	}
	return results
}

// Start begins background health checking
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	m.started = true
	go m.backgroundChecker(ctx)

	m.logger.Info("Health manager started",
		zap.Duration("check_interval", m.checkInterval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
	return nil
}

// Stop stops background health checking
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	close(m.stopCh)
	m.started = false
	if m.grpc != nil {
		m.grpc.Shutdown()
	}
	m.logger.Info("Health manager stopped")
	return nil
}

func (m *Manager) backgroundChecker(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.runBackgroundChecks(ctx)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runBackgroundChecks(ctx)
		}
	}
}

func (m *Manager) runBackgroundChecks(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	detailed := m.GetDetailedHealth(ctx)
	if detailed.Overall.Status != StatusHealthy {
		m.logger.Warn("Health degraded",
			zap.String("status", detailed.Overall.Status.String()),
			zap.String("message", detailed.Overall.Message),
		)
	}
}
