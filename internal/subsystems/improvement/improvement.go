// Package improvement is the improvement analysis subsystem. A job
// analyzes a target (a prompt, a tool, an agent configuration) and
// accumulates findings.
package improvement

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/subsystems"
)

// Native statuses.
const (
	StatusQueued    = "queued"
	StatusAnalyzing = "analyzing"
	StatusOnHold    = "on_hold"
	StatusDone      = "done"
	StatusError     = "error"
	StatusWithdrawn = "withdrawn"
)

// Table maps improvement job statuses onto the canonical model.
var Table = process.NewTable(process.KindImprovement,
	map[string]process.Status{
		StatusQueued:    process.StatusPending,
		StatusAnalyzing: process.StatusRunning,
		StatusOnHold:    process.StatusPaused,
		StatusDone:      process.StatusCompleted,
		StatusError:     process.StatusFailed,
		StatusWithdrawn: process.StatusCancelled,
	},
	map[process.Verb]string{
		process.VerbPause:  StatusOnHold,
		process.VerbResume: StatusAnalyzing,
		process.VerbCancel: StatusWithdrawn,
	},
)

// Strategies a job may run.
const (
	StrategyHeuristic  = "heuristic"
	StrategyComparison = "comparison"
	StrategyRegression = "regression"
)

// Finding is one observation produced by a job.
type Finding struct {
	Summary    string    `json:"summary"`
	Severity   string    `json:"severity"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Job is one improvement analysis.
type Job struct {
	subsystems.Base
	Target   string    `json:"target"`
	Strategy string    `json:"strategy"`
	Progress float64   `json:"progress"`
	Findings []Finding `json:"findings,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Store is the improvement store contract.
type Store = subsystems.Store[Job]

// NewMemoryStore returns an empty in-memory job store.
func NewMemoryStore() *subsystems.MemoryStore[Job, *Job] {
	return subsystems.NewMemoryStore[Job](process.KindImprovement)
}

// NewAdapter exposes store to the hub.
func NewAdapter(store Store, logger *zap.Logger) process.Adapter {
	return subsystems.NewAdapter[Job](Table, store, logger,
		subsystems.WithLabel(func(j *Job) string { return j.Target }),
	)
}

// Service holds the operations the improvement subsystem itself performs.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates an improvement service over store.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Enqueue records a queued job.
func (s *Service) Enqueue(ctx context.Context, tenantID uuid.UUID, target, strategy string) (Job, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Job{}, &process.ValidationError{Field: "target", Message: "analysis target is required"}
	}
	switch strategy {
	case "":
		strategy = StrategyHeuristic
	case StrategyHeuristic, StrategyComparison, StrategyRegression:
	default:
		return Job{}, &process.ValidationError{Field: "strategy", Message: "unknown strategy " + strategy}
	}
	job := Job{
		Base:     subsystems.NewBase(process.KindImprovement, tenantID, StatusQueued, s.now()),
		Target:   target,
		Strategy: strategy,
	}
	if err := s.store.Insert(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Begin starts analysis of a queued job.
func (s *Service) Begin(ctx context.Context, id string, tenantID uuid.UUID) (Job, error) {
	return subsystems.Advance(ctx, s.store, id, tenantID, []string{StatusQueued}, StatusAnalyzing, s.now(), nil)
}

// AddFinding appends a finding and updates progress on an analyzing job.
func (s *Service) AddFinding(ctx context.Context, id string, tenantID uuid.UUID, f Finding, progress float64) (Job, error) {
	if progress < 0 || progress > 1 {
		return Job{}, &process.ValidationError{Field: "progress", Message: "progress must be between 0 and 1"}
	}
	now := s.now()
	return subsystems.Advance(ctx, s.store, id, tenantID, []string{StatusAnalyzing}, StatusAnalyzing, now, func(j *Job) error {
		if f.RecordedAt.IsZero() {
			f.RecordedAt = now
		}
		findings := make([]Finding, len(j.Findings), len(j.Findings)+1)
		copy(findings, j.Findings)
		j.Findings = append(findings, f)
		if progress > j.Progress {
			j.Progress = progress
		}
		return nil
	})
}

// Complete finishes an analyzing job.
func (s *Service) Complete(ctx context.Context, id string, tenantID uuid.UUID) (Job, error) {
	return subsystems.Advance(ctx, s.store, id, tenantID, []string{StatusAnalyzing}, StatusDone, s.now(), func(j *Job) error {
		j.Progress = 1
		return nil
	})
}

// Fail marks an analyzing job as errored.
func (s *Service) Fail(ctx context.Context, id string, tenantID uuid.UUID, reason string) (Job, error) {
	return subsystems.Advance(ctx, s.store, id, tenantID, []string{StatusAnalyzing}, StatusError, s.now(), func(j *Job) error {
		j.Error = reason
		return nil
	})
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id string, tenantID uuid.UUID) (Job, error) {
	return s.store.Get(ctx, id, tenantID)
}
