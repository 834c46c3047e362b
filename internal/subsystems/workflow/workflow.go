// Package workflow is the workflow execution subsystem. An execution runs a
// named workflow one or more times; repeats are strictly sequential and a
// run is only recorded while the execution is running.
package workflow

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
	StatusScheduled  = "scheduled"
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusTerminated = "terminated"
)

// MaxRepeatCount bounds how many runs a single execution may request.
const MaxRepeatCount = 1000

// Table maps workflow execution statuses onto the canonical model.
var Table = process.NewTable(process.KindWorkflow,
	map[string]process.Status{
		StatusScheduled:  process.StatusPending,
		StatusRunning:    process.StatusRunning,
		StatusPaused:     process.StatusPaused,
		StatusSucceeded:  process.StatusCompleted,
		StatusFailed:     process.StatusFailed,
		StatusTerminated: process.StatusCancelled,
	},
	map[process.Verb]string{
		process.VerbPause:  StatusPaused,
		process.VerbResume: StatusRunning,
		process.VerbCancel: StatusTerminated,
	},
)

// Options are the execution control fields supplied at scheduling time.
type Options struct {
	RepeatCount    int           `json:"repeat_count"`
	RepeatInterval time.Duration `json:"repeat_interval"`
	Autonomous     bool          `json:"autonomous"`
	// StopOnFailure ends the execution at the first failed run instead of
	// running the remaining repeats.
	StopOnFailure bool `json:"stop_on_failure"`
}

// Execution is one workflow execution.
type Execution struct {
	subsystems.Base
	WorkflowName  string     `json:"workflow_name"`
	Options       Options    `json:"options"`
	CompletedRuns int        `json:"completed_runs"`
	FailedRuns    int        `json:"failed_runs"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	PausedAt      *time.Time `json:"paused_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// RunsRecorded is the number of finished runs, successful or not.
func (e Execution) RunsRecorded() int {
	return e.CompletedRuns + e.FailedRuns
}

// Store is the workflow store contract.
type Store = subsystems.Store[Execution]

// NewMemoryStore returns an empty in-memory execution store.
func NewMemoryStore() *subsystems.MemoryStore[Execution, *Execution] {
	return subsystems.NewMemoryStore[Execution](process.KindWorkflow)
}

// NewAdapter exposes store to the hub. Pausing clears the next run time so
// a paused execution never looks due; resuming schedules the next run
// after the configured interval.
func NewAdapter(store Store, logger *zap.Logger) process.Adapter {
	return subsystems.NewAdapter[Execution](Table, store, logger,
		subsystems.WithLabel(func(e *Execution) string { return e.WorkflowName }),
		subsystems.WithControlHook(func(e *Execution, verb process.Verb, _, _ string, at time.Time) {
			switch verb {
			case process.VerbPause:
				e.PausedAt = &at
				e.NextRunAt = nil
			case process.VerbResume:
				e.PausedAt = nil
				next := at.Add(e.Options.RepeatInterval)
				e.NextRunAt = &next
			case process.VerbCancel:
				e.NextRunAt = nil
			}
		}),
	)
}

// Service holds the operations the workflow subsystem itself performs.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a workflow service over store.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Schedule records a new execution.
func (s *Service) Schedule(ctx context.Context, tenantID uuid.UUID, name string, opts Options) (Execution, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Execution{}, &process.ValidationError{Field: "workflow_name", Message: "workflow name is required"}
	}
	if opts.RepeatCount == 0 {
		opts.RepeatCount = 1
	}
	if opts.RepeatCount < 0 || opts.RepeatCount > MaxRepeatCount {
		return Execution{}, &process.ValidationError{Field: "repeat_count", Message: "repeat count must be between 1 and 1000"}
	}
	if opts.RepeatInterval < 0 {
		return Execution{}, &process.ValidationError{Field: "repeat_interval", Message: "repeat interval cannot be negative"}
	}
	now := s.now()
	exec := Execution{
		Base:         subsystems.NewBase(process.KindWorkflow, tenantID, StatusScheduled, now),
		WorkflowName: name,
		Options:      opts,
		NextRunAt:    &now,
	}
	if err := s.store.Insert(ctx, exec); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// Start moves a scheduled execution into running.
func (s *Service) Start(ctx context.Context, id string, tenantID uuid.UUID) (Execution, error) {
	return subsystems.Advance(ctx, s.store, id, tenantID, []string{StatusScheduled}, StatusRunning, s.now(), nil)
}

// RecordRun records the outcome of one run. Once every repeat has run the
// execution succeeds if none failed and fails otherwise. With
// StopOnFailure the first failed run ends it immediately.
func (s *Service) RecordRun(ctx context.Context, id string, tenantID uuid.UUID, runErr error) (Execution, error) {
	now := s.now()
	updated, err := s.store.Update(ctx, id, tenantID, func(e *Execution) error {
		if e.Status != StatusRunning {
			return subsystems.Illegal(e.ID, e.Status, "record run for")
		}
		if runErr != nil {
			e.FailedRuns++
			e.LastError = runErr.Error()
		} else {
			e.CompletedRuns++
		}
		e.UpdatedAt = now

		switch {
		case runErr != nil && e.Options.StopOnFailure:
			e.Status = StatusFailed
			e.NextRunAt = nil
		case e.RunsRecorded() >= e.Options.RepeatCount:
			if e.FailedRuns > 0 {
				e.Status = StatusFailed
			} else {
				e.Status = StatusSucceeded
			}
			e.NextRunAt = nil
		default:
			next := now.Add(e.Options.RepeatInterval)
			e.NextRunAt = &next
		}
		return nil
	})
	if err != nil {
		return Execution{}, err
	}
	s.logger.Debug("Workflow run recorded",
		zap.String("id", updated.ID),
		zap.Int("completed_runs", updated.CompletedRuns),
		zap.Int("failed_runs", updated.FailedRuns),
		zap.String("status", updated.Status),
	)
	return updated, nil
}

// Get returns one execution.
func (s *Service) Get(ctx context.Context, id string, tenantID uuid.UUID) (Execution, error) {
	return s.store.Get(ctx, id, tenantID)
}
