// Package trace is the trace execution subsystem: recorded agent runs whose
// spans are collected while they execute.
package trace

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
	StatusRunning   = "running"
	StatusSuspended = "suspended"
	StatusSucceeded = "succeeded"
	StatusErrored   = "errored"
	StatusAborted   = "aborted"
)

// Table maps trace statuses onto the canonical model.
var Table = process.NewTable(process.KindTrace,
	map[string]process.Status{
		StatusQueued:    process.StatusPending,
		StatusRunning:   process.StatusRunning,
		StatusSuspended: process.StatusPaused,
		StatusSucceeded: process.StatusCompleted,
		StatusErrored:   process.StatusFailed,
		StatusAborted:   process.StatusCancelled,
	},
	map[process.Verb]string{
		process.VerbPause:  StatusSuspended,
		process.VerbResume: StatusRunning,
		process.VerbCancel: StatusAborted,
	},
)

// Trace is one recorded execution.
type Trace struct {
	subsystems.Base
	Name        string     `json:"name"`
	Source      string     `json:"source,omitempty"`
	SpanCount   int        `json:"span_count"`
	Error       string     `json:"error,omitempty"`
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
}

// Store is the trace store contract.
type Store = subsystems.Store[Trace]

// NewMemoryStore returns an empty in-memory trace store.
func NewMemoryStore() *subsystems.MemoryStore[Trace, *Trace] {
	return subsystems.NewMemoryStore[Trace](process.KindTrace)
}

// NewAdapter exposes store to the hub.
func NewAdapter(store Store, logger *zap.Logger) process.Adapter {
	return subsystems.NewAdapter[Trace](Table, store, logger,
		subsystems.WithLabel(func(t *Trace) string { return t.Name }),
		subsystems.WithControlHook(func(t *Trace, verb process.Verb, _, _ string, at time.Time) {
			switch verb {
			case process.VerbPause:
				t.SuspendedAt = &at
			case process.VerbResume, process.VerbCancel:
				t.SuspendedAt = nil
			}
		}),
	)
}

// Service holds the operations the trace subsystem itself performs.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a trace service over store.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Start records a new queued trace.
func (s *Service) Start(ctx context.Context, tenantID uuid.UUID, name, source string) (Trace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Trace{}, &process.ValidationError{Field: "name", Message: "trace name is required"}
	}
	t := Trace{
		Base:   subsystems.NewBase(process.KindTrace, tenantID, StatusQueued, s.now()),
		Name:   name,
		Source: source,
	}
	if err := s.store.Insert(ctx, t); err != nil {
		return Trace{}, err
	}
	s.logger.Debug("Trace queued", zap.String("id", t.ID), zap.String("tenant_id", tenantID.String()))
	return t, nil
}

// MarkRunning moves a queued trace to running.
func (s *Service) MarkRunning(ctx context.Context, id string, tenantID uuid.UUID) (Trace, error) {
	return subsystems.Advance(ctx, s.store, id, tenantID, []string{StatusQueued}, StatusRunning, s.now(), nil)
}

// RecordSpan counts one more collected span. Spans are only accepted while
// the trace is running.
func (s *Service) RecordSpan(ctx context.Context, id string, tenantID uuid.UUID) (Trace, error) {
	return subsystems.Advance(ctx, s.store, id, tenantID, []string{StatusRunning}, StatusRunning, s.now(), func(t *Trace) error {
		t.SpanCount++
		return nil
	})
}

// Finish ends a running trace. A non-empty errMsg marks it errored.
func (s *Service) Finish(ctx context.Context, id string, tenantID uuid.UUID, errMsg string) (Trace, error) {
	to := StatusSucceeded
	if errMsg != "" {
		to = StatusErrored
	}
	return subsystems.Advance(ctx, s.store, id, tenantID, []string{StatusRunning}, to, s.now(), func(t *Trace) error {
		t.Error = errMsg
		return nil
	})
}

// Get returns one trace.
func (s *Service) Get(ctx context.Context, id string, tenantID uuid.UUID) (Trace, error) {
	return s.store.Get(ctx, id, tenantID)
}
