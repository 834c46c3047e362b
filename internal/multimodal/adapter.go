package multimodal

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
)

// Table maps request statuses onto the canonical model. Requests cannot
// be paused, so pause and resume are unsupported.
var Table = process.NewTable(process.KindMultimodal,
	map[string]process.Status{
		string(StatusPending):    process.StatusRunning,
		string(StatusProcessing): process.StatusRunning,
		string(StatusCompleted):  process.StatusCompleted,
		string(StatusFailed):     process.StatusFailed,
		string(StatusCancelled):  process.StatusCancelled,
	},
	map[process.Verb]string{
		process.VerbCancel: string(StatusCancelled),
	},
)

// ProviderBreakerConfig adapts base so cancelled attempts do not count as
// provider failures.
func ProviderBreakerConfig(base circuitbreaker.Config) circuitbreaker.Config {
	base.IsFailure = func(err error) bool {
		return !errors.Is(err, context.Canceled)
	}
	return base
}

// Adapter exposes the engine's requests to the hub.
type Adapter struct {
	engine *Engine
}

// NewAdapter creates the hub adapter for engine.
func NewAdapter(engine *Engine) *Adapter {
	return &Adapter{engine: engine}
}

func (a *Adapter) Kind() process.Kind { return process.KindMultimodal }

func (a *Adapter) List(ctx context.Context, tenantID uuid.UUID) ([]process.Entry, error) {
	reqs, err := a.engine.List(ctx, tenantID)
	if err != nil {
		return nil, &process.SubsystemUnavailableError{Kind: process.KindMultimodal, Err: err}
	}
	entries := make([]process.Entry, 0, len(reqs))
	for _, r := range reqs {
		entries = append(entries, ToEntry(r))
	}
	return entries, nil
}

func (a *Adapter) Get(ctx context.Context, id string, tenantID uuid.UUID) (process.Entry, error) {
	req, err := a.engine.Get(ctx, id, tenantID)
	if err != nil {
		return process.Entry{}, err
	}
	return ToEntry(req), nil
}

// Apply maps cancel onto the engine and rejects pause and resume as
// unsupported. Ownership is checked first so foreign ids stay NotFound.
func (a *Adapter) Apply(ctx context.Context, id string, tenantID uuid.UUID, verb process.Verb) (process.Entry, error) {
	req, err := a.engine.Get(ctx, id, tenantID)
	if err != nil {
		return process.Entry{}, err
	}
	if verb != process.VerbCancel {
		_, err := Table.Plan(id, string(req.Status), verb)
		return process.Entry{}, err
	}
	req, err = a.engine.Cancel(ctx, id, tenantID)
	if err != nil {
		return process.Entry{}, err
	}
	return ToEntry(req), nil
}

// ToEntry projects a request into the canonical view.
func ToEntry(r Request) process.Entry {
	status, _ := Table.Canonical(string(r.Status))
	return process.Entry{
		ID:        r.ID,
		Kind:      process.KindMultimodal,
		TenantID:  r.TenantID,
		Status:    status,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		NativeRef: process.NativeRef{
			Kind:   process.KindMultimodal,
			ID:     r.ID,
			Status: string(r.Status),
		},
		Label: string(r.Modality),
	}
}
