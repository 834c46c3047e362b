package subsystems

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
)

// ControlHook runs inside the entity lock after a verb has been accepted,
// letting a subsystem record verb specific details on the native entity.
type ControlHook[T any] func(v *T, verb process.Verb, from, to string, at time.Time)

// Adapter is the process.Adapter shared by the table driven subsystems.
type Adapter[T any, P Entity[T]] struct {
	table  *process.Table
	store  Store[T]
	logger *zap.Logger
	label  func(*T) string
	hook   ControlHook[T]
	now    func() time.Time
}

// AdapterOption customizes an Adapter.
type AdapterOption[T any] func(*adapterOptions[T])

type adapterOptions[T any] struct {
	label func(*T) string
	hook  ControlHook[T]
	now   func() time.Time
}

// WithLabel sets the function used to fill Entry.Label.
func WithLabel[T any](fn func(*T) string) AdapterOption[T] {
	return func(o *adapterOptions[T]) { o.label = fn }
}

// WithControlHook registers a hook run on every accepted verb.
func WithControlHook[T any](hook ControlHook[T]) AdapterOption[T] {
	return func(o *adapterOptions[T]) { o.hook = hook }
}

// WithClock overrides time.Now, for tests.
func WithClock[T any](now func() time.Time) AdapterOption[T] {
	return func(o *adapterOptions[T]) { o.now = now }
}

// NewAdapter builds an adapter over store using table for status mapping
// and verb legality.
func NewAdapter[T any, P Entity[T]](table *process.Table, store Store[T], logger *zap.Logger, opts ...AdapterOption[T]) *Adapter[T, P] {
	o := adapterOptions[T]{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter[T, P]{
		table:  table,
		store:  store,
		logger: logger.With(zap.String("subsystem", string(table.Kind()))),
		label:  o.label,
		hook:   o.hook,
		now:    o.now,
	}
}

func (a *Adapter[T, P]) Kind() process.Kind { return a.table.Kind() }

func (a *Adapter[T, P]) List(ctx context.Context, tenantID uuid.UUID) ([]process.Entry, error) {
	items, err := a.store.List(ctx, tenantID)
	if err != nil {
		return nil, a.unavailable(err)
	}
	entries := make([]process.Entry, 0, len(items))
	for i := range items {
		entry, err := a.toEntry(&items[i])
		if err != nil {
			// One malformed entity poisons the whole listing rather than
			// being silently dropped.
			return nil, a.unavailable(err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (a *Adapter[T, P]) Get(ctx context.Context, id string, tenantID uuid.UUID) (process.Entry, error) {
	v, err := a.store.Get(ctx, id, tenantID)
	if err != nil {
		return process.Entry{}, a.classify(err)
	}
	entry, err := a.toEntry(&v)
	if err != nil {
		return process.Entry{}, a.unavailable(err)
	}
	return entry, nil
}

func (a *Adapter[T, P]) Apply(ctx context.Context, id string, tenantID uuid.UUID, verb process.Verb) (process.Entry, error) {
	var from, to string
	updated, err := a.store.Update(ctx, id, tenantID, func(v *T) error {
		meta := P(v).Meta()
		target, err := a.table.Plan(id, meta.Status, verb)
		if err != nil {
			return err
		}
		at := a.now()
		from, to = meta.Status, target
		if a.hook != nil {
			a.hook(v, verb, from, to, at)
		}
		meta.Status = target
		meta.UpdatedAt = at
		return nil
	})
	if err != nil {
		return process.Entry{}, a.classify(err)
	}

	a.logger.Debug("Applied control verb",
		zap.String("id", id),
		zap.String("verb", string(verb)),
		zap.String("from", from),
		zap.String("to", to),
	)
	entry, err := a.toEntry(&updated)
	if err != nil {
		return process.Entry{}, a.unavailable(err)
	}
	return entry, nil
}

func (a *Adapter[T, P]) toEntry(v *T) (process.Entry, error) {
	meta := P(v).Meta()
	status, ok := a.table.Canonical(meta.Status)
	if !ok {
		return process.Entry{}, fmt.Errorf("entity %s has unknown native status %q", meta.ID, meta.Status)
	}
	entry := process.Entry{
		ID:        meta.ID,
		Kind:      a.table.Kind(),
		TenantID:  meta.TenantID,
		Status:    status,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
		NativeRef: process.NativeRef{
			Kind:   a.table.Kind(),
			ID:     meta.ID,
			Status: meta.Status,
		},
	}
	if a.label != nil {
		entry.Label = a.label(v)
	}
	return entry, nil
}

// classify passes typed hub errors through and turns anything else into a
// SubsystemUnavailableError.
func (a *Adapter[T, P]) classify(err error) error {
	var (
		nf  *process.NotFoundError
		ist *process.InvalidStateTransitionError
		ve  *process.ValidationError
	)
	if errors.As(err, &nf) || errors.As(err, &ist) || errors.As(err, &ve) {
		return err
	}
	return a.unavailable(err)
}

func (a *Adapter[T, P]) unavailable(err error) error {
	var su *process.SubsystemUnavailableError
	if errors.As(err, &su) {
		return err
	}
	a.logger.Warn("Subsystem read failed", zap.Error(err))
	return &process.SubsystemUnavailableError{Kind: a.table.Kind(), Err: err}
}
