package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/tracing"
)

// BreakerConfig adapts base so that a caller going away does not count
// against a subsystem. Timeouts still do.
func BreakerConfig(base circuitbreaker.Config) circuitbreaker.Config {
	base.IsFailure = func(err error) bool {
		return !errors.Is(err, context.Canceled)
	}
	return base
}

// Registry aggregates every registered subsystem adapter into one
// tenant-scoped view.
type Registry struct {
	adapters map[process.Kind]process.Adapter
	order    []process.Kind
	breakers *circuitbreaker.Group
	events   EventPublisher
	logger   *zap.Logger
	timeout  atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithBreakers shares an existing breaker group, e.g. for health reporting.
func WithBreakers(g *circuitbreaker.Group) Option {
	return func(r *Registry) { r.breakers = g }
}

// WithEvents publishes a SUBSYSTEM_DEGRADED event for every failed adapter.
func WithEvents(p EventPublisher) Option {
	return func(r *Registry) { r.events = p }
}

// New creates a registry over adapters. Each kind may be registered once
// and must be one of the known kinds.
func New(adapters []process.Adapter, cfg Config, logger *zap.Logger, opts ...Option) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		adapters: make(map[process.Kind]process.Adapter, len(adapters)),
		logger:   logger,
	}
	for _, a := range adapters {
		kind := a.Kind()
		if _, err := process.ParseKind(string(kind)); err != nil {
			return nil, fmt.Errorf("register adapter: %w", err)
		}
		if _, dup := r.adapters[kind]; dup {
			return nil, fmt.Errorf("register adapter: kind %s registered twice", kind)
		}
		r.adapters[kind] = a
	}
	for _, kind := range process.PriorityOrder {
		if _, ok := r.adapters[kind]; ok {
			r.order = append(r.order, kind)
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breakers == nil {
		r.breakers = circuitbreaker.NewGroup("adapter", BreakerConfig(circuitbreaker.DefaultConfig()), logger)
	}
	r.SetAdapterTimeout(cfg.AdapterTimeout)
	return r, nil
}

// SetAdapterTimeout changes the per-adapter bound. Non-positive values
// restore the default.
func (r *Registry) SetAdapterTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultAdapterTimeout
	}
	r.timeout.Store(int64(d))
}

// AdapterTimeout returns the current per-adapter bound.
func (r *Registry) AdapterTimeout() time.Duration {
	return time.Duration(r.timeout.Load())
}

// Kinds returns the registered kinds in priority order.
func (r *Registry) Kinds() []process.Kind {
	return append([]process.Kind(nil), r.order...)
}

// Adapter returns the adapter registered for kind.
func (r *Registry) Adapter(kind process.Kind) (process.Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}

// Breakers reports the state of every adapter breaker used so far.
func (r *Registry) Breakers() map[string]circuitbreaker.State {
	return r.breakers.Snapshot()
}

// ListAll queries every adapter concurrently and merges the results.
// A failing, slow or breaker-blocked subsystem is reported in
// PartialErrors and never fails the listing as a whole.
func (r *Registry) ListAll(ctx context.Context, tenantID uuid.UUID, filter Filter) (*Listing, error) {
	ctx, span := tracing.StartSpan(ctx, "registry.ListAll",
		attribute.String("tenant_id", tenantID.String()),
		attribute.Int("adapters", len(r.order)),
	)
	defer span.End()
	start := time.Now()

	results := make([][]process.Entry, len(r.order))
	failures := make([]error, len(r.order))

	var g errgroup.Group
	for i, kind := range r.order {
		g.Go(func() error {
			results[i], failures[i] = r.listOne(ctx, r.adapters[kind], tenantID)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	listing := &Listing{
		PartialErrors: make(map[process.Kind]error),
		Summary: Summary{
			ByStatus: make(map[process.Status]int),
			ByKind:   make(map[process.Kind]int),
		},
	}
	var merged []process.Entry
	for i, kind := range r.order {
		if failures[i] != nil {
			listing.PartialErrors[kind] = failures[i]
			r.degraded(tenantID, kind, failures[i])
			continue
		}
		merged = append(merged, results[i]...)
	}
	Sort(merged)

	listing.Entries = make([]process.Entry, 0, len(merged))
	for _, e := range merged {
		listing.Summary.Total++
		listing.Summary.ByStatus[e.Status]++
		listing.Summary.ByKind[e.Kind]++
		if filter.match(e) {
			listing.Entries = append(listing.Entries, e)
		}
	}

	span.SetAttributes(
		attribute.Int("entries", len(listing.Entries)),
		attribute.Int("partial_errors", len(listing.PartialErrors)),
	)
	metrics.RecordListing(listing.Partial(), time.Since(start))
	return listing, nil
}

// Sort orders entries by CreatedAt descending, ties broken by ID ascending.
func Sort(entries []process.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (r *Registry) listOne(ctx context.Context, a process.Adapter, tenantID uuid.UUID) ([]process.Entry, error) {
	kind := a.Kind()
	ctx, cancel := context.WithTimeout(ctx, r.AdapterTimeout())
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "registry.adapter.List", attribute.String("kind", string(kind)))
	defer span.End()
	start := time.Now()

	var entries []process.Entry
	err := r.breakers.Get(string(kind)).Execute(ctx, func(ctx context.Context) error {
		type result struct {
			entries []process.Entry
			err     error
		}
		// Buffered so an adapter that ignores ctx can still finish and exit.
		done := make(chan result, 1)
		go func() {
			list, err := a.List(ctx, tenantID)
			done <- result{entries: list, err: err}
		}()
		select {
		case res := <-done:
			if res.err != nil {
				return res.err
			}
			if err := verify(kind, tenantID, res.entries); err != nil {
				return err
			}
			entries = res.entries
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	metrics.AdapterListDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	if err == nil {
		return entries, nil
	}

	tracing.RecordError(span, err)
	reason := failureReason(err)
	metrics.AdapterFailures.WithLabelValues(string(kind), reason).Inc()
	r.logger.Warn("Subsystem unavailable during listing",
		zap.String("kind", string(kind)),
		zap.String("reason", reason),
		zap.String("tenant_id", tenantID.String()),
		zap.Error(err),
	)
	var unavailable *process.SubsystemUnavailableError
	if errors.As(err, &unavailable) {
		return nil, unavailable
	}
	return nil, &process.SubsystemUnavailableError{Kind: kind, Err: err}
}

// verify rejects a slice that carries another kind or another tenant's
// entries rather than passing it through.
func verify(kind process.Kind, tenantID uuid.UUID, entries []process.Entry) error {
	for _, e := range entries {
		if e.Kind != kind {
			return fmt.Errorf("entry %s has kind %s", e.ID, e.Kind)
		}
		if e.TenantID != tenantID {
			return fmt.Errorf("entry %s belongs to another tenant", e.ID)
		}
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func (r *Registry) degraded(tenantID uuid.UUID, kind process.Kind, err error) {
	if r.events == nil {
		return
	}
	r.events.Publish(streaming.Event{
		TenantID: tenantID.String(),
		Type:     streaming.EventSubsystemDegraded,
		Kind:     string(kind),
		Message:  err.Error(),
	})
}

// GetOne resolves id by asking each subsystem in priority order. The
// first adapter that owns the id wins. When no adapter owns it but one
// could not answer, the answer is SubsystemUnavailable rather than a
// possibly wrong NotFound.
func (r *Registry) GetOne(ctx context.Context, id string, tenantID uuid.UUID) (process.Entry, error) {
	ctx, span := tracing.StartSpan(ctx, "registry.GetOne", attribute.String("process_id", id))
	defer span.End()

	var unavailable error
	for _, kind := range r.order {
		entry, err := r.getFrom(ctx, r.adapters[kind], id, tenantID)
		if err == nil {
			return entry, nil
		}
		if process.IsNotFound(err) {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return process.Entry{}, ctxErr
		}
		if unavailable == nil {
			unavailable = err
		}
	}
	if unavailable != nil {
		tracing.RecordError(span, unavailable)
		return process.Entry{}, unavailable
	}
	kind, _ := process.KindFromID(id)
	return process.Entry{}, &process.NotFoundError{Kind: kind, ID: id}
}

func (r *Registry) getFrom(ctx context.Context, a process.Adapter, id string, tenantID uuid.UUID) (process.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.AdapterTimeout())
	defer cancel()
	entry, err := a.Get(ctx, id, tenantID)
	if err == nil || process.IsNotFound(err) {
		return entry, err
	}
	var unavailable *process.SubsystemUnavailableError
	if errors.As(err, &unavailable) {
		return entry, err
	}
	return entry, &process.SubsystemUnavailableError{Kind: a.Kind(), Err: err}
}
