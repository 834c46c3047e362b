package control

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/db"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/tracing"
)

// AdapterSource resolves the adapter owning a kind.
type AdapterSource interface {
	Adapter(kind process.Kind) (process.Adapter, bool)
}

// EventPublisher receives CONTROL_APPLIED events.
type EventPublisher interface {
	Publish(evt streaming.Event) streaming.Event
}

// AuditSink persists control audit records. *db.Client satisfies it.
type AuditSink interface {
	QueueControlAudit(audit *db.ControlAudit, callback func(error))
}

// Dispatcher routes control commands to the owning subsystem.
type Dispatcher struct {
	adapters AdapterSource
	events   EventPublisher
	audit    AuditSink
	logger   *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAudit persists every control decision to sink.
func WithAudit(sink AuditSink) Option {
	return func(d *Dispatcher) { d.audit = sink }
}

// NewDispatcher creates a dispatcher. events may be nil.
func NewDispatcher(adapters AdapterSource, events EventPublisher, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{adapters: adapters, events: events, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Control applies cmd.Verb to the process named by cmd.ProcessID. The
// kind is decoded from the id, so an unknown prefix is NotFound. Adapter
// errors are returned unchanged.
func (d *Dispatcher) Control(ctx context.Context, cmd process.Command) (process.Entry, error) {
	ctx, span := tracing.StartSpan(ctx, "control.Dispatch",
		attribute.String("process_id", cmd.ProcessID),
		attribute.String("verb", string(cmd.Verb)),
	)
	defer span.End()

	verb, err := process.ParseVerb(string(cmd.Verb))
	if err != nil {
		return process.Entry{}, err
	}
	cmd.Verb = verb
	kind, ok := process.KindFromID(cmd.ProcessID)
	if !ok {
		metrics.RecordControl("unknown", string(cmd.Verb), "not_found")
		return process.Entry{}, &process.NotFoundError{ID: cmd.ProcessID}
	}
	adapter, ok := d.adapters.Adapter(kind)
	if !ok {
		metrics.RecordControl(string(kind), string(cmd.Verb), "not_found")
		return process.Entry{}, &process.NotFoundError{Kind: kind, ID: cmd.ProcessID}
	}

	start := time.Now()
	entry, err := adapter.Apply(ctx, cmd.ProcessID, cmd.RequesterTenantID, cmd.Verb)
	result := outcome(err)
	metrics.RecordControl(string(kind), string(cmd.Verb), result)
	d.record(kind, cmd, entry, result, err)
	if err != nil {
		tracing.RecordError(span, err)
		d.logger.Info("Control rejected",
			zap.String("process_id", cmd.ProcessID),
			zap.String("kind", string(kind)),
			zap.String("verb", string(cmd.Verb)),
			zap.String("tenant_id", cmd.RequesterTenantID.String()),
			zap.String("result", result),
			zap.Error(err),
		)
		return process.Entry{}, err
	}

	d.logger.Info("Control applied",
		zap.String("process_id", cmd.ProcessID),
		zap.String("kind", string(kind)),
		zap.String("verb", string(cmd.Verb)),
		zap.String("tenant_id", cmd.RequesterTenantID.String()),
		zap.String("requested_by", cmd.RequestedBy),
		zap.String("reason", cmd.Reason),
		zap.String("status", string(entry.Status)),
		zap.String("native_status", entry.NativeRef.Status),
		zap.Duration("duration", time.Since(start)),
	)
	if d.events != nil {
		d.events.Publish(streaming.Event{
			TenantID:  cmd.RequesterTenantID.String(),
			Type:      streaming.EventControlApplied,
			ProcessID: entry.ID,
			Kind:      string(kind),
			Status:    string(entry.Status),
			Verb:      string(cmd.Verb),
			Message:   cmd.Reason,
		})
	}
	return entry, nil
}

func outcome(err error) string {
	var (
		notFound    *process.NotFoundError
		invalid     *process.InvalidStateTransitionError
		unavailable *process.SubsystemUnavailableError
		validation  *process.ValidationError
	)
	switch {
	case err == nil:
		return "applied"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &invalid):
		if errors.Is(err, process.ErrUnsupported) {
			return "unsupported"
		}
		return "invalid_state"
	case errors.As(err, &validation):
		return "invalid"
	case errors.As(err, &unavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func (d *Dispatcher) record(kind process.Kind, cmd process.Command, entry process.Entry, result string, err error) {
	if d.audit == nil {
		return
	}
	audit := &db.ControlAudit{
		TenantID:    cmd.RequesterTenantID,
		ProcessID:   cmd.ProcessID,
		Kind:        string(kind),
		Verb:        string(cmd.Verb),
		Result:      result,
		Status:      string(entry.Status),
		Reason:      cmd.Reason,
		RequestedBy: cmd.RequestedBy,
	}
	if err != nil {
		audit.Details = db.JSONB{"error": err.Error()}
	} else {
		audit.Details = db.JSONB{"native_status": entry.NativeRef.Status}
	}
	d.audit.QueueControlAudit(audit, nil)
}
