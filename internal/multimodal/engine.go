package multimodal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/interceptors"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/tracing"
)

// Verbs the engine reports in InvalidStateTransitionError besides cancel.
const (
	VerbExecute process.Verb = "execute"
	VerbResult  process.Verb = "fetch result of"
)

// Config holds engine limits and defaults.
type Config struct {
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	MaxAttemptsLimit   int           `mapstructure:"max_attempts_limit"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	MaxTimeout         time.Duration `mapstructure:"max_timeout"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	MaxInputBytes      int           `mapstructure:"max_input_bytes"`
	// MaxExecution bounds every attempt running to its timeout plus the
	// backoff between attempts. Keep it below the HTTP write timeout so a
	// synchronous execute can still answer.
	MaxExecution       time.Duration `mapstructure:"max_execution"`
	ProvidersFile      string        `mapstructure:"providers_file"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxAttempts: 3,
		MaxAttemptsLimit:   10,
		DefaultTimeout:     30 * time.Second,
		MaxTimeout:         5 * time.Minute,
		RetryBackoff:       250 * time.Millisecond,
		MaxInputBytes:      8 << 20,
		MaxExecution:       5 * time.Minute,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = d.DefaultMaxAttempts
	}
	if c.MaxAttemptsLimit <= 0 {
		c.MaxAttemptsLimit = d.MaxAttemptsLimit
	}
	if c.DefaultMaxAttempts > c.MaxAttemptsLimit {
		c.DefaultMaxAttempts = c.MaxAttemptsLimit
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.DefaultTimeout > c.MaxTimeout {
		c.DefaultTimeout = c.MaxTimeout
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.MaxInputBytes <= 0 {
		c.MaxInputBytes = d.MaxInputBytes
	}
	if c.MaxExecution <= 0 {
		c.MaxExecution = d.MaxExecution
	}
	return c
}

// WorstCase is how long an execution with these limits can run when every
// attempt times out.
func (c Config) WorstCase(maxAttempts int, timeout time.Duration) time.Duration {
	if maxAttempts <= 0 {
		return 0
	}
	return time.Duration(maxAttempts)*timeout + time.Duration(maxAttempts-1)*c.RetryBackoff
}

// EventPublisher receives lifecycle events.
type EventPublisher interface {
	Publish(evt streaming.Event) streaming.Event
}

type record struct {
	mu     sync.Mutex
	req    Request
	cancel context.CancelFunc
}

// Engine owns every multimodal request. All state changes go through its
// methods, each of which holds the request's lock for its check-then-mutate
// step.
type Engine struct {
	selector *Selector
	events   EventPublisher
	logger   *zap.Logger
	now      func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	mu       sync.RWMutex
	requests map[string]*record

	background sync.WaitGroup
}

// NewEngine creates an engine. events may be nil.
func NewEngine(cfg Config, selector *Selector, events EventPublisher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		selector: selector,
		events:   events,
		logger:   logger,
		now:      time.Now,
		cfg:      cfg.normalized(),
		requests: make(map[string]*record),
	}
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// UpdateConfig applies new limits to requests submitted from now on.
func (e *Engine) UpdateConfig(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = cfg.normalized()
	e.cfgMu.Unlock()
	e.logger.Info("Multimodal engine config updated",
		zap.Int("default_max_attempts", cfg.DefaultMaxAttempts),
		zap.Duration("default_timeout", cfg.DefaultTimeout),
	)
}

// Selector returns the provider selector.
func (e *Engine) Selector() *Selector { return e.selector }

// Submit validates in and stores a new pending request.
func (e *Engine) Submit(ctx context.Context, tenantID uuid.UUID, in SubmitInput) (Request, error) {
	if tenantID == uuid.Nil {
		return Request{}, &process.ValidationError{Field: "tenant_id", Message: "tenant is required"}
	}
	modality, err := ParseModality(in.Modality)
	if err != nil {
		return Request{}, err
	}
	cfg := e.Config()
	if err := validateInput(in.Input, cfg.MaxInputBytes); err != nil {
		return Request{}, err
	}

	maxAttempts := in.MaxAttempts
	switch {
	case maxAttempts == 0:
		maxAttempts = cfg.DefaultMaxAttempts
	case maxAttempts < 0 || maxAttempts > cfg.MaxAttemptsLimit:
		return Request{}, &process.ValidationError{Field: "max_attempts", Message: "max_attempts out of range"}
	}

	timeout := time.Duration(in.TimeoutMS) * time.Millisecond
	switch {
	case in.TimeoutMS == 0:
		timeout = cfg.DefaultTimeout
	case in.TimeoutMS < 0 || timeout > cfg.MaxTimeout:
		return Request{}, &process.ValidationError{Field: "timeout_ms", Message: "timeout out of range"}
	}
	if worst := cfg.WorstCase(maxAttempts, timeout); worst > cfg.MaxExecution {
		return Request{}, &process.ValidationError{
			Field:   "timeout_ms",
			Message: fmt.Sprintf("%d attempts of %s may run %s, above the %s execution limit", maxAttempts, timeout, worst, cfg.MaxExecution),
		}
	}

	if !e.selector.Supports(modality) {
		return Request{}, &process.ValidationError{Field: "modality", Message: "no provider configured for modality " + string(modality)}
	}

	now := e.now()
	req := Request{
		ID:          process.NewID(process.KindMultimodal),
		TenantID:    tenantID,
		Modality:    modality,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		Timeout:     timeout,
		Input:       in.Input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	e.mu.Lock()
	e.requests[req.ID] = &record{req: req}
	e.mu.Unlock()

	metrics.MultimodalSubmitted.WithLabelValues(string(modality)).Inc()
	e.logger.Info("Multimodal request submitted",
		zap.String("id", req.ID),
		zap.String("tenant_id", tenantID.String()),
		zap.String("modality", string(modality)),
		zap.Int("max_attempts", maxAttempts),
		zap.Duration("timeout", timeout),
	)
	e.publish(req, "submitted")
	return req, nil
}

func validateInput(in Input, maxBytes int) error {
	if strings.TrimSpace(in.Prompt) == "" && in.ContentURL == "" && in.Content == "" {
		return &process.ValidationError{Field: "input", Message: "one of prompt, content_url or content is required"}
	}
	if len(in.Content) > maxBytes {
		return &process.ValidationError{Field: "input.content", Message: "inline content too large"}
	}
	if in.ContentURL != "" && !strings.HasPrefix(in.ContentURL, "http://") && !strings.HasPrefix(in.ContentURL, "https://") {
		return &process.ValidationError{Field: "input.content_url", Message: "content_url must be http or https"}
	}
	return nil
}

// Get returns a snapshot of one request.
func (e *Engine) Get(_ context.Context, id string, tenantID uuid.UUID) (Request, error) {
	rec, err := e.lookup(id, tenantID)
	if err != nil {
		return Request{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.req, nil
}

// List returns the tenant's requests, newest first.
func (e *Engine) List(_ context.Context, tenantID uuid.UUID) ([]Request, error) {
	e.mu.RLock()
	recs := make([]*record, 0, len(e.requests))
	for _, rec := range e.requests {
		recs = append(recs, rec)
	}
	e.mu.RUnlock()

	out := make([]Request, 0)
	for _, rec := range recs {
		rec.mu.Lock()
		req := rec.req
		rec.mu.Unlock()
		if req.TenantID == tenantID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Result returns the request once it is terminal.
func (e *Engine) Result(ctx context.Context, id string, tenantID uuid.UUID) (Request, error) {
	req, err := e.Get(ctx, id, tenantID)
	if err != nil {
		return Request{}, err
	}
	if !req.Status.IsTerminal() {
		return Request{}, transitionError(req, VerbResult, "request has not finished")
	}
	return req, nil
}

// Execute moves a pending request to processing and runs provider
// attempts until one succeeds, attempts run out, or the request is
// cancelled. It blocks until then and returns the final snapshot. Provider
// failures are reported on the returned request, not as an error.
func (e *Engine) Execute(ctx context.Context, id string, tenantID uuid.UUID) (Request, error) {
	rec, execCtx, err := e.begin(ctx, id, tenantID)
	if err != nil {
		return Request{}, err
	}
	return e.run(execCtx, rec), nil
}

// ExecuteAsync performs the pending to processing transition and runs the
// attempts in the background. It returns the processing snapshot.
func (e *Engine) ExecuteAsync(ctx context.Context, id string, tenantID uuid.UUID) (Request, error) {
	rec, execCtx, err := e.begin(ctx, id, tenantID)
	if err != nil {
		return Request{}, err
	}
	rec.mu.Lock()
	snapshot := rec.req
	rec.mu.Unlock()

	e.background.Add(1)
	go func() {
		defer e.background.Done()
		e.run(execCtx, rec)
	}()
	return snapshot, nil
}

// begin is the execute legality check and transition.
func (e *Engine) begin(ctx context.Context, id string, tenantID uuid.UUID) (*record, context.Context, error) {
	rec, err := e.lookup(id, tenantID)
	if err != nil {
		return nil, nil, err
	}

	rec.mu.Lock()
	if rec.req.Status != StatusPending {
		err := transitionError(rec.req, VerbExecute, "")
		rec.mu.Unlock()
		return nil, nil, err
	}
	// Execution outlives the caller's request context; only Cancel stops it.
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rec.req.Status = StatusProcessing
	rec.req.UpdatedAt = e.now()
	rec.cancel = cancel
	snapshot := rec.req
	rec.mu.Unlock()

	metrics.MultimodalInFlight.Inc()
	e.publish(snapshot, "processing")
	return rec, execCtx, nil
}

func (e *Engine) run(ctx context.Context, rec *record) Request {
	defer metrics.MultimodalInFlight.Dec()
	backoff := e.Config().RetryBackoff

	for {
		rec.mu.Lock()
		if rec.req.Status != StatusProcessing {
			out := rec.req
			rec.mu.Unlock()
			return out
		}
		req := rec.req
		rec.mu.Unlock()

		attempt := req.AttemptCount + 1
		providerName, result, attemptErr := e.attempt(ctx, req, attempt)

		rec.mu.Lock()
		if rec.req.Status != StatusProcessing {
			// Cancelled while the attempt was in flight.
			out := rec.req
			rec.mu.Unlock()
			metrics.RecordAttempt(providerName, "discarded", 0)
			e.logger.Info("Discarded attempt result for cancelled request",
				zap.String("id", out.ID),
				zap.Int("attempt", attempt),
			)
			return out
		}

		rec.req.AttemptCount = attempt
		if providerName != "" {
			rec.req.Provider = providerName
		}
		rec.req.UpdatedAt = e.now()

		if attemptErr == nil {
			rec.req.Status = StatusCompleted
			rec.req.Result = result
			rec.req.Err = nil
			rec.req.Error = nil
			out := e.finish(rec)
			rec.mu.Unlock()
			e.logger.Info("Multimodal request completed",
				zap.String("id", out.ID),
				zap.String("provider", out.Provider),
				zap.Int("attempts", out.AttemptCount),
			)
			e.publish(out, "completed")
			return out
		}

		rec.req.Err = attemptErr
		rec.req.Error = detailFor(attemptErr)
		if attempt >= rec.req.MaxAttempts {
			rec.req.Status = StatusFailed
			out := e.finish(rec)
			rec.mu.Unlock()
			e.logger.Warn("Multimodal request failed",
				zap.String("id", out.ID),
				zap.Int("attempts", out.AttemptCount),
				zap.Error(attemptErr),
			)
			e.publish(out, "failed")
			return out
		}
		rec.mu.Unlock()

		e.logger.Info("Retrying multimodal request",
			zap.String("id", req.ID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", req.MaxAttempts),
			zap.Error(attemptErr),
		)
		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			timer.Stop()
		}
	}
}

// finish records terminal bookkeeping; caller holds rec.mu.
func (e *Engine) finish(rec *record) Request {
	if rec.cancel != nil {
		rec.cancel()
		rec.cancel = nil
	}
	metrics.MultimodalTerminal.WithLabelValues(string(rec.req.Modality), string(rec.req.Status)).Inc()
	return rec.req
}

// attempt runs one provider call bounded by the request timeout. The
// provider runs in its own goroutine so a provider that ignores ctx still
// cannot hold the attempt past its deadline; its late result is dropped.
func (e *Engine) attempt(ctx context.Context, req Request, attempt int) (string, *Result, error) {
	provider, err := e.selector.Pick(req.Modality)
	if err != nil {
		return "", nil, &process.ProviderExecutionError{Attempt: attempt, Err: err}
	}
	name := provider.Name()

	ctx, span := tracing.StartSpan(ctx, "multimodal.attempt",
		attribute.String("request.id", req.ID),
		attribute.String("provider", name),
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	ctx = interceptors.WithProcess(ctx, interceptors.ProcessInfo{
		ProcessID: req.ID,
		TenantID:  req.TenantID.String(),
		Attempt:   attempt,
	})
	attemptCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	start := time.Now()
	var result *Result
	err = e.selector.Invoke(attemptCtx, provider, func(callCtx context.Context) error {
		type outcome struct {
			res *Result
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := provider.Invoke(callCtx, req)
			done <- outcome{res, err}
		}()
		select {
		case o := <-done:
			result = o.res
			return o.err
		case <-callCtx.Done():
			return callCtx.Err()
		}
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		metrics.RecordAttempt(name, "success", elapsed)
		return name, result, nil
	case ctx.Err() != nil:
		// Cancelled; the caller discards this attempt.
		return name, nil, ctx.Err()
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		tracing.RecordError(span, err)
		metrics.RecordAttempt(name, "timeout", elapsed)
		return name, nil, &process.ProviderTimeoutError{Provider: name, Attempt: attempt, Timeout: req.Timeout}
	default:
		tracing.RecordError(span, err)
		metrics.RecordAttempt(name, "error", elapsed)
		return name, nil, &process.ProviderExecutionError{Provider: name, Attempt: attempt, Err: err}
	}
}

// Cancel moves a pending or processing request to cancelled and stops any
// in-flight attempt. Of several concurrent cancels exactly one succeeds.
func (e *Engine) Cancel(_ context.Context, id string, tenantID uuid.UUID) (Request, error) {
	rec, err := e.lookup(id, tenantID)
	if err != nil {
		return Request{}, err
	}

	rec.mu.Lock()
	if rec.req.Status != StatusPending && rec.req.Status != StatusProcessing {
		err := transitionError(rec.req, process.VerbCancel, "")
		rec.mu.Unlock()
		return Request{}, err
	}
	rec.req.Status = StatusCancelled
	rec.req.UpdatedAt = e.now()
	out := e.finish(rec)
	rec.mu.Unlock()

	e.logger.Info("Multimodal request cancelled", zap.String("id", id))
	e.publish(out, "cancelled")
	return out, nil
}

// Wait blocks until background executions finish or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset cancels in-flight work and drops every request. Live requests
// are moved to cancelled first so a running execution stops after its
// current attempt instead of retrying. No events are published for them.
func (e *Engine) Reset() {
	e.mu.Lock()
	old := e.requests
	e.requests = make(map[string]*record)
	e.mu.Unlock()

	for _, rec := range old {
		rec.mu.Lock()
		if !rec.req.Status.IsTerminal() {
			rec.req.Status = StatusCancelled
			rec.req.UpdatedAt = e.now()
			e.finish(rec)
		}
		rec.mu.Unlock()
	}
}

func (e *Engine) lookup(id string, tenantID uuid.UUID) (*record, error) {
	e.mu.RLock()
	rec, ok := e.requests[id]
	e.mu.RUnlock()
	if !ok {
		return nil, &process.NotFoundError{Kind: process.KindMultimodal, ID: id}
	}
	rec.mu.Lock()
	owner := rec.req.TenantID
	rec.mu.Unlock()
	if owner != tenantID {
		return nil, &process.NotFoundError{Kind: process.KindMultimodal, ID: id}
	}
	return rec, nil
}

func (e *Engine) publish(req Request, message string) {
	if e.events == nil {
		return
	}
	e.events.Publish(streaming.Event{
		TenantID:  req.TenantID.String(),
		Type:      streaming.EventMultimodalUpdated,
		ProcessID: req.ID,
		Kind:      string(process.KindMultimodal),
		Status:    string(req.Status),
		Message:   message,
	})
}

func transitionError(req Request, verb process.Verb, reason string) error {
	current, _ := Table.Canonical(string(req.Status))
	return &process.InvalidStateTransitionError{
		ID:      req.ID,
		Kind:    process.KindMultimodal,
		Verb:    verb,
		Current: current,
		Native:  string(req.Status),
		Reason:  reason,
	}
}
