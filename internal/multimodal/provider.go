package multimodal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/tracing"
)

// Provider is an execution backend for multimodal requests.
type Provider interface {
	Name() string
	Supports(m Modality) bool
	// Invoke runs one attempt. Implementations should return promptly when
	// ctx is done, but the engine does not rely on it.
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Static failure modes.
const (
	FailNone    = ""
	FailTimeout = "timeout"
	FailError   = "error"
)

// ErrStaticFailure is returned by a static provider configured to fail.
var ErrStaticFailure = errors.New("static provider configured to fail")

// StaticProvider answers with a canned output after a fixed latency. It
// serves local development and tests.
type StaticProvider struct {
	name       string
	modalities []Modality
	latency    time.Duration
	failMode   string
	output     string
}

// NewStaticProvider creates a static provider. An empty modality list
// supports every modality.
func NewStaticProvider(name string, modalities []Modality, latency time.Duration, failMode, output string) *StaticProvider {
	if output == "" {
		output = "ok"
	}
	return &StaticProvider{
		name:       name,
		modalities: modalities,
		latency:    latency,
		failMode:   failMode,
		output:     output,
	}
}

func (p *StaticProvider) Name() string { return p.name }

func (p *StaticProvider) Supports(m Modality) bool {
	return len(p.modalities) == 0 || slices.Contains(p.modalities, m)
}

func (p *StaticProvider) Invoke(ctx context.Context, req Request) (*Result, error) {
	if p.failMode == FailTimeout {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	timer := time.NewTimer(p.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if p.failMode == FailError {
		return nil, ErrStaticFailure
	}
	return &Result{
		Output:    p.output,
		Provider:  p.name,
		LatencyMS: p.latency.Milliseconds(),
		Metadata:  map[string]any{"modality": string(req.Modality)},
	}, nil
}

// HTTPProvider posts requests as JSON to a remote inference endpoint.
type HTTPProvider struct {
	name       string
	modalities []Modality
	endpoint   string
	apiKey     string
	client     *http.Client
}

// NewHTTPProvider creates a provider calling endpoint.
func NewHTTPProvider(name string, modalities []Modality, endpoint, apiKey string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProvider{
		name:       name,
		modalities: modalities,
		endpoint:   endpoint,
		apiKey:     apiKey,
		client:     client,
	}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Supports(m Modality) bool {
	return len(p.modalities) == 0 || slices.Contains(p.modalities, m)
}

type httpProviderRequest struct {
	RequestID string   `json:"request_id"`
	TenantID  string   `json:"tenant_id"`
	Modality  Modality `json:"modality"`
	Input     Input    `json:"input"`
}

type httpProviderResponse struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func (p *HTTPProvider) Invoke(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(httpProviderRequest{
		RequestID: req.ID,
		TenantID:  req.TenantID.String(),
		Modality:  req.Modality,
		Input:     req.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("encode provider request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if tp := tracing.W3CTraceparent(ctx); tp != "" {
		httpReq.Header.Set("traceparent", tp)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	var decoded httpProviderResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("decode provider response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		msg := decoded.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, msg)
	}

	return &Result{
		Output:    decoded.Output,
		Provider:  p.name,
		Metadata:  decoded.Metadata,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}
