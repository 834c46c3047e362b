// Package multimodal owns multimodal requests: submission, provider
// execution with bounded retries and timeouts, and cancellation.
package multimodal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/process"
)

// Modality is the kind of content a request carries.
type Modality string

const (
	ModalityText     Modality = "text"
	ModalityVision   Modality = "vision"
	ModalityAudio    Modality = "audio"
	ModalityVideo    Modality = "video"
	ModalityDocument Modality = "document"
)

// Modalities lists every supported modality.
var Modalities = []Modality{ModalityText, ModalityVision, ModalityAudio, ModalityVideo, ModalityDocument}

// ParseModality validates a modality string.
func ParseModality(s string) (Modality, error) {
	m := Modality(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modalities {
		if m == known {
			return m, nil
		}
	}
	return "", &process.ValidationError{Field: "modality", Message: fmt.Sprintf("unsupported modality %q", s)}
}

// Status is the native lifecycle status of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the request can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Input is the caller supplied payload.
type Input struct {
	Prompt      string `json:"prompt,omitempty"`
	ContentURL  string `json:"content_url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	// Content is inline base64 data.
	Content    string         `json:"content,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Result is a provider's successful output.
type Result struct {
	Output    string         `json:"output"`
	Provider  string         `json:"provider"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	LatencyMS int64          `json:"latency_ms"`
}

// Error types reported in ErrorDetail.
const (
	ErrorTypeTimeout   = "provider_timeout"
	ErrorTypeExecution = "provider_execution"
)

// ErrorDetail is the serializable form of the last attempt error.
type ErrorDetail struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
	Attempt  int    `json:"attempt"`
}

// Request is one multimodal request. Values handed out by the engine are
// snapshots; only the engine mutates the stored request.
type Request struct {
	ID           string        `json:"id"`
	TenantID     uuid.UUID     `json:"tenant_id"`
	Modality     Modality      `json:"modality"`
	Status       Status        `json:"status"`
	Provider     string        `json:"provider,omitempty"`
	AttemptCount int           `json:"attempt_count"`
	MaxAttempts  int           `json:"max_attempts"`
	Timeout      time.Duration `json:"-"`
	Input        Input         `json:"input"`
	Result       *Result       `json:"result,omitempty"`
	Error        *ErrorDetail  `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`

	// Err is the typed error of the last failed attempt: a
	// *process.ProviderTimeoutError or *process.ProviderExecutionError.
	Err error `json:"-"`
}

// MarshalJSON renders Timeout in milliseconds.
func (r Request) MarshalJSON() ([]byte, error) {
	type plain Request
	return json.Marshal(struct {
		plain
		TimeoutMS int64 `json:"timeout_ms"`
	}{plain: plain(r), TimeoutMS: r.Timeout.Milliseconds()})
}

// SubmitInput is what a caller provides to create a request.
type SubmitInput struct {
	Modality    string `json:"modality"`
	Input       Input  `json:"input"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	TimeoutMS   int64  `json:"timeout_ms,omitempty"`
}

func detailFor(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	switch e := err.(type) {
	case *process.ProviderTimeoutError:
		return &ErrorDetail{Type: ErrorTypeTimeout, Message: e.Error(), Provider: e.Provider, Attempt: e.Attempt}
	case *process.ProviderExecutionError:
		return &ErrorDetail{Type: ErrorTypeExecution, Message: e.Error(), Provider: e.Provider, Attempt: e.Attempt}
	default:
		return &ErrorDetail{Type: ErrorTypeExecution, Message: err.Error()}
	}
}
