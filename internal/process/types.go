package process

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the subsystem that owns a process.
type Kind string

const (
	KindTrace       Kind = "trace"
	KindBudget      Kind = "budget"
	KindImprovement Kind = "improvement"
	KindWorkflow    Kind = "workflow"
	KindMultimodal  Kind = "multimodal"
)

// PriorityOrder is the order in which subsystems are consulted when a
// process id is resolved without knowing its kind.
var PriorityOrder = []Kind{
	KindTrace,
	KindBudget,
	KindImprovement,
	KindWorkflow,
	KindMultimodal,
}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range PriorityOrder {
		if k == known {
			return k, nil
		}
	}
	return "", &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown process kind %q", s)}
}

// Status is the canonical lifecycle status shared by every subsystem.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists canonical statuses in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusPaused,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus validates a canonical status string.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if st == known {
			return st, nil
		}
	}
	return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
}

// Verb is a lifecycle control applied through the hub.
type Verb string

const (
	VerbPause  Verb = "pause"
	VerbResume Verb = "resume"
	VerbCancel Verb = "cancel"
)

// ParseVerb validates a control verb.
func ParseVerb(s string) (Verb, error) {
	switch v := Verb(strings.ToLower(strings.TrimSpace(s))); v {
	case VerbPause, VerbResume, VerbCancel:
		return v, nil
	default:
		return "", &ValidationError{Field: "action", Message: fmt.Sprintf("unsupported action %q (expected pause, resume or cancel)", s)}
	}
}

// NativeRef points back at the subsystem entity an Entry was derived from.
type NativeRef struct {
	Kind   Kind   `json:"kind"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Entry is the canonical, read-only view of a subsystem entity. It is
// synthesized on every read and never stored.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Status    Status    `json:"canonical_status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	NativeRef NativeRef `json:"native_ref"`
	// Label is an optional human readable name taken from the native entity.
	Label string `json:"label,omitempty"`
}

// Command is a control request against one process.
type Command struct {
	ProcessID         string    `json:"process_id"`
	Verb              Verb      `json:"action"`
	RequesterTenantID uuid.UUID `json:"requester_tenant_id"`
	Reason            string    `json:"reason,omitempty"`
	RequestedBy       string    `json:"requested_by,omitempty"`
}
