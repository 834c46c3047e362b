package process

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupported marks a verb a subsystem does not implement at all.
var ErrUnsupported = errors.New("operation not supported")

// ValidationError reports malformed caller input. Nothing is mutated.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// NotFoundError is returned for unknown ids and for ids owned by another
// tenant. The message never reveals which of the two happened.
type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("process %s not found", e.ID)
}

// InvalidStateTransitionError is returned when a verb is illegal in the
// entity's current status.
type InvalidStateTransitionError struct {
	ID      string
	Kind    Kind
	Verb    Verb
	Current Status
	// Native is the subsystem specific status the decision was made on.
	Native string
	Reason string
	Err    error
}

func (e *InvalidStateTransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s %s %s in status %s", e.Verb, e.Kind, e.ID, e.Current)
	if e.Native != "" && e.Native != string(e.Current) {
		msg += fmt.Sprintf(" (%s)", e.Native)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidStateTransitionError) Unwrap() error { return e.Err }

// ScopeDeniedError is an authorization failure.
type ScopeDeniedError struct {
	Operation string
	Reason    string
}

func (e *ScopeDeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("scope denied for %s", e.Operation)
	}
	return fmt.Sprintf("scope denied for %s: %s", e.Operation, e.Reason)
}

// SubsystemUnavailableError reports that one subsystem could not be read.
type SubsystemUnavailableError struct {
	Kind Kind
	Err  error
}

func (e *SubsystemUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s subsystem unavailable", e.Kind)
	}
	return fmt.Sprintf("%s subsystem unavailable: %v", e.Kind, e.Err)
}

func (e *SubsystemUnavailableError) Unwrap() error { return e.Err }

// ProviderTimeoutError is one multimodal attempt exceeding its deadline.
type ProviderTimeoutError struct {
	Provider string
	Attempt  int
	Timeout  time.Duration
}

func (e *ProviderTimeoutError) Error() string {
	return fmt.Sprintf("provider %s timed out after %s (attempt %d)", e.Provider, e.Timeout, e.Attempt)
}

// ProviderExecutionError is one multimodal attempt failing for any other
// reason.
type ProviderExecutionError struct {
	Provider string
	Attempt  int
	Err      error
}

func (e *ProviderExecutionError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("provider execution failed (attempt %d): %v", e.Attempt, e.Err)
	}
	return fmt.Sprintf("provider %s failed (attempt %d): %v", e.Provider, e.Attempt, e.Err)
}

func (e *ProviderExecutionError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
